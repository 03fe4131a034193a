// Package track implements CDC-lite change detection: timestamp cursors for
// row-oriented sources, content digests for file-oriented ones, and schema
// comparison for drift.
package track

import (
	"fmt"
	"time"

	"go.uber.org/zap"

	"github.com/lindung-io/lindung/internal/logger"
	"github.com/lindung-io/lindung/internal/source"
)

// Tracker computes deltas between a target's previous mark and its current
// state
type Tracker struct {
	logger *logger.Logger
}

// New creates a change tracker
func New(log *logger.Logger) *Tracker {
	return &Tracker{logger: log.WithComponent("track")}
}

// Diff returns the scan units that changed since prev, together with the
// candidate mark for this run. For file and object-store targets the unit is
// a file compared by content digest (falling back to modification time);
// for database targets every table is a candidate and rows are narrowed at
// read time against the timestamp cursor. The returned mark must only be
// persisted after the phase that consumed the diff fully commits.
func (t *Tracker) Diff(target source.Target, prev *Mark, current *source.Schema) *Diff {
	diff := &Diff{
		NewMark: Mark{
			TargetID:  target.ID,
			Schema:    current,
			UpdatedAt: time.Now().UTC(),
		},
	}
	if prev != nil {
		diff.NewMark.Samples = prev.Samples
	}

	switch target.Type {
	case source.TypeDatabase:
		diff.NewMark.Cursor = current.TakenAt
		for _, item := range current.Items {
			diff.ChangedItems = append(diff.ChangedItems, item.Name)
		}

	default:
		diff.NewMark.Digests = make(map[string]string, len(current.Items))
		for _, item := range current.Items {
			diff.NewMark.Digests[item.Name] = item.Digest

			if prev == nil {
				diff.ChangedItems = append(diff.ChangedItems, item.Name)
				continue
			}

			prevDigest, seen := prev.Digests[item.Name]
			switch {
			case !seen:
				diff.ChangedItems = append(diff.ChangedItems, item.Name)
			case item.Digest != "" && prevDigest != "":
				if item.Digest != prevDigest {
					diff.ChangedItems = append(diff.ChangedItems, item.Name)
				}
			case item.ModifiedAt.After(prev.UpdatedAt):
				diff.ChangedItems = append(diff.ChangedItems, item.Name)
			}
		}
	}

	t.logger.Debug("Change diff computed",
		zap.Int64("target_id", target.ID),
		zap.Int("changed_items", len(diff.ChangedItems)),
	)
	return diff
}

// RowDiff filters row stamps against a cursor and returns the changed row
// identifiers plus the new high-water timestamp
func RowDiff(stamps []RowStamp, since time.Time) ([]string, time.Time) {
	var changed []string
	newCursor := since
	for _, s := range stamps {
		if s.UpdatedAt.After(since) {
			changed = append(changed, s.ID)
			if s.UpdatedAt.After(newCursor) {
				newCursor = s.UpdatedAt
			}
		}
	}
	return changed, newCursor
}

// SchemaDrift compares two structural snapshots and emits one event per
// shape change: containers appearing or disappearing, columns added,
// removed or changing type. Drift must be visible even when no content
// changed, so this runs before any data scanning.
func (t *Tracker) SchemaDrift(targetID int64, prev, current *source.Schema) []DriftEvent {
	if prev == nil || current == nil {
		return nil
	}

	now := time.Now().UTC()
	var events []DriftEvent
	emit := func(container, field, detail string) {
		events = append(events, DriftEvent{
			TargetID:   targetID,
			Kind:       MetadataDrift,
			Container:  container,
			Field:      field,
			Detail:     detail,
			OccurredAt: now,
		})
	}

	prevItems := make(map[string]source.SchemaItem, len(prev.Items))
	for _, it := range prev.Items {
		prevItems[it.Name] = it
	}
	currentItems := make(map[string]source.SchemaItem, len(current.Items))
	for _, it := range current.Items {
		currentItems[it.Name] = it
	}

	for name := range prevItems {
		if _, ok := currentItems[name]; !ok {
			emit(name, "", "container removed")
		}
	}

	for name, cur := range currentItems {
		old, ok := prevItems[name]
		if !ok {
			emit(name, "", "container added")
			continue
		}

		oldCols := make(map[string]string, len(old.Columns))
		for _, c := range old.Columns {
			oldCols[c.Name] = c.DataType
		}
		curCols := make(map[string]string, len(cur.Columns))
		for _, c := range cur.Columns {
			curCols[c.Name] = c.DataType
		}

		for col := range oldCols {
			if _, ok := curCols[col]; !ok {
				emit(name, col, "column removed")
			}
		}
		for col, dt := range curCols {
			oldDT, ok := oldCols[col]
			switch {
			case !ok:
				emit(name, col, "column added")
			case dt != oldDT && dt != "" && oldDT != "":
				emit(name, col, fmt.Sprintf("column type changed: %s -> %s", oldDT, dt))
			}
		}
	}

	if len(events) > 0 {
		t.logger.Info("Schema drift detected",
			zap.Int64("target_id", targetID),
			zap.Int("events", len(events)),
		)
	}
	return events
}

// DataChangeEvents compares the masked PII samples of the previous run with
// this run's and emits one DATA_CHANGE event per PII-bearing field whose
// content moved. Both sides are already masked; raw values never reach this
// package.
func DataChangeEvents(targetID int64, prevSamples, newSamples map[string]string) []DriftEvent {
	now := time.Now().UTC()
	var events []DriftEvent

	for key, newMasked := range newSamples {
		oldMasked, seen := prevSamples[key]
		if !seen || oldMasked == newMasked {
			continue
		}

		container, field := splitSampleKey(key)
		events = append(events, DriftEvent{
			TargetID:   targetID,
			Kind:       DataChange,
			Container:  container,
			Field:      field,
			OldMasked:  oldMasked,
			NewMasked:  newMasked,
			Detail:     "PII-bearing field content changed",
			OccurredAt: now,
		})
	}
	return events
}

// SampleKey builds the container.field key used in Mark.Samples
func SampleKey(container, field string) string {
	return container + "." + field
}

func splitSampleKey(key string) (container, field string) {
	for i := len(key) - 1; i >= 0; i-- {
		if key[i] == '.' {
			return key[:i], key[i+1:]
		}
	}
	return key, ""
}
