package track

import (
	"time"

	"github.com/lindung-io/lindung/internal/source"
)

// Mark is a target's high-water state from the last successful scan: a
// timestamp cursor for row-oriented sources, a digest map for file-oriented
// ones, plus the structural snapshot used for drift comparison. Marks are
// updated only when a phase fully commits.
type Mark struct {
	TargetID  int64             `json:"target_id"`
	Cursor    time.Time         `json:"cursor,omitempty"`
	Digests   map[string]string `json:"digests,omitempty"`
	Schema    *source.Schema    `json:"schema,omitempty"`
	Samples   map[string]string `json:"samples,omitempty"` // container.field -> masked sample
	UpdatedAt time.Time         `json:"updated_at"`
}

// DriftKind discriminates drift events
type DriftKind string

const (
	MetadataDrift DriftKind = "METADATA_DRIFT"
	DataChange    DriftKind = "DATA_CHANGE"
)

// DriftEvent records a structural or content change between runs. Samples
// are always masked before the event is constructed.
type DriftEvent struct {
	TargetID   int64     `json:"target_id"`
	Kind       DriftKind `json:"kind"`
	Container  string    `json:"container,omitempty"`
	Field      string    `json:"field,omitempty"`
	OldMasked  string    `json:"old_masked,omitempty"`
	NewMasked  string    `json:"new_masked,omitempty"`
	Detail     string    `json:"detail"`
	OccurredAt time.Time `json:"occurred_at"`
}

// Diff lists the scan units that changed since the previous mark
type Diff struct {
	ChangedItems []string
	NewMark      Mark
}

// RowStamp pairs a row identifier with its modification timestamp for
// cursor-based row diffing
type RowStamp struct {
	ID        string
	UpdatedAt time.Time
}
