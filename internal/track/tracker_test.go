package track

import (
	"fmt"
	"testing"
	"time"

	"go.uber.org/zap"

	"github.com/lindung-io/lindung/internal/logger"
	"github.com/lindung-io/lindung/internal/source"
)

func testTracker() *Tracker {
	return New(&logger.Logger{Logger: zap.NewNop()})
}

func TestRowDiff(t *testing.T) {
	cursor := time.Date(2026, 3, 1, 0, 0, 0, 0, time.UTC)

	t.Run("OnlyRowsAfterCursor", func(t *testing.T) {
		stamps := make([]RowStamp, 0, 1000)
		for i := 0; i < 997; i++ {
			stamps = append(stamps, RowStamp{
				ID:        fmt.Sprintf("row-%d", i),
				UpdatedAt: cursor.Add(-time.Duration(i+1) * time.Minute),
			})
		}
		for i := 0; i < 3; i++ {
			stamps = append(stamps, RowStamp{
				ID:        fmt.Sprintf("changed-%d", i),
				UpdatedAt: cursor.Add(time.Duration(i+1) * time.Hour),
			})
		}

		changed, newCursor := RowDiff(stamps, cursor)
		if len(changed) != 3 {
			t.Fatalf("Expected 3 changed rows out of 1000, got %d", len(changed))
		}
		if !newCursor.Equal(cursor.Add(3 * time.Hour)) {
			t.Errorf("New cursor = %v, want high-water %v", newCursor, cursor.Add(3*time.Hour))
		}
	})

	t.Run("NoChangesKeepsCursor", func(t *testing.T) {
		stamps := []RowStamp{
			{ID: "a", UpdatedAt: cursor.Add(-time.Hour)},
			{ID: "b", UpdatedAt: cursor},
		}
		changed, newCursor := RowDiff(stamps, cursor)
		if len(changed) != 0 {
			t.Errorf("Expected no changes, got %v", changed)
		}
		if !newCursor.Equal(cursor) {
			t.Errorf("Cursor moved without changes: %v", newCursor)
		}
	})
}

func TestSchemaDrift(t *testing.T) {
	tracker := testTracker()

	base := &source.Schema{
		TakenAt: time.Now().UTC(),
		Items: []source.SchemaItem{
			{Name: "employees", Columns: []source.Column{
				{Name: "id", DataType: "bigint"},
				{Name: "nik", DataType: "text"},
				{Name: "nama", DataType: "text"},
			}},
		},
	}

	t.Run("NoChangeNoEvents", func(t *testing.T) {
		if events := tracker.SchemaDrift(1, base, base); len(events) != 0 {
			t.Errorf("Identical schemas produced %d events", len(events))
		}
	})

	t.Run("RenamedColumnIsRemovePlusAdd", func(t *testing.T) {
		renamed := &source.Schema{
			TakenAt: time.Now().UTC(),
			Items: []source.SchemaItem{
				{Name: "employees", Columns: []source.Column{
					{Name: "id", DataType: "bigint"},
					{Name: "no_ktp", DataType: "text"},
					{Name: "nama", DataType: "text"},
				}},
			},
		}

		events := tracker.SchemaDrift(1, base, renamed)
		if len(events) != 2 {
			t.Fatalf("Expected 2 events for a rename, got %d: %+v", len(events), events)
		}
		for _, e := range events {
			if e.Kind != MetadataDrift {
				t.Errorf("Kind = %s, want %s", e.Kind, MetadataDrift)
			}
			if e.Container != "employees" {
				t.Errorf("Container = %s, want employees", e.Container)
			}
		}
	})

	t.Run("ColumnTypeChange", func(t *testing.T) {
		retyped := &source.Schema{
			Items: []source.SchemaItem{
				{Name: "employees", Columns: []source.Column{
					{Name: "id", DataType: "bigint"},
					{Name: "nik", DataType: "varchar"},
					{Name: "nama", DataType: "text"},
				}},
			},
		}

		events := tracker.SchemaDrift(1, base, retyped)
		if len(events) != 1 {
			t.Fatalf("Expected 1 event, got %d", len(events))
		}
		if events[0].Field != "nik" {
			t.Errorf("Field = %s, want nik", events[0].Field)
		}
	})

	t.Run("ContainerAddedAndRemoved", func(t *testing.T) {
		next := &source.Schema{
			Items: []source.SchemaItem{
				{Name: "payroll"},
			},
		}

		events := tracker.SchemaDrift(1, base, next)
		details := map[string]string{}
		for _, e := range events {
			details[e.Container] = e.Detail
		}
		if details["employees"] != "container removed" {
			t.Errorf("Missing container-removed event: %v", details)
		}
		if details["payroll"] != "container added" {
			t.Errorf("Missing container-added event: %v", details)
		}
	})

	t.Run("NilPreviousNoDrift", func(t *testing.T) {
		if events := tracker.SchemaDrift(1, nil, base); events != nil {
			t.Errorf("First-ever crawl should not report drift, got %v", events)
		}
	})
}

func TestDiff(t *testing.T) {
	tracker := testTracker()
	target := source.Target{ID: 7, Name: "exports", Type: source.TypeFile}

	schemaWith := func(digests map[string]string) *source.Schema {
		s := &source.Schema{TakenAt: time.Now().UTC()}
		for name, d := range digests {
			s.Items = append(s.Items, source.SchemaItem{Name: name, Digest: d})
		}
		return s
	}

	t.Run("FirstRunEverythingChanged", func(t *testing.T) {
		diff := tracker.Diff(target, nil, schemaWith(map[string]string{"a.csv": "d1", "b.csv": "d2"}))
		if len(diff.ChangedItems) != 2 {
			t.Errorf("Expected all items changed on first run, got %v", diff.ChangedItems)
		}
	})

	t.Run("UnchangedDigestsNoItems", func(t *testing.T) {
		current := schemaWith(map[string]string{"a.csv": "d1", "b.csv": "d2"})
		prev := &Mark{TargetID: 7, Digests: map[string]string{"a.csv": "d1", "b.csv": "d2"}}

		diff := tracker.Diff(target, prev, current)
		if len(diff.ChangedItems) != 0 {
			t.Errorf("No-change round trip yielded changed items: %v", diff.ChangedItems)
		}
	})

	t.Run("ChangedDigestListed", func(t *testing.T) {
		current := schemaWith(map[string]string{"a.csv": "d9", "b.csv": "d2"})
		prev := &Mark{TargetID: 7, Digests: map[string]string{"a.csv": "d1", "b.csv": "d2"}}

		diff := tracker.Diff(target, prev, current)
		if len(diff.ChangedItems) != 1 || diff.ChangedItems[0] != "a.csv" {
			t.Errorf("ChangedItems = %v, want [a.csv]", diff.ChangedItems)
		}
	})

	t.Run("NewFileListed", func(t *testing.T) {
		current := schemaWith(map[string]string{"a.csv": "d1", "new.csv": "d3"})
		prev := &Mark{TargetID: 7, Digests: map[string]string{"a.csv": "d1"}}

		diff := tracker.Diff(target, prev, current)
		if len(diff.ChangedItems) != 1 || diff.ChangedItems[0] != "new.csv" {
			t.Errorf("ChangedItems = %v, want [new.csv]", diff.ChangedItems)
		}
	})

	t.Run("DatabaseAdvancesCursor", func(t *testing.T) {
		dbTarget := source.Target{ID: 8, Type: source.TypeDatabase}
		taken := time.Date(2026, 4, 1, 12, 0, 0, 0, time.UTC)
		current := &source.Schema{TakenAt: taken, Items: []source.SchemaItem{{Name: "employees"}}}

		diff := tracker.Diff(dbTarget, nil, current)
		if !diff.NewMark.Cursor.Equal(taken) {
			t.Errorf("Cursor = %v, want schema taken-at %v", diff.NewMark.Cursor, taken)
		}
		if len(diff.ChangedItems) != 1 {
			t.Errorf("Expected every table as candidate, got %v", diff.ChangedItems)
		}
	})
}

func TestDataChangeEvents(t *testing.T) {
	t.Run("ChangedMaskedSample", func(t *testing.T) {
		prev := map[string]string{"employees.nik": "12************78"}
		next := map[string]string{"employees.nik": "98************21"}

		events := DataChangeEvents(7, prev, next)
		if len(events) != 1 {
			t.Fatalf("Expected 1 event, got %d", len(events))
		}
		e := events[0]
		if e.Kind != DataChange {
			t.Errorf("Kind = %s, want %s", e.Kind, DataChange)
		}
		if e.Container != "employees" || e.Field != "nik" {
			t.Errorf("Location = %s.%s, want employees.nik", e.Container, e.Field)
		}
		if e.OldMasked != "12************78" || e.NewMasked != "98************21" {
			t.Errorf("Masked values wrong: %+v", e)
		}
	})

	t.Run("SameSampleNoEvent", func(t *testing.T) {
		samples := map[string]string{"employees.nik": "12************78"}
		if events := DataChangeEvents(7, samples, samples); len(events) != 0 {
			t.Errorf("Unchanged samples produced events: %v", events)
		}
	})

	t.Run("NewFieldNoEvent", func(t *testing.T) {
		events := DataChangeEvents(7, nil, map[string]string{"employees.nik": "x"})
		if len(events) != 0 {
			t.Errorf("First sighting should not be a change event, got %v", events)
		}
	})
}
