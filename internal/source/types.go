// Package source defines the data-source boundary: where scanned content
// comes from and how its origin is addressed. Per-format readers (PDF, OCR,
// spreadsheets) live behind the DataSource interface and are not implemented
// here; the built-in sources cover filesystem record files and SQL databases.
package source

import (
	"context"
	"time"
)

// Type discriminates the location union
type Type string

const (
	TypeFile        Type = "file"
	TypeDatabase    Type = "database"
	TypeObjectStore Type = "object-store"
)

// Scope controls how deep a scheduled scan goes
type Scope string

const (
	ScopeMetadata Scope = "metadata"
	ScopeSample   Scope = "sample"
	ScopeFull     Scope = "full"
)

// Target is a configured scan source
type Target struct {
	ID                 int64      `db:"id"`
	Name               string     `db:"name"`
	Type               Type       `db:"source_type"`
	Path               string     `db:"path"`
	Scope              Scope      `db:"scan_scope"`
	ScheduleCron       string     `db:"schedule_cron"`
	LastMetadataScanAt *time.Time `db:"last_metadata_scan_at"`
	LastDataScanAt     *time.Time `db:"last_data_scan_at"`
	Encrypted          bool       `db:"encrypted"`
	Active             bool       `db:"is_active"`
}

// Location addresses a finding inside a source. It is a tagged union over
// the source types with shared required fields: Container is the sheet or
// table name, Field the column name (structured sources only), Position the
// row index, page number or line number.
type Location struct {
	Type      Type   `json:"type"`
	Path      string `json:"path"`
	Container string `json:"container,omitempty"`
	Field     string `json:"field,omitempty"`
	Position  int64  `json:"position,omitempty"`
}

// Record is one unit of scannable content together with where it came from.
// Binary is set for opaque file content; Text for everything row-shaped.
type Record struct {
	Text     string
	Binary   []byte
	Location Location
}

// Column describes one structured field
type Column struct {
	Name     string `json:"name"`
	DataType string `json:"data_type,omitempty"`
}

// SchemaItem is one scannable unit inside a target: a table for database
// sources, a file for filesystem and object-store sources.
type SchemaItem struct {
	Name       string    `json:"name"`
	Columns    []Column  `json:"columns,omitempty"`
	RowCount   int64     `json:"row_count,omitempty"`
	SizeBytes  int64     `json:"size_bytes,omitempty"`
	ModifiedAt time.Time `json:"modified_at,omitempty"`
	Digest     string    `json:"digest,omitempty"`
}

// Schema is a structural descriptor of a target, used both to plan a scan
// and to detect drift between runs.
type Schema struct {
	TakenAt time.Time    `json:"taken_at"`
	Items   []SchemaItem `json:"items"`
}

// Item returns the named schema item, if present
func (s *Schema) Item(name string) (SchemaItem, bool) {
	for _, it := range s.Items {
		if it.Name == name {
			return it, true
		}
	}
	return SchemaItem{}, false
}

// Iterator streams records from one schema item. Next returns io.EOF when
// the stream is exhausted.
type Iterator interface {
	Next() (Record, error)
	Close() error
}

// DataSource yields content and location context for a target. Implementations
// must be safe to call from multiple workers of the same run.
type DataSource interface {
	// Ping verifies the source is reachable and credentials resolve
	Ping(ctx context.Context) error

	// Schema crawls structural metadata only; no content is read for
	// database sources
	Schema(ctx context.Context) (*Schema, error)

	// Open streams records from one item. limit <= 0 streams everything.
	Open(ctx context.Context, item string, limit int) (Iterator, error)

	// Changes streams only records modified after the cursor. Sources
	// without per-record timestamps fall back to streaming everything.
	Changes(ctx context.Context, item string, since time.Time) (Iterator, error)
}
