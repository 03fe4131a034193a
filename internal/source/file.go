package source

import (
	"bufio"
	"context"
	"encoding/csv"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/cespare/xxhash/v2"
	"github.com/segmentio/parquet-go"
	"go.uber.org/zap"

	"github.com/lindung-io/lindung/internal/logger"
)

// FileSource scans record files under a root directory. Each file is one
// schema item; CSV, JSON-lines and Parquet files stream field-level records,
// plain text streams line-level records, and anything else is passed through
// as a single binary record for entropy accounting.
type FileSource struct {
	root   string
	logger *logger.Logger
}

// NewFileSource creates a filesystem source rooted at dir
func NewFileSource(root string, log *logger.Logger) *FileSource {
	return &FileSource{
		root:   root,
		logger: log.WithComponent("file_source"),
	}
}

// Ping verifies the root directory exists and is readable
func (s *FileSource) Ping(ctx context.Context) error {
	info, err := os.Stat(s.root)
	if err != nil {
		return fmt.Errorf("source root unreachable: %w", err)
	}
	if !info.IsDir() {
		return fmt.Errorf("source root is not a directory: %s", s.root)
	}
	return nil
}

// Schema walks the tree and describes every regular file. Content digests
// are computed here so the change tracker can diff runs without a second
// pass over the tree.
func (s *FileSource) Schema(ctx context.Context) (*Schema, error) {
	schema := &Schema{TakenAt: time.Now().UTC()}

	err := filepath.Walk(s.root, func(path string, info os.FileInfo, err error) error {
		if err != nil {
			s.logger.Warn("Skipping unreadable path", zap.String("path", path), zap.Error(err))
			return nil
		}
		if info.IsDir() {
			return nil
		}
		if err := ctx.Err(); err != nil {
			return err
		}

		rel, err := filepath.Rel(s.root, path)
		if err != nil {
			rel = path
		}

		item := SchemaItem{
			Name:       rel,
			SizeBytes:  info.Size(),
			ModifiedAt: info.ModTime().UTC(),
		}

		if digest, err := digestFile(path); err != nil {
			s.logger.Warn("Failed to digest file", zap.String("path", path), zap.Error(err))
		} else {
			item.Digest = digest
		}

		if cols, err := s.headerColumns(path); err == nil {
			item.Columns = cols
		}

		schema.Items = append(schema.Items, item)
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("schema crawl failed: %w", err)
	}

	return schema, nil
}

// headerColumns pulls column names out of structured file headers so the
// metadata phase can score them without reading data
func (s *FileSource) headerColumns(path string) ([]Column, error) {
	switch strings.ToLower(filepath.Ext(path)) {
	case ".csv":
		f, err := os.Open(path)
		if err != nil {
			return nil, err
		}
		defer f.Close()

		header, err := csv.NewReader(f).Read()
		if err != nil {
			return nil, err
		}
		cols := make([]Column, len(header))
		for i, h := range header {
			cols[i] = Column{Name: strings.TrimSpace(h)}
		}
		return cols, nil

	case ".parquet":
		f, err := os.Open(path)
		if err != nil {
			return nil, err
		}
		defer f.Close()

		reader := parquet.NewReader(f)
		defer reader.Close()

		var cols []Column
		for _, path := range reader.Schema().Columns() {
			cols = append(cols, Column{Name: path[len(path)-1]})
		}
		return cols, nil
	}

	return nil, fmt.Errorf("no header columns for %s", path)
}

// Open streams records from one file
func (s *FileSource) Open(ctx context.Context, item string, limit int) (Iterator, error) {
	path := filepath.Join(s.root, item)
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("failed to open %s: %w", item, err)
	}

	loc := Location{Type: TypeFile, Path: item, Container: item}

	switch strings.ToLower(filepath.Ext(path)) {
	case ".csv":
		return newCSVIterator(f, loc, limit)
	case ".json", ".jsonl", ".ndjson":
		return newJSONIterator(f, loc, limit), nil
	case ".parquet":
		return newParquetIterator(f, loc, limit)
	case ".txt", ".log", ".md":
		return newLineIterator(f, loc, limit), nil
	default:
		return newBlobIterator(f, loc), nil
	}
}

// Changes re-streams a file only when it was modified after the cursor
func (s *FileSource) Changes(ctx context.Context, item string, since time.Time) (Iterator, error) {
	info, err := os.Stat(filepath.Join(s.root, item))
	if err != nil {
		return nil, fmt.Errorf("failed to stat %s: %w", item, err)
	}
	if !info.ModTime().After(since) {
		return emptyIterator{}, nil
	}
	return s.Open(ctx, item, 0)
}

func digestFile(path string) (string, error) {
	f, err := os.Open(path)
	if err != nil {
		return "", err
	}
	defer f.Close()

	h := xxhash.New()
	if _, err := io.Copy(h, f); err != nil {
		return "", err
	}
	return fmt.Sprintf("%016x", h.Sum64()), nil
}

type emptyIterator struct{}

func (emptyIterator) Next() (Record, error) { return Record{}, io.EOF }
func (emptyIterator) Close() error          { return nil }

// csvIterator emits one record per cell so findings carry column context
type csvIterator struct {
	f      *os.File
	reader *csv.Reader
	header []string
	loc    Location

	row     int64
	current []string
	col     int
	limit   int
	emitted int
}

func newCSVIterator(f *os.File, loc Location, limit int) (*csvIterator, error) {
	reader := csv.NewReader(f)
	reader.FieldsPerRecord = -1

	header, err := reader.Read()
	if err != nil {
		f.Close()
		return nil, fmt.Errorf("failed to read CSV header: %w", err)
	}

	return &csvIterator{f: f, reader: reader, header: header, loc: loc, limit: limit}, nil
}

func (it *csvIterator) Next() (Record, error) {
	for {
		if it.limit > 0 && it.emitted >= it.limit {
			return Record{}, io.EOF
		}

		if it.current == nil || it.col >= len(it.current) {
			row, err := it.reader.Read()
			if err != nil {
				return Record{}, err
			}
			it.current = row
			it.col = 0
			it.row++
		}

		value := strings.TrimSpace(it.current[it.col])
		field := ""
		if it.col < len(it.header) {
			field = strings.TrimSpace(it.header[it.col])
		}
		it.col++

		if value == "" {
			continue
		}

		loc := it.loc
		loc.Field = field
		loc.Position = it.row
		it.emitted++
		return Record{Text: value, Location: loc}, nil
	}
}

func (it *csvIterator) Close() error { return it.f.Close() }

// jsonIterator reads one JSON object per line
type jsonIterator struct {
	f       *os.File
	decoder *json.Decoder
	loc     Location

	row     int64
	pending []Record
	limit   int
	emitted int
}

func newJSONIterator(f *os.File, loc Location, limit int) *jsonIterator {
	return &jsonIterator{f: f, decoder: json.NewDecoder(f), loc: loc, limit: limit}
}

func (it *jsonIterator) Next() (Record, error) {
	for {
		if it.limit > 0 && it.emitted >= it.limit {
			return Record{}, io.EOF
		}

		if len(it.pending) > 0 {
			rec := it.pending[0]
			it.pending = it.pending[1:]
			it.emitted++
			return rec, nil
		}

		var obj map[string]interface{}
		if err := it.decoder.Decode(&obj); err != nil {
			return Record{}, err
		}
		it.row++

		for field, v := range obj {
			text := strings.TrimSpace(fmt.Sprintf("%v", v))
			if text == "" || text == "<nil>" {
				continue
			}
			loc := it.loc
			loc.Field = field
			loc.Position = it.row
			it.pending = append(it.pending, Record{Text: text, Location: loc})
		}
	}
}

func (it *jsonIterator) Close() error { return it.f.Close() }

// parquetIterator emits one record per leaf value
type parquetIterator struct {
	f      *os.File
	reader *parquet.Reader
	cols   []string
	loc    Location

	row     int64
	pending []Record
	limit   int
	emitted int
}

func newParquetIterator(f *os.File, loc Location, limit int) (*parquetIterator, error) {
	reader := parquet.NewReader(f)

	var cols []string
	for _, path := range reader.Schema().Columns() {
		cols = append(cols, path[len(path)-1])
	}

	return &parquetIterator{f: f, reader: reader, cols: cols, loc: loc, limit: limit}, nil
}

func (it *parquetIterator) Next() (Record, error) {
	for {
		if it.limit > 0 && it.emitted >= it.limit {
			return Record{}, io.EOF
		}

		if len(it.pending) > 0 {
			rec := it.pending[0]
			it.pending = it.pending[1:]
			it.emitted++
			return rec, nil
		}

		rows := make([]parquet.Row, 1)
		n, err := it.reader.ReadRows(rows)
		if n == 0 {
			if err == nil {
				err = io.EOF
			}
			return Record{}, err
		}
		it.row++

		for _, value := range rows[0] {
			if value.IsNull() {
				continue
			}
			field := ""
			if idx := int(value.Column()); idx >= 0 && idx < len(it.cols) {
				field = it.cols[idx]
			}
			text := strings.TrimSpace(value.String())
			if text == "" {
				continue
			}
			loc := it.loc
			loc.Field = field
			loc.Position = it.row
			it.pending = append(it.pending, Record{Text: text, Location: loc})
		}
	}
}

func (it *parquetIterator) Close() error {
	it.reader.Close()
	return it.f.Close()
}

// lineIterator emits one record per non-empty line
type lineIterator struct {
	f       *os.File
	scanner *bufio.Scanner
	loc     Location

	line    int64
	limit   int
	emitted int
}

func newLineIterator(f *os.File, loc Location, limit int) *lineIterator {
	scanner := bufio.NewScanner(f)
	scanner.Buffer(make([]byte, 0, 64*1024), 1024*1024)
	return &lineIterator{f: f, scanner: scanner, loc: loc, limit: limit}
}

func (it *lineIterator) Next() (Record, error) {
	for {
		if it.limit > 0 && it.emitted >= it.limit {
			return Record{}, io.EOF
		}

		if !it.scanner.Scan() {
			if err := it.scanner.Err(); err != nil {
				return Record{}, err
			}
			return Record{}, io.EOF
		}
		it.line++

		text := strings.TrimSpace(it.scanner.Text())
		if text == "" {
			continue
		}

		loc := it.loc
		loc.Position = it.line
		it.emitted++
		return Record{Text: text, Location: loc}, nil
	}
}

func (it *lineIterator) Close() error { return it.f.Close() }

// blobIterator emits the whole file as a single binary record. Opaque
// formats are only useful for entropy accounting.
type blobIterator struct {
	f    *os.File
	loc  Location
	done bool
}

func newBlobIterator(f *os.File, loc Location) *blobIterator {
	return &blobIterator{f: f, loc: loc}
}

func (it *blobIterator) Next() (Record, error) {
	if it.done {
		return Record{}, io.EOF
	}
	it.done = true

	content, err := io.ReadAll(it.f)
	if err != nil {
		return Record{}, err
	}
	return Record{Binary: content, Location: it.loc}, nil
}

func (it *blobIterator) Close() error { return it.f.Close() }
