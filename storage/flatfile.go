package storage

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"sync"

	"fluxo.evalgo.org/ident"
)

// flat-file layout: one "<path>.fsv" file per logical table under the root
// directory. Line one is the header (reserved columns first, then schema
// columns); every following line is one record. Values are escaped so that
// JSON-encoded columns containing the delimiter survive a round trip.

const flatFileExt = ".fsv"

// FlatFileDriver stores each logical table as a semicolon-delimited text
// file. Writes rewrite the whole file under a per-path lock; the format
// exists so operators get a diffable artefact.
type FlatFileDriver struct {
	root string

	mu    sync.Mutex
	locks map[string]*sync.Mutex
}

// NewFlatFileDriver creates a driver rooted at dir, creating it if needed.
func NewFlatFileDriver(dir string) (*FlatFileDriver, error) {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("failed to create storage root: %w", err)
	}
	return &FlatFileDriver{root: dir, locks: make(map[string]*sync.Mutex)}, nil
}

func (d *FlatFileDriver) lock(path string) *sync.Mutex {
	d.mu.Lock()
	defer d.mu.Unlock()
	l, ok := d.locks[path]
	if !ok {
		l = &sync.Mutex{}
		d.locks[path] = l
	}
	return l
}

func (d *FlatFileDriver) file(path string) string {
	return filepath.Join(d.root, path+flatFileExt)
}

// CreateStorage writes the header line for a new table. Existing tables are
// left untouched.
func (d *FlatFileDriver) CreateStorage(ctx context.Context, path string, schema *Schema) error {
	if err := schema.Validate(); err != nil {
		return err
	}
	l := d.lock(path)
	l.Lock()
	defer l.Unlock()

	file := d.file(path)
	if _, err := os.Stat(file); err == nil {
		return nil
	}
	header := append([]string{ColumnID, ColumnSeq}, schema.FieldNames()...)
	return d.writeLines(file, []string{joinRow(header)})
}

// ReadAll returns every record in file order, which is append order.
func (d *FlatFileDriver) ReadAll(ctx context.Context, path string, schema *Schema) ([]Record, error) {
	l := d.lock(path)
	l.Lock()
	defer l.Unlock()
	_, recs, err := d.readAllLocked(path)
	return recs, err
}

// ReadByID returns the record with the given id or ErrRecordNotFound.
func (d *FlatFileDriver) ReadByID(ctx context.Context, path string, schema *Schema, id string) (Record, error) {
	recs, err := d.ReadAll(ctx, path, schema)
	if err != nil {
		return nil, err
	}
	for _, rec := range recs {
		if rec[ColumnID] == id {
			return rec, nil
		}
	}
	return nil, fmt.Errorf("%w: %s in %s", ErrRecordNotFound, id, path)
}

// Create appends one record, assigning id and sequence number.
func (d *FlatFileDriver) Create(ctx context.Context, path string, schema *Schema, rec Record) (string, error) {
	ids, err := d.BulkCreate(ctx, path, schema, []Record{rec})
	if err != nil {
		return "", err
	}
	return ids[0], nil
}

// BulkCreate appends records in one file write.
func (d *FlatFileDriver) BulkCreate(ctx context.Context, path string, schema *Schema, recs []Record) ([]string, error) {
	l := d.lock(path)
	l.Lock()
	defer l.Unlock()

	header, existing, err := d.readAllLocked(path)
	if err != nil {
		return nil, err
	}
	if header == nil {
		header = append([]string{ColumnID, ColumnSeq}, schema.FieldNames()...)
	}

	next := int64(0)
	for _, rec := range existing {
		if seq, err := strconv.ParseInt(rec[ColumnSeq], 10, 64); err == nil && seq > next {
			next = seq
		}
	}

	ids := make([]string, 0, len(recs))
	lines := []string{joinRow(header)}
	for _, rec := range existing {
		lines = append(lines, joinRow(rowFor(header, rec)))
	}
	for _, rec := range recs {
		next++
		stored := rec.Clone()
		if stored[ColumnID] == "" {
			stored[ColumnID] = ident.New()
		}
		stored[ColumnSeq] = strconv.FormatInt(next, 10)
		lines = append(lines, joinRow(rowFor(header, stored)))
		ids = append(ids, stored[ColumnID])
	}

	if err := d.writeLines(d.file(path), lines); err != nil {
		return nil, err
	}
	return ids, nil
}

// UpdateByID rewrites the file with the matching record replaced. The
// record's id and sequence number are preserved.
func (d *FlatFileDriver) UpdateByID(ctx context.Context, path string, schema *Schema, id string, rec Record) error {
	l := d.lock(path)
	l.Lock()
	defer l.Unlock()

	header, existing, err := d.readAllLocked(path)
	if err != nil {
		return err
	}
	if header == nil {
		return fmt.Errorf("%w: %s", ErrStorageNotFound, path)
	}

	found := false
	lines := []string{joinRow(header)}
	for _, old := range existing {
		if old[ColumnID] == id {
			found = true
			updated := rec.Clone()
			updated[ColumnID] = id
			updated[ColumnSeq] = old[ColumnSeq]
			lines = append(lines, joinRow(rowFor(header, updated)))
			continue
		}
		lines = append(lines, joinRow(rowFor(header, old)))
	}
	if !found {
		return fmt.Errorf("%w: %s in %s", ErrRecordNotFound, id, path)
	}
	return d.writeLines(d.file(path), lines)
}

// DeleteByID rewrites the file without the matching record.
func (d *FlatFileDriver) DeleteByID(ctx context.Context, path string, schema *Schema, id string) error {
	l := d.lock(path)
	l.Lock()
	defer l.Unlock()

	header, existing, err := d.readAllLocked(path)
	if err != nil {
		return err
	}
	if header == nil {
		return fmt.Errorf("%w: %s", ErrStorageNotFound, path)
	}

	found := false
	lines := []string{joinRow(header)}
	for _, old := range existing {
		if old[ColumnID] == id {
			found = true
			continue
		}
		lines = append(lines, joinRow(rowFor(header, old)))
	}
	if !found {
		return fmt.Errorf("%w: %s in %s", ErrRecordNotFound, id, path)
	}
	return d.writeLines(d.file(path), lines)
}

// Exists reports whether the table file has been provisioned.
func (d *FlatFileDriver) Exists(ctx context.Context, path string) (bool, error) {
	_, err := os.Stat(d.file(path))
	if err == nil {
		return true, nil
	}
	if os.IsNotExist(err) {
		return false, nil
	}
	return false, err
}

// HasData reports whether the table holds at least one record.
func (d *FlatFileDriver) HasData(ctx context.Context, path string) (bool, error) {
	l := d.lock(path)
	l.Lock()
	defer l.Unlock()
	_, recs, err := d.readAllLocked(path)
	if err != nil {
		return false, err
	}
	return len(recs) > 0, nil
}

// MigrateSchema rewrites the table in the new shape. Columns are matched by
// name: added columns start empty, removed columns are dropped. The previous
// file is kept as a .bak backup.
func (d *FlatFileDriver) MigrateSchema(ctx context.Context, path string, oldSchema, newSchema *Schema) error {
	if err := newSchema.Validate(); err != nil {
		return err
	}
	l := d.lock(path)
	l.Lock()
	defer l.Unlock()

	header, existing, err := d.readAllLocked(path)
	if err != nil {
		return err
	}
	if header == nil {
		return fmt.Errorf("%w: %s", ErrStorageNotFound, path)
	}

	file := d.file(path)
	backup, err := os.ReadFile(file)
	if err != nil {
		return fmt.Errorf("failed to read table for backup: %w", err)
	}
	if err := os.WriteFile(file+".bak", backup, 0o644); err != nil {
		return fmt.Errorf("failed to write migration backup: %w", err)
	}

	newHeader := append([]string{ColumnID, ColumnSeq}, newSchema.FieldNames()...)
	lines := []string{joinRow(newHeader)}
	for _, rec := range existing {
		lines = append(lines, joinRow(rowFor(newHeader, rec)))
	}
	return d.writeLines(file, lines)
}

// Search scans one column for a case-insensitive substring match.
func (d *FlatFileDriver) Search(ctx context.Context, path string, schema *Schema, field, q string, limit int) ([]string, error) {
	recs, err := d.ReadAll(ctx, path, schema)
	if err != nil {
		return nil, err
	}
	var ids []string
	for _, rec := range recs {
		if containsFold(rec[field], q) {
			ids = append(ids, rec[ColumnID])
			if limit > 0 && len(ids) >= limit {
				break
			}
		}
	}
	return ids, nil
}

// Close is a no-op for the flat-file driver.
func (d *FlatFileDriver) Close() error { return nil }

// readAllLocked parses the table file. Returns a nil header when the file
// does not exist (missing tables read as empty).
func (d *FlatFileDriver) readAllLocked(path string) ([]string, []Record, error) {
	data, err := os.ReadFile(d.file(path))
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil, nil
		}
		return nil, nil, fmt.Errorf("failed to read table %s: %w", path, err)
	}

	lines := strings.Split(strings.TrimRight(string(data), "\n"), "\n")
	if len(lines) == 0 || lines[0] == "" {
		return nil, nil, nil
	}

	header := splitRow(lines[0])
	recs := make([]Record, 0, len(lines)-1)
	for _, line := range lines[1:] {
		if line == "" {
			continue
		}
		cells := splitRow(line)
		rec := make(Record, len(header))
		for i, col := range header {
			if i < len(cells) {
				rec[col] = cells[i]
			} else {
				rec[col] = ""
			}
		}
		recs = append(recs, rec)
	}
	return header, recs, nil
}

func (d *FlatFileDriver) writeLines(file string, lines []string) error {
	tmp := file + ".tmp"
	content := strings.Join(lines, "\n") + "\n"
	if err := os.WriteFile(tmp, []byte(content), 0o644); err != nil {
		return fmt.Errorf("failed to write table: %w", err)
	}
	if err := os.Rename(tmp, file); err != nil {
		return fmt.Errorf("failed to replace table: %w", err)
	}
	return nil
}

func rowFor(header []string, rec Record) []string {
	row := make([]string, len(header))
	for i, col := range header {
		row[i] = rec[col]
	}
	return row
}

// Cell escaping: backslash-escape the delimiter, newlines and backslashes so
// JSON-encoded columns survive the round trip.

func escapeCell(s string) string {
	var b strings.Builder
	for _, r := range s {
		switch r {
		case '\\':
			b.WriteString(`\\`)
		case ';':
			b.WriteString(`\;`)
		case '\n':
			b.WriteString(`\n`)
		default:
			b.WriteRune(r)
		}
	}
	return b.String()
}

func joinRow(cells []string) string {
	escaped := make([]string, len(cells))
	for i, c := range cells {
		escaped[i] = escapeCell(c)
	}
	return strings.Join(escaped, ";")
}

func splitRow(line string) []string {
	var cells []string
	var b strings.Builder
	escaped := false
	for _, r := range line {
		if escaped {
			switch r {
			case 'n':
				b.WriteRune('\n')
			default:
				b.WriteRune(r)
			}
			escaped = false
			continue
		}
		switch r {
		case '\\':
			escaped = true
		case ';':
			cells = append(cells, b.String())
			b.Reset()
		default:
			b.WriteRune(r)
		}
	}
	cells = append(cells, b.String())
	return cells
}
