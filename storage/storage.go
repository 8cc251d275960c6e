// Package storage defines the pluggable persistence driver consumed by the
// process repository, together with three implementations: a semicolon
// delimited flat-file backend (a diffable artefact operators can inspect),
// an embedded bbolt backend, and a PostgreSQL backend.
//
// Drivers store flat records: every value is a string, and structured values
// are JSON-encoded by the layer above. A record always carries the reserved
// "_id" column and an append-order "_seq" column drivers maintain on create.
package storage

import (
	"context"
	"errors"
	"fmt"
	"strings"
)

// Reserved record columns maintained by every driver.
const (
	ColumnID  = "_id"
	ColumnSeq = "_seq"
)

// Driver errors.
var (
	ErrRecordNotFound   = errors.New("storage: record not found")
	ErrStorageNotFound  = errors.New("storage: storage not found")
	ErrUnknownFieldType = errors.New("storage: unknown field type")
	ErrInvalidSchema    = errors.New("storage: invalid schema")
)

// fieldTypes is the set of form field types a schema may declare.
var fieldTypes = map[string]bool{
	"text": true, "textarea": true, "email": true, "tel": true, "url": true,
	"search": true, "password": true, "number": true, "checkbox": true,
	"date": true, "time": true, "datetime-local": true, "month": true,
	"week": true, "select": true, "radio": true, "color": true,
	"range": true, "hidden": true,
}

// Field declares one schema column.
type Field struct {
	Name     string `json:"name"`
	Type     string `json:"type"`
	Required bool   `json:"required,omitempty"`
	Decimal  int    `json:"decimal,omitempty"`
}

// Schema describes the shape of one logical table.
type Schema struct {
	Title  string  `json:"title"`
	Fields []Field `json:"fields"`
}

// Validate checks that every field has a name and a known type.
func (s *Schema) Validate() error {
	if s == nil {
		return fmt.Errorf("%w: nil schema", ErrInvalidSchema)
	}
	seen := make(map[string]bool, len(s.Fields))
	for _, f := range s.Fields {
		if f.Name == "" {
			return fmt.Errorf("%w: field without name in %q", ErrInvalidSchema, s.Title)
		}
		if seen[f.Name] {
			return fmt.Errorf("%w: duplicate field %q in %q", ErrInvalidSchema, f.Name, s.Title)
		}
		seen[f.Name] = true
		if !fieldTypes[f.Type] {
			return fmt.Errorf("%w: %q on field %q", ErrUnknownFieldType, f.Type, f.Name)
		}
	}
	return nil
}

// FieldNames returns the declared column names in order.
func (s *Schema) FieldNames() []string {
	names := make([]string, len(s.Fields))
	for i, f := range s.Fields {
		names[i] = f.Name
	}
	return names
}

// HasField reports whether the schema declares the named column.
func (s *Schema) HasField(name string) bool {
	for _, f := range s.Fields {
		if f.Name == name {
			return true
		}
	}
	return false
}

// Record is one stored row. Values are scalar strings; absent values are
// empty strings.
type Record map[string]string

// Clone returns an independent copy of the record.
func (r Record) Clone() Record {
	out := make(Record, len(r))
	for k, v := range r {
		out[k] = v
	}
	return out
}

// Driver is the minimal persistence contract consumed by the repository
// layer. Implementations must keep ReadAll in append order (by "_seq") and
// must serialize writes to one path.
type Driver interface {
	// CreateStorage provisions the logical table. Creating an existing
	// table is a no-op.
	CreateStorage(ctx context.Context, path string, schema *Schema) error

	// ReadAll returns every record in append order. A missing table reads
	// as empty.
	ReadAll(ctx context.Context, path string, schema *Schema) ([]Record, error)

	// ReadByID returns one record or ErrRecordNotFound.
	ReadByID(ctx context.Context, path string, schema *Schema, id string) (Record, error)

	// Create appends a record and returns its id. A record without "_id"
	// gets a generated identifier.
	Create(ctx context.Context, path string, schema *Schema, rec Record) (string, error)

	// UpdateByID replaces the stored columns of one record.
	UpdateByID(ctx context.Context, path string, schema *Schema, id string, rec Record) error

	// DeleteByID removes one record.
	DeleteByID(ctx context.Context, path string, schema *Schema, id string) error

	// Exists reports whether the logical table has been provisioned.
	Exists(ctx context.Context, path string) (bool, error)

	// HasData reports whether the table holds at least one record.
	HasData(ctx context.Context, path string) (bool, error)

	// MigrateSchema transforms the table from the old shape to the new
	// one, preserving shared columns and backing up the previous data.
	MigrateSchema(ctx context.Context, path string, oldSchema, newSchema *Schema) error

	// BulkCreate appends several records in one logical operation.
	BulkCreate(ctx context.Context, path string, schema *Schema, recs []Record) ([]string, error)

	// Search returns the ids of records whose field contains q
	// (case-insensitive), up to limit. limit <= 0 means no limit.
	Search(ctx context.Context, path string, schema *Schema, field, q string, limit int) ([]string, error)

	// Close releases driver resources.
	Close() error
}

func containsFold(haystack, needle string) bool {
	return strings.Contains(strings.ToLower(haystack), strings.ToLower(needle))
}
