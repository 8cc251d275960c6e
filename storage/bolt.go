package storage

import (
	"context"
	"encoding/json"
	"fmt"
	"sort"
	"strconv"
	"time"

	bolt "go.etcd.io/bbolt"

	"fluxo.evalgo.org/ident"
)

const schemaBucket = "_schemas"

// BoltDriver stores each logical table in a bbolt bucket of the same name.
// Records are JSON values keyed by id; append order is tracked through the
// bucket sequence and kept on the "_seq" column.
type BoltDriver struct {
	db *bolt.DB
}

// NewBoltDriver opens or creates the bbolt database file.
func NewBoltDriver(path string) (*BoltDriver, error) {
	db, err := bolt.Open(path, 0o600, &bolt.Options{Timeout: 1 * time.Second})
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}
	return &BoltDriver{db: db}, nil
}

// CreateStorage creates the table bucket and remembers the schema.
func (d *BoltDriver) CreateStorage(ctx context.Context, path string, schema *Schema) error {
	if err := schema.Validate(); err != nil {
		return err
	}
	return d.db.Update(func(tx *bolt.Tx) error {
		if _, err := tx.CreateBucketIfNotExists([]byte(path)); err != nil {
			return fmt.Errorf("failed to create bucket %s: %w", path, err)
		}
		meta, err := tx.CreateBucketIfNotExists([]byte(schemaBucket))
		if err != nil {
			return fmt.Errorf("failed to create schema bucket: %w", err)
		}
		data, err := json.Marshal(schema)
		if err != nil {
			return fmt.Errorf("failed to marshal schema: %w", err)
		}
		return meta.Put([]byte(path), data)
	})
}

// ReadAll returns every record sorted by sequence number.
func (d *BoltDriver) ReadAll(ctx context.Context, path string, schema *Schema) ([]Record, error) {
	var recs []Record
	err := d.db.View(func(tx *bolt.Tx) error {
		b := tx.Bucket([]byte(path))
		if b == nil {
			return nil
		}
		return b.ForEach(func(k, v []byte) error {
			rec := Record{}
			if err := json.Unmarshal(v, &rec); err != nil {
				return fmt.Errorf("failed to unmarshal record %s: %w", k, err)
			}
			recs = append(recs, rec)
			return nil
		})
	})
	if err != nil {
		return nil, err
	}
	sort.Slice(recs, func(i, j int) bool {
		a, _ := strconv.ParseUint(recs[i][ColumnSeq], 10, 64)
		b, _ := strconv.ParseUint(recs[j][ColumnSeq], 10, 64)
		return a < b
	})
	return recs, nil
}

// ReadByID returns one record or ErrRecordNotFound.
func (d *BoltDriver) ReadByID(ctx context.Context, path string, schema *Schema, id string) (Record, error) {
	var rec Record
	err := d.db.View(func(tx *bolt.Tx) error {
		b := tx.Bucket([]byte(path))
		if b == nil {
			return fmt.Errorf("%w: %s", ErrStorageNotFound, path)
		}
		data := b.Get([]byte(id))
		if data == nil {
			return fmt.Errorf("%w: %s in %s", ErrRecordNotFound, id, path)
		}
		rec = Record{}
		return json.Unmarshal(data, &rec)
	})
	if err != nil {
		return nil, err
	}
	return rec, nil
}

// Create stores one record, assigning id and sequence number.
func (d *BoltDriver) Create(ctx context.Context, path string, schema *Schema, rec Record) (string, error) {
	ids, err := d.BulkCreate(ctx, path, schema, []Record{rec})
	if err != nil {
		return "", err
	}
	return ids[0], nil
}

// BulkCreate stores records in one transaction.
func (d *BoltDriver) BulkCreate(ctx context.Context, path string, schema *Schema, recs []Record) ([]string, error) {
	ids := make([]string, 0, len(recs))
	err := d.db.Update(func(tx *bolt.Tx) error {
		b, err := tx.CreateBucketIfNotExists([]byte(path))
		if err != nil {
			return fmt.Errorf("failed to create bucket %s: %w", path, err)
		}
		for _, rec := range recs {
			stored := rec.Clone()
			if stored[ColumnID] == "" {
				stored[ColumnID] = ident.New()
			}
			seq, err := b.NextSequence()
			if err != nil {
				return fmt.Errorf("failed to advance sequence: %w", err)
			}
			stored[ColumnSeq] = strconv.FormatUint(seq, 10)

			data, err := json.Marshal(stored)
			if err != nil {
				return fmt.Errorf("failed to marshal record: %w", err)
			}
			if err := b.Put([]byte(stored[ColumnID]), data); err != nil {
				return err
			}
			ids = append(ids, stored[ColumnID])
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return ids, nil
}

// UpdateByID replaces one record, preserving its sequence number.
func (d *BoltDriver) UpdateByID(ctx context.Context, path string, schema *Schema, id string, rec Record) error {
	return d.db.Update(func(tx *bolt.Tx) error {
		b := tx.Bucket([]byte(path))
		if b == nil {
			return fmt.Errorf("%w: %s", ErrStorageNotFound, path)
		}
		old := b.Get([]byte(id))
		if old == nil {
			return fmt.Errorf("%w: %s in %s", ErrRecordNotFound, id, path)
		}
		prev := Record{}
		if err := json.Unmarshal(old, &prev); err != nil {
			return fmt.Errorf("failed to unmarshal record %s: %w", id, err)
		}

		updated := rec.Clone()
		updated[ColumnID] = id
		updated[ColumnSeq] = prev[ColumnSeq]
		data, err := json.Marshal(updated)
		if err != nil {
			return fmt.Errorf("failed to marshal record: %w", err)
		}
		return b.Put([]byte(id), data)
	})
}

// DeleteByID removes one record.
func (d *BoltDriver) DeleteByID(ctx context.Context, path string, schema *Schema, id string) error {
	return d.db.Update(func(tx *bolt.Tx) error {
		b := tx.Bucket([]byte(path))
		if b == nil {
			return fmt.Errorf("%w: %s", ErrStorageNotFound, path)
		}
		if b.Get([]byte(id)) == nil {
			return fmt.Errorf("%w: %s in %s", ErrRecordNotFound, id, path)
		}
		return b.Delete([]byte(id))
	})
}

// Exists reports whether the table bucket has been provisioned.
func (d *BoltDriver) Exists(ctx context.Context, path string) (bool, error) {
	var exists bool
	err := d.db.View(func(tx *bolt.Tx) error {
		exists = tx.Bucket([]byte(path)) != nil
		return nil
	})
	return exists, err
}

// HasData reports whether the table holds at least one record.
func (d *BoltDriver) HasData(ctx context.Context, path string) (bool, error) {
	var has bool
	err := d.db.View(func(tx *bolt.Tx) error {
		b := tx.Bucket([]byte(path))
		if b == nil {
			return nil
		}
		k, _ := b.Cursor().First()
		has = k != nil
		return nil
	})
	return has, err
}

// MigrateSchema rewrites every record in the new shape. Columns are matched
// by name; the previous records are kept in a "<path>.bak" bucket.
func (d *BoltDriver) MigrateSchema(ctx context.Context, path string, oldSchema, newSchema *Schema) error {
	if err := newSchema.Validate(); err != nil {
		return err
	}
	keep := map[string]bool{ColumnID: true, ColumnSeq: true}
	for _, name := range newSchema.FieldNames() {
		keep[name] = true
	}

	return d.db.Update(func(tx *bolt.Tx) error {
		b := tx.Bucket([]byte(path))
		if b == nil {
			return fmt.Errorf("%w: %s", ErrStorageNotFound, path)
		}
		tx.DeleteBucket([]byte(path + ".bak"))
		bak, err := tx.CreateBucket([]byte(path + ".bak"))
		if err != nil {
			return fmt.Errorf("failed to create backup bucket: %w", err)
		}

		cur := b.Cursor()
		for k, v := cur.First(); k != nil; k, v = cur.Next() {
			if err := bak.Put(k, v); err != nil {
				return err
			}
			rec := Record{}
			if err := json.Unmarshal(v, &rec); err != nil {
				return fmt.Errorf("failed to unmarshal record %s: %w", k, err)
			}
			migrated := make(Record, len(keep))
			for col := range keep {
				migrated[col] = rec[col]
			}
			data, err := json.Marshal(migrated)
			if err != nil {
				return err
			}
			if err := b.Put(k, data); err != nil {
				return err
			}
		}

		meta, err := tx.CreateBucketIfNotExists([]byte(schemaBucket))
		if err != nil {
			return err
		}
		data, err := json.Marshal(newSchema)
		if err != nil {
			return err
		}
		return meta.Put([]byte(path), data)
	})
}

// Search scans one column for a case-insensitive substring match.
func (d *BoltDriver) Search(ctx context.Context, path string, schema *Schema, field, q string, limit int) ([]string, error) {
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

// Close closes the underlying bbolt database.
func (d *BoltDriver) Close() error { return d.db.Close() }
