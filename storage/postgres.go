package storage

import (
	"context"
	"fmt"
	"strings"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"fluxo.evalgo.org/ident"
)

// PostgresDriver maps each logical table to a real PostgreSQL table: one TEXT
// column per schema field, an "_id" TEXT primary key and a BIGSERIAL "_seq"
// column for append order. Identifiers are sanitized before interpolation;
// values always travel as bind parameters.
type PostgresDriver struct {
	pool *pgxpool.Pool
}

// NewPostgresDriver connects a pool to the given DSN.
func NewPostgresDriver(ctx context.Context, dsn string) (*PostgresDriver, error) {
	pool, err := pgxpool.New(ctx, dsn)
	if err != nil {
		return nil, fmt.Errorf("failed to create connection pool: %w", err)
	}
	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("failed to ping database: %w", err)
	}
	return &PostgresDriver{pool: pool}, nil
}

// NewPostgresDriverFromPool wraps an existing pool. Close is still owned by
// the driver.
func NewPostgresDriverFromPool(pool *pgxpool.Pool) *PostgresDriver {
	return &PostgresDriver{pool: pool}
}

// ident sanitizes a logical name into a safe SQL identifier.
func sqlIdent(name string) string {
	var b strings.Builder
	for _, r := range strings.ToLower(name) {
		switch {
		case r >= 'a' && r <= 'z', r >= '0' && r <= '9', r == '_':
			b.WriteRune(r)
		default:
			b.WriteRune('_')
		}
	}
	out := b.String()
	if out == "" || (out[0] >= '0' && out[0] <= '9') {
		out = "t_" + out
	}
	return out
}

func quoteCols(cols []string) []string {
	out := make([]string, len(cols))
	for i, c := range cols {
		out[i] = `"` + sqlIdent(c) + `"`
	}
	return out
}

// CreateStorage provisions the table. Creating an existing table is a no-op.
func (d *PostgresDriver) CreateStorage(ctx context.Context, path string, schema *Schema) error {
	if err := schema.Validate(); err != nil {
		return err
	}
	cols := []string{`"_id" TEXT PRIMARY KEY`, `"_seq" BIGSERIAL`}
	for _, name := range schema.FieldNames() {
		cols = append(cols, fmt.Sprintf(`"%s" TEXT NOT NULL DEFAULT ''`, sqlIdent(name)))
	}
	query := fmt.Sprintf(`CREATE TABLE IF NOT EXISTS "%s" (%s)`, sqlIdent(path), strings.Join(cols, ", "))
	if _, err := d.pool.Exec(ctx, query); err != nil {
		return fmt.Errorf("failed to create table %s: %w", path, err)
	}
	return nil
}

// ReadAll returns every record in append order.
func (d *PostgresDriver) ReadAll(ctx context.Context, path string, schema *Schema) ([]Record, error) {
	exists, err := d.Exists(ctx, path)
	if err != nil {
		return nil, err
	}
	if !exists {
		return nil, nil
	}

	names := append([]string{ColumnID, ColumnSeq}, schema.FieldNames()...)
	query := fmt.Sprintf(`SELECT %s FROM "%s" ORDER BY "_seq"`,
		strings.Join(quoteCols(names), ", "), sqlIdent(path))

	rows, err := d.pool.Query(ctx, query)
	if err != nil {
		return nil, fmt.Errorf("failed to read table %s: %w", path, err)
	}
	defer rows.Close()

	var recs []Record
	for rows.Next() {
		rec, err := scanRecord(rows, names)
		if err != nil {
			return nil, err
		}
		recs = append(recs, rec)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("failed to iterate table %s: %w", path, err)
	}
	return recs, nil
}

// ReadByID returns one record or ErrRecordNotFound.
func (d *PostgresDriver) ReadByID(ctx context.Context, path string, schema *Schema, id string) (Record, error) {
	names := append([]string{ColumnID, ColumnSeq}, schema.FieldNames()...)
	query := fmt.Sprintf(`SELECT %s FROM "%s" WHERE "_id" = $1`,
		strings.Join(quoteCols(names), ", "), sqlIdent(path))

	rows, err := d.pool.Query(ctx, query, id)
	if err != nil {
		return nil, fmt.Errorf("failed to read record %s: %w", id, err)
	}
	defer rows.Close()

	if !rows.Next() {
		if err := rows.Err(); err != nil {
			return nil, fmt.Errorf("failed to read record %s: %w", id, err)
		}
		return nil, fmt.Errorf("%w: %s in %s", ErrRecordNotFound, id, path)
	}
	return scanRecord(rows, names)
}

// Create stores one record.
func (d *PostgresDriver) Create(ctx context.Context, path string, schema *Schema, rec Record) (string, error) {
	ids, err := d.BulkCreate(ctx, path, schema, []Record{rec})
	if err != nil {
		return "", err
	}
	return ids[0], nil
}

// BulkCreate inserts records in one transaction.
func (d *PostgresDriver) BulkCreate(ctx context.Context, path string, schema *Schema, recs []Record) ([]string, error) {
	tx, err := d.pool.Begin(ctx)
	if err != nil {
		return nil, fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback(ctx)

	names := append([]string{ColumnID}, schema.FieldNames()...)
	placeholders := make([]string, len(names))
	for i := range names {
		placeholders[i] = fmt.Sprintf("$%d", i+1)
	}
	query := fmt.Sprintf(`INSERT INTO "%s" (%s) VALUES (%s)`,
		sqlIdent(path), strings.Join(quoteCols(names), ", "), strings.Join(placeholders, ", "))

	ids := make([]string, 0, len(recs))
	for _, rec := range recs {
		id := rec[ColumnID]
		if id == "" {
			id = ident.New()
		}
		args := make([]any, 0, len(names))
		args = append(args, id)
		for _, name := range schema.FieldNames() {
			args = append(args, rec[name])
		}
		if _, err := tx.Exec(ctx, query, args...); err != nil {
			return nil, fmt.Errorf("failed to insert record: %w", err)
		}
		ids = append(ids, id)
	}

	if err := tx.Commit(ctx); err != nil {
		return nil, fmt.Errorf("failed to commit transaction: %w", err)
	}
	return ids, nil
}

// UpdateByID replaces the schema columns of one record.
func (d *PostgresDriver) UpdateByID(ctx context.Context, path string, schema *Schema, id string, rec Record) error {
	names := schema.FieldNames()
	if len(names) == 0 {
		return nil
	}
	sets := make([]string, len(names))
	args := make([]any, 0, len(names)+1)
	for i, name := range names {
		sets[i] = fmt.Sprintf(`"%s" = $%d`, sqlIdent(name), i+1)
		args = append(args, rec[name])
	}
	args = append(args, id)
	query := fmt.Sprintf(`UPDATE "%s" SET %s WHERE "_id" = $%d`,
		sqlIdent(path), strings.Join(sets, ", "), len(names)+1)

	result, err := d.pool.Exec(ctx, query, args...)
	if err != nil {
		return fmt.Errorf("failed to update record %s: %w", id, err)
	}
	if result.RowsAffected() == 0 {
		return fmt.Errorf("%w: %s in %s", ErrRecordNotFound, id, path)
	}
	return nil
}

// DeleteByID removes one record.
func (d *PostgresDriver) DeleteByID(ctx context.Context, path string, schema *Schema, id string) error {
	query := fmt.Sprintf(`DELETE FROM "%s" WHERE "_id" = $1`, sqlIdent(path))
	result, err := d.pool.Exec(ctx, query, id)
	if err != nil {
		return fmt.Errorf("failed to delete record %s: %w", id, err)
	}
	if result.RowsAffected() == 0 {
		return fmt.Errorf("%w: %s in %s", ErrRecordNotFound, id, path)
	}
	return nil
}

// Exists reports whether the table has been provisioned.
func (d *PostgresDriver) Exists(ctx context.Context, path string) (bool, error) {
	query := `SELECT EXISTS (SELECT 1 FROM information_schema.tables WHERE table_schema = 'public' AND table_name = $1)`
	var exists bool
	if err := d.pool.QueryRow(ctx, query, sqlIdent(path)).Scan(&exists); err != nil {
		return false, fmt.Errorf("failed to check table %s: %w", path, err)
	}
	return exists, nil
}

// HasData reports whether the table holds at least one record.
func (d *PostgresDriver) HasData(ctx context.Context, path string) (bool, error) {
	exists, err := d.Exists(ctx, path)
	if err != nil || !exists {
		return false, err
	}
	query := fmt.Sprintf(`SELECT EXISTS (SELECT 1 FROM "%s")`, sqlIdent(path))
	var has bool
	if err := d.pool.QueryRow(ctx, query).Scan(&has); err != nil {
		return false, fmt.Errorf("failed to check table data %s: %w", path, err)
	}
	return has, nil
}

// MigrateSchema alters the table toward the new shape. Added columns start
// empty, removed columns are dropped. The previous rows are copied to a
// "<path>_bak" table first.
func (d *PostgresDriver) MigrateSchema(ctx context.Context, path string, oldSchema, newSchema *Schema) error {
	if err := newSchema.Validate(); err != nil {
		return err
	}
	exists, err := d.Exists(ctx, path)
	if err != nil {
		return err
	}
	if !exists {
		return fmt.Errorf("%w: %s", ErrStorageNotFound, path)
	}

	tx, err := d.pool.Begin(ctx)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback(ctx)

	table := sqlIdent(path)
	backup := table + "_bak"
	if _, err := tx.Exec(ctx, fmt.Sprintf(`DROP TABLE IF EXISTS "%s"`, backup)); err != nil {
		return fmt.Errorf("failed to drop previous backup: %w", err)
	}
	if _, err := tx.Exec(ctx, fmt.Sprintf(`CREATE TABLE "%s" AS TABLE "%s"`, backup, table)); err != nil {
		return fmt.Errorf("failed to back up table %s: %w", path, err)
	}

	oldCols := make(map[string]bool)
	if oldSchema != nil {
		for _, name := range oldSchema.FieldNames() {
			oldCols[sqlIdent(name)] = true
		}
	}
	newCols := make(map[string]bool)
	for _, name := range newSchema.FieldNames() {
		col := sqlIdent(name)
		newCols[col] = true
		if !oldCols[col] {
			alter := fmt.Sprintf(`ALTER TABLE "%s" ADD COLUMN IF NOT EXISTS "%s" TEXT NOT NULL DEFAULT ''`, table, col)
			if _, err := tx.Exec(ctx, alter); err != nil {
				return fmt.Errorf("failed to add column %s: %w", name, err)
			}
		}
	}
	for col := range oldCols {
		if !newCols[col] {
			alter := fmt.Sprintf(`ALTER TABLE "%s" DROP COLUMN IF EXISTS "%s"`, table, col)
			if _, err := tx.Exec(ctx, alter); err != nil {
				return fmt.Errorf("failed to drop column %s: %w", col, err)
			}
		}
	}

	if err := tx.Commit(ctx); err != nil {
		return fmt.Errorf("failed to commit migration: %w", err)
	}
	return nil
}

// Search returns the ids of records whose field contains q, case-insensitive.
func (d *PostgresDriver) Search(ctx context.Context, path string, schema *Schema, field, q string, limit int) ([]string, error) {
	query := fmt.Sprintf(`SELECT "_id" FROM "%s" WHERE "%s" ILIKE $1 ORDER BY "_seq"`,
		sqlIdent(path), sqlIdent(field))
	if limit > 0 {
		query += fmt.Sprintf(" LIMIT %d", limit)
	}

	rows, err := d.pool.Query(ctx, query, "%"+escapeLike(q)+"%")
	if err != nil {
		return nil, fmt.Errorf("failed to search table %s: %w", path, err)
	}
	defer rows.Close()

	var ids []string
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, fmt.Errorf("failed to scan search result: %w", err)
		}
		ids = append(ids, id)
	}
	return ids, rows.Err()
}

// Close releases the connection pool.
func (d *PostgresDriver) Close() error {
	d.pool.Close()
	return nil
}

func scanRecord(rows pgx.Rows, names []string) (Record, error) {
	values := make([]any, len(names))
	ptrs := make([]any, len(names))
	for i := range values {
		ptrs[i] = &values[i]
	}
	if err := rows.Scan(ptrs...); err != nil {
		return nil, fmt.Errorf("failed to scan record: %w", err)
	}
	rec := make(Record, len(names))
	for i, name := range names {
		switch v := values[i].(type) {
		case nil:
			rec[name] = ""
		case string:
			rec[name] = v
		case int64:
			rec[name] = fmt.Sprintf("%d", v)
		default:
			rec[name] = fmt.Sprintf("%v", v)
		}
	}
	return rec, nil
}

func escapeLike(s string) string {
	r := strings.NewReplacer(`\`, `\\`, `%`, `\%`, `_`, `\_`)
	return r.Replace(s)
}
