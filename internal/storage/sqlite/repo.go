// Package sqlite is the SQLite sink (modernc.org/sqlite, no cgo).
//
// SQLite has no timestamp type; timestamps are stored as RFC3339Nano TEXT in
// UTC so they sort and round-trip exactly.
package sqlite

import (
	"context"
	"database/sql"
	"fmt"
	"strings"
	"time"

	_ "modernc.org/sqlite"

	"dspetl/internal/storage"
)

// maxVariables stays under SQLITE_MAX_VARIABLE_NUMBER of older builds.
const maxVariables = 999

// Repo implements storage.Repository for SQLite.
type Repo struct {
	db    *sql.DB
	batch int
}

func init() {
	storage.Register("sqlite", New)
}

// New opens cfg.DSN. A single connection is used: SQLite serializes writers
// and ":memory:" databases are per connection.
func New(ctx context.Context, cfg storage.Config) (storage.Repository, error) {
	db, err := sql.Open("sqlite", cfg.DSN)
	if err != nil {
		return nil, err
	}
	db.SetMaxOpenConns(1)
	if err := db.PingContext(ctx); err != nil {
		_ = db.Close()
		return nil, err
	}
	return &Repo{db: db, batch: cfg.BatchSize}, nil
}

func (r *Repo) Close() { _ = r.db.Close() }

// EnsureTable implements storage.Repository.
func (r *Repo) EnsureTable(ctx context.Context, t storage.TableSpec) error {
	stmts, err := buildCreateSQL(t)
	if err != nil {
		return err
	}
	for _, s := range stmts {
		if _, err := r.db.ExecContext(ctx, s); err != nil {
			return fmt.Errorf("ensure table %s: %w", t.Name, err)
		}
	}
	return nil
}

// ReplacePartitions implements storage.Repository.
func (r *Repo) ReplacePartitions(ctx context.Context, t storage.TableSpec, partitions []string, rows [][]any) (int64, error) {
	if err := t.Validate(); err != nil {
		return 0, err
	}
	rows, err := storage.NormalizeRows(t, rows)
	if err != nil {
		return 0, err
	}

	tx, err := r.db.BeginTx(ctx, nil)
	if err != nil {
		return 0, fmt.Errorf("begin: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	for _, part := range chunkStrings(partitions, maxVariables) {
		q, args := buildDeleteSQL(t, part)
		if _, err := tx.ExecContext(ctx, q, args...); err != nil {
			return 0, fmt.Errorf("delete partitions from %s: %w", t.Name, err)
		}
	}

	var total int64
	perStmt := rowsPerInsert(len(t.Columns), r.batch)
	for start := 0; start < len(rows); start += perStmt {
		end := min(start+perStmt, len(rows))
		q, args := buildInsertSQL(t, rows[start:end])
		res, err := tx.ExecContext(ctx, q, args...)
		if err != nil {
			return 0, fmt.Errorf("insert into %s: %w", t.Name, err)
		}
		n, _ := res.RowsAffected()
		total += n
	}

	if err := tx.Commit(); err != nil {
		return 0, fmt.Errorf("commit %s: %w", t.Name, err)
	}
	return total, nil
}

func sqlIdent(id string) string {
	return `"` + strings.ReplaceAll(id, `"`, `""`) + `"`
}

// tableIdent quotes "schema.table" part by part; the schema is an attached
// database in SQLite.
func tableIdent(name string) string {
	schema, table := storage.SplitQualifiedName(name)
	if schema == "" {
		return sqlIdent(table)
	}
	return sqlIdent(schema) + "." + sqlIdent(table)
}

func columnType(typ string) string {
	if typ == storage.TypeBigInt {
		return "INTEGER"
	}
	return "TEXT"
}

// buildCreateSQL returns the table DDL and its indexes. Index names are
// schema-qualified because SQLite places an index in its table's database.
func buildCreateSQL(t storage.TableSpec) ([]string, error) {
	if err := t.Validate(); err != nil {
		return nil, err
	}

	defs := make([]string, len(t.Columns))
	for i, c := range t.Columns {
		defs[i] = fmt.Sprintf("%s %s", sqlIdent(c.Name), columnType(c.Type))
		if !c.IsNullable() {
			defs[i] += " NOT NULL"
		}
	}

	schema, table := storage.SplitQualifiedName(t.Name)
	indexIdent := func(suffix string) string {
		idx := sqlIdent(storage.IndexName(t.Name, suffix))
		if schema != "" {
			return sqlIdent(schema) + "." + idx
		}
		return idx
	}

	out := []string{
		fmt.Sprintf("CREATE TABLE IF NOT EXISTS %s (\n  %s\n);", tableIdent(t.Name), strings.Join(defs, ",\n  ")),
		fmt.Sprintf("CREATE INDEX IF NOT EXISTS %s ON %s (%s);",
			indexIdent(t.PartitionColumn+"_idx"), sqlIdent(table), sqlIdent(t.PartitionColumn)),
	}
	if len(t.UniqueColumns) > 0 {
		out = append(out, fmt.Sprintf("CREATE UNIQUE INDEX IF NOT EXISTS %s ON %s (%s);",
			indexIdent(strings.Join(t.UniqueColumns, "_")+"_uq"), sqlIdent(table), joinIdentList(t.UniqueColumns)))
	}
	return out, nil
}

func buildDeleteSQL(t storage.TableSpec, partitions []string) (string, []any) {
	args := make([]any, len(partitions))
	marks := make([]string, len(partitions))
	for i, p := range partitions {
		args[i] = p
		marks[i] = "?"
	}
	return fmt.Sprintf("DELETE FROM %s WHERE %s IN (%s);",
		tableIdent(t.Name), sqlIdent(t.PartitionColumn), strings.Join(marks, ", ")), args
}

// buildInsertSQL builds one multi-row INSERT. Timestamps are bound as
// RFC3339Nano text.
func buildInsertSQL(t storage.TableSpec, rows [][]any) (string, []any) {
	var b strings.Builder
	b.WriteString("INSERT INTO ")
	b.WriteString(tableIdent(t.Name))
	b.WriteString(" (")
	b.WriteString(joinIdentList(t.ColumnNames()))
	b.WriteString(") VALUES ")

	tuple := "(" + strings.TrimSuffix(strings.Repeat("?, ", len(t.Columns)), ", ") + ")"
	args := make([]any, 0, len(rows)*len(t.Columns))
	for i, row := range rows {
		if i > 0 {
			b.WriteString(", ")
		}
		b.WriteString(tuple)
		for _, v := range row {
			if ts, ok := v.(time.Time); ok {
				v = formatSQLiteTime(ts)
			}
			args = append(args, v)
		}
	}
	b.WriteString(";")
	return b.String(), args
}

func joinIdentList(columns []string) string {
	out := make([]string, len(columns))
	for i, c := range columns {
		out[i] = sqlIdent(c)
	}
	return strings.Join(out, ", ")
}

// rowsPerInsert keeps a statement under maxVariables, and under batch when
// batch > 0.
func rowsPerInsert(columns, batch int) int {
	n := max(1, maxVariables/max(1, columns))
	if batch > 0 {
		n = min(n, batch)
	}
	return n
}

func chunkStrings(in []string, size int) [][]string {
	var out [][]string
	for start := 0; start < len(in); start += size {
		out = append(out, in[start:min(start+size, len(in))])
	}
	return out
}

// formatSQLiteTime formats a time as RFC3339Nano in UTC.
func formatSQLiteTime(t time.Time) string {
	return t.UTC().Format(time.RFC3339Nano)
}
