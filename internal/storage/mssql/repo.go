// Package mssql is the SQL Server sink.
//
// This package does not import a driver. The binary must register one under
// "sqlserver" (dspetl/internal/storage/all imports github.com/microsoft/go-mssqldb).
package mssql

import (
	"context"
	"database/sql"
	"fmt"
	"strings"

	"dspetl/internal/storage"
)

const (
	// SQL Server accepts 2100 parameters per statement; stay below it.
	maxParams = 2000
	// A table value constructor takes at most 1000 rows.
	maxValuesRows = 1000
)

// Repo implements storage.Repository for SQL Server.
type Repo struct {
	db    dbConn
	batch int
}

func init() {
	storage.Register("mssql", New)
}

// New opens cfg.DSN with the "sqlserver" driver and pings it.
func New(ctx context.Context, cfg storage.Config) (storage.Repository, error) {
	raw, err := sql.Open("sqlserver", cfg.DSN)
	if err != nil {
		return nil, err
	}
	raw.SetMaxOpenConns(64)
	raw.SetMaxIdleConns(64)

	if err := raw.PingContext(ctx); err != nil {
		_ = raw.Close()
		return nil, err
	}
	return &Repo{db: &sqlDB{db: raw}, batch: cfg.BatchSize}, nil
}

// Close releases database resources held by this repository.
func (r *Repo) Close() {
	if r == nil || r.db == nil {
		return
	}
	_ = r.db.Close()
}

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
	committed := false
	defer func() {
		if !committed {
			_ = tx.Rollback()
		}
	}()

	for start := 0; start < len(partitions); start += maxParams {
		end := min(start+maxParams, len(partitions))
		q, args := buildDeleteSQL(t, partitions[start:end])
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
	committed = true
	return total, nil
}

// rowsPerInsert honors the parameter and VALUES limits, and batch when > 0.
func rowsPerInsert(columns, batch int) int {
	n := max(1, min(maxValuesRows, maxParams/max(1, columns)))
	if batch > 0 {
		n = min(n, batch)
	}
	return n
}

// mssqlIdent returns a bracket-quoted SQL Server identifier.
func mssqlIdent(name string) string {
	return "[" + strings.ReplaceAll(name, "]", "]]") + "]"
}

// mssqlTableIdent quotes each part of a schema-qualified name.
//
//	"dbo.routes_clean" -> [dbo].[routes_clean]
func mssqlTableIdent(name string) string {
	parts := strings.Split(name, ".")
	for i := range parts {
		parts[i] = mssqlIdent(strings.TrimSpace(parts[i]))
	}
	return strings.Join(parts, ".")
}

// nstring renders s as an N'' literal for catalog lookups.
func nstring(s string) string {
	return "N'" + strings.ReplaceAll(s, "'", "''") + "'"
}

// columnType maps a storage type. Indexed text columns use NVARCHAR(256) so a
// unique index over partition date and two key fields stays under the
// 1700-byte key limit.
func columnType(t storage.TableSpec, c storage.ColumnSpec) string {
	switch c.Type {
	case storage.TypeBigInt:
		return "BIGINT"
	case storage.TypeTimestamp:
		return "DATETIMEOFFSET(7)"
	}
	if t.IsKeyColumn(c.Name) {
		return "NVARCHAR(256)"
	}
	return "NVARCHAR(MAX)"
}

// buildCreateSQL returns idempotent DDL: SQL Server has no IF NOT EXISTS on
// CREATE, so each statement checks the catalog first.
func buildCreateSQL(t storage.TableSpec) ([]string, error) {
	if err := t.Validate(); err != nil {
		return nil, err
	}

	var out []string
	if schema, _ := storage.SplitQualifiedName(t.Name); schema != "" {
		out = append(out, fmt.Sprintf("IF SCHEMA_ID(%s) IS NULL EXEC(%s);",
			nstring(schema), nstring("CREATE SCHEMA "+mssqlIdent(schema))))
	}

	defs := make([]string, len(t.Columns))
	for i, c := range t.Columns {
		defs[i] = mssqlIdent(c.Name) + " " + columnType(t, c)
		if c.IsNullable() {
			defs[i] += " NULL"
		} else {
			defs[i] += " NOT NULL"
		}
	}
	table := mssqlTableIdent(t.Name)
	out = append(out, fmt.Sprintf("IF OBJECT_ID(%s, N'U') IS NULL CREATE TABLE %s (%s);",
		nstring(table), table, strings.Join(defs, ", ")))

	index := func(unique bool, name string, cols []string) string {
		quoted := make([]string, len(cols))
		for i, c := range cols {
			quoted[i] = mssqlIdent(c)
		}
		kind := "INDEX"
		if unique {
			kind = "UNIQUE INDEX"
		}
		return fmt.Sprintf("IF NOT EXISTS (SELECT 1 FROM sys.indexes WHERE name = %s AND object_id = OBJECT_ID(%s)) CREATE %s %s ON %s (%s);",
			nstring(name), nstring(table), kind, mssqlIdent(name), table, strings.Join(quoted, ", "))
	}
	out = append(out, index(false, storage.IndexName(t.Name, t.PartitionColumn+"_idx"), []string{t.PartitionColumn}))
	if len(t.UniqueColumns) > 0 {
		out = append(out, index(true, storage.IndexName(t.Name, strings.Join(t.UniqueColumns, "_")+"_uq"), t.UniqueColumns))
	}
	return out, nil
}

func buildDeleteSQL(t storage.TableSpec, partitions []string) (string, []any) {
	args := make([]any, len(partitions))
	marks := make([]string, len(partitions))
	for i, p := range partitions {
		args[i] = p
		marks[i] = fmt.Sprintf("@p%d", i+1)
	}
	return fmt.Sprintf("DELETE FROM %s WHERE %s IN (%s);",
		mssqlTableIdent(t.Name), mssqlIdent(t.PartitionColumn), strings.Join(marks, ", ")), args
}

// buildInsertSQL constructs a single multi-row INSERT with @pN placeholders.
func buildInsertSQL(t storage.TableSpec, rows [][]any) (string, []any) {
	cols := make([]string, len(t.Columns))
	for i, c := range t.Columns {
		cols[i] = mssqlIdent(c.Name)
	}

	var b strings.Builder
	b.WriteString("INSERT INTO ")
	b.WriteString(mssqlTableIdent(t.Name))
	b.WriteString(" (")
	b.WriteString(strings.Join(cols, ", "))
	b.WriteString(") VALUES ")

	args := make([]any, 0, len(rows)*len(cols))
	p := 1
	for i, row := range rows {
		if i > 0 {
			b.WriteString(", ")
		}
		b.WriteString("(")
		for j := range cols {
			if j > 0 {
				b.WriteString(", ")
			}
			fmt.Fprintf(&b, "@p%d", p)
			args = append(args, row[j])
			p++
		}
		b.WriteString(")")
	}
	b.WriteString(";")
	return b.String(), args
}

// ---- database/sql seam types ----

// dbConn is the subset of *sql.DB used here; tests substitute a fake.
type dbConn interface {
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
	BeginTx(ctx context.Context, opts *sql.TxOptions) (txConn, error)
	Close() error
}

type txConn interface {
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
	Commit() error
	Rollback() error
}

type sqlDB struct {
	db *sql.DB
}

func (s *sqlDB) ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error) {
	return s.db.ExecContext(ctx, query, args...)
}

func (s *sqlDB) BeginTx(ctx context.Context, opts *sql.TxOptions) (txConn, error) {
	tx, err := s.db.BeginTx(ctx, opts)
	if err != nil {
		return nil, err
	}
	return tx, nil
}

func (s *sqlDB) Close() error { return s.db.Close() }

var _ dbConn = (*sqlDB)(nil)
