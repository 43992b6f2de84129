// Package postgres is the Postgres sink. Rows are loaded with COPY inside
// the transaction that deletes the replaced partitions.
package postgres

import (
	"context"
	"fmt"
	"strings"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"dspetl/internal/storage"
)

// Repo implements storage.Repository on a pgx pool.
type Repo struct {
	pool *pgxpool.Pool
}

// New connects to cfg.DSN.
func New(ctx context.Context, cfg storage.Config) (storage.Repository, error) {
	pool, err := pgxpool.New(ctx, cfg.DSN)
	if err != nil {
		return nil, err
	}
	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("postgres ping: %w", err)
	}
	return &Repo{pool: pool}, nil
}

// Close closes the pool.
func (r *Repo) Close() { r.pool.Close() }

// EnsureTable implements storage.Repository.
func (r *Repo) EnsureTable(ctx context.Context, t storage.TableSpec) error {
	stmts, err := buildCreateSQL(t)
	if err != nil {
		return err
	}
	for _, s := range stmts {
		if _, err := r.pool.Exec(ctx, s); err != nil {
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

	tx, err := r.pool.Begin(ctx)
	if err != nil {
		return 0, fmt.Errorf("begin: %w", err)
	}
	defer func() { _ = tx.Rollback(ctx) }()

	if len(partitions) > 0 {
		if _, err := tx.Exec(ctx, buildDeleteSQL(t), partitions); err != nil {
			return 0, fmt.Errorf("delete partitions from %s: %w", t.Name, err)
		}
	}

	var n int64
	if len(rows) > 0 {
		n, err = tx.CopyFrom(ctx, copyIdentifier(t.Name), t.ColumnNames(), pgx.CopyFromRows(rows))
		if err != nil {
			return 0, fmt.Errorf("copy into %s: %w", t.Name, err)
		}
	}

	if err := tx.Commit(ctx); err != nil {
		return 0, fmt.Errorf("commit %s: %w", t.Name, err)
	}
	return n, nil
}

// pgIdent double-quotes a single identifier.
func pgIdent(name string) string {
	return `"` + strings.ReplaceAll(name, `"`, `""`) + `"`
}

// pgTableIdent quotes a possibly schema-qualified table name.
func pgTableIdent(name string) string {
	schema, table := storage.SplitQualifiedName(name)
	if schema == "" {
		return pgIdent(table)
	}
	return pgIdent(schema) + "." + pgIdent(table)
}

func copyIdentifier(name string) pgx.Identifier {
	schema, table := storage.SplitQualifiedName(name)
	if schema == "" {
		return pgx.Identifier{table}
	}
	return pgx.Identifier{schema, table}
}

func columnType(typ string) string {
	switch typ {
	case storage.TypeBigInt:
		return "BIGINT"
	case storage.TypeTimestamp:
		return "TIMESTAMPTZ"
	default:
		return "TEXT"
	}
}

// buildColumnDef renders one column. nil Nullable => NOT NULL.
func buildColumnDef(c storage.ColumnSpec) string {
	def := pgIdent(c.Name) + " " + columnType(c.Type)
	if !c.IsNullable() {
		def += " NOT NULL"
	}
	return def
}

// buildCreateSQL returns the DDL for t in execution order: schema, table,
// partition index, then the optional unique index.
func buildCreateSQL(t storage.TableSpec) ([]string, error) {
	if err := t.Validate(); err != nil {
		return nil, err
	}

	var out []string
	if schema, _ := storage.SplitQualifiedName(t.Name); schema != "" {
		out = append(out, fmt.Sprintf(`CREATE SCHEMA IF NOT EXISTS %s;`, pgIdent(schema)))
	}

	defs := make([]string, len(t.Columns))
	for i, c := range t.Columns {
		defs[i] = buildColumnDef(c)
	}
	table := pgTableIdent(t.Name)
	out = append(out,
		fmt.Sprintf(`CREATE TABLE IF NOT EXISTS %s (%s);`, table, strings.Join(defs, ", ")),
		fmt.Sprintf(`CREATE INDEX IF NOT EXISTS %s ON %s (%s);`,
			pgIdent(storage.IndexName(t.Name, t.PartitionColumn+"_idx")), table, pgIdent(t.PartitionColumn)),
	)

	if len(t.UniqueColumns) > 0 {
		cols := make([]string, len(t.UniqueColumns))
		for i, c := range t.UniqueColumns {
			cols[i] = pgIdent(c)
		}
		out = append(out, fmt.Sprintf(`CREATE UNIQUE INDEX IF NOT EXISTS %s ON %s (%s);`,
			pgIdent(storage.IndexName(t.Name, strings.Join(t.UniqueColumns, "_")+"_uq")), table, strings.Join(cols, ", ")))
	}
	return out, nil
}

// buildDeleteSQL deletes the partitions bound to $1 (text[]).
func buildDeleteSQL(t storage.TableSpec) string {
	return fmt.Sprintf(`DELETE FROM %s WHERE %s = ANY($1);`, pgTableIdent(t.Name), pgIdent(t.PartitionColumn))
}
