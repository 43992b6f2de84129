package storage

import (
	"fmt"
	"strings"
)

// Column types understood by every backend.
const (
	TypeText      = "text"
	TypeBigInt    = "bigint"
	TypeTimestamp = "timestamptz"
)

// TableSpec describes a cleaned record table.
type TableSpec struct {
	Name    string       `json:"name"`
	Columns []ColumnSpec `json:"columns"`

	// PartitionColumn holds the partition date. ReplacePartitions deletes by it.
	PartitionColumn string `json:"partition_column"`

	// UniqueColumns, when set, get a unique index.
	UniqueColumns []string `json:"unique_columns,omitempty"`
}

// ColumnSpec is one column. A nil Nullable means NOT NULL.
type ColumnSpec struct {
	Name     string `json:"name"`
	Type     string `json:"type"`
	Nullable *bool  `json:"nullable,omitempty"`
}

// IsNullable reports whether the column accepts NULL.
func (c ColumnSpec) IsNullable() bool {
	return c.Nullable != nil && *c.Nullable
}

// ColumnNames returns the column names in table order.
func (t TableSpec) ColumnNames() []string {
	out := make([]string, len(t.Columns))
	for i, c := range t.Columns {
		out[i] = c.Name
	}
	return out
}

// Column returns the named column.
func (t TableSpec) Column(name string) (ColumnSpec, bool) {
	for _, c := range t.Columns {
		if c.Name == name {
			return c, true
		}
	}
	return ColumnSpec{}, false
}

// Validate checks that the table definition is usable by any backend.
func (t TableSpec) Validate() error {
	if strings.TrimSpace(t.Name) == "" {
		return fmt.Errorf("table name is empty")
	}
	if len(t.Columns) == 0 {
		return fmt.Errorf("table %s: no columns", t.Name)
	}
	seen := make(map[string]bool, len(t.Columns))
	for _, c := range t.Columns {
		if strings.TrimSpace(c.Name) == "" {
			return fmt.Errorf("table %s: column name must be set", t.Name)
		}
		if seen[c.Name] {
			return fmt.Errorf("table %s: duplicate column %q", t.Name, c.Name)
		}
		seen[c.Name] = true
		switch c.Type {
		case TypeText, TypeBigInt, TypeTimestamp:
		default:
			return fmt.Errorf("table %s: column %s: unsupported type %q", t.Name, c.Name, c.Type)
		}
	}
	if !seen[t.PartitionColumn] {
		return fmt.Errorf("table %s: partition column %q is not a column", t.Name, t.PartitionColumn)
	}
	for _, u := range t.UniqueColumns {
		if !seen[u] {
			return fmt.Errorf("table %s: unique column %q is not a column", t.Name, u)
		}
	}
	return nil
}

// IsKeyColumn reports whether name is indexed (partition or unique column).
// Backends with index key size limits size these columns differently.
func (t TableSpec) IsKeyColumn(name string) bool {
	if name == t.PartitionColumn {
		return true
	}
	for _, u := range t.UniqueColumns {
		if u == name {
			return true
		}
	}
	return false
}

// SplitQualifiedName splits "schema.table" into its parts.
//
//   - "public.routes_clean" => ("public", "routes_clean")
//   - "routes_clean"        => ("", "routes_clean")
//
// Names with more than one dot are treated as unqualified.
func SplitQualifiedName(name string) (schema string, table string) {
	name = strings.TrimSpace(name)
	parts := strings.Split(name, ".")
	if len(parts) != 2 {
		return "", name
	}
	return strings.TrimSpace(parts[0]), strings.TrimSpace(parts[1])
}

// IndexName builds a stable index name for table and suffix.
func IndexName(table, suffix string) string {
	_, base := SplitQualifiedName(table)
	return strings.ReplaceAll(base, ".", "_") + "_" + suffix
}
