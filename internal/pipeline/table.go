package pipeline

import (
	"encoding/json"
	"fmt"
	"io"

	"dspetl/internal/resolve"
	"dspetl/internal/storage"
)

// CleanedTableSpec describes the cleaned table for spec. Provenance and key
// columns are NOT NULL; business fields and loaded_at are nullable. Integer
// fields map to bigint, the rest to text.
//
// A deduplicating source gets a unique index on partition_date plus its key
// fields, the same tuple latest-wins groups by. record_id is not unique: it
// only carries the entity code, and two entities may share one. The index is
// left out when a key field is not stored.
func CleanedTableSpec(table string, spec resolve.SourceSpec) storage.TableSpec {
	nullable := true
	ints := make(map[string]bool, len(spec.IntegerFields))
	for _, f := range spec.IntegerFields {
		ints[f] = true
	}

	cols := []storage.ColumnSpec{
		{Name: resolve.ColRecordID, Type: storage.TypeText},
		{Name: resolve.ColPartitionDate, Type: storage.TypeText},
	}
	for _, f := range spec.OutputFields {
		typ := storage.TypeText
		if ints[f] {
			typ = storage.TypeBigInt
		}
		cols = append(cols, storage.ColumnSpec{Name: f, Type: typ, Nullable: &nullable})
	}
	cols = append(cols,
		storage.ColumnSpec{Name: resolve.ColSourceFile, Type: storage.TypeText},
		storage.ColumnSpec{Name: resolve.ColSourceRowNumber, Type: storage.TypeBigInt},
		storage.ColumnSpec{Name: resolve.ColLoadedAt, Type: storage.TypeTimestamp, Nullable: &nullable},
		storage.ColumnSpec{Name: resolve.ColRecordHash, Type: storage.TypeText},
	)

	t := storage.TableSpec{
		Name:            table,
		Columns:         cols,
		PartitionColumn: resolve.ColPartitionDate,
	}
	if spec.Dedupe {
		t.UniqueColumns = entityKeyColumns(spec)
	}
	return t
}

func entityKeyColumns(spec resolve.SourceSpec) []string {
	stored := make(map[string]bool, len(spec.OutputFields))
	for _, f := range spec.OutputFields {
		stored[f] = true
	}
	cols := []string{resolve.ColPartitionDate}
	for _, f := range spec.KeyFields {
		if !stored[f] {
			return nil
		}
		cols = append(cols, f)
	}
	return cols
}

// Rows renders res in CleanedTableSpec column order.
func Rows(res resolve.Result, spec resolve.SourceSpec) [][]any {
	rows := make([][]any, len(res.Records))
	for i, rec := range res.Records {
		rows[i] = rec.Values(spec.OutputFields)
	}
	return rows
}

// quarantineLine is one JSON line of the quarantine output.
type quarantineLine struct {
	RunID      string `json:"run_id,omitempty"`
	SourceType string `json:"source_type"`
	resolve.Quarantined
}

// WriteQuarantine writes every quarantined record in report to w as JSON
// lines, in source order. It returns the number of lines written.
func WriteQuarantine(w io.Writer, report Report) (int, error) {
	enc := json.NewEncoder(w)
	n := 0
	for _, sr := range report.Sources {
		for _, q := range sr.Quarantined {
			line := quarantineLine{RunID: report.RunID, SourceType: string(sr.SourceType), Quarantined: q}
			if err := enc.Encode(line); err != nil {
				return n, fmt.Errorf("write quarantine: %w", err)
			}
			n++
		}
	}
	return n, nil
}
