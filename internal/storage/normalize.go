package storage

import (
	"fmt"
	"strings"
	"time"

	"github.com/spf13/cast"
)

// NormalizeValue converts v to the Go type backends bind for typ:
// string for text, int64 for bigint and UTC time.Time for timestamptz.
// nil stays nil.
//
// Raw values reach the sinks in whatever type the source produced (a
// warehouse NUMBER in a text column, a timestamp as text, ...).
func NormalizeValue(v any, typ string) (any, error) {
	if v == nil {
		return nil, nil
	}
	switch typ {
	case TypeText:
		switch t := v.(type) {
		case string:
			return t, nil
		case []byte:
			return string(t), nil
		case time.Time:
			return t.UTC().Format(time.RFC3339Nano), nil
		}
		s, err := cast.ToStringE(v)
		if err != nil {
			return nil, fmt.Errorf("text value %v: %w", v, err)
		}
		return s, nil

	case TypeBigInt:
		switch t := v.(type) {
		case int64:
			return t, nil
		case string:
			// cast treats a leading 0 as octal.
			s := strings.TrimLeft(strings.TrimSpace(t), "0")
			if s == "" {
				s = "0"
			}
			v = s
		}
		n, err := cast.ToInt64E(v)
		if err != nil {
			return nil, fmt.Errorf("bigint value %v: %w", v, err)
		}
		return n, nil

	case TypeTimestamp:
		switch t := v.(type) {
		case time.Time:
			return t.UTC(), nil
		case *time.Time:
			if t == nil {
				return nil, nil
			}
			return t.UTC(), nil
		case string:
			return ParseTime(t)
		}
		ts, err := cast.ToTimeE(v)
		if err != nil {
			return nil, fmt.Errorf("timestamp value %v: %w", v, err)
		}
		return ts.UTC(), nil
	}
	return nil, fmt.Errorf("unsupported column type %q", typ)
}

// NormalizeRows applies NormalizeValue column by column. rows must be aligned
// with t.Columns. The input is not modified.
func NormalizeRows(t TableSpec, rows [][]any) ([][]any, error) {
	out := make([][]any, len(rows))
	for i, row := range rows {
		if len(row) != len(t.Columns) {
			return nil, fmt.Errorf("table %s: row %d has %d values, want %d", t.Name, i, len(row), len(t.Columns))
		}
		nr := make([]any, len(row))
		for j, c := range t.Columns {
			v, err := NormalizeValue(row[j], c.Type)
			if err != nil {
				return nil, fmt.Errorf("table %s: row %d column %s: %w", t.Name, i, c.Name, err)
			}
			if v == nil && !c.IsNullable() {
				return nil, fmt.Errorf("table %s: row %d column %s: NULL in NOT NULL column", t.Name, i, c.Name)
			}
			nr[j] = v
		}
		out[i] = nr
	}
	return out, nil
}

// ParseTime parses the timestamp layouts seen in RAW tables and sqlite TEXT
// columns. Values without a zone are UTC.
func ParseTime(s string) (time.Time, error) {
	s = strings.TrimSpace(s)
	if s == "" {
		return time.Time{}, fmt.Errorf("empty time string")
	}

	zoned := []string{
		time.RFC3339Nano,
		time.RFC3339,
		"2006-01-02 15:04:05Z07:00",
		"2006-01-02 15:04:05.999999999Z07:00",
	}
	for _, layout := range zoned {
		if ts, err := time.Parse(layout, s); err == nil {
			return ts.UTC(), nil
		}
	}
	for _, layout := range []string{"2006-01-02 15:04:05", "2006-01-02 15:04:05.999999999", "2006-01-02T15:04:05"} {
		if ts, err := time.ParseInLocation(layout, s, time.UTC); err == nil {
			return ts, nil
		}
	}
	return time.Time{}, fmt.Errorf("unsupported time format: %q", s)
}
