// Package builtin contains small, reusable per-record transforms.
package builtin

import (
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"strconv"
	"strings"
	"time"

	"dspetl/pkg/records"
)

// Hash computes a deterministic SHA-256 over selected fields and writes it into
// TargetField on each record.
//
// The resolution engine uses it to stamp every cleaned record with a
// record_hash, so a rerun over identical raw input can be checked (and stored)
// as byte-identical output.
//
// Canonical form:
//   - Fields are joined in the given order using Separator.
//   - Missing or nil values are encoded as a single NUL byte so that null
//     differs from the empty string.
//   - time.Time values are encoded as RFC3339Nano in UTC.
//   - Output is a lowercase hex string of length 64.
type Hash struct {
	// Fields is the ordered list of input fields used to compute the hash.
	Fields []string

	// TargetField is where the computed hash is stored.
	TargetField string

	// IncludeFieldNames includes "field=value" in the canonical form.
	IncludeFieldNames bool

	// Separator between field components. Defaults to ASCII Unit Separator (0x1f).
	Separator string

	// Overwrite replaces an existing TargetField. If false and TargetField is
	// already present, the record is left unchanged.
	Overwrite bool

	// TrimSpace trims leading/trailing whitespace of string values before hashing.
	TrimSpace bool
}

// Apply computes hashes and mutates records in place.
func (h Hash) Apply(in []records.Record) []records.Record {
	if len(in) == 0 || h.TargetField == "" || len(h.Fields) == 0 {
		return in
	}

	sep := h.Separator
	if sep == "" {
		sep = "\x1f"
	}

	for _, r := range in {
		if r == nil {
			continue
		}
		if !h.Overwrite {
			if _, exists := r[h.TargetField]; exists {
				continue
			}
		}
		r[h.TargetField] = h.Sum(r)
	}
	return in
}

// Sum returns the hex hash of r without modifying it.
func (h Hash) Sum(r records.Record) string {
	sep := h.Separator
	if sep == "" {
		sep = "\x1f"
	}

	var b strings.Builder
	b.Grow(len(h.Fields) * 20)

	for i, f := range h.Fields {
		if i > 0 {
			b.WriteString(sep)
		}
		if h.IncludeFieldNames {
			b.WriteString(f)
			b.WriteByte('=')
		}

		v, ok := r[f]
		if !ok || v == nil {
			b.WriteByte('\x00')
			continue
		}
		appendCanonicalValue(&b, v, h.TrimSpace)
	}

	sum := sha256.Sum256([]byte(b.String()))
	return hex.EncodeToString(sum[:])
}

// appendCanonicalValue appends a stable representation of v, avoiding
// fmt.Sprint for the scalar types records actually carry.
func appendCanonicalValue(b *strings.Builder, v any, trimSpace bool) {
	switch t := v.(type) {
	case string:
		if trimSpace && HasEdgeSpace(t) {
			t = strings.TrimSpace(t)
		}
		b.WriteString(t)

	case []byte:
		s := string(t)
		if trimSpace && HasEdgeSpace(s) {
			s = strings.TrimSpace(s)
		}
		b.WriteString(s)

	case bool:
		b.WriteString(strconv.FormatBool(t))

	case int:
		b.WriteString(strconv.Itoa(t))
	case int32:
		b.WriteString(strconv.FormatInt(int64(t), 10))
	case int64:
		b.WriteString(strconv.FormatInt(t, 10))
	case uint64:
		b.WriteString(strconv.FormatUint(t, 10))

	case float32:
		b.WriteString(strconv.FormatFloat(float64(t), 'g', -1, 32))
	case float64:
		b.WriteString(strconv.FormatFloat(t, 'g', -1, 64))

	case time.Time:
		b.WriteString(t.UTC().Format(time.RFC3339Nano))
	case *time.Time:
		if t == nil {
			b.WriteByte('\x00')
			return
		}
		b.WriteString(t.UTC().Format(time.RFC3339Nano))

	default:
		b.WriteString(fmt.Sprint(t))
	}
}
