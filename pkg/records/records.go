// Package records defines the generic field-name → value record shared by the
// sources, the resolution engine and the hash transform.
package records

// Record is a single row keyed by canonical (lower_snake) field name.
//
// A missing key and a key holding nil both mean "null".
type Record map[string]any

// Clone returns a shallow copy of r. Values are not deep-copied; the engine only
// stores immutable scalars (string, int64, float64, bool, time.Time) in records.
func (r Record) Clone() Record {
	if r == nil {
		return Record{}
	}
	out := make(Record, len(r))
	for k, v := range r {
		out[k] = v
	}
	return out
}

// IsNull reports whether field is absent or nil.
func (r Record) IsNull(field string) bool {
	v, ok := r[field]
	return !ok || v == nil
}

// Project returns a new record holding only fields, in which absent fields are
// present with a nil value.
func (r Record) Project(fields []string) Record {
	out := make(Record, len(fields))
	for _, f := range fields {
		out[f] = r[f]
	}
	return out
}
