package resolve

import (
	"math"
	"strconv"
	"strings"

	"github.com/spf13/cast"
)

// Normalizer cleans the identifying and typed fields of a single record.
// It never looks at other records and never fails.
type Normalizer struct {
	TrimFields    []string
	UpperFields   []string
	IntegerFields []string
	Defaults      map[string]any

	// BlankFields turn whitespace-only text into null, so forward-fill treats
	// a blank cell from a typed source like a missing one.
	BlankFields []string
}

// NewNormalizer builds the normalizer for a source spec.
func NewNormalizer(spec SourceSpec) Normalizer {
	return Normalizer{
		TrimFields:    spec.TrimFields,
		UpperFields:   spec.UpperFields,
		IntegerFields: spec.IntegerFields,
		Defaults:      spec.Defaults,
		BlankFields:   spec.FillFields,
	}
}

// Normalize returns a normalized copy of rec; rec itself is not modified.
//
// Order: defaults, trim, uppercase, integer coercion, blank to null. A default counts as
// missing data, so it is trimmed/uppercased like a native value.
func (n Normalizer) Normalize(rec RawRecord) RawRecord {
	out := rec
	out.Fields = rec.Fields.Clone()

	for f, v := range n.Defaults {
		if isBlank(out.Fields[f]) {
			out.Fields[f] = v
		}
	}

	for _, f := range n.TrimFields {
		if v, ok := out.Fields[f]; ok && v != nil {
			out.Fields[f] = trimText(v)
		}
	}

	for _, f := range n.UpperFields {
		if v, ok := out.Fields[f]; ok && v != nil {
			out.Fields[f] = strings.ToUpper(trimText(v))
		}
	}

	for _, f := range n.IntegerFields {
		if _, ok := out.Fields[f]; ok {
			out.Fields[f] = CoerceInt(out.Fields[f])
		}
	}

	for _, f := range n.BlankFields {
		if v, ok := out.Fields[f]; ok && v != nil && isBlank(v) {
			out.Fields[f] = nil
		}
	}
	return out
}

// CoerceInt converts v to int64. Anything absent, empty or non-numeric yields
// nil. Integral decimals ("12.0", 12.0) are accepted; fractional ones are not.
func CoerceInt(v any) any {
	n, ok := coerceInt64(v)
	if !ok {
		return nil
	}
	return n
}

func coerceInt64(v any) (int64, bool) {
	switch t := v.(type) {
	case nil, bool:
		return 0, false
	case string:
		return parseIntText(t)
	case []byte:
		return parseIntText(string(t))
	case float64:
		return integralFloat(t)
	case float32:
		return integralFloat(float64(t))
	}

	// Driver-native numerics (int kinds, json.Number, ...).
	n, err := cast.ToInt64E(v)
	if err != nil {
		return 0, false
	}
	return n, true
}

func parseIntText(s string) (int64, bool) {
	s = strings.TrimSpace(s)
	if s == "" {
		return 0, false
	}
	if n, err := strconv.ParseInt(s, 10, 64); err == nil {
		return n, true
	}
	f, err := strconv.ParseFloat(s, 64)
	if err != nil {
		return 0, false
	}
	return integralFloat(f)
}

func integralFloat(f float64) (int64, bool) {
	if math.IsNaN(f) || math.IsInf(f, 0) || f != math.Trunc(f) {
		return 0, false
	}
	if f < math.MinInt64 || f >= math.MaxInt64 {
		return 0, false
	}
	return int64(f), true
}

// trimText renders v as text and trims it. Non-text identifiers (a numeric
// route code from a typed source) become their decimal string.
func trimText(v any) string {
	var s string
	switch t := v.(type) {
	case string:
		s = t
	case []byte:
		s = string(t)
	default:
		s = cast.ToString(v)
	}
	return strings.TrimSpace(s)
}

func isBlank(v any) bool {
	switch t := v.(type) {
	case nil:
		return true
	case string:
		return strings.TrimSpace(t) == ""
	case []byte:
		return strings.TrimSpace(string(t)) == ""
	}
	return false
}
