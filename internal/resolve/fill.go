package resolve

import (
	"sort"
	"strings"
)

// ForwardFill carries the last observed non-null value of Field forward over
// rows that have it null.
//
// Rows are scoped by partition date plus ScopeFields and walked in
// source_row_number order (ties: source_file, then input sequence). The scope
// is independent of any dedup key. A null before the first observed value in
// its scope stays null. Only nil is null here; the normalizer maps blank fill
// values to nil beforehand.
type ForwardFill struct {
	Field       string
	ScopeFields []string
}

// Apply returns a copy of cands with Field filled, and the number of values
// filled. Input order is preserved and cands is not modified; records that
// receive a value get their own field map.
func (ff ForwardFill) Apply(cands []Candidate) ([]Candidate, int) {
	out := make([]Candidate, len(cands))
	copy(out, cands)
	if ff.Field == "" || len(out) == 0 {
		return out, 0
	}

	scopes := make(map[string][]int)
	var scopeKeys []string
	for i, c := range out {
		k := ff.scopeKey(c)
		if _, ok := scopes[k]; !ok {
			scopeKeys = append(scopeKeys, k)
		}
		scopes[k] = append(scopes[k], i)
	}

	filled := 0
	for _, k := range scopeKeys {
		idx := scopes[k]
		sort.SliceStable(idx, func(a, b int) bool {
			return fillLess(out[idx[a]], out[idx[b]])
		})

		var last any
		seen := false
		for _, i := range idx {
			v := out[i].Fields[ff.Field]
			if v != nil {
				last, seen = v, true
				continue
			}
			if !seen {
				continue
			}
			out[i].Fields = out[i].Fields.Clone()
			out[i].Fields[ff.Field] = last
			filled++
		}
	}
	return out, filled
}

func (ff ForwardFill) scopeKey(c Candidate) string {
	if len(ff.ScopeFields) == 0 {
		return c.PartitionDate
	}
	var b strings.Builder
	b.WriteString(c.PartitionDate)
	for _, f := range ff.ScopeFields {
		b.WriteByte('\x1f')
		appendKeyValue(&b, c.Fields[f])
	}
	return b.String()
}

func fillLess(a, b Candidate) bool {
	if a.SourceRowNumber != b.SourceRowNumber {
		return a.SourceRowNumber < b.SourceRowNumber
	}
	if a.SourceFile != b.SourceFile {
		return a.SourceFile < b.SourceFile
	}
	return a.Seq < b.Seq
}
