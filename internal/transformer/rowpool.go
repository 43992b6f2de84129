// Package transformer holds the pooled row type that carries positional values
// from the CSV reader to the record collector of a source.
package transformer

import "sync"

// Row is a pooled container holding one positional extract row.
//
// Ownership contract:
//   - Exactly one goroutine owns a Row at a time.
//   - A Row may be passed downstream via channels (ownership transfer).
//   - The final consumer must call Free() after it has copied what it needs
//     out of r.V.
//
// During ctx cancellation the reader may still be unwinding while the
// consumer drains. A canceled row returned to the pool could be reused and
// written while the consumer still reads it, so:
//   - Use Free() only on the normal path.
//   - Use Drop() on cancellation paths (no re-pooling; GC reclaims it).
type Row struct {
	V    []any
	Line int // 1-based data row number, if known
}

var rowPool sync.Pool

// GetRow returns a pooled Row with length colCount and every element nil.
func GetRow(colCount int) *Row {
	if v := rowPool.Get(); v != nil {
		r := v.(*Row)
		if cap(r.V) < colCount {
			r.V = make([]any, colCount)
		}
		r.V = r.V[:colCount]
		clear(r.V)
		r.Line = 0
		return r
	}
	return &Row{V: make([]any, colCount)}
}

// Free returns the Row to the pool.
func (r *Row) Free() {
	rowPool.Put(r)
}

// Drop discards the Row without returning it to the pool.
func (r *Row) Drop() {
	r.V = nil
	r.Line = 0
}
