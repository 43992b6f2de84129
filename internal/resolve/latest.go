package resolve

import (
	"fmt"
	"sort"
	"strconv"
	"strings"
	"time"

	"golang.org/x/sync/errgroup"
)

// LatestWins keeps exactly one candidate per EntityKey: the most recently
// loaded one.
//
// Ranking within a group:
//  1. loaded_at descending; a nil loaded_at counts as Now()
//  2. source_file ascending
//  3. input sequence (Candidate.Seq) ascending
//
// The third level only decides exact duplicates of (loaded_at, source_file),
// which is a data-quality condition; it keeps reruns reproducible.
type LatestWins struct {
	KeyFields []string

	// Now supplies the instant a missing loaded_at stands for. It is read once
	// per Select call. Nil means time.Now.
	Now func() time.Time

	// Workers bounds parallel group ranking. <= 1 ranks on the caller's goroutine.
	Workers int
}

// Resolve runs the complete algorithm on raw records: partition, group, rank,
// keep the winner. Records without a partition date are returned as quarantined.
func (lw LatestWins) Resolve(raw []RawRecord) (winners []Candidate, quarantined []Quarantined) {
	cands, quarantined := Partition(raw)
	winners, _ = lw.Select(cands)
	return winners, quarantined
}

// Select returns one winner per EntityKey, ordered by EntityKey, and the number
// of candidates discarded.
func (lw LatestWins) Select(cands []Candidate) (winners []Candidate, discarded int) {
	if len(cands) == 0 {
		return nil, 0
	}

	now := time.Now()
	if lw.Now != nil {
		now = lw.Now()
	}

	keys, groups := groupByKey(cands, lw.KeyFields)
	winners = make([]Candidate, len(keys))

	pick := func(i int) {
		g := groups[keys[i]]
		best := g[0]
		for _, c := range g[1:] {
			if CompareRank(c, best, now) < 0 {
				best = c
			}
		}
		winners[i] = best
	}

	workers := lw.Workers
	if workers <= 1 || len(keys) < 2*workers {
		for i := range keys {
			pick(i)
		}
	} else {
		var eg errgroup.Group
		eg.SetLimit(workers)
		chunk := (len(keys) + workers - 1) / workers
		for lo := 0; lo < len(keys); lo += chunk {
			lo := lo
			hi := min(lo+chunk, len(keys))
			eg.Go(func() error {
				for i := lo; i < hi; i++ {
					pick(i)
				}
				return nil
			})
		}
		_ = eg.Wait()
	}

	return winners, len(cands) - len(winners)
}

// CompareRank orders two candidates of the same group: negative when a ranks
// ahead of b (a would win), positive when b ranks ahead, zero only when a and
// b are the same input row.
func CompareRank(a, b Candidate, now time.Time) int {
	ta, tb := effectiveLoadedAt(a, now), effectiveLoadedAt(b, now)
	switch {
	case ta.After(tb):
		return -1
	case tb.After(ta):
		return 1
	}
	if c := strings.Compare(a.SourceFile, b.SourceFile); c != 0 {
		return c
	}
	switch {
	case a.Seq < b.Seq:
		return -1
	case a.Seq > b.Seq:
		return 1
	}
	return 0
}

func effectiveLoadedAt(c Candidate, now time.Time) time.Time {
	if c.LoadedAt == nil {
		return now
	}
	return *c.LoadedAt
}

// EntityKey renders the grouping key of c: the partition date followed by the
// normalized key fields. Null and empty string are distinct key values.
func EntityKey(c Candidate, keyFields []string) string {
	var b strings.Builder
	b.WriteString(c.PartitionDate)
	for _, f := range keyFields {
		b.WriteByte('\x1f')
		appendKeyValue(&b, c.Fields[f])
	}
	return b.String()
}

// groupByKey returns the distinct keys in sorted order and the members of each
// group in input order.
func groupByKey(cands []Candidate, keyFields []string) ([]string, map[string][]Candidate) {
	groups := make(map[string][]Candidate)
	for _, c := range cands {
		k := EntityKey(c, keyFields)
		groups[k] = append(groups[k], c)
	}
	keys := make([]string, 0, len(groups))
	for k := range groups {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys, groups
}

func appendKeyValue(b *strings.Builder, v any) {
	switch t := v.(type) {
	case nil:
		b.WriteByte('\x00')
	case string:
		b.WriteString(t)
	case []byte:
		b.Write(t)
	case int64:
		b.WriteString(strconv.FormatInt(t, 10))
	case int:
		b.WriteString(strconv.Itoa(t))
	default:
		b.WriteString(fmt.Sprint(t))
	}
}
