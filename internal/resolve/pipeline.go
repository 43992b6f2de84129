package resolve

import (
	"sort"
	"time"

	"dspetl/internal/transformer/builtin"
	"dspetl/pkg/records"
)

// CleanedRecord is the single surviving record for an entity on a partition
// date, narrowed to the source's output fields.
type CleanedRecord struct {
	RecordID      string
	PartitionDate string

	// Fields holds exactly SourceSpec.OutputFields (absent ones as nil).
	Fields records.Record

	SourceFile      string
	SourceRowNumber int64
	LoadedAt        *time.Time

	// Hash is the record_hash over record_id and the output fields.
	Hash string
}

// Values renders the record as a row in the order of CleanedColumns(outputFields).
func (c CleanedRecord) Values(outputFields []string) []any {
	row := make([]any, 0, len(outputFields)+6)
	row = append(row, c.RecordID, c.PartitionDate)
	for _, f := range outputFields {
		row = append(row, c.Fields[f])
	}
	var loaded any
	if c.LoadedAt != nil {
		loaded = c.LoadedAt.UTC()
	}
	return append(row, c.SourceFile, c.SourceRowNumber, loaded, c.Hash)
}

// CleanedColumns is the column order of a cleaned table.
func CleanedColumns(outputFields []string) []string {
	cols := make([]string, 0, len(outputFields)+6)
	cols = append(cols, ColRecordID, ColPartitionDate)
	cols = append(cols, outputFields...)
	return append(cols, ColSourceFile, ColSourceRowNumber, ColLoadedAt, ColRecordHash)
}

// Stats counts what happened to a batch.
type Stats struct {
	Raw         int
	Quarantined int
	Filled      int
	Duplicates  int
	Cleaned     int
}

// Result is the output of one pipeline run.
type Result struct {
	SourceType  SourceType
	Records     []CleanedRecord
	Quarantined []Quarantined
	Stats       Stats
}

// PartitionDates returns the distinct partition dates in r.Records, sorted.
func (r Result) PartitionDates() []string {
	var out []string
	for i, rec := range r.Records {
		if i == 0 || rec.PartitionDate != r.Records[i-1].PartitionDate {
			out = append(out, rec.PartitionDate)
		}
	}
	return out
}

// Pipeline runs the resolution stages for one source type.
type Pipeline struct {
	Spec SourceSpec

	// Now is the clock used for records without loaded_at. Nil means time.Now.
	Now func() time.Time

	// Workers bounds parallel latest-wins ranking.
	Workers int
}

// NewPipeline validates spec and returns a pipeline for it.
func NewPipeline(spec SourceSpec) (*Pipeline, error) {
	if err := spec.Validate(); err != nil {
		return nil, err
	}
	return &Pipeline{Spec: spec}, nil
}

// Run resolves raw into cleaned records. It never fails: records it cannot
// place are quarantined. Output order is (partition_date, record_id,
// source_file, source_row_number), so identical input multisets give
// identical results.
func (p *Pipeline) Run(raw []RawRecord) Result {
	res := Result{SourceType: p.Spec.SourceType}
	res.Stats.Raw = len(raw)

	norm := NewNormalizer(p.Spec)
	normalized := make([]RawRecord, len(raw))
	for i, r := range raw {
		normalized[i] = norm.Normalize(r)
	}

	cands, quarantined := Partition(normalized)
	res.Quarantined = quarantined
	res.Stats.Quarantined = len(quarantined)

	for _, f := range p.Spec.FillFields {
		var n int
		cands, n = ForwardFill{Field: f, ScopeFields: p.Spec.FillScope}.Apply(cands)
		res.Stats.Filled += n
	}

	if p.Spec.Dedupe {
		lw := LatestWins{KeyFields: p.Spec.KeyFields, Now: p.Now, Workers: p.Workers}
		var dups int
		cands, dups = lw.Select(cands)
		res.Stats.Duplicates = dups
	}

	hasher := builtin.Hash{
		Fields:            append([]string{ColRecordID}, p.Spec.OutputFields...),
		TargetField:       ColRecordHash,
		IncludeFieldNames: true,
		Overwrite:         true,
	}

	type keyed struct {
		rec CleanedRecord
		seq int
	}
	out := make([]keyed, len(cands))
	for i, c := range cands {
		out[i] = keyed{rec: p.project(c, hasher), seq: c.Seq}
	}
	sort.Slice(out, func(i, j int) bool {
		a, b := out[i], out[j]
		switch {
		case a.rec.PartitionDate != b.rec.PartitionDate:
			return a.rec.PartitionDate < b.rec.PartitionDate
		case a.rec.RecordID != b.rec.RecordID:
			return a.rec.RecordID < b.rec.RecordID
		case a.rec.SourceFile != b.rec.SourceFile:
			return a.rec.SourceFile < b.rec.SourceFile
		case a.rec.SourceRowNumber != b.rec.SourceRowNumber:
			return a.rec.SourceRowNumber < b.rec.SourceRowNumber
		}
		return a.seq < b.seq
	})

	res.Records = make([]CleanedRecord, len(out))
	for i, k := range out {
		res.Records[i] = k.rec
	}
	res.Stats.Cleaned = len(res.Records)
	return res
}

func (p *Pipeline) project(c Candidate, hasher builtin.Hash) CleanedRecord {
	var code string
	if v := c.Fields[p.Spec.EntityCodeField]; v != nil {
		code = trimText(v)
	}
	rec := CleanedRecord{
		RecordID:        c.PartitionDate + "_" + code,
		PartitionDate:   c.PartitionDate,
		Fields:          c.Fields.Project(p.Spec.OutputFields),
		SourceFile:      c.SourceFile,
		SourceRowNumber: c.SourceRowNumber,
		LoadedAt:        c.LoadedAt,
	}

	hashed := rec.Fields.Clone()
	hashed[ColRecordID] = rec.RecordID
	rec.Hash = hasher.Sum(hashed)
	return rec
}
