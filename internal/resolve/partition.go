// Package resolve is the record-resolution engine: it turns raw DSP extract
// rows into one cleaned record per entity per day.
//
// The stages are pure and run in a fixed order:
//
//	partition date → normalize → forward-fill → latest-wins → project
//
// No stage performs I/O; sources and sinks live in other packages.
package resolve

import (
	"regexp"
	"time"

	"dspetl/pkg/records"
)

var partitionDatePattern = regexp.MustCompile(`[0-9]{4}-[0-9]{2}-[0-9]{2}`)

// ExtractPartitionDate returns the first YYYY-MM-DD token in id.
//
// Only the digit shape is checked ("2024-13-45" is accepted). ok is false when
// id carries no token; callers must not use the empty result as a key.
func ExtractPartitionDate(id string) (date string, ok bool) {
	m := partitionDatePattern.FindString(id)
	return m, m != ""
}

// RawRecord is one extract row plus its provenance.
type RawRecord struct {
	SourceFile      string
	SourceRowNumber int64

	// LoadedAt is nil when the load time is unknown; ranking treats that as "now".
	LoadedAt *time.Time

	Fields records.Record

	// Reject, when a source sets it, sends the record to quarantine with this
	// reason. Sources use it for rows whose provenance columns cannot be read.
	Reject string
}

// Candidate is a raw record that has a partition date. Seq is its position in
// the batch handed to Partition and is the last-resort ranking tiebreak.
type Candidate struct {
	RawRecord
	PartitionDate string
	Seq           int
}

// Quarantined is a raw record excluded from output, with the reason.
type Quarantined struct {
	SourceFile      string `json:"source_file"`
	SourceRowNumber int64  `json:"source_row_number"`
	Reason          string `json:"reason"`
}

// ReasonNoPartitionDate is the quarantine reason for a source_file without a
// YYYY-MM-DD token.
const ReasonNoPartitionDate = "no partition date in source_file"

// Quarantine reasons for rows a source could not read.
const (
	ReasonBadRowNumber = "bad source_row_number"
	ReasonBadLoadedAt  = "bad loaded_at"
)

// Partition assigns each record its partition date and input position.
// Rejected records and records without a date token go to quarantine, in
// input order.
func Partition(raw []RawRecord) ([]Candidate, []Quarantined) {
	cands := make([]Candidate, 0, len(raw))
	var quarantined []Quarantined

	for i, r := range raw {
		if r.Reject != "" {
			quarantined = append(quarantined, Quarantined{
				SourceFile:      r.SourceFile,
				SourceRowNumber: r.SourceRowNumber,
				Reason:          r.Reject,
			})
			continue
		}
		date, ok := ExtractPartitionDate(r.SourceFile)
		if !ok {
			quarantined = append(quarantined, Quarantined{
				SourceFile:      r.SourceFile,
				SourceRowNumber: r.SourceRowNumber,
				Reason:          ReasonNoPartitionDate,
			})
			continue
		}
		cands = append(cands, Candidate{RawRecord: r, PartitionDate: date, Seq: i})
	}
	return cands, quarantined
}
