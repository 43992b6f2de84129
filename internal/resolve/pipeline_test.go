package resolve

import (
	"math/rand"
	"testing"
	"time"

	"github.com/google/go-cmp/cmp"

	"dspetl/pkg/records"
)

func routesRaw() []RawRecord {
	return []RawRecord{
		{SourceFile: "Routes_DXX1_2024-03-15_a.csv", SourceRowNumber: 1, LoadedAt: at(10),
			Fields: records.Record{"route_code": " CX12", "driver_name": "Ann", "route_status": "Started", "total_stops": "100", "completed_stops": "10", "remaining_stops": "90"}},
		{SourceFile: "Routes_DXX1_2024-03-15_b.csv", SourceRowNumber: 1, LoadedAt: at(12),
			Fields: records.Record{"route_code": "CX12 ", "driver_name": "Ann", "route_status": "Done", "total_stops": "100", "completed_stops": "100", "remaining_stops": "0"}},
		{SourceFile: "Routes_DXX1_2024-03-15_a.csv", SourceRowNumber: 2, LoadedAt: at(10),
			Fields: records.Record{"route_code": "CX13", "driver_name": "Bob", "route_status": "Started", "total_stops": "n/a"}},
		{SourceFile: "Routes_DXX1_2024-03-16_a.csv", SourceRowNumber: 1, LoadedAt: at(10),
			Fields: records.Record{"route_code": "CX12", "driver_name": "Ann", "route_status": "Started", "total_stops": "80"}},
		{SourceFile: "Routes_undated.csv", SourceRowNumber: 1,
			Fields: records.Record{"route_code": "CX99", "driver_name": "Zed"}},
	}
}

func routesPipeline(t *testing.T) *Pipeline {
	t.Helper()
	spec, err := DefaultSpec(SourceRoutes)
	if err != nil {
		t.Fatal(err)
	}
	p, err := NewPipeline(spec)
	if err != nil {
		t.Fatal(err)
	}
	p.Now = func() time.Time { return fixedNow }
	return p
}

func TestPipeline_Routes(t *testing.T) {
	t.Parallel()

	res := routesPipeline(t).Run(routesRaw())

	wantStats := Stats{Raw: 5, Quarantined: 1, Duplicates: 1, Cleaned: 3}
	if diff := cmp.Diff(wantStats, res.Stats); diff != "" {
		t.Fatalf("stats mismatch (-want +got):\n%s", diff)
	}

	var ids []string
	for _, r := range res.Records {
		ids = append(ids, r.RecordID)
	}
	wantIDs := []string{"2024-03-15_CX12", "2024-03-15_CX13", "2024-03-16_CX12"}
	if diff := cmp.Diff(wantIDs, ids); diff != "" {
		t.Fatalf("record ids (-want +got):\n%s", diff)
	}

	winner := res.Records[0]
	wantFields := records.Record{
		"provider_code":   "EPL",
		"route_code":      "CX12",
		"driver_name":     "Ann",
		"route_status":    "Done",
		"total_stops":     int64(100),
		"completed_stops": int64(100),
		"remaining_stops": int64(0),
	}
	if diff := cmp.Diff(wantFields, winner.Fields); diff != "" {
		t.Fatalf("winner fields (-want +got):\n%s", diff)
	}
	if winner.SourceFile != "Routes_DXX1_2024-03-15_b.csv" {
		t.Fatalf("12:00 upload must win; got %s", winner.SourceFile)
	}
	if len(winner.Hash) != 64 {
		t.Fatalf("record hash=%q", winner.Hash)
	}
	if res.Records[1].Fields["total_stops"] != nil {
		t.Fatalf("non-numeric total_stops must be null; got %v", res.Records[1].Fields["total_stops"])
	}

	if diff := cmp.Diff([]string{"2024-03-15", "2024-03-16"}, res.PartitionDates()); diff != "" {
		t.Fatalf("partition dates (-want +got):\n%s", diff)
	}
	if len(res.Quarantined) != 1 || res.Quarantined[0].SourceFile != "Routes_undated.csv" {
		t.Fatalf("quarantined=%+v", res.Quarantined)
	}
}

func TestPipeline_Idempotent(t *testing.T) {
	t.Parallel()

	p := routesPipeline(t)
	first := p.Run(routesRaw())
	second := p.Run(routesRaw())
	if diff := cmp.Diff(first, second); diff != "" {
		t.Fatalf("rerun differs (-first +second):\n%s", diff)
	}
}

func TestPipeline_InputOrderIndependent(t *testing.T) {
	t.Parallel()

	p := routesPipeline(t)
	want := p.Run(routesRaw()).Records

	rng := rand.New(rand.NewSource(42))
	for i := 0; i < 20; i++ {
		raw := routesRaw()
		rng.Shuffle(len(raw), func(a, b int) { raw[a], raw[b] = raw[b], raw[a] })
		got := p.Run(raw).Records
		if diff := cmp.Diff(want, got); diff != "" {
			t.Fatalf("shuffle %d changed output (-want +got):\n%s", i, diff)
		}
	}
}

func TestPipeline_SingleWinnerPerKey(t *testing.T) {
	t.Parallel()

	var raw []RawRecord
	for i := 0; i < 50; i++ {
		raw = append(raw, RawRecord{
			SourceFile:      "DSP__2024-03-15__Solution.csv",
			SourceRowNumber: int64(i + 1),
			Fields:          records.Record{"provider_code": "dsp", "route_code": []string{"CX1", "CX2", "CX3"}[i%3]},
		})
	}
	spec, _ := DefaultSpec(SourceSolution)
	p, _ := NewPipeline(spec)
	res := p.Run(raw)

	seen := map[string]bool{}
	for _, r := range res.Records {
		if seen[r.RecordID] {
			t.Fatalf("duplicate record_id %s", r.RecordID)
		}
		seen[r.RecordID] = true
		if r.Fields["provider_code"] != "DSP" {
			t.Fatalf("provider_code=%v", r.Fields["provider_code"])
		}
	}
	if len(res.Records) != 3 || res.Stats.Duplicates != 47 {
		t.Fatalf("records=%d duplicates=%d", len(res.Records), res.Stats.Duplicates)
	}
}

func TestPipeline_DispatchPlanFillsWithoutDedupe(t *testing.T) {
	t.Parallel()

	spec, _ := DefaultSpec(SourceDispatchPlan)
	p, _ := NewPipeline(spec)

	file := "DSP__2024-03-15__Dispatch_Plan.csv"
	raw := []RawRecord{
		{SourceFile: file, SourceRowNumber: 1, Fields: records.Record{"route_code": "CX1", "dispatch_wave": "10:20"}},
		{SourceFile: file, SourceRowNumber: 2, Fields: records.Record{"route_code": "CX2"}},
		{SourceFile: file, SourceRowNumber: 3, Fields: records.Record{"route_code": "CX3", "dispatch_wave": nil}},
		{SourceFile: file, SourceRowNumber: 4, Fields: records.Record{"route_code": "CX2", "dispatch_wave": "10:40"}},
	}
	res := p.Run(raw)

	if res.Stats.Filled != 2 || res.Stats.Duplicates != 0 || len(res.Records) != 4 {
		t.Fatalf("stats=%+v", res.Stats)
	}
	got := map[int64]any{}
	for _, r := range res.Records {
		got[r.SourceRowNumber] = r.Fields["dispatch_wave"]
	}
	want := map[int64]any{1: "10:20", 2: "10:20", 3: "10:20", 4: "10:40"}
	if diff := cmp.Diff(want, got); diff != "" {
		t.Fatalf("dispatch_wave by row (-want +got):\n%s", diff)
	}
}

func TestCleanedRecord_Values(t *testing.T) {
	t.Parallel()

	loaded := time.Date(2024, 3, 15, 12, 0, 0, 0, time.FixedZone("X", 3600))
	rec := CleanedRecord{
		RecordID:        "2024-03-15_CX1",
		PartitionDate:   "2024-03-15",
		Fields:          records.Record{"route_code": "CX1", "wave_time": nil},
		SourceFile:      "f.csv",
		SourceRowNumber: 3,
		LoadedAt:        &loaded,
		Hash:            "h",
	}
	fields := []string{"route_code", "wave_time"}

	cols := CleanedColumns(fields)
	vals := rec.Values(fields)
	if len(cols) != len(vals) {
		t.Fatalf("columns=%d values=%d", len(cols), len(vals))
	}
	want := []any{"2024-03-15_CX1", "2024-03-15", "CX1", nil, "f.csv", int64(3), loaded.UTC(), "h"}
	if diff := cmp.Diff(want, vals); diff != "" {
		t.Fatalf("values (-want +got):\n%s", diff)
	}
}

func TestPipeline_FillSeesRowsThatLoseDedup(t *testing.T) {
	t.Parallel()

	spec := SourceSpec{
		SourceType:      SourceRoutes,
		KeyFields:       []string{"route_code"},
		TrimFields:      []string{"route_code"},
		OutputFields:    []string{"route_code", "route_status"},
		EntityCodeField: "route_code",
		FillFields:      []string{"route_status"},
		Dedupe:          true,
	}
	p, err := NewPipeline(spec)
	if err != nil {
		t.Fatal(err)
	}
	p.Now = func() time.Time { return fixedNow }

	file := "Routes_DXX1_2024-03-15.csv"
	raw := []RawRecord{
		{SourceFile: file, SourceRowNumber: 1, LoadedAt: at(10), Fields: records.Record{"route_code": "CX1", "route_status": "Done"}},
		{SourceFile: file, SourceRowNumber: 2, LoadedAt: at(12), Fields: records.Record{"route_code": "CX1"}},
	}
	res := p.Run(raw)

	if diff := cmp.Diff(Stats{Raw: 2, Filled: 1, Duplicates: 1, Cleaned: 1}, res.Stats); diff != "" {
		t.Fatalf("stats (-want +got):\n%s", diff)
	}
	winner := res.Records[0]
	if winner.SourceRowNumber != 2 {
		t.Fatalf("12:00 row must win; got row %d", winner.SourceRowNumber)
	}
	if winner.Fields["route_status"] != "Done" {
		t.Fatalf("winner route_status=%v, want value carried from the losing row", winner.Fields["route_status"])
	}
}

func TestPipeline_BlankTypedValuesAreFilled(t *testing.T) {
	t.Parallel()

	spec, _ := DefaultSpec(SourceDispatchPlan)
	p, _ := NewPipeline(spec)

	file := "DSP__2024-03-15__Dispatch_Plan.csv"
	raw := []RawRecord{
		{SourceFile: file, SourceRowNumber: 1, Fields: records.Record{"route_code": "CX1", "dispatch_wave": "10:20"}},
		{SourceFile: file, SourceRowNumber: 2, Fields: records.Record{"route_code": "CX2", "dispatch_wave": ""}},
		{SourceFile: file, SourceRowNumber: 3, Fields: records.Record{"route_code": "CX3", "dispatch_wave": "  "}},
	}
	res := p.Run(raw)

	if res.Stats.Filled != 2 {
		t.Fatalf("stats=%+v", res.Stats)
	}
	for _, r := range res.Records {
		if r.Fields["dispatch_wave"] != "10:20" {
			t.Fatalf("row %d dispatch_wave=%v", r.SourceRowNumber, r.Fields["dispatch_wave"])
		}
	}
}

func TestPipeline_RejectedRecordsAreCountedAsQuarantined(t *testing.T) {
	t.Parallel()

	raw := append(routesRaw(), RawRecord{SourceFile: "Routes_DXX1_2024-03-15_c.csv", Reject: ReasonBadLoadedAt})
	res := routesPipeline(t).Run(raw)

	if res.Stats.Quarantined != 2 || res.Stats.Cleaned != 3 {
		t.Fatalf("stats=%+v", res.Stats)
	}
	if got := res.Quarantined[1].Reason; got != ReasonBadLoadedAt {
		t.Fatalf("reason=%q", got)
	}
}
