package resolve

import (
	"fmt"
	"path"
	"path/filepath"
	"sort"
	"strings"
)

// SourceType names one family of DSP extracts. Each type runs its own pipeline.
type SourceType string

const (
	SourceSolution     SourceType = "SOLUTION"
	SourceRoutes       SourceType = "ROUTES"
	SourceDispatchPlan SourceType = "DISPATCH_PLAN"
)

// SourceTypes lists the known source types in a fixed order.
func SourceTypes() []SourceType {
	return []SourceType{SourceSolution, SourceRoutes, SourceDispatchPlan}
}

// ParseSourceType accepts the canonical name in any case, with '-' or ' ' in
// place of '_'.
func ParseSourceType(s string) (SourceType, error) {
	n := strings.ToUpper(strings.TrimSpace(s))
	n = strings.NewReplacer("-", "_", " ", "_").Replace(n)
	for _, t := range SourceTypes() {
		if string(t) == n {
			return t, nil
		}
	}
	return "", fmt.Errorf("unknown source type %q", s)
}

// SourceSpec is the fixed per-source configuration the pipeline runs with.
type SourceSpec struct {
	SourceType SourceType `json:"source_type"`

	// KeyFields together with the partition date form the EntityKey.
	KeyFields []string `json:"key_fields"`

	// UpperFields are trimmed and uppercased (provider codes only).
	UpperFields []string `json:"upper_fields"`

	// TrimFields are trimmed of leading/trailing whitespace.
	TrimFields []string `json:"trim_fields"`

	// IntegerFields are coerced to int64; anything non-numeric becomes null.
	IntegerFields []string `json:"integer_fields"`

	// Defaults supplies constant values for fields this source does not carry.
	Defaults map[string]any `json:"defaults,omitempty"`

	// OutputFields is the business-field projection of a cleaned record.
	OutputFields []string `json:"output_fields"`

	// EntityCodeField is appended to the partition date to build record_id.
	EntityCodeField string `json:"entity_code_field"`

	// FillFields are forward-filled over FillScope (always within a partition date).
	FillFields []string `json:"fill_fields,omitempty"`
	FillScope  []string `json:"fill_scope,omitempty"`

	// Dedupe enables latest-wins selection per EntityKey.
	Dedupe bool `json:"dedupe"`

	// HeaderMap maps normalized raw headers to canonical field names.
	HeaderMap map[string]string `json:"header_map,omitempty"`
}

// DefaultRoutesProvider is the provider code stamped on ROUTES rows, whose
// extracts come from a single DSP and have no provider column.
const DefaultRoutesProvider = "EPL"

// DefaultSpec returns the built-in configuration for t.
func DefaultSpec(t SourceType) (SourceSpec, error) {
	switch t {
	case SourceSolution:
		return SourceSpec{
			SourceType:      SourceSolution,
			KeyFields:       []string{"provider_code", "route_code"},
			UpperFields:     []string{"provider_code"},
			TrimFields:      []string{"route_code", "service_type", "wave_time", "staging_location"},
			OutputFields:    []string{"provider_code", "route_code", "service_type", "wave_time", "staging_location"},
			EntityCodeField: "route_code",
			Dedupe:          true,
			HeaderMap: map[string]string{
				"dsp":      "provider_code",
				"dsp_code": "provider_code",
				"route":    "route_code",
				"wave":     "wave_time",
				"staging":  "staging_location",
			},
		}, nil

	case SourceRoutes:
		return SourceSpec{
			SourceType:      SourceRoutes,
			KeyFields:       []string{"route_code", "driver_name"},
			UpperFields:     []string{"provider_code"},
			TrimFields:      []string{"route_code", "driver_name", "route_status"},
			IntegerFields:   []string{"total_stops", "completed_stops", "remaining_stops"},
			Defaults:        map[string]any{"provider_code": DefaultRoutesProvider},
			OutputFields:    []string{"provider_code", "route_code", "driver_name", "route_status", "total_stops", "completed_stops", "remaining_stops"},
			EntityCodeField: "route_code",
			Dedupe:          true,
			HeaderMap: map[string]string{
				"route":             "route_code",
				"driver":            "driver_name",
				"status":            "route_status",
				"all_stops":         "total_stops",
				"stops_complete":    "completed_stops",
				"not_started_stops": "remaining_stops",
			},
		}, nil

	case SourceDispatchPlan:
		return SourceSpec{
			SourceType:      SourceDispatchPlan,
			UpperFields:     []string{"provider_code"},
			TrimFields:      []string{"route_code", "dispatch_wave", "staging_location"},
			OutputFields:    []string{"provider_code", "route_code", "dispatch_wave", "staging_location"},
			EntityCodeField: "route_code",
			FillFields:      []string{"dispatch_wave"},
			HeaderMap: map[string]string{
				"dsp":     "provider_code",
				"route":   "route_code",
				"wave":    "dispatch_wave",
				"staging": "staging_location",
			},
		}, nil
	}
	return SourceSpec{}, fmt.Errorf("no built-in spec for source type %q", t)
}

// DefaultSpecs returns the built-in specs for every source type.
func DefaultSpecs() map[SourceType]SourceSpec {
	out := make(map[SourceType]SourceSpec, 3)
	for _, t := range SourceTypes() {
		s, _ := DefaultSpec(t)
		out[t] = s
	}
	return out
}

// Validate checks internal consistency of a spec.
func (s SourceSpec) Validate() error {
	if s.SourceType == "" {
		return fmt.Errorf("spec: source_type is required")
	}
	if s.EntityCodeField == "" {
		return fmt.Errorf("spec %s: entity_code_field is required", s.SourceType)
	}
	if len(s.OutputFields) == 0 {
		return fmt.Errorf("spec %s: output_fields must not be empty", s.SourceType)
	}
	if s.Dedupe && len(s.KeyFields) == 0 {
		return fmt.Errorf("spec %s: dedupe requires key_fields", s.SourceType)
	}
	seen := make(map[string]bool, len(s.OutputFields))
	for _, f := range s.OutputFields {
		if f == "" {
			return fmt.Errorf("spec %s: empty output field name", s.SourceType)
		}
		if reservedColumns[f] {
			return fmt.Errorf("spec %s: output field %q collides with a provenance column", s.SourceType, f)
		}
		if seen[f] {
			return fmt.Errorf("spec %s: duplicate output field %q", s.SourceType, f)
		}
		seen[f] = true
	}
	return nil
}

// InputFields is the sorted set of fields a source must deliver for this spec.
func (s SourceSpec) InputFields() []string {
	set := map[string]struct{}{}
	add := func(fs []string) {
		for _, f := range fs {
			if f != "" {
				set[f] = struct{}{}
			}
		}
	}
	add(s.KeyFields)
	add(s.UpperFields)
	add(s.TrimFields)
	add(s.IntegerFields)
	add(s.OutputFields)
	add(s.FillFields)
	add(s.FillScope)
	add([]string{s.EntityCodeField})
	for f := range s.Defaults {
		add([]string{f})
	}

	out := make([]string, 0, len(set))
	for f := range set {
		out = append(out, f)
	}
	sort.Strings(out)
	return out
}

// Columns of a cleaned record outside the business projection.
const (
	ColRecordID        = "record_id"
	ColPartitionDate   = "partition_date"
	ColSourceFile      = "source_file"
	ColSourceRowNumber = "source_row_number"
	ColLoadedAt        = "loaded_at"
	ColRecordHash      = "record_hash"
)

var reservedColumns = map[string]bool{
	ColRecordID:        true,
	ColPartitionDate:   true,
	ColSourceFile:      true,
	ColSourceRowNumber: true,
	ColLoadedAt:        true,
	ColRecordHash:      true,
}

// ClassifySource maps an extract file name to its source type.
//
// The splitter upstream writes one CSV per worksheet as "<stem>__<sheet>.csv";
// route-status exports keep their portal name "Routes_<station>_<date>...".
// Office lock files ("~$...") and anything under _archive/ are never sources.
func ClassifySource(name string) (SourceType, bool) {
	slashed := filepath.ToSlash(name)
	if strings.HasPrefix(slashed, "_archive/") || strings.Contains(slashed, "/_archive/") {
		return "", false
	}
	base := strings.ToLower(path.Base(slashed))
	if strings.HasPrefix(base, "~$") || !strings.HasSuffix(base, ".csv") {
		return "", false
	}

	switch {
	case strings.HasSuffix(base, "__solution.csv"):
		return SourceSolution, true
	case strings.HasSuffix(base, "__dispatch_plan.csv"), strings.HasSuffix(base, "__dispatchplan.csv"):
		return SourceDispatchPlan, true
	case strings.HasPrefix(base, "routes_"), strings.HasSuffix(base, "__routes.csv"):
		return SourceRoutes, true
	}
	return "", false
}
