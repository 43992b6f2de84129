package resolve

import (
	"testing"

	"github.com/google/go-cmp/cmp"

	"dspetl/pkg/records"
)

func TestCoerceInt(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name string
		in   any
		want any
	}{
		{"numeric text", "12", int64(12)},
		{"padded text", " 12 ", int64(12)},
		{"integral decimal text", "12.0", int64(12)},
		{"fractional text", "12.5", nil},
		{"letters", "abc", nil},
		{"empty", "", nil},
		{"blank", "   ", nil},
		{"nil", nil, nil},
		{"bool", true, nil},
		{"int", 7, int64(7)},
		{"int64", int64(-3), int64(-3)},
		{"float64 integral", float64(40), int64(40)},
		{"float64 fractional", 40.25, nil},
		{"int32", int32(9), int64(9)},
		{"bytes", []byte("15"), int64(15)},
	}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			if got := CoerceInt(tc.in); got != tc.want {
				t.Fatalf("CoerceInt(%#v)=%#v want %#v", tc.in, got, tc.want)
			}
		})
	}
}

func TestNormalizer_RoutesSpec(t *testing.T) {
	t.Parallel()

	spec, err := DefaultSpec(SourceRoutes)
	if err != nil {
		t.Fatal(err)
	}
	n := NewNormalizer(spec)

	in := RawRecord{
		SourceFile: "Routes_DXX1_2024-03-15.csv",
		Fields: records.Record{
			"route_code":      "  CX12 ",
			"driver_name":     "Jane Doe\t",
			"route_status":    " In Progress",
			"total_stops":     "120",
			"completed_stops": "abc",
			"remaining_stops": "",
		},
	}
	got := n.Normalize(in)

	want := records.Record{
		"provider_code":   "EPL",
		"route_code":      "CX12",
		"driver_name":     "Jane Doe",
		"route_status":    "In Progress",
		"total_stops":     int64(120),
		"completed_stops": nil,
		"remaining_stops": nil,
	}
	if diff := cmp.Diff(want, got.Fields); diff != "" {
		t.Fatalf("normalized fields mismatch (-want +got):\n%s", diff)
	}
	if in.Fields["route_code"] != "  CX12 " {
		t.Fatalf("input record was mutated: %v", in.Fields)
	}
}

func TestNormalizer_DefaultDoesNotOverrideValue(t *testing.T) {
	t.Parallel()

	spec, _ := DefaultSpec(SourceRoutes)
	got := NewNormalizer(spec).Normalize(RawRecord{Fields: records.Record{"provider_code": " dsp2 "}})
	if got.Fields["provider_code"] != "DSP2" {
		t.Fatalf("provider_code=%v want DSP2", got.Fields["provider_code"])
	}

	got = NewNormalizer(spec).Normalize(RawRecord{Fields: records.Record{"provider_code": "  "}})
	if got.Fields["provider_code"] != DefaultRoutesProvider {
		t.Fatalf("blank provider_code must take the default; got %v", got.Fields["provider_code"])
	}
}

func TestNormalizer_UppercaseProviderOnly(t *testing.T) {
	t.Parallel()

	spec, _ := DefaultSpec(SourceSolution)
	got := NewNormalizer(spec).Normalize(RawRecord{Fields: records.Record{
		"provider_code": " dspx ",
		"route_code":    " cx12 ",
		"wave_time":     nil,
	}})

	want := records.Record{"provider_code": "DSPX", "route_code": "cx12", "wave_time": nil}
	if diff := cmp.Diff(want, got.Fields); diff != "" {
		t.Fatalf("mismatch (-want +got):\n%s", diff)
	}
}

func TestNormalizer_BlankFillValueIsNull(t *testing.T) {
	t.Parallel()

	spec, _ := DefaultSpec(SourceDispatchPlan)
	n := NewNormalizer(spec)
	for _, v := range []any{"", "   ", []byte(" ")} {
		got := n.Normalize(RawRecord{Fields: records.Record{"route_code": "CX1", "dispatch_wave": v}})
		if got.Fields["dispatch_wave"] != nil {
			t.Fatalf("dispatch_wave %q normalized to %#v, want nil", v, got.Fields["dispatch_wave"])
		}
	}
	got := n.Normalize(RawRecord{Fields: records.Record{"dispatch_wave": "10:20"}})
	if got.Fields["dispatch_wave"] != "10:20" {
		t.Fatalf("dispatch_wave=%v", got.Fields["dispatch_wave"])
	}
}
