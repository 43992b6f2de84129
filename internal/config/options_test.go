package config

import (
	"encoding/json"
	"testing"

	"github.com/google/go-cmp/cmp"
)

func TestOptions_Getters(t *testing.T) {
	t.Parallel()

	var o Options
	if err := json.Unmarshal([]byte(`{
		"has_header": false,
		"yes_flag": "yes",
		"workers": 8,
		"comma": ";",
		"tab": "\\t",
		"encoding": "windows-1252",
		"header_map": {"Route": "route_code"},
		"globs": ["*.csv", "*.CSV"]
	}`), &o); err != nil {
		t.Fatal(err)
	}

	if o.Bool("has_header", true) {
		t.Fatalf("has_header must be false")
	}
	if !o.Bool("yes_flag", false) {
		t.Fatalf("\"yes\" must read as true")
	}
	if !o.Bool("missing", true) {
		t.Fatalf("missing key must return default")
	}
	if got := o.Int("workers", 1); got != 8 {
		t.Fatalf("workers=%d", got)
	}
	if got := o.Int("comma", 3); got != 3 {
		t.Fatalf("non-numeric int option must return default; got %d", got)
	}
	if got := o.Rune("comma", ','); got != ';' {
		t.Fatalf("comma=%q", got)
	}
	if got := o.Rune("tab", ','); got != '\t' {
		t.Fatalf("tab=%q", got)
	}
	if got := o.String("encoding", "utf-8"); got != "windows-1252" {
		t.Fatalf("encoding=%s", got)
	}
	if diff := cmp.Diff(map[string]string{"Route": "route_code"}, o.StringMap("header_map")); diff != "" {
		t.Fatalf("header_map (-want +got):\n%s", diff)
	}
	if diff := cmp.Diff([]string{"*.csv", "*.CSV"}, o.Strings("globs")); diff != "" {
		t.Fatalf("globs (-want +got):\n%s", diff)
	}
	if o.Any("nope", 42) != 42 {
		t.Fatalf("Any default")
	}
}

func TestOptions_With(t *testing.T) {
	t.Parallel()

	base := Options{"a": 1}
	next := base.With("b", 2)
	if _, ok := base["b"]; ok {
		t.Fatalf("With must not modify the receiver")
	}
	if next["a"] != 1 || next["b"] != 2 {
		t.Fatalf("next=%v", next)
	}
}
