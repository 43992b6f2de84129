package config

import (
	"strings"

	"github.com/spf13/cast"
)

// Options is a free-form option bag for sources and parsers.
//
// Values come straight from JSON, so numbers arrive as float64 and nested
// objects as map[string]any. The getters convert leniently and fall back to
// the default when the key is missing or the value has the wrong shape.
type Options map[string]any

// Any returns the raw value or def.
func (o Options) Any(key string, def any) any {
	if v, ok := o[key]; ok && v != nil {
		return v
	}
	return def
}

// Bool returns a boolean option. "true"/"1"/"yes" strings are accepted.
func (o Options) Bool(key string, def bool) bool {
	v, ok := o[key]
	if !ok || v == nil {
		return def
	}
	if s, ok := v.(string); ok && strings.EqualFold(strings.TrimSpace(s), "yes") {
		return true
	}
	b, err := cast.ToBoolE(v)
	if err != nil {
		return def
	}
	return b
}

// Int returns an integer option.
func (o Options) Int(key string, def int) int {
	v, ok := o[key]
	if !ok || v == nil {
		return def
	}
	n, err := cast.ToIntE(v)
	if err != nil {
		return def
	}
	return n
}

// String returns a string option.
func (o Options) String(key, def string) string {
	v, ok := o[key]
	if !ok || v == nil {
		return def
	}
	s, err := cast.ToStringE(v)
	if err != nil {
		return def
	}
	return s
}

// Rune returns the first rune of a string option, e.g. a CSV delimiter.
// "\t" and "tab" both mean a tab.
func (o Options) Rune(key string, def rune) rune {
	s := o.String(key, "")
	switch s {
	case "":
		return def
	case `\t`, "tab":
		return '\t'
	}
	for _, r := range s {
		return r
	}
	return def
}

// StringMap returns a map[string]string option (header maps and the like).
func (o Options) StringMap(key string) map[string]string {
	v, ok := o[key]
	if !ok || v == nil {
		return nil
	}
	m, err := cast.ToStringMapStringE(v)
	if err != nil {
		return nil
	}
	return m
}

// Strings returns a []string option.
func (o Options) Strings(key string) []string {
	v, ok := o[key]
	if !ok || v == nil {
		return nil
	}
	ss, err := cast.ToStringSliceE(v)
	if err != nil {
		return nil
	}
	return ss
}

// With returns a copy of o with key set to v.
func (o Options) With(key string, v any) Options {
	out := make(Options, len(o)+1)
	for k, val := range o {
		out[k] = val
	}
	out[key] = v
	return out
}
