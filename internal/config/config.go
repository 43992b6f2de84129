// Package config defines the JSON pipeline configuration of a dspetl run and
// its validation.
package config

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"io/fs"
	"os"

	"github.com/joho/godotenv"
)

// Pipeline is the top-level config of one run.
type Pipeline struct {
	Job     string         `json:"job"`
	Source  Source         `json:"source"`
	Sources []SourceConfig `json:"sources"`
	Storage Storage        `json:"storage"`
	Runtime RuntimeConfig  `json:"runtime"`
}

// Source selects where raw records come from.
type Source struct {
	// Kind: "file" | "snowflake"
	Kind    string  `json:"kind"`
	Options Options `json:"options"`
}

// SourceConfig enables one source type and optionally overrides its built-in
// spec. Nil/empty overrides keep the built-in value.
type SourceConfig struct {
	SourceType string `json:"source_type"`

	// Table is the cleaned output table.
	Table string `json:"table"`

	// RawTable is the RAW table read by the snowflake source.
	RawTable string `json:"raw_table,omitempty"`

	KeyFields     []string          `json:"key_fields,omitempty"`
	TrimFields    []string          `json:"trim_fields,omitempty"`
	UpperFields   []string          `json:"upper_fields,omitempty"`
	IntegerFields []string          `json:"integer_fields,omitempty"`
	OutputFields  []string          `json:"output_fields,omitempty"`
	FillFields    []string          `json:"fill_fields,omitempty"`
	FillScope     []string          `json:"fill_scope,omitempty"`
	Defaults      map[string]any    `json:"defaults,omitempty"`
	HeaderMap     map[string]string `json:"header_map,omitempty"`
	Dedupe        *bool             `json:"dedupe,omitempty"`
}

// Storage selects the sink for cleaned records.
type Storage struct {
	// Kind: "postgres" | "sqlite" | "mssql" | "none"
	Kind string `json:"kind"`

	// DSN may reference environment variables as ${VAR}.
	DSN string `json:"dsn"`
}

// RuntimeConfig controls execution.
type RuntimeConfig struct {
	// ResolveWorkers bounds parallel latest-wins ranking per source type.
	ResolveWorkers int `json:"resolve_workers"`

	// InsertBatch is the number of rows per INSERT statement on sinks that
	// cannot bulk-copy. 0 lets the backend pick.
	InsertBatch int `json:"insert_batch"`

	// ChannelBuffer sizes the reader → collector channel of the file source.
	ChannelBuffer int `json:"channel_buffer"`
}

// Unmarshal decodes a JSON pipeline config into v. Unknown fields are
// rejected.
func Unmarshal(data []byte, v any) error {
	dec := json.NewDecoder(bytes.NewReader(data))
	dec.DisallowUnknownFields()
	if err := dec.Decode(v); err != nil {
		return fmt.Errorf("decode config: %w", err)
	}
	return nil
}

// ExpandedDSN returns the DSN with ${VAR} references resolved from the
// environment.
func (s Storage) ExpandedDSN() string {
	return os.ExpandEnv(s.DSN)
}

// LoadEnv loads KEY=VALUE pairs from path into the process environment without
// overriding variables that are already set. A missing file is not an error
// unless required is true.
func LoadEnv(path string, required bool) error {
	if path == "" {
		return nil
	}
	err := godotenv.Load(path)
	if err == nil {
		return nil
	}
	if !required && errors.Is(err, fs.ErrNotExist) {
		return nil
	}
	return fmt.Errorf("load env file %s: %w", path, err)
}
