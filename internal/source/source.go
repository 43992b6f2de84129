// Package source loads raw DSP records from extract files or RAW warehouse
// tables.
package source

import (
	"context"
	"fmt"
	"io"
	"log"

	"dspetl/internal/config"
	"dspetl/internal/resolve"
)

// Logger is the minimal logging interface used by sources.
// *log.Logger satisfies this interface.
type Logger interface {
	Printf(format string, v ...any)
}

// Request describes one source type's load.
type Request struct {
	SourceType resolve.SourceType

	// Fields are the canonical field names to deliver in RawRecord.Fields.
	Fields []string

	// HeaderMap maps raw header/column names to canonical field names.
	HeaderMap map[string]string

	// RawTable names the RAW table for table-backed sources.
	RawTable string
}

// RequestFor builds the request for spec.
func RequestFor(spec resolve.SourceSpec, rawTable string) Request {
	return Request{
		SourceType: spec.SourceType,
		Fields:     spec.InputFields(),
		HeaderMap:  spec.HeaderMap,
		RawTable:   rawTable,
	}
}

// Source delivers the raw records of one source type. Implementations must be
// safe for concurrent Load calls with different requests.
type Source interface {
	Load(ctx context.Context, req Request) ([]resolve.RawRecord, error)
	Close() error
}

// Open returns the source configured by cfg.
func Open(ctx context.Context, cfg config.Source, logger Logger) (Source, error) {
	if logger == nil {
		logger = discardLogger()
	}
	switch cfg.Kind {
	case "file":
		return NewFileSource(cfg.Options, logger)
	case "snowflake":
		return OpenSnowflake(ctx, cfg.Options, logger)
	}
	return nil, fmt.Errorf("source: unknown kind %q", cfg.Kind)
}

func discardLogger() Logger {
	return log.New(io.Discard, "", 0)
}
