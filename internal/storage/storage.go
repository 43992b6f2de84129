// Package storage defines the sink contract for cleaned DSP records and a
// registry of backends. Backends register themselves from init; import
// dspetl/internal/storage/all to get every backend.
package storage

import (
	"context"
	"fmt"
	"sort"
	"sync"
)

// Config selects and configures a backend.
//
// Kind must match a registered backend ("postgres", "sqlite", "mssql").
// DSN is passed through to the backend unchanged. BatchSize caps rows per
// INSERT statement on backends without bulk copy; 0 lets the backend pick.
type Config struct {
	Kind      string
	DSN       string
	BatchSize int
}

// Repository writes cleaned record tables.
type Repository interface {
	// Close releases connections. Call once.
	Close()

	// EnsureTable creates the table (and its schema and indexes) if missing.
	EnsureTable(ctx context.Context, t TableSpec) error

	// ReplacePartitions deletes every row whose t.PartitionColumn is in
	// partitions and inserts rows, in one transaction. rows are aligned with
	// t.Columns. It returns the number of rows inserted.
	ReplacePartitions(ctx context.Context, t TableSpec, partitions []string, rows [][]any) (int64, error)
}

// Factory opens a Repository for cfg.
type Factory func(ctx context.Context, cfg Config) (Repository, error)

var (
	mu        sync.RWMutex
	factories = map[string]Factory{}
)

// Register makes a backend available under kind.
//
// Panics if kind is empty, f is nil, or kind is already registered.
func Register(kind string, f Factory) {
	mu.Lock()
	defer mu.Unlock()

	if kind == "" {
		panic("storage: Register called with empty kind")
	}
	if f == nil {
		panic("storage: Register called with nil factory")
	}
	if _, exists := factories[kind]; exists {
		panic(fmt.Sprintf("storage: factory already registered for kind=%q", kind))
	}
	factories[kind] = f
}

// New opens the backend registered under cfg.Kind.
func New(ctx context.Context, cfg Config) (Repository, error) {
	if cfg.Kind == "" {
		return nil, fmt.Errorf("storage: missing kind")
	}

	mu.RLock()
	f := factories[cfg.Kind]
	mu.RUnlock()

	if f == nil {
		return nil, fmt.Errorf("unsupported storage.kind=%s", cfg.Kind)
	}
	return f(ctx, cfg)
}

// Kinds lists the registered backends, sorted.
func Kinds() []string {
	mu.RLock()
	defer mu.RUnlock()
	out := make([]string, 0, len(factories))
	for k := range factories {
		out = append(out, k)
	}
	sort.Strings(out)
	return out
}
