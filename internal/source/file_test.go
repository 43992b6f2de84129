package source

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/google/go-cmp/cmp"

	"dspetl/internal/config"
	"dspetl/internal/resolve"
)

type fakeLogger struct {
	mu   sync.Mutex
	msgs []string
}

func (l *fakeLogger) Printf(format string, v ...any) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.msgs = append(l.msgs, fmt.Sprintf(format, v...))
}

func (l *fakeLogger) joined() string {
	l.mu.Lock()
	defer l.mu.Unlock()
	return strings.Join(l.msgs, "\n")
}

func writeFile(t *testing.T, root, name, body string) string {
	t.Helper()
	p := filepath.Join(root, filepath.FromSlash(name))
	if err := os.MkdirAll(filepath.Dir(p), 0o755); err != nil {
		t.Fatal(err)
	}
	if err := os.WriteFile(p, []byte(body), 0o644); err != nil {
		t.Fatal(err)
	}
	return p
}

func routesRequest(t *testing.T) Request {
	t.Helper()
	spec, err := resolve.DefaultSpec(resolve.SourceRoutes)
	if err != nil {
		t.Fatal(err)
	}
	return RequestFor(spec, "")
}

func TestFileSource_LoadClassifiesAndNumbersRows(t *testing.T) {
	t.Parallel()

	root := t.TempDir()
	writeFile(t, root, "2024-03-15/Routes_DXX1_2024-03-15.csv",
		"Route,Driver,Status,All Stops\nCX12,Ann,Done,100\nCX13,Bob,Started,n/a\n")
	writeFile(t, root, "2024-03-15/DSP__2024-03-15__Solution.csv", "Route\nCX12\n")
	writeFile(t, root, "_archive/Routes_DXX1_2024-03-01.csv", "Route\nOLD\n")
	writeFile(t, root, "~$Routes_DXX1_2024-03-15.csv", "locked")

	log := &fakeLogger{}
	src, err := NewFileSource(config.Options{"path": root}, log)
	if err != nil {
		t.Fatal(err)
	}
	defer src.Close()

	got, err := src.Load(context.Background(), routesRequest(t))
	if err != nil {
		t.Fatal(err)
	}
	if len(got) != 2 {
		t.Fatalf("records=%d want 2: %+v", len(got), got)
	}

	first := got[0]
	if first.SourceFile != "2024-03-15/Routes_DXX1_2024-03-15.csv" || first.SourceRowNumber != 1 || first.LoadedAt != nil {
		t.Fatalf("provenance=%+v", first)
	}
	if first.Fields["route_code"] != "CX12" || first.Fields["total_stops"] != "100" || first.Fields["driver_name"] != "Ann" {
		t.Fatalf("fields=%v", first.Fields)
	}
	if _, ok := first.Fields["provider_code"]; !ok || first.Fields["provider_code"] != nil {
		t.Fatalf("absent column must be delivered as nil; fields=%v", first.Fields)
	}
	if got[1].SourceRowNumber != 2 {
		t.Fatalf("second row number=%d", got[1].SourceRowNumber)
	}
	if !strings.Contains(log.joined(), "stage=source kind=file source=ROUTES files=1 rows=2") {
		t.Fatalf("missing summary log:\n%s", log.joined())
	}
}

func TestFileSource_LoadedAtFromMtime(t *testing.T) {
	t.Parallel()

	root := t.TempDir()
	p := writeFile(t, root, "Routes_DXX1_2024-03-15.csv", "Route,Driver\nCX12,Ann\n")
	mtime := time.Date(2024, 3, 15, 12, 0, 0, 0, time.UTC)
	if err := os.Chtimes(p, mtime, mtime); err != nil {
		t.Fatal(err)
	}

	src, _ := NewFileSource(config.Options{"path": root, "loaded_at_from_mtime": true}, nil)
	got, err := src.Load(context.Background(), routesRequest(t))
	if err != nil {
		t.Fatal(err)
	}
	if len(got) != 1 || got[0].LoadedAt == nil || !got[0].LoadedAt.Equal(mtime) {
		t.Fatalf("loaded_at=%v want %v", got[0].LoadedAt, mtime)
	}
}

func TestFileSource_Glob(t *testing.T) {
	t.Parallel()

	root := t.TempDir()
	writeFile(t, root, "a/Routes_X_2024-03-15.csv", "Route,Driver\nCX1,Ann\n")
	writeFile(t, root, "b/Routes_X_2024-03-16.csv", "Route,Driver\nCX2,Bob\n")

	src, _ := NewFileSource(config.Options{"path": filepath.Join(root, "*", "Routes_*.csv")}, nil)
	got, err := src.Load(context.Background(), routesRequest(t))
	if err != nil {
		t.Fatal(err)
	}
	var dates []string
	for _, r := range got {
		d, _ := resolve.ExtractPartitionDate(r.SourceFile)
		dates = append(dates, d)
	}
	if diff := cmp.Diff([]string{"2024-03-15", "2024-03-16"}, dates); diff != "" {
		t.Fatalf("dates (-want +got):\n%s", diff)
	}
}

func TestFileSource_BadRowsSkippedOrStrict(t *testing.T) {
	t.Parallel()

	root := t.TempDir()
	writeFile(t, root, "Routes_X_2024-03-15.csv", "Route,Driver\nCX1,Ann\n\"CX2,Bob\n")

	lenient, _ := NewFileSource(config.Options{"path": root}, nil)
	got, err := lenient.Load(context.Background(), routesRequest(t))
	if err != nil {
		t.Fatalf("lenient load: %v", err)
	}
	if len(got) != 1 {
		t.Fatalf("records=%d want 1", len(got))
	}

	strict, _ := NewFileSource(config.Options{"path": root, "strict": true}, nil)
	if _, err := strict.Load(context.Background(), routesRequest(t)); err == nil || !strings.Contains(err.Error(), "parse error") {
		t.Fatalf("strict load err=%v", err)
	}
}

func TestFileSource_Errors(t *testing.T) {
	t.Parallel()

	if _, err := NewFileSource(config.Options{}, nil); err == nil {
		t.Fatalf("missing path must fail")
	}
	src, _ := NewFileSource(config.Options{"path": filepath.Join(t.TempDir(), "nope")}, nil)
	if _, err := src.Load(context.Background(), routesRequest(t)); err == nil {
		t.Fatalf("missing directory must fail")
	}
}

func TestFileSource_HeaderMapOption(t *testing.T) {
	t.Parallel()

	root := t.TempDir()
	writeFile(t, root, "Routes_X_2024-03-15.csv", "Rte,Driver\nCX1,Ann\n")

	src, _ := NewFileSource(config.Options{"path": root, "header_map": map[string]any{"rte": "route_code"}}, nil)
	got, err := src.Load(context.Background(), routesRequest(t))
	if err != nil {
		t.Fatal(err)
	}
	if len(got) != 1 || got[0].Fields["route_code"] != "CX1" || got[0].Fields["driver_name"] != "Ann" {
		t.Fatalf("got=%+v", got)
	}
}

func TestOpen_UnknownKind(t *testing.T) {
	t.Parallel()

	if _, err := Open(context.Background(), config.Source{Kind: "ftp"}, nil); err == nil {
		t.Fatalf("expected error")
	}
}
