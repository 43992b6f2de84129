package source

import (
	"context"
	"strings"
	"testing"
	"time"

	"github.com/jmoiron/sqlx"
	_ "modernc.org/sqlite"

	"dspetl/internal/config"
	"dspetl/internal/resolve"
)

func TestTableSource_LoadFromRawTable(t *testing.T) {
	t.Parallel()

	db, err := sqlx.Open("sqlite", ":memory:")
	if err != nil {
		t.Fatal(err)
	}
	db.SetMaxOpenConns(1)
	t.Cleanup(func() { db.Close() })

	db.MustExec(`CREATE TABLE RAW_ROUTES (
		SOURCE_FILE TEXT, SOURCE_ROW_NUMBER INTEGER, LOADED_AT TEXT,
		ROUTE TEXT, DRIVER TEXT, ALL_STOPS TEXT)`)
	db.MustExec(`INSERT INTO RAW_ROUTES VALUES
		('Routes_X_2024-03-15.csv', 1, '2024-03-15T12:00:00Z', ' CX12', 'Ann', '100'),
		('Routes_X_2024-03-15.csv', 2, NULL, 'CX13', 'Bob', NULL),
		('Routes_X_2024-03-15.csv', 'x', NULL, 'CX14', 'Eve', NULL)`)

	log := &fakeLogger{}
	src := NewTableSource(db, "", log)

	got, err := src.Load(context.Background(), routesRequest(t))
	if err != nil {
		t.Fatal(err)
	}
	if len(got) != 3 {
		t.Fatalf("records=%d want 3: %+v", len(got), got)
	}
	if got[2].Reject != resolve.ReasonBadRowNumber || got[2].SourceFile != "Routes_X_2024-03-15.csv" {
		t.Fatalf("bad row must be handed on as rejected: %+v", got[2])
	}
	if got[0].Reject != "" || got[1].Reject != "" {
		t.Fatalf("good rows rejected: %+v", got[:2])
	}

	first := got[0]
	want := time.Date(2024, 3, 15, 12, 0, 0, 0, time.UTC)
	if first.LoadedAt == nil || !first.LoadedAt.Equal(want) {
		t.Fatalf("loaded_at=%v", first.LoadedAt)
	}
	if first.SourceRowNumber != 1 || first.Fields["route_code"] != " CX12" || first.Fields["total_stops"] != "100" {
		t.Fatalf("first=%+v", first)
	}
	if got[1].LoadedAt != nil || got[1].Fields["total_stops"] != nil {
		t.Fatalf("second=%+v", got[1])
	}
	if !strings.Contains(log.joined(), "bad source_row_number") {
		t.Fatalf("bad row not logged:\n%s", log.joined())
	}
}

func TestTableSource_RawTableName(t *testing.T) {
	t.Parallel()

	s := &TableSource{schema: "RAW"}
	tests := []struct {
		req     Request
		want    string
		wantErr bool
	}{
		{Request{SourceType: resolve.SourceRoutes}, "RAW.RAW_ROUTES", false},
		{Request{SourceType: resolve.SourceRoutes, RawTable: "ingest.routes_v2"}, "ingest.routes_v2", false},
		{Request{SourceType: resolve.SourceRoutes, RawTable: "routes; drop table x"}, "", true},
	}
	for _, tc := range tests {
		got, err := s.RawTableName(tc.req)
		if (err != nil) != tc.wantErr || got != tc.want {
			t.Fatalf("RawTableName(%+v)=(%q,%v) want %q", tc.req, got, err, tc.want)
		}
	}
}

func TestSnowflakeDSN(t *testing.T) {
	t.Setenv("SNOWFLAKE_PASSWORD", "pw")
	t.Setenv("SF_ACCOUNT", "acme-xy123")

	dsn, err := SnowflakeDSN(config.Options{
		"account":   "${SF_ACCOUNT}",
		"user":      "etl_user",
		"database":  "DSP",
		"warehouse": "ETL_WH",
	})
	if err != nil {
		t.Fatal(err)
	}
	if !strings.HasPrefix(dsn, "etl_user:pw@") || !strings.Contains(dsn, "acme-xy123") {
		t.Fatalf("dsn=%s", dsn)
	}

	if got, _ := SnowflakeDSN(config.Options{"dsn": "u:p@${SF_ACCOUNT}/db"}); got != "u:p@acme-xy123/db" {
		t.Fatalf("explicit dsn=%s", got)
	}
}

func TestSnowflakeDSN_RequiresAccount(t *testing.T) {
	t.Setenv("SNOWFLAKE_ACCOUNT", "")
	t.Setenv("SNOWFLAKE_USER", "")
	if _, err := SnowflakeDSN(config.Options{}); err == nil {
		t.Fatalf("expected error")
	}
}

func TestRawFromColumns_RejectsUnreadableProvenance(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name string
		cols map[string]any
		want string
	}{
		{"row number", map[string]any{"SOURCE_FILE": "Routes_X_2024-03-15.csv", "SOURCE_ROW_NUMBER": "x"}, resolve.ReasonBadRowNumber},
		{"loaded at", map[string]any{"SOURCE_FILE": "Routes_X_2024-03-15.csv", "SOURCE_ROW_NUMBER": 3, "LOADED_AT": "yesterday"}, resolve.ReasonBadLoadedAt},
	}
	for _, tc := range tests {
		tc := tc
		t.Run(tc.name, func(t *testing.T) {
			t.Parallel()
			rec, err := rawFromColumns(tc.cols, routesRequest(t))
			if err == nil || !strings.Contains(err.Error(), tc.want) {
				t.Fatalf("err=%v want %q", err, tc.want)
			}
			if rec.Reject != tc.want || rec.SourceFile != "Routes_X_2024-03-15.csv" {
				t.Fatalf("rec=%+v", rec)
			}
		})
	}
}

func TestRawFromColumns_HeaderMapAndBytes(t *testing.T) {
	t.Parallel()

	req := routesRequest(t)
	rec, err := rawFromColumns(map[string]any{
		"SOURCE_FILE":       []byte("Routes_X_2024-03-15.csv"),
		"SOURCE_ROW_NUMBER": "0007",
		"LOADED_AT":         time.Date(2024, 3, 15, 8, 0, 0, 0, time.FixedZone("PST", -8*3600)),
		"Stops Complete":    int64(4),
	}, req)
	if err != nil {
		t.Fatal(err)
	}
	if rec.SourceFile != "Routes_X_2024-03-15.csv" || rec.SourceRowNumber != 7 {
		t.Fatalf("rec=%+v", rec)
	}
	if rec.LoadedAt.Location() != time.UTC || rec.LoadedAt.Hour() != 16 {
		t.Fatalf("loaded_at=%v", rec.LoadedAt)
	}
	if rec.Fields["completed_stops"] != int64(4) {
		t.Fatalf("fields=%v", rec.Fields)
	}
}
