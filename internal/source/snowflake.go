package source

import (
	"context"
	"fmt"
	"os"
	"regexp"
	"strings"
	"time"

	"github.com/jmoiron/sqlx"
	sf "github.com/snowflakedb/gosnowflake"
	"github.com/spf13/cast"

	"dspetl/internal/config"
	"dspetl/internal/parser/csv"
	"dspetl/internal/resolve"
	"dspetl/pkg/records"
)

// TableSource reads RAW tables through database/sql. Every RAW table carries
// SOURCE_FILE, SOURCE_ROW_NUMBER and LOADED_AT next to the extract columns.
type TableSource struct {
	db     *sqlx.DB
	schema string
	logger Logger
}

var identPattern = regexp.MustCompile(`^[A-Za-z_][A-Za-z0-9_$]*$`)

// NewTableSource wraps an open database. schema, if set, qualifies
// unqualified table names.
func NewTableSource(db *sqlx.DB, schema string, logger Logger) *TableSource {
	if logger == nil {
		logger = discardLogger()
	}
	return &TableSource{db: db, schema: schema, logger: logger}
}

// OpenSnowflake connects to Snowflake using SnowflakeDSN(opts).
func OpenSnowflake(ctx context.Context, opts config.Options, logger Logger) (*TableSource, error) {
	dsn, err := SnowflakeDSN(opts)
	if err != nil {
		return nil, err
	}
	db, err := sqlx.ConnectContext(ctx, "snowflake", dsn)
	if err != nil {
		return nil, fmt.Errorf("snowflake connect: %w", err)
	}
	db.SetMaxOpenConns(opts.Int("max_open_conns", 4))
	return NewTableSource(db, opts.String("raw_schema", ""), logger), nil
}

// SnowflakeDSN returns options.dsn (with ${VAR} expanded) or builds a DSN from
// account/user/password/database/schema/warehouse/role options, each falling
// back to its SNOWFLAKE_* environment variable.
func SnowflakeDSN(opts config.Options) (string, error) {
	if dsn := strings.TrimSpace(opts.String("dsn", "")); dsn != "" {
		return os.ExpandEnv(dsn), nil
	}

	get := func(key, env string) string {
		if v := strings.TrimSpace(opts.String(key, "")); v != "" {
			return os.ExpandEnv(v)
		}
		return os.Getenv(env)
	}

	cfg := &sf.Config{
		Account:       get("account", "SNOWFLAKE_ACCOUNT"),
		User:          get("user", "SNOWFLAKE_USER"),
		Password:      get("password", "SNOWFLAKE_PASSWORD"),
		Database:      get("database", "SNOWFLAKE_DATABASE"),
		Schema:        get("schema", "SNOWFLAKE_SCHEMA"),
		Warehouse:     get("warehouse", "SNOWFLAKE_WAREHOUSE"),
		Role:          get("role", "SNOWFLAKE_ROLE"),
		Authenticator: parseAuthenticator(get("authenticator", "SNOWFLAKE_AUTHENTICATOR")),
	}
	if cfg.Account == "" || cfg.User == "" {
		return "", fmt.Errorf("snowflake: account and user are required (options or SNOWFLAKE_ACCOUNT/SNOWFLAKE_USER)")
	}
	dsn, err := sf.DSN(cfg)
	if err != nil {
		return "", fmt.Errorf("snowflake dsn: %w", err)
	}
	return dsn, nil
}

func parseAuthenticator(s string) sf.AuthType {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "oauth":
		return sf.AuthTypeOAuth
	case "externalbrowser":
		return sf.AuthTypeExternalBrowser
	case "jwt":
		return sf.AuthTypeJwt
	case "username_password_mfa":
		return sf.AuthTypeUsernamePasswordMFA
	case "okta":
		return sf.AuthTypeOkta
	default:
		return sf.AuthTypeSnowflake
	}
}

// Close implements Source.
func (s *TableSource) Close() error { return s.db.Close() }

// RawTableName returns req.RawTable, or RAW_<SOURCE_TYPE> when unset,
// qualified by the configured schema.
func (s *TableSource) RawTableName(req Request) (string, error) {
	table := req.RawTable
	if table == "" {
		table = "RAW_" + string(req.SourceType)
	}
	parts := strings.Split(table, ".")
	if len(parts) == 1 && s.schema != "" {
		parts = []string{s.schema, table}
	}
	for _, p := range parts {
		if !identPattern.MatchString(p) {
			return "", fmt.Errorf("invalid table name %q", table)
		}
	}
	return strings.Join(parts, "."), nil
}

// Load implements Source.
func (s *TableSource) Load(ctx context.Context, req Request) ([]resolve.RawRecord, error) {
	table, err := s.RawTableName(req)
	if err != nil {
		return nil, err
	}

	rows, err := s.db.QueryxContext(ctx, "SELECT * FROM "+table)
	if err != nil {
		return nil, fmt.Errorf("query %s: %w", table, err)
	}
	defer rows.Close()

	var out []resolve.RawRecord
	bad := 0
	for rows.Next() {
		cols := make(map[string]any)
		if err := rows.MapScan(cols); err != nil {
			return nil, fmt.Errorf("scan %s: %w", table, err)
		}
		rec, err := rawFromColumns(cols, req)
		if err != nil {
			bad++
			s.logger.Printf("stage=source kind=table table=%s rejected: %v", table, err)
		}
		out = append(out, rec)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("read %s: %w", table, err)
	}

	s.logger.Printf("stage=source kind=table source=%s table=%s rows=%d rejected=%d",
		req.SourceType, table, len(out), bad)
	return out, nil
}

// rawFromColumns maps one RAW table row onto a RawRecord. Column names are
// normalized like CSV headers, so the same header map applies to both. When
// the provenance columns cannot be read, the returned record carries a Reject
// reason along with the error.
func rawFromColumns(cols map[string]any, req Request) (resolve.RawRecord, error) {
	norm := make(map[string]any, len(cols))
	for k, v := range cols {
		if b, ok := v.([]byte); ok {
			v = string(b)
		}
		norm[csv.NormalizeHeader(k, req.HeaderMap)] = v
	}

	var rec resolve.RawRecord
	if v := norm[resolve.ColSourceFile]; v != nil {
		rec.SourceFile = cast.ToString(v)
	}

	if v := norm[resolve.ColSourceRowNumber]; v != nil {
		n, ok := resolve.CoerceInt(v).(int64)
		if !ok {
			rec.Reject = resolve.ReasonBadRowNumber
			return rec, fmt.Errorf("source_file=%s: %s %v", rec.SourceFile, rec.Reject, v)
		}
		rec.SourceRowNumber = n
	}

	switch v := norm[resolve.ColLoadedAt].(type) {
	case nil:
	case time.Time:
		t := v.UTC()
		rec.LoadedAt = &t
	default:
		t, err := cast.ToTimeE(v)
		if err != nil {
			rec.Reject = resolve.ReasonBadLoadedAt
			return rec, fmt.Errorf("source_file=%s row=%d: %s %v", rec.SourceFile, rec.SourceRowNumber, rec.Reject, v)
		}
		t = t.UTC()
		rec.LoadedAt = &t
	}

	rec.Fields = make(records.Record, len(req.Fields))
	for _, f := range req.Fields {
		rec.Fields[f] = norm[f]
	}
	return rec, nil
}
