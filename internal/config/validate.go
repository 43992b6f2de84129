package config

import (
	"fmt"
	"regexp"
	"strings"

	"dspetl/internal/resolve"
)

// Severity classifies a validation issue.
type Severity string

const (
	SeverityError   Severity = "error"
	SeverityWarning Severity = "warning"
)

// Issue is a single validation finding. Path is a JSON-ish pointer into the
// config ("sources[1].table").
type Issue struct {
	Severity Severity
	Path     string
	Message  string
}

func (i Issue) String() string {
	return fmt.Sprintf("%s: %s: %s", i.Severity, i.Path, i.Message)
}

// HasErrors reports whether issues contains at least one error.
func HasErrors(issues []Issue) bool {
	for _, iss := range issues {
		if iss.Severity == SeverityError {
			return true
		}
	}
	return false
}

var tableNamePattern = regexp.MustCompile(`^[A-Za-z_][A-Za-z0-9_]*(\.[A-Za-z_][A-Za-z0-9_]*)?$`)

var knownSourceKinds = map[string]bool{"file": true, "snowflake": true}
var knownStorageKinds = map[string]bool{"postgres": true, "sqlite": true, "mssql": true, "none": true}

// ValidatePipeline checks p for problems that would make a run fail or behave
// unexpectedly. It does not touch the filesystem or network.
func ValidatePipeline(p Pipeline) []Issue {
	var issues []Issue
	errf := func(path, format string, a ...any) {
		issues = append(issues, Issue{SeverityError, path, fmt.Sprintf(format, a...)})
	}
	warnf := func(path, format string, a ...any) {
		issues = append(issues, Issue{SeverityWarning, path, fmt.Sprintf(format, a...)})
	}

	if strings.TrimSpace(p.Job) == "" {
		warnf("job", "empty job name; metrics will be tagged job:etl")
	}

	switch {
	case p.Source.Kind == "":
		errf("source.kind", "required")
	case !knownSourceKinds[p.Source.Kind]:
		errf("source.kind", "unknown kind %q (want file or snowflake)", p.Source.Kind)
	case p.Source.Kind == "file" && p.Source.Options.String("path", "") == "":
		errf("source.options.path", "required for file source")
	}

	switch {
	case p.Storage.Kind == "":
		errf("storage.kind", "required (use \"none\" for a dry run)")
	case !knownStorageKinds[p.Storage.Kind]:
		errf("storage.kind", "unknown kind %q", p.Storage.Kind)
	case p.Storage.Kind != "none" && strings.TrimSpace(p.Storage.DSN) == "":
		errf("storage.dsn", "required for %s storage", p.Storage.Kind)
	}

	if len(p.Sources) == 0 {
		errf("sources", "at least one source type must be configured")
	}

	seenType := map[resolve.SourceType]int{}
	seenTable := map[string]int{}
	for i, sc := range p.Sources {
		base := fmt.Sprintf("sources[%d]", i)

		t, err := resolve.ParseSourceType(sc.SourceType)
		if err != nil {
			errf(base+".source_type", "%v", err)
			continue
		}
		if j, dup := seenType[t]; dup {
			errf(base+".source_type", "%s already configured at sources[%d]", t, j)
		}
		seenType[t] = i

		if p.Storage.Kind != "none" {
			switch {
			case sc.Table == "":
				errf(base+".table", "required")
			case !tableNamePattern.MatchString(sc.Table):
				errf(base+".table", "invalid table name %q", sc.Table)
			default:
				if j, dup := seenTable[strings.ToLower(sc.Table)]; dup {
					errf(base+".table", "table %q also used by sources[%d]", sc.Table, j)
				}
				seenTable[strings.ToLower(sc.Table)] = i
			}
		}

		if p.Source.Kind == "snowflake" && sc.RawTable != "" && !tableNamePattern.MatchString(sc.RawTable) {
			errf(base+".raw_table", "invalid table name %q", sc.RawTable)
		}

		spec, err := SpecFor(sc)
		if err != nil {
			errf(base, "%v", err)
			continue
		}
		if err := spec.Validate(); err != nil {
			errf(base, "%v", err)
		}
		if !spec.Dedupe && len(spec.KeyFields) > 0 {
			warnf(base+".dedupe", "key_fields are ignored when dedupe is false")
		}
	}

	if p.Runtime.ResolveWorkers < 0 {
		errf("runtime.resolve_workers", "must be >= 0")
	}
	if p.Runtime.InsertBatch < 0 {
		errf("runtime.insert_batch", "must be >= 0")
	}
	if p.Runtime.ChannelBuffer < 0 {
		errf("runtime.channel_buffer", "must be >= 0")
	}
	return issues
}

// SpecFor returns the built-in spec for sc.SourceType with sc's overrides
// applied.
func SpecFor(sc SourceConfig) (resolve.SourceSpec, error) {
	t, err := resolve.ParseSourceType(sc.SourceType)
	if err != nil {
		return resolve.SourceSpec{}, err
	}
	spec, err := resolve.DefaultSpec(t)
	if err != nil {
		return resolve.SourceSpec{}, err
	}

	override := func(dst *[]string, src []string) {
		if len(src) > 0 {
			*dst = append([]string(nil), src...)
		}
	}
	override(&spec.KeyFields, sc.KeyFields)
	override(&spec.TrimFields, sc.TrimFields)
	override(&spec.UpperFields, sc.UpperFields)
	override(&spec.IntegerFields, sc.IntegerFields)
	override(&spec.OutputFields, sc.OutputFields)
	override(&spec.FillFields, sc.FillFields)
	override(&spec.FillScope, sc.FillScope)

	if len(sc.Defaults) > 0 {
		merged := make(map[string]any, len(spec.Defaults)+len(sc.Defaults))
		for k, v := range spec.Defaults {
			merged[k] = v
		}
		for k, v := range sc.Defaults {
			merged[k] = v
		}
		spec.Defaults = merged
	}
	if len(sc.HeaderMap) > 0 {
		merged := make(map[string]string, len(spec.HeaderMap)+len(sc.HeaderMap))
		for k, v := range spec.HeaderMap {
			merged[k] = v
		}
		for k, v := range sc.HeaderMap {
			merged[k] = v
		}
		spec.HeaderMap = merged
	}
	if sc.Dedupe != nil {
		spec.Dedupe = *sc.Dedupe
	}
	return spec, nil
}
