// Package pipeline wires a source, the per-source-type resolve pipelines and a
// storage sink into one run.
package pipeline

import (
	"context"
	"fmt"
	"io"
	"log"
	"strings"
	"time"

	"golang.org/x/sync/errgroup"

	"dspetl/internal/config"
	"dspetl/internal/metrics"
	"dspetl/internal/resolve"
	"dspetl/internal/source"
	"dspetl/internal/storage"
)

// Logger is the minimal logging interface used by the runner.
// *log.Logger satisfies this interface.
type Logger interface {
	Printf(format string, v ...any)
}

// StorageNone disables the sink (dry run).
const StorageNone = "none"

// Runner executes a pipeline config. The function fields are seams; nil ones
// fall back to the production implementation.
type Runner struct {
	NewSource     func(ctx context.Context, cfg config.Source, logger source.Logger) (source.Source, error)
	NewRepository func(ctx context.Context, cfg storage.Config) (storage.Repository, error)

	Logger Logger

	// ExpandEnv resolves ${VAR} in the storage DSN. Nil uses the process
	// environment.
	ExpandEnv func(string) string

	// Now is the clock for records without loaded_at.
	Now func() time.Time

	// RunID tags log lines.
	RunID string
}

// NewDefaultRunner returns a runner using the registered sources and storage
// backends.
func NewDefaultRunner() *Runner {
	return &Runner{
		NewSource:     source.Open,
		NewRepository: storage.New,
	}
}

// NewLogger returns a Logger writing timestamped lines to w.
func NewLogger(w io.Writer) Logger {
	return log.New(w, "", log.LstdFlags|log.LUTC)
}

// SourceReport summarizes one source type's run.
type SourceReport struct {
	SourceType  resolve.SourceType
	Table       string
	Stats       resolve.Stats
	Stored      int64
	Partitions  []string
	Quarantined []resolve.Quarantined
	Duration    time.Duration
}

// Report is the outcome of Run. Sources follow the config order.
type Report struct {
	RunID    string
	Sources  []SourceReport
	Duration time.Duration
}

// plan is one configured source type ready to run.
type plan struct {
	cfg      config.SourceConfig
	spec     resolve.SourceSpec
	pipeline *resolve.Pipeline
	table    storage.TableSpec
}

// Run loads, resolves and stores every configured source type. Source types
// run concurrently; the first failure cancels the others and is returned.
// The report holds whatever finished before the failure.
func (r *Runner) Run(ctx context.Context, cfg config.Pipeline) (Report, error) {
	logf := r.logger()
	start := time.Now()
	report := Report{RunID: r.RunID}

	issues := config.ValidatePipeline(cfg)
	var errs []string
	for _, iss := range issues {
		if iss.Severity == config.SeverityError {
			errs = append(errs, iss.String())
			continue
		}
		logf("stage=config run=%s %s", r.RunID, iss)
	}
	if len(errs) > 0 {
		return report, fmt.Errorf("invalid config: %s", strings.Join(errs, "; "))
	}

	plans, err := r.plan(cfg)
	if err != nil {
		return report, err
	}

	src, err := r.openSource(ctx, cfg)
	if err != nil {
		return report, err
	}
	defer src.Close()

	var repo storage.Repository
	if cfg.Storage.Kind != StorageNone {
		repo, err = r.openRepository(ctx, cfg)
		if err != nil {
			return report, err
		}
		defer repo.Close()
	}

	report.Sources = make([]SourceReport, len(plans))
	eg, egCtx := errgroup.WithContext(ctx)
	for i, p := range plans {
		i, p := i, p
		eg.Go(func() error {
			sr, err := r.runSource(egCtx, cfg.Job, src, repo, p)
			report.Sources[i] = sr
			return err
		})
	}
	err = eg.Wait()

	report.Duration = time.Since(start)
	metrics.RecordStep(cfg.Job, "run", err, report.Duration)
	if err != nil {
		logf("stage=run run=%s failed duration=%s: %v", r.RunID, report.Duration.Truncate(time.Millisecond), err)
		return report, err
	}
	logf("stage=run run=%s ok sources=%d duration=%s", r.RunID, len(plans), report.Duration.Truncate(time.Millisecond))
	return report, nil
}

func (r *Runner) plan(cfg config.Pipeline) ([]plan, error) {
	out := make([]plan, 0, len(cfg.Sources))
	for i, sc := range cfg.Sources {
		spec, err := config.SpecFor(sc)
		if err != nil {
			return nil, fmt.Errorf("sources[%d]: %w", i, err)
		}
		p, err := resolve.NewPipeline(spec)
		if err != nil {
			return nil, fmt.Errorf("sources[%d]: %w", i, err)
		}
		p.Now = r.Now
		p.Workers = cfg.Runtime.ResolveWorkers

		out = append(out, plan{
			cfg:      sc,
			spec:     spec,
			pipeline: p,
			table:    CleanedTableSpec(sc.Table, spec),
		})
	}
	return out, nil
}

func (r *Runner) openSource(ctx context.Context, cfg config.Pipeline) (source.Source, error) {
	sc := cfg.Source
	if sc.Kind == "file" && cfg.Runtime.ChannelBuffer > 0 && sc.Options.Any("channel_buffer", nil) == nil {
		sc.Options = sc.Options.With("channel_buffer", cfg.Runtime.ChannelBuffer)
	}

	newSource := r.NewSource
	if newSource == nil {
		newSource = source.Open
	}
	src, err := newSource(ctx, sc, r.Logger)
	if err != nil {
		return nil, fmt.Errorf("open source: %w", err)
	}
	return src, nil
}

func (r *Runner) openRepository(ctx context.Context, cfg config.Pipeline) (storage.Repository, error) {
	dsn := cfg.Storage.ExpandedDSN()
	if r.ExpandEnv != nil {
		dsn = r.ExpandEnv(cfg.Storage.DSN)
	}
	newRepo := r.NewRepository
	if newRepo == nil {
		newRepo = storage.New
	}
	repo, err := newRepo(ctx, storage.Config{
		Kind:      cfg.Storage.Kind,
		DSN:       dsn,
		BatchSize: cfg.Runtime.InsertBatch,
	})
	if err != nil {
		return nil, fmt.Errorf("open storage: %w", err)
	}
	return repo, nil
}

// runSource is one source type's load → resolve → store.
func (r *Runner) runSource(ctx context.Context, job string, src source.Source, repo storage.Repository, p plan) (rep SourceReport, err error) {
	logf := r.logger()
	st := p.spec.SourceType
	rep = SourceReport{SourceType: st, Table: p.cfg.Table}
	start := time.Now()
	defer func() { rep.Duration = time.Since(start) }()

	loadStart := time.Now()
	raw, err := src.Load(ctx, source.RequestFor(p.spec, p.cfg.RawTable))
	metrics.RecordStep(job, "source", err, time.Since(loadStart))
	if err != nil {
		return rep, fmt.Errorf("load %s: %w", st, err)
	}
	logf("stage=source run=%s source=%s rows=%d duration=%s", r.RunID, st, len(raw), durMS(loadStart))

	if err := ctx.Err(); err != nil {
		return rep, err
	}

	resolveStart := time.Now()
	res := p.pipeline.Run(raw)
	metrics.RecordStep(job, "resolve", nil, time.Since(resolveStart))
	rep.Stats = res.Stats
	rep.Quarantined = res.Quarantined
	rep.Partitions = res.PartitionDates()
	recordStats(job, st, res.Stats)

	logf("stage=resolve run=%s source=%s raw=%d cleaned=%d quarantined=%d filled=%d duplicates=%d duration=%s",
		r.RunID, st, res.Stats.Raw, res.Stats.Cleaned, res.Stats.Quarantined, res.Stats.Filled, res.Stats.Duplicates, durMS(resolveStart))
	for _, q := range res.Quarantined {
		logf("stage=resolve run=%s source=%s quarantined file=%s row=%d: %s", r.RunID, st, q.SourceFile, q.SourceRowNumber, q.Reason)
	}

	if repo == nil {
		return rep, nil
	}

	sinkStart := time.Now()
	n, err := storeResult(ctx, repo, p, res)
	metrics.RecordStep(job, "sink", err, time.Since(sinkStart))
	if err != nil {
		return rep, fmt.Errorf("store %s: %w", st, err)
	}
	rep.Stored = n
	metrics.RecordRecords(job, string(st), metrics.KindStored, int(n))
	logf("stage=sink run=%s source=%s table=%s partitions=%d rows=%d duration=%s",
		r.RunID, st, p.cfg.Table, len(rep.Partitions), n, durMS(sinkStart))
	return rep, nil
}

// storeResult replaces the partitions res touches. A result with no cleaned
// records leaves the table alone.
func storeResult(ctx context.Context, repo storage.Repository, p plan, res resolve.Result) (int64, error) {
	if err := repo.EnsureTable(ctx, p.table); err != nil {
		return 0, err
	}
	parts := res.PartitionDates()
	if len(parts) == 0 {
		return 0, nil
	}
	return repo.ReplacePartitions(ctx, p.table, parts, Rows(res, p.spec))
}

func recordStats(job string, st resolve.SourceType, s resolve.Stats) {
	src := string(st)
	metrics.RecordRecords(job, src, metrics.KindRaw, s.Raw)
	metrics.RecordRecords(job, src, metrics.KindQuarantined, s.Quarantined)
	metrics.RecordRecords(job, src, metrics.KindFilled, s.Filled)
	metrics.RecordRecords(job, src, metrics.KindDuplicates, s.Duplicates)
	metrics.RecordRecords(job, src, metrics.KindCleaned, s.Cleaned)
}

func (r *Runner) logger() func(format string, v ...any) {
	if r.Logger == nil {
		l := log.New(io.Discard, "", 0)
		return l.Printf
	}
	return r.Logger.Printf
}

func durMS(start time.Time) time.Duration { return time.Since(start).Truncate(time.Millisecond) }
