// Command dspetl resolves DSP route extracts into one cleaned record per
// entity and partition date, and replaces the affected partitions in the
// configured sink.
package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"io"
	"log"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/google/uuid"

	"dspetl/internal/config"
	"dspetl/internal/metrics"
	"dspetl/internal/metrics/datadog"
	"dspetl/internal/metrics/prompush"
	"dspetl/internal/pipeline"

	// register every storage backend; the config picks one.
	_ "dspetl/internal/storage/all"
)

const usage = "usage: dspetl -config path/to/pipeline.json [-validate] [-v] [-metrics-backend none|datadog|pushgateway] [-pushgateway-url URL] [-quarantine-out file.jsonl] [-env-file .env]"

type runner interface {
	Run(ctx context.Context, cfg config.Pipeline) (pipeline.Report, error)
}

// metricsBackend is what the CLI owns after installing a backend: something
// to close (flush) on the way out.
type metricsBackend interface {
	Close() error
}

type metricsConfig struct {
	Job            string
	Backend        string
	PushgatewayURL string
	RunID          string
}

// appDeps are the side-effecting seams of runMain.
type appDeps struct {
	loadEnv     func(path string, required bool) error
	readFile    func(string) ([]byte, error)
	unmarshal   func([]byte, any) error
	createFile  func(string) (io.WriteCloser, error)
	newRunID    func() string
	initMetrics func(ctx context.Context, mc metricsConfig) (func(), error)
	newRunner   func(runID string, logger pipeline.Logger) runner
}

func defaultDeps() appDeps {
	return appDeps{
		loadEnv:   config.LoadEnv,
		readFile:  os.ReadFile,
		unmarshal: config.Unmarshal,
		createFile: func(path string) (io.WriteCloser, error) {
			return os.Create(path)
		},
		newRunID:    func() string { return uuid.NewString() },
		initMetrics: initMetrics,
		newRunner: func(runID string, logger pipeline.Logger) runner {
			r := pipeline.NewDefaultRunner()
			r.RunID = runID
			r.Logger = logger
			return r
		},
	}
}

// Seams for initMetrics tests.
var (
	newDatadogBackend = func(ctx context.Context, opts datadog.Options) (metricsBackend, error) {
		return datadog.NewBackend(ctx, opts)
	}
	newPushBackend = func(job, url string, grouping ...string) (metricsBackend, error) {
		b, err := prompush.NewBackend(job, url, grouping...)
		if err != nil {
			return nil, err
		}
		return pushBackend{b}, nil
	}
	setMetricsBackend = func(b any) {
		if b == nil {
			metrics.SetBackend(nil)
			return
		}
		if mb, ok := b.(metrics.Backend); ok {
			metrics.SetBackend(mb)
		}
	}
	logPrintf = log.Printf
)

// pushBackend pushes once, on Close.
type pushBackend struct {
	*prompush.Backend
}

func (p pushBackend) Close() error { return p.Flush() }

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	code := runMain(ctx, os.Args[1:], os.Stdout, os.Stderr, defaultDeps())
	stop()
	os.Exit(code)
}

// runMain is main without the process exit. It returns 0 on success, 1 on
// config or run errors and 2 on usage errors.
func runMain(ctx context.Context, args []string, stdout, stderr io.Writer, deps appDeps) int {
	fs := flag.NewFlagSet("dspetl", flag.ContinueOnError)
	fs.SetOutput(stderr)

	var (
		cfgPath        string
		validate       bool
		verbose        bool
		backendName    string
		pushgatewayURL string
		quarantineOut  string
		envFile        string
	)
	fs.StringVar(&cfgPath, "config", "", "pipeline config JSON path")
	fs.BoolVar(&validate, "validate", false, "validate the configuration and exit")
	fs.BoolVar(&verbose, "v", false, "enable verbose stage logs")
	fs.StringVar(&backendName, "metrics-backend", "", "metrics backend: none, datadog or pushgateway (overrides env METRICS_BACKEND)")
	fs.StringVar(&pushgatewayURL, "pushgateway-url", "", "Pushgateway base URL (overrides env PUSHGATEWAY_URL)")
	fs.StringVar(&quarantineOut, "quarantine-out", "", "write quarantined records to this file as JSON lines")
	fs.StringVar(&envFile, "env-file", ".env", "load KEY=VALUE pairs from this file before reading the config")

	if err := fs.Parse(args); err != nil {
		if errors.Is(err, flag.ErrHelp) {
			return 0
		}
		fmt.Fprintln(stderr, usage)
		return 2
	}
	if strings.TrimSpace(cfgPath) == "" || fs.NArg() > 0 {
		fmt.Fprintln(stderr, usage)
		return 2
	}

	envRequired := false
	fs.Visit(func(f *flag.Flag) {
		if f.Name == "env-file" {
			envRequired = true
		}
	})
	if err := deps.loadEnv(envFile, envRequired); err != nil {
		fmt.Fprintf(stderr, "load env: %v\n", err)
		return 1
	}

	raw, err := deps.readFile(cfgPath)
	if err != nil {
		fmt.Fprintf(stderr, "read config: %v\n", err)
		return 1
	}
	var p config.Pipeline
	if err := deps.unmarshal(raw, &p); err != nil {
		fmt.Fprintf(stderr, "parse config: %v\n", err)
		return 1
	}

	issues := config.ValidatePipeline(p)
	for _, iss := range issues {
		fmt.Fprintln(stderr, iss)
	}
	if config.HasErrors(issues) {
		fmt.Fprintf(stderr, "config is invalid: %s\n", cfgPath)
		return 1
	}
	if validate {
		fmt.Fprintf(stdout, "config is valid: %s\n", cfgPath)
		return 0
	}

	runID := deps.newRunID()

	cleanup, err := deps.initMetrics(ctx, metricsConfig{
		Job:            p.Job,
		Backend:        firstNonEmpty(backendName, os.Getenv("METRICS_BACKEND")),
		PushgatewayURL: firstNonEmpty(pushgatewayURL, os.Getenv("PUSHGATEWAY_URL"), "http://localhost:9091"),
		RunID:          runID,
	})
	if err != nil {
		fmt.Fprintf(stderr, "init metrics: %v\n", err)
		return 1
	}
	defer cleanup()

	var logger pipeline.Logger
	if verbose {
		logger = pipeline.NewLogger(stderr)
	}

	start := time.Now()
	report, runErr := deps.newRunner(runID, logger).Run(ctx, p)

	for _, sr := range report.Sources {
		fmt.Fprintf(stdout, "%s table=%s raw=%d cleaned=%d quarantined=%d duplicates=%d filled=%d partitions=%d stored=%d\n",
			sr.SourceType, sr.Table, sr.Stats.Raw, sr.Stats.Cleaned, sr.Stats.Quarantined,
			sr.Stats.Duplicates, sr.Stats.Filled, len(sr.Partitions), sr.Stored)
	}

	if quarantineOut != "" {
		if err := writeQuarantine(deps, quarantineOut, report); err != nil {
			fmt.Fprintf(stderr, "%v\n", err)
			return 1
		}
	}

	if runErr != nil {
		fmt.Fprintf(stderr, "run: %v\n", runErr)
		return 1
	}
	if verbose {
		logger.Printf("completed run=%s in %s", runID, time.Since(start).Truncate(time.Millisecond))
	}
	fmt.Fprintf(stdout, "ok run=%s\n", runID)
	return 0
}

func writeQuarantine(deps appDeps, path string, report pipeline.Report) error {
	f, err := deps.createFile(path)
	if err != nil {
		return fmt.Errorf("quarantine out: %w", err)
	}
	if _, err := pipeline.WriteQuarantine(f, report); err != nil {
		f.Close()
		return err
	}
	if err := f.Close(); err != nil {
		return fmt.Errorf("quarantine out: %w", err)
	}
	return nil
}

// initMetrics installs the selected metrics backend. The returned cleanup is
// never nil and flushes the backend.
func initMetrics(ctx context.Context, mc metricsConfig) (func(), error) {
	noop := func() {}

	job := mc.Job
	if job == "" {
		job = "etl_job"
	}

	var (
		b    metricsBackend
		err  error
		name string
	)
	switch strings.ToLower(strings.TrimSpace(mc.Backend)) {
	case "", "none", "noop":
		return noop, nil

	case "datadog", "dd":
		name = "datadog"
		tags := datadog.ParseTagsCSV(os.Getenv("METRICS_TAGS"))
		if mc.RunID != "" {
			tags = append(tags, "run:"+mc.RunID)
		}
		b, err = newDatadogBackend(ctx, datadog.Options{
			JobName:    job,
			Tags:       tags,
			FlushEvery: 60 * time.Second,
		})

	case "pushgateway", "prometheus":
		name = "pushgateway"
		var grouping []string
		if mc.RunID != "" {
			grouping = []string{"run", mc.RunID}
		}
		b, err = newPushBackend(job, mc.PushgatewayURL, grouping...)

	default:
		return noop, fmt.Errorf("unknown metrics backend %q (want none|datadog|pushgateway)", mc.Backend)
	}
	if err != nil {
		return noop, fmt.Errorf("%s: %w", name, err)
	}

	setMetricsBackend(b)
	return func() {
		if err := b.Close(); err != nil {
			logPrintf("metrics: %s close error: %v", name, err)
		}
		setMetricsBackend(nil)
	}, nil
}

func firstNonEmpty(vals ...string) string {
	for _, v := range vals {
		if strings.TrimSpace(v) != "" {
			return v
		}
	}
	return ""
}
