// Package metrics is a backend-agnostic metrics facade. The pipeline records
// through the package-level functions; the CLI installs a backend with
// SetBackend. Without one, every call is a no-op.
package metrics

import (
	"sync"
	"time"
)

// Metric names shared by every backend.
const (
	StepTotal    = "etl_step_total"
	StepDuration = "etl_step_duration_seconds"
	RecordsTotal = "etl_records_total"
)

// Label names and values.
const (
	LabelJob    = "job"
	LabelStep   = "step"
	LabelStatus = "status"
	LabelSource = "source"
	LabelKind   = "kind"

	StatusOK    = "ok"
	StatusError = "error"

	defaultJob = "etl"
)

// Record kinds for RecordsTotal.
const (
	KindRaw         = "raw"
	KindQuarantined = "quarantined"
	KindFilled      = "filled"
	KindDuplicates  = "duplicates"
	KindCleaned     = "cleaned"
	KindStored      = "stored"
)

// Labels are metric dimensions.
type Labels map[string]string

// Backend receives metric events. Implementations must be safe for
// concurrent use.
type Backend interface {
	IncCounter(name string, delta float64, labels Labels)
	ObserveHistogram(name string, value float64, labels Labels)
	Flush() error
}

type nopBackend struct{}

func (nopBackend) IncCounter(string, float64, Labels)       {}
func (nopBackend) ObserveHistogram(string, float64, Labels) {}
func (nopBackend) Flush() error                             { return nil }

var (
	mu      sync.RWMutex
	backend Backend = nopBackend{}
)

// SetBackend installs b. nil restores the no-op backend.
func SetBackend(b Backend) {
	if b == nil {
		b = nopBackend{}
	}
	mu.Lock()
	backend = b
	mu.Unlock()
}

func current() Backend {
	mu.RLock()
	defer mu.RUnlock()
	return backend
}

// IncCounter forwards to the installed backend.
func IncCounter(name string, delta float64, labels Labels) {
	current().IncCounter(name, delta, labels)
}

// ObserveHistogram forwards to the installed backend.
func ObserveHistogram(name string, value float64, labels Labels) {
	current().ObserveHistogram(name, value, labels)
}

// Flush pushes buffered metrics, if the backend buffers.
func Flush() error {
	return current().Flush()
}

// RecordStep counts one execution of step and observes its duration.
func RecordStep(job, step string, err error, d time.Duration) {
	status := StatusOK
	if err != nil {
		status = StatusError
	}
	l := Labels{LabelJob: jobLabel(job), LabelStep: step, LabelStatus: status}
	b := current()
	b.IncCounter(StepTotal, 1, l)
	b.ObserveHistogram(StepDuration, d.Seconds(), l)
}

// RecordRecords adds n records of kind for source. n <= 0 is ignored.
func RecordRecords(job, source, kind string, n int) {
	if n <= 0 {
		return
	}
	current().IncCounter(RecordsTotal, float64(n), Labels{
		LabelJob:    jobLabel(job),
		LabelSource: source,
		LabelKind:   kind,
	})
}

func jobLabel(job string) string {
	if job == "" {
		return defaultJob
	}
	return job
}
