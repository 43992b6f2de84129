// Package prompush implements metrics.Backend on a private Prometheus
// registry pushed to a Pushgateway on Flush. Batch runs end before a scraper
// would see them, so they push instead of exposing /metrics.
package prompush

import (
	"fmt"
	"strings"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/push"

	"dspetl/internal/metrics"
)

// Backend implements metrics.Backend.
type Backend struct {
	reg    *prometheus.Registry
	pusher *push.Pusher

	steps    *prometheus.CounterVec
	duration *prometheus.HistogramVec
	records  *prometheus.CounterVec
}

// NewBackend registers the pipeline metrics and targets the Pushgateway at
// url under job. Extra grouping labels (e.g. "run" => run id) partition the
// pushed groups.
func NewBackend(job, url string, grouping ...string) (*Backend, error) {
	if strings.TrimSpace(url) == "" {
		return nil, fmt.Errorf("prompush: pushgateway url is empty")
	}
	if job == "" {
		job = "etl"
	}
	if len(grouping)%2 != 0 {
		return nil, fmt.Errorf("prompush: grouping must be name/value pairs")
	}

	reg := prometheus.NewRegistry()
	f := promauto.With(reg)
	b := &Backend{
		reg: reg,
		steps: f.NewCounterVec(prometheus.CounterOpts{
			Name: metrics.StepTotal,
			Help: "Pipeline step executions by status.",
		}, []string{metrics.LabelStep, metrics.LabelStatus}),
		duration: f.NewHistogramVec(prometheus.HistogramOpts{
			Name:    metrics.StepDuration,
			Help:    "Pipeline step duration in seconds.",
			Buckets: prometheus.ExponentialBuckets(0.01, 2, 14), // 10ms to ~163s
		}, []string{metrics.LabelStep, metrics.LabelStatus}),
		records: f.NewCounterVec(prometheus.CounterOpts{
			Name: metrics.RecordsTotal,
			Help: "Records by source type and outcome kind.",
		}, []string{metrics.LabelSource, metrics.LabelKind}),
	}

	b.pusher = push.New(url, job).Gatherer(reg)
	for i := 0; i < len(grouping); i += 2 {
		b.pusher = b.pusher.Grouping(grouping[i], grouping[i+1])
	}
	return b, nil
}

// IncCounter implements metrics.Backend. Unknown names are ignored.
func (b *Backend) IncCounter(name string, delta float64, labels metrics.Labels) {
	if delta <= 0 {
		return
	}
	switch name {
	case metrics.StepTotal:
		b.steps.WithLabelValues(labels[metrics.LabelStep], labels[metrics.LabelStatus]).Add(delta)
	case metrics.RecordsTotal:
		b.records.WithLabelValues(labels[metrics.LabelSource], labels[metrics.LabelKind]).Add(delta)
	}
}

// ObserveHistogram implements metrics.Backend.
func (b *Backend) ObserveHistogram(name string, value float64, labels metrics.Labels) {
	if name != metrics.StepDuration || value < 0 {
		return
	}
	b.duration.WithLabelValues(labels[metrics.LabelStep], labels[metrics.LabelStatus]).Observe(value)
}

// Flush replaces the pushed group with the current registry contents.
func (b *Backend) Flush() error {
	if err := b.pusher.Push(); err != nil {
		return fmt.Errorf("prompush: %w", err)
	}
	return nil
}

// Gatherer exposes the registry.
func (b *Backend) Gatherer() prometheus.Gatherer { return b.reg }

var _ metrics.Backend = (*Backend)(nil)
