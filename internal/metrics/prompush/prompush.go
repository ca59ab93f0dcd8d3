// Package prompush pushes import metrics to a Prometheus Pushgateway. A CLI
// run is too short-lived to be scraped, so the registry is pushed once when
// the import ends.
package prompush

import (
	"github.com/cockroachdb/errors"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/push"

	"github.com/amruta255/CSVImport/internal/metrics"
)

// DefaultJob is the Pushgateway job name when none is given.
const DefaultJob = "csvimport"

// Backend is a metrics.Backend backed by a private Prometheus registry.
type Backend struct {
	gatewayURL string
	jobName    string
	reg        *prometheus.Registry

	attempts *prometheus.CounterVec // table, outcome
	rows     *prometheus.CounterVec // table
	batches  *prometheus.CounterVec // table
	duration *prometheus.HistogramVec
}

// NewBackend builds a backend that pushes to gatewayURL under jobName.
func NewBackend(jobName, gatewayURL string) (*Backend, error) {
	if gatewayURL == "" {
		return nil, errors.New("prompush: gateway URL is required")
	}
	if jobName == "" {
		jobName = DefaultJob
	}

	b := &Backend{
		gatewayURL: gatewayURL,
		jobName:    jobName,
		reg:        prometheus.NewRegistry(),
		attempts: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: metrics.AttemptsTotal,
			Help: "Import attempts partitioned by table and outcome.",
		}, []string{"table", "outcome"}),
		rows: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: metrics.RowsTotal,
			Help: "Rows committed per destination table.",
		}, []string{"table"}),
		batches: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: metrics.BatchesTotal,
			Help: "Bulk-copy batches committed per destination table.",
		}, []string{"table"}),
		duration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Name:    metrics.ImportDurations,
			Help:    "Wall time of whole imports in seconds.",
			Buckets: prometheus.ExponentialBuckets(0.5, 2, 12),
		}, []string{"table", "status"}),
	}
	for _, c := range []prometheus.Collector{b.attempts, b.rows, b.batches, b.duration} {
		if err := b.reg.Register(c); err != nil {
			return nil, errors.Wrap(err, "prompush: register collector")
		}
	}
	return b, nil
}

// IncCounter implements metrics.Backend. Unknown names are ignored.
func (b *Backend) IncCounter(name string, delta float64, labels metrics.Labels) {
	switch name {
	case metrics.AttemptsTotal:
		b.attempts.WithLabelValues(labels["table"], labels["outcome"]).Add(delta)
	case metrics.RowsTotal:
		b.rows.WithLabelValues(labels["table"]).Add(delta)
	case metrics.BatchesTotal:
		b.batches.WithLabelValues(labels["table"]).Add(delta)
	}
}

// ObserveHistogram implements metrics.Backend.
func (b *Backend) ObserveHistogram(name string, value float64, labels metrics.Labels) {
	if name != metrics.ImportDurations {
		return
	}
	b.duration.WithLabelValues(labels["table"], labels["status"]).Observe(value)
}

// Flush pushes the registry to the Pushgateway, replacing the job's group.
func (b *Backend) Flush() error {
	if err := push.New(b.gatewayURL, b.jobName).Gatherer(b.reg).Push(); err != nil {
		return errors.Wrap(err, "prompush: push")
	}
	return nil
}
