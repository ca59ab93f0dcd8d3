// Package metrics records import counters through a pluggable backend. The
// default backend discards everything, so callers never need to check
// whether metrics are configured.
package metrics

import "time"

// Metric names understood by backends.
const (
	AttemptsTotal   = "csvimport_attempts_total"
	RowsTotal       = "csvimport_rows_total"
	BatchesTotal    = "csvimport_batches_total"
	ImportDurations = "csvimport_import_duration_seconds"
)

// Labels are string key/value pairs attached to a metric.
type Labels map[string]string

// Backend is the minimal interface for metrics backends.
type Backend interface {
	IncCounter(name string, delta float64, labels Labels)
	ObserveHistogram(name string, value float64, labels Labels)
	// Flush pushes buffered metrics, if the backend needs it (e.g. Pushgateway).
	Flush() error
}

type nopBackend struct{}

func (nopBackend) IncCounter(string, float64, Labels)       {}
func (nopBackend) ObserveHistogram(string, float64, Labels) {}
func (nopBackend) Flush() error                             { return nil }

var backend Backend = nopBackend{}

// SetBackend installs b. Passing nil keeps the existing backend.
func SetBackend(b Backend) {
	if b == nil {
		return
	}
	backend = b
}

// Flush delegates to the current backend.
func Flush() error { return backend.Flush() }

// RecordAttempt counts one unit-of-work attempt. outcome is "success",
// "transient" or "fatal".
func RecordAttempt(table, outcome string) {
	backend.IncCounter(AttemptsTotal, 1, Labels{"table": table, "outcome": outcome})
}

// RecordRows counts rows committed to table.
func RecordRows(table string, n int64) {
	if n <= 0 {
		return
	}
	backend.IncCounter(RowsTotal, float64(n), Labels{"table": table})
}

// RecordBatches counts bulk-copy batches committed to table.
func RecordBatches(table string, n int64) {
	if n <= 0 {
		return
	}
	backend.IncCounter(BatchesTotal, float64(n), Labels{"table": table})
}

// RecordImport observes the wall time of a whole import.
func RecordImport(table string, err error, d time.Duration) {
	status := "success"
	if err != nil {
		status = "failure"
	}
	backend.ObserveHistogram(ImportDurations, d.Seconds(), Labels{"table": table, "status": status})
}
