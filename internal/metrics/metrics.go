// Package metrics provides a small, backend-agnostic abstraction for recording
// operational metrics from pipeline runs.
//
//   - It exposes a narrow interface (Backend) focused on counters and timing
//     data (histograms).
//   - It provides a global, pluggable backend that defaults to a no-op
//     implementation, so metrics are always safe to call even when no real
//     backend is configured.
//   - Concrete metric systems live in subpackages (prompush, datadog); the
//     engines and steps depend only on this package.
package metrics

import "time"

// Metric names emitted by the engines and steps.
const (
	StepTotal          = "dataflow_step_total"
	StepDuration       = "dataflow_step_duration_seconds"
	RowsTotal          = "dataflow_rows_total"
	BatchesTotal       = "dataflow_batches_total"
	SubPipelineRuns    = "dataflow_subpipeline_runs_total"
	SubPipelineLatency = "dataflow_subpipeline_duration_seconds"
)

// Labels are string key/value pairs attached to a metric.
type Labels map[string]string

// Backend is the minimal interface for metrics backends.
// It is intentionally generic so we can plug in Prometheus, Datadog, etc.
type Backend interface {
	// IncCounter increments a counter by delta.
	IncCounter(name string, delta float64, labels Labels)
	// ObserveHistogram records a value in a latency/duration style metric.
	ObserveHistogram(name string, value float64, labels Labels)
	// Flush pushes or flushes metrics, if the backend needs it (e.g. Pushgateway).
	Flush() error
}

// nopBackend is used by default so metrics are optional.
type nopBackend struct{}

func (nopBackend) IncCounter(name string, delta float64, labels Labels)       {}
func (nopBackend) ObserveHistogram(name string, value float64, labels Labels) {}
func (nopBackend) Flush() error                                               { return nil }

var backend Backend = nopBackend{}

// SetBackend installs a concrete backend. Passing nil keeps the existing backend.
func SetBackend(b Backend) {
	if b == nil {
		return
	}
	backend = b
}

// Flush delegates to the current backend.
func Flush() error {
	return backend.Flush()
}

func status(err error) string {
	if err != nil {
		return "failure"
	}
	return "success"
}

// RecordStep records the outcome and wall time of one finished step copy.
func RecordStep(job, step string, err error, d time.Duration) {
	lbls := Labels{
		"job":    job,
		"step":   step,
		"status": status(err),
	}

	backend.IncCounter(StepTotal, 1, lbls)
	backend.ObserveHistogram(StepDuration, d.Seconds(), lbls)
}

// RecordRows increments a row-level counter for the given job and kind.
//
// Kinds used by the engines:
//   - "read"
//   - "written"
//   - "rejected"
func RecordRows(job, kind string, delta int64) {
	if delta <= 0 {
		return
	}
	backend.IncCounter(RowsTotal, float64(delta), Labels{
		"job":  job,
		"kind": kind,
	})
}

// RecordBatches increments the bulk-load batch counter for the given job.
func RecordBatches(job string, delta int64) {
	if delta <= 0 {
		return
	}
	backend.IncCounter(BatchesTotal, float64(delta), Labels{
		"job": job,
	})
}

// RecordSubPipeline records one nested run executed on behalf of job.
func RecordSubPipeline(job, pipeline string, err error, d time.Duration) {
	lbls := Labels{
		"job":      job,
		"pipeline": pipeline,
		"status":   status(err),
	}
	backend.IncCounter(SubPipelineRuns, 1, lbls)
	backend.ObserveHistogram(SubPipelineLatency, d.Seconds(), lbls)
}
