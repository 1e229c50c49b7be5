// Package prompush implements a Prometheus Pushgateway backend for the
// metrics package.
//
// Pipeline runs are batch jobs, so collected metrics are pushed to a
// Pushgateway on Flush instead of being exposed on a scrape endpoint. The
// "job" label becomes the Pushgateway grouping key; the remaining labels map
// onto collector label dimensions.
package prompush

import (
	"fmt"

	"dataflow/internal/metrics"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/push"
)

// Backend is a Prometheus Pushgateway metrics backend.
type Backend struct {
	gatewayURL string // e.g. http://pushgateway:9091
	jobName    string // Pushgateway "job" group
	reg        *prometheus.Registry

	stepCounter  *prometheus.CounterVec // dataflow_step_total
	stepDuration *prometheus.SummaryVec // dataflow_step_duration_seconds

	rowCounter   *prometheus.CounterVec // dataflow_rows_total
	batchCounter prometheus.Counter     // dataflow_batches_total

	subRuns     *prometheus.CounterVec // dataflow_subpipeline_runs_total
	subDuration *prometheus.SummaryVec // dataflow_subpipeline_duration_seconds
}

var objectives = map[float64]float64{0.5: 0.05, 0.9: 0.01, 0.99: 0.001}

// NewBackend constructs a Prometheus Pushgateway backend.
// jobName: the Pushgateway "job" name (usually the pipeline job).
// gatewayURL: base URL of the Pushgateway server.
func NewBackend(jobName, gatewayURL string) (*Backend, error) {
	if gatewayURL == "" {
		return nil, fmt.Errorf("prompush: gateway URL is required")
	}
	if jobName == "" {
		jobName = "dataflow"
	}

	b := &Backend{
		gatewayURL: gatewayURL,
		jobName:    jobName,
		reg:        prometheus.NewRegistry(),
		stepCounter: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: metrics.StepTotal,
				Help: "Finished step copies, partitioned by step copy and status.",
			},
			[]string{"step", "status"},
		),
		stepDuration: prometheus.NewSummaryVec(
			prometheus.SummaryOpts{
				Name:       metrics.StepDuration,
				Help:       "Wall time of step copies in seconds.",
				Objectives: objectives,
			},
			[]string{"step", "status"},
		),
		rowCounter: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: metrics.RowsTotal,
				Help: "Row counts per kind (read, written, rejected).",
			},
			[]string{"kind"},
		),
		batchCounter: prometheus.NewCounter(
			prometheus.CounterOpts{
				Name: metrics.BatchesTotal,
				Help: "Bulk-load batches flushed to storage.",
			},
		),
		subRuns: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: metrics.SubPipelineRuns,
				Help: "Nested pipeline runs, partitioned by pipeline and status.",
			},
			[]string{"pipeline", "status"},
		),
		subDuration: prometheus.NewSummaryVec(
			prometheus.SummaryOpts{
				Name:       metrics.SubPipelineLatency,
				Help:       "Wall time of nested pipeline runs in seconds.",
				Objectives: objectives,
			},
			[]string{"pipeline", "status"},
		),
	}

	for name, c := range map[string]prometheus.Collector{
		"step counter":         b.stepCounter,
		"step summary":         b.stepDuration,
		"row counter":          b.rowCounter,
		"batch counter":        b.batchCounter,
		"sub-pipeline counter": b.subRuns,
		"sub-pipeline summary": b.subDuration,
	} {
		if err := b.reg.Register(c); err != nil {
			return nil, fmt.Errorf("prompush: register %s: %w", name, err)
		}
	}
	return b, nil
}

func (b *Backend) IncCounter(name string, delta float64, labels metrics.Labels) {
	switch name {
	case metrics.StepTotal:
		if b.stepCounter == nil {
			return
		}
		b.stepCounter.WithLabelValues(labels["step"], labels["status"]).Add(delta)

	case metrics.RowsTotal:
		if b.rowCounter == nil {
			return
		}
		b.rowCounter.WithLabelValues(labels["kind"]).Add(delta)

	case metrics.BatchesTotal:
		if b.batchCounter == nil {
			return
		}
		b.batchCounter.Add(delta)

	case metrics.SubPipelineRuns:
		if b.subRuns == nil {
			return
		}
		b.subRuns.WithLabelValues(labels["pipeline"], labels["status"]).Add(delta)

	default:
		// unknown metric name: ignore
	}
}

func (b *Backend) ObserveHistogram(name string, value float64, labels metrics.Labels) {
	switch name {
	case metrics.StepDuration:
		if b.stepDuration == nil {
			return
		}
		b.stepDuration.WithLabelValues(labels["step"], labels["status"]).Observe(value)
	case metrics.SubPipelineLatency:
		if b.subDuration == nil {
			return
		}
		b.subDuration.WithLabelValues(labels["pipeline"], labels["status"]).Observe(value)
	}
}

// Flush pushes the current registry to the Pushgateway.
func (b *Backend) Flush() error {
	return push.New(b.gatewayURL, b.jobName).
		Gatherer(b.reg).
		Push()
}
