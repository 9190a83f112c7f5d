// Package metrics exposes Prometheus collectors for the analysis engine.
package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var vmStates = []string{"stopped", "starting", "ready", "busy", "reverting_snapshot", "faulted"}

type Metrics struct {
	registry *prometheus.Registry

	JobsSubmitted  prometheus.Counter
	JobsFinished   *prometheus.CounterVec
	JobDuration    prometheus.Histogram
	QueueDepth     prometheus.Gauge
	RevertFailures prometheus.Counter
	vmState        *prometheus.GaugeVec
}

func New() *Metrics {
	reg := prometheus.NewRegistry()
	factory := promauto.With(reg)

	m := &Metrics{
		registry: reg,
		JobsSubmitted: factory.NewCounter(prometheus.CounterOpts{
			Name: "detonate_jobs_submitted_total",
			Help: "Analysis jobs accepted for queueing.",
		}),
		JobsFinished: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "detonate_jobs_finished_total",
			Help: "Analysis jobs reaching a terminal status.",
		}, []string{"status"}),
		JobDuration: factory.NewHistogram(prometheus.HistogramOpts{
			Name:    "detonate_job_duration_seconds",
			Help:    "Wall-clock duration of completed analysis jobs.",
			Buckets: prometheus.ExponentialBuckets(1, 2, 10),
		}),
		QueueDepth: factory.NewGauge(prometheus.GaugeOpts{
			Name: "detonate_queue_depth",
			Help: "Jobs waiting for the sandbox VM.",
		}),
		RevertFailures: factory.NewCounter(prometheus.CounterOpts{
			Name: "detonate_snapshot_revert_failures_total",
			Help: "Snapshot reverts that failed and faulted the VM.",
		}),
		vmState: factory.NewGaugeVec(prometheus.GaugeOpts{
			Name: "detonate_vm_state",
			Help: "Current VM lifecycle state (1 for the active state).",
		}, []string{"state"}),
	}
	for _, s := range vmStates {
		m.vmState.WithLabelValues(s).Set(0)
	}
	return m
}

// SetVMState marks state as the single active lifecycle state.
func (m *Metrics) SetVMState(state string) {
	for _, s := range vmStates {
		v := 0.0
		if s == state {
			v = 1
		}
		m.vmState.WithLabelValues(s).Set(v)
	}
}

// Handler serves the registry in Prometheus exposition format.
func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{})
}
