package engine

import (
	"github.com/prometheus/client_golang/prometheus"
)

// engineMetrics holds the Prometheus instrumentation for the engine.
// A nil *engineMetrics disables collection; every call site guards for it.
type engineMetrics struct {
	events        prometheus.Counter
	matches       *prometheus.CounterVec
	executions    *prometheus.CounterVec
	actionDenials *prometheus.CounterVec
	configErrors  prometheus.Counter
	inference     *prometheus.HistogramVec
}

func newEngineMetrics(reg prometheus.Registerer) *engineMetrics {
	if reg == nil {
		return nil
	}

	m := &engineMetrics{
		events: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "synapse",
			Subsystem: "engine",
			Name:      "events_total",
			Help:      "Telemetry events accepted for matching",
		}),
		matches: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "synapse",
			Subsystem: "engine",
			Name:      "matches_total",
			Help:      "Trigger matches by pipeline",
		}, []string{"pipeline"}),
		executions: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "synapse",
			Subsystem: "engine",
			Name:      "executions_total",
			Help:      "Pipeline executions by pipeline and terminal status",
		}, []string{"pipeline", "status"}),
		actionDenials: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "synapse",
			Subsystem: "engine",
			Name:      "action_denials_total",
			Help:      "Gated actions denied by the permission model",
		}, []string{"pipeline", "kind"}),
		configErrors: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "synapse",
			Subsystem: "engine",
			Name:      "config_errors_total",
			Help:      "Pipelines excluded at load time due to invalid configuration",
		}),
		inference: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: "synapse",
			Subsystem: "engine",
			Name:      "inference_duration_seconds",
			Help:      "Inference call latency by service",
			Buckets:   prometheus.ExponentialBuckets(0.05, 2, 12),
		}, []string{"service"}),
	}

	reg.MustRegister(m.events, m.matches, m.executions, m.actionDenials, m.configErrors, m.inference)
	return m
}
