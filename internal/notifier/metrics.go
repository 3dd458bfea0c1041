package notifier

import (
	"github.com/prometheus/client_golang/prometheus"
)

// Metrics is the process-wide Prometheus registry surface for invocation
// and sandbox counters. It is consumed-only here: no scrape HTTP handler
// is wired by this package (the `/metrics` endpoint of spec.md §6 lives in
// internal/httpapi, which serves the gatherer these collectors were
// registered on and registers none of its own).
type Metrics struct {
	invocationsTotal   *prometheus.CounterVec
	invocationErrors   *prometheus.CounterVec
	codeExecutionTotal prometheus.Counter
	inferenceCallTotal prometheus.Counter
}

// NewMetrics registers the collectors on reg and returns the handle used by
// Bus.observe. Pass prometheus.NewRegistry() in production and a fresh one
// per test in tests to avoid global-registry collisions.
func NewMetrics(reg prometheus.Registerer) *Metrics {
	m := &Metrics{
		invocationsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "agentica_invocations_total",
			Help: "Invocation lifecycle events by type.",
		}, []string{"event"}),
		invocationErrors: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "agentica_invocation_errors_total",
			Help: "Invocation exceptions, labeled by error name when known.",
		}, []string{"name"}),
		codeExecutionTotal: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "agentica_code_executions_total",
			Help: "Sandbox code executions requested by the interaction policy.",
		}),
		inferenceCallTotal: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "agentica_inference_calls_total",
			Help: "Inference endpoint calls issued (unary + streaming).",
		}),
	}
	reg.MustRegister(m.invocationsTotal, m.invocationErrors, m.codeExecutionTotal, m.inferenceCallTotal)
	return m
}

func (m *Metrics) observe(e Event) {
	switch e.Type {
	case EventOnEnter, EventOnExit:
		m.invocationsTotal.WithLabelValues(string(e.Type)).Inc()
	case EventOnException:
		m.invocationsTotal.WithLabelValues(string(e.Type)).Inc()
		name, _ := e.Attrs["error_name"].(string)
		if name == "" {
			name = "unknown"
		}
		m.invocationErrors.WithLabelValues(name).Inc()
	case EventCodeBlock:
		m.codeExecutionTotal.Inc()
	case EventInferenceCall:
		m.inferenceCallTotal.Inc()
	}
}
