// Package metrics exposes Prometheus counters for tool activity.
package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/fx"
)

var Module = fx.Module("metrics",
	fx.Provide(NewMetrics),
)

// Metrics holds the counters incremented on the tool call path.
type Metrics struct {
	registry *prometheus.Registry

	ToolCalls  *prometheus.CounterVec
	ToolErrors *prometheus.CounterVec
}

// NewMetrics creates a standalone registry so tests can instantiate the
// metrics more than once per process.
func NewMetrics() *Metrics {
	reg := prometheus.NewRegistry()
	factory := promauto.With(reg)

	return &Metrics{
		registry: reg,
		ToolCalls: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "tooldock_tool_calls_total",
			Help: "Total tool invocations, by namespace.",
		}, []string{"namespace"}),
		ToolErrors: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "tooldock_tool_errors_total",
			Help: "Total failed tool invocations, by namespace and code.",
		}, []string{"namespace", "code"}),
	}
}

// RecordCall increments the call counter for a namespace.
func (m *Metrics) RecordCall(namespace string) {
	m.ToolCalls.WithLabelValues(namespace).Inc()
}

// RecordError increments the error counter for a namespace and error code.
func (m *Metrics) RecordError(namespace, code string) {
	m.ToolErrors.WithLabelValues(namespace, code).Inc()
}

// HTTPHandler serves the registry in Prometheus exposition format.
func (m *Metrics) HTTPHandler() http.Handler {
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{})
}
