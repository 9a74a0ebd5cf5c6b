// Package metrics exports Prometheus observability for the tool surface.
package metrics

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Metrics records request-path observations. A no-op implementation
// keeps tests and disabled deployments free of a registry.
type Metrics interface {
	RecordToolCall(tool, outcome string, d time.Duration)
	RecordRateLimited(class string)
	SessionOpened()
	SessionClosed()
	Handler() http.Handler
}

// Nop discards every observation.
type Nop struct{}

func (Nop) RecordToolCall(string, string, time.Duration) {}
func (Nop) RecordRateLimited(string)                     {}
func (Nop) SessionOpened()                               {}
func (Nop) SessionClosed()                               {}
func (Nop) Handler() http.Handler                        { return http.NotFoundHandler() }

// Prometheus is the production implementation, backed by its own
// registry so tests can create instances freely.
type Prometheus struct {
	registry     *prometheus.Registry
	toolCalls    *prometheus.CounterVec
	toolDuration *prometheus.HistogramVec
	rateLimited  *prometheus.CounterVec
	openSessions prometheus.Gauge
}

// NewPrometheus builds a metrics instance under the given namespace.
func NewPrometheus(namespace string) *Prometheus {
	registry := prometheus.NewRegistry()
	registry.MustRegister(collectors.NewGoCollector())
	registry.MustRegister(collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))

	m := &Prometheus{
		registry: registry,
		toolCalls: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "tool_calls_total",
				Help:      "Tool invocations by tool name and outcome",
			},
			[]string{"tool", "outcome"},
		),
		toolDuration: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Namespace: namespace,
				Name:      "tool_duration_seconds",
				Help:      "Tool call latency in seconds",
				Buckets:   prometheus.DefBuckets,
			},
			[]string{"tool"},
		),
		rateLimited: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "rate_limited_total",
				Help:      "Requests denied by the rate limiter, by class",
			},
			[]string{"class"},
		),
		openSessions: prometheus.NewGauge(
			prometheus.GaugeOpts{
				Namespace: namespace,
				Name:      "open_sessions",
				Help:      "Number of live client sessions",
			},
		),
	}
	registry.MustRegister(m.toolCalls, m.toolDuration, m.rateLimited, m.openSessions)
	return m
}

func (m *Prometheus) RecordToolCall(tool, outcome string, d time.Duration) {
	m.toolCalls.WithLabelValues(tool, outcome).Inc()
	m.toolDuration.WithLabelValues(tool).Observe(d.Seconds())
}

func (m *Prometheus) RecordRateLimited(class string) {
	m.rateLimited.WithLabelValues(class).Inc()
}

func (m *Prometheus) SessionOpened() { m.openSessions.Inc() }
func (m *Prometheus) SessionClosed() { m.openSessions.Dec() }

// Handler serves the scrape endpoint for this instance's registry.
func (m *Prometheus) Handler() http.Handler {
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{})
}
