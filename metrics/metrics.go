// Package metrics defines the Prometheus instruments the runtime reports.
// Callers supply the Registerer so tests and embedders control exposure.
package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Metrics holds every instrument the dispatcher and managers update.
type Metrics struct {
	RequestsTotal    *prometheus.CounterVec
	ErrorsTotal      *prometheus.CounterVec
	RateLimitedTotal prometheus.Counter
	SessionsActive   prometheus.Gauge
	TasksRunning     prometheus.Gauge
	PoolSize         prometheus.Gauge
	RequestDuration  *prometheus.HistogramVec
}

// New registers the instruments with reg. A nil reg falls back to the
// default registerer.
func New(reg prometheus.Registerer) *Metrics {
	if reg == nil {
		reg = prometheus.DefaultRegisterer
	}
	factory := promauto.With(reg)

	return &Metrics{
		RequestsTotal: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: "relay",
			Name:      "requests_total",
			Help:      "Inbound requests by method.",
		}, []string{"method"}),
		ErrorsTotal: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: "relay",
			Name:      "errors_total",
			Help:      "Error responses by protocol error code.",
		}, []string{"code"}),
		RateLimitedTotal: factory.NewCounter(prometheus.CounterOpts{
			Namespace: "relay",
			Name:      "rate_limited_total",
			Help:      "Requests rejected by the rate limiter.",
		}),
		SessionsActive: factory.NewGauge(prometheus.GaugeOpts{
			Namespace: "relay",
			Name:      "sessions_active",
			Help:      "Sessions currently tracked by the session manager.",
		}),
		TasksRunning: factory.NewGauge(prometheus.GaugeOpts{
			Namespace: "relay",
			Name:      "tasks_running",
			Help:      "Tasks currently in the running state.",
		}),
		PoolSize: factory.NewGauge(prometheus.GaugeOpts{
			Namespace: "relay",
			Name:      "pool_size",
			Help:      "Connections currently held by the pool.",
		}),
		RequestDuration: factory.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: "relay",
			Name:      "request_duration_seconds",
			Help:      "Request handling latency by method.",
			Buckets:   prometheus.DefBuckets,
		}, []string{"method"}),
	}
}

// Handler exposes a registry for Prometheus scraping.
func Handler(reg *prometheus.Registry) http.Handler {
	return promhttp.HandlerFor(reg, promhttp.HandlerOpts{})
}
