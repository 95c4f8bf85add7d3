package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

type Registry struct {
	reg *prometheus.Registry

	RequestsTotal         *prometheus.CounterVec
	RequestErrorsByStatus *prometheus.CounterVec
	RequestLatency        *prometheus.HistogramVec
	CostUSD               *prometheus.CounterVec
	TokensTotal           *prometheus.CounterVec
	RateLimitedTotal      prometheus.Counter
	TemporalUp            prometheus.Gauge

	// Circuit breaker metrics.
	TemporalCircuitState prometheus.Gauge   // 0=closed, 1=open, 2=half-open
	TemporalFallbackTotal prometheus.Counter // count of requests that fell back to direct dispatch

	// ProviderHealthState tracks the health.Tracker state per provider
	// (0=down, 1=degraded, 2=healthy).
	ProviderHealthState *prometheus.GaugeVec
	// HeartbeatTotal is incremented on every liveness tick; an external
	// monitor alerting on a stalled counter catches a hung process.
	HeartbeatTotal prometheus.Counter
}

func New() *Registry {
	reg := prometheus.NewRegistry()
	m := &Registry{
		reg: reg,
		RequestsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "vgate_requests_total",
			Help: "Total requests routed through vectorgate",
		}, []string{"mode", "model", "provider", "status"}),
		RequestLatency: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Name: "vgate_request_latency_ms",
			Help: "Request latency in milliseconds",
			Buckets: prometheus.ExponentialBuckets(10, 2, 10),
		}, []string{"mode", "model", "provider"}),
		CostUSD: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "vgate_cost_usd_total",
			Help: "Estimated USD cost",
		}, []string{"model", "provider"}),
		RequestErrorsByStatus: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "vgate_request_errors_by_status_total",
			Help: "Failed requests broken out by HTTP status code returned to the client",
		}, []string{"mode", "model", "provider", "status"}),
		TokensTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "vgate_tokens_total",
			Help: "Total tokens consumed",
		}, []string{"model", "provider", "direction"}),
		RateLimitedTotal: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "vgate_rate_limited_total",
			Help: "Total requests rejected by rate limiter",
		}),
		TemporalUp: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "vgate_temporal_up",
			Help: "Whether Temporal workflow engine is connected (1=up, 0=down/disabled)",
		}),
		TemporalCircuitState: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "vgate_temporal_circuit_state",
			Help: "Temporal circuit breaker state (0=closed, 1=open, 2=half-open)",
		}),
		TemporalFallbackTotal: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "vgate_temporal_fallback_total",
			Help: "Total requests that fell back to direct engine due to circuit breaker",
		}),
		ProviderHealthState: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Name: "vgate_provider_health_state",
			Help: "Provider health state (0=down, 1=degraded, 2=healthy)",
		}, []string{"provider"}),
		HeartbeatTotal: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "vgate_heartbeat_total",
			Help: "Incremented on every liveness tick",
		}),
	}
	reg.MustRegister(
		m.RequestsTotal, m.RequestErrorsByStatus, m.RequestLatency, m.CostUSD, m.TokensTotal,
		m.RateLimitedTotal, m.TemporalUp, m.TemporalCircuitState, m.TemporalFallbackTotal,
		m.ProviderHealthState, m.HeartbeatTotal,
	)
	return m
}

func (m *Registry) Handler() http.Handler {
	return promhttp.HandlerFor(m.reg, promhttp.HandlerOpts{})
}
