package telemetry

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
)

// HTTPRequestDuration tracks HTTP request latency. Shared across every
// handler mounted on the Submission API.
var HTTPRequestDuration = prometheus.NewHistogramVec(
	prometheus.HistogramOpts{
		Namespace: "claimproc",
		Subsystem: "api",
		Name:      "request_duration_seconds",
		Help:      "HTTP request duration in seconds.",
		Buckets:   prometheus.DefBuckets,
	},
	[]string{"method", "path", "status"},
)

// NewMetricsRegistry creates a Prometheus registry with Go/process
// collectors, the shared HTTP request duration histogram, and any
// additional domain collectors passed as arguments.
func NewMetricsRegistry(extra ...prometheus.Collector) *prometheus.Registry {
	reg := prometheus.NewRegistry()
	reg.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
		HTTPRequestDuration,
	)
	for _, c := range extra {
		reg.MustRegister(c)
	}
	return reg
}

// Normalizer metrics (§4.4 "Metrics emitted").
var (
	NormalizeRequestsTotal = prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: "claimproc", Subsystem: "normalizer", Name: "requests_total",
		Help: "Total number of Normalize calls.",
	})
	NormalizeCacheHits = prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: "claimproc", Subsystem: "normalizer", Name: "cache_hits_total",
		Help: "Total number of cache hits (local or shared tier) in Normalize.",
	})
	NormalizeCacheMisses = prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: "claimproc", Subsystem: "normalizer", Name: "cache_misses_total",
		Help: "Total number of cache misses (both local and shared tier) in Normalize.",
	})
	NormalizeAICallsTotal = prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: "claimproc", Subsystem: "normalizer", Name: "ai_calls_total",
		Help: "Total number of AI suggestion fallback calls.",
	})
	NormalizeAIFailuresTotal = prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: "claimproc", Subsystem: "normalizer", Name: "ai_failures_total",
		Help: "Total number of failed AI suggestion calls.",
	})
	NormalizeAILatency = prometheus.NewHistogram(prometheus.HistogramOpts{
		Namespace: "claimproc", Subsystem: "normalizer", Name: "ai_latency_ms",
		Help:    "AI suggestion call latency in milliseconds.",
		Buckets: []float64{10, 25, 50, 100, 250, 500, 1000, 2500, 5000},
	})
)

// NPHIES gateway client metrics (§4.7).
var (
	GatewaySubmitAttemptsTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: "claimproc", Subsystem: "gateway", Name: "submit_attempts_total",
		Help: "Total NPHIES submit attempts by kind and outcome.",
	}, []string{"kind", "outcome"})
	GatewayBreakerOpenTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: "claimproc", Subsystem: "gateway", Name: "breaker_open_total",
		Help: "Total number of times the gateway circuit breaker opened, by facility+endpoint.",
	}, []string{"endpoint"})
)

// Orchestrator metrics (§4.8).
var (
	OrchestratorStageDuration = prometheus.NewHistogramVec(prometheus.HistogramOpts{
		Namespace: "claimproc", Subsystem: "orchestrator", Name: "stage_duration_seconds",
		Help:    "Pipeline stage duration in seconds.",
		Buckets: prometheus.DefBuckets,
	}, []string{"stage", "status"})
	OrchestratorInflight = prometheus.NewGauge(prometheus.GaugeOpts{
		Namespace: "claimproc", Subsystem: "orchestrator", Name: "inflight_claims",
		Help: "Current number of in-flight claim pipeline runs.",
	})
	OrchestratorRejectedTotal = prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: "claimproc", Subsystem: "orchestrator", Name: "rejected_total",
		Help: "Total number of Process calls rejected due to the concurrency budget (RATE_LIMITED).",
	})
	ReconcilerSweptTotal = prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: "claimproc", Subsystem: "reconciler", Name: "swept_total",
		Help: "Total number of stuck claims examined by the reconciler sweep.",
	})
)

// All returns the domain-specific collectors for registration.
func All() []prometheus.Collector {
	return []prometheus.Collector{
		NormalizeRequestsTotal,
		NormalizeCacheHits,
		NormalizeCacheMisses,
		NormalizeAICallsTotal,
		NormalizeAIFailuresTotal,
		NormalizeAILatency,
		GatewaySubmitAttemptsTotal,
		GatewayBreakerOpenTotal,
		OrchestratorStageDuration,
		OrchestratorInflight,
		OrchestratorRejectedTotal,
		ReconcilerSweptTotal,
	}
}
