// package metrics registers the Prometheus collectors for the scraping and
// enrichment pipeline and serves them over HTTP.
package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	dto "github.com/prometheus/client_model/go"
)

// Registry groups every collector the pipeline emits. One Registry exists per
// worker process; pass the handle explicitly, never reach for a global.
type Registry struct {
	reg *prometheus.Registry

	ItemsProcessed     *prometheus.CounterVec   // items by type and outcome
	BatchFlushDuration *prometheus.HistogramVec // persistence flush latency by item type
	HostRequests       *prometheus.CounterVec   // fetcher requests by host and outcome
	HostRequestLatency *prometheus.HistogramVec
	ProxyPoolSize      prometheus.Gauge
	ProxyPoolDirty     prometheus.Gauge
	BreakerTransitions *prometheus.CounterVec // circuit breaker state changes by API
	EnrichmentByTier   *prometheus.CounterVec // resolver successes by tier
	CooldownDepth      prometheus.Gauge
	SilentFailures     prometheus.Counter // set-lists with zero tracks and no scrape error
	ChallengesDetected *prometheus.CounterVec
	CacheOps           *prometheus.CounterVec // response cache hits/misses by source
}

// NewRegistry creates and registers all pipeline collectors.
func NewRegistry() *Registry {
	reg := prometheus.NewRegistry()
	reg.MustRegister(collectors.NewGoCollector())
	reg.MustRegister(collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))

	factory := promauto.With(reg)

	return &Registry{
		reg: reg,
		ItemsProcessed: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "setgraph_items_processed_total",
			Help: "Pipeline items processed, by item type and outcome.",
		}, []string{"type", "outcome"}),
		BatchFlushDuration: factory.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "setgraph_batch_flush_duration_seconds",
			Help:    "Persistence batch flush duration, by item type.",
			Buckets: prometheus.DefBuckets,
		}, []string{"type"}),
		HostRequests: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "setgraph_host_requests_total",
			Help: "Fetcher requests, by host and outcome.",
		}, []string{"host", "outcome"}),
		HostRequestLatency: factory.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "setgraph_host_request_duration_seconds",
			Help:    "Fetcher request latency, by host.",
			Buckets: []float64{0.1, 0.25, 0.5, 1, 2.5, 5, 10, 30},
		}, []string{"host"}),
		ProxyPoolSize: factory.NewGauge(prometheus.GaugeOpts{
			Name: "setgraph_proxy_pool_size",
			Help: "Number of egress points in the pool.",
		}),
		ProxyPoolDirty: factory.NewGauge(prometheus.GaugeOpts{
			Name: "setgraph_proxy_pool_dirty",
			Help: "Number of egress points currently in cooldown.",
		}),
		BreakerTransitions: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "setgraph_breaker_transitions_total",
			Help: "Circuit breaker state transitions, by API and new state.",
		}, []string{"api", "state"}),
		EnrichmentByTier: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "setgraph_enrichment_success_total",
			Help: "Successful enrichments, by resolver tier.",
		}, []string{"tier"}),
		CooldownDepth: factory.NewGauge(prometheus.GaugeOpts{
			Name: "setgraph_cooldown_queue_depth",
			Help: "Tracks waiting in the re-enrichment cooldown queue.",
		}),
		SilentFailures: factory.NewCounter(prometheus.CounterOpts{
			Name: "setgraph_silent_scraping_failures_total",
			Help: "Set-lists rejected for having zero tracks and no scrape error.",
		}),
		ChallengesDetected: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "setgraph_challenges_detected_total",
			Help: "Human-verification interstitials detected, by provider.",
		}, []string{"provider"}),
		CacheOps: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "setgraph_response_cache_ops_total",
			Help: "External API response cache operations, by source and result.",
		}, []string{"source", "result"}),
	}
}

// Handler returns the HTTP handler exposing the registry.
func (r *Registry) Handler() http.Handler {
	return promhttp.HandlerFor(r.reg, promhttp.HandlerOpts{})
}

// Gather exposes the underlying registry for tests.
func (r *Registry) Gather() ([]*dto.MetricFamily, error) {
	return r.reg.Gather()
}
