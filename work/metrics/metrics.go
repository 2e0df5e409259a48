package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// UpstreamRequests counts add-on requests per service. The "outcome" label is
// "ok", "error" or "panic".
var UpstreamRequests = promauto.NewCounterVec(prometheus.CounterOpts{
	Name: "aio_upstream_requests_total",
	Help: "Upstream add-on requests by outcome",
}, []string{"service", "outcome"})

// UpstreamLatency observes how long each add-on took to answer, failures included.
var UpstreamLatency = promauto.NewHistogramVec(prometheus.HistogramOpts{
	Name:    "aio_upstream_request_seconds",
	Help:    "Upstream add-on request latency",
	Buckets: []float64{.1, .25, .5, 1, 2.5, 5, 10, 15, 30},
}, []string{"service"})

// StreamsReturned counts records each service contributed before formatting.
var StreamsReturned = promauto.NewCounterVec(prometheus.CounterOpts{
	Name: "aio_upstream_streams_total",
	Help: "Stream records returned by upstream add-ons",
}, []string{"service"})

// CacheLookups counts result cache hits and misses.
var CacheLookups = promauto.NewCounterVec(prometheus.CounterOpts{
	Name: "aio_cache_lookups_total",
	Help: "Result cache lookups",
}, []string{"result"})

// ActiveProxies tracks the number of proxy sessions currently relaying bytes.
var ActiveProxies = promauto.NewGauge(prometheus.GaugeOpts{
	Name: "aio_proxy_active_streams",
	Help: "Number of active proxied streams",
})

// BytesTransferred tracks proxied bytes. The "direction" label is "upstream" for
// bytes read from the remote and "downstream" for bytes written to clients.
var BytesTransferred = promauto.NewCounterVec(prometheus.CounterOpts{
	Name: "aio_proxy_bytes_transferred",
	Help: "Total bytes transferred",
}, []string{"direction"})

// StreamErrors counts proxy failures by category (open, read, resume, write).
var StreamErrors = promauto.NewCounterVec(prometheus.CounterOpts{
	Name: "aio_proxy_stream_errors",
	Help: "Number of stream errors",
}, []string{"error_type"})

// PrefetchRuns counts season prefetch jobs by outcome ("started", "skipped", "rejected", "failed", "done").
var PrefetchRuns = promauto.NewCounterVec(prometheus.CounterOpts{
	Name: "aio_prefetch_runs_total",
	Help: "Season prefetch jobs",
}, []string{"outcome"})

// ResolveFailures counts records dropped because their URL could not be resolved.
var ResolveFailures = promauto.NewCounter(prometheus.CounterOpts{
	Name: "aio_resolve_failures_total",
	Help: "Records dropped after URL resolution failed",
})

// HTTPRequests observes inbound request latency by route template, so user
// paths and tokens never become label values.
var HTTPRequests = promauto.NewHistogramVec(prometheus.HistogramOpts{
	Name:    "aio_http_request_seconds",
	Help:    "Inbound HTTP request latency",
	Buckets: prometheus.DefBuckets,
}, []string{"method", "route", "status"})
