package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

const namespace = "wallet"

var LedgerPosts = promauto.NewCounterVec(prometheus.CounterOpts{
	Namespace: namespace,
	Subsystem: "ledger",
	Name:      "posts_total",
	Help:      "Ledger post batches by result (posted, replay, rejected, error).",
}, []string{"result"})

var WebhookEvents = promauto.NewCounterVec(prometheus.CounterOpts{
	Namespace: namespace,
	Subsystem: "webhook",
	Name:      "events_total",
	Help:      "Provider callbacks by outcome.",
}, []string{"outcome"})

var ProviderCalls = promauto.NewCounterVec(prometheus.CounterOpts{
	Namespace: namespace,
	Subsystem: "provider",
	Name:      "calls_total",
	Help:      "Outbound provider calls by action and normalized status.",
}, []string{"action", "status"})

var ProviderLatency = promauto.NewHistogramVec(prometheus.HistogramOpts{
	Namespace: namespace,
	Subsystem: "provider",
	Name:      "call_duration_seconds",
	Help:      "Latency of a single provider attempt.",
	Buckets:   prometheus.DefBuckets,
}, []string{"action"})

var BreakerState = promauto.NewGaugeVec(prometheus.GaugeOpts{
	Namespace: namespace,
	Subsystem: "provider",
	Name:      "breaker_state",
	Help:      "Circuit breaker state: 0 closed, 1 half-open, 2 open.",
}, []string{"breaker"})

var JobResults = promauto.NewCounterVec(prometheus.CounterOpts{
	Namespace: namespace,
	Subsystem: "jobs",
	Name:      "results_total",
	Help:      "Job executions by queue, job name and result (completed, retried, failed).",
}, []string{"queue", "name", "result"})

var QueueDepth = promauto.NewGaugeVec(prometheus.GaugeOpts{
	Namespace: namespace,
	Subsystem: "jobs",
	Name:      "queue_depth",
	Help:      "Jobs waiting or delayed per queue.",
}, []string{"queue"})

var Compensations = promauto.NewCounterVec(prometheus.CounterOpts{
	Namespace: namespace,
	Subsystem: "intent",
	Name:      "compensations_total",
	Help:      "Compensating refunds by result.",
}, []string{"result"})

var HTTPRequests = promauto.NewCounterVec(prometheus.CounterOpts{
	Namespace: namespace,
	Subsystem: "http",
	Name:      "requests_total",
	Help:      "HTTP requests by route pattern, method and status code.",
}, []string{"route", "method", "code"})

var HTTPDuration = promauto.NewHistogramVec(prometheus.HistogramOpts{
	Namespace: namespace,
	Subsystem: "http",
	Name:      "request_duration_seconds",
	Help:      "HTTP request latency by route pattern.",
	Buckets:   prometheus.DefBuckets,
}, []string{"route", "method"})

var HTTPPanics = promauto.NewCounter(prometheus.CounterOpts{
	Namespace: namespace,
	Subsystem: "http",
	Name:      "panics_total",
	Help:      "Handler panics recovered by the HTTP middleware.",
})

func Handler() http.Handler {
	return promhttp.Handler()
}
