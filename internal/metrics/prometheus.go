// Package metrics exposes the Prometheus registry shared by the gateway.
// All call sites are nil-safe so tests can run without a registry.
// The /metrics HTTP handler is exposed via Handler().
package metrics

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/valyala/fasthttp"
	"github.com/valyala/fasthttp/fasthttpadaptor"
)

// Registry owns the collectors and the scrape handler.
type Registry struct {
	reg *prometheus.Registry

	requestsTotal       *prometheus.CounterVec
	requestDuration     *prometheus.HistogramVec
	upstreamAttempts    *prometheus.CounterVec
	upstreamDuration    *prometheus.HistogramVec
	admissionRejections *prometheus.CounterVec
	balancerPicks       *prometheus.CounterVec
	graphCacheLookups   *prometheus.CounterVec
	droppedTelemetry    *prometheus.CounterVec
	tokensTotal         *prometheus.CounterVec

	metricsHandler fasthttp.RequestHandler
}

func New() *Registry {
	reg := prometheus.NewRegistry()
	reg.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)

	r := &Registry{reg: reg}

	r.requestsTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "relay_requests_total",
		Help: "Client requests by route and status code.",
	}, []string{"route", "status"})

	r.requestDuration = prometheus.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "relay_request_duration_seconds",
		Help:    "Client request latency by route.",
		Buckets: prometheus.DefBuckets,
	}, []string{"route"})

	r.upstreamAttempts = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "relay_upstream_attempts_total",
		Help: "Dispatch attempts by provider and outcome.",
	}, []string{"provider", "outcome"})

	r.upstreamDuration = prometheus.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "relay_upstream_duration_seconds",
		Help:    "Upstream attempt latency by provider.",
		Buckets: prometheus.DefBuckets,
	}, []string{"provider"})

	r.admissionRejections = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "relay_admission_rejections_total",
		Help: "Limit violations by metric and period.",
	}, []string{"metric", "period"})

	r.balancerPicks = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "relay_balancer_picks_total",
		Help: "Connection picks by strategy.",
	}, []string{"strategy"})

	r.graphCacheLookups = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "relay_graph_cache_lookups_total",
		Help: "Local graph cache lookups by result.",
	}, []string{"result"})

	r.droppedTelemetry = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "relay_dropped_telemetry_total",
		Help: "Telemetry records dropped on full channels, by topic.",
	}, []string{"topic"})

	r.tokensTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "relay_tokens_total",
		Help: "Tokens accounted by provider and direction.",
	}, []string{"provider", "direction"})

	reg.MustRegister(
		r.requestsTotal, r.requestDuration,
		r.upstreamAttempts, r.upstreamDuration,
		r.admissionRejections, r.balancerPicks,
		r.graphCacheLookups, r.droppedTelemetry,
		r.tokensTotal,
	)

	h := promhttp.HandlerFor(reg, promhttp.HandlerOpts{})
	r.metricsHandler = fasthttpadaptor.NewFastHTTPHandler(h)

	return r
}

func (r *Registry) ObserveRequest(route, status string, dur time.Duration) {
	if r == nil {
		return
	}
	r.requestsTotal.WithLabelValues(route, status).Inc()
	r.requestDuration.WithLabelValues(route).Observe(dur.Seconds())
}

func (r *Registry) ObserveUpstreamAttempt(provider, outcome string, dur time.Duration) {
	if r == nil {
		return
	}
	r.upstreamAttempts.WithLabelValues(provider, outcome).Inc()
	r.upstreamDuration.WithLabelValues(provider).Observe(dur.Seconds())
}

func (r *Registry) RecordAdmissionRejection(metric, period string) {
	if r == nil {
		return
	}
	r.admissionRejections.WithLabelValues(metric, period).Inc()
}

func (r *Registry) RecordBalancerPick(strategy string) {
	if r == nil {
		return
	}
	r.balancerPicks.WithLabelValues(strategy).Inc()
}

func (r *Registry) GraphCacheHit() {
	if r == nil {
		return
	}
	r.graphCacheLookups.WithLabelValues("hit").Inc()
}

func (r *Registry) GraphCacheMiss() {
	if r == nil {
		return
	}
	r.graphCacheLookups.WithLabelValues("miss").Inc()
}

func (r *Registry) RecordDroppedTelemetry(topic string) {
	if r == nil {
		return
	}
	r.droppedTelemetry.WithLabelValues(topic).Inc()
}

func (r *Registry) AddTokens(provider string, input, output int64) {
	if r == nil {
		return
	}
	r.tokensTotal.WithLabelValues(provider, "input").Add(float64(input))
	r.tokensTotal.WithLabelValues(provider, "output").Add(float64(output))
}

func (r *Registry) Handler() fasthttp.RequestHandler {
	if r == nil {
		return func(ctx *fasthttp.RequestCtx) {
			ctx.SetStatusCode(fasthttp.StatusNotFound)
		}
	}
	return r.metricsHandler
}
