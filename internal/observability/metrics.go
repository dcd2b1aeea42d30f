// ABOUTME: Prometheus metrics: request counters and latency histograms, plus a scrape-time
// ABOUTME: collector exporting circuit breaker states and prompt cache statistics.

package observability

import (
	"context"
	"net/http"
	"strconv"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/OmegaTeee/mcp-router/internal/breaker"
	"github.com/OmegaTeee/mcp-router/internal/cache"
)

// Metrics holds the router's Prometheus instruments on a private registry.
type Metrics struct {
	registry *prometheus.Registry
	requests *prometheus.CounterVec
	duration *prometheus.HistogramVec
}

// NewMetrics builds the instrument set. The breaker registry and cache stats
// callback are read at scrape time, so gauges never go stale.
func NewMetrics(breakers *breaker.Registry, cacheStats func(context.Context) cache.Stats) *Metrics {
	reg := prometheus.NewRegistry()
	reg.MustRegister(collectors.NewGoCollector())
	reg.MustRegister(collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))

	m := &Metrics{
		registry: reg,
		requests: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "mcp_router",
			Name:      "http_requests_total",
			Help:      "Completed HTTP requests by method, route, and status.",
		}, []string{"method", "route", "status"}),
		duration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: "mcp_router",
			Name:      "http_request_duration_seconds",
			Help:      "HTTP request latency by method and route.",
			Buckets:   prometheus.DefBuckets,
		}, []string{"method", "route"}),
	}
	reg.MustRegister(m.requests, m.duration)
	reg.MustRegister(&stateCollector{breakers: breakers, cacheStats: cacheStats})
	return m
}

// ObserveRequest records one completed HTTP request.
func (m *Metrics) ObserveRequest(method, route string, status int, elapsed time.Duration) {
	code := strconv.Itoa(status)
	m.requests.WithLabelValues(method, route, code).Inc()
	m.duration.WithLabelValues(method, route).Observe(elapsed.Seconds())
}

// Handler serves the /metrics endpoint.
func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{})
}

var (
	breakerStateDesc = prometheus.NewDesc(
		"mcp_router_breaker_state",
		"Circuit breaker position per server and state (1 for the active state).",
		[]string{"server", "state"}, nil)
	breakerFailuresDesc = prometheus.NewDesc(
		"mcp_router_breaker_failures",
		"Consecutive transport failures per server.",
		[]string{"server"}, nil)
	cacheHitsDesc = prometheus.NewDesc(
		"mcp_router_cache_hits_total",
		"Prompt cache hits by tier.",
		[]string{"tier"}, nil)
	cacheMissesDesc = prometheus.NewDesc(
		"mcp_router_cache_misses_total",
		"Prompt cache misses by tier.",
		[]string{"tier"}, nil)
	cacheSizeDesc = prometheus.NewDesc(
		"mcp_router_cache_entries",
		"Prompt cache entries by tier.",
		[]string{"tier"}, nil)
)

// stateCollector reads breaker and cache state when Prometheus scrapes.
type stateCollector struct {
	breakers   *breaker.Registry
	cacheStats func(context.Context) cache.Stats
}

func (c *stateCollector) Describe(ch chan<- *prometheus.Desc) {
	ch <- breakerStateDesc
	ch <- breakerFailuresDesc
	ch <- cacheHitsDesc
	ch <- cacheMissesDesc
	ch <- cacheSizeDesc
}

func (c *stateCollector) Collect(ch chan<- prometheus.Metric) {
	if c.breakers != nil {
		for _, st := range c.breakers.AllStatus() {
			for _, state := range []breaker.State{breaker.StateClosed, breaker.StateOpen, breaker.StateHalfOpen} {
				v := 0.0
				if st.State == state {
					v = 1.0
				}
				ch <- prometheus.MustNewConstMetric(breakerStateDesc,
					prometheus.GaugeValue, v, st.Name, string(state))
			}
			ch <- prometheus.MustNewConstMetric(breakerFailuresDesc,
				prometheus.GaugeValue, float64(st.Failures), st.Name)
		}
	}

	if c.cacheStats != nil {
		ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		defer cancel()
		st := c.cacheStats(ctx)

		ch <- prometheus.MustNewConstMetric(cacheHitsDesc, prometheus.CounterValue, float64(st.L1Hits), "l1")
		ch <- prometheus.MustNewConstMetric(cacheHitsDesc, prometheus.CounterValue, float64(st.L2Hits), "l2")
		ch <- prometheus.MustNewConstMetric(cacheMissesDesc, prometheus.CounterValue, float64(st.L1Misses), "l1")
		ch <- prometheus.MustNewConstMetric(cacheMissesDesc, prometheus.CounterValue, float64(st.L2Misses), "l2")
		ch <- prometheus.MustNewConstMetric(cacheSizeDesc, prometheus.GaugeValue, float64(st.L1Size), "l1")
		ch <- prometheus.MustNewConstMetric(cacheSizeDesc, prometheus.GaugeValue, float64(st.L2Entries), "l2")
	}
}
