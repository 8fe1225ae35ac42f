package metrics

import (
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

const namespace = "microtoken"

type Registry struct {
	prom *prometheus.Registry

	httpRequests *prometheus.CounterVec
	httpLatency  *prometheus.HistogramVec
	vaultCalls   *prometheus.CounterVec
	vaultLatency *prometheus.HistogramVec
	healthStatus prometheus.Gauge
	rateLimited  prometheus.Counter
}

func NewRegistry() *Registry {
	r := &Registry{
		prom: prometheus.NewRegistry(),
		httpRequests: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "http_requests_total",
			Help:      "HTTP requests by method, route and status code.",
		}, []string{"method", "route", "status"}),
		httpLatency: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "http_request_duration_seconds",
			Help:      "HTTP request latency by method and route.",
			Buckets:   prometheus.DefBuckets,
		}, []string{"method", "route"}),
		vaultCalls: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "vault_calls_total",
			Help:      "Vault calls by operation, field and outcome.",
		}, []string{"operation", "field", "outcome"}),
		vaultLatency: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "vault_call_duration_seconds",
			Help:      "Vault call latency by operation and field.",
			Buckets:   []float64{0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1, 2.5, 5, 10, 20},
		}, []string{"operation", "field"}),
		healthStatus: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "vault_healthy",
			Help:      "1 when the last vault health probe succeeded.",
		}),
		rateLimited: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "rate_limited_total",
			Help:      "Requests rejected by the rate limiter.",
		}),
	}
	r.prom.MustRegister(
		r.httpRequests,
		r.httpLatency,
		r.vaultCalls,
		r.vaultLatency,
		r.healthStatus,
		r.rateLimited,
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	return r
}

// Prometheus exposes the underlying registry for tests and extra collectors.
func (r *Registry) Prometheus() *prometheus.Registry { return r.prom }

// Observe records one HTTP request. route should be the router pattern, not
// the raw path, to keep label cardinality bounded.
func (r *Registry) Observe(method, route string, status int, d time.Duration) {
	if route == "" {
		route = "unmatched"
	}
	method = strings.ToUpper(method)
	r.httpRequests.WithLabelValues(method, route, strconv.Itoa(status)).Inc()
	r.httpLatency.WithLabelValues(method, route).Observe(d.Seconds())
}

// ObserveVaultCall satisfies gateway.Observer.
func (r *Registry) ObserveVaultCall(op, field, outcome string, d time.Duration) {
	r.vaultCalls.WithLabelValues(op, field, outcome).Inc()
	r.vaultLatency.WithLabelValues(op, field).Observe(d.Seconds())
}

func (r *Registry) SetVaultHealthy(ok bool) {
	if ok {
		r.healthStatus.Set(1)
		return
	}
	r.healthStatus.Set(0)
}

func (r *Registry) IncRateLimited() { r.rateLimited.Inc() }

func (r *Registry) Handler() http.Handler {
	return promhttp.HandlerFor(r.prom, promhttp.HandlerOpts{EnableOpenMetrics: true})
}
