// Package metrics exposes gateway counters to Prometheus.
package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Metrics records pool activity and serves it over HTTP.
type Metrics interface {
	HTTPHandler() http.Handler

	KeyAcquired()
	PoolExhausted()
	UsageRecorded()
	KeyInvalidated()
	KeysAdded(n int)
	PersistFailed()
	PoolSize(total, eligible int)
	ObserveRequest(route string, status int, seconds float64)
}

// NoopMetrics discards everything.
type NoopMetrics struct{}

func NewNoopMetrics() *NoopMetrics {
	return &NoopMetrics{}
}

func (m *NoopMetrics) HTTPHandler() http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusNoContent)
	})
}

func (m *NoopMetrics) KeyAcquired() {}
func (m *NoopMetrics) PoolExhausted() {}
func (m *NoopMetrics) UsageRecorded() {}
func (m *NoopMetrics) KeyInvalidated() {}
func (m *NoopMetrics) KeysAdded(int) {}
func (m *NoopMetrics) PersistFailed() {}
func (m *NoopMetrics) PoolSize(int, int) {}
func (m *NoopMetrics) ObserveRequest(string, int, float64) {}

// Prometheus keeps its collectors in a private registry so tests and
// multiple gateways in one process do not collide.
type Prometheus struct {
	registry *prometheus.Registry

	acquired      prometheus.Counter
	exhausted     prometheus.Counter
	usage         prometheus.Counter
	invalidated   prometheus.Counter
	added         prometheus.Counter
	persistFailed prometheus.Counter
	poolTotal     prometheus.Gauge
	poolEligible  prometheus.Gauge
	requests      *prometheus.HistogramVec
}

// NewPrometheus registers the gateway collectors plus the Go runtime and
// process collectors.
func NewPrometheus() *Prometheus {
	reg := prometheus.NewRegistry()
	reg.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	f := promauto.With(reg)

	return &Prometheus{
		registry: reg,
		acquired: f.NewCounter(prometheus.CounterOpts{
			Namespace: "keygate", Name: "keys_acquired_total",
			Help: "Credentials handed out.",
		}),
		exhausted: f.NewCounter(prometheus.CounterOpts{
			Namespace: "keygate", Name: "pool_exhausted_total",
			Help: "Acquire calls that found no eligible credential after a refresh.",
		}),
		usage: f.NewCounter(prometheus.CounterOpts{
			Namespace: "keygate", Name: "usage_recorded_total",
			Help: "Confirmed uses charged to a credential.",
		}),
		invalidated: f.NewCounter(prometheus.CounterOpts{
			Namespace: "keygate", Name: "keys_invalidated_total",
			Help: "Credentials marked invalid.",
		}),
		added: f.NewCounter(prometheus.CounterOpts{
			Namespace: "keygate", Name: "keys_added_total",
			Help: "Credentials discovered after startup.",
		}),
		persistFailed: f.NewCounter(prometheus.CounterOpts{
			Namespace: "keygate", Name: "ledger_persist_failures_total",
			Help: "Ledger writes that failed and were kept in memory only.",
		}),
		poolTotal: f.NewGauge(prometheus.GaugeOpts{
			Namespace: "keygate", Name: "pool_credentials",
			Help: "Credentials in the pool.",
		}),
		poolEligible: f.NewGauge(prometheus.GaugeOpts{
			Namespace: "keygate", Name: "pool_eligible_credentials",
			Help: "Credentials eligible at the last selection.",
		}),
		requests: f.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: "keygate", Name: "http_request_duration_seconds",
			Help:    "HTTP request latency by route and status.",
			Buckets: prometheus.DefBuckets,
		}, []string{"route", "status"}),
	}
}

func (p *Prometheus) HTTPHandler() http.Handler {
	return promhttp.HandlerFor(p.registry, promhttp.HandlerOpts{Registry: p.registry})
}

// Registry returns the registry backing the collectors.
func (p *Prometheus) Registry() *prometheus.Registry {
	return p.registry
}

func (p *Prometheus) KeyAcquired() { p.acquired.Inc() }
func (p *Prometheus) PoolExhausted() { p.exhausted.Inc() }
func (p *Prometheus) UsageRecorded() { p.usage.Inc() }
func (p *Prometheus) KeyInvalidated() { p.invalidated.Inc() }
func (p *Prometheus) PersistFailed() { p.persistFailed.Inc() }

func (p *Prometheus) KeysAdded(n int) {
	if n > 0 {
		p.added.Add(float64(n))
	}
}

func (p *Prometheus) PoolSize(total, eligible int) {
	p.poolTotal.Set(float64(total))
	p.poolEligible.Set(float64(eligible))
}

func (p *Prometheus) ObserveRequest(route string, status int, seconds float64) {
	p.requests.WithLabelValues(route, statusLabel(status)).Observe(seconds)
}

func statusLabel(status int) string {
	switch {
	case status >= 500:
		return "5xx"
	case status >= 400:
		return "4xx"
	case status >= 300:
		return "3xx"
	default:
		return "2xx"
	}
}
