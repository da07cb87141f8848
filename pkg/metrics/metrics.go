// Package metrics 持久化层的 Prometheus 指标；nil *Metrics 上的所有方法都是空操作
package metrics

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

const namespace = "ordercore"

// Outcome labels.
const (
	OutcomeSuccess   = "success"
	OutcomeRetry     = "retry"
	OutcomeTerminal  = "terminal"
	OutcomeExhausted = "exhausted"
	OutcomeBudget    = "budget_exhausted"
)

type Metrics struct {
	StoreAttempts     *prometheus.CounterVec
	StoreLatencyMS    *prometheus.HistogramVec
	CacheRequests     *prometheus.CounterVec
	CacheInvalidation *prometheus.CounterVec
	Commits           *prometheus.CounterVec
	OutboxPublished   *prometheus.CounterVec
}

// New registers the collectors on reg; tests pass a fresh prometheus.NewRegistry().
func New(reg prometheus.Registerer) *Metrics {
	m := &Metrics{
		StoreAttempts: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "store",
			Name:      "attempts_total",
			Help:      "Store round trips by operation and outcome.",
		}, []string{"operation", "outcome"}),
		StoreLatencyMS: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Subsystem: "store",
			Name:      "operation_duration_ms",
			Help:      "Store operation latency in milliseconds, retries included.",
			Buckets:   []float64{1, 5, 10, 25, 50, 100, 250, 500, 1000, 2500, 5000},
		}, []string{"operation"}),
		CacheRequests: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "cache",
			Name:      "requests_total",
			Help:      "Cache lookups by entity and result (hit, miss, error).",
		}, []string{"entity", "result"}),
		CacheInvalidation: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "cache",
			Name:      "invalidations_total",
			Help:      "Cache invalidations by entity and outcome.",
		}, []string{"entity", "outcome"}),
		Commits: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "uow",
			Name:      "commits_total",
			Help:      "Unit of work commits by outcome.",
		}, []string{"outcome"}),
		OutboxPublished: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "outbox",
			Name:      "events_total",
			Help:      "Outbox events handled by the relay, by event type and outcome.",
		}, []string{"event_type", "outcome"}),
	}

	reg.MustRegister(
		m.StoreAttempts,
		m.StoreLatencyMS,
		m.CacheRequests,
		m.CacheInvalidation,
		m.Commits,
		m.OutboxPublished,
	)
	return m
}

func (m *Metrics) StoreAttempt(op, outcome string) {
	if m == nil {
		return
	}
	m.StoreAttempts.WithLabelValues(op, outcome).Inc()
}

func (m *Metrics) ObserveStore(op string, elapsed time.Duration) {
	if m == nil {
		return
	}
	m.StoreLatencyMS.WithLabelValues(op).Observe(float64(elapsed) / float64(time.Millisecond))
}

func (m *Metrics) CacheResult(entity, result string) {
	if m == nil {
		return
	}
	m.CacheRequests.WithLabelValues(entity, result).Inc()
}

func (m *Metrics) Invalidated(entity, outcome string) {
	if m == nil {
		return
	}
	m.CacheInvalidation.WithLabelValues(entity, outcome).Inc()
}

func (m *Metrics) Commit(outcome string) {
	if m == nil {
		return
	}
	m.Commits.WithLabelValues(outcome).Inc()
}

func (m *Metrics) Outbox(eventType, outcome string) {
	if m == nil {
		return
	}
	m.OutboxPublished.WithLabelValues(eventType, outcome).Inc()
}

// Handler serves the default registry.
func Handler() http.Handler {
	return promhttp.Handler()
}

// HandlerFor serves reg.
func HandlerFor(reg prometheus.Gatherer) http.Handler {
	return promhttp.HandlerFor(reg, promhttp.HandlerOpts{})
}
