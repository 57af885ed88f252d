// Package metrics exposes Prometheus instruments for the trading engine. All
// recording methods are safe to call on a nil *Metrics.
package metrics

import (
	"net/http"
	"strconv"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

const namespace = "playmarket"

// Metrics holds every collector on a private registry.
type Metrics struct {
	registry *prometheus.Registry

	trades        *prometheus.CounterVec
	tradeVolume   *prometheus.CounterVec
	tradeFailures *prometheus.CounterVec
	rollbacks     *prometheus.CounterVec
	settlements   prometheus.Counter
	payouts       prometheus.Counter
	recovered     *prometheus.CounterVec
	httpRequests  *prometheus.CounterVec
	httpDuration  *prometheus.HistogramVec
}

// New creates and registers the collectors.
func New() *Metrics {
	m := &Metrics{
		registry: prometheus.NewRegistry(),
		trades: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "trades_total",
			Help:      "Committed trades by engine, action and side.",
		}, []string{"mode", "action", "side"}),
		tradeVolume: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "trade_volume_cents_total",
			Help:      "Money moved by committed trades, in cents.",
		}, []string{"mode"}),
		tradeFailures: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "trade_failures_total",
			Help:      "Rejected or failed trade requests by error kind.",
		}, []string{"kind"}),
		rollbacks: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "rollbacks_total",
			Help:      "Saga compensations by result.",
		}, []string{"result"}),
		settlements: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "settlements_total",
			Help:      "Markets settled.",
		}),
		payouts: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "payouts_cents_total",
			Help:      "Settlement payouts credited, in cents.",
		}),
		recovered: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "recovered_total",
			Help:      "Work finished by the recovery worker by kind.",
		}, []string{"kind"}),
		httpRequests: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "http_requests_total",
			Help:      "HTTP requests by method, route and status code.",
		}, []string{"method", "route", "code"}),
		httpDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "http_request_duration_seconds",
			Help:      "HTTP request latency.",
			Buckets:   prometheus.DefBuckets,
		}, []string{"method", "route"}),
	}
	m.registry.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
		m.trades, m.tradeVolume, m.tradeFailures, m.rollbacks,
		m.settlements, m.payouts, m.recovered,
		m.httpRequests, m.httpDuration,
	)
	return m
}

// Handler serves the registry in the Prometheus exposition format.
func (m *Metrics) Handler() http.Handler {
	if m == nil {
		return http.NotFoundHandler()
	}
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{})
}

// TradeCommitted counts a committed trade moving cents.
func (m *Metrics) TradeCommitted(mode, action, side string, cents int64) {
	if m == nil {
		return
	}
	m.trades.WithLabelValues(mode, action, side).Inc()
	m.tradeVolume.WithLabelValues(mode).Add(float64(cents))
}

// TradeFailed counts a rejected or failed trade request.
func (m *Metrics) TradeFailed(kind string) {
	if m == nil {
		return
	}
	m.tradeFailures.WithLabelValues(kind).Inc()
}

// Rollback counts a saga compensation.
func (m *Metrics) Rollback(ok bool) {
	if m == nil {
		return
	}
	result := "compensated"
	if !ok {
		result = "failed"
	}
	m.rollbacks.WithLabelValues(result).Inc()
}

// Settled counts a settled market and its payouts.
func (m *Metrics) Settled(paidCents int64) {
	if m == nil {
		return
	}
	m.settlements.Inc()
	m.payouts.Add(float64(paidCents))
}

// Recovered counts n items finished by the recovery worker.
func (m *Metrics) Recovered(kind string, n int) {
	if m == nil || n <= 0 {
		return
	}
	m.recovered.WithLabelValues(kind).Add(float64(n))
}

// ObserveHTTP records one served request.
func (m *Metrics) ObserveHTTP(method, route string, code int, elapsed time.Duration) {
	if m == nil {
		return
	}
	m.httpRequests.WithLabelValues(method, route, strconv.Itoa(code)).Inc()
	m.httpDuration.WithLabelValues(method, route).Observe(elapsed.Seconds())
}
