// Package metrics holds the prometheus collectors for the session authority. Collectors live on
// a private registry so tests and multiple instances never collide on the default one.
package metrics

import (
	"net/http"
	"strconv"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Result labels.
const (
	ResultSuccess  = "success"
	ResultRejected = "rejected"
	ResultError    = "error"
)

// Metrics is nil-safe: every recording method is a no-op on a nil receiver.
type Metrics struct {
	registry *prometheus.Registry

	sessionsMinted  prometheus.Counter
	refreshAttempts *prometheus.CounterVec
	recordsSwept    prometheus.Counter
	logins          *prometheus.CounterVec

	httpRequests *prometheus.CounterVec
	httpDuration *prometheus.HistogramVec
}

func New(namespace string) *Metrics {
	reg := prometheus.NewRegistry()
	reg.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	factory := promauto.With(reg)

	return &Metrics{
		registry: reg,
		sessionsMinted: factory.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "sessions_minted_total",
			Help:      "Total number of access/refresh token pairs minted",
		}),
		refreshAttempts: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "refresh_attempts_total",
			Help:      "Total number of refresh attempts by result",
		}, []string{"result"}),
		recordsSwept: factory.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "refresh_records_swept_total",
			Help:      "Total number of expired refresh records removed by sweeps",
		}),
		logins: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "logins_total",
			Help:      "Total number of login attempts by result",
		}, []string{"result"}),
		httpRequests: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "http_requests_total",
			Help:      "Total number of HTTP requests",
		}, []string{"method", "path", "status"}),
		httpDuration: factory.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "http_request_duration_seconds",
			Help:      "HTTP request duration in seconds",
			Buckets:   prometheus.DefBuckets,
		}, []string{"method", "path", "status"}),
	}
}

func (m *Metrics) Registry() *prometheus.Registry {
	if m == nil {
		return nil
	}
	return m.registry
}

// Handler serves the registry in the prometheus exposition format.
func (m *Metrics) Handler() http.Handler {
	if m == nil {
		return http.NotFoundHandler()
	}
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{Registry: m.registry})
}

func (m *Metrics) SessionMinted() {
	if m == nil {
		return
	}
	m.sessionsMinted.Inc()
}

func (m *Metrics) RefreshAttempt(result string) {
	if m == nil {
		return
	}
	m.refreshAttempts.WithLabelValues(result).Inc()
}

func (m *Metrics) RecordsSwept(n int) {
	if m == nil || n <= 0 {
		return
	}
	m.recordsSwept.Add(float64(n))
}

func (m *Metrics) Login(result string) {
	if m == nil {
		return
	}
	m.logins.WithLabelValues(result).Inc()
}

func (m *Metrics) HTTPRequest(method, path string, status int, seconds float64) {
	if m == nil {
		return
	}
	code := strconv.Itoa(status)
	m.httpRequests.WithLabelValues(method, path, code).Inc()
	m.httpDuration.WithLabelValues(method, path, code).Observe(seconds)
}
