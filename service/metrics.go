package service

import (
	"time"

	"github.com/layer-3/sigil/core"
	"github.com/prometheus/client_golang/prometheus"
)

// Metrics counts authentication and session-key outcomes. A nil *Metrics records nothing.
type Metrics struct {
	noncesIssued  prometheus.Counter
	verifications *prometheus.CounterVec
	logouts       prometheus.Counter
	sessionKeyOps *prometheus.CounterVec
	transactions  *prometheus.CounterVec
	httpRequests  *prometheus.CounterVec
	httpDuration  *prometheus.HistogramVec
}

// NewMetrics creates the collectors and registers them with reg
func NewMetrics(reg prometheus.Registerer) *Metrics {
	m := &Metrics{
		noncesIssued: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "sigil_nonces_issued_total",
			Help: "Total number of sign-in nonces issued",
		}),
		verifications: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "sigil_verifications_total",
			Help: "Sign-in message verifications by result",
		}, []string{"result"}),
		logouts: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "sigil_logouts_total",
			Help: "Total number of logouts",
		}),
		sessionKeyOps: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "sigil_session_key_operations_total",
			Help: "Session-key operations by operation and result",
		}, []string{"operation", "result"}),
		transactions: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "sigil_delegated_transactions_total",
			Help: "Delegated transactions by result",
		}, []string{"result"}),
		httpRequests: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "sigil_http_requests_total",
			Help: "Total number of HTTP requests",
		}, []string{"method", "endpoint", "status"}),
		httpDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "sigil_http_request_duration_seconds",
			Help:    "HTTP request duration in seconds",
			Buckets: prometheus.DefBuckets,
		}, []string{"method", "endpoint"}),
	}

	reg.MustRegister(
		m.noncesIssued,
		m.verifications,
		m.logouts,
		m.sessionKeyOps,
		m.transactions,
		m.httpRequests,
		m.httpDuration,
	)

	return m
}

func (m *Metrics) nonceIssued() {
	if m == nil {
		return
	}
	m.noncesIssued.Inc()
}

func (m *Metrics) verification(result string) {
	if m == nil {
		return
	}
	m.verifications.WithLabelValues(result).Inc()
}

func (m *Metrics) logout() {
	if m == nil {
		return
	}
	m.logouts.Inc()
}

func (m *Metrics) sessionKeyOp(operation string, err error) {
	if m == nil {
		return
	}
	m.sessionKeyOps.WithLabelValues(operation, resultOf(err)).Inc()
}

func (m *Metrics) transaction(err error) {
	if m == nil {
		return
	}
	m.transactions.WithLabelValues(resultOf(err)).Inc()
}

// ObserveHTTP records one served request
func (m *Metrics) ObserveHTTP(method, endpoint, status string, elapsed time.Duration) {
	if m == nil {
		return
	}
	m.httpRequests.WithLabelValues(method, endpoint, status).Inc()
	m.httpDuration.WithLabelValues(method, endpoint).Observe(elapsed.Seconds())
}

func resultOf(err error) string {
	if err == nil {
		return "ok"
	}
	return string(core.KindOf(err))
}
