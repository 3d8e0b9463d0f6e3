package login

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

const outcomeSuccess = "success"

// Metrics are registered on their own registry, so several services can
// live in one process, as they do in tests.
type Metrics struct {
	registry      *prometheus.Registry
	attempts      *prometheus.CounterVec
	exchangeTimes *prometheus.HistogramVec
}

func NewMetrics() *Metrics {
	m := &Metrics{
		registry: prometheus.NewRegistry(),
		attempts: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "zero_login_attempts_total",
			Help: "Completed login callbacks by provider and outcome",
		}, []string{"provider", "outcome"}),
		exchangeTimes: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "zero_login_token_exchange_seconds",
			Help:    "Duration of authorization code exchanges including retries",
			Buckets: []float64{0.05, 0.1, 0.25, 0.5, 1, 2.5, 5, 10, 20},
		}, []string{"provider"}),
	}
	m.registry.MustRegister(m.attempts, m.exchangeTimes)
	return m
}

// Handler serves the metrics in the Prometheus exposition format.
func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{Registry: m.registry})
}

func (m *Metrics) Registry() *prometheus.Registry {
	return m.registry
}

func (m *Metrics) observeAttempt(providerID, outcome string) {
	m.attempts.WithLabelValues(providerID, outcome).Inc()
}

func (m *Metrics) observeExchange(providerID string, seconds float64) {
	m.exchangeTimes.WithLabelValues(providerID).Observe(seconds)
}
