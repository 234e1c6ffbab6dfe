package metrics

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

var (
	// generations by terminal outcome
	sessionsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "generation_sessions_total",
			Help: "Total number of generation sessions by terminal outcome",
		}, []string{"app", "variant", "outcome"},
	)

	// wall time from start to terminal callback
	sessionDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Name: "generation_session_duration_seconds",
			Help: "Duration of generation sessions in seconds",
			// 0.25s .. ~17m
			Buckets: prometheus.ExponentialBuckets(0.25, 2, 13),
		}, []string{"app"},
	)

	generatedTokens = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "generation_tokens_total",
			Help: "Total tokens reported by the backend on completion",
		}, []string{"app"},
	)

	cancelRequests = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "generation_cancel_requests_total",
			Help: "Total number of cancel requests by the path they took",
		}, []string{"path"},
	)

	activeSessions = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "generation_active_sessions",
			Help: "Current number of running generation sessions",
		},
	)
)

func init() {
	prometheus.MustRegister(sessionsTotal)
	prometheus.MustRegister(sessionDuration)
	prometheus.MustRegister(generatedTokens)
	prometheus.MustRegister(cancelRequests)
	prometheus.MustRegister(activeSessions)
}

// RecordSession counts one finished session and observes its duration.
func RecordSession(app, variant, outcome string, duration time.Duration) {
	sessionsTotal.WithLabelValues(app, variant, outcome).Inc()
	sessionDuration.WithLabelValues(app).Observe(duration.Seconds())
}

func RecordTokens(app string, tokens int) {
	if tokens > 0 {
		generatedTokens.WithLabelValues(app).Add(float64(tokens))
	}
}

func RecordCancel(path string) {
	cancelRequests.WithLabelValues(path).Inc()
}

func IncActiveSessions() {
	activeSessions.Inc()
}

func DecActiveSessions() {
	activeSessions.Dec()
}
