package session

import "github.com/prometheus/client_golang/prometheus"

var (
	sessionsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "runnerd",
			Subsystem: "generation",
			Name:      "sessions_total",
			Help:      "Finished generation sessions by completion reason (stop, length, error, canceled)",
		},
		[]string{"reason"},
	)

	tokensTotal = prometheus.NewCounter(
		prometheus.CounterOpts{
			Namespace: "runnerd",
			Subsystem: "generation",
			Name:      "tokens_total",
			Help:      "Fragments produced across all sessions",
		},
	)

	sessionsActive = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Namespace: "runnerd",
			Subsystem: "generation",
			Name:      "active_sessions",
			Help:      "Sessions currently generating",
		},
	)
)

func init() {
	prometheus.MustRegister(sessionsTotal, tokensTotal, sessionsActive)
}

func observe(sum Summary) {
	reason := string(sum.Reason)
	if sum.Canceled {
		reason = "canceled"
	}
	sessionsTotal.WithLabelValues(reason).Inc()
	tokensTotal.Add(float64(sum.TokensGenerated))
}
