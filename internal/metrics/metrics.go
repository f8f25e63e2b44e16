// Package metrics holds the prometheus collectors for the protocol handler.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
)

const namespace = "wcsap"

// Metrics groups the protocol counters
type Metrics struct {
	ChallengesIssued prometheus.Counter
	Verifications    *prometheus.CounterVec
	Refreshes        *prometheus.CounterVec
	Logouts          *prometheus.CounterVec
}

// New creates the collectors and registers them on reg. A nil reg leaves them unregistered.
func New(reg prometheus.Registerer) *Metrics {
	m := &Metrics{
		ChallengesIssued: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "challenges_issued_total",
			Help:      "Challenges handed out to clients.",
		}),
		Verifications: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "verifications_total",
			Help:      "Verify attempts by result.",
		}, []string{"result"}),
		Refreshes: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "refresh_total",
			Help:      "Refresh attempts by result.",
		}, []string{"result"}),
		Logouts: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "logouts_total",
			Help:      "Logout requests by scope.",
		}, []string{"scope"}),
	}

	if reg != nil {
		reg.MustRegister(m.ChallengesIssued, m.Verifications, m.Refreshes, m.Logouts)
	}
	return m
}

// Result turns an error kind into a label value
func Result(kind string) string {
	if kind == "" {
		return "ok"
	}
	return kind
}
