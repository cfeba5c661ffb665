// Package metrics wires Prometheus counters and gauges for the
// observability surface named in spec.md section 3: phase transitions,
// echo failures, nak-loop escalations, and auth completions. These are
// in-memory instruments only — exposing them is the caller's job, and
// nothing here persists to disk, matching spec.md section 1's "no
// accounting/statistics persistence" non-goal.
package metrics

import "github.com/prometheus/client_golang/prometheus"

// Set bundles every instrument a Session needs, grouped the way
// ppp.Session uses them rather than by Prometheus type.
type Set struct {
	PhaseTransitions  *prometheus.CounterVec
	EchoFailures      prometheus.Counter
	NakLoopEscalations *prometheus.CounterVec
	AuthCompletions   *prometheus.CounterVec
	SessionsActive    prometheus.Gauge
}

// NewSet constructs a Set registered against reg. Passing a fresh
// prometheus.NewRegistry() keeps tests isolated from the global default
// registry.
func NewSet(reg prometheus.Registerer) *Set {
	s := &Set{
		PhaseTransitions: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "ppplcp",
			Name:      "phase_transitions_total",
			Help:      "Number of PPP phase transitions, labeled by destination phase.",
		}, []string{"phase"}),
		EchoFailures: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "ppplcp",
			Name:      "echo_failures_total",
			Help:      "Number of times the echo keepalive declared a peer dead.",
		}),
		NakLoopEscalations: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "ppplcp",
			Name:      "nak_loop_escalations_total",
			Help:      "Number of times a NAK loop reached its limit, labeled by protocol.",
		}, []string{"protocol"}),
		AuthCompletions: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "ppplcp",
			Name:      "auth_completions_total",
			Help:      "Number of authentication method completions, labeled by method and outcome.",
		}, []string{"method", "outcome"}),
		SessionsActive: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: "ppplcp",
			Name:      "sessions_active",
			Help:      "Number of PPP sessions that have left the Dead phase and not yet entered Terminate.",
		}),
	}
	reg.MustRegister(s.PhaseTransitions, s.EchoFailures, s.NakLoopEscalations, s.AuthCompletions, s.SessionsActive)
	return s
}
