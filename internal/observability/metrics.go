package observability

import "github.com/prometheus/client_golang/prometheus"

// Metrics holds the Prometheus counters/gauges exported across every
// subsystem, adapted from the teacher's internal/metrics.Collector (which
// tracked tokens/cost/alerts per agent) into the counters SPEC_FULL.md §4.19
// calls for: bus delivery outcomes, worker acquisitions, episode lifecycle,
// circuit-breaker transitions, and synthesis quality.
type Metrics struct {
	MessagesDelivered  prometheus.Counter
	MessagesDropped    prometheus.Counter
	MessagesDeadLetter prometheus.Counter
	WorkersAcquired    prometheus.Counter
	WorkersReleased    prometheus.Counter
	EpisodesStored     prometheus.Counter
	EpisodesForgotten  prometheus.Counter
	CircuitTransitions *prometheus.CounterVec
	SynthesisQuality   *prometheus.GaugeVec
}

// NewMetrics registers every counter against reg. Passing a fresh
// prometheus.NewRegistry() per test keeps concurrent test runs isolated,
// matching the teacher's habit of constructing a scoped collector per test.
func NewMetrics(reg prometheus.Registerer) *Metrics {
	m := &Metrics{
		MessagesDelivered: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "cogcore_bus_messages_delivered_total",
			Help: "Envelopes successfully delivered by the message bus.",
		}),
		MessagesDropped: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "cogcore_bus_messages_dropped_total",
			Help: "Envelopes dropped client-side (e.g. rate limited).",
		}),
		MessagesDeadLetter: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "cogcore_bus_messages_dead_letter_total",
			Help: "Envelopes moved to the dead-letter ring buffer.",
		}),
		WorkersAcquired: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "cogcore_workers_acquired_total",
			Help: "Worker acquisitions from the registry.",
		}),
		WorkersReleased: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "cogcore_workers_released_total",
			Help: "Worker releases back to idle.",
		}),
		EpisodesStored: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "cogcore_episodes_stored_total",
			Help: "Episodes appended to episodic memory.",
		}),
		EpisodesForgotten: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "cogcore_episodes_forgotten_total",
			Help: "Episodes removed by a forgetting pass.",
		}),
		CircuitTransitions: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "cogcore_circuit_transitions_total",
			Help: "Circuit breaker state transitions by target state.",
		}, []string{"state"}),
		SynthesisQuality: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Name: "cogcore_synthesis_quality",
			Help: "Latest result-synthesizer quality metric by name.",
		}, []string{"metric"}),
	}
	reg.MustRegister(
		m.MessagesDelivered, m.MessagesDropped, m.MessagesDeadLetter,
		m.WorkersAcquired, m.WorkersReleased,
		m.EpisodesStored, m.EpisodesForgotten,
		m.CircuitTransitions, m.SynthesisQuality,
	)
	return m
}
