package services

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"

	"competition-coordinator/models"
)

// Metrics is safe to use as a nil pointer.
type Metrics struct {
	transitions *prometheus.CounterVec
	tickets     *prometheus.CounterVec
	external    *prometheus.CounterVec
	faults      *prometheus.CounterVec
	advance     prometheus.Histogram
}

func NewMetrics(reg prometheus.Registerer) *Metrics {
	f := promauto.With(reg)
	return &Metrics{
		transitions: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: "coordinator",
			Name:      "state_transitions_total",
			Help:      "Competition state transitions.",
		}, []string{"from", "to"}),
		tickets: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: "coordinator",
			Name:      "ticket_transitions_total",
			Help:      "Ticket status changes.",
		}, []string{"status"}),
		external: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: "coordinator",
			Name:      "external_calls_total",
			Help:      "Side-effecting calls to external collaborators.",
		}, []string{"service", "op"}),
		faults: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: "coordinator",
			Name:      "competition_errors_total",
			Help:      "Errors appended to competition error logs.",
		}, []string{"kind"}),
		advance: f.NewHistogram(prometheus.HistogramOpts{
			Namespace: "coordinator",
			Name:      "advance_duration_seconds",
			Help:      "Time spent advancing one competition.",
			Buckets:   prometheus.ExponentialBuckets(0.01, 4, 8),
		}),
	}
}

func (m *Metrics) Transition(from, to models.Status) {
	if m == nil {
		return
	}
	m.transitions.WithLabelValues(string(from), string(to)).Inc()
}

func (m *Metrics) Ticket(status models.TicketStatus) {
	if m == nil {
		return
	}
	m.tickets.WithLabelValues(string(status)).Inc()
}

func (m *Metrics) External(service, op string) {
	if m == nil {
		return
	}
	m.external.WithLabelValues(service, op).Inc()
}

func (m *Metrics) Fault(kind Kind) {
	if m == nil {
		return
	}
	m.faults.WithLabelValues(string(kind)).Inc()
}

func (m *Metrics) ObserveAdvance(seconds float64) {
	if m == nil {
		return
	}
	m.advance.Observe(seconds)
}
