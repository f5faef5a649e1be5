package invitation

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// stats holds the manager's prometheus collectors. When no registerer is
// configured, the collectors are created but never exported.
type stats struct {
	transitions  *prometheus.CounterVec
	aborts       *prometheus.CounterVec
	rejected     prometheus.Counter
	duplicates   prometheus.Counter
	sentMsgs     prometheus.Counter
	sendFailures prometheus.Counter
}

func newStats(reg prometheus.Registerer) *stats {
	f := promauto.With(reg)
	return &stats{
		transitions: f.NewCounterVec(prometheus.CounterOpts{
			Name: "groupinvite_transitions_total",
			Help: "Count of events applied to invitation sessions",
		}, []string{"role", "event", "outcome"}),
		aborts: f.NewCounterVec(prometheus.CounterOpts{
			Name: "groupinvite_aborts_total",
			Help: "Count of invitation sessions that moved to the error state",
		}, []string{"role"}),
		rejected: f.NewCounter(prometheus.CounterOpts{
			Name: "groupinvite_rejected_messages_total",
			Help: "Count of incoming messages that failed validation",
		}),
		duplicates: f.NewCounter(prometheus.CounterOpts{
			Name: "groupinvite_duplicate_messages_total",
			Help: "Count of incoming messages that were already stored",
		}),
		sentMsgs: f.NewCounter(prometheus.CounterOpts{
			Name: "groupinvite_sent_messages_total",
			Help: "Count of messages handed to the outbound sender",
		}),
		sendFailures: f.NewCounter(prometheus.CounterOpts{
			Name: "groupinvite_send_failures_total",
			Help: "Count of failed hand offs to the outbound sender",
		}),
	}
}

func (s *stats) recordTransitions(recs []transitionRecord) {
	for _, r := range recs {
		s.transitions.WithLabelValues(string(r.role), r.event, r.outcome.String()).Inc()
		if r.outcome == outcomeAborted {
			s.aborts.WithLabelValues(string(r.role)).Inc()
		}
	}
}
