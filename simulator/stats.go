package simulator

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

type stats struct {
	reg *prometheus.Registry

	rounds        prometheus.Counter
	roundDuration prometheus.Histogram
	invitations   *prometheus.CounterVec
	peersJoined   prometheus.Gauge
}

func newStats() *stats {
	reg := prometheus.NewRegistry()
	f := promauto.With(reg)
	reg.MustRegister(collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))
	reg.MustRegister(collectors.NewGoCollector())
	return &stats{
		reg: reg,

		rounds: f.NewCounter(prometheus.CounterOpts{
			Name: "gisim_rounds_total",
			Help: "Number of completed scenario rounds",
		}),
		roundDuration: f.NewHistogram(prometheus.HistogramOpts{
			Name:    "gisim_round_duration_seconds",
			Help:    "Time to run a scenario round",
			Buckets: prometheus.ExponentialBuckets(0.01, 2, 12),
		}),
		invitations: f.NewCounterVec(prometheus.CounterOpts{
			Name: "gisim_invitations_total",
			Help: "Invitations sent, by how the invitee answered",
		}, []string{"outcome"}),
		peersJoined: f.NewGauge(prometheus.GaugeOpts{
			Name: "gisim_last_round_peers_joined",
			Help: "Member pairs sharing the group in the last round",
		}),
	}
}
