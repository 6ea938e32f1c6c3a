package engine

import "github.com/prometheus/client_golang/prometheus"

var (
	sessionsActive = prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "crucible_sessions_active",
		Help: "Number of sessions with a live worker goroutine.",
	})

	chunksEmitted = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "crucible_chunks_emitted_total",
		Help: "Total number of output chunks emitted by workers.",
	})

	sessionsEvicted = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "crucible_sessions_evicted_total",
		Help: "Total number of idle sessions evicted by the janitor.",
	})

	sessionsFinished = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "crucible_sessions_finished_total",
		Help: "Total number of sessions reaching a terminal status.",
	}, []string{"status"})
)

func init() {
	prometheus.MustRegister(sessionsActive)
	prometheus.MustRegister(chunksEmitted)
	prometheus.MustRegister(sessionsEvicted)
	prometheus.MustRegister(sessionsFinished)
}
