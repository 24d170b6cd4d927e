package jobs

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	// jobsTotal counts jobs reaching a terminal state.
	jobsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "kura_jobs_total",
		Help: "Jobs finished by name and terminal state",
	}, []string{"name", "state"})

	jobsRunning = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "kura_jobs_running",
		Help: "Jobs currently executing",
	})
)
