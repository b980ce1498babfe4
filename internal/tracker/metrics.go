package tracker

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	submissionsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "agentbuild",
		Name:      "submissions_total",
		Help:      "Build submissions by result.",
	}, []string{"result"})

	pollsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "agentbuild",
		Name:      "status_polls_total",
		Help:      "Status queries by outcome.",
	}, []string{"outcome"})

	buildsFinishedTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "agentbuild",
		Name:      "builds_finished_total",
		Help:      "Builds observed reaching a terminal state.",
	}, []string{"state"})

	activePollers = promauto.NewGauge(prometheus.GaugeOpts{
		Namespace: "agentbuild",
		Name:      "pollers_active",
		Help:      "Pollers currently attached to a build.",
	})
)
