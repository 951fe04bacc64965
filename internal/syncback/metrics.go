package syncback

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

const (
	outcomeSucceeded = "succeeded"
	outcomeRetry     = "retry"
	outcomeFailed    = "failed"
)

var (
	actionsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "syncback",
		Name:      "actions_total",
		Help:      "Executed syncback actions by kind and outcome.",
	}, []string{"kind", "outcome"})

	actionDuration = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Namespace: "syncback",
		Name:      "action_duration_seconds",
		Help:      "Time spent executing one syncback action, connection acquisition included.",
		Buckets:   prometheus.DefBuckets,
	}, []string{"kind"})
)
