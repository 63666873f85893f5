package checkin

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	outcomeTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "chms",
		Subsystem: "checkin",
		Name:      "outcomes_total",
		Help:      "Check-in submissions by outcome.",
	}, []string{"outcome"})

	cacheLookups = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "chms",
		Subsystem: "checkin",
		Name:      "cache_lookups_total",
		Help:      "Attendance cache lookups by result.",
	}, []string{"result"})
)
