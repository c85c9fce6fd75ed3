package server

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

//nolint:gochecknoglobals // prometheus collectors are package-level by convention
var (
	sessionsStartedTotal = promauto.NewCounter(prometheus.CounterOpts{
		Name: "forgeloop_sessions_started_total",
		Help: "Sessions accepted and spawned as worker subprocesses.",
	})

	sessionsFinishedTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "forgeloop_sessions_finished_total",
		Help: "Sessions reaching a terminal status.",
	}, []string{"status"})

	eventsForwardedTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "forgeloop_events_forwarded_total",
		Help: "Event envelopes delivered through session streams.",
	}, []string{"type"})

	eventsDroppedTotal = promauto.NewCounter(prometheus.CounterOpts{
		Name: "forgeloop_stream_events_dropped_total",
		Help: "Envelopes dropped because a subscriber could not keep up.",
	})

	healRepairsTotal = promauto.NewCounter(prometheus.CounterOpts{
		Name: "forgeloop_heal_repairs_total",
		Help: "Repair attempts observed across all sessions.",
	})

	streamSubscribers = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "forgeloop_stream_subscribers",
		Help: "Currently attached stream subscribers.",
	})
)
