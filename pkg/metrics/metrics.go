// Package metrics exposes the coordinator's Prometheus instrumentation.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	RoundsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "coordinator_rounds_total",
		Help: "Rounds finished, by terminal status.",
	}, []string{"status"})

	RoundDuration = promauto.NewHistogram(prometheus.HistogramOpts{
		Name:    "coordinator_round_duration_seconds",
		Help:    "Wall time from round start to terminal state.",
		Buckets: prometheus.ExponentialBuckets(1, 2, 12),
	})

	UploadsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "coordinator_uploads_total",
		Help: "Client model uploads, by outcome.",
	}, []string{"outcome"})

	AggregationDuration = promauto.NewHistogram(prometheus.HistogramOpts{
		Name:    "coordinator_aggregation_duration_seconds",
		Help:    "Time spent combining client models.",
		Buckets: prometheus.DefBuckets,
	})

	ClientsRegistered = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "coordinator_clients_registered",
		Help: "Currently registered clients.",
	})

	SinkDroppedTotal = promauto.NewCounter(prometheus.CounterOpts{
		Name: "coordinator_sink_dropped_total",
		Help: "Metric records dropped because the sink queue was full.",
	})

	WorkerQueueRejects = promauto.NewCounter(prometheus.CounterOpts{
		Name: "coordinator_worker_queue_rejects_total",
		Help: "Jobs rejected because the worker queue was full.",
	})
)
