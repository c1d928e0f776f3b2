package docrelay

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	tasksSubmitted = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "docrelay",
		Name:      "tasks_submitted_total",
		Help:      "Total tasks admitted, labelled by engine.",
	}, []string{"engine"})

	tasksFinished = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "docrelay",
		Name:      "tasks_finished_total",
		Help:      "Total tasks reaching a terminal state, labelled by engine and status.",
	}, []string{"engine", "status"})

	tasksInFlight = promauto.NewGaugeVec(prometheus.GaugeOpts{
		Namespace: "docrelay",
		Name:      "tasks_inflight",
		Help:      "Tasks currently being executed.",
	}, []string{"engine"})

	taskDurationSeconds = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Namespace: "docrelay",
		Name:      "task_duration_seconds",
		Help:      "End-to-end task execution time in seconds.",
		Buckets:   []float64{0.1, 0.5, 1, 5, 15, 30, 60, 120, 300, 600},
	}, []string{"engine"})

	taskRetries = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "docrelay",
		Name:      "task_retries_total",
		Help:      "Total task execution retries.",
	}, []string{"engine"})

	itemsConverted = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "docrelay",
		Name:      "items_converted_total",
		Help:      "Total items converted, labelled by outcome.",
	}, []string{"outcome"})

	converterBuilds = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: "docrelay",
		Subsystem: "cache",
		Name:      "builds_total",
		Help:      "Total converter constructions.",
	})

	converterBuildFailures = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: "docrelay",
		Subsystem: "cache",
		Name:      "build_failures_total",
		Help:      "Total failed converter constructions.",
	})

	converterCacheHits = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: "docrelay",
		Subsystem: "cache",
		Name:      "hits_total",
		Help:      "Total converter acquisitions served from cache.",
	})

	converterCacheMisses = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: "docrelay",
		Subsystem: "cache",
		Name:      "misses_total",
		Help:      "Total converter acquisitions that triggered a construction.",
	})

	converterEvictions = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: "docrelay",
		Subsystem: "cache",
		Name:      "evictions_total",
		Help:      "Total converters evicted by the capacity bound.",
	})
)
