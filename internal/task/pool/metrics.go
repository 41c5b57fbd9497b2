package pool

import (
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

var (
	waitingTasks = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "taskpool_waiting_tasks",
			Help: "Number of accepted tasks not started yet.",
		},
		[]string{"pool"},
	)
	runningTasks = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "taskpool_running_tasks",
			Help: "Number of tasks currently executing.",
		},
		[]string{"pool"},
	)
	concurrencyLimit = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "taskpool_concurrency_limit",
			Help: "Configured concurrency limit.",
		},
		[]string{"pool"},
	)
	pendingChunk = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "taskpool_pending_chunk_records",
			Help: "Records collected since the last chunk submission.",
		},
		[]string{"pool"},
	)
	taskResults = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "taskpool_task_results_total",
			Help: "Number of settled tasks by outcome.",
		},
		[]string{"pool", "outcome"},
	)
	taskDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "taskpool_task_duration_seconds",
			Help:    "Task body execution time.",
			Buckets: prometheus.ExponentialBuckets(0.005, 4, 9),
		},
		[]string{"pool"},
	)
	deletedTasks = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "taskpool_deleted_tasks_total",
			Help: "Number of deleted tasks by state at deletion.",
		},
		[]string{"pool", "state"},
	)
	abandonedTasks = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "taskpool_abandoned_settlements_total",
			Help: "Settlements ignored because the task was deleted, stopped or reset.",
		},
		[]string{"pool"},
	)
	chunkSubmits = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "taskpool_chunk_submits_total",
			Help: "Chunk submissions by result (ok, retained, discarded).",
		},
		[]string{"pool", "result"},
	)
	drains = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "taskpool_drains_total",
			Help: "Number of times the pool drained.",
		},
		[]string{"pool"},
	)
	poolCollectors = []prometheus.Collector{
		waitingTasks,
		runningTasks,
		concurrencyLimit,
		pendingChunk,
		taskResults,
		taskDuration,
		deletedTasks,
		abandonedTasks,
		chunkSubmits,
		drains,
	}

	metricsOnce sync.Once
)

func initMetrics() {
	metricsOnce.Do(func() {
		prometheus.MustRegister(poolCollectors...)
	})
}

func observeRecord(pool string, outcome Outcome, dur time.Duration) {
	taskResults.WithLabelValues(pool, string(outcome)).Inc()
	taskDuration.WithLabelValues(pool).Observe(dur.Seconds())
}

func (p *Pool[A, R]) updateGaugesLocked() {
	waitingTasks.WithLabelValues(p.name).Set(float64(p.rest.Len()))
	runningTasks.WithLabelValues(p.name).Set(float64(len(p.running)))
	concurrencyLimit.WithLabelValues(p.name).Set(float64(p.cfg.Concurrency))
	pendingChunk.WithLabelValues(p.name).Set(float64(len(p.chunk)))
}
