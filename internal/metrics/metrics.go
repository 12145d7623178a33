// Package metrics exposes Prometheus collectors that report orchestrator
// activity. Collectors are registered in-process only; nothing here opens a
// scrape endpoint.
package metrics

import (
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

const namespace = "conductor"

// Metrics holds every collector the gateway, scheduler, and supervisor
// report into. All observe methods are nil-safe so call sites never need to
// guard against an unconfigured instance.
type Metrics struct {
	transitions   *prometheus.CounterVec
	requests      *prometheus.CounterVec
	queueWait     prometheus.Histogram
	runDuration   *prometheus.HistogramVec
	tasksRunning  prometheus.Gauge
	tasksQueued   prometheus.Gauge
	spawnFailures prometheus.Counter
}

var (
	defaultMetricsOnce sync.Once
	sharedMetrics      *Metrics
)

// Default returns the package-level instance registered with the global
// Prometheus registry. Collectors are created only once so repeated gateway
// construction (tests, restarts) cannot trip duplicate registration.
func Default() *Metrics {
	defaultMetricsOnce.Do(func() {
		sharedMetrics = MustNew(prometheus.DefaultRegisterer)
	})
	return sharedMetrics
}

// MustNew constructs a Metrics instance using the provided registerer.
// Callers that need isolated metric values (tests) should pass a fresh
// registry. Registration errors other than duplicates panic, surfacing
// wiring bugs early.
func MustNew(reg prometheus.Registerer) *Metrics {
	if reg == nil {
		reg = prometheus.DefaultRegisterer
	}

	transitions := prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "tasks",
			Name:      "transitions_total",
			Help:      "Task state transitions, labelled by the state entered.",
		},
		[]string{"to"},
	)
	requests := prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "gateway",
			Name:      "requests_total",
			Help:      "Requests dispatched, labelled by op and outcome.",
		},
		[]string{"op", "outcome"},
	)
	queueWait := prometheus.NewHistogram(
		prometheus.HistogramOpts{
			Namespace: namespace,
			Subsystem: "scheduler",
			Name:      "queue_wait_seconds",
			Help:      "Time tasks spend queued before admission.",
			Buckets:   prometheus.DefBuckets,
		},
	)
	runDuration := prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: namespace,
			Subsystem: "tasks",
			Name:      "run_duration_seconds",
			Help:      "Wall time from admission to a terminal state.",
			Buckets:   prometheus.ExponentialBuckets(0.5, 2, 12),
		},
		[]string{"state"},
	)
	tasksRunning := prometheus.NewGauge(
		prometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: "scheduler",
			Name:      "tasks_running",
			Help:      "Tasks currently occupying an execution slot.",
		},
	)
	tasksQueued := prometheus.NewGauge(
		prometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: "scheduler",
			Name:      "tasks_queued",
			Help:      "Tasks waiting for admission.",
		},
	)
	spawnFailures := prometheus.NewCounter(
		prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "supervisor",
			Name:      "spawn_failures_total",
			Help:      "Agent child processes that failed to start.",
		},
	)

	collectors := []prometheus.Collector{
		transitions, requests, queueWait, runDuration, tasksRunning, tasksQueued, spawnFailures,
	}
	for _, collector := range collectors {
		if err := reg.Register(collector); err != nil {
			already, ok := err.(prometheus.AlreadyRegisteredError)
			if !ok {
				panic(err)
			}
			// Reuse the existing collector so every instance reports into
			// the same series.
			switch collector {
			case transitions:
				transitions = already.ExistingCollector.(*prometheus.CounterVec)
			case requests:
				requests = already.ExistingCollector.(*prometheus.CounterVec)
			case queueWait:
				queueWait = already.ExistingCollector.(prometheus.Histogram)
			case runDuration:
				runDuration = already.ExistingCollector.(*prometheus.HistogramVec)
			case tasksRunning:
				tasksRunning = already.ExistingCollector.(prometheus.Gauge)
			case tasksQueued:
				tasksQueued = already.ExistingCollector.(prometheus.Gauge)
			case spawnFailures:
				spawnFailures = already.ExistingCollector.(prometheus.Counter)
			}
		}
	}

	return &Metrics{
		transitions:   transitions,
		requests:      requests,
		queueWait:     queueWait,
		runDuration:   runDuration,
		tasksRunning:  tasksRunning,
		tasksQueued:   tasksQueued,
		spawnFailures: spawnFailures,
	}
}

// IncTransition counts a task entering the given state.
func (m *Metrics) IncTransition(to string) {
	if m == nil || m.transitions == nil {
		return
	}
	m.transitions.WithLabelValues(to).Inc()
}

// IncRequest counts one dispatched request.
func (m *Metrics) IncRequest(op, outcome string) {
	if m == nil || m.requests == nil {
		return
	}
	m.requests.WithLabelValues(op, outcome).Inc()
}

// ObserveQueueWait records how long a task waited for admission.
func (m *Metrics) ObserveQueueWait(d time.Duration) {
	if m == nil || m.queueWait == nil {
		return
	}
	m.queueWait.Observe(d.Seconds())
}

// ObserveRunDuration records admission-to-terminal wall time.
func (m *Metrics) ObserveRunDuration(state string, d time.Duration) {
	if m == nil || m.runDuration == nil {
		return
	}
	m.runDuration.WithLabelValues(state).Observe(d.Seconds())
}

// SetTasksRunning reports the current slot occupancy.
func (m *Metrics) SetTasksRunning(n int) {
	if m == nil || m.tasksRunning == nil {
		return
	}
	m.tasksRunning.Set(float64(n))
}

// SetTasksQueued reports the current admission backlog.
func (m *Metrics) SetTasksQueued(n int) {
	if m == nil || m.tasksQueued == nil {
		return
	}
	m.tasksQueued.Set(float64(n))
}

// IncSpawnFailure counts a child process that never started.
func (m *Metrics) IncSpawnFailure() {
	if m == nil || m.spawnFailures == nil {
		return
	}
	m.spawnFailures.Inc()
}
