// Package metrics exposes the controller's Prometheus instrumentation:
// task flow counters, dispatch outcomes, step latency, queue depth, and
// fleet gauges. A nil *Metrics is a no-op so tests can skip wiring it.
package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/maestrohq/maestro/internal/build"
)

// Dispatch outcome label values.
const (
	OutcomeSuccess         = "success"
	OutcomeTransportError  = "transport_error"
	OutcomeSemanticFailure = "semantic_failure"
	OutcomeRejected        = "rejected"
)

// Metrics holds every collector behind one private registry.
type Metrics struct {
	registry *prometheus.Registry

	tasksTotal      *prometheus.CounterVec
	tasksCompleted  prometheus.Counter
	tasksFailed     prometheus.Counter
	tasksQueued     prometheus.Counter
	tasksCancelled  prometheus.Counter
	dispatchesTotal *prometheus.CounterVec
	stepLatency     *prometheus.HistogramVec
	quality         prometheus.Histogram
	cacheHits       prometheus.Counter
	cacheMisses     prometheus.Counter
	builtinUsed     prometheus.Counter
	queueDepth      prometheus.Gauge
	workersLive     prometheus.Gauge
	workersHealthy  prometheus.Gauge
	leaderActive    prometheus.Gauge
}

// New builds and registers all collectors on a fresh registry.
func New() *Metrics {
	m := &Metrics{
		registry: prometheus.NewRegistry(),
		tasksTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "maestro_tasks_total",
			Help: "Tasks accepted for routing, by step type.",
		}, []string{"type"}),
		tasksCompleted: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "maestro_tasks_completed_total",
			Help: "Tasks that finished with an accepted answer.",
		}),
		tasksFailed: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "maestro_tasks_failed_total",
			Help: "Tasks that exhausted their retry budget.",
		}),
		tasksQueued: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "maestro_tasks_queued_total",
			Help: "Tasks deferred to the queue by the router.",
		}),
		tasksCancelled: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "maestro_tasks_cancelled_total",
			Help: "Tasks cancelled by the caller.",
		}),
		dispatchesTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "maestro_dispatches_total",
			Help: "Worker dispatches, by worker and outcome.",
		}, []string{"worker", "outcome"}),
		stepLatency: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "maestro_step_duration_seconds",
			Help:    "Wall time of one plan step, by step type.",
			Buckets: []float64{0.1, 0.25, 0.5, 1, 2.5, 5, 10, 30, 60, 120, 300},
		}, []string{"type"}),
		quality: prometheus.NewHistogram(prometheus.HistogramOpts{
			Name:    "maestro_answer_quality",
			Help:    "Validator quality scores for accepted answers.",
			Buckets: prometheus.LinearBuckets(0, 1, 11),
		}),
		cacheHits: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "maestro_cache_hits_total",
			Help: "Chat requests answered from the response cache.",
		}),
		cacheMisses: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "maestro_cache_misses_total",
			Help: "Chat requests that missed the response cache.",
		}),
		builtinUsed: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "maestro_builtin_fallbacks_total",
			Help: "Steps answered by the built-in model because no worker could take them.",
		}),
		queueDepth: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "maestro_queue_depth",
			Help: "Tasks currently waiting in the queue.",
		}),
		workersLive: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "maestro_workers_live",
			Help: "Workers with a fresh heartbeat.",
		}),
		workersHealthy: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "maestro_workers_healthy",
			Help: "Workers currently selectable by the health monitor.",
		}),
		leaderActive: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "maestro_leader_active",
			Help: "1 when this replica is the active master.",
		}),
	}

	m.registry.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewBuildInfoCollector(),
		m.tasksTotal, m.tasksCompleted, m.tasksFailed, m.tasksQueued, m.tasksCancelled,
		m.dispatchesTotal, m.stepLatency, m.quality,
		m.cacheHits, m.cacheMisses, m.builtinUsed,
		m.queueDepth, m.workersLive, m.workersHealthy, m.leaderActive,
	)

	info := prometheus.NewGauge(prometheus.GaugeOpts{
		Name:        "maestro_build_info",
		Help:        "Build identity.",
		ConstLabels: prometheus.Labels{"version": build.Version},
	})
	info.Set(1)
	m.registry.MustRegister(info)

	return m
}

// Handler serves the registry in Prometheus text format.
func (m *Metrics) Handler() http.Handler {
	if m == nil {
		return promhttp.Handler()
	}
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{})
}

// TaskAccepted counts a task entering routing.
func (m *Metrics) TaskAccepted(stepType string) {
	if m == nil {
		return
	}
	m.tasksTotal.WithLabelValues(stepType).Inc()
}

// TaskCompleted counts an accepted final answer.
func (m *Metrics) TaskCompleted() {
	if m == nil {
		return
	}
	m.tasksCompleted.Inc()
}

// TaskFailed counts an exhausted task.
func (m *Metrics) TaskFailed() {
	if m == nil {
		return
	}
	m.tasksFailed.Inc()
}

// TaskQueued counts a deferral to the queue.
func (m *Metrics) TaskQueued() {
	if m == nil {
		return
	}
	m.tasksQueued.Inc()
}

// TaskCancelled counts a caller-initiated cancellation.
func (m *Metrics) TaskCancelled() {
	if m == nil {
		return
	}
	m.tasksCancelled.Inc()
}

// Dispatch records one worker dispatch and its outcome.
func (m *Metrics) Dispatch(workerName, outcome string) {
	if m == nil {
		return
	}
	m.dispatchesTotal.WithLabelValues(workerName, outcome).Inc()
}

// StepDone observes one step's wall time.
func (m *Metrics) StepDone(stepType string, seconds float64) {
	if m == nil {
		return
	}
	m.stepLatency.WithLabelValues(stepType).Observe(seconds)
}

// Quality observes a validator score for an accepted answer.
func (m *Metrics) Quality(score float64) {
	if m == nil {
		return
	}
	m.quality.Observe(score)
}

// CacheHit counts a cache-served chat request.
func (m *Metrics) CacheHit() {
	if m == nil {
		return
	}
	m.cacheHits.Inc()
}

// CacheMiss counts a cache miss.
func (m *Metrics) CacheMiss() {
	if m == nil {
		return
	}
	m.cacheMisses.Inc()
}

// BuiltinFallback counts a step answered by the built-in model.
func (m *Metrics) BuiltinFallback() {
	if m == nil {
		return
	}
	m.builtinUsed.Inc()
}

// SetQueueDepth publishes the current queue length.
func (m *Metrics) SetQueueDepth(n int) {
	if m == nil {
		return
	}
	m.queueDepth.Set(float64(n))
}

// SetFleet publishes live and selectable worker counts.
func (m *Metrics) SetFleet(live, healthy int) {
	if m == nil {
		return
	}
	m.workersLive.Set(float64(live))
	m.workersHealthy.Set(float64(healthy))
}

// SetLeader publishes whether this replica is the active master.
func (m *Metrics) SetLeader(active bool) {
	if m == nil {
		return
	}
	if active {
		m.leaderActive.Set(1)
	} else {
		m.leaderActive.Set(0)
	}
}
