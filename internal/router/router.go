// Package router places plan steps on workers and supervises their
// execution. The Router runs the placement pipeline for a single step:
// live candidates for the step's type, hardware filter, health
// intersection, performance ranking, and the busy check on the winner.
// The Supervisor drives whole tasks through it: planning, context,
// dispatch with retries, validation, queueing, and the drain loop that
// retries parked tasks when workers free up.
package router

import (
	"context"
	"errors"
	"strconv"

	"github.com/maestrohq/maestro/internal/health"
	"github.com/maestrohq/maestro/internal/logger"
	"github.com/maestrohq/maestro/internal/logger/tag"
	"github.com/maestrohq/maestro/internal/models"
	"github.com/maestrohq/maestro/internal/registry"
	"github.com/maestrohq/maestro/internal/tracker"
)

var (
	// ErrNoCapableWorker is returned when no worker declares the required
	// capability and no built-in fallback model is configured.
	ErrNoCapableWorker = errors.New("no capable worker available")
	// ErrCancelled is returned when a task was cancelled by the caller.
	ErrCancelled = errors.New("task cancelled")
	// ErrRetriesExhausted is returned when the per-task dispatch budget
	// ran out without an accepted answer.
	ErrRetriesExhausted = errors.New("retry budget exhausted")
)

// Queue priorities. Overloaded pools queue ahead of ordinary deferrals so
// they drain first once hardware recovers.
const (
	PriorityNormal   = 1
	PriorityOverload = 2
)

// Default hardware admission thresholds. Workers reporting load at or
// above these are skipped during selection.
const (
	defaultCPUThreshold    = 80.0
	defaultMemoryThreshold = 90.0
)

// Outcome classifies one selection pass.
type Outcome string

const (
	// OutcomeAssigned means a worker was chosen and is ready.
	OutcomeAssigned Outcome = "assigned"
	// OutcomeBuiltin means no live worker can take the step and the
	// controller should answer with its built-in model.
	OutcomeBuiltin Outcome = "use_builtin"
	// OutcomeQueued means the step must wait: no live workers and no
	// built-in model, or every candidate failed the health intersection.
	OutcomeQueued Outcome = "queued"
	// OutcomeQueuedOverload means every live worker is over the hardware
	// thresholds; the step waits at elevated priority.
	OutcomeQueuedOverload Outcome = "queued_overload"
	// OutcomeQueuedForWorker means the best candidate is busy and the
	// step waits bound to that specific worker.
	OutcomeQueuedForWorker Outcome = "queued_for_worker"
)

// Decision is the result of one selection pass.
type Decision struct {
	Outcome  Outcome
	Priority int
	// Worker is the chosen worker for OutcomeAssigned, or the busy best
	// candidate for OutcomeQueuedForWorker.
	Worker *models.Worker
	// Scores holds the ranking of every healthy candidate, best first.
	Scores []tracker.Scored
	Reason string
}

// Status renders the decision as its wire sentinel, matching the routing
// statuses recorded against tasks: assigned, use_builtin, queued,
// queued_overload, queued_for_<worker>.
func (d Decision) Status() string {
	if d.Outcome == OutcomeQueuedForWorker && d.Worker != nil {
		return "queued_for_" + d.Worker.Name
	}
	return string(d.Outcome)
}

// Router selects workers for plan steps. Selection is read-only: the
// caller applies the decision (assignment, queueing, fallback).
type Router struct {
	registry *registry.Registry
	health   *health.Monitor
	perf     *tracker.Tracker

	cpuThreshold    float64
	memoryThreshold float64
	builtin         bool
}

// Option adjusts a Router.
type Option func(*Router)

// WithHardwareThresholds overrides the CPU and memory admission cutoffs.
func WithHardwareThresholds(cpu, memory float64) Option {
	return func(r *Router) {
		r.cpuThreshold = cpu
		r.memoryThreshold = memory
	}
}

// WithBuiltinFallback declares whether a built-in model is configured.
// Without one, an empty candidate pool queues the step instead.
func WithBuiltinFallback(enabled bool) Option {
	return func(r *Router) { r.builtin = enabled }
}

// New returns a router selecting over the given pool views.
func New(reg *registry.Registry, hm *health.Monitor, perf *tracker.Tracker, opts ...Option) *Router {
	r := &Router{
		registry:        reg,
		health:          hm,
		perf:            perf,
		cpuThreshold:    defaultCPUThreshold,
		memoryThreshold: defaultMemoryThreshold,
	}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

// Select runs the placement pipeline for one step. exclude names workers
// already tried for this step; retries pass the grown set so a failing
// worker is never redispatched within the same task.
func (r *Router) Select(ctx context.Context, stepType models.StepType, exclude map[string]bool) Decision {
	live := r.registry.Alive(ctx, stepType)
	if len(exclude) > 0 {
		kept := live[:0]
		for _, w := range live {
			if !exclude[w.Name] {
				kept = append(kept, w)
			}
		}
		live = kept
	}
	if len(live) == 0 {
		if r.builtin {
			return Decision{Outcome: OutcomeBuiltin, Reason: "no live workers"}
		}
		return Decision{Outcome: OutcomeQueued, Priority: PriorityNormal, Reason: "no live workers"}
	}

	fit := live[:0]
	for _, w := range live {
		if w.Hardware.CPUPercent < r.cpuThreshold && w.Hardware.MemoryPercent < r.memoryThreshold {
			fit = append(fit, w)
			continue
		}
		logger.Debug(ctx, "Worker over hardware threshold",
			tag.Worker(w.Name),
			tag.String("cpu", strconv.FormatFloat(w.Hardware.CPUPercent, 'f', 1, 64)),
			tag.String("memory", strconv.FormatFloat(w.Hardware.MemoryPercent, 'f', 1, 64)))
	}
	if len(fit) == 0 {
		return Decision{Outcome: OutcomeQueuedOverload, Priority: PriorityOverload, Reason: "all workers overloaded"}
	}

	healthy := fit[:0]
	for _, w := range fit {
		st := r.health.Check(ctx, w.Name)
		if st.Selectable() {
			healthy = append(healthy, w)
			continue
		}
		logger.Debug(ctx, "Worker failed health check",
			tag.Worker(w.Name), tag.Health(string(st)))
	}
	if len(healthy) == 0 {
		return Decision{Outcome: OutcomeQueued, Priority: PriorityNormal, Reason: "no healthy workers"}
	}

	names := make([]string, len(healthy))
	byName := make(map[string]*models.Worker, len(healthy))
	for i, w := range healthy {
		names[i] = w.Name
		byName[w.Name] = w
	}
	ranked := r.perf.Rank(names, stepType)
	top := byName[ranked[0].Name]

	for _, sc := range ranked {
		logger.Debug(ctx, "Candidate scored",
			tag.Worker(sc.Name), tag.Score(sc.Score), tag.TaskType(string(stepType)))
	}

	if top.Status == models.WorkerStatusBusy {
		return Decision{
			Outcome:  OutcomeQueuedForWorker,
			Priority: PriorityNormal,
			Worker:   top,
			Scores:   ranked,
			Reason:   "best worker busy",
		}
	}

	logger.Info(ctx, "Worker selected",
		tag.Worker(top.Name), tag.Score(ranked[0].Score), tag.TaskType(string(stepType)))
	return Decision{Outcome: OutcomeAssigned, Worker: top, Scores: ranked}
}
