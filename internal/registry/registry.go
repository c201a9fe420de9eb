// Package registry tracks the live worker pool: registrations,
// heartbeats with hardware telemetry, and per-worker task counters. The
// in-memory view answers selection queries; every mutation is written
// through to the agent store so the pool survives a controller restart.
package registry

import (
	"context"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/maestrohq/maestro/internal/logger"
	"github.com/maestrohq/maestro/internal/logger/tag"
	"github.com/maestrohq/maestro/internal/models"
	"github.com/maestrohq/maestro/internal/persistence"
)

// defaultFreshness is the heartbeat age under which a worker counts as
// live for selection.
const defaultFreshness = 30 * time.Second

// Registry is the authoritative in-memory view of the worker pool.
type Registry struct {
	mu      sync.RWMutex
	workers map[string]*models.Worker

	store     persistence.AgentStore
	freshness time.Duration
	now       func() time.Time

	// idle pulses when a worker becomes available so the queue drain
	// loop can wake immediately instead of waiting for its tick.
	idle chan struct{}
}

// Option adjusts a Registry.
type Option func(*Registry)

// WithFreshness overrides the liveness cutoff.
func WithFreshness(d time.Duration) Option {
	return func(r *Registry) { r.freshness = d }
}

// WithClock overrides the time source. Only used in tests.
func WithClock(now func() time.Time) Option {
	return func(r *Registry) { r.now = now }
}

// New returns a registry writing through to store.
func New(store persistence.AgentStore, opts ...Option) *Registry {
	r := &Registry{
		workers:   make(map[string]*models.Worker),
		store:     store,
		freshness: defaultFreshness,
		now:       time.Now,
		idle:      make(chan struct{}, 1),
	}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

// Hydrate loads the persisted pool into memory. Called once at boot,
// before the registry starts serving queries.
func (r *Registry) Hydrate(ctx context.Context) error {
	workers, err := r.store.List(ctx)
	if err != nil {
		return err
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	for _, w := range workers {
		cp := *w
		r.workers[w.Name] = &cp
	}
	logger.Info(ctx, "Worker pool hydrated", tag.Count(len(workers)))
	return nil
}

// Register adds a worker to the pool. Registration is idempotent by
// name: a re-register updates host, port, and capability, keeps the
// lifetime counters, and resets the worker to idle.
func (r *Registry) Register(ctx context.Context, w *models.Worker) error {
	r.mu.Lock()

	now := r.now()
	existing, ok := r.workers[w.Name]
	if ok {
		existing.Host = w.Host
		existing.Port = w.Port
		existing.Capability = w.Capability
		existing.Status = models.WorkerStatusIdle
		existing.LastHeartbeat = now
		w = existing
	} else {
		cp := *w
		cp.Status = models.WorkerStatusIdle
		cp.LastHeartbeat = now
		r.workers[cp.Name] = &cp
		w = &cp
	}
	stored := *w
	r.mu.Unlock()

	if ok {
		logger.Info(ctx, "Worker re-registered",
			tag.Worker(stored.Name), tag.Capability(string(stored.Capability)), tag.Addr(stored.Addr()))
	} else {
		logger.Info(ctx, "Worker registered",
			tag.Worker(stored.Name), tag.Capability(string(stored.Capability)), tag.Addr(stored.Addr()))
	}

	r.signalIdle()
	return r.store.Upsert(ctx, &stored)
}

// Heartbeat records a worker's status and hardware telemetry. Unknown
// workers must register first.
func (r *Registry) Heartbeat(ctx context.Context, name string, status models.WorkerStatus, hw models.Hardware) error {
	r.mu.Lock()

	w, ok := r.workers[name]
	if !ok {
		r.mu.Unlock()
		return persistence.ErrNotFound
	}

	now := r.now()
	wasAvailable := w.Status == models.WorkerStatusIdle
	w.LastHeartbeat = now
	w.Status = status
	w.Hardware = hw
	r.mu.Unlock()

	if status == models.WorkerStatusIdle && !wasAvailable {
		r.signalIdle()
	}
	return r.store.Heartbeat(ctx, name, status, hw, now)
}

// SetStatus moves a worker between idle, busy, and failed.
func (r *Registry) SetStatus(ctx context.Context, name string, status models.WorkerStatus) error {
	r.mu.Lock()
	w, ok := r.workers[name]
	if !ok {
		r.mu.Unlock()
		return persistence.ErrNotFound
	}
	wasAvailable := w.Status == models.WorkerStatusIdle
	w.Status = status
	r.mu.Unlock()

	if status == models.WorkerStatusIdle && !wasAvailable {
		r.signalIdle()
	}
	return r.store.SetStatus(ctx, name, status)
}

// RecordResult folds one task outcome into the worker's counters. On
// success the running-mean execution time advances; either way the
// worker returns to idle, ready for the next assignment.
func (r *Registry) RecordResult(ctx context.Context, name string, success bool, execTime float64) error {
	r.mu.Lock()
	w, ok := r.workers[name]
	if !ok {
		r.mu.Unlock()
		return persistence.ErrNotFound
	}

	if success {
		w.AvgExecutionTime = (w.AvgExecutionTime*float64(w.TotalTasks) + execTime) / float64(w.TotalTasks+1)
		w.SuccessfulTasks++
	} else {
		w.FailedTasks++
	}
	w.TotalTasks++
	w.Status = models.WorkerStatusIdle
	r.mu.Unlock()

	r.signalIdle()
	return r.store.RecordResult(ctx, name, success, execTime)
}

// Get returns a copy of one worker.
func (r *Registry) Get(_ context.Context, name string) (*models.Worker, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	w, ok := r.workers[name]
	if !ok {
		return nil, persistence.ErrNotFound
	}
	cp := *w
	return &cp, nil
}

// List returns a copy of every registered worker, sorted by name.
func (r *Registry) List(_ context.Context) []*models.Worker {
	r.mu.RLock()
	defer r.mu.RUnlock()

	out := make([]*models.Worker, 0, len(r.workers))
	for _, w := range r.workers {
		cp := *w
		out = append(out, &cp)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return out
}

// Alive returns the live candidates for a task type: heartbeat fresher
// than the cutoff and not failed. For specialized types the capability
// must contain the type name or be general; general and image_generation
// requests consider the whole live pool. Results are ordered idle first,
// then busy, then by CPU and memory load.
func (r *Registry) Alive(_ context.Context, taskType models.StepType) []*models.Worker {
	r.mu.RLock()
	defer r.mu.RUnlock()

	now := r.now()
	filtered := taskType != "" &&
		taskType != models.StepTypeGeneral &&
		string(taskType) != string(models.CapabilityImageGeneration)

	var out []*models.Worker
	for _, w := range r.workers {
		if w.HeartbeatAge(now) >= r.freshness {
			continue
		}
		if w.Status == models.WorkerStatusFailed {
			continue
		}
		if filtered {
			match := strings.Contains(string(w.Capability), string(taskType)) ||
				w.Capability == models.CapabilityGeneral
			if !match {
				continue
			}
		}
		cp := *w
		out = append(out, &cp)
	}

	sort.SliceStable(out, func(i, j int) bool {
		ri, rj := statusRank(out[i].Status), statusRank(out[j].Status)
		if ri != rj {
			return ri < rj
		}
		if out[i].Hardware.CPUPercent != out[j].Hardware.CPUPercent {
			return out[i].Hardware.CPUPercent < out[j].Hardware.CPUPercent
		}
		return out[i].Hardware.MemoryPercent < out[j].Hardware.MemoryPercent
	})
	return out
}

// statusRank orders selection candidates: idle beats busy beats anything
// else.
func statusRank(s models.WorkerStatus) int {
	switch s {
	case models.WorkerStatusIdle:
		return 0
	case models.WorkerStatusBusy:
		return 1
	default:
		return 2
	}
}

// Count returns the number of registered workers.
func (r *Registry) Count() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.workers)
}

// IdleSignal pulses when a worker becomes available. The channel is
// buffered; consumers that miss a pulse catch up on their next tick.
func (r *Registry) IdleSignal() <-chan struct{} {
	return r.idle
}

func (r *Registry) signalIdle() {
	select {
	case r.idle <- struct{}{}:
	default:
	}
}
