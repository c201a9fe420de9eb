// Package health classifies worker liveness from heartbeats and task
// feedback. It layers a consecutive-failure circuit breaker over
// heartbeat staleness and the performance tracker's predictive signals,
// so the router only considers workers that are likely to succeed.
package health

import (
	"context"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/maestrohq/maestro/internal/logger"
	"github.com/maestrohq/maestro/internal/logger/tag"
	"github.com/maestrohq/maestro/internal/tracker"
)

// Status is a worker's derived health class.
type Status string

const (
	// StatusHealthy means fresh heartbeats and no failure streak.
	StatusHealthy Status = "healthy"
	// StatusDegraded means a short failure streak; still selectable.
	StatusDegraded Status = "degraded"
	// StatusUnhealthy means the heartbeat went stale; reversible.
	StatusUnhealthy Status = "unhealthy"
	// StatusDead means the circuit is open; excluded from selection.
	StatusDead Status = "dead"
	// StatusUnknown means the worker has never been seen.
	StatusUnknown Status = "unknown"
)

// Selectable reports whether a worker in this state may receive work.
func (s Status) Selectable() bool {
	return s == StatusHealthy || s == StatusDegraded
}

const (
	// defaultHeartbeatThreshold is the heartbeat age at which a worker
	// counts as unhealthy. Age equal to the threshold is already stale.
	defaultHeartbeatThreshold = 30 * time.Second

	// defaultFailureThreshold is the consecutive-failure count that opens
	// the circuit.
	defaultFailureThreshold = 3

	// degradedAfter is the failure streak at which a worker is degraded.
	degradedAfter = 2

	// minPredictedSuccess kills workers predicted to fail most tasks.
	minPredictedSuccess = 40.0

	// revivalCooldown must elapse after the last failure before a dead
	// worker re-enters selection; degrading workers wait twice as long.
	revivalCooldown          = 5 * time.Minute
	degradingRevivalCooldown = 10 * time.Minute
)

// state is the monitor's record for one worker.
type state struct {
	lastHeartbeat time.Time
	firstSeen     time.Time
	lastFailure   time.Time
	consecutive   int
	totalFailures int
	status        Status
}

// Monitor watches every registered worker. It owns heartbeat bookkeeping
// and the failure circuit; predictive signals come from the performance
// tracker.
type Monitor struct {
	mu      sync.Mutex
	workers map[string]*state
	perf    *tracker.Tracker

	heartbeatThreshold time.Duration
	failureThreshold   int
	now                func() time.Time
}

// Option adjusts a Monitor.
type Option func(*Monitor)

// WithHeartbeatThreshold overrides the staleness cutoff.
func WithHeartbeatThreshold(d time.Duration) Option {
	return func(m *Monitor) { m.heartbeatThreshold = d }
}

// WithFailureThreshold overrides the consecutive-failure cutoff.
func WithFailureThreshold(n int) Option {
	return func(m *Monitor) { m.failureThreshold = n }
}

// WithClock overrides the time source. Only used in tests.
func WithClock(now func() time.Time) Option {
	return func(m *Monitor) { m.now = now }
}

// NewMonitor returns a monitor that consults perf for trend and
// prediction signals.
func NewMonitor(perf *tracker.Tracker, opts ...Option) *Monitor {
	m := &Monitor{
		workers:            make(map[string]*state),
		perf:               perf,
		heartbeatThreshold: defaultHeartbeatThreshold,
		failureThreshold:   defaultFailureThreshold,
		now:                time.Now,
	}
	for _, opt := range opts {
		opt(m)
	}
	return m
}

// Heartbeat records a successful heartbeat. It resets the failure streak
// and revives unhealthy workers; dead workers revive only once the
// cooldown since their last failure has elapsed.
func (m *Monitor) Heartbeat(ctx context.Context, workerID string) {
	m.mu.Lock()
	defer m.mu.Unlock()

	now := m.now()
	st, ok := m.workers[workerID]
	if !ok {
		m.workers[workerID] = &state{
			lastHeartbeat: now,
			firstSeen:     now,
			status:        StatusHealthy,
		}
		return
	}

	st.lastHeartbeat = now
	st.consecutive = 0

	switch st.status {
	case StatusDead:
		if m.cooldownOver(workerID, st, now) {
			logger.Info(ctx, "Worker recovered from dead state", tag.Worker(workerID))
			st.status = StatusHealthy
		}
	case StatusUnhealthy, StatusDegraded:
		st.status = StatusHealthy
	}
}

// RecordFailure feeds one failed attempt into the circuit. The threshold
// adapts: new workers get two extra chances, improving workers one.
func (m *Monitor) RecordFailure(ctx context.Context, workerID string) {
	m.mu.Lock()
	defer m.mu.Unlock()

	st, ok := m.workers[workerID]
	if !ok {
		return
	}

	st.consecutive++
	st.totalFailures++
	st.lastFailure = m.now()

	limit := m.failureLimit(workerID)
	switch {
	case st.consecutive >= limit:
		if st.status != StatusDead {
			logger.Warn(ctx, "Worker marked dead",
				tag.Worker(workerID), tag.Count(st.consecutive))
		}
		st.status = StatusDead
	case st.consecutive >= degradedAfter:
		if st.status != StatusDegraded {
			logger.Warn(ctx, "Worker degraded",
				tag.Worker(workerID), tag.Count(st.consecutive))
		}
		st.status = StatusDegraded
	}
}

// RecordSuccess feeds one successful attempt into the circuit, closing a
// degraded state without waiting for the next heartbeat.
func (m *Monitor) RecordSuccess(_ context.Context, workerID string) {
	m.mu.Lock()
	defer m.mu.Unlock()

	st, ok := m.workers[workerID]
	if !ok {
		return
	}
	st.consecutive = 0
	if st.status == StatusDegraded {
		st.status = StatusHealthy
	}
}

// failureLimit returns the adaptive circuit threshold for a worker.
func (m *Monitor) failureLimit(workerID string) int {
	limit := m.failureThreshold
	snap, ok := m.perf.Snapshot(workerID)
	if !ok {
		return limit
	}
	switch {
	case snap.TotalTasks < 5:
		limit += 2
	case snap.Trend == tracker.TrendImproving:
		limit++
	}
	return limit
}

// Check evaluates and returns a worker's current status. Staleness and
// the tracker's predictive rules are re-applied on every call.
func (m *Monitor) Check(ctx context.Context, workerID string) Status {
	m.mu.Lock()
	defer m.mu.Unlock()

	st, ok := m.workers[workerID]
	if !ok {
		return StatusUnknown
	}
	return m.evaluate(ctx, workerID, st)
}

// evaluate applies the query-time rules to one worker. Caller holds m.mu.
func (m *Monitor) evaluate(ctx context.Context, workerID string, st *state) Status {
	now := m.now()

	if age := now.Sub(st.lastHeartbeat); age >= m.heartbeatThreshold {
		if st.status != StatusDead && st.status != StatusUnhealthy {
			logger.Warn(ctx, "Worker heartbeat stale",
				tag.Worker(workerID), tag.Age(age))
			st.status = StatusUnhealthy
		}
		return st.status
	}

	if snap, ok := m.perf.Snapshot(workerID); ok && snap.TotalTasks > 0 {
		if reason := circuitReason(snap); reason != "" {
			if st.status != StatusDead {
				logger.Warn(ctx, "Worker circuit opened",
					tag.Worker(workerID), tag.Reason(reason), tag.Trend(string(snap.Trend)))
				st.status = StatusDead
			}
			return st.status
		}
	}

	return st.status
}

// circuitReason returns a non-empty reason when the tracker's predictive
// signals say the worker should not receive work.
func circuitReason(snap tracker.Snapshot) string {
	if snap.PredictedSuccess < minPredictedSuccess {
		return "predicted success below threshold"
	}
	if snap.Trend == tracker.TrendDegrading {
		if snap.TotalTasks > 10 && snap.Uptime < 60 {
			return "degrading with low uptime"
		}
		return ""
	}
	if snap.TotalTasks > 10 && snap.Uptime < 50 {
		return "low uptime"
	}
	return ""
}

// cooldownOver reports whether enough time has passed since the last
// failure for a dead worker to re-enter selection.
func (m *Monitor) cooldownOver(workerID string, st *state, now time.Time) bool {
	if st.lastFailure.IsZero() {
		return true
	}
	cooldown := revivalCooldown
	if snap, ok := m.perf.Snapshot(workerID); ok && snap.Trend == tracker.TrendDegrading {
		cooldown = degradingRevivalCooldown
	}
	return now.Sub(st.lastFailure) >= cooldown
}

// Selectable reports whether the worker may receive work right now.
func (m *Monitor) Selectable(ctx context.Context, workerID string) bool {
	return m.Check(ctx, workerID).Selectable()
}

// Healthy returns the ids of all selectable workers, sorted. When
// typeFilter is non-empty only workers whose id contains it survive, the
// convention the pool uses for capability-named workers.
func (m *Monitor) Healthy(ctx context.Context, typeFilter string) []string {
	m.mu.Lock()
	defer m.mu.Unlock()

	var out []string
	filter := strings.ToLower(typeFilter)
	for id, st := range m.workers {
		if !m.evaluate(ctx, id, st).Selectable() {
			continue
		}
		if filter != "" && !strings.Contains(strings.ToLower(id), filter) {
			continue
		}
		out = append(out, id)
	}
	sort.Strings(out)
	return out
}

// Forget removes a worker from the monitor.
func (m *Monitor) Forget(workerID string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.workers, workerID)
}

// Reset clears a worker's failure streak, typically on re-registration
// of a restarted process.
func (m *Monitor) Reset(workerID string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	st, ok := m.workers[workerID]
	if !ok {
		return
	}
	st.consecutive = 0
	st.lastFailure = time.Time{}
	if st.status == StatusDead || st.status == StatusDegraded {
		st.status = StatusHealthy
	}
}
