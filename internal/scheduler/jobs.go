package scheduler

import (
	"context"
	"fmt"
	"time"

	"github.com/maestrohq/maestro/internal/cache"
	"github.com/maestrohq/maestro/internal/health"
	"github.com/maestrohq/maestro/internal/logger"
	"github.com/maestrohq/maestro/internal/logger/tag"
	"github.com/maestrohq/maestro/internal/metrics"
	"github.com/maestrohq/maestro/internal/persistence"
	"github.com/maestrohq/maestro/internal/queue"
	"github.com/maestrohq/maestro/internal/registry"
)

// Gate reports whether this replica should run shared-state maintenance.
// The leader elector satisfies it.
type Gate interface {
	ShouldProcess() bool
}

// LeaderOnly wraps a job so it runs only on the active master. Standby
// replicas skip silently; a nil gate never blocks.
func LeaderOnly(gate Gate, job Job) Job {
	return leaderOnly{gate: gate, job: job}
}

type leaderOnly struct {
	gate Gate
	job  Job
}

func (l leaderOnly) Name() string { return l.job.Name() }

func (l leaderOnly) Run(ctx context.Context) error {
	if l.gate != nil && !l.gate.ShouldProcess() {
		return nil
	}
	return l.job.Run(ctx)
}

// CacheSweep evicts expired response-cache entries.
type CacheSweep struct {
	Cache cache.Cache
}

func (CacheSweep) Name() string { return "cache-sweep" }

func (j CacheSweep) Run(ctx context.Context) error {
	if n := j.Cache.ClearExpired(ctx); n > 0 {
		logger.Info(ctx, "Cleared expired cache entries", tag.Count(n))
	}
	return nil
}

// Adopter re-enqueues queued tasks no replica is working on. The
// routing supervisor satisfies it.
type Adopter interface {
	AdoptOrphans(ctx context.Context) (int, error)
}

// QueueAdopt puts tasks persisted as queued back into the in-memory
// queue when they fell out of it, typically after a failover takeover.
// The supervisor logs each adoption itself.
type QueueAdopt struct {
	Supervisor Adopter
}

func (QueueAdopt) Name() string { return "queue-adopt" }

func (j QueueAdopt) Run(ctx context.Context) error {
	if _, err := j.Supervisor.AdoptOrphans(ctx); err != nil {
		return fmt.Errorf("failed to adopt queued tasks: %w", err)
	}
	return nil
}

// LogPrune removes system log rows older than the retention window.
type LogPrune struct {
	Logs      persistence.LogStore
	Retention time.Duration
}

func (LogPrune) Name() string { return "log-prune" }

func (j LogPrune) Run(ctx context.Context) error {
	removed, err := j.Logs.Prune(ctx, time.Now().Add(-j.Retention))
	if err != nil {
		return fmt.Errorf("failed to prune system logs: %w", err)
	}
	if removed > 0 {
		logger.Info(ctx, "Pruned system logs", tag.Count(int(removed)))
	}
	return nil
}

// FleetGauges republishes the fleet, queue and leadership gauges.
// Heartbeat expiry and failover change them without any task event.
type FleetGauges struct {
	Registry *registry.Registry
	Health   *health.Monitor
	Queue    *queue.Queue
	Metrics  *metrics.Metrics
	// Leader is optional; nil reports this replica as active.
	Leader Gate
}

func (FleetGauges) Name() string { return "fleet-gauges" }

func (j FleetGauges) Run(ctx context.Context) error {
	live := j.Registry.Alive(ctx, "")
	healthy := 0
	for _, w := range live {
		if j.Health.Selectable(ctx, w.Name) {
			healthy++
		}
	}
	j.Metrics.SetFleet(len(live), healthy)
	j.Metrics.SetQueueDepth(j.Queue.Len())
	j.Metrics.SetLeader(j.Leader == nil || j.Leader.ShouldProcess())
	return nil
}
