// Package leader elects the active controller among replicated
// instances. Every replica heartbeats into the replica store; the one
// with the smallest id among those still fresh is the leader. Standby
// replicas watch the heartbeats and take over as soon as the active
// master misses its timeout, so clients never wait on a dead controller.
package leader

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/maestrohq/maestro/internal/logger"
	"github.com/maestrohq/maestro/internal/logger/tag"
	"github.com/maestrohq/maestro/internal/models"
	"github.com/maestrohq/maestro/internal/persistence"
)

// ErrNotLeader is returned to callers that require the active master
// when this replica is on standby.
var ErrNotLeader = errors.New("replica is not the active master")

const (
	defaultHeartbeatInterval = 5 * time.Second
	defaultTimeout           = 15 * time.Second
)

// Elector runs this replica's side of the election: heartbeating,
// electing, and flipping between active and standby.
type Elector struct {
	id       string
	store    persistence.ReplicaStore
	interval time.Duration
	timeout  time.Duration
	failover bool

	mu     sync.RWMutex
	active bool

	cancel context.CancelFunc
	done   chan struct{}
	now    func() time.Time
}

// Option adjusts an Elector.
type Option func(*Elector)

// WithClock overrides the time source. Only used in tests.
func WithClock(now func() time.Time) Option {
	return func(e *Elector) { e.now = now }
}

// New returns an elector for this replica. With failover disabled the
// replica runs in single-master mode: always active, still heartbeating
// so operators can see it.
func New(store persistence.ReplicaStore, id string, interval, timeout time.Duration, failover bool, opts ...Option) *Elector {
	if interval <= 0 {
		interval = defaultHeartbeatInterval
	}
	if timeout <= 0 {
		timeout = defaultTimeout
	}
	e := &Elector{
		id:       id,
		store:    store,
		interval: interval,
		timeout:  timeout,
		failover: failover,
		done:     make(chan struct{}),
		now:      time.Now,
	}
	for _, opt := range opts {
		opt(e)
	}
	return e
}

// ID returns this replica's id.
func (e *Elector) ID() string { return e.id }

// IsActive reports whether this replica is currently the leader.
func (e *Elector) IsActive() bool {
	e.mu.RLock()
	defer e.mu.RUnlock()
	return e.active
}

// ShouldProcess reports whether this replica may serve requests: always
// in single-master mode, otherwise only while active.
func (e *Elector) ShouldProcess() bool {
	if !e.failover {
		return true
	}
	return e.IsActive()
}

// Start registers the replica, runs one election immediately so the
// controller never boots into a leaderless window, and begins the
// monitor loop.
func (e *Elector) Start(ctx context.Context) error {
	if err := e.heartbeat(ctx); err != nil {
		return err
	}

	if !e.failover {
		logger.Info(ctx, "Master failover disabled, running single-master", tag.Master(e.id))
		if err := e.becomeActive(ctx); err != nil {
			return err
		}
	} else {
		logger.Info(ctx, "Failover monitor starting",
			tag.Master(e.id), tag.Interval(e.interval), tag.Timeout(e.timeout))
		e.tick(ctx)
	}

	loopCtx, cancel := context.WithCancel(ctx)
	e.cancel = cancel
	go e.loop(loopCtx)
	return nil
}

// Stop halts the monitor loop. An active replica demotes itself so a
// standby can take over without waiting out the timeout.
func (e *Elector) Stop(ctx context.Context) error {
	if e.cancel != nil {
		e.cancel()
	}
	<-e.done

	if e.failover && e.IsActive() {
		if err := e.store.Demote(ctx, e.id); err != nil {
			logger.Warn(ctx, "Failed to demote on shutdown", tag.Master(e.id), tag.Error(err))
		}
	}
	logger.Info(ctx, "Failover monitor stopped", tag.Master(e.id))
	return nil
}

func (e *Elector) loop(ctx context.Context) {
	defer close(e.done)

	ticker := time.NewTicker(e.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if !e.failover {
				if err := e.heartbeat(ctx); err != nil {
					logger.Warn(ctx, "Master heartbeat failed", tag.Master(e.id), tag.Error(err))
				}
				continue
			}
			e.tick(ctx)
		}
	}
}

// tick is one monitor round: heartbeat, elect, apply.
func (e *Elector) tick(ctx context.Context) {
	if err := e.heartbeat(ctx); err != nil {
		logger.Warn(ctx, "Master heartbeat failed", tag.Master(e.id), tag.Error(err))
	}

	elected, err := e.elect(ctx)
	if err != nil {
		logger.Warn(ctx, "Leader election failed", tag.Master(e.id), tag.Error(err))
		return
	}

	switch {
	case elected == e.id && !e.IsActive():
		logger.Warn(ctx, "Failover: taking over as active master", tag.Master(e.id))
		if err := e.becomeActive(ctx); err != nil {
			logger.Error(ctx, "Failed to promote", tag.Master(e.id), tag.Error(err))
		}
	case elected != e.id && e.IsActive():
		logger.Warn(ctx, "Stepping down", tag.Master(e.id), tag.String("leader", elected))
		if err := e.becomeStandby(ctx); err != nil {
			logger.Error(ctx, "Failed to demote", tag.Master(e.id), tag.Error(err))
		}
	}
}

func (e *Elector) heartbeat(ctx context.Context) error {
	return e.store.Heartbeat(ctx, e.id, e.now())
}

// elect decides which replica should be active. A fresh active master
// keeps its seat; otherwise the smallest id among fresh replicas wins;
// with no fresh replica at all the elector nominates itself. Replicas
// with missing or unreadable heartbeats count as expired.
func (e *Elector) elect(ctx context.Context) (string, error) {
	replicas, err := e.store.List(ctx)
	if err != nil {
		return "", err
	}
	if len(replicas) == 0 {
		return e.id, nil
	}

	now := e.now()

	for _, r := range replicas {
		if !r.Active {
			continue
		}
		if age := r.HeartbeatAge(now); age < e.timeout {
			return r.ID, nil
		}
		logger.Warn(ctx, "Active master appears dead",
			tag.Master(r.ID), tag.Age(r.HeartbeatAge(now)), tag.Timeout(e.timeout))
	}

	var alive []string
	for _, r := range replicas {
		if r.HeartbeatAge(now) < e.timeout {
			alive = append(alive, r.ID)
		}
	}
	if len(alive) == 0 {
		logger.Warn(ctx, "No alive masters found, electing self", tag.Master(e.id))
		return e.id, nil
	}

	elected := alive[0]
	for _, id := range alive[1:] {
		if id < elected {
			elected = id
		}
	}
	logger.Info(ctx, "Leader elected",
		tag.Master(elected), tag.Count(len(alive)))
	return elected, nil
}

func (e *Elector) becomeActive(ctx context.Context) error {
	if err := e.store.Promote(ctx, e.id); err != nil {
		return err
	}
	e.mu.Lock()
	e.active = true
	e.mu.Unlock()
	logger.Info(ctx, "Master is now active", tag.Master(e.id))
	return nil
}

func (e *Elector) becomeStandby(ctx context.Context) error {
	e.mu.Lock()
	e.active = false
	e.mu.Unlock()
	if err := e.store.Demote(ctx, e.id); err != nil {
		return err
	}
	logger.Info(ctx, "Master is now standby", tag.Master(e.id))
	return nil
}

// Status is the cluster view surfaced by the health and stats endpoints.
type Status struct {
	CurrentMaster   string            `json:"current_master"`
	ActiveMaster    string            `json:"active_master,omitempty"`
	IsActive        bool              `json:"is_active"`
	FailoverEnabled bool              `json:"failover_enabled"`
	TotalMasters    int               `json:"total_masters"`
	Masters         []*models.Replica `json:"masters"`
}

// Status reports the cluster as persisted plus this replica's own state.
func (e *Elector) Status(ctx context.Context) (Status, error) {
	replicas, err := e.store.List(ctx)
	if err != nil {
		return Status{}, err
	}

	st := Status{
		CurrentMaster:   e.id,
		IsActive:        e.IsActive(),
		FailoverEnabled: e.failover,
		TotalMasters:    len(replicas),
		Masters:         replicas,
	}
	now := e.now()
	for _, r := range replicas {
		if r.Active && r.HeartbeatAge(now) < e.timeout {
			st.ActiveMaster = r.ID
			break
		}
	}
	return st, nil
}
