// Package controller assembles one controller replica from its
// configuration: the persistent store, response cache, oracles, worker
// registry, routing supervisor, leader elector, maintenance scheduler
// and the HTTP surface, started and stopped as a unit.
package controller

import (
	"context"
	"fmt"
	"io"
	"time"

	"github.com/maestrohq/maestro/internal/api"
	"github.com/maestrohq/maestro/internal/cache"
	"github.com/maestrohq/maestro/internal/config"
	"github.com/maestrohq/maestro/internal/health"
	"github.com/maestrohq/maestro/internal/leader"
	"github.com/maestrohq/maestro/internal/llm"
	"github.com/maestrohq/maestro/internal/logger"
	"github.com/maestrohq/maestro/internal/logger/tag"
	"github.com/maestrohq/maestro/internal/metrics"
	"github.com/maestrohq/maestro/internal/oracle"
	"github.com/maestrohq/maestro/internal/persistence"
	"github.com/maestrohq/maestro/internal/persistence/memory"
	"github.com/maestrohq/maestro/internal/persistence/postgres"
	"github.com/maestrohq/maestro/internal/queue"
	"github.com/maestrohq/maestro/internal/registry"
	"github.com/maestrohq/maestro/internal/router"
	"github.com/maestrohq/maestro/internal/scheduler"
	"github.com/maestrohq/maestro/internal/telemetry"
	"github.com/maestrohq/maestro/internal/tracker"
	"github.com/maestrohq/maestro/internal/worker"

	_ "github.com/maestrohq/maestro/internal/llm/providers/local" // register the local provider
)

// logRetention is how long system log rows are kept before the nightly
// prune removes them.
const logRetention = 7 * 24 * time.Hour

// stopTimeout bounds the shutdown of each component.
const stopTimeout = 10 * time.Second

// Maintenance schedules. The scheduler ticks once a minute, so these
// are the finest and coarsest useful cadences.
const (
	cacheSweepSchedule  = "* * * * *"
	fleetGaugesSchedule = "* * * * *"
	queueAdoptSchedule  = "* * * * *"
	logPruneSchedule    = "0 3 * * *"
)

// service is the common lifecycle of every long-running component.
type service interface {
	Start(ctx context.Context) error
	Stop(ctx context.Context) error
}

type namedService struct {
	name string
	svc  service
}

// Controller owns every component of one replica.
type Controller struct {
	cfg *config.Config

	store      persistence.DataStore
	cache      cache.Cache
	metrics    *metrics.Metrics
	perf       *tracker.Tracker
	monitor    *health.Monitor
	registry   *registry.Registry
	queue      *queue.Queue
	elector    *leader.Elector
	supervisor *router.Supervisor
	telemetry  *telemetry.Service

	// services in start order; Stop walks it backwards.
	services []namedService
	started  int
}

// New builds a controller from its configuration. Nothing is started;
// call Run or Start.
func New(ctx context.Context, cfg *config.Config) (*Controller, error) {
	c := &Controller{cfg: cfg}

	store, err := newStore(ctx, cfg)
	if err != nil {
		return nil, err
	}
	c.store = store

	responseCache, err := newCache(ctx, cfg)
	if err != nil {
		_ = store.Close()
		return nil, err
	}
	c.cache = responseCache

	provider, err := newProvider(cfg)
	if err != nil {
		_ = store.Close()
		return nil, err
	}

	c.metrics = metrics.New()
	c.perf = tracker.New()
	c.telemetry = telemetry.NewService(0, 0)
	c.monitor = health.NewMonitor(c.perf,
		health.WithHeartbeatThreshold(cfg.Workers.Freshness))
	c.registry = registry.New(store.AgentStore(),
		registry.WithFreshness(cfg.Workers.Freshness))
	c.queue = queue.New(cfg.Queue.MaxSize)
	c.elector = leader.New(store.ReplicaStore(), cfg.Master.ID,
		cfg.Master.HeartbeatInterval, cfg.Master.Timeout, cfg.Master.FailoverEnabled)

	if err := c.registry.Hydrate(ctx); err != nil {
		_ = store.Close()
		return nil, fmt.Errorf("failed to hydrate worker registry: %w", err)
	}

	c.supervisor = router.NewSupervisor(router.Deps{
		Router: router.New(c.registry, c.monitor, c.perf,
			router.WithHardwareThresholds(cfg.Workers.CPUThreshold, cfg.Workers.MemoryThreshold),
			router.WithBuiltinFallback(provider != nil)),
		Leader:     c.elector,
		Registry:   c.registry,
		Health:     c.monitor,
		Perf:       c.perf,
		Queue:      c.queue,
		Dispatcher: worker.New(worker.WithTimeout(cfg.Workers.StepTimeout)),
		Store:      store,
		Cache:      responseCache,
		Planner:    oracle.NewLLMPlanner(provider, cfg.LLM.Model),
		Context:    oracle.NewContextSelector(provider, cfg.LLM.Model, cfg.Context.ReferenceKeywords),
		Validator:  oracle.NewLLMValidator(provider, cfg.LLM.Model),
		Builtin:    provider,
		Metrics:    c.metrics,
	},
		router.WithMaxRetries(cfg.Workers.MaxRetries),
		router.WithStepTimeout(cfg.Workers.StepTimeout),
		router.WithMaxContextMessages(cfg.Context.MaxMessages),
		router.WithContextEnabled(cfg.Context.Enabled),
		router.WithBuiltinModel(cfg.LLM.Model),
	)

	maint, err := c.newScheduler()
	if err != nil {
		_ = store.Close()
		return nil, err
	}

	httpServer := api.NewServer(api.New(api.Deps{
		Supervisor: c.supervisor,
		Registry:   c.registry,
		Health:     c.monitor,
		Perf:       c.perf,
		Cache:      responseCache,
		Leader:     c.elector,
		Queue:      c.queue,
		Telemetry:  c.telemetry,
		Metrics:    c.metrics,
		ChatWait:   cfg.Workers.StepTimeout,
	}), cfg)

	c.services = append(c.services,
		namedService{"telemetry", c.telemetry},
		namedService{"health", health.NewService(c.monitor, cfg.Workers.SweepInterval)},
		namedService{"leader", c.elector},
		namedService{"supervisor", c.supervisor},
		namedService{"scheduler", maint},
		namedService{"http", httpServer},
	)
	return c, nil
}

// Run starts every component, waits for ctx to end, and stops them.
func (c *Controller) Run(ctx context.Context) error {
	if err := c.Start(ctx); err != nil {
		return err
	}
	<-ctx.Done()

	stopCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), stopTimeout)
	defer cancel()
	return c.Stop(stopCtx)
}

// Start brings services up in dependency order. On failure the already
// started services are stopped again.
func (c *Controller) Start(ctx context.Context) error {
	logger.Info(ctx, "Controller starting", tag.Master(c.cfg.Master.ID),
		tag.Port(c.cfg.Server.Port))

	for _, s := range c.services {
		if err := s.svc.Start(ctx); err != nil {
			err = fmt.Errorf("failed to start %s: %w", s.name, err)
			logger.Error(ctx, "Controller start aborted", tag.Error(err))
			_ = c.Stop(ctx)
			return err
		}
		c.started++
	}
	return nil
}

// Stop halts services in reverse start order and closes the stores.
// Every component is stopped even when earlier ones fail; the first
// error wins.
func (c *Controller) Stop(ctx context.Context) error {
	var firstErr error
	for i := c.started - 1; i >= 0; i-- {
		s := c.services[i]
		if err := s.svc.Stop(ctx); err != nil && firstErr == nil {
			firstErr = fmt.Errorf("failed to stop %s: %w", s.name, err)
		}
	}
	c.started = 0

	c.queue.Close()
	if closer, ok := c.cache.(io.Closer); ok {
		if err := closer.Close(); err != nil && firstErr == nil {
			firstErr = fmt.Errorf("failed to close cache: %w", err)
		}
	}
	if err := c.store.Close(); err != nil && firstErr == nil {
		firstErr = fmt.Errorf("failed to close store: %w", err)
	}

	if firstErr != nil {
		logger.Error(ctx, "Controller stopped with errors", tag.Error(firstErr))
		return firstErr
	}
	logger.Info(ctx, "Controller stopped")
	return nil
}

// newScheduler wires the maintenance jobs. Queue adoption and log
// pruning touch shared state, so they run on the active master only.
func (c *Controller) newScheduler() (*scheduler.Scheduler, error) {
	maint := scheduler.New()
	jobs := []struct {
		spec string
		job  scheduler.Job
	}{
		{cacheSweepSchedule, scheduler.CacheSweep{Cache: c.cache}},
		{fleetGaugesSchedule, scheduler.FleetGauges{
			Registry: c.registry,
			Health:   c.monitor,
			Queue:    c.queue,
			Metrics:  c.metrics,
			Leader:   c.elector,
		}},
		{queueAdoptSchedule, scheduler.LeaderOnly(c.elector, scheduler.QueueAdopt{
			Supervisor: c.supervisor,
		})},
		{logPruneSchedule, scheduler.LeaderOnly(c.elector, scheduler.LogPrune{
			Logs:      c.store.LogStore(),
			Retention: logRetention,
		})},
	}
	for _, j := range jobs {
		if err := maint.Add(j.spec, j.job); err != nil {
			return nil, err
		}
	}
	return maint, nil
}

func newStore(ctx context.Context, cfg *config.Config) (persistence.DataStore, error) {
	if cfg.Database.DSN == "" {
		logger.Info(ctx, "Using in-memory store", tag.Reason("no database DSN configured"))
		return memory.New(), nil
	}
	return postgres.New(ctx, cfg.Database.DSN)
}

func newCache(ctx context.Context, cfg *config.Config) (cache.Cache, error) {
	if cfg.Cache.Backend == "redis" {
		return cache.NewRedis(ctx, cache.RedisOptions{
			Addr:       cfg.Cache.RedisAddr,
			Password:   cfg.Cache.RedisPassword,
			DB:         cfg.Cache.RedisDB,
			TTL:        cfg.Cache.TTL,
			MaxEntries: cfg.Cache.MaxEntries,
		})
	}
	return cache.NewMemory(cfg.Cache.TTL, cfg.Cache.MaxEntries), nil
}

func newProvider(cfg *config.Config) (llm.Provider, error) {
	llmCfg := llm.DefaultConfig()
	if cfg.LLM.Provider != "" {
		llmCfg.Provider = llm.ProviderType(cfg.LLM.Provider)
	}
	if cfg.LLM.BaseURL != "" {
		llmCfg.BaseURL = cfg.LLM.BaseURL
	}
	if cfg.LLM.APIKey != "" {
		llmCfg.APIKey = cfg.LLM.APIKey
	}
	if cfg.LLM.Model != "" {
		llmCfg.Model = cfg.LLM.Model
	}
	if cfg.LLM.Timeout > 0 {
		llmCfg.Timeout = cfg.LLM.Timeout
	}
	if cfg.LLM.MaxRetries > 0 {
		llmCfg.MaxRetries = cfg.LLM.MaxRetries
	}
	return llm.New(llmCfg)
}
