// Package scheduler runs the controller's periodic maintenance on cron
// schedules: response-cache sweeps, queued-task adoption, system-log
// pruning, and fleet gauge refreshes. Schedules use the standard
// five-field syntax plus the @every descriptor.
package scheduler

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/robfig/cron/v3"

	"github.com/maestrohq/maestro/internal/logger"
	"github.com/maestrohq/maestro/internal/logger/tag"
)

var cronParser = cron.NewParser(
	cron.Minute | cron.Hour | cron.Dom | cron.Month | cron.Dow | cron.Descriptor,
)

// Job is one unit of periodic maintenance.
type Job interface {
	Name() string
	Run(ctx context.Context) error
}

type entry struct {
	schedule cron.Schedule
	job      Job
	next     time.Time
}

// Scheduler fires registered jobs on their schedules. Ticks land on
// minute boundaries, matching cron's resolution.
type Scheduler struct {
	mu      sync.Mutex
	entries []*entry

	now    func() time.Time
	cancel context.CancelFunc
	done   chan struct{}
}

// Option adjusts scheduler construction.
type Option func(*Scheduler)

// WithClock substitutes the time source, for tests.
func WithClock(now func() time.Time) Option {
	return func(s *Scheduler) { s.now = now }
}

// New creates an empty scheduler.
func New(opts ...Option) *Scheduler {
	s := &Scheduler{
		now:  time.Now,
		done: make(chan struct{}),
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Add registers a job under a cron spec. The first run lands on the next
// matching instant, never immediately.
func (s *Scheduler) Add(spec string, job Job) error {
	schedule, err := cronParser.Parse(spec)
	if err != nil {
		return fmt.Errorf("failed to parse schedule %q for %s: %w", spec, job.Name(), err)
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	s.entries = append(s.entries, &entry{
		schedule: schedule,
		job:      job,
		next:     schedule.Next(s.now()),
	})
	return nil
}

// Start begins the tick loop.
func (s *Scheduler) Start(ctx context.Context) error {
	ctx, cancel := context.WithCancel(ctx)
	s.cancel = cancel

	go s.loop(ctx)

	s.mu.Lock()
	n := len(s.entries)
	s.mu.Unlock()
	logger.Info(ctx, "Maintenance scheduler started", tag.Count(n))
	return nil
}

// Stop halts the tick loop and waits for it to exit. Jobs already running
// finish on their own.
func (s *Scheduler) Stop(ctx context.Context) error {
	if s.cancel != nil {
		s.cancel()
	}
	<-s.done
	logger.Info(ctx, "Maintenance scheduler stopped")
	return nil
}

func (s *Scheduler) loop(ctx context.Context) {
	defer close(s.done)

	t := s.now().Truncate(time.Minute)
	timer := time.NewTimer(0)
	defer timer.Stop()

	for {
		select {
		case <-timer.C:
			s.run(ctx, t)
			t = t.Add(time.Minute)
			timer.Reset(t.Sub(s.now()))
		case <-ctx.Done():
			return
		}
	}
}

// run fires every entry due at tick and advances its next-run time. Jobs
// run on their own goroutines so a slow sweep cannot delay the tick.
func (s *Scheduler) run(ctx context.Context, tick time.Time) {
	s.mu.Lock()
	var due []Job
	for _, e := range s.entries {
		if e.next.After(tick) {
			continue
		}
		due = append(due, e.job)
		e.next = e.schedule.Next(tick)
	}
	s.mu.Unlock()

	for _, job := range due {
		go func(job Job) {
			if err := job.Run(ctx); err != nil {
				logger.Error(ctx, "Maintenance job failed",
					tag.String("job", job.Name()), tag.Error(err))
			}
		}(job)
	}
}
