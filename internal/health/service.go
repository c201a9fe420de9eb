package health

import (
	"context"
	"time"

	"github.com/maestrohq/maestro/internal/logger"
)

const defaultSweepInterval = 5 * time.Second

// Service periodically re-evaluates every worker so staleness is noticed
// even when no requests are flowing.
type Service struct {
	monitor  *Monitor
	interval time.Duration
	cancel   context.CancelFunc
	done     chan struct{}
}

// NewService wraps a monitor in a background sweep. A non-positive
// interval falls back to the default.
func NewService(monitor *Monitor, interval time.Duration) *Service {
	if interval <= 0 {
		interval = defaultSweepInterval
	}
	return &Service{
		monitor:  monitor,
		interval: interval,
		done:     make(chan struct{}),
	}
}

// Start begins the sweep loop.
func (s *Service) Start(ctx context.Context) error {
	ctx, cancel := context.WithCancel(ctx)
	s.cancel = cancel

	go s.loop(ctx)

	logger.Info(ctx, "Worker health monitoring started")
	return nil
}

// Stop halts the sweep loop and waits for it to exit.
func (s *Service) Stop(ctx context.Context) error {
	if s.cancel != nil {
		s.cancel()
	}
	<-s.done
	logger.Info(ctx, "Worker health monitoring stopped")
	return nil
}

func (s *Service) loop(ctx context.Context) {
	defer close(s.done)

	ticker := time.NewTicker(s.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			s.sweep(ctx)
		}
	}
}

// sweep re-evaluates all workers; evaluate logs any transitions.
func (s *Service) sweep(ctx context.Context) {
	s.monitor.mu.Lock()
	defer s.monitor.mu.Unlock()

	for id, st := range s.monitor.workers {
		s.monitor.evaluate(ctx, id, st)
	}
}
