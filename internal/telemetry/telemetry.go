// Package telemetry samples the controller host's own CPU, memory and
// load so the stats surface can report master-side capacity next to the
// fleet's.
package telemetry

import (
	"context"
	"time"

	"github.com/shirou/gopsutil/v4/cpu"
	"github.com/shirou/gopsutil/v4/load"
	"github.com/shirou/gopsutil/v4/mem"

	"github.com/maestrohq/maestro/internal/logger"
	"github.com/maestrohq/maestro/internal/logger/tag"
)

const (
	defaultSampleInterval = 5 * time.Second
	defaultRetention      = time.Hour
)

// Service periodically samples host resources into a Store.
type Service struct {
	interval time.Duration
	store    Store
	cancel   context.CancelFunc
	done     chan struct{}
}

// NewService returns a sampler. Non-positive interval or retention fall
// back to the defaults.
func NewService(interval, retention time.Duration) *Service {
	if interval <= 0 {
		interval = defaultSampleInterval
	}
	if retention <= 0 {
		retention = defaultRetention
	}
	return &Service{
		interval: interval,
		store:    NewMemoryStore(retention),
		done:     make(chan struct{}),
	}
}

// Start begins the sampling loop.
func (s *Service) Start(ctx context.Context) error {
	ctx, cancel := context.WithCancel(ctx)
	s.cancel = cancel

	go s.loop(ctx)

	logger.Info(ctx, "Host telemetry started", tag.Interval(s.interval))
	return nil
}

// Stop halts the sampling loop and waits for it to exit.
func (s *Service) Stop(ctx context.Context) error {
	if s.cancel != nil {
		s.cancel()
	}
	<-s.done
	logger.Info(ctx, "Host telemetry stopped")
	return nil
}

// Latest returns the newest sample, ok=false before the first tick.
func (s *Service) Latest() (Sample, bool) {
	return s.store.Latest()
}

// Window returns the samples observed within the duration, oldest first.
func (s *Service) Window(d time.Duration) []Sample {
	return s.store.Window(d)
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
			s.collect(ctx)
		}
	}
}

func (s *Service) collect(ctx context.Context) {
	cpuPercent, err := cpu.PercentWithContext(ctx, 0, false)
	if err != nil {
		logger.Error(ctx, "Failed to read CPU usage", tag.Error(err))
		return
	}
	cpuVal := 0.0
	if len(cpuPercent) > 0 {
		cpuVal = cpuPercent[0]
	}

	memStat, err := mem.VirtualMemoryWithContext(ctx)
	if err != nil {
		logger.Error(ctx, "Failed to read memory usage", tag.Error(err))
		return
	}

	loadStat, err := load.AvgWithContext(ctx)
	if err != nil {
		logger.Error(ctx, "Failed to read load average", tag.Error(err))
		return
	}

	s.store.Add(cpuVal, memStat.UsedPercent, float64(memStat.Used)/1024/1024, loadStat.Load1)
}
