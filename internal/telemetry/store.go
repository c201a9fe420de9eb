package telemetry

import (
	"sort"
	"sync"
	"time"
)

// Sample is one observation of the controller host's resources.
type Sample struct {
	Timestamp     int64   `json:"timestamp"`
	CPUPercent    float64 `json:"cpu_percent"`
	MemoryPercent float64 `json:"memory_percent"`
	MemoryUsedMB  float64 `json:"memory_used_mb"`
	Load1         float64 `json:"load_1"`
}

// Store keeps a retention window of host samples.
type Store interface {
	Add(cpuPercent, memoryPercent, memoryUsedMB, load1 float64)
	// Window returns the samples observed within the duration, oldest
	// first.
	Window(d time.Duration) []Sample
	// Latest returns the newest sample, ok=false before the first one.
	Latest() (Sample, bool)
}

// MemoryStore implements Store with a pruned in-memory slice.
type MemoryStore struct {
	mu         sync.RWMutex
	samples    []Sample
	retention  time.Duration
	lastPruned time.Time
	now        func() time.Time
}

// NewMemoryStore returns a store that forgets samples older than the
// retention window.
func NewMemoryStore(retention time.Duration) *MemoryStore {
	return &MemoryStore{
		retention: retention,
		now:       time.Now,
	}
}

func (s *MemoryStore) Add(cpuPercent, memoryPercent, memoryUsedMB, load1 float64) {
	s.mu.Lock()
	defer s.mu.Unlock()

	now := s.now()
	s.samples = append(s.samples, Sample{
		Timestamp:     now.Unix(),
		CPUPercent:    cpuPercent,
		MemoryPercent: memoryPercent,
		MemoryUsedMB:  memoryUsedMB,
		Load1:         load1,
	})

	// Pruning every minute keeps Add cheap without unbounded growth.
	if now.Sub(s.lastPruned) > time.Minute {
		cutoff := now.Add(-s.retention).Unix()
		s.samples = sinceCutoff(s.samples, cutoff, false)
		s.lastPruned = now
	}
}

func (s *MemoryStore) Window(d time.Duration) []Sample {
	s.mu.RLock()
	defer s.mu.RUnlock()

	cutoff := s.now().Add(-d).Unix()
	return sinceCutoff(s.samples, cutoff, true)
}

func (s *MemoryStore) Latest() (Sample, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	if len(s.samples) == 0 {
		return Sample{}, false
	}
	return s.samples[len(s.samples)-1], true
}

// sinceCutoff returns samples stamped at or after cutoff using binary
// search. copySlice decouples the result from the store's backing array.
func sinceCutoff(samples []Sample, cutoff int64, copySlice bool) []Sample {
	if len(samples) == 0 {
		return nil
	}

	idx := sort.Search(len(samples), func(i int) bool {
		return samples[i].Timestamp >= cutoff
	})
	if idx == len(samples) {
		return nil
	}
	if !copySlice && idx == 0 {
		return samples
	}

	out := make([]Sample, len(samples)-idx)
	copy(out, samples[idx:])
	return out
}
