package health

import (
	"context"
	"sort"
	"time"
)

// WorkerReport is one worker's entry in the pool health report.
type WorkerReport struct {
	Worker              string        `json:"worker"`
	Status              Status        `json:"status"`
	HeartbeatAge        time.Duration `json:"heartbeat_age"`
	ConsecutiveFailures int           `json:"consecutive_failures"`
	TotalFailures       int           `json:"total_failures"`
	Uptime              time.Duration `json:"uptime"`
}

// Report summarizes the pool for the health and stats endpoints.
type Report struct {
	TotalWorkers int            `json:"total_workers"`
	Healthy      int            `json:"healthy"`
	Degraded     int            `json:"degraded"`
	Unhealthy    int            `json:"unhealthy"`
	Dead         int            `json:"dead"`
	Workers      []WorkerReport `json:"workers"`
}

// Report evaluates every worker and returns the pool summary.
func (m *Monitor) Report(ctx context.Context) Report {
	m.mu.Lock()
	defer m.mu.Unlock()

	now := m.now()
	rep := Report{Workers: []WorkerReport{}}

	ids := make([]string, 0, len(m.workers))
	for id := range m.workers {
		ids = append(ids, id)
	}
	sort.Strings(ids)

	for _, id := range ids {
		st := m.workers[id]
		status := m.evaluate(ctx, id, st)

		rep.TotalWorkers++
		switch status {
		case StatusHealthy:
			rep.Healthy++
		case StatusDegraded:
			rep.Degraded++
		case StatusUnhealthy:
			rep.Unhealthy++
		case StatusDead:
			rep.Dead++
		}

		rep.Workers = append(rep.Workers, WorkerReport{
			Worker:              id,
			Status:              status,
			HeartbeatAge:        now.Sub(st.lastHeartbeat),
			ConsecutiveFailures: st.consecutive,
			TotalFailures:       st.totalFailures,
			Uptime:              now.Sub(st.firstSeen),
		})
	}

	return rep
}

// SelectableCount returns how many workers may receive work right now.
func (m *Monitor) SelectableCount(ctx context.Context) int {
	m.mu.Lock()
	defer m.mu.Unlock()

	var n int
	for id, st := range m.workers {
		if m.evaluate(ctx, id, st).Selectable() {
			n++
		}
	}
	return n
}
