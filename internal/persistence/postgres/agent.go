package postgres

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/maestrohq/maestro/internal/models"
	"github.com/maestrohq/maestro/internal/persistence"
)

type agentStore struct{ db *sql.DB }

var _ persistence.AgentStore = (*agentStore)(nil)

const selectAgentColumns = `
	SELECT agent_name, capability, status, host, port,
	       cpu_usage, memory_usage, temperature,
	       total_tasks, successful_tasks, failed_tasks, avg_execution_time,
	       last_heartbeat
	FROM ai_agents`

// Upsert implements persistence.AgentStore. Re-registration refreshes the
// worker's endpoint and capability but never touches its counters.
func (a *agentStore) Upsert(ctx context.Context, w *models.Worker) error {
	_, err := a.db.ExecContext(ctx, `
		INSERT INTO ai_agents (
			agent_name, capability, status, host, port,
			total_tasks, successful_tasks, failed_tasks, avg_execution_time,
			last_heartbeat
		) VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10)
		ON CONFLICT (agent_name) DO UPDATE SET
			capability     = EXCLUDED.capability,
			status         = EXCLUDED.status,
			host           = EXCLUDED.host,
			port           = EXCLUDED.port,
			last_heartbeat = EXCLUDED.last_heartbeat`,
		w.Name, w.Capability, w.Status, w.Host, w.Port,
		w.TotalTasks, w.SuccessfulTasks, w.FailedTasks, w.AvgExecutionTime,
		w.LastHeartbeat)
	if err != nil {
		return fmt.Errorf("failed to upsert worker %s: %w", w.Name, err)
	}
	return nil
}

// Heartbeat implements persistence.AgentStore.
func (a *agentStore) Heartbeat(ctx context.Context, name string, status models.WorkerStatus, hw models.Hardware, at time.Time) error {
	res, err := a.db.ExecContext(ctx, `
		UPDATE ai_agents SET
			status         = $2,
			cpu_usage      = $3,
			memory_usage   = $4,
			temperature    = $5,
			last_heartbeat = $6
		WHERE agent_name = $1`,
		name, status, hw.CPUPercent, hw.MemoryPercent, hw.Temperature, at)
	if err != nil {
		return fmt.Errorf("failed to record heartbeat for %s: %w", name, err)
	}
	return mustAffect(res, persistence.ErrNotFound)
}

// SetStatus implements persistence.AgentStore.
func (a *agentStore) SetStatus(ctx context.Context, name string, status models.WorkerStatus) error {
	res, err := a.db.ExecContext(ctx, `
		UPDATE ai_agents SET status = $2 WHERE agent_name = $1`,
		name, status)
	if err != nil {
		return fmt.Errorf("failed to set status for %s: %w", name, err)
	}
	return mustAffect(res, persistence.ErrNotFound)
}

// RecordResult implements persistence.AgentStore. The running mean reads
// the pre-update counters because SET expressions in PostgreSQL evaluate
// against the old row.
func (a *agentStore) RecordResult(ctx context.Context, name string, success bool, execTime float64) error {
	res, err := a.db.ExecContext(ctx, `
		UPDATE ai_agents SET
			total_tasks        = total_tasks + 1,
			successful_tasks   = successful_tasks + CASE WHEN $2 THEN 1 ELSE 0 END,
			failed_tasks       = failed_tasks + CASE WHEN $2 THEN 0 ELSE 1 END,
			avg_execution_time = CASE WHEN $2
				THEN (avg_execution_time * total_tasks + $3) / (total_tasks + 1)
				ELSE avg_execution_time END,
			status             = 'idle'
		WHERE agent_name = $1`,
		name, success, execTime)
	if err != nil {
		return fmt.Errorf("failed to record result for %s: %w", name, err)
	}
	return mustAffect(res, persistence.ErrNotFound)
}

// Get implements persistence.AgentStore.
func (a *agentStore) Get(ctx context.Context, name string) (*models.Worker, error) {
	row := a.db.QueryRowContext(ctx, selectAgentColumns+` WHERE agent_name = $1`, name)
	w, err := scanAgent(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, persistence.ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to load worker %s: %w", name, err)
	}
	return w, nil
}

// List implements persistence.AgentStore.
func (a *agentStore) List(ctx context.Context) ([]*models.Worker, error) {
	rows, err := a.db.QueryContext(ctx, selectAgentColumns+` ORDER BY agent_name`)
	if err != nil {
		return nil, fmt.Errorf("failed to list workers: %w", err)
	}
	defer rows.Close()

	var out []*models.Worker
	for rows.Next() {
		w, err := scanAgent(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan worker: %w", err)
		}
		out = append(out, w)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("failed to list workers: %w", err)
	}
	return out, nil
}

func scanAgent(row rowScanner) (*models.Worker, error) {
	var w models.Worker
	err := row.Scan(
		&w.Name, &w.Capability, &w.Status, &w.Host, &w.Port,
		&w.Hardware.CPUPercent, &w.Hardware.MemoryPercent, &w.Hardware.Temperature,
		&w.TotalTasks, &w.SuccessfulTasks, &w.FailedTasks, &w.AvgExecutionTime,
		&w.LastHeartbeat)
	if err != nil {
		return nil, err
	}
	return &w, nil
}
