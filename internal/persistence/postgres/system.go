package postgres

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"github.com/maestrohq/maestro/internal/models"
	"github.com/maestrohq/maestro/internal/persistence"
)

type metricsStore struct{ db *sql.DB }

var _ persistence.MetricsStore = (*metricsStore)(nil)

// Append implements persistence.MetricsStore.
func (m *metricsStore) Append(ctx context.Context, workerName string, taskType models.StepType, success bool, duration, quality float64) error {
	_, err := m.db.ExecContext(ctx, `
		INSERT INTO worker_metrics (agent_name, task_type, success, duration, quality)
		VALUES ($1, $2, $3, $4, $5)`,
		workerName, taskType, success, duration, quality)
	if err != nil {
		return fmt.Errorf("failed to append metric for %s: %w", workerName, err)
	}
	return nil
}

type replicaStore struct{ db *sql.DB }

var _ persistence.ReplicaStore = (*replicaStore)(nil)

// Heartbeat implements persistence.ReplicaStore.
func (r *replicaStore) Heartbeat(ctx context.Context, id string, at time.Time) error {
	_, err := r.db.ExecContext(ctx, `
		INSERT INTO master_replicas (replica_id, last_heartbeat)
		VALUES ($1, $2)
		ON CONFLICT (replica_id) DO UPDATE SET last_heartbeat = EXCLUDED.last_heartbeat`,
		id, at)
	if err != nil {
		return fmt.Errorf("failed to record replica heartbeat for %s: %w", id, err)
	}
	return nil
}

// Promote implements persistence.ReplicaStore. A single UPDATE flips the
// active flag for the whole fleet so exactly one row ends up active.
func (r *replicaStore) Promote(ctx context.Context, id string) error {
	tx, err := r.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	if _, err := tx.ExecContext(ctx, `
		INSERT INTO master_replicas (replica_id) VALUES ($1)
		ON CONFLICT (replica_id) DO NOTHING`, id); err != nil {
		return fmt.Errorf("failed to ensure replica %s: %w", id, err)
	}
	if _, err := tx.ExecContext(ctx, `
		UPDATE master_replicas SET active = (replica_id = $1)`, id); err != nil {
		return fmt.Errorf("failed to promote replica %s: %w", id, err)
	}
	return tx.Commit()
}

// Demote implements persistence.ReplicaStore. Demoting an unknown replica
// is a no-op, matching the in-memory store.
func (r *replicaStore) Demote(ctx context.Context, id string) error {
	_, err := r.db.ExecContext(ctx, `
		UPDATE master_replicas SET active = FALSE WHERE replica_id = $1`, id)
	if err != nil {
		return fmt.Errorf("failed to demote replica %s: %w", id, err)
	}
	return nil
}

// List implements persistence.ReplicaStore.
func (r *replicaStore) List(ctx context.Context) ([]*models.Replica, error) {
	rows, err := r.db.QueryContext(ctx, `
		SELECT replica_id, last_heartbeat, active
		FROM master_replicas
		ORDER BY replica_id`)
	if err != nil {
		return nil, fmt.Errorf("failed to list replicas: %w", err)
	}
	defer rows.Close()

	var out []*models.Replica
	for rows.Next() {
		var rep models.Replica
		if err := rows.Scan(&rep.ID, &rep.LastHeartbeat, &rep.Active); err != nil {
			return nil, fmt.Errorf("failed to scan replica: %w", err)
		}
		out = append(out, &rep)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("failed to list replicas: %w", err)
	}
	return out, nil
}

type logStore struct{ db *sql.DB }

var _ persistence.LogStore = (*logStore)(nil)

// Append implements persistence.LogStore.
func (l *logStore) Append(ctx context.Context, level, component, message string) error {
	_, err := l.db.ExecContext(ctx, `
		INSERT INTO system_logs (log_type, component, message)
		VALUES ($1, $2, $3)`,
		level, component, message)
	if err != nil {
		return fmt.Errorf("failed to append system log: %w", err)
	}
	return nil
}

// Prune implements persistence.LogStore.
func (l *logStore) Prune(ctx context.Context, olderThan time.Time) (int64, error) {
	res, err := l.db.ExecContext(ctx, `
		DELETE FROM system_logs WHERE created_at < $1`, olderThan)
	if err != nil {
		return 0, fmt.Errorf("failed to prune system logs: %w", err)
	}
	return res.RowsAffected()
}
