package postgres

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5/pgconn"

	"github.com/maestrohq/maestro/internal/models"
	"github.com/maestrohq/maestro/internal/persistence"
)

type taskStore struct{ db *sql.DB }

var _ persistence.TaskStore = (*taskStore)(nil)

const selectTaskColumns = `
	SELECT task_id, user_id, task_desc, task_type, task_status,
	       priority, retry_count, created_at, updated_at
	FROM user_tasks`

// foreignKeyViolation is the PostgreSQL error code raised when an insert
// references a task that does not exist.
const foreignKeyViolation = "23503"

// Create implements persistence.TaskStore.
func (t *taskStore) Create(ctx context.Context, task *models.Task) (int64, error) {
	status := task.Status
	if status == "" {
		status = models.TaskStatusPending
	}
	createdAt := task.CreatedAt
	if createdAt.IsZero() {
		createdAt = time.Now()
	}

	var id int64
	err := t.db.QueryRowContext(ctx, `
		INSERT INTO user_tasks (user_id, task_desc, task_type, task_status, priority, retry_count, created_at, updated_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, now())
		RETURNING task_id`,
		task.UserID, task.Description, task.Type, status, task.Priority, task.RetryCount, createdAt).Scan(&id)
	if err != nil {
		return 0, fmt.Errorf("failed to create task: %w", err)
	}
	return id, nil
}

// Get implements persistence.TaskStore.
func (t *taskStore) Get(ctx context.Context, id int64) (*models.Task, error) {
	row := t.db.QueryRowContext(ctx, selectTaskColumns+` WHERE task_id = $1`, id)
	task, err := scanTask(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, persistence.ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to load task %d: %w", id, err)
	}
	return task, nil
}

// SetStatus implements persistence.TaskStore. The current status is read
// under a row lock so concurrent supervisors cannot race a task through a
// forbidden transition.
func (t *taskStore) SetStatus(ctx context.Context, id int64, status models.TaskStatus) error {
	tx, err := t.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	var current models.TaskStatus
	err = tx.QueryRowContext(ctx, `
		SELECT task_status FROM user_tasks WHERE task_id = $1 FOR UPDATE`, id).Scan(&current)
	if errors.Is(err, sql.ErrNoRows) {
		return persistence.ErrNotFound
	}
	if err != nil {
		return fmt.Errorf("failed to load task %d: %w", id, err)
	}
	if !current.CanTransition(status) {
		return fmt.Errorf("task %d: %s to %s: %w", id, current, status, persistence.ErrInvalidTransition)
	}

	if _, err := tx.ExecContext(ctx, `
		UPDATE user_tasks SET task_status = $2, updated_at = now() WHERE task_id = $1`,
		id, status); err != nil {
		return fmt.Errorf("failed to update task %d: %w", id, err)
	}
	return tx.Commit()
}

// SetRetryCount implements persistence.TaskStore.
func (t *taskStore) SetRetryCount(ctx context.Context, id int64, retries int) error {
	res, err := t.db.ExecContext(ctx, `
		UPDATE user_tasks SET retry_count = $2, updated_at = now() WHERE task_id = $1`,
		id, retries)
	if err != nil {
		return fmt.Errorf("failed to update retry count for task %d: %w", id, err)
	}
	return mustAffect(res, persistence.ErrNotFound)
}

// AddAssignment implements persistence.TaskStore.
func (t *taskStore) AddAssignment(ctx context.Context, a *models.Assignment) error {
	assignedAt := a.AssignedAt
	if assignedAt.IsZero() {
		assignedAt = time.Now()
	}
	_, err := t.db.ExecContext(ctx, `
		INSERT INTO task_assignments (task_id, agent_name, assignment_order, assigned_at)
		VALUES ($1, $2, $3, $4)`,
		a.TaskID, a.WorkerName, a.Order, assignedAt)
	if err != nil {
		if isErrorCode(err, foreignKeyViolation) {
			return persistence.ErrNotFound
		}
		return fmt.Errorf("failed to record assignment for task %d: %w", a.TaskID, err)
	}
	return nil
}

// AddResult implements persistence.TaskStore.
func (t *taskStore) AddResult(ctx context.Context, r *models.ExecutionResult) error {
	completedAt := r.CreatedAt
	if completedAt.IsZero() {
		completedAt = time.Now()
	}
	_, err := t.db.ExecContext(ctx, `
		INSERT INTO execution_results (task_id, attempt, agent_name, success, output_data, execution_time, quality, tokens, cost, completed_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10)`,
		r.TaskID, r.Attempt, r.WorkerName, r.Success, r.Output, r.ExecutionTime, r.Quality, r.Tokens, r.Cost, completedAt)
	if err != nil {
		if isErrorCode(err, foreignKeyViolation) {
			return persistence.ErrNotFound
		}
		return fmt.Errorf("failed to record result for task %d: %w", r.TaskID, err)
	}
	return nil
}

// ListByStatus implements persistence.TaskStore.
func (t *taskStore) ListByStatus(ctx context.Context, status models.TaskStatus) ([]*models.Task, error) {
	rows, err := t.db.QueryContext(ctx, selectTaskColumns+` WHERE task_status = $1 ORDER BY task_id`, status)
	if err != nil {
		return nil, fmt.Errorf("failed to list %s tasks: %w", status, err)
	}
	defer rows.Close()

	var out []*models.Task
	for rows.Next() {
		task, err := scanTask(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan task: %w", err)
		}
		out = append(out, task)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("failed to list %s tasks: %w", status, err)
	}
	return out, nil
}

func scanTask(row rowScanner) (*models.Task, error) {
	var task models.Task
	err := row.Scan(
		&task.ID, &task.UserID, &task.Description, &task.Type, &task.Status,
		&task.Priority, &task.RetryCount, &task.CreatedAt, &task.UpdatedAt)
	if err != nil {
		return nil, err
	}
	return &task, nil
}

func isErrorCode(err error, code string) bool {
	var pgErr *pgconn.PgError
	return errors.As(err, &pgErr) && pgErr.Code == code
}
