// Package persistence defines the narrow store interfaces the controller
// core depends on. Implementations live in subpackages: postgres for
// production, memory for tests and single-node development.
package persistence

import (
	"context"
	"errors"
	"time"

	"github.com/maestrohq/maestro/internal/models"
)

var (
	// ErrNotFound is returned when a requested row does not exist.
	ErrNotFound = errors.New("not found")
	// ErrInvalidTransition is returned when a task status update would
	// move a task backwards from a terminal state.
	ErrInvalidTransition = errors.New("invalid task status transition")
)

// DataStore bundles every store the controller composes at boot.
type DataStore interface {
	AgentStore() AgentStore
	TaskStore() TaskStore
	ConversationStore() ConversationStore
	ContextStore() ContextStore
	MetricsStore() MetricsStore
	ReplicaStore() ReplicaStore
	LogStore() LogStore

	// Close releases the underlying connections.
	Close() error
}

// AgentStore persists workers and their rolling counters.
type AgentStore interface {
	// Upsert registers a worker, updating host, port, and capability on
	// re-registration. Registration is idempotent by worker name.
	Upsert(ctx context.Context, w *models.Worker) error
	// Heartbeat records status and hardware telemetry for a worker.
	Heartbeat(ctx context.Context, name string, status models.WorkerStatus, hw models.Hardware, at time.Time) error
	// SetStatus updates only the worker status.
	SetStatus(ctx context.Context, name string, status models.WorkerStatus) error
	// RecordResult folds one task outcome into the worker's counters and
	// resets its status to idle.
	RecordResult(ctx context.Context, name string, success bool, execTime float64) error
	// Get returns one worker or ErrNotFound.
	Get(ctx context.Context, name string) (*models.Worker, error)
	// List returns all registered workers.
	List(ctx context.Context) ([]*models.Worker, error)
}

// TaskStore persists tasks, assignments, and execution results.
type TaskStore interface {
	// Create inserts a task and returns its id.
	Create(ctx context.Context, t *models.Task) (int64, error)
	// Get returns one task or ErrNotFound.
	Get(ctx context.Context, id int64) (*models.Task, error)
	// SetStatus updates the task status, enforcing the task state machine.
	SetStatus(ctx context.Context, id int64, status models.TaskStatus) error
	// SetRetryCount updates the retry counter.
	SetRetryCount(ctx context.Context, id int64, retries int) error
	// AddAssignment appends the (task, worker, order) binding.
	AddAssignment(ctx context.Context, a *models.Assignment) error
	// AddResult appends one attempt's result.
	AddResult(ctx context.Context, r *models.ExecutionResult) error
	// ListByStatus returns tasks currently in the given status.
	ListByStatus(ctx context.Context, status models.TaskStatus) ([]*models.Task, error)
}

// ConversationStore persists chat turns.
type ConversationStore interface {
	// AppendMessage adds one turn to a conversation, creating the
	// conversation on first use.
	AppendMessage(ctx context.Context, conversationID, userID string, msg models.Message) error
	// Recent returns the last n messages of a conversation, oldest first.
	Recent(ctx context.Context, conversationID string, n int) ([]models.Message, error)
}

// ContextStore records context routing decisions per task.
type ContextStore interface {
	// Save records the context kind and data captured for a task.
	Save(ctx context.Context, taskID int64, kind models.ContextKind, data string) error
	// RecentDescriptions returns the latest task descriptions with saved
	// context, newest first, for related-task detection.
	RecentDescriptions(ctx context.Context, limit int) (map[int64]string, error)
}

// MetricsStore appends per-outcome performance rows.
type MetricsStore interface {
	Append(ctx context.Context, workerName string, taskType models.StepType, success bool, duration, quality float64) error
}

// ReplicaStore persists controller heartbeat rows for leader election.
type ReplicaStore interface {
	// Heartbeat upserts this replica's heartbeat timestamp.
	Heartbeat(ctx context.Context, id string, at time.Time) error
	// Promote marks one replica active and demotes every other.
	Promote(ctx context.Context, id string) error
	// Demote clears a replica's active flag.
	Demote(ctx context.Context, id string) error
	// List returns all known replicas.
	List(ctx context.Context) ([]*models.Replica, error)
}

// LogStore appends system log rows.
type LogStore interface {
	Append(ctx context.Context, level, component, message string) error
	// Prune removes rows older than the cutoff and returns how many were
	// deleted.
	Prune(ctx context.Context, olderThan time.Time) (int64, error)
}
