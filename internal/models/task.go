package models

import "time"

// StepType is the kind of work a single plan step asks for. Plans draw
// only from this set; image generation is routed by capability but never
// planned as a step.
type StepType string

const (
	StepTypeCoding        StepType = "coding"
	StepTypeDocumentation StepType = "documentation"
	StepTypeAnalysis      StepType = "analysis"
	StepTypeGeneral       StepType = "general"
)

// ValidStepType reports whether s names a plannable step kind.
func ValidStepType(s string) bool {
	switch StepType(s) {
	case StepTypeCoding, StepTypeDocumentation, StepTypeAnalysis, StepTypeGeneral:
		return true
	default:
		return false
	}
}

// TaskStatus is the lifecycle state of a task.
type TaskStatus string

const (
	TaskStatusPending    TaskStatus = "pending"
	TaskStatusQueued     TaskStatus = "queued"
	TaskStatusAssigned   TaskStatus = "assigned"
	TaskStatusProcessing TaskStatus = "processing"
	TaskStatusCompleted  TaskStatus = "completed"
	TaskStatusFailed     TaskStatus = "failed"
	TaskStatusCancelled  TaskStatus = "cancelled"
)

// Terminal reports whether the status is final. A terminal task never
// re-enters an active state; retries create a new attempt instead.
func (s TaskStatus) Terminal() bool {
	switch s {
	case TaskStatusCompleted, TaskStatusFailed, TaskStatusCancelled:
		return true
	default:
		return false
	}
}

// CanTransition reports whether moving from s to next respects the task
// state machine: pending → (assigned|queued) → processing →
// {completed|failed}; failed may re-enter queued while retryable;
// cancellation is allowed from any non-terminal state.
func (s TaskStatus) CanTransition(next TaskStatus) bool {
	if s == next {
		return true
	}
	if s.Terminal() && s != TaskStatusFailed {
		return false
	}
	switch s {
	case TaskStatusPending:
		return next == TaskStatusQueued || next == TaskStatusAssigned || next == TaskStatusCancelled
	case TaskStatusQueued:
		return next == TaskStatusPending || next == TaskStatusAssigned || next == TaskStatusCancelled
	case TaskStatusAssigned:
		return next == TaskStatusProcessing || next == TaskStatusQueued || next == TaskStatusFailed || next == TaskStatusCancelled
	case TaskStatusProcessing:
		return next == TaskStatusCompleted || next == TaskStatusFailed || next == TaskStatusCancelled
	case TaskStatusFailed:
		return next == TaskStatusQueued
	default:
		return false
	}
}

// Task is one unit of user work supervised by the controller. A multi-step
// plan runs under a single task id; each step records its own assignment
// order and result attempts.
type Task struct {
	ID          int64      `json:"id"`
	UserID      string     `json:"user_id"`
	Description string     `json:"description"`
	Type        StepType   `json:"type"`
	Priority    int        `json:"priority"`
	RetryCount  int        `json:"retry_count"`
	Status      TaskStatus `json:"status"`
	CreatedAt   time.Time  `json:"created_at"`
	UpdatedAt   time.Time  `json:"updated_at"`
}

// Assignment binds a task to the worker chosen for one plan step.
type Assignment struct {
	TaskID     int64     `json:"task_id"`
	WorkerName string    `json:"worker_name"`
	Order      int       `json:"order"`
	AssignedAt time.Time `json:"assigned_at"`
}

// ExecutionResult is one attempt's outcome as reported by a worker and
// scored by the validator.
type ExecutionResult struct {
	TaskID        int64     `json:"task_id"`
	Attempt       int       `json:"attempt"`
	WorkerName    string    `json:"worker_name"`
	Success       bool      `json:"success"`
	Output        string    `json:"output"`
	ExecutionTime float64   `json:"execution_time"`
	Quality       float64   `json:"quality"`
	Tokens        int       `json:"tokens"`
	Cost          float64   `json:"cost"`
	CreatedAt     time.Time `json:"created_at"`
}
