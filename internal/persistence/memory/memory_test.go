package memory

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/maestrohq/maestro/internal/models"
	"github.com/maestrohq/maestro/internal/persistence"
)

func TestAgentUpsertAndGet(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	agents := New().AgentStore()

	w := &models.Worker{
		Name:       "coder-1",
		Host:       "10.0.0.1",
		Port:       9000,
		Capability: models.CapabilityCoding,
		Status:     models.WorkerStatusIdle,
	}
	require.NoError(t, agents.Upsert(ctx, w))

	got, err := agents.Get(ctx, "coder-1")
	require.NoError(t, err)
	assert.Equal(t, "10.0.0.1:9000", got.Addr())

	// The store hands out copies; callers cannot mutate shared state.
	got.Host = "changed"
	again, err := agents.Get(ctx, "coder-1")
	require.NoError(t, err)
	assert.Equal(t, "10.0.0.1", again.Host)

	_, err = agents.Get(ctx, "ghost")
	assert.ErrorIs(t, err, persistence.ErrNotFound)
}

func TestAgentReRegistrationKeepsCounters(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	agents := New().AgentStore()

	require.NoError(t, agents.Upsert(ctx, &models.Worker{
		Name: "coder-1", Host: "10.0.0.1", Port: 9000,
		Capability: models.CapabilityCoding,
	}))
	require.NoError(t, agents.RecordResult(ctx, "coder-1", true, 2.0))

	// Re-registration after a restart moves the endpoint but keeps history.
	require.NoError(t, agents.Upsert(ctx, &models.Worker{
		Name: "coder-1", Host: "10.0.0.2", Port: 9001,
		Capability: models.CapabilityGeneral,
	}))

	got, err := agents.Get(ctx, "coder-1")
	require.NoError(t, err)
	assert.Equal(t, "10.0.0.2:9001", got.Addr())
	assert.Equal(t, models.CapabilityGeneral, got.Capability)
	assert.Equal(t, int64(1), got.TotalTasks)
	assert.Equal(t, int64(1), got.SuccessfulTasks)
}

func TestAgentRecordResult(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	agents := New().AgentStore()

	require.NoError(t, agents.Upsert(ctx, &models.Worker{
		Name: "coder-1", Status: models.WorkerStatusBusy,
	}))

	require.NoError(t, agents.RecordResult(ctx, "coder-1", true, 2.0))
	require.NoError(t, agents.RecordResult(ctx, "coder-1", true, 4.0))
	require.NoError(t, agents.RecordResult(ctx, "coder-1", false, 9.0))

	got, err := agents.Get(ctx, "coder-1")
	require.NoError(t, err)
	assert.Equal(t, int64(3), got.TotalTasks)
	assert.Equal(t, int64(2), got.SuccessfulTasks)
	assert.Equal(t, int64(1), got.FailedTasks)
	// Mean over successful runs only; failures do not skew the average.
	assert.InDelta(t, 3.0, got.AvgExecutionTime, 0.001)
	assert.Equal(t, models.WorkerStatusIdle, got.Status)

	assert.ErrorIs(t, agents.RecordResult(ctx, "ghost", true, 1.0), persistence.ErrNotFound)
}

func TestAgentHeartbeat(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	agents := New().AgentStore()

	require.NoError(t, agents.Upsert(ctx, &models.Worker{Name: "coder-1"}))

	at := time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC)
	hw := models.Hardware{CPUPercent: 42, MemoryPercent: 61, Temperature: 55}
	require.NoError(t, agents.Heartbeat(ctx, "coder-1", models.WorkerStatusBusy, hw, at))

	got, err := agents.Get(ctx, "coder-1")
	require.NoError(t, err)
	assert.Equal(t, models.WorkerStatusBusy, got.Status)
	assert.Equal(t, hw, got.Hardware)
	assert.Equal(t, at, got.LastHeartbeat)

	assert.ErrorIs(t, agents.Heartbeat(ctx, "ghost", models.WorkerStatusIdle, hw, at), persistence.ErrNotFound)
}

func TestAgentListSortedByName(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	agents := New().AgentStore()

	for _, name := range []string{"writer-1", "analyst-1", "coder-1"} {
		require.NoError(t, agents.Upsert(ctx, &models.Worker{Name: name}))
	}

	list, err := agents.List(ctx)
	require.NoError(t, err)
	require.Len(t, list, 3)
	assert.Equal(t, "analyst-1", list[0].Name)
	assert.Equal(t, "coder-1", list[1].Name)
	assert.Equal(t, "writer-1", list[2].Name)
}

func TestTaskCreateAssignsSequentialIDs(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	tasks := New().TaskStore()

	id1, err := tasks.Create(ctx, &models.Task{Description: "first"})
	require.NoError(t, err)
	id2, err := tasks.Create(ctx, &models.Task{Description: "second"})
	require.NoError(t, err)
	assert.Equal(t, id1+1, id2)

	got, err := tasks.Get(ctx, id1)
	require.NoError(t, err)
	assert.Equal(t, models.TaskStatusPending, got.Status)
	assert.False(t, got.CreatedAt.IsZero())

	_, err = tasks.Get(ctx, 424242)
	assert.ErrorIs(t, err, persistence.ErrNotFound)
}

func TestTaskStatusTransitions(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	tasks := New().TaskStore()

	id, err := tasks.Create(ctx, &models.Task{Description: "lifecycle"})
	require.NoError(t, err)

	for _, next := range []models.TaskStatus{
		models.TaskStatusQueued,
		models.TaskStatusAssigned,
		models.TaskStatusProcessing,
		models.TaskStatusCompleted,
	} {
		require.NoError(t, tasks.SetStatus(ctx, id, next), "to %s", next)
	}

	// Completed is terminal.
	err = tasks.SetStatus(ctx, id, models.TaskStatusQueued)
	assert.ErrorIs(t, err, persistence.ErrInvalidTransition)
}

func TestFailedTaskCanRequeue(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	tasks := New().TaskStore()

	id, err := tasks.Create(ctx, &models.Task{Description: "retry me"})
	require.NoError(t, err)
	require.NoError(t, tasks.SetStatus(ctx, id, models.TaskStatusAssigned))
	require.NoError(t, tasks.SetStatus(ctx, id, models.TaskStatusProcessing))
	require.NoError(t, tasks.SetStatus(ctx, id, models.TaskStatusFailed))

	// A failed task re-enters the queue for its next attempt.
	require.NoError(t, tasks.SetStatus(ctx, id, models.TaskStatusQueued))
	require.NoError(t, tasks.SetRetryCount(ctx, id, 1))

	got, err := tasks.Get(ctx, id)
	require.NoError(t, err)
	assert.Equal(t, models.TaskStatusQueued, got.Status)
	assert.Equal(t, 1, got.RetryCount)
}

func TestTaskListByStatus(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	tasks := New().TaskStore()

	a, _ := tasks.Create(ctx, &models.Task{Description: "a"})
	b, _ := tasks.Create(ctx, &models.Task{Description: "b"})
	c, _ := tasks.Create(ctx, &models.Task{Description: "c"})
	require.NoError(t, tasks.SetStatus(ctx, a, models.TaskStatusQueued))
	require.NoError(t, tasks.SetStatus(ctx, c, models.TaskStatusQueued))

	queued, err := tasks.ListByStatus(ctx, models.TaskStatusQueued)
	require.NoError(t, err)
	require.Len(t, queued, 2)
	assert.Equal(t, a, queued[0].ID)
	assert.Equal(t, c, queued[1].ID)

	pending, err := tasks.ListByStatus(ctx, models.TaskStatusPending)
	require.NoError(t, err)
	require.Len(t, pending, 1)
	assert.Equal(t, b, pending[0].ID)
}

func TestAssignmentsAndResultsRequireTask(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	tasks := New().TaskStore()

	id, err := tasks.Create(ctx, &models.Task{Description: "tracked"})
	require.NoError(t, err)

	require.NoError(t, tasks.AddAssignment(ctx, &models.Assignment{
		TaskID: id, WorkerName: "coder-1", Order: 1, AssignedAt: time.Now(),
	}))
	require.NoError(t, tasks.AddResult(ctx, &models.ExecutionResult{
		TaskID: id, Attempt: 1, WorkerName: "coder-1", Success: true, Output: "done",
	}))

	assert.ErrorIs(t, tasks.AddAssignment(ctx, &models.Assignment{TaskID: 999}), persistence.ErrNotFound)
	assert.ErrorIs(t, tasks.AddResult(ctx, &models.ExecutionResult{TaskID: 999}), persistence.ErrNotFound)
}

func TestConversationRecent(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	conv := New().ConversationStore()

	for i, content := range []string{"one", "two", "three", "four"} {
		role := models.RoleUser
		if i%2 == 1 {
			role = models.RoleAssistant
		}
		require.NoError(t, conv.AppendMessage(ctx, "conv-1", "user-1", models.Message{
			Role: role, Content: content,
		}))
	}

	recent, err := conv.Recent(ctx, "conv-1", 3)
	require.NoError(t, err)
	require.Len(t, recent, 3)
	// Oldest first, capped to the newest n turns.
	assert.Equal(t, "two", recent[0].Content)
	assert.Equal(t, "four", recent[2].Content)
	assert.False(t, recent[0].CreatedAt.IsZero())

	empty, err := conv.Recent(ctx, "no-such-conversation", 5)
	require.NoError(t, err)
	assert.Empty(t, empty)
}

func TestContextRecentDescriptions(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	store := New()
	tasks := store.TaskStore()
	contexts := store.ContextStore()

	var ids []int64
	for _, desc := range []string{"write a parser", "document the parser", "profile the parser"} {
		id, err := tasks.Create(ctx, &models.Task{Description: desc})
		require.NoError(t, err)
		require.NoError(t, contexts.Save(ctx, id, models.ContextKindSingle, "{}"))
		ids = append(ids, id)
	}

	recent, err := contexts.RecentDescriptions(ctx, 2)
	require.NoError(t, err)
	require.Len(t, recent, 2)
	assert.Equal(t, "document the parser", recent[ids[1]])
	assert.Equal(t, "profile the parser", recent[ids[2]])
	assert.NotContains(t, recent, ids[0])
}

func TestReplicaPromoteDemotesOthers(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	replicas := New().ReplicaStore()

	now := time.Now()
	require.NoError(t, replicas.Heartbeat(ctx, "controller-a", now))
	require.NoError(t, replicas.Heartbeat(ctx, "controller-b", now))

	require.NoError(t, replicas.Promote(ctx, "controller-a"))
	require.NoError(t, replicas.Promote(ctx, "controller-b"))

	list, err := replicas.List(ctx)
	require.NoError(t, err)
	require.Len(t, list, 2)

	// Promotion is exclusive: at most one replica holds the active flag.
	active := 0
	for _, r := range list {
		if r.Active {
			active++
			assert.Equal(t, "controller-b", r.ID)
		}
	}
	assert.Equal(t, 1, active)

	require.NoError(t, replicas.Demote(ctx, "controller-b"))
	list, err = replicas.List(ctx)
	require.NoError(t, err)
	for _, r := range list {
		assert.False(t, r.Active)
	}
}

func TestLogPrune(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	logs := New().LogStore()

	require.NoError(t, logs.Append(ctx, "info", "router", "task routed"))
	require.NoError(t, logs.Append(ctx, "error", "health", "worker dead"))

	removed, err := logs.Prune(ctx, time.Now().Add(-time.Hour))
	require.NoError(t, err)
	assert.Zero(t, removed)

	removed, err = logs.Prune(ctx, time.Now().Add(time.Hour))
	require.NoError(t, err)
	assert.Equal(t, int64(2), removed)
}
