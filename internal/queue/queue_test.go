package queue

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/maestrohq/maestro/internal/models"
)

func item(id int64, priority int) Item {
	return Item{
		TaskID:      id,
		Description: "task",
		Type:        models.StepTypeGeneral,
		Priority:    priority,
	}
}

func TestPriorityOrder(t *testing.T) {
	q := New(10)
	require.NoError(t, q.Enqueue(item(1, 1)))
	require.NoError(t, q.Enqueue(item(2, 2)))
	require.NoError(t, q.Enqueue(item(3, 1)))

	ctx := context.Background()

	first, err := q.Dequeue(ctx, time.Second)
	require.NoError(t, err)
	assert.Equal(t, int64(2), first.TaskID, "overload priority drains first")

	second, err := q.Dequeue(ctx, time.Second)
	require.NoError(t, err)
	third, err := q.Dequeue(ctx, time.Second)
	require.NoError(t, err)
	assert.Equal(t, int64(1), second.TaskID, "FIFO within equal priority")
	assert.Equal(t, int64(3), third.TaskID)
}

func TestEnqueueFailsHardWhenFull(t *testing.T) {
	q := New(2)
	require.NoError(t, q.Enqueue(item(1, 1)))
	require.NoError(t, q.Enqueue(item(2, 1)))

	err := q.Enqueue(item(3, 4))
	assert.ErrorIs(t, err, ErrFull)
	assert.Equal(t, 2, q.Len())
}

func TestEnqueueReplacesSameTask(t *testing.T) {
	q := New(10)
	require.NoError(t, q.Enqueue(item(7, 1)))

	bumped := item(7, 2)
	bumped.BoundTo = "coder-1"
	require.NoError(t, q.Enqueue(bumped))

	assert.Equal(t, 1, q.Len(), "a task never holds two slots")

	got, err := q.Dequeue(context.Background(), time.Second)
	require.NoError(t, err)
	assert.Equal(t, 2, got.Priority)
	assert.Equal(t, "coder-1", got.BoundTo)
}

func TestDequeueTimesOut(t *testing.T) {
	q := New(10)
	start := time.Now()
	_, err := q.Dequeue(context.Background(), 20*time.Millisecond)
	assert.ErrorIs(t, err, ErrTimeout)
	assert.GreaterOrEqual(t, time.Since(start), 20*time.Millisecond)
}

func TestDequeueHonorsContext(t *testing.T) {
	q := New(10)
	ctx, cancel := context.WithCancel(context.Background())

	errc := make(chan error, 1)
	go func() {
		_, err := q.Dequeue(ctx, 0)
		errc <- err
	}()

	cancel()
	select {
	case err := <-errc:
		assert.ErrorIs(t, err, context.Canceled)
	case <-time.After(time.Second):
		t.Fatal("dequeue did not observe cancellation")
	}
}

func TestDequeueWakesOnEnqueue(t *testing.T) {
	q := New(10)

	got := make(chan Item, 1)
	go func() {
		it, err := q.Dequeue(context.Background(), 5*time.Second)
		if err == nil {
			got <- it
		}
	}()

	time.Sleep(10 * time.Millisecond)
	require.NoError(t, q.Enqueue(item(42, 1)))

	select {
	case it := <-got:
		assert.Equal(t, int64(42), it.TaskID)
	case <-time.After(time.Second):
		t.Fatal("enqueue did not wake the waiter")
	}
}

func TestCancelRemovesQueuedTask(t *testing.T) {
	q := New(10)
	require.NoError(t, q.Enqueue(item(1, 1)))
	require.NoError(t, q.Enqueue(item(2, 1)))

	assert.True(t, q.Cancel(1))
	assert.False(t, q.Cancel(1), "second cancel is a no-op")
	assert.False(t, q.Contains(1))

	got, err := q.Dequeue(context.Background(), time.Second)
	require.NoError(t, err)
	assert.Equal(t, int64(2), got.TaskID)
	assert.Equal(t, 0, q.Len())
}

func TestCloseWakesWaiters(t *testing.T) {
	q := New(10)

	errc := make(chan error, 1)
	go func() {
		_, err := q.Dequeue(context.Background(), 0)
		errc <- err
	}()

	time.Sleep(10 * time.Millisecond)
	q.Close()

	select {
	case err := <-errc:
		assert.ErrorIs(t, err, ErrClosed)
	case <-time.After(time.Second):
		t.Fatal("close did not wake the waiter")
	}

	assert.ErrorIs(t, q.Enqueue(item(1, 1)), ErrClosed)
}

func TestStats(t *testing.T) {
	q := New(10)

	old := item(1, 1)
	old.EnqueuedAt = time.Now().Add(-time.Minute)
	require.NoError(t, q.Enqueue(old))
	require.NoError(t, q.Enqueue(item(2, 2)))
	require.NoError(t, q.Enqueue(item(3, 2)))

	st := q.Stats()
	assert.Equal(t, 3, st.Total)
	assert.Equal(t, 10, st.Capacity)
	assert.Equal(t, 1, st.ByPriority[1])
	assert.Equal(t, 2, st.ByPriority[2])
	assert.GreaterOrEqual(t, st.OldestAge, time.Minute)
}
