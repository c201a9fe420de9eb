package leader

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/maestrohq/maestro/internal/persistence"
	"github.com/maestrohq/maestro/internal/persistence/memory"
)

const (
	testInterval = 5 * time.Second
	testTimeout  = 15 * time.Second
)

func testPair(store persistence.ReplicaStore, now *time.Time) (*Elector, *Elector) {
	clock := func() time.Time { return *now }
	a := New(store, "master-a", testInterval, testTimeout, true, WithClock(clock))
	b := New(store, "master-b", testInterval, testTimeout, true, WithClock(clock))
	return a, b
}

func TestSingleMasterMode(t *testing.T) {
	ctx := context.Background()
	e := New(memory.New().ReplicaStore(), "solo", 10*time.Millisecond, 30*time.Millisecond, false)

	require.NoError(t, e.Start(ctx))
	defer func() { require.NoError(t, e.Stop(ctx)) }()

	assert.True(t, e.IsActive())
	assert.True(t, e.ShouldProcess())
}

func TestSmallestIDWins(t *testing.T) {
	ctx := context.Background()
	now := time.Now()
	store := memory.New().ReplicaStore()
	a, b := testPair(store, &now)

	a.tick(ctx)
	b.tick(ctx)

	assert.True(t, a.IsActive())
	assert.False(t, b.IsActive())
	assert.True(t, a.ShouldProcess())
	assert.False(t, b.ShouldProcess(), "standby must not process while failover is enabled")
}

func TestFreshActiveMasterKeepsSeat(t *testing.T) {
	ctx := context.Background()
	now := time.Now()
	store := memory.New().ReplicaStore()
	a, b := testPair(store, &now)

	// b boots first and takes the leadership.
	b.tick(ctx)
	require.True(t, b.IsActive())

	// a has the smaller id, but a fresh active master is never preempted.
	a.tick(ctx)
	assert.False(t, a.IsActive())
	assert.True(t, b.IsActive())
}

func TestFailoverAfterLeaderDies(t *testing.T) {
	ctx := context.Background()
	now := time.Now()
	store := memory.New().ReplicaStore()
	a, b := testPair(store, &now)

	a.tick(ctx)
	b.tick(ctx)
	require.True(t, a.IsActive())

	// a stops heartbeating; once its heartbeat ages past the timeout the
	// standby takes over on its next tick.
	now = now.Add(testTimeout + time.Second)
	b.tick(ctx)

	assert.True(t, b.IsActive())

	replicas, err := store.List(ctx)
	require.NoError(t, err)
	for _, r := range replicas {
		if r.ID == "master-b" {
			assert.True(t, r.Active)
		} else {
			assert.False(t, r.Active, "promotion demotes the dead leader")
		}
	}
}

func TestRevivedReplicaStaysStandby(t *testing.T) {
	ctx := context.Background()
	now := time.Now()
	store := memory.New().ReplicaStore()
	a, b := testPair(store, &now)

	a.tick(ctx)
	b.tick(ctx)
	now = now.Add(testTimeout + time.Second)
	b.tick(ctx)
	require.True(t, b.IsActive())

	// a comes back: it sees a fresh active master and steps down instead
	// of reclaiming leadership by id.
	a.tick(ctx)
	assert.False(t, a.IsActive())
	assert.True(t, b.IsActive())

	// Only when b goes quiet does a take over again.
	now = now.Add(testTimeout + time.Second)
	a.tick(ctx)
	assert.True(t, a.IsActive())
}

func TestElectWithEmptyStore(t *testing.T) {
	ctx := context.Background()
	now := time.Now()
	e := New(memory.New().ReplicaStore(), "only", testInterval, testTimeout, true,
		WithClock(func() time.Time { return now }))

	elected, err := e.elect(ctx)
	require.NoError(t, err)
	assert.Equal(t, "only", elected)
}

func TestMissingHeartbeatCountsAsExpired(t *testing.T) {
	ctx := context.Background()
	now := time.Now()
	store := memory.New().ReplicaStore()

	// A replica row with no heartbeat at all must never win.
	require.NoError(t, store.Heartbeat(ctx, "master-a", time.Time{}))

	b := New(store, "master-b", testInterval, testTimeout, true,
		WithClock(func() time.Time { return now }))
	b.tick(ctx)

	assert.True(t, b.IsActive())
}

func TestStatus(t *testing.T) {
	ctx := context.Background()
	now := time.Now()
	store := memory.New().ReplicaStore()
	a, b := testPair(store, &now)

	a.tick(ctx)
	b.tick(ctx)

	st, err := b.Status(ctx)
	require.NoError(t, err)
	assert.Equal(t, "master-b", st.CurrentMaster)
	assert.Equal(t, "master-a", st.ActiveMaster)
	assert.False(t, st.IsActive)
	assert.True(t, st.FailoverEnabled)
	assert.Equal(t, 2, st.TotalMasters)
}

func TestStopDemotesActiveReplica(t *testing.T) {
	ctx := context.Background()
	store := memory.New().ReplicaStore()
	e := New(store, "master-a", 10*time.Millisecond, 30*time.Millisecond, true)

	require.NoError(t, e.Start(ctx))
	require.True(t, e.IsActive())
	require.NoError(t, e.Stop(ctx))

	replicas, err := store.List(ctx)
	require.NoError(t, err)
	require.Len(t, replicas, 1)
	assert.False(t, replicas[0].Active)
}
