package router

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/maestrohq/maestro/internal/health"
	"github.com/maestrohq/maestro/internal/models"
	"github.com/maestrohq/maestro/internal/persistence/memory"
	"github.com/maestrohq/maestro/internal/registry"
	"github.com/maestrohq/maestro/internal/tracker"
)

type selectFixture struct {
	router *Router
	reg    *registry.Registry
	hm     *health.Monitor
	perf   *tracker.Tracker
}

func newSelectFixture(t *testing.T, opts ...Option) *selectFixture {
	t.Helper()
	perf := tracker.New()
	hm := health.NewMonitor(perf)
	reg := registry.New(memory.New().AgentStore())
	return &selectFixture{
		router: New(reg, hm, perf, opts...),
		reg:    reg,
		hm:     hm,
		perf:   perf,
	}
}

// addWorker registers a worker, reports one heartbeat with the given
// status and load, and makes it known to the health monitor.
func (f *selectFixture) addWorker(t *testing.T, name string, capability models.Capability, status models.WorkerStatus, hw models.Hardware) {
	t.Helper()
	ctx := context.Background()
	require.NoError(t, f.reg.Register(ctx, &models.Worker{
		Name:       name,
		Host:       "10.0.0.1",
		Port:       9000,
		Capability: capability,
	}))
	require.NoError(t, f.reg.Heartbeat(ctx, name, status, hw))
	f.hm.Heartbeat(ctx, name)
}

// prefer feeds successful history so name outranks fresh workers.
func (f *selectFixture) prefer(name string, taskType models.StepType) {
	for i := 0; i < 5; i++ {
		f.perf.Record(name, tracker.Outcome{
			TaskType: taskType,
			Success:  true,
			Duration: time.Second,
			Quality:  9,
			Scored:   true,
		})
	}
}

func TestSelectQueuesWhenPoolEmpty(t *testing.T) {
	f := newSelectFixture(t)

	dec := f.router.Select(context.Background(), models.StepTypeGeneral, nil)

	assert.Equal(t, OutcomeQueued, dec.Outcome)
	assert.Equal(t, PriorityNormal, dec.Priority)
	assert.Nil(t, dec.Worker)
	assert.Equal(t, "queued", dec.Status())
}

func TestSelectFallsBackToBuiltinWhenPoolEmpty(t *testing.T) {
	f := newSelectFixture(t, WithBuiltinFallback(true))

	dec := f.router.Select(context.Background(), models.StepTypeGeneral, nil)

	assert.Equal(t, OutcomeBuiltin, dec.Outcome)
	assert.Equal(t, "use_builtin", dec.Status())
}

func TestSelectAssignsIdleCapableWorker(t *testing.T) {
	f := newSelectFixture(t)
	f.addWorker(t, "coder", models.CapabilityCoding, models.WorkerStatusIdle,
		models.Hardware{CPUPercent: 10, MemoryPercent: 20})
	f.addWorker(t, "writer", models.CapabilityDocumentation, models.WorkerStatusIdle,
		models.Hardware{CPUPercent: 5, MemoryPercent: 10})

	dec := f.router.Select(context.Background(), models.StepTypeCoding, nil)

	require.Equal(t, OutcomeAssigned, dec.Outcome)
	require.NotNil(t, dec.Worker)
	assert.Equal(t, "coder", dec.Worker.Name)
	assert.Equal(t, "assigned", dec.Status())
	assert.NotEmpty(t, dec.Scores)
}

func TestSelectConsidersGeneralistsForSpecializedWork(t *testing.T) {
	f := newSelectFixture(t)
	f.addWorker(t, "jack", models.CapabilityGeneral, models.WorkerStatusIdle,
		models.Hardware{CPUPercent: 10})

	dec := f.router.Select(context.Background(), models.StepTypeAnalysis, nil)

	require.Equal(t, OutcomeAssigned, dec.Outcome)
	assert.Equal(t, "jack", dec.Worker.Name)
}

func TestSelectQueuesOverloadedPoolAtHigherPriority(t *testing.T) {
	f := newSelectFixture(t)
	f.addWorker(t, "hot", models.CapabilityGeneral, models.WorkerStatusIdle,
		models.Hardware{CPUPercent: 95, MemoryPercent: 40})

	dec := f.router.Select(context.Background(), models.StepTypeGeneral, nil)

	assert.Equal(t, OutcomeQueuedOverload, dec.Outcome)
	assert.Equal(t, PriorityOverload, dec.Priority)
	assert.Equal(t, "queued_overload", dec.Status())
}

func TestSelectHardwareThresholdsAreExclusive(t *testing.T) {
	f := newSelectFixture(t)
	// Exactly at the limits counts as overloaded; selection is strict.
	f.addWorker(t, "edge", models.CapabilityGeneral, models.WorkerStatusIdle,
		models.Hardware{CPUPercent: 80, MemoryPercent: 50})
	dec := f.router.Select(context.Background(), models.StepTypeGeneral, nil)
	assert.Equal(t, OutcomeQueuedOverload, dec.Outcome)

	require.NoError(t, f.reg.Heartbeat(context.Background(), "edge",
		models.WorkerStatusIdle, models.Hardware{CPUPercent: 79.9, MemoryPercent: 89.9}))
	dec = f.router.Select(context.Background(), models.StepTypeGeneral, nil)
	assert.Equal(t, OutcomeAssigned, dec.Outcome)
}

func TestSelectPrefersOperableOverOverloaded(t *testing.T) {
	f := newSelectFixture(t)
	f.addWorker(t, "strained", models.CapabilityCoding, models.WorkerStatusIdle,
		models.Hardware{CPUPercent: 92, MemoryPercent: 50})
	f.addWorker(t, "fresh", models.CapabilityCoding, models.WorkerStatusIdle,
		models.Hardware{CPUPercent: 15, MemoryPercent: 30})
	f.prefer("strained", models.StepTypeCoding)

	dec := f.router.Select(context.Background(), models.StepTypeCoding, nil)

	require.Equal(t, OutcomeAssigned, dec.Outcome)
	assert.Equal(t, "fresh", dec.Worker.Name)
}

func TestSelectSkipsDeadWorkers(t *testing.T) {
	ctx := context.Background()
	f := newSelectFixture(t)
	f.addWorker(t, "flaky", models.CapabilityCoding, models.WorkerStatusIdle,
		models.Hardware{CPUPercent: 10})
	f.addWorker(t, "steady", models.CapabilityCoding, models.WorkerStatusIdle,
		models.Hardware{CPUPercent: 20})

	// Three consecutive failures open the circuit for flaky.
	for i := 0; i < 3; i++ {
		f.hm.RecordFailure(ctx, "flaky")
	}
	require.False(t, f.hm.Selectable(ctx, "flaky"))

	dec := f.router.Select(ctx, models.StepTypeCoding, nil)

	require.Equal(t, OutcomeAssigned, dec.Outcome)
	assert.Equal(t, "steady", dec.Worker.Name)
}

func TestSelectQueuesWhenNoHealthyCandidates(t *testing.T) {
	ctx := context.Background()
	f := newSelectFixture(t)
	f.addWorker(t, "only", models.CapabilityGeneral, models.WorkerStatusIdle,
		models.Hardware{CPUPercent: 10})
	for i := 0; i < 3; i++ {
		f.hm.RecordFailure(ctx, "only")
	}

	dec := f.router.Select(ctx, models.StepTypeGeneral, nil)

	assert.Equal(t, OutcomeQueued, dec.Outcome)
	assert.Equal(t, PriorityNormal, dec.Priority)
}

func TestSelectHonorsExclusions(t *testing.T) {
	f := newSelectFixture(t)
	f.addWorker(t, "alpha", models.CapabilityCoding, models.WorkerStatusIdle,
		models.Hardware{CPUPercent: 10})
	f.addWorker(t, "beta", models.CapabilityCoding, models.WorkerStatusIdle,
		models.Hardware{CPUPercent: 20})
	f.prefer("alpha", models.StepTypeCoding)

	dec := f.router.Select(context.Background(), models.StepTypeCoding, map[string]bool{"alpha": true})

	require.Equal(t, OutcomeAssigned, dec.Outcome)
	assert.Equal(t, "beta", dec.Worker.Name)
}

func TestSelectExcludingWholePoolQueues(t *testing.T) {
	f := newSelectFixture(t)
	f.addWorker(t, "alpha", models.CapabilityCoding, models.WorkerStatusIdle,
		models.Hardware{CPUPercent: 10})

	dec := f.router.Select(context.Background(), models.StepTypeCoding, map[string]bool{"alpha": true})

	assert.Equal(t, OutcomeQueued, dec.Outcome)
}

func TestSelectQueuesForBusyBestWorker(t *testing.T) {
	f := newSelectFixture(t)
	f.addWorker(t, "star", models.CapabilityCoding, models.WorkerStatusBusy,
		models.Hardware{CPUPercent: 30})
	f.addWorker(t, "rookie", models.CapabilityCoding, models.WorkerStatusIdle,
		models.Hardware{CPUPercent: 10})
	f.prefer("star", models.StepTypeCoding)

	dec := f.router.Select(context.Background(), models.StepTypeCoding, nil)

	require.Equal(t, OutcomeQueuedForWorker, dec.Outcome)
	require.NotNil(t, dec.Worker)
	assert.Equal(t, "star", dec.Worker.Name)
	assert.Equal(t, "queued_for_star", dec.Status())
	assert.Equal(t, PriorityNormal, dec.Priority)
}

func TestSelectRanksByTrackRecord(t *testing.T) {
	f := newSelectFixture(t)
	f.addWorker(t, "proven", models.CapabilityCoding, models.WorkerStatusIdle,
		models.Hardware{CPUPercent: 50})
	f.addWorker(t, "unknown", models.CapabilityCoding, models.WorkerStatusIdle,
		models.Hardware{CPUPercent: 10})
	f.prefer("proven", models.StepTypeCoding)

	dec := f.router.Select(context.Background(), models.StepTypeCoding, nil)

	require.Equal(t, OutcomeAssigned, dec.Outcome)
	assert.Equal(t, "proven", dec.Worker.Name,
		"track record should outweigh the load-based candidate order")
}

func TestDecisionStatusStrings(t *testing.T) {
	cases := []struct {
		dec  Decision
		want string
	}{
		{Decision{Outcome: OutcomeAssigned}, "assigned"},
		{Decision{Outcome: OutcomeBuiltin}, "use_builtin"},
		{Decision{Outcome: OutcomeQueued}, "queued"},
		{Decision{Outcome: OutcomeQueuedOverload}, "queued_overload"},
		{Decision{Outcome: OutcomeQueuedForWorker, Worker: &models.Worker{Name: "gpu1"}}, "queued_for_gpu1"},
	}
	for _, tc := range cases {
		assert.Equal(t, tc.want, tc.dec.Status())
	}
}
