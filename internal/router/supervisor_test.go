package router

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/maestrohq/maestro/internal/cache"
	"github.com/maestrohq/maestro/internal/health"
	"github.com/maestrohq/maestro/internal/llm"
	"github.com/maestrohq/maestro/internal/models"
	"github.com/maestrohq/maestro/internal/oracle"
	"github.com/maestrohq/maestro/internal/persistence"
	"github.com/maestrohq/maestro/internal/persistence/memory"
	"github.com/maestrohq/maestro/internal/queue"
	"github.com/maestrohq/maestro/internal/registry"
	"github.com/maestrohq/maestro/internal/tracker"
	"github.com/maestrohq/maestro/internal/worker"
)

type fakePlanner struct {
	plan models.Plan
}

func (f *fakePlanner) Plan(context.Context, oracle.PlanRequest) models.Plan {
	return f.plan
}

type fakeContextOracle struct {
	slice models.ContextSlice
}

func (f *fakeContextOracle) Select(context.Context, oracle.ContextRequest) models.ContextSlice {
	return f.slice
}

type fakeValidator struct {
	fn func(req oracle.ValidateRequest) models.Validation
}

func (f *fakeValidator) Validate(_ context.Context, req oracle.ValidateRequest) models.Validation {
	if f.fn != nil {
		return f.fn(req)
	}
	return models.Validation{IsComplete: true, Quality: 8, Confidence: 0.9}
}

type dispatchCall struct {
	Addr string
	Req  worker.ExecuteRequest
}

type fakeDispatcher struct {
	mu    sync.Mutex
	calls []dispatchCall
	fn    func(addr string, req worker.ExecuteRequest) (*worker.ExecuteResponse, error)
}

func (f *fakeDispatcher) Execute(_ context.Context, addr string, req worker.ExecuteRequest) (*worker.ExecuteResponse, error) {
	f.mu.Lock()
	f.calls = append(f.calls, dispatchCall{Addr: addr, Req: req})
	f.mu.Unlock()
	if f.fn != nil {
		return f.fn(addr, req)
	}
	return &worker.ExecuteResponse{Success: true, Output: "ok", ExecutionTime: 0.1}, nil
}

func (f *fakeDispatcher) Health(context.Context, string) (*worker.HealthReply, error) {
	return &worker.HealthReply{Status: models.WorkerStatusIdle}, nil
}

func (f *fakeDispatcher) callCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.calls)
}

func (f *fakeDispatcher) call(i int) dispatchCall {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.calls[i]
}

type fakeProvider struct {
	content string
	err     error
}

func (f *fakeProvider) Name() string { return "fake" }

func (f *fakeProvider) Chat(context.Context, *llm.ChatRequest) (*llm.ChatResponse, error) {
	if f.err != nil {
		return nil, f.err
	}
	return &llm.ChatResponse{Content: f.content, FinishReason: "stop"}, nil
}

type supFixture struct {
	sup        *Supervisor
	store      persistence.DataStore
	reg        *registry.Registry
	hm         *health.Monitor
	perf       *tracker.Tracker
	queue      *queue.Queue
	disp       *fakeDispatcher
	planner    *fakePlanner
	contextSel *fakeContextOracle
	validator  *fakeValidator
	builtin    *fakeProvider
}

func newSupFixture(t *testing.T, routerOpts []Option, supOpts ...SupervisorOption) *supFixture {
	t.Helper()
	f := &supFixture{
		store:      memory.New(),
		perf:       tracker.New(),
		queue:      queue.New(64),
		disp:       &fakeDispatcher{},
		planner:    &fakePlanner{plan: models.DefaultPlan("fixture")},
		contextSel: &fakeContextOracle{slice: models.ContextSlice{Kind: models.ContextKindSingle, Reason: "no history"}},
		validator:  &fakeValidator{},
		builtin:    &fakeProvider{content: "builtin answer"},
	}
	f.hm = health.NewMonitor(f.perf)
	f.reg = registry.New(f.store.AgentStore())
	r := New(f.reg, f.hm, f.perf, routerOpts...)

	opts := append([]SupervisorOption{WithDrainInterval(20 * time.Millisecond)}, supOpts...)
	f.sup = NewSupervisor(Deps{
		Router:     r,
		Registry:   f.reg,
		Health:     f.hm,
		Perf:       f.perf,
		Queue:      f.queue,
		Dispatcher: f.disp,
		Store:      f.store,
		Cache:      cache.NewMemory(time.Hour, 128),
		Planner:    f.planner,
		Context:    f.contextSel,
		Validator:  f.validator,
		Builtin:    f.builtin,
	}, opts...)
	return f
}

func (f *supFixture) addWorker(t *testing.T, name string, capability models.Capability, status models.WorkerStatus) {
	t.Helper()
	ctx := context.Background()
	require.NoError(t, f.reg.Register(ctx, &models.Worker{
		Name:       name,
		Host:       "10.0.0.1",
		Port:       9000,
		Capability: capability,
	}))
	require.NoError(t, f.reg.Heartbeat(ctx, name, status,
		models.Hardware{CPUPercent: 10, MemoryPercent: 20}))
	f.hm.Heartbeat(ctx, name)
}

// prefer feeds successful history so name outranks fresh workers.
func (f *supFixture) prefer(name string, taskType models.StepType) {
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

func (f *supFixture) startDrain(t *testing.T) {
	t.Helper()
	require.NoError(t, f.sup.Start(context.Background()))
	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		defer cancel()
		_ = f.sup.Stop(ctx)
	})
}

func TestChatAnswersViaWorkerAndCachesRepeat(t *testing.T) {
	ctx := context.Background()
	f := newSupFixture(t, nil)
	f.addWorker(t, "speedy", models.CapabilityGeneral, models.WorkerStatusIdle)
	f.disp.fn = func(addr string, req worker.ExecuteRequest) (*worker.ExecuteResponse, error) {
		return &worker.ExecuteResponse{Success: true, Output: "Hello! How can I help?", ExecutionTime: 0.3}, nil
	}

	res, err := f.sup.Chat(ctx, ChatRequest{Message: "Hello", UserID: "u1"})
	require.NoError(t, err)
	assert.Equal(t, "Hello! How can I help?", res.Answer)
	assert.False(t, res.UsedCache)
	assert.Equal(t, []string{"speedy"}, res.WorkersUsed)
	assert.NotEmpty(t, res.ConversationID)
	require.Len(t, res.Steps, 1)
	assert.Equal(t, models.StepTypeGeneral, res.Steps[0].Type)
	assert.Equal(t, 1, res.Steps[0].Attempts)

	task, err := f.store.TaskStore().Get(ctx, res.TaskID)
	require.NoError(t, err)
	assert.Equal(t, models.TaskStatusCompleted, task.Status)

	msgs, err := f.store.ConversationStore().Recent(ctx, res.ConversationID, 10)
	require.NoError(t, err)
	require.Len(t, msgs, 2)
	assert.Equal(t, models.RoleUser, msgs[0].Role)
	assert.Equal(t, models.RoleAssistant, msgs[1].Role)

	// An identical request is answered from cache without a dispatch.
	again, err := f.sup.Chat(ctx, ChatRequest{Message: "Hello", UserID: "u1"})
	require.NoError(t, err)
	assert.True(t, again.UsedCache)
	assert.Equal(t, res.Answer, again.Answer)
	assert.Equal(t, 1, f.disp.callCount())
}

func TestChatRunsPlanStepsInOrder(t *testing.T) {
	ctx := context.Background()
	f := newSupFixture(t, nil)
	f.addWorker(t, "coder", models.CapabilityCoding, models.WorkerStatusIdle)
	f.addWorker(t, "writer", models.CapabilityDocumentation, models.WorkerStatusIdle)
	f.planner.plan = models.Plan{
		Steps:       []models.StepType{models.StepTypeCoding, models.StepTypeDocumentation},
		Reasoning:   "write then document",
		IsMultiStep: true,
	}
	f.disp.fn = func(addr string, req worker.ExecuteRequest) (*worker.ExecuteResponse, error) {
		switch req.TaskType {
		case "coding":
			return &worker.ExecuteResponse{Success: true, Output: "package main", ExecutionTime: 0.2}, nil
		default:
			return &worker.ExecuteResponse{Success: true, Output: "README written", ExecutionTime: 0.1}, nil
		}
	}

	res, err := f.sup.Chat(ctx, ChatRequest{Message: "write a parser and document it"})
	require.NoError(t, err)

	assert.Equal(t, "README written", res.Answer)
	assert.Equal(t, []string{"coder", "writer"}, res.WorkersUsed)
	require.Len(t, res.Steps, 2)
	assert.Equal(t, models.StepTypeCoding, res.Steps[0].Type)
	assert.Equal(t, models.StepTypeDocumentation, res.Steps[1].Type)

	require.Equal(t, 2, f.disp.callCount())
	first, second := f.disp.call(0), f.disp.call(1)
	assert.Empty(t, first.Req.Context)
	assert.Equal(t, "write a parser and document it", first.Req.TaskDesc)
	// The second step sees the first step's output as context but keeps
	// the original request as its task description.
	assert.Contains(t, second.Req.Context, "package main")
	assert.Equal(t, "write a parser and document it", second.Req.TaskDesc)

	task, err := f.store.TaskStore().Get(ctx, res.TaskID)
	require.NoError(t, err)
	assert.Equal(t, models.TaskStatusCompleted, task.Status)
}

func TestChatRetriesNextCandidateOnTransportError(t *testing.T) {
	ctx := context.Background()
	f := newSupFixture(t, nil)
	f.addWorker(t, "alpha", models.CapabilityCoding, models.WorkerStatusIdle)
	f.addWorker(t, "beta", models.CapabilityCoding, models.WorkerStatusIdle)
	f.prefer("alpha", models.StepTypeCoding)
	f.planner.plan = models.Plan{Steps: []models.StepType{models.StepTypeCoding}, Reasoning: "code"}
	f.disp.fn = func(addr string, req worker.ExecuteRequest) (*worker.ExecuteResponse, error) {
		if f.disp.callCount() == 1 {
			return nil, fmt.Errorf("connection refused")
		}
		return &worker.ExecuteResponse{Success: true, Output: "done by backup", ExecutionTime: 0.4}, nil
	}

	res, err := f.sup.Chat(ctx, ChatRequest{Message: "fix the build"})
	require.NoError(t, err)

	assert.Equal(t, "done by backup", res.Answer)
	assert.Equal(t, []string{"beta"}, res.WorkersUsed)
	require.Len(t, res.Steps, 1)
	assert.Equal(t, 2, res.Steps[0].Attempts)

	task, err := f.store.TaskStore().Get(ctx, res.TaskID)
	require.NoError(t, err)
	assert.Equal(t, models.TaskStatusCompleted, task.Status)
	assert.Equal(t, 1, task.RetryCount)
}

func TestChatRejectedAnswerGoesToNextWorker(t *testing.T) {
	ctx := context.Background()
	f := newSupFixture(t, nil)
	f.addWorker(t, "alpha", models.CapabilityCoding, models.WorkerStatusIdle)
	f.addWorker(t, "beta", models.CapabilityCoding, models.WorkerStatusIdle)
	f.prefer("alpha", models.StepTypeCoding)
	f.planner.plan = models.Plan{Steps: []models.StepType{models.StepTypeCoding}, Reasoning: "code"}
	f.disp.fn = func(addr string, req worker.ExecuteRequest) (*worker.ExecuteResponse, error) {
		return &worker.ExecuteResponse{Success: true, Output: "some answer", ExecutionTime: 0.2}, nil
	}
	f.validator.fn = func(req oracle.ValidateRequest) models.Validation {
		if req.Worker == "alpha" {
			return models.Validation{IsComplete: false, Quality: 3, ShouldRetry: true, Reasoning: "incomplete"}
		}
		return models.Validation{IsComplete: true, Quality: 9, Confidence: 0.95}
	}

	res, err := f.sup.Chat(ctx, ChatRequest{Message: "refactor the cache"})
	require.NoError(t, err)

	assert.Equal(t, []string{"beta"}, res.WorkersUsed)
	require.NotNil(t, res.Validation)
	assert.InDelta(t, 9.0, res.Validation.Quality, 0.001)
	assert.Equal(t, 2, f.disp.callCount())

	task, err := f.store.TaskStore().Get(ctx, res.TaskID)
	require.NoError(t, err)
	assert.Equal(t, 1, task.RetryCount)
}

func TestChatFailsTaskWhenRetryBudgetExhausted(t *testing.T) {
	ctx := context.Background()
	f := newSupFixture(t, nil, WithMaxRetries(1))
	f.addWorker(t, "alpha", models.CapabilityCoding, models.WorkerStatusIdle)
	f.addWorker(t, "beta", models.CapabilityCoding, models.WorkerStatusIdle)
	f.addWorker(t, "gamma", models.CapabilityCoding, models.WorkerStatusIdle)
	f.planner.plan = models.Plan{Steps: []models.StepType{models.StepTypeCoding}, Reasoning: "code"}
	f.disp.fn = func(addr string, req worker.ExecuteRequest) (*worker.ExecuteResponse, error) {
		return nil, fmt.Errorf("boom")
	}

	_, err := f.sup.Chat(ctx, ChatRequest{Message: "impossible job"})
	require.Error(t, err)
	assert.ErrorIs(t, err, ErrRetriesExhausted)

	// One initial attempt plus one retry, never a third dispatch.
	assert.Equal(t, 2, f.disp.callCount())

	tasks, err := f.store.TaskStore().ListByStatus(ctx, models.TaskStatusFailed)
	require.NoError(t, err)
	require.Len(t, tasks, 1)
	assert.Equal(t, 2, tasks[0].RetryCount)
}

func TestChatFallsBackToBuiltinWhenCandidatesExhausted(t *testing.T) {
	ctx := context.Background()
	f := newSupFixture(t, []Option{WithBuiltinFallback(true)})
	f.addWorker(t, "alpha", models.CapabilityCoding, models.WorkerStatusIdle)
	f.planner.plan = models.Plan{Steps: []models.StepType{models.StepTypeCoding}, Reasoning: "code"}
	f.disp.fn = func(addr string, req worker.ExecuteRequest) (*worker.ExecuteResponse, error) {
		return nil, fmt.Errorf("worker crashed")
	}

	res, err := f.sup.Chat(ctx, ChatRequest{Message: "urgent fix"})
	require.NoError(t, err)

	assert.Equal(t, "builtin answer", res.Answer)
	assert.Equal(t, []string{"builtin"}, res.WorkersUsed)
	assert.Equal(t, 1, f.disp.callCount())

	task, err := f.store.TaskStore().Get(ctx, res.TaskID)
	require.NoError(t, err)
	assert.Equal(t, models.TaskStatusCompleted, task.Status)
}

func TestChatWithEmptyPoolUsesBuiltinImmediately(t *testing.T) {
	ctx := context.Background()
	f := newSupFixture(t, []Option{WithBuiltinFallback(true)})

	res, err := f.sup.Chat(ctx, ChatRequest{Message: "anyone there?"})
	require.NoError(t, err)

	assert.Equal(t, "builtin answer", res.Answer)
	assert.Zero(t, f.disp.callCount())
}

func TestChatParksWhenBestWorkerBusyAndDrainResumes(t *testing.T) {
	ctx := context.Background()
	f := newSupFixture(t, nil)
	f.addWorker(t, "solo", models.CapabilityGeneral, models.WorkerStatusBusy)
	f.disp.fn = func(addr string, req worker.ExecuteRequest) (*worker.ExecuteResponse, error) {
		return &worker.ExecuteResponse{Success: true, Output: "parked answer", ExecutionTime: 0.1}, nil
	}
	f.startDrain(t)

	type outcome struct {
		res *ChatResult
		err error
	}
	done := make(chan outcome, 1)
	go func() {
		res, err := f.sup.Chat(context.Background(), ChatRequest{Message: "please wait for me"})
		done <- outcome{res, err}
	}()

	require.Eventually(t, func() bool { return f.queue.Len() == 1 }, 2*time.Second, 10*time.Millisecond)
	require.NoError(t, f.reg.SetStatus(ctx, "solo", models.WorkerStatusIdle))

	select {
	case out := <-done:
		require.NoError(t, out.err)
		assert.Equal(t, "parked answer", out.res.Answer)
		assert.Equal(t, []string{"solo"}, out.res.WorkersUsed)
	case <-time.After(3 * time.Second):
		t.Fatal("chat did not resume after the worker freed up")
	}
	assert.Equal(t, 0, f.queue.Len())
}

func TestChatDeadlineWhileQueuedReturnsQueuedError(t *testing.T) {
	f := newSupFixture(t, nil)
	f.addWorker(t, "solo", models.CapabilityGeneral, models.WorkerStatusBusy)

	ctx, cancel := context.WithTimeout(context.Background(), 80*time.Millisecond)
	defer cancel()

	_, err := f.sup.Chat(ctx, ChatRequest{Message: "slow day"})
	require.Error(t, err)

	var qe *QueuedError
	require.ErrorAs(t, err, &qe)
	assert.Equal(t, "queued_for_solo", qe.Status)
	assert.True(t, f.queue.Contains(qe.TaskID))

	task, gerr := f.store.TaskStore().Get(context.Background(), qe.TaskID)
	require.NoError(t, gerr)
	assert.Equal(t, models.TaskStatusQueued, task.Status)
}

func TestDrainCompletesOrphanedTask(t *testing.T) {
	ctx := context.Background()
	f := newSupFixture(t, nil)
	f.addWorker(t, "solo", models.CapabilityGeneral, models.WorkerStatusBusy)
	f.disp.fn = func(addr string, req worker.ExecuteRequest) (*worker.ExecuteResponse, error) {
		return &worker.ExecuteResponse{Success: true, Output: "late answer", ExecutionTime: 0.1}, nil
	}

	shortCtx, cancel := context.WithTimeout(ctx, 80*time.Millisecond)
	defer cancel()
	_, err := f.sup.Chat(shortCtx, ChatRequest{Message: "finish without me"})
	var qe *QueuedError
	require.ErrorAs(t, err, &qe)

	// The caller is gone; once capacity frees the drain loop finishes
	// the task on its own.
	f.startDrain(t)
	require.NoError(t, f.reg.SetStatus(ctx, "solo", models.WorkerStatusIdle))

	require.Eventually(t, func() bool {
		task, gerr := f.store.TaskStore().Get(ctx, qe.TaskID)
		return gerr == nil && task.Status == models.TaskStatusCompleted
	}, 3*time.Second, 20*time.Millisecond)
}

func TestCancelQueuedTask(t *testing.T) {
	ctx := context.Background()
	f := newSupFixture(t, nil)
	f.addWorker(t, "solo", models.CapabilityGeneral, models.WorkerStatusBusy)

	type outcome struct {
		err error
	}
	done := make(chan outcome, 1)
	go func() {
		_, err := f.sup.Chat(context.Background(), ChatRequest{Message: "cancel me"})
		done <- outcome{err}
	}()

	require.Eventually(t, func() bool { return f.queue.Len() == 1 }, 2*time.Second, 10*time.Millisecond)

	queued, err := f.store.TaskStore().ListByStatus(ctx, models.TaskStatusQueued)
	require.NoError(t, err)
	require.Len(t, queued, 1)

	ok, err := f.sup.Cancel(ctx, queued[0].ID)
	require.NoError(t, err)
	assert.True(t, ok)

	select {
	case out := <-done:
		assert.ErrorIs(t, out.err, ErrCancelled)
	case <-time.After(2 * time.Second):
		t.Fatal("parked chat did not observe the cancellation")
	}

	task, err := f.store.TaskStore().Get(ctx, queued[0].ID)
	require.NoError(t, err)
	assert.Equal(t, models.TaskStatusCancelled, task.Status)
	assert.False(t, f.queue.Contains(queued[0].ID))
}

func TestCancelCompletedTaskReportsNotCancellable(t *testing.T) {
	ctx := context.Background()
	f := newSupFixture(t, nil)
	f.addWorker(t, "speedy", models.CapabilityGeneral, models.WorkerStatusIdle)

	res, err := f.sup.Chat(ctx, ChatRequest{Message: "quick one"})
	require.NoError(t, err)

	ok, err := f.sup.Cancel(ctx, res.TaskID)
	require.NoError(t, err)
	assert.False(t, ok)

	_, err = f.sup.Cancel(ctx, 99999)
	assert.ErrorIs(t, err, persistence.ErrNotFound)
}

func TestAdoptOrphansRequeuesAbandonedQueuedTasks(t *testing.T) {
	ctx := context.Background()
	// The supervisor clock runs a minute ahead of the store's stamps, so
	// every row below counts as abandoned rather than mid-flight.
	f := newSupFixture(t, nil, WithClock(func() time.Time { return time.Now().Add(time.Minute) }))

	mk := func(desc string, retries int) int64 {
		id, err := f.store.TaskStore().Create(ctx, &models.Task{
			Description: desc,
			Type:        models.StepTypeCoding,
			Priority:    PriorityNormal,
			Status:      models.TaskStatusQueued,
		})
		require.NoError(t, err)
		require.NoError(t, f.store.TaskStore().SetRetryCount(ctx, id, retries))
		return id
	}
	first := mk("port the scheduler", 0)
	second := mk("document the API", 2)
	flagged := mk("abandon me twice", 0)
	f.sup.mu.Lock()
	f.sup.cancelled[flagged] = true
	f.sup.mu.Unlock()

	adopted, err := f.sup.AdoptOrphans(ctx)
	require.NoError(t, err)
	assert.Equal(t, 2, adopted)
	assert.True(t, f.queue.Contains(first))
	assert.True(t, f.queue.Contains(second))
	assert.False(t, f.queue.Contains(flagged), "a cancel-flagged task must stay out of the queue")

	again, err := f.sup.AdoptOrphans(ctx)
	require.NoError(t, err)
	assert.Zero(t, again, "tasks already queued must not be adopted twice")

	// The queue item is rebuilt from the task row, retry budget included.
	item, err := f.queue.Dequeue(ctx, time.Second)
	require.NoError(t, err)
	assert.Equal(t, first, item.TaskID)
	assert.Equal(t, models.StepTypeCoding, item.Type)
	assert.Equal(t, "port the scheduler", item.Description)
	assert.Equal(t, PriorityNormal, item.Priority)
	assert.Equal(t, 0, item.Attempt)

	item, err = f.queue.Dequeue(ctx, time.Second)
	require.NoError(t, err)
	assert.Equal(t, second, item.TaskID)
	assert.Equal(t, 2, item.Attempt)
}

func TestAdoptOrphansSkipsFreshRows(t *testing.T) {
	ctx := context.Background()
	f := newSupFixture(t, nil)

	id, err := f.store.TaskStore().Create(ctx, &models.Task{
		Description: "just parked",
		Type:        models.StepTypeGeneral,
		Status:      models.TaskStatusQueued,
	})
	require.NoError(t, err)

	adopted, err := f.sup.AdoptOrphans(ctx)
	require.NoError(t, err)
	assert.Zero(t, adopted, "a row updated moments ago may still be mid-flight on its replica")
	assert.False(t, f.queue.Contains(id))
}

func TestChatRejectsEmptyMessage(t *testing.T) {
	f := newSupFixture(t, nil)
	_, err := f.sup.Chat(context.Background(), ChatRequest{Message: "   "})
	assert.ErrorIs(t, err, ErrEmptyMessage)
}

func TestChatCarriesConversationContextToWorker(t *testing.T) {
	ctx := context.Background()
	f := newSupFixture(t, nil)
	f.addWorker(t, "speedy", models.CapabilityGeneral, models.WorkerStatusIdle)
	f.contextSel.slice = models.ContextSlice{
		NeedsContext: true,
		Reason:       "follow-up reference",
		Kind:         models.ContextKindContextual,
		Messages: []models.Message{
			{Role: models.RoleUser, Content: "my project is called skyhook"},
			{Role: models.RoleAssistant, Content: "Noted, skyhook it is."},
		},
	}

	_, err := f.sup.Chat(ctx, ChatRequest{Message: "what is it called again?"})
	require.NoError(t, err)

	require.Equal(t, 1, f.disp.callCount())
	sent := f.disp.call(0).Req
	assert.Contains(t, sent.Context, "=== Previous Conversation ===")
	assert.Contains(t, sent.Context, "skyhook")
	assert.Contains(t, sent.Context, "=== Current Request ===")
	assert.Equal(t, "what is it called again?", sent.TaskDesc)
}

func TestChatAbortsPlanWhenStepOutputReadsAsFailure(t *testing.T) {
	ctx := context.Background()
	f := newSupFixture(t, nil)
	f.addWorker(t, "coder", models.CapabilityCoding, models.WorkerStatusIdle)
	f.addWorker(t, "writer", models.CapabilityDocumentation, models.WorkerStatusIdle)
	f.planner.plan = models.Plan{
		Steps:       []models.StepType{models.StepTypeCoding, models.StepTypeDocumentation},
		IsMultiStep: true,
	}
	f.disp.fn = func(addr string, req worker.ExecuteRequest) (*worker.ExecuteResponse, error) {
		return &worker.ExecuteResponse{Success: true, Output: "Sorry, I cannot do that", ExecutionTime: 0.1}, nil
	}

	_, err := f.sup.Chat(ctx, ChatRequest{Message: "build and document"})
	require.Error(t, err)
	assert.Equal(t, 1, f.disp.callCount(), "the second step must not run")

	tasks, lerr := f.store.TaskStore().ListByStatus(ctx, models.TaskStatusFailed)
	require.NoError(t, lerr)
	assert.Len(t, tasks, 1)
}

func TestStepContextComposition(t *testing.T) {
	assert.Equal(t, "", stepContext("", nil))
	assert.Equal(t, "conv", stepContext("conv", nil))
	assert.Equal(t, "a\n\nb", stepContext("", []string{"a", "b"}))
	assert.Equal(t, "conv\n\na\n\nb", stepContext("conv", []string{"a", "b"}))
}

func TestAppendUnique(t *testing.T) {
	list := appendUnique(nil, "a")
	list = appendUnique(list, "b")
	list = appendUnique(list, "a")
	assert.Equal(t, []string{"a", "b"}, list)
}

func TestQueuedErrorMessage(t *testing.T) {
	err := &QueuedError{TaskID: 7, Status: "queued_overload"}
	assert.True(t, strings.Contains(err.Error(), "task 7"))
	assert.True(t, strings.Contains(err.Error(), "queued_overload"))
	assert.False(t, errors.Is(err, ErrCancelled))
}
