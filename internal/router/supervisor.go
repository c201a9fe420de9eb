package router

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/maestrohq/maestro/internal/cache"
	"github.com/maestrohq/maestro/internal/health"
	"github.com/maestrohq/maestro/internal/leader"
	"github.com/maestrohq/maestro/internal/llm"
	"github.com/maestrohq/maestro/internal/logger"
	"github.com/maestrohq/maestro/internal/logger/tag"
	"github.com/maestrohq/maestro/internal/metrics"
	"github.com/maestrohq/maestro/internal/models"
	"github.com/maestrohq/maestro/internal/oracle"
	"github.com/maestrohq/maestro/internal/persistence"
	"github.com/maestrohq/maestro/internal/queue"
	"github.com/maestrohq/maestro/internal/registry"
	"github.com/maestrohq/maestro/internal/tracker"
	"github.com/maestrohq/maestro/internal/worker"
)

// ErrEmptyMessage rejects chat requests with no usable message text.
var ErrEmptyMessage = errors.New("message must not be empty")

// errStillQueued is returned by runStep on the drain path when placement
// fell through again and the item went back to the queue.
var errStillQueued = errors.New("step re-queued")

const (
	defaultMaxRetries         = 3
	defaultStepTimeout        = 5 * time.Minute
	defaultDrainInterval      = 5 * time.Second
	defaultMaxContextMessages = 10

	// adoptAfter is how stale a queued task row must be before
	// AdoptOrphans claims it. A fresher row may still be mid-flight on
	// the replica that queued it.
	adoptAfter = 30 * time.Second

	// builtinWorkerName labels results produced by the master's own
	// model instead of a pool worker.
	builtinWorkerName = "builtin"
)

// QueuedError reports that a step was parked on the queue and no worker
// freed up before the caller's deadline. The task stays queued and the
// drain loop finishes it later.
type QueuedError struct {
	TaskID int64
	Status string
}

func (e *QueuedError) Error() string {
	return fmt.Sprintf("task %d parked in queue (%s)", e.TaskID, e.Status)
}

// fatalError marks a store failure on the critical path. The attempt
// loop stops retrying and fails the task when it sees one.
type fatalError struct {
	err error
}

func (e *fatalError) Error() string { return e.err.Error() }
func (e *fatalError) Unwrap() error { return e.err }

// ChatRequest is one user request entering the supervisor.
type ChatRequest struct {
	Message        string
	ConversationID string
	UserID         string
	// Files holds attached file names; extensions steer planning.
	Files []string
}

// StepSummary describes how one plan step was executed.
type StepSummary struct {
	Type            models.StepType `json:"type"`
	Worker          string          `json:"worker"`
	Attempts        int             `json:"attempts"`
	DurationSeconds float64         `json:"duration_seconds"`
	Output          string          `json:"-"`
}

// ChatResult is the supervisor's answer to one chat request.
type ChatResult struct {
	Answer         string             `json:"answer"`
	ConversationID string             `json:"conversation_id"`
	TaskID         int64              `json:"task_id,omitempty"`
	UsedCache      bool               `json:"used_cache"`
	Steps          []StepSummary      `json:"steps,omitempty"`
	WorkersUsed    []string           `json:"workers_used,omitempty"`
	Validation     *models.Validation `json:"validation,omitempty"`
}

// stepResult is the internal outcome of one completed plan step.
type stepResult struct {
	Output     string
	Worker     string
	Duration   float64
	Validation *models.Validation
	// Retries is the task's cumulative retry count after this step. The
	// retry budget is shared across the whole plan; successes are free.
	Retries int
}

// delivery hands a finished step back to the caller parked on the queue.
type delivery struct {
	res *stepResult
	err error
}

// Deps collects everything the supervisor drives. All fields except
// Leader, Builtin and Metrics must be non-nil.
type Deps struct {
	Router     *Router
	Leader     *leader.Elector
	Registry   *registry.Registry
	Health     *health.Monitor
	Perf       *tracker.Tracker
	Queue      *queue.Queue
	Dispatcher worker.Dispatcher
	Store      persistence.DataStore
	Cache      cache.Cache
	Planner    oracle.Planner
	Context    oracle.ContextOracle
	Validator  oracle.Validator
	// Builtin answers steps when no pool worker can. Nil disables the
	// fallback and those steps queue instead.
	Builtin llm.Provider
	Metrics *metrics.Metrics
}

// SupervisorOption adjusts supervisor behavior.
type SupervisorOption func(*Supervisor)

// WithMaxRetries bounds how many extra dispatches a task may consume
// after its first.
func WithMaxRetries(n int) SupervisorOption {
	return func(s *Supervisor) {
		if n >= 0 {
			s.maxRetries = n
		}
	}
}

// WithStepTimeout bounds a single worker dispatch.
func WithStepTimeout(d time.Duration) SupervisorOption {
	return func(s *Supervisor) {
		if d > 0 {
			s.stepTimeout = d
		}
	}
}

// WithDrainInterval sets how often the drain loop revisits the queue
// when no idle signal arrives.
func WithDrainInterval(d time.Duration) SupervisorOption {
	return func(s *Supervisor) {
		if d > 0 {
			s.drainInterval = d
		}
	}
}

// WithMaxContextMessages caps how much history is read per request.
func WithMaxContextMessages(n int) SupervisorOption {
	return func(s *Supervisor) {
		if n > 0 {
			s.maxContextMessages = n
		}
	}
}

// WithContextEnabled toggles the conversation context engine.
func WithContextEnabled(enabled bool) SupervisorOption {
	return func(s *Supervisor) { s.contextEnabled = enabled }
}

// WithBuiltinModel names the model used for builtin fallback answers.
func WithBuiltinModel(model string) SupervisorOption {
	return func(s *Supervisor) {
		if model != "" {
			s.builtinModel = model
		}
	}
}

// WithClock injects the time source for tests.
func WithClock(now func() time.Time) SupervisorOption {
	return func(s *Supervisor) {
		if now != nil {
			s.now = now
		}
	}
}

// Supervisor drives a task end to end: context, cache, planning, routing
// each plan step, dispatching to workers, validating answers, retrying,
// and draining the queue as capacity frees up.
type Supervisor struct {
	router     *Router
	leader     *leader.Elector
	registry   *registry.Registry
	health     *health.Monitor
	perf       *tracker.Tracker
	queue      *queue.Queue
	dispatcher worker.Dispatcher
	store      persistence.DataStore
	cache      cache.Cache
	planner    oracle.Planner
	contextSel oracle.ContextOracle
	validator  oracle.Validator
	builtin    llm.Provider
	metrics    *metrics.Metrics

	maxRetries         int
	stepTimeout        time.Duration
	drainInterval      time.Duration
	maxContextMessages int
	contextEnabled     bool
	builtinModel       string
	now                func() time.Time

	mu        sync.Mutex
	waiters   map[int64]chan delivery
	cancelled map[int64]bool

	cancel context.CancelFunc
	done   chan struct{}
}

// NewSupervisor assembles a supervisor over the given dependencies.
func NewSupervisor(d Deps, opts ...SupervisorOption) *Supervisor {
	s := &Supervisor{
		router:             d.Router,
		leader:             d.Leader,
		registry:           d.Registry,
		health:             d.Health,
		perf:               d.Perf,
		queue:              d.Queue,
		dispatcher:         d.Dispatcher,
		store:              d.Store,
		cache:              d.Cache,
		planner:            d.Planner,
		contextSel:         d.Context,
		validator:          d.Validator,
		builtin:            d.Builtin,
		metrics:            d.Metrics,
		maxRetries:         defaultMaxRetries,
		stepTimeout:        defaultStepTimeout,
		drainInterval:      defaultDrainInterval,
		maxContextMessages: defaultMaxContextMessages,
		contextEnabled:     true,
		builtinModel:       "default",
		now:                time.Now,
		waiters:            make(map[int64]chan delivery),
		cancelled:          make(map[int64]bool),
		done:               make(chan struct{}),
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Start launches the queue drain loop.
func (s *Supervisor) Start(ctx context.Context) error {
	ctx, cancel := context.WithCancel(ctx)
	s.cancel = cancel
	go s.drainLoop(ctx)
	logger.Info(ctx, "Supervisor started", tag.Interval(s.drainInterval))
	return nil
}

// Stop halts the drain loop and waits for it to exit.
func (s *Supervisor) Stop(ctx context.Context) error {
	if s.cancel != nil {
		s.cancel()
		s.cancel = nil
	}
	select {
	case <-s.done:
	case <-ctx.Done():
		return ctx.Err()
	}
	logger.Info(ctx, "Supervisor stopped")
	return nil
}

func (s *Supervisor) drainLoop(ctx context.Context) {
	defer close(s.done)
	ticker := time.NewTicker(s.drainInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-s.registry.IdleSignal():
		case <-ticker.C:
		}
		s.drain(ctx)
	}
}

// drain takes one pass over the queue, handing off every item that can
// be placed now and putting the rest back.
func (s *Supervisor) drain(ctx context.Context) {
	n := s.queue.Len()
	for i := 0; i < n; i++ {
		item, err := s.queue.Dequeue(ctx, time.Second)
		if err != nil {
			break
		}
		if s.isCancelled(item.TaskID) {
			s.metrics.SetQueueDepth(s.queue.Len())
			continue
		}
		if !s.tryPlace(ctx, item) {
			if err := s.queue.Enqueue(item); err != nil {
				logger.Error(ctx, "Failed to requeue task", tag.Task(item.TaskID), tag.Error(err))
			}
		}
	}
	s.metrics.SetQueueDepth(s.queue.Len())
}

// tryPlace checks whether a parked item can run now. True means the item
// was handed off to a goroutine or dropped; false keeps it queued.
func (s *Supervisor) tryPlace(ctx context.Context, item queue.Item) bool {
	task, err := s.store.TaskStore().Get(ctx, item.TaskID)
	if err != nil {
		logger.Warn(ctx, "Dropping queued item for unknown task", tag.Task(item.TaskID), tag.Error(err))
		return true
	}
	if task.Status.Terminal() {
		return true
	}

	if item.BoundTo != "" {
		w, err := s.registry.Get(ctx, item.BoundTo)
		if err == nil && w.Status == models.WorkerStatusIdle && s.health.Selectable(ctx, w.Name) {
			go s.processQueued(ctx, task, item)
			return true
		}
		// Bound worker is gone or still busy; fall through to a fresh
		// placement pass so the task is not pinned to a corpse.
	}

	dec := s.router.Select(ctx, item.Type, nil)
	switch dec.Outcome {
	case OutcomeAssigned, OutcomeBuiltin:
		go s.processQueued(ctx, task, item)
		return true
	default:
		return false
	}
}

// processQueued resumes a parked step on its own goroutine and either
// hands the result to the waiting caller or finalizes the task itself.
func (s *Supervisor) processQueued(ctx context.Context, task *models.Task, item queue.Item) {
	logger.Info(ctx, "Resuming queued task",
		tag.Task(task.ID), tag.TaskType(string(item.Type)), tag.Attempt(item.Attempt))

	res, err := s.runStep(ctx, task, item.Order, item.Type, item.Context, item.Attempt, false)
	if errors.Is(err, errStillQueued) {
		return
	}
	if s.deliver(task.ID, res, err) {
		return
	}
	// Nobody is waiting: the caller gave up while the task was queued.
	if err != nil {
		if !errors.Is(err, ErrCancelled) {
			logger.Error(ctx, "Orphaned queued task failed", tag.Task(task.ID), tag.Error(err))
		}
		return
	}
	if terr := s.setTaskStatus(ctx, task, models.TaskStatusCompleted); terr != nil {
		logger.Error(ctx, "Failed to complete orphaned task", tag.Task(task.ID), tag.Error(terr))
		return
	}
	s.metrics.TaskCompleted()
	logger.Info(ctx, "Queued task completed with no caller waiting",
		tag.Task(task.ID), tag.Worker(res.Worker))
}

// Chat serves one user request end to end and returns the final answer.
func (s *Supervisor) Chat(ctx context.Context, req ChatRequest) (*ChatResult, error) {
	if strings.TrimSpace(req.Message) == "" {
		return nil, ErrEmptyMessage
	}
	if s.leader != nil && !s.leader.ShouldProcess() {
		return nil, leader.ErrNotLeader
	}

	convID := req.ConversationID
	if convID == "" {
		convID = uuid.NewString()
	}

	var history []models.Message
	if s.contextEnabled {
		h, err := s.store.ConversationStore().Recent(ctx, convID, s.maxContextMessages)
		if err != nil {
			logger.Warn(ctx, "Conversation history unavailable", tag.Conversation(convID), tag.Error(err))
		} else {
			history = h
		}
	}

	slice := models.ContextSlice{Kind: models.ContextKindSingle, Reason: "context engine disabled"}
	if s.contextEnabled && s.contextSel != nil {
		slice = s.contextSel.Select(ctx, oracle.ContextRequest{Message: req.Message, History: history})
	}
	convContext := ""
	if slice.NeedsContext {
		convContext = oracle.ComposePrompt(req.Message, slice.Messages)
	}

	s.appendTurn(ctx, convID, req.UserID, models.RoleUser, req.Message)

	if answer, ok := s.cache.Get(ctx, req.Message, convContext); ok {
		s.metrics.CacheHit()
		s.appendTurn(ctx, convID, req.UserID, models.RoleAssistant, answer)
		logger.Info(ctx, "Answer served from cache", tag.Conversation(convID))
		return &ChatResult{Answer: answer, ConversationID: convID, UsedCache: true}, nil
	}
	s.metrics.CacheMiss()

	plan := s.planner.Plan(ctx, oracle.PlanRequest{Message: req.Message, Files: req.Files})
	if len(plan.Steps) == 0 {
		plan = models.DefaultPlan("planner returned no steps")
	}

	task := &models.Task{
		UserID:      req.UserID,
		Description: req.Message,
		Type:        plan.Steps[0],
		Priority:    PriorityNormal,
		Status:      models.TaskStatusPending,
		CreatedAt:   s.now(),
		UpdatedAt:   s.now(),
	}
	id, err := s.store.TaskStore().Create(ctx, task)
	if err != nil {
		return nil, fmt.Errorf("create task: %w", err)
	}
	task.ID = id
	defer s.clearCancel(id)

	s.metrics.TaskAccepted(string(plan.Steps[0]))
	logger.Info(ctx, "Task planned", tag.Task(id), tag.Conversation(convID),
		tag.Steps(plan.StepStrings()), tag.Reason(plan.Reasoning))

	s.recordContext(ctx, task, plan, slice)

	out, err := s.executePlan(ctx, task, plan, convContext)
	if err != nil {
		return nil, err
	}

	if err := s.setTaskStatus(ctx, task, models.TaskStatusCompleted); err != nil {
		return nil, fmt.Errorf("complete task %d: %w", id, err)
	}
	s.metrics.TaskCompleted()

	answer := out.answer()
	s.cache.Set(ctx, req.Message, answer, convContext)
	s.appendTurn(ctx, convID, req.UserID, models.RoleAssistant, answer)

	logger.Info(ctx, "Task completed", tag.Task(id),
		tag.Count(len(plan.Steps)), tag.Status(string(models.TaskStatusCompleted)))

	return &ChatResult{
		Answer:         answer,
		ConversationID: convID,
		TaskID:         id,
		Steps:          out.steps,
		WorkersUsed:    out.workers,
		Validation:     out.validation,
	}, nil
}

// Cancel aborts a task. Pending or queued tasks cancel immediately; a
// processing task is flagged and stops after its in-flight attempt.
// It reports whether the task was found in a cancellable state.
func (s *Supervisor) Cancel(ctx context.Context, taskID int64) (bool, error) {
	task, err := s.store.TaskStore().Get(ctx, taskID)
	if err != nil {
		return false, err
	}
	if task.Status.Terminal() {
		return false, nil
	}

	s.mu.Lock()
	s.cancelled[taskID] = true
	s.mu.Unlock()

	s.queue.Cancel(taskID)
	s.metrics.SetQueueDepth(s.queue.Len())

	switch task.Status {
	case models.TaskStatusPending, models.TaskStatusQueued, models.TaskStatusAssigned:
		if err := s.setTaskStatus(ctx, task, models.TaskStatusCancelled); err != nil {
			return false, err
		}
		s.metrics.TaskCancelled()
		s.deliver(taskID, nil, ErrCancelled)
		logger.Info(ctx, "Task cancelled", tag.Task(taskID), tag.Status(string(task.Status)))
		return true, nil
	default:
		// In flight: the attempt loop applies the flag on its next check.
		logger.Info(ctx, "Task cancellation requested mid-flight", tag.Task(taskID))
		return true, nil
	}
}

// AdoptOrphans re-enqueues tasks persisted as queued that are missing
// from this replica's in-memory queue. After a failover the new active
// master inherits the queue rows of the failed one; adoption puts them
// back in flight. It returns how many tasks were adopted.
func (s *Supervisor) AdoptOrphans(ctx context.Context) (int, error) {
	tasks, err := s.store.TaskStore().ListByStatus(ctx, models.TaskStatusQueued)
	if err != nil {
		return 0, fmt.Errorf("list queued tasks: %w", err)
	}

	adopted := 0
	for _, t := range tasks {
		if s.queue.Contains(t.ID) || s.isCancelled(t.ID) {
			continue
		}
		if s.now().Sub(t.UpdatedAt) < adoptAfter {
			continue
		}
		priority := t.Priority
		if priority <= 0 {
			priority = PriorityNormal
		}
		// Step context is not persisted, so an adopted task restarts
		// its current step from the task description alone.
		err := s.queue.Enqueue(queue.Item{
			TaskID:      t.ID,
			Description: t.Description,
			Type:        t.Type,
			Order:       1,
			Priority:    priority,
			Attempt:     t.RetryCount,
			EnqueuedAt:  s.now(),
		})
		if errors.Is(err, queue.ErrFull) {
			logger.Warn(ctx, "Queue full, deferring adoption", tag.Task(t.ID))
			break
		}
		if err != nil {
			return adopted, fmt.Errorf("adopt task %d: %w", t.ID, err)
		}
		adopted++
		logger.Info(ctx, "Adopted orphaned queued task",
			tag.Task(t.ID), tag.TaskType(string(t.Type)), tag.Attempt(t.RetryCount))
	}
	if adopted > 0 {
		s.metrics.SetQueueDepth(s.queue.Len())
	}
	return adopted, nil
}

// planOutcome accumulates per-step results across a plan.
type planOutcome struct {
	steps      []StepSummary
	workers    []string
	outputs    []string
	validation *models.Validation
}

func (o *planOutcome) answer() string {
	if len(o.outputs) == 0 {
		return ""
	}
	return o.outputs[len(o.outputs)-1]
}

func (s *Supervisor) executePlan(ctx context.Context, task *models.Task, plan models.Plan, convContext string) (*planOutcome, error) {
	out := &planOutcome{}
	retries := 0
	for i, stepType := range plan.Steps {
		if s.isCancelled(task.ID) {
			return nil, s.finishCancelled(ctx, task)
		}
		if i > 0 && oracle.LooksFailed(out.outputs[i-1]) {
			s.failTask(ctx, task)
			return nil, fmt.Errorf("task %d: step %d output reads as a failure, aborting plan", task.ID, i)
		}

		before := retries
		res, err := s.runStep(ctx, task, i+1, stepType, stepContext(convContext, out.outputs), retries, true)
		if err != nil {
			return nil, err
		}
		retries = res.Retries

		out.outputs = append(out.outputs, res.Output)
		out.workers = appendUnique(out.workers, res.Worker)
		out.steps = append(out.steps, StepSummary{
			Type:            stepType,
			Worker:          res.Worker,
			Attempts:        res.Retries - before + 1,
			DurationSeconds: res.Duration,
			Output:          res.Output,
		})
		out.validation = res.Validation

		logger.Info(ctx, "Step finished", tag.Task(task.ID), tag.Step(i+1),
			tag.TaskType(string(stepType)), tag.Worker(res.Worker), tag.Attempt(res.Retries-before+1))
	}
	return out, nil
}

// runStep places and executes one plan step, retrying across candidates
// until it succeeds, the retry budget runs out, or placement defers.
// retries carries the task's budget already spent by earlier steps or
// queue passes. park selects the deferral strategy: callers park on the
// queue and block, the drain path re-enqueues and returns errStillQueued.
func (s *Supervisor) runStep(ctx context.Context, task *models.Task, order int, stepType models.StepType, stepCtx string, retries int, park bool) (*stepResult, error) {
	exclude := make(map[string]bool)
	var lastErr error

	for retries <= s.maxRetries {
		if s.isCancelled(task.ID) {
			return nil, s.finishCancelled(ctx, task)
		}

		dec := s.router.Select(ctx, stepType, exclude)
		switch dec.Outcome {
		case OutcomeAssigned:
			res, err := s.dispatchOnce(ctx, task, order, stepType, stepCtx, dec.Worker, retries+1)
			if s.isCancelled(task.ID) {
				return nil, s.finishCancelled(ctx, task)
			}
			if err == nil {
				res.Retries = retries
				return res, nil
			}
			var fe *fatalError
			if errors.As(err, &fe) {
				s.failTask(ctx, task)
				return nil, fe.err
			}
			lastErr = err
			retries++
			exclude[dec.Worker.Name] = true
			task.RetryCount = retries
			if serr := s.store.TaskStore().SetRetryCount(ctx, task.ID, retries); serr != nil {
				logger.Warn(ctx, "Failed to persist retry count", tag.Task(task.ID), tag.Error(serr))
			}
			logger.Warn(ctx, "Attempt failed, trying next candidate", tag.Task(task.ID),
				tag.Worker(dec.Worker.Name), tag.Attempt(retries), tag.Error(err))

		case OutcomeBuiltin:
			res, err := s.builtinStep(ctx, task, order, stepType, stepCtx, retries+1)
			if err != nil {
				s.failTask(ctx, task)
				return nil, err
			}
			res.Retries = retries
			return res, nil

		default:
			// Placement deferred: every live candidate is overloaded,
			// unhealthy or busy. Park the step instead of burning budget.
			item := queue.Item{
				TaskID:      task.ID,
				Description: task.Description,
				Type:        stepType,
				Order:       order,
				Priority:    dec.Priority,
				Context:     stepCtx,
				Attempt:     retries,
				EnqueuedAt:  s.now(),
			}
			if dec.Outcome == OutcomeQueuedForWorker && dec.Worker != nil {
				item.BoundTo = dec.Worker.Name
			}
			if park {
				return s.parkAndWait(ctx, task, item, dec)
			}
			if err := s.queue.Enqueue(item); err != nil {
				s.failTask(ctx, task)
				return nil, fmt.Errorf("requeue task %d: %w", task.ID, err)
			}
			s.metrics.SetQueueDepth(s.queue.Len())
			return nil, errStillQueued
		}
	}

	s.failTask(ctx, task)
	if lastErr == nil {
		lastErr = ErrNoCapableWorker
	}
	logger.Error(ctx, "Retry budget exhausted", tag.Task(task.ID),
		tag.TaskType(string(stepType)), tag.Attempt(retries), tag.Error(lastErr))
	return nil, fmt.Errorf("task %d: %w", task.ID, errors.Join(ErrRetriesExhausted, lastErr))
}

// dispatchOnce sends one attempt to one worker and validates the answer.
// The returned error is retryable unless wrapped in fatalError.
func (s *Supervisor) dispatchOnce(ctx context.Context, task *models.Task, order int, stepType models.StepType, stepCtx string, w *models.Worker, attempt int) (*stepResult, error) {
	assignedAt := s.now()
	if err := s.store.TaskStore().AddAssignment(ctx, &models.Assignment{
		TaskID:     task.ID,
		WorkerName: w.Name,
		Order:      order,
		AssignedAt: assignedAt,
	}); err != nil {
		return nil, &fatalError{fmt.Errorf("record assignment for task %d: %w", task.ID, err)}
	}
	if err := s.setTaskStatus(ctx, task, models.TaskStatusAssigned); err != nil {
		return nil, &fatalError{err}
	}
	if err := s.registry.SetStatus(ctx, w.Name, models.WorkerStatusBusy); err != nil {
		logger.Warn(ctx, "Failed to mark worker busy", tag.Worker(w.Name), tag.Error(err))
	}
	logger.Info(ctx, "Task assigned", tag.Task(task.ID), tag.Worker(w.Name),
		tag.TaskType(string(stepType)), tag.Attempt(attempt), tag.Addr(w.Addr()))

	if err := s.setTaskStatus(ctx, task, models.TaskStatusProcessing); err != nil {
		return nil, &fatalError{err}
	}

	dispatchCtx, cancel := context.WithTimeout(ctx, s.stepTimeout)
	defer cancel()

	started := s.now()
	resp, err := s.dispatcher.Execute(dispatchCtx, w.Addr(), worker.ExecuteRequest{
		TaskID:   task.ID,
		TaskDesc: task.Description,
		TaskType: string(stepType),
		Context:  stepCtx,
	})
	elapsed := s.now().Sub(started).Seconds()

	if err != nil {
		s.recordFailure(ctx, task, w, stepType, attempt, elapsed, tracker.Outcome{
			TaskType: stepType,
			Duration: time.Duration(elapsed * float64(time.Second)),
		}, "", metrics.OutcomeTransportError)
		return nil, fmt.Errorf("dispatch to %s: %w", w.Name, err)
	}

	execSeconds := resp.ExecutionTime
	if execSeconds <= 0 {
		execSeconds = elapsed
	}

	if !resp.Success {
		s.recordFailure(ctx, task, w, stepType, attempt, execSeconds, tracker.Outcome{
			TaskType: stepType,
			Duration: time.Duration(execSeconds * float64(time.Second)),
			Tokens:   resp.Tokens,
			Cost:     resp.Cost,
		}, resp.Output, metrics.OutcomeSemanticFailure)
		return nil, fmt.Errorf("worker %s reported failure", w.Name)
	}

	validation := s.validator.Validate(ctx, oracle.ValidateRequest{
		Task:     task.Description,
		Response: resp.Output,
		Worker:   w.Name,
	})
	if resp.Quality != nil {
		validation.Quality = *resp.Quality
	}

	if validation.ShouldRetry {
		s.recordFailure(ctx, task, w, stepType, attempt, execSeconds, tracker.Outcome{
			TaskType: stepType,
			Duration: time.Duration(execSeconds * float64(time.Second)),
			Quality:  validation.Quality,
			Scored:   true,
			Tokens:   resp.Tokens,
			Cost:     resp.Cost,
		}, resp.Output, metrics.OutcomeRejected)
		return nil, fmt.Errorf("worker %s answer rejected by validation (quality %.1f): %s",
			w.Name, validation.Quality, validation.Reasoning)
	}

	s.recordSuccess(ctx, task, w, stepType, attempt, execSeconds, resp, validation)
	return &stepResult{
		Output:     resp.Output,
		Worker:     w.Name,
		Duration:   execSeconds,
		Validation: &validation,
	}, nil
}

// recordFailure books one failed attempt everywhere it counts: execution
// history, per-worker metrics, health, performance and Prometheus.
func (s *Supervisor) recordFailure(ctx context.Context, task *models.Task, w *models.Worker, stepType models.StepType, attempt int, seconds float64, outcome tracker.Outcome, output, metricOutcome string) {
	if err := s.store.TaskStore().AddResult(ctx, &models.ExecutionResult{
		TaskID:        task.ID,
		Attempt:       attempt,
		WorkerName:    w.Name,
		Success:       false,
		Output:        output,
		ExecutionTime: seconds,
		Quality:       outcome.Quality,
		Tokens:        outcome.Tokens,
		Cost:          outcome.Cost,
		CreatedAt:     s.now(),
	}); err != nil {
		logger.Warn(ctx, "Failed to record attempt result", tag.Task(task.ID), tag.Error(err))
	}
	if err := s.store.MetricsStore().Append(ctx, w.Name, stepType, false, seconds, outcome.Quality); err != nil {
		logger.Warn(ctx, "Failed to append worker metrics", tag.Worker(w.Name), tag.Error(err))
	}
	if err := s.registry.RecordResult(ctx, w.Name, false, seconds); err != nil {
		logger.Warn(ctx, "Failed to update worker record", tag.Worker(w.Name), tag.Error(err))
	}
	s.health.RecordFailure(ctx, w.Name)
	s.perf.Record(w.Name, outcome)
	s.metrics.Dispatch(w.Name, metricOutcome)
}

// recordSuccess books one successful attempt across all trackers.
func (s *Supervisor) recordSuccess(ctx context.Context, task *models.Task, w *models.Worker, stepType models.StepType, attempt int, seconds float64, resp *worker.ExecuteResponse, validation models.Validation) {
	if err := s.store.TaskStore().AddResult(ctx, &models.ExecutionResult{
		TaskID:        task.ID,
		Attempt:       attempt,
		WorkerName:    w.Name,
		Success:       true,
		Output:        resp.Output,
		ExecutionTime: seconds,
		Quality:       validation.Quality,
		Tokens:        resp.Tokens,
		Cost:          resp.Cost,
		CreatedAt:     s.now(),
	}); err != nil {
		logger.Warn(ctx, "Failed to record attempt result", tag.Task(task.ID), tag.Error(err))
	}
	if err := s.store.MetricsStore().Append(ctx, w.Name, stepType, true, seconds, validation.Quality); err != nil {
		logger.Warn(ctx, "Failed to append worker metrics", tag.Worker(w.Name), tag.Error(err))
	}
	if err := s.registry.RecordResult(ctx, w.Name, true, seconds); err != nil {
		logger.Warn(ctx, "Failed to update worker record", tag.Worker(w.Name), tag.Error(err))
	}
	s.health.RecordSuccess(ctx, w.Name)
	s.perf.Record(w.Name, tracker.Outcome{
		TaskType: stepType,
		Success:  true,
		Duration: time.Duration(seconds * float64(time.Second)),
		Quality:  validation.Quality,
		Scored:   true,
		Tokens:   resp.Tokens,
		Cost:     resp.Cost,
	})
	s.metrics.Dispatch(w.Name, metrics.OutcomeSuccess)
	s.metrics.StepDone(string(stepType), seconds)
	s.metrics.Quality(validation.Quality)
	logger.Info(ctx, "Step succeeded", tag.Task(task.ID), tag.Worker(w.Name),
		tag.Quality(validation.Quality), tag.Elapsed(time.Duration(seconds*float64(time.Second))))
}

// builtinStep answers a step with the master's own model when the pool
// has nobody capable. Builtin answers are never retried.
func (s *Supervisor) builtinStep(ctx context.Context, task *models.Task, order int, stepType models.StepType, stepCtx string, attempt int) (*stepResult, error) {
	if s.builtin == nil {
		return nil, fmt.Errorf("task %d: %w", task.ID, ErrNoCapableWorker)
	}
	if err := s.setTaskStatus(ctx, task, models.TaskStatusAssigned); err != nil {
		return nil, err
	}
	if err := s.setTaskStatus(ctx, task, models.TaskStatusProcessing); err != nil {
		return nil, err
	}
	s.metrics.BuiltinFallback()
	logger.Info(ctx, "Falling back to builtin model", tag.Task(task.ID),
		tag.TaskType(string(stepType)), tag.Step(order))

	content := task.Description
	if stepCtx != "" {
		content = stepCtx + "\n\n" + task.Description
	}

	started := s.now()
	resp, err := s.builtin.Chat(ctx, llm.NewChatRequest(s.builtinModel, []llm.Message{
		{Role: llm.RoleUser, Content: content},
	}))
	elapsed := s.now().Sub(started).Seconds()
	if err != nil {
		return nil, fmt.Errorf("builtin model for task %d: %w", task.ID, err)
	}

	validation := oracle.HeuristicValidation(resp.Content)
	if err := s.store.TaskStore().AddResult(ctx, &models.ExecutionResult{
		TaskID:        task.ID,
		Attempt:       attempt,
		WorkerName:    builtinWorkerName,
		Success:       true,
		Output:        resp.Content,
		ExecutionTime: elapsed,
		Quality:       validation.Quality,
		CreatedAt:     s.now(),
	}); err != nil {
		logger.Warn(ctx, "Failed to record builtin result", tag.Task(task.ID), tag.Error(err))
	}
	s.metrics.StepDone(string(stepType), elapsed)

	return &stepResult{
		Output:     resp.Content,
		Worker:     builtinWorkerName,
		Duration:   elapsed,
		Validation: &validation,
	}, nil
}

// parkAndWait enqueues the step and blocks until the drain loop delivers
// a result or the caller's context expires. Expiry leaves the task
// queued and surfaces a QueuedError so the API can answer 202.
func (s *Supervisor) parkAndWait(ctx context.Context, task *models.Task, item queue.Item, dec Decision) (*stepResult, error) {
	ch := s.registerWaiter(task.ID)
	defer s.dropWaiter(task.ID)

	if err := s.queue.Enqueue(item); err != nil {
		s.failTask(ctx, task)
		return nil, fmt.Errorf("enqueue task %d: %w", task.ID, err)
	}
	if err := s.setTaskStatus(ctx, task, models.TaskStatusQueued); err != nil {
		return nil, err
	}
	s.metrics.TaskQueued()
	s.metrics.SetQueueDepth(s.queue.Len())
	logger.Info(ctx, "Task parked in queue", tag.Task(task.ID),
		tag.Status(dec.Status()), tag.Priority(item.Priority), tag.Reason(dec.Reason))

	select {
	case d := <-ch:
		return d.res, d.err
	case <-ctx.Done():
		// One last poll: the result may have raced the deadline.
		select {
		case d := <-ch:
			return d.res, d.err
		default:
		}
		logger.Warn(ctx, "Caller gave up while task was queued", tag.Task(task.ID))
		return nil, &QueuedError{TaskID: task.ID, Status: dec.Status()}
	}
}

func (s *Supervisor) registerWaiter(taskID int64) chan delivery {
	ch := make(chan delivery, 1)
	s.mu.Lock()
	s.waiters[taskID] = ch
	s.mu.Unlock()
	return ch
}

func (s *Supervisor) dropWaiter(taskID int64) {
	s.mu.Lock()
	delete(s.waiters, taskID)
	s.mu.Unlock()
}

// deliver hands a finished step to the parked caller, if any.
func (s *Supervisor) deliver(taskID int64, res *stepResult, err error) bool {
	s.mu.Lock()
	ch, ok := s.waiters[taskID]
	if ok {
		delete(s.waiters, taskID)
	}
	s.mu.Unlock()
	if !ok {
		return false
	}
	ch <- delivery{res: res, err: err}
	return true
}

func (s *Supervisor) isCancelled(taskID int64) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.cancelled[taskID]
}

func (s *Supervisor) clearCancel(taskID int64) {
	s.mu.Lock()
	delete(s.cancelled, taskID)
	s.mu.Unlock()
}

// finishCancelled moves a task to cancelled after a cancel flag fired.
func (s *Supervisor) finishCancelled(ctx context.Context, task *models.Task) error {
	if err := s.setTaskStatus(ctx, task, models.TaskStatusCancelled); err != nil {
		logger.Warn(ctx, "Failed to mark task cancelled", tag.Task(task.ID), tag.Error(err))
	} else {
		s.metrics.TaskCancelled()
	}
	return fmt.Errorf("task %d: %w", task.ID, ErrCancelled)
}

// failTask moves a task to failed and counts it. Invalid transitions
// (already terminal) are ignored.
func (s *Supervisor) failTask(ctx context.Context, task *models.Task) {
	if err := s.setTaskStatus(ctx, task, models.TaskStatusFailed); err != nil {
		logger.Warn(ctx, "Failed to mark task failed", tag.Task(task.ID), tag.Error(err))
		return
	}
	s.metrics.TaskFailed()
}

// setTaskStatus persists a status change, skipping transitions the task
// state machine forbids. A multi-step task stays processing between
// steps, so a second assigned/processing hop is silently dropped.
func (s *Supervisor) setTaskStatus(ctx context.Context, task *models.Task, status models.TaskStatus) error {
	if task.Status == status {
		return nil
	}
	if !task.Status.CanTransition(status) {
		return nil
	}
	if err := s.store.TaskStore().SetStatus(ctx, task.ID, status); err != nil {
		if errors.Is(err, persistence.ErrInvalidTransition) {
			return nil
		}
		return fmt.Errorf("set task %d status %s: %w", task.ID, status, err)
	}
	task.Status = status
	task.UpdatedAt = s.now()
	return nil
}

// appendTurn persists one conversation message, logging on failure
// rather than blocking the response.
func (s *Supervisor) appendTurn(ctx context.Context, convID, userID string, role models.Role, content string) {
	err := s.store.ConversationStore().AppendMessage(ctx, convID, userID, models.Message{
		Role:      role,
		Content:   content,
		CreatedAt: s.now(),
	})
	if err != nil {
		logger.Warn(ctx, "Failed to append conversation turn", tag.Conversation(convID), tag.Error(err))
	}
}

// stepContext assembles the context block for a plan step: conversation
// context first, then each prior step's output in order.
func stepContext(convContext string, priorOutputs []string) string {
	parts := make([]string, 0, len(priorOutputs)+1)
	if convContext != "" {
		parts = append(parts, convContext)
	}
	parts = append(parts, priorOutputs...)
	return strings.Join(parts, "\n\n")
}

func appendUnique(list []string, v string) []string {
	for _, have := range list {
		if have == v {
			return list
		}
	}
	return append(list, v)
}
