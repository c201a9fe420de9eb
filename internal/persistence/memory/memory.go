// Package memory provides an in-process DataStore used by tests and by
// single-node deployments that run without a database.
package memory

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/maestrohq/maestro/internal/models"
	"github.com/maestrohq/maestro/internal/persistence"
)

// Store keeps every table in process memory behind one mutex. The
// controller's hot paths read through the registry and tracker, not the
// store, so a single lock is enough here.
type Store struct {
	mu sync.Mutex

	agents   map[string]*models.Worker
	tasks    map[int64]*models.Task
	nextTask int64

	assignments []models.Assignment
	results     []models.ExecutionResult

	conversations map[string][]models.Message
	contexts      map[int64]contextRow
	metrics       []metricRow
	replicas      map[string]*models.Replica
	logs          []logRow
}

type contextRow struct {
	kind    models.ContextKind
	data    string
	savedAt time.Time
}

type metricRow struct {
	worker   string
	taskType models.StepType
	success  bool
	duration float64
	quality  float64
	at       time.Time
}

type logRow struct {
	level     string
	component string
	message   string
	at        time.Time
}

var _ persistence.DataStore = (*Store)(nil)

// New creates an empty in-memory store.
func New() *Store {
	return &Store{
		agents:        make(map[string]*models.Worker),
		tasks:         make(map[int64]*models.Task),
		conversations: make(map[string][]models.Message),
		contexts:      make(map[int64]contextRow),
		replicas:      make(map[string]*models.Replica),
	}
}

func (s *Store) AgentStore() persistence.AgentStore               { return &agentStore{s} }
func (s *Store) TaskStore() persistence.TaskStore                 { return &taskStore{s} }
func (s *Store) ConversationStore() persistence.ConversationStore { return &conversationStore{s} }
func (s *Store) ContextStore() persistence.ContextStore           { return &contextStore{s} }
func (s *Store) MetricsStore() persistence.MetricsStore           { return &metricsStore{s} }
func (s *Store) ReplicaStore() persistence.ReplicaStore           { return &replicaStore{s} }
func (s *Store) LogStore() persistence.LogStore                   { return &logStore{s} }

// Close implements persistence.DataStore.
func (s *Store) Close() error { return nil }

// Agents

type agentStore struct{ s *Store }

var _ persistence.AgentStore = (*agentStore)(nil)

// Upsert implements persistence.AgentStore.
func (a *agentStore) Upsert(_ context.Context, w *models.Worker) error {
	a.s.mu.Lock()
	defer a.s.mu.Unlock()

	if existing, ok := a.s.agents[w.Name]; ok {
		existing.Host = w.Host
		existing.Port = w.Port
		existing.Capability = w.Capability
		existing.Status = w.Status
		existing.LastHeartbeat = w.LastHeartbeat
		return nil
	}
	cp := *w
	a.s.agents[w.Name] = &cp
	return nil
}

// Heartbeat implements persistence.AgentStore.
func (a *agentStore) Heartbeat(_ context.Context, name string, status models.WorkerStatus, hw models.Hardware, at time.Time) error {
	a.s.mu.Lock()
	defer a.s.mu.Unlock()

	w, ok := a.s.agents[name]
	if !ok {
		return persistence.ErrNotFound
	}
	w.Status = status
	w.Hardware = hw
	w.LastHeartbeat = at
	return nil
}

// SetStatus implements persistence.AgentStore.
func (a *agentStore) SetStatus(_ context.Context, name string, status models.WorkerStatus) error {
	a.s.mu.Lock()
	defer a.s.mu.Unlock()

	w, ok := a.s.agents[name]
	if !ok {
		return persistence.ErrNotFound
	}
	w.Status = status
	return nil
}

// RecordResult implements persistence.AgentStore.
func (a *agentStore) RecordResult(_ context.Context, name string, success bool, execTime float64) error {
	a.s.mu.Lock()
	defer a.s.mu.Unlock()

	w, ok := a.s.agents[name]
	if !ok {
		return persistence.ErrNotFound
	}
	if success {
		// Running mean weighted over all prior tasks.
		w.AvgExecutionTime = (w.AvgExecutionTime*float64(w.TotalTasks) + execTime) / float64(w.TotalTasks+1)
		w.SuccessfulTasks++
	} else {
		w.FailedTasks++
	}
	w.TotalTasks++
	w.Status = models.WorkerStatusIdle
	return nil
}

// Get implements persistence.AgentStore.
func (a *agentStore) Get(_ context.Context, name string) (*models.Worker, error) {
	a.s.mu.Lock()
	defer a.s.mu.Unlock()

	w, ok := a.s.agents[name]
	if !ok {
		return nil, persistence.ErrNotFound
	}
	cp := *w
	return &cp, nil
}

// List implements persistence.AgentStore.
func (a *agentStore) List(_ context.Context) ([]*models.Worker, error) {
	a.s.mu.Lock()
	defer a.s.mu.Unlock()

	out := make([]*models.Worker, 0, len(a.s.agents))
	for _, w := range a.s.agents {
		cp := *w
		out = append(out, &cp)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return out, nil
}

// Tasks

type taskStore struct{ s *Store }

var _ persistence.TaskStore = (*taskStore)(nil)

// Create implements persistence.TaskStore.
func (t *taskStore) Create(_ context.Context, task *models.Task) (int64, error) {
	t.s.mu.Lock()
	defer t.s.mu.Unlock()

	t.s.nextTask++
	cp := *task
	cp.ID = t.s.nextTask
	if cp.Status == "" {
		cp.Status = models.TaskStatusPending
	}
	now := time.Now()
	if cp.CreatedAt.IsZero() {
		cp.CreatedAt = now
	}
	cp.UpdatedAt = now
	t.s.tasks[cp.ID] = &cp
	return cp.ID, nil
}

// Get implements persistence.TaskStore.
func (t *taskStore) Get(_ context.Context, id int64) (*models.Task, error) {
	t.s.mu.Lock()
	defer t.s.mu.Unlock()

	task, ok := t.s.tasks[id]
	if !ok {
		return nil, persistence.ErrNotFound
	}
	cp := *task
	return &cp, nil
}

// SetStatus implements persistence.TaskStore.
func (t *taskStore) SetStatus(_ context.Context, id int64, status models.TaskStatus) error {
	t.s.mu.Lock()
	defer t.s.mu.Unlock()

	task, ok := t.s.tasks[id]
	if !ok {
		return persistence.ErrNotFound
	}
	if !task.Status.CanTransition(status) {
		return persistence.ErrInvalidTransition
	}
	task.Status = status
	task.UpdatedAt = time.Now()
	return nil
}

// SetRetryCount implements persistence.TaskStore.
func (t *taskStore) SetRetryCount(_ context.Context, id int64, retries int) error {
	t.s.mu.Lock()
	defer t.s.mu.Unlock()

	task, ok := t.s.tasks[id]
	if !ok {
		return persistence.ErrNotFound
	}
	task.RetryCount = retries
	task.UpdatedAt = time.Now()
	return nil
}

// AddAssignment implements persistence.TaskStore.
func (t *taskStore) AddAssignment(_ context.Context, a *models.Assignment) error {
	t.s.mu.Lock()
	defer t.s.mu.Unlock()

	if _, ok := t.s.tasks[a.TaskID]; !ok {
		return persistence.ErrNotFound
	}
	t.s.assignments = append(t.s.assignments, *a)
	return nil
}

// AddResult implements persistence.TaskStore.
func (t *taskStore) AddResult(_ context.Context, r *models.ExecutionResult) error {
	t.s.mu.Lock()
	defer t.s.mu.Unlock()

	if _, ok := t.s.tasks[r.TaskID]; !ok {
		return persistence.ErrNotFound
	}
	t.s.results = append(t.s.results, *r)
	return nil
}

// ListByStatus implements persistence.TaskStore.
func (t *taskStore) ListByStatus(_ context.Context, status models.TaskStatus) ([]*models.Task, error) {
	t.s.mu.Lock()
	defer t.s.mu.Unlock()

	var out []*models.Task
	for _, task := range t.s.tasks {
		if task.Status == status {
			cp := *task
			out = append(out, &cp)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out, nil
}

// Conversations

type conversationStore struct{ s *Store }

var _ persistence.ConversationStore = (*conversationStore)(nil)

// AppendMessage implements persistence.ConversationStore.
func (c *conversationStore) AppendMessage(_ context.Context, conversationID, _ string, msg models.Message) error {
	c.s.mu.Lock()
	defer c.s.mu.Unlock()

	if msg.CreatedAt.IsZero() {
		msg.CreatedAt = time.Now()
	}
	c.s.conversations[conversationID] = append(c.s.conversations[conversationID], msg)
	return nil
}

// Recent implements persistence.ConversationStore.
func (c *conversationStore) Recent(_ context.Context, conversationID string, n int) ([]models.Message, error) {
	c.s.mu.Lock()
	defer c.s.mu.Unlock()

	msgs := c.s.conversations[conversationID]
	if len(msgs) > n {
		msgs = msgs[len(msgs)-n:]
	}
	out := make([]models.Message, len(msgs))
	copy(out, msgs)
	return out, nil
}

// Contexts

type contextStore struct{ s *Store }

var _ persistence.ContextStore = (*contextStore)(nil)

// Save implements persistence.ContextStore.
func (c *contextStore) Save(_ context.Context, taskID int64, kind models.ContextKind, data string) error {
	c.s.mu.Lock()
	defer c.s.mu.Unlock()

	c.s.contexts[taskID] = contextRow{kind: kind, data: data, savedAt: time.Now()}
	return nil
}

// RecentDescriptions implements persistence.ContextStore.
func (c *contextStore) RecentDescriptions(_ context.Context, limit int) (map[int64]string, error) {
	c.s.mu.Lock()
	defer c.s.mu.Unlock()

	type idRow struct {
		id int64
		at time.Time
	}
	rows := make([]idRow, 0, len(c.s.contexts))
	for id, row := range c.s.contexts {
		rows = append(rows, idRow{id: id, at: row.savedAt})
	}
	sort.Slice(rows, func(i, j int) bool {
		if rows[i].at.Equal(rows[j].at) {
			// Coarse clocks can stamp back-to-back saves identically.
			return rows[i].id > rows[j].id
		}
		return rows[i].at.After(rows[j].at)
	})
	if len(rows) > limit {
		rows = rows[:limit]
	}

	out := make(map[int64]string, len(rows))
	for _, r := range rows {
		if t, ok := c.s.tasks[r.id]; ok {
			out[r.id] = t.Description
		}
	}
	return out, nil
}

// Metrics

type metricsStore struct{ s *Store }

var _ persistence.MetricsStore = (*metricsStore)(nil)

// Append implements persistence.MetricsStore.
func (m *metricsStore) Append(_ context.Context, workerName string, taskType models.StepType, success bool, duration, quality float64) error {
	m.s.mu.Lock()
	defer m.s.mu.Unlock()

	m.s.metrics = append(m.s.metrics, metricRow{
		worker:   workerName,
		taskType: taskType,
		success:  success,
		duration: duration,
		quality:  quality,
		at:       time.Now(),
	})
	return nil
}

// Replicas

type replicaStore struct{ s *Store }

var _ persistence.ReplicaStore = (*replicaStore)(nil)

// Heartbeat implements persistence.ReplicaStore.
func (r *replicaStore) Heartbeat(_ context.Context, id string, at time.Time) error {
	r.s.mu.Lock()
	defer r.s.mu.Unlock()

	rep, ok := r.s.replicas[id]
	if !ok {
		rep = &models.Replica{ID: id}
		r.s.replicas[id] = rep
	}
	rep.LastHeartbeat = at
	return nil
}

// Promote implements persistence.ReplicaStore.
func (r *replicaStore) Promote(_ context.Context, id string) error {
	r.s.mu.Lock()
	defer r.s.mu.Unlock()

	rep, ok := r.s.replicas[id]
	if !ok {
		rep = &models.Replica{ID: id}
		r.s.replicas[id] = rep
	}
	for _, other := range r.s.replicas {
		other.Active = false
	}
	rep.Active = true
	return nil
}

// Demote implements persistence.ReplicaStore.
func (r *replicaStore) Demote(_ context.Context, id string) error {
	r.s.mu.Lock()
	defer r.s.mu.Unlock()

	if rep, ok := r.s.replicas[id]; ok {
		rep.Active = false
	}
	return nil
}

// List implements persistence.ReplicaStore.
func (r *replicaStore) List(_ context.Context) ([]*models.Replica, error) {
	r.s.mu.Lock()
	defer r.s.mu.Unlock()

	out := make([]*models.Replica, 0, len(r.s.replicas))
	for _, rep := range r.s.replicas {
		cp := *rep
		out = append(out, &cp)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out, nil
}

// Logs

type logStore struct{ s *Store }

var _ persistence.LogStore = (*logStore)(nil)

// Append implements persistence.LogStore.
func (l *logStore) Append(_ context.Context, level, component, message string) error {
	l.s.mu.Lock()
	defer l.s.mu.Unlock()

	l.s.logs = append(l.s.logs, logRow{level: level, component: component, message: message, at: time.Now()})
	return nil
}

// Prune implements persistence.LogStore.
func (l *logStore) Prune(_ context.Context, olderThan time.Time) (int64, error) {
	l.s.mu.Lock()
	defer l.s.mu.Unlock()

	kept := l.s.logs[:0]
	var removed int64
	for _, row := range l.s.logs {
		if row.at.Before(olderThan) {
			removed++
			continue
		}
		kept = append(kept, row)
	}
	l.s.logs = kept
	return removed, nil
}
