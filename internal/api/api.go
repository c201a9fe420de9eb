// Package api exposes the controller over HTTP: the chat entrypoint,
// worker registration and heartbeats, task cancellation, and the
// operational stats and health surfaces the CLI reads.
package api

import (
	"context"
	"encoding/json"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-viper/mapstructure/v2"

	"github.com/maestrohq/maestro/internal/build"
	"github.com/maestrohq/maestro/internal/cache"
	"github.com/maestrohq/maestro/internal/health"
	"github.com/maestrohq/maestro/internal/leader"
	"github.com/maestrohq/maestro/internal/logger"
	"github.com/maestrohq/maestro/internal/logger/tag"
	"github.com/maestrohq/maestro/internal/metrics"
	"github.com/maestrohq/maestro/internal/models"
	"github.com/maestrohq/maestro/internal/queue"
	"github.com/maestrohq/maestro/internal/registry"
	"github.com/maestrohq/maestro/internal/router"
	"github.com/maestrohq/maestro/internal/telemetry"
	"github.com/maestrohq/maestro/internal/tracker"
)

// Deps collects the components the API reads and drives. Supervisor,
// Registry, Health, Perf and Queue must be non-nil; the rest degrade to
// empty sections in responses.
type Deps struct {
	Supervisor *router.Supervisor
	Registry   *registry.Registry
	Health     *health.Monitor
	Perf       *tracker.Tracker
	Cache      cache.Cache
	Leader     *leader.Elector
	Queue      *queue.Queue
	Telemetry  *telemetry.Service
	Metrics    *metrics.Metrics

	// ChatWait bounds how long a chat request may block on a parked
	// task before the endpoint answers 202 with the task id. Zero
	// leaves the wait to the client's own deadline.
	ChatWait time.Duration
}

// API carries the handler set for the controller's HTTP surface.
type API struct {
	deps Deps
}

// New creates the API handler set.
func New(deps Deps) *API {
	return &API{deps: deps}
}

// Routes mounts every endpoint on the mux. The Prometheus scrape
// endpoint lives outside /api/v1 so fleet scrape configs stay short.
func (a *API) Routes(r chi.Router) {
	r.Route("/api/v1", func(r chi.Router) {
		r.Post("/chat", a.handleChat)
		r.Get("/health", a.handleHealth)
		r.Post("/cancel/{taskID}", a.handleCancel)
		r.Get("/stats", a.handleStats)
		r.Route("/workers", func(r chi.Router) {
			r.Get("/", a.handleListWorkers)
			r.Post("/register", a.handleRegisterWorker)
			r.Post("/heartbeat", a.handleWorkerHeartbeat)
		})
	})
	if a.deps.Metrics != nil {
		r.Method(http.MethodGet, "/metrics", a.deps.Metrics.Handler())
	}
}

type chatRequest struct {
	Message        string   `json:"message"`
	ConversationID string   `json:"conversation_id"`
	UserID         string   `json:"user_id"`
	Files          []string `json:"files"`
}

func (a *API) handleChat(w http.ResponseWriter, r *http.Request) {
	var req chatRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		respondError(w, http.StatusBadRequest, "invalid_request", "request body must be JSON")
		return
	}
	ctx := r.Context()
	if a.deps.ChatWait > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, a.deps.ChatWait)
		defer cancel()
	}
	res, err := a.deps.Supervisor.Chat(ctx, router.ChatRequest{
		Message:        req.Message,
		ConversationID: req.ConversationID,
		UserID:         req.UserID,
		Files:          req.Files,
	})
	if err != nil {
		respondChatError(w, err)
		return
	}
	respondJSON(w, http.StatusOK, res)
}

type healthResponse struct {
	Status         string `json:"status"`
	Version        string `json:"version"`
	ActiveMaster   string `json:"active_master,omitempty"`
	IsActive       bool   `json:"is_active"`
	WorkersHealthy int    `json:"workers_healthy"`
	WorkersTotal   int    `json:"workers_total"`
}

func (a *API) handleHealth(w http.ResponseWriter, r *http.Request) {
	resp := healthResponse{
		Status:         "ok",
		Version:        build.Version,
		WorkersHealthy: a.deps.Health.SelectableCount(r.Context()),
		WorkersTotal:   a.deps.Registry.Count(),
		IsActive:       true,
	}
	if a.deps.Leader != nil {
		resp.IsActive = a.deps.Leader.IsActive()
		if st, err := a.deps.Leader.Status(r.Context()); err == nil {
			resp.ActiveMaster = st.ActiveMaster
		}
	}
	respondJSON(w, http.StatusOK, resp)
}

func (a *API) handleCancel(w http.ResponseWriter, r *http.Request) {
	taskID, err := strconv.ParseInt(chi.URLParam(r, "taskID"), 10, 64)
	if err != nil {
		respondError(w, http.StatusBadRequest, "invalid_task_id", "task id must be an integer")
		return
	}
	cancelled, err := a.deps.Supervisor.Cancel(r.Context(), taskID)
	if err != nil {
		respondStoreError(w, err)
		return
	}
	if !cancelled {
		respondError(w, http.StatusConflict, "not_cancellable", "task already finished")
		return
	}
	respondJSON(w, http.StatusOK, map[string]any{
		"task_id": taskID,
		"status":  string(models.TaskStatusCancelled),
	})
}

// statsResponse aggregates every component's self-report. Sections are
// omitted when the backing component is not wired.
type statsResponse struct {
	Workers   []*models.Worker  `json:"workers"`
	Health    health.Report     `json:"health"`
	Insights  tracker.Insights  `json:"performance"`
	Queue     queue.Stats       `json:"queue"`
	Cache     *cache.Stats      `json:"cache,omitempty"`
	Leader    *leader.Status    `json:"leader,omitempty"`
	Telemetry *telemetry.Sample `json:"controller,omitempty"`
}

func (a *API) handleStats(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	resp := statsResponse{
		Workers:  a.deps.Registry.List(ctx),
		Health:   a.deps.Health.Report(ctx),
		Insights: a.deps.Perf.Insights(a.deps.Health.SelectableCount(ctx)),
		Queue:    a.deps.Queue.Stats(),
	}
	if a.deps.Cache != nil {
		st := a.deps.Cache.Stats(ctx)
		resp.Cache = &st
	}
	if a.deps.Leader != nil {
		if st, err := a.deps.Leader.Status(ctx); err == nil {
			resp.Leader = &st
		} else {
			logger.Warn(ctx, "Failed to read leader status", tag.Error(err))
		}
	}
	if a.deps.Telemetry != nil {
		if sample, ok := a.deps.Telemetry.Latest(); ok {
			resp.Telemetry = &sample
		}
	}
	respondJSON(w, http.StatusOK, resp)
}

type registerRequest struct {
	AgentName  string `json:"agent_name"`
	Capability string `json:"capability"`
	Host       string `json:"host"`
	Port       int    `json:"port"`
}

func (a *API) handleRegisterWorker(w http.ResponseWriter, r *http.Request) {
	var req registerRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		respondError(w, http.StatusBadRequest, "invalid_request", "request body must be JSON")
		return
	}
	if req.AgentName == "" || req.Host == "" || req.Port == 0 {
		respondError(w, http.StatusBadRequest, "invalid_request", "agent_name, host and port are required")
		return
	}
	worker := &models.Worker{
		Name:       req.AgentName,
		Host:       req.Host,
		Port:       req.Port,
		Capability: models.ParseCapability(req.Capability),
	}
	if err := a.deps.Registry.Register(r.Context(), worker); err != nil {
		respondStoreError(w, err)
		return
	}
	// Registration counts as first contact so the worker is selectable
	// before its first heartbeat arrives.
	a.deps.Health.Heartbeat(r.Context(), req.AgentName)
	respondJSON(w, http.StatusCreated, map[string]any{
		"agent_name": req.AgentName,
		"status":     "registered",
	})
}

type heartbeatRequest struct {
	AgentName string         `json:"agent_name"`
	Status    string         `json:"status"`
	Hardware  map[string]any `json:"hardware"`
}

// decodeHardware tolerates partial hardware maps; missing keys stay zero.
func decodeHardware(raw map[string]any) (models.Hardware, error) {
	var hw models.Hardware
	if len(raw) == 0 {
		return hw, nil
	}
	dec, err := mapstructure.NewDecoder(&mapstructure.DecoderConfig{
		TagName:          "json",
		WeaklyTypedInput: true,
		Result:           &hw,
	})
	if err != nil {
		return hw, err
	}
	return hw, dec.Decode(raw)
}

func (a *API) handleWorkerHeartbeat(w http.ResponseWriter, r *http.Request) {
	var req heartbeatRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		respondError(w, http.StatusBadRequest, "invalid_request", "request body must be JSON")
		return
	}
	if req.AgentName == "" {
		respondError(w, http.StatusBadRequest, "invalid_request", "agent_name is required")
		return
	}
	status := models.WorkerStatus(req.Status)
	if req.Status == "" {
		status = models.WorkerStatusIdle
	}
	hw, err := decodeHardware(req.Hardware)
	if err != nil {
		respondError(w, http.StatusBadRequest, "invalid_hardware", "hardware must be numeric fields")
		return
	}
	if err := a.deps.Registry.Heartbeat(r.Context(), req.AgentName, status, hw); err != nil {
		respondStoreError(w, err)
		return
	}
	a.deps.Health.Heartbeat(r.Context(), req.AgentName)
	respondJSON(w, http.StatusOK, map[string]any{
		"agent_name": req.AgentName,
		"status":     "alive",
	})
}

func (a *API) handleListWorkers(w http.ResponseWriter, r *http.Request) {
	respondJSON(w, http.StatusOK, map[string]any{
		"workers": a.deps.Registry.List(r.Context()),
	})
}
