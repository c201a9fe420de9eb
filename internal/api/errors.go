package api

import (
	"encoding/json"
	"errors"
	"net/http"
	"strconv"

	"github.com/maestrohq/maestro/internal/leader"
	"github.com/maestrohq/maestro/internal/persistence"
	"github.com/maestrohq/maestro/internal/queue"
	"github.com/maestrohq/maestro/internal/router"
)

// retryAfterSeconds is suggested to clients bounced off a standby
// replica; failover completes well inside this window.
const retryAfterSeconds = 15

type errorResponse struct {
	Code    string `json:"code"`
	Message string `json:"message"`
}

func respondJSON(w http.ResponseWriter, status int, body any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(body)
}

func respondError(w http.ResponseWriter, status int, code, message string) {
	respondJSON(w, status, errorResponse{Code: code, Message: message})
}

// respondChatError maps supervisor failures onto the chat endpoint's
// status codes. A parked task is not a failure: the client gets 202
// with the task id and can poll or cancel.
func respondChatError(w http.ResponseWriter, err error) {
	var queued *router.QueuedError
	switch {
	case errors.As(err, &queued):
		respondJSON(w, http.StatusAccepted, map[string]any{
			"task_id": queued.TaskID,
			"status":  queued.Status,
		})
	case errors.Is(err, leader.ErrNotLeader):
		w.Header().Set("Retry-After", strconv.Itoa(retryAfterSeconds))
		respondError(w, http.StatusServiceUnavailable, "not_leader",
			"this replica is standing by; retry against the active master")
	case errors.Is(err, queue.ErrFull):
		respondError(w, http.StatusTooManyRequests, "queue_full",
			"task queue is full; retry later")
	case errors.Is(err, router.ErrEmptyMessage):
		respondError(w, http.StatusBadRequest, "empty_message", "message is required")
	case errors.Is(err, router.ErrCancelled):
		respondError(w, http.StatusConflict, "cancelled", "task was cancelled")
	default:
		respondError(w, http.StatusInternalServerError, "internal_error", err.Error())
	}
}

// respondStoreError maps persistence failures for the non-chat endpoints.
func respondStoreError(w http.ResponseWriter, err error) {
	switch {
	case errors.Is(err, persistence.ErrNotFound):
		respondError(w, http.StatusNotFound, "not_found", err.Error())
	default:
		respondError(w, http.StatusInternalServerError, "internal_error", err.Error())
	}
}
