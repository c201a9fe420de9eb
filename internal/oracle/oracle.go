// Package oracle implements the three model consultations the controller
// makes while supervising a task: planning a request into typed steps,
// deciding whether prior conversation turns are needed, and judging
// whether a worker's answer actually answers the task. Each consultation
// is a port with a deterministic fallback, so the controller keeps
// routing when no model is configured or a call fails.
package oracle

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"

	"github.com/maestrohq/maestro/internal/models"
)

// Planner decomposes a user request into an ordered plan of typed steps.
type Planner interface {
	Plan(ctx context.Context, req PlanRequest) models.Plan
}

// ContextOracle decides whether a request depends on earlier turns and
// selects the minimal history slice to carry to the worker.
type ContextOracle interface {
	Select(ctx context.Context, req ContextRequest) models.ContextSlice
}

// Validator judges a worker's answer against the original task.
type Validator interface {
	Validate(ctx context.Context, req ValidateRequest) models.Validation
}

// PlanRequest carries one user request into planning.
type PlanRequest struct {
	Message string
	// Files holds the names of attached files; only their extensions
	// inform planning.
	Files []string
}

// ContextRequest carries the request plus its conversation history,
// oldest first.
type ContextRequest struct {
	Message string
	History []models.Message
}

// ValidateRequest pairs the original task with the answer under review.
type ValidateRequest struct {
	Task     string
	Response string
	Worker   string
}

// failureScanWindow bounds how much of an output the failure scan reads.
const failureScanWindow = 200

// failurePhrases mark an output as a failure or refusal even when the
// transport succeeded.
var failurePhrases = []string{
	"error", "failed", "cannot", "unable to",
	"sorry", "apologize", "something went wrong",
}

// LooksFailed reports whether the first 200 characters of an output read
// like an error or a refusal. The router uses it between plan steps and
// the validator uses it as its deterministic fallback.
func LooksFailed(output string) bool {
	head := strings.ToLower(output)
	if len(head) > failureScanWindow {
		head = head[:failureScanWindow]
	}
	for _, phrase := range failurePhrases {
		if strings.Contains(head, phrase) {
			return true
		}
	}
	return false
}

// decodeJSON unmarshals the first JSON object found in s. Models
// occasionally wrap their reply in code fences or prose even when asked
// for bare JSON.
func decodeJSON(s string, v any) error {
	start := strings.IndexByte(s, '{')
	end := strings.LastIndexByte(s, '}')
	if start < 0 || end <= start {
		return fmt.Errorf("no JSON object in model output")
	}
	return json.Unmarshal([]byte(s[start:end+1]), v)
}

// truncate shortens s to at most n bytes, marking the cut.
func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[:n] + "..."
}
