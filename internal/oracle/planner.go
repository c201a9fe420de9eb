package oracle

import (
	"context"
	"fmt"
	"path/filepath"
	"strings"

	"github.com/maestrohq/maestro/internal/llm"
	"github.com/maestrohq/maestro/internal/logger"
	"github.com/maestrohq/maestro/internal/logger/tag"
	"github.com/maestrohq/maestro/internal/models"
)

const (
	planMaxTokens   = 500
	planTemperature = 0.2
)

const planningPrompt = `You are a task planner. Understand what the user really wants to accomplish and break it into sequential steps.

USER REQUEST: %q%s

STEP CATEGORIES:
- "coding": creating or fixing programs or code of any kind
- "documentation": writing explanatory content, reports, guides, or documents
- "analysis": researching, analyzing, comparing, or evaluating data or information
- "general": everything else

PLANNING RULES:
1. Default to a SINGLE step; most requests need one kind of work.
2. Use multiple steps only when the user explicitly wants different kinds of work done in sequence.
3. Maximum 3 steps.

DISTINCTIONS:
- "write code and a report" is ["coding", "documentation"]
- "analyze data and write a report" is ["analysis", "documentation"]
- "write code to analyze X" is ["coding"] alone: code that does analysis is still one step
- "explain analysis results" is ["documentation"] alone

Understand the goal, not the exact words.

Respond with JSON:
{"steps": ["type1", "type2"], "reasoning": "what they want to accomplish"}`

// LLMPlanner asks a model to decompose the request, filtering its answer
// down to valid step kinds. Any failure degrades to the single-step
// default plan so routing never blocks on planning.
type LLMPlanner struct {
	provider llm.Provider
	model    string
}

var _ Planner = (*LLMPlanner)(nil)

// NewLLMPlanner returns a planner backed by the given provider. A nil
// provider yields default plans.
func NewLLMPlanner(provider llm.Provider, model string) *LLMPlanner {
	return &LLMPlanner{provider: provider, model: model}
}

// Plan decomposes the request into 1 to 3 typed steps.
func (p *LLMPlanner) Plan(ctx context.Context, req PlanRequest) models.Plan {
	if p.provider == nil {
		return models.DefaultPlan("planning model not configured")
	}

	resp, err := p.provider.Chat(ctx, llm.NewChatRequest(
		p.model,
		[]llm.Message{{Role: llm.RoleUser, Content: buildPlanningPrompt(req)}},
		llm.WithTemperature(planTemperature),
		llm.WithMaxTokens(planMaxTokens),
		llm.WithJSONResponse(),
	))
	if err != nil {
		logger.Warn(ctx, "Planning call failed, using single-step plan", tag.Error(err))
		return models.DefaultPlan("planning model unavailable")
	}

	plan, err := parsePlan(resp.Content)
	if err != nil {
		logger.Warn(ctx, "Planner returned invalid output, using single-step plan", tag.Error(err))
		return models.DefaultPlan("invalid planning output")
	}

	logger.Info(ctx, "Task plan ready",
		tag.Steps(plan.StepStrings()),
		tag.Reason(plan.Reasoning))
	return plan
}

func buildPlanningPrompt(req PlanRequest) string {
	var fileNote string
	if len(req.Files) > 0 {
		exts := make([]string, 0, len(req.Files))
		for _, name := range req.Files {
			if ext := strings.TrimPrefix(filepath.Ext(name), "."); ext != "" {
				exts = append(exts, ext)
			}
		}
		fileNote = fmt.Sprintf("\n\nFiles attached: %d (%s)", len(req.Files), strings.Join(exts, ", "))
	}
	return fmt.Sprintf(planningPrompt, req.Message, fileNote)
}

// parsePlan decodes the model's JSON plan and drops unknown step kinds.
// A plan with no valid steps degrades to a single general step but keeps
// the model's reasoning.
func parsePlan(content string) (models.Plan, error) {
	var raw struct {
		Steps     []string `json:"steps"`
		Reasoning string   `json:"reasoning"`
	}
	if err := decodeJSON(content, &raw); err != nil {
		return models.Plan{}, err
	}
	if raw.Steps == nil {
		return models.Plan{}, fmt.Errorf("plan is missing steps")
	}

	steps := make([]models.StepType, 0, len(raw.Steps))
	for _, s := range raw.Steps {
		s = strings.ToLower(strings.TrimSpace(s))
		if models.ValidStepType(s) {
			steps = append(steps, models.StepType(s))
		}
		if len(steps) == models.MaxPlanSteps {
			break
		}
	}
	if len(steps) == 0 {
		steps = []models.StepType{models.StepTypeGeneral}
	}

	reasoning := strings.TrimSpace(raw.Reasoning)
	if reasoning == "" {
		reasoning = "planned from request"
	}

	return models.Plan{
		Steps:       steps,
		Reasoning:   reasoning,
		IsMultiStep: len(steps) > 1,
	}, nil
}
