package oracle

import (
	"context"
	"fmt"
	"strings"

	"github.com/maestrohq/maestro/internal/llm"
	"github.com/maestrohq/maestro/internal/logger"
	"github.com/maestrohq/maestro/internal/logger/tag"
	"github.com/maestrohq/maestro/internal/models"
)

const (
	validateMaxTokens   = 400
	validateTemperature = 0.2

	// responsePreviewLimit bounds how much of an answer the validation
	// prompt carries.
	responsePreviewLimit = 1000

	// minAnswerLength marks trivially short answers for retry in the
	// heuristic fallback.
	minAnswerLength = 10
)

const validationPrompt = `You are an answer quality validator. Check if this response properly answers the task.

ORIGINAL TASK:
%q

RESPONSE RECEIVED:
%q

EVALUATE:
1. Is it COMPLETE? Does it fully answer the task with nothing missing?
2. Quality score 0-10: 9-10 excellent, 7-8 good, 5-6 acceptable with issues, 3-4 poor, 0-2 failed or useless.
3. Should RETRY? Yes when quality < 6, incomplete, or errors detected.
4. Confidence 0.0-1.0 in this evaluation.

SPECIAL CASES:
- Response says "error", "failed", "cannot": quality 2, retry.
- A greeting answering a greeting: quality 10, complete.
- Code that looks broken: quality 3, retry.
- Under 50 characters for a complex task: quality 4, retry.

Respond ONLY with valid JSON:
{"is_complete": true/false, "quality_score": 0-10, "should_retry": true/false, "reasoning": "brief explanation", "confidence": 0.0-1.0}`

// LLMValidator asks a model to judge an answer against its task. Call or
// parse failures degrade to the deterministic heuristic so a flaky
// validation model never blocks an answer.
type LLMValidator struct {
	provider llm.Provider
	model    string
}

var _ Validator = (*LLMValidator)(nil)

// NewLLMValidator returns a validator backed by the given provider. A
// nil provider validates heuristically.
func NewLLMValidator(provider llm.Provider, model string) *LLMValidator {
	return &LLMValidator{provider: provider, model: model}
}

// Validate judges whether the response answers the task.
func (v *LLMValidator) Validate(ctx context.Context, req ValidateRequest) models.Validation {
	if v.provider == nil {
		return HeuristicValidation(req.Response)
	}

	prompt := fmt.Sprintf(validationPrompt, req.Task, truncate(req.Response, responsePreviewLimit))
	resp, err := v.provider.Chat(ctx, llm.NewChatRequest(
		v.model,
		[]llm.Message{{Role: llm.RoleUser, Content: prompt}},
		llm.WithTemperature(validateTemperature),
		llm.WithMaxTokens(validateMaxTokens),
		llm.WithJSONResponse(),
	))
	if err != nil {
		logger.Warn(ctx, "Validation call failed, using heuristic", tag.Error(err))
		return HeuristicValidation(req.Response)
	}

	validation, err := parseValidation(resp.Content)
	if err != nil {
		logger.Warn(ctx, "Validator returned invalid output, using heuristic", tag.Error(err))
		return HeuristicValidation(req.Response)
	}

	verdict := "accept"
	if validation.ShouldRetry {
		verdict = "retry"
	}
	logger.Info(ctx, "Answer validated",
		tag.Worker(req.Worker),
		tag.Quality(validation.Quality),
		tag.Status(verdict),
		tag.Reason(validation.Reasoning))
	return validation
}

// parseValidation decodes the model's judgment, filling defaults for
// missing fields and clamping ranges.
func parseValidation(content string) (models.Validation, error) {
	var raw struct {
		IsComplete  *bool    `json:"is_complete"`
		Quality     *float64 `json:"quality_score"`
		ShouldRetry *bool    `json:"should_retry"`
		Reasoning   string   `json:"reasoning"`
		Confidence  *float64 `json:"confidence"`
	}
	if err := decodeJSON(content, &raw); err != nil {
		return models.Validation{}, err
	}

	validation := models.Validation{
		IsComplete: true,
		Quality:    7,
		Reasoning:  "validation complete",
		Confidence: 0.8,
	}
	if raw.IsComplete != nil {
		validation.IsComplete = *raw.IsComplete
	}
	if raw.Quality != nil {
		validation.Quality = clamp(*raw.Quality, 0, 10)
	}
	if raw.ShouldRetry != nil {
		validation.ShouldRetry = *raw.ShouldRetry
	}
	if s := strings.TrimSpace(raw.Reasoning); s != "" {
		validation.Reasoning = s
	}
	if raw.Confidence != nil {
		validation.Confidence = clamp(*raw.Confidence, 0, 1)
	}
	return validation, nil
}

// HeuristicValidation is the deterministic fallback: failure phrases in
// the opening of the answer or a trivially short answer recommend a
// retry; anything else is accepted at middling quality.
func HeuristicValidation(response string) models.Validation {
	failed := LooksFailed(response)
	tooShort := len(strings.TrimSpace(response)) < minAnswerLength

	quality := 7.0
	switch {
	case failed:
		quality = 3
	case tooShort:
		quality = 4
	}
	retry := failed || tooShort

	return models.Validation{
		IsComplete:  !retry,
		Quality:     quality,
		ShouldRetry: retry,
		Reasoning:   "heuristic validation",
		Confidence:  0.5,
	}
}

func clamp(v, lo, hi float64) float64 {
	if v < lo {
		return lo
	}
	if v > hi {
		return hi
	}
	return v
}
