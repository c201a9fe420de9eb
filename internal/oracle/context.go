package oracle

import (
	"context"
	"fmt"
	"strings"
	"unicode"

	"github.com/maestrohq/maestro/internal/config"
	"github.com/maestrohq/maestro/internal/llm"
	"github.com/maestrohq/maestro/internal/logger"
	"github.com/maestrohq/maestro/internal/logger/tag"
	"github.com/maestrohq/maestro/internal/models"
)

const (
	// shortMessageWords is the length under which a keywordless message
	// still gets a semantic check ("continue", "more detail").
	shortMessageWords = 5

	// detectHistoryTurns and detectTruncate bound the history shown to
	// the detection prompt.
	detectHistoryTurns = 3
	detectTruncate     = 150

	// narrowHistoryTurns and narrowTruncate bound the history shown to
	// the narrowing prompt.
	narrowHistoryTurns = 10
	narrowTruncate     = 200

	// maxRelevantMessages caps how many turns narrowing may select.
	maxRelevantMessages = 5

	detectMaxTokens   = 300
	detectTemperature = 0.3
	narrowMaxTokens   = 800
	narrowTemperature = 0.2
)

const detectionPrompt = `Determine if this message refers to the previous conversation.

Previous Conversation (most recent turns):
%s

Current User Message: %q

Messages that NEED context (refer to previous):
- "Add error handling to that function"
- "Can you explain it better?"
- "Continue from where you left off"
- "Make it faster"
- Uses pronouns: "it", "that", "this", "those", "them"

Messages that DON'T NEED context (standalone):
- "Write a Python function to sort a list"
- "Create documentation for user authentication"
- "What is machine learning?"

Respond in EXACTLY this format:
NEEDS_CONTEXT: YES or NO
REASON: <one sentence explaining your decision>`

const narrowingPrompt = `Decide which previous messages are needed to understand the current message.

CURRENT MESSAGE: %q

CONVERSATION HISTORY:%s

Include only messages that directly help understand the current request: what "it", "this", or "that" refer to, or prior work being built on. Maximum 5 messages. Skip greetings, thanks, and unrelated chatter.

Respond with JSON:
{"is_continuation": true/false, "relevant_message_indices": [0, 1], "context_summary": "what context is needed and why", "reasoning": "how you decided"}`

// ContextSelector is the hybrid context decision: a keyword scan first,
// then a semantic confirmation when keywords hit or the message is too
// short to judge, then an optional narrowing pass that keeps only the
// turns the worker needs. Without a provider the keyword verdict stands.
type ContextSelector struct {
	provider llm.Provider
	model    string
	keywords []string
}

var _ ContextOracle = (*ContextSelector)(nil)

// NewContextSelector returns a selector using the given reference
// keywords, falling back to the default set when none are configured.
func NewContextSelector(provider llm.Provider, model string, keywords []string) *ContextSelector {
	if len(keywords) == 0 {
		keywords = config.DefaultReferenceKeywords
	}
	return &ContextSelector{provider: provider, model: model, keywords: keywords}
}

// Select decides whether the request depends on earlier turns and picks
// the history slice to carry. History arrives oldest first.
func (s *ContextSelector) Select(ctx context.Context, req ContextRequest) models.ContextSlice {
	if len(req.History) == 0 {
		return models.ContextSlice{
			Reason: "no previous conversation",
			Kind:   models.ContextKindSingle,
		}
	}

	found := s.matchKeywords(req.Message)
	short := len(strings.Fields(req.Message)) < shortMessageWords

	if len(found) == 0 && !short {
		return models.ContextSlice{
			Reason: "no reference keywords and message is substantial",
			Kind:   models.ContextKindSingle,
		}
	}

	if s.provider == nil {
		if len(found) == 0 {
			return models.ContextSlice{
				Reason: "short message but no reference keywords",
				Kind:   models.ContextKindSingle,
			}
		}
		// Keywords found and nothing to second-guess them with.
		return s.contextual(ctx, req, "reference keywords: "+strings.Join(found, ", "), nil)
	}

	needs, reason, err := s.confirm(ctx, req)
	if err != nil {
		logger.Warn(ctx, "Context detection call failed, using keyword verdict", tag.Error(err))
		if len(found) == 0 {
			return models.ContextSlice{
				Reason: "keyword verdict after detection failure",
				Kind:   models.ContextKindSingle,
			}
		}
		return s.contextual(ctx, req, "reference keywords: "+strings.Join(found, ", "), nil)
	}

	prefix := "model confirmed: "
	if len(found) == 0 {
		prefix = "short message check: "
	}
	if !needs {
		return models.ContextSlice{
			Reason: prefix + reason,
			Kind:   models.ContextKindSingle,
		}
	}

	messages, summary := s.narrow(ctx, req)
	return s.contextual(ctx, req, prefix+reason, &narrowed{messages: messages, summary: summary})
}

type narrowed struct {
	messages []models.Message
	summary  string
}

// contextual assembles a needs-context slice, defaulting to the full
// history window when narrowing produced nothing.
func (s *ContextSelector) contextual(ctx context.Context, req ContextRequest, reason string, n *narrowed) models.ContextSlice {
	slice := models.ContextSlice{
		NeedsContext: true,
		Reason:       reason,
		Messages:     req.History,
		Kind:         models.ContextKindContextual,
	}
	if n != nil {
		if len(n.messages) > 0 {
			slice.Messages = n.messages
		}
		slice.Summary = n.summary
	}
	logger.Info(ctx, "Context attached from previous turns",
		tag.Count(len(slice.Messages)),
		tag.Reason(reason))
	return slice
}

func (s *ContextSelector) matchKeywords(message string) []string {
	lower := strings.ToLower(message)
	words := messageWords(lower)
	var found []string
	for _, kw := range s.keywords {
		hit := false
		if strings.Contains(kw, " ") {
			hit = strings.Contains(lower, kw)
		} else {
			_, hit = words[kw]
		}
		if hit {
			found = append(found, kw)
			if len(found) == 3 {
				break
			}
		}
	}
	return found
}

// messageWords splits a lowered message into its word set. Single-word
// keywords match whole words only, so "it" does not fire inside "write".
func messageWords(lower string) map[string]struct{} {
	set := make(map[string]struct{}, 16)
	for _, w := range strings.FieldsFunc(lower, func(r rune) bool {
		return !unicode.IsLetter(r) && !unicode.IsDigit(r)
	}) {
		set[w] = struct{}{}
	}
	return set
}

// confirm asks the model for a NEEDS_CONTEXT verdict over the most
// recent turns.
func (s *ContextSelector) confirm(ctx context.Context, req ContextRequest) (bool, string, error) {
	prompt := fmt.Sprintf(detectionPrompt, formatDetectionHistory(req.History), req.Message)
	resp, err := s.provider.Chat(ctx, llm.NewChatRequest(
		s.model,
		[]llm.Message{{Role: llm.RoleUser, Content: prompt}},
		llm.WithTemperature(detectTemperature),
		llm.WithMaxTokens(detectMaxTokens),
	))
	if err != nil {
		return false, "", err
	}
	needs, reason := parseDetection(resp.Content)
	return needs, reason, nil
}

// narrow asks the model which turns matter. Any failure falls back to
// the full window.
func (s *ContextSelector) narrow(ctx context.Context, req ContextRequest) ([]models.Message, string) {
	window := req.History
	if len(window) > narrowHistoryTurns {
		window = window[len(window)-narrowHistoryTurns:]
	}

	prompt := fmt.Sprintf(narrowingPrompt, req.Message, formatNarrowHistory(window))
	resp, err := s.provider.Chat(ctx, llm.NewChatRequest(
		s.model,
		[]llm.Message{{Role: llm.RoleUser, Content: prompt}},
		llm.WithTemperature(narrowTemperature),
		llm.WithMaxTokens(narrowMaxTokens),
		llm.WithJSONResponse(),
	))
	if err != nil {
		logger.Warn(ctx, "Context narrowing call failed, keeping full window", tag.Error(err))
		return nil, ""
	}

	var raw struct {
		IsContinuation bool   `json:"is_continuation"`
		Indices        []int  `json:"relevant_message_indices"`
		Summary        string `json:"context_summary"`
		Reasoning      string `json:"reasoning"`
	}
	if err := decodeJSON(resp.Content, &raw); err != nil {
		logger.Warn(ctx, "Context narrowing returned invalid output, keeping full window", tag.Error(err))
		return nil, ""
	}

	var picked []models.Message
	for _, idx := range raw.Indices {
		if idx < 0 || idx >= len(window) {
			continue
		}
		picked = append(picked, window[idx])
		if len(picked) == maxRelevantMessages {
			break
		}
	}
	return picked, strings.TrimSpace(raw.Summary)
}

// parseDetection reads the NEEDS_CONTEXT / REASON reply format.
func parseDetection(content string) (bool, string) {
	needs := false
	reason := "model analysis"
	for _, line := range strings.Split(content, "\n") {
		line = strings.TrimSpace(line)
		switch {
		case strings.HasPrefix(line, "NEEDS_CONTEXT:"):
			answer := strings.ToUpper(strings.TrimSpace(strings.TrimPrefix(line, "NEEDS_CONTEXT:")))
			needs = strings.Contains(answer, "YES")
		case strings.HasPrefix(line, "REASON:"):
			reason = strings.TrimSpace(strings.TrimPrefix(line, "REASON:"))
		}
	}
	return needs, reason
}

// formatDetectionHistory renders the last few turns, truncated, for the
// detection prompt.
func formatDetectionHistory(history []models.Message) string {
	if len(history) == 0 {
		return "No previous conversation"
	}
	recent := history
	if len(recent) > detectHistoryTurns {
		recent = recent[len(recent)-detectHistoryTurns:]
	}
	var b strings.Builder
	for i, msg := range recent {
		fmt.Fprintf(&b, "%d. %s: %s\n", i+1, displayRole(msg.Role), truncate(msg.Content, detectTruncate))
	}
	return strings.TrimRight(b.String(), "\n")
}

// formatNarrowHistory renders the window with zero-based indices the
// model answers with.
func formatNarrowHistory(window []models.Message) string {
	var b strings.Builder
	for i, msg := range window {
		fmt.Fprintf(&b, "\n[%d] %s: %s", i, strings.ToUpper(string(msg.Role)), truncate(msg.Content, narrowTruncate))
	}
	return b.String()
}

// ComposePrompt builds the worker prompt, prepending the selected turns
// before the current request.
func ComposePrompt(message string, history []models.Message) string {
	if len(history) == 0 {
		return message
	}
	var b strings.Builder
	b.WriteString("=== Previous Conversation ===\n")
	for _, msg := range history {
		b.WriteString(displayRole(msg.Role))
		b.WriteString(": ")
		b.WriteString(msg.Content)
		b.WriteString("\n\n")
	}
	b.WriteString("=== Current Request ===\nUser: ")
	b.WriteString(message)
	b.WriteString("\n\nInstructions: Please respond to the current request above, taking into account the previous conversation context. Maintain consistency with earlier responses and reference them when relevant.")
	return b.String()
}

// displayRole renders a role name for prompts ("User", "Assistant").
func displayRole(r models.Role) string {
	s := string(r)
	if s == "" {
		return "Unknown"
	}
	return strings.ToUpper(s[:1]) + s[1:]
}
