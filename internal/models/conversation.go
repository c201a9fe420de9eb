package models

import "time"

// Role identifies who authored a conversation message.
type Role string

const (
	RoleUser      Role = "user"
	RoleAssistant Role = "assistant"
)

// Message is one turn in a conversation.
type Message struct {
	Role      Role      `json:"role"`
	Content   string    `json:"content"`
	CreatedAt time.Time `json:"created_at"`
}

// ContextKind tags how a task relates to its conversation.
type ContextKind string

const (
	ContextKindSingle     ContextKind = "single"
	ContextKindMultiStep  ContextKind = "multi_step"
	ContextKindContextual ContextKind = "contextual"
)

// ContextSlice is the selector's decision for one request: whether prior
// turns are needed and, if so, the minimal message subset to carry.
type ContextSlice struct {
	NeedsContext bool        `json:"needs_context"`
	Reason       string      `json:"reason"`
	Messages     []Message   `json:"messages,omitempty"`
	Summary      string      `json:"summary,omitempty"`
	Kind         ContextKind `json:"kind"`
}
