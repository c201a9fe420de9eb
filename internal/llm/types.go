// Package llm defines the provider port for the controller's language
// model calls: the planning, context, and validation oracles, and the
// built-in fallback model used when no worker can take a task.
package llm

import (
	"fmt"
	"time"
)

// ProviderType identifies a provider implementation.
type ProviderType string

const (
	// ProviderLocal is any OpenAI-compatible server (Ollama, vLLM,
	// llama.cpp server, LocalAI, ...).
	ProviderLocal ProviderType = "local"
)

// Role identifies the author of a chat message.
type Role string

const (
	RoleSystem    Role = "system"
	RoleUser      Role = "user"
	RoleAssistant Role = "assistant"
)

// Message is a single chat message sent to or received from a model.
type Message struct {
	Role    Role   `json:"role"`
	Content string `json:"content"`
}

// ChatRequest is a provider-independent chat completion request.
type ChatRequest struct {
	Model       string    `json:"model"`
	Messages    []Message `json:"messages"`
	Temperature *float64  `json:"temperature,omitempty"`
	MaxTokens   *int      `json:"max_tokens,omitempty"`
	// JSONResponse asks the model to emit a single JSON object.
	JSONResponse bool `json:"json_response,omitempty"`
}

// ChatResponse is the complete response to a ChatRequest.
type ChatResponse struct {
	Content      string `json:"content"`
	FinishReason string `json:"finish_reason"`
	Usage        Usage  `json:"usage"`
}

// Usage reports token accounting for one call.
type Usage struct {
	PromptTokens     int `json:"prompt_tokens"`
	CompletionTokens int `json:"completion_tokens"`
	TotalTokens      int `json:"total_tokens"`
}

// Config carries provider construction parameters.
type Config struct {
	Provider        ProviderType
	APIKey          string
	BaseURL         string
	Model           string
	Timeout         time.Duration
	MaxRetries      int
	InitialInterval time.Duration
	MaxInterval     time.Duration
	Multiplier      float64
}

// DefaultConfig returns a Config with sane defaults for a local server.
func DefaultConfig() Config {
	return Config{
		Provider:        ProviderLocal,
		Timeout:         120 * time.Second,
		MaxRetries:      2,
		InitialInterval: 500 * time.Millisecond,
		MaxInterval:     10 * time.Second,
		Multiplier:      2.0,
	}
}

// DefaultBaseURL returns the conventional endpoint for a provider type.
func DefaultBaseURL(p ProviderType) string {
	switch p {
	case ProviderLocal:
		return "http://localhost:11434/v1"
	default:
		return ""
	}
}

// APIError is a non-2xx response from a provider endpoint.
type APIError struct {
	Provider   string
	StatusCode int
	Body       string
}

// NewAPIError creates an APIError for the given provider and response.
func NewAPIError(provider string, statusCode int, body string) *APIError {
	return &APIError{Provider: provider, StatusCode: statusCode, Body: body}
}

// Error implements the error interface.
func (e *APIError) Error() string {
	return fmt.Sprintf("%s: status %d: %s", e.Provider, e.StatusCode, e.Body)
}

// WrapError annotates err with the provider name.
func WrapError(provider string, err error) error {
	return fmt.Errorf("%s: %w", provider, err)
}
