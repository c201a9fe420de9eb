// Package local provides an LLM provider implementation for local
// OpenAI-compatible servers (Ollama, vLLM, llama.cpp server, LocalAI).
package local

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/maestrohq/maestro/internal/llm"
)

const (
	providerName        = "local"
	defaultChatEndpoint = "/chat/completions"
)

func init() {
	llm.RegisterProvider(llm.ProviderLocal, New)
}

// Provider implements the llm.Provider interface for local OpenAI-compatible servers.
type Provider struct {
	config     llm.Config
	httpClient *llm.HTTPClient
}

// New creates a new local provider. Local providers don't require an API key.
func New(cfg llm.Config) (llm.Provider, error) {
	if cfg.BaseURL == "" {
		cfg.BaseURL = llm.DefaultBaseURL(llm.ProviderLocal)
	}

	return &Provider{
		config:     cfg,
		httpClient: llm.NewHTTPClient(cfg),
	}, nil
}

// Name returns the provider name.
func (p *Provider) Name() string {
	return providerName
}

// Chat sends messages and returns the complete response.
func (p *Provider) Chat(ctx context.Context, req *llm.ChatRequest) (*llm.ChatResponse, error) {
	body, err := p.buildRequestBody(req)
	if err != nil {
		return nil, err
	}

	respBody, err := p.httpClient.Do(ctx, p.config.BaseURL+defaultChatEndpoint, body, p.authHeaders())
	if err != nil {
		return nil, err
	}
	defer func() { _ = respBody.Close() }()

	var resp chatCompletionResponse
	if err := json.NewDecoder(respBody).Decode(&resp); err != nil {
		return nil, llm.WrapError(providerName, fmt.Errorf("failed to decode response: %w", err))
	}

	if len(resp.Choices) == 0 {
		return nil, llm.WrapError(providerName, fmt.Errorf("no choices in response"))
	}

	return &llm.ChatResponse{
		Content:      resp.Choices[0].Message.Content,
		FinishReason: resp.Choices[0].FinishReason,
		Usage: llm.Usage{
			PromptTokens:     resp.Usage.PromptTokens,
			CompletionTokens: resp.Usage.CompletionTokens,
			TotalTokens:      resp.Usage.TotalTokens,
		},
	}, nil
}

func (p *Provider) buildRequestBody(req *llm.ChatRequest) ([]byte, error) {
	messages := make([]message, len(req.Messages))
	for i, m := range req.Messages {
		messages[i] = message{
			Role:    string(m.Role),
			Content: m.Content,
		}
	}

	chatReq := chatCompletionRequest{
		Model:    req.Model,
		Messages: messages,
	}
	if chatReq.Model == "" {
		chatReq.Model = p.config.Model
	}
	if req.Temperature != nil {
		chatReq.Temperature = req.Temperature
	}
	if req.MaxTokens != nil {
		chatReq.MaxTokens = req.MaxTokens
	}
	if req.JSONResponse {
		chatReq.ResponseFormat = &responseFormat{Type: "json_object"}
	}

	return json.Marshal(chatReq)
}

func (p *Provider) authHeaders() map[string]string {
	// Only set Authorization header if an API key is provided.
	if p.config.APIKey != "" {
		return map[string]string{
			"Authorization": "Bearer " + p.config.APIKey,
		}
	}
	return nil
}

// API request/response types (OpenAI-compatible)

type message struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

type chatCompletionRequest struct {
	Model          string          `json:"model"`
	Messages       []message       `json:"messages"`
	Temperature    *float64        `json:"temperature,omitempty"`
	MaxTokens      *int            `json:"max_tokens,omitempty"`
	ResponseFormat *responseFormat `json:"response_format,omitempty"`
}

type responseFormat struct {
	Type string `json:"type"`
}

type chatCompletionResponse struct {
	ID      string `json:"id"`
	Object  string `json:"object"`
	Created int64  `json:"created"`
	Model   string `json:"model"`
	Choices []struct {
		Index        int     `json:"index"`
		Message      message `json:"message"`
		FinishReason string  `json:"finish_reason"`
	} `json:"choices"`
	Usage struct {
		PromptTokens     int `json:"prompt_tokens"`
		CompletionTokens int `json:"completion_tokens"`
		TotalTokens      int `json:"total_tokens"`
	} `json:"usage"`
}
