package llm

import "time"

// Option is a functional option for configuring an LLM provider.
type Option func(*Config)

// WithAPIKey sets the API key for the provider.
func WithAPIKey(apiKey string) Option {
	return func(c *Config) {
		c.APIKey = apiKey
	}
}

// WithBaseURL sets the base URL for the provider.
func WithBaseURL(baseURL string) Option {
	return func(c *Config) {
		c.BaseURL = baseURL
	}
}

// WithModel sets the default model requested from the provider.
func WithModel(model string) Option {
	return func(c *Config) {
		c.Model = model
	}
}

// WithTimeout sets the request timeout.
func WithTimeout(timeout time.Duration) Option {
	return func(c *Config) {
		c.Timeout = timeout
	}
}

// WithMaxRetries sets the maximum number of retry attempts.
func WithMaxRetries(maxRetries int) Option {
	return func(c *Config) {
		c.MaxRetries = maxRetries
	}
}

// WithBackoff sets the backoff configuration for retries.
func WithBackoff(initial, max time.Duration, multiplier float64) Option {
	return func(c *Config) {
		c.InitialInterval = initial
		c.MaxInterval = max
		c.Multiplier = multiplier
	}
}

// NewConfig creates a new Config with the given options applied.
func NewConfig(opts ...Option) Config {
	cfg := DefaultConfig()
	for _, opt := range opts {
		opt(&cfg)
	}
	return cfg
}

// RequestOption is a functional option for configuring a ChatRequest.
type RequestOption func(*ChatRequest)

// WithTemperature sets the temperature for the request.
func WithTemperature(temp float64) RequestOption {
	return func(r *ChatRequest) {
		r.Temperature = &temp
	}
}

// WithMaxTokens sets the maximum tokens for the request.
func WithMaxTokens(tokens int) RequestOption {
	return func(r *ChatRequest) {
		r.MaxTokens = &tokens
	}
}

// WithJSONResponse asks the provider for a single JSON object reply.
func WithJSONResponse() RequestOption {
	return func(r *ChatRequest) {
		r.JSONResponse = true
	}
}

// NewChatRequest creates a new ChatRequest with the given model, messages, and options.
func NewChatRequest(model string, messages []Message, opts ...RequestOption) *ChatRequest {
	req := &ChatRequest{
		Model:    model,
		Messages: messages,
	}
	for _, opt := range opts {
		opt(req)
	}
	return req
}
