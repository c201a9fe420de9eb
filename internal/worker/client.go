// Package worker is the controller-side client for its worker fleet.
// Workers are plain HTTP JSON services: the controller dispatches plan
// steps to a worker's /execute endpoint and probes /health on demand.
package worker

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/go-resty/resty/v2"

	"github.com/maestrohq/maestro/internal/build"
	"github.com/maestrohq/maestro/internal/models"
)

const (
	executePath = "/execute"
	healthPath  = "/health"

	// defaultTimeout is the client-level backstop; the router sets the
	// real per-step deadline on the request context.
	defaultTimeout = 10 * time.Minute
)

// ExecuteRequest is the payload dispatched to a worker.
type ExecuteRequest struct {
	TaskID   int64  `json:"task_id"`
	TaskDesc string `json:"task_desc"`
	TaskType string `json:"task_type"`
	Context  string `json:"context,omitempty"`
}

// ExecuteResponse is a worker's reply. Success false means the worker
// ran but could not produce an answer (a semantic failure, distinct from
// a transport error).
type ExecuteResponse struct {
	Success       bool     `json:"success"`
	Output        string   `json:"output"`
	ExecutionTime float64  `json:"execution_time"`
	Quality       *float64 `json:"quality,omitempty"`
	Tokens        int      `json:"tokens,omitempty"`
	Cost          float64  `json:"cost,omitempty"`
}

// HealthReply is a worker's self-reported status and hardware load.
type HealthReply struct {
	Status      models.WorkerStatus `json:"status"`
	CPU         float64             `json:"cpu"`
	Memory      float64             `json:"memory"`
	Temperature float64             `json:"temperature"`
}

// Dispatcher is the router's view of the fleet. Implemented by Client;
// tests substitute fakes.
type Dispatcher interface {
	Execute(ctx context.Context, addr string, req ExecuteRequest) (*ExecuteResponse, error)
	Health(ctx context.Context, addr string) (*HealthReply, error)
}

// StatusError is a non-2xx reply from a worker endpoint.
type StatusError struct {
	Addr       string
	StatusCode int
	Body       string
}

// Error implements the error interface.
func (e *StatusError) Error() string {
	return fmt.Sprintf("worker %s: status %d: %s", e.Addr, e.StatusCode, e.Body)
}

// Client dispatches to workers over HTTP.
type Client struct {
	client *resty.Client
}

var _ Dispatcher = (*Client)(nil)

// Option configures the client.
type Option func(*Client)

// WithTimeout overrides the client-level timeout backstop.
func WithTimeout(d time.Duration) Option {
	return func(c *Client) {
		c.client.SetTimeout(d)
	}
}

// New creates a worker client.
func New(opts ...Option) *Client {
	c := &Client{
		client: resty.New().
			SetTimeout(defaultTimeout).
			SetHeader("User-Agent", build.Slug+"-controller/"+build.Version),
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// Execute dispatches one step to the worker at addr and waits for its
// reply. The context deadline is the per-step timeout.
func (c *Client) Execute(ctx context.Context, addr string, req ExecuteRequest) (*ExecuteResponse, error) {
	var out ExecuteResponse
	resp, err := c.client.R().
		SetContext(ctx).
		SetBody(req).
		SetResult(&out).
		Post(baseURL(addr) + executePath)
	if err != nil {
		return nil, fmt.Errorf("worker %s: %w", addr, err)
	}
	if resp.IsError() {
		return nil, &StatusError{Addr: addr, StatusCode: resp.StatusCode(), Body: string(resp.Body())}
	}
	return &out, nil
}

// Health probes the worker's /health endpoint.
func (c *Client) Health(ctx context.Context, addr string) (*HealthReply, error) {
	var out HealthReply
	resp, err := c.client.R().
		SetContext(ctx).
		SetResult(&out).
		Get(baseURL(addr) + healthPath)
	if err != nil {
		return nil, fmt.Errorf("worker %s: %w", addr, err)
	}
	if resp.IsError() {
		return nil, &StatusError{Addr: addr, StatusCode: resp.StatusCode(), Body: string(resp.Body())}
	}
	return &out, nil
}

func baseURL(addr string) string {
	if strings.Contains(addr, "://") {
		return strings.TrimRight(addr, "/")
	}
	return "http://" + addr
}
