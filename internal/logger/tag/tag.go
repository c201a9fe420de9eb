// Package tag provides standardized tag functions for structured logging.
//
// All tag keys use kebab-case naming convention for consistency.
// Use these functions instead of raw strings to ensure consistent
// and type-safe log output across the codebase.
package tag

import (
	"log/slog"
	"time"
)

// Core identification tags

func String(key, value string) slog.Attr {
	return slog.String(key, value)
}

// Error creates a tag for error objects.
func Error(err any) slog.Attr {
	return slog.Any("err", err)
}

// Worker creates a tag for worker names.
func Worker(name string) slog.Attr {
	return slog.String("worker", name)
}

// Capability creates a tag for worker capability names.
func Capability(c string) slog.Attr {
	return slog.String("capability", c)
}

// Task creates a tag for task ids.
func Task(id int64) slog.Attr {
	return slog.Int64("task-id", id)
}

// TaskType creates a tag for task type names.
func TaskType(t string) slog.Attr {
	return slog.String("task-type", t)
}

// Step creates a tag for step positions within a plan.
func Step(n int) slog.Attr {
	return slog.Int("step", n)
}

// Steps creates a tag for a plan's step kinds.
func Steps(kinds []string) slog.Attr {
	return slog.Any("steps", kinds)
}

// Attempt creates a tag for dispatch attempt numbers.
func Attempt(n int) slog.Attr {
	return slog.Int("attempt", n)
}

// Conversation creates a tag for conversation ids.
func Conversation(id string) slog.Attr {
	return slog.String("conversation-id", id)
}

// RequestID creates a tag for API request ids.
func RequestID(id string) slog.Attr {
	return slog.String("request-id", id)
}

// Master creates a tag for controller replica ids.
func Master(id string) slog.Attr {
	return slog.String("master-id", id)
}

// Execution context tags

// Status creates a tag for status values.
func Status(status string) slog.Attr {
	return slog.String("status", status)
}

// Health creates a tag for worker health classes.
func Health(h string) slog.Attr {
	return slog.String("health", h)
}

// Trend creates a tag for performance trend values.
func Trend(t string) slog.Attr {
	return slog.String("trend", t)
}

// Score creates a tag for routing scores.
func Score(s float64) slog.Attr {
	return slog.Float64("score", s)
}

// Quality creates a tag for validated answer quality.
func Quality(q float64) slog.Attr {
	return slog.Float64("quality", q)
}

// Priority creates a tag for queue priorities.
func Priority(p int) slog.Attr {
	return slog.Int("priority", p)
}

// Reason creates a tag for human-readable decision reasons.
func Reason(r string) slog.Attr {
	return slog.String("reason", r)
}

// Count creates a tag for generic counts.
func Count(n int) slog.Attr {
	return slog.Int("count", n)
}

// Elapsed creates a tag for elapsed durations.
func Elapsed(d time.Duration) slog.Attr {
	return slog.Duration("elapsed", d)
}

// Timeout creates a tag for timeout duration values.
func Timeout(d time.Duration) slog.Attr {
	return slog.Duration("timeout", d)
}

// Interval creates a tag for loop interval durations.
func Interval(d time.Duration) slog.Attr {
	return slog.Duration("interval", d)
}

// Age creates a tag for heartbeat or entry ages.
func Age(d time.Duration) slog.Attr {
	return slog.Duration("age", d)
}

// Network tags

// Addr creates a tag for network addresses.
func Addr(addr string) slog.Attr {
	return slog.String("addr", addr)
}

// Port creates a tag for port numbers.
func Port(port int) slog.Attr {
	return slog.Int("port", port)
}

// URL creates a tag for request URLs.
func URL(u string) slog.Attr {
	return slog.String("url", u)
}

// Cache tags

// CacheKey creates a tag for response cache keys.
func CacheKey(k string) slog.Attr {
	return slog.String("cache-key", k)
}
