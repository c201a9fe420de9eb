package config

import (
	"time"
)

// Config is the fully resolved controller configuration.
type Config struct {
	Global   Global
	Server   Server
	Database Database
	Master   Master
	Cache    Cache
	Context  Context
	LLM      LLM
	Workers  Workers
	Queue    Queue

	// Warnings collected while resolving the configuration.
	Warnings []string
}

// Global holds process-wide settings.
type Global struct {
	Debug      bool
	LogFormat  string
	TZ         string
	ConfigPath string
}

// Server holds the HTTP listener settings.
type Server struct {
	Host string
	Port int
}

// Database selects the persistent store. An empty DSN runs the controller
// on the in-memory store (single-node development mode).
type Database struct {
	DSN string
}

// Master configures leader election across controller replicas.
type Master struct {
	ID                string
	HeartbeatInterval time.Duration
	Timeout           time.Duration
	FailoverEnabled   bool
}

// Cache configures the response cache.
type Cache struct {
	TTL           time.Duration
	MaxEntries    int
	Backend       string // "memory" or "redis"
	RedisAddr     string
	RedisPassword string
	RedisDB       int
}

// Context configures the context selector.
type Context struct {
	Enabled           bool
	MaxMessages       int
	ReferenceKeywords []string
}

// LLM configures the oracle and built-in fallback model.
type LLM struct {
	Provider   string
	BaseURL    string
	APIKey     string
	Model      string
	Timeout    time.Duration
	MaxRetries int
}

// Workers configures worker selection and supervision.
type Workers struct {
	Freshness       time.Duration
	CPUThreshold    float64
	MemoryThreshold float64
	MaxRetries      int
	StepTimeout     time.Duration
	SweepInterval   time.Duration
}

// Queue configures the in-memory task queue.
type Queue struct {
	MaxSize int
}

// DefaultReferenceKeywords are the tokens whose presence suggests a
// message refers back to an earlier turn.
var DefaultReferenceKeywords = []string{
	"it", "that", "this", "them", "those", "previous", "above", "earlier",
	"before", "mentioned", "said", "continue", "also", "and", "what about",
	"how about", "the code", "the file", "the function", "explain",
	"elaborate", "more", "again",
}
