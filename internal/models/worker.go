package models

import (
	"fmt"
	"time"
)

// Capability represents the kind of work a worker declares it can do.
type Capability string

const (
	CapabilityCoding          Capability = "coding"
	CapabilityDocumentation   Capability = "documentation"
	CapabilityAnalysis        Capability = "analysis"
	CapabilityImageGeneration Capability = "image_generation"
	CapabilityGeneral         Capability = "general"
)

// ParseCapability parses a capability name. Unknown names map to general
// so that a worker with a novel capability can still register and serve
// untyped work.
func ParseCapability(s string) Capability {
	switch Capability(s) {
	case CapabilityCoding, CapabilityDocumentation, CapabilityAnalysis,
		CapabilityImageGeneration, CapabilityGeneral:
		return Capability(s)
	default:
		return CapabilityGeneral
	}
}

// WorkerStatus is the worker-reported availability state.
type WorkerStatus string

const (
	WorkerStatusIdle   WorkerStatus = "idle"
	WorkerStatusBusy   WorkerStatus = "busy"
	WorkerStatusFailed WorkerStatus = "failed"
)

// Hardware carries the telemetry a worker reports with each heartbeat.
type Hardware struct {
	CPUPercent    float64 `json:"cpu_percent"`
	MemoryPercent float64 `json:"memory_percent"`
	Temperature   float64 `json:"temperature"`
}

// Worker is the registry's view of a single worker process.
type Worker struct {
	Name       string       `json:"name"`
	Host       string       `json:"host"`
	Port       int          `json:"port"`
	Capability Capability   `json:"capability"`
	Status     WorkerStatus `json:"status"`

	LastHeartbeat time.Time `json:"last_heartbeat"`
	Hardware      Hardware  `json:"hardware"`

	TotalTasks       int64   `json:"total_tasks"`
	SuccessfulTasks  int64   `json:"successful_tasks"`
	FailedTasks      int64   `json:"failed_tasks"`
	AvgExecutionTime float64 `json:"avg_execution_time"`
}

// Addr returns the worker's host:port endpoint.
func (w *Worker) Addr() string {
	return fmt.Sprintf("%s:%d", w.Host, w.Port)
}

// HeartbeatAge returns how long ago the worker last reported in.
func (w *Worker) HeartbeatAge(now time.Time) time.Duration {
	if w.LastHeartbeat.IsZero() {
		return time.Duration(1<<63 - 1)
	}
	return now.Sub(w.LastHeartbeat)
}
