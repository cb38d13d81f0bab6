package server

import (
	"time"

	"maestro/internal/driver"
)

// APIResponse is the envelope of every JSON response.
type APIResponse struct {
	Success bool   `json:"success"`
	Data    any    `json:"data,omitempty"`
	Error   string `json:"error,omitempty"`
}

// TaskRequest starts a task.
type TaskRequest struct {
	Task string `json:"task"`
}

// AgentInfo describes a configured role.
type AgentInfo struct {
	Key        string `json:"key"`
	Name       string `json:"name"`
	WhenToUse  string `json:"when_to_use,omitempty"`
	HasCommand bool   `json:"has_command"`
	IsArbiter  bool   `json:"is_arbiter,omitempty"`
}

// HealthResponse is served on /healthz.
type HealthResponse struct {
	Status    string    `json:"status"`
	Busy      bool      `json:"busy"`
	Timestamp time.Time `json:"timestamp"`
	Uptime    string    `json:"uptime"`
}

// StreamMessage is one WebSocket frame of a task stream.
type StreamMessage struct {
	StreamID string           `json:"stream_id"`
	Progress *driver.Progress `json:"progress,omitempty"`
	Error    string           `json:"error,omitempty"`
}
