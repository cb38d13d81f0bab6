package driver

import (
	"time"

	"maestro/internal/task"
)

// ProgressKind names a progress event.
type ProgressKind string

const (
	ProgressTaskStarted    ProgressKind = "task_started"
	ProgressAgentSelected  ProgressKind = "agent_selected"
	ProgressAgentText      ProgressKind = "agent_text"
	ProgressAgentCompleted ProgressKind = "agent_completed"
	ProgressEvaluation     ProgressKind = "evaluation"
	ProgressTaskCompleted  ProgressKind = "task_completed"
	ProgressError          ProgressKind = "error"
)

// Progress is one observable step of a running task. Which fields are set
// depends on Kind.
type Progress struct {
	Kind   ProgressKind `json:"kind"`
	TaskID task.ID      `json:"task_id"`
	Time   time.Time    `json:"time"`

	// task_started
	Request string `json:"request,omitempty"`

	// agent_selected, agent_completed
	Role        string `json:"role,omitempty"`
	DisplayName string `json:"display_name,omitempty"`
	// agent_completed
	Status string `json:"status,omitempty"`
	// agent_selected, evaluation
	Reasoning string `json:"reasoning,omitempty"`
	// evaluation: "complete", "retry" or "continue with <role>"
	Decision string `json:"decision,omitempty"`
	// agent_text
	Text string `json:"text,omitempty"`
	// task_completed
	Success bool `json:"success"`
	// error
	Message string `json:"message,omitempty"`
}

// Sink receives progress in emission order.
type Sink func(Progress)

// Terminal reports whether p is the last event of its task.
func (p Progress) Terminal() bool {
	return p.Kind == ProgressTaskCompleted
}
