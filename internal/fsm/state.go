// Package fsm models the lifecycle of one orchestrated task as a pure
// reducer over events.
package fsm

import (
	"fmt"

	"maestro/internal/task"
)

// StateKind enumerates the machine's states.
type StateKind int

const (
	KindIdle StateKind = iota
	KindSelecting
	KindExecuting
	KindEvaluating
)

func (k StateKind) String() string {
	switch k {
	case KindIdle:
		return "idle"
	case KindSelecting:
		return "selecting"
	case KindExecuting:
		return "executing"
	case KindEvaluating:
		return "evaluating"
	default:
		return "unknown"
	}
}

// State is the current machine state. Role is set only when Kind is
// KindExecuting.
type State struct {
	Kind StateKind
	Role string
}

func Idle() State                 { return State{Kind: KindIdle} }
func Selecting() State            { return State{Kind: KindSelecting} }
func Executing(role string) State { return State{Kind: KindExecuting, Role: role} }
func Evaluating() State           { return State{Kind: KindEvaluating} }

func (s State) String() string {
	if s.Kind == KindExecuting {
		return fmt.Sprintf("executing(%s)", s.Role)
	}
	return s.Kind.String()
}

// Event drives a transition.
type Event interface {
	eventName() string
}

type TaskReceived struct {
	TaskID  task.ID
	Request string
}

type AgentSelected struct {
	Role string
}

type AgentComplete struct {
	Result task.AgentResult
}

type AgentFailed struct {
	Err error
}

type TaskComplete struct{}

type ContinueTask struct{}

type Cancel struct{}

func (TaskReceived) eventName() string  { return "task_received" }
func (AgentSelected) eventName() string { return "agent_selected" }
func (AgentComplete) eventName() string { return "agent_complete" }
func (AgentFailed) eventName() string   { return "agent_failed" }
func (TaskComplete) eventName() string  { return "task_complete" }
func (ContinueTask) eventName() string  { return "continue_task" }
func (Cancel) eventName() string        { return "cancel" }

// EventName returns a stable label for ev.
func EventName(ev Event) string {
	if ev == nil {
		return "nil"
	}
	return ev.eventName()
}

// Effect reports what a transition did to the task context.
type Effect int

const (
	// EffectIgnored marks an event with no transition from the current state.
	EffectIgnored Effect = iota
	EffectTaskCreated
	EffectInvocationRecorded
	EffectFailureRecorded
	// EffectFailureLimit marks the failure that exhausted the task's budget.
	EffectFailureLimit
	EffectTaskCleared
)

func (e Effect) String() string {
	switch e {
	case EffectIgnored:
		return "ignored"
	case EffectTaskCreated:
		return "task_created"
	case EffectInvocationRecorded:
		return "invocation_recorded"
	case EffectFailureRecorded:
		return "failure_recorded"
	case EffectFailureLimit:
		return "failure_limit"
	case EffectTaskCleared:
		return "task_cleared"
	default:
		return "unknown"
	}
}
