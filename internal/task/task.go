// Package task holds the data a single orchestrated task carries through its
// lifecycle.
package task

import (
	"fmt"
	"math/rand/v2"
	"strconv"
	"strings"
	"time"
)

// ID identifies a task. It is a millisecond timestamp and a random suffix,
// both hex encoded.
type ID string

// NewID returns a fresh task id.
func NewID() ID {
	return newID(time.Now(), rand.IntN(0x10000))
}

func newID(now time.Time, suffix int) ID {
	return ID(fmt.Sprintf("%x-%04x", now.UnixMilli(), suffix&0xffff))
}

// ParseID validates s as a task id.
func ParseID(s string) (ID, error) {
	stamp, suffix, ok := strings.Cut(s, "-")
	if !ok || stamp == "" || len(suffix) != 4 {
		return "", fmt.Errorf("invalid task id %q", s)
	}
	if _, err := strconv.ParseUint(stamp, 16, 64); err != nil {
		return "", fmt.Errorf("invalid task id %q: %w", s, err)
	}
	if _, err := strconv.ParseUint(suffix, 16, 16); err != nil {
		return "", fmt.Errorf("invalid task id %q: %w", s, err)
	}
	return ID(s), nil
}

// CreatedAt returns the time encoded in the id.
func (id ID) CreatedAt() time.Time {
	stamp, _, _ := strings.Cut(string(id), "-")
	ms, err := strconv.ParseInt(stamp, 16, 64)
	if err != nil {
		return time.Time{}
	}
	return time.UnixMilli(ms)
}

func (id ID) String() string { return string(id) }

// AgentStatus is the outcome of one agent step.
type AgentStatus int

const (
	StatusSuccess AgentStatus = iota
	StatusFailure
	StatusNeedsRetry
)

func (s AgentStatus) String() string {
	switch s {
	case StatusSuccess:
		return "success"
	case StatusFailure:
		return "failure"
	case StatusNeedsRetry:
		return "needs_retry"
	default:
		return "unknown"
	}
}

// ToolCall records a tool invocation reported by a worker.
type ToolCall struct {
	Name   string `json:"name"`
	Input  string `json:"input,omitempty"`
	Output string `json:"output,omitempty"`
}

// AgentResult is what one agent step produced.
type AgentResult struct {
	Status    AgentStatus `json:"status"`
	Output    string      `json:"output"`
	ToolCalls []ToolCall  `json:"tool_calls,omitempty"`
}

// Success builds a successful result.
func Success(output string) AgentResult {
	return AgentResult{Status: StatusSuccess, Output: output}
}

// Failure builds a failed result.
func Failure(output string) AgentResult {
	return AgentResult{Status: StatusFailure, Output: output}
}

// AgentInvocation is the immutable history record of a completed step.
type AgentInvocation struct {
	Role        string      `json:"role"`
	DisplayName string      `json:"display_name"`
	Result      AgentResult `json:"result"`
}

// Label is "role" or "role (display)" when the display name differs.
func (inv AgentInvocation) Label() string {
	if inv.DisplayName == "" || inv.DisplayName == inv.Role {
		return inv.Role
	}
	return fmt.Sprintf("%s (%s)", inv.Role, inv.DisplayName)
}

// DefaultMaxFailures bounds agent failures per task.
const DefaultMaxFailures = 3

// Context is the mutable state of the task in flight.
type Context struct {
	ID           ID
	Request      string
	History      []AgentInvocation
	FailureCount int
	MaxFailures  int
}

// NewContext starts a task context. A non-positive maxFailures selects the
// default.
func NewContext(id ID, request string, maxFailures int) *Context {
	if maxFailures <= 0 {
		maxFailures = DefaultMaxFailures
	}
	return &Context{ID: id, Request: request, MaxFailures: maxFailures}
}

// Record appends a completed invocation.
func (c *Context) Record(inv AgentInvocation) {
	c.History = append(c.History, inv)
}

// RecordFailure counts a failed step, never beyond MaxFailures.
func (c *Context) RecordFailure() {
	if c.FailureCount < c.MaxFailures {
		c.FailureCount++
	}
}

// MaxFailuresReached reports whether the task must stop.
func (c *Context) MaxFailuresReached() bool {
	return c.FailureCount >= c.MaxFailures
}

// LastInvocation returns the most recent history entry.
func (c *Context) LastInvocation() (AgentInvocation, bool) {
	if len(c.History) == 0 {
		return AgentInvocation{}, false
	}
	return c.History[len(c.History)-1], true
}
