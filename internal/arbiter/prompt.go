package arbiter

import (
	"fmt"
	"strings"

	"maestro/internal/registry"
	"maestro/internal/task"
)

const (
	historyOutputLimit = 500
	truncatedMarker    = "...[truncated]"
)

// InitialPrompt is the selection prompt for a task with no history.
func InitialPrompt(reg *registry.Registry, self, request string, maxIterations int) string {
	var b strings.Builder
	fmt.Fprintf(&b, "## Current Task\n%s\n\n", request)
	fmt.Fprintf(&b, "## Available Agents\n%s\n\n", reg.AgentSelectionContext(self))
	b.WriteString("## Execution History\nNo previous executions - this is a new task.\n\n")
	fmt.Fprintf(&b, "## Constraints\n- Iterations: 0/%d\n- This is the initial agent selection\n\n", maxIterations)
	b.WriteString("## Instructions\n")
	b.WriteString("Analyze the task and select the most appropriate agent to start working on it.\n")
	b.WriteString("Respond with: SELECT: agent_name | your reasoning")
	return b.String()
}

// ContextPrompt is the selection prompt once the task has history.
func ContextPrompt(reg *registry.Registry, self string, tc *task.Context, maxIterations int) string {
	var b strings.Builder
	fmt.Fprintf(&b, "## Current Task\n%s\n\n", tc.Request)
	fmt.Fprintf(&b, "## Available Agents\n%s\n\n", reg.AgentSelectionContext(self))
	fmt.Fprintf(&b, "## Execution History\n%s\n\n", FormatHistory(tc.History))
	fmt.Fprintf(&b, "## Constraints\n- Iterations: %d/%d\n- Failures: %d/%d\n\n",
		len(tc.History), maxIterations, tc.FailureCount, tc.MaxFailures)
	b.WriteString("## Instructions\n")
	b.WriteString("Analyze the task and history, then respond with exactly ONE of:\n")
	b.WriteString("- SELECT: agent_name | your reasoning\n")
	b.WriteString("- COMPLETE | your reasoning (if task is done)\n")
	b.WriteString("- RETRY | your reasoning (if last agent failed and should retry differently)")
	return b.String()
}

// FormatHistory renders invocations for the arbiter, long outputs shortened.
func FormatHistory(history []task.AgentInvocation) string {
	if len(history) == 0 {
		return "No previous executions."
	}
	steps := make([]string, 0, len(history))
	for i, inv := range history {
		output := inv.Result.Output
		if len(output) > historyOutputLimit {
			output = truncateBytes(output, historyOutputLimit) + truncatedMarker
		}
		steps = append(steps, fmt.Sprintf("### Step %d - Agent: %s (%s)\nOutput: %s\nTool calls: %d",
			i+1, inv.Label(), historyStatus(inv.Result.Status), output, len(inv.Result.ToolCalls)))
	}
	return strings.Join(steps, "\n\n")
}

func historyStatus(status task.AgentStatus) string {
	switch status {
	case task.StatusFailure:
		return "FAILURE"
	case task.StatusNeedsRetry:
		return "NEEDS_RETRY"
	default:
		return "SUCCESS"
	}
}
