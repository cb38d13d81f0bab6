package driver

import (
	"fmt"
	"strings"

	"maestro/internal/task"
)

// BuildAgentPrompt renders the prompt for the next step: the request, the
// work done so far, and the role's own instructions.
func BuildAgentPrompt(tc *task.Context, rolePrompt string) string {
	var b strings.Builder
	fmt.Fprintf(&b, "## Task\n%s\n\n", tc.Request)

	if len(tc.History) > 0 {
		b.WriteString("## Previous Work\n")
		for i, inv := range tc.History {
			fmt.Fprintf(&b, "### Step %d - %s (%s)\n%s\n\n",
				i+1, inv.Label(), stepStatus(inv.Result.Status), inv.Result.Output)
		}
	}

	if rolePrompt != "" {
		fmt.Fprintf(&b, "## Your Role\n%s\n\n", rolePrompt)
	}

	b.WriteString("## Instructions\nComplete your part of the task. Be thorough but concise.\n")
	return b.String()
}

func stepStatus(status task.AgentStatus) string {
	switch status {
	case task.StatusFailure:
		return "failed"
	case task.StatusNeedsRetry:
		return "needs retry"
	default:
		return "success"
	}
}
