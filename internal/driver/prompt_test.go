package driver

import (
	"testing"

	"github.com/stretchr/testify/require"

	"maestro/internal/task"
)

func TestBuildAgentPromptFirstStep(t *testing.T) {
	tc := task.NewContext("a-0000", "add a --verbose flag", 3)
	got := BuildAgentPrompt(tc, "You write code.")
	require.Equal(t, "## Task\nadd a --verbose flag\n\n"+
		"## Your Role\nYou write code.\n\n"+
		"## Instructions\nComplete your part of the task. Be thorough but concise.\n", got)
}

func TestBuildAgentPromptWithHistory(t *testing.T) {
	tc := task.NewContext("a-0000", "add a --verbose flag", 3)
	tc.Record(task.AgentInvocation{Role: "planner", DisplayName: "planner", Result: task.Success("1. add flag")})
	tc.Record(task.AgentInvocation{Role: "developer", DisplayName: "Developer", Result: task.Failure("tests broke")})
	tc.Record(task.AgentInvocation{Role: "reviewer", Result: task.AgentResult{Status: task.StatusNeedsRetry, Output: "rename it"}})

	got := BuildAgentPrompt(tc, "")
	require.Equal(t, "## Task\nadd a --verbose flag\n\n"+
		"## Previous Work\n"+
		"### Step 1 - planner (success)\n1. add flag\n\n"+
		"### Step 2 - developer (Developer) (failed)\ntests broke\n\n"+
		"### Step 3 - reviewer (needs retry)\nrename it\n\n"+
		"## Instructions\nComplete your part of the task. Be thorough but concise.\n", got)
}
