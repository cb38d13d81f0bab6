package arbiter

import (
	"strings"
	"unicode/utf8"

	"maestro/internal/errors"
	"maestro/internal/registry"
	"maestro/internal/task"
)

// DecisionKind is the arbiter's verdict.
type DecisionKind int

const (
	// DecisionSelect hands the next step to Decision.Role.
	DecisionSelect DecisionKind = iota
	// DecisionComplete ends the task.
	DecisionComplete
	// DecisionRetry asks for the last step to be redone differently.
	DecisionRetry
)

func (k DecisionKind) String() string {
	switch k {
	case DecisionSelect:
		return "select"
	case DecisionComplete:
		return "complete"
	case DecisionRetry:
		return "retry"
	default:
		return "unknown"
	}
}

// Decision is a parsed arbiter reply.
type Decision struct {
	Kind      DecisionKind
	Role      string
	Reasoning string
}

// Select returns a decision handing the next step to role.
func Select(role, reasoning string) Decision {
	return Decision{Kind: DecisionSelect, Role: role, Reasoning: reasoning}
}

// Complete returns a decision ending the task.
func Complete(reasoning string) Decision {
	return Decision{Kind: DecisionComplete, Reasoning: reasoning}
}

// Retry returns a decision asking for another attempt.
func Retry(reasoning string) Decision {
	return Decision{Kind: DecisionRetry, Reasoning: reasoning}
}

const (
	prefixSelect   = "SELECT:"
	prefixComplete = "COMPLETE"
	prefixRetry    = "RETRY"

	parseErrorQuote = 100
)

// ParseDecision parses one of
//
//	SELECT: agent_name | reasoning
//	COMPLETE | reasoning
//	RETRY | reasoning
//
// Prefixes are case-sensitive. The reasoning is optional; without a pipe,
// everything after SELECT: is the role and everything after COMPLETE or
// RETRY is the reasoning.
func ParseDecision(text string) (Decision, error) {
	text = strings.TrimSpace(text)

	if rest, ok := strings.CutPrefix(text, prefixSelect); ok {
		rest = strings.TrimSpace(rest)
		if role, reasoning, found := strings.Cut(rest, "|"); found {
			return Select(strings.TrimSpace(role), strings.TrimSpace(reasoning)), nil
		}
		return Select(rest, ""), nil
	}
	if rest, ok := strings.CutPrefix(text, prefixComplete); ok {
		return Complete(reasoningFrom(rest)), nil
	}
	if rest, ok := strings.CutPrefix(text, prefixRetry); ok {
		return Retry(reasoningFrom(rest)), nil
	}

	quoted := text
	if len(quoted) > parseErrorQuote {
		quoted = truncateBytes(quoted, parseErrorQuote) + "..."
	}
	return Decision{}, errors.Agentf("Failed to parse arbiter response. Expected SELECT:/COMPLETE/RETRY, got: %s", quoted)
}

func reasoningFrom(rest string) string {
	rest = strings.TrimSpace(rest)
	if after, ok := strings.CutPrefix(rest, "|"); ok {
		return strings.TrimSpace(after)
	}
	return rest
}

// Validate checks a decision against the registry and the task history.
func Validate(d Decision, reg *registry.Registry, history []task.AgentInvocation) error {
	switch d.Kind {
	case DecisionSelect:
		if !reg.Contains(d.Role) {
			return errors.Agentf("Arbiter selected unknown agent: %s", d.Role)
		}
	case DecisionRetry:
		if len(history) == 0 {
			return errors.Agentf("Cannot retry: no previous execution")
		}
	}
	return nil
}

// truncateBytes cuts s to at most n bytes without splitting a rune.
func truncateBytes(s string, n int) string {
	if len(s) <= n {
		return s
	}
	for n > 0 && !utf8.RuneStart(s[n]) {
		n--
	}
	return s[:n]
}
