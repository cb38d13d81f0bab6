package fsm

import (
	"maestro/internal/logging"
	"maestro/internal/task"
)

// Roles resolves display names for history records.
type Roles interface {
	DisplayName(role string) string
}

// Transition applies ev to state and tc and returns the next state, the task
// context that survives it (nil once cleared) and the effects performed. It
// never blocks and performs no I/O. Pairs missing from the table return the
// input unchanged with EffectIgnored.
func Transition(state State, tc *task.Context, ev Event, roles Roles, maxFailures int) (State, *task.Context, []Effect) {
	switch state.Kind {
	case KindIdle:
		if e, ok := ev.(TaskReceived); ok {
			return Selecting(), task.NewContext(e.TaskID, e.Request, maxFailures), []Effect{EffectTaskCreated}
		}

	case KindSelecting:
		switch e := ev.(type) {
		case AgentSelected:
			return Executing(e.Role), tc, nil
		case TaskComplete, Cancel:
			return Idle(), nil, []Effect{EffectTaskCleared}
		}

	case KindExecuting:
		switch e := ev.(type) {
		case AgentComplete:
			if tc != nil {
				display := state.Role
				if roles != nil {
					display = roles.DisplayName(state.Role)
				}
				tc.Record(task.AgentInvocation{Role: state.Role, DisplayName: display, Result: e.Result})
			}
			return Evaluating(), tc, []Effect{EffectInvocationRecorded}
		case AgentFailed:
			if tc == nil {
				return Selecting(), nil, []Effect{EffectFailureRecorded}
			}
			tc.RecordFailure()
			if tc.MaxFailuresReached() {
				return Idle(), nil, []Effect{EffectFailureRecorded, EffectFailureLimit, EffectTaskCleared}
			}
			return Selecting(), tc, []Effect{EffectFailureRecorded}
		case Cancel:
			return Idle(), nil, []Effect{EffectTaskCleared}
		}

	case KindEvaluating:
		switch ev.(type) {
		case TaskComplete, Cancel:
			return Idle(), nil, []Effect{EffectTaskCleared}
		case ContinueTask:
			return Selecting(), tc, nil
		}
	}
	return state, tc, []Effect{EffectIgnored}
}

// Machine holds the reducer state for one driver. It has a single owner and
// no locking.
type Machine struct {
	state       State
	task        *task.Context
	roles       Roles
	maxFailures int
	logger      logging.Logger
}

// NewMachine returns a machine in Idle.
func NewMachine(roles Roles, maxFailures int, logger logging.Logger) *Machine {
	if logging.IsNil(logger) {
		logger = logging.NewComponentLogger("TaskMachine")
	}
	if maxFailures <= 0 {
		maxFailures = task.DefaultMaxFailures
	}
	return &Machine{state: Idle(), roles: roles, maxFailures: maxFailures, logger: logger}
}

// Handle applies ev and returns the transition's effects.
func (m *Machine) Handle(ev Event) []Effect {
	prev := m.state
	next, tc, effects := Transition(m.state, m.task, ev, m.roles, m.maxFailures)
	m.state, m.task = next, tc

	if len(effects) == 1 && effects[0] == EffectIgnored {
		m.logger.Debug("Ignoring %s in state %s", EventName(ev), prev)
		return effects
	}
	if failed, ok := ev.(AgentFailed); ok {
		m.logger.Warn("Agent %s failed: %v", prev.Role, failed.Err)
	}
	m.logger.Debug("%s --%s--> %s", prev, EventName(ev), next)
	return effects
}

// State returns the current state.
func (m *Machine) State() State { return m.state }

// Task returns the task in flight, or nil when idle.
func (m *Machine) Task() *task.Context { return m.task }

// MaxFailures returns the failure budget given to new tasks.
func (m *Machine) MaxFailures() int { return m.maxFailures }
