// Package agentstate implements the per-agent lifecycle state machine that
// tracks one MapReduce worker's progress on a single work item: a pure
// function over (state, transition) pairs with no side effects, so the
// lifecycle can be unit tested without spinning up a real agent.
package agentstate

import "fmt"

// State is one of the four lifecycle states an agent occupies while working
// a MapReduce item.
type State string

const (
	Created   State = "created"
	Running   State = "running"
	Completed State = "completed"
	Failed    State = "failed"
)

// Transition is an event applied to a State to produce the next State.
type Transition string

const (
	Start    Transition = "start"
	Complete Transition = "complete"
	Fail     Transition = "fail"
)

// InvalidTransitionError is returned by Apply when (state, transition) is
// not one of the legal pairs below.
type InvalidTransitionError struct {
	State      State
	Transition Transition
}

func (e *InvalidTransitionError) Error() string {
	return fmt.Sprintf("agentstate: invalid transition %q from state %q", e.Transition, e.State)
}

// Apply advances state by transition, returning the next state or an
// *InvalidTransitionError. The legal table mirrors state_machine.rs exactly:
//
//	Created   + Start    -> Running
//	Running   + Complete -> Completed
//	Running   + Fail     -> Failed
//
// All other pairs -- including transitions attempted from a terminal state
// -- are invalid.
func Apply(state State, transition Transition) (State, error) {
	switch {
	case state == Created && transition == Start:
		return Running, nil
	case state == Running && transition == Complete:
		return Completed, nil
	case state == Running && transition == Fail:
		return Failed, nil
	default:
		return state, &InvalidTransitionError{State: state, Transition: transition}
	}
}

// IsValidTransition reports whether Apply would succeed for (state,
// transition) without mutating anything.
func IsValidTransition(state State, transition Transition) bool {
	_, err := Apply(state, transition)
	return err == nil
}

// IsTerminal reports whether state is one the machine cannot leave.
func IsTerminal(state State) bool {
	return state == Completed || state == Failed
}

// Result is the outcome a terminal state carries. A non-terminal state has
// no result.
type Result struct {
	State   State
	Success bool
}

// ToResult returns the terminal Result for state, or ok=false if state is
// not terminal.
func ToResult(state State) (Result, bool) {
	switch state {
	case Completed:
		return Result{State: state, Success: true}, true
	case Failed:
		return Result{State: state, Success: false}, true
	default:
		return Result{}, false
	}
}
