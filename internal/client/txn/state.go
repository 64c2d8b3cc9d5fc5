package txn

import "fmt"

// State is where a transaction is in its lifecycle
type State string

const (
	StateCreated    State = "created"
	StateApplied    State = "appliedOptimistically"
	StateExecuting  State = "executing"
	StateSucceeded  State = "succeeded"
	StateFailed     State = "failed"
	StateRolledBack State = "rolledBack"
)

// Terminal reports whether the engine is done with a transaction in s
func (s State) Terminal() bool {
	switch s {
	case StateSucceeded, StateFailed, StateRolledBack:
		return true
	}
	return false
}

// Event drives a state transition
type Event string

const (
	EventSubmit   Event = "submit"   // optimistic state applied
	EventExecute  Event = "execute"  // remote call started
	EventAck      Event = "ack"      // remote call returned canonical state
	EventReject   Event = "reject"   // local or remote failure, or cancel
	EventRollback Event = "rollback" // provisional state removed
)

var transitions = map[State]map[Event]State{
	StateCreated: {
		EventSubmit: StateApplied,
		EventReject: StateFailed,
	},
	StateApplied: {
		EventExecute: StateExecuting,
		EventReject:  StateFailed,
	},
	StateExecuting: {
		EventAck:    StateSucceeded,
		EventReject: StateFailed,
	},
	StateFailed: {
		EventRollback: StateRolledBack,
	},
}

// next returns the state e moves s to
func next(s State, e Event) (State, error) {
	if to, ok := transitions[s][e]; ok {
		return to, nil
	}
	return s, fmt.Errorf("invalid transition: %s on %s", e, s)
}
