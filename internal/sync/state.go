package sync

import "fmt"

// State is the position of a run in its state machine
type State int

const (
	StateInit State = iota
	StateSubscribing
	StateFetching
	StatePersisting
	StateDone
	StateIncomplete
	StateFailed
)

var stateNames = map[State]string{
	StateInit:        "INIT",
	StateSubscribing: "SUBSCRIBING",
	StateFetching:    "FETCHING",
	StatePersisting:  "PERSISTING",
	StateDone:        "DONE",
	StateIncomplete:  "INCOMPLETE",
	StateFailed:      "FAILED",
}

func (s State) String() string {
	if name, ok := stateNames[s]; ok {
		return name
	}
	return fmt.Sprintf("State(%d)", int(s))
}

// Terminal reports whether no further transition is possible
func (s State) Terminal() bool {
	return s == StateDone || s == StateIncomplete || s == StateFailed
}

var transitions = map[State][]State{
	StateInit:        {StateSubscribing, StateFailed},
	StateSubscribing: {StateFetching, StateFailed},
	StateFetching:    {StatePersisting, StateDone, StateIncomplete, StateFailed},
	StatePersisting:  {StateFetching, StateFailed},
}

func (s State) canTransition(to State) bool {
	for _, next := range transitions[s] {
		if next == to {
			return true
		}
	}
	return false
}

// Outcome is the aggregate result of a run
type Outcome int

const (
	OutcomeFailed Outcome = iota
	OutcomeSucceeded
	// OutcomeIncomplete means a guard stopped the run after persisting at
	// least part of the mailbox; FinalCursor is safe to commit and a
	// follow-up run continues from it.
	OutcomeIncomplete
)

func (o Outcome) String() string {
	switch o {
	case OutcomeSucceeded:
		return "succeeded"
	case OutcomeIncomplete:
		return "incomplete"
	default:
		return "failed"
	}
}
