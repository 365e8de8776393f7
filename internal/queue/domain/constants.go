package domain

// State is the lifecycle position of a job
type State string

// Job states. Completed and dead are terminal.
const (
	StatePending   State = "pending"
	StateLeased    State = "leased"
	StateCompleted State = "completed"
	StateDead      State = "dead"
)

// LeaseExpiredError is recorded as last_error when a lease runs out
const LeaseExpiredError = "lease expired"

// AllStates lists every state in lifecycle order
var AllStates = []State{StatePending, StateLeased, StateCompleted, StateDead}

// Valid reports whether s is a known state
func (s State) Valid() bool {
	switch s {
	case StatePending, StateLeased, StateCompleted, StateDead:
		return true
	}
	return false
}

// Terminal reports whether no further transition is possible
func (s State) Terminal() bool {
	return s == StateCompleted || s == StateDead
}
