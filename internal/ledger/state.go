package ledger

import "fmt"

// State is the lifecycle state of a unit.
type State string

const (
	Pending  State = "pending"
	InFlight State = "in_flight"
	Done     State = "done"
	Failed   State = "failed"
)

var transitions = map[State]map[State]bool{
	Pending:  {InFlight: true},
	InFlight: {Done: true, Failed: true, Pending: true},
	Done:     {Pending: true}, // reopened when its cache entry went bad
	Failed:   {Pending: true}, // retry_failed or fix
}

// CanTransition reports whether from -> to is a legal move.
func CanTransition(from, to State) bool {
	return transitions[from][to]
}

// TransitionError is returned for illegal state changes.
type TransitionError struct {
	UnitID string
	From   State
	To     State
}

func (e *TransitionError) Error() string {
	return fmt.Sprintf("ledger: unit %s: illegal transition %s -> %s", e.UnitID, e.From, e.To)
}
