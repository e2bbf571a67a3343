package dispatch

import "fmt"

type State uint8

const (
	// StateIdle is before the first template.
	StateIdle State = iota
	StateActive
	// StateDraining means rounds of an older generation are still running.
	StateDraining
)

func (s State) String() string {
	switch s {
	case StateIdle:
		return "idle"
	case StateActive:
		return "active"
	case StateDraining:
		return "draining"
	default:
		return fmt.Sprintf("state(%d)", uint8(s))
	}
}

type Status struct {
	State State
	// Generation is the current template generation.
	Generation uint64
	// Draining is the oldest generation with a round still in flight.
	Draining uint64
}

func (s Status) String() string {
	switch s.State {
	case StateActive:
		return fmt.Sprintf("active(%d)", s.Generation)
	case StateDraining:
		return fmt.Sprintf("draining(%d)", s.Draining)
	default:
		return s.State.String()
	}
}
