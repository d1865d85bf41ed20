package controller

import "fmt"

type State int

const (
	StateInitializing State = iota
	StateReady
	StateShuttingDown
	StateStopped
)

func (s State) String() string {
	switch s {
	case StateInitializing:
		return "INITIALIZING"
	case StateReady:
		return "READY"
	case StateShuttingDown:
		return "SHUTTING_DOWN"
	case StateStopped:
		return "STOPPED"
	default:
		return "UNKNOWN"
	}
}

// ValidateTransition enforces Initializing -> Ready -> ShuttingDown -> Stopped.
// A controller may also shut down before it ever became ready.
func ValidateTransition(from, to State) error {
	validTransitions := map[State][]State{
		StateInitializing: {StateReady, StateShuttingDown},
		StateReady:        {StateShuttingDown},
		StateShuttingDown: {StateStopped},
		StateStopped:      {},
	}

	allowed, exists := validTransitions[from]
	if !exists {
		return fmt.Errorf("invalid current state: %s", from)
	}

	for _, validTo := range allowed {
		if validTo == to {
			return nil
		}
	}

	return fmt.Errorf("invalid transition from %s to %s", from, to)
}
