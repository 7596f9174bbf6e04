package domain

import "fmt"

// State is the lifecycle state of a job
type State string

// Job state constants
const (
	StatePending      State = "PENDING"
	StateLeased       State = "LEASED"
	StateSucceeded    State = "SUCCEEDED"
	StateFailed       State = "FAILED"
	StateDeadLettered State = "DEAD_LETTERED"
	StateCancelled    State = "CANCELLED"
)

// IsTerminal reports whether no further transition is allowed out of s.
// Failed is terminal for the job itself; only the dead-letter hand-off may
// move it to DeadLettered.
func (s State) IsTerminal() bool {
	switch s {
	case StateSucceeded, StateFailed, StateDeadLettered, StateCancelled:
		return true
	default:
		return false
	}
}

// IsActive reports whether s counts against the dedup key uniqueness rule
func (s State) IsActive() bool {
	return s == StatePending || s == StateLeased
}

// ParseState converts a string into a known State
func ParseState(s string) (State, error) {
	switch st := State(s); st {
	case StatePending, StateLeased, StateSucceeded, StateFailed, StateDeadLettered, StateCancelled:
		return st, nil
	default:
		return "", fmt.Errorf("%w: unknown state %q", ErrInvalidJob, s)
	}
}

// Priority is the ordered priority class of a job. Lower values are served first.
type Priority int

const (
	PriorityCritical Priority = iota
	PriorityHigh
	PriorityNormal
	PriorityLow
)

// NumPriorities is the number of priority classes
const NumPriorities = 4

// Priorities lists every class from highest to lowest
var Priorities = [NumPriorities]Priority{PriorityCritical, PriorityHigh, PriorityNormal, PriorityLow}

func (p Priority) String() string {
	switch p {
	case PriorityCritical:
		return "critical"
	case PriorityHigh:
		return "high"
	case PriorityNormal:
		return "normal"
	case PriorityLow:
		return "low"
	default:
		return fmt.Sprintf("priority(%d)", int(p))
	}
}

// Valid reports whether p is one of the four known classes
func (p Priority) Valid() bool {
	return p >= PriorityCritical && p <= PriorityLow
}

// ParsePriority converts a class name into a Priority. An empty string is Normal.
func ParsePriority(s string) (Priority, error) {
	switch s {
	case "critical":
		return PriorityCritical, nil
	case "high":
		return PriorityHigh, nil
	case "normal", "":
		return PriorityNormal, nil
	case "low":
		return PriorityLow, nil
	default:
		return 0, fmt.Errorf("%w: unknown priority %q", ErrInvalidJob, s)
	}
}
