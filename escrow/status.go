package escrow

import "errors"

// Status is the project lifecycle state.
type Status string

const (
	StatusOpen       Status = "open"
	StatusInProgress Status = "in_progress"
	StatusSubmitted  Status = "submitted"
	StatusDisputed   Status = "disputed"
	StatusCompleted  Status = "completed"
	StatusCancelled  Status = "cancelled"
)

// ErrInvalidTransition signals an attempt to move a project along an edge the
// lifecycle does not define.
var ErrInvalidTransition = errors.New("escrow: invalid status transition")

// transitions is the closed edge set of the lifecycle. Completed and
// Cancelled are terminal.
var transitions = map[Status][]Status{
	StatusOpen:       {StatusInProgress, StatusCancelled},
	StatusInProgress: {StatusSubmitted, StatusCompleted, StatusDisputed, StatusCancelled},
	StatusSubmitted:  {StatusCompleted, StatusDisputed},
	StatusDisputed:   {StatusCompleted},
	StatusCompleted:  nil,
	StatusCancelled:  nil,
}

// CanTransition reports whether from -> to is a defined lifecycle edge.
func CanTransition(from, to Status) bool {
	for _, next := range transitions[from] {
		if next == to {
			return true
		}
	}
	return false
}

// Terminal reports whether no further transitions exist from the status.
func (s Status) Terminal() bool {
	return len(transitions[s]) == 0
}
