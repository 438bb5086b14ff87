package escrow

import "fmt"

// ErrInvalidTransition is returned when a status change is not in the
// transition table. It unwraps to ErrInvalidState.
var ErrInvalidTransition = fmt.Errorf("%w: invalid status transition", ErrInvalidState)

// validTransitions is the single source of truth for escrow status changes.
// Every component routes status updates through ValidateTransition; no code
// sets Escrow.Status without this check.
var validTransitions = map[Status][]Status{
	StatusPending:   {StatusActive, StatusCancelled},
	StatusActive:    {StatusCompleted, StatusCancelled, StatusDisputed},
	StatusDisputed:  {StatusCompleted, StatusCancelled},
	StatusCompleted: {},
	StatusCancelled: {},
}

// CanTransition reports whether the transition from → to is legal.
func CanTransition(from, to Status) bool {
	for _, s := range validTransitions[from] {
		if s == to {
			return true
		}
	}
	return false
}

// ValidateTransition returns an error citing both states when the
// transition table denies from → to.
func ValidateTransition(from, to Status) error {
	if !CanTransition(from, to) {
		return fmt.Errorf("%w: cannot go from %q to %q", ErrInvalidTransition, from, to)
	}
	return nil
}

// IsTerminal reports whether status is final.
func IsTerminal(status Status) bool {
	return status == StatusCompleted || status == StatusCancelled
}

// transition applies a validated status change to the escrow in memory.
// The caller persists the escrow afterwards.
func transition(e *Escrow, to Status) error {
	if err := ValidateTransition(e.Status, to); err != nil {
		return err
	}
	e.Status = to
	return nil
}
