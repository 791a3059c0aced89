package workflow

import "fmt"

var allowedTransitions = map[TodoStatus]map[TodoStatus]struct{}{
	TodoStatusPending: {
		TodoStatusInProgress:    {},
		TodoStatusNeedsApproval: {},
		TodoStatusBlocked:       {},
		TodoStatusCancelled:     {},
		TodoStatusSkipped:       {},
	},
	TodoStatusInProgress: {
		TodoStatusCompleted: {},
		TodoStatusPending:   {},
		TodoStatusFailed:    {},
		TodoStatusCancelled: {},
		TodoStatusSkipped:   {},
		TodoStatusBlocked:   {},
	},
	TodoStatusNeedsApproval: {
		TodoStatusPending:   {},
		TodoStatusCancelled: {},
		TodoStatusBlocked:   {},
		TodoStatusSkipped:   {},
	},
	// blocked -> pending only happens when a replan removes the failed dependency.
	TodoStatusBlocked: {
		TodoStatusPending:   {},
		TodoStatusCancelled: {},
		TodoStatusSkipped:   {},
	},
	TodoStatusCompleted: {},
	TodoStatusFailed:    {},
	TodoStatusCancelled: {},
	TodoStatusSkipped:   {},
}

// ValidateTransition returns ErrInvalidTransition if a todo may not move from
// one status to the other.
func ValidateTransition(from, to TodoStatus) error {
	if !from.IsValid() {
		return fmt.Errorf("%w: todo status %q", ErrInvalidStatus, from)
	}
	if !to.IsValid() {
		return fmt.Errorf("%w: todo status %q", ErrInvalidStatus, to)
	}
	if _, ok := allowedTransitions[from][to]; !ok {
		return fmt.Errorf("%w: %s -> %s", ErrInvalidTransition, from, to)
	}
	return nil
}

// CanTransition reports whether from -> to is allowed.
func CanTransition(from, to TodoStatus) bool {
	return ValidateTransition(from, to) == nil
}
