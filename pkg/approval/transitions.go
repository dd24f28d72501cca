package approval

import "fmt"

// ErrInvalidTransition is wrapped with the specific source/target pair by
// ValidateTransition.
type ErrInvalidTransition struct {
	From, To Status
}

func (e *ErrInvalidTransition) Error() string {
	return fmt.Sprintf("Cannot transition from %s to %s", e.From, e.To)
}

// ValidateTransition enforces the pending_actions state machine. Returns
// nil if the move is allowed, otherwise an *ErrInvalidTransition.
func ValidateTransition(current, target Status) error {
	if validTransitions[current][target] {
		return nil
	}
	return &ErrInvalidTransition{From: current, To: target}
}
