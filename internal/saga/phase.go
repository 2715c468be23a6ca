package saga

import (
	"errors"
	"fmt"
)

// Phase is one station in the redaction-and-monetization saga. Phases only
// ever advance forward through the fixed order, or drop to PhaseFailed.
type Phase string

const (
	PhaseUploaded         Phase = "uploaded"
	PhaseDetecting        Phase = "detecting"
	PhaseDetected         Phase = "detected"
	PhaseSelectionPending Phase = "selection_pending"
	PhaseRendering        Phase = "rendering"
	PhaseRendered         Phase = "rendered"
	PhaseConsentPending   Phase = "consent_pending"
	PhaseRewardPending    Phase = "reward_pending"
	PhaseRewardConfirmed  Phase = "reward_confirmed"
	PhaseStoring          Phase = "storing"
	PhaseStored           Phase = "stored"
	PhaseRegistered       Phase = "registered"
	PhaseFailed           Phase = "failed"
)

// ErrInvalidPhaseTransition indicates an operation that is not valid for the
// saga's current phase.
var ErrInvalidPhaseTransition = errors.New("saga: invalid phase transition")

var phaseOrder = map[Phase]int{
	PhaseUploaded:         0,
	PhaseDetecting:        1,
	PhaseDetected:         2,
	PhaseSelectionPending: 3,
	PhaseRendering:        4,
	PhaseRendered:         5,
	PhaseConsentPending:   6,
	PhaseRewardPending:    7,
	PhaseRewardConfirmed:  8,
	PhaseStoring:          9,
	PhaseStored:           10,
	PhaseRegistered:       11,
}

// Terminal reports whether no further transitions are possible.
func (p Phase) Terminal() bool {
	return p == PhaseRegistered || p == PhaseFailed
}

// Parked reports whether the saga is waiting on a user signal with no
// deadline. Parked phases are valid resting states, not failures.
func (p Phase) Parked() bool {
	return p == PhaseSelectionPending || p == PhaseRendered
}

// ordinal returns the position of the phase in the fixed order. PhaseFailed
// has no ordinal; it is reachable from anywhere.
func (p Phase) ordinal() (int, bool) {
	index, ok := phaseOrder[p]
	return index, ok
}

// checkTransition enforces that the move from current to next goes exactly one
// step forward in the fixed order, or to PhaseFailed.
func checkTransition(current, next Phase) error {
	if next == PhaseFailed {
		if current.Terminal() {
			return fmt.Errorf("%w: %s is terminal", ErrInvalidPhaseTransition, current)
		}
		return nil
	}
	currentIndex, ok := current.ordinal()
	if !ok {
		return fmt.Errorf("%w: cannot leave %s", ErrInvalidPhaseTransition, current)
	}
	nextIndex, ok := next.ordinal()
	if !ok {
		return fmt.Errorf("%w: unknown phase %s", ErrInvalidPhaseTransition, next)
	}
	if nextIndex != currentIndex+1 {
		return fmt.Errorf("%w: %s -> %s", ErrInvalidPhaseTransition, current, next)
	}
	return nil
}
