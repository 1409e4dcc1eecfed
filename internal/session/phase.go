package session

// Phase is a session's position in its lifecycle. Phases advance
// monotonically; Closed is terminal for a session instance.
type Phase string

const (
	PhaseCollecting Phase = "collecting"
	PhaseVerifying  Phase = "verifying"
	PhaseClosed     Phase = "closed"
)

// ParsePhase converts a stored phase string back into a Phase.
func ParsePhase(s string) (Phase, bool) {
	switch Phase(s) {
	case PhaseCollecting, PhaseVerifying, PhaseClosed:
		return Phase(s), true
	default:
		return "", false
	}
}

// canAdvanceTo reports whether a transition is legal. No transition may skip
// a state and nothing leaves Closed.
func (p Phase) canAdvanceTo(next Phase) bool {
	switch p {
	case PhaseCollecting:
		return next == PhaseVerifying || next == PhaseClosed
	case PhaseVerifying:
		return next == PhaseClosed
	default:
		return false
	}
}
