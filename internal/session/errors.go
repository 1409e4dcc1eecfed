package session

import "errors"

var (
	// ErrInvalidPhaseTransition indicates a caller attempted an operation
	// outside the phase it is legal in. Not retriable.
	ErrInvalidPhaseTransition = errors.New("invalid phase transition")

	// ErrNotFound indicates no session or record exists for the given keys.
	ErrNotFound = errors.New("session not found")

	// ErrNotInVerifyingPhase is the distinguished result for listing
	// unverified records outside the verifying phase. Callers must treat it
	// differently from an empty list.
	ErrNotInVerifyingPhase = errors.New("session not in verifying phase")
)
