package call

import "errors"

// Sentinel errors for call operations.
// These errors enable reliable classification using errors.Is().
var (
	// ErrBusy indicates a call was attempted while another session is active.
	ErrBusy = errors.New("another call is already active")

	// ErrInvalidTransition indicates an event that is not valid in the
	// session's current state. The session is left untouched.
	ErrInvalidTransition = errors.New("invalid state transition")

	// ErrNoActiveCall indicates there is no session to hang up or toggle.
	ErrNoActiveCall = errors.New("no active call")

	// ErrNoIncomingCall indicates accept or decline was invoked without a
	// ringing session.
	ErrNoIncomingCall = errors.New("no incoming call")

	// ErrControllerClosed indicates the controller has been shut down.
	ErrControllerClosed = errors.New("call controller closed")
)
