// Package call implements the call-session core: a deterministic lifecycle
// state machine per session, and a controller that orchestrates media
// acquisition, signaling, and cleanup for the four user-facing operations
// (place, accept, decline, hang up).
//
// One session moves from idle through calling or ringing to connected and
// ended, then back to idle after a short grace window. Transitions are driven by
// explicit events; an event that is not valid in the current state is
// rejected with ErrInvalidTransition and has no effect. At most one session
// is active per controller; a second call attempt is rejected as busy
// rather than queued.
//
// The controller owns the serialization discipline: every transition runs to
// completion before the next event is processed. The only suspension point
// is media acquisition, which can block on a user permission prompt; hanging
// up during a pending acquisition is safe, and a grant that arrives after
// cancellation is released immediately so no capture device outlives its
// session.
package call
