package call

import (
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/looplab/fsm"

	"github.com/tandemly/callkit/media"
)

// Direction records which side placed the call. Fixed at creation.
type Direction uint8

const (
	// DirectionOutgoing is a call placed locally.
	DirectionOutgoing Direction = iota
	// DirectionIncoming is a call received from the peer.
	DirectionIncoming
)

func (d Direction) String() string {
	switch d {
	case DirectionOutgoing:
		return "outgoing"
	case DirectionIncoming:
		return "incoming"
	default:
		return "unknown"
	}
}

// EndReason records why a session ended. Set exactly once, on the
// transition into ended, and carried on the wire in hangup messages.
type EndReason string

const (
	EndReasonLocalHangup  EndReason = "local-hangup"
	EndReasonRemoteHangup EndReason = "remote-hangup"
	EndReasonDeclined     EndReason = "declined"
	EndReasonMediaDenied  EndReason = "media-denied"
	EndReasonFailed       EndReason = "failed"
)

// Peer references the remote participant. The session does not own this
// identity; display attributes come from the presence provider and are
// carried here only for convenience.
type Peer struct {
	ID          string
	DisplayName string
}

// TransitionListener observes completed session transitions.
type TransitionListener func(sess *Session, from, to State, ev Event)

// Session is the unit of state for one call.
//
// A session is created when a call is placed or an invite is received,
// mutated only through its state machine, and eligible for disposal once it
// returns to idle after the post-ended grace window. It exclusively owns the
// acquired media handle: the handle is non-nil only while the session is in
// calling, ringing or connected.
type Session struct {
	id        string
	direction Direction
	kind      media.Kind
	peer      Peer
	createdAt time.Time

	clock        TimeProvider
	graceWindow  time.Duration
	fsm          *fsm.FSM
	graceElapsed func(sess *Session)

	mu          sync.RWMutex
	notify      TransitionListener
	connectedAt time.Time
	endedAt     time.Time
	endReason   EndReason
	media       *media.Handle
	graceTimer  Timer
}

// sessionConfig carries the immutable creation parameters.
type sessionConfig struct {
	// id is adopted from the invite for incoming calls so both sides tag
	// their signaling with the same identifier; empty means generate one.
	id           string
	direction    Direction
	kind         media.Kind
	peer         Peer
	clock        TimeProvider
	graceWindow  time.Duration
	graceElapsed func(sess *Session)
}

// DefaultGraceWindow is how long a session lingers in ended before the
// machine returns to idle, giving the UI time to show a post-call summary.
const DefaultGraceWindow = time.Second

func newSession(cfg sessionConfig) *Session {
	if cfg.clock == nil {
		cfg.clock = RealTimeProvider{}
	}
	if cfg.graceWindow <= 0 {
		cfg.graceWindow = DefaultGraceWindow
	}
	if cfg.id == "" {
		cfg.id = uuid.NewString()
	}

	s := &Session{
		id:           cfg.id,
		direction:    cfg.direction,
		kind:         cfg.kind,
		peer:         cfg.peer,
		createdAt:    cfg.clock.Now(),
		clock:        cfg.clock,
		graceWindow:  cfg.graceWindow,
		graceElapsed: cfg.graceElapsed,
	}
	s.fsm = s.newStateMachine()
	return s
}

// ID returns the opaque session identifier shared with the peer.
func (s *Session) ID() string {
	return s.id
}

// Direction returns who placed the call.
func (s *Session) Direction() Direction {
	return s.direction
}

// Kind returns the media kind the call was placed with.
func (s *Session) Kind() media.Kind {
	return s.kind
}

// Peer returns the remote participant reference.
func (s *Session) Peer() Peer {
	return s.peer
}

// CreatedAt returns when the session came into existence.
func (s *Session) CreatedAt() time.Time {
	return s.createdAt
}

// State returns the current lifecycle state.
func (s *Session) State() State {
	return State(s.fsm.Current())
}

// Active reports whether the session is neither idle nor ended.
func (s *Session) Active() bool {
	switch s.State() {
	case StateIdle, StateEnded:
		return false
	default:
		return true
	}
}

// ConnectedAt returns when the call connected, zero if it never did.
func (s *Session) ConnectedAt() time.Time {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.connectedAt
}

// EndedAt returns when the call ended, zero while it has not.
func (s *Session) EndedAt() time.Time {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.endedAt
}

// EndReason returns why the call ended, empty while it has not.
func (s *Session) EndReason() EndReason {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.endReason
}

// Media returns the capture handle the session currently owns, nil outside
// calling, ringing and connected.
func (s *Session) Media() *media.Handle {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.media
}

// SetTransitionListener registers the observer for completed transitions.
func (s *Session) SetTransitionListener(l TransitionListener) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.notify = l
}

// Duration returns the connected time of the call: zero before the call
// connects, a live wall-clock delta while connected, and the frozen
// endedAt minus connectedAt value once ended.
func (s *Session) Duration() time.Duration {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.connectedAt.IsZero() {
		return 0
	}
	if !s.endedAt.IsZero() {
		return s.endedAt.Sub(s.connectedAt)
	}
	if s.State() == StateConnected {
		return s.clock.Now().Sub(s.connectedAt)
	}
	return 0
}

// FormatDuration renders a duration as zero-padded MM:SS. Minutes are not
// wrapped: a two-hour call renders as 125:07.
func FormatDuration(d time.Duration) string {
	if d < 0 {
		d = 0
	}
	total := int(d / time.Second)
	return fmt.Sprintf("%02d:%02d", total/60, total%60)
}

// markConnected stamps the connection time. Runs on the transition into
// connected; the guard keeps connectedAt set-once even if the machine were
// ever driven back into connected.
func (s *Session) markConnected() {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.connectedAt.IsZero() {
		s.connectedAt = s.clock.Now()
	}
}

// markEnded stamps the end time and reason, once.
func (s *Session) markEnded(reason EndReason) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.endedAt.IsZero() {
		s.endedAt = s.clock.Now()
		s.endReason = reason
	}
}

// attachMedia hands ownership of an acquired handle to the session.
func (s *Session) attachMedia(h *media.Handle) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.media = h
}

// takeMedia removes and returns the owned handle, nil if none. The caller
// becomes responsible for releasing it.
func (s *Session) takeMedia() *media.Handle {
	s.mu.Lock()
	defer s.mu.Unlock()
	h := s.media
	s.media = nil
	return h
}

// dispose cancels any pending timer. Called when the owning controller
// discards the session.
func (s *Session) dispose() {
	s.stopGraceTimer()
}
