package call

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/tandemly/callkit/media"
	"github.com/tandemly/callkit/signaling"
)

// MediaManager is the slice of the media package the controller depends on.
// Declared here so tests can substitute an instrumented implementation.
type MediaManager interface {
	Acquire(ctx context.Context, kind media.Kind) (*media.Handle, error)
	Release(h *media.Handle)
	SetTrackEnabled(h *media.Handle, track media.Track, enabled bool)
}

// Controller orchestrates the media manager, the session state machine and
// the signaling channel to implement the user-facing call operations.
//
// A controller holds at most one session. All transitions are serialized
// behind a single mutex; the mutex is dropped across media acquisition (the
// only operation that can block on a user timescale) and the outcome is
// re-validated afterwards, so a hangup issued mid-acquisition wins and a
// late grant is released immediately.
type Controller struct {
	media   MediaManager
	channel signaling.Channel

	selfID      string
	clock       TimeProvider
	graceWindow time.Duration

	mu      sync.Mutex
	session *Session
	closed  bool

	// Callbacks are invoked on their own goroutine so a callback that calls
	// back into the controller cannot deadlock.
	incomingCallback    func(sess *Session)
	stateCallback       func(sess *Session, from, to State)
	endedCallback       func(sess *Session)
	remoteMediaCallback func(sess *Session, track media.Track, enabled bool)
}

// Option configures a Controller.
type Option func(*Controller)

// WithSelfID sets the local user identity stamped on outbound envelopes.
func WithSelfID(id string) Option {
	return func(c *Controller) { c.selfID = id }
}

// WithTimeProvider injects the clock used for timestamps, duration and the
// grace window. Defaults to the system clock.
func WithTimeProvider(tp TimeProvider) Option {
	return func(c *Controller) {
		if tp != nil {
			c.clock = tp
		}
	}
}

// WithGraceWindow overrides how long a session lingers in ended before
// returning to idle.
func WithGraceWindow(d time.Duration) Option {
	return func(c *Controller) {
		if d > 0 {
			c.graceWindow = d
		}
	}
}

// NewController creates a controller over the given collaborators and
// registers itself as the channel's inbound handler.
func NewController(mediaMgr MediaManager, channel signaling.Channel, opts ...Option) (*Controller, error) {
	if mediaMgr == nil {
		return nil, errors.New("media manager cannot be nil")
	}
	if channel == nil {
		return nil, errors.New("signaling channel cannot be nil")
	}

	c := &Controller{
		media:       mediaMgr,
		channel:     channel,
		clock:       RealTimeProvider{},
		graceWindow: DefaultGraceWindow,
	}
	for _, opt := range opts {
		opt(c)
	}

	channel.SetHandler(c.HandleRemoteMessage)

	logrus.WithFields(logrus.Fields{
		"function":     "NewController",
		"self_id":      c.selfID,
		"grace_window": c.graceWindow,
	}).Info("Call controller created")

	return c, nil
}

// SetIncomingCallback registers the observer for newly ringing sessions.
func (c *Controller) SetIncomingCallback(cb func(sess *Session)) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.incomingCallback = cb
}

// SetStateCallback registers the observer for every completed transition.
func (c *Controller) SetStateCallback(cb func(sess *Session, from, to State)) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.stateCallback = cb
}

// SetEndedCallback registers the observer invoked once per session on the
// transition into ended. The call-history recorder hangs off this.
func (c *Controller) SetEndedCallback(cb func(sess *Session)) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.endedCallback = cb
}

// SetRemoteMediaCallback registers the observer for the peer's mute and
// camera toggles.
func (c *Controller) SetRemoteMediaCallback(cb func(sess *Session, track media.Track, enabled bool)) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.remoteMediaCallback = cb
}

// ActiveSession returns the current session, which may be ended but not yet
// disposed, or nil.
func (c *Controller) ActiveSession() *Session {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.session
}

// PlaceCall starts an outgoing call to peer.
//
// It fails with ErrBusy while another session is active. A media failure
// does not surface as an error: the returned session transitions straight
// to ended with reason media-denied or failed, and no invite is sent. A
// signaling failure on the invite is returned wrapped around
// signaling.ErrChannelSend after the session has entered calling: the call
// is locally in progress but the peer may not know.
func (c *Controller) PlaceCall(ctx context.Context, peer Peer, kind media.Kind) (*Session, error) {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return nil, ErrControllerClosed
	}
	if c.session != nil && c.session.Active() {
		c.mu.Unlock()
		logrus.WithFields(logrus.Fields{
			"function": "PlaceCall",
			"peer_id":  peer.ID,
		}).Warn("Rejecting call attempt, session already active")
		return nil, ErrBusy
	}
	c.replaceSessionLocked(newSession(sessionConfig{
		direction:    DirectionOutgoing,
		kind:         kind,
		peer:         peer,
		clock:        c.clock,
		graceWindow:  c.graceWindow,
		graceElapsed: c.graceElapsed,
	}))
	sess := c.session
	if err := sess.Apply(ctx, EventPlaceCall); err != nil {
		c.session = nil
		c.mu.Unlock()
		return nil, err
	}
	c.mu.Unlock()

	// Suspension point: may block until the user resolves the permission
	// prompt. The controller lock is not held here so a concurrent HangUp
	// can terminate the session.
	handle, err := c.media.Acquire(ctx, kind)

	c.mu.Lock()
	defer c.mu.Unlock()

	if c.session != sess || sess.State() != StateCalling {
		// Cancelled or superseded while the prompt was pending. The late
		// grant, if any, must not leave a device running.
		if handle != nil {
			c.media.Release(handle)
		}
		logrus.WithFields(logrus.Fields{
			"function":   "PlaceCall",
			"session_id": sess.ID(),
			"state":      string(sess.State()),
		}).Info("Acquisition resolved after cancellation, grant discarded")
		return sess, nil
	}

	if err != nil {
		// Media failure is absorbed into the session state rather than
		// propagated: the caller reads the outcome from ended(reason).
		_ = sess.Apply(ctx, EventMediaFailure, endReasonForMediaError(err))
		return sess, nil
	}

	sess.attachMedia(handle)

	msg := signaling.Message{
		SessionID: sess.ID(),
		From:      c.selfID,
		To:        peer.ID,
		Type:      signaling.MsgInvite,
		Invite:    &signaling.InvitePayload{PeerID: c.selfID, MediaKind: kind.String()},
	}
	if sendErr := c.channel.Send(ctx, msg); sendErr != nil {
		logrus.WithFields(logrus.Fields{
			"function":   "PlaceCall",
			"session_id": sess.ID(),
			"error":      sendErr.Error(),
		}).Warn("Invite delivery failed, call remains locally in calling state")
		return sess, fmt.Errorf("invite not delivered: %w", sendErr)
	}
	return sess, nil
}

// AcceptIncoming answers the ringing session.
//
// Media is acquired before the accept is confirmed to the peer. If
// acquisition fails, a decline is sent upstream automatically so the peer
// is not left waiting, and the session ends with media-denied or failed.
func (c *Controller) AcceptIncoming(ctx context.Context) error {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return ErrControllerClosed
	}
	sess := c.session
	if sess == nil || sess.State() != StateRinging {
		c.mu.Unlock()
		return ErrNoIncomingCall
	}
	c.mu.Unlock()

	handle, err := c.media.Acquire(ctx, sess.Kind())

	c.mu.Lock()
	defer c.mu.Unlock()

	if c.session != sess || sess.State() != StateRinging {
		if handle != nil {
			c.media.Release(handle)
		}
		return ErrNoIncomingCall
	}

	if err != nil {
		// Automatic decline: the peer must not be left ringing against a
		// session that can never produce media.
		c.sendBestEffort(ctx, sess, signaling.Message{
			SessionID: sess.ID(),
			From:      c.selfID,
			To:        sess.Peer().ID,
			Type:      signaling.MsgDecline,
		})
		_ = sess.Apply(ctx, EventMediaFailure, endReasonForMediaError(err))
		return nil
	}

	sess.attachMedia(handle)
	if applyErr := sess.Apply(ctx, EventLocalAccept); applyErr != nil {
		c.media.Release(sess.takeMedia())
		return applyErr
	}

	msg := signaling.Message{
		SessionID: sess.ID(),
		From:      c.selfID,
		To:        sess.Peer().ID,
		Type:      signaling.MsgAccept,
	}
	if sendErr := c.channel.Send(ctx, msg); sendErr != nil {
		return fmt.Errorf("accept not delivered: %w", sendErr)
	}
	return nil
}

// Decline rejects the current call. Valid in any non-terminal state; in a
// connected call it behaves as a hangup.
func (c *Controller) Decline(ctx context.Context) error {
	return c.terminateLocal(ctx, "Decline")
}

// HangUp terminates the current call. Valid in any non-terminal state,
// including while a media acquisition is still pending.
func (c *Controller) HangUp(ctx context.Context) error {
	return c.terminateLocal(ctx, "HangUp")
}

// terminateLocal releases media, notifies the peer best-effort and drives
// the session to ended. The local transition completes even when the
// notification cannot be delivered; the send failure is returned, wrapped,
// for display.
func (c *Controller) terminateLocal(ctx context.Context, op string) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	sess := c.session
	if sess == nil || !sess.Active() {
		return ErrNoActiveCall
	}

	var ev Event
	var msg signaling.Message
	switch sess.State() {
	case StateCalling:
		ev = EventLocalCancel
		msg = signaling.Message{
			SessionID: sess.ID(),
			From:      c.selfID,
			To:        sess.Peer().ID,
			Type:      signaling.MsgHangup,
			Hangup:    &signaling.HangupPayload{Reason: string(EndReasonLocalHangup)},
		}
	case StateRinging:
		ev = EventLocalDecline
		msg = signaling.Message{
			SessionID: sess.ID(),
			From:      c.selfID,
			To:        sess.Peer().ID,
			Type:      signaling.MsgDecline,
		}
	case StateConnected:
		ev = EventLocalHangup
		msg = signaling.Message{
			SessionID: sess.ID(),
			From:      c.selfID,
			To:        sess.Peer().ID,
			Type:      signaling.MsgHangup,
			Hangup:    &signaling.HangupPayload{Reason: string(EndReasonLocalHangup)},
		}
	default:
		return ErrNoActiveCall
	}

	// Release before the terminal transition so the handle invariant holds
	// the moment the session reads as ended.
	c.media.Release(sess.takeMedia())

	sendErr := c.channel.Send(ctx, msg)
	if applyErr := sess.Apply(ctx, ev); applyErr != nil {
		return applyErr
	}

	logrus.WithFields(logrus.Fields{
		"function":   op,
		"session_id": sess.ID(),
		"peer_id":    sess.Peer().ID,
		"reason":     string(sess.EndReason()),
	}).Info("Call terminated locally")

	if sendErr != nil {
		return fmt.Errorf("peer not notified: %w", sendErr)
	}
	return nil
}

// SetTrackEnabled toggles a local track mid-call and reports the change to
// the peer through the media-state side channel. Lifecycle state does not
// change.
func (c *Controller) SetTrackEnabled(ctx context.Context, track media.Track, enabled bool) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	sess := c.session
	if sess == nil || sess.State() != StateConnected {
		return ErrNoActiveCall
	}

	c.media.SetTrackEnabled(sess.Media(), track, enabled)

	msg := signaling.Message{
		SessionID:  sess.ID(),
		From:       c.selfID,
		To:         sess.Peer().ID,
		Type:       signaling.MsgMediaState,
		MediaState: &signaling.MediaStatePayload{Track: track.String(), Enabled: enabled},
	}
	if sendErr := c.channel.Send(ctx, msg); sendErr != nil {
		return fmt.Errorf("media state not delivered: %w", sendErr)
	}
	return nil
}

// HandleRemoteMessage is the single entry point for inbound signaling.
// Messages are dispatched into the state machine in arrival order; messages
// for unknown sessions or invalid states are logged and dropped.
func (c *Controller) HandleRemoteMessage(msg signaling.Message) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.closed {
		return
	}

	switch msg.Type {
	case signaling.MsgInvite:
		c.handleInviteLocked(msg)
	case signaling.MsgAccept:
		c.handleAcceptLocked(msg)
	case signaling.MsgDecline:
		c.handleTerminationLocked(msg)
	case signaling.MsgHangup:
		c.handleTerminationLocked(msg)
	case signaling.MsgMediaState:
		c.handleMediaStateLocked(msg)
	default:
		logrus.WithFields(logrus.Fields{
			"function":   "HandleRemoteMessage",
			"session_id": msg.SessionID,
			"type":       string(msg.Type),
		}).Warn("Dropping unknown signaling message")
	}
}

func (c *Controller) handleInviteLocked(msg signaling.Message) {
	if msg.Invite == nil {
		logrus.WithFields(logrus.Fields{
			"function":   "handleInviteLocked",
			"session_id": msg.SessionID,
		}).Warn("Dropping invite without payload")
		return
	}
	if c.session != nil && c.session.Active() {
		// Busy: reject rather than queue. The existing session is untouched.
		logrus.WithFields(logrus.Fields{
			"function":   "handleInviteLocked",
			"session_id": msg.SessionID,
			"from":       msg.From,
		}).Info("Busy, declining incoming invite")
		c.sendBestEffort(context.Background(), nil, signaling.Message{
			SessionID: msg.SessionID,
			From:      c.selfID,
			To:        msg.From,
			Type:      signaling.MsgDecline,
		})
		return
	}

	kind, err := media.ParseKind(msg.Invite.MediaKind)
	if err != nil {
		logrus.WithFields(logrus.Fields{
			"function":   "handleInviteLocked",
			"session_id": msg.SessionID,
			"error":      err.Error(),
		}).Warn("Dropping invite with unknown media kind")
		return
	}

	peerID := msg.Invite.PeerID
	if peerID == "" {
		peerID = msg.From
	}
	sess := newSession(sessionConfig{
		id:           msg.SessionID,
		direction:    DirectionIncoming,
		kind:         kind,
		peer:         Peer{ID: peerID},
		clock:        c.clock,
		graceWindow:  c.graceWindow,
		graceElapsed: c.graceElapsed,
	})
	c.replaceSessionLocked(sess)
	if err := sess.Apply(context.Background(), EventReceiveInvite); err != nil {
		c.session = nil
		return
	}

	if cb := c.incomingCallback; cb != nil {
		go cb(sess)
	}
}

func (c *Controller) handleAcceptLocked(msg signaling.Message) {
	sess := c.sessionForLocked(msg.SessionID)
	if sess == nil {
		return
	}
	if err := sess.Apply(context.Background(), EventRemoteAccept); err != nil {
		// Tie-break: a cancel that won the race already ended the session.
		// The accept is stale; tell the peer to tear down its side.
		logrus.WithFields(logrus.Fields{
			"function":   "handleAcceptLocked",
			"session_id": sess.ID(),
			"state":      string(sess.State()),
		}).Info("Late accept after local cancel, signaling peer to terminate")
		c.sendBestEffort(context.Background(), sess, signaling.Message{
			SessionID: sess.ID(),
			From:      c.selfID,
			To:        sess.Peer().ID,
			Type:      signaling.MsgHangup,
			Hangup:    &signaling.HangupPayload{Reason: string(EndReasonLocalHangup)},
		})
	}
}

func (c *Controller) handleTerminationLocked(msg signaling.Message) {
	sess := c.sessionForLocked(msg.SessionID)
	if sess == nil {
		return
	}

	// The event is chosen from the local state, not the message type. A
	// decline and a hangup arriving while we are still dialing both mean
	// the peer will not take the call, and either one arriving while
	// connected means the established call is over. Trusting the local
	// state keeps the end reason consistent when the two sides race.
	var ev Event
	switch sess.State() {
	case StateCalling:
		ev = EventRemoteDecline
	case StateRinging:
		ev = EventRemoteCancel
	case StateConnected:
		ev = EventRemoteHangup
	default:
		return
	}

	c.media.Release(sess.takeMedia())
	_ = sess.Apply(context.Background(), ev)

	logrus.WithFields(logrus.Fields{
		"function":   "handleTerminationLocked",
		"session_id": sess.ID(),
		"type":       string(msg.Type),
		"reason":     string(sess.EndReason()),
	}).Info("Call terminated by peer")
}

func (c *Controller) handleMediaStateLocked(msg signaling.Message) {
	if msg.MediaState == nil {
		return
	}
	sess := c.sessionForLocked(msg.SessionID)
	if sess == nil || sess.State() != StateConnected {
		return
	}

	var track media.Track
	switch msg.MediaState.Track {
	case "audio":
		track = media.TrackAudio
	case "video":
		track = media.TrackVideo
	default:
		return
	}

	logrus.WithFields(logrus.Fields{
		"function":   "handleMediaStateLocked",
		"session_id": sess.ID(),
		"track":      msg.MediaState.Track,
		"enabled":    msg.MediaState.Enabled,
	}).Debug("Peer toggled a track")

	if cb := c.remoteMediaCallback; cb != nil {
		go cb(sess, track, msg.MediaState.Enabled)
	}
}

// sessionForLocked returns the current session when the message belongs to
// it, nil otherwise.
func (c *Controller) sessionForLocked(sessionID string) *Session {
	if c.session == nil || c.session.ID() != sessionID {
		logrus.WithFields(logrus.Fields{
			"function":   "sessionForLocked",
			"session_id": sessionID,
		}).Debug("Dropping message for unknown session")
		return nil
	}
	return c.session
}

// replaceSessionLocked installs a new session, disposing the leftover one
// (ended or idle) so its grace timer never fires against the new call.
func (c *Controller) replaceSessionLocked(sess *Session) {
	if c.session != nil {
		c.session.dispose()
	}
	c.session = sess
	sess.SetTransitionListener(c.onTransition)
}

// onTransition fans completed transitions out to the registered callbacks.
// Runs inside the state machine; callbacks are dispatched on their own
// goroutine so they may call back into the controller.
func (c *Controller) onTransition(sess *Session, from, to State, ev Event) {
	if cb := c.stateCallback; cb != nil {
		go cb(sess, from, to)
	}
	if to == StateEnded {
		if cb := c.endedCallback; cb != nil {
			go cb(sess)
		}
	}
}

// graceElapsed is the session grace-timer hook: it returns the machine to
// idle, runs the defensive residual release, and clears the controller's
// current-session slot.
func (c *Controller) graceElapsed(sess *Session) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if err := sess.Apply(context.Background(), EventTimeoutElapsed); err != nil {
		return
	}
	// The handle should already be nil on every ended path; this is the
	// last line of defence against a leaked capture device.
	c.media.Release(sess.takeMedia())
	if c.session == sess {
		c.session = nil
	}
}

// sendBestEffort delivers a message without letting a channel failure
// affect the local state. Failures are logged only.
func (c *Controller) sendBestEffort(ctx context.Context, sess *Session, msg signaling.Message) {
	if err := c.channel.Send(ctx, msg); err != nil {
		fields := logrus.Fields{
			"function": "sendBestEffort",
			"type":     string(msg.Type),
			"error":    err.Error(),
		}
		if sess != nil {
			fields["session_id"] = sess.ID()
		}
		logrus.WithFields(fields).Warn("Best-effort signaling send failed")
	}
}

// Close shuts the controller down: an active call is hung up locally, the
// current session is disposed and further operations fail with
// ErrControllerClosed.
func (c *Controller) Close() error {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return nil
	}
	sess := c.session
	c.closed = true
	c.session = nil
	c.mu.Unlock()

	if sess != nil {
		if sess.Active() {
			c.media.Release(sess.takeMedia())
			_ = sess.Apply(context.Background(), terminalEventFor(sess.State()))
		}
		sess.dispose()
	}

	logrus.WithFields(logrus.Fields{
		"function": "Close",
		"self_id":  c.selfID,
	}).Info("Call controller closed")
	return nil
}

// terminalEventFor picks the local termination event for a state.
func terminalEventFor(state State) Event {
	switch state {
	case StateCalling:
		return EventLocalCancel
	case StateRinging:
		return EventLocalDecline
	default:
		return EventLocalHangup
	}
}

// endReasonForMediaError classifies an acquisition failure.
func endReasonForMediaError(err error) EndReason {
	if errors.Is(err, media.ErrPermissionDenied) {
		return EndReasonMediaDenied
	}
	return EndReasonFailed
}
