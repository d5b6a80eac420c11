package call

import (
	"context"
	"fmt"

	"github.com/looplab/fsm"
	"github.com/sirupsen/logrus"
)

// State is a call session lifecycle state.
type State string

const (
	// StateIdle is the initial state; a session returns here after the
	// post-call grace window and is then eligible for disposal.
	StateIdle State = "idle"
	// StateCalling is an outgoing call awaiting the remote accept.
	StateCalling State = "calling"
	// StateRinging is an incoming call awaiting the local accept or decline.
	StateRinging State = "ringing"
	// StateConnected is a live call; the duration clock runs here.
	StateConnected State = "connected"
	// StateEnded is terminal for the call itself; the machine returns to
	// idle after the grace window so the UI can show a post-call summary.
	StateEnded State = "ended"
)

// Event drives a session transition.
type Event string

const (
	EventPlaceCall      Event = "place_call"
	EventReceiveInvite  Event = "receive_invite"
	EventRemoteAccept   Event = "remote_accept"
	EventRemoteDecline  Event = "remote_decline"
	EventLocalCancel    Event = "local_cancel"
	EventLocalAccept    Event = "local_accept"
	EventLocalDecline   Event = "local_decline"
	EventRemoteCancel   Event = "remote_cancel"
	EventLocalHangup    Event = "local_hangup"
	EventRemoteHangup   Event = "remote_hangup"
	EventMediaFailure   Event = "media_failure"
	EventTimeoutElapsed Event = "timeout_elapsed"
)

// newStateMachine builds the transition table for a session.
//
// States and events mirror the session lifecycle exactly; anything not in
// the table is rejected by the fsm and surfaces as ErrInvalidTransition.
func (s *Session) newStateMachine() *fsm.FSM {
	return fsm.NewFSM(
		string(StateIdle),
		fsm.Events{
			{Name: string(EventPlaceCall), Src: []string{string(StateIdle)}, Dst: string(StateCalling)},
			{Name: string(EventReceiveInvite), Src: []string{string(StateIdle)}, Dst: string(StateRinging)},
			{Name: string(EventRemoteAccept), Src: []string{string(StateCalling)}, Dst: string(StateConnected)},
			{Name: string(EventRemoteDecline), Src: []string{string(StateCalling)}, Dst: string(StateEnded)},
			{Name: string(EventLocalCancel), Src: []string{string(StateCalling)}, Dst: string(StateEnded)},
			{Name: string(EventLocalAccept), Src: []string{string(StateRinging)}, Dst: string(StateConnected)},
			{Name: string(EventLocalDecline), Src: []string{string(StateRinging)}, Dst: string(StateEnded)},
			{Name: string(EventRemoteCancel), Src: []string{string(StateRinging)}, Dst: string(StateEnded)},
			{Name: string(EventLocalHangup), Src: []string{string(StateConnected)}, Dst: string(StateEnded)},
			{Name: string(EventRemoteHangup), Src: []string{string(StateConnected)}, Dst: string(StateEnded)},
			{Name: string(EventMediaFailure), Src: []string{
				string(StateCalling), string(StateRinging), string(StateConnected),
			}, Dst: string(StateEnded)},
			{Name: string(EventTimeoutElapsed), Src: []string{string(StateEnded)}, Dst: string(StateIdle)},
		},
		fsm.Callbacks{
			"enter_" + string(StateConnected): func(ctx context.Context, e *fsm.Event) {
				s.markConnected()
			},
			"enter_" + string(StateEnded): func(ctx context.Context, e *fsm.Event) {
				s.markEnded(endReasonForEvent(e))
			},
			"after_event": func(ctx context.Context, e *fsm.Event) {
				s.handleTransition(State(e.Src), State(e.Dst), Event(e.Event))
			},
		},
	)
}

// endReasonForEvent maps a terminating event to the recorded end reason.
// Media failures carry their reason as an event argument because the same
// event covers both a denied permission and a device failure.
func endReasonForEvent(e *fsm.Event) EndReason {
	switch Event(e.Event) {
	case EventRemoteDecline, EventLocalDecline:
		return EndReasonDeclined
	case EventLocalCancel, EventLocalHangup:
		return EndReasonLocalHangup
	case EventRemoteCancel, EventRemoteHangup:
		return EndReasonRemoteHangup
	case EventMediaFailure:
		if len(e.Args) > 0 {
			if reason, ok := e.Args[0].(EndReason); ok {
				return reason
			}
		}
		return EndReasonFailed
	default:
		return EndReasonFailed
	}
}

// Apply feeds one event into the session machine.
//
// Invalid events are rejected with ErrInvalidTransition and leave the
// session untouched. Events for the same session never interleave: the
// underlying fsm runs every transition, including its callbacks, to
// completion before accepting the next event.
func (s *Session) Apply(ctx context.Context, ev Event, args ...interface{}) error {
	current := s.State()
	if err := s.fsm.Event(ctx, string(ev), args...); err != nil {
		logrus.WithFields(logrus.Fields{
			"function":   "Apply",
			"session_id": s.id,
			"event":      string(ev),
			"state":      string(current),
		}).Debug("Rejected event")
		return fmt.Errorf("%w: event %q in state %q", ErrInvalidTransition, ev, current)
	}
	return nil
}

// handleTransition runs after every completed transition: it manages the
// grace timer and fans the change out to the session's listener.
func (s *Session) handleTransition(from, to State, ev Event) {
	logrus.WithFields(logrus.Fields{
		"function":   "handleTransition",
		"session_id": s.id,
		"from":       string(from),
		"to":         string(to),
		"event":      string(ev),
	}).Info("Call session transition")

	switch to {
	case StateEnded:
		s.scheduleGraceTimer()
	case StateIdle:
		s.stopGraceTimer()
	}

	s.mu.RLock()
	notify := s.notify
	s.mu.RUnlock()
	if notify != nil {
		notify(s, from, to, ev)
	}
}

// scheduleGraceTimer arms the ended-to-idle timer. The timer callback goes
// through the session's graceElapsed hook so the owning controller can run
// its defensive cleanup under its own lock.
func (s *Session) scheduleGraceTimer() {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.graceTimer != nil {
		s.graceTimer.Stop()
	}
	s.graceTimer = s.clock.AfterFunc(s.graceWindow, func() {
		s.mu.RLock()
		elapsed := s.graceElapsed
		s.mu.RUnlock()
		if elapsed != nil {
			elapsed(s)
			return
		}
		_ = s.Apply(context.Background(), EventTimeoutElapsed)
	})
}

// stopGraceTimer cancels the pending ended-to-idle timer, if any. Safe to call
// at any point; a stopped timer never fires.
func (s *Session) stopGraceTimer() {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.graceTimer != nil {
		s.graceTimer.Stop()
		s.graceTimer = nil
	}
}
