// Package callkit bundles the call session core behind one object.
//
// CallKit wires the media manager, the call controller, the signaling
// channel and the history recorder together the way an application embeds
// them: construct one CallKit per signed-in user, register callbacks, place
// and answer calls. The underlying packages stay importable on their own
// for applications that need a different assembly.
package callkit

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/tandemly/callkit/call"
	"github.com/tandemly/callkit/history"
	"github.com/tandemly/callkit/media"
	"github.com/tandemly/callkit/signaling"
)

// CallKit is the high-level calling facade.
type CallKit struct {
	controller *call.Controller
	media      *media.Manager
	channel    signaling.Channel
	recorder   *history.Recorder
	historyRep history.Repository

	mu sync.RWMutex

	incomingCb func(sess *call.Session)
	stateCb    func(sess *call.Session, from, to call.State)
	endedCb    func(sess *call.Session)
	mediaCb    func(sess *call.Session, track media.Track, enabled bool)
}

// Options configures a CallKit instance.
type Options struct {
	// SelfID identifies the local user on outbound envelopes. Required.
	SelfID string
	// Provider opens capture devices; defaults to the simulated provider,
	// which real applications replace with a platform implementation.
	Provider media.DeviceProvider
	// History persists finished calls; defaults to in-memory.
	History history.Repository
	// Clock and GraceWindow are test hooks; zero values use the defaults.
	Clock       call.TimeProvider
	GraceWindow time.Duration
}

// New creates a CallKit over the given signaling channel.
func New(channel signaling.Channel, opts Options) (*CallKit, error) {
	if channel == nil {
		return nil, errors.New("signaling channel cannot be nil")
	}
	if opts.SelfID == "" {
		return nil, errors.New("self id is required")
	}

	provider := opts.Provider
	if provider == nil {
		provider = media.NewSimulatedProvider()
	}
	mgr, err := media.NewManager(provider)
	if err != nil {
		return nil, err
	}

	repo := opts.History
	if repo == nil {
		repo = history.NewMemoryRepository()
	}
	recorder, err := history.NewRecorder(repo)
	if err != nil {
		return nil, err
	}

	ctrlOpts := []call.Option{call.WithSelfID(opts.SelfID)}
	if opts.Clock != nil {
		ctrlOpts = append(ctrlOpts, call.WithTimeProvider(opts.Clock))
	}
	if opts.GraceWindow > 0 {
		ctrlOpts = append(ctrlOpts, call.WithGraceWindow(opts.GraceWindow))
	}

	controller, err := call.NewController(mgr, channel, ctrlOpts...)
	if err != nil {
		return nil, err
	}

	k := &CallKit{
		controller: controller,
		media:      mgr,
		channel:    channel,
		recorder:   recorder,
		historyRep: repo,
	}

	controller.SetIncomingCallback(k.onIncoming)
	controller.SetStateCallback(k.onState)
	controller.SetEndedCallback(k.onEnded)
	controller.SetRemoteMediaCallback(k.onRemoteMedia)

	logrus.WithFields(logrus.Fields{
		"function": "New",
		"self_id":  opts.SelfID,
	}).Info("CallKit created")

	return k, nil
}

// OnIncomingCall registers the callback invoked when a call starts ringing.
func (k *CallKit) OnIncomingCall(cb func(sess *call.Session)) {
	k.mu.Lock()
	defer k.mu.Unlock()
	k.incomingCb = cb
}

// OnStateChange registers the callback invoked on every session transition.
func (k *CallKit) OnStateChange(cb func(sess *call.Session, from, to call.State)) {
	k.mu.Lock()
	defer k.mu.Unlock()
	k.stateCb = cb
}

// OnCallEnded registers the callback invoked once when a session ends.
func (k *CallKit) OnCallEnded(cb func(sess *call.Session)) {
	k.mu.Lock()
	defer k.mu.Unlock()
	k.endedCb = cb
}

// OnRemoteMediaChange registers the callback for the peer's track toggles.
func (k *CallKit) OnRemoteMediaChange(cb func(sess *call.Session, track media.Track, enabled bool)) {
	k.mu.Lock()
	defer k.mu.Unlock()
	k.mediaCb = cb
}

// PlaceCall starts an outgoing call.
func (k *CallKit) PlaceCall(ctx context.Context, peer call.Peer, kind media.Kind) (*call.Session, error) {
	return k.controller.PlaceCall(ctx, peer, kind)
}

// Accept answers the ringing call.
func (k *CallKit) Accept(ctx context.Context) error {
	return k.controller.AcceptIncoming(ctx)
}

// Decline rejects the ringing call.
func (k *CallKit) Decline(ctx context.Context) error {
	return k.controller.Decline(ctx)
}

// HangUp terminates the current call in any non-terminal state.
func (k *CallKit) HangUp(ctx context.Context) error {
	return k.controller.HangUp(ctx)
}

// SetMuted toggles the local audio track; muted true disables it.
func (k *CallKit) SetMuted(ctx context.Context, muted bool) error {
	return k.controller.SetTrackEnabled(ctx, media.TrackAudio, !muted)
}

// SetCameraEnabled toggles the local video track.
func (k *CallKit) SetCameraEnabled(ctx context.Context, enabled bool) error {
	return k.controller.SetTrackEnabled(ctx, media.TrackVideo, enabled)
}

// ActiveSession returns the current session, nil when idle.
func (k *CallKit) ActiveSession() *call.Session {
	return k.controller.ActiveSession()
}

// History lists finished calls, newest first.
func (k *CallKit) History(ctx context.Context, q history.Query) ([]history.Record, error) {
	return k.historyRep.List(ctx, q)
}

// HistoryStats aggregates the finished calls.
func (k *CallKit) HistoryStats(ctx context.Context) (history.Stats, error) {
	return k.historyRep.Stats(ctx)
}

// Close hangs up any active call and shuts the controller and channel down.
func (k *CallKit) Close() error {
	err := k.controller.Close()
	if cerr := k.channel.Close(); err == nil {
		err = cerr
	}
	return err
}

func (k *CallKit) onIncoming(sess *call.Session) {
	k.mu.RLock()
	cb := k.incomingCb
	k.mu.RUnlock()
	if cb != nil {
		cb(sess)
	}
}

func (k *CallKit) onState(sess *call.Session, from, to call.State) {
	k.mu.RLock()
	cb := k.stateCb
	k.mu.RUnlock()
	if cb != nil {
		cb(sess, from, to)
	}
}

func (k *CallKit) onEnded(sess *call.Session) {
	k.recorder.RecordSession(sess)

	k.mu.RLock()
	cb := k.endedCb
	k.mu.RUnlock()
	if cb != nil {
		cb(sess)
	}
}

func (k *CallKit) onRemoteMedia(sess *call.Session, track media.Track, enabled bool) {
	k.mu.RLock()
	cb := k.mediaCb
	k.mu.RUnlock()
	if cb != nil {
		cb(sess, track, enabled)
	}
}
