package media

import (
	"context"
	"sync"
	"time"
)

// SimulatedProvider is a DeviceProvider backed by in-memory tracks.
//
// It stands in for a real device layer in tests and demos. The permission
// outcome is configurable, an optional delay simulates the user thinking
// about the prompt, and an optional gate channel lets a test hold the
// acquisition open until it decides to resolve it.
type SimulatedProvider struct {
	mu sync.Mutex

	// denyPermission makes every Open fail with ErrPermissionDenied.
	denyPermission bool
	// noDevice makes every Open fail with ErrDeviceUnavailable.
	noDevice bool
	// promptDelay delays Open before resolving, simulating the prompt.
	promptDelay time.Duration
	// gate, when set, blocks Open until the channel is closed.
	gate chan struct{}
}

// NewSimulatedProvider returns a provider that grants every request immediately.
func NewSimulatedProvider() *SimulatedProvider {
	return &SimulatedProvider{}
}

// DenyPermission configures whether subsequent Opens are declined by the user.
func (p *SimulatedProvider) DenyPermission(deny bool) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.denyPermission = deny
}

// RemoveDevices configures whether subsequent Opens find no compatible device.
func (p *SimulatedProvider) RemoveDevices(removed bool) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.noDevice = removed
}

// SetPromptDelay delays every Open by d before resolving.
func (p *SimulatedProvider) SetPromptDelay(d time.Duration) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.promptDelay = d
}

// HoldPrompt blocks every subsequent Open until the returned release
// function is called. Used by tests that race a hangup against a pending
// acquisition.
func (p *SimulatedProvider) HoldPrompt() (release func()) {
	p.mu.Lock()
	defer p.mu.Unlock()
	gate := make(chan struct{})
	p.gate = gate
	var once sync.Once
	return func() { once.Do(func() { close(gate) }) }
}

// Open implements DeviceProvider.
func (p *SimulatedProvider) Open(ctx context.Context, kind Kind) ([]CaptureTrack, error) {
	p.mu.Lock()
	deny := p.denyPermission
	missing := p.noDevice
	delay := p.promptDelay
	gate := p.gate
	p.mu.Unlock()

	if gate != nil {
		select {
		case <-gate:
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}
	if delay > 0 {
		select {
		case <-time.After(delay):
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}

	if missing {
		return nil, ErrDeviceUnavailable
	}
	if deny {
		return nil, ErrPermissionDenied
	}

	tracks := []CaptureTrack{newSimulatedTrack(TrackAudio)}
	if kind == KindVideo {
		tracks = append(tracks, newSimulatedTrack(TrackVideo))
	}
	return tracks, nil
}

// simulatedTrack is an in-memory CaptureTrack.
type simulatedTrack struct {
	kind Track

	mu      sync.Mutex
	enabled bool
	stopped bool
}

func newSimulatedTrack(kind Track) *simulatedTrack {
	return &simulatedTrack{kind: kind, enabled: true}
}

func (t *simulatedTrack) Kind() Track {
	return t.kind
}

func (t *simulatedTrack) SetEnabled(enabled bool) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.stopped {
		return
	}
	t.enabled = enabled
}

func (t *simulatedTrack) Enabled() bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.enabled && !t.stopped
}

func (t *simulatedTrack) Stop() {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.stopped = true
	t.enabled = false
}

// Stopped reports whether the track has been stopped. Test helper.
func (t *simulatedTrack) Stopped() bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.stopped
}
