package media

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"github.com/google/uuid"
	"github.com/sirupsen/logrus"
)

// Kind selects which capture devices a call needs.
type Kind uint8

const (
	// KindVoice captures audio only.
	KindVoice Kind = iota
	// KindVideo captures audio and video.
	KindVideo
)

func (k Kind) String() string {
	switch k {
	case KindVoice:
		return "voice"
	case KindVideo:
		return "video"
	default:
		return "unknown"
	}
}

// ParseKind converts the wire representation of a media kind.
func ParseKind(s string) (Kind, error) {
	switch s {
	case "voice":
		return KindVoice, nil
	case "video":
		return KindVideo, nil
	default:
		return KindVoice, fmt.Errorf("unknown media kind %q", s)
	}
}

// Track identifies one capture track within a handle.
type Track uint8

const (
	// TrackAudio is the microphone track.
	TrackAudio Track = iota
	// TrackVideo is the camera track.
	TrackVideo
)

func (t Track) String() string {
	switch t {
	case TrackAudio:
		return "audio"
	case TrackVideo:
		return "video"
	default:
		return "unknown"
	}
}

// Sentinel errors for acquisition failures.
// These enable reliable classification using errors.Is().
var (
	// ErrPermissionDenied indicates the user declined the capture permission prompt.
	ErrPermissionDenied = errors.New("capture permission denied")

	// ErrDeviceUnavailable indicates no compatible capture device exists.
	ErrDeviceUnavailable = errors.New("capture device unavailable")
)

// CaptureTrack is one live device track owned by a Handle.
//
// Implementations are supplied by a DeviceProvider. SetEnabled toggles the
// track without releasing the device (mute / camera-off); Stop releases the
// device and must be safe to call more than once.
type CaptureTrack interface {
	Kind() Track
	SetEnabled(enabled bool)
	Enabled() bool
	Stop()
}

// DeviceProvider opens local capture devices.
//
// Open blocks until the user grants or denies permission, or until ctx is
// cancelled. On success it returns one track per captured kind (audio always;
// video only for KindVideo). Failures are reported with ErrPermissionDenied
// or ErrDeviceUnavailable so the caller can distinguish them.
type DeviceProvider interface {
	Open(ctx context.Context, kind Kind) ([]CaptureTrack, error)
}

// Handle is the ownership token for a set of acquired capture tracks.
//
// A handle belongs to exactly one call session at a time. Once released it
// is inert: every accessor reports the released state and releasing again is
// a no-op.
type Handle struct {
	id     string
	kind   Kind
	tracks map[Track]CaptureTrack

	mu       sync.Mutex
	released bool
}

// ID returns the opaque handle identifier, used only for logging.
func (h *Handle) ID() string {
	return h.id
}

// Kind returns the media kind the handle was acquired for.
func (h *Handle) Kind() Kind {
	return h.kind
}

// Released reports whether the handle's tracks have been stopped.
func (h *Handle) Released() bool {
	if h == nil {
		return true
	}
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.released
}

// TrackEnabled reports whether the given track exists and is enabled.
func (h *Handle) TrackEnabled(track Track) bool {
	if h == nil {
		return false
	}
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.released {
		return false
	}
	t, ok := h.tracks[track]
	return ok && t.Enabled()
}

// Manager acquires and releases local capture resources.
//
// The Manager itself is stateless apart from its provider; ownership of the
// acquired tracks lives in the Handle. This mirrors the split between the
// device layer and the call layer: the call session owns the handle, the
// manager only knows how to create and destroy one.
type Manager struct {
	provider DeviceProvider
}

// NewManager creates a resource manager backed by the given device provider.
func NewManager(provider DeviceProvider) (*Manager, error) {
	if provider == nil {
		return nil, errors.New("device provider cannot be nil")
	}
	return &Manager{provider: provider}, nil
}

// Acquire requests capture devices matching kind.
//
// Audio is always captured; video is added for KindVideo. The call blocks
// until the provider resolves the permission prompt or ctx is cancelled.
// Failures are returned wrapped around ErrPermissionDenied or
// ErrDeviceUnavailable.
func (m *Manager) Acquire(ctx context.Context, kind Kind) (*Handle, error) {
	logrus.WithFields(logrus.Fields{
		"function": "Acquire",
		"kind":     kind.String(),
	}).Debug("Requesting capture devices")

	tracks, err := m.provider.Open(ctx, kind)
	if err != nil {
		logrus.WithFields(logrus.Fields{
			"function": "Acquire",
			"kind":     kind.String(),
			"error":    err.Error(),
		}).Warn("Capture acquisition failed")
		return nil, fmt.Errorf("acquire %s media: %w", kind, err)
	}

	handle := &Handle{
		id:     uuid.NewString(),
		kind:   kind,
		tracks: make(map[Track]CaptureTrack, len(tracks)),
	}
	for _, t := range tracks {
		handle.tracks[t.Kind()] = t
	}

	logrus.WithFields(logrus.Fields{
		"function":  "Acquire",
		"handle_id": handle.id,
		"kind":      kind.String(),
		"tracks":    len(handle.tracks),
	}).Info("Capture devices acquired")

	return handle, nil
}

// Release stops every track owned by the handle.
//
// Releasing a nil or already-released handle is a no-op, never an error.
// Both the cancellation path and the normal hangup path may call this for
// the same handle.
func (m *Manager) Release(h *Handle) {
	if h == nil {
		return
	}
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.released {
		return
	}
	for _, t := range h.tracks {
		t.Stop()
	}
	h.released = true

	logrus.WithFields(logrus.Fields{
		"function":  "Release",
		"handle_id": h.id,
		"kind":      h.kind.String(),
	}).Info("Capture devices released")
}

// SetTrackEnabled toggles a track without releasing the resource.
//
// Toggling a track kind the handle never acquired (for example video on a
// voice-only handle) is a no-op, as is toggling a released handle.
func (m *Manager) SetTrackEnabled(h *Handle, track Track, enabled bool) {
	if h == nil {
		return
	}
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.released {
		return
	}
	t, ok := h.tracks[track]
	if !ok {
		logrus.WithFields(logrus.Fields{
			"function":  "SetTrackEnabled",
			"handle_id": h.id,
			"track":     track.String(),
		}).Debug("Track not present on handle, ignoring toggle")
		return
	}
	t.SetEnabled(enabled)

	logrus.WithFields(logrus.Fields{
		"function":  "SetTrackEnabled",
		"handle_id": h.id,
		"track":     track.String(),
		"enabled":   enabled,
	}).Debug("Track toggled")
}
