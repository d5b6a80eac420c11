package media

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestManagerAcquireVoice(t *testing.T) {
	provider := NewSimulatedProvider()
	manager, err := NewManager(provider)
	require.NoError(t, err)

	handle, err := manager.Acquire(context.Background(), KindVoice)
	require.NoError(t, err)
	require.NotNil(t, handle)

	assert.Equal(t, KindVoice, handle.Kind())
	assert.True(t, handle.TrackEnabled(TrackAudio), "audio track should be captured and enabled")
	assert.False(t, handle.TrackEnabled(TrackVideo), "voice handle should not carry a video track")
	assert.False(t, handle.Released())
}

func TestManagerAcquireVideo(t *testing.T) {
	manager, err := NewManager(NewSimulatedProvider())
	require.NoError(t, err)

	handle, err := manager.Acquire(context.Background(), KindVideo)
	require.NoError(t, err)

	assert.True(t, handle.TrackEnabled(TrackAudio), "video calls still capture audio")
	assert.True(t, handle.TrackEnabled(TrackVideo))
}

func TestManagerAcquirePermissionDenied(t *testing.T) {
	provider := NewSimulatedProvider()
	provider.DenyPermission(true)
	manager, err := NewManager(provider)
	require.NoError(t, err)

	handle, err := manager.Acquire(context.Background(), KindVideo)
	assert.Nil(t, handle)
	assert.ErrorIs(t, err, ErrPermissionDenied)
}

func TestManagerAcquireDeviceUnavailable(t *testing.T) {
	provider := NewSimulatedProvider()
	provider.RemoveDevices(true)
	manager, err := NewManager(provider)
	require.NoError(t, err)

	handle, err := manager.Acquire(context.Background(), KindVoice)
	assert.Nil(t, handle)
	assert.ErrorIs(t, err, ErrDeviceUnavailable)
}

func TestManagerAcquireContextCancelled(t *testing.T) {
	provider := NewSimulatedProvider()
	release := provider.HoldPrompt()
	defer release()

	manager, err := NewManager(provider)
	require.NoError(t, err)

	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()

	handle, err := manager.Acquire(ctx, KindVoice)
	assert.Nil(t, handle)
	assert.ErrorIs(t, err, context.DeadlineExceeded)
}

func TestManagerReleaseStopsAllTracks(t *testing.T) {
	manager, err := NewManager(NewSimulatedProvider())
	require.NoError(t, err)

	handle, err := manager.Acquire(context.Background(), KindVideo)
	require.NoError(t, err)

	tracks := make([]*simulatedTrack, 0, len(handle.tracks))
	for _, ct := range handle.tracks {
		tracks = append(tracks, ct.(*simulatedTrack))
	}

	manager.Release(handle)
	assert.True(t, handle.Released())
	for _, track := range tracks {
		assert.True(t, track.Stopped(), "track %s should be stopped after release", track.Kind())
	}
}

func TestManagerReleaseIdempotent(t *testing.T) {
	manager, err := NewManager(NewSimulatedProvider())
	require.NoError(t, err)

	handle, err := manager.Acquire(context.Background(), KindVoice)
	require.NoError(t, err)

	manager.Release(handle)
	manager.Release(handle)
	manager.Release(nil)
	assert.True(t, handle.Released())
}

func TestManagerSetTrackEnabled(t *testing.T) {
	manager, err := NewManager(NewSimulatedProvider())
	require.NoError(t, err)

	handle, err := manager.Acquire(context.Background(), KindVideo)
	require.NoError(t, err)

	manager.SetTrackEnabled(handle, TrackAudio, false)
	assert.False(t, handle.TrackEnabled(TrackAudio), "audio should be muted")
	assert.True(t, handle.TrackEnabled(TrackVideo))

	manager.SetTrackEnabled(handle, TrackAudio, true)
	assert.True(t, handle.TrackEnabled(TrackAudio), "audio should be unmuted")
}

func TestManagerSetTrackEnabledMissingTrack(t *testing.T) {
	manager, err := NewManager(NewSimulatedProvider())
	require.NoError(t, err)

	handle, err := manager.Acquire(context.Background(), KindVoice)
	require.NoError(t, err)

	// Toggling video on a voice-only handle must be a silent no-op.
	manager.SetTrackEnabled(handle, TrackVideo, false)
	manager.SetTrackEnabled(handle, TrackVideo, true)
	assert.False(t, handle.TrackEnabled(TrackVideo))
	assert.True(t, handle.TrackEnabled(TrackAudio))
}

func TestManagerSetTrackEnabledAfterRelease(t *testing.T) {
	manager, err := NewManager(NewSimulatedProvider())
	require.NoError(t, err)

	handle, err := manager.Acquire(context.Background(), KindVoice)
	require.NoError(t, err)

	manager.Release(handle)
	manager.SetTrackEnabled(handle, TrackAudio, true)
	assert.False(t, handle.TrackEnabled(TrackAudio))
}

func TestNewManagerNilProvider(t *testing.T) {
	manager, err := NewManager(nil)
	assert.Nil(t, manager)
	assert.Error(t, err)
}

func TestParseKind(t *testing.T) {
	kind, err := ParseKind("voice")
	require.NoError(t, err)
	assert.Equal(t, KindVoice, kind)

	kind, err = ParseKind("video")
	require.NoError(t, err)
	assert.Equal(t, KindVideo, kind)

	_, err = ParseKind("telepathy")
	assert.Error(t, err)
}
