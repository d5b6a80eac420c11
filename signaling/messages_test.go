package signaling

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestSerializeInvite(t *testing.T) {
	msg := &Message{
		SessionID: "sess-1",
		From:      "alice",
		To:        "bob",
		Type:      MsgInvite,
		Invite:    &InvitePayload{PeerID: "alice", MediaKind: "video"},
	}

	data, err := Serialize(msg)
	require.NoError(t, err)

	decoded, err := Deserialize(data)
	require.NoError(t, err)
	assert.Equal(t, "sess-1", decoded.SessionID)
	assert.Equal(t, MsgInvite, decoded.Type)
	require.NotNil(t, decoded.Invite)
	assert.Equal(t, "video", decoded.Invite.MediaKind)
	assert.Equal(t, "alice", decoded.Invite.PeerID)
}

func TestSerializeNilMessage(t *testing.T) {
	_, err := Serialize(nil)
	assert.Error(t, err)
}

func TestSerializeMissingSessionID(t *testing.T) {
	_, err := Serialize(&Message{Type: MsgAccept})
	assert.Error(t, err)
}

func TestSerializeInviteWithoutPayload(t *testing.T) {
	_, err := Serialize(&Message{SessionID: "sess-1", Type: MsgInvite})
	assert.Error(t, err)
}

func TestSerializeInviteUnknownKind(t *testing.T) {
	_, err := Serialize(&Message{
		SessionID: "sess-1",
		Type:      MsgInvite,
		Invite:    &InvitePayload{PeerID: "alice", MediaKind: "hologram"},
	})
	assert.Error(t, err)
}

func TestSerializeMediaStateValidation(t *testing.T) {
	_, err := Serialize(&Message{SessionID: "sess-1", Type: MsgMediaState})
	assert.Error(t, err, "media_state requires a payload")

	_, err = Serialize(&Message{
		SessionID:  "sess-1",
		Type:       MsgMediaState,
		MediaState: &MediaStatePayload{Track: "smell", Enabled: true},
	})
	assert.Error(t, err, "unknown track must be rejected")

	data, err := Serialize(&Message{
		SessionID:  "sess-1",
		Type:       MsgMediaState,
		MediaState: &MediaStatePayload{Track: "audio", Enabled: false},
	})
	require.NoError(t, err)

	decoded, err := Deserialize(data)
	require.NoError(t, err)
	assert.False(t, decoded.MediaState.Enabled)
}

func TestDeserializeUnknownType(t *testing.T) {
	_, err := Deserialize([]byte(`{"session_id":"sess-1","type":"teleport"}`))
	assert.Error(t, err)
}

func TestDeserializeMalformedJSON(t *testing.T) {
	_, err := Deserialize([]byte("not json"))
	assert.Error(t, err)
}

func TestHangupCarriesReason(t *testing.T) {
	data, err := Serialize(&Message{
		SessionID: "sess-9",
		Type:      MsgHangup,
		Hangup:    &HangupPayload{Reason: "local-hangup"},
	})
	require.NoError(t, err)

	decoded, err := Deserialize(data)
	require.NoError(t, err)
	require.NotNil(t, decoded.Hangup)
	assert.Equal(t, "local-hangup", decoded.Hangup.Reason)
}
