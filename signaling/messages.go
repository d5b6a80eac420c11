package signaling

import (
	"encoding/json"
	"errors"
	"fmt"

	"github.com/sirupsen/logrus"
)

// MessageType identifies a call-control message.
type MessageType string

const (
	// MsgInvite asks the recipient to join a call.
	MsgInvite MessageType = "invite"
	// MsgAccept confirms an invite.
	MsgAccept MessageType = "accept"
	// MsgDecline rejects an invite.
	MsgDecline MessageType = "decline"
	// MsgHangup terminates a call in any state.
	MsgHangup MessageType = "hangup"
	// MsgMediaState reports an in-call mute / camera toggle.
	MsgMediaState MessageType = "media_state"
)

// InvitePayload carries the details of a call invitation.
type InvitePayload struct {
	// PeerID is the inviting user's identity, for display lookup.
	PeerID string `json:"peer_id"`
	// MediaKind is "voice" or "video".
	MediaKind string `json:"media_kind"`
}

// HangupPayload names which side terminated and why.
type HangupPayload struct {
	Reason string `json:"reason"`
}

// MediaStatePayload reports a track toggle without a lifecycle transition.
type MediaStatePayload struct {
	// Track is "audio" or "video".
	Track string `json:"track"`
	// Enabled is the new state of the track.
	Enabled bool `json:"enabled"`
}

// Message is the envelope exchanged over a Channel.
//
// Every message is tagged with the session it belongs to. From and To are
// routing hints consumed by the relay; the call core only reads SessionID,
// Type and the typed payloads.
type Message struct {
	SessionID string      `json:"session_id"`
	From      string      `json:"from,omitempty"`
	To        string      `json:"to,omitempty"`
	Type      MessageType `json:"type"`

	Invite     *InvitePayload     `json:"invite,omitempty"`
	Hangup     *HangupPayload     `json:"hangup,omitempty"`
	MediaState *MediaStatePayload `json:"media_state,omitempty"`

	// Payload is an escape hatch for layers below the call-control
	// protocol. The core never inspects it.
	Payload json.RawMessage `json:"payload,omitempty"`
}

// Serialize converts a Message to bytes for transmission.
func Serialize(msg *Message) ([]byte, error) {
	if msg == nil {
		return nil, errors.New("message is nil")
	}
	if err := validate(msg); err != nil {
		logrus.WithFields(logrus.Fields{
			"function": "Serialize",
			"type":     string(msg.Type),
			"error":    err.Error(),
		}).Error("Invalid signaling message")
		return nil, err
	}
	data, err := json.Marshal(msg)
	if err != nil {
		return nil, fmt.Errorf("marshal signaling message: %w", err)
	}
	return data, nil
}

// Deserialize converts bytes back into a Message, validating the envelope.
func Deserialize(data []byte) (*Message, error) {
	var msg Message
	if err := json.Unmarshal(data, &msg); err != nil {
		return nil, fmt.Errorf("unmarshal signaling message: %w", err)
	}
	if err := validate(&msg); err != nil {
		return nil, err
	}
	return &msg, nil
}

func validate(msg *Message) error {
	if msg.SessionID == "" {
		return errors.New("signaling message missing session id")
	}
	switch msg.Type {
	case MsgInvite:
		if msg.Invite == nil {
			return errors.New("invite message missing payload")
		}
		if msg.Invite.MediaKind != "voice" && msg.Invite.MediaKind != "video" {
			return fmt.Errorf("invite message has unknown media kind %q", msg.Invite.MediaKind)
		}
	case MsgMediaState:
		if msg.MediaState == nil {
			return errors.New("media_state message missing payload")
		}
		if msg.MediaState.Track != "audio" && msg.MediaState.Track != "video" {
			return fmt.Errorf("media_state message has unknown track %q", msg.MediaState.Track)
		}
	case MsgAccept, MsgDecline, MsgHangup:
		// No required payload. Hangup reason is informational.
	default:
		return fmt.Errorf("unknown signaling message type %q", msg.Type)
	}
	return nil
}
