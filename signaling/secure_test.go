package signaling

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// handshakePair runs a complete IK handshake and returns both sessions.
func handshakePair(t *testing.T) (*SecureSession, *SecureSession) {
	t.Helper()

	initKey, err := GenerateStaticKeypair()
	require.NoError(t, err)
	respKey, err := GenerateStaticKeypair()
	require.NoError(t, err)

	init, err := NewSecureSession(Initiator, initKey, respKey.Public)
	require.NoError(t, err)
	resp, err := NewSecureSession(Responder, respKey, nil)
	require.NoError(t, err)

	msg1, err := init.WriteHandshakeMessage()
	require.NoError(t, err)
	require.NoError(t, resp.ReadHandshakeMessage(msg1))

	msg2, err := resp.WriteHandshakeMessage()
	require.NoError(t, err)
	require.NoError(t, init.ReadHandshakeMessage(msg2))

	require.True(t, init.Complete())
	require.True(t, resp.Complete())
	return init, resp
}

func TestSecureSessionHandshake(t *testing.T) {
	init, resp := handshakePair(t)

	// The responder learns the initiator's static key from the handshake.
	assert.Len(t, resp.PeerStatic(), 32)
	assert.NotNil(t, init)
}

func TestSecureSessionSealOpen(t *testing.T) {
	init, resp := handshakePair(t)

	frame := []byte(`{"session_id":"sess-1","type":"accept"}`)
	sealed, err := init.Seal(frame)
	require.NoError(t, err)
	assert.NotEqual(t, frame, sealed, "sealed frame must be ciphertext")

	opened, err := resp.Open(sealed)
	require.NoError(t, err)
	assert.Equal(t, frame, opened)

	// And the reverse direction.
	sealed, err = resp.Seal([]byte("pong"))
	require.NoError(t, err)
	opened, err = init.Open(sealed)
	require.NoError(t, err)
	assert.Equal(t, []byte("pong"), opened)
}

func TestSecureSessionOpenTamperedFrame(t *testing.T) {
	init, resp := handshakePair(t)

	sealed, err := init.Seal([]byte("hello"))
	require.NoError(t, err)
	sealed[0] ^= 0xff

	_, err = resp.Open(sealed)
	assert.Error(t, err, "tampered ciphertext must not decrypt")
}

func TestSecureSessionSealBeforeHandshake(t *testing.T) {
	key, err := GenerateStaticKeypair()
	require.NoError(t, err)
	peer, err := GenerateStaticKeypair()
	require.NoError(t, err)

	sess, err := NewSecureSession(Initiator, key, peer.Public)
	require.NoError(t, err)

	_, err = sess.Seal([]byte("early"))
	assert.ErrorIs(t, err, ErrHandshakeNotComplete)
	_, err = sess.Open([]byte("early"))
	assert.ErrorIs(t, err, ErrHandshakeNotComplete)
}

func TestSecureSessionHandshakeAfterComplete(t *testing.T) {
	init, _ := handshakePair(t)

	_, err := init.WriteHandshakeMessage()
	assert.ErrorIs(t, err, ErrHandshakeComplete)
	err = init.ReadHandshakeMessage([]byte("late"))
	assert.ErrorIs(t, err, ErrHandshakeComplete)
}

func TestNewSecureSessionInitiatorRequiresPeerKey(t *testing.T) {
	key, err := GenerateStaticKeypair()
	require.NoError(t, err)

	_, err = NewSecureSession(Initiator, key, nil)
	assert.Error(t, err)
}

func TestPublicKeyFromPrivate(t *testing.T) {
	key, err := GenerateStaticKeypair()
	require.NoError(t, err)

	pub, err := PublicKeyFromPrivate(key.Private)
	require.NoError(t, err)
	assert.Equal(t, key.Public, pub)

	_, err = PublicKeyFromPrivate([]byte("short"))
	assert.Error(t, err)
}
