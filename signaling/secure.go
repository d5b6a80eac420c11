package signaling

import (
	"crypto/rand"
	"errors"
	"fmt"

	"github.com/flynn/noise"
	"golang.org/x/crypto/curve25519"
)

// Handshake errors.
var (
	// ErrHandshakeNotComplete indicates the handshake is still in progress.
	ErrHandshakeNotComplete = errors.New("handshake not complete")
	// ErrHandshakeComplete indicates the handshake already finished.
	ErrHandshakeComplete = errors.New("handshake already complete")
	// ErrInvalidHandshakeMessage indicates a message arrived out of order.
	ErrInvalidHandshakeMessage = errors.New("invalid message for current handshake state")
)

// HandshakeRole defines whether this side initiates or responds.
type HandshakeRole uint8

const (
	// Initiator starts the handshake and must know the peer's static key.
	Initiator HandshakeRole = iota
	// Responder answers a handshake initiation.
	Responder
)

// SecureSession encrypts signaling frames between two peers using the Noise
// IK pattern (Curve25519, ChaCha20-Poly1305, SHA-256).
//
// IK provides mutual authentication and forward secrecy for the case where
// the caller already knows the callee's static public key, which holds
// here, since peers exchange keys when they match. After the two handshake
// messages complete, the session implements FrameCipher and can be plugged
// into a WebsocketChannel.
type SecureSession struct {
	role       HandshakeRole
	state      *noise.HandshakeState
	sendCipher *noise.CipherState
	recvCipher *noise.CipherState
	complete   bool
}

// GenerateStaticKeypair creates a Curve25519 static keypair for a peer.
func GenerateStaticKeypair() (noise.DHKey, error) {
	key, err := noise.DH25519.GenerateKeypair(rand.Reader)
	if err != nil {
		return noise.DHKey{}, fmt.Errorf("generate static keypair: %w", err)
	}
	return key, nil
}

// PublicKeyFromPrivate recovers the Curve25519 public key for a stored
// 32-byte private key, for configurations that persist only the secret.
func PublicKeyFromPrivate(priv []byte) ([]byte, error) {
	if len(priv) != 32 {
		return nil, fmt.Errorf("private key must be 32 bytes, got %d", len(priv))
	}
	pub, err := curve25519.X25519(priv, curve25519.Basepoint)
	if err != nil {
		return nil, fmt.Errorf("derive public key: %w", err)
	}
	return pub, nil
}

// NewSecureSession creates an IK handshake session.
//
// staticKey is this side's long-term keypair. peerPub is the remote static
// public key; it is required for the initiator and ignored for the
// responder.
func NewSecureSession(role HandshakeRole, staticKey noise.DHKey, peerPub []byte) (*SecureSession, error) {
	if len(staticKey.Private) != 32 || len(staticKey.Public) != 32 {
		return nil, errors.New("static keypair must hold 32-byte keys")
	}
	if role == Initiator && len(peerPub) != 32 {
		return nil, fmt.Errorf("initiator requires a 32-byte peer public key, got %d", len(peerPub))
	}

	cfg := noise.Config{
		CipherSuite:   noise.NewCipherSuite(noise.DH25519, noise.CipherChaChaPoly, noise.HashSHA256),
		Random:        rand.Reader,
		Pattern:       noise.HandshakeIK,
		Initiator:     role == Initiator,
		StaticKeypair: staticKey,
	}
	if role == Initiator {
		cfg.PeerStatic = append([]byte(nil), peerPub...)
	}

	state, err := noise.NewHandshakeState(cfg)
	if err != nil {
		return nil, fmt.Errorf("create handshake state: %w", err)
	}

	return &SecureSession{role: role, state: state}, nil
}

// WriteHandshakeMessage produces the next outbound handshake message.
//
// The initiator writes first; the responder writes second, which completes
// the handshake on its side.
func (s *SecureSession) WriteHandshakeMessage() ([]byte, error) {
	if s.complete {
		return nil, ErrHandshakeComplete
	}

	msg, cs1, cs2, err := s.state.WriteMessage(nil, nil)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidHandshakeMessage, err)
	}
	if cs1 != nil && cs2 != nil {
		s.finish(cs1, cs2)
	}
	return msg, nil
}

// ReadHandshakeMessage consumes an inbound handshake message.
//
// Reading the second message completes the handshake on the initiator side.
func (s *SecureSession) ReadHandshakeMessage(msg []byte) error {
	if s.complete {
		return ErrHandshakeComplete
	}

	_, cs1, cs2, err := s.state.ReadMessage(nil, msg)
	if err != nil {
		return fmt.Errorf("%w: %v", ErrInvalidHandshakeMessage, err)
	}
	if cs1 != nil && cs2 != nil {
		s.finish(cs1, cs2)
	}
	return nil
}

// finish assigns the transport ciphers. The first cipher state encrypts the
// initiator-to-responder direction.
func (s *SecureSession) finish(cs1, cs2 *noise.CipherState) {
	if s.role == Initiator {
		s.sendCipher, s.recvCipher = cs1, cs2
	} else {
		s.sendCipher, s.recvCipher = cs2, cs1
	}
	s.complete = true
}

// Complete reports whether the handshake finished.
func (s *SecureSession) Complete() bool {
	return s.complete
}

// PeerStatic returns the remote static public key learned during the
// handshake. Valid once the responder has read the first message.
func (s *SecureSession) PeerStatic() []byte {
	return s.state.PeerStatic()
}

// Seal implements FrameCipher.
func (s *SecureSession) Seal(plaintext []byte) ([]byte, error) {
	if !s.complete {
		return nil, ErrHandshakeNotComplete
	}
	out, err := s.sendCipher.Encrypt(nil, nil, plaintext)
	if err != nil {
		return nil, fmt.Errorf("seal frame: %w", err)
	}
	return out, nil
}

// Open implements FrameCipher.
func (s *SecureSession) Open(ciphertext []byte) ([]byte, error) {
	if !s.complete {
		return nil, ErrHandshakeNotComplete
	}
	out, err := s.recvCipher.Decrypt(nil, nil, ciphertext)
	if err != nil {
		return nil, fmt.Errorf("open frame: %w", err)
	}
	return out, nil
}
