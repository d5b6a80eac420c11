package signaling

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"github.com/sirupsen/logrus"
)

// FrameCipher encrypts signaling frames on the wire. Implemented by
// SecureSession once its handshake completes; nil means plaintext frames.
type FrameCipher interface {
	Seal(plaintext []byte) ([]byte, error)
	Open(ciphertext []byte) ([]byte, error)
}

// WebsocketChannel is a Channel backed by a websocket connection to the
// signaling relay.
//
// gorilla/websocket permits a single concurrent writer, so Send serializes
// writes behind a mutex. A read pump goroutine delivers inbound messages to
// the handler one at a time, preserving arrival order.
type WebsocketChannel struct {
	conn   *websocket.Conn
	cipher FrameCipher

	writeMu sync.Mutex

	mu      sync.Mutex
	handler Handler
	closed  bool
	done    chan struct{}

	writeTimeout time.Duration
}

// WebsocketOption configures a WebsocketChannel.
type WebsocketOption func(*WebsocketChannel)

// WithFrameCipher encrypts every frame with the given cipher. The cipher's
// handshake must already be complete.
func WithFrameCipher(cipher FrameCipher) WebsocketOption {
	return func(c *WebsocketChannel) {
		c.cipher = cipher
	}
}

// WithWriteTimeout bounds how long a Send may block on the socket.
func WithWriteTimeout(d time.Duration) WebsocketOption {
	return func(c *WebsocketChannel) {
		c.writeTimeout = d
	}
}

// DialWebsocket connects to the relay at url (ws:// or wss://) and returns a
// ready channel. The header typically carries the bearer token the relay's
// auth middleware expects.
func DialWebsocket(ctx context.Context, url string, header http.Header, opts ...WebsocketOption) (*WebsocketChannel, error) {
	conn, resp, err := websocket.DefaultDialer.DialContext(ctx, url, header)
	if err != nil {
		status := 0
		if resp != nil {
			status = resp.StatusCode
		}
		logrus.WithFields(logrus.Fields{
			"function": "DialWebsocket",
			"url":      url,
			"status":   status,
			"error":    err.Error(),
		}).Error("Relay dial failed")
		return nil, fmt.Errorf("dial signaling relay: %w", err)
	}

	c := &WebsocketChannel{
		conn:         conn,
		done:         make(chan struct{}),
		writeTimeout: 10 * time.Second,
	}
	for _, opt := range opts {
		opt(c)
	}
	go c.readPump()

	logrus.WithFields(logrus.Fields{
		"function":  "DialWebsocket",
		"url":       url,
		"encrypted": c.cipher != nil,
	}).Info("Connected to signaling relay")

	return c, nil
}

// Send implements Channel.
func (c *WebsocketChannel) Send(ctx context.Context, msg Message) error {
	c.mu.Lock()
	closed := c.closed
	c.mu.Unlock()
	if closed {
		return ErrChannelClosed
	}

	c.writeMu.Lock()
	defer c.writeMu.Unlock()

	// Seal must happen inside the write lock: the cipher state advances a
	// nonce per frame, so seal order has to match write order or the peer
	// cannot decrypt.
	data, err := Serialize(&msg)
	if err != nil {
		return errors.Join(ErrChannelSend, err)
	}
	if c.cipher != nil {
		data, err = c.cipher.Seal(data)
		if err != nil {
			return errors.Join(ErrChannelSend, err)
		}
	}

	deadline := time.Now().Add(c.writeTimeout)
	if ctxDeadline, ok := ctx.Deadline(); ok && ctxDeadline.Before(deadline) {
		deadline = ctxDeadline
	}
	if err := c.conn.SetWriteDeadline(deadline); err != nil {
		return errors.Join(ErrChannelSend, err)
	}
	if err := c.conn.WriteMessage(websocket.TextMessage, data); err != nil {
		logrus.WithFields(logrus.Fields{
			"function":   "Send",
			"session_id": msg.SessionID,
			"type":       string(msg.Type),
			"error":      err.Error(),
		}).Warn("Relay write failed")
		return errors.Join(ErrChannelSend, err)
	}
	return nil
}

// SetHandler implements Channel.
func (c *WebsocketChannel) SetHandler(h Handler) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.handler = h
}

// Close implements Channel.
func (c *WebsocketChannel) Close() error {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return nil
	}
	c.closed = true
	close(c.done)
	c.mu.Unlock()

	c.writeMu.Lock()
	_ = c.conn.WriteControl(websocket.CloseMessage,
		websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""),
		time.Now().Add(time.Second))
	c.writeMu.Unlock()

	return c.conn.Close()
}

func (c *WebsocketChannel) readPump() {
	for {
		_, data, err := c.conn.ReadMessage()
		if err != nil {
			c.mu.Lock()
			closed := c.closed
			c.mu.Unlock()
			if !closed {
				logrus.WithFields(logrus.Fields{
					"function": "readPump",
					"error":    err.Error(),
				}).Warn("Relay connection lost")
			}
			return
		}

		if c.cipher != nil {
			data, err = c.cipher.Open(data)
			if err != nil {
				logrus.WithFields(logrus.Fields{
					"function": "readPump",
					"error":    err.Error(),
				}).Warn("Dropping undecryptable frame")
				continue
			}
		}

		msg, err := Deserialize(data)
		if err != nil {
			logrus.WithFields(logrus.Fields{
				"function": "readPump",
				"error":    err.Error(),
			}).Warn("Dropping malformed signaling message")
			continue
		}

		c.mu.Lock()
		handler := c.handler
		c.mu.Unlock()
		if handler != nil {
			handler(*msg)
		}
	}
}
