package signaling

import (
	"context"
	"errors"
	"sync"

	"github.com/sirupsen/logrus"
)

// Sentinel errors for channel operations.
var (
	// ErrChannelSend indicates a message could not be handed to the transport.
	// The sender's local state has usually already transitioned; callers treat
	// this as a non-fatal warning.
	ErrChannelSend = errors.New("signaling send failed")

	// ErrChannelClosed indicates the channel is no longer usable.
	ErrChannelClosed = errors.New("signaling channel closed")
)

// Handler consumes inbound messages. A channel invokes its handler one
// message at a time, in arrival order.
type Handler func(msg Message)

// Channel is the transport contract the call core depends on.
//
// Send is best effort: it returns an error when the transport rejects the
// message, but the core never blocks a state transition on delivery
// confirmation. Inbound messages are delivered through the registered
// handler serially, in the order the transport received them.
type Channel interface {
	Send(ctx context.Context, msg Message) error
	SetHandler(h Handler)
	Close() error
}

// PipeChannel is an in-process Channel connected to a twin.
//
// Messages sent on one end are delivered to the other end's handler by a
// single dispatch goroutine, preserving arrival order. Used by tests and the
// two-party demo.
type PipeChannel struct {
	mu      sync.Mutex
	peer    *PipeChannel
	handler Handler
	queue   chan Message
	done    chan struct{}
	closed  bool
}

// Pipe returns two connected channel endpoints.
func Pipe() (*PipeChannel, *PipeChannel) {
	a := newPipeChannel()
	b := newPipeChannel()
	a.peer = b
	b.peer = a
	go a.dispatch()
	go b.dispatch()
	return a, b
}

func newPipeChannel() *PipeChannel {
	return &PipeChannel{
		queue: make(chan Message, 64),
		done:  make(chan struct{}),
	}
}

// Send implements Channel. The message round-trips through the codec so
// that pipe-based tests exercise the same envelope validation as a real
// transport.
func (c *PipeChannel) Send(ctx context.Context, msg Message) error {
	data, err := Serialize(&msg)
	if err != nil {
		return errors.Join(ErrChannelSend, err)
	}
	decoded, err := Deserialize(data)
	if err != nil {
		return errors.Join(ErrChannelSend, err)
	}

	c.mu.Lock()
	peer := c.peer
	closed := c.closed
	c.mu.Unlock()
	if closed || peer == nil {
		return ErrChannelClosed
	}

	select {
	case peer.queue <- *decoded:
		return nil
	case <-peer.done:
		return ErrChannelClosed
	case <-ctx.Done():
		return errors.Join(ErrChannelSend, ctx.Err())
	}
}

// SetHandler implements Channel.
func (c *PipeChannel) SetHandler(h Handler) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.handler = h
}

// Close implements Channel.
func (c *PipeChannel) Close() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return nil
	}
	c.closed = true
	close(c.done)
	return nil
}

func (c *PipeChannel) dispatch() {
	for {
		select {
		case msg := <-c.queue:
			c.mu.Lock()
			handler := c.handler
			c.mu.Unlock()
			if handler == nil {
				logrus.WithFields(logrus.Fields{
					"function":   "dispatch",
					"session_id": msg.SessionID,
					"type":       string(msg.Type),
				}).Debug("No handler registered, dropping inbound message")
				continue
			}
			handler(msg)
		case <-c.done:
			return
		}
	}
}
