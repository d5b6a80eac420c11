package relay

import (
	"errors"
	"sync"

	"github.com/sirupsen/logrus"

	"github.com/tandemly/callkit/signaling"
)

// ErrRecipientOffline is returned by Route when no socket is registered for
// the envelope's recipient.
var ErrRecipientOffline = errors.New("relay: recipient offline")

// ErrQueueFull is returned by Route when the recipient's send queue cannot
// take another envelope.
var ErrQueueFull = errors.New("relay: recipient queue full")

// Hub routes envelopes between connected users.
//
// One subscription per user: a new registration under the same id bumps the
// old one, which sees its channel closed. Routing is non-blocking; a
// recipient that cannot drain its queue loses envelopes rather than stalling
// the sender's read loop.
type Hub struct {
	metrics   *Metrics
	queueSize int

	mu   sync.RWMutex
	subs map[string]*Subscription
}

// Subscription is one user's registration with the hub.
type Subscription struct {
	userID string
	ch     chan signaling.Message

	closeOnce sync.Once
}

// NewHub creates a hub whose per-user queues hold queueSize envelopes.
func NewHub(queueSize int, metrics *Metrics) *Hub {
	if queueSize <= 0 {
		queueSize = 64
	}
	return &Hub{
		metrics:   metrics,
		queueSize: queueSize,
		subs:      make(map[string]*Subscription),
	}
}

// Register installs a subscription for userID, bumping any existing one.
func (h *Hub) Register(userID string) *Subscription {
	sub := &Subscription{
		userID: userID,
		ch:     make(chan signaling.Message, h.queueSize),
	}

	h.mu.Lock()
	old := h.subs[userID]
	h.subs[userID] = sub
	h.mu.Unlock()

	if old != nil {
		old.close()
		logrus.WithFields(logrus.Fields{
			"function": "Register",
			"user_id":  userID,
		}).Info("Bumped existing relay connection")
	}
	if h.metrics != nil {
		h.metrics.ConnectionsActive.Inc()
	}
	return sub
}

// Unregister removes the subscription if it is still the current one for
// its user and closes its channel.
func (h *Hub) Unregister(sub *Subscription) {
	h.mu.Lock()
	if h.subs[sub.userID] == sub {
		delete(h.subs, sub.userID)
	}
	h.mu.Unlock()

	sub.close()
	if h.metrics != nil {
		h.metrics.ConnectionsActive.Dec()
	}
}

// Connected reports whether a socket is registered for userID.
func (h *Hub) Connected(userID string) bool {
	h.mu.RLock()
	defer h.mu.RUnlock()
	_, ok := h.subs[userID]
	return ok
}

// Route queues an envelope for its recipient.
func (h *Hub) Route(msg signaling.Message) error {
	h.mu.RLock()
	sub := h.subs[msg.To]
	h.mu.RUnlock()

	if sub == nil {
		if h.metrics != nil {
			h.metrics.EnvelopesDropped.WithLabelValues(dropCauseOffline).Inc()
		}
		logrus.WithFields(logrus.Fields{
			"function":   "Route",
			"session_id": msg.SessionID,
			"to":         msg.To,
			"type":       string(msg.Type),
		}).Debug("Dropping envelope, recipient offline")
		return ErrRecipientOffline
	}

	select {
	case sub.ch <- msg:
		if h.metrics != nil {
			h.metrics.EnvelopesDelivered.Inc()
		}
		return nil
	default:
		if h.metrics != nil {
			h.metrics.EnvelopesDropped.WithLabelValues(dropCauseQueueFull).Inc()
		}
		logrus.WithFields(logrus.Fields{
			"function":   "Route",
			"session_id": msg.SessionID,
			"to":         msg.To,
		}).Warn("Dropping envelope, recipient queue full")
		return ErrQueueFull
	}
}

// Messages is the stream of envelopes queued for this subscription. The
// channel is closed when the subscription is bumped or unregistered.
func (s *Subscription) Messages() <-chan signaling.Message {
	return s.ch
}

func (s *Subscription) close() {
	s.closeOnce.Do(func() { close(s.ch) })
}
