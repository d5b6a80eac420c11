// Package presence tracks which users are reachable for calls and carries
// their display attributes.
//
// Presence is advisory: the call layer never consults it before placing a
// call, it only feeds peer pickers and contact lists. A user shown online
// here can still turn out busy or gone by the time the invite lands.
package presence

import (
	"context"
	"errors"
	"sync"
	"time"
)

// ErrNotFound is returned by Lookup for an unknown user.
var ErrNotFound = errors.New("presence: user not found")

// PeerInfo is the display record for one user.
type PeerInfo struct {
	ID          string    `json:"id"`
	DisplayName string    `json:"display_name"`
	AvatarURL   string    `json:"avatar_url,omitempty"`
	Online      bool      `json:"online"`
	LastSeen    time.Time `json:"last_seen"`
}

// Store is the presence backend.
type Store interface {
	// SetOnline marks the user reachable (or not) and refreshes the record.
	SetOnline(ctx context.Context, info PeerInfo, online bool) error
	// Lookup returns the record for one user, ErrNotFound if unknown.
	Lookup(ctx context.Context, userID string) (PeerInfo, error)
	// Online lists the users currently marked reachable.
	Online(ctx context.Context) ([]PeerInfo, error)
}

// MemoryStore keeps presence in process memory. Suitable for tests and for
// single-instance relays.
type MemoryStore struct {
	mu    sync.RWMutex
	users map[string]PeerInfo
	clock func() time.Time
}

// NewMemoryStore creates an empty in-memory presence store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		users: make(map[string]PeerInfo),
		clock: time.Now,
	}
}

func (s *MemoryStore) SetOnline(_ context.Context, info PeerInfo, online bool) error {
	if info.ID == "" {
		return errors.New("presence: user id is required")
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	info.Online = online
	info.LastSeen = s.clock()
	s.users[info.ID] = info
	return nil
}

func (s *MemoryStore) Lookup(_ context.Context, userID string) (PeerInfo, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	info, ok := s.users[userID]
	if !ok {
		return PeerInfo{}, ErrNotFound
	}
	return info, nil
}

func (s *MemoryStore) Online(_ context.Context) ([]PeerInfo, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]PeerInfo, 0, len(s.users))
	for _, info := range s.users {
		if info.Online {
			out = append(out, info)
		}
	}
	return out, nil
}
