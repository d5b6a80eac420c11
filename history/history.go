// Package history records finished calls for display and simple stats.
//
// The recorder hangs off the call controller's end-of-call callback, so
// every session that reaches ended, whatever the reason, produces exactly
// one record. History is an observer of the call layer and never drives it.
package history

import (
	"context"
	"errors"
	"sort"
	"sync"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/tandemly/callkit/call"
	"github.com/tandemly/callkit/media"
)

// ErrNotFound is returned by Get for an unknown record.
var ErrNotFound = errors.New("history: record not found")

// Record is one finished call.
type Record struct {
	SessionID   string         `json:"session_id"`
	PeerID      string         `json:"peer_id"`
	PeerName    string         `json:"peer_name,omitempty"`
	Direction   call.Direction `json:"-"`
	Kind        media.Kind     `json:"-"`
	CreatedAt   time.Time      `json:"created_at"`
	ConnectedAt time.Time      `json:"connected_at,omitempty"`
	EndedAt     time.Time      `json:"ended_at"`
	EndReason   call.EndReason `json:"end_reason"`
	Duration    time.Duration  `json:"duration"`
}

// Answered reports whether the call ever connected.
func (r Record) Answered() bool {
	return !r.ConnectedAt.IsZero()
}

// Missed reports whether this was an incoming call that never connected.
func (r Record) Missed() bool {
	return r.Direction == call.DirectionIncoming && !r.Answered()
}

// Query filters a listing. Zero values mean no constraint.
type Query struct {
	PeerID string
	From   time.Time
	To     time.Time
	Limit  int
}

// Stats aggregates a user's call history.
type Stats struct {
	Total     int           `json:"total"`
	Answered  int           `json:"answered"`
	Missed    int           `json:"missed"`
	TotalTime time.Duration `json:"total_time"`
}

// Repository persists call records.
type Repository interface {
	Insert(ctx context.Context, rec Record) error
	Get(ctx context.Context, sessionID string) (Record, error)
	List(ctx context.Context, q Query) ([]Record, error)
	Stats(ctx context.Context) (Stats, error)
}

// MemoryRepository is the in-memory repository used by tests and by clients
// that do not persist history across restarts.
type MemoryRepository struct {
	mu      sync.Mutex
	records []Record
}

// NewMemoryRepository creates an empty repository.
func NewMemoryRepository() *MemoryRepository {
	return &MemoryRepository{}
}

func (r *MemoryRepository) Insert(_ context.Context, rec Record) error {
	if rec.SessionID == "" {
		return errors.New("history: session id required")
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	r.records = append(r.records, rec)
	return nil
}

func (r *MemoryRepository) Get(_ context.Context, sessionID string) (Record, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	for _, rec := range r.records {
		if rec.SessionID == sessionID {
			return rec, nil
		}
	}
	return Record{}, ErrNotFound
}

// List returns matching records newest first.
func (r *MemoryRepository) List(_ context.Context, q Query) ([]Record, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	out := make([]Record, 0)
	for _, rec := range r.records {
		if q.PeerID != "" && rec.PeerID != q.PeerID {
			continue
		}
		if !q.From.IsZero() && rec.EndedAt.Before(q.From) {
			continue
		}
		if !q.To.IsZero() && !rec.EndedAt.Before(q.To) {
			continue
		}
		out = append(out, rec)
	}
	sort.Slice(out, func(i, j int) bool {
		return out[i].EndedAt.After(out[j].EndedAt)
	})
	if q.Limit > 0 && len(out) > q.Limit {
		out = out[:q.Limit]
	}
	return out, nil
}

func (r *MemoryRepository) Stats(_ context.Context) (Stats, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	var s Stats
	for _, rec := range r.records {
		s.Total++
		if rec.Answered() {
			s.Answered++
			s.TotalTime += rec.Duration
		}
		if rec.Missed() {
			s.Missed++
		}
	}
	return s, nil
}

// Recorder turns ended sessions into history records.
type Recorder struct {
	repo Repository
}

// NewRecorder creates a recorder over the given repository.
func NewRecorder(repo Repository) (*Recorder, error) {
	if repo == nil {
		return nil, errors.New("history: repository cannot be nil")
	}
	return &Recorder{repo: repo}, nil
}

// RecordSession captures a session that has ended. Intended for use as, or
// from, the controller's ended callback; sessions that have not ended yet
// are ignored.
func (r *Recorder) RecordSession(sess *call.Session) {
	if sess == nil || sess.EndedAt().IsZero() {
		return
	}

	rec := Record{
		SessionID:   sess.ID(),
		PeerID:      sess.Peer().ID,
		PeerName:    sess.Peer().DisplayName,
		Direction:   sess.Direction(),
		Kind:        sess.Kind(),
		CreatedAt:   sess.CreatedAt(),
		ConnectedAt: sess.ConnectedAt(),
		EndedAt:     sess.EndedAt(),
		EndReason:   sess.EndReason(),
		Duration:    sess.Duration(),
	}

	if err := r.repo.Insert(context.Background(), rec); err != nil {
		logrus.WithFields(logrus.Fields{
			"function":   "RecordSession",
			"session_id": rec.SessionID,
			"error":      err.Error(),
		}).Error("Failed to record finished call")
		return
	}

	logrus.WithFields(logrus.Fields{
		"function":   "RecordSession",
		"session_id": rec.SessionID,
		"peer_id":    rec.PeerID,
		"reason":     string(rec.EndReason),
		"duration":   call.FormatDuration(rec.Duration),
	}).Info("Call recorded")
}
