package presence

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/sirupsen/logrus"
)

// RedisOptions configures the Redis-backed presence store.
type RedisOptions struct {
	Addr     string
	Username string
	Password string
	DB       int
	// Prefix namespaces the presence keys; defaults to callkit:presence:v1.
	Prefix string
	// TTL bounds how long an online mark survives without a refresh, so a
	// crashed client eventually reads as offline. Zero disables expiry.
	TTL time.Duration
}

// RedisStore keeps presence in Redis so every relay instance sees the same
// view. Records are stored per user under prefix:user:<id>; the set of
// online user ids lives under prefix:online.
type RedisStore struct {
	client *redis.Client
	prefix string
	ttl    time.Duration
}

// NewRedisStore connects to Redis and verifies the connection.
func NewRedisStore(ctx context.Context, opts RedisOptions) (*RedisStore, error) {
	addr := strings.TrimSpace(opts.Addr)
	if addr == "" {
		return nil, fmt.Errorf("redis addr is required")
	}
	prefix := strings.TrimSpace(opts.Prefix)
	if prefix == "" {
		prefix = "callkit:presence:v1"
	}

	client := redis.NewClient(&redis.Options{
		Addr:     addr,
		Username: strings.TrimSpace(opts.Username),
		Password: opts.Password,
		DB:       opts.DB,
	})

	pingCtx, cancel := context.WithTimeout(ctx, 2*time.Second)
	defer cancel()
	if err := client.Ping(pingCtx).Err(); err != nil {
		_ = client.Close()
		return nil, fmt.Errorf("redis ping failed: %w", err)
	}

	logrus.WithFields(logrus.Fields{
		"function": "NewRedisStore",
		"addr":     addr,
		"prefix":   prefix,
	}).Info("Connected to Redis presence store")

	return &RedisStore{client: client, prefix: prefix, ttl: opts.TTL}, nil
}

// Close releases the Redis connection.
func (s *RedisStore) Close() error {
	return s.client.Close()
}

func (s *RedisStore) userKey(userID string) string {
	return fmt.Sprintf("%s:user:%s", s.prefix, userID)
}

func (s *RedisStore) onlineKey() string {
	return fmt.Sprintf("%s:online", s.prefix)
}

func (s *RedisStore) SetOnline(ctx context.Context, info PeerInfo, online bool) error {
	if info.ID == "" {
		return fmt.Errorf("presence: user id is required")
	}
	info.Online = online
	info.LastSeen = time.Now()

	blob, err := json.Marshal(info)
	if err != nil {
		return fmt.Errorf("failed to marshal presence record: %w", err)
	}

	pipe := s.client.TxPipeline()
	pipe.Set(ctx, s.userKey(info.ID), blob, s.ttl)
	if online {
		pipe.SAdd(ctx, s.onlineKey(), info.ID)
	} else {
		pipe.SRem(ctx, s.onlineKey(), info.ID)
	}
	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("failed to update presence: %w", err)
	}
	return nil
}

func (s *RedisStore) Lookup(ctx context.Context, userID string) (PeerInfo, error) {
	blob, err := s.client.Get(ctx, s.userKey(userID)).Bytes()
	if err == redis.Nil {
		return PeerInfo{}, ErrNotFound
	}
	if err != nil {
		return PeerInfo{}, fmt.Errorf("failed to read presence: %w", err)
	}
	var info PeerInfo
	if err := json.Unmarshal(blob, &info); err != nil {
		return PeerInfo{}, fmt.Errorf("failed to unmarshal presence record: %w", err)
	}
	return info, nil
}

func (s *RedisStore) Online(ctx context.Context) ([]PeerInfo, error) {
	ids, err := s.client.SMembers(ctx, s.onlineKey()).Result()
	if err != nil {
		return nil, fmt.Errorf("failed to list online users: %w", err)
	}

	out := make([]PeerInfo, 0, len(ids))
	for _, id := range ids {
		info, err := s.Lookup(ctx, id)
		if err == ErrNotFound {
			// The record expired but the set member lingered. Heal the set.
			_ = s.client.SRem(ctx, s.onlineKey(), id).Err()
			continue
		}
		if err != nil {
			return nil, err
		}
		out = append(out, info)
	}
	return out, nil
}
