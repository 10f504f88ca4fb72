// Package redisstore provides a Redis Streams-backed session event store.
// It lets SSE resumption survive the gateway process when deployments want
// that durability; the default in-memory store remains the usual choice.
package redisstore

import (
	"context"
	"fmt"

	"github.com/joeshaw/envdecode"
	"github.com/redis/go-redis/v9"

	"github.com/omotenashiqr/mcp-gateway/sessions"
)

// Config for the Redis-backed event store. Defaults load via envdecode.
type Config struct {
	// RedisAddr like "localhost:6379". ENV: REDIS_ADDR
	RedisAddr string `env:"REDIS_ADDR,default=localhost:6379"`
	// KeyPrefix for all keys. ENV: EVENTS_KEY_PREFIX
	KeyPrefix string `env:"EVENTS_KEY_PREFIX,default=mcp:events:"`
	// MaxEvents bounds each session stream (approximate trim). ENV: EVENTS_MAX
	MaxEvents int64 `env:"EVENTS_MAX,default=256"`
}

// Store implements sessions.EventStore on Redis Streams.
type Store struct {
	client    *redis.Client
	keyPrefix string
	maxEvents int64
}

var _ sessions.EventStore = (*Store)(nil)

// New connects to Redis and verifies it with a ping.
func New(cfg Config) (*Store, error) {
	addr := cfg.RedisAddr
	if addr == "" {
		addr = "localhost:6379"
	}
	cl := redis.NewClient(&redis.Options{Addr: addr})
	if err := cl.Ping(context.Background()).Err(); err != nil {
		return nil, fmt.Errorf("redis ping: %w", err)
	}
	prefix := cfg.KeyPrefix
	if prefix == "" {
		prefix = "mcp:events:"
	}
	max := cfg.MaxEvents
	if max <= 0 {
		max = 256
	}
	return &Store{client: cl, keyPrefix: prefix, maxEvents: max}, nil
}

// NewFromEnv builds a Store using envdecode to populate Config.
func NewFromEnv() (*Store, error) {
	var cfg Config
	_ = envdecode.Decode(&cfg)
	return New(cfg)
}

func (s *Store) streamKey(sessionID string) string { return s.keyPrefix + "stream:" + sessionID }

// Append journals one payload, letting Redis assign the stream id.
func (s *Store) Append(ctx context.Context, sessionID string, payload []byte) (string, error) {
	id, err := s.client.XAdd(ctx, &redis.XAddArgs{
		Stream: s.streamKey(sessionID),
		MaxLen: s.maxEvents,
		Approx: true,
		Values: map[string]any{"d": payload},
	}).Result()
	if err != nil {
		return "", fmt.Errorf("xadd: %w", err)
	}
	return id, nil
}

// Replay walks events strictly after afterID. An empty afterID replays
// nothing, matching the in-memory store's fresh-stream semantics.
func (s *Store) Replay(ctx context.Context, sessionID, afterID string, fn func(id string, payload []byte) error) error {
	if afterID == "" {
		return nil
	}
	msgs, err := s.client.XRange(ctx, s.streamKey(sessionID), "("+afterID, "+").Result()
	if err != nil {
		if err == redis.Nil {
			return nil
		}
		return fmt.Errorf("xrange: %w", err)
	}
	for _, m := range msgs {
		var payload []byte
		switch v := m.Values["d"].(type) {
		case string:
			payload = []byte(v)
		case []byte:
			payload = v
		default:
			continue
		}
		if err := fn(m.ID, payload); err != nil {
			return err
		}
	}
	return nil
}

// Drop deletes the session's stream. Best-effort and idempotent.
func (s *Store) Drop(ctx context.Context, sessionID string) error {
	_, err := s.client.Del(context.WithoutCancel(ctx), s.streamKey(sessionID)).Result()
	return err
}

// Close closes the Redis client.
func (s *Store) Close() error { return s.client.Close() }
