package cache

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/redis/go-redis/v9"
)

// Connect accepts a redis:// URL or a bare host:port and verifies the server answers.
func Connect(ctx context.Context, redisURL string) (*redis.Client, error) {
	var client *redis.Client
	if strings.HasPrefix(redisURL, "redis://") || strings.HasPrefix(redisURL, "rediss://") {
		opt, err := redis.ParseURL(redisURL)
		if err != nil {
			return nil, fmt.Errorf("cache.Connect: parse: %w", err)
		}
		client = redis.NewClient(opt)
	} else {
		client = redis.NewClient(&redis.Options{Addr: redisURL})
	}

	if err := client.Ping(ctx).Err(); err != nil {
		client.Close()
		return nil, fmt.Errorf("cache.Connect: ping: %w", err)
	}
	return client, nil
}

// Store is a fail-open side channel. Every method on a nil Store, or on one built without
// a client, behaves like an empty cache.
type Store struct {
	client redis.UniversalClient
	log    *slog.Logger
}

func NewStore(client redis.UniversalClient, log *slog.Logger) *Store {
	return &Store{client: client, log: log}
}

func (s *Store) enabled() bool {
	return s != nil && s.client != nil
}

// Enabled reports whether s is backed by a redis client.
func (s *Store) Enabled() bool {
	return s.enabled()
}

func (s *Store) Close() error {
	if !s.enabled() {
		return nil
	}
	return s.client.Close()
}

// Ping checks the server. A disabled store has nothing to check.
func (s *Store) Ping(ctx context.Context) error {
	if !s.enabled() {
		return nil
	}
	return s.client.Ping(ctx).Err()
}

func (s *Store) warn(msg string, err error, key string) {
	if s.log != nil {
		s.log.Warn(msg, "error", err, "key", key)
	}
}

// GetJSON decodes the value at key into dst. It reports false on a miss or any error.
func (s *Store) GetJSON(ctx context.Context, key string, dst any) bool {
	if !s.enabled() {
		return false
	}
	raw, err := s.client.Get(ctx, key).Bytes()
	if err != nil {
		if !errors.Is(err, redis.Nil) {
			s.warn("cache get failed", err, key)
		}
		return false
	}
	if err := json.Unmarshal(raw, dst); err != nil {
		s.warn("cache decode failed", err, key)
		return false
	}
	return true
}

func (s *Store) SetJSON(ctx context.Context, key string, value any, ttl time.Duration) {
	if !s.enabled() {
		return
	}
	raw, err := json.Marshal(value)
	if err != nil {
		s.warn("cache encode failed", err, key)
		return
	}
	if err := s.client.Set(ctx, key, raw, ttl).Err(); err != nil {
		s.warn("cache set failed", err, key)
	}
}

func (s *Store) Delete(ctx context.Context, keys ...string) {
	if !s.enabled() || len(keys) == 0 {
		return
	}
	if err := s.client.Del(ctx, keys...).Err(); err != nil {
		s.warn("cache delete failed", err, strings.Join(keys, ","))
	}
}

// DeletePattern removes every key matching a glob pattern. It walks the keyspace with SCAN
// so large keyspaces are not blocked.
func (s *Store) DeletePattern(ctx context.Context, pattern string) error {
	if !s.enabled() {
		return nil
	}
	var cursor uint64
	for {
		keys, next, err := s.client.Scan(ctx, cursor, pattern, 100).Result()
		if err != nil {
			return fmt.Errorf("DeletePattern: scan: %w", err)
		}
		if len(keys) > 0 {
			if err := s.client.Del(ctx, keys...).Err(); err != nil {
				return fmt.Errorf("DeletePattern: del: %w", err)
			}
		}
		cursor = next
		if cursor == 0 {
			return nil
		}
	}
}

// IncrWithExpire bumps the counter at key and starts its window on the first hit.
func (s *Store) IncrWithExpire(ctx context.Context, key string, window time.Duration) (int64, time.Duration, error) {
	if !s.enabled() {
		return 0, 0, nil
	}
	cnt, err := s.client.Incr(ctx, key).Result()
	if err != nil {
		return 0, 0, fmt.Errorf("IncrWithExpire: %w", err)
	}
	if cnt == 1 {
		_ = s.client.Expire(ctx, key, window).Err()
		return cnt, window, nil
	}
	ttl, err := s.client.TTL(ctx, key).Result()
	if err != nil || ttl < 0 {
		// A counter without expiry would lock the caller out forever.
		_ = s.client.Expire(ctx, key, window).Err()
		ttl = window
	}
	return cnt, ttl, nil
}
