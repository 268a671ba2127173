package events

import (
	"context"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
)

// Redis key prefix and TTL for fingerprint tracking.
const (
	fingerprintKeyPrefix  = "fingerprint:"
	defaultFingerprintTTL = 7 * 24 * time.Hour
)

// RedisFingerprintStore is a Redis-backed fingerprint store shared by
// all pipeline workers.
type RedisFingerprintStore struct {
	client *redis.Client
	ttl    time.Duration
}

// NewRedisFingerprintStore creates a new Redis-backed fingerprint store.
func NewRedisFingerprintStore(client *redis.Client, ttl time.Duration) *RedisFingerprintStore {
	if ttl <= 0 {
		ttl = defaultFingerprintTTL
	}
	return &RedisFingerprintStore{
		client: client,
		ttl:    ttl,
	}
}

// Record registers an occurrence of the fingerprint and refreshes its TTL.
func (s *RedisFingerprintStore) Record(ctx context.Context, fingerprint string) (int64, error) {
	key := fingerprintKeyPrefix + fingerprint

	count, err := s.client.Incr(ctx, key).Result()
	if err != nil {
		return 0, fmt.Errorf("incr fingerprint: %w", err)
	}

	if expireErr := s.client.Expire(ctx, key, s.ttl).Err(); expireErr != nil {
		return count, fmt.Errorf("expire fingerprint: %w", expireErr)
	}

	return count, nil
}

// Count returns the recurrence count without recording.
func (s *RedisFingerprintStore) Count(ctx context.Context, fingerprint string) (int64, error) {
	key := fingerprintKeyPrefix + fingerprint

	count, err := s.client.Get(ctx, key).Int64()
	if err == redis.Nil {
		return 0, nil
	}
	if err != nil {
		return 0, fmt.Errorf("get fingerprint: %w", err)
	}
	return count, nil
}

// Seen reports whether the fingerprint has been recorded before.
func (s *RedisFingerprintStore) Seen(ctx context.Context, fingerprint string) (bool, error) {
	key := fingerprintKeyPrefix + fingerprint
	exists, err := s.client.Exists(ctx, key).Result()
	if err != nil {
		return false, fmt.Errorf("check fingerprint exists: %w", err)
	}
	return exists > 0, nil
}

// Cleanup is a no-op for Redis; keys expire via TTL.
func (s *RedisFingerprintStore) Cleanup(_ context.Context, _ time.Duration) (int, error) {
	return 0, nil
}
