// Package cancelflag keeps campaign cancel flags in Redis so every instance
// running a dispatch sees a stop raised on any other instance.
package cancelflag

import (
	"context"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
)

// DefaultTTL bounds how long a raised flag is kept. A run that outlives it
// still sees the flag through the campaign repository.
const DefaultTTL = 24 * time.Hour

const keyPrefix = "campaign:cancel:"

// Store raises and reads cancel flags. Flags are never lowered explicitly.
type Store struct {
	client *redis.Client
	ttl    time.Duration
}

// New creates a flag store. A non-positive ttl uses DefaultTTL.
func New(client *redis.Client, ttl time.Duration) *Store {
	if ttl <= 0 {
		ttl = DefaultTTL
	}
	return &Store{client: client, ttl: ttl}
}

// Key returns the Redis key holding campaignID's flag.
func Key(campaignID string) string { return keyPrefix + campaignID }

// Set raises the flag.
func (s *Store) Set(ctx context.Context, campaignID string) error {
	if err := s.client.Set(ctx, Key(campaignID), "1", s.ttl).Err(); err != nil {
		return fmt.Errorf("set cancel flag: %w", err)
	}
	return nil
}

// IsSet reports whether the flag is raised.
func (s *Store) IsSet(ctx context.Context, campaignID string) (bool, error) {
	n, err := s.client.Exists(ctx, Key(campaignID)).Result()
	if err != nil {
		return false, fmt.Errorf("read cancel flag: %w", err)
	}
	return n > 0, nil
}
