package provider

import (
	"context"
	"errors"
	"fmt"
	"time"

	redis "github.com/redis/go-redis/v9"

	"github.com/acme/call-orchestrator/internal/domain"
)

const overrideKeyPrefix = "callorch:override:"

// OverrideStore durably forces a specific provider for a scoped key,
// used when a provider repeatedly fails to deliver keypad input for a
// particular flow. Entries expire on their own via key TTL.
type OverrideStore struct {
	client *redis.Client
	ttl    time.Duration
}

// NewOverrideStore builds a store with the default override lifetime.
func NewOverrideStore(client *redis.Client, ttl time.Duration) *OverrideStore {
	return &OverrideStore{client: client, ttl: ttl}
}

// Force pins the provider for the scope until the TTL elapses.
func (s *OverrideStore) Force(ctx context.Context, scopeKey string, name domain.ProviderName, ttl time.Duration) error {
	if ttl <= 0 {
		ttl = s.ttl
	}
	if err := s.client.Set(ctx, overrideKeyPrefix+scopeKey, string(name), ttl).Err(); err != nil {
		return fmt.Errorf("override store: set %s: %w", scopeKey, err)
	}
	return nil
}

// Lookup returns the forced provider for the scope, if any. A lookup
// failure is reported so callers can fall back to default ordering.
func (s *OverrideStore) Lookup(ctx context.Context, scopeKey string) (domain.ProviderName, bool, error) {
	val, err := s.client.Get(ctx, overrideKeyPrefix+scopeKey).Result()
	if errors.Is(err, redis.Nil) {
		return "", false, nil
	}
	if err != nil {
		return "", false, fmt.Errorf("override store: get %s: %w", scopeKey, err)
	}
	return domain.ProviderName(val), true, nil
}

// Clear removes the override for the scope.
func (s *OverrideStore) Clear(ctx context.Context, scopeKey string) error {
	if err := s.client.Del(ctx, overrideKeyPrefix+scopeKey).Err(); err != nil {
		return fmt.Errorf("override store: del %s: %w", scopeKey, err)
	}
	return nil
}

// OverrideEntry is the admin-surface view of one active override.
type OverrideEntry struct {
	ScopeKey string              `json:"scope_key"`
	Provider domain.ProviderName `json:"provider"`
	TTL      time.Duration       `json:"ttl"`
}

// List scans active overrides for the admin surface.
func (s *OverrideStore) List(ctx context.Context) ([]OverrideEntry, error) {
	var out []OverrideEntry
	iter := s.client.Scan(ctx, 0, overrideKeyPrefix+"*", 100).Iterator()
	for iter.Next(ctx) {
		key := iter.Val()
		val, err := s.client.Get(ctx, key).Result()
		if errors.Is(err, redis.Nil) {
			continue
		}
		if err != nil {
			return nil, fmt.Errorf("override store: get %s: %w", key, err)
		}
		ttl, err := s.client.TTL(ctx, key).Result()
		if err != nil {
			return nil, fmt.Errorf("override store: ttl %s: %w", key, err)
		}
		out = append(out, OverrideEntry{
			ScopeKey: key[len(overrideKeyPrefix):],
			Provider: domain.ProviderName(val),
			TTL:      ttl,
		})
	}
	if err := iter.Err(); err != nil {
		return nil, fmt.Errorf("override store: scan: %w", err)
	}
	return out, nil
}
