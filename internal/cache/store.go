// Package cache provides TTL key/value stores for lookups shared across workers.
package cache

import (
	"context"
	"encoding/json"
	"time"
)

// Store is a TTL byte store; ttl <= 0 never expires
type Store interface {
	Get(ctx context.Context, key string) (value []byte, found bool, err error)
	Set(ctx context.Context, key string, value []byte, ttl time.Duration) error
	Delete(ctx context.Context, key string) error
}

// GetJSON decodes a cached JSON value into out
func GetJSON(ctx context.Context, s Store, key string, out any) (bool, error) {
	b, found, err := s.Get(ctx, key)
	if err != nil || !found {
		return false, err
	}
	if err := json.Unmarshal(b, out); err != nil {
		// corrupt entries are treated as misses
		_ = s.Delete(ctx, key)
		return false, nil
	}
	return true, nil
}

// SetJSON stores v as JSON
func SetJSON(ctx context.Context, s Store, key string, v any, ttl time.Duration) error {
	b, err := json.Marshal(v)
	if err != nil {
		return err
	}
	return s.Set(ctx, key, b, ttl)
}
