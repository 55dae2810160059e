// Package kv abstracts the shared key-value service every stateful
// component persists through: get, put with advisory TTL, delete.
package kv

import (
	"context"
	"time"
)

// Store is the external key-value service boundary. TTL is advisory
// expiry; a zero or negative TTL means no expiry. Visibility across
// service instances follows the backing store's consistency model;
// last writer for a given key wins.
type Store interface {
	// Get returns the stored bytes and whether the key was present.
	Get(ctx context.Context, key string) ([]byte, bool, error)
	// Put stores value under key, expiring after ttl when ttl > 0.
	Put(ctx context.Context, key string, value []byte, ttl time.Duration) error
	// Delete removes key. Deleting an absent key is not an error.
	Delete(ctx context.Context, key string) error
}
