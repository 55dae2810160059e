package kv

import (
	"context"
	"time"

	"github.com/jellydator/ttlcache/v3"
)

// MemoryStore implements Store in process memory with real TTL semantics.
// It backs tests and single-instance development setups.
type MemoryStore struct {
	cache *ttlcache.Cache[string, []byte]
}

// NewMemoryStore creates a new [MemoryStore] and starts its expiry loop.
func NewMemoryStore() *MemoryStore {
	cache := ttlcache.New[string, []byte](
		ttlcache.WithDisableTouchOnHit[string, []byte](),
	)
	go cache.Start()
	return &MemoryStore{cache: cache}
}

func (s *MemoryStore) Get(_ context.Context, key string) ([]byte, bool, error) {
	item := s.cache.Get(key)
	if item == nil {
		return nil, false, nil
	}
	val := make([]byte, len(item.Value()))
	copy(val, item.Value())
	return val, true, nil
}

func (s *MemoryStore) Put(_ context.Context, key string, value []byte, ttl time.Duration) error {
	if ttl <= 0 {
		ttl = ttlcache.NoTTL
	}
	stored := make([]byte, len(value))
	copy(stored, value)
	s.cache.Set(key, stored, ttl)
	return nil
}

func (s *MemoryStore) Delete(_ context.Context, key string) error {
	s.cache.Delete(key)
	return nil
}

// Stop halts the expiry loop. Entries already stored stay readable until
// their TTL elapses.
func (s *MemoryStore) Stop() {
	s.cache.Stop()
}
