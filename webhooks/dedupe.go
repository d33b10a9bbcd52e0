package webhooks

import (
	"context"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"
)

// DedupeStore remembers recently seen webhook delivery keys so that retried
// deliveries are acknowledged without re-enqueueing work.
type DedupeStore interface {
	// SeenOrMark returns true when the key was already marked within its
	// TTL; otherwise it marks the key and returns false.
	SeenOrMark(ctx context.Context, key string, ttl time.Duration) (bool, error)
}

// RedisDedupeStore shares the dedupe window across processes using SET NX.
type RedisDedupeStore struct {
	rdb *redis.Client
}

func NewRedisDedupeStore(rdb *redis.Client) *RedisDedupeStore {
	return &RedisDedupeStore{rdb: rdb}
}

func (s *RedisDedupeStore) SeenOrMark(ctx context.Context, key string, ttl time.Duration) (bool, error) {
	set, err := s.rdb.SetNX(ctx, key, "1", ttl).Result()
	if err != nil {
		return false, err
	}
	return !set, nil
}

// MemDedupeStore is the in-process fallback when no Redis is configured.
type MemDedupeStore struct {
	mu   sync.Mutex
	seen map[string]time.Time
}

func NewMemDedupeStore() *MemDedupeStore {
	return &MemDedupeStore{seen: make(map[string]time.Time)}
}

func (s *MemDedupeStore) SeenOrMark(ctx context.Context, key string, ttl time.Duration) (bool, error) {
	now := time.Now()
	s.mu.Lock()
	defer s.mu.Unlock()
	for k, expires := range s.seen {
		if now.After(expires) {
			delete(s.seen, k)
		}
	}
	if _, ok := s.seen[key]; ok {
		return true, nil
	}
	s.seen[key] = now.Add(ttl)
	return false, nil
}
