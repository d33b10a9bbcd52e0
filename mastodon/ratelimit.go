package mastodon

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"
)

// RateLimit is the most recently observed budget for one token, parsed from
// the X-RateLimit-* response headers.
type RateLimit struct {
	Limit     int       `json:"limit"`
	Remaining int       `json:"remaining"`
	Reset     time.Time `json:"reset"`
}

// RateLimitStore holds rate-limit budgets shared across all worker processes.
// No worker may maintain a private budget: the store is the single source of
// truth, so that every worker cooperates on the same window.
type RateLimitStore interface {
	Get(ctx context.Context, key string) (*RateLimit, error)
	Set(ctx context.Context, key string, rl RateLimit) error
}

// BucketKey derives the shared bucket key for a token at an instance. The
// token itself is never stored.
func BucketKey(token, host string) string {
	sum := sha256.Sum256([]byte(token))
	return fmt.Sprintf("%s/%s", hex.EncodeToString(sum[:])[:12], host)
}

var redisRatelimitPrefix = "ratelimit/"

// budgets survive worker restarts but go stale after an hour
var redisRatelimitTTL = time.Hour

type RedisRateLimitStore struct {
	Client *redis.Client
}

var _ RateLimitStore = (*RedisRateLimitStore)(nil)

func NewRedisRateLimitStore(redisURL string) (*RedisRateLimitStore, error) {
	opt, err := redis.ParseURL(redisURL)
	if err != nil {
		return nil, err
	}
	rdb := redis.NewClient(opt)
	// check redis connection
	_, err = rdb.Ping(context.TODO()).Result()
	if err != nil {
		return nil, err
	}
	return &RedisRateLimitStore{Client: rdb}, nil
}

func (s *RedisRateLimitStore) Get(ctx context.Context, key string) (*RateLimit, error) {
	raw, err := s.Client.Get(ctx, redisRatelimitPrefix+key).Result()
	if err == redis.Nil {
		return nil, nil
	} else if err != nil {
		return nil, err
	}
	var rl RateLimit
	if err := json.Unmarshal([]byte(raw), &rl); err != nil {
		return nil, err
	}
	return &rl, nil
}

func (s *RedisRateLimitStore) Set(ctx context.Context, key string, rl RateLimit) error {
	raw, err := json.Marshal(&rl)
	if err != nil {
		return err
	}
	// set value and expiry in a single redis round-trip
	multi := s.Client.Pipeline()
	multi.Set(ctx, redisRatelimitPrefix+key, raw, 0)
	multi.Expire(ctx, redisRatelimitPrefix+key, redisRatelimitTTL)
	_, err = multi.Exec(ctx)
	return err
}

// MemRateLimitStore is a process-local store for tests and single-process
// deployments.
type MemRateLimitStore struct {
	mu   sync.RWMutex
	data map[string]RateLimit
}

var _ RateLimitStore = (*MemRateLimitStore)(nil)

func NewMemRateLimitStore() *MemRateLimitStore {
	return &MemRateLimitStore{data: make(map[string]RateLimit)}
}

func (s *MemRateLimitStore) Get(ctx context.Context, key string) (*RateLimit, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	rl, ok := s.data[key]
	if !ok {
		return nil, nil
	}
	out := rl
	return &out, nil
}

func (s *MemRateLimitStore) Set(ctx context.Context, key string, rl RateLimit) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.data[key] = rl
	return nil
}
