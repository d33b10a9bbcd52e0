package rules

import (
	"context"
	"log/slog"
	"sync"
	"time"

	rcache "github.com/go-redis/cache/v9"
	"github.com/redis/go-redis/v9"

	"github.com/mastomod/vigil/store"
)

const snapshotKey = "rules/snapshot"

// Snapshot is one coherent view of the active rule set: the enabled rules,
// the runtime config map, and the rules-version digest they hash to.
type Snapshot struct {
	Rules    []store.Rule
	Config   map[string]string
	Version  string
	CachedAt time.Time
}

// Rule returns the snapshot rule with the given name, or nil.
func (s *Snapshot) Rule(name string) *store.Rule {
	for i := range s.Rules {
		if s.Rules[i].Name == name {
			return &s.Rules[i]
		}
	}
	return nil
}

// Cache is the process-local TTL cache over the rule table, with an optional
// shared Redis tier so that multiple worker processes converge on the same
// snapshot within one TTL. Invalidation is explicit on write paths and
// implicit on expiry everywhere else.
type Cache struct {
	store  *store.Store
	logger *slog.Logger
	ttl    time.Duration
	shared *rcache.Cache

	mu   sync.RWMutex
	snap *Snapshot
}

const DefaultTTL = 60 * time.Second

// NewCache builds the cache. rdb may be nil, in which case the cache is
// purely process-local.
func NewCache(st *store.Store, ttl time.Duration, rdb *redis.Client) *Cache {
	if ttl <= 0 {
		ttl = DefaultTTL
	}
	c := &Cache{
		store:  st,
		logger: slog.Default().With("subsystem", "rulecache"),
		ttl:    ttl,
	}
	if rdb != nil {
		c.shared = rcache.New(&rcache.Options{Redis: rdb})
	}
	return c
}

// GetActive returns the current snapshot, loading from the shared tier or the
// database as needed. Cached reads are concurrency-safe.
func (c *Cache) GetActive(ctx context.Context, forceRefresh bool) (*Snapshot, error) {
	if !forceRefresh {
		c.mu.RLock()
		if c.snap != nil && time.Since(c.snap.CachedAt) < c.ttl {
			snap := c.snap
			c.mu.RUnlock()
			return snap, nil
		}
		c.mu.RUnlock()

		if c.shared != nil {
			var snap Snapshot
			err := c.shared.Get(ctx, snapshotKey, &snap)
			if err == nil && time.Since(snap.CachedAt) < c.ttl {
				c.mu.Lock()
				c.snap = &snap
				c.mu.Unlock()
				return &snap, nil
			}
			if err != nil && err != rcache.ErrCacheMiss {
				c.logger.Warn("shared rule cache read failed", "err", err)
			}
		}
	}
	return c.refresh(ctx)
}

func (c *Cache) refresh(ctx context.Context) (*Snapshot, error) {
	enabled, err := c.store.ListRules(ctx, true)
	if err != nil {
		return nil, err
	}
	config, err := c.store.ListConfig(ctx)
	if err != nil {
		return nil, err
	}
	snap := &Snapshot{
		Rules:    enabled,
		Config:   config,
		Version:  Version(enabled),
		CachedAt: time.Now(),
	}
	c.mu.Lock()
	c.snap = snap
	c.mu.Unlock()

	if c.shared != nil {
		if err := c.shared.Set(&rcache.Item{
			Ctx:   ctx,
			Key:   snapshotKey,
			Value: snap,
			TTL:   c.ttl,
		}); err != nil {
			c.logger.Warn("shared rule cache write failed", "err", err)
		}
	}
	return snap, nil
}

// Invalidate drops the cached snapshot. Called by every rule mutation path;
// other processes converge after at most one TTL.
func (c *Cache) Invalidate(ctx context.Context) {
	c.mu.Lock()
	c.snap = nil
	c.mu.Unlock()
	if c.shared != nil {
		if err := c.shared.Delete(ctx, snapshotKey); err != nil && err != rcache.ErrCacheMiss {
			c.logger.Warn("shared rule cache delete failed", "err", err)
		}
	}
}
