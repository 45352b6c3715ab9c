package cache

import (
	"context"
	"encoding/json"
	"sync"
	"time"

	"go.uber.org/zap"
)

// SlowStore is the session-scoped persistent tier behind the in-process map.
// *redis.Client from internal/pkg/redis satisfies it.
type SlowStore interface {
	Get(ctx context.Context, key string) (string, error)
	Set(ctx context.Context, key string, value interface{}, ttl time.Duration) error
	Del(ctx context.Context, keys ...string) error
}

// entry is a cached value plus its write timestamp. Validity is derived from
// the timestamp on read; entries are evicted lazily, never by a sweep.
type entry struct {
	Value     json.RawMessage `json:"value"`
	WrittenAt time.Time       `json:"written_at"`
}

func (e entry) expired(now time.Time, ttl time.Duration) bool {
	return now.Sub(e.WrittenAt) >= ttl
}

// Cache is a two-level cache: a fast in-process map backed by a slower
// persistent store. The fast tier is authoritative for the process lifetime;
// slow-tier failures degrade the affected key to fast-tier-only.
type Cache struct {
	prefix string
	ttl    time.Duration
	slow   SlowStore
	logger *zap.Logger
	now    func() time.Time

	mu   sync.Mutex
	fast map[string]entry
}

// New creates a Cache. slow may be nil, in which case only the in-process
// tier is used.
func New(slow SlowStore, prefix string, ttl time.Duration, logger *zap.Logger) *Cache {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Cache{
		prefix: prefix,
		ttl:    ttl,
		slow:   slow,
		logger: logger,
		now:    time.Now,
		fast:   make(map[string]entry),
	}
}

// TTL returns the configured time-to-live.
func (c *Cache) TTL() time.Duration { return c.ttl }

// Get returns the cached value for key, or (nil, false) on a miss. An entry
// found past its ttl is deleted from the tier that held it and treated as a
// miss. A slow-tier hit is promoted into the fast tier.
func (c *Cache) Get(ctx context.Context, key string) (json.RawMessage, bool) {
	now := c.now()

	c.mu.Lock()
	if e, ok := c.fast[key]; ok {
		if !e.expired(now, c.ttl) {
			c.mu.Unlock()
			return e.Value, true
		}
		delete(c.fast, key)
	}
	c.mu.Unlock()

	if c.slow == nil {
		return nil, false
	}

	raw, err := c.slow.Get(ctx, c.prefix+key)
	if err != nil {
		c.logger.Warn("cache slow tier read failed", zap.String("key", key), zap.Error(err))
		return nil, false
	}
	if raw == "" {
		return nil, false
	}

	var e entry
	if err := json.Unmarshal([]byte(raw), &e); err != nil {
		c.logger.Warn("cache slow tier entry corrupt", zap.String("key", key), zap.Error(err))
		_ = c.slow.Del(ctx, c.prefix+key)
		return nil, false
	}
	if e.expired(now, c.ttl) {
		_ = c.slow.Del(ctx, c.prefix+key)
		return nil, false
	}

	c.mu.Lock()
	c.fast[key] = e
	c.mu.Unlock()
	return e.Value, true
}

// Set writes value to both tiers with the current timestamp. The fast-tier
// write never blocks on slow-tier errors; those are logged and swallowed.
func (c *Cache) Set(ctx context.Context, key string, value interface{}) error {
	raw, err := json.Marshal(value)
	if err != nil {
		return err
	}

	e := entry{Value: raw, WrittenAt: c.now()}

	c.mu.Lock()
	c.fast[key] = e
	c.mu.Unlock()

	if c.slow == nil {
		return nil
	}
	data, err := json.Marshal(e)
	if err != nil {
		c.logger.Warn("cache slow tier marshal failed", zap.String("key", key), zap.Error(err))
		return nil
	}
	if err := c.slow.Set(ctx, c.prefix+key, data, c.ttl); err != nil {
		c.logger.Warn("cache slow tier write failed", zap.String("key", key), zap.Error(err))
	}
	return nil
}

// Invalidate removes key from both tiers.
func (c *Cache) Invalidate(ctx context.Context, key string) {
	c.mu.Lock()
	delete(c.fast, key)
	c.mu.Unlock()

	if c.slow != nil {
		if err := c.slow.Del(ctx, c.prefix+key); err != nil {
			c.logger.Warn("cache slow tier delete failed", zap.String("key", key), zap.Error(err))
		}
	}
}
