package loader

import (
	"context"
	"encoding/json"
	"time"

	"go.uber.org/zap"
	"golang.org/x/sync/singleflight"

	"github.com/storyloom/core/internal/pkg/cache"
)

// Fetch produces the value for a key when the cache cannot serve it.
type Fetch func(ctx context.Context) (interface{}, error)

// Options controls retry behavior for a single Load call.
type Options struct {
	// RetryCount is the number of additional attempts after the first
	// failure. Zero means fail on the first error.
	RetryCount int
	// RetryDelay is the base backoff; attempt n sleeps n*RetryDelay.
	RetryDelay time.Duration
}

// Result is the outcome of a Load call.
type Result struct {
	Data     json.RawMessage
	CacheHit bool
}

// Loader is a read-through loader over a two-tier cache. Concurrent loads of
// the same key share one fetch; failed fetches retry with linear backoff.
type Loader struct {
	cache  *cache.Cache
	logger *zap.Logger
	group  singleflight.Group
	sleep  func(ctx context.Context, d time.Duration) error
}

func New(c *cache.Cache, logger *zap.Logger) *Loader {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Loader{
		cache:  c,
		logger: logger,
		sleep:  sleepCtx,
	}
}

func sleepCtx(ctx context.Context, d time.Duration) error {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}

// Load returns the cached value for key, or fetches it, caches it, and
// returns it. Duplicate concurrent calls for the same key block on the
// in-flight fetch and share its result.
func (l *Loader) Load(ctx context.Context, key string, fetch Fetch, opts Options) (Result, error) {
	if raw, ok := l.cache.Get(ctx, key); ok {
		return Result{Data: raw, CacheHit: true}, nil
	}

	v, err, _ := l.group.Do(key, func() (interface{}, error) {
		// Re-check under singleflight: another caller may have filled the
		// cache between our miss and acquiring the flight.
		if raw, ok := l.cache.Get(ctx, key); ok {
			return raw, nil
		}
		value, err := l.fetchWithRetry(ctx, key, fetch, opts)
		if err != nil {
			return nil, err
		}
		if err := l.cache.Set(ctx, key, value); err != nil {
			return nil, err
		}
		raw, err := json.Marshal(value)
		if err != nil {
			return nil, err
		}
		return json.RawMessage(raw), nil
	})
	if err != nil {
		return Result{}, err
	}
	return Result{Data: v.(json.RawMessage)}, nil
}

func (l *Loader) fetchWithRetry(ctx context.Context, key string, fetch Fetch, opts Options) (interface{}, error) {
	var lastErr error
	for attempt := 0; attempt <= opts.RetryCount; attempt++ {
		if attempt > 0 {
			l.logger.Debug("retrying load",
				zap.String("key", key),
				zap.Int("attempt", attempt),
				zap.Error(lastErr))
			if err := l.sleep(ctx, time.Duration(attempt)*opts.RetryDelay); err != nil {
				return nil, err
			}
		}
		value, err := fetch(ctx)
		if err == nil {
			return value, nil
		}
		lastErr = err
	}
	return nil, lastErr
}

// Invalidate drops key from the underlying cache.
func (l *Loader) Invalidate(ctx context.Context, key string) {
	l.cache.Invalidate(ctx, key)
}
