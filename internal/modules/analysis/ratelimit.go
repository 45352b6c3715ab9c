package analysis

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strconv"
	"strings"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/storyloom/core/internal/config"
	redispkg "github.com/storyloom/core/internal/pkg/redis"
)

const (
	quotaHourlyKeyPrefix = "loom:quota:h:"
	quotaDailyKeyPrefix  = "loom:quota:d:"
)

// quotaSource answers "how much quota is used" and records consumption.
type quotaSource interface {
	query(ctx context.Context) (RateLimitInfo, error)
	consume(ctx context.Context) error
}

// Limiter tracks quota usage against fixed hourly/daily limits. Query
// failures fail closed: the reading reports allowed=false with counts at
// their limits so no caller dispatches on unknown state.
type Limiter struct {
	source      quotaSource
	maxAge      time.Duration
	hourlyLimit int
	dailyLimit  int
	logger      *zap.Logger
	now         func() time.Time

	mu        sync.Mutex
	last      RateLimitInfo
	fetchedAt time.Time
}

// NewLimiter builds a Limiter. With a limits endpoint configured the quota
// lives on the remote service; otherwise it is tracked in local redis
// counters keyed by hour and day.
func NewLimiter(cfg config.AnalysisConfig, rdb *redispkg.Client, logger *zap.Logger) *Limiter {
	if logger == nil {
		logger = zap.NewNop()
	}
	var source quotaSource
	if cfg.LimitsEndpoint != "" {
		source = &remoteQuota{
			endpoint: cfg.LimitsEndpoint,
			apiKey:   cfg.APIKey,
			client:   &http.Client{Timeout: cfg.Timeout()},
		}
	} else {
		source = &redisQuota{
			rdb:         rdb,
			hourlyLimit: cfg.HourlyLimit,
			dailyLimit:  cfg.DailyLimit,
			now:         time.Now,
		}
	}
	return &Limiter{
		source:      source,
		maxAge:      cfg.LimiterMaxAge(),
		hourlyLimit: cfg.HourlyLimit,
		dailyLimit:  cfg.DailyLimit,
		logger:      logger,
		now:         time.Now,
	}
}

// Check performs a live quota query and caches the reading. On query failure
// it returns the fail-closed fallback.
func (l *Limiter) Check(ctx context.Context) RateLimitInfo {
	info, err := l.source.query(ctx)
	if err != nil {
		l.logger.Warn("quota query failed, failing closed", zap.Error(err))
		info = l.failClosed()
	}

	l.mu.Lock()
	l.last = info
	l.fetchedAt = l.now()
	l.mu.Unlock()
	return info
}

// Current returns the last reading if it is fresher than the max age,
// otherwise re-queries. The reading is advisory; dispatch paths must treat
// allowed=false as final even when slightly stale.
func (l *Limiter) Current(ctx context.Context) RateLimitInfo {
	l.mu.Lock()
	fresh := !l.fetchedAt.IsZero() && l.now().Sub(l.fetchedAt) < l.maxAge
	last := l.last
	l.mu.Unlock()

	if fresh {
		return last
	}
	return l.Check(ctx)
}

// Consume records one dispatched request against the quota and refreshes the
// cached reading from the new counts.
func (l *Limiter) Consume(ctx context.Context) {
	if err := l.source.consume(ctx); err != nil {
		l.logger.Warn("quota consume failed", zap.Error(err))
		return
	}
	l.mu.Lock()
	if l.last.HourlyLimit > 0 {
		l.last.HourlyCount++
		l.last.DailyCount++
		l.last.Allowed = l.last.HourlyCount < l.last.HourlyLimit && l.last.DailyCount < l.last.DailyLimit
	}
	l.mu.Unlock()
}

func (l *Limiter) failClosed() RateLimitInfo {
	return RateLimitInfo{
		Allowed:     false,
		HourlyCount: l.hourlyLimit,
		HourlyLimit: l.hourlyLimit,
		DailyCount:  l.dailyLimit,
		DailyLimit:  l.dailyLimit,
		ResetTime:   nextHour(l.now()),
	}
}

// remoteQuota queries the external quota service.
type remoteQuota struct {
	endpoint string
	apiKey   string
	client   *http.Client
}

func (q *remoteQuota) query(ctx context.Context) (RateLimitInfo, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, q.endpoint, nil)
	if err != nil {
		return RateLimitInfo{}, err
	}
	if q.apiKey != "" {
		req.Header.Set("Authorization", "Bearer "+q.apiKey)
	}
	req.Header.Set("Accept", "application/json")

	resp, err := q.client.Do(req)
	if err != nil {
		return RateLimitInfo{}, err
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return RateLimitInfo{}, err
	}
	if resp.StatusCode >= http.StatusBadRequest {
		return RateLimitInfo{}, fmt.Errorf("quota service returned %d: %s", resp.StatusCode, strings.TrimSpace(string(body)))
	}

	var info RateLimitInfo
	if err := json.Unmarshal(body, &info); err != nil {
		return RateLimitInfo{}, fmt.Errorf("quota response: %w", err)
	}
	return info, nil
}

func (q *remoteQuota) consume(ctx context.Context) error {
	// The remote service counts dispatches on its own side.
	return nil
}

// redisQuota tracks usage in redis counters keyed by the current hour/day.
type redisQuota struct {
	rdb         *redispkg.Client
	hourlyLimit int
	dailyLimit  int
	now         func() time.Time
}

func (q *redisQuota) keys() (hourly, daily string) {
	t := q.now().UTC()
	return quotaHourlyKeyPrefix + t.Format("2006010215"), quotaDailyKeyPrefix + t.Format("20060102")
}

func (q *redisQuota) query(ctx context.Context) (RateLimitInfo, error) {
	hourlyKey, dailyKey := q.keys()

	hourly, err := q.count(ctx, hourlyKey)
	if err != nil {
		return RateLimitInfo{}, err
	}
	daily, err := q.count(ctx, dailyKey)
	if err != nil {
		return RateLimitInfo{}, err
	}

	info := RateLimitInfo{
		HourlyCount: hourly,
		HourlyLimit: q.hourlyLimit,
		DailyCount:  daily,
		DailyLimit:  q.dailyLimit,
		ResetTime:   nextHour(q.now()),
	}
	info.Allowed = hourly < q.hourlyLimit && daily < q.dailyLimit
	if hourly < q.hourlyLimit && daily >= q.dailyLimit {
		info.ResetTime = nextDay(q.now())
	}
	return info, nil
}

func (q *redisQuota) count(ctx context.Context, key string) (int, error) {
	raw, err := q.rdb.Get(ctx, key)
	if err != nil {
		return 0, err
	}
	if raw == "" {
		return 0, nil
	}
	n, err := strconv.Atoi(raw)
	if err != nil {
		return 0, fmt.Errorf("quota counter %q corrupt: %w", key, err)
	}
	return n, nil
}

func (q *redisQuota) consume(ctx context.Context) error {
	hourlyKey, dailyKey := q.keys()
	if _, err := q.rdb.IncrWithTTL(ctx, hourlyKey, 2*time.Hour); err != nil {
		return err
	}
	_, err := q.rdb.IncrWithTTL(ctx, dailyKey, 48*time.Hour)
	return err
}

func nextHour(t time.Time) time.Time {
	return t.UTC().Truncate(time.Hour).Add(time.Hour)
}

func nextDay(t time.Time) time.Time {
	u := t.UTC()
	return time.Date(u.Year(), u.Month(), u.Day(), 0, 0, 0, 0, time.UTC).AddDate(0, 0, 1)
}
