package analysis

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/storyloom/core/internal/config"
)

func TestLimiterFailClosed(t *testing.T) {
	cfg := config.DefaultAnalysisConfig()
	quota := &stubQuota{err: errors.New("connection refused")}
	l := newStubLimiter(cfg, quota)

	info := l.Check(context.Background())

	assert.False(t, info.Allowed)
	assert.Equal(t, cfg.HourlyLimit, info.HourlyCount, "counts pinned to limits on unknown state")
	assert.Equal(t, cfg.HourlyLimit, info.HourlyLimit)
	assert.Equal(t, cfg.DailyLimit, info.DailyCount)
	assert.False(t, info.ResetTime.IsZero())
}

func TestLimiterCurrentUsesFreshReading(t *testing.T) {
	quota := allowedQuota()
	l := newStubLimiter(config.DefaultAnalysisConfig(), quota)

	l.Check(context.Background())
	l.Current(context.Background())
	l.Current(context.Background())

	assert.Equal(t, 1, quota.queries, "fresh readings are served from cache")
}

func TestLimiterCurrentRequeriesWhenStale(t *testing.T) {
	quota := allowedQuota()
	l := newStubLimiter(config.DefaultAnalysisConfig(), quota)

	base := time.Now()
	l.now = func() time.Time { return base }
	l.Check(context.Background())

	l.now = func() time.Time { return base.Add(6 * time.Minute) }
	l.Current(context.Background())

	assert.Equal(t, 2, quota.queries)
}

func TestLimiterConsumeAdvancesCachedCounts(t *testing.T) {
	quota := allowedQuota()
	l := newStubLimiter(config.DefaultAnalysisConfig(), quota)
	l.Check(context.Background())

	l.Consume(context.Background())
	l.Consume(context.Background())

	info := l.Current(context.Background())
	assert.Equal(t, 2, info.HourlyCount)
	assert.Equal(t, 2, info.DailyCount)
	assert.Equal(t, 2, quota.consumed)
}

func TestRemoteQuotaQuery(t *testing.T) {
	reset := time.Now().Add(30 * time.Minute).UTC().Truncate(time.Second)
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "Bearer secret", r.Header.Get("Authorization"))
		json.NewEncoder(w).Encode(RateLimitInfo{
			Allowed:     true,
			HourlyCount: 12,
			HourlyLimit: 50,
			DailyCount:  80,
			DailyLimit:  500,
			ResetTime:   reset,
		})
	}))
	defer srv.Close()

	q := &remoteQuota{endpoint: srv.URL, apiKey: "secret", client: srv.Client()}
	info, err := q.query(context.Background())
	require.NoError(t, err)
	assert.True(t, info.Allowed)
	assert.Equal(t, 12, info.HourlyCount)
	assert.True(t, info.ResetTime.Equal(reset))
}

func TestRemoteQuotaQueryErrors(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "nope", http.StatusServiceUnavailable)
	}))
	defer srv.Close()

	q := &remoteQuota{endpoint: srv.URL, client: srv.Client()}
	_, err := q.query(context.Background())
	require.Error(t, err)
}

func TestQuotaResetBoundaries(t *testing.T) {
	at := time.Date(2026, 8, 30, 14, 42, 7, 0, time.UTC)
	assert.Equal(t, time.Date(2026, 8, 30, 15, 0, 0, 0, time.UTC), nextHour(at))
	assert.Equal(t, time.Date(2026, 8, 31, 0, 0, 0, 0, time.UTC), nextDay(at))
}
