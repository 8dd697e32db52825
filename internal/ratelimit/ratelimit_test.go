package ratelimit

import (
	"context"
	"sync/atomic"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/go-redis/redis/v8"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/airweave/syncd/internal/syncerrors"
	"github.com/airweave/syncd/pkg/models"
)

func newTestRedis(t *testing.T) *redis.Client {
	t.Helper()
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { client.Close() })
	return client
}

func TestRequestLimiterAllowsUnderLimit(t *testing.T) {
	limiter := NewRequestLimiter(newTestRedis(t))
	ctx := context.Background()

	for i := 0; i < 5; i++ {
		err := limiter.Allow(ctx, "org-1", "search", 5, time.Minute)
		require.NoError(t, err)
	}
}

func TestRequestLimiterRejectsAtLimit(t *testing.T) {
	limiter := NewRequestLimiter(newTestRedis(t))
	ctx := context.Background()

	for i := 0; i < 3; i++ {
		require.NoError(t, limiter.Allow(ctx, "org-1", "search", 3, time.Minute))
	}

	err := limiter.Allow(ctx, "org-1", "search", 3, time.Minute)
	require.Error(t, err)
	assert.True(t, syncerrors.IsRateLimit(err))

	retryAfter := syncerrors.RetryAfter(err)
	assert.Greater(t, retryAfter, time.Duration(0))
	assert.LessOrEqual(t, retryAfter, time.Minute)
}

func TestRequestLimiterScopesAreIndependent(t *testing.T) {
	limiter := NewRequestLimiter(newTestRedis(t))
	ctx := context.Background()

	require.NoError(t, limiter.Allow(ctx, "org-1", "search", 1, time.Minute))
	require.Error(t, limiter.Allow(ctx, "org-1", "search", 1, time.Minute))

	// Other scopes and other orgs have their own windows.
	assert.NoError(t, limiter.Allow(ctx, "org-1", "completions", 1, time.Minute))
	assert.NoError(t, limiter.Allow(ctx, "org-2", "search", 1, time.Minute))
}

func TestRequestLimiterWindowSlides(t *testing.T) {
	limiter := NewRequestLimiter(newTestRedis(t))
	ctx := context.Background()

	window := 100 * time.Millisecond
	require.NoError(t, limiter.Allow(ctx, "org-1", "search", 1, window))
	require.Error(t, limiter.Allow(ctx, "org-1", "search", 1, window))

	time.Sleep(150 * time.Millisecond)
	assert.NoError(t, limiter.Allow(ctx, "org-1", "search", 1, window))
}

func TestRequestLimiterZeroLimitPassesThrough(t *testing.T) {
	limiter := NewRequestLimiter(newTestRedis(t))

	for i := 0; i < 10; i++ {
		assert.NoError(t, limiter.Allow(context.Background(), "org-1", "search", 0, time.Minute))
	}
}

// fakeProvider serves canned levels and config rows and counts lookups.
type fakeProvider struct {
	levels  map[string]models.RateLimitScope
	configs map[string]*models.RateLimitConfig

	levelCalls  int64
	configCalls int64
}

func (f *fakeProvider) RateLimitLevel(_ context.Context, source string) (models.RateLimitScope, error) {
	atomic.AddInt64(&f.levelCalls, 1)
	if level, ok := f.levels[source]; ok {
		return level, nil
	}
	return models.RateLimitNone, nil
}

func (f *fakeProvider) RateLimitConfig(_ context.Context, orgID, source string) (*models.RateLimitConfig, error) {
	atomic.AddInt64(&f.configCalls, 1)
	return f.configs[orgID+"/"+source], nil
}

func TestSourceLimiterPassThrough(t *testing.T) {
	tests := []struct {
		name     string
		provider *fakeProvider
	}{
		{
			name:     "level none",
			provider: &fakeProvider{levels: map[string]models.RateLimitScope{"jira": models.RateLimitNone}},
		},
		{
			name:     "no config row",
			provider: &fakeProvider{levels: map[string]models.RateLimitScope{"jira": models.RateLimitOrg}},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			limiter := NewSourceLimiter(newTestRedis(t), tt.provider)
			for i := 0; i < 20; i++ {
				assert.NoError(t, limiter.Allow(context.Background(), "org-1", "jira", "conn-1", false))
			}
		})
	}
}

func TestSourceLimiterEnforcesOrgScope(t *testing.T) {
	provider := &fakeProvider{
		levels: map[string]models.RateLimitScope{"jira": models.RateLimitOrg},
		configs: map[string]*models.RateLimitConfig{
			"org-1/jira": {
				OrganizationID:  "org-1",
				SourceShortName: "jira",
				Scope:           models.RateLimitOrg,
				Limit:           2,
				WindowSeconds:   60,
			},
		},
	}
	limiter := NewSourceLimiter(newTestRedis(t), provider)
	ctx := context.Background()

	require.NoError(t, limiter.Allow(ctx, "org-1", "jira", "conn-1", false))
	require.NoError(t, limiter.Allow(ctx, "org-1", "jira", "conn-2", false))

	// Org scope pools all connections into one window.
	err := limiter.Allow(ctx, "org-1", "jira", "conn-3", false)
	require.Error(t, err)
	assert.True(t, syncerrors.IsRateLimit(err))

	var srcErr *syncerrors.SourceRateLimitError
	require.ErrorAs(t, err, &srcErr)
	assert.Equal(t, "jira", srcErr.Source)
	assert.Greater(t, srcErr.RetryAfter, time.Duration(0))
}

func TestSourceLimiterConnectionScopeIsolatesConnections(t *testing.T) {
	provider := &fakeProvider{
		levels: map[string]models.RateLimitScope{"hubspot": models.RateLimitConnection},
		configs: map[string]*models.RateLimitConfig{
			"org-1/hubspot": {
				OrganizationID:  "org-1",
				SourceShortName: "hubspot",
				Scope:           models.RateLimitConnection,
				Limit:           1,
				WindowSeconds:   60,
			},
		},
	}
	limiter := NewSourceLimiter(newTestRedis(t), provider)
	ctx := context.Background()

	require.NoError(t, limiter.Allow(ctx, "org-1", "hubspot", "conn-a", false))
	require.Error(t, limiter.Allow(ctx, "org-1", "hubspot", "conn-a", false))

	assert.NoError(t, limiter.Allow(ctx, "org-1", "hubspot", "conn-b", false))
}

func TestSourceLimiterProxyCoCheck(t *testing.T) {
	provider := &fakeProvider{
		levels: map[string]models.RateLimitScope{"hubspot": models.RateLimitNone},
		configs: map[string]*models.RateLimitConfig{
			"org-1/" + ProxySourceName: {
				OrganizationID:  "org-1",
				SourceShortName: ProxySourceName,
				Scope:           models.RateLimitOrg,
				Limit:           2,
				WindowSeconds:   300,
			},
		},
	}
	limiter := NewSourceLimiter(newTestRedis(t), provider)
	ctx := context.Background()

	// The source itself passes through, but the proxy budget still applies.
	require.NoError(t, limiter.Allow(ctx, "org-1", "hubspot", "conn-1", true))
	require.NoError(t, limiter.Allow(ctx, "org-1", "hubspot", "conn-1", true))

	err := limiter.Allow(ctx, "org-1", "hubspot", "conn-1", true)
	require.Error(t, err)

	var srcErr *syncerrors.SourceRateLimitError
	require.ErrorAs(t, err, &srcErr)
	assert.Equal(t, ProxySourceName, srcErr.Source)

	// Without the proxy the source is unlimited.
	assert.NoError(t, limiter.Allow(ctx, "org-1", "hubspot", "conn-1", false))
}

func TestSourceLimiterCachesProviderLookups(t *testing.T) {
	provider := &fakeProvider{
		levels: map[string]models.RateLimitScope{"jira": models.RateLimitOrg},
		configs: map[string]*models.RateLimitConfig{
			"org-1/jira": {
				OrganizationID:  "org-1",
				SourceShortName: "jira",
				Scope:           models.RateLimitOrg,
				Limit:           100,
				WindowSeconds:   60,
			},
		},
	}
	limiter := NewSourceLimiter(newTestRedis(t), provider)
	ctx := context.Background()

	for i := 0; i < 25; i++ {
		require.NoError(t, limiter.Allow(ctx, "org-1", "jira", "conn-1", false))
	}

	assert.Equal(t, int64(1), atomic.LoadInt64(&provider.levelCalls))
	assert.Equal(t, int64(1), atomic.LoadInt64(&provider.configCalls))
}
