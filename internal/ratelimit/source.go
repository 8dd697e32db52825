package ratelimit

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/go-redis/redis/v8"

	"github.com/airweave/syncd/internal/logger"
	"github.com/airweave/syncd/internal/syncerrors"
	"github.com/airweave/syncd/pkg/models"
)

const (
	// ProxySourceName is the synthetic source checked in addition to the real
	// one when connections go through the OAuth proxy. The proxy is shared
	// infrastructure, so its budget is enforced alongside the source's own.
	ProxySourceName = "pipedream_proxy"

	proxyDefaultLimit  = 1000
	proxyDefaultWindow = 5 * time.Minute

	levelCacheTTL    = 10 * time.Minute
	configCacheTTL   = 5 * time.Minute
	missingConfigTTL = time.Minute
)

// ConfigProvider supplies the rate-limit metadata a SourceLimiter needs:
// the scope a source declares and the per-(org, source) limit rows.
type ConfigProvider interface {
	// RateLimitLevel reports the scope the source declares, or RateLimitNone
	// when the source opts out of limiting.
	RateLimitLevel(ctx context.Context, sourceShortName string) (models.RateLimitScope, error)

	// RateLimitConfig returns the limit row for (org, source), or nil when
	// none is configured.
	RateLimitConfig(ctx context.Context, orgID, sourceShortName string) (*models.RateLimitConfig, error)
}

type levelEntry struct {
	level     models.RateLimitScope
	expiresAt time.Time
}

type configEntry struct {
	cfg       *models.RateLimitConfig // nil records a negative lookup
	expiresAt time.Time
}

// SourceLimiter enforces per-source crawl limits. Levels and limit rows come
// from the ConfigProvider and are cached locally; absent rows are
// negative-cached so every entity does not cost a lookup.
type SourceLimiter struct {
	client   *redis.Client
	provider ConfigProvider
	log      logger.Logger

	mu      sync.RWMutex
	levels  map[string]levelEntry
	configs map[string]configEntry
}

// NewSourceLimiter creates a source limiter backed by the given Redis client
// and config provider.
func NewSourceLimiter(client *redis.Client, provider ConfigProvider) *SourceLimiter {
	return &SourceLimiter{
		client:   client,
		provider: provider,
		log:      logger.New("ratelimit"),
		levels:   make(map[string]levelEntry),
		configs:  make(map[string]configEntry),
	}
}

// Allow admits one source API call for the connection. When viaProxy is set
// the shared proxy budget is checked first, then the source's own. A full
// window fails with SourceRateLimitError carrying the wait.
func (s *SourceLimiter) Allow(ctx context.Context, orgID, sourceShortName, connectionID string, viaProxy bool) error {
	if viaProxy {
		if err := s.allowProxy(ctx, orgID); err != nil {
			return err
		}
	}
	return s.allowSource(ctx, orgID, sourceShortName, connectionID)
}

func (s *SourceLimiter) allowSource(ctx context.Context, orgID, sourceShortName, connectionID string) error {
	level, err := s.level(ctx, sourceShortName)
	if err != nil {
		return err
	}
	if level == models.RateLimitNone || level == "" {
		return nil
	}

	cfg, err := s.config(ctx, orgID, sourceShortName)
	if err != nil {
		return err
	}
	if cfg == nil {
		return nil
	}

	scope := level
	if cfg.Scope == models.RateLimitOrg || cfg.Scope == models.RateLimitConnection {
		scope = cfg.Scope
	}

	var key string
	switch scope {
	case models.RateLimitConnection:
		key = fmt.Sprintf("src:%s:%s:connection:%s", orgID, sourceShortName, connectionID)
	default:
		key = fmt.Sprintf("src:%s:%s:org:org", orgID, sourceShortName)
	}

	window := time.Duration(cfg.WindowSeconds) * time.Second
	ok, retryAfter, err := allowSlidingWindow(ctx, s.client, key, cfg.Limit, window)
	if err != nil {
		return err
	}
	if !ok {
		s.log.Debug("source rate limit exceeded",
			logger.String("org_id", orgID),
			logger.String("source", sourceShortName),
			logger.String("scope", string(scope)),
			logger.Duration("retry_after", retryAfter))
		return syncerrors.NewSourceRateLimitError(sourceShortName, retryAfter)
	}
	return nil
}

// allowProxy enforces the shared OAuth proxy budget. An operator row for
// pipedream_proxy overrides the built-in defaults.
func (s *SourceLimiter) allowProxy(ctx context.Context, orgID string) error {
	cfg, err := s.config(ctx, orgID, ProxySourceName)
	if err != nil {
		return err
	}

	limit := int64(proxyDefaultLimit)
	window := proxyDefaultWindow
	if cfg != nil {
		limit = cfg.Limit
		window = time.Duration(cfg.WindowSeconds) * time.Second
	}

	key := fmt.Sprintf("src:%s:%s:org:org", orgID, ProxySourceName)
	ok, retryAfter, err := allowSlidingWindow(ctx, s.client, key, limit, window)
	if err != nil {
		return err
	}
	if !ok {
		s.log.Debug("proxy rate limit exceeded",
			logger.String("org_id", orgID),
			logger.Duration("retry_after", retryAfter))
		return syncerrors.NewSourceRateLimitError(ProxySourceName, retryAfter)
	}
	return nil
}

func (s *SourceLimiter) level(ctx context.Context, sourceShortName string) (models.RateLimitScope, error) {
	s.mu.RLock()
	entry, ok := s.levels[sourceShortName]
	s.mu.RUnlock()
	if ok && time.Now().Before(entry.expiresAt) {
		return entry.level, nil
	}

	level, err := s.provider.RateLimitLevel(ctx, sourceShortName)
	if err != nil {
		return "", fmt.Errorf("failed to resolve rate limit level for %s: %w", sourceShortName, err)
	}

	s.mu.Lock()
	s.levels[sourceShortName] = levelEntry{level: level, expiresAt: time.Now().Add(levelCacheTTL)}
	s.mu.Unlock()
	return level, nil
}

func (s *SourceLimiter) config(ctx context.Context, orgID, sourceShortName string) (*models.RateLimitConfig, error) {
	cacheKey := orgID + "/" + sourceShortName

	s.mu.RLock()
	entry, ok := s.configs[cacheKey]
	s.mu.RUnlock()
	if ok && time.Now().Before(entry.expiresAt) {
		return entry.cfg, nil
	}

	cfg, err := s.provider.RateLimitConfig(ctx, orgID, sourceShortName)
	if err != nil {
		return nil, fmt.Errorf("failed to load rate limit config for %s/%s: %w", orgID, sourceShortName, err)
	}

	ttl := configCacheTTL
	if cfg == nil {
		ttl = missingConfigTTL
	}
	s.mu.Lock()
	s.configs[cacheKey] = configEntry{cfg: cfg, expiresAt: time.Now().Add(ttl)}
	s.mu.Unlock()
	return cfg, nil
}
