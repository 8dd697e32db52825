// Package ratelimit enforces distributed sliding-window limits over Redis
// sorted sets. Counters are shared across pods: every worker that talks to
// the same Redis sees the same window. Two limiters exist: RequestLimiter
// for org-scoped outbound API usage and SourceLimiter for per-source crawl
// traffic.
package ratelimit

import (
	"context"
	"fmt"
	"math/rand"
	"strconv"
	"time"

	"github.com/go-redis/redis/v8"

	"github.com/airweave/syncd/internal/logger"
	"github.com/airweave/syncd/internal/syncerrors"
)

// allowSlidingWindow admits one event into the window behind key. It trims
// entries older than the window, counts the remainder, and either records
// the new event or reports how long the caller must wait for the oldest
// entry to age out.
func allowSlidingWindow(ctx context.Context, client *redis.Client, key string, limit int64, window time.Duration) (bool, time.Duration, error) {
	if limit <= 0 {
		return true, 0, nil
	}

	now := time.Now()
	nowMS := now.UnixMilli()
	minScore := nowMS - window.Milliseconds()

	pipe := client.Pipeline()
	pipe.ZRemRangeByScore(ctx, key, "-inf", strconv.FormatInt(minScore, 10))
	countCmd := pipe.ZCard(ctx, key)
	if _, err := pipe.Exec(ctx); err != nil {
		return false, 0, fmt.Errorf("failed to trim rate limit window: %w", err)
	}

	if countCmd.Val() >= limit {
		retryAfter := window
		oldest, err := client.ZRangeWithScores(ctx, key, 0, 0).Result()
		if err == nil && len(oldest) > 0 {
			freeAt := int64(oldest[0].Score) + window.Milliseconds()
			if wait := time.Duration(freeAt-nowMS) * time.Millisecond; wait > 0 {
				retryAfter = wait
			} else {
				retryAfter = time.Second
			}
		}
		return false, retryAfter, nil
	}

	// Member carries a random suffix so two events in the same instant both
	// count.
	member := fmt.Sprintf("%d:%d", now.UnixNano(), rand.Int63())
	pipe = client.Pipeline()
	pipe.ZAdd(ctx, key, &redis.Z{Score: float64(nowMS), Member: member})
	pipe.Expire(ctx, key, 2*window)
	if _, err := pipe.Exec(ctx); err != nil {
		return false, 0, fmt.Errorf("failed to record rate limit entry: %w", err)
	}
	return true, 0, nil
}

// RequestLimiter enforces org-scoped limits on outbound API requests.
type RequestLimiter struct {
	client *redis.Client
	log    logger.Logger
}

// NewRequestLimiter creates a request limiter backed by the given Redis
// client.
func NewRequestLimiter(client *redis.Client) *RequestLimiter {
	return &RequestLimiter{
		client: client,
		log:    logger.New("ratelimit"),
	}
}

// Allow admits one request for the organization under the named scope. When
// the window is full it fails with a RateLimitError carrying the wait until
// the oldest tracked request ages out.
func (r *RequestLimiter) Allow(ctx context.Context, orgID, scope string, limit int64, window time.Duration) error {
	key := fmt.Sprintf("rl:%s:%s", orgID, scope)
	ok, retryAfter, err := allowSlidingWindow(ctx, r.client, key, limit, window)
	if err != nil {
		return err
	}
	if !ok {
		r.log.Debug("request rate limit exceeded",
			logger.String("org_id", orgID),
			logger.String("scope", scope),
			logger.Duration("retry_after", retryAfter))
		return syncerrors.NewRateLimitError(scope, retryAfter)
	}
	return nil
}
