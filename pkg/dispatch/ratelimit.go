package dispatch

import (
	"context"
	"fmt"
	"strconv"
	"time"

	redis "github.com/redis/go-redis/v9"
)

const (
	rateLimitKeyPrefix = "rise:telegram:ratelimit:"
	rateLimitWindow    = time.Minute

	testLimitKeyPrefix = "channel:test:"
	testLimitMax       = 3
	testLimitWindow    = 60 * time.Second
)

// RateDecision reports whether a request fits inside the binding's window.
type RateDecision struct {
	Allowed    bool
	RetryAfter int
}

// RateLimiter enforces each binding's per-minute request budget with a
// sliding window sorted set shared across gateway replicas.
type RateLimiter struct {
	client redis.UniversalClient
	now    func() time.Time
}

func NewRateLimiter(client redis.UniversalClient) *RateLimiter {
	return &RateLimiter{client: client, now: time.Now}
}

func rateLimitKey(workflowID string) string {
	return rateLimitKeyPrefix + workflowID
}

// Allow admits the request when fewer than limit requests landed in the last
// minute. When denied, RetryAfter is the seconds until the oldest request
// ages out of the window.
func (l *RateLimiter) Allow(ctx context.Context, workflowID string, limit int) (RateDecision, error) {
	if limit <= 0 {
		return RateDecision{Allowed: true}, nil
	}

	key := rateLimitKey(workflowID)
	now := l.now().UTC()
	cutoff := now.Add(-rateLimitWindow)

	pipe := l.client.TxPipeline()
	pipe.ZRemRangeByScore(ctx, key, "0", formatScore(cutoff))
	countCmd := pipe.ZCard(ctx, key)

	if _, err := pipe.Exec(ctx); err != nil {
		return RateDecision{}, fmt.Errorf("rate limit window %s: %w", workflowID, err)
	}

	if countCmd.Val() >= int64(limit) {
		return RateDecision{RetryAfter: l.retryAfter(ctx, key, now)}, nil
	}

	pipe = l.client.TxPipeline()
	pipe.ZAdd(ctx, key, redis.Z{
		Score:  float64(now.UnixMilli()),
		Member: fmt.Sprintf("%d:%s", now.UnixNano(), workflowID),
	})
	pipe.Expire(ctx, key, rateLimitWindow+time.Second)

	if _, err := pipe.Exec(ctx); err != nil {
		return RateDecision{}, fmt.Errorf("rate limit record %s: %w", workflowID, err)
	}

	return RateDecision{Allowed: true}, nil
}

func (l *RateLimiter) retryAfter(ctx context.Context, key string, now time.Time) int {
	oldest, err := l.client.ZRangeWithScores(ctx, key, 0, 0).Result()
	if err != nil || len(oldest) == 0 {
		return int(rateLimitWindow.Seconds())
	}

	expiresAt := time.UnixMilli(int64(oldest[0].Score)).Add(rateLimitWindow)

	remaining := int(expiresAt.Sub(now).Seconds()) + 1
	if remaining < 1 {
		remaining = 1
	}

	return remaining
}

func formatScore(t time.Time) string {
	return strconv.FormatInt(t.UnixMilli(), 10)
}

// TestMessageLimiter caps admin test sends per binding so probes cannot spam
// a live chat.
type TestMessageLimiter struct {
	client redis.UniversalClient
}

func NewTestMessageLimiter(client redis.UniversalClient) *TestMessageLimiter {
	return &TestMessageLimiter{client: client}
}

// Allow admits up to three test messages per binding per minute.
func (l *TestMessageLimiter) Allow(ctx context.Context, workflowID string) (bool, error) {
	key := testLimitKeyPrefix + workflowID

	count, err := l.client.Incr(ctx, key).Result()
	if err != nil {
		return false, err
	}

	if count == 1 {
		if err := l.client.Expire(ctx, key, testLimitWindow).Err(); err != nil {
			return false, err
		}
	}

	return count <= testLimitMax, nil
}
