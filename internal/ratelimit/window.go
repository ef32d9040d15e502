// Package ratelimit implements the Redis-backed request limiters: a sliding
// window for global per-caller limits and fixed minute/second counters for
// marketplace plan quotas.
package ratelimit

import (
	"context"
	"fmt"
	"log/slog"
	"strconv"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"

	"github.com/reqforge/gateway/internal/metrics"
)

// Decision is the outcome of one limiter hit.
type Decision struct {
	Allowed   bool
	Count     int64
	Limit     int
	Remaining int
	ResetAt   time.Time

	// Degraded is set when the store could not be reached and the hit was
	// allowed without being counted.
	Degraded bool
}

// SlidingWindow counts hits per key in a Redis sorted set scored by arrival
// time in milliseconds.
type SlidingWindow struct {
	client  redis.UniversalClient
	prefix  string
	logger  *slog.Logger
	metrics *metrics.Metrics
	now     func() time.Time

	warnOnce sync.Once
}

// NewSlidingWindow creates a limiter. A nil client disables limiting: every
// hit is allowed with permissive headers.
func NewSlidingWindow(client redis.UniversalClient, logger *slog.Logger, m *metrics.Metrics) *SlidingWindow {
	if logger == nil {
		logger = slog.Default()
	}
	return &SlidingWindow{
		client:  client,
		prefix:  "rl:",
		logger:  logger,
		metrics: m,
		now:     time.Now,
	}
}

// Hit records one request for key and returns the post-insert count. The
// prune, insert, count and TTL refresh run in one MULTI/EXEC so concurrent
// hits on the same key never observe a pre-prune count.
//
// Rejected hits are recorded too, so a caller hammering a closed window keeps
// it closed.
func (s *SlidingWindow) Hit(ctx context.Context, key string, window time.Duration, max int) Decision {
	now := s.now()
	resetAt := now.Add(window)

	if s.client == nil {
		return s.permissive(max, resetAt, nil)
	}

	redisKey := s.prefix + key
	nowMs := now.UnixMilli()
	cutoff := nowMs - window.Milliseconds()
	member := fmt.Sprintf("%d-%s", now.UnixNano(), uuid.NewString())

	pipe := s.client.TxPipeline()
	pipe.ZRemRangeByScore(ctx, redisKey, "-inf", strconv.FormatInt(cutoff, 10))
	pipe.ZAdd(ctx, redisKey, redis.Z{Score: float64(nowMs), Member: member})
	card := pipe.ZCard(ctx, redisKey)
	pipe.PExpire(ctx, redisKey, window)
	if _, err := pipe.Exec(ctx); err != nil {
		return s.permissive(max, resetAt, err)
	}

	count := card.Val()
	remaining := max - int(count)
	if remaining < 0 {
		remaining = 0
	}
	return Decision{
		Allowed:   count <= int64(max),
		Count:     count,
		Limit:     max,
		Remaining: remaining,
		ResetAt:   resetAt,
	}
}

func (s *SlidingWindow) permissive(max int, resetAt time.Time, err error) Decision {
	s.warnOnce.Do(func() {
		if err != nil {
			s.logger.Warn("rate limiter store unavailable, allowing all requests", "error", err)
			return
		}
		s.logger.Warn("rate limiter store disabled, allowing all requests")
	})
	s.metrics.StoreDegraded("ratelimit")
	return Decision{
		Allowed:   true,
		Limit:     max,
		Remaining: max,
		ResetAt:   resetAt,
		Degraded:  true,
	}
}
