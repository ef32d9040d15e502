package ratelimit

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/reqforge/gateway/internal/core/domain"
	"github.com/reqforge/gateway/internal/metrics"
)

// Quota tiers.
const (
	TierMinute = "minute"
	TierBurst  = "burst"
)

// QuotaDecision is the outcome of a marketplace plan check.
type QuotaDecision struct {
	Allowed bool

	// Tier names the exceeded tier when Allowed is false.
	Tier string

	MinuteCount int64
	BurstCount  int64
	Degraded    bool
}

// Quota enforces a marketplace plan with two fixed-window counters per key:
// one per calendar minute and one per second. Each counter lives on its own
// bucket key, incremented and expired in a single pipeline.
type Quota struct {
	client  redis.UniversalClient
	prefix  string
	logger  *slog.Logger
	metrics *metrics.Metrics
	now     func() time.Time

	warnOnce sync.Once
}

// NewQuota creates a plan limiter. A nil client allows every call.
func NewQuota(client redis.UniversalClient, logger *slog.Logger, m *metrics.Metrics) *Quota {
	if logger == nil {
		logger = slog.Default()
	}
	return &Quota{
		client:  client,
		prefix:  "mkt:quota:",
		logger:  logger,
		metrics: m,
		now:     time.Now,
	}
}

// WithClock replaces the time source that picks the minute and second
// buckets.
func (q *Quota) WithClock(now func() time.Time) *Quota {
	q.now = now
	return q
}

// Hit counts one call for keyID against plan. Zero limits are unlimited.
func (q *Quota) Hit(ctx context.Context, keyID string, plan domain.Plan) QuotaDecision {
	if plan.RateLimitPerMinute <= 0 && plan.BurstLimit <= 0 {
		return QuotaDecision{Allowed: true}
	}
	if q.client == nil {
		return q.permissive(nil)
	}

	now := q.now()
	minuteKey := fmt.Sprintf("%s%s:m:%d", q.prefix, keyID, now.Unix()/60)
	burstKey := fmt.Sprintf("%s%s:s:%d", q.prefix, keyID, now.Unix())

	pipe := q.client.TxPipeline()
	minute := pipe.Incr(ctx, minuteKey)
	pipe.Expire(ctx, minuteKey, time.Minute)
	burst := pipe.Incr(ctx, burstKey)
	pipe.Expire(ctx, burstKey, time.Second)
	if _, err := pipe.Exec(ctx); err != nil {
		return q.permissive(err)
	}

	d := QuotaDecision{
		Allowed:     true,
		MinuteCount: minute.Val(),
		BurstCount:  burst.Val(),
	}
	switch {
	case plan.RateLimitPerMinute > 0 && d.MinuteCount > int64(plan.RateLimitPerMinute):
		d.Allowed = false
		d.Tier = TierMinute
	case plan.BurstLimit > 0 && d.BurstCount > int64(plan.BurstLimit):
		d.Allowed = false
		d.Tier = TierBurst
	}
	return d
}

func (q *Quota) permissive(err error) QuotaDecision {
	q.warnOnce.Do(func() {
		if err != nil {
			q.logger.Warn("quota store unavailable, marketplace plans not enforced", "error", err)
			return
		}
		q.logger.Warn("quota store disabled, marketplace plans not enforced")
	})
	q.metrics.StoreDegraded("quota")
	return QuotaDecision{Allowed: true, Degraded: true}
}
