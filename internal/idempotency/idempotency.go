// Package idempotency deduplicates mutating requests that carry an
// Idempotency-Key header. A Redis SET NX lock admits one execution per key;
// the completed response then replaces the lock and is replayed to retries.
package idempotency

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/reqforge/gateway/internal/core/domain"
	"github.com/reqforge/gateway/internal/core/ports"
	"github.com/reqforge/gateway/internal/metrics"
	"github.com/reqforge/gateway/internal/server"
)

const (
	// HeaderKey is the client-supplied idempotency key.
	HeaderKey = "Idempotency-Key"

	// HeaderReplayed marks a response served from the idempotency cache.
	HeaderReplayed = "Idempotent-Replayed"

	// MaxKeyLength bounds the client key.
	MaxKeyLength = 255

	DefaultLockTTL   = 5 * time.Minute
	DefaultResultTTL = time.Hour

	lockSentinel = "__in_flight__"
)

// Options tunes a Guard. Zero values take the defaults.
type Options struct {
	LockTTL   time.Duration
	ResultTTL time.Duration

	// MaxBodyBytes caps the response body that is cached. Larger responses
	// release the lock instead of being stored.
	MaxBodyBytes int
}

// Guard is the idempotency interceptor.
type Guard struct {
	client    redis.UniversalClient
	lockTTL   time.Duration
	resultTTL time.Duration
	maxBody   int
	logger    *slog.Logger
	metrics   *metrics.Metrics

	warnOnce sync.Once
}

// NewGuard creates the interceptor. A nil client disables deduplication.
func NewGuard(client redis.UniversalClient, opts Options, logger *slog.Logger, m *metrics.Metrics) *Guard {
	if logger == nil {
		logger = slog.Default()
	}
	if opts.LockTTL <= 0 {
		opts.LockTTL = DefaultLockTTL
	}
	if opts.ResultTTL <= 0 {
		opts.ResultTTL = DefaultResultTTL
	}
	if opts.MaxBodyBytes <= 0 {
		opts.MaxBodyBytes = 1 << 20
	}
	return &Guard{
		client:    client,
		lockTTL:   opts.LockTTL,
		resultTTL: opts.ResultTTL,
		maxBody:   opts.MaxBodyBytes,
		logger:    logger,
		metrics:   m,
	}
}

func (g *Guard) Name() string { return "idempotency" }

func (g *Guard) Order() ports.StageOrder { return ports.OrderIdempotency }

// Key scopes the client key to the caller so two principals never share a
// record.
func Key(rc *domain.RequestContext, clientKey string) string {
	return "idempotency:" + rc.IdentityKey() + ":" + clientKey
}

// Intercept runs next at most once per key within the lock TTL. A retry
// while the first execution is in flight is rejected with IDEMPOTENT_REPLAY;
// a retry after completion gets the stored response.
func (g *Guard) Intercept(w http.ResponseWriter, r *http.Request, rc *domain.RequestContext, next http.Handler) error {
	clientKey := strings.TrimSpace(r.Header.Get(HeaderKey))
	if !domain.IsMutating(r.Method) || clientKey == "" {
		next.ServeHTTP(w, r)
		return nil
	}
	if len(clientKey) > MaxKeyLength {
		return domain.NewError(domain.ErrorCodeIdempotencyKeyInvalid, "idempotency key must be at most 255 characters")
	}
	if g.client == nil {
		g.degraded(nil)
		next.ServeHTTP(w, r)
		return nil
	}

	ctx := r.Context()
	key := Key(rc, clientKey)
	server.AddLogField(ctx, "idempotency_key", clientKey)

	acquired, err := g.client.SetNX(ctx, key, lockSentinel, g.lockTTL).Result()
	if err != nil {
		g.degraded(err)
		next.ServeHTTP(w, r)
		return nil
	}
	if !acquired {
		return g.replay(ctx, w, key)
	}

	cw := newCaptureWriter(w, g.maxBody)
	completed := false
	defer func() {
		// A panicking handler must not leave the key locked for the full TTL.
		if !completed {
			g.release(key)
		}
	}()

	next.ServeHTTP(cw, r)
	completed = true
	g.store(key, cw)
	return nil
}

func (g *Guard) replay(ctx context.Context, w http.ResponseWriter, key string) error {
	val, err := g.client.Get(ctx, key).Result()
	switch {
	case errors.Is(err, redis.Nil):
		// The holder released the lock between SET NX and GET.
		return errInFlight()
	case err != nil:
		g.logger.Warn("idempotency record lookup failed", "key", key, "error", err)
		return errInFlight()
	case val == lockSentinel:
		return errInFlight()
	}

	var stored storedResponse
	if err := json.Unmarshal([]byte(val), &stored); err != nil {
		g.logger.Warn("corrupt idempotency record", "key", key, "error", err)
		return errInFlight()
	}

	h := w.Header()
	for name, values := range stored.Header {
		h[name] = append([]string(nil), values...)
	}
	h.Set(HeaderReplayed, "true")
	w.WriteHeader(stored.Status)
	_, _ = w.Write(stored.Body)
	return nil
}

func (g *Guard) store(key string, cw *captureWriter) {
	// The client may already be gone; the record must still be written.
	ctx := context.Background()

	if cw.status >= http.StatusInternalServerError || cw.overflow {
		g.release(key)
		return
	}

	payload, err := json.Marshal(storedResponse{
		Status: cw.status,
		Header: cw.snapshot,
		Body:   cw.body.Bytes(),
	})
	if err != nil {
		g.release(key)
		return
	}
	if err := g.client.Set(ctx, key, payload, g.resultTTL).Err(); err != nil {
		g.logger.Warn("failed to store idempotent response", "key", key, "error", err)
	}
}

func (g *Guard) release(key string) {
	if err := g.client.Del(context.Background(), key).Err(); err != nil {
		g.logger.Warn("failed to release idempotency lock", "key", key, "error", err)
	}
}

func (g *Guard) degraded(err error) {
	g.warnOnce.Do(func() {
		if err != nil {
			g.logger.Warn("idempotency store unavailable, requests are not deduplicated", "error", err)
			return
		}
		g.logger.Warn("idempotency store disabled, requests are not deduplicated")
	})
	g.metrics.StoreDegraded("idempotency")
}

func errInFlight() error {
	return domain.NewError(domain.ErrorCodeIdempotentReplay, "a request with this idempotency key is already in progress")
}

type storedResponse struct {
	Status int         `json:"status"`
	Header http.Header `json:"header,omitempty"`
	Body   []byte      `json:"body,omitempty"`
}
