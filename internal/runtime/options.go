package runtime

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"github.com/cenkalti/backoff/v5"
	"github.com/redis/go-redis/v9"

	"github.com/reqforge/gateway/internal/core/ports"
	"github.com/reqforge/gateway/internal/metrics"
	"github.com/reqforge/gateway/internal/storage/sqlite"
)

// Option is a functional option for configuring a Gateway.
type Option func(*Gateway) error

// WithLogger sets a custom logger.
func WithLogger(logger *slog.Logger) Option {
	return func(g *Gateway) error {
		g.logger = logger
		return nil
	}
}

// WithSQLite opens the SQLite store at path instead of storage.path.
func WithSQLite(path string) Option {
	return func(g *Gateway) error {
		store, err := sqlite.New(path)
		if err != nil {
			return fmt.Errorf("create sqlite storage: %w", err)
		}
		g.store = store
		g.ownsStore = true
		return nil
	}
}

// WithStore uses a caller-owned store. The gateway does not close it.
func WithStore(store ports.Store) Option {
	return func(g *Gateway) error {
		g.store = store
		return nil
	}
}

// WithRedisClient uses a caller-owned Redis client. The gateway does not
// close it.
func WithRedisClient(client redis.UniversalClient) Option {
	return func(g *Gateway) error {
		g.redis = client
		return nil
	}
}

// WithMetrics shares a metrics registry with the embedding application.
func WithMetrics(m *metrics.Metrics) Option {
	return func(g *Gateway) error {
		g.metrics = m
		return nil
	}
}

// WithInternalTransport sets the transport used to reach internal services.
func WithInternalTransport(rt http.RoundTripper) Option {
	return func(g *Gateway) error {
		g.internalTransport = rt
		return nil
	}
}

// WithMarketplaceClient replaces the SSRF-safe marketplace client. The
// client must not follow redirects.
func WithMarketplaceClient(client *http.Client) Option {
	return func(g *Gateway) error {
		g.marketplaceClient = client
		return nil
	}
}

// connectRedis creates a client for url and probes it with exponential
// backoff. An unreachable server is logged and the client kept, since every
// Redis consumer fails open.
func connectRedis(url string, logger *slog.Logger) (redis.UniversalClient, error) {
	opts, err := redis.ParseURL(url)
	if err != nil {
		return nil, fmt.Errorf("parse redis url: %w", err)
	}
	client := redis.NewClient(opts)

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	_, err = backoff.Retry(ctx, func() (string, error) {
		return client.Ping(ctx).Result()
	},
		backoff.WithBackOff(backoff.NewExponentialBackOff()),
		backoff.WithMaxTries(5),
		backoff.WithNotify(func(err error, next time.Duration) {
			logger.Info("redis ping failed, retrying", slog.String("error", err.Error()), slog.Duration("next", next))
		}),
	)
	if err != nil {
		logger.Warn("redis unreachable at startup, continuing fail-open", slog.String("error", err.Error()))
	}
	return client, nil
}
