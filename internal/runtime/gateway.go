// Package runtime assembles the ingress gateway from configuration and
// manages its lifecycle.
package runtime

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/reqforge/gateway/internal/auth"
	"github.com/reqforge/gateway/internal/config"
	"github.com/reqforge/gateway/internal/core/domain"
	"github.com/reqforge/gateway/internal/core/ports"
	"github.com/reqforge/gateway/internal/csrf"
	"github.com/reqforge/gateway/internal/idempotency"
	"github.com/reqforge/gateway/internal/marketplace"
	"github.com/reqforge/gateway/internal/metrics"
	"github.com/reqforge/gateway/internal/pipeline"
	"github.com/reqforge/gateway/internal/pkg/safehttp"
	"github.com/reqforge/gateway/internal/ratelimit"
	"github.com/reqforge/gateway/internal/router"
	"github.com/reqforge/gateway/internal/server"
	"github.com/reqforge/gateway/internal/storage/sqlite"
)

// Gateway wires the ingress pipeline, the service router and the
// marketplace proxy behind one HTTP server. It can be embedded in a larger
// application through Handler or run standalone with Start.
type Gateway struct {
	cfg    *config.Config
	logger *slog.Logger

	// Dependencies (injected via options or built from config)
	redis             redis.UniversalClient
	store             ports.Store
	metrics           *metrics.Metrics
	internalTransport http.RoundTripper
	marketplaceClient *http.Client

	ownsRedis bool
	ownsStore bool

	usage  *marketplace.AsyncRecorder
	server *server.Server
}

// New validates cfg and builds the gateway. Redis and the store are created
// from cfg unless supplied through options.
func New(cfg *config.Config, opts ...Option) (*Gateway, error) {
	if cfg == nil {
		return nil, errors.New("config required")
	}
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid config: %w", err)
	}

	gw := &Gateway{cfg: cfg, logger: slog.Default()}
	for _, opt := range opts {
		if err := opt(gw); err != nil {
			return nil, fmt.Errorf("apply option: %w", err)
		}
	}

	if gw.metrics == nil {
		gw.metrics = metrics.New()
	}
	if gw.redis == nil && !cfg.Redis.Disabled && cfg.Redis.URL != "" {
		client, err := connectRedis(cfg.Redis.URL, gw.logger)
		if err != nil {
			return nil, err
		}
		gw.redis = client
		gw.ownsRedis = true
	}
	if gw.redis == nil {
		gw.logger.Warn("redis not configured, rate limits and idempotency are disabled")
	}
	if gw.store == nil {
		store, err := sqlite.New(cfg.Storage.Path)
		if err != nil {
			gw.closeOwned()
			return nil, fmt.Errorf("open store: %w", err)
		}
		gw.store = store
		gw.ownsStore = true
	}

	if err := gw.build(); err != nil {
		gw.closeOwned()
		return nil, err
	}
	return gw, nil
}

// build constructs every pipeline stage and registers the routes.
func (g *Gateway) build() error {
	cfg := g.cfg

	table, err := router.NewTable(router.DefaultRoutes, cfg.Services)
	if err != nil {
		return fmt.Errorf("route table: %w", err)
	}

	jwtVerifier, err := auth.NewJWTVerifier(cfg.Auth.JWTSecret, cfg.Auth.Issuer, cfg.Auth.Audience)
	if err != nil {
		return err
	}
	resolver := auth.NewResolver(auth.ResolverConfig{
		Bypass: auth.Bypass{
			Enabled:     cfg.Auth.Bypass.Enabled,
			UserID:      cfg.Auth.Bypass.UserID,
			Email:       cfg.Auth.Bypass.Email,
			Role:        domain.Role(cfg.Auth.Bypass.Role),
			WorkspaceID: cfg.Auth.Bypass.WorkspaceID,
		},
		SafeEnvironment: cfg.Server.AllowsDeveloperBypass(),
		Keys:            auth.NewKeyVerifier(g.store, cfg.Auth.LegacyScanLimit, g.logger),
		JWT:             jwtVerifier,
		Roles:           auth.NewRoleMapper(roleAssignments(cfg.Roles)),
		Logger:          g.logger,
	})

	csrfService, err := csrf.NewService(cfg.CSRF.Secret, cfg.Server.IsProduction())
	if err != nil {
		return err
	}
	csrfGuard := csrf.NewGuard(csrfService, cfg.CSRF.SessionCookies)

	limiter := ratelimit.NewSlidingWindow(g.redis, g.logger, g.metrics)
	rateGuard := ratelimit.NewGuard(limiter, resolver, cfg.RateLimit.Window(), cfg.RateLimit.Max)
	idempotencyGuard := idempotency.NewGuard(g.redis, idempotency.Options{}, g.logger, g.metrics)

	executor := pipeline.NewExecutor(pipeline.ExecutorConfig{
		Guards:       []ports.Guard{rateGuard, csrfGuard, auth.NewGuard(resolver)},
		Interceptors: []ports.Interceptor{idempotencyGuard},
		Metrics:      g.metrics,
		Logger:       g.logger,
	})

	forwarder := router.NewForwarder(table, router.ForwarderConfig{
		Timeout:         cfg.Router.Timeout,
		BreakerFailures: cfg.Router.BreakerFailures,
		BreakerCooldown: cfg.Router.BreakerCooldown,
		InternalSecret:  cfg.InternalSecret,
		Transport:       g.internalTransport,
		Logger:          g.logger,
		Metrics:         g.metrics,
	})

	client := g.marketplaceClient
	if client == nil {
		client = safehttp.NewClient(safehttp.NewTransport(cfg.Marketplace.AllowPrivateUpstreams))
	}
	g.usage = marketplace.NewAsyncRecorder(g.store, g.logger)
	marketplaceAuth := marketplace.NewAuthenticator(g.store, ratelimit.NewQuota(g.redis, g.logger, g.metrics))
	proxy := marketplace.NewProxy(marketplaceAuth, marketplace.ProxyConfig{
		Timeout:    cfg.Marketplace.Timeout,
		MaxTimeout: cfg.Marketplace.MaxTimeout,
		Client:     client,
		Usage:      g.usage,
		Logger:     g.logger,
		Metrics:    g.metrics,
	})

	// Marketplace callers authenticate with a subscriber key in place of a
	// user credential. The key resolves before idempotency runs, so a replay
	// is served only to the key that made the original call.
	marketplaceExecutor := pipeline.NewExecutor(pipeline.ExecutorConfig{
		Guards:       []ports.Guard{rateGuard, csrfGuard, marketplace.NewGuard(marketplaceAuth, g.metrics)},
		Interceptors: []ports.Interceptor{idempotencyGuard},
		Metrics:      g.metrics,
		Logger:       g.logger,
	})

	srv := server.New(server.Options{
		Port:              cfg.Server.Port,
		TrustProxyHeaders: cfg.Server.TrustProxyHeaders,
		ServiceName:       cfg.Telemetry.ServiceName,
	}, g.logger)

	srv.Router.Get("/healthz", g.handleHealth)
	srv.Router.Handle("/metrics", g.metrics.Handler())

	marketplacePolicy := pipeline.Static(domain.RouteConfig{Name: "marketplace_proxy", Public: true, RateLimited: true})
	srv.Router.Handle("/marketplace/{apiId}/proxy", marketplaceExecutor.Handler(marketplacePolicy, proxy))

	tokenMint := csrfGuard.Handler()
	terminal := http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Method == http.MethodGet && router.IsCSRFPath(r.URL.EscapedPath()) {
			tokenMint.ServeHTTP(w, r)
			return
		}
		forwarder.ServeHTTP(w, r)
	})
	policy := func(r *http.Request) domain.RouteConfig {
		return table.Policy(r.URL.EscapedPath())
	}
	srv.Router.Handle("/*", executor.Handler(policy, terminal))

	g.server = srv
	g.logger.Info("gateway configured",
		slog.Any("services", table.Services()),
		slog.Bool("redis", g.redis != nil),
		slog.String("env", cfg.Server.Env))
	return nil
}

// Handler returns the root HTTP handler.
func (g *Gateway) Handler() http.Handler {
	return g.server.Router
}

// Start serves until Shutdown is called.
func (g *Gateway) Start() error {
	return g.server.Start()
}

// Shutdown stops the server, flushes pending usage records and closes the
// connections the gateway opened itself.
func (g *Gateway) Shutdown(ctx context.Context) error {
	g.logger.Info("shutting down gateway")

	var errs []error
	if err := g.server.Shutdown(ctx); err != nil {
		errs = append(errs, fmt.Errorf("shutdown server: %w", err))
	}
	if g.usage != nil {
		if err := g.usage.Close(); err != nil {
			errs = append(errs, fmt.Errorf("flush usage: %w", err))
		}
	}
	if err := g.closeOwned(); err != nil {
		errs = append(errs, err)
	}

	g.logger.Info("gateway shutdown complete")
	return errors.Join(errs...)
}

func (g *Gateway) closeOwned() error {
	var errs []error
	if g.ownsStore && g.store != nil {
		if err := g.store.Close(); err != nil {
			errs = append(errs, fmt.Errorf("close store: %w", err))
		}
		g.ownsStore = false
	}
	if g.ownsRedis && g.redis != nil {
		if err := g.redis.Close(); err != nil {
			errs = append(errs, fmt.Errorf("close redis: %w", err))
		}
		g.ownsRedis = false
	}
	return errors.Join(errs...)
}

type healthReport struct {
	Status string `json:"status"`
	Store  string `json:"store"`
	Redis  string `json:"redis"`
}

// handleHealth reports store and Redis reachability. Redis being down is
// degraded, not unhealthy: the limiters and idempotency fail open.
func (g *Gateway) handleHealth(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := context.WithTimeout(r.Context(), 2*time.Second)
	defer cancel()

	report := healthReport{Status: "ok", Store: "ok", Redis: "disabled"}
	status := http.StatusOK

	if err := g.store.Ping(ctx); err != nil {
		report.Status = "unavailable"
		report.Store = "unavailable"
		status = http.StatusServiceUnavailable
	}
	if g.redis != nil {
		report.Redis = "ok"
		if err := g.redis.Ping(ctx).Err(); err != nil {
			report.Redis = "unavailable"
			if report.Status == "ok" {
				report.Status = "degraded"
			}
		}
	}

	server.WriteJSON(w, status, report)
}

func roleAssignments(cfg config.RolesConfig) map[string]domain.Role {
	out := make(map[string]domain.Role, len(cfg.Assignments))
	for _, a := range cfg.Assignments {
		if a.Email == "" || a.Role == "" {
			continue
		}
		out[a.Email] = domain.Role(a.Role)
	}
	return out
}
