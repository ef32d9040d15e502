package router

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"net/http/httputil"
	"strings"
	"time"

	"github.com/sony/gobreaker"

	"github.com/reqforge/gateway/internal/core/domain"
	"github.com/reqforge/gateway/internal/metrics"
	"github.com/reqforge/gateway/internal/server"
)

// Identity and trust headers set by the gateway on forwarded requests.
const (
	HeaderUserID         = "X-User-Id"
	HeaderUserEmail      = "X-User-Email"
	HeaderUserRole       = "X-User-Role"
	HeaderWorkspaceID    = "X-Workspace-Id"
	HeaderInternalSecret = "X-Internal-Secret"
)

// responseStrip lists upstream response headers never passed to the client.
// The correlation id and rate-limit headers are owned by the gateway, which
// has already set them on the response.
var responseStrip = []string{
	"Transfer-Encoding",
	"Content-Length",
	"Connection",
	HeaderInternalSecret,
	server.RequestIDHeader,
	server.HeaderRateLimitLimit,
	server.HeaderRateLimitRemaining,
	server.HeaderRateLimitReset,
}

// ForwarderConfig configures a Forwarder.
type ForwarderConfig struct {
	Timeout         time.Duration
	BreakerFailures int
	BreakerCooldown time.Duration
	InternalSecret  string

	// Transport defaults to a clone of http.DefaultTransport.
	Transport http.RoundTripper

	Logger  *slog.Logger
	Metrics *metrics.Metrics
}

// Forwarder reverse-proxies resolved requests to downstream services with a
// per-service circuit breaker.
type Forwarder struct {
	table    *Table
	proxy    *httputil.ReverseProxy
	breakers map[string]*gobreaker.TwoStepCircuitBreaker
	timeout  time.Duration
	secret   string
	logger   *slog.Logger
	metrics  *metrics.Metrics
}

type forwardKey struct{}

// forwardState carries the resolved target into the proxy callbacks and the
// outcome back out of them.
type forwardState struct {
	target   *Target
	status   int
	failed   bool
	canceled bool
}

// NewForwarder creates a forwarder for the services in table.
func NewForwarder(table *Table, cfg ForwarderConfig) *Forwarder {
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = 5 * time.Second
	}
	if cfg.BreakerFailures <= 0 {
		cfg.BreakerFailures = 5
	}
	if cfg.BreakerCooldown <= 0 {
		cfg.BreakerCooldown = 30 * time.Second
	}
	if cfg.Transport == nil {
		cfg.Transport = http.DefaultTransport.(*http.Transport).Clone()
	}

	f := &Forwarder{
		table:    table,
		breakers: make(map[string]*gobreaker.TwoStepCircuitBreaker),
		timeout:  cfg.Timeout,
		secret:   cfg.InternalSecret,
		logger:   cfg.Logger,
		metrics:  cfg.Metrics,
	}

	failures := uint32(cfg.BreakerFailures)
	for _, name := range table.Services() {
		f.breakers[name] = gobreaker.NewTwoStepCircuitBreaker(gobreaker.Settings{
			Name:        name,
			MaxRequests: 1,
			Timeout:     cfg.BreakerCooldown,
			ReadyToTrip: func(c gobreaker.Counts) bool {
				return c.ConsecutiveFailures >= failures
			},
			OnStateChange: func(name string, from, to gobreaker.State) {
				f.logger.Info("circuit breaker state changed", "service", name, "from", from.String(), "to", to.String())
			},
		})
	}

	f.proxy = &httputil.ReverseProxy{
		Rewrite:        f.rewrite,
		Transport:      cfg.Transport,
		ModifyResponse: f.modifyResponse,
		ErrorHandler:   f.handleError,
	}
	return f
}

// ServeHTTP resolves the target and forwards the request.
func (f *Forwarder) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	target, err := f.table.Resolve(r.URL.EscapedPath())
	if err != nil {
		server.WriteError(w, r, err)
		return
	}
	server.AddLogField(r.Context(), "upstream", target.Service)

	var done func(bool)
	if b, ok := f.breakers[target.Service]; ok {
		done, err = b.Allow()
		if err != nil {
			f.metrics.UpstreamRequest(target.Service, "circuit_open", 0)
			server.WriteError(w, r, domain.NewError(domain.ErrorCodeUpstreamUnavailable, "upstream service unavailable").WithCause(err))
			return
		}
	}

	state := &forwardState{target: target}
	ctx, cancel := context.WithTimeout(r.Context(), f.timeout)
	defer cancel()
	ctx = context.WithValue(ctx, forwardKey{}, state)

	start := time.Now()
	f.proxy.ServeHTTP(w, r.WithContext(ctx))

	outcome := "ok"
	switch {
	case state.canceled:
		outcome = "canceled"
	case state.failed:
		outcome = "error"
	case state.status >= http.StatusInternalServerError:
		outcome = "5xx"
	}
	f.metrics.UpstreamRequest(target.Service, outcome, time.Since(start))

	if done != nil {
		// Only transport failures trip the breaker; upstream 5xx responses
		// are passed through as they are.
		done(!state.failed || state.canceled)
	}
}

func (f *Forwarder) rewrite(pr *httputil.ProxyRequest) {
	state := pr.In.Context().Value(forwardKey{}).(*forwardState)

	u := *state.target.URL
	u.RawQuery = pr.In.URL.RawQuery
	pr.Out.URL = &u
	pr.Out.Host = ""
	pr.SetXForwarded()

	h := pr.Out.Header
	for name := range h {
		lower := strings.ToLower(name)
		if strings.HasPrefix(lower, "x-user-") || lower == "x-workspace-id" || lower == "x-internal-secret" {
			h.Del(name)
		}
	}
	h.Del("Content-Length")

	if rc := domain.RequestContextFrom(pr.In.Context()); rc != nil && rc.Principal != nil {
		p := rc.Principal
		h.Set(HeaderUserID, p.ID)
		h.Set(HeaderUserRole, string(p.Role))
		if p.Email != "" {
			h.Set(HeaderUserEmail, p.Email)
		}
		if p.WorkspaceID != "" {
			h.Set(HeaderWorkspaceID, p.WorkspaceID)
		}
	}
	if id := server.GetRequestID(pr.In.Context()); id != "" {
		h.Set(server.RequestIDHeader, id)
	}
	if f.secret != "" {
		h.Set(HeaderInternalSecret, f.secret)
	}
}

func (f *Forwarder) modifyResponse(resp *http.Response) error {
	if state, ok := resp.Request.Context().Value(forwardKey{}).(*forwardState); ok {
		state.status = resp.StatusCode
	}
	for _, name := range responseStrip {
		resp.Header.Del(name)
	}
	return nil
}

func (f *Forwarder) handleError(w http.ResponseWriter, r *http.Request, err error) {
	state := r.Context().Value(forwardKey{}).(*forwardState)
	state.failed = true
	ctxErr := r.Context().Err()
	state.canceled = errors.Is(err, context.Canceled) || errors.Is(ctxErr, context.Canceled)

	msg := "upstream service unavailable"
	if errors.Is(err, context.DeadlineExceeded) || errors.Is(ctxErr, context.DeadlineExceeded) {
		msg = "upstream service timed out"
	}
	f.logger.Warn("upstream request failed",
		"service", state.target.Service,
		"request_id", server.GetRequestID(r.Context()),
		"error", err)
	server.WriteError(w, r, domain.NewError(domain.ErrorCodeUpstreamUnavailable, msg).WithCause(err))
}
