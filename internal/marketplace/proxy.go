package marketplace

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"

	"github.com/reqforge/gateway/internal/core/domain"
	"github.com/reqforge/gateway/internal/metrics"
	"github.com/reqforge/gateway/internal/server"
)

// HeaderTimeout lets the caller choose the upstream timeout in milliseconds.
const HeaderTimeout = "X-Proxy-Timeout-Ms"

const maxBodyBytes = 10 << 20

// requestStrip lists caller headers never sent to a third party.
var requestStrip = []string{
	"Host",
	"Content-Length",
	"X-Api-Key",
	"Cookie",
	"X-Csrf-Token",
	"X-Internal-Secret",
	HeaderTimeout,
	"Connection",
	"Keep-Alive",
	"Proxy-Authorization",
	"Te",
	"Trailer",
	"Transfer-Encoding",
	"Upgrade",
}

// responseStrip lists upstream headers not copied back to the caller.
var responseStrip = map[string]bool{
	"Connection":        true,
	"Content-Length":    true,
	"Keep-Alive":        true,
	"Transfer-Encoding": true,
	"Trailer":           true,
	"Upgrade":           true,

	// Set by the gateway itself.
	"X-Request-Id":           true,
	"X-Rate-Limit-Limit":     true,
	"X-Rate-Limit-Remaining": true,
	"X-Rate-Limit-Reset":     true,
}

// ProxyConfig configures a Proxy.
type ProxyConfig struct {
	Timeout    time.Duration
	MaxTimeout time.Duration

	// Client must not follow redirects.
	Client *http.Client

	Usage   UsageRecorder
	Logger  *slog.Logger
	Metrics *metrics.Metrics
}

// Proxy serves /marketplace/{apiId}/proxy.
type Proxy struct {
	auth       *Authenticator
	client     *http.Client
	usage      UsageRecorder
	timeout    time.Duration
	maxTimeout time.Duration
	logger     *slog.Logger
	metrics    *metrics.Metrics
}

func NewProxy(authn *Authenticator, cfg ProxyConfig) *Proxy {
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = 30 * time.Second
	}
	if cfg.MaxTimeout < cfg.Timeout {
		cfg.MaxTimeout = cfg.Timeout
	}
	return &Proxy{
		auth:       authn,
		client:     cfg.Client,
		usage:      cfg.Usage,
		timeout:    cfg.Timeout,
		maxTimeout: cfg.MaxTimeout,
		logger:     cfg.Logger,
		metrics:    cfg.Metrics,
	}
}

// ServeHTTP reuses a key resolved by Guard and authenticates the caller
// itself when mounted without one.
func (p *Proxy) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	rc := domain.RequestContextFrom(ctx)

	var key *domain.MarketplaceKey
	if rc != nil && rc.Marketplace != nil {
		key = rc.Marketplace
	} else {
		var err error
		key, err = p.auth.Authenticate(r, chi.URLParam(r, "apiId"))
		if err != nil {
			p.metrics.MarketplaceCall(unknownAPI, "rejected")
			server.WriteError(w, r, err)
			return
		}
		if rc != nil {
			rc.Marketplace = key
		}
	}
	server.AddLogField(ctx, "api_id", key.APIID)

	start := time.Now()
	entry := &domain.UsageLog{
		APIKeyID: key.ID,
		APIID:    key.APIID,
		Method:   r.Method,
	}

	status, err := p.forward(w, r, key, entry)
	entry.DurationMs = time.Since(start).Milliseconds()
	if status != 0 {
		entry.Status = &status
	}
	if err != nil {
		msg := err.Error()
		entry.Error = &msg
	}
	if p.usage != nil {
		p.usage.Record(ctx, entry)
	}

	var gwErr *domain.GatewayError
	switch {
	case status == 0 && errors.As(err, &gwErr):
		p.metrics.MarketplaceCall(key.APIID, "rejected")
		server.WriteError(w, r, gwErr)
	case status == 0:
		p.metrics.MarketplaceCall(key.APIID, "error")
		p.logger.Warn("marketplace upstream call failed",
			"api_id", key.APIID,
			"request_id", server.GetRequestID(ctx),
			"error", err)
		server.WriteError(w, r, domain.NewError(domain.ErrorCodeAPIUpstreamError, "upstream API request failed").WithCause(err))
	case status >= http.StatusInternalServerError:
		p.metrics.MarketplaceCall(key.APIID, "5xx")
	default:
		p.metrics.MarketplaceCall(key.APIID, "ok")
	}
}

// forward performs the upstream call and streams the response. It returns
// the upstream status, or zero if nothing was written to w.
func (p *Proxy) forward(w http.ResponseWriter, r *http.Request, key *domain.MarketplaceKey, entry *domain.UsageLog) (int, error) {
	q := r.URL.Query()
	target, err := ResolveTarget(key.API.BaseURL, q.Get(ParamPath), q)
	if err != nil {
		entry.URL = key.API.BaseURL
		return 0, err
	}
	entry.URL = target.String()

	body, err := io.ReadAll(http.MaxBytesReader(w, r.Body, maxBodyBytes))
	if err != nil {
		var tooLarge *http.MaxBytesError
		if errors.As(err, &tooLarge) {
			return 0, domain.NewError(domain.ErrorCodePayloadTooLarge,
				fmt.Sprintf("request body exceeds %d bytes", tooLarge.Limit))
		}
		return 0, err
	}

	ctx, cancel := context.WithTimeout(r.Context(), p.callTimeout(r))
	defer cancel()

	out, err := http.NewRequestWithContext(ctx, r.Method, target.String(), bytes.NewReader(body))
	if err != nil {
		return 0, err
	}
	out.Header = r.Header.Clone()
	for _, name := range requestStrip {
		out.Header.Del(name)
	}
	if len(body) > 0 && out.Header.Get("Content-Type") == "" && isJSONObject(body) {
		out.Header.Set("Content-Type", "application/json")
	}
	if len(body) == 0 {
		out.Body = http.NoBody
	}

	resp, err := p.client.Do(out)
	if err != nil {
		if errors.Is(err, context.DeadlineExceeded) || errors.Is(ctx.Err(), context.DeadlineExceeded) {
			return 0, errors.New("upstream API timed out")
		}
		return 0, err
	}
	defer resp.Body.Close()

	h := w.Header()
	for name, values := range resp.Header {
		if responseStrip[name] {
			continue
		}
		h[name] = values
	}
	w.WriteHeader(resp.StatusCode)
	if _, err := io.Copy(w, resp.Body); err != nil {
		return resp.StatusCode, err
	}
	return resp.StatusCode, nil
}

// callTimeout honours the caller's x-proxy-timeout-ms within MaxTimeout.
func (p *Proxy) callTimeout(r *http.Request) time.Duration {
	raw := strings.TrimSpace(r.Header.Get(HeaderTimeout))
	if raw == "" {
		return p.timeout
	}
	ms, err := strconv.ParseInt(raw, 10, 64)
	if err != nil || ms <= 0 {
		return p.timeout
	}
	if ms > p.maxTimeout.Milliseconds() {
		return p.maxTimeout
	}
	return time.Duration(ms) * time.Millisecond
}

func isJSONObject(body []byte) bool {
	trimmed := bytes.TrimSpace(body)
	return len(trimmed) > 0 && trimmed[0] == '{' && json.Valid(trimmed)
}
