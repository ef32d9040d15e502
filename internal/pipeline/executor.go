package pipeline

import (
	"log/slog"
	"net"
	"net/http"
	"sort"
	"time"

	"github.com/reqforge/gateway/internal/core/domain"
	"github.com/reqforge/gateway/internal/core/ports"
	"github.com/reqforge/gateway/internal/metrics"
	"github.com/reqforge/gateway/internal/server"
)

// PolicyFunc returns the route config for a request.
type PolicyFunc func(r *http.Request) domain.RouteConfig

// Static returns a PolicyFunc that always yields rc.
func Static(rc domain.RouteConfig) PolicyFunc {
	return func(*http.Request) domain.RouteConfig { return rc }
}

// Executor orchestrates the guard chain and the interceptors around a
// terminal handler.
type Executor struct {
	guards       []ports.Guard
	interceptors []ports.Interceptor
	metrics      *metrics.Metrics
	logger       *slog.Logger
}

// ExecutorConfig configures an executor.
type ExecutorConfig struct {
	Guards       []ports.Guard
	Interceptors []ports.Interceptor
	Metrics      *metrics.Metrics
	Logger       *slog.Logger
}

// NewExecutor creates an executor. Guards and interceptors are sorted by
// their StageOrder.
func NewExecutor(cfg ExecutorConfig) *Executor {
	guards := append([]ports.Guard(nil), cfg.Guards...)
	sort.SliceStable(guards, func(i, j int) bool {
		return guards[i].Order() < guards[j].Order()
	})
	interceptors := append([]ports.Interceptor(nil), cfg.Interceptors...)
	sort.SliceStable(interceptors, func(i, j int) bool {
		return interceptors[i].Order() < interceptors[j].Order()
	})

	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	return &Executor{
		guards:       guards,
		interceptors: interceptors,
		metrics:      cfg.Metrics,
		logger:       logger,
	}
}

// Handler wraps terminal with the pipeline. policy is evaluated once per
// request.
func (e *Executor) Handler(policy PolicyFunc, terminal http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		rc := &domain.RequestContext{
			RequestID: server.GetRequestID(r.Context()),
			ClientIP:  clientIP(r),
			StartedAt: time.Now(),
			Route:     policy(r),
		}
		r = r.WithContext(domain.WithRequestContext(r.Context(), rc))

		for _, g := range e.guards {
			err := g.Check(r, rc)
			if err != nil {
				server.WriteRateLimitHeaders(w.Header(), rc.RateLimit)
				e.reject(w, r, g.Name(), err)
				return
			}
		}
		server.WriteRateLimitHeaders(w.Header(), rc.RateLimit)

		e.chain(rc, terminal).ServeHTTP(w, r)
	})
}

// chain nests the interceptors so the lowest order runs outermost.
func (e *Executor) chain(rc *domain.RequestContext, terminal http.Handler) http.Handler {
	next := terminal
	for i := len(e.interceptors) - 1; i >= 0; i-- {
		ic := e.interceptors[i]
		inner := next
		next = http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			tw := &trackingWriter{ResponseWriter: w}
			if err := ic.Intercept(tw, r, rc, inner); err != nil {
				if tw.wrote {
					e.logger.Warn("interceptor failed after response started",
						"interceptor", ic.Name(),
						"request_id", rc.RequestID,
						"error", err)
					return
				}
				e.reject(tw, r, ic.Name(), err)
			}
		})
	}
	return next
}

func (e *Executor) reject(w http.ResponseWriter, r *http.Request, stage string, err error) {
	ge := domain.AsGatewayError(err)
	e.metrics.GuardRejected(stage, string(ge.Code))
	server.AddLogField(r.Context(), "guard_rejection", stage)
	server.WriteError(w, r, ge)
}

// clientIP returns the host part of RemoteAddr. RemoteAddr already reflects
// forwarding headers when the server trusts them.
func clientIP(r *http.Request) string {
	host, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		return r.RemoteAddr
	}
	return host
}

type trackingWriter struct {
	http.ResponseWriter
	wrote bool
}

func (tw *trackingWriter) WriteHeader(code int) {
	tw.wrote = true
	tw.ResponseWriter.WriteHeader(code)
}

func (tw *trackingWriter) Write(b []byte) (int, error) {
	tw.wrote = true
	return tw.ResponseWriter.Write(b)
}

func (tw *trackingWriter) Flush() {
	if f, ok := tw.ResponseWriter.(http.Flusher); ok {
		f.Flush()
	}
}

func (tw *trackingWriter) Unwrap() http.ResponseWriter {
	return tw.ResponseWriter
}
