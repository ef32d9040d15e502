package server

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"go.opentelemetry.io/contrib/instrumentation/net/http/otelhttp"
)

var nowFunc = time.Now

// Options configures the HTTP server.
type Options struct {
	Port int

	// TrustProxyHeaders enables X-Forwarded-For/X-Real-IP client address
	// resolution. Leave off unless a trusted proxy sits in front.
	TrustProxyHeaders bool

	// ServiceName names the OpenTelemetry server span.
	ServiceName string
}

type Server struct {
	Router *chi.Mux
	Port   int
	logger *slog.Logger
	srv    *http.Server
}

func New(opts Options, logger *slog.Logger) *Server {
	r := chi.NewRouter()

	// Apply middleware in order
	r.Use(middleware.Recoverer)
	if opts.TrustProxyHeaders {
		r.Use(middleware.RealIP)
	}
	r.Use(RequestIDMiddleware)
	r.Use(LoggingMiddleware(logger))

	name := opts.ServiceName
	if name == "" {
		name = "ingress-gateway"
	}
	r.Use(func(next http.Handler) http.Handler {
		return otelhttp.NewHandler(next, name)
	})

	r.NotFound(func(w http.ResponseWriter, req *http.Request) {
		WriteJSON(w, http.StatusNotFound, ErrorEnvelope{
			StatusCode: http.StatusNotFound,
			Code:       "NOT_FOUND",
			Message:    "route not found",
			RequestID:  GetRequestID(req.Context()),
		})
	})

	return &Server{
		Router: r,
		Port:   opts.Port,
		logger: logger,
	}
}

// Start serves until Shutdown is called. It returns nil on graceful shutdown.
func (s *Server) Start() error {
	s.srv = &http.Server{
		Addr:              fmt.Sprintf(":%d", s.Port),
		Handler:           s.Router,
		ReadHeaderTimeout: 10 * time.Second,
	}
	s.logger.Info("starting server", slog.Int("port", s.Port))
	if err := s.srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	return nil
}

// Shutdown gracefully stops the server.
func (s *Server) Shutdown(ctx context.Context) error {
	if s.srv == nil {
		return nil
	}
	return s.srv.Shutdown(ctx)
}
