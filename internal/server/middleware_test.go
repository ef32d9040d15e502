package server

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/reqforge/gateway/internal/core/domain"
)

// =============================================================================
// RequestIDMiddleware Tests
// =============================================================================

func TestRequestIDMiddleware(t *testing.T) {
	handler := http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if GetRequestID(r.Context()) == "" {
			t.Error("Expected request ID in context")
		}
		w.WriteHeader(http.StatusOK)
	})

	wrapped := RequestIDMiddleware(handler)

	req := httptest.NewRequest("GET", "/", nil)
	rec := httptest.NewRecorder()

	wrapped.ServeHTTP(rec, req)

	if rec.Header().Get("X-Request-ID") == "" {
		t.Error("Expected X-Request-ID header to be set")
	}
}

func TestRequestIDMiddleware_PropagatesInbound(t *testing.T) {
	var seen, forwarded string
	handler := http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		seen = GetRequestID(r.Context())
		forwarded = r.Header.Get(RequestIDHeader)
	})

	req := httptest.NewRequest("GET", "/", nil)
	req.Header.Set("X-Request-ID", "abc-123")
	rec := httptest.NewRecorder()

	RequestIDMiddleware(handler).ServeHTTP(rec, req)

	if seen != "abc-123" || forwarded != "abc-123" {
		t.Errorf("request id = %q / %q, want abc-123", seen, forwarded)
	}
	checkHeader(t, rec, "X-Request-ID", "abc-123")
}

func TestRequestIDMiddleware_RejectsUnsafeInbound(t *testing.T) {
	tests := []struct {
		name string
		id   string
	}{
		{"contains space", "abc 123"},
		{"control characters", "abc\x01"},
		{"too long", strings.Repeat("a", 129)},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			req := httptest.NewRequest("GET", "/", nil)
			req.Header.Set("X-Request-ID", tt.id)
			rec := httptest.NewRecorder()

			RequestIDMiddleware(http.HandlerFunc(func(http.ResponseWriter, *http.Request) {})).ServeHTTP(rec, req)

			if got := rec.Header().Get("X-Request-ID"); got == tt.id || got == "" {
				t.Errorf("expected a generated id, got %q", got)
			}
		})
	}
}

func TestRequestIDMiddleware_UniqueIDs(t *testing.T) {
	wrapped := RequestIDMiddleware(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {}))

	rec1 := httptest.NewRecorder()
	wrapped.ServeHTTP(rec1, httptest.NewRequest("GET", "/", nil))
	rec2 := httptest.NewRecorder()
	wrapped.ServeHTTP(rec2, httptest.NewRequest("GET", "/", nil))

	if rec1.Header().Get("X-Request-ID") == rec2.Header().Get("X-Request-ID") {
		t.Error("Expected unique request IDs")
	}
}

func TestGetRequestID_NotSet(t *testing.T) {
	if id := GetRequestID(context.Background()); id != "" {
		t.Errorf("Expected empty string, got %q", id)
	}
}

// =============================================================================
// WriteRateLimitHeaders / WriteError Tests
// =============================================================================

func TestWriteRateLimitHeaders(t *testing.T) {
	rec := httptest.NewRecorder()
	reset := time.Unix(1700000060, 0)

	WriteRateLimitHeaders(rec.Header(), &domain.RateLimitInfo{Limit: 100, Remaining: -3, Reset: reset})

	checkHeader(t, rec, "x-rate-limit-limit", "100")
	checkHeader(t, rec, "x-rate-limit-remaining", "0")
	checkHeader(t, rec, "x-rate-limit-reset", "1700000060")
}

func TestWriteRateLimitHeaders_Nil(t *testing.T) {
	rec := httptest.NewRecorder()
	WriteRateLimitHeaders(rec.Header(), nil)
	if rec.Header().Get("x-rate-limit-limit") != "" {
		t.Error("Expected no rate limit headers")
	}
}

func TestWriteError_Envelope(t *testing.T) {
	handler := http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		WriteError(w, r, domain.NewError(domain.ErrorCodeCSRFMismatch, "csrf token mismatch"))
	})

	req := httptest.NewRequest("POST", "/", nil)
	req.Header.Set("X-Request-ID", "req-1")
	rec := httptest.NewRecorder()

	RequestIDMiddleware(handler).ServeHTTP(rec, req)

	if rec.Code != http.StatusForbidden {
		t.Fatalf("status = %d, want 403", rec.Code)
	}
	var env ErrorEnvelope
	if err := json.Unmarshal(rec.Body.Bytes(), &env); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if env.Code != domain.ErrorCodeCSRFMismatch || env.RequestID != "req-1" || env.StatusCode != 403 {
		t.Errorf("unexpected envelope %+v", env)
	}
}

func TestWriteError_PlainErrorIsInternal(t *testing.T) {
	rec := httptest.NewRecorder()
	WriteError(rec, httptest.NewRequest("GET", "/", nil), errors.New("boom"))

	if rec.Code != http.StatusInternalServerError {
		t.Fatalf("status = %d, want 500", rec.Code)
	}
	if strings.Contains(rec.Body.String(), "boom") {
		t.Error("internal cause must not leak to the caller")
	}
}

func TestWriteError_RetryAfter(t *testing.T) {
	prev := nowFunc
	nowFunc = func() time.Time { return time.Unix(1700000000, 0) }
	defer func() { nowFunc = prev }()

	rec := httptest.NewRecorder()
	WriteRateLimitHeaders(rec.Header(), &domain.RateLimitInfo{Limit: 1, Remaining: 0, Reset: time.Unix(1700000030, 0)})
	WriteError(rec, httptest.NewRequest("GET", "/", nil), domain.ErrRateLimited())

	checkHeader(t, rec, "Retry-After", "30")
}

// =============================================================================
// LoggingMiddleware Tests
// =============================================================================

func TestLoggingMiddleware(t *testing.T) {
	var buf strings.Builder
	logger := slog.New(slog.NewTextHandler(&buf, &slog.HandlerOptions{Level: slog.LevelDebug}))

	testHandler := http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
		w.Write([]byte("OK"))
	})

	wrapped := RequestIDMiddleware(LoggingMiddleware(logger)(testHandler))

	rec := httptest.NewRecorder()
	wrapped.ServeHTTP(rec, httptest.NewRequest("GET", "/test-path", nil))

	output := buf.String()
	if !strings.Contains(output, "request started") {
		t.Error("Expected 'request started' in log output")
	}
	if !strings.Contains(output, "request completed") {
		t.Error("Expected 'request completed' in log output")
	}
	if !strings.Contains(output, "/test-path") {
		t.Error("Expected path in log output")
	}
	if !strings.Contains(output, "bytes=2") {
		t.Errorf("Expected byte count in log output, got: %s", output)
	}
}

func TestAddLogField(t *testing.T) {
	var buf strings.Builder
	logger := slog.New(slog.NewTextHandler(&buf, &slog.HandlerOptions{Level: slog.LevelInfo}))

	testHandler := http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		AddLogField(r.Context(), "custom_field", "custom_value")
		AddLogField(r.Context(), "empty_field", "")
		w.WriteHeader(http.StatusOK)
	})

	rec := httptest.NewRecorder()
	LoggingMiddleware(logger)(testHandler).ServeHTTP(rec, httptest.NewRequest("GET", "/", nil))

	output := buf.String()
	if !strings.Contains(output, "custom_field=custom_value") {
		t.Errorf("Expected custom field in log output, got: %s", output)
	}
	if strings.Contains(output, "empty_field") {
		t.Errorf("Empty field should not be in log output, got: %s", output)
	}
}

func TestAddLogField_NoContext(t *testing.T) {
	AddLogField(context.Background(), "key", "value")
	AddError(context.Background(), nil)
}

func TestAddError(t *testing.T) {
	var buf strings.Builder
	logger := slog.New(slog.NewTextHandler(&buf, &slog.HandlerOptions{Level: slog.LevelInfo}))

	testHandler := http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		AddError(r.Context(), errors.New("test error message"))
		w.WriteHeader(http.StatusBadGateway)
	})

	rec := httptest.NewRecorder()
	LoggingMiddleware(logger)(testHandler).ServeHTTP(rec, httptest.NewRequest("GET", "/", nil))

	output := buf.String()
	if !strings.Contains(output, "test error message") {
		t.Errorf("Expected error in log output, got: %s", output)
	}
	if !strings.Contains(output, "level=WARN") {
		t.Errorf("Expected 5xx completion to log at WARN, got: %s", output)
	}
}

// =============================================================================
// Server Tests
// =============================================================================

func TestServer_NotFoundEnvelope(t *testing.T) {
	srv := New(Options{Port: 0}, slog.New(slog.NewTextHandler(&strings.Builder{}, nil)))

	rec := httptest.NewRecorder()
	srv.Router.ServeHTTP(rec, httptest.NewRequest("GET", "/nowhere", nil))

	if rec.Code != http.StatusNotFound {
		t.Fatalf("status = %d, want 404", rec.Code)
	}
	if !strings.Contains(rec.Body.String(), `"code":"NOT_FOUND"`) {
		t.Errorf("unexpected body %s", rec.Body.String())
	}
	if rec.Header().Get("X-Request-ID") == "" {
		t.Error("expected request id on 404")
	}
}

// =============================================================================
// Helper Functions
// =============================================================================

func checkHeader(t *testing.T, rec *httptest.ResponseRecorder, name, expected string) {
	t.Helper()
	actual := rec.Header().Get(name)
	if actual != expected {
		t.Errorf("Header %s = %q, want %q", name, actual, expected)
	}
}
