package idempotency

import (
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"

	"github.com/reqforge/gateway/internal/core/domain"
)

func newTestGuard(t *testing.T) (*Guard, *miniredis.Miniredis) {
	t.Helper()
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { client.Close() })
	return NewGuard(client, Options{}, slog.New(slog.NewTextHandler(io.Discard, nil)), nil), mr
}

func userContext(id string) *domain.RequestContext {
	return &domain.RequestContext{ClientIP: "10.0.0.1", Principal: &domain.Principal{ID: id}}
}

// countingHandler answers 201 with a body that includes the execution number.
func countingHandler(calls *atomic.Int32) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		n := calls.Add(1)
		w.Header().Set("Content-Type", "application/json")
		w.Header().Set("X-Resource-Id", "res-1")
		w.Header().Set("X-Request-Id", "req-original")
		w.WriteHeader(http.StatusCreated)
		fmt.Fprintf(w, `{"execution":%d}`, n)
	})
}

func do(g *Guard, method, key string, rc *domain.RequestContext, next http.Handler) (*httptest.ResponseRecorder, error) {
	req := httptest.NewRequest(method, "/v1/collections", strings.NewReader(`{}`))
	if key != "" {
		req.Header.Set(HeaderKey, key)
	}
	rec := httptest.NewRecorder()
	err := g.Intercept(rec, req, rc, next)
	return rec, err
}

func assertCode(t *testing.T, err error, code domain.ErrorCode) {
	t.Helper()
	var ge *domain.GatewayError
	if !errors.As(err, &ge) || ge.Code != code {
		t.Fatalf("error = %v, want %s", err, code)
	}
}

func TestGuard_ReplaysCompletedResponse(t *testing.T) {
	g, _ := newTestGuard(t)
	var calls atomic.Int32
	rc := userContext("u1")

	first, err := do(g, http.MethodPost, "key-1", rc, countingHandler(&calls))
	if err != nil {
		t.Fatalf("first call error = %v", err)
	}
	second, err := do(g, http.MethodPost, "key-1", rc, countingHandler(&calls))
	if err != nil {
		t.Fatalf("second call error = %v", err)
	}

	if calls.Load() != 1 {
		t.Fatalf("handler executed %d times, want 1", calls.Load())
	}
	if second.Code != http.StatusCreated {
		t.Errorf("replayed status = %d, want 201", second.Code)
	}
	if second.Body.String() != first.Body.String() {
		t.Errorf("replayed body = %q, want %q", second.Body.String(), first.Body.String())
	}
	if got := second.Header().Get("X-Resource-Id"); got != "res-1" {
		t.Errorf("replayed X-Resource-Id = %q", got)
	}
	if got := second.Header().Get(HeaderReplayed); got != "true" {
		t.Errorf("%s = %q, want true", HeaderReplayed, got)
	}
	if got := second.Header().Get("X-Request-Id"); got != "" {
		t.Errorf("request id must not be replayed, got %q", got)
	}
	if first.Header().Get(HeaderReplayed) != "" {
		t.Error("first response must not be marked as replayed")
	}
}

func TestGuard_InFlightIsConflict(t *testing.T) {
	g, _ := newTestGuard(t)
	var calls atomic.Int32
	rc := userContext("u1")

	started := make(chan struct{})
	release := make(chan struct{})
	slow := http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls.Add(1)
		close(started)
		<-release
		w.WriteHeader(http.StatusAccepted)
	})

	done := make(chan error, 1)
	go func() {
		_, err := do(g, http.MethodPost, "key-2", rc, slow)
		done <- err
	}()
	<-started

	_, err := do(g, http.MethodPost, "key-2", rc, countingHandler(&calls))
	assertCode(t, err, domain.ErrorCodeIdempotentReplay)

	var ge *domain.GatewayError
	errors.As(err, &ge)
	if ge.HTTPStatusCode() != http.StatusConflict {
		t.Errorf("status = %d, want 409", ge.HTTPStatusCode())
	}

	close(release)
	if err := <-done; err != nil {
		t.Fatalf("first call error = %v", err)
	}

	replay, err := do(g, http.MethodPost, "key-2", rc, countingHandler(&calls))
	if err != nil || replay.Code != http.StatusAccepted {
		t.Fatalf("replay = %d, %v; want 202", replay.Code, err)
	}
	if calls.Load() != 1 {
		t.Errorf("handler executed %d times, want 1", calls.Load())
	}
}

func TestGuard_ConcurrentSameKeyExecutesOnce(t *testing.T) {
	g, _ := newTestGuard(t)
	var calls atomic.Int32
	rc := userContext("u1")
	handler := countingHandler(&calls)

	const workers = 16
	var (
		wg        sync.WaitGroup
		conflicts atomic.Int32
		replays   atomic.Int32
		originals atomic.Int32
	)
	for i := 0; i < workers; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			rec, err := do(g, http.MethodPost, "same-key", rc, handler)
			switch {
			case err != nil:
				var ge *domain.GatewayError
				if errors.As(err, &ge) && ge.Code == domain.ErrorCodeIdempotentReplay {
					conflicts.Add(1)
				}
			case rec.Header().Get(HeaderReplayed) == "true":
				replays.Add(1)
			default:
				originals.Add(1)
			}
		}()
	}
	wg.Wait()

	if calls.Load() != 1 || originals.Load() != 1 {
		t.Fatalf("executions = %d, originals = %d; want exactly one", calls.Load(), originals.Load())
	}
	if conflicts.Load()+replays.Load() != workers-1 {
		t.Errorf("conflicts %d + replays %d != %d", conflicts.Load(), replays.Load(), workers-1)
	}
}

func TestGuard_LockAndResultTTL(t *testing.T) {
	g, mr := newTestGuard(t)
	rc := userContext("u1")
	key := Key(rc, "ttl-key")

	var lockTTL time.Duration
	handler := http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		lockTTL = mr.TTL(key)
		w.WriteHeader(http.StatusOK)
	})
	if _, err := do(g, http.MethodPut, "ttl-key", rc, handler); err != nil {
		t.Fatal(err)
	}

	if lockTTL != DefaultLockTTL {
		t.Errorf("lock TTL = %v, want %v", lockTTL, DefaultLockTTL)
	}
	if got := mr.TTL(key); got != DefaultResultTTL {
		t.Errorf("result TTL = %v, want %v", got, DefaultResultTTL)
	}
	if key != "idempotency:user:u1:ttl-key" {
		t.Errorf("Key() = %q", key)
	}
}

func TestGuard_ServerErrorReleasesLock(t *testing.T) {
	g, mr := newTestGuard(t)
	rc := userContext("u1")
	var calls atomic.Int32
	failing := http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls.Add(1)
		w.WriteHeader(http.StatusServiceUnavailable)
	})

	for i := 0; i < 2; i++ {
		rec, err := do(g, http.MethodPost, "retry-me", rc, failing)
		if err != nil || rec.Code != http.StatusServiceUnavailable {
			t.Fatalf("call %d = %d, %v", i, rec.Code, err)
		}
	}
	if calls.Load() != 2 {
		t.Errorf("handler executed %d times, want 2 after a 5xx", calls.Load())
	}
	if mr.Exists(Key(rc, "retry-me")) {
		t.Error("5xx response must not leave a record")
	}
}

func TestGuard_PanicReleasesLock(t *testing.T) {
	g, mr := newTestGuard(t)
	rc := userContext("u1")

	func() {
		defer func() { _ = recover() }()
		do(g, http.MethodPost, "boom", rc, http.HandlerFunc(func(http.ResponseWriter, *http.Request) {
			panic("handler failed")
		}))
	}()

	if mr.Exists(Key(rc, "boom")) {
		t.Error("panicking handler left the key locked")
	}
}

func TestGuard_KeysAreScopedToPrincipal(t *testing.T) {
	g, _ := newTestGuard(t)
	var calls atomic.Int32

	a, _ := do(g, http.MethodPost, "shared", userContext("alice"), countingHandler(&calls))
	b, _ := do(g, http.MethodPost, "shared", userContext("bob"), countingHandler(&calls))
	anon, _ := do(g, http.MethodPost, "shared", &domain.RequestContext{ClientIP: "10.0.0.9"}, countingHandler(&calls))

	if calls.Load() != 3 {
		t.Fatalf("handler executed %d times, want 3", calls.Load())
	}
	for _, rec := range []*httptest.ResponseRecorder{a, b, anon} {
		if rec.Header().Get(HeaderReplayed) != "" {
			t.Error("another caller's response was replayed")
		}
	}
}

func TestGuard_Passthrough(t *testing.T) {
	tests := []struct {
		name   string
		method string
		key    string
	}{
		{"GET with key", http.MethodGet, "k"},
		{"HEAD with key", http.MethodHead, "k"},
		{"POST without key", http.MethodPost, ""},
		{"POST with blank key", http.MethodPost, "   "},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			g, _ := newTestGuard(t)
			var calls atomic.Int32
			rc := userContext("u1")
			for i := 0; i < 2; i++ {
				if _, err := do(g, tt.method, tt.key, rc, countingHandler(&calls)); err != nil {
					t.Fatal(err)
				}
			}
			if calls.Load() != 2 {
				t.Errorf("handler executed %d times, want 2", calls.Load())
			}
		})
	}
}

func TestGuard_KeyTooLong(t *testing.T) {
	g, _ := newTestGuard(t)
	var calls atomic.Int32

	_, err := do(g, http.MethodPost, strings.Repeat("k", MaxKeyLength+1), userContext("u1"), countingHandler(&calls))
	assertCode(t, err, domain.ErrorCodeIdempotencyKeyInvalid)
	if calls.Load() != 0 {
		t.Error("handler must not run for an invalid key")
	}

	if _, err := do(g, http.MethodPost, strings.Repeat("k", MaxKeyLength), userContext("u1"), countingHandler(&calls)); err != nil {
		t.Errorf("key of exactly %d chars rejected: %v", MaxKeyLength, err)
	}
}

func TestGuard_FailOpen(t *testing.T) {
	tests := []struct {
		name   string
		client redis.UniversalClient
	}{
		{"disabled", nil},
		{"unreachable", redis.NewClient(&redis.Options{
			Addr:        "127.0.0.1:1",
			DialTimeout: 5 * time.Millisecond,
			MaxRetries:  -1,
		})},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			var buf strings.Builder
			g := NewGuard(tt.client, Options{}, slog.New(slog.NewTextHandler(&buf, nil)), nil)
			var calls atomic.Int32

			for i := 0; i < 2; i++ {
				if _, err := do(g, http.MethodPost, "k", userContext("u1"), countingHandler(&calls)); err != nil {
					t.Fatal(err)
				}
			}
			if calls.Load() != 2 {
				t.Errorf("handler executed %d times, want 2", calls.Load())
			}
			if n := strings.Count(buf.String(), "not deduplicated"); n != 1 {
				t.Errorf("warning logged %d times, want once", n)
			}
		})
	}
}
