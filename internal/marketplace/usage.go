package marketplace

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/reqforge/gateway/internal/core/domain"
	"github.com/reqforge/gateway/internal/core/ports"
	"github.com/reqforge/gateway/internal/server"
)

// UsageRecorder meters proxied calls. Record must not block the caller and
// must never surface an error to it.
type UsageRecorder interface {
	Record(ctx context.Context, entry *domain.UsageLog)
}

// AsyncRecorder writes usage rows in the background. Failures are logged and
// dropped.
type AsyncRecorder struct {
	store   ports.MarketplaceStore
	logger  *slog.Logger
	timeout time.Duration
	wg      sync.WaitGroup
}

func NewAsyncRecorder(store ports.MarketplaceStore, logger *slog.Logger) *AsyncRecorder {
	if logger == nil {
		logger = slog.Default()
	}
	return &AsyncRecorder{store: store, logger: logger, timeout: 5 * time.Second}
}

// Record persists entry without waiting. The write outlives the request
// context but is bounded by its own timeout.
func (a *AsyncRecorder) Record(ctx context.Context, entry *domain.UsageLog) {
	requestID := server.GetRequestID(ctx)
	persistCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), a.timeout)

	a.wg.Add(1)
	go func() {
		defer a.wg.Done()
		defer cancel()
		if err := a.store.RecordUsage(persistCtx, entry); err != nil {
			a.logger.Warn("failed to record marketplace usage",
				"api_key_id", entry.APIKeyID,
				"api_id", entry.APIID,
				"request_id", requestID,
				"error", err)
		}
	}()
}

// Close waits for in-flight writes.
func (a *AsyncRecorder) Close() error {
	a.wg.Wait()
	return nil
}
