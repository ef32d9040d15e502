// Package ports defines the core interfaces for the gateway.
// This file contains the ingress pipeline stage interfaces.
package ports

import (
	"net/http"

	"github.com/reqforge/gateway/internal/core/domain"
)

// StageOrder fixes where a stage runs. Lower runs first.
type StageOrder int

const (
	// OrderRateLimit runs before anything touches credentials.
	OrderRateLimit StageOrder = 10
	// OrderCSRF runs before credential resolution.
	OrderCSRF StageOrder = 20
	// OrderCredentials resolves and enforces the principal.
	OrderCredentials StageOrder = 30
	// OrderIdempotency wraps the terminal handler.
	OrderIdempotency StageOrder = 40
)

// Guard is a pre-handler check. A non-nil error short-circuits the pipeline
// and is rendered as the response; guards never write to the response.
type Guard interface {
	// Name returns the unique identifier for this guard.
	Name() string

	// Order returns the fixed position of the guard in the chain.
	Order() StageOrder

	// Check inspects the request and fills rc, or rejects it.
	Check(r *http.Request, rc *domain.RequestContext) error
}

// Interceptor wraps the terminal handler. It may answer the request itself
// (for example a replayed response) instead of calling next.
type Interceptor interface {
	Name() string
	Order() StageOrder

	// Intercept calls next at most once. A returned error is rendered only if
	// nothing has been written yet.
	Intercept(w http.ResponseWriter, r *http.Request, rc *domain.RequestContext, next http.Handler) error
}

// Identifier resolves an identity without I/O, for keying per-caller state
// before full credential resolution runs.
type Identifier interface {
	Peek(r *http.Request) (*domain.Principal, bool)
}
