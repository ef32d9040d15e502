package domain

import (
	"errors"
	"fmt"
	"net/http"
	"testing"
)

func TestGatewayError_Error(t *testing.T) {
	tests := []struct {
		name     string
		err      *GatewayError
		expected string
	}{
		{
			name:     "code and message",
			err:      &GatewayError{Code: ErrorCodeRateLimited, Message: "too many requests"},
			expected: "RATE_LIMITED: too many requests",
		},
		{
			name:     "with cause",
			err:      NewError(ErrorCodeUnauthorized, "authentication required").WithCause(errors.New("token expired")),
			expected: "AUTH_401: authentication required: token expired",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := tt.err.Error(); got != tt.expected {
				t.Errorf("Error() = %q, want %q", got, tt.expected)
			}
		})
	}
}

func TestGatewayError_HTTPStatusCode(t *testing.T) {
	tests := []struct {
		code     ErrorCode
		expected int
	}{
		{ErrorCodeUnauthorized, http.StatusUnauthorized},
		{ErrorCodeAPIKeyRequired, http.StatusUnauthorized},
		{ErrorCodeAPIKeyInvalid, http.StatusUnauthorized},
		{ErrorCodeForbidden, http.StatusForbidden},
		{ErrorCodeCSRFForbidden, http.StatusForbidden},
		{ErrorCodeCSRFMismatch, http.StatusForbidden},
		{ErrorCodeRateLimited, http.StatusTooManyRequests},
		{ErrorCodeAPIRateLimited, http.StatusTooManyRequests},
		{ErrorCodeIdempotentReplay, http.StatusConflict},
		{ErrorCodeIdempotencyKeyInvalid, http.StatusBadRequest},
		{ErrorCodeAPIUpstreamError, http.StatusBadGateway},
		{ErrorCodeUpstreamUnavailable, http.StatusBadGateway},
		{ErrorCodeNotFound, http.StatusNotFound},
		{ErrorCodePayloadTooLarge, http.StatusRequestEntityTooLarge},
		{ErrorCode("SOMETHING_ELSE"), http.StatusInternalServerError},
	}

	for _, tt := range tests {
		t.Run(string(tt.code), func(t *testing.T) {
			err := NewError(tt.code, "x")
			if got := err.HTTPStatusCode(); got != tt.expected {
				t.Errorf("HTTPStatusCode() = %d, want %d", got, tt.expected)
			}
		})
	}
}

func TestGatewayError_WithStatus(t *testing.T) {
	err := NewError(ErrorCodeAPIKeyInvalid, "revoked").WithStatus(http.StatusForbidden)
	if got := err.HTTPStatusCode(); got != http.StatusForbidden {
		t.Errorf("HTTPStatusCode() = %d, want %d", got, http.StatusForbidden)
	}
}

func TestAsGatewayError(t *testing.T) {
	if AsGatewayError(nil) != nil {
		t.Fatal("expected nil for nil error")
	}

	wrapped := fmt.Errorf("guard: %w", ErrRateLimited())
	if got := AsGatewayError(wrapped); got.Code != ErrorCodeRateLimited {
		t.Errorf("Code = %s, want %s", got.Code, ErrorCodeRateLimited)
	}

	plain := errors.New("boom")
	got := AsGatewayError(plain)
	if got.Code != ErrorCodeInternal {
		t.Errorf("Code = %s, want %s", got.Code, ErrorCodeInternal)
	}
	if !errors.Is(got, plain) {
		t.Error("expected cause to be preserved")
	}
}

func TestRequestContext_Keys(t *testing.T) {
	rc := &RequestContext{ClientIP: "203.0.113.7"}
	if got := rc.IdentityKey(); got != "ip:203.0.113.7" {
		t.Errorf("IdentityKey() = %q", got)
	}
	if got := rc.WorkspaceKey(); got != "global" {
		t.Errorf("WorkspaceKey() = %q", got)
	}

	rc.Principal = &Principal{ID: "u-1", WorkspaceID: "ws-9"}
	if got := rc.IdentityKey(); got != "user:u-1" {
		t.Errorf("IdentityKey() = %q", got)
	}
	if got := rc.WorkspaceKey(); got != "ws-9" {
		t.Errorf("WorkspaceKey() = %q", got)
	}

	rc.Marketplace = &MarketplaceKey{ID: "mk-1"}
	if got := rc.IdentityKey(); got != "mkt:mk-1" {
		t.Errorf("IdentityKey() = %q, want the subscriber key binding", got)
	}
}

func TestRole_Privileged(t *testing.T) {
	for _, r := range []Role{RoleAdmin, RoleOwner, RoleFounder} {
		if !r.Privileged() {
			t.Errorf("%s should be privileged", r)
		}
	}
	for _, r := range []Role{RoleUser, RoleMember, RoleViewer, Role("")} {
		if r.Privileged() {
			t.Errorf("%s should not be privileged", r)
		}
	}
}

func TestAPIKeyRecord_Usable(t *testing.T) {
	now := mustTime(t, "2026-01-02T00:00:00Z")
	past := now.Add(-1)
	future := now.Add(1)

	tests := []struct {
		name string
		rec  APIKeyRecord
		want bool
	}{
		{"active", APIKeyRecord{}, true},
		{"revoked", APIKeyRecord{Revoked: true}, false},
		{"expired", APIKeyRecord{ExpiresAt: &past}, false},
		{"expires exactly now", APIKeyRecord{ExpiresAt: &now}, false},
		{"not yet expired", APIKeyRecord{ExpiresAt: &future}, true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := tt.rec.Usable(now); got != tt.want {
				t.Errorf("Usable() = %v, want %v", got, tt.want)
			}
		})
	}
}
