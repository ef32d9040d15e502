package marketplace

import (
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/reqforge/gateway/internal/auth"
	"github.com/reqforge/gateway/internal/core/domain"
)

func TestGuard_Check(t *testing.T) {
	f := newFixture(t, weatherBase, localClient(), domain.Plan{})
	g := NewGuard(f.authn, f.metrics)

	tests := []struct {
		name     string
		apiID    string
		key      string
		wantCode domain.ErrorCode
		wantID   string
	}{
		{"valid key", weatherAPI, goodKey, "", "mk-good"},
		{"missing key", weatherAPI, "", domain.ErrorCodeAPIKeyRequired, ""},
		{"unknown key", weatherAPI, "mk_unknown", domain.ErrorCodeAPIKeyInvalid, ""},
		{"key for another api", "api-other", goodKey, domain.ErrorCodeAPIKeyInvalid, ""},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			req := httptest.NewRequest(http.MethodPost, proxyURL(tt.apiID, "/x", nil), nil)
			if tt.key != "" {
				req.Header.Set(auth.APIKeyHeader, tt.key)
			}
			rc := &domain.RequestContext{ClientIP: "203.0.113.7"}

			err := g.Check(withAPIParam(req, tt.apiID), rc)

			if tt.wantCode != "" {
				var gwErr *domain.GatewayError
				if !errors.As(err, &gwErr) || gwErr.Code != tt.wantCode {
					t.Fatalf("Check() error = %v, want %s", err, tt.wantCode)
				}
				if rc.Marketplace != nil {
					t.Error("rejected key attached to the request")
				}
				if got := rc.IdentityKey(); got != "ip:203.0.113.7" {
					t.Errorf("IdentityKey() = %q", got)
				}
				return
			}
			if err != nil {
				t.Fatalf("Check() error = %v", err)
			}
			if rc.Marketplace == nil || rc.Marketplace.ID != tt.wantID {
				t.Fatalf("Marketplace = %+v, want %s", rc.Marketplace, tt.wantID)
			}
			if got := rc.IdentityKey(); got != "mkt:"+tt.wantID {
				t.Errorf("IdentityKey() = %q, want per-key binding", got)
			}
		})
	}

	if got := marketplaceCalls(t, f.metrics); got["unknown/rejected"] != 3 {
		t.Errorf("rejections = %v, want 3 under the unknown label", got)
	}
}
