package csrf

import (
	"net/http"
	"strings"

	"github.com/reqforge/gateway/internal/core/domain"
	"github.com/reqforge/gateway/internal/core/ports"
	"github.com/reqforge/gateway/internal/server"
)

// Guard enforces double-submit CSRF on state-changing requests.
type Guard struct {
	svc            *Service
	sessionCookies []string
}

// NewGuard creates the guard. sessionCookies name the cookies that indicate
// a browser session.
func NewGuard(svc *Service, sessionCookies []string) *Guard {
	return &Guard{svc: svc, sessionCookies: sessionCookies}
}

func (g *Guard) Name() string { return "csrf" }

func (g *Guard) Order() ports.StageOrder { return ports.OrderCSRF }

// Check validates the header token and, when the cookie is present, that
// both carry the same value.
func (g *Guard) Check(r *http.Request, rc *domain.RequestContext) error {
	if !domain.IsMutating(r.Method) {
		return nil
	}
	if g.tokenOnlyClient(r) {
		server.AddLogField(r.Context(), "csrf", "exempt")
		return nil
	}

	header := r.Header.Get(HeaderName)
	if header == "" {
		return domain.NewError(domain.ErrorCodeCSRFForbidden, "csrf token missing")
	}
	if !g.svc.Validate(header) {
		return domain.NewError(domain.ErrorCodeCSRFForbidden, "csrf token invalid")
	}

	if c, err := r.Cookie(CookieName); err == nil && c.Value != "" {
		if !equalTokens(header, c.Value) {
			return domain.NewError(domain.ErrorCodeCSRFMismatch, "csrf token mismatch")
		}
	}
	return nil
}

// tokenOnlyClient reports a request authenticated purely by a header
// credential with no browser session cookie; a cross-site form cannot forge it.
func (g *Guard) tokenOnlyClient(r *http.Request) bool {
	hasToken := r.Header.Get("X-API-Key") != "" ||
		strings.HasPrefix(strings.ToLower(r.Header.Get("Authorization")), "bearer ")
	if !hasToken {
		return false
	}
	for _, name := range g.sessionCookies {
		if c, err := r.Cookie(name); err == nil && c.Value != "" {
			return false
		}
	}
	return true
}

// Handler mints a token, sets the cookie and returns {"csrfToken": ...}.
func (g *Guard) Handler() http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		token, err := g.svc.Generate()
		if err != nil {
			server.WriteError(w, r, err)
			return
		}
		g.svc.IssueCookie(w, token)
		w.Header().Set("Cache-Control", "no-store")
		server.WriteJSON(w, http.StatusOK, map[string]string{"csrfToken": token})
	})
}
