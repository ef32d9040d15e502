package marketplace

import (
	"net/http"

	"github.com/go-chi/chi/v5"

	"github.com/reqforge/gateway/internal/core/domain"
	"github.com/reqforge/gateway/internal/core/ports"
	"github.com/reqforge/gateway/internal/metrics"
)

// unknownAPI labels rejections before a key has vouched for the API id, so
// caller-chosen path segments never become metric series.
const unknownAPI = "unknown"

// Guard authenticates the subscriber key at the credential stage. Stages
// after it, idempotency included, see the resolved key on the request
// context and scope their state to it.
type Guard struct {
	authn   *Authenticator
	metrics *metrics.Metrics
}

func NewGuard(authn *Authenticator, m *metrics.Metrics) *Guard {
	return &Guard{authn: authn, metrics: m}
}

func (g *Guard) Name() string { return "marketplace_key" }

func (g *Guard) Order() ports.StageOrder { return ports.OrderCredentials }

func (g *Guard) Check(r *http.Request, rc *domain.RequestContext) error {
	key, err := g.authn.Authenticate(r, chi.URLParam(r, "apiId"))
	if err != nil {
		g.metrics.MarketplaceCall(unknownAPI, "rejected")
		return err
	}
	rc.Marketplace = key
	return nil
}
