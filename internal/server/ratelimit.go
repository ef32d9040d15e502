package server

import (
	"net/http"
	"strconv"

	"github.com/reqforge/gateway/internal/core/domain"
)

// Rate-limit response headers.
const (
	HeaderRateLimitLimit     = "X-Rate-Limit-Limit"
	HeaderRateLimitRemaining = "X-Rate-Limit-Remaining"
	HeaderRateLimitReset     = "X-Rate-Limit-Reset"
)

// WriteRateLimitHeaders writes the x-rate-limit-* headers. Reset is rendered
// as epoch seconds. A nil info writes nothing.
func WriteRateLimitHeaders(h http.Header, rl *domain.RateLimitInfo) {
	if rl == nil {
		return
	}
	remaining := rl.Remaining
	if remaining < 0 {
		remaining = 0
	}
	h.Set(HeaderRateLimitLimit, strconv.Itoa(rl.Limit))
	h.Set(HeaderRateLimitRemaining, strconv.Itoa(remaining))
	h.Set(HeaderRateLimitReset, strconv.FormatInt(rl.Reset.Unix(), 10))
}
