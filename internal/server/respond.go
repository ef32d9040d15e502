package server

import (
	"encoding/json"
	"net/http"
	"strconv"

	"github.com/reqforge/gateway/internal/core/domain"
)

// ErrorEnvelope is the JSON body of every gateway rejection.
type ErrorEnvelope struct {
	StatusCode int              `json:"statusCode"`
	Code       domain.ErrorCode `json:"code"`
	Message    string           `json:"message"`
	RequestID  string           `json:"requestId,omitempty"`
}

// WriteJSON writes v as a JSON response with the given status.
func WriteJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

// WriteError renders err as the structured envelope and records it in the
// request log. Errors that are not gateway errors become 500 INTERNAL.
func WriteError(w http.ResponseWriter, r *http.Request, err error) {
	ge := domain.AsGatewayError(err)
	AddLogField(r.Context(), "error_code", string(ge.Code))
	AddError(r.Context(), ge)

	status := ge.HTTPStatusCode()
	if status == http.StatusTooManyRequests && w.Header().Get("Retry-After") == "" {
		if reset := w.Header().Get(HeaderRateLimitReset); reset != "" {
			if secs := retryAfter(reset); secs > 0 {
				w.Header().Set("Retry-After", strconv.FormatInt(secs, 10))
			}
		}
	}

	WriteJSON(w, status, ErrorEnvelope{
		StatusCode: status,
		Code:       ge.Code,
		Message:    ge.Message,
		RequestID:  GetRequestID(r.Context()),
	})
}

func retryAfter(resetEpoch string) int64 {
	reset, err := strconv.ParseInt(resetEpoch, 10, 64)
	if err != nil {
		return 0
	}
	secs := reset - nowFunc().Unix()
	if secs < 1 {
		return 1
	}
	return secs
}
