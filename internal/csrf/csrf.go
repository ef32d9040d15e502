// Package csrf implements stateless double-submit CSRF tokens.
//
// A token is nonce.signature where signature is the hex HMAC-SHA256 of the
// nonce under the gateway secret. Validity is re-derived on every request;
// nothing is stored.
package csrf

import (
	"crypto/hmac"
	"crypto/rand"
	"crypto/sha256"
	"crypto/subtle"
	"encoding/hex"
	"errors"
	"net/http"
	"strings"
	"time"
)

const (
	// CookieName carries the token readable by browser JavaScript.
	CookieName = "XSRF-TOKEN"

	// HeaderName is where clients echo the token back.
	HeaderName = "X-CSRF-Token"

	cookieMaxAge = 7 * 24 * time.Hour
	nonceBytes   = 32
)

// Service mints and verifies tokens.
type Service struct {
	secret []byte
	secure bool
}

// NewService creates a token service. secure marks the cookie Secure and is
// set in production.
func NewService(secret string, secure bool) (*Service, error) {
	if secret == "" {
		return nil, errors.New("csrf: secret is required")
	}
	return &Service{secret: []byte(secret), secure: secure}, nil
}

// Generate returns a fresh token.
func (s *Service) Generate() (string, error) {
	nonce := make([]byte, nonceBytes)
	if _, err := rand.Read(nonce); err != nil {
		return "", err
	}
	n := hex.EncodeToString(nonce)
	return n + "." + s.sign(n), nil
}

// Validate reports whether token carries a signature produced by this
// service. The signature comparison is constant time.
func (s *Service) Validate(token string) bool {
	nonce, sig, ok := strings.Cut(token, ".")
	if !ok || nonce == "" || sig == "" {
		return false
	}
	return hmac.Equal([]byte(sig), []byte(s.sign(nonce)))
}

// IssueCookie sets the token cookie. HttpOnly is off so client code can copy
// the value into the request header.
func (s *Service) IssueCookie(w http.ResponseWriter, token string) {
	http.SetCookie(w, &http.Cookie{
		Name:     CookieName,
		Value:    token,
		Path:     "/",
		MaxAge:   int(cookieMaxAge.Seconds()),
		HttpOnly: false,
		Secure:   s.secure,
		SameSite: http.SameSiteLaxMode,
	})
}

func (s *Service) sign(nonce string) string {
	mac := hmac.New(sha256.New, s.secret)
	mac.Write([]byte(nonce))
	return hex.EncodeToString(mac.Sum(nil))
}

// equalTokens compares two tokens in constant time for equal lengths.
func equalTokens(a, b string) bool {
	return subtle.ConstantTimeCompare([]byte(a), []byte(b)) == 1
}
