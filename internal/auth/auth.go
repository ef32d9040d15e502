// Package auth resolves the principal of a request from a developer bypass,
// a user API key or a bearer JWT.
package auth

import (
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"net/http"
	"strings"

	"golang.org/x/crypto/bcrypt"
)

// APIKeyHeader carries user and marketplace API keys.
const APIKeyHeader = "X-API-Key"

// HashAPIKey creates the SHA-256 hash of an API key for storage and lookup.
func HashAPIKey(apiKey string) string {
	hash := sha256.Sum256([]byte(apiKey))
	return hex.EncodeToString(hash[:])
}

// HashLegacyAPIKey creates a bcrypt hash in the format of the first key
// generation era.
func HashLegacyAPIKey(apiKey string) (string, error) {
	h, err := bcrypt.GenerateFromPassword([]byte(apiKey), bcrypt.DefaultCost)
	if err != nil {
		return "", err
	}
	return string(h), nil
}

// ExtractBearer extracts the token from the Authorization header.
func ExtractBearer(r *http.Request) (string, error) {
	auth := r.Header.Get("Authorization")
	if auth == "" {
		return "", fmt.Errorf("missing Authorization header")
	}

	parts := strings.SplitN(auth, " ", 2)
	if len(parts) != 2 {
		return "", fmt.Errorf("invalid Authorization header format")
	}

	if strings.ToLower(parts[0]) != "bearer" {
		return "", fmt.Errorf("unsupported authorization scheme")
	}

	token := strings.TrimSpace(parts[1])
	if token == "" {
		return "", fmt.Errorf("empty bearer token")
	}
	return token, nil
}

// ExtractAPIKey returns the key from the X-API-Key header, or the apiKey
// query parameter when the header is absent.
func ExtractAPIKey(r *http.Request) string {
	if key := strings.TrimSpace(r.Header.Get(APIKeyHeader)); key != "" {
		return key
	}
	return strings.TrimSpace(r.URL.Query().Get("apiKey"))
}
