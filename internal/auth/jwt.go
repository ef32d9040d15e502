package auth

import (
	"errors"
	"fmt"
	"time"

	"github.com/golang-jwt/jwt/v5"
)

// Claims is the access-token payload issued by the account service.
type Claims struct {
	jwt.RegisteredClaims

	Email       string `json:"email,omitempty"`
	Role        string `json:"role,omitempty"`
	WorkspaceID string `json:"workspaceId,omitempty"`
}

// JWTVerifier checks HS256 access tokens.
type JWTVerifier struct {
	secret   []byte
	issuer   string
	audience string
	leeway   time.Duration
}

// NewJWTVerifier creates a verifier. Empty issuer or audience are not checked.
func NewJWTVerifier(secret, issuer, audience string) (*JWTVerifier, error) {
	if secret == "" {
		return nil, errors.New("jwt secret is required")
	}
	return &JWTVerifier{
		secret:   []byte(secret),
		issuer:   issuer,
		audience: audience,
		leeway:   10 * time.Second,
	}, nil
}

// Verify parses and validates token. Expiry is mandatory.
func (v *JWTVerifier) Verify(token string) (*Claims, error) {
	opts := []jwt.ParserOption{
		jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()}),
		jwt.WithLeeway(v.leeway),
		jwt.WithExpirationRequired(),
	}
	if v.issuer != "" {
		opts = append(opts, jwt.WithIssuer(v.issuer))
	}
	if v.audience != "" {
		opts = append(opts, jwt.WithAudience(v.audience))
	}

	parsed, err := jwt.ParseWithClaims(token, &Claims{}, func(t *jwt.Token) (interface{}, error) {
		return v.secret, nil
	}, opts...)
	if err != nil {
		return nil, fmt.Errorf("access token invalid: %w", err)
	}
	claims, ok := parsed.Claims.(*Claims)
	if !ok || !parsed.Valid {
		return nil, errors.New("invalid access token claims")
	}
	if claims.Subject == "" {
		return nil, errors.New("access token has no subject")
	}
	return claims, nil
}

// Sign issues a token for claims. Used by tooling and tests; production
// tokens come from the account service.
func (v *JWTVerifier) Sign(claims *Claims) (string, error) {
	if claims.Issuer == "" {
		claims.Issuer = v.issuer
	}
	if len(claims.Audience) == 0 && v.audience != "" {
		claims.Audience = jwt.ClaimStrings{v.audience}
	}
	return jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString(v.secret)
}
