// Package oauth validates OAuth 2.1 bearer tokens for the HTTP transport:
// JWT signature via a cached JWKS, standard claims, and MCP scope
// enforcement. Errors follow RFC 6750.
package oauth

import (
	"errors"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/golang-jwt/jwt/v5"
)

// Config configures a Validator. An empty IssuerURL disables validation
// entirely: every request is admitted and any presented token is ignored.
type Config struct {
	IssuerURL    string
	Audience     string
	JWKSPath     string // default "/.well-known/jwks.json"
	JWKSTTL      time.Duration
	Algorithms   []string // asymmetric only; default RS256/384/512, ES256/384, PS256
	EnforceHTTPS bool
}

var defaultAlgorithms = []string{"RS256", "RS384", "RS512", "ES256", "ES384", "PS256"}

// Token is a validated bearer token.
type Token struct {
	Subject   string
	Scopes    []string
	ExpiresAt time.Time
	Claims    jwt.MapClaims
}

// AuthError is an RFC 6750 bearer error.
type AuthError struct {
	Status      int    // HTTP status
	Code        string // "invalid_token", "insufficient_scope", ...
	Description string
	Scope       string // required scope, for insufficient_scope
}

func (e *AuthError) Error() string {
	return fmt.Sprintf("%s: %s", e.Code, e.Description)
}

// WriteResponse writes the error with a WWW-Authenticate challenge.
func (e *AuthError) WriteResponse(w http.ResponseWriter) {
	challenge := fmt.Sprintf("Bearer error=%q, error_description=%q", e.Code, e.Description)
	if e.Scope != "" {
		challenge += fmt.Sprintf(", scope=%q", e.Scope)
	}
	w.Header().Set("WWW-Authenticate", challenge)
	http.Error(w, e.Description, e.Status)
}

// Validator validates bearer tokens against the configured issuer.
type Validator struct {
	cfg  Config
	jwks *JWKSCache
}

// NewValidator creates a Validator. Pass a nil http.Client to use defaults.
func NewValidator(cfg Config, client *http.Client) *Validator {
	if cfg.JWKSPath == "" {
		cfg.JWKSPath = "/.well-known/jwks.json"
	}
	if len(cfg.Algorithms) == 0 {
		cfg.Algorithms = defaultAlgorithms
	}

	v := &Validator{cfg: cfg}
	if cfg.IssuerURL != "" {
		jwksURL := strings.TrimSuffix(cfg.IssuerURL, "/") + cfg.JWKSPath
		v.jwks = NewJWKSCache(jwksURL, cfg.JWKSTTL, client)
	}
	return v
}

// Enabled reports whether token validation is active.
func (v *Validator) Enabled() bool { return v.cfg.IssuerURL != "" }

// Issuer returns the configured issuer URL, empty when disabled.
func (v *Validator) Issuer() string { return v.cfg.IssuerURL }

// Audience returns the configured audience, empty when disabled.
func (v *Validator) Audience() string { return v.cfg.Audience }

// Validate checks the request's bearer token. With validation disabled it
// returns (nil, nil); the caller treats a nil Token as anonymous.
func (v *Validator) Validate(r *http.Request) (*Token, *AuthError) {
	if !v.Enabled() {
		return nil, nil
	}

	if v.cfg.EnforceHTTPS && r.TLS == nil && !strings.EqualFold(r.Header.Get("X-Forwarded-Proto"), "https") {
		return nil, &AuthError{
			Status:      http.StatusForbidden,
			Code:        "https_required",
			Description: "https required",
		}
	}

	raw, authErr := extractBearer(r)
	if authErr != nil {
		return nil, authErr
	}

	claims := jwt.MapClaims{}
	parsed, err := jwt.ParseWithClaims(raw, claims, func(t *jwt.Token) (any, error) {
		kid, _ := t.Header["kid"].(string)
		if kid == "" {
			return nil, errors.New("token header missing kid")
		}
		return v.jwks.Key(r.Context(), kid)
	},
		jwt.WithValidMethods(v.cfg.Algorithms),
		jwt.WithIssuer(v.cfg.IssuerURL),
		jwt.WithAudience(v.cfg.Audience),
		jwt.WithExpirationRequired(),
	)
	if err != nil || !parsed.Valid {
		return nil, mapJWTError(err)
	}

	sub, _ := claims.GetSubject()
	exp, _ := claims.GetExpirationTime()

	tok := &Token{
		Subject: sub,
		Scopes:  extractScopes(claims),
		Claims:  claims,
	}
	if exp != nil {
		tok.ExpiresAt = exp.Time
	}
	return tok, nil
}

// extractBearer pulls the JWT out of the Authorization header.
func extractBearer(r *http.Request) (string, *AuthError) {
	header := r.Header.Get("Authorization")
	if header == "" {
		return "", &AuthError{
			Status:      http.StatusUnauthorized,
			Code:        "invalid_token",
			Description: "missing bearer token",
		}
	}
	scheme, token, ok := strings.Cut(header, " ")
	if !ok || !strings.EqualFold(scheme, "Bearer") || token == "" {
		return "", &AuthError{
			Status:      http.StatusUnauthorized,
			Code:        "invalid_token",
			Description: "malformed authorization header",
		}
	}
	return strings.TrimSpace(token), nil
}

// extractScopes reads scopes from either a space-delimited "scope" string
// or a "scope"/"scopes" array claim.
func extractScopes(claims jwt.MapClaims) []string {
	for _, name := range []string{"scope", "scopes"} {
		switch v := claims[name].(type) {
		case string:
			return strings.Fields(v)
		case []any:
			out := make([]string, 0, len(v))
			for _, s := range v {
				if str, ok := s.(string); ok {
					out = append(out, str)
				}
			}
			return out
		}
	}
	return nil
}

// mapJWTError translates jwt library errors into RFC 6750 responses.
func mapJWTError(err error) *AuthError {
	switch {
	case errors.Is(err, jwt.ErrTokenExpired):
		return &AuthError{
			Status:      http.StatusUnauthorized,
			Code:        "invalid_token",
			Description: "token expired",
		}
	case errors.Is(err, jwt.ErrTokenNotValidYet):
		return &AuthError{
			Status:      http.StatusUnauthorized,
			Code:        "invalid_token",
			Description: "token not valid yet",
		}
	case errors.Is(err, jwt.ErrTokenInvalidIssuer):
		return &AuthError{
			Status:      http.StatusUnauthorized,
			Code:        "invalid_token",
			Description: "invalid issuer",
		}
	case errors.Is(err, jwt.ErrTokenInvalidAudience):
		return &AuthError{
			Status:      http.StatusUnauthorized,
			Code:        "invalid_token",
			Description: "invalid audience",
		}
	default:
		return &AuthError{
			Status:      http.StatusUnauthorized,
			Code:        "invalid_token",
			Description: "token validation failed",
		}
	}
}
