package oauth

import (
	"crypto/rand"
	"crypto/rsa"
	"encoding/base64"
	"encoding/json"
	"math/big"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	"github.com/golang-jwt/jwt/v5"
)

// testIssuer serves a JWKS for a generated RSA key and signs tokens with it.
type testIssuer struct {
	key    *rsa.PrivateKey
	kid    string
	server *httptest.Server
	hits   atomic.Int64
}

func newTestIssuer(t *testing.T) *testIssuer {
	t.Helper()
	key, err := rsa.GenerateKey(rand.Reader, 2048)
	if err != nil {
		t.Fatal(err)
	}
	iss := &testIssuer{key: key, kid: "test-key-1"}

	mux := http.NewServeMux()
	mux.HandleFunc("GET /.well-known/jwks.json", func(w http.ResponseWriter, r *http.Request) {
		iss.hits.Add(1)
		doc := jwksDocument{Keys: []jwk{{
			Kty: "RSA",
			Kid: iss.kid,
			N:   base64.RawURLEncoding.EncodeToString(iss.key.N.Bytes()),
			E:   base64.RawURLEncoding.EncodeToString(big.NewInt(int64(iss.key.E)).Bytes()),
		}}}
		json.NewEncoder(w).Encode(doc)
	})
	iss.server = httptest.NewServer(mux)
	t.Cleanup(iss.server.Close)
	return iss
}

func (i *testIssuer) sign(t *testing.T, claims jwt.MapClaims) string {
	t.Helper()
	tok := jwt.NewWithClaims(jwt.SigningMethodRS256, claims)
	tok.Header["kid"] = i.kid
	signed, err := tok.SignedString(i.key)
	if err != nil {
		t.Fatal(err)
	}
	return signed
}

func (i *testIssuer) validator() *Validator {
	return NewValidator(Config{
		IssuerURL: i.server.URL,
		Audience:  "https://quarry.example.com/mcp",
	}, i.server.Client())
}

func (i *testIssuer) claims(mutate func(jwt.MapClaims)) jwt.MapClaims {
	c := jwt.MapClaims{
		"iss":   i.server.URL,
		"aud":   "https://quarry.example.com/mcp",
		"sub":   "user-42",
		"exp":   time.Now().Add(time.Hour).Unix(),
		"scope": "mcp:tool:google_search:execute mcp:admin",
	}
	if mutate != nil {
		mutate(c)
	}
	return c
}

func bearerRequest(token string) *http.Request {
	r := httptest.NewRequest(http.MethodPost, "/mcp", nil)
	if token != "" {
		r.Header.Set("Authorization", "Bearer "+token)
	}
	return r
}

func TestValidate_ValidToken(t *testing.T) {
	iss := newTestIssuer(t)
	v := iss.validator()

	tok, authErr := v.Validate(bearerRequest(iss.sign(t, iss.claims(nil))))
	if authErr != nil {
		t.Fatalf("Validate: %v", authErr)
	}
	if tok.Subject != "user-42" {
		t.Errorf("subject = %q; want user-42", tok.Subject)
	}
	if len(tok.Scopes) != 2 || tok.Scopes[0] != "mcp:tool:google_search:execute" {
		t.Errorf("scopes = %v", tok.Scopes)
	}
	if tok.ExpiresAt.IsZero() {
		t.Error("ExpiresAt not set")
	}
}

func TestValidate_Rejections(t *testing.T) {
	iss := newTestIssuer(t)
	v := iss.validator()

	otherKey, _ := rsa.GenerateKey(rand.Reader, 2048)

	tests := []struct {
		name  string
		token string
		code  string
	}{
		{"missing token", "", "invalid_token"},
		{"garbage token", "not.a.jwt", "invalid_token"},
		{"expired", iss.sign(t, iss.claims(func(c jwt.MapClaims) {
			c["exp"] = time.Now().Add(-time.Minute).Unix()
		})), "invalid_token"},
		{"wrong issuer", iss.sign(t, iss.claims(func(c jwt.MapClaims) {
			c["iss"] = "https://evil.example.com"
		})), "invalid_token"},
		{"wrong audience", iss.sign(t, iss.claims(func(c jwt.MapClaims) {
			c["aud"] = "https://other.example.com"
		})), "invalid_token"},
		{"no exp", iss.sign(t, iss.claims(func(c jwt.MapClaims) {
			delete(c, "exp")
		})), "invalid_token"},
		{"wrong key", func() string {
			tok := jwt.NewWithClaims(jwt.SigningMethodRS256, iss.claims(nil))
			tok.Header["kid"] = iss.kid
			s, _ := tok.SignedString(otherKey)
			return s
		}(), "invalid_token"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, authErr := v.Validate(bearerRequest(tt.token))
			if authErr == nil {
				t.Fatalf("Validate accepted token, got %+v", got)
			}
			if authErr.Code != tt.code {
				t.Errorf("code = %q; want %q", authErr.Code, tt.code)
			}
			if authErr.Status != http.StatusUnauthorized {
				t.Errorf("status = %d; want 401", authErr.Status)
			}
		})
	}
}

func TestValidate_HTTPSEnforced(t *testing.T) {
	iss := newTestIssuer(t)
	v := NewValidator(Config{
		IssuerURL:    iss.server.URL,
		Audience:     "https://quarry.example.com/mcp",
		EnforceHTTPS: true,
	}, iss.server.Client())

	signed := iss.sign(t, iss.claims(nil))

	_, authErr := v.Validate(bearerRequest(signed))
	if authErr == nil {
		t.Fatal("plaintext request accepted with https enforcement on")
	}
	if authErr.Status != http.StatusForbidden {
		t.Errorf("status = %d; want 403", authErr.Status)
	}
	if authErr.Code != "https_required" {
		t.Errorf("code = %q; want https_required", authErr.Code)
	}

	// A terminated-TLS proxy sets X-Forwarded-Proto; that satisfies the gate.
	r := bearerRequest(signed)
	r.Header.Set("X-Forwarded-Proto", "https")
	if _, authErr := v.Validate(r); authErr != nil {
		t.Fatalf("forwarded-proto request rejected: %v", authErr)
	}
}

func TestValidate_AlgNoneRejected(t *testing.T) {
	iss := newTestIssuer(t)
	v := iss.validator()

	tok := jwt.NewWithClaims(jwt.SigningMethodNone, iss.claims(nil))
	tok.Header["kid"] = iss.kid
	signed, err := tok.SignedString(jwt.UnsafeAllowNoneSignatureType)
	if err != nil {
		t.Fatal(err)
	}
	if _, authErr := v.Validate(bearerRequest(signed)); authErr == nil {
		t.Fatal("alg=none token accepted")
	}
}

func TestValidate_Disabled(t *testing.T) {
	v := NewValidator(Config{}, nil)
	if v.Enabled() {
		t.Fatal("validator enabled with empty issuer")
	}
	tok, authErr := v.Validate(bearerRequest(""))
	if authErr != nil || tok != nil {
		t.Fatalf("disabled validator: tok=%v err=%v", tok, authErr)
	}
	// nil token grants everything.
	if !tok.HasScope("mcp:admin:cache:invalidate") {
		t.Error("anonymous token should cover all scopes when auth is off")
	}
}

func TestValidate_JWKSCached(t *testing.T) {
	iss := newTestIssuer(t)
	v := iss.validator()

	for range 5 {
		if _, authErr := v.Validate(bearerRequest(iss.sign(t, iss.claims(nil)))); authErr != nil {
			t.Fatalf("Validate: %v", authErr)
		}
	}
	if got := iss.hits.Load(); got != 1 {
		t.Errorf("jwks fetched %d times; want 1", got)
	}
}

func TestValidate_KeyRotation(t *testing.T) {
	iss := newTestIssuer(t)
	v := iss.validator()

	// Prime the cache with the first key.
	if _, authErr := v.Validate(bearerRequest(iss.sign(t, iss.claims(nil)))); authErr != nil {
		t.Fatalf("Validate: %v", authErr)
	}

	// Rotate: new key, new kid. The unknown kid must force a refetch.
	newKey, _ := rsa.GenerateKey(rand.Reader, 2048)
	iss.key = newKey
	iss.kid = "test-key-2"

	if _, authErr := v.Validate(bearerRequest(iss.sign(t, iss.claims(nil)))); authErr != nil {
		t.Fatalf("Validate after rotation: %v", authErr)
	}
	if got := iss.hits.Load(); got < 2 {
		t.Errorf("jwks fetched %d times; want refetch on rotation", got)
	}
}

func TestAuthError_WriteResponse(t *testing.T) {
	w := httptest.NewRecorder()
	(&AuthError{
		Status:      http.StatusForbidden,
		Code:        "insufficient_scope",
		Description: "token missing required scope",
		Scope:       "mcp:admin:cache:invalidate",
	}).WriteResponse(w)

	if w.Code != http.StatusForbidden {
		t.Errorf("status = %d; want 403", w.Code)
	}
	challenge := w.Header().Get("WWW-Authenticate")
	for _, want := range []string{`error="insufficient_scope"`, `scope="mcp:admin:cache:invalidate"`} {
		if !strings.Contains(challenge, want) {
			t.Errorf("challenge %q missing %q", challenge, want)
		}
	}
}

func TestExtractScopes(t *testing.T) {
	tests := []struct {
		name   string
		claims jwt.MapClaims
		want   int
	}{
		{"space delimited", jwt.MapClaims{"scope": "a b c"}, 3},
		{"array", jwt.MapClaims{"scope": []any{"a", "b"}}, 2},
		{"scopes alias", jwt.MapClaims{"scopes": []any{"a"}}, 1},
		{"absent", jwt.MapClaims{}, 0},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := extractScopes(tt.claims); len(got) != tt.want {
				t.Errorf("got %v; want %d scopes", got, tt.want)
			}
		})
	}
}
