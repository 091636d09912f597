package api

import (
	"context"
	"net/http"

	"github.com/quarrylabs/quarry/internal/oauth"
)

const tokenKey contextKey = "oauth_token"

// authMiddleware validates the bearer token and stashes it in the request
// context. With validation disabled every request passes with a nil token.
func authMiddleware(v *oauth.Validator, next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		tok, authErr := v.Validate(r)
		if authErr != nil {
			authErr.WriteResponse(w)
			return
		}
		if tok != nil {
			r = r.WithContext(context.WithValue(r.Context(), tokenKey, tok))
		}
		next.ServeHTTP(w, r)
	})
}

// optionalAuthMiddleware validates a bearer token only when one is
// presented. Used on admin endpoints where the shared key is an alternative
// credential.
func optionalAuthMiddleware(v *oauth.Validator, next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Header.Get("Authorization") == "" || !v.Enabled() {
			next.ServeHTTP(w, r)
			return
		}
		tok, authErr := v.Validate(r)
		if authErr != nil {
			authErr.WriteResponse(w)
			return
		}
		if tok != nil {
			r = r.WithContext(context.WithValue(r.Context(), tokenKey, tok))
		}
		next.ServeHTTP(w, r)
	})
}

// tokenFrom returns the validated token, nil when auth is disabled.
func tokenFrom(ctx context.Context) *oauth.Token {
	tok, _ := ctx.Value(tokenKey).(*oauth.Token)
	return tok
}
