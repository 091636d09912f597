// Package api is the HTTP transport: the MCP endpoint with SSE streaming,
// the admin/ops surface, and the middleware chain around both.
package api

import (
	"net/http"
	"time"

	"github.com/quarrylabs/quarry/internal/audit"
	"github.com/quarrylabs/quarry/internal/cache"
	"github.com/quarrylabs/quarry/internal/eventstore"
	"github.com/quarrylabs/quarry/internal/gateway"
	"github.com/quarrylabs/quarry/internal/oauth"
	"github.com/quarrylabs/quarry/internal/tools"
)

// RouterDeps holds the dependencies needed by the HTTP router.
type RouterDeps struct {
	Handler   *gateway.Handler
	Sessions  *gateway.SessionManager
	Events    *eventstore.Store
	Cache     *cache.Cache
	Registry  *tools.Registry
	Validator *oauth.Validator
	Audit     *audit.Logger
	AuditBus  *audit.Bus

	ServerName     string
	ServerVersion  string
	AllowedOrigins []string
	RateLimit      RateLimiterConfig
	CacheAdminKey  string
}

// NewRouter builds the full HTTP handler: MCP endpoint, admin surface, and
// the CORS -> RequestID -> Logging -> RateLimit middleware chain.
func NewRouter(deps RouterDeps) http.Handler {
	mux := http.NewServeMux()

	mcpH := &mcpHandler{
		handler:       deps.Handler,
		sessions:      deps.Sessions,
		events:        deps.Events,
		enforceScopes: deps.Validator.Enabled(),
	}
	// Rate limiting sits inside auth so the bucket key can be the token
	// subject; only the MCP endpoint is limited.
	limiter := newRateLimiter(deps.RateLimit)
	startLimiterSweep(limiter)

	withAuth := func(h http.HandlerFunc) http.Handler {
		return authMiddleware(deps.Validator, limiter.middleware(h))
	}
	mux.Handle("POST /mcp", withAuth(mcpH.post))
	mux.Handle("GET /mcp", withAuth(mcpH.get))
	mux.Handle("DELETE /mcp", withAuth(mcpH.delete))

	admin := &adminHandler{
		cache:         deps.Cache,
		events:        deps.Events,
		registry:      deps.Registry,
		validator:     deps.Validator,
		auditor:       deps.Audit,
		auditBus:      deps.AuditBus,
		adminKey:      deps.CacheAdminKey,
		serverName:    deps.ServerName,
		serverVersion: deps.ServerVersion,
		startTime:     time.Now(),
	}
	mux.HandleFunc("GET /health", admin.health)
	mux.HandleFunc("GET /version", admin.version)
	mux.HandleFunc("GET /mcp/cache-stats", admin.cacheStats)
	mux.HandleFunc("GET /mcp/event-store-stats", admin.eventStoreStats)
	mux.HandleFunc("GET /mcp/oauth-config", admin.oauthConfig)
	mux.HandleFunc("GET /mcp/oauth-scopes", admin.oauthScopes)
	mux.Handle("GET /mcp/oauth-token-info", authMiddleware(deps.Validator, http.HandlerFunc(admin.oauthTokenInfo)))

	withOptionalAuth := func(h http.HandlerFunc) http.Handler {
		return optionalAuthMiddleware(deps.Validator, h)
	}
	mux.Handle("POST /mcp/cache-invalidate", withOptionalAuth(admin.cacheInvalidate))
	mux.Handle("POST /mcp/cache-persist", withOptionalAuth(admin.cachePersist))
	mux.Handle("GET /mcp/audit-log", withOptionalAuth(admin.auditLog))
	mux.Handle("GET /mcp/audit-stream", withOptionalAuth(admin.auditStream))

	var handler http.Handler = mux
	handler = loggingMiddleware(handler)
	handler = requestIDMiddleware(handler)
	handler = corsMiddleware(deps.AllowedOrigins, handler)
	return handler
}

// startLimiterSweep drops idle rate-limit buckets every 10 minutes.
func startLimiterSweep(rl *rateLimiter) {
	go func() {
		ticker := time.NewTicker(10 * time.Minute)
		defer ticker.Stop()
		for range ticker.C {
			rl.sweep(30 * time.Minute)
		}
	}()
}
