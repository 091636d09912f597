package api

import (
	"crypto/subtle"
	"encoding/json"
	"fmt"
	"net/http"
	"runtime"
	"strconv"
	"strings"
	"time"

	"github.com/quarrylabs/quarry/internal/audit"
	"github.com/quarrylabs/quarry/internal/cache"
	"github.com/quarrylabs/quarry/internal/eventstore"
	"github.com/quarrylabs/quarry/internal/oauth"
	"github.com/quarrylabs/quarry/internal/tools"
)

// adminHandler serves the ops endpoints: health, version, stats, OAuth
// introspection, the audit surface, and the key-gated cache controls.
type adminHandler struct {
	cache     *cache.Cache
	events    *eventstore.Store
	registry  *tools.Registry
	validator *oauth.Validator
	auditor   *audit.Logger
	auditBus  *audit.Bus
	adminKey  string

	serverName    string
	serverVersion string
	startTime     time.Time
}

func (h *adminHandler) health(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{
		"status":    "ok",
		"version":   h.serverVersion,
		"uptime":    int(time.Since(h.startTime).Seconds()),
		"timestamp": time.Now().UTC().Format(time.RFC3339),
	})
}

func (h *adminHandler) version(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{
		"name":      h.serverName,
		"version":   h.serverVersion,
		"goVersion": runtime.Version(),
		"platform":  runtime.GOOS + "/" + runtime.GOARCH,
	})
}

func (h *adminHandler) cacheStats(w http.ResponseWriter, _ *http.Request) {
	var mem runtime.MemStats
	runtime.ReadMemStats(&mem)

	writeJSON(w, http.StatusOK, map[string]any{
		"cache": h.cache.Stats(),
		"memory": map[string]uint64{
			"heap_alloc_bytes": mem.HeapAlloc,
			"sys_bytes":        mem.Sys,
			"num_gc":           uint64(mem.NumGC),
		},
		"server": map[string]any{
			"name":    h.serverName,
			"version": h.serverVersion,
			"uptime":  int(time.Since(h.startTime).Seconds()),
		},
	})
}

func (h *adminHandler) eventStoreStats(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, h.events.Stats())
}

func (h *adminHandler) oauthConfig(w http.ResponseWriter, _ *http.Request) {
	cfg := map[string]any{"enabled": h.validator.Enabled()}
	if h.validator.Enabled() {
		cfg["issuer"] = h.validator.Issuer()
		cfg["audience"] = h.validator.Audience()
	}
	writeJSON(w, http.StatusOK, map[string]any{"oauth": cfg})
}

// oauthScopes renders the scope documentation as markdown, one execute scope
// per registered tool plus the composites.
func (h *adminHandler) oauthScopes(w http.ResponseWriter, _ *http.Request) {
	var b strings.Builder
	b.WriteString("# OAuth Scopes\n\n")
	b.WriteString("## Composite scopes\n\n")
	b.WriteString("- `mcp:admin` — full administrative access\n")
	b.WriteString("- `mcp:tool` — execute any tool\n\n")
	b.WriteString("## Tool scopes\n\n")
	for _, tool := range h.registry.List() {
		b.WriteString(fmt.Sprintf("- `%s` — execute `%s`\n", oauth.ToolScope(tool.Name), tool.Name))
	}

	w.Header().Set("Content-Type", "text/markdown; charset=utf-8")
	w.WriteHeader(http.StatusOK)
	fmt.Fprint(w, b.String())
}

func (h *adminHandler) oauthTokenInfo(w http.ResponseWriter, r *http.Request) {
	if !h.validator.Enabled() {
		writeError(w, http.StatusServiceUnavailable, "oauth not configured")
		return
	}
	tok := tokenFrom(r.Context())
	if tok == nil {
		writeError(w, http.StatusUnauthorized, "missing bearer token")
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"subject":    tok.Subject,
		"scopes":     tok.Scopes,
		"expires_at": tok.ExpiresAt.UTC().Format(time.RFC3339),
	})
}

// authorizeAdmin gates the mutating cache endpoints: the shared admin key
// admits, as does a token carrying the matching admin scope. With no key
// configured the endpoints are disabled outright.
func (h *adminHandler) authorizeAdmin(w http.ResponseWriter, r *http.Request, scope string) bool {
	if h.adminKey == "" {
		writeError(w, http.StatusServiceUnavailable, "admin endpoints disabled: no admin key configured")
		return false
	}
	if key := r.Header.Get("X-Admin-Key"); key != "" {
		if subtle.ConstantTimeCompare([]byte(key), []byte(h.adminKey)) == 1 {
			return true
		}
		writeError(w, http.StatusForbidden, "invalid admin key")
		return false
	}
	if tok := tokenFrom(r.Context()); h.validator.Enabled() && tok != nil {
		if authErr := tok.RequireScopes(scope); authErr != nil {
			authErr.WriteResponse(w)
			return false
		}
		return true
	}
	writeError(w, http.StatusForbidden, "admin key required")
	return false
}

// auditLog returns recent audit records, newest first. ?n= bounds the count.
func (h *adminHandler) auditLog(w http.ResponseWriter, r *http.Request) {
	if !h.authorizeAdmin(w, r, oauth.AdminScope("audit", "read")) {
		return
	}

	n := 100
	if raw := r.URL.Query().Get("n"); raw != "" {
		parsed, err := strconv.Atoi(raw)
		if err != nil || parsed < 1 || parsed > 1000 {
			writeError(w, http.StatusBadRequest, "n must be between 1 and 1000")
			return
		}
		n = parsed
	}
	writeJSON(w, http.StatusOK, map[string]any{"records": h.auditor.Recent(n)})
}

// auditStream pushes audit records over SSE as they are published.
func (h *adminHandler) auditStream(w http.ResponseWriter, r *http.Request) {
	if !h.authorizeAdmin(w, r, oauth.AdminScope("audit", "read")) {
		return
	}
	flusher, ok := w.(http.Flusher)
	if !ok {
		writeError(w, http.StatusInternalServerError, "streaming unsupported")
		return
	}

	records, cancel := h.auditBus.Subscribe()
	defer cancel()

	setSSEHeaders(w)
	flusher.Flush()

	heartbeat := time.NewTicker(15 * time.Second)
	defer heartbeat.Stop()

	for {
		select {
		case <-r.Context().Done():
			return
		case rec, open := <-records:
			if !open {
				return
			}
			data, err := json.Marshal(rec)
			if err != nil {
				continue
			}
			writeSSEEvent(w, rec.ID, data)
			flusher.Flush()
		case <-heartbeat.C:
			fmt.Fprint(w, ":\n\n")
			flusher.Flush()
		}
	}
}

type invalidateRequest struct {
	Namespace string `json:"namespace"`
	Args      any    `json:"args"`
}

func (h *adminHandler) cacheInvalidate(w http.ResponseWriter, r *http.Request) {
	if !h.authorizeAdmin(w, r, oauth.AdminScope("cache", "invalidate")) {
		return
	}

	var req invalidateRequest
	if r.ContentLength > 0 {
		if err := decodeJSON(r, &req); err != nil {
			writeError(w, http.StatusBadRequest, "invalid request body")
			return
		}
	}

	if req.Namespace == "" {
		h.cache.Flush()
		writeJSON(w, http.StatusOK, map[string]string{"status": "flushed"})
		return
	}
	if err := h.cache.Invalidate(req.Namespace, req.Args); err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "invalidated", "namespace": req.Namespace})
}

func (h *adminHandler) cachePersist(w http.ResponseWriter, r *http.Request) {
	if !h.authorizeAdmin(w, r, oauth.AdminScope("cache", "persist")) {
		return
	}

	if err := h.cache.PersistNow(); err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	if err := h.events.FlushNow(); err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "persisted"})
}
