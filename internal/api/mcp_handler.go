package api

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/quarrylabs/quarry/internal/eventstore"
	"github.com/quarrylabs/quarry/internal/gateway"
	"github.com/quarrylabs/quarry/internal/mcp"
	"github.com/quarrylabs/quarry/internal/oauth"
	"github.com/quarrylabs/quarry/internal/tools"
)

// maxBodyBytes caps POST /mcp request bodies.
const maxBodyBytes = 10 << 20

// sessionHeader carries the session id in both directions.
const sessionHeader = "Mcp-Session-Id"

// mcpHandler serves the MCP endpoint: POST for requests, GET for the SSE
// stream, DELETE for session teardown.
type mcpHandler struct {
	handler       *gateway.Handler
	sessions      *gateway.SessionManager
	events        *eventstore.Store
	enforceScopes bool
}

func errNoSession() *mcp.RPCError {
	return mcp.NewError(mcp.CodeSessionError, "No valid session ID provided", mcp.KindSessionUnknown)
}

func (h *mcpHandler) post(w http.ResponseWriter, r *http.Request) {
	r.Body = http.MaxBytesReader(w, r.Body, maxBodyBytes)
	body, err := io.ReadAll(r.Body)
	if err != nil {
		var tooLarge *http.MaxBytesError
		if errors.As(err, &tooLarge) {
			writeRPCError(w, http.StatusRequestEntityTooLarge,
				mcp.NewError(mcp.CodeInvalidRequest, "request body too large", mcp.KindInvalidRequest))
			return
		}
		writeRPCError(w, http.StatusBadRequest,
			mcp.NewError(mcp.CodeParseError, "failed to read body", mcp.KindParseError))
		return
	}

	reqs, isBatch, parseErr := mcp.ParseBody(body)
	if parseErr != nil {
		writeRPCError(w, http.StatusBadRequest, parseErr)
		return
	}

	tok := tokenFrom(r.Context())
	subject := ""
	if tok != nil {
		subject = tok.Subject
	}

	// An initialize request opens a session; everything else must present
	// one. The id always goes back out so clients can latch onto it.
	var session *gateway.Session
	if hasInitialize(reqs) {
		session = h.sessions.Create(subject)
	} else {
		var ok bool
		session, ok = h.sessions.Get(r.Header.Get(sessionHeader))
		if !ok {
			writeRPCError(w, http.StatusBadRequest, errNoSession())
			return
		}
	}
	w.Header().Set(sessionHeader, session.ID)

	meta := tools.CallMeta{SessionID: session.ID, Token: tok, EnforceScopes: h.enforceScopes}

	type storedResponse struct {
		eventID string
		data    json.RawMessage
		resp    *mcp.Response
	}
	var out []storedResponse
	for _, req := range reqs {
		resp := h.handler.Handle(r.Context(), req, meta)
		if resp == nil {
			continue
		}
		data, err := json.Marshal(resp)
		if err != nil {
			writeRPCError(w, http.StatusInternalServerError,
				mcp.NewError(mcp.CodeInternalError, err.Error(), mcp.KindInternalError))
			return
		}
		// Write-through so a dropped connection can be replayed.
		eventID, err := h.events.StoreEvent(r.Context(), session.ID, data, subject)
		if err != nil {
			writeRPCError(w, http.StatusInternalServerError,
				mcp.NewError(mcp.CodeInternalError, err.Error(), mcp.KindInternalError))
			return
		}
		out = append(out, storedResponse{eventID: eventID, data: data, resp: resp})
	}

	// Only notifications: acknowledge without a body.
	if len(out) == 0 {
		w.WriteHeader(http.StatusAccepted)
		return
	}

	// A scope rejection on a single request leaves the JSON-RPC framing and
	// answers with the bearer challenge instead.
	if !isBatch && len(out) == 1 {
		if authErr := scopeChallenge(out[0].resp); authErr != nil {
			authErr.WriteResponse(w)
			return
		}
	}

	if acceptsSSE(r) {
		flusher, ok := w.(http.Flusher)
		if !ok {
			writeError(w, http.StatusInternalServerError, "streaming not supported")
			return
		}
		setSSEHeaders(w)
		for _, resp := range out {
			writeSSEEvent(w, resp.eventID, resp.data)
			flusher.Flush()
		}
		return
	}

	if isBatch {
		parts := make([]json.RawMessage, len(out))
		for i, resp := range out {
			parts[i] = resp.data
		}
		writeJSON(w, http.StatusOK, parts)
		return
	}
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusOK)
	w.Write(out[0].data) //nolint:errcheck
}

// get opens the server-to-client SSE stream. With a Last-Event-ID header the
// missed tail of the stream is replayed before live events resume.
func (h *mcpHandler) get(w http.ResponseWriter, r *http.Request) {
	session, ok := h.sessions.Get(r.Header.Get(sessionHeader))
	if !ok {
		writeRPCError(w, http.StatusBadRequest, errNoSession())
		return
	}

	flusher, ok := w.(http.Flusher)
	if !ok {
		writeError(w, http.StatusInternalServerError, "streaming not supported")
		return
	}

	tok := tokenFrom(r.Context())
	subject := ""
	if tok != nil {
		subject = tok.Subject
	}

	w.Header().Set(sessionHeader, session.ID)
	setSSEHeaders(w)
	flusher.Flush()

	// Subscribe before replaying so events stored mid-replay are not lost;
	// replayed ids are remembered so the live loop can skip duplicates.
	live := h.events.Subscribe(session.ID)
	defer h.events.Unsubscribe(session.ID, live)

	replayed := make(map[string]bool)
	if lastEventID := r.Header.Get("Last-Event-ID"); lastEventID != "" {
		h.events.ReplayEventsAfter(r.Context(), lastEventID, func(eventID string, message json.RawMessage) error {
			writeSSEEvent(w, eventID, message)
			flusher.Flush()
			replayed[eventID] = true
			return nil
		}, subject)
	}

	heartbeat := time.NewTicker(15 * time.Second)
	defer heartbeat.Stop()

	ctx := r.Context()
	for {
		select {
		case <-ctx.Done():
			return
		case ev, ok := <-live:
			if !ok {
				return
			}
			if replayed[ev.ID] {
				continue
			}
			writeSSEEvent(w, ev.ID, ev.Message)
			flusher.Flush()
		case <-heartbeat.C:
			fmt.Fprint(w, ":\n\n")
			flusher.Flush()
		}
	}
}

func (h *mcpHandler) delete(w http.ResponseWriter, r *http.Request) {
	id := r.Header.Get(sessionHeader)
	if id == "" || !h.sessions.Delete(id) {
		writeRPCError(w, http.StatusBadRequest, errNoSession())
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "deleted"})
}

// scopeChallenge maps an insufficient-scope tool rejection to its RFC 6750
// form: 403 with a WWW-Authenticate challenge naming the missing scope.
func scopeChallenge(resp *mcp.Response) *oauth.AuthError {
	if resp == nil || resp.Error == nil || resp.Error.Data == nil ||
		resp.Error.Data.Kind != mcp.KindInsufficientScope {
		return nil
	}
	return &oauth.AuthError{
		Status:      http.StatusForbidden,
		Code:        "insufficient_scope",
		Description: resp.Error.Message,
		Scope:       resp.Error.Data.Scope,
	}
}

func hasInitialize(reqs []mcp.Request) bool {
	for _, req := range reqs {
		if req.Method == "initialize" {
			return true
		}
	}
	return false
}

func acceptsSSE(r *http.Request) bool {
	return strings.Contains(r.Header.Get("Accept"), "text/event-stream")
}

func setSSEHeaders(w http.ResponseWriter) {
	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
}

func writeSSEEvent(w io.Writer, eventID string, data json.RawMessage) {
	fmt.Fprintf(w, "id: %s\ndata: %s\n\n", eventID, data)
}
