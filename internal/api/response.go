package api

import (
	"encoding/json"
	"log/slog"
	"net/http"

	"github.com/quarrylabs/quarry/internal/mcp"
)

// writeJSON writes a JSON response with the given status code.
func writeJSON(w http.ResponseWriter, status int, data any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(data); err != nil {
		slog.Error("failed to encode response", "error", err)
	}
}

// errorResponse is the standard error body for the admin endpoints.
type errorResponse struct {
	Error   string `json:"error"`
	Details string `json:"details,omitempty"`
}

// writeError writes a JSON error response.
func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, errorResponse{Error: msg})
}

// writeRPCError writes a JSON-RPC-shaped error body on the /mcp endpoint.
// The id is null: these errors precede request identification.
func writeRPCError(w http.ResponseWriter, status int, rpcErr *mcp.RPCError) {
	writeJSON(w, status, mcp.NewErrorResponse(nil, rpcErr))
}

// decodeJSON reads and decodes a JSON request body into v.
func decodeJSON(r *http.Request, v any) error {
	defer func() { _ = r.Body.Close() }()
	return json.NewDecoder(r.Body).Decode(v)
}
