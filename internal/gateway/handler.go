package gateway

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"os"
	"strings"

	"github.com/quarrylabs/quarry/internal/mcp"
	"github.com/quarrylabs/quarry/internal/tools"
)

// Handler implements the MCP methods shared by the stdio and HTTP
// transports. Transport-specific concerns (session headers, SSE, auth)
// stay with the transports; Handler only needs the resolved call metadata.
type Handler struct {
	registry   *tools.Registry
	dispatcher *tools.Dispatcher
	tracker    *tools.Tracker

	serverName    string
	serverVersion string
}

// NewHandler wires the method handler.
func NewHandler(reg *tools.Registry, d *tools.Dispatcher, tracker *tools.Tracker, name, version string) *Handler {
	return &Handler{
		registry:      reg,
		dispatcher:    d,
		tracker:       tracker,
		serverName:    name,
		serverVersion: version,
	}
}

// slimToolsEnabled returns true unless QUARRY_SLIM_TOOLS is explicitly
// "false". Minified schemas cut the context cost of tools/list.
func slimToolsEnabled() bool {
	return strings.ToLower(os.Getenv("QUARRY_SLIM_TOOLS")) != "false"
}

// Handle dispatches one request. Notifications return nil.
func (h *Handler) Handle(ctx context.Context, req mcp.Request, meta tools.CallMeta) *mcp.Response {
	if req.IsNotification() {
		h.handleNotification(req)
		return nil
	}
	if req.JSONRPC != "2.0" {
		return mcp.NewErrorResponse(req.ID,
			mcp.NewError(mcp.CodeInvalidRequest, "jsonrpc must be \"2.0\"", mcp.KindInvalidRequest))
	}

	var result json.RawMessage
	var rpcErr *mcp.RPCError

	switch req.Method {
	case "initialize":
		result, rpcErr = h.handleInitialize(req.Params)
	case "ping":
		result = json.RawMessage(`{}`)
	case "tools/list":
		result, rpcErr = h.handleToolsList()
	case "tools/call":
		result, rpcErr = h.handleToolsCall(ctx, req.Params, meta)
	case "resources/list":
		result, rpcErr = h.handleResourcesList()
	case "resources/read":
		result, rpcErr = h.handleResourcesRead(req.Params, meta)
	case "prompts/list":
		result, rpcErr = h.handlePromptsList()
	case "prompts/get":
		result, rpcErr = h.handlePromptsGet(req.Params)
	default:
		rpcErr = mcp.NewError(mcp.CodeMethodNotFound,
			fmt.Sprintf("unknown method: %s", req.Method), mcp.KindMethodNotFound)
	}

	if rpcErr != nil {
		return mcp.NewErrorResponse(req.ID, rpcErr)
	}
	return mcp.NewResponse(req.ID, result)
}

func (h *Handler) handleNotification(req mcp.Request) {
	switch req.Method {
	case "notifications/initialized":
		slog.Info("client initialized")
	default:
		slog.Debug("unhandled notification", "method", req.Method)
	}
}

func (h *Handler) handleInitialize(params json.RawMessage) (json.RawMessage, *mcp.RPCError) {
	var p mcp.InitializeParams
	if len(params) > 0 {
		if err := json.Unmarshal(params, &p); err != nil {
			return nil, mcp.NewError(mcp.CodeInvalidParams, err.Error(), mcp.KindInvalidParams)
		}
	}
	slog.Info("initialize", "client", p.ClientInfo.Name, "client_version", p.ClientInfo.Version)

	result := mcp.InitializeResult{
		ProtocolVersion: mcp.ProtocolVersion,
		Capabilities: mcp.ServerCapability{
			Tools:     &mcp.ToolCapability{},
			Resources: &struct{}{},
			Prompts:   &struct{}{},
		},
		ServerInfo: mcp.ServerInfo{Name: h.serverName, Version: h.serverVersion},
	}
	return marshalResult(result)
}

func (h *Handler) handleToolsList() (json.RawMessage, *mcp.RPCError) {
	list := h.registry.List()
	if slimToolsEnabled() {
		list = tools.MinifySchemas(list)
	}
	return marshalResult(map[string]any{"tools": list})
}

func (h *Handler) handleToolsCall(ctx context.Context, params json.RawMessage, meta tools.CallMeta) (json.RawMessage, *mcp.RPCError) {
	var req mcp.CallToolRequest
	if err := json.Unmarshal(params, &req); err != nil {
		return nil, mcp.NewError(mcp.CodeInvalidParams, err.Error(), mcp.KindInvalidParams)
	}
	return h.dispatcher.Dispatch(ctx, req, meta)
}

func (h *Handler) handleResourcesList() (json.RawMessage, *mcp.RPCError) {
	return marshalResult(map[string]any{
		"resources": []mcp.Resource{{
			URI:         tools.ResearchResourceURI,
			Name:        "Current research session",
			Description: "Steps, branches, and knowledge gaps recorded by sequential_search.",
			MimeType:    "application/json",
		}},
	})
}

func (h *Handler) handleResourcesRead(params json.RawMessage, meta tools.CallMeta) (json.RawMessage, *mcp.RPCError) {
	var p struct {
		URI string `json:"uri"`
	}
	if err := json.Unmarshal(params, &p); err != nil {
		return nil, mcp.NewError(mcp.CodeInvalidParams, err.Error(), mcp.KindInvalidParams)
	}
	if p.URI != tools.ResearchResourceURI {
		return nil, mcp.NewError(mcp.CodeInvalidParams,
			fmt.Sprintf("unknown resource: %s", p.URI), mcp.KindInvalidParams)
	}

	contents, err := h.tracker.Resource(meta.SessionID)
	if err != nil {
		return nil, mcp.NewError(mcp.CodeInternalError, err.Error(), mcp.KindInternalError)
	}
	return marshalResult(map[string]any{"contents": []*mcp.ResourceContents{contents}})
}

func marshalResult(v any) (json.RawMessage, *mcp.RPCError) {
	data, err := json.Marshal(v)
	if err != nil {
		return nil, mcp.NewError(mcp.CodeInternalError, err.Error(), mcp.KindInternalError)
	}
	return data, nil
}
