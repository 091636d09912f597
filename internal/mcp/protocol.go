package mcp

import (
	"bytes"
	"encoding/json"
	"fmt"
)

// JSON-RPC 2.0 types.

// Request is a JSON-RPC 2.0 request or notification.
type Request struct {
	JSONRPC string          `json:"jsonrpc"`
	ID      json.RawMessage `json:"id,omitempty"`
	Method  string          `json:"method"`
	Params  json.RawMessage `json:"params,omitempty"`
}

// IsNotification reports whether the request carries no id and therefore
// must not receive a response. A literal null id is still a request.
func (r *Request) IsNotification() bool {
	return len(r.ID) == 0
}

// Response is a JSON-RPC 2.0 response.
type Response struct {
	JSONRPC string          `json:"jsonrpc"`
	ID      json.RawMessage `json:"id"`
	Result  json.RawMessage `json:"result,omitempty"`
	Error   *RPCError       `json:"error,omitempty"`
}

// RPCError is a JSON-RPC 2.0 error.
type RPCError struct {
	Code    int        `json:"code"`
	Message string     `json:"message"`
	Data    *ErrorData `json:"data,omitempty"`
}

func (e *RPCError) Error() string {
	return fmt.Sprintf("rpc error %d: %s", e.Code, e.Message)
}

// ErrorData carries the typed error kind plus optional detail.
type ErrorData struct {
	Kind   string `json:"kind"`
	Field  string `json:"field,omitempty"`
	Rule   string `json:"rule,omitempty"`
	Scope  string `json:"scope,omitempty"`
	Detail string `json:"detail,omitempty"`
}

// JSON-RPC error codes.
const (
	CodeParseError     = -32700
	CodeInvalidRequest = -32600
	CodeMethodNotFound = -32601
	CodeInvalidParams  = -32602
	CodeInternalError  = -32603

	// Server-defined codes (-32000..-32099).
	CodeSessionError = -32000
	CodeTimeout      = -32001
	CodeUpstream     = -32002
	CodeCircuitOpen  = -32003
	CodeAuthError    = -32004
	CodeRateLimited  = -32005
	CodeURLRejected  = -32006
)

// Error kinds surfaced in ErrorData.Kind.
const (
	KindParseError        = "ParseError"
	KindInvalidRequest    = "InvalidRequest"
	KindMethodNotFound    = "MethodNotFound"
	KindInvalidParams     = "InvalidParams"
	KindAuthMissing       = "AuthMissing"
	KindAuthInvalid       = "AuthInvalid"
	KindAuthExpired       = "AuthExpired"
	KindInsufficientScope = "InsufficientScope"
	KindRateLimited       = "RateLimited"
	KindSessionUnknown    = "SessionUnknown"
	KindURLRejected       = "UrlRejected"
	KindUpstreamTimeout   = "UpstreamTimeout"
	KindUpstreamFailure   = "UpstreamFailure"
	KindCircuitOpen       = "CircuitOpen"
	KindDegraded          = "Degraded"
	KindInternalError     = "InternalError"
)

// NewError builds an RPCError with a typed kind.
func NewError(code int, message, kind string) *RPCError {
	return &RPCError{Code: code, Message: message, Data: &ErrorData{Kind: kind}}
}

// ErrEmptyBatch is returned by ParseBody for an empty JSON-RPC batch.
var ErrEmptyBatch = NewError(CodeInvalidRequest, "Invalid Request: Empty batch", KindInvalidRequest)

// ParseBody parses a request body as either a single JSON-RPC message or a
// batch. The second return reports whether the body was a batch.
func ParseBody(body []byte) ([]Request, bool, *RPCError) {
	trimmed := bytes.TrimLeft(body, " \t\r\n")
	if len(trimmed) == 0 {
		return nil, false, NewError(CodeParseError, "empty body", KindParseError)
	}

	if trimmed[0] == '[' {
		var batch []Request
		if err := json.Unmarshal(trimmed, &batch); err != nil {
			return nil, true, NewError(CodeParseError, "invalid JSON: "+err.Error(), KindParseError)
		}
		if len(batch) == 0 {
			return nil, true, ErrEmptyBatch
		}
		return batch, true, nil
	}

	var req Request
	if err := json.Unmarshal(trimmed, &req); err != nil {
		return nil, false, NewError(CodeParseError, "invalid JSON: "+err.Error(), KindParseError)
	}
	return []Request{req}, false, nil
}

// NewResponse builds a success response echoing the request id.
func NewResponse(id json.RawMessage, result json.RawMessage) *Response {
	return &Response{JSONRPC: "2.0", ID: normalizeID(id), Result: result}
}

// NewErrorResponse builds an error response echoing the request id.
func NewErrorResponse(id json.RawMessage, rpcErr *RPCError) *Response {
	return &Response{JSONRPC: "2.0", ID: normalizeID(id), Error: rpcErr}
}

func normalizeID(id json.RawMessage) json.RawMessage {
	if len(id) == 0 {
		return json.RawMessage("null")
	}
	return id
}
