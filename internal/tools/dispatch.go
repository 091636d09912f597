package tools

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/quarrylabs/quarry/internal/audit"
	"github.com/quarrylabs/quarry/internal/breaker"
	"github.com/quarrylabs/quarry/internal/cache"
	"github.com/quarrylabs/quarry/internal/mcp"
	"github.com/quarrylabs/quarry/internal/oauth"
	"github.com/quarrylabs/quarry/internal/urlcheck"
)

// Dispatcher executes tool calls: lookup, argument validation, scope
// enforcement, then the handler under cache, per-call timeout, and circuit
// breaker.
type Dispatcher struct {
	reg     *Registry
	cache   *cache.Cache
	breaker *breaker.Breaker
	audit   *audit.Logger

	// TTLOverrides replaces a tool's default cache TTL, keyed by name.
	TTLOverrides map[string]time.Duration
}

// NewDispatcher wires a dispatcher. The audit logger is optional.
func NewDispatcher(reg *Registry, c *cache.Cache, b *breaker.Breaker, a *audit.Logger) *Dispatcher {
	return &Dispatcher{reg: reg, cache: c, breaker: b, audit: a}
}

// CallMeta carries per-request identity into a dispatch.
type CallMeta struct {
	SessionID     string
	Token         *oauth.Token
	EnforceScopes bool // true on the HTTP transport
}

// Dispatch runs tools/call. The returned RawMessage is a marshaled
// mcp.CallToolResult.
func (d *Dispatcher) Dispatch(ctx context.Context, req mcp.CallToolRequest, meta CallMeta) (json.RawMessage, *mcp.RPCError) {
	start := time.Now()

	spec := d.reg.Get(req.Name)
	if spec == nil {
		rpcErr := mcp.NewError(mcp.CodeMethodNotFound, fmt.Sprintf("unknown tool: %s", req.Name), mcp.KindMethodNotFound)
		d.record(ctx, req, meta, rpcErr, 0, start)
		return nil, rpcErr
	}

	var args map[string]any
	if spec.Input != nil {
		var rpcErr *mcp.RPCError
		args, rpcErr = spec.Input.Validate(req.Arguments)
		if rpcErr != nil {
			d.record(ctx, req, meta, rpcErr, 0, start)
			return nil, rpcErr
		}
	}

	if meta.EnforceScopes {
		if authErr := meta.Token.RequireScopes(spec.Scope()); authErr != nil {
			rpcErr := &mcp.RPCError{
				Code:    mcp.CodeAuthError,
				Message: authErr.Description,
				Data:    &mcp.ErrorData{Kind: mcp.KindInsufficientScope, Scope: authErr.Scope},
			}
			d.record(ctx, req, meta, rpcErr, 0, start)
			return nil, rpcErr
		}
	}

	call := &Call{Args: args, SessionID: meta.SessionID}
	if meta.Token != nil {
		call.Subject = meta.Token.Subject
	}

	compute := func(ctx context.Context) ([]byte, error) {
		return d.execute(ctx, spec, call)
	}

	var result []byte
	var err error
	if spec.Cacheable && d.cache != nil {
		result, err = d.cache.GetOrCompute(ctx, spec.Name, args, compute, cache.Options{
			TTL: d.ttlFor(spec),
		})
	} else {
		result, err = compute(ctx)
	}
	if err != nil {
		// In-band tool failures ride the error path so the cache never
		// admits them; the next call retries the handler.
		var uncached *errorResult
		if errors.As(err, &uncached) {
			d.record(ctx, req, meta, nil, len(uncached.data), start)
			return uncached.data, nil
		}
		rpcErr := MapError(err)
		d.record(ctx, req, meta, rpcErr, 0, start)
		return nil, rpcErr
	}

	d.record(ctx, req, meta, nil, len(result), start)
	return result, nil
}

// execute runs the handler under the tool's deadline and circuit.
func (d *Dispatcher) execute(ctx context.Context, spec *Spec, call *Call) ([]byte, error) {
	ctx, cancel := context.WithTimeout(ctx, spec.Timeout)
	defer cancel()

	var result *mcp.CallToolResult
	run := func() error {
		var err error
		result, err = spec.Handler(ctx, call)
		if err == nil && ctx.Err() != nil {
			err = ctx.Err()
		}
		return err
	}

	var err error
	if d.breaker != nil {
		err = d.breaker.Do(spec.Name, run)
	} else {
		err = run()
	}
	if err != nil {
		return nil, err
	}
	data, err := json.Marshal(result)
	if err != nil {
		return nil, err
	}
	if result.IsError {
		return nil, &errorResult{data: data}
	}
	return data, nil
}

// errorResult wraps a result flagged isError: it is returned to the caller
// but must not be cached.
type errorResult struct{ data []byte }

func (e *errorResult) Error() string { return "tool returned an error result" }

func (d *Dispatcher) ttlFor(spec *Spec) time.Duration {
	if ttl, ok := d.TTLOverrides[spec.Name]; ok {
		return ttl
	}
	return spec.DefaultTTL
}

func (d *Dispatcher) record(ctx context.Context, req mcp.CallToolRequest, meta CallMeta, rpcErr *mcp.RPCError, size int, start time.Time) {
	if d.audit == nil {
		return
	}
	rec := &audit.Record{
		Action:         "tools/call",
		SessionID:      meta.SessionID,
		ToolName:       req.Name,
		ParamsRedacted: req.Arguments,
		Status:         "ok",
		LatencyMs:      int(time.Since(start).Milliseconds()),
		ResponseSize:   size,
	}
	if meta.Token != nil {
		rec.Subject = meta.Token.Subject
	}
	if rpcErr != nil {
		rec.Status = "error"
		rec.ErrorMessage = rpcErr.Message
		if rpcErr.Data != nil {
			rec.ErrorKind = rpcErr.Data.Kind
		}
	}
	_ = d.audit.Record(ctx, rec)
}

// MapError translates handler failures into typed JSON-RPC errors.
func MapError(err error) *mcp.RPCError {
	var rpcErr *mcp.RPCError
	if errors.As(err, &rpcErr) {
		return rpcErr
	}

	var rejected *urlcheck.RejectedError
	if errors.As(err, &rejected) {
		return &mcp.RPCError{
			Code:    mcp.CodeURLRejected,
			Message: rejected.Error(),
			Data:    &mcp.ErrorData{Kind: mcp.KindURLRejected, Rule: rejected.Rule},
		}
	}

	switch {
	case errors.Is(err, breaker.ErrOpen):
		return mcp.NewError(mcp.CodeCircuitOpen, "dependency temporarily unavailable", mcp.KindCircuitOpen)
	case errors.Is(err, context.DeadlineExceeded):
		return mcp.NewError(mcp.CodeTimeout, "tool execution timed out", mcp.KindUpstreamTimeout)
	case errors.Is(err, context.Canceled):
		return mcp.NewError(mcp.CodeTimeout, "tool execution canceled", mcp.KindUpstreamTimeout)
	default:
		return mcp.NewError(mcp.CodeUpstream, err.Error(), mcp.KindUpstreamFailure)
	}
}
