package tools

import (
	"context"
	"encoding/json"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/quarrylabs/quarry/internal/breaker"
	"github.com/quarrylabs/quarry/internal/cache"
	"github.com/quarrylabs/quarry/internal/mcp"
	"github.com/quarrylabs/quarry/internal/oauth"
	"github.com/quarrylabs/quarry/internal/urlcheck"
)

func testDispatcher(t *testing.T) *Dispatcher {
	t.Helper()
	c, err := cache.New(cache.Config{})
	if err != nil {
		t.Fatal(err)
	}
	return NewDispatcher(NewRegistry(), c, breaker.New(breaker.Config{Threshold: 3, Cooldown: time.Minute}), nil)
}

func callReq(name, args string) mcp.CallToolRequest {
	return mcp.CallToolRequest{Name: name, Arguments: json.RawMessage(args)}
}

func TestDispatchUnknownTool(t *testing.T) {
	d := testDispatcher(t)
	_, rpcErr := d.Dispatch(context.Background(), callReq("nope", `{}`), CallMeta{})
	if rpcErr == nil || rpcErr.Code != mcp.CodeMethodNotFound {
		t.Fatalf("err = %v; want -32601", rpcErr)
	}
}

func TestDispatchInvalidParams(t *testing.T) {
	d := testDispatcher(t)
	d.reg.Register(&Spec{
		Name:  "echo",
		Input: &Schema{Fields: []Field{{Name: "msg", Type: "string", Required: true}}},
		Handler: func(_ context.Context, call *Call) (*mcp.CallToolResult, error) {
			return mcp.TextResult(argString(call.Args, "msg", ""), nil), nil
		},
	})

	_, rpcErr := d.Dispatch(context.Background(), callReq("echo", `{}`), CallMeta{})
	if rpcErr == nil || rpcErr.Code != mcp.CodeInvalidParams {
		t.Fatalf("err = %v; want -32602", rpcErr)
	}
	if rpcErr.Data.Field != "msg" {
		t.Errorf("field = %q; want msg", rpcErr.Data.Field)
	}
}

func TestDispatchScopeEnforcement(t *testing.T) {
	d := testDispatcher(t)
	d.reg.Register(&Spec{
		Name: "secret_tool",
		Handler: func(_ context.Context, _ *Call) (*mcp.CallToolResult, error) {
			return mcp.TextResult("ok", nil), nil
		},
	})

	token := &oauth.Token{Scopes: []string{"mcp:tool:other:execute"}}
	_, rpcErr := d.Dispatch(context.Background(), callReq("secret_tool", `{}`), CallMeta{Token: token, EnforceScopes: true})
	if rpcErr == nil || rpcErr.Code != mcp.CodeAuthError {
		t.Fatalf("err = %v; want auth error", rpcErr)
	}
	if rpcErr.Data.Kind != mcp.KindInsufficientScope {
		t.Errorf("kind = %q", rpcErr.Data.Kind)
	}
	if rpcErr.Data.Scope != "mcp:tool:secret_tool:execute" {
		t.Errorf("scope = %q", rpcErr.Data.Scope)
	}

	// Composite tool scope covers it.
	covering := &oauth.Token{Scopes: []string{"mcp:tool"}}
	if _, rpcErr := d.Dispatch(context.Background(), callReq("secret_tool", `{}`), CallMeta{Token: covering, EnforceScopes: true}); rpcErr != nil {
		t.Fatalf("covering scope rejected: %v", rpcErr)
	}

	// Stdio path skips scope checks entirely.
	if _, rpcErr := d.Dispatch(context.Background(), callReq("secret_tool", `{}`), CallMeta{}); rpcErr != nil {
		t.Fatalf("stdio dispatch rejected: %v", rpcErr)
	}
}

func TestDispatchCaching(t *testing.T) {
	d := testDispatcher(t)
	var calls atomic.Int64
	d.reg.Register(&Spec{
		Name:      "counted",
		Cacheable: true,
		Input:     &Schema{Fields: []Field{{Name: "q", Type: "string"}}},
		Handler: func(_ context.Context, _ *Call) (*mcp.CallToolResult, error) {
			calls.Add(1)
			return mcp.TextResult("v", nil), nil
		},
	})

	var wg sync.WaitGroup
	for range 10 {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if _, rpcErr := d.Dispatch(context.Background(), callReq("counted", `{"q":"a"}`), CallMeta{}); rpcErr != nil {
				t.Error(rpcErr)
			}
		}()
	}
	wg.Wait()

	if got := calls.Load(); got != 1 {
		t.Fatalf("handler ran %d times; want 1", got)
	}

	// Different args miss.
	if _, rpcErr := d.Dispatch(context.Background(), callReq("counted", `{"q":"b"}`), CallMeta{}); rpcErr != nil {
		t.Fatal(rpcErr)
	}
	if got := calls.Load(); got != 2 {
		t.Fatalf("handler ran %d times; want 2", got)
	}
}

func TestDispatchErrorsNotCached(t *testing.T) {
	d := testDispatcher(t)
	var calls atomic.Int64
	d.reg.Register(&Spec{
		Name:      "flaky",
		Cacheable: true,
		Handler: func(_ context.Context, _ *Call) (*mcp.CallToolResult, error) {
			if calls.Add(1) == 1 {
				return nil, errors.New("upstream hiccup")
			}
			return mcp.TextResult("ok", nil), nil
		},
	})

	if _, rpcErr := d.Dispatch(context.Background(), callReq("flaky", `{}`), CallMeta{}); rpcErr == nil {
		t.Fatal("first call should fail")
	}
	if _, rpcErr := d.Dispatch(context.Background(), callReq("flaky", `{}`), CallMeta{}); rpcErr != nil {
		t.Fatalf("second call: %v", rpcErr)
	}
	if got := calls.Load(); got != 2 {
		t.Fatalf("handler ran %d times; want 2", got)
	}
}

func TestDispatchErrorResultsNotCached(t *testing.T) {
	d := testDispatcher(t)
	var calls atomic.Int64
	d.reg.Register(&Spec{
		Name:      "transcript",
		Cacheable: true,
		Input:     &Schema{Fields: []Field{{Name: "video", Type: "string"}}},
		Handler: func(_ context.Context, _ *Call) (*mcp.CallToolResult, error) {
			if calls.Add(1) == 1 {
				out := mcp.TextResult("transcript error RATE_LIMITED: slow down", nil)
				out.IsError = true
				return out, nil
			}
			return mcp.TextResult("the transcript", nil), nil
		},
	})

	raw, rpcErr := d.Dispatch(context.Background(), callReq("transcript", `{"video":"abc"}`), CallMeta{})
	if rpcErr != nil {
		t.Fatal(rpcErr)
	}
	var first mcp.CallToolResult
	if err := json.Unmarshal(raw, &first); err != nil {
		t.Fatal(err)
	}
	if !first.IsError {
		t.Fatal("first call should surface the error result")
	}

	// The error result must not have been admitted; the retry runs the
	// handler again and succeeds.
	raw, rpcErr = d.Dispatch(context.Background(), callReq("transcript", `{"video":"abc"}`), CallMeta{})
	if rpcErr != nil {
		t.Fatal(rpcErr)
	}
	var second mcp.CallToolResult
	if err := json.Unmarshal(raw, &second); err != nil {
		t.Fatal(err)
	}
	if second.IsError || second.Content[0].Text != "the transcript" {
		t.Fatalf("second call = %+v; want the fresh transcript", second)
	}
	if got := calls.Load(); got != 2 {
		t.Fatalf("handler ran %d times; want 2", got)
	}

	// The success is cached as usual.
	if _, rpcErr := d.Dispatch(context.Background(), callReq("transcript", `{"video":"abc"}`), CallMeta{}); rpcErr != nil {
		t.Fatal(rpcErr)
	}
	if got := calls.Load(); got != 2 {
		t.Fatalf("handler ran %d times after hit; want 2", got)
	}
}

func TestDispatchTimeout(t *testing.T) {
	d := testDispatcher(t)
	d.reg.Register(&Spec{
		Name:    "slow",
		Timeout: 20 * time.Millisecond,
		Handler: func(ctx context.Context, _ *Call) (*mcp.CallToolResult, error) {
			select {
			case <-time.After(time.Second):
				return mcp.TextResult("late", nil), nil
			case <-ctx.Done():
				return nil, ctx.Err()
			}
		},
	})

	_, rpcErr := d.Dispatch(context.Background(), callReq("slow", `{}`), CallMeta{})
	if rpcErr == nil || rpcErr.Code != mcp.CodeTimeout {
		t.Fatalf("err = %v; want timeout", rpcErr)
	}
	if rpcErr.Data.Kind != mcp.KindUpstreamTimeout {
		t.Errorf("kind = %q", rpcErr.Data.Kind)
	}
}

func TestDispatchCircuitBreaker(t *testing.T) {
	d := testDispatcher(t)
	d.reg.Register(&Spec{
		Name: "failing",
		Handler: func(_ context.Context, _ *Call) (*mcp.CallToolResult, error) {
			return nil, errors.New("boom")
		},
	})

	// Threshold is 3 in testDispatcher.
	for range 3 {
		if _, rpcErr := d.Dispatch(context.Background(), callReq("failing", `{}`), CallMeta{}); rpcErr == nil {
			t.Fatal("expected failure")
		}
	}

	_, rpcErr := d.Dispatch(context.Background(), callReq("failing", `{}`), CallMeta{})
	if rpcErr == nil || rpcErr.Code != mcp.CodeCircuitOpen {
		t.Fatalf("err = %v; want circuit open", rpcErr)
	}
}

func TestMapError(t *testing.T) {
	tests := []struct {
		name string
		err  error
		code int
		kind string
	}{
		{"breaker", breaker.ErrOpen, mcp.CodeCircuitOpen, mcp.KindCircuitOpen},
		{"deadline", context.DeadlineExceeded, mcp.CodeTimeout, mcp.KindUpstreamTimeout},
		{"url", &urlcheck.RejectedError{URL: "http://x", Rule: urlcheck.RuleMetadata}, mcp.CodeURLRejected, mcp.KindURLRejected},
		{"wrapped url", errors.Join(errors.New("outer"), &urlcheck.RejectedError{Rule: urlcheck.RulePort}), mcp.CodeURLRejected, mcp.KindURLRejected},
		{"generic", errors.New("weird"), mcp.CodeUpstream, mcp.KindUpstreamFailure},
		{"passthrough", mcp.NewError(mcp.CodeInvalidParams, "x", mcp.KindInvalidParams), mcp.CodeInvalidParams, mcp.KindInvalidParams},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := MapError(tt.err)
			if got.Code != tt.code {
				t.Errorf("code = %d; want %d", got.Code, tt.code)
			}
			if got.Data.Kind != tt.kind {
				t.Errorf("kind = %q; want %q", got.Data.Kind, tt.kind)
			}
		})
	}
}

func TestDispatchResultShape(t *testing.T) {
	d := testDispatcher(t)
	d.reg.Register(&Spec{
		Name: "shaped",
		Handler: func(_ context.Context, _ *Call) (*mcp.CallToolResult, error) {
			return mcp.TextResult("hello", json.RawMessage(`{"k":1}`)), nil
		},
	})

	raw, rpcErr := d.Dispatch(context.Background(), callReq("shaped", `{}`), CallMeta{})
	if rpcErr != nil {
		t.Fatal(rpcErr)
	}
	var result mcp.CallToolResult
	if err := json.Unmarshal(raw, &result); err != nil {
		t.Fatal(err)
	}
	if len(result.Content) != 1 || result.Content[0].Text != "hello" {
		t.Errorf("content = %+v", result.Content)
	}
	if string(result.StructuredContent) != `{"k":1}` {
		t.Errorf("structured = %s", result.StructuredContent)
	}
}
