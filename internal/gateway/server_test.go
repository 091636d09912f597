package gateway

import (
	"bytes"
	"context"
	"encoding/json"
	"strings"
	"testing"
	"time"

	"github.com/quarrylabs/quarry/internal/mcp"
)

func runStdio(t *testing.T, input string) []string {
	t.Helper()

	h, _ := testHandler(t)
	sessions := NewSessionManager(time.Minute, nil)
	srv := NewStdioServer(h, sessions)

	var out bytes.Buffer
	if err := srv.RunConn(context.Background(), strings.NewReader(input), &out); err != nil {
		t.Fatal(err)
	}
	if sessions.Len() != 0 {
		t.Errorf("implicit session leaked, Len = %d", sessions.Len())
	}

	var lines []string
	for _, line := range strings.Split(out.String(), "\n") {
		if line != "" {
			lines = append(lines, line)
		}
	}
	return lines
}

// responseByID finds the output line whose id matches want.
func responseByID(t *testing.T, lines []string, want string) *mcp.Response {
	t.Helper()
	for _, line := range lines {
		var resp mcp.Response
		if err := json.Unmarshal([]byte(line), &resp); err != nil {
			t.Fatalf("bad output line %q: %v", line, err)
		}
		if string(resp.ID) == want {
			return &resp
		}
	}
	t.Fatalf("no response with id %s in %v", want, lines)
	return nil
}

func TestStdioRequestResponse(t *testing.T) {
	lines := runStdio(t,
		`{"jsonrpc":"2.0","id":1,"method":"ping"}`+"\n"+
			`{"jsonrpc":"2.0","id":2,"method":"tools/call","params":{"name":"echo","arguments":{"text":"hello"}}}`+"\n")

	if len(lines) != 2 {
		t.Fatalf("lines = %d: %v", len(lines), lines)
	}

	ping := responseByID(t, lines, "1")
	if ping.Error != nil || string(ping.Result) != "{}" {
		t.Errorf("ping = %+v", ping)
	}

	call := responseByID(t, lines, "2")
	if call.Error != nil {
		t.Fatalf("call error: %v", call.Error)
	}
	var result mcp.CallToolResult
	if err := json.Unmarshal(call.Result, &result); err != nil {
		t.Fatal(err)
	}
	if len(result.Content) != 1 || result.Content[0].Text != "hello" {
		t.Errorf("result = %+v", result)
	}
}

func TestStdioParseError(t *testing.T) {
	lines := runStdio(t, "{not json\n")
	if len(lines) != 1 {
		t.Fatalf("lines = %v", lines)
	}

	var resp mcp.Response
	if err := json.Unmarshal([]byte(lines[0]), &resp); err != nil {
		t.Fatal(err)
	}
	if resp.Error == nil || resp.Error.Code != mcp.CodeParseError {
		t.Fatalf("resp = %+v", resp)
	}
	if string(resp.ID) != "null" {
		t.Errorf("id = %s, want null", resp.ID)
	}
}

func TestStdioEmptyBatch(t *testing.T) {
	lines := runStdio(t, "[]\n")
	if len(lines) != 1 {
		t.Fatalf("lines = %v", lines)
	}

	var resp mcp.Response
	if err := json.Unmarshal([]byte(lines[0]), &resp); err != nil {
		t.Fatal(err)
	}
	if resp.Error == nil || resp.Error.Code != mcp.CodeInvalidRequest {
		t.Fatalf("resp = %+v", resp)
	}
	if resp.Error.Message != "Invalid Request: Empty batch" {
		t.Errorf("message = %q", resp.Error.Message)
	}
}

func TestStdioBatch(t *testing.T) {
	lines := runStdio(t,
		`[{"jsonrpc":"2.0","id":1,"method":"ping"},`+
			`{"jsonrpc":"2.0","method":"notifications/initialized"},`+
			`{"jsonrpc":"2.0","id":2,"method":"ping"}]`+"\n")
	if len(lines) != 1 {
		t.Fatalf("batch must answer on one line, got %v", lines)
	}

	var batch []mcp.Response
	if err := json.Unmarshal([]byte(lines[0]), &batch); err != nil {
		t.Fatalf("output not a JSON array: %v", err)
	}
	// The notification contributes no response.
	if len(batch) != 2 {
		t.Fatalf("batch responses = %d, want 2", len(batch))
	}
}

func TestStdioNotificationsSilent(t *testing.T) {
	lines := runStdio(t, `{"jsonrpc":"2.0","method":"notifications/initialized"}`+"\n")
	if len(lines) != 0 {
		t.Fatalf("notification produced output: %v", lines)
	}
}

func TestStdioBlankLinesIgnored(t *testing.T) {
	lines := runStdio(t, "\n\n"+`{"jsonrpc":"2.0","id":1,"method":"ping"}`+"\n\n")
	if len(lines) != 1 {
		t.Fatalf("lines = %v", lines)
	}
}
