package gateway

import (
	"bufio"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"sync"

	"github.com/quarrylabs/quarry/internal/mcp"
	"github.com/quarrylabs/quarry/internal/tools"
)

// StdioServer serves MCP over stdin/stdout: one JSON-RPC message or batch
// per LF-terminated line. Lines are processed concurrently; each response is
// written atomically as one complete line. Nothing else may write to the
// output writer (logging goes to stderr).
type StdioServer struct {
	handler  *Handler
	sessions *SessionManager

	mu sync.Mutex // serializes output lines
	w  io.Writer
}

// NewStdioServer wires the stdio transport.
func NewStdioServer(h *Handler, sessions *SessionManager) *StdioServer {
	return &StdioServer{handler: h, sessions: sessions}
}

// Run serves stdin/stdout until EOF or ctx cancellation.
func (s *StdioServer) Run(ctx context.Context) error {
	return s.RunConn(ctx, os.Stdin, os.Stdout)
}

const maxLineBytes = 1024 * 1024

// RunConn serves an arbitrary reader/writer pair. One implicit session
// spans the connection's lifetime.
func (s *StdioServer) RunConn(ctx context.Context, r io.Reader, w io.Writer) error {
	s.w = w

	session := s.sessions.Create("")
	defer s.sessions.Delete(session.ID)

	meta := tools.CallMeta{SessionID: session.ID}

	scanner := bufio.NewScanner(r)
	scanner.Buffer(make([]byte, maxLineBytes), maxLineBytes)

	var wg sync.WaitGroup
	defer wg.Wait()

	for scanner.Scan() {
		select {
		case <-ctx.Done():
			return ctx.Err()
		default:
		}

		line := append([]byte(nil), scanner.Bytes()...)
		if len(line) == 0 {
			continue
		}

		wg.Add(1)
		go func() {
			defer wg.Done()
			s.processLine(ctx, line, meta)
		}()
	}
	return scanner.Err()
}

// processLine parses and answers one input line. A batch produces a single
// array response line; notifications produce nothing.
func (s *StdioServer) processLine(ctx context.Context, line []byte, meta tools.CallMeta) {
	reqs, isBatch, parseErr := mcp.ParseBody(line)
	if parseErr != nil {
		s.writeLine(mcp.NewErrorResponse(nil, parseErr))
		return
	}

	if !isBatch {
		if resp := s.handler.Handle(ctx, reqs[0], meta); resp != nil {
			s.writeLine(resp)
		}
		return
	}

	responses := make([]*mcp.Response, 0, len(reqs))
	for _, req := range reqs {
		if resp := s.handler.Handle(ctx, req, meta); resp != nil {
			responses = append(responses, resp)
		}
	}
	// A batch of only notifications gets no response at all.
	if len(responses) > 0 {
		s.writeLine(responses)
	}
}

func (s *StdioServer) writeLine(v any) {
	data, err := json.Marshal(v)
	if err != nil {
		data, _ = json.Marshal(mcp.NewErrorResponse(nil,
			mcp.NewError(mcp.CodeInternalError, fmt.Sprintf("marshal response: %v", err), mcp.KindInternalError)))
	}
	data = append(data, '\n')

	s.mu.Lock()
	defer s.mu.Unlock()
	s.w.Write(data) //nolint:errcheck // a broken pipe ends the scanner loop
}
