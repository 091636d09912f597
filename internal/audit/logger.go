package audit

import (
	"context"
	"encoding/json"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"
)

// Record is a single audit entry: a tool call, an auth decision, or an
// event-store access.
type Record struct {
	ID             string          `json:"id"`
	Timestamp      time.Time       `json:"timestamp"`
	Action         string          `json:"action"`
	SessionID      string          `json:"session_id,omitempty"`
	Subject        string          `json:"subject,omitempty"`
	StreamID       string          `json:"stream_id,omitempty"`
	ToolName       string          `json:"tool_name,omitempty"`
	ParamsRedacted json.RawMessage `json:"params,omitempty"`
	Status         string          `json:"status"`
	ErrorKind      string          `json:"error_kind,omitempty"`
	ErrorMessage   string          `json:"error_message,omitempty"`
	LatencyMs      int             `json:"latency_ms,omitempty"`
	ResponseSize   int             `json:"response_size,omitempty"`
}

// Logger writes audit records with parameter redaction. Records go to the
// structured log and, when a bus is attached, to live SSE subscribers. A
// bounded in-memory ring is kept for the admin surface.
type Logger struct {
	bus *Bus

	mu   sync.Mutex
	ring []*Record
	next int
}

const ringSize = 512

// NewLogger creates an audit Logger. The bus parameter is optional (nil-safe).
func NewLogger(bus *Bus) *Logger {
	return &Logger{bus: bus, ring: make([]*Record, 0, ringSize)}
}

// Record redacts sensitive parameters and emits the audit record.
func (l *Logger) Record(_ context.Context, rec *Record) error {
	if rec.ID == "" {
		rec.ID = uuid.NewString()
	}
	if rec.Timestamp.IsZero() {
		rec.Timestamp = time.Now()
	}
	if len(rec.ParamsRedacted) > 0 {
		rec.ParamsRedacted = Redact(rec.ParamsRedacted, nil)
	}

	slog.Info("audit",
		"action", rec.Action,
		"status", rec.Status,
		"session_id", rec.SessionID,
		"subject", rec.Subject,
		"tool", rec.ToolName,
		"error_kind", rec.ErrorKind,
		"latency_ms", rec.LatencyMs,
	)

	l.mu.Lock()
	if len(l.ring) < ringSize {
		l.ring = append(l.ring, rec)
	} else {
		l.ring[l.next] = rec
		l.next = (l.next + 1) % ringSize
	}
	l.mu.Unlock()

	if l.bus != nil {
		l.bus.Publish(rec)
	}
	return nil
}

// Recent returns up to n audit records, newest first.
func (l *Logger) Recent(n int) []*Record {
	l.mu.Lock()
	defer l.mu.Unlock()

	out := make([]*Record, 0, n)
	total := len(l.ring)
	if total == 0 {
		return out
	}
	start := l.next
	if len(l.ring) < ringSize {
		start = len(l.ring)
	}
	for i := 0; i < total && len(out) < n; i++ {
		idx := (start - 1 - i + total) % total
		out = append(out, l.ring[idx])
	}
	return out
}
