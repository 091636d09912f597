// Package gateway binds sessions to transports and dispatches MCP methods.
package gateway

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"
)

// Session is one client connection. The session id doubles as the event
// store stream id, so it must never contain an underscore; uuid strings
// satisfy that.
type Session struct {
	ID         string
	CreatedAt  time.Time
	LastSeenAt time.Time
	Subject    string // OAuth sub, "" when auth is disabled
}

// SessionManager issues and tracks sessions.
type SessionManager struct {
	idleTimeout time.Duration
	onEvict     func(sessionID string)

	mu       sync.Mutex
	sessions map[string]*Session
}

// NewSessionManager creates a manager. onEvict (optional) runs for every
// session removed by Delete, idle expiry, or Drain.
func NewSessionManager(idleTimeout time.Duration, onEvict func(sessionID string)) *SessionManager {
	if idleTimeout <= 0 {
		idleTimeout = 30 * time.Minute
	}
	return &SessionManager{
		idleTimeout: idleTimeout,
		onEvict:     onEvict,
		sessions:    make(map[string]*Session),
	}
}

// Create issues a new session.
func (m *SessionManager) Create(subject string) *Session {
	now := time.Now()
	s := &Session{
		ID:         uuid.NewString(),
		CreatedAt:  now,
		LastSeenAt: now,
		Subject:    subject,
	}
	m.mu.Lock()
	m.sessions[s.ID] = s
	m.mu.Unlock()

	slog.Info("session created", "session_id", s.ID, "subject", subject)
	return s
}

// Get returns the session and refreshes its idle deadline. An idle-expired
// session is evicted and reported as absent.
func (m *SessionManager) Get(id string) (*Session, bool) {
	if id == "" {
		return nil, false
	}

	m.mu.Lock()
	s, ok := m.sessions[id]
	if ok && time.Since(s.LastSeenAt) > m.idleTimeout {
		delete(m.sessions, id)
		m.mu.Unlock()
		m.evicted(id, "idle")
		return nil, false
	}
	if ok {
		s.LastSeenAt = time.Now()
	}
	m.mu.Unlock()
	return s, ok
}

// Delete tears a session down, reporting whether it existed.
func (m *SessionManager) Delete(id string) bool {
	m.mu.Lock()
	_, ok := m.sessions[id]
	delete(m.sessions, id)
	m.mu.Unlock()

	if ok {
		m.evicted(id, "deleted")
	}
	return ok
}

// Len returns the number of live sessions.
func (m *SessionManager) Len() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.sessions)
}

// StartReaper evicts idle sessions on an interval until ctx is done.
func (m *SessionManager) StartReaper(ctx context.Context, interval time.Duration) {
	if interval <= 0 {
		interval = time.Minute
	}
	ticker := time.NewTicker(interval)
	go func() {
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				m.reapIdle()
			}
		}
	}()
}

func (m *SessionManager) reapIdle() {
	now := time.Now()
	var expired []string

	m.mu.Lock()
	for id, s := range m.sessions {
		if now.Sub(s.LastSeenAt) > m.idleTimeout {
			delete(m.sessions, id)
			expired = append(expired, id)
		}
	}
	m.mu.Unlock()

	for _, id := range expired {
		m.evicted(id, "idle")
	}
}

// Drain removes every session on shutdown.
func (m *SessionManager) Drain() {
	m.mu.Lock()
	ids := make([]string, 0, len(m.sessions))
	for id := range m.sessions {
		ids = append(ids, id)
	}
	m.sessions = make(map[string]*Session)
	m.mu.Unlock()

	for _, id := range ids {
		m.evicted(id, "shutdown")
	}
}

func (m *SessionManager) evicted(id, reason string) {
	slog.Info("session closed", "session_id", id, "reason", reason)
	if m.onEvict != nil {
		m.onEvict(id)
	}
}
