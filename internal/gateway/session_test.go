package gateway

import (
	"strings"
	"testing"
	"time"
)

func TestSessionLifecycle(t *testing.T) {
	m := NewSessionManager(time.Minute, nil)

	s := m.Create("user-1")
	if s.ID == "" || strings.Contains(s.ID, "_") {
		t.Fatalf("bad session id %q", s.ID)
	}
	if s.Subject != "user-1" {
		t.Errorf("subject = %q", s.Subject)
	}

	got, ok := m.Get(s.ID)
	if !ok || got.ID != s.ID {
		t.Fatal("session not found after Create")
	}
	if _, ok := m.Get("nope"); ok {
		t.Error("unknown id resolved")
	}
	if _, ok := m.Get(""); ok {
		t.Error("empty id resolved")
	}

	if !m.Delete(s.ID) {
		t.Error("Delete reported missing")
	}
	if m.Delete(s.ID) {
		t.Error("second Delete reported present")
	}
	if _, ok := m.Get(s.ID); ok {
		t.Error("session survived Delete")
	}
}

func TestSessionIdleExpiry(t *testing.T) {
	evicted := make(chan string, 1)
	m := NewSessionManager(10*time.Millisecond, func(id string) { evicted <- id })

	s := m.Create("")
	time.Sleep(30 * time.Millisecond)

	if _, ok := m.Get(s.ID); ok {
		t.Fatal("idle session still resolvable")
	}
	select {
	case id := <-evicted:
		if id != s.ID {
			t.Errorf("evicted %q, want %q", id, s.ID)
		}
	default:
		t.Error("onEvict not called")
	}
}

func TestSessionGetRefreshesDeadline(t *testing.T) {
	m := NewSessionManager(50*time.Millisecond, nil)
	s := m.Create("")

	for i := 0; i < 4; i++ {
		time.Sleep(20 * time.Millisecond)
		if _, ok := m.Get(s.ID); !ok {
			t.Fatalf("session expired despite activity (iteration %d)", i)
		}
	}
}

func TestSessionDrain(t *testing.T) {
	var evicted []string
	m := NewSessionManager(time.Minute, func(id string) { evicted = append(evicted, id) })

	m.Create("")
	m.Create("")
	if m.Len() != 2 {
		t.Fatalf("Len = %d", m.Len())
	}

	m.Drain()
	if m.Len() != 0 {
		t.Errorf("Len after Drain = %d", m.Len())
	}
	if len(evicted) != 2 {
		t.Errorf("onEvict calls = %d, want 2", len(evicted))
	}
}
