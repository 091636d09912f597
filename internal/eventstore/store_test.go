package eventstore

import (
	"context"
	"encoding/json"
	"strings"
	"testing"
	"time"
)

func newTestStore(t *testing.T, cfg Config) *Store {
	t.Helper()
	s, err := New(cfg)
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	return s
}

func msg(s string) json.RawMessage { return json.RawMessage(s) }

func TestStoreEvent_IDEncoding(t *testing.T) {
	s := newTestStore(t, Config{})
	ctx := context.Background()

	id, err := s.StoreEvent(ctx, "stream1", msg(`{"jsonrpc":"2.0","method":"x"}`), "")
	if err != nil {
		t.Fatalf("StoreEvent: %v", err)
	}
	if StreamIDOf(id) != "stream1" {
		t.Fatalf("StreamIDOf(%q) = %q; want stream1", id, StreamIDOf(id))
	}
	parts := strings.Split(id, "_")
	if len(parts) != 3 {
		t.Fatalf("id %q has %d parts; want 3", id, len(parts))
	}
}

func TestStoreEvent_RejectsUnderscoreStream(t *testing.T) {
	s := newTestStore(t, Config{})
	if _, err := s.StoreEvent(context.Background(), "bad_stream", msg(`{}`), ""); err == nil {
		t.Fatal("expected error for underscore in stream id")
	}
}

func TestReplayEventsAfter_Order(t *testing.T) {
	s := newTestStore(t, Config{})
	ctx := context.Background()

	var ids []string
	for i := 0; i < 5; i++ {
		id, err := s.StoreEvent(ctx, "s1", msg(`{"n":`+string(rune('0'+i))+`}`), "")
		if err != nil {
			t.Fatal(err)
		}
		ids = append(ids, id)
	}
	// Another stream must not leak into the replay.
	if _, err := s.StoreEvent(ctx, "s2", msg(`{"other":true}`), ""); err != nil {
		t.Fatal(err)
	}

	var got []string
	stream := s.ReplayEventsAfter(ctx, ids[1], func(eventID string, _ json.RawMessage) error {
		got = append(got, eventID)
		return nil
	}, "")
	if stream != "s1" {
		t.Fatalf("stream = %q; want s1", stream)
	}
	if len(got) != 3 {
		t.Fatalf("replayed %d events; want 3", len(got))
	}
	for i, id := range got {
		if id != ids[i+2] {
			t.Fatalf("event %d = %q; want %q", i, id, ids[i+2])
		}
	}
}

func TestReplayEventsAfter_UnknownID(t *testing.T) {
	s := newTestStore(t, Config{})
	stream := s.ReplayEventsAfter(context.Background(), "nope_123_abcd", func(string, json.RawMessage) error {
		t.Fatal("send must not be called")
		return nil
	}, "")
	if stream != "" {
		t.Fatalf("stream = %q; want empty", stream)
	}
}

func TestReplayEventsAfter_AccessDenied(t *testing.T) {
	s := newTestStore(t, Config{
		Authorizer: func(streamID, userID string) bool { return userID == "alice" },
	})
	ctx := context.Background()

	id, err := s.StoreEvent(ctx, "s1", msg(`{}`), "alice")
	if err != nil {
		t.Fatal(err)
	}
	if got := s.ReplayEventsAfter(ctx, id, func(string, json.RawMessage) error { return nil }, "mallory"); got != "" {
		t.Fatalf("denied replay returned %q", got)
	}
	if got := s.ReplayEventsAfter(ctx, id, func(string, json.RawMessage) error { return nil }, "alice"); got != "s1" {
		t.Fatalf("allowed replay returned %q", got)
	}
}

func TestPerStreamCap(t *testing.T) {
	s := newTestStore(t, Config{MaxEventsPerStream: 3})
	ctx := context.Background()

	var first string
	for i := 0; i < 5; i++ {
		id, err := s.StoreEvent(ctx, "s1", msg(`{}`), "")
		if err != nil {
			t.Fatal(err)
		}
		if i == 0 {
			first = id
		}
	}

	st := s.Stats()
	if st.TotalEvents != 3 {
		t.Fatalf("total = %d; want 3", st.TotalEvents)
	}
	if got := s.ReplayEventsAfter(ctx, first, func(string, json.RawMessage) error { return nil }, ""); got != "" {
		t.Fatal("evicted event should not be replayable")
	}
}

func TestGlobalCap(t *testing.T) {
	s := newTestStore(t, Config{MaxEventsPerStream: 100, MaxEventsTotal: 4})
	ctx := context.Background()

	for i := 0; i < 3; i++ {
		if _, err := s.StoreEvent(ctx, "old", msg(`{}`), ""); err != nil {
			t.Fatal(err)
		}
		time.Sleep(2 * time.Millisecond)
	}
	for i := 0; i < 3; i++ {
		if _, err := s.StoreEvent(ctx, "new", msg(`{}`), ""); err != nil {
			t.Fatal(err)
		}
		time.Sleep(2 * time.Millisecond)
	}

	st := s.Stats()
	if st.TotalEvents != 4 {
		t.Fatalf("total = %d; want 4", st.TotalEvents)
	}
}

func TestSanitization(t *testing.T) {
	s := newTestStore(t, Config{})
	ctx := context.Background()

	id, err := s.StoreEvent(ctx, "s1", msg(`{"method":"x","params":{"query":"ok"}}`), "")
	if err != nil {
		t.Fatal(err)
	}
	if _, err := s.StoreEvent(ctx, "s1", msg(`{"method":"y","params":{"apiKey":"sk-123","password":"hunter2"}}`), ""); err != nil {
		t.Fatal(err)
	}

	var replayed json.RawMessage
	s.ReplayEventsAfter(ctx, id, func(_ string, m json.RawMessage) error {
		replayed = m
		return nil
	}, "")

	if strings.Contains(string(replayed), "sk-123") {
		t.Fatalf("api key not redacted: %s", replayed)
	}
	if !strings.Contains(string(replayed), "[REDACTED]") {
		t.Fatalf("expected redaction marker: %s", replayed)
	}
}

func TestDeleteUserEvents(t *testing.T) {
	s := newTestStore(t, Config{})
	ctx := context.Background()

	for i := 0; i < 3; i++ {
		if _, err := s.StoreEvent(ctx, "s1", msg(`{}`), "alice"); err != nil {
			t.Fatal(err)
		}
	}
	if _, err := s.StoreEvent(ctx, "s1", msg(`{}`), "bob"); err != nil {
		t.Fatal(err)
	}

	if n := s.DeleteUserEvents("alice"); n != 3 {
		t.Fatalf("deleted %d; want 3", n)
	}
	if st := s.Stats(); st.TotalEvents != 1 {
		t.Fatalf("remaining = %d; want 1", st.TotalEvents)
	}
}

func TestCleanupExpired_ZeroTTL(t *testing.T) {
	s := newTestStore(t, Config{TTL: 0, TTLSet: true})
	ctx := context.Background()

	if _, err := s.StoreEvent(ctx, "s1", msg(`{}`), ""); err != nil {
		t.Fatal(err)
	}
	time.Sleep(2 * time.Millisecond)
	if n := s.CleanupExpired(); n != 1 {
		t.Fatalf("reaped %d; want 1", n)
	}
}

func TestSubscribe_LiveDelivery(t *testing.T) {
	s := newTestStore(t, Config{})
	ctx := context.Background()

	ch := s.Subscribe("s1")
	defer s.Unsubscribe("s1", ch)

	id, err := s.StoreEvent(ctx, "s1", msg(`{"method":"notify"}`), "")
	if err != nil {
		t.Fatal(err)
	}

	select {
	case ev := <-ch:
		if ev.ID != id {
			t.Fatalf("live event id = %q; want %q", ev.ID, id)
		}
	case <-time.After(time.Second):
		t.Fatal("no live event delivered")
	}
}
