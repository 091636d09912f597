package audit

import (
	"context"
	"encoding/json"
	"testing"
)

func TestRedact(t *testing.T) {
	cases := []struct {
		name  string
		in    string
		hints []string
		want  string
	}{
		{
			"top-level key",
			`{"query":"go","api_key":"sk-123"}`,
			nil,
			`{"api_key":"[REDACTED]","query":"go"}`,
		},
		{
			"nested object",
			`{"config":{"authToken":"abc"},"url":"https://x.test"}`,
			nil,
			`{"config":{"authToken":"[REDACTED]"},"url":"https://x.test"}`,
		},
		{
			"inside array",
			`{"items":[{"password":"p"},{"q":"ok"}]}`,
			nil,
			`{"items":[{"password":"[REDACTED]"},{"q":"ok"}]}`,
		},
		{
			"caller hint",
			`{"sessionKey":"s1"}`,
			[]string{"sessionkey"},
			`{"sessionKey":"[REDACTED]"}`,
		},
		{
			"nothing sensitive",
			`{"query":"go","limit":5}`,
			nil,
			`{"query":"go","limit":5}`,
		},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			got := Redact(json.RawMessage(tc.in), tc.hints)
			if string(got) != tc.want {
				t.Errorf("Redact = %s, want %s", got, tc.want)
			}
		})
	}
}

func TestRedactIdempotent(t *testing.T) {
	in := json.RawMessage(`{"token":"t"}`)
	once := Redact(in, nil)
	twice := Redact(once, nil)
	if string(once) != string(twice) {
		t.Errorf("second pass changed output: %s vs %s", once, twice)
	}
}

func TestRedactPassthrough(t *testing.T) {
	for _, in := range []string{"", "not json", `"just a string"`, `[1,2,3]`} {
		if got := Redact(json.RawMessage(in), nil); string(got) != in {
			t.Errorf("Redact(%q) = %s", in, got)
		}
	}
}

func TestBusPublishSubscribe(t *testing.T) {
	bus := NewBus()
	ch, cancel := bus.Subscribe()

	bus.Publish(&Record{ID: "r1"})
	rec := <-ch
	if rec.ID != "r1" {
		t.Errorf("record id = %q", rec.ID)
	}

	cancel()
	cancel() // idempotent
	if _, open := <-ch; open {
		t.Error("channel still open after cancel")
	}

	// Publishing with no subscribers must not panic or block.
	bus.Publish(&Record{ID: "r2"})
}

func TestLoggerRecentNewestFirst(t *testing.T) {
	l := NewLogger(nil)
	for _, id := range []string{"a", "b", "c"} {
		if err := l.Record(context.Background(), &Record{ID: id, Action: "tools/call", Status: "ok"}); err != nil {
			t.Fatal(err)
		}
	}

	recent := l.Recent(2)
	if len(recent) != 2 || recent[0].ID != "c" || recent[1].ID != "b" {
		t.Errorf("recent = %+v", recent)
	}
}

func TestLoggerRedactsParams(t *testing.T) {
	l := NewLogger(nil)
	rec := &Record{
		Action:         "tools/call",
		Status:         "ok",
		ParamsRedacted: json.RawMessage(`{"apiKey":"sk-1","q":"go"}`),
	}
	if err := l.Record(context.Background(), rec); err != nil {
		t.Fatal(err)
	}
	if string(rec.ParamsRedacted) != `{"apiKey":"[REDACTED]","q":"go"}` {
		t.Errorf("params = %s", rec.ParamsRedacted)
	}
	if rec.ID == "" || rec.Timestamp.IsZero() {
		t.Error("id/timestamp not filled")
	}
}
