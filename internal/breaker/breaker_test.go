package breaker

import (
	"errors"
	"testing"
	"time"
)

var errFail = errors.New("dependency failed")

func fail() error    { return errFail }
func succeed() error { return nil }

// fakeClock lets tests advance time without sleeping.
type fakeClock struct{ t time.Time }

func (f *fakeClock) now() time.Time { return f.t }

func newTestBreaker(threshold int, cooldown time.Duration) (*Breaker, *fakeClock) {
	b := New(Config{Threshold: threshold, Cooldown: cooldown})
	clock := &fakeClock{t: time.Unix(1700000000, 0)}
	b.now = clock.now
	return b, clock
}

func TestBreaker_TripsAfterThreshold(t *testing.T) {
	b, _ := newTestBreaker(3, 30*time.Second)

	for i := 0; i < 3; i++ {
		if err := b.Do("dep", fail); !errors.Is(err, errFail) {
			t.Fatalf("call %d: %v", i, err)
		}
	}
	if err := b.Do("dep", succeed); !errors.Is(err, ErrOpen) {
		t.Fatalf("expected ErrOpen after threshold, got %v", err)
	}
}

func TestBreaker_SuccessResetsCounter(t *testing.T) {
	b, _ := newTestBreaker(3, 30*time.Second)

	b.Do("dep", fail)
	b.Do("dep", fail)
	b.Do("dep", succeed)
	b.Do("dep", fail)
	b.Do("dep", fail)

	if err := b.Do("dep", succeed); err != nil {
		t.Fatalf("circuit tripped despite reset: %v", err)
	}
}

func TestBreaker_HalfOpenProbe(t *testing.T) {
	b, clock := newTestBreaker(1, 30*time.Second)

	b.Do("dep", fail)
	if err := b.Do("dep", succeed); !errors.Is(err, ErrOpen) {
		t.Fatal("expected open circuit")
	}

	// Cooldown elapses: one probe is admitted and succeeds.
	clock.t = clock.t.Add(31 * time.Second)
	if err := b.Do("dep", succeed); err != nil {
		t.Fatalf("probe rejected: %v", err)
	}
	if got := b.StateOf("dep"); got != Closed {
		t.Fatalf("state = %v; want closed after successful probe", got)
	}
}

func TestBreaker_FailedProbeReopens(t *testing.T) {
	b, clock := newTestBreaker(1, 30*time.Second)

	b.Do("dep", fail)
	clock.t = clock.t.Add(31 * time.Second)
	if err := b.Do("dep", fail); !errors.Is(err, errFail) {
		t.Fatalf("probe: %v", err)
	}
	// Reopened with a fresh cooldown.
	if err := b.Do("dep", succeed); !errors.Is(err, ErrOpen) {
		t.Fatalf("expected reopened circuit, got %v", err)
	}
	clock.t = clock.t.Add(31 * time.Second)
	if err := b.Do("dep", succeed); err != nil {
		t.Fatalf("second probe: %v", err)
	}
}

func TestBreaker_IndependentDependencies(t *testing.T) {
	b, _ := newTestBreaker(1, 30*time.Second)

	b.Do("google_search", fail)
	if err := b.Do("google_search", succeed); !errors.Is(err, ErrOpen) {
		t.Fatal("google_search should be open")
	}
	if err := b.Do("scrape:example.com", succeed); err != nil {
		t.Fatalf("unrelated dependency affected: %v", err)
	}
}
