// Package breaker implements a per-dependency circuit breaker.
package breaker

import (
	"errors"
	"sync"
	"time"
)

// ErrOpen is returned when a dependency's circuit is open and the request
// was short-circuited.
var ErrOpen = errors.New("circuit open")

// State is the circuit state for one dependency.
type State int

const (
	Closed State = iota
	Open
	HalfOpen
)

func (s State) String() string {
	switch s {
	case Closed:
		return "closed"
	case Open:
		return "open"
	case HalfOpen:
		return "half-open"
	default:
		return "unknown"
	}
}

// Config tunes the breaker.
type Config struct {
	Threshold int           // consecutive failures to trip; default 5
	Cooldown  time.Duration // open duration before a probe; default 30s
}

// Breaker tracks independent circuits per named dependency.
type Breaker struct {
	cfg Config
	now func() time.Time

	mu   sync.Mutex
	deps map[string]*circuit
}

type circuit struct {
	state    State
	failures int
	openedAt time.Time
	probing  bool
}

// New creates a Breaker.
func New(cfg Config) *Breaker {
	if cfg.Threshold <= 0 {
		cfg.Threshold = 5
	}
	if cfg.Cooldown <= 0 {
		cfg.Cooldown = 30 * time.Second
	}
	return &Breaker{cfg: cfg, now: time.Now, deps: make(map[string]*circuit)}
}

// Do runs fn under the named dependency's circuit. When the circuit is open
// it returns ErrOpen without calling fn. In half-open state only a single
// probe is admitted; concurrent calls short-circuit.
func (b *Breaker) Do(name string, fn func() error) error {
	if err := b.admit(name); err != nil {
		return err
	}
	err := fn()
	b.record(name, err == nil)
	return err
}

func (b *Breaker) admit(name string) error {
	b.mu.Lock()
	defer b.mu.Unlock()

	c := b.deps[name]
	if c == nil {
		c = &circuit{}
		b.deps[name] = c
	}

	switch c.state {
	case Closed:
		return nil
	case Open:
		if b.now().Sub(c.openedAt) < b.cfg.Cooldown {
			return ErrOpen
		}
		c.state = HalfOpen
		c.probing = true
		return nil
	case HalfOpen:
		if c.probing {
			return ErrOpen
		}
		c.probing = true
		return nil
	}
	return nil
}

func (b *Breaker) record(name string, success bool) {
	b.mu.Lock()
	defer b.mu.Unlock()

	c := b.deps[name]
	if c == nil {
		return
	}

	switch c.state {
	case Closed:
		if success {
			c.failures = 0
			return
		}
		c.failures++
		if c.failures >= b.cfg.Threshold {
			c.state = Open
			c.openedAt = b.now()
		}
	case HalfOpen:
		c.probing = false
		if success {
			c.state = Closed
			c.failures = 0
			return
		}
		c.state = Open
		c.openedAt = b.now()
	}
}

// StateOf reports the current state of a dependency's circuit.
func (b *Breaker) StateOf(name string) State {
	b.mu.Lock()
	defer b.mu.Unlock()

	c := b.deps[name]
	if c == nil {
		return Closed
	}
	if c.state == Open && b.now().Sub(c.openedAt) >= b.cfg.Cooldown {
		return HalfOpen
	}
	return c.state
}

// Snapshot returns the state of every tracked dependency.
func (b *Breaker) Snapshot() map[string]string {
	b.mu.Lock()
	defer b.mu.Unlock()

	out := make(map[string]string, len(b.deps))
	for name, c := range b.deps {
		out[name] = c.state.String()
	}
	return out
}
