package audit

import "sync"

// Bus fans audit records out to live subscribers. Delivery is best-effort:
// a subscriber that falls behind its channel buffer misses records rather
// than stalling the publisher.
type Bus struct {
	mu     sync.Mutex
	nextID int
	subs   map[int]chan *Record
}

func NewBus() *Bus {
	return &Bus{subs: make(map[int]chan *Record)}
}

// Subscribe returns a buffered record channel and a cancel function that
// removes the subscription and closes the channel. Cancel is idempotent.
func (b *Bus) Subscribe() (<-chan *Record, func()) {
	ch := make(chan *Record, 64)

	b.mu.Lock()
	id := b.nextID
	b.nextID++
	b.subs[id] = ch
	b.mu.Unlock()

	cancel := func() {
		b.mu.Lock()
		if sub, ok := b.subs[id]; ok {
			delete(b.subs, id)
			close(sub)
		}
		b.mu.Unlock()
	}
	return ch, cancel
}

// Publish delivers rec to every subscriber that has buffer space.
func (b *Bus) Publish(rec *Record) {
	b.mu.Lock()
	defer b.mu.Unlock()
	for _, ch := range b.subs {
		select {
		case ch <- rec:
		default:
		}
	}
}
