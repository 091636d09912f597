// Package eventstore keeps an append-only, per-stream ordered log of
// JSON-RPC messages so SSE clients can replay missed events after a
// reconnect. Events live in memory with an optional disk image; caps and a
// TTL bound both.
package eventstore

import (
	"context"
	"crypto/rand"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"log/slog"
	"sort"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/quarrylabs/quarry/internal/audit"
)

// Event is one stored JSON-RPC message on a stream.
type Event struct {
	ID        string          `json:"eventId"`
	StreamID  string          `json:"streamId"`
	Message   json.RawMessage `json:"message"`
	Timestamp int64           `json:"timestamp"` // unix millis at store time
	Metadata  *Metadata       `json:"metadata,omitempty"`
	Seq       uint64          `json:"seq"` // insertion order tiebreak, persisted so restarts keep it
}

// Metadata carries optional per-event attributes.
type Metadata struct {
	UserID string `json:"userId,omitempty"`
}

// Authorizer decides whether a user may replay a stream.
type Authorizer func(streamID, userID string) bool

// Config configures a Store.
type Config struct {
	StoragePath        string // "" disables persistence
	MaxEventsPerStream int    // default 1000
	MaxEventsTotal     int    // default 10000
	TTL                time.Duration // default 24h; 0 reaps everything
	TTLSet             bool          // distinguishes an explicit 0 from unset
	CriticalStreams    []string      // persisted synchronously on store
	Cipher             *MessageCipher
	Authorizer         Authorizer
	Audit              *audit.Logger
}

// Stats is a snapshot of event store counters.
type Stats struct {
	TotalEvents     int    `json:"total_events"`
	StreamCount     int    `json:"stream_count"`
	BytesOnDisk     int64  `json:"bytes_on_disk"`
	ReplayHits      int64  `json:"replay_hits"`
	ReplayMisses    int64  `json:"replay_misses"`
	StoreErrors     int64  `json:"store_errors"`
	EvictedByCap    int64  `json:"evicted_by_cap"`
	EvictedByTTL    int64  `json:"evicted_by_ttl"`
	OldestTimestamp int64  `json:"oldest_timestamp,omitempty"`
	NewestTimestamp int64  `json:"newest_timestamp,omitempty"`
	Encrypted       bool   `json:"encrypted"`
	StoragePath     string `json:"storage_path,omitempty"`
}

// Store is the per-stream event log.
type Store struct {
	cfg      Config
	critical map[string]bool

	mu      sync.Mutex
	streams map[string][]*Event
	index   map[string]*Event
	total   int
	nextSeq uint64
	dirty   map[string]*Event // eventID -> event awaiting disk write
	subs    map[string]map[chan *Event]bool
	stats   Stats
}

// New creates a Store and prepares the storage directory when configured.
func New(cfg Config) (*Store, error) {
	if cfg.MaxEventsPerStream <= 0 {
		cfg.MaxEventsPerStream = 1000
	}
	if cfg.MaxEventsTotal <= 0 {
		cfg.MaxEventsTotal = 10000
	}
	if cfg.TTL <= 0 && !cfg.TTLSet {
		cfg.TTL = 24 * time.Hour
	}

	s := &Store{
		cfg:      cfg,
		critical: make(map[string]bool, len(cfg.CriticalStreams)),
		streams:  make(map[string][]*Event),
		index:    make(map[string]*Event),
		dirty:    make(map[string]*Event),
		subs:     make(map[string]map[chan *Event]bool),
	}
	for _, id := range cfg.CriticalStreams {
		s.critical[id] = true
	}

	if cfg.StoragePath != "" {
		if err := s.initStorage(); err != nil {
			return nil, err
		}
	}
	return s, nil
}

// sanitizeHints names the fields redacted before storage, beyond the
// audit package's global patterns.
var sanitizeHints = []string{"password", "token", "apiKey", "credentials"}

// StoreEvent appends a message to a stream and returns the new event id.
// The message is sanitized and, when a cipher is configured, encrypted at
// rest. Persistence failures never fail the call; they are logged, audited,
// and counted.
func (s *Store) StoreEvent(ctx context.Context, streamID string, message json.RawMessage, userID string) (string, error) {
	if streamID == "" {
		return "", fmt.Errorf("empty stream id")
	}
	if strings.Contains(streamID, "_") {
		return "", fmt.Errorf("stream id %q must not contain underscores", streamID)
	}

	clean := audit.Redact(message, sanitizeHints)

	stored := clean
	if s.cfg.Cipher != nil {
		wrapped, err := s.cfg.Cipher.Wrap(clean)
		if err != nil {
			return "", fmt.Errorf("encrypt event: %w", err)
		}
		stored = wrapped
	}

	now := time.Now().UnixMilli()
	id := streamID + "_" + strconv.FormatInt(now, 10) + "_" + randHex(4)

	ev := &Event{
		ID:        id,
		StreamID:  streamID,
		Message:   stored,
		Timestamp: now,
	}
	if userID != "" {
		ev.Metadata = &Metadata{UserID: userID}
	}

	s.mu.Lock()
	ev.Seq = s.nextSeq
	s.nextSeq++
	s.streams[streamID] = append(s.streams[streamID], ev)
	s.index[id] = ev
	s.total++
	s.enforceCapsLocked(streamID)
	syncWrite := s.critical[streamID]
	if s.cfg.StoragePath != "" && !syncWrite {
		s.dirty[id] = ev
	}
	subs := s.subscribersLocked(streamID)
	s.mu.Unlock()

	if s.cfg.StoragePath != "" && syncWrite {
		if err := s.writeEvent(ev); err != nil {
			s.recordStoreError(ctx, streamID, userID, err)
		}
	}

	// Live subscribers get the plaintext message.
	if len(subs) > 0 {
		live := &Event{ID: id, StreamID: streamID, Message: clean, Timestamp: now}
		for _, ch := range subs {
			select {
			case ch <- live:
			default:
			}
		}
	}
	return id, nil
}

func (s *Store) recordStoreError(ctx context.Context, streamID, userID string, err error) {
	s.mu.Lock()
	s.stats.StoreErrors++
	s.mu.Unlock()
	slog.Error("event store write failed", "stream_id", streamID, "error", err)
	if s.cfg.Audit != nil {
		_ = s.cfg.Audit.Record(ctx, &audit.Record{
			Action:       "event_store",
			StreamID:     streamID,
			Subject:      userID,
			Status:       "error",
			ErrorMessage: err.Error(),
		})
	}
}

// enforceCapsLocked applies the per-stream cap then the global cap,
// dropping oldest events first.
func (s *Store) enforceCapsLocked(streamID string) {
	for len(s.streams[streamID]) > s.cfg.MaxEventsPerStream {
		s.dropOldestLocked(streamID)
	}
	for s.total > s.cfg.MaxEventsTotal {
		oldest := ""
		var oldestTS int64
		for id, events := range s.streams {
			if len(events) == 0 {
				continue
			}
			if oldest == "" || events[0].Timestamp < oldestTS {
				oldest = id
				oldestTS = events[0].Timestamp
			}
		}
		if oldest == "" {
			return
		}
		s.dropOldestLocked(oldest)
	}
}

func (s *Store) dropOldestLocked(streamID string) {
	events := s.streams[streamID]
	if len(events) == 0 {
		return
	}
	ev := events[0]
	s.streams[streamID] = events[1:]
	if len(s.streams[streamID]) == 0 {
		delete(s.streams, streamID)
	}
	delete(s.index, ev.ID)
	delete(s.dirty, ev.ID)
	s.total--
	s.stats.EvictedByCap++
	if s.cfg.StoragePath != "" {
		s.removeEventFile(ev)
	}
}

// StreamIDOf extracts the stream id from an event id. Stream ids contain no
// underscore, so the first segment is always the stream.
func StreamIDOf(eventID string) string {
	id, _, ok := strings.Cut(eventID, "_")
	if !ok {
		return ""
	}
	return id
}

// ReplayEventsAfter calls send for every event on the same stream strictly
// after lastEventID, in timestamp-then-insertion order. It returns the
// stream id, or "" when lastEventID cannot be located or access is denied.
// Per-event failures are logged and skipped, never aborting the replay.
func (s *Store) ReplayEventsAfter(ctx context.Context, lastEventID string, send func(eventID string, message json.RawMessage) error, userID string) string {
	streamID := StreamIDOf(lastEventID)
	if streamID == "" {
		s.countReplay(false)
		return ""
	}

	s.mu.Lock()
	_, known := s.index[lastEventID]
	s.mu.Unlock()

	if !known && s.cfg.StoragePath != "" {
		s.loadStreamFromDisk(streamID)
		s.mu.Lock()
		_, known = s.index[lastEventID]
		s.mu.Unlock()
	}
	if !known {
		s.countReplay(false)
		return ""
	}

	if s.cfg.Authorizer != nil && !s.cfg.Authorizer(streamID, userID) {
		if s.cfg.Audit != nil {
			_ = s.cfg.Audit.Record(ctx, &audit.Record{
				Action:   "event_replay",
				StreamID: streamID,
				Subject:  userID,
				Status:   "denied",
			})
		}
		s.countReplay(false)
		return ""
	}

	s.mu.Lock()
	events := make([]*Event, len(s.streams[streamID]))
	copy(events, s.streams[streamID])
	s.mu.Unlock()

	sort.SliceStable(events, func(i, j int) bool {
		if events[i].Timestamp != events[j].Timestamp {
			return events[i].Timestamp < events[j].Timestamp
		}
		return events[i].Seq < events[j].Seq
	})

	start := -1
	for i, ev := range events {
		if ev.ID == lastEventID {
			start = i
			break
		}
	}
	if start < 0 {
		s.countReplay(false)
		return ""
	}

	s.countReplay(true)
	for _, ev := range events[start+1:] {
		msg := ev.Message
		if s.cfg.Cipher != nil {
			plain, wasEncrypted, err := s.cfg.Cipher.Unwrap(msg)
			if err != nil {
				// Surface a synthetic error for this event; never fall
				// back to the raw ciphertext.
				msg = syntheticDecryptError(ev.ID)
				slog.Error("event decrypt failed during replay", "event_id", ev.ID, "error", err)
			} else if wasEncrypted {
				msg = plain
			}
		}
		if err := send(ev.ID, msg); err != nil {
			slog.Warn("replay send failed, skipping event", "event_id", ev.ID, "error", err)
			continue
		}
	}
	return streamID
}

func syntheticDecryptError(eventID string) json.RawMessage {
	out, _ := json.Marshal(map[string]any{
		"jsonrpc": "2.0",
		"id":      nil,
		"error": map[string]any{
			"code":    -32603,
			"message": "stored event could not be decrypted",
			"data":    map[string]string{"kind": "InternalError", "eventId": eventID},
		},
	})
	return out
}

func (s *Store) countReplay(hit bool) {
	s.mu.Lock()
	if hit {
		s.stats.ReplayHits++
	} else {
		s.stats.ReplayMisses++
	}
	s.mu.Unlock()
}

// DeleteUserEvents removes every event whose metadata carries userID and
// returns the count. Used for audit/GDPR deletion.
func (s *Store) DeleteUserEvents(userID string) int {
	if userID == "" {
		return 0
	}

	s.mu.Lock()
	var removed []*Event
	for streamID, events := range s.streams {
		kept := events[:0]
		for _, ev := range events {
			if ev.Metadata != nil && ev.Metadata.UserID == userID {
				removed = append(removed, ev)
				delete(s.index, ev.ID)
				delete(s.dirty, ev.ID)
				s.total--
				continue
			}
			kept = append(kept, ev)
		}
		if len(kept) == 0 {
			delete(s.streams, streamID)
		} else {
			s.streams[streamID] = kept
		}
	}
	s.mu.Unlock()

	if s.cfg.StoragePath != "" {
		for _, ev := range removed {
			s.removeEventFile(ev)
		}
	}
	return len(removed)
}

// Subscribe registers for live events on a stream. The channel is buffered;
// slow consumers miss events rather than blocking stores.
func (s *Store) Subscribe(streamID string) chan *Event {
	ch := make(chan *Event, 64)
	s.mu.Lock()
	if s.subs[streamID] == nil {
		s.subs[streamID] = make(map[chan *Event]bool)
	}
	s.subs[streamID][ch] = true
	s.mu.Unlock()
	return ch
}

// Unsubscribe removes a live subscription and closes its channel.
func (s *Store) Unsubscribe(streamID string, ch chan *Event) {
	s.mu.Lock()
	if set, ok := s.subs[streamID]; ok && set[ch] {
		delete(set, ch)
		if len(set) == 0 {
			delete(s.subs, streamID)
		}
		close(ch)
	}
	s.mu.Unlock()
}

func (s *Store) subscribersLocked(streamID string) []chan *Event {
	set := s.subs[streamID]
	if len(set) == 0 {
		return nil
	}
	out := make([]chan *Event, 0, len(set))
	for ch := range set {
		out = append(out, ch)
	}
	return out
}

// Stats returns a snapshot of store counters.
func (s *Store) Stats() Stats {
	s.mu.Lock()
	defer s.mu.Unlock()

	st := s.stats
	st.TotalEvents = s.total
	st.StreamCount = len(s.streams)
	st.Encrypted = s.cfg.Cipher != nil
	st.StoragePath = s.cfg.StoragePath
	st.OldestTimestamp, st.NewestTimestamp = 0, 0
	for _, events := range s.streams {
		for _, ev := range events {
			if st.OldestTimestamp == 0 || ev.Timestamp < st.OldestTimestamp {
				st.OldestTimestamp = ev.Timestamp
			}
			if ev.Timestamp > st.NewestTimestamp {
				st.NewestTimestamp = ev.Timestamp
			}
		}
	}
	st.BytesOnDisk = s.diskBytes()
	return st
}

// CleanupExpired removes events older than the TTL and returns the count.
// A TTL of zero reaps everything.
func (s *Store) CleanupExpired() int {
	cutoff := time.Now().Add(-s.cfg.TTL).UnixMilli()

	s.mu.Lock()
	var removed []*Event
	for streamID, events := range s.streams {
		kept := events[:0]
		for _, ev := range events {
			if ev.Timestamp <= cutoff {
				removed = append(removed, ev)
				delete(s.index, ev.ID)
				delete(s.dirty, ev.ID)
				s.total--
				s.stats.EvictedByTTL++
				continue
			}
			kept = append(kept, ev)
		}
		if len(kept) == 0 {
			delete(s.streams, streamID)
		} else {
			s.streams[streamID] = kept
		}
	}
	s.mu.Unlock()

	if s.cfg.StoragePath != "" {
		for _, ev := range removed {
			s.removeEventFile(ev)
		}
	}
	return len(removed)
}

// StartCleanup reaps expired events on an interval until ctx is done.
// The interval is min(1h, ttl/4).
func (s *Store) StartCleanup(ctx context.Context) {
	interval := time.Hour
	if s.cfg.TTL > 0 && s.cfg.TTL/4 < interval {
		interval = s.cfg.TTL / 4
	}
	if interval < time.Second {
		interval = time.Second
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if n := s.CleanupExpired(); n > 0 {
				slog.Debug("event store cleanup", "removed", n)
			}
		}
	}
}

func randHex(n int) string {
	b := make([]byte, n)
	if _, err := rand.Read(b); err != nil {
		// crypto/rand failure is unrecoverable for id generation
		panic(err)
	}
	return hex.EncodeToString(b)
}
