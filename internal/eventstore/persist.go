package eventstore

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"sort"
	"time"
)

func (s *Store) initStorage() error {
	if err := os.MkdirAll(s.cfg.StoragePath, 0o700); err != nil {
		return fmt.Errorf("create event storage: %w", err)
	}
	return nil
}

func (s *Store) eventPath(ev *Event) string {
	return filepath.Join(s.cfg.StoragePath, ev.StreamID, ev.ID+".json")
}

// writeEvent persists one event atomically (temp file, fsync, rename).
func (s *Store) writeEvent(ev *Event) error {
	data, err := json.Marshal(ev)
	if err != nil {
		return err
	}
	dir := filepath.Join(s.cfg.StoragePath, ev.StreamID)
	if err := os.MkdirAll(dir, 0o700); err != nil {
		return err
	}

	tmp, err := os.CreateTemp(dir, ".tmp-*")
	if err != nil {
		return err
	}
	tmpName := tmp.Name()
	defer os.Remove(tmpName)

	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		return err
	}
	if err := tmp.Sync(); err != nil {
		tmp.Close()
		return err
	}
	if err := tmp.Close(); err != nil {
		return err
	}
	return os.Rename(tmpName, s.eventPath(ev))
}

func (s *Store) removeEventFile(ev *Event) {
	if err := os.Remove(s.eventPath(ev)); err != nil && !os.IsNotExist(err) {
		slog.Debug("event file remove failed", "event_id", ev.ID, "error", err)
	}
}

// FlushNow writes all dirty events to disk. Failures leave events dirty for
// the next attempt.
func (s *Store) FlushNow() error {
	if s.cfg.StoragePath == "" {
		return nil
	}

	s.mu.Lock()
	pending := make([]*Event, 0, len(s.dirty))
	for _, ev := range s.dirty {
		pending = append(pending, ev)
	}
	s.mu.Unlock()

	var firstErr error
	for _, ev := range pending {
		if err := s.writeEvent(ev); err != nil {
			if firstErr == nil {
				firstErr = err
			}
			s.mu.Lock()
			s.stats.StoreErrors++
			s.mu.Unlock()
			slog.Warn("event flush failed", "event_id", ev.ID, "error", err)
			continue
		}
		s.mu.Lock()
		delete(s.dirty, ev.ID)
		s.mu.Unlock()
	}
	return firstErr
}

// StartFlusher persists dirty events on an interval until ctx is done, then
// runs a final synchronous flush.
func (s *Store) StartFlusher(ctx context.Context, interval time.Duration) {
	if s.cfg.StoragePath == "" {
		return
	}
	if interval <= 0 {
		interval = 30 * time.Second
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			if err := s.FlushNow(); err != nil {
				slog.Warn("event store final flush", "error", err)
			}
			return
		case <-ticker.C:
			_ = s.FlushNow()
		}
	}
}

// loadStreamFromDisk restores a stream's persisted events into memory.
// Already-indexed events are left alone; corrupt files are skipped.
func (s *Store) loadStreamFromDisk(streamID string) {
	dir := filepath.Join(s.cfg.StoragePath, streamID)
	files, err := os.ReadDir(dir)
	if err != nil {
		return
	}

	loaded := make([]*Event, 0, len(files))
	for _, f := range files {
		if f.IsDir() || filepath.Ext(f.Name()) != ".json" {
			continue
		}
		data, err := os.ReadFile(filepath.Join(dir, f.Name()))
		if err != nil {
			continue
		}
		var ev Event
		if err := json.Unmarshal(data, &ev); err != nil {
			slog.Warn("skipping corrupt event file", "path", f.Name(), "error", err)
			continue
		}
		if ev.ID == "" || ev.StreamID != streamID {
			continue
		}
		loaded = append(loaded, &ev)
	}
	if len(loaded) == 0 {
		return
	}

	// Directory order is arbitrary; the persisted seq carries the original
	// insertion order, so same-millisecond events replay as first written.
	sort.SliceStable(loaded, func(i, j int) bool {
		if loaded[i].Timestamp != loaded[j].Timestamp {
			return loaded[i].Timestamp < loaded[j].Timestamp
		}
		return loaded[i].Seq < loaded[j].Seq
	})

	s.mu.Lock()
	for _, ev := range loaded {
		if _, exists := s.index[ev.ID]; exists {
			continue
		}
		ev.Seq = s.nextSeq
		s.nextSeq++
		s.streams[streamID] = append(s.streams[streamID], ev)
		s.index[ev.ID] = ev
		s.total++
	}
	// Disk order is directory order; restore timestamp order so caps and
	// replay see the stream as originally written.
	events := s.streams[streamID]
	for i := 1; i < len(events); i++ {
		for j := i; j > 0 && events[j].Timestamp < events[j-1].Timestamp; j-- {
			events[j], events[j-1] = events[j-1], events[j]
		}
	}
	s.enforceCapsLocked(streamID)
	s.mu.Unlock()
}

// diskBytes sums the size of persisted event files. Called with s.mu held.
func (s *Store) diskBytes() int64 {
	if s.cfg.StoragePath == "" {
		return 0
	}
	var total int64
	_ = filepath.WalkDir(s.cfg.StoragePath, func(path string, d os.DirEntry, err error) error {
		if err != nil || d.IsDir() {
			return nil
		}
		if info, err := d.Info(); err == nil {
			total += info.Size()
		}
		return nil
	})
	return total
}
