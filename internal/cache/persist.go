package cache

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"time"
)

// diskStore is the on-disk tier. Each entry lives in its own file under
// <root>/namespaces/<ns>/<keyHash>.json and is written atomically
// (temp file, fsync, rename). The in-memory image is authoritative; disk
// failures never fail reads.
type diskStore struct {
	root      string
	encryptor Encryptor
}

// persistedEntry is the JSON file format for a cache entry.
type persistedEntry struct {
	Namespace string    `json:"namespace"`
	KeyHash   string    `json:"keyHash"`
	Value     string    `json:"value"` // base64; may be an age ciphertext
	Encrypted bool      `json:"encrypted,omitempty"`
	CreatedAt time.Time `json:"createdAt"`
	ExpiresAt time.Time `json:"expiresAt"`
	Size      int64     `json:"size"`
}

func newDiskStore(root string, enc Encryptor) (*diskStore, error) {
	if err := os.MkdirAll(filepath.Join(root, "namespaces"), 0o700); err != nil {
		return nil, fmt.Errorf("create cache storage: %w", err)
	}
	return &diskStore{root: root, encryptor: enc}, nil
}

func (d *diskStore) path(key ckey) string {
	return filepath.Join(d.root, "namespaces", key.ns, key.hash+".json")
}

func (d *diskStore) write(e *entry) error {
	value := e.value
	encrypted := false
	if d.encryptor != nil {
		sealed, err := d.encryptor.Encrypt(value)
		if err != nil {
			return fmt.Errorf("encrypt entry: %w", err)
		}
		value = sealed
		encrypted = true
	}

	pe := persistedEntry{
		Namespace: e.key.ns,
		KeyHash:   e.key.hash,
		Value:     base64.StdEncoding.EncodeToString(value),
		Encrypted: encrypted,
		CreatedAt: e.createdAt,
		ExpiresAt: e.expiresAt,
		Size:      e.size,
	}
	data, err := json.Marshal(pe)
	if err != nil {
		return err
	}

	dir := filepath.Dir(d.path(e.key))
	if err := os.MkdirAll(dir, 0o700); err != nil {
		return err
	}
	return atomicWrite(d.path(e.key), data)
}

func (d *diskStore) remove(key ckey) error {
	err := os.Remove(d.path(key))
	if os.IsNotExist(err) {
		return nil
	}
	return err
}

func (d *diskStore) removeNamespace(ns string) error {
	return os.RemoveAll(filepath.Join(d.root, "namespaces", ns))
}

// atomicWrite writes data to path via a temp file in the same directory,
// fsyncs, then renames into place.
func atomicWrite(path string, data []byte) error {
	tmp, err := os.CreateTemp(filepath.Dir(path), ".tmp-*")
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
	return os.Rename(tmpName, path)
}

// loadFromDisk restores all non-expired entries. Corrupt files are renamed
// with a .corrupt suffix and skipped.
func (c *Cache) loadFromDisk() {
	nsRoot := filepath.Join(c.disk.root, "namespaces")
	nsDirs, err := os.ReadDir(nsRoot)
	if err != nil {
		slog.Warn("cache load: read namespaces", "error", err)
		return
	}

	now := time.Now()
	for _, nsDir := range nsDirs {
		if !nsDir.IsDir() {
			continue
		}
		files, err := os.ReadDir(filepath.Join(nsRoot, nsDir.Name()))
		if err != nil {
			continue
		}
		for _, f := range files {
			if f.IsDir() || filepath.Ext(f.Name()) != ".json" {
				continue
			}
			path := filepath.Join(nsRoot, nsDir.Name(), f.Name())
			pe, value, err := c.disk.read(path)
			if err != nil {
				slog.Warn("cache load: quarantining corrupt entry", "path", path, "error", err)
				_ = os.Rename(path, path+".corrupt")
				c.mu.Lock()
				c.stats.QuarantinedOnLoad++
				c.mu.Unlock()
				continue
			}
			if !now.Before(pe.ExpiresAt) {
				_ = os.Remove(path)
				continue
			}

			key := ckey{ns: pe.Namespace, hash: pe.KeyHash}
			e := &entry{
				key:        key,
				value:      value,
				createdAt:  pe.CreatedAt,
				expiresAt:  pe.ExpiresAt,
				size:       pe.Size,
				lastAccess: pe.CreatedAt,
			}
			if e.size <= 0 {
				e.size = int64(len(value))
			}

			c.mu.Lock()
			if _, ok := c.items[key]; !ok {
				el := c.evictList.PushBack(e)
				c.items[key] = el
				c.byNS[key.ns]++
				c.bytes += e.size
				c.stats.LoadedFromDisk++
			}
			for c.overCapLocked() {
				c.evictOneLocked()
			}
			c.mu.Unlock()
		}
	}
}

func (d *diskStore) read(path string) (*persistedEntry, []byte, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, nil, err
	}
	var pe persistedEntry
	if err := json.Unmarshal(data, &pe); err != nil {
		return nil, nil, err
	}
	value, err := base64.StdEncoding.DecodeString(pe.Value)
	if err != nil {
		return nil, nil, err
	}
	if pe.Encrypted {
		if d.encryptor == nil {
			return nil, nil, fmt.Errorf("entry is encrypted but no encryptor configured")
		}
		value, err = d.encryptor.Decrypt(value)
		if err != nil {
			return nil, nil, err
		}
	}
	return &pe, value, nil
}

// PersistNow writes all dirty entries to disk. Failures are logged and the
// entries stay dirty for the next attempt.
func (c *Cache) PersistNow() error {
	if c.disk == nil {
		return nil
	}

	c.mu.Lock()
	pending := make([]*entry, 0, len(c.dirty))
	for key := range c.dirty {
		if el, ok := c.items[key]; ok {
			pending = append(pending, el.Value.(*entry))
		}
	}
	c.mu.Unlock()

	var firstErr error
	for _, e := range pending {
		if err := c.disk.write(e); err != nil {
			if firstErr == nil {
				firstErr = err
			}
			c.mu.Lock()
			c.stats.PersistErrors++
			c.mu.Unlock()
			slog.Warn("cache persist failed", "namespace", e.key.ns, "error", err)
			continue
		}
		c.mu.Lock()
		delete(c.dirty, e.key)
		c.mu.Unlock()
	}
	return firstErr
}

// StartFlusher persists dirty entries on an interval until ctx is done, then
// runs a final synchronous flush.
func (c *Cache) StartFlusher(ctx context.Context, interval time.Duration) {
	if c.disk == nil {
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
			if err := c.PersistNow(); err != nil {
				slog.Warn("cache final flush", "error", err)
			}
			return
		case <-ticker.C:
			if err := c.PersistNow(); err != nil {
				slog.Debug("cache flush retry scheduled", "error", err)
			}
		}
	}
}
