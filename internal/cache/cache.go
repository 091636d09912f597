package cache

import (
	"container/list"
	"context"
	"sync"
	"time"
)

// Cache is a two-tier keyed store: an in-memory LRU backed by an optional
// on-disk image. Values are JSON blobs partitioned by namespace. Concurrent
// loads for the same key are coalesced (singleflight) and stale entries can
// be served while a background refresh runs (stale-while-revalidate).
type Cache struct {
	mu         sync.Mutex
	items      map[ckey]*list.Element
	evictList  *list.List
	byNS       map[string]int
	bytes      int64
	maxEntries int
	maxBytes   int64
	nsQuota    int
	defaultTTL time.Duration
	stats      Stats

	// singleflight: in-progress loads keyed by cache key
	inflight map[ckey]*call

	// refreshing marks keys with a scheduled background SWR recompute.
	refreshing map[ckey]bool

	// dirty entries awaiting a disk write. Nil disk disables persistence.
	dirty map[ckey]bool
	disk  *diskStore
}

type ckey struct {
	ns   string
	hash string
}

type entry struct {
	key        ckey
	value      []byte
	createdAt  time.Time
	expiresAt  time.Time
	staleUntil time.Time
	size       int64
	lastAccess time.Time
}

type call struct {
	done chan struct{}
	val  []byte
	err  error
}

// Options are per-call overrides for GetOrCompute.
type Options struct {
	TTL                  time.Duration // 0 means the cache default
	StaleWhileRevalidate bool
	StaleTime            time.Duration // grace period after expiry for SWR
	Size                 int64         // byte hint; len(value) when 0
	CacheErrors          bool
}

// Config configures a Cache.
type Config struct {
	MaxEntries     int
	MaxBytes       int64
	DefaultTTL     time.Duration
	NamespaceQuota int    // soft per-namespace entry quota, 0 disables
	StoragePath    string // "" disables persistence
	Encryptor      Encryptor
}

// Encryptor optionally seals persisted entry values at rest.
type Encryptor interface {
	Encrypt(plaintext []byte) ([]byte, error)
	Decrypt(ciphertext []byte) ([]byte, error)
}

// Stats is a snapshot of cache statistics.
type Stats struct {
	Entries             int            `json:"entries"`
	Bytes               int64          `json:"bytes"`
	Hits                int64          `json:"hits"`
	Misses              int64          `json:"misses"`
	HitRate             float64        `json:"hit_rate"`
	Evictions           int64          `json:"evictions"`
	StaleServed         int64          `json:"stale_served"`
	EntriesByNamespace  map[string]int `json:"entries_by_namespace"`
	PersistErrors       int64          `json:"persist_errors"`
	QuarantinedOnLoad   int64          `json:"quarantined_on_load"`
	LoadedFromDisk      int64          `json:"loaded_from_disk"`
	BackgroundRefreshes int64          `json:"background_refreshes"`
}

// New creates a cache and, when persistence is configured, loads the disk
// image. Expired entries on disk are skipped; corrupt files are quarantined.
func New(cfg Config) (*Cache, error) {
	if cfg.MaxEntries <= 0 {
		cfg.MaxEntries = 5000
	}
	if cfg.DefaultTTL <= 0 {
		cfg.DefaultTTL = 30 * time.Minute
	}

	c := &Cache{
		items:      make(map[ckey]*list.Element),
		evictList:  list.New(),
		byNS:       make(map[string]int),
		maxEntries: cfg.MaxEntries,
		maxBytes:   cfg.MaxBytes,
		nsQuota:    cfg.NamespaceQuota,
		defaultTTL: cfg.DefaultTTL,
		inflight:   make(map[ckey]*call),
		refreshing: make(map[ckey]bool),
		dirty:      make(map[ckey]bool),
	}

	if cfg.StoragePath != "" {
		disk, err := newDiskStore(cfg.StoragePath, cfg.Encryptor)
		if err != nil {
			return nil, err
		}
		c.disk = disk
		c.loadFromDisk()
	}
	return c, nil
}

// GetOrCompute returns the cached value for (namespace, args) if fresh;
// otherwise it runs compute at most once across concurrent callers and
// stores the result. With StaleWhileRevalidate set, a stale-but-graced entry
// is returned immediately and a single background recompute is scheduled.
func (c *Cache) GetOrCompute(
	ctx context.Context,
	namespace string,
	args any,
	compute func(ctx context.Context) ([]byte, error),
	opts Options,
) ([]byte, error) {
	hash, err := Key(args)
	if err != nil {
		return nil, err
	}
	key := ckey{ns: namespace, hash: hash}

	now := time.Now()
	c.mu.Lock()

	if el, ok := c.items[key]; ok {
		e := el.Value.(*entry)
		switch {
		case now.Before(e.expiresAt):
			c.evictList.MoveToFront(el)
			e.lastAccess = now
			c.stats.Hits++
			val := e.value
			c.mu.Unlock()
			return val, nil

		case opts.StaleWhileRevalidate && now.Before(e.expiresAt.Add(opts.StaleTime)):
			c.evictList.MoveToFront(el)
			e.lastAccess = now
			c.stats.Hits++
			c.stats.StaleServed++
			val := e.value
			scheduled := c.refreshing[key]
			if !scheduled {
				c.refreshing[key] = true
				c.stats.BackgroundRefreshes++
			}
			c.mu.Unlock()
			if !scheduled {
				go c.backgroundRefresh(key, compute, opts)
			}
			return val, nil

		default:
			c.removeLocked(el)
		}
	}

	// Singleflight: join an in-progress load for the same key. A joiner's
	// own context still bounds how long it waits.
	if cl, ok := c.inflight[key]; ok {
		c.mu.Unlock()
		select {
		case <-cl.done:
			return cl.val, cl.err
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}

	cl := &call{done: make(chan struct{})}
	c.inflight[key] = cl
	c.stats.Misses++
	c.mu.Unlock()

	// Execute the compute outside the lock.
	cl.val, cl.err = compute(ctx)
	if cl.err == nil || opts.CacheErrors {
		c.admit(key, cl.val, opts)
	}
	close(cl.done)

	c.mu.Lock()
	delete(c.inflight, key)
	c.mu.Unlock()

	return cl.val, cl.err
}

// backgroundRefresh recomputes a stale entry off the request path.
func (c *Cache) backgroundRefresh(key ckey, compute func(ctx context.Context) ([]byte, error), opts Options) {
	defer func() {
		c.mu.Lock()
		delete(c.refreshing, key)
		c.mu.Unlock()
	}()

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Minute)
	defer cancel()

	val, err := compute(ctx)
	if err != nil {
		return // keep serving stale until the grace window closes
	}
	c.admit(key, val, opts)
}

// admit stores a value and enforces entry, byte, and namespace caps.
func (c *Cache) admit(key ckey, value []byte, opts Options) {
	ttl := opts.TTL
	if ttl <= 0 {
		ttl = c.defaultTTL
	}
	size := opts.Size
	if size <= 0 {
		size = int64(len(value))
	}

	now := time.Now()
	e := &entry{
		key:        key,
		value:      value,
		createdAt:  now,
		expiresAt:  now.Add(ttl),
		staleUntil: now.Add(ttl + opts.StaleTime),
		size:       size,
		lastAccess: now,
	}

	c.mu.Lock()
	if el, ok := c.items[key]; ok {
		old := el.Value.(*entry)
		c.bytes -= old.size
		el.Value = e
		c.evictList.MoveToFront(el)
	} else {
		el := c.evictList.PushFront(e)
		c.items[key] = el
		c.byNS[key.ns]++
	}
	c.bytes += e.size
	c.dirty[key] = true

	for c.overCapLocked() {
		c.evictOneLocked()
	}
	c.mu.Unlock()
}

func (c *Cache) overCapLocked() bool {
	if c.evictList.Len() > c.maxEntries {
		return true
	}
	return c.maxBytes > 0 && c.bytes > c.maxBytes
}

// evictOneLocked removes one entry. With a namespace quota configured,
// over-quota namespaces are drained before falling back to global LRU, so a
// hot namespace cannot starve cold ones.
func (c *Cache) evictOneLocked() {
	if c.nsQuota > 0 {
		for el := c.evictList.Back(); el != nil; el = el.Prev() {
			e := el.Value.(*entry)
			if c.byNS[e.key.ns] > c.nsQuota {
				c.removeLocked(el)
				c.stats.Evictions++
				return
			}
		}
	}
	el := c.evictList.Back()
	if el == nil {
		return
	}
	c.removeLocked(el)
	c.stats.Evictions++
}

// Invalidate removes a single entry, or the whole namespace when args is nil.
func (c *Cache) Invalidate(namespace string, args any) error {
	if args == nil {
		c.mu.Lock()
		for key, el := range c.items {
			if key.ns == namespace {
				c.removeLocked(el)
			}
		}
		c.mu.Unlock()
		if c.disk != nil {
			return c.disk.removeNamespace(namespace)
		}
		return nil
	}

	hash, err := Key(args)
	if err != nil {
		return err
	}
	key := ckey{ns: namespace, hash: hash}

	c.mu.Lock()
	if el, ok := c.items[key]; ok {
		c.removeLocked(el)
	}
	c.mu.Unlock()
	if c.disk != nil {
		return c.disk.remove(key)
	}
	return nil
}

// Flush removes all entries from memory. The disk image is untouched.
func (c *Cache) Flush() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.items = make(map[ckey]*list.Element)
	c.evictList.Init()
	c.byNS = make(map[string]int)
	c.bytes = 0
	c.dirty = make(map[ckey]bool)
}

// Len returns the number of entries in the cache.
func (c *Cache) Len() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.items)
}

// Stats returns a snapshot of cache statistics.
func (c *Cache) Stats() Stats {
	c.mu.Lock()
	defer c.mu.Unlock()
	s := c.stats
	s.Entries = len(c.items)
	s.Bytes = c.bytes
	if total := s.Hits + s.Misses; total > 0 {
		s.HitRate = float64(s.Hits) / float64(total)
	}
	s.EntriesByNamespace = make(map[string]int, len(c.byNS))
	for ns, n := range c.byNS {
		if n > 0 {
			s.EntriesByNamespace[ns] = n
		}
	}
	return s
}

func (c *Cache) removeLocked(el *list.Element) {
	e := el.Value.(*entry)
	delete(c.items, e.key)
	delete(c.dirty, e.key)
	c.evictList.Remove(el)
	c.bytes -= e.size
	if c.byNS[e.key.ns]--; c.byNS[e.key.ns] <= 0 {
		delete(c.byNS, e.key.ns)
	}
}
