package checkin

import (
	"container/list"
	"hash/fnv"
	"sync"
	"time"
)

// Cache is a bounded, TTL-based read-side fast path over the attendance
// store, keyed by target. It is never consulted for write correctness: a
// miss or eviction only costs a reload. State is sharded so a burst of
// scans for different services does not contend on one lock.
type Cache struct {
	shards []*cacheShard
	ttl    time.Duration
	now    func() time.Time
}

// CacheConfig controls bounds; zero values take the defaults.
type CacheConfig struct {
	// MaxEntries caps the targets tracked, default 100. The cap is split
	// across shards, so it is a hard upper bound but eviction may start a
	// little early on an unlucky hash distribution, and the victim is the
	// shard-local LRU. Set Shards to 1 for exact global LRU order.
	MaxEntries int
	TTL        time.Duration // entry freshness window, default 5m
	Shards     int           // lock shards, default 8
}

const (
	defaultCacheEntries = 100
	defaultCacheTTL     = 5 * time.Minute
	defaultCacheShards  = 8
)

type cacheShard struct {
	mu      sync.Mutex
	cap     int
	entries map[string]*list.Element
	order   *list.List // front = most recently used
}

type cacheEntry struct {
	targetID    string
	records     []Record
	refreshedAt time.Time
}

// NewCache builds a cache with the given bounds.
func NewCache(cfg CacheConfig) *Cache {
	if cfg.MaxEntries <= 0 {
		cfg.MaxEntries = defaultCacheEntries
	}
	if cfg.TTL <= 0 {
		cfg.TTL = defaultCacheTTL
	}
	if cfg.Shards <= 0 {
		cfg.Shards = defaultCacheShards
	}
	if cfg.Shards > cfg.MaxEntries {
		cfg.Shards = cfg.MaxEntries
	}
	c := &Cache{
		shards: make([]*cacheShard, cfg.Shards),
		ttl:    cfg.TTL,
		now:    time.Now,
	}
	base := cfg.MaxEntries / cfg.Shards
	extra := cfg.MaxEntries % cfg.Shards
	for i := range c.shards {
		cap := base
		if i < extra {
			cap++
		}
		c.shards[i] = &cacheShard{
			cap:     cap,
			entries: make(map[string]*list.Element),
			order:   list.New(),
		}
	}
	return c
}

func (c *Cache) shard(targetID string) *cacheShard {
	h := fnv.New32a()
	_, _ = h.Write([]byte(targetID))
	return c.shards[h.Sum32()%uint32(len(c.shards))]
}

// Get returns the cached records for a target. A stale entry is dropped and
// reported as a miss so the caller reloads from the store.
func (c *Cache) Get(targetID string) ([]Record, bool) {
	s := c.shard(targetID)
	s.mu.Lock()
	defer s.mu.Unlock()
	el, ok := s.entries[targetID]
	if !ok {
		return nil, false
	}
	ent := el.Value.(*cacheEntry)
	if c.now().Sub(ent.refreshedAt) >= c.ttl {
		s.order.Remove(el)
		delete(s.entries, targetID)
		return nil, false
	}
	s.order.MoveToFront(el)
	out := make([]Record, len(ent.records))
	copy(out, ent.records)
	return out, true
}

// Put replaces the entry for a target with a fresh record set, evicting the
// least-recently-used entry when the shard is full.
func (c *Cache) Put(targetID string, records []Record) {
	s := c.shard(targetID)
	s.mu.Lock()
	defer s.mu.Unlock()
	recs := make([]Record, len(records))
	copy(recs, records)
	if el, ok := s.entries[targetID]; ok {
		ent := el.Value.(*cacheEntry)
		ent.records = recs
		ent.refreshedAt = c.now()
		s.order.MoveToFront(el)
		return
	}
	for len(s.entries) >= s.cap && s.cap > 0 {
		tail := s.order.Back()
		if tail == nil {
			break
		}
		s.order.Remove(tail)
		delete(s.entries, tail.Value.(*cacheEntry).targetID)
	}
	if s.cap == 0 {
		return
	}
	el := s.order.PushFront(&cacheEntry{
		targetID:    targetID,
		records:     recs,
		refreshedAt: c.now(),
	})
	s.entries[targetID] = el
}

// Touch appends one newly persisted record to an existing entry, keeping the
// fast path warm across a burst of check-ins for one service. The entry's
// freshness clock is left alone: Touch never extends an entry's life. A miss
// is a no-op, never a reload.
func (c *Cache) Touch(targetID string, rec Record) {
	s := c.shard(targetID)
	s.mu.Lock()
	defer s.mu.Unlock()
	el, ok := s.entries[targetID]
	if !ok {
		return
	}
	ent := el.Value.(*cacheEntry)
	if c.now().Sub(ent.refreshedAt) >= c.ttl {
		s.order.Remove(el)
		delete(s.entries, targetID)
		return
	}
	ent.records = append(ent.records, rec)
	s.order.MoveToFront(el)
}

// Invalidate drops a target's entry, forcing the next read to the store.
func (c *Cache) Invalidate(targetID string) {
	s := c.shard(targetID)
	s.mu.Lock()
	defer s.mu.Unlock()
	if el, ok := s.entries[targetID]; ok {
		s.order.Remove(el)
		delete(s.entries, targetID)
	}
}

// Len reports tracked targets across all shards.
func (c *Cache) Len() int {
	n := 0
	for _, s := range c.shards {
		s.mu.Lock()
		n += len(s.entries)
		s.mu.Unlock()
	}
	return n
}
