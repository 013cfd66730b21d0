package cache

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/cespare/xxhash/v2"
	"github.com/hashicorp/golang-lru/v2/simplelru"
)

const (
	// DefaultMaxEntries bounds the store by entry count, not bytes. Entries are
	// small serialized JSON-RPC results, so a count is a good enough proxy.
	DefaultMaxEntries = 1000
	DefaultShards     = 16

	keySeparator = ":"
)

// entry is immutable once stored except for tick, which is guarded by the
// owning shard's lock
type entry struct {
	cat       Category
	value     []byte
	createdAt time.Time
	ttl       time.Duration
	tick      uint64 // last access on the store's logical clock
	seq       uint64 // insertion order, breaks LRU ties
}

func (e *entry) expired(now time.Time) bool {
	return now.Sub(e.createdAt) >= e.ttl
}

// olderThan reports whether e should be evicted before (tick, seq)
func (e *entry) olderThan(tick, seq uint64) bool {
	if e.tick != tick {
		return e.tick < tick
	}
	return e.seq < seq
}

type shard struct {
	mu  sync.Mutex
	lru *simplelru.LRU[string, *entry]
}

// Options configures a Store
type Options struct {
	MaxEntries int
	Shards     int
	TTLs       TTLTable
	Now        func() time.Time
	Hooks      Hooks
}

// Store is a bounded in-memory response cache with per-category TTLs.
//
// Keys are spread over shards, each with its own lock, so lookups of unrelated
// keys do not contend. Recency is tracked on a store-wide logical clock: the
// tail of every shard is that shard's least recently used entry, and the
// eviction victim is the oldest of those tails. This keeps eviction exactly
// LRU across the whole store.
type Store struct {
	shards  []*shard
	ttls    TTLTable
	max     int64
	count   atomic.Int64
	clock   atomic.Uint64
	seq     atomic.Uint64
	evictMu sync.Mutex
	now     func() time.Time
	hooks   Hooks
}

// New creates a Store. A bad configuration fails here, never at request time.
func New(opts Options) (*Store, error) {
	if opts.MaxEntries == 0 {
		opts.MaxEntries = DefaultMaxEntries
	}
	if opts.MaxEntries < 0 {
		return nil, fmt.Errorf("cache max entries must be positive, got %d", opts.MaxEntries)
	}
	if opts.Shards == 0 {
		opts.Shards = DefaultShards
	}
	if opts.Shards < 0 {
		return nil, errors.New("cache shards must be positive")
	}
	if opts.TTLs == nil {
		opts.TTLs = DefaultTTLs()
	}
	if err := opts.TTLs.Validate(); err != nil {
		return nil, err
	}
	if opts.Now == nil {
		opts.Now = time.Now
	}

	s := &Store{
		shards: make([]*shard, opts.Shards),
		ttls:   opts.TTLs,
		max:    int64(opts.MaxEntries),
		now:    opts.Now,
		hooks:  opts.Hooks,
	}

	onRemove := func(string, *entry) { s.count.Add(-1) }
	for i := range s.shards {
		// each shard may hold the full bound plus the entry that triggers an
		// eviction; the global count enforces the real bound
		l, err := simplelru.NewLRU[string, *entry](opts.MaxEntries+1, onRemove)
		if err != nil {
			return nil, fmt.Errorf("failed to create cache shard: %w", err)
		}
		s.shards[i] = &shard{lru: l}
	}

	return s, nil
}

// TTL returns the configured time-to-live for cat, or zero if cat is not cacheable
func (s *Store) TTL(cat Category) time.Duration {
	return s.ttls[cat]
}

// Get retrieves a value. Expired entries are dropped and reported as absent.
// The returned slice must not be modified.
func (s *Store) Get(cat Category, parts ...string) ([]byte, bool) {
	key := ComposeKey(cat, parts...)
	sh := s.shardFor(key)
	now := s.now()

	sh.mu.Lock()
	e, ok := sh.lru.Get(key)
	if !ok {
		sh.mu.Unlock()
		s.miss(cat)
		return nil, false
	}
	if e.expired(now) {
		sh.lru.Remove(key)
		sh.mu.Unlock()
		if s.hooks.OnEvict != nil {
			s.hooks.OnEvict(cat, true)
		}
		s.miss(cat)
		return nil, false
	}
	e.tick = s.clock.Add(1)
	value := e.value
	sh.mu.Unlock()

	if s.hooks.OnHit != nil {
		s.hooks.OnHit(cat)
	}
	return value, true
}

// Put stores value under the category and key parts. Concurrent puts to the
// same key resolve last-write-wins. Categories without a TTL are ignored.
func (s *Store) Put(cat Category, value []byte, parts ...string) {
	ttl := s.ttls[cat]
	if ttl <= 0 {
		return
	}

	key := ComposeKey(cat, parts...)
	sh := s.shardFor(key)

	data := make([]byte, len(value))
	copy(data, value)
	e := &entry{
		cat:       cat,
		value:     data,
		createdAt: s.now(),
		ttl:       ttl,
	}

	sh.mu.Lock()
	old, existed := sh.lru.Peek(key)
	if existed {
		e.seq = old.seq
	} else {
		e.seq = s.seq.Add(1)
		s.count.Add(1)
	}
	e.tick = s.clock.Add(1)
	sh.lru.Add(key, e)
	sh.mu.Unlock()

	if s.hooks.OnStore != nil {
		s.hooks.OnStore(cat)
	}
	if !existed && s.count.Load() > s.max {
		s.evict()
	}
}

// Invalidate removes every entry of cat whose key parts start with prefix,
// compared part by part. It returns the number of removed entries.
func (s *Store) Invalidate(cat Category, prefix ...string) int {
	p := ComposeKey(cat, prefix...)
	removed := 0
	for _, sh := range s.shards {
		sh.mu.Lock()
		for _, key := range sh.lru.Keys() {
			if key == p || strings.HasPrefix(key, p+keySeparator) {
				sh.lru.Remove(key)
				removed++
			}
		}
		sh.mu.Unlock()
	}
	return removed
}

// Len returns the number of stored entries, including expired ones that have
// not been collected yet
func (s *Store) Len() int {
	return int(s.count.Load())
}

// RemoveExpired drops every expired entry and returns how many were dropped
func (s *Store) RemoveExpired() int {
	now := s.now()
	removed := 0
	for _, sh := range s.shards {
		sh.mu.Lock()
		for _, key := range sh.lru.Keys() {
			if e, ok := sh.lru.Peek(key); ok && e.expired(now) {
				sh.lru.Remove(key)
				removed++
				if s.hooks.OnEvict != nil {
					s.hooks.OnEvict(e.cat, true)
				}
			}
		}
		sh.mu.Unlock()
	}
	return removed
}

// StartJanitor periodically collects expired entries until ctx is done.
// Expiry is enforced on read regardless; this only reclaims memory sooner.
func (s *Store) StartJanitor(ctx context.Context, every time.Duration) {
	if every <= 0 {
		return
	}

	go func() {
		ticker := time.NewTicker(every)
		defer ticker.Stop()

		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				s.RemoveExpired()
			}
		}
	}()
}

// Close does nothing; the janitor is stopped through its context
func (s *Store) Close() {}

// evict removes least recently used entries until the bound holds again.
// evictMu keeps concurrent writers from evicting more than needed.
func (s *Store) evict() {
	s.evictMu.Lock()
	defer s.evictMu.Unlock()

	for s.count.Load() > s.max {
		if !s.evictOldest() {
			return
		}
	}
}

// evictOldest removes the globally least recently used entry. It returns
// false when the store is empty.
func (s *Store) evictOldest() bool {
	var (
		victim    *shard
		victimKey string
		tick, seq uint64
	)

	for _, sh := range s.shards {
		sh.mu.Lock()
		key, e, ok := sh.lru.GetOldest()
		if ok && (victim == nil || e.olderThan(tick, seq)) {
			victim, victimKey, tick, seq = sh, key, e.tick, e.seq
		}
		sh.mu.Unlock()
	}
	if victim == nil {
		return false
	}

	victim.mu.Lock()
	defer victim.mu.Unlock()

	// the tail may have been touched since it was sampled; the caller loops
	key, e, ok := victim.lru.GetOldest()
	if ok && key == victimKey && e.tick == tick {
		victim.lru.Remove(key)
		if s.hooks.OnEvict != nil {
			s.hooks.OnEvict(e.cat, false)
		}
	}
	return true
}

func (s *Store) shardFor(key string) *shard {
	if len(s.shards) == 1 {
		return s.shards[0]
	}
	return s.shards[xxhash.Sum64String(key)%uint64(len(s.shards))]
}

func (s *Store) miss(cat Category) {
	if s.hooks.OnMiss != nil {
		s.hooks.OnMiss(cat)
	}
}

// keyEscaper percent-encodes the separator and the escape character itself
var keyEscaper = strings.NewReplacer("%", "%25", keySeparator, "%3A")

// ComposeKey builds the composite cache key for a category and its
// discriminating parts
func ComposeKey(cat Category, parts ...string) string {
	var b strings.Builder
	b.WriteString(string(cat))
	for _, p := range parts {
		b.WriteString(keySeparator)
		b.WriteString(keyEscaper.Replace(p))
	}
	return b.String()
}
