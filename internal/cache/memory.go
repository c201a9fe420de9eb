package cache

import (
	"context"
	"sort"
	"sync"
	"sync/atomic"
	"time"
)

// shardCount is a power of two so the key prefix maps to a shard with a
// mask instead of a modulo.
const shardCount = 16

type entry struct {
	answer    string
	preview   string
	createdAt time.Time
	seq       uint64
	hits      int64
}

type shard struct {
	mu      sync.Mutex
	entries map[string]*entry
}

// Memory is the in-process cache: a striped map with per-shard locking so
// concurrent readers and writers rarely contend.
type Memory struct {
	shards     [shardCount]*shard
	ttl        time.Duration
	maxEntries int

	size       atomic.Int64
	seq        atomic.Uint64
	hits       atomic.Int64
	misses     atomic.Int64
	evictions  atomic.Int64
	savedCalls atomic.Int64

	now func() time.Time
}

var _ Cache = (*Memory)(nil)

// NewMemory creates an in-memory cache with the given TTL and capacity.
func NewMemory(ttl time.Duration, maxEntries int) *Memory {
	m := &Memory{
		ttl:        ttl,
		maxEntries: maxEntries,
		now:        time.Now,
	}
	for i := range m.shards {
		m.shards[i] = &shard{entries: make(map[string]*entry)}
	}
	return m
}

func (m *Memory) shardFor(key string) *shard {
	// Keys are hex md5 digests; the decoded first digit spreads entries
	// uniformly across the shards.
	if key == "" {
		return m.shards[0]
	}
	c := key[0]
	if c >= 'a' {
		c = c - 'a' + 10
	} else {
		c -= '0'
	}
	return m.shards[int(c)&(shardCount-1)]
}

// Get implements Cache.
func (m *Memory) Get(_ context.Context, message, msgContext string) (string, bool) {
	key := Key(message, msgContext)
	s := m.shardFor(key)

	s.mu.Lock()
	e, ok := s.entries[key]
	if !ok {
		s.mu.Unlock()
		m.misses.Add(1)
		return "", false
	}
	if expired(e.createdAt, m.now(), m.ttl) {
		delete(s.entries, key)
		s.mu.Unlock()
		m.size.Add(-1)
		m.evictions.Add(1)
		m.misses.Add(1)
		return "", false
	}
	e.hits++
	answer := e.answer
	s.mu.Unlock()

	m.hits.Add(1)
	m.savedCalls.Add(1)
	return answer, true
}

// Set implements Cache.
func (m *Memory) Set(_ context.Context, message, answer, msgContext string) {
	key := Key(message, msgContext)
	s := m.shardFor(key)

	s.mu.Lock()
	if _, exists := s.entries[key]; !exists {
		m.size.Add(1)
	}
	s.entries[key] = &entry{
		answer:    answer,
		preview:   preview(message),
		createdAt: m.now(),
		seq:       m.seq.Add(1),
	}
	s.mu.Unlock()

	// The new entry is never the oldest, so it cannot evict itself.
	for int(m.size.Load()) > m.maxEntries {
		if !m.evictOldest() {
			break
		}
	}
}

// evictOldest removes the entry with the lowest insertion sequence across
// all shards (FIFO, not LRU). It reports whether an entry was removed.
func (m *Memory) evictOldest() bool {
	var (
		victimShard *shard
		victimKey   string
		victimSeq   uint64
		found       bool
	)
	for _, s := range m.shards {
		s.mu.Lock()
		for k, e := range s.entries {
			if !found || e.seq < victimSeq {
				victimShard, victimKey, victimSeq = s, k, e.seq
				found = true
			}
		}
		s.mu.Unlock()
	}
	if !found {
		return false
	}

	victimShard.mu.Lock()
	defer victimShard.mu.Unlock()
	if e, ok := victimShard.entries[victimKey]; ok && e.seq == victimSeq {
		delete(victimShard.entries, victimKey)
		m.size.Add(-1)
		m.evictions.Add(1)
		return true
	}
	return false
}

// ClearExpired implements Cache.
func (m *Memory) ClearExpired(_ context.Context) int {
	now := m.now()
	removed := 0
	for _, s := range m.shards {
		s.mu.Lock()
		for k, e := range s.entries {
			if expired(e.createdAt, now, m.ttl) {
				delete(s.entries, k)
				removed++
			}
		}
		s.mu.Unlock()
	}
	if removed > 0 {
		m.size.Add(int64(-removed))
		m.evictions.Add(int64(removed))
	}
	return removed
}

// Stats implements Cache.
func (m *Memory) Stats(_ context.Context) Stats {
	hits := m.hits.Load()
	misses := m.misses.Load()

	popular := m.popular(5)

	return Stats{
		Entries:        int(m.size.Load()),
		MaxEntries:     m.maxEntries,
		Hits:           hits,
		Misses:         misses,
		Evictions:      m.evictions.Load(),
		SavedCalls:     m.savedCalls.Load(),
		HitRatePercent: hitRate(hits, misses),
		TTLSeconds:     m.ttl.Seconds(),
		Popular:        popular,
	}
}

// popular returns the top-n entries by hit count.
func (m *Memory) popular(n int) []PopularQuery {
	var all []PopularQuery
	for _, s := range m.shards {
		s.mu.Lock()
		for _, e := range s.entries {
			if e.hits > 0 {
				all = append(all, PopularQuery{Preview: e.preview, Hits: e.hits})
			}
		}
		s.mu.Unlock()
	}
	sort.Slice(all, func(i, j int) bool {
		if all[i].Hits != all[j].Hits {
			return all[i].Hits > all[j].Hits
		}
		return all[i].Preview < all[j].Preview
	})
	if len(all) > n {
		all = all[:n]
	}
	return all
}
