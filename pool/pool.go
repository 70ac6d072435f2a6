// Package pool implements a keyed pool of reusable resources, used by the
// queue for utility copy kernels.
//
// Entries are built on demand and live for the life of the pool. An entry
// is either idle or locked by exactly one holder; Acquire hands out an idle
// entry of the requested key or builds a new one, and Release returns it.
package pool

import (
	"sync"
	"sync/atomic"

	"github.com/notargets/DGDispatch/errdefs"
	"github.com/pkg/errors"
)

const (
	// ShardCount must be a power of 2
	ShardCount = 16
	shardMask  = ShardCount - 1
)

// Hasher selects the shard of a key
type Hasher[K any] func(K) uint64

// BuildFunc creates the value of a new entry
type BuildFunc[K any, V any] func(K) (V, error)

// Handle is a locked pool entry. It is valid until passed to Release.
type Handle[K comparable, V any] struct {
	key   K
	value V
	entry *entry[V]
}

func (h *Handle[K, V]) Key() K   { return h.key }
func (h *Handle[K, V]) Value() V { return h.value }

type entry[V any] struct {
	value  V
	locked bool
}

type shard[K comparable, V any] struct {
	mu      sync.Mutex
	entries map[K][]*entry[V]
}

// Pool is safe for concurrent use
type Pool[K comparable, V any] struct {
	shards [ShardCount]*shard[K, V]
	hasher Hasher[K]
	build  BuildFunc[K, V]
	limit  int // entries per key, 0 = unlimited

	hits   atomic.Uint64
	misses atomic.Uint64
	builds atomic.Uint64
	locked atomic.Int64
}

// New creates an empty pool. limit caps the number of entries per key;
// Acquire fails with ErrOutOfMemory once every entry of a key is locked and
// the cap is reached. A limit of 0 means no cap.
func New[K comparable, V any](hasher Hasher[K], build BuildFunc[K, V], limit int) *Pool[K, V] {
	if hasher == nil || build == nil {
		panic("pool requires a hasher and a build function")
	}
	p := &Pool[K, V]{
		hasher: hasher,
		build:  build,
		limit:  limit,
	}
	for i := range p.shards {
		p.shards[i] = &shard[K, V]{entries: make(map[K][]*entry[V])}
	}
	return p
}

func (p *Pool[K, V]) shardFor(key K) *shard[K, V] {
	return p.shards[p.hasher(key)&shardMask]
}

// Acquire locks an idle entry for key, building one if none is idle
func (p *Pool[K, V]) Acquire(key K) (*Handle[K, V], error) {
	s := p.shardFor(key)

	s.mu.Lock()
	for _, e := range s.entries[key] {
		if !e.locked {
			e.locked = true
			s.mu.Unlock()
			p.hits.Add(1)
			p.locked.Add(1)
			return &Handle[K, V]{key: key, value: e.value, entry: e}, nil
		}
	}
	if p.limit > 0 && len(s.entries[key]) >= p.limit {
		s.mu.Unlock()
		return nil, errors.Wrapf(errdefs.ErrOutOfMemory, "pool: all %d entries for %v are locked", p.limit, key)
	}
	// Builds run under the shard lock so two callers never build past the limit.
	v, err := p.build(key)
	if err != nil {
		s.mu.Unlock()
		p.misses.Add(1)
		return nil, errors.Wrapf(err, "pool: building entry for %v", key)
	}
	e := &entry[V]{value: v, locked: true}
	s.entries[key] = append(s.entries[key], e)
	s.mu.Unlock()

	p.misses.Add(1)
	p.builds.Add(1)
	p.locked.Add(1)
	return &Handle[K, V]{key: key, value: v, entry: e}, nil
}

// Release unlocks the entry behind h. Releasing a handle twice, even from
// concurrent goroutines, is a no-op.
func (p *Pool[K, V]) Release(h *Handle[K, V]) {
	if h == nil {
		return
	}
	s := p.shardFor(h.key)
	s.mu.Lock()
	e := h.entry
	h.entry = nil
	wasLocked := e != nil && e.locked
	if e != nil {
		e.locked = false
	}
	s.mu.Unlock()
	if wasLocked {
		p.locked.Add(-1)
	}
}

// Len returns the number of entries, locked or idle
func (p *Pool[K, V]) Len() int {
	n := 0
	for _, s := range p.shards {
		s.mu.Lock()
		for _, es := range s.entries {
			n += len(es)
		}
		s.mu.Unlock()
	}
	return n
}

// Range calls fn for every entry value. fn must not call back into the pool.
func (p *Pool[K, V]) Range(fn func(key K, value V, locked bool)) {
	for _, s := range p.shards {
		s.mu.Lock()
		for k, es := range s.entries {
			for _, e := range es {
				fn(k, e.value, e.locked)
			}
		}
		s.mu.Unlock()
	}
}

// Stats is a snapshot of the pool counters
type Stats struct {
	Hits, Misses, Builds uint64
	Locked               int64
}

func (p *Pool[K, V]) Stats() Stats {
	return Stats{
		Hits:   p.hits.Load(),
		Misses: p.misses.Load(),
		Builds: p.builds.Load(),
		Locked: p.locked.Load(),
	}
}
