// Package store implements the ordered keyed map (C1), size accountant (C2)
// and eviction engine (C3) described in SPEC_FULL.md. A Store owns exactly
// the mutex the rest of the module calls "mapLock": every exported method
// acquires it internally and releases it before returning, except where
// explicitly documented (eviction sweeps invoke the removal observer while
// still holding it, per spec).
//
// The chain is an arena of entry slots addressed by int32 index instead of
// the teacher's pointer-linked nodes, so that slot recycling (via a
// free-list) never invalidates a live prev/next link — see SPEC_FULL.md §3
// and §9 ("Index-based chain vs pointer graph").
package store

import (
	"fmt"
	"sync"

	"github.com/go-logr/logr"
)

const nilIdx int32 = -1

type entry[K comparable, V any] struct {
	key        K
	val        V
	size       int64
	prev, next int32
	used       bool
}

// RemovalObserver is invoked once per removal from the chain, synchronously,
// while the Store's internal lock is held. Callers that need the observer
// to run outside the lock (direct Put/Remove replacements, per
// SPEC_FULL.md §5) must not register it here — they instead read Commit's/
// Remove's return value and invoke their own observer after unlocking.
type RemovalObserver[K comparable, V any] func(evicted bool, key K, oldVal V, newVal *V)

// Store is the concurrency-safe ordered keyed map + size accountant +
// eviction engine for one cache. It has no notion of producers or
// replacement causes — that is internal/creation's job, layered on top by
// the facade.
type Store[K comparable, V any] struct {
	mu sync.Mutex

	entries []entry[K, V]
	free    []int32
	index   map[K]int32
	head    int32 // oldest / least-recently-used end
	tail    int32 // newest / most-recently-used end

	size    int64
	maxSize int64

	strategy Strategy
	p        params

	sizeOf   func(K, V) int64
	onRemove RemovalObserver[K, V]
	log      logr.Logger
}

// New constructs a Store. sizeOf and onRemove must be non-nil (the facade
// supplies defaults before calling in).
func New[K comparable, V any](maxSize int64, strategy Strategy, sizeOf func(K, V) int64, onRemove RemovalObserver[K, V], log logr.Logger) *Store[K, V] {
	return &Store[K, V]{
		index:    make(map[K]int32),
		head:     nilIdx,
		tail:     nilIdx,
		maxSize:  maxSize,
		strategy: strategy,
		p:        paramsFor(strategy),
		sizeOf:   sizeOf,
		onRemove: onRemove,
		log:      log,
	}
}

// Len returns the number of resident entries.
func (s *Store[K, V]) Len() int64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	return int64(len(s.index))
}

// Size returns the current accounted size.
func (s *Store[K, V]) Size() int64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.size
}

// SetMaxSize updates the budget. Callers are responsible for calling
// TrimTo afterward (the facade's Resize does both under the right lock
// ordering).
func (s *Store[K, V]) SetMaxSize(n int64) {
	s.mu.Lock()
	s.maxSize = n
	s.mu.Unlock()
}

// MaxSize returns the current budget.
func (s *Store[K, V]) MaxSize() int64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.maxSize
}

// Get returns the value for k, promoting it to the chain's recent end if
// the strategy is access-ordered. Serves both Cache.GetIfAvailable and the
// non-blocking half of Cache.Get.
func (s *Store[K, V]) Get(k K) (V, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()

	idx, ok := s.index[k]
	if !ok {
		var zero V
		return zero, false
	}
	if s.p.accessOrdered {
		s.moveToTail(idx)
	}
	return s.entries[idx].val, true
}

// Commit inserts or replaces k->v. Per SPEC_FULL.md §4.1: access-ordered
// strategies always move k to the recent end (insert or replace alike);
// insertion-ordered strategies only place *new* keys at the tail and never
// reorder on replacement. The caller (the facade) is responsible for
// invoking the removal observer for a replacement, outside mapLock, using
// the returned previous value.
func (s *Store[K, V]) Commit(k K, v V) (oldVal V, hadOld bool) {
	s.mu.Lock()
	defer s.mu.Unlock()

	newSize := s.sizeOf(k, v)
	s.assertNonNegativeSize(newSize)

	if idx, ok := s.index[k]; ok {
		e := &s.entries[idx]
		oldVal = e.val
		hadOld = true
		s.size += newSize - e.size
		e.val = v
		e.size = newSize
		if s.p.accessOrdered {
			s.moveToTail(idx)
		}
		s.assertAccounting()
		return oldVal, true
	}

	idx := s.alloc(k, v, newSize)
	s.linkAtTail(idx)
	s.index[k] = idx
	s.size += newSize
	s.assertAccounting()
	var zero V
	return zero, false
}

// CommitAll applies every entry in entries as a single critical section, so
// that a concurrent reader observes either none or all of the batch
// (SPEC_FULL.md §8 invariant 6). Returns the previous value for every key
// that was already present; the caller invokes the observer for those,
// outside mapLock, exactly as for a single Commit.
func (s *Store[K, V]) CommitAll(entries map[K]V) map[K]V {
	s.mu.Lock()
	defer s.mu.Unlock()

	replaced := make(map[K]V, len(entries))
	for k, v := range entries {
		newSize := s.sizeOf(k, v)
		s.assertNonNegativeSize(newSize)

		if idx, ok := s.index[k]; ok {
			e := &s.entries[idx]
			replaced[k] = e.val
			s.size += newSize - e.size
			e.val = v
			e.size = newSize
			if s.p.accessOrdered {
				s.moveToTail(idx)
			}
			continue
		}
		idx := s.alloc(k, v, newSize)
		s.linkAtTail(idx)
		s.index[k] = idx
		s.size += newSize
	}
	s.assertAccounting()
	return replaced
}

// Remove unlinks k if present. The caller invokes the removal observer
// outside mapLock (evicted=false, newVal=nil), per SPEC_FULL.md §5.
func (s *Store[K, V]) Remove(k K) (V, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()

	idx, ok := s.index[k]
	if !ok {
		var zero V
		return zero, false
	}
	v := s.entries[idx].val
	s.unlinkAndFree(idx)
	delete(s.index, k)
	s.assertAccounting()
	return v, true
}

// TrimTo evicts entries, in the strategy's eviction direction, until
// size <= budget. Each eviction fires the observer synchronously, while
// mapLock is still held, with evicted=true — per SPEC_FULL.md §4.3.
func (s *Store[K, V]) TrimTo(budget int64) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.drainWhile(func() bool { return s.size > budget && len(s.index) > 0 }, true)
}

// Clear removes every entry, firing the observer with evicted=false.
func (s *Store[K, V]) Clear() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.drainWhile(func() bool { return len(s.index) > 0 }, false)
}

// EvictAll removes every entry, firing the observer with evicted=true.
func (s *Store[K, V]) EvictAll() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.drainWhile(func() bool { return len(s.index) > 0 }, true)
}

// drainWhile repeatedly evicts from the strategy's eviction end while cond
// holds. Assumes mu is held.
func (s *Store[K, V]) drainWhile(cond func() bool, evicted bool) {
	for cond() {
		idx := s.evictionEnd()
		if idx == nilIdx {
			return
		}
		k := s.entries[idx].key
		v := s.entries[idx].val
		s.unlinkAndFree(idx)
		delete(s.index, k)
		if s.onRemove != nil {
			s.onRemove(evicted, k, v, nil)
		}
	}
	s.assertAccounting()
}

// Keys returns a snapshot of all keys in the strategy's forward enumeration
// order (or its reverse, if reverse is true), per SPEC_FULL.md §3/§4.1.
func (s *Store[K, V]) Keys(reverse bool) []K {
	s.mu.Lock()
	defer s.mu.Unlock()

	out := make([]K, 0, len(s.index))
	startAtTail := !s.p.evictFromTail
	if reverse {
		startAtTail = !startAtTail
	}
	s.walk(startAtTail, func(idx int32) {
		out = append(out, s.entries[idx].key)
	})
	return out
}

// -------------------- internals (mu held by caller) --------------------

// evictionEnd returns the slot the eviction engine removes next.
func (s *Store[K, V]) evictionEnd() int32 {
	if s.p.evictFromTail {
		return s.tail
	}
	return s.head
}

// walk visits every live slot once, starting from the tail if startAtTail
// else the head, and calls visit(idx) in that order.
func (s *Store[K, V]) walk(startAtTail bool, visit func(idx int32)) {
	if startAtTail {
		for idx := s.tail; idx != nilIdx; idx = s.entries[idx].prev {
			visit(idx)
		}
		return
	}
	for idx := s.head; idx != nilIdx; idx = s.entries[idx].next {
		visit(idx)
	}
}

// alloc returns a slot index for a new entry, reusing a freed slot if one
// is available instead of growing the arena.
func (s *Store[K, V]) alloc(k K, v V, size int64) int32 {
	e := entry[K, V]{key: k, val: v, size: size, prev: nilIdx, next: nilIdx, used: true}
	if n := len(s.free); n > 0 {
		idx := s.free[n-1]
		s.free = s.free[:n-1]
		s.entries[idx] = e
		return idx
	}
	s.entries = append(s.entries, e)
	return int32(len(s.entries) - 1)
}

// linkAtTail inserts a freshly allocated, as-yet-unlinked slot at the tail
// (the "most recent" end), used both for new Commits (both chain modes
// append new entries at the tail) and nowhere else.
func (s *Store[K, V]) linkAtTail(idx int32) {
	e := &s.entries[idx]
	e.prev = s.tail
	e.next = nilIdx
	if s.tail != nilIdx {
		s.entries[s.tail].next = idx
	}
	s.tail = idx
	if s.head == nilIdx {
		s.head = idx
	}
}

// moveToTail relinks an already-linked slot to the tail in O(1).
func (s *Store[K, V]) moveToTail(idx int32) {
	if idx == s.tail {
		return
	}
	e := &s.entries[idx]
	prev, next := e.prev, e.next
	if prev != nilIdx {
		s.entries[prev].next = next
	} else {
		s.head = next
	}
	if next != nilIdx {
		s.entries[next].prev = prev
	}
	e.prev = s.tail
	e.next = nilIdx
	if s.tail != nilIdx {
		s.entries[s.tail].next = idx
	}
	s.tail = idx
	if s.head == nilIdx {
		s.head = idx
	}
}

// unlinkAndFree detaches idx from the chain, subtracts its size, and
// recycles its slot onto the free-list.
func (s *Store[K, V]) unlinkAndFree(idx int32) {
	e := &s.entries[idx]
	if e.prev != nilIdx {
		s.entries[e.prev].next = e.next
	} else {
		s.head = e.next
	}
	if e.next != nilIdx {
		s.entries[e.next].prev = e.prev
	} else {
		s.tail = e.prev
	}
	s.size -= e.size
	var zero entry[K, V]
	*e = zero
	s.free = append(s.free, idx)
}

// assertNonNegativeSize enforces SPEC_FULL.md §7: a negative sizeOf result
// is a programmer error and must fail loudly, not be silently clamped.
func (s *Store[K, V]) assertNonNegativeSize(n int64) {
	if n < 0 {
		s.log.Error(nil, "sizeOf returned a negative size", "size", n)
		panic(fmt.Sprintf("store: sizeOf returned negative size %d", n))
	}
}

// assertAccounting enforces invariant 1 (size >= 0, size == 0 when empty) at
// every commit/removal boundary. A violation means sizeOf is non-monotonic
// or non-deterministic — a programmer error per spec §7.
func (s *Store[K, V]) assertAccounting() {
	if s.size < 0 {
		s.log.Error(nil, "size accounting went negative", "size", s.size)
		panic(fmt.Sprintf("store: size accounting invariant violated: size=%d", s.size))
	}
	if len(s.index) == 0 && s.size != 0 {
		s.log.Error(nil, "size nonzero with empty store", "size", s.size)
		panic(fmt.Sprintf("store: size accounting invariant violated: empty store with size=%d", s.size))
	}
}
