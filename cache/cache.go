// Package cache implements a concurrency-safe, size-bounded associative
// cache with pluggable eviction strategies and asynchronous, coalesced
// value production. See SPEC_FULL.md for the full specification; doc.go
// for a usage overview.
package cache

import (
	"context"
	"sync/atomic"

	"github.com/go-logr/logr"

	"github.com/arendt-io/keyedcache/internal/creation"
	"github.com/arendt-io/keyedcache/internal/store"
	"github.com/arendt-io/keyedcache/internal/util"
)

// Cache is the public facade (C5): it orchestrates the ordered keyed map +
// size accountant + eviction engine (internal/store) and the creation
// registry (internal/creation) under the two-lock discipline described in
// SPEC_FULL.md §5 — creationLock (the registry's own mutex) acquired
// before mapLock (the store's own mutex), never the reverse.
//
// All methods are safe for concurrent use by multiple goroutines.
type Cache[K comparable, V any] struct {
	store  *store.Store[K, V]
	reg    *creation.Registry[K, V]
	opt    Options[K, V]
	closed atomic.Bool

	_       util.CacheLinePad
	hits    util.PaddedAtomicInt64
	misses  util.PaddedAtomicInt64
	evicts  util.PaddedAtomicInt64
	coalesc util.PaddedAtomicInt64
}

// New constructs a Cache with the given Options.
//
// Defaults, applied exactly as the teacher repo's New does for its
// Options[K,V]:
//   - Strategy zero value -> LRU
//   - nil Executor        -> GoExecutor{}
//   - nil SizeOf          -> constant size 1 per entry
//   - nil Metrics         -> NoopMetrics
//   - nil Logger          -> logr.Discard()
//
// New panics if MaxSize <= 0 — a configuration error must fail loudly,
// never silently clamp (SPEC_FULL.md §7).
func New[K comparable, V any](opt Options[K, V]) *Cache[K, V] {
	if opt.MaxSize <= 0 {
		panic("cache: MaxSize must be > 0")
	}
	if opt.Executor == nil {
		opt.Executor = GoExecutor{}
	}
	if opt.SizeOf == nil {
		opt.SizeOf = func(K, V) int64 { return 1 }
	}
	if opt.Metrics == nil {
		opt.Metrics = NoopMetrics{}
	}
	if opt.Logger.GetSink() == nil {
		opt.Logger = logr.Discard()
	}

	c := &Cache[K, V]{opt: opt}
	c.store = store.New[K, V](opt.MaxSize, opt.Strategy, opt.SizeOf, c.onEvicted, opt.Logger)
	c.reg = creation.New[K, V](c.store.Get, c.commitFromProducer, opt.Executor, opt.Logger)
	return c
}

// reportSize pushes the current resident entry count and accounted size to
// Metrics. Called after every operation that can change either.
func (c *Cache[K, V]) reportSize() {
	c.opt.Metrics.Size(c.store.Len(), c.store.Size())
}

// onEvicted is wired as internal/store's RemovalObserver: the store calls
// it synchronously while mapLock is held, for TrimTo/Clear/EvictAll
// removals (SPEC_FULL.md §4.3/§5). The facade also calls it directly,
// after mapLock is released, for replacements and Remove.
func (c *Cache[K, V]) onEvicted(evicted bool, k K, oldVal V, newVal *V) {
	if evicted {
		c.evicts.Add(1)
		c.opt.Metrics.Evict()
	}
	if c.opt.OnRemoved != nil {
		c.opt.OnRemoved(evicted, k, oldVal, newVal)
	}
}

// commitFromProducer is the creation registry's onDone callback: a
// producer succeeded, so commit its value into the store and fire the
// observer for any replaced entry, exactly like a direct Put — but outside
// the registry's own lock, which is already released by the time this
// runs (SPEC_FULL.md §4.4 protocol step 3).
func (c *Cache[K, V]) commitFromProducer(k K, v V) {
	oldVal, hadOld := c.store.Commit(k, v)
	if hadOld {
		nv := v
		c.onEvicted(false, k, oldVal, &nv)
	}
	c.store.TrimTo(c.store.MaxSize())
	c.reportSize()
}

// GetIfAvailable performs a non-blocking lookup in the primary map only,
// never waiting on an in-flight producer. Promotes the entry if the
// strategy is access-ordered.
func (c *Cache[K, V]) GetIfAvailable(k K) (V, bool) {
	if c.closed.Load() {
		var zero V
		return zero, false
	}
	v, ok := c.store.Get(k)
	if ok {
		c.hits.Add(1)
		c.opt.Metrics.Hit()
	} else {
		c.misses.Add(1)
		c.opt.Metrics.Miss()
	}
	return v, ok
}

// Get returns the value for k. If a producer is currently in flight for k,
// Get awaits it (joining, per SPEC_FULL.md §4.4, rather than starting a
// second one); otherwise it behaves like GetIfAvailable.
func (c *Cache[K, V]) Get(ctx context.Context, k K) (V, bool, error) {
	if c.closed.Load() {
		var zero V
		return zero, false, nil
	}
	if h, inFlight := c.reg.Lookup(k); inFlight {
		c.coalesc.Add(1)
		c.opt.Metrics.Coalesced()
		v, ok, err := h.Await(ctx)
		if err != nil {
			return v, ok, err
		}
		if ok {
			c.hits.Add(1)
			c.opt.Metrics.Hit()
		} else {
			c.misses.Add(1)
			c.opt.Metrics.Miss()
		}
		return v, ok, nil
	}
	v, ok := c.GetIfAvailable(k)
	return v, ok, nil
}

// GetOrDefault is Get with def substituted for a miss.
func (c *Cache[K, V]) GetOrDefault(ctx context.Context, k K, def V) (V, error) {
	v, ok, err := c.Get(ctx, k)
	if err != nil {
		return def, err
	}
	if !ok {
		return def, nil
	}
	return v, nil
}

// Put commits k->v directly, cancelling any in-flight producer for k with
// a VALUE replacement cause, and returns the value it replaced (if any).
// The removal observer fires for the replacement after mapLock is
// released, followed by TrimTo(MaxSize) (SPEC_FULL.md §4.5).
func (c *Cache[K, V]) Put(k K, v V) (V, bool) {
	if c.closed.Load() {
		var zero V
		return zero, false
	}
	c.reg.CancelForValue(k)
	oldVal, hadOld := c.store.Commit(k, v)
	if hadOld {
		nv := v
		c.onEvicted(false, k, oldVal, &nv)
	}
	c.store.TrimTo(c.store.MaxSize())
	c.reportSize()
	return oldVal, hadOld
}

// PutWith starts a new producer for k (cancelling any existing one with a
// CREATION cause) and awaits it, per spec.md's `put(k, producer) -> v?`.
func (c *Cache[K, V]) PutWith(ctx context.Context, k K, p Producer[V]) (V, bool, error) {
	if p == nil {
		var zero V
		return zero, false, ErrNoProducer
	}
	h := c.PutAsync(k, p)
	return h.Await(ctx)
}

// PutAsync starts a new producer for k and returns its Handle immediately,
// without waiting for it to settle.
func (c *Cache[K, V]) PutAsync(k K, p Producer[V]) *Handle[K, V] {
	if p == nil {
		panic("cache: PutAsync requires a non-nil producer")
	}
	if c.closed.Load() {
		return &Handle[K, V]{closed: true}
	}
	h := c.reg.Start(context.Background(), k, creation.Producer[V](p))
	return &Handle[K, V]{inner: h}
}

// GetOrPut returns the value for k, computing it via p if absent: the fast
// path returns Get(k) if present; otherwise, under creationLock, a
// producer is started only if neither a value nor an in-flight producer
// already exists, and the final result is (as the spec puts it) "finally
// return get(k)" — the in-flight producer (existing, or the one just
// started) is awaited.
func (c *Cache[K, V]) GetOrPut(ctx context.Context, k K, p Producer[V]) (V, bool, error) {
	if p == nil {
		var zero V
		return zero, false, ErrNoProducer
	}
	if c.closed.Load() {
		var zero V
		return zero, false, nil
	}
	if v, ok, err := c.Get(ctx, k); err != nil || ok {
		return v, ok, err
	}

	// The producer's context is not cancelled with the caller's ctx: other
	// callers may be awaiting the same producer.
	h, hadValue := c.reg.StartIfAbsent(context.WithoutCancel(ctx), k, creation.Producer[V](p), func(k K) bool {
		_, ok := c.store.Get(k)
		return ok
	})
	if hadValue {
		return c.Get(ctx, k)
	}
	c.coalesc.Add(1)
	c.opt.Metrics.Coalesced()
	v, ok, err := h.Await(ctx)
	if err != nil {
		return v, ok, err
	}
	if ok {
		c.hits.Add(1)
		c.opt.Metrics.Hit()
	} else {
		c.misses.Add(1)
		c.opt.Metrics.Miss()
	}
	return v, ok, nil
}

// PutAll atomically commits every (k, v) pair (a concurrent reader sees
// either none or all of the batch, SPEC_FULL.md §8 invariant 6), then
// fires the removal observer once per replaced key, then trims to budget.
func (c *Cache[K, V]) PutAll(entries map[K]V) {
	if c.closed.Load() {
		return
	}
	for k := range entries {
		c.reg.CancelForValue(k)
	}
	replaced := c.store.CommitAll(entries)
	for k, oldVal := range replaced {
		nv := entries[k]
		c.onEvicted(false, k, oldVal, &nv)
	}
	c.store.TrimTo(c.store.MaxSize())
	c.reportSize()
}

// Remove cancels any in-flight producer for k and deletes k from the
// primary map, firing the observer (evicted=false, newVal=nil) after
// mapLock is released.
func (c *Cache[K, V]) Remove(k K) (V, bool) {
	if c.closed.Load() {
		var zero V
		return zero, false
	}
	c.reg.CancelForValue(k)
	v, ok := c.store.Remove(k)
	if ok {
		c.onEvicted(false, k, v, nil)
		c.reportSize()
	}
	return v, ok
}

// RemoveAllUnderCreation cancels every in-flight producer, leaving the
// primary map untouched.
func (c *Cache[K, V]) RemoveAllUnderCreation() {
	if c.closed.Load() {
		return
	}
	c.reg.CancelAll()
}

// Clear cancels every in-flight producer and removes every entry, firing
// the observer with evicted=false for each.
func (c *Cache[K, V]) Clear() {
	if c.closed.Load() {
		return
	}
	c.reg.CancelAll()
	c.store.Clear()
	c.reportSize()
}

// EvictAll cancels every in-flight producer and removes every entry,
// firing the observer with evicted=true for each.
func (c *Cache[K, V]) EvictAll() {
	if c.closed.Load() {
		return
	}
	c.reg.CancelAll()
	c.store.EvictAll()
	c.reportSize()
}

// Resize updates the size budget and trims to it. Panics if newMax <= 0 —
// a configuration error must fail loudly (SPEC_FULL.md §7).
func (c *Cache[K, V]) Resize(newMax int64) {
	if newMax <= 0 {
		panic("cache: Resize requires newMax > 0")
	}
	if c.closed.Load() {
		return
	}
	c.store.SetMaxSize(newMax)
	c.store.TrimTo(newMax)
	c.reportSize()
}

// TrimToSize invokes the eviction engine with an explicit budget,
// independent of the configured MaxSize.
func (c *Cache[K, V]) TrimToSize(n int64) {
	if c.closed.Load() {
		return
	}
	c.store.TrimTo(n)
	c.reportSize()
}

// Keys returns a snapshot of keys in the strategy's forward enumeration
// order (SPEC_FULL.md §3).
func (c *Cache[K, V]) Keys() []K {
	return c.store.Keys(false)
}

// UnderCreationKeys returns a snapshot of keys with an in-flight producer,
// taken under creationLock (the registry's own mutex), so the registry is
// never read unguarded. It does not take mapLock; it reads no store state.
func (c *Cache[K, V]) UnderCreationKeys() []K {
	c.reg.Lock()
	defer c.reg.Unlock()
	return c.reg.KeysLocked()
}

// AllKeys returns the union of resident keys and keys currently under
// creation, taken under both locks.
func (c *Cache[K, V]) AllKeys() []K {
	c.reg.Lock()
	defer c.reg.Unlock()
	creating := c.reg.KeysLocked()
	present := c.store.Keys(false)
	seen := make(map[K]struct{}, len(present)+len(creating))
	out := make([]K, 0, len(present)+len(creating))
	for _, k := range present {
		if _, ok := seen[k]; !ok {
			seen[k] = struct{}{}
			out = append(out, k)
		}
	}
	for _, k := range creating {
		if _, ok := seen[k]; !ok {
			seen[k] = struct{}{}
			out = append(out, k)
		}
	}
	return out
}

// Len returns the number of resident entries.
func (c *Cache[K, V]) Len() int64 { return c.store.Len() }

// Close marks the cache closed and cancels all in-flight producers. Every
// mutating and value-returning operation becomes a no-op returning its
// zero value afterward, matching the teacher repo's Close semantics
// exactly — Len, Keys, UnderCreationKeys and AllKeys keep reporting real
// snapshots, since the teacher's own Len has no such gate either. There is
// no background worker to stop, since this spec carries no TTL janitor.
func (c *Cache[K, V]) Close() error {
	c.closed.Store(true)
	c.reg.CancelAll()
	return nil
}
