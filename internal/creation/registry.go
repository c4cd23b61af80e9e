// Package creation implements the creation registry (C4): it guarantees at
// most one producer runs per key at a time, and lets concurrent callers
// join an in-flight producer or the replacement that cancelled it.
//
// This generalizes the teacher's internal/singleflight.Group, which has no
// notion of replacement at all — a caller simply waits for whatever fn is
// currently registered and has no way to distinguish "the fn you joined
// finished" from "the fn you joined was superseded by a newer one". Per
// SPEC_FULL.md §4.4/§9, a cancelled producer here carries a structured
// cause (CREATION or VALUE) so its awaiters can correctly resolve against
// whatever superseded it, instead of silently returning a stale result.
package creation

import (
	"context"
	"sync"

	"github.com/go-logr/logr"
)

// Cause tags why a producer handle was cancelled before it could complete
// on its own.
type Cause int

const (
	// CauseNone is the zero value; only meaningful on a non-cancelled handle.
	CauseNone Cause = iota
	// CauseCreation: a newer producer was started for the same key. The
	// caller should join that replacement instead.
	CauseCreation
	// CauseValue: a direct Put committed a value for the same key while
	// this producer was in flight. The caller should read the committed
	// value back out of the primary map.
	CauseValue
)

// Lookup resolves a key to its currently-committed value in the primary
// map, used to resolve a CauseValue cancellation (spec §4.4). The facade
// supplies this without creation importing the store package directly, to
// keep the two packages decoupled.
type Lookup[K comparable, V any] func(k K) (V, bool)

// Producer computes a value for a key, possibly blocking. It is run on the
// caller-supplied Executor (SPEC_FULL.md §1/§6).
type Producer[V any] func(ctx context.Context) (V, error)

// Executor hosts producer tasks. The default, GoExecutor, spawns one
// goroutine per task, mirroring how the teacher's GetOrLoad ran loader
// functions without pinning a caller thread.
type Executor interface {
	Go(func())
}

// GoExecutor runs each task on its own goroutine.
type GoExecutor struct{}

// Go implements Executor by spawning a goroutine.
func (GoExecutor) Go(fn func()) { go fn() }

// handle is one in-flight producer invocation.
type handle[K comparable, V any] struct {
	key K

	done chan struct{} // closed exactly once, when the outcome is final

	// Set exactly once, before done is closed; safe to read after <-done
	// without further synchronization (close(done) happens-after the
	// writes below, by Go's memory model).
	val   V
	err   error
	cause Cause // CauseNone unless this handle was cancelled by replacement

	mu         sync.Mutex // guards replacedBy / finalized below
	finalized  bool
	replacedBy *handle[K, V]
}

// finalize resolves the handle to a successful/failed outcome. It is a
// no-op if the handle was already cancelled by a replacement (the
// replacement path, not the producer's own completion, owns the outcome
// in that case).
func (h *handle[K, V]) finalize(val V, err error) {
	h.mu.Lock()
	if h.finalized {
		h.mu.Unlock()
		return
	}
	h.finalized = true
	h.mu.Unlock()

	h.val, h.err = val, err
	close(h.done)
}

// cancel marks the handle as replaced. replacement is non-nil only for
// CauseCreation (the handle that superseded it); CauseValue carries no
// replacement handle since the awaiter instead re-reads the primary map.
func (h *handle[K, V]) cancel(cause Cause, replacement *handle[K, V]) {
	h.mu.Lock()
	if h.finalized {
		h.mu.Unlock()
		return
	}
	h.finalized = true
	h.cause = cause
	h.replacedBy = replacement
	h.mu.Unlock()
	close(h.done)
}

// Handle is the public, awaitable view of an in-flight (or just-completed)
// producer, returned by Registry.Start for PutAsync.
type Handle[K comparable, V any] struct {
	h      *handle[K, V]
	lookup Lookup[K, V]
}

// Await blocks until the producer settles (success, failure, or
// cancellation), resolving replacement chains per SPEC_FULL.md §4.4:
//
//   - success                  -> (value, true, nil)
//   - cancelled, CauseCreation -> recursively awaits the replacement
//   - cancelled, CauseValue    -> looks the key up in the primary map
//   - failure or any other outcome -> (zero, false, nil)
//
// ctx cancellation unblocks only this call (with ctx.Err()); it never
// affects the producer itself or other awaiters (SPEC_FULL.md §5).
func (a Handle[K, V]) Await(ctx context.Context) (V, bool, error) {
	cur := a.h
	for {
		select {
		case <-cur.done:
		case <-ctx.Done():
			var zero V
			return zero, false, ctx.Err()
		}

		cur.mu.Lock()
		cause := cur.cause
		replacement := cur.replacedBy
		cur.mu.Unlock()

		switch cause {
		case CauseNone:
			if cur.err != nil {
				var zero V
				return zero, false, nil
			}
			return cur.val, true, nil
		case CauseValue:
			return a.lookup(cur.key)
		case CauseCreation:
			cur = replacement
			continue
		default:
			var zero V
			return zero, false, nil
		}
	}
}

// Registry maps keys to in-flight producer handles (C4). It owns
// "creationLock": every exported method other than Lock, Unlock and
// KeysLocked acquires an internal mutex and releases it before returning,
// and it is never held while committing into the primary map (that
// happens only from inside the completion goroutine, after the registry's
// own lock is released — see run).
type Registry[K comparable, V any] struct {
	mu sync.Mutex
	m  map[K]*handle[K, V]

	lookup   Lookup[K, V]
	onDone   func(k K, v V) // commits a successful producer result into C1
	executor Executor
	log      logr.Logger
}

// New constructs a Registry. onDone is called, without the registry's own
// lock held, to commit a successful producer's result into the primary map
// (the facade wires this to Store.Commit + its own observer invocation).
func New[K comparable, V any](lookup Lookup[K, V], onDone func(k K, v V), executor Executor, log logr.Logger) *Registry[K, V] {
	if executor == nil {
		executor = GoExecutor{}
	}
	return &Registry[K, V]{
		m:        make(map[K]*handle[K, V]),
		lookup:   lookup,
		onDone:   onDone,
		executor: executor,
		log:      log,
	}
}

// Start begins a new producer for k, cancelling any existing handle with
// CauseCreation (SPEC_FULL.md §4.4 protocol step 1), and returns the new
// handle immediately (PutAsync's contract).
func (r *Registry[K, V]) Start(ctx context.Context, k K, p Producer[V]) Handle[K, V] {
	r.mu.Lock()
	h := &handle[K, V]{key: k, done: make(chan struct{})}
	if prev, ok := r.m[k]; ok {
		prev.cancel(CauseCreation, h)
	}
	r.m[k] = h
	r.mu.Unlock()

	r.executor.Go(func() { r.run(ctx, k, h, p) })
	return Handle[K, V]{h: h, lookup: r.lookup}
}

// run executes the producer and finalizes its handle. A panic inside p is
// treated like any other failure — captured, not propagated — per
// SPEC_FULL.md §4.4 ("Termination of producers").
func (r *Registry[K, V]) run(ctx context.Context, k K, h *handle[K, V], p Producer[V]) {
	val, err := r.invoke(ctx, p)

	// A successful result is committed while h is still registered, so a
	// concurrent caller either joins h or finds the committed value, and
	// h's awaiters are released only after the commit.
	r.mu.Lock()
	current := r.m[k] == h
	r.mu.Unlock()
	if current && err == nil {
		r.onDone(k, val)
	}

	r.mu.Lock()
	// If this handle is no longer the one registered for k, it was
	// already superseded (cancel() already finalized it); nothing to
	// remove.
	if r.m[k] == h {
		delete(r.m, k)
	}
	r.mu.Unlock()

	h.finalize(val, err)
}

func (r *Registry[K, V]) invoke(ctx context.Context, p Producer[V]) (val V, err error) {
	defer func() {
		if rec := recover(); rec != nil {
			r.log.Error(nil, "producer panicked; treating as failure", "panic", rec)
			var zero V
			val, err = zero, errProducerPanicked
		}
	}()
	return p(ctx)
}

var errProducerPanicked = &panicErr{}

type panicErr struct{}

func (*panicErr) Error() string { return "creation: producer panicked" }

// CancelForValue cancels any in-flight producer for k with CauseValue
// (SPEC_FULL.md §4.4 protocol step 2), used by a direct Put/PutAll commit.
// No-op if no producer is in flight.
func (r *Registry[K, V]) CancelForValue(k K) {
	r.mu.Lock()
	h, ok := r.m[k]
	if ok {
		delete(r.m, k)
	}
	r.mu.Unlock()
	if ok {
		h.cancel(CauseValue, nil)
	}
}

// CancelAll cancels every in-flight producer with CauseValue (used by
// Clear/EvictAll/RemoveAllUnderCreation) and empties the registry.
func (r *Registry[K, V]) CancelAll() {
	r.mu.Lock()
	all := r.m
	r.m = make(map[K]*handle[K, V])
	r.mu.Unlock()
	for _, h := range all {
		h.cancel(CauseValue, nil)
	}
}

// Lookup returns the in-flight handle for k, if any, without starting one.
// Used by Cache.Get/GetOrPut to decide whether to await or go straight to
// the primary map.
func (r *Registry[K, V]) Lookup(k K) (Handle[K, V], bool) {
	r.mu.Lock()
	h, ok := r.m[k]
	r.mu.Unlock()
	if !ok {
		return Handle[K, V]{}, false
	}
	return Handle[K, V]{h: h, lookup: r.lookup}, true
}

// StartIfAbsent starts a producer only if neither a value nor an in-flight
// producer currently exists for k, per GetOrPut's contract (spec §4.5):
// "under creationLock, if neither a producer nor a value exists for k,
// start a producer". present reports whether a committed value already
// existed (in which case no producer is started).
func (r *Registry[K, V]) StartIfAbsent(ctx context.Context, k K, p Producer[V], hasValue func(K) bool) (h Handle[K, V], present bool) {
	r.mu.Lock()
	if existing, ok := r.m[k]; ok {
		r.mu.Unlock()
		return Handle[K, V]{h: existing, lookup: r.lookup}, false
	}
	if hasValue(k) {
		r.mu.Unlock()
		return Handle[K, V]{}, true
	}
	nh := &handle[K, V]{key: k, done: make(chan struct{})}
	r.m[k] = nh
	r.mu.Unlock()

	r.executor.Go(func() { r.run(ctx, k, nh, p) })
	return Handle[K, V]{h: nh, lookup: r.lookup}, false
}

// Keys returns a snapshot of keys currently under creation.
func (r *Registry[K, V]) Keys() []K {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]K, 0, len(r.m))
	for k := range r.m {
		out = append(out, k)
	}
	return out
}

// Lock/Unlock expose the registry's internal mutex directly so the facade
// can hold creationLock across a snapshot: UnderCreationKeys under
// creationLock alone, AllKeys with mapLock taken inside it, in order.
func (r *Registry[K, V]) Lock()   { r.mu.Lock() }
func (r *Registry[K, V]) Unlock() { r.mu.Unlock() }

// KeysLocked is Keys without acquiring the lock; callers must hold it via
// Lock/Unlock.
func (r *Registry[K, V]) KeysLocked() []K {
	out := make([]K, 0, len(r.m))
	for k := range r.m {
		out = append(out, k)
	}
	return out
}
