package cache

import (
	"context"

	"github.com/go-logr/logr"

	"github.com/arendt-io/keyedcache/internal/creation"
	"github.com/arendt-io/keyedcache/internal/store"
)

// Strategy selects the eviction strategy (SPEC_FULL.md §3): LRU, MRU, FIFO
// or FILO. It is a thin re-export of internal/store's Strategy so callers
// never need to import internal packages.
type Strategy = store.Strategy

const (
	// LRU evicts the least-recently-used entry first (the default).
	LRU = store.LRU
	// MRU evicts the most-recently-used entry first.
	MRU = store.MRU
	// FIFO evicts the oldest-inserted entry first, ignoring access.
	FIFO = store.FIFO
	// FILO evicts the newest-inserted entry first, ignoring access.
	FILO = store.FILO
)

// Producer computes a value for a key, possibly blocking. It runs on the
// configured Executor; concurrent callers requesting the same key while a
// Producer is in flight join its outcome instead of invoking a second one
// (SPEC_FULL.md §1/§4.4).
type Producer[V any] func(ctx context.Context) (V, error)

// Executor hosts Producer invocations. The default, GoExecutor, spawns one
// goroutine per call and does not pin a caller thread.
type Executor = creation.Executor

// GoExecutor is the default Executor: one goroutine per producer call.
type GoExecutor = creation.GoExecutor

// Options configures a Cache. Zero values are mostly safe; New applies the
// documented defaults for any field left unset, following the teacher
// repo's Options[K,V]-struct-plus-defaulting-in-New convention (no
// functional-options layer — a builder/configuration convenience is
// explicitly out of scope per SPEC_FULL.md §1).
type Options[K comparable, V any] struct {
	// MaxSize is the size budget enforced by the eviction engine (C3).
	// Must be > 0; New panics otherwise (a configuration error must "fail
	// loudly" per SPEC_FULL.md §7).
	MaxSize int64

	// Strategy selects the chain mode + eviction direction. Zero value is
	// LRU.
	Strategy Strategy

	// Executor hosts producer tasks. Nil => GoExecutor{}.
	Executor Executor

	// SizeOf computes the accounted size of a key/value pair. Must be
	// non-negative; a negative result is a fatal programmer error (§7).
	// Nil => every entry has size 1 (so MaxSize behaves as an entry-count
	// budget).
	SizeOf func(k K, v V) int64

	// OnRemoved is invoked once per removal (explicit Remove, replacement
	// via Put/PutAll, eviction, Clear, or EvictAll), with evicted=true iff
	// the removal was performed by the eviction engine or EvictAll.
	// newVal is non-nil only for a replacement by Put, PutAll or a
	// producer's commit.
	//
	// OnRemoved must never call back into the Cache it was registered on:
	// for evictions and Clear/EvictAll it runs while the cache's internal
	// lock is held, and a reentrant call is undefined behavior (at
	// minimum, a deadlock) — SPEC_FULL.md §5.
	OnRemoved func(evicted bool, k K, oldVal V, newVal *V)

	// Metrics receives Hit/Miss/Evict/Coalesced/Size signals. Nil =>
	// NoopMetrics.
	Metrics Metrics

	// Logger receives structured diagnostics (producer panics, accounting
	// assertions). Nil => logr.Discard().
	Logger logr.Logger
}
