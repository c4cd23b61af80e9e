/*
Package cache provides a generic, concurrency-safe, size-bounded
associative cache with pluggable eviction strategies and coalesced,
asynchronous value production.

# Design

A Cache is built from three cooperating pieces: an ordered keyed map plus
size accountant plus eviction engine (internal/store), and a creation
registry (internal/creation) that guarantees at most one producer runs per
key at a time. The facade in this package wires the two together under a
fixed lock order — the registry's lock, then the store's — and never the
reverse.

Four eviction strategies are supported: LRU, MRU, FIFO and FILO. All four
reduce to two independent choices: whether Get reorders the chain
(access-ordered) and which end eviction removes from (SPEC_FULL.md §3
has the full derivation); Keys always enumerates in the direction
opposite eviction.

# Basic usage

	c := cache.New[string, []byte](cache.Options[string, []byte]{
		MaxSize: 1 << 20,
		SizeOf: func(_ string, v []byte) int64 { return int64(len(v)) },
	})

	c.Put("k", []byte("v"))
	v, ok := c.GetIfAvailable("k")

	v, ok, err := c.GetOrPut(ctx, "k2", func(ctx context.Context) ([]byte, error) {
		return fetch(ctx, "k2")
	})

# Asynchronous production

PutAsync starts a producer and returns a Handle without waiting for it.
Concurrent callers requesting the same key via Get or GetOrPut join the
in-flight producer instead of starting a second one. A later direct Put,
or a newer producer for the same key, cancels the older one; its
awaiters resolve against whatever replaced it rather than seeing a
stale or ambiguous result — see Handle.Await.

# Thread-safety

All Cache methods are safe for concurrent use. OnRemoved must never call
back into the Cache that registered it: for evictions and Clear/EvictAll
it runs while an internal lock is held, and reentrancy is undefined
behavior.
*/
package cache
