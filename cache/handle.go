package cache

import (
	"context"

	"github.com/arendt-io/keyedcache/internal/creation"
)

// Handle is a caller-visible reference to an in-flight (or just-settled)
// producer invocation, returned by PutAsync. Await blocks until the
// producer's outcome — success, failure, or replacement — resolves to a
// final value, per the join-replacement rules in SPEC_FULL.md §4.4.
type Handle[K comparable, V any] struct {
	inner  creation.Handle[K, V]
	closed bool
}

// Await waits for the producer to settle and returns its value. See
// SPEC_FULL.md §4.4 for the full resolution table (success, cancellation
// by a newer producer, cancellation by a direct Put, failure). A caller
// cancelling ctx unblocks only this Await call; the producer itself keeps
// running and other awaiters are unaffected (SPEC_FULL.md §5).
//
// A Handle obtained from a Cache that was already Closed never started a
// producer and resolves immediately as a miss.
func (h Handle[K, V]) Await(ctx context.Context) (V, bool, error) {
	if h.closed {
		var zero V
		return zero, false, nil
	}
	return h.inner.Await(ctx)
}
