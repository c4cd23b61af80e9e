package cache

import (
	"context"
	"errors"
	"fmt"
	"sync/atomic"
	"testing"
	"time"

	"golang.org/x/sync/errgroup"
)

// Basic Put/Get/Remove semantics, single entry.
func TestCache_BasicPutGetRemove(t *testing.T) {
	t.Parallel()

	c := New[string, int](Options[string, int]{MaxSize: 8})
	t.Cleanup(func() { _ = c.Close() })

	if _, had := c.Put("a", 1); had {
		t.Fatal("first Put must report no previous value")
	}
	if old, had := c.Put("a", 11); !had || old != 1 {
		t.Fatalf("replace Put want old=1 had=true, got old=%v had=%v", old, had)
	}
	if v, ok := c.GetIfAvailable("a"); !ok || v != 11 {
		t.Fatalf("Get a want 11, got %v ok=%v", v, ok)
	}
	if _, ok := c.Remove("a"); !ok {
		t.Fatal("Remove a must report true")
	}
	if _, ok := c.GetIfAvailable("a"); ok {
		t.Fatal("a must be absent after Remove")
	}
}

// Deterministic LRU eviction with capacity 2.
func TestCache_EvictionLRU(t *testing.T) {
	t.Parallel()

	c := New[string, int](Options[string, int]{MaxSize: 2, Strategy: LRU})
	t.Cleanup(func() { _ = c.Close() })

	c.Put("a", 1) // LRU end = a
	c.Put("b", 2) // MRU end = b

	if _, ok := c.GetIfAvailable("a"); !ok { // promote a -> MRU end
		t.Fatal("expect hit for a")
	}
	c.Put("c", 3) // overflow -> evict LRU end (b)

	if _, ok := c.GetIfAvailable("b"); ok {
		t.Fatal("b must be evicted")
	}
	if _, ok := c.GetIfAvailable("a"); !ok {
		t.Fatal("a must survive (promoted)")
	}
	if v, ok := c.GetIfAvailable("c"); !ok || v != 3 {
		t.Fatal("c must be present")
	}
}

// FIFO never reorders on access: "a" stays the eviction candidate even
// though it was the most recently read.
func TestCache_EvictionFIFO_IgnoresAccess(t *testing.T) {
	t.Parallel()

	c := New[string, int](Options[string, int]{MaxSize: 2, Strategy: FIFO})
	t.Cleanup(func() { _ = c.Close() })

	c.Put("a", 1)
	c.Put("b", 2)
	c.GetIfAvailable("a") // must NOT promote under FIFO
	c.Put("c", 3)         // overflow -> evict oldest insert (a)

	if _, ok := c.GetIfAvailable("a"); ok {
		t.Fatal("a must be evicted: FIFO ignores access order")
	}
	if _, ok := c.GetIfAvailable("b"); !ok {
		t.Fatal("b must survive")
	}
}

// GetOrPut: concurrent callers for the same key run the producer at most
// once and all observe the same value — the coalescing contract.
func TestCache_GetOrPut_Coalesces(t *testing.T) {
	var calls int64

	c := New[string, string](Options[string, string]{
		MaxSize: 64,
	})
	t.Cleanup(func() { _ = c.Close() })

	producer := func(ctx context.Context) (string, error) {
		atomic.AddInt64(&calls, 1)
		time.Sleep(5 * time.Millisecond)
		return "v:k", nil
	}

	const N = 64
	var g errgroup.Group
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()

	for i := 0; i < N; i++ {
		g.Go(func() error {
			v, ok, err := c.GetOrPut(ctx, "k", producer)
			if err != nil {
				return err
			}
			if !ok || v != "v:k" {
				return fmt.Errorf("got %q ok=%v", v, ok)
			}
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		t.Fatal(err)
	}

	if got := atomic.LoadInt64(&calls); got != 1 {
		t.Fatalf("producer must run exactly once, got %d", got)
	}

	if v, ok, err := c.Get(context.Background(), "k"); err != nil || !ok || v != "v:k" {
		t.Fatalf("follow-up Get failed: v=%q ok=%v err=%v", v, ok, err)
	}
}

// A direct Put while a producer is in flight cancels it with CauseValue;
// awaiters must resolve to the value Put committed, not the producer's
// eventual (discarded) result.
func TestCache_Put_CancelsInFlightProducer(t *testing.T) {
	t.Parallel()

	c := New[string, string](Options[string, string]{MaxSize: 64})
	t.Cleanup(func() { _ = c.Close() })

	started := make(chan struct{})
	release := make(chan struct{})
	h := c.PutAsync("k", func(ctx context.Context) (string, error) {
		close(started)
		<-release
		return "from-producer", nil
	})

	<-started
	c.Put("k", "from-put")
	close(release)

	v, ok, err := h.Await(context.Background())
	if err != nil {
		t.Fatalf("Await error: %v", err)
	}
	if !ok || v != "from-put" {
		t.Fatalf("want (from-put, true), got (%q, %v)", v, ok)
	}

	if v, ok := c.GetIfAvailable("k"); !ok || v != "from-put" {
		t.Fatalf("resident value want from-put, got %q ok=%v", v, ok)
	}
}

// Starting a second producer for the same key cancels the first with
// CauseCreation; the first's awaiters join the second's outcome.
func TestCache_PutAsync_ReplacesInFlightProducer(t *testing.T) {
	t.Parallel()

	c := New[string, string](Options[string, string]{MaxSize: 64})
	t.Cleanup(func() { _ = c.Close() })

	firstStarted := make(chan struct{})
	h1 := c.PutAsync("k", func(ctx context.Context) (string, error) {
		close(firstStarted)
		<-ctx.Done() // never returns on its own; only Await(ctx) governs this test
		return "stale", nil
	})
	<-firstStarted

	h2 := c.PutAsync("k", func(ctx context.Context) (string, error) {
		return "fresh", nil
	})

	v1, ok1, err1 := h1.Await(context.Background())
	v2, ok2, err2 := h2.Await(context.Background())

	if err1 != nil || err2 != nil {
		t.Fatalf("unexpected errors: %v %v", err1, err2)
	}
	if !ok1 || v1 != "fresh" {
		t.Fatalf("first handle must resolve to the replacement's value, got %q ok=%v", v1, ok1)
	}
	if !ok2 || v2 != "fresh" {
		t.Fatalf("second handle want fresh, got %q ok=%v", v2, ok2)
	}
}

// A failing producer resolves Await to (zero, false, nil) and never
// commits a value.
func TestCache_PutAsync_ProducerError(t *testing.T) {
	t.Parallel()

	c := New[string, string](Options[string, string]{MaxSize: 64})
	t.Cleanup(func() { _ = c.Close() })

	wantErr := errors.New("boom")
	h := c.PutAsync("k", func(ctx context.Context) (string, error) {
		return "", wantErr
	})

	v, ok, err := h.Await(context.Background())
	if err != nil {
		t.Fatalf("Await itself must not surface the producer's error, got %v", err)
	}
	if ok || v != "" {
		t.Fatalf("want (zero, false), got (%q, %v)", v, ok)
	}
	if _, ok := c.GetIfAvailable("k"); ok {
		t.Fatal("a failed producer must not commit a value")
	}
}

// PutAll is atomic: a concurrent reader never observes a partial batch.
func TestCache_PutAll_Atomic(t *testing.T) {
	t.Parallel()

	c := New[string, int](Options[string, int]{MaxSize: 1024})
	t.Cleanup(func() { _ = c.Close() })

	c.Put("a", 0)

	done := make(chan struct{})
	go func() {
		c.PutAll(map[string]int{"a": 1, "b": 2, "c": 3})
		close(done)
	}()
	// Keys is one snapshot under mapLock: it must hold either the key set
	// from before the batch or the whole batch, never part of it.
	for reading := true; reading; {
		select {
		case <-done:
			reading = false
		default:
		}
		if n := len(c.Keys()); n != 1 && n != 3 {
			t.Fatalf("reader observed a partial batch: %d keys", n)
		}
	}

	for k, want := range map[string]int{"a": 1, "b": 2, "c": 3} {
		if v, ok := c.GetIfAvailable(k); !ok || v != want {
			t.Fatalf("key %q want %d, got %d ok=%v", k, want, v, ok)
		}
	}
}

// Clear fires the observer with evicted=false; EvictAll with evicted=true.
func TestCache_ClearVsEvictAll_ObserverFlag(t *testing.T) {
	t.Parallel()

	var sawEvicted []bool
	c := New[string, int](Options[string, int]{
		MaxSize: 8,
		OnRemoved: func(evicted bool, _ string, _ int, _ *int) {
			sawEvicted = append(sawEvicted, evicted)
		},
	})
	t.Cleanup(func() { _ = c.Close() })

	c.Put("a", 1)
	c.Clear()
	if len(sawEvicted) != 1 || sawEvicted[0] != false {
		t.Fatalf("Clear must report evicted=false, got %v", sawEvicted)
	}

	sawEvicted = nil
	c.Put("b", 2)
	c.EvictAll()
	if len(sawEvicted) != 1 || sawEvicted[0] != true {
		t.Fatalf("EvictAll must report evicted=true, got %v", sawEvicted)
	}
}

// Resize with newMax <= 0 must panic rather than silently misbehave.
func TestCache_Resize_RejectsNonPositive(t *testing.T) {
	t.Parallel()

	c := New[string, int](Options[string, int]{MaxSize: 8})
	t.Cleanup(func() { _ = c.Close() })

	defer func() {
		if recover() == nil {
			t.Fatal("Resize(0) must panic")
		}
	}()
	c.Resize(0)
}

// UnderCreationKeys / AllKeys reflect in-flight producers distinctly from
// resident entries.
func TestCache_UnderCreationKeys_AllKeys(t *testing.T) {
	t.Parallel()

	c := New[string, string](Options[string, string]{MaxSize: 64})
	t.Cleanup(func() { _ = c.Close() })

	c.Put("resident", "v")
	release := make(chan struct{})
	started := make(chan struct{})
	h := c.PutAsync("creating", func(ctx context.Context) (string, error) {
		close(started)
		<-release
		return "v2", nil
	})
	<-started

	under := c.UnderCreationKeys()
	if len(under) != 1 || under[0] != "creating" {
		t.Fatalf("want [creating], got %v", under)
	}

	all := c.AllKeys()
	if len(all) != 2 {
		t.Fatalf("want 2 keys, got %v", all)
	}

	close(release)
	if _, _, err := h.Await(context.Background()); err != nil {
		t.Fatal(err)
	}
}

// Close is a hard gate: every mutating and value-returning operation
// becomes a no-op afterward, same as the teacher repo's Close.
func TestCache_Close_GatesOperations(t *testing.T) {
	t.Parallel()

	c := New[string, int](Options[string, int]{MaxSize: 64})
	c.Put("a", 1)

	if err := c.Close(); err != nil {
		t.Fatalf("Close() = %v, want nil", err)
	}

	if v, ok := c.GetIfAvailable("a"); ok {
		t.Fatalf("GetIfAvailable after Close = %v,%v want zero,false", v, ok)
	}
	if v, ok, err := c.Get(context.Background(), "a"); ok || err != nil {
		t.Fatalf("Get after Close = %v,%v,%v want 0,false,nil", v, ok, err)
	}
	if v, ok := c.Put("b", 2); ok {
		t.Fatalf("Put after Close = %v,%v want zero,false", v, ok)
	}
	if v, ok := c.Remove("a"); ok {
		t.Fatalf("Remove after Close = %v,%v want zero,false", v, ok)
	}

	h := c.PutAsync("c", func(context.Context) (int, error) { return 42, nil })
	if v, ok, err := h.Await(context.Background()); ok || err != nil {
		t.Fatalf("PutAsync.Await after Close = %v,%v,%v want 0,false,nil", v, ok, err)
	}

	if v, ok, err := c.GetOrPut(context.Background(), "d", func(context.Context) (int, error) { return 1, nil }); ok || err != nil {
		t.Fatalf("GetOrPut after Close = %v,%v,%v want 0,false,nil", v, ok, err)
	}

	// Len keeps reporting a real snapshot, like the teacher's own Len.
	if got := c.Len(); got != 1 {
		t.Fatalf("Len() after Close = %d, want 1 (only \"a\" ever committed)", got)
	}
}
