// Command cachebench runs a synthetic workload against the cache and
// exposes an optional pprof endpoint and a Prometheus metrics endpoint.
package main

import (
	"context"
	"flag"
	"fmt"
	"math/rand"
	"net/http"
	_ "net/http/pprof" // registers /debug/pprof/* on DefaultServeMux
	"runtime"
	"strconv"
	"sync"
	"sync/atomic"
	"time"

	"github.com/go-logr/zapr"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"

	"github.com/arendt-io/keyedcache/cache"
	pmet "github.com/arendt-io/keyedcache/metrics/prom"
)

func main() {
	zl, err := zap.NewProduction()
	if err != nil {
		panic(err)
	}
	defer func() { _ = zl.Sync() }()
	log := zapr.NewLogger(zl)

	// ---- Flags ----
	var (
		capacity = flag.Int64("cap", 100_000, "cache size budget (entries)")
		strategy = flag.String("strategy", "lru", "eviction strategy: lru | mru | fifo | filo")

		workers  = flag.Int("workers", 2*runtime.GOMAXPROCS(0), "number of worker goroutines")
		duration = flag.Duration("duration", 10*time.Second, "benchmark duration")
		readPct  = flag.Int("reads", 70, "GetOrPut percentage [0..100]; remainder is Put")

		keys        = flag.Int("keys", 1_000_000, "keyspace size")
		zipfS       = flag.Float64("zipf_s", 1.1, "Zipf s > 1 (skew)")
		zipfV       = flag.Float64("zipf_v", 1.0, "Zipf v")
		seed        = flag.Int64("seed", time.Now().UnixNano(), "random seed")
		preload     = flag.Int64("preload", 0, "preload entries (0 = cap/2)")
		produceCost = flag.Duration("produce", time.Millisecond, "simulated producer latency on a miss")

		pprofAddr   = flag.String("pprof", "", "serve pprof at addr (e.g. :6060); empty = disabled")
		metricsAddr = flag.String("http", ":8080", "serve Prometheus metrics at addr")
	)
	flag.Parse()

	// ---- pprof server (on DefaultServeMux) ----
	if *pprofAddr != "" {
		go func() {
			log.Info("serving pprof", "addr", *pprofAddr)
			log.Error(http.ListenAndServe(*pprofAddr, nil), "pprof server exited")
		}()
	}

	// ---- Prometheus metrics (on DefaultServeMux) ----
	metrics := pmet.New(nil, "keyedcache", "bench", nil)
	http.Handle("/metrics", promhttp.Handler())
	go func() {
		log.Info("serving metrics", "addr", *metricsAddr)
		log.Error(http.ListenAndServe(*metricsAddr, nil), "metrics server exited")
	}()

	// ---- Build cache ----
	strat, ok := map[string]cache.Strategy{
		"lru":  cache.LRU,
		"mru":  cache.MRU,
		"fifo": cache.FIFO,
		"filo": cache.FILO,
	}[*strategy]
	if !ok {
		log.Error(nil, "unknown strategy, defaulting to lru", "strategy", *strategy)
		strat = cache.LRU
	}

	c := cache.New[string, string](cache.Options[string, string]{
		MaxSize:  *capacity,
		Strategy: strat,
		Metrics:  metrics,
		Logger:   log,
	})
	defer func() { _ = c.Close() }()

	// ---- Preload half capacity to get a realistic hit-rate ----
	pl := *preload
	if pl == 0 {
		pl = *capacity / 2
	}
	for i := int64(0); i < pl; i++ {
		k := "k:" + strconv.FormatInt(i, 10)
		c.Put(k, "v"+strconv.FormatInt(i, 10))
	}

	// ---- Snapshot flags for goroutines ----
	readPctVal := *readPct
	keysMax := uint64(*keys - 1)
	seedBase := *seed
	zipfSVal := *zipfS
	zipfVVal := *zipfV
	workersN := *workers
	if workersN <= 0 {
		workersN = 1
	}
	cost := *produceCost

	// ---- Load generation ----
	var gets, puts, hits, misses, total uint64
	ctx, cancel := context.WithTimeout(context.Background(), *duration)
	defer cancel()

	start := time.Now()
	var wg sync.WaitGroup
	wg.Add(workersN)
	for w := 0; w < workersN; w++ {
		go func(id int) {
			defer wg.Done()

			// Each worker gets its own RNG + Zipf (rand.Rand is NOT goroutine-safe).
			localR := rand.New(rand.NewSource(seedBase + int64(id)*9973))
			localZipf := rand.NewZipf(localR, zipfSVal, zipfVVal, keysMax)

			keyByZipf := func() string {
				return "k:" + strconv.FormatUint(localZipf.Uint64(), 10)
			}

			for {
				select {
				case <-ctx.Done():
					return
				default:
				}

				atomic.AddUint64(&total, 1)
				if int(localR.Int31n(100)) < readPctVal {
					atomic.AddUint64(&gets, 1)
					k := keyByZipf()
					v, ok, err := c.GetOrPut(ctx, k, func(ctx context.Context) (string, error) {
						if cost > 0 {
							select {
							case <-time.After(cost):
							case <-ctx.Done():
								return "", ctx.Err()
							}
						}
						return "v:" + k, nil
					})
					if err != nil {
						return
					}
					if ok && v != "" {
						atomic.AddUint64(&hits, 1)
					} else {
						atomic.AddUint64(&misses, 1)
					}
				} else {
					atomic.AddUint64(&puts, 1)
					k := keyByZipf()
					c.Put(k, "v"+strconv.Itoa(localR.Int()))
				}
			}
		}(w)
	}
	wg.Wait()
	elapsed := time.Since(start)

	// ---- Report ----
	ops := atomic.LoadUint64(&total)
	getsN := atomic.LoadUint64(&gets)
	putsN := atomic.LoadUint64(&puts)
	hitsN := atomic.LoadUint64(&hits)
	missesN := atomic.LoadUint64(&misses)

	hitRate := 0.0
	if getsN > 0 {
		hitRate = float64(hitsN) / float64(getsN) * 100
	}

	fmt.Printf("strategy=%s cap=%d workers=%d keys=%d dur=%v seed=%d\n",
		*strategy, *capacity, workersN, *keys, elapsed, seedBase)
	fmt.Printf("ops=%d (%.0f ops/s)  getOrPut=%d  put=%d\n",
		ops, float64(ops)/elapsed.Seconds(), getsN, putsN)
	fmt.Printf("hits=%d  misses=%d  hit-rate=%.2f%%\n", hitsN, missesN, hitRate)
	fmt.Printf("Len()=%d\n", c.Len())
}
