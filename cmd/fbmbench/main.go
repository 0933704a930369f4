// Concurrent latency benchmark for fbmd.
//
// Supports several modes: upsert, get, mixed (upsert + get + delete) and
// ping (control round trips).
//
// Each worker dials its own persistent websocket connections and keeps
// them for the whole run, so the benchmark measures request latency rather
// than handshake overhead. A shared key space makes workers contend on the
// same objects; --keys 0 gives every worker private keys.
//
// Usage:
//
//	go run ./cmd/fbmbench [--mode mixed] [--workers 10] [--rounds 50] \
//	    [--url ws://127.0.0.1:6390/fbm] [--size 256] [--keys 0] [--rate 0]
package main

import (
	"bytes"
	"context"
	"errors"
	"flag"
	"fmt"
	"math"
	"math/rand/v2"
	"os"
	"sort"
	"time"

	"golang.org/x/sync/errgroup"
	"golang.org/x/time/rate"

	"github.com/mtingers/fbmd/client"
)

func main() {
	mode := flag.String("mode", "mixed", "benchmark mode: upsert, get, mixed, ping")
	workers := flag.Int("workers", 10, "number of concurrent workers")
	rounds := flag.Int("rounds", 50, "operations per worker")
	key := flag.String("key", "bench", "object id prefix")
	url := flag.String("url", "ws://127.0.0.1:6390/fbm", "FBM endpoint")
	token := flag.String("token", "", "auth token")
	size := flag.Int("size", 256, "object size in bytes")
	keys := flag.Int("keys", 0, "shared key space size (0 = private keys per worker)")
	rps := flag.Float64("rate", 0, "global request rate limit per second (0 = unlimited)")
	connections := flag.Int("connections", 0, "connections per worker (0 = 1 persistent conn)")
	flag.Parse()

	connsPerWorker := *connections
	if connsPerWorker <= 0 {
		connsPerWorker = 1
	}

	fmt.Printf("bench: mode=%s, %d workers x %d rounds (key_prefix=%q, size=%d, keys=%d, conns/worker=%d)\n\n",
		*mode, *workers, *rounds, *key, *size, *keys, connsPerWorker)

	var workerFn func(ctx context.Context, w *worker) ([]float64, error)
	switch *mode {
	case "upsert":
		workerFn = workerUpsert
	case "get":
		workerFn = workerGet
	case "mixed":
		workerFn = workerMixed
	case "ping":
		workerFn = workerPing
	default:
		fmt.Fprintf(os.Stderr, "unknown mode: %s (valid: upsert, get, mixed, ping)\n", *mode)
		os.Exit(1)
	}

	limiter := rate.NewLimiter(rate.Inf, 1)
	if *rps > 0 {
		limiter = rate.NewLimiter(rate.Limit(*rps), max(1, int(*rps/10)))
	}

	var opts []client.Option
	if *token != "" {
		opts = append(opts, client.WithToken(*token))
	}

	payload := bytes.Repeat([]byte("x"), *size)
	results := make([][]float64, *workers)

	wallStart := time.Now()
	g, ctx := errgroup.WithContext(context.Background())
	for i := range *workers {
		g.Go(func() error {
			w := &worker{
				id:      i,
				url:     *url,
				opts:    opts,
				conns:   connsPerWorker,
				rounds:  *rounds,
				prefix:  *key,
				keys:    *keys,
				payload: payload,
				limiter: limiter,
			}
			lats, err := workerFn(ctx, w)
			if err != nil {
				return fmt.Errorf("worker %d: %w", i, err)
			}
			results[i] = lats
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		fmt.Fprintf(os.Stderr, "error: %v\n", err)
		os.Exit(1)
	}
	wall := time.Since(wallStart).Seconds()

	var all []float64
	for _, r := range results {
		all = append(all, r...)
	}
	if len(all) == 0 {
		fmt.Println("  no operations")
		return
	}

	totalOps := len(all)
	sort.Float64s(all)

	mn := mean(all)
	minimum := all[0]
	maximum := all[totalOps-1]
	p50 := percentile(all, 50)
	p99 := percentile(all, 99)
	sd := stdev(all, mn)

	fmt.Printf("  total ops : %d\n", totalOps)
	fmt.Printf("  wall time : %.3fs\n", wall)
	fmt.Printf("  throughput: %.1f ops/s\n", float64(totalOps)/wall)
	fmt.Println()
	fmt.Printf("  mean      : %.3f ms\n", mn*1000)
	fmt.Printf("  min       : %.3f ms\n", minimum*1000)
	fmt.Printf("  max       : %.3f ms\n", maximum*1000)
	fmt.Printf("  p50       : %.3f ms\n", p50*1000)
	fmt.Printf("  p99       : %.3f ms\n", p99*1000)
	fmt.Printf("  stdev     : %.3f ms\n", sd*1000)
}

// worker holds the per-worker parameters shared by all modes.
type worker struct {
	id      int
	url     string
	opts    []client.Option
	conns   int
	rounds  int
	prefix  string
	keys    int
	payload []byte
	limiter *rate.Limiter
}

// key returns the object id for round i.
func (w *worker) key(i int) string {
	if w.keys > 0 {
		return fmt.Sprintf("%s_%d", w.prefix, rand.IntN(w.keys))
	}
	return fmt.Sprintf("%s_%d_%d", w.prefix, w.id, i%16)
}

// dial opens the worker's persistent connections.
func (w *worker) dial(ctx context.Context) ([]*client.Client, error) {
	conns := make([]*client.Client, w.conns)
	for i := range conns {
		c, err := client.Dial(ctx, w.url, w.opts...)
		if err != nil {
			// Close any already-opened connections.
			for j := range i {
				conns[j].Close()
			}
			return nil, fmt.Errorf("dial: %w", err)
		}
		conns[i] = c
	}
	return conns, nil
}

func closeConns(conns []*client.Client) {
	for _, c := range conns {
		c.Close()
	}
}

// run dials, then times op once per round.
func (w *worker) run(ctx context.Context, op func(ctx context.Context, c *client.Client, i int) error) ([]float64, error) {
	conns, err := w.dial(ctx)
	if err != nil {
		return nil, err
	}
	defer closeConns(conns)

	latencies := make([]float64, 0, w.rounds)
	for i := range w.rounds {
		if err := w.limiter.Wait(ctx); err != nil {
			return nil, err
		}
		c := conns[i%len(conns)]
		t0 := time.Now()
		if err := op(ctx, c, i); err != nil {
			return nil, err
		}
		latencies = append(latencies, time.Since(t0).Seconds())
	}
	return latencies, nil
}

func workerUpsert(ctx context.Context, w *worker) ([]float64, error) {
	return w.run(ctx, func(ctx context.Context, c *client.Client, i int) error {
		if err := c.Upsert(ctx, w.key(i), w.payload, client.ContentBinary); err != nil {
			return fmt.Errorf("upsert: %w", err)
		}
		return nil
	})
}

// workerGet seeds its keys before timing reads.
func workerGet(ctx context.Context, w *worker) ([]float64, error) {
	seed, err := client.Dial(ctx, w.url, w.opts...)
	if err != nil {
		return nil, fmt.Errorf("dial: %w", err)
	}
	n := w.keys
	if n <= 0 {
		n = 16
	}
	for i := range n {
		id := fmt.Sprintf("%s_%d_%d", w.prefix, w.id, i)
		if w.keys > 0 {
			id = fmt.Sprintf("%s_%d", w.prefix, i)
		}
		if err := seed.Upsert(ctx, id, w.payload, client.ContentBinary); err != nil {
			seed.Close()
			return nil, fmt.Errorf("seed: %w", err)
		}
	}
	seed.Close()

	return w.run(ctx, func(ctx context.Context, c *client.Client, i int) error {
		if _, err := c.Get(ctx, w.key(i)); err != nil {
			return fmt.Errorf("get: %w", err)
		}
		return nil
	})
}

// workerMixed runs upsert + get + delete per round. With a shared key
// space another worker may delete the object first, which is not an error.
func workerMixed(ctx context.Context, w *worker) ([]float64, error) {
	return w.run(ctx, func(ctx context.Context, c *client.Client, i int) error {
		id := w.key(i)
		if err := c.Upsert(ctx, id, w.payload, client.ContentBinary); err != nil {
			return fmt.Errorf("upsert: %w", err)
		}
		if _, err := c.Get(ctx, id); err != nil && !(w.keys > 0 && isNotFound(err)) {
			return fmt.Errorf("get: %w", err)
		}
		if err := c.Delete(ctx, id); err != nil && !(w.keys > 0 && isNotFound(err)) {
			return fmt.Errorf("delete: %w", err)
		}
		return nil
	})
}

func workerPing(ctx context.Context, w *worker) ([]float64, error) {
	return w.run(ctx, func(ctx context.Context, c *client.Client, _ int) error {
		if err := c.Ping(ctx); err != nil {
			return fmt.Errorf("ping: %w", err)
		}
		return nil
	})
}

func isNotFound(err error) bool {
	return errors.Is(err, client.ErrNotFound)
}

// ---------------------------------------------------------------------------
// Stats helpers
// ---------------------------------------------------------------------------

func mean(data []float64) float64 {
	var sum float64
	for _, v := range data {
		sum += v
	}
	return sum / float64(len(data))
}

func stdev(data []float64, mean float64) float64 {
	if len(data) < 2 {
		return 0
	}
	var sum float64
	for _, v := range data {
		d := v - mean
		sum += d * d
	}
	return math.Sqrt(sum / float64(len(data)-1))
}

func percentile(sorted []float64, pct float64) float64 {
	if len(sorted) == 0 {
		return 0
	}
	rank := pct / 100.0 * float64(len(sorted)-1)
	lo := int(rank)
	hi := lo + 1
	if hi >= len(sorted) {
		return sorted[lo]
	}
	frac := rank - float64(lo)
	return sorted[lo]*(1-frac) + sorted[hi]*frac
}
