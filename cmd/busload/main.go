// busload drives contention against a shared Redis instance the way a fleet
// of bot instances would: every worker races to acquire the same post lock,
// holds it briefly, and pushes synthetic chat messages through a bounded
// queue. The printed report makes lock fairness, overflow behavior, and
// mutual-exclusion violations visible without standing up the full service.
package main

import (
	"context"
	"flag"
	"fmt"
	"math/rand"
	"os"
	"sync"
	"sync/atomic"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/opennotes-ai/opennotes-sub002/internal/bus"
	"github.com/opennotes-ai/opennotes-sub002/internal/lock"
	"github.com/opennotes-ai/opennotes-sub002/internal/queue"
)

// criticalSection counts concurrent holders; any observation above one is a
// mutual-exclusion violation.
type criticalSection struct {
	inFlight   int64
	maxSeen    int64
	violations int64
	entries    int64
}

func (cs *criticalSection) enter() {
	n := atomic.AddInt64(&cs.inFlight, 1)
	atomic.AddInt64(&cs.entries, 1)
	if n > 1 {
		atomic.AddInt64(&cs.violations, 1)
	}
	for {
		max := atomic.LoadInt64(&cs.maxSeen)
		if n <= max || atomic.CompareAndSwapInt64(&cs.maxSeen, max, n) {
			return
		}
	}
}

func (cs *criticalSection) leave() {
	atomic.AddInt64(&cs.inFlight, -1)
}

func main() {
	var (
		redisAddr = flag.String("redis", "localhost:6379", "Redis address")
		resource  = flag.String("resource", "post:loadtest", "contended lock resource")
		workers   = flag.Int("workers", 50, "number of simulated instances")
		duration  = flag.Duration("duration", 20*time.Second, "test duration")
		ttl       = flag.Duration("ttl", 800*time.Millisecond, "lock TTL")
		hold      = flag.Duration("hold", 30*time.Millisecond, "time spent holding the lock")
		jitter    = flag.Duration("jitter", 30*time.Millisecond, "extra random sleep while holding")
		stallRate = flag.Float64("stallrate", 0.03, "probability to sleep past the TTL (simulated stall)")
		queueSize = flag.Int("queue", 256, "bounded queue capacity per worker")
	)
	flag.Parse()

	rdb := redis.NewClient(&redis.Options{Addr: *redisAddr})
	defer rdb.Close()

	ctx, cancel := context.WithTimeout(context.Background(), *duration)
	defer cancel()

	if err := rdb.Ping(ctx).Err(); err != nil {
		fmt.Fprintf(os.Stderr, "redis ping: %v\n", err)
		os.Exit(1)
	}

	cs := &criticalSection{}
	var (
		acqOK     int64
		acqFail   int64
		releaseOK int64
		errCount  int64
		enqueued  int64
		overflows int64
	)

	var wg sync.WaitGroup
	start := time.Now()

	for i := 0; i < *workers; i++ {
		i := i
		wg.Add(1)
		go func() {
			defer wg.Done()

			// One manager per worker, sharing only the store, mirroring
			// separate processes.
			mgr := lock.NewManager(rdb, nil, nil)
			q := queue.NewBounded[bus.ChatMessage](*queueSize)

			for ctx.Err() == nil {
				ok, err := mgr.Acquire(ctx, *resource, lock.AcquireOptions{
					TTL:        *ttl,
					MaxRetries: 1,
					RetryDelay: 10 * time.Millisecond,
				})
				if err != nil {
					if ctx.Err() == nil {
						atomic.AddInt64(&errCount, 1)
					}
					continue
				}
				if !ok {
					atomic.AddInt64(&acqFail, 1)
					time.Sleep(10 * time.Millisecond)
					continue
				}
				atomic.AddInt64(&acqOK, 1)

				cs.enter()
				if evicted := q.Enqueue(bus.ChatMessage{
					MessageID: fmt.Sprintf("w%d-%d", i, atomic.LoadInt64(&enqueued)),
					ChannelID: "load",
					Content:   "synthetic",
					PostedAt:  time.Now(),
				}); evicted {
					atomic.AddInt64(&overflows, 1)
				}
				atomic.AddInt64(&enqueued, 1)

				if rand.Float64() < *stallRate {
					// Stall past the TTL: the lock expires under us and the
					// stale release below must not disturb the next holder.
					time.Sleep(*ttl + 50*time.Millisecond)
				} else {
					time.Sleep(*hold + time.Duration(rand.Int63n(int64(*jitter)+1)))
				}
				cs.leave()

				released, err := mgr.Release(context.WithoutCancel(ctx), *resource)
				if err != nil {
					atomic.AddInt64(&errCount, 1)
				} else if released {
					atomic.AddInt64(&releaseOK, 1)
				}

				time.Sleep(5 * time.Millisecond)
			}
		}()
	}

	wg.Wait()
	elapsed := time.Since(start)

	fmt.Println("=== Post Lock Contention Test ===")
	fmt.Printf("duration: %s, workers: %d, resource: %s\n", elapsed, *workers, *resource)
	fmt.Printf("acquire_success:  %d\n", acqOK)
	fmt.Printf("acquire_fail:     %d\n", acqFail)
	fmt.Printf("release_success:  %d\n", releaseOK)
	fmt.Printf("enqueued:         %d\n", enqueued)
	fmt.Printf("queue_overflows:  %d\n", overflows)
	fmt.Printf("cs_entries:       %d\n", cs.entries)
	fmt.Printf("cs_max_in_flight: %d\n", cs.maxSeen)
	fmt.Printf("violations:       %d\n", cs.violations)
	fmt.Printf("errors:           %d\n", errCount)

	if cs.violations > 0 {
		fmt.Println("RESULT: FAIL (overlapping critical sections observed)")
		os.Exit(1)
	}
	fmt.Println("RESULT: OK")
}
