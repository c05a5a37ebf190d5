package main

import (
	"context"
	"flag"
	"fmt"
	"log"
	"sort"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/alicebob/miniredis/v2"
	redis "github.com/redis/go-redis/v9"

	"github.com/mirkobrombin/go-sortlock/v1/lock"
	"github.com/mirkobrombin/go-sortlock/v1/store"
	"github.com/mirkobrombin/go-sortlock/v1/store/memory"
	redisstore "github.com/mirkobrombin/go-sortlock/v1/store/redis"
)

var (
	workers   = flag.Int("c", 16, "Contending workers")
	duration  = flag.Duration("t", 5*time.Second, "Run time per target")
	units     = flag.Int("u", 8, "Work units")
	target    = flag.String("target", "all", "Target: memory, miniredis, redis")
	redisAddr = flag.String("redis-addr", "localhost:6379", "Redis Address")
)

func main() {
	flag.Parse()

	targets := strings.Split(*target, ",")
	if *target == "all" {
		targets = []string{"memory", "miniredis", "redis"}
	}

	fmt.Printf("| %-10s | %-10s | %-10s | %-12s | %-12s | %-10s |\n", "Store", "Locks/sec", "Contended", "Avg Latency", "P99 Latency", "Overlaps")
	fmt.Println("|:---|:---|:---|:---|:---|:---|")

	for _, t := range targets {
		runBenchmark(strings.TrimSpace(t))
	}
}

func runBenchmark(name string) {
	var (
		s       store.Store
		cleanup func()
	)

	switch name {
	case "memory":
		s = memory.New()

	case "miniredis":
		mr, err := miniredis.Run()
		if err != nil {
			log.Printf("miniredis: %v", err)
			return
		}
		r := redis.NewClient(&redis.Options{Addr: mr.Addr()})
		s = redisstore.New(r, redisstore.WithNamespace("bench"))
		cleanup = func() { r.Close(); mr.Close() }

	case "redis":
		r := redis.NewClient(&redis.Options{Addr: *redisAddr})
		s = redisstore.New(r, redisstore.WithNamespace("bench"))
		cleanup = func() { r.Close() }

	default:
		log.Printf("Unknown target: %s", name)
		return
	}

	if cleanup != nil {
		defer cleanup()
	}

	ctx := context.Background()
	ids := make([]string, *units)
	for i := range ids {
		ids[i] = fmt.Sprintf("unit-%d", i)
		if err := s.Remove(ctx, ids[i]); err != nil {
			fmt.Printf("| %-10s | %-10s | %-10s | %-12s | %-12s | %-10s |\n", name, "FAIL", "-", "-", "-", "-")
			return
		}
	}

	// Units rest for zero time so every worker can retake them at once.
	iv := lock.StaticInterval(lock.Interval{Timeout: time.Minute})
	managers := make([]*lock.Manager, *workers)
	for i := range managers {
		managers[i] = lock.NewManager(s, lock.WithIntervals(iv))
	}
	for _, id := range ids {
		if _, err := managers[0].Schedule(ctx, id); err != nil {
			fmt.Printf("| %-10s | %-10s | %-10s | %-12s | %-12s | %-10s |\n", name, "FAIL", "-", "-", "-", "-")
			return
		}
	}

	var (
		wg        sync.WaitGroup
		locks     int64
		contended int64
		overlaps  int64
		holders   sync.Map
		latMu     sync.Mutex
		latencies []int64
	)
	deadline := time.Now().Add(*duration)
	start := time.Now()

	for i := 0; i < *workers; i++ {
		wg.Add(1)
		go func(m *lock.Manager) {
			defer wg.Done()
			var local []int64
			for time.Now().Before(deadline) {
				reqStart := time.Now()
				h, ok, err := m.TryLock(ctx, ids...)
				if err != nil {
					continue
				}
				if !ok {
					atomic.AddInt64(&contended, 1)
					continue
				}
				if _, loaded := holders.LoadOrStore(h.ID, m.Owner()); loaded {
					atomic.AddInt64(&overlaps, 1)
				}
				holders.Delete(h.ID)
				if err := m.Release(ctx, h); err != nil {
					continue
				}
				atomic.AddInt64(&locks, 1)
				local = append(local, time.Since(reqStart).Nanoseconds())
			}
			latMu.Lock()
			latencies = append(latencies, local...)
			latMu.Unlock()
		}(managers[i])
	}

	wg.Wait()
	elapsed := time.Since(start)

	if locks == 0 {
		fmt.Printf("| %-10s | %-10s | %-10s | %-12s | %-12s | %-10s |\n", name, "ERROR", "-", "-", "-", "-")
		return
	}

	throughput := float64(locks) / elapsed.Seconds()
	sort.Slice(latencies, func(i, j int) bool { return latencies[i] < latencies[j] })
	var avg int64
	for _, l := range latencies {
		avg += l
	}
	avg /= int64(len(latencies))
	p99Idx := int(float64(len(latencies)) * 0.99)
	if p99Idx >= len(latencies) {
		p99Idx = len(latencies) - 1
	}

	fmt.Printf("| %-10s | %-10.0f | %-10d | %-12d | %-12d | %-10d |\n", name, throughput, contended, avg, latencies[p99Idx], overlaps)
}
