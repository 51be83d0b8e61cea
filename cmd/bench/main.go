// Command bench hammers a kdbusd with acquire/release cycles and reports
// throughput and latency percentiles.
package main

import (
	"flag"
	"fmt"
	"os"
	"sort"
	"sync"
	"sync/atomic"
	"time"

	"github.com/RPajak/kdbus/client"
)

func main() {
	addr := flag.String("addr", "127.0.0.1:6381", "daemon address")
	workers := flag.Int("workers", 8, "concurrent connections")
	duration := flag.Duration("duration", 10*time.Second, "benchmark duration")
	keyspace := flag.Int("keyspace", 64, "distinct names to contend on")
	authToken := flag.String("auth-token", "", "auth token")
	flag.Parse()

	var ops, failures atomic.Int64
	var mu sync.Mutex
	var latencies []time.Duration

	deadline := time.Now().Add(*duration)
	var wg sync.WaitGroup
	for i := 0; i < *workers; i++ {
		wg.Add(1)
		go func(worker int) {
			defer wg.Done()

			c, err := client.Dial(*addr, &client.Options{AuthToken: *authToken})
			if err != nil {
				fmt.Fprintf(os.Stderr, "worker %d: dial: %v\n", worker, err)
				failures.Add(1)
				return
			}
			defer c.Close()
			if _, _, err := c.Hello(false); err != nil {
				fmt.Fprintf(os.Stderr, "worker %d: hello: %v\n", worker, err)
				failures.Add(1)
				return
			}

			var local []time.Duration
			n := 0
			for time.Now().Before(deadline) {
				name := fmt.Sprintf("bench.w%d.n%d", worker, n%*keyspace)
				n++

				start := time.Now()
				_, _, err := c.Acquire(name, 0)
				if err != nil {
					failures.Add(1)
					continue
				}
				if err := c.Release(name); err != nil {
					failures.Add(1)
					continue
				}
				local = append(local, time.Since(start))
				ops.Add(2)
			}

			mu.Lock()
			latencies = append(latencies, local...)
			mu.Unlock()
		}(i)
	}
	wg.Wait()

	total := ops.Load()
	fmt.Printf("ops:        %d\n", total)
	fmt.Printf("failures:   %d\n", failures.Load())
	fmt.Printf("throughput: %.0f ops/s\n", float64(total)/duration.Seconds())

	if len(latencies) > 0 {
		sort.Slice(latencies, func(i, j int) bool { return latencies[i] < latencies[j] })
		pct := func(p float64) time.Duration {
			idx := int(p * float64(len(latencies)-1))
			return latencies[idx]
		}
		fmt.Printf("cycle p50:  %s\n", pct(0.50))
		fmt.Printf("cycle p95:  %s\n", pct(0.95))
		fmt.Printf("cycle p99:  %s\n", pct(0.99))
	}
}
