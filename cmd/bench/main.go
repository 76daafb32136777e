package main

import (
	"flag"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/ryandielhenn/zephyrmesh/pkg/gossip"
	"github.com/ryandielhenn/zephyrmesh/pkg/transport"
)

func main() {
	addr := flag.String("addr", "tcp://127.0.0.1:5555", "node listen address")
	n := flag.Int("n", 5000, "requests")
	conc := flag.Int("c", 32, "concurrency")
	timeout := flag.Duration("timeout", 2*time.Second, "per-request timeout")
	flag.Parse()

	var failed atomic.Int64
	wg := sync.WaitGroup{}
	start := time.Now()
	jobs := make(chan struct{}, *n)
	for i := 0; i < *n; i++ {
		jobs <- struct{}{}
	}
	close(jobs)

	for w := 0; w < *conc; w++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			var req *transport.Requester
			for range jobs {
				if req == nil {
					r, err := transport.DialRequester(*addr, transport.Options{DialTimeout: *timeout})
					if err != nil {
						failed.Add(1)
						continue
					}
					req = r
				}
				reply, err := req.Request(gossip.EncodeQuery(), *timeout)
				if err == nil {
					_, err = gossip.DecodeReply(reply)
				}
				if err != nil {
					failed.Add(1)
					req.Close()
					req = nil
				}
			}
			if req != nil {
				req.Close()
			}
		}()
	}
	wg.Wait()
	dur := time.Since(start)
	ok := int64(*n) - failed.Load()
	fmt.Printf("Completed %d STATUS queries (%d failed) in %s (%.2f ops/s)\n", ok, failed.Load(), dur, float64(ok)/dur.Seconds())
}
