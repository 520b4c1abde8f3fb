// Soak script exercising a fresh pool's saturation behavior end to end:
// holders borrow and sit on a connection for holdTimeSec, extras arrive
// after the holders are up and either get served immediately (growth
// kicked in) or queue behind waitForConnection until a holder returns.
//
// Usage: go run scripts/soak_saturate.go -addr=127.0.0.1:9042
package main

import (
	"context"
	"flag"
	"log"
	"sync"
	"sync/atomic"
	"time"

	"github.com/cqlpool/driver/internal/pool"
	"github.com/cqlpool/driver/internal/transport"
)

var (
	addr        = flag.String("addr", "127.0.0.1:9042", "host:port to saturate")
	holdConns   = flag.Int("hold", 8, "connections that borrow and hold")
	extraConns  = flag.Int("extra", 4, "extra connections sent after holders are up")
	holdTimeSec = flag.Int("hold-seconds", 10, "how long holders keep their borrow")
)

func main() {
	flag.Parse()
	log.SetFlags(log.Ltime | log.Lmicroseconds)
	log.Println("=== soak: pool saturation ===")

	opts := pool.DefaultOptions(pool.Local)
	dial := transport.DialFunc(*addr, transport.DialOptions{MaxStreamsPerConnection: opts.MaxStreamsPerConnection})

	p, err := pool.New(*addr, pool.Local, opts, dial, pool.NoopMetrics{}, nil)
	if err != nil {
		log.Fatalf("pool.New: %v", err)
	}
	defer func() {
		<-p.CloseAsync().Done()
	}()

	select {
	case <-p.InitFuture().Done():
		if err := p.InitFuture().Err(); err != nil {
			log.Fatalf("pool init failed: %v", err)
		}
	case <-time.After(30 * time.Second):
		log.Fatal("timed out waiting for pool init")
	}
	log.Printf("pool ready: open=%d", p.Opened())

	var (
		wg          sync.WaitGroup
		holdersOK   atomic.Int32
		holdersFail atomic.Int32
		extrasOK    atomic.Int32
		extrasFail  atomic.Int32
	)

	log.Printf("phase A: %d holders borrowing for %ds...", *holdConns, *holdTimeSec)
	holdReady := make(chan struct{})
	var holdCount atomic.Int32

	for i := 0; i < *holdConns; i++ {
		wg.Add(1)
		go func(id int) {
			defer wg.Done()
			ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
			defer cancel()

			c, err := p.Borrow(ctx)
			if err != nil {
				log.Printf("[hold-%d] borrow failed: %v", id, err)
				holdersFail.Add(1)
				return
			}
			holdersOK.Add(1)
			if holdCount.Add(1) == int32(*holdConns) {
				close(holdReady)
			}

			time.Sleep(time.Duration(*holdTimeSec) * time.Second)
			p.Return(c)
		}(i)
	}

	select {
	case <-holdReady:
		log.Printf("all %d holders are holding", *holdConns)
	case <-time.After(30 * time.Second):
		log.Printf("timed out waiting for holders (got %d/%d)", holdCount.Load(), *holdConns)
	}

	log.Printf("phase B: sending %d extras...", *extraConns)
	extraStart := time.Now()

	for i := 0; i < *extraConns; i++ {
		wg.Add(1)
		go func(id int) {
			defer wg.Done()
			ctx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
			defer cancel()

			start := time.Now()
			c, err := p.Borrow(ctx)
			dur := time.Since(start)
			if err != nil {
				log.Printf("[extra-%d] borrow failed after %v: %v", id, dur, err)
				extrasFail.Add(1)
				return
			}
			extrasOK.Add(1)
			log.Printf("[extra-%d] borrowed after %v", id, dur)
			p.Return(c)
		}(i)
	}

	wg.Wait()
	log.Printf("holders: %d ok, %d failed", holdersOK.Load(), holdersFail.Load())
	log.Printf("extras:  %d ok, %d failed (total %v)", extrasOK.Load(), extrasFail.Load(), time.Since(extraStart))
	log.Printf("final pool stats: %+v", p.Stats())
}
