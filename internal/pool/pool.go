package pool

import (
	"context"
	"fmt"
	"log"
	"sync"
	"sync/atomic"
	"time"

	uatomic "go.uber.org/atomic"
)

// DialFunc opens a new transport-level connection. The pool calls it from
// create tasks; tests substitute a fault-injecting fake.
type DialFunc func(ctx context.Context) (Connection, error)

// Pool is the per-host connection pool. One Pool exists per (host, session)
// pair. All exported methods are safe for concurrent use without external
// synchronization.
type Pool struct {
	host     string
	distance HostDistance
	opts     Options
	dial     DialFunc
	metrics  MetricsRecorder
	logf     func(format string, args ...any)

	conns *connSet
	trash *connSet

	open                 uatomic.Int32
	scheduledForCreation uatomic.Int32
	totalInFlight        uatomic.Int64
	maxTotalInFlight     uatomic.Int64

	isClosing   uatomic.Bool
	closeFuture atomic.Value // holds *CloseFuture once set

	waiter *waiterPark

	initFuture *InitFuture

	keyspace uatomic.String
}

// New starts opening Core connections in parallel and returns immediately;
// InitFuture completes once all of them have resolved (success or aggregate
// failure). preExisting, if non-nil, is attached first and counts toward
// Core if SetPool succeeds; otherwise it is ignored entirely.
func New(host string, distance HostDistance, opts Options, dial DialFunc, metrics MetricsRecorder, preExisting Connection) (*Pool, error) {
	if err := opts.validate(); err != nil {
		return nil, err
	}
	if metrics == nil {
		metrics = NoopMetrics{}
	}

	p := &Pool{
		host:       host,
		distance:   distance,
		opts:       opts,
		dial:       dial,
		metrics:    metrics,
		logf:       func(format string, args ...any) { log.Printf("[pool %s] "+format, append([]any{host}, args...)...) },
		conns:      newConnSet(),
		trash:      newConnSet(),
		waiter:     newWaiterPark(),
		initFuture: NewInitFuture(),
	}

	go p.initialize(preExisting)
	return p, nil
}

func (p *Pool) initialize(preExisting Connection) {
	need := p.opts.Core
	var attached Connection
	if preExisting != nil {
		if preExisting.SetPool(p) {
			attached = preExisting
		}
	}

	type result struct {
		conn Connection
		err  error
	}

	toOpen := need
	if attached != nil {
		toOpen--
	}
	results := make(chan result, toOpen)
	for i := 0; i < toOpen; i++ {
		go func() {
			ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
			defer cancel()
			c, err := p.dial(ctx)
			results <- result{c, err}
		}()
	}

	opened := make([]Connection, 0, need)
	if attached != nil {
		opened = append(opened, attached)
	}
	var firstErr error
	for i := 0; i < toOpen; i++ {
		r := <-results
		if r.err != nil {
			if firstErr == nil {
				firstErr = r.err
			}
			continue
		}
		opened = append(opened, r.conn)
	}

	if firstErr != nil || len(opened) < need {
		// Aggregate failure: partial success is never a valid resting
		// state. Force-close everything we did manage to open.
		for _, c := range opened {
			c.CloseAsync()
		}
		if firstErr == nil {
			firstErr = fmt.Errorf("pool %s: opened %d/%d core connections", p.host, len(opened), need)
		}
		p.initFuture.Complete(firstErr)
		return
	}

	for _, c := range opened {
		c.CompareAndSwapState(StateResurrecting, StateOpen) // no-op unless already RESURRECTING
		p.conns.add(c)
		p.open.Inc()
	}
	p.initFuture.Complete(nil)
}

// InitFuture completes with success once initial Core connections are
// ready, or with an error if aggregate initialization failed.
func (p *Pool) InitFuture() *InitFuture { return p.initFuture }

// Host returns the host this pool serves.
func (p *Pool) Host() string { return p.host }

// Distance returns the configured host distance.
func (p *Pool) Distance() HostDistance { return p.distance }

// Opened returns the current number of serving connections.
func (p *Pool) Opened() int { return int(p.open.Load()) }

// Trashed returns the current number of trashed (resurrectable) connections.
func (p *Pool) Trashed() int { return p.trash.len() }

// SetKeyspace updates the pool's current keyspace. It is propagated to
// every connection returned by a subsequent Borrow.
func (p *Pool) SetKeyspace(ks string) { p.keyspace.Store(ks) }

func (p *Pool) isClosed() bool {
	return p.closeFuture.Load() != nil
}

// Borrow returns a connection with InFlight already incremented. The
// caller must call Return exactly once on a successful result. ctx's
// deadline (if any) bounds how long Borrow will wait for a free stream
// slot; a ctx with no deadline and an already-saturated pool will wait
// until ctx is cancelled.
func (p *Pool) Borrow(ctx context.Context) (Connection, error) {
	start := time.Now()
	conn, err := p.borrow(ctx)
	switch err {
	case nil:
		p.metrics.IncBorrow(p.host, p.distance, "ok")
	case ErrPoolClosed:
		p.metrics.IncBorrow(p.host, p.distance, "pool_closed")
	case ErrTimeout:
		p.metrics.IncBorrow(p.host, p.distance, "timeout")
		p.metrics.ObserveBorrowWait(p.host, p.distance, time.Since(start))
	}
	return conn, err
}

func (p *Pool) borrow(ctx context.Context) (Connection, error) {
	if p.isClosed() {
		return nil, ErrPoolClosed
	}

	snapshot := p.conns.snapshot()
	if len(snapshot) == 0 {
		// Can happen during initialization or under pathological races.
		// Submit Core create tasks bypassing the throttle, then wait.
		p.EnsureCoreConnections()
		return p.waitForConnection(ctx)
	}

	candidate := leastBusy(snapshot)
	if candidate == nil {
		if p.isClosed() {
			return nil, ErrPoolClosed
		}
		return p.waitForConnection(ctx)
	}

	if !p.tryReserve(candidate) {
		// The whole pool is likely saturated; don't retry selection against
		// a different candidate, enter the wait loop instead.
		return p.waitForConnection(ctx)
	}

	return p.onBorrowed(candidate), nil
}

// tryReserve CAS-increments candidate's InFlight, refusing once saturated.
func (p *Pool) tryReserve(c Connection) bool {
	return c.TryReserveStream()
}

// leastBusy scans the snapshot and returns the connection with the smallest
// InFlight, tie-breaking on iteration order (first seen wins).
func leastBusy(snapshot []Connection) Connection {
	var best Connection
	var bestLoad int32 = -1
	for _, c := range snapshot {
		if c.State() != StateOpen {
			continue
		}
		load := c.InFlight()
		if bestLoad < 0 || load < bestLoad {
			best = c
			bestLoad = load
		}
	}
	return best
}

func (p *Pool) waitForConnection(ctx context.Context) (Connection, error) {
	if err := ctx.Err(); err != nil {
		return nil, ErrTimeout
	}
	p.metrics.SetWaiters(p.host, p.distance, 1)
	defer p.metrics.SetWaiters(p.host, p.distance, 0)

	for {
		select {
		case <-ctx.Done():
			return nil, ErrTimeout
		default:
		}

		p.waiter.wait(ctx)

		if p.isClosed() {
			return nil, ErrPoolClosed
		}

		if candidate := leastBusy(p.conns.snapshot()); candidate != nil && p.tryReserve(candidate) {
			return p.onBorrowed(candidate), nil
		}

		if ctx.Err() != nil {
			return nil, ErrTimeout
		}
	}
}

func (p *Pool) onBorrowed(c Connection) Connection {
	p.totalInFlight.Inc()

	for {
		cur := p.maxTotalInFlight.Load()
		now := p.totalInFlight.Load()
		if now <= cur {
			break
		}
		if p.maxTotalInFlight.CompareAndSwap(cur, now) {
			break
		}
	}

	p.maybeGrow()

	if ks := p.keyspace.Load(); ks != "" {
		c.SetKeyspace(ks)
	}

	return c
}

// Return releases a connection borrowed from this pool. Always safe to
// call, including on an already-closed pool.
func (p *Pool) Return(c Connection) {
	c.ReleaseStream()
	p.totalInFlight.Dec()

	if p.isClosed() {
		c.CloseAsync()
		return
	}

	if c.IsDefunct() {
		// Defunct handling already ran (replaceDefunctConnection).
		return
	}

	if c.State() != StateTrashed {
		if c.MaxAvailableStreams() < MinAvailableStreams {
			p.replaceLeaking(c)
			return
		}
	}

	p.waiter.signalOne()
}

// replaceLeaking retires a connection whose stream-id budget has fallen
// below MinAvailableStreams: a slow leak from requests that timed out
// without releasing their stream id. The connection is moved to trash with
// an already-expired idle deadline so the next cleanup tick closes it.
func (p *Pool) replaceLeaking(c Connection) {
	if !c.CompareAndSwapState(StateOpen, StateTrashed) {
		return
	}
	p.open.Dec()
	c.SetIdleDeadline(time.Unix(0, 0))
	moveConn(p.conns, p.trash, c)
	p.metrics.IncReplacement(p.host, p.distance, "stream_leak")
	p.scheduleCreate()
}

// Stats is a point-in-time snapshot of pool counters for observability.
type Stats struct {
	Host                 string
	Distance             HostDistance
	Open                 int
	Trashed              int
	ScheduledForCreation int
	TotalInFlight        int64
}

// Stats returns a point-in-time snapshot of the pool's counters.
func (p *Pool) Stats() Stats {
	return Stats{
		Host:                 p.host,
		Distance:             p.distance,
		Open:                 p.Opened(),
		Trashed:              p.Trashed(),
		ScheduledForCreation: int(p.scheduledForCreation.Load()),
		TotalInFlight:        p.totalInFlight.Load(),
	}
}

// CloseAsync idempotently shuts the pool down: every waiter is woken with
// ErrPoolClosed, every connection in both connections and trash starts
// closing, and the returned future completes once all of them have.
func (p *Pool) CloseAsync() *CloseFuture {
	if existing, ok := p.closeFuture.Load().(*CloseFuture); ok {
		return existing
	}

	p.isClosing.Store(true)
	p.waiter.signalAll()

	future := NewCloseFuture()

	var wg sync.WaitGroup
	closeOne := func(c Connection) {
		defer wg.Done()
		cf := c.CloseAsync()
		<-cf.Done()
		if c.CompareAndSwapState(StateOpen, StateGone) {
			p.open.Dec()
		} else {
			c.CompareAndSwapState(StateTrashed, StateGone)
		}
	}

	all := append(append([]Connection{}, p.conns.snapshot()...), p.trash.snapshot()...)
	wg.Add(len(all))
	for _, c := range all {
		go closeOne(c)
	}

	go func() {
		wg.Wait()
		future.Complete(nil)
	}()

	if !p.closeFuture.CompareAndSwap(nil, future) {
		// Lost the race; the winner's future is authoritative. Our builder
		// side effects (signalling, closing) are benign and idempotent.
		return p.closeFuture.Load().(*CloseFuture)
	}
	return future
}
