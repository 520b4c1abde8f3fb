package pool_test

import (
	"context"
	"sync"
	"sync/atomic"
	"time"

	"github.com/cqlpool/driver/internal/pool"
)

// fakeConn is a minimal in-memory pool.Connection for exercising the pool
// without a real transport.
type fakeConn struct {
	addr string

	state      atomic.Int32
	inFlight   atomic.Int32
	maxStreams atomic.Int32

	idleMu       sync.Mutex
	idleDeadline time.Time

	defunct atomic.Bool

	poolMu sync.Mutex
	owner  *pool.Pool

	keyspaceMu sync.Mutex
	keyspace   string

	closeOnce   sync.Once
	closeFuture *pool.CloseFuture
	closed      atomic.Bool

	// Dial failures are injected through fakeDialer.fail, not through
	// fakeConn.
}

func newFakeConn(addr string, maxStreams int32) *fakeConn {
	c := &fakeConn{addr: addr, closeFuture: pool.NewCloseFuture()}
	c.maxStreams.Store(maxStreams)
	c.state.Store(int32(pool.StateResurrecting))
	return c
}

func (c *fakeConn) State() pool.ConnState { return pool.ConnState(c.state.Load()) }

func (c *fakeConn) CompareAndSwapState(from, to pool.ConnState) bool {
	return c.state.CompareAndSwap(int32(from), int32(to))
}

func (c *fakeConn) InFlight() int32 { return c.inFlight.Load() }

func (c *fakeConn) TryReserveStream() bool {
	for {
		cur := c.inFlight.Load()
		if cur >= c.maxStreams.Load() {
			return false
		}
		if c.inFlight.CompareAndSwap(cur, cur+1) {
			return true
		}
	}
}

func (c *fakeConn) ReleaseStream() int32 {
	return c.inFlight.Add(-1)
}

func (c *fakeConn) MaxAvailableStreams() int32 { return c.maxStreams.Load() }

func (c *fakeConn) IdleDeadline() time.Time {
	c.idleMu.Lock()
	defer c.idleMu.Unlock()
	return c.idleDeadline
}

func (c *fakeConn) SetIdleDeadline(t time.Time) {
	c.idleMu.Lock()
	c.idleDeadline = t
	c.idleMu.Unlock()
}

func (c *fakeConn) IsDefunct() bool { return c.defunct.Load() }

func (c *fakeConn) SetPool(p *pool.Pool) bool {
	c.poolMu.Lock()
	defer c.poolMu.Unlock()
	if c.owner != nil {
		return false
	}
	c.owner = p
	return true
}

func (c *fakeConn) SetKeyspace(ks string) {
	c.keyspaceMu.Lock()
	c.keyspace = ks
	c.keyspaceMu.Unlock()
}

func (c *fakeConn) Keyspace() string {
	c.keyspaceMu.Lock()
	defer c.keyspaceMu.Unlock()
	return c.keyspace
}

func (c *fakeConn) CloseAsync() *pool.CloseFuture {
	c.closeOnce.Do(func() {
		c.closed.Store(true)
		c.closeFuture.Complete(nil)
	})
	return c.closeFuture
}

func (c *fakeConn) Addr() string { return c.addr }

// leakStreams simulates a slow stream-id leak by lowering maxStreams to
// downTo, without ever recovering the lost ids.
func (c *fakeConn) leakStreams(downTo int32) {
	c.maxStreams.Store(downTo)
}

// fakeDialer builds a pool.DialFunc handing out sequential fakeConns.
// Setting fail true makes every subsequent dial return an error instead.
type fakeDialer struct {
	mu         sync.Mutex
	maxStreams int32
	conns      []*fakeConn
	fail       atomic.Bool
}

func newFakeDialer(maxStreams int32) *fakeDialer {
	return &fakeDialer{maxStreams: maxStreams}
}

func (d *fakeDialer) dial(ctx context.Context) (pool.Connection, error) {
	if d.fail.Load() {
		return nil, errFakeDialFailed
	}
	c := newFakeConn("fake", d.maxStreams)
	d.mu.Lock()
	d.conns = append(d.conns, c)
	d.mu.Unlock()
	return c, nil
}

func (d *fakeDialer) snapshot() []*fakeConn {
	d.mu.Lock()
	defer d.mu.Unlock()
	out := make([]*fakeConn, len(d.conns))
	copy(out, d.conns)
	return out
}

var errFakeDialFailed = fakeDialErr("fake dial failed")

type fakeDialErr string

func (e fakeDialErr) Error() string { return string(e) }
