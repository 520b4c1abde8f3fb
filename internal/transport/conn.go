package transport

import (
	"bufio"
	"context"
	"fmt"
	"log"
	"net"
	"sync"
	"time"

	"github.com/google/uuid"
	uatomic "go.uber.org/atomic"

	"github.com/cqlpool/driver/internal/pool"
)

// pendingEntry is a single in-flight request awaiting its response frame.
type pendingEntry struct {
	respCh chan frameResult
}

type frameResult struct {
	hdr  Header
	body []byte
	err  error
}

// Conn is the reference implementation of pool.Connection: a single
// multiplexed transport connection over net.Conn, framed per frame.go, with
// a background read loop that demultiplexes responses by stream id.
//
// Conn satisfies pool.Connection; the pool never reaches past that
// interface into any of the fields below.
type Conn struct {
	id   string
	addr string
	nc   net.Conn
	w    *bufio.Writer
	wmu  sync.Mutex

	streams *streamAllocator

	state    uatomic.Int32
	inFlight uatomic.Int32
	defunct  uatomic.Bool

	idleDeadline struct {
		mu sync.Mutex
		t  time.Time
	}

	keyspace uatomic.String

	poolMu sync.Mutex
	owner  *pool.Pool

	closeOnce   sync.Once
	closeFuture *pool.CloseFuture

	pendingMu sync.Mutex
	pending   map[int16]pendingEntry

	logf func(format string, args ...any)
}

// newConn wraps an already-handshaken net.Conn. maxStreams bounds the
// stream-id space (32768 for the reference protocol version, see
// frame.go's MaxStreams) and is an int32 since that budget doesn't fit in
// the int16 that carries a single stream id on the wire.
func newConn(nc net.Conn, addr string, maxStreams int32) *Conn {
	id := uuid.New().String()
	c := &Conn{
		id:          id,
		addr:        addr,
		nc:          nc,
		w:           bufio.NewWriter(nc),
		streams:     newStreamAllocator(maxStreams),
		pending:     make(map[int16]pendingEntry),
		closeFuture: pool.NewCloseFuture(),
		logf:        func(format string, args ...any) { log.Printf("[transport %s/%s] "+format, append([]any{addr, id[:8]}, args...)...) },
	}
	c.state.Store(int32(pool.StateResurrecting)) // attached by New/addConnectionIfUnderMaximum, not yet OPEN
	go c.readLoop()
	return c
}

// State returns the connection's current life-cycle state.
func (c *Conn) State() pool.ConnState { return pool.ConnState(c.state.Load()) }

// CompareAndSwapState attempts the single CAS transition from -> to.
func (c *Conn) CompareAndSwapState(from, to pool.ConnState) bool {
	return c.state.CompareAndSwap(int32(from), int32(to))
}

// InFlight returns the current number of outstanding requests.
func (c *Conn) InFlight() int32 { return c.inFlight.Load() }

// TryReserveStream CAS-increments InFlight, refusing once InFlight has
// reached the connection's remaining stream-id budget.
func (c *Conn) TryReserveStream() bool {
	for {
		cur := c.inFlight.Load()
		if cur >= c.streams.availableCount() {
			return false
		}
		if c.inFlight.CompareAndSwap(cur, cur+1) {
			return true
		}
	}
}

// ReleaseStream CAS-decrements InFlight and returns the resulting value.
func (c *Conn) ReleaseStream() int32 { return c.inFlight.Dec() }

// MaxAvailableStreams is the remaining stream-id budget.
func (c *Conn) MaxAvailableStreams() int32 { return c.streams.availableCount() }

// IdleDeadline is the wall-clock time after which a TRASHED connection is
// eligible to be closed.
func (c *Conn) IdleDeadline() time.Time {
	c.idleDeadline.mu.Lock()
	defer c.idleDeadline.mu.Unlock()
	return c.idleDeadline.t
}

// SetIdleDeadline is called by trashConnection/replaceLeaking.
func (c *Conn) SetIdleDeadline(t time.Time) {
	c.idleDeadline.mu.Lock()
	c.idleDeadline.t = t
	c.idleDeadline.mu.Unlock()
}

// IsDefunct is true once the read loop has observed the connection is
// permanently unusable.
func (c *Conn) IsDefunct() bool { return c.defunct.Load() }

// SetPool attaches this connection to a pool. Returns false if already
// attached elsewhere.
func (c *Conn) SetPool(p *pool.Pool) bool {
	c.poolMu.Lock()
	defer c.poolMu.Unlock()
	if c.owner != nil {
		return false
	}
	c.owner = p
	return true
}

// SetKeyspace propagates the session's current keyspace to this connection.
// A real implementation would issue a USE <keyspace> query; query execution
// is out of scope here, so this only updates the cached value a later
// Exchange call would send as part of a query's per-request state.
func (c *Conn) SetKeyspace(ks string) {
	c.keyspace.Store(ks)
}

// Addr identifies the connection for logging.
func (c *Conn) Addr() string { return c.addr }

// ID is a per-connection identifier, assigned once at dial time and stable
// for the life of the Conn. It has no wire meaning; it exists so logs and
// metrics can distinguish two connections to the same addr.
func (c *Conn) ID() string { return c.id }

// CloseAsync starts closing the underlying transport and returns a future
// completed once closed. Safe to call more than once.
func (c *Conn) CloseAsync() *pool.CloseFuture {
	c.closeOnce.Do(func() {
		go func() {
			err := c.nc.Close()
			c.failPending(fmt.Errorf("transport: connection closed"))
			c.closeFuture.Complete(err)
		}()
	})
	return c.closeFuture
}

// markDefunct first hands the connection to its owning pool for
// replacement, then flips the defunct flag. This ordering — replace before
// flip — is load-bearing: it guarantees Return never observes a connection
// that looks defunct but hasn't been retired from circulation yet.
func (c *Conn) markDefunct(cause error) {
	c.poolMu.Lock()
	owner := c.owner
	c.poolMu.Unlock()

	if owner != nil {
		owner.ReplaceDefunctConnection(c)
	}
	c.defunct.Store(true)
	c.logf("marked defunct: %v", cause)
}

func (c *Conn) failPending(err error) {
	c.pendingMu.Lock()
	entries := c.pending
	c.pending = make(map[int16]pendingEntry)
	c.pendingMu.Unlock()

	for _, e := range entries {
		e.respCh <- frameResult{err: err}
	}
}

// readLoop demultiplexes response frames by stream id until the connection
// fails or is closed.
func (c *Conn) readLoop() {
	for {
		hdr, body, err := ReadFrame(c.nc)
		if err != nil {
			c.markDefunct(err)
			c.failPending(err)
			return
		}

		c.pendingMu.Lock()
		entry, ok := c.pending[hdr.Stream]
		if ok {
			delete(c.pending, hdr.Stream)
		}
		c.pendingMu.Unlock()

		if !ok {
			c.logf("dropped frame for unknown stream %d", hdr.Stream)
			continue
		}
		entry.respCh <- frameResult{hdr: hdr, body: body}
	}
}

// Exchange sends a request frame and waits for its response, consuming one
// real stream id for the duration. A request that is abandoned via ctx
// cancellation leaks its stream id permanently (the eventual late response,
// if any, is dropped by readLoop as "unknown stream") rather than risking
// handing that id to an unrelated future request.
func (c *Conn) Exchange(ctx context.Context, op Opcode, body []byte) (Header, []byte, error) {
	id, ok := c.streams.acquire()
	if !ok {
		return Header{}, nil, fmt.Errorf("transport: %s: no stream ids available", c.addr)
	}

	respCh := make(chan frameResult, 1)
	c.pendingMu.Lock()
	c.pending[id] = pendingEntry{respCh: respCh}
	c.pendingMu.Unlock()

	c.wmu.Lock()
	err := WriteFrame(c.w, op, id, body)
	if err == nil {
		err = c.w.Flush()
	}
	c.wmu.Unlock()

	if err != nil {
		c.pendingMu.Lock()
		delete(c.pending, id)
		c.pendingMu.Unlock()
		c.streams.release(id)
		return Header{}, nil, err
	}

	select {
	case res := <-respCh:
		if res.err != nil {
			return Header{}, nil, res.err
		}
		c.streams.release(id)
		return res.hdr, res.body, nil
	case <-ctx.Done():
		c.pendingMu.Lock()
		delete(c.pending, id)
		c.pendingMu.Unlock()
		c.streams.leak()
		return Header{}, nil, ctx.Err()
	}
}
