// Package pool implements the per-host connection pool: a small, elastic
// set of long-lived, multiplexed connections with a borrow/return contract,
// a CAS-driven life-cycle state machine, and back-pressure when every
// connection is saturated.
package pool

import "time"

// Connection is the contract the pool depends on. The wire framing, stream
// multiplexing and authentication handshake that produce a concrete
// implementation of this interface live in internal/transport; the pool
// never looks past this contract.
type Connection interface {
	// State returns the connection's current life-cycle state.
	State() ConnState
	// CompareAndSwapState attempts the single CAS transition from -> to.
	CompareAndSwapState(from, to ConnState) bool

	// InFlight returns the current number of outstanding requests.
	InFlight() int32
	// TryReserveStream CAS-increments InFlight, refusing once InFlight has
	// reached MaxAvailableStreams. Returns false when the connection is
	// saturated; callers must not retry selection against a different
	// connection from inside this call.
	TryReserveStream() bool
	// ReleaseStream CAS-decrements InFlight and returns the resulting value.
	ReleaseStream() int32
	// MaxAvailableStreams is the remaining stream-id budget. Monotonically
	// non-increasing as stream ids leak (e.g. a timed-out request that
	// never frees its id).
	MaxAvailableStreams() int32

	// IdleDeadline is the wall-clock time after which a TRASHED connection
	// is eligible to be closed. Meaningless while OPEN.
	IdleDeadline() time.Time
	// SetIdleDeadline is called by trashConnection/replaceLeaking.
	SetIdleDeadline(t time.Time)

	// IsDefunct is true once the transport has observed the connection is
	// permanently unusable.
	IsDefunct() bool

	// SetPool attaches this connection to a pool. Returns false if already
	// attached elsewhere (used by the preExisting-connection init path).
	SetPool(p *Pool) bool

	// SetKeyspace propagates the session's current keyspace to this
	// connection. Cheap no-op if already current.
	SetKeyspace(ks string)

	// CloseAsync starts closing the underlying transport and returns a
	// future completed once closed. Safe to call more than once.
	CloseAsync() *CloseFuture

	// Addr identifies the connection for logging.
	Addr() string
}

// HostDistance classifies a host for sizing purposes; it selects which
// PoolOptions apply.
type HostDistance int

const (
	Local HostDistance = iota
	Remote
	Ignored
)

func (d HostDistance) String() string {
	switch d {
	case Local:
		return "LOCAL"
	case Remote:
		return "REMOTE"
	case Ignored:
		return "IGNORED"
	default:
		return "UNKNOWN"
	}
}
