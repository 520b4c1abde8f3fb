package pool

import "errors"

// ErrPoolClosed is returned by Borrow once the pool is shutting down or has
// shut down. Upstream treats this as "host down, try another host".
var ErrPoolClosed = errors.New("pool: closed")

// ErrTimeout is returned by Borrow when no stream slot became available
// before the caller's deadline.
var ErrTimeout = errors.New("pool: borrow timed out")

// Fatal open errors: logged, roll back open, and complete the create task
// without aborting the pool. Host-level logic above the pool decides what
// to do about a host that can't authenticate or speaks an incompatible
// protocol/cluster version.
var (
	ErrAuthRejected     = errors.New("pool: authentication rejected")
	ErrVersionMismatch  = errors.New("pool: protocol version mismatch")
	ErrClusterMismatch  = errors.New("pool: cluster name mismatch")
	ErrHandshakeFailed  = errors.New("pool: connection handshake failed")
)
