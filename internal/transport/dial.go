package transport

import (
	"context"
	"fmt"
	"net"

	"github.com/cqlpool/driver/internal/pool"
)

// Dial opens one connection to addr: TCP connect, then the handshake in
// handshake.go, then a running Conn with its read loop started. The
// returned pool.Connection starts life in StateResurrecting; the pool
// flips it to StateOpen once it's been added to the live set (see
// internal/pool's addConnectionIfUnderMaximum and initialize).
func Dial(ctx context.Context, addr string, opts DialOptions) (pool.Connection, error) {
	var d net.Dialer
	nc, err := d.DialContext(ctx, "tcp", addr)
	if err != nil {
		return nil, fmt.Errorf("transport: dial %s: %w", addr, err)
	}

	if err := handshake(ctx, nc, opts); err != nil {
		nc.Close()
		return nil, err
	}

	maxStreams := int32(opts.MaxStreamsPerConnection)
	if maxStreams <= 0 || maxStreams > MaxStreams {
		maxStreams = MaxStreams
	}
	return newConn(nc, addr, maxStreams), nil
}

// DialFunc builds a pool.DialFunc closed over addr and opts, the shape
// internal/pool.New expects.
func DialFunc(addr string, opts DialOptions) pool.DialFunc {
	return func(ctx context.Context) (pool.Connection, error) {
		return Dial(ctx, addr, opts)
	}
}
