package transport

import (
	"bytes"
	"context"
	"fmt"
	"net"

	"github.com/cqlpool/driver/internal/pool"
)

// DialOptions configures a single handshake attempt.
type DialOptions struct {
	// ClusterName, if set, must match the value the host reports in its
	// READY frame or the dial fails with pool.ErrClusterMismatch. Guards
	// against a misconfigured seed list pointing at the wrong cluster.
	ClusterName string
	// Username/Password drive SASL-plain auth when the host challenges
	// with AUTHENTICATE. Left empty, a challenge fails with
	// pool.ErrAuthRejected rather than silently skipping auth.
	Username string
	Password string
	// MaxStreamsPerConnection bounds the stream-id space; 0 defaults to
	// MaxStreams.
	MaxStreamsPerConnection int
}

// startupBody is a minimal key=value encoding standing in for the real
// protocol's [string map] options. Good enough to exercise version and
// cluster-name negotiation without a full type-length-value codec.
func startupBody(opts DialOptions) []byte {
	var buf bytes.Buffer
	fmt.Fprintf(&buf, "CQL_VERSION=3.0.0\n")
	if opts.ClusterName != "" {
		fmt.Fprintf(&buf, "CLUSTER_NAME=%s\n", opts.ClusterName)
	}
	return buf.Bytes()
}

func authResponseBody(opts DialOptions) []byte {
	// SASL-plain: \0username\0password
	return []byte("\x00" + opts.Username + "\x00" + opts.Password)
}

// handshake runs OPTIONS -> SUPPORTED, STARTUP -> READY|AUTHENTICATE, and
// on a challenge AUTH_RESPONSE -> AUTH_SUCCESS|ERROR. Returns
// pool.ErrVersionMismatch, pool.ErrClusterMismatch, pool.ErrAuthRejected or
// pool.ErrHandshakeFailed on the respective failure.
func handshake(ctx context.Context, nc net.Conn, opts DialOptions) error {
	done := make(chan error, 1)
	go func() { done <- runHandshake(nc, opts) }()

	select {
	case err := <-done:
		return err
	case <-ctx.Done():
		nc.Close()
		return ctx.Err()
	}
}

func runHandshake(nc net.Conn, opts DialOptions) error {
	if err := WriteFrame(nc, OpOptions, 0, nil); err != nil {
		return fmt.Errorf("%w: sending OPTIONS: %v", pool.ErrHandshakeFailed, err)
	}
	hdr, _, err := ReadFrame(nc)
	if err != nil {
		return fmt.Errorf("%w: reading SUPPORTED: %v", pool.ErrHandshakeFailed, err)
	}
	if hdr.Opcode != OpSupported {
		return fmt.Errorf("%w: expected SUPPORTED, got %s", pool.ErrHandshakeFailed, hdr.Opcode)
	}

	if err := WriteFrame(nc, OpStartup, 0, startupBody(opts)); err != nil {
		return fmt.Errorf("%w: sending STARTUP: %v", pool.ErrHandshakeFailed, err)
	}
	hdr, body, err := ReadFrame(nc)
	if err != nil {
		return fmt.Errorf("%w: reading STARTUP response: %v", pool.ErrHandshakeFailed, err)
	}

	switch hdr.Opcode {
	case OpReady:
		return checkClusterName(body, opts)
	case OpAuthenticate:
		return authenticate(nc, opts)
	case OpError:
		return classifyError(body)
	default:
		return fmt.Errorf("%w: unexpected opcode %s after STARTUP", pool.ErrHandshakeFailed, hdr.Opcode)
	}
}

func authenticate(nc net.Conn, opts DialOptions) error {
	if opts.Username == "" {
		return pool.ErrAuthRejected
	}
	if err := WriteFrame(nc, OpAuthResponse, 0, authResponseBody(opts)); err != nil {
		return fmt.Errorf("%w: sending AUTH_RESPONSE: %v", pool.ErrHandshakeFailed, err)
	}
	hdr, body, err := ReadFrame(nc)
	if err != nil {
		return fmt.Errorf("%w: reading auth response: %v", pool.ErrHandshakeFailed, err)
	}
	switch hdr.Opcode {
	case OpAuthSuccess:
		return checkClusterName(body, opts)
	case OpError:
		return classifyError(body)
	default:
		return pool.ErrAuthRejected
	}
}

func checkClusterName(readyBody []byte, opts DialOptions) error {
	if opts.ClusterName == "" {
		return nil
	}
	want := []byte("CLUSTER_NAME=" + opts.ClusterName)
	if bytes.Contains(readyBody, want) {
		return nil
	}
	if len(readyBody) == 0 {
		// Host didn't echo a cluster name at all; nothing to check against.
		return nil
	}
	return pool.ErrClusterMismatch
}

func classifyError(body []byte) error {
	switch {
	case bytes.Contains(body, []byte("version")):
		return pool.ErrVersionMismatch
	case bytes.Contains(body, []byte("auth")), bytes.Contains(body, []byte("credentials")):
		return pool.ErrAuthRejected
	default:
		return fmt.Errorf("%w: %s", pool.ErrHandshakeFailed, string(body))
	}
}
