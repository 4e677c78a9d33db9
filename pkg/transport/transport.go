// Package transport carries framed payloads over a persistent connection.
//
// Three implementations share the Conn surface: TCP for production, an
// in-memory pipe for tests, and a chaos wrapper that injects loss,
// duplication, reordering and latency on top of either.
package transport

import (
	"context"
	"errors"
)

var (
	ErrClosed    = errors.New("connection closed")
	ErrInboxFull = errors.New("inbox full")
	ErrLinkDown  = errors.New("link down")
)

// Conn is one framed, bidirectional connection to a device.
type Conn interface {
	// Recv blocks until a frame arrives, the connection closes, or ctx is
	// done. ok is false once no more frames will ever arrive.
	Recv(ctx context.Context) ([]byte, bool)
	// Send writes one frame. It may fail transiently; retry policy is the
	// caller's concern.
	Send(frame []byte) error
	Close() error
	RemoteAddr() string
}
