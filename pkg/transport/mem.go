package transport

import (
	"context"
	"sync"
)

// MemConn is one end of an in-memory framed pipe for tests.
type MemConn struct {
	name   string
	out    chan<- []byte
	in     <-chan []byte
	closed chan struct{}
	peer   *MemConn
	once   sync.Once
}

// Pipe returns a connected pair of framed in-memory connections. Each
// direction is buffered; Send fails with ErrInboxFull when the peer's
// inbox is saturated rather than blocking the sender.
func Pipe(buffer int) (*MemConn, *MemConn) {
	if buffer <= 0 {
		buffer = 256
	}
	ab := make(chan []byte, buffer)
	ba := make(chan []byte, buffer)
	a := &MemConn{name: "a", out: ab, in: ba, closed: make(chan struct{})}
	b := &MemConn{name: "b", out: ba, in: ab, closed: make(chan struct{})}
	a.peer, b.peer = b, a
	return a, b
}

func (m *MemConn) Recv(ctx context.Context) ([]byte, bool) {
	select {
	case <-m.closed:
		select {
		case b := <-m.in:
			return b, true
		default:
			return nil, false
		}
	case <-m.peer.closed:
		select {
		case b := <-m.in:
			return b, true
		default:
			return nil, false
		}
	case <-ctx.Done():
		return nil, false
	case b := <-m.in:
		return b, true
	}
}

func (m *MemConn) Send(frame []byte) error {
	select {
	case <-m.closed:
		return ErrClosed
	case <-m.peer.closed:
		return ErrClosed
	default:
	}
	cp := make([]byte, len(frame))
	copy(cp, frame)
	select {
	case m.out <- cp:
		return nil
	default:
		return ErrInboxFull
	}
}

func (m *MemConn) Close() error {
	m.once.Do(func() { close(m.closed) })
	return nil
}

func (m *MemConn) RemoteAddr() string { return "mem:" + m.peer.name }
