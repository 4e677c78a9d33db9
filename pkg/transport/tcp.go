package transport

import (
	"bufio"
	"context"
	"net"
	"sync"
	"time"

	"github.com/juanpablocruz/syncrec/pkg/wire"
)

const (
	writeDeadline = 5 * time.Second
	recvBuffer    = 128
)

// TCPConn adapts a net.Conn to the framed Conn surface. A reader goroutine
// pumps frames into an inbox so Recv can honor context cancellation.
type TCPConn struct {
	c      net.Conn
	in     chan []byte
	closed chan struct{}
	once   sync.Once
	wmu    sync.Mutex
}

func newTCPConn(c net.Conn) *TCPConn {
	tc := &TCPConn{
		c:      c,
		in:     make(chan []byte, recvBuffer),
		closed: make(chan struct{}),
	}
	go tc.readLoop()
	return tc
}

// Dial connects to a coordinator. Used by device-side clients and the
// simulator.
func Dial(addr string, timeout time.Duration) (*TCPConn, error) {
	c, err := net.DialTimeout("tcp", addr, timeout)
	if err != nil {
		return nil, err
	}
	return newTCPConn(c), nil
}

func (t *TCPConn) readLoop() {
	defer t.Close()
	r := bufio.NewReader(t.c)
	for {
		b, err := wire.ReadFrame(r)
		if err != nil {
			return
		}
		select {
		case t.in <- b:
		case <-t.closed:
			return
		}
	}
}

func (t *TCPConn) Recv(ctx context.Context) ([]byte, bool) {
	select {
	case <-t.closed:
		// Drain anything already buffered before reporting EOF.
		select {
		case b := <-t.in:
			return b, true
		default:
			return nil, false
		}
	case <-ctx.Done():
		return nil, false
	case b := <-t.in:
		return b, true
	}
}

func (t *TCPConn) Send(frame []byte) error {
	select {
	case <-t.closed:
		return ErrClosed
	default:
	}
	t.wmu.Lock()
	defer t.wmu.Unlock()
	// Prevent indefinite blocking on slow/broken peers.
	_ = t.c.SetWriteDeadline(time.Now().Add(writeDeadline))
	err := wire.WriteFrame(t.c, frame)
	_ = t.c.SetWriteDeadline(time.Time{})
	return err
}

func (t *TCPConn) Close() error {
	t.once.Do(func() { close(t.closed) })
	return t.c.Close()
}

func (t *TCPConn) RemoteAddr() string { return t.c.RemoteAddr().String() }

// Listener accepts framed device connections.
type Listener struct {
	ln net.Listener
}

func Listen(addr string) (*Listener, error) {
	ln, err := net.Listen("tcp", addr)
	if err != nil {
		return nil, err
	}
	return &Listener{ln: ln}, nil
}

// Accept blocks for the next device connection.
func (l *Listener) Accept() (Conn, error) {
	c, err := l.ln.Accept()
	if err != nil {
		return nil, err
	}
	return newTCPConn(c), nil
}

func (l *Listener) Addr() string { return l.ln.Addr().String() }
func (l *Listener) Close() error { return l.ln.Close() }
