package transport

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"testing"
	"time"
)

func TestPipeRoundtrip(t *testing.T) {
	a, b := Pipe(4)
	defer a.Close()
	defer b.Close()

	if err := a.Send([]byte("ping")); err != nil {
		t.Fatalf("send: %v", err)
	}
	got, ok := b.Recv(context.Background())
	if !ok || !bytes.Equal(got, []byte("ping")) {
		t.Fatalf("recv: %q ok=%v", got, ok)
	}

	if err := b.Send([]byte("pong")); err != nil {
		t.Fatalf("reply: %v", err)
	}
	got, ok = a.Recv(context.Background())
	if !ok || !bytes.Equal(got, []byte("pong")) {
		t.Fatalf("reply recv: %q ok=%v", got, ok)
	}
}

func TestPipeInboxFull(t *testing.T) {
	a, b := Pipe(2)
	defer a.Close()
	defer b.Close()

	if err := a.Send([]byte("1")); err != nil {
		t.Fatal(err)
	}
	if err := a.Send([]byte("2")); err != nil {
		t.Fatal(err)
	}
	if err := a.Send([]byte("3")); !errors.Is(err, ErrInboxFull) {
		t.Fatalf("want ErrInboxFull, got %v", err)
	}
}

func TestPipeDrainsAfterClose(t *testing.T) {
	a, b := Pipe(4)
	if err := a.Send([]byte("last")); err != nil {
		t.Fatal(err)
	}
	a.Close()

	got, ok := b.Recv(context.Background())
	if !ok || !bytes.Equal(got, []byte("last")) {
		t.Fatalf("buffered frame lost after close: %q ok=%v", got, ok)
	}
	if _, ok := b.Recv(context.Background()); ok {
		t.Fatal("recv after drain should report closed")
	}
	if err := b.Send([]byte("x")); !errors.Is(err, ErrClosed) {
		t.Fatalf("send to closed peer: want ErrClosed, got %v", err)
	}
}

func TestPipeRecvHonorsContext(t *testing.T) {
	a, b := Pipe(1)
	defer a.Close()
	defer b.Close()

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	if _, ok := b.Recv(ctx); ok {
		t.Fatal("recv should fail on context expiry")
	}
}

func TestTCPRoundtrip(t *testing.T) {
	l, err := Listen("127.0.0.1:0")
	if err != nil {
		t.Fatalf("listen: %v", err)
	}
	defer l.Close()

	accepted := make(chan Conn, 1)
	go func() {
		c, err := l.Accept()
		if err != nil {
			return
		}
		accepted <- c
	}()

	client, err := Dial(l.Addr(), time.Second)
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	defer client.Close()

	var server Conn
	select {
	case server = <-accepted:
	case <-time.After(time.Second):
		t.Fatal("accept timed out")
	}
	defer server.Close()

	for i := 0; i < 10; i++ {
		msg := []byte(fmt.Sprintf("frame-%d", i))
		if err := client.Send(msg); err != nil {
			t.Fatalf("send %d: %v", i, err)
		}
		ctx, cancel := context.WithTimeout(context.Background(), time.Second)
		got, ok := server.Recv(ctx)
		cancel()
		if !ok || !bytes.Equal(got, msg) {
			t.Fatalf("frame %d: got %q ok=%v", i, got, ok)
		}
	}
}

func TestTCPRecvAfterPeerClose(t *testing.T) {
	l, err := Listen("127.0.0.1:0")
	if err != nil {
		t.Fatalf("listen: %v", err)
	}
	defer l.Close()

	accepted := make(chan Conn, 1)
	go func() {
		c, err := l.Accept()
		if err != nil {
			return
		}
		accepted <- c
	}()

	client, err := Dial(l.Addr(), time.Second)
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	server := <-accepted

	if err := client.Send([]byte("bye")); err != nil {
		t.Fatal(err)
	}
	client.Close()

	// The buffered frame must still arrive before EOF.
	deadline := time.After(time.Second)
	for {
		ctx, cancel := context.WithTimeout(context.Background(), 100*time.Millisecond)
		got, ok := server.Recv(ctx)
		cancel()
		if ok {
			if !bytes.Equal(got, []byte("bye")) {
				t.Fatalf("got %q", got)
			}
			return
		}
		select {
		case <-deadline:
			t.Fatal("frame lost on close")
		default:
		}
	}
}

func TestChaosLossIsSeeded(t *testing.T) {
	const frames = 200
	a, b := Pipe(frames)
	defer b.Close()

	chaotic := WrapChaos(a, ChaosConfig{Loss: 0.5, Seed: 42})
	defer chaotic.Close()

	for i := 0; i < frames; i++ {
		if err := chaotic.Send([]byte{byte(i)}); err != nil {
			t.Fatalf("send %d: %v", i, err)
		}
	}

	delivered := 0
	for {
		ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
		_, ok := b.Recv(ctx)
		cancel()
		if !ok {
			break
		}
		delivered++
	}
	if delivered == 0 || delivered == frames {
		t.Fatalf("delivered %d of %d with 50%% loss", delivered, frames)
	}
	if delivered < frames/4 || delivered > 3*frames/4 {
		t.Fatalf("delivered %d of %d, far from seeded expectation", delivered, frames)
	}
}

func TestChaosDuplicates(t *testing.T) {
	a, b := Pipe(64)
	defer b.Close()

	chaotic := WrapChaos(a, ChaosConfig{Dup: 1.0, Seed: 7})
	defer chaotic.Close()

	if err := chaotic.Send([]byte("twice")); err != nil {
		t.Fatal(err)
	}
	for i := 0; i < 2; i++ {
		ctx, cancel := context.WithTimeout(context.Background(), 200*time.Millisecond)
		got, ok := b.Recv(ctx)
		cancel()
		if !ok || !bytes.Equal(got, []byte("twice")) {
			t.Fatalf("copy %d missing: %q ok=%v", i, got, ok)
		}
	}
}

func TestChaosLinkDown(t *testing.T) {
	a, b := Pipe(4)
	defer b.Close()

	chaotic := WrapChaos(a, ChaosConfig{DownAtStart: true})
	defer chaotic.Close()

	if err := chaotic.Send([]byte("x")); !errors.Is(err, ErrLinkDown) {
		t.Fatalf("want ErrLinkDown, got %v", err)
	}
	chaotic.SetUp(true)
	if err := chaotic.Send([]byte("x")); err != nil {
		t.Fatalf("send after SetUp: %v", err)
	}
}

func TestChaosDelayDelivers(t *testing.T) {
	a, b := Pipe(4)
	defer b.Close()

	chaotic := WrapChaos(a, ChaosConfig{BaseDelay: 10 * time.Millisecond, Seed: 1})
	defer chaotic.Close()

	start := time.Now()
	if err := chaotic.Send([]byte("late")); err != nil {
		t.Fatal(err)
	}
	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	got, ok := b.Recv(ctx)
	if !ok || !bytes.Equal(got, []byte("late")) {
		t.Fatalf("delayed frame lost: %q ok=%v", got, ok)
	}
	if time.Since(start) < 10*time.Millisecond {
		t.Fatal("frame arrived before the configured delay")
	}
}
