package tunnel

import (
	"context"
	"net"
	"strconv"
	"testing"
	"time"

	"golang.org/x/sys/unix"

	"github.com/numimin/tunnel-sender/internal/ringbuf"
	"github.com/numimin/tunnel-sender/internal/wire"
)

// TestEventLoopEndToEnd drives a real Server over loopback sockets: a fake
// upstream accepts the tunnel connection, a plain TCP client connects
// downstream and writes a payload, and the test decodes the tunnel stream to
// confirm an ADD control frame, the data frame, and — after the client
// disconnects — a REMOVE control frame, all arrive in order.
func TestEventLoopEndToEnd(t *testing.T) {
	upstream, err := net.Listen("tcp4", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("listen upstream: %v", err)
	}
	defer upstream.Close()
	upstreamPort := upstream.Addr().(*net.TCPAddr).Port

	srv := NewServer(
		WithListenPort(0),
		WithTunnelAddr("127.0.0.1", upstreamPort),
		WithBufferSize(64),
		WithConnectTimeout(2*time.Second),
	)

	accepted := make(chan net.Conn, 1)
	go func() {
		c, aerr := upstream.Accept()
		if aerr == nil {
			accepted <- c
		}
	}()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	serveErr := make(chan error, 1)
	go func() { serveErr <- srv.Serve(ctx) }()

	select {
	case <-srv.Ready():
	case err := <-serveErr:
		t.Fatalf("Serve exited before becoming ready: %v", err)
	case <-time.After(3 * time.Second):
		t.Fatalf("timed out waiting for Ready")
	}

	var tunnelConn net.Conn
	select {
	case tunnelConn = <-accepted:
	case <-time.After(3 * time.Second):
		t.Fatalf("upstream never accepted the tunnel connection")
	}
	defer tunnelConn.Close()

	port, err := srv.ListenPort()
	if err != nil {
		t.Fatalf("ListenPort: %v", err)
	}

	client, err := net.Dial("tcp4", net.JoinHostPort("127.0.0.1", strconv.Itoa(port)))
	if err != nil {
		t.Fatalf("dial downstream: %v", err)
	}
	defer client.Close()

	if _, err := client.Write([]byte("hello\n")); err != nil {
		t.Fatalf("write: %v", err)
	}

	d := wire.NewDeframer(4096)
	var events []wire.Event
	buf := make([]byte, 256)
	_ = tunnelConn.SetReadDeadline(time.Now().Add(3 * time.Second))

	readUntil := func(want int) {
		for len(events) < want {
			n, rerr := tunnelConn.Read(buf)
			if rerr != nil {
				t.Fatalf("read from tunnel: %v", rerr)
			}
			for _, b := range buf[:n] {
				ev, delivered, ferr := d.Feed(b)
				if ferr != nil {
					t.Fatalf("decode error: %v", ferr)
				}
				if delivered {
					events = append(events, ev)
				}
			}
		}
	}

	readUntil(2)

	if events[0].Tag != byte(wire.ControlTag) || len(events[0].Payload) != 2 || events[0].Payload[0] != wire.OpAdd {
		t.Fatalf("expected ADD control frame first, got %+v", events[0])
	}
	if string(events[1].Payload) != "hello\n" {
		t.Fatalf("expected payload %q, got %+v", "hello\n", events[1])
	}

	client.Close()

	deadline := time.Now().Add(3 * time.Second)
	for {
		last := events[len(events)-1]
		if last.Tag == byte(wire.ControlTag) && len(last.Payload) == 2 && last.Payload[0] == wire.OpRemove {
			break
		}
		if time.Now().After(deadline) {
			t.Fatalf("timed out waiting for REMOVE control frame")
		}
		_ = tunnelConn.SetReadDeadline(time.Now().Add(1 * time.Second))
		n, rerr := tunnelConn.Read(buf)
		if rerr != nil {
			t.Fatalf("read waiting for REMOVE: %v", rerr)
		}
		for _, b := range buf[:n] {
			ev, delivered, ferr := d.Feed(b)
			if ferr != nil {
				t.Fatalf("decode error: %v", ferr)
			}
			if delivered {
				events = append(events, ev)
			}
		}
	}

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer shutdownCancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		t.Fatalf("Shutdown: %v", err)
	}
	if err := <-serveErr; err != nil {
		t.Fatalf("Serve returned error: %v", err)
	}
}

// TestNextMessageIndexRoundRobin exercises the round-robin cursor directly
// against a registry with several clients holding data, independent of the
// full event loop.
func TestNextMessageIndexRoundRobin(t *testing.T) {
	s := NewServer(WithBufferSize(32))

	ids := make([]int, 3)
	for i := range ids {
		id := s.reg.Add(1000 + i)
		s.clientBuf[id] = ringbuf.New(s.bufferSize)
		ids[i] = id
	}

	// Only the first and third clients have pending data.
	s.clientBuf[ids[0]].PutByte('a')
	s.clientBuf[ids[2]].PutByte('b')

	first := s.nextMessageIndex(-1)
	if got := s.reg.IndexToID(first); got != ids[0] {
		t.Fatalf("expected first pending client to be id %d, got %d", ids[0], got)
	}

	second := s.nextMessageIndex(first)
	if got := s.reg.IndexToID(second); got != ids[2] {
		t.Fatalf("expected next pending client to be id %d, got %d", ids[2], got)
	}

	// Once both pending clients have been drained, a full cycle finds none.
	s.clientBuf[ids[0]].Clear()
	s.clientBuf[ids[2]].Clear()
	if none := s.nextMessageIndex(second); none != -1 {
		t.Fatalf("expected no more pending clients, got index %d", none)
	}
}

// TestFillMessageEmitsAddThenData checks that a freshly queued client ID
// produces an ADD control frame before any of its buffered data is
// encapsulated.
func TestFillMessageEmitsAddThenData(t *testing.T) {
	s := NewServer(WithBufferSize(32))

	id := s.reg.Add(42)
	s.clientBuf[id] = ringbuf.New(s.bufferSize)
	s.clientBuf[id].PutByte('x')
	s.addQueue.PutByte(byte(id))

	s.fillMessage()

	var fds [2]int
	if err := unix.Pipe(fds[:]); err != nil {
		t.Fatalf("pipe: %v", err)
	}
	readFd, writeFd := fds[0], fds[1]
	defer unix.Close(readFd)

	for !s.framer.Empty() {
		if _, err := s.framer.SendTo(writeFd); err != nil {
			t.Fatalf("SendTo: %v", err)
		}
	}
	unix.Close(writeFd)

	drained := make([]byte, 0, 64)
	chunk := make([]byte, 64)
	for {
		n, err := unix.Read(readFd, chunk)
		if n > 0 {
			drained = append(drained, chunk[:n]...)
		}
		if err != nil || n == 0 {
			break
		}
	}

	d := wire.NewDeframer(256)
	var events []wire.Event
	for _, b := range drained {
		ev, delivered, ferr := d.Feed(b)
		if ferr != nil {
			t.Fatalf("decode error: %v", ferr)
		}
		if delivered {
			events = append(events, ev)
		}
	}

	if len(events) != 2 {
		t.Fatalf("expected 2 frames (ADD, data), got %d: %+v", len(events), events)
	}
	if events[0].Tag != byte(wire.ControlTag) || events[0].Payload[0] != wire.OpAdd {
		t.Fatalf("expected ADD first, got %+v", events[0])
	}
	if string(events[1].Payload) != "x" {
		t.Fatalf("expected data frame payload %q, got %+v", "x", events[1])
	}
}
