package ringbuf

import (
	"testing"
)

func invariant(t *testing.T, b *Buffer) {
	t.Helper()
	if b.Len() < 0 || b.Len() > b.Cap() {
		t.Fatalf("count out of range: %d (cap %d)", b.Len(), b.Cap())
	}
	if b.start < 0 || (b.Cap() > 0 && b.start >= b.Cap()) {
		t.Fatalf("start out of range: %d (cap %d)", b.start, b.Cap())
	}
}

func TestPutGetRoundTrip(t *testing.T) {
	b := New(8)
	n := b.PutBytes([]byte("hello"))
	if n != 5 {
		t.Fatalf("PutBytes = %d, want 5", n)
	}
	invariant(t, b)
	got := make([]byte, 5)
	if n := b.GetBytes(got); n != 5 || string(got) != "hello" {
		t.Fatalf("GetBytes = %q, n=%d", got, n)
	}
	if !b.Empty() {
		t.Fatalf("expected empty after full drain")
	}
}

func TestFullAndEmptyBoundaries(t *testing.T) {
	b := New(4)
	for i := 0; i < 4; i++ {
		if !b.PutByte(byte('a' + i)) {
			t.Fatalf("PutByte %d should have succeeded", i)
		}
	}
	if !b.Full() {
		t.Fatalf("expected full")
	}
	if b.PutByte('x') {
		t.Fatalf("PutByte on full buffer should fail")
	}
	invariant(t, b)

	b2 := New(4)
	if _, ok := b2.GetByte(); ok {
		t.Fatalf("GetByte on empty buffer should fail")
	}
}

func TestWrapAndCompact(t *testing.T) {
	b := New(4)
	b.PutBytes([]byte("xab"))
	out := make([]byte, 2)
	b.GetBytes(out) // consume 'x','a', start=2, count=1
	b.PutBytes([]byte("cd"))
	// buffer now wraps: start=2, count=3 ("b","c" at 2..3, "d" at 0), size=4
	if b.ContiguousReadable() == b.Len() {
		t.Fatalf("expected a wrapped buffer for this test setup")
	}
	b.Compact()
	if b.start != 0 {
		t.Fatalf("compact should reset start to 0, got %d", b.start)
	}
	got := make([]byte, 3)
	b.GetBytes(got)
	if string(got) != "bcd" {
		t.Fatalf("got %q, want bcd", got)
	}
}

func TestContiguousWindows(t *testing.T) {
	b := New(4)
	b.PutBytes([]byte("ab"))
	discard := make([]byte, 1)
	b.GetBytes(discard)
	b.PutBytes([]byte("c")) // start=1, count=2 ("b","c")
	if got := b.ContiguousWritable(); got != 1 {
		t.Fatalf("ContiguousWritable = %d, want 1 (tail slot before wrap)", got)
	}
	if got := b.Free(); got != 2 {
		t.Fatalf("Free = %d, want 2", got)
	}
}

func TestRecvFromEmptyFreeDoesNotTouchFD(t *testing.T) {
	b := New(2)
	b.PutBytes([]byte("xy"))
	before := append([]byte(nil), b.buf...)
	n, err := b.RecvFrom(-1) // invalid fd: a real syscall would error
	if err != nil {
		t.Fatalf("RecvFrom on a full buffer must not touch the fd, got err=%v", err)
	}
	if n != 0 {
		t.Fatalf("RecvFrom on a full buffer must read 0 bytes, got %d", n)
	}
	for i := range before {
		if before[i] != b.buf[i] {
			t.Fatalf("buffer contents mutated by a no-op recv")
		}
	}
}

func TestSkipClampsToCount(t *testing.T) {
	b := New(4)
	b.PutBytes([]byte("ab"))
	b.Skip(100)
	if !b.Empty() {
		t.Fatalf("Skip(100) on a 2-byte buffer should empty it")
	}
	invariant(t, b)
}

func TestSkipRightClampsToFree(t *testing.T) {
	b := New(4)
	b.SkipRight(100)
	if !b.Full() {
		t.Fatalf("SkipRight(100) on an empty 4-byte buffer should fill it")
	}
	invariant(t, b)
}
