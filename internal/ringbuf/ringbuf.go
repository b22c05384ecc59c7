// Package ringbuf implements a fixed-capacity cyclic byte buffer exposing
// contiguous-window recv/send so the operating system can always be handed a
// single contiguous span, never a wrapped one.
//
// The buffer is not safe for concurrent use; callers in this repository only
// ever touch a given Buffer from the single-threaded event loop.
package ringbuf

import (
	"golang.org/x/sys/unix"
)

// Buffer is a bounded ring of bytes. The zero value is not usable; construct
// with New.
type Buffer struct {
	buf   []byte
	count int
	start int
}

// New allocates a Buffer with the given fixed capacity.
func New(size int) *Buffer {
	return &Buffer{buf: make([]byte, size)}
}

// Cap returns the buffer's fixed capacity.
func (b *Buffer) Cap() int { return len(b.buf) }

// Len returns the number of bytes currently held.
func (b *Buffer) Len() int { return b.count }

// Free returns the number of bytes that can still be written.
func (b *Buffer) Free() int { return len(b.buf) - b.count }

// Full reports whether the buffer has no free space.
func (b *Buffer) Full() bool { return b.count == len(b.buf) }

// Empty reports whether the buffer holds no bytes.
func (b *Buffer) Empty() bool { return b.count == 0 }

// ContiguousReadable returns the number of bytes readable in one contiguous
// span starting at the current read position.
func (b *Buffer) ContiguousReadable() int {
	return min(len(b.buf)-b.start, b.count)
}

// ContiguousWritable returns the number of bytes writable in one contiguous
// span starting right after the current write position. When the occupied
// region ends exactly at the end of the backing array this is 0, even if the
// bytes before the read position are free; Compact makes them reachable.
func (b *Buffer) ContiguousWritable() int {
	if b.start+b.count <= len(b.buf) {
		return len(b.buf) - (b.start + b.count)
	}
	return b.Free()
}

// Compact moves the occupied region to offset 0, eliminating any wrap. O(count).
func (b *Buffer) Compact() {
	if b.start == 0 {
		return
	}
	shifted := make([]byte, b.count)
	for i := 0; i < b.count; i++ {
		shifted[i] = b.buf[(b.start+i)%len(b.buf)]
	}
	copy(b.buf, shifted)
	b.start = 0
}

// Skip advances the read position by count bytes, clamped to Len().
func (b *Buffer) Skip(count int) {
	if count > b.count {
		count = b.count
	}
	b.count -= count
	b.start = (b.start + count) % len(b.buf)
}

// SkipRight advances the write position by count bytes (i.e. marks count
// more bytes, written externally into the window ContiguousWritable() named,
// as occupied), clamped to Free().
func (b *Buffer) SkipRight(count int) {
	if b.count+count > len(b.buf) {
		count = len(b.buf) - b.count
	}
	b.count += count
}

// PutByte appends one byte, failing if the buffer is full.
func (b *Buffer) PutByte(c byte) bool {
	if b.Full() {
		return false
	}
	b.buf[(b.start+b.count)%len(b.buf)] = c
	b.SkipRight(1)
	return true
}

// Peek returns the next readable byte without consuming it.
func (b *Buffer) Peek() (byte, bool) {
	if b.Empty() {
		return 0, false
	}
	return b.buf[b.start], true
}

// GetByte consumes and returns the next readable byte.
func (b *Buffer) GetByte() (byte, bool) {
	c, ok := b.Peek()
	if !ok {
		return 0, false
	}
	b.Skip(1)
	return c, true
}

// PutBytes appends as many bytes of s as fit, returning the count appended.
func (b *Buffer) PutBytes(s []byte) int {
	i := 0
	for ; i < len(s); i++ {
		if !b.PutByte(s[i]) {
			break
		}
	}
	return i
}

// GetBytes consumes up to len(dst) readable bytes into dst, returning the
// count consumed.
func (b *Buffer) GetBytes(dst []byte) int {
	i := 0
	for ; i < len(dst); i++ {
		c, ok := b.GetByte()
		if !ok {
			break
		}
		dst[i] = c
	}
	return i
}

// Clear discards all buffered bytes.
func (b *Buffer) Clear() {
	b.start = 0
	b.count = 0
}

// Data returns the contiguous readable span starting at the read position.
// The slice aliases the buffer's backing array and is invalidated by any
// subsequent mutation.
func (b *Buffer) Data() []byte {
	return b.buf[b.start : b.start+b.ContiguousReadable()]
}

// WritableSlice returns the contiguous writable span starting right after
// the occupied region. The slice aliases the buffer's backing array.
func (b *Buffer) WritableSlice() []byte {
	end := (b.start + b.count) % len(b.buf)
	return b.buf[end : end+b.ContiguousWritable()]
}

// RecvFrom performs one read(2) from fd into the buffer's free space.
//
// Per spec, a recv call against an empty-free buffer performs no syscall and
// returns (0, nil) without touching fd. Otherwise the buffer is compacted
// first — unconditionally, mirroring the reference implementation, where
// compaction is a cheap no-op once the read position is already at offset 0
// — so the kernel always sees the full free region in one contiguous span.
// A zero-byte, nil-error result signals EOF, matching the convention used
// throughout this codec: callers distinguish "would block" (error is
// unix.EAGAIN) from "peer closed" (n == 0, err == nil).
func (b *Buffer) RecvFrom(fd int) (int, error) {
	if b.Free() == 0 {
		return 0, nil
	}
	b.Compact()
	n, err := unix.Read(fd, b.buf[b.count:b.count+b.Free()])
	if err != nil {
		return 0, err
	}
	if n == 0 {
		return 0, nil
	}
	b.SkipRight(n)
	return n, nil
}

// SendTo performs one write(2) to fd from the buffer's occupied region,
// compacting first only if the occupied region currently wraps (so the
// kernel is always handed a single contiguous span, never a split one).
func (b *Buffer) SendTo(fd int) (int, error) {
	if b.ContiguousReadable() != b.count {
		b.Compact()
	}
	n, err := unix.Write(fd, b.buf[b.start:b.start+b.count])
	if err != nil {
		return 0, err
	}
	b.Skip(n)
	return n, nil
}
