package wire

import "github.com/numimin/tunnel-sender/internal/ringbuf"

// Framer encodes data from multiple logical streams onto a single outbound
// ring, switching the "current order" (tag) lazily: it only emits a frame
// boundary when the caller actually changes streams, so a long run of
// payload from one client costs one open and one eventual close, not one
// pair per call.
type Framer struct {
	ring  *ringbuf.Buffer
	order Order
}

// NewFramer allocates a Framer with the given outbound ring capacity.
func NewFramer(ringSize int) *Framer {
	return &Framer{ring: ringbuf.New(ringSize), order: NoOrder}
}

// Order reports the tag of the frame currently open, or NoOrder.
func (f *Framer) Order() Order { return f.order }

// Empty reports whether the outbound ring holds no bytes to send.
func (f *Framer) Empty() bool { return f.ring.Empty() }

// Ring exposes the underlying outbound ring for the event loop's send path.
func (f *Framer) Ring() *ringbuf.Buffer { return f.ring }

func (f *Framer) putEscaped(b byte) {
	if isReserved(b) {
		f.ring.PutByte(Esc)
	}
	f.ring.PutByte(b)
}

// openFrame closes the currently open frame, if any, and opens a new one
// tagged order. The caller must already have verified f.headerCost() <=
// f.ring.Free().
func (f *Framer) openFrame(order Order) {
	if f.order != NoOrder {
		f.ring.PutByte(Flag)
	}
	f.ring.PutByte(Flag)
	f.putEscaped(byte(order))
	f.order = order
}

// headerCost returns the worst-case bytes needed to switch from the current
// order to a different one: an optional closing Flag, the opening Flag, and the
// tag byte escaped worst-case (2 bytes, since any tag value may coincide
// with a reserved byte).
func (f *Framer) headerCost() int {
	cost := 1 + 2
	if f.order != NoOrder {
		cost++
	}
	return cost
}

// Encapsulate encodes a prefix of data as payload of the frame tagged order,
// switching frames first if necessary, and returns the number of bytes of
// data actually consumed. Payload bytes are written only while the ring's
// contiguous writable span holds at least two bytes (one worst-case escaped
// byte); the frame header bytes may cross the end of the backing array.
//
// If order differs from the frame currently open, the switch is atomic: if
// there isn't room for the worst-case overhead of closing the old frame,
// opening the new one, and encoding at least one payload byte, Encapsulate
// writes nothing and returns 0. This guarantees the Framer never opens a
// frame it cannot also close under the caller's retry discipline.
//
// Encapsulate(data, order) with len(data) == 0 opens/refreshes the frame
// header (if order differs from the current one) but consumes no payload;
// calling it repeatedly with the same order and no data is a no-op once the
// header is already open.
func (f *Framer) Encapsulate(data []byte, order Order) int {
	if order < 0 || order > ControlTag {
		return 0
	}
	if order != f.order {
		firstByteCost := 2
		if len(data) > 0 {
			firstByteCost = escapedLen(data[0])
		}
		if f.headerCost()+firstByteCost > f.ring.Free() {
			return 0
		}
		f.openFrame(order)
	}
	consumed := 0
	for consumed < len(data) && f.ring.ContiguousWritable() >= 2 {
		f.putEscaped(data[consumed])
		consumed++
	}
	return consumed
}

// PutControl appends the pair (op, id) to the CONTROL frame, opening one
// (and closing any other open frame) first if ControlTag is not already the
// current order; consecutive calls therefore share one CONTROL frame whose
// payload is a sequence of (op, id) pairs. It is atomic: either the whole two-byte
// payload (plus any header switch) fits, or nothing is written and false is
// returned.
func (f *Framer) PutControl(op byte, id Order) bool {
	payloadCost := 2 * 2 // op and id each escaped worst-case
	needed := payloadCost
	if f.order != ControlTag {
		needed += f.headerCost()
	}
	if needed > f.ring.Free() {
		return false
	}
	if f.order != ControlTag {
		f.openFrame(ControlTag)
	}
	f.putEscaped(op)
	f.putEscaped(byte(id))
	return true
}

// CloseFrame emits the closing Flag of the currently open frame, if any,
// and resets Order to NoOrder. It returns false (and changes nothing) if
// the ring has no room for the Flag byte; the caller should retry once the
// ring has drained.
func (f *Framer) CloseFrame() bool {
	if f.order == NoOrder {
		return true
	}
	if f.ring.Free() < 1 {
		return false
	}
	f.ring.PutByte(Flag)
	f.order = NoOrder
	return true
}

// SendTo drains as much of the ring as the kernel accepts in one write(2)
// to fd.
func (f *Framer) SendTo(fd int) (int, error) {
	return f.ring.SendTo(fd)
}
