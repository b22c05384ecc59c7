package wire

import "github.com/numimin/tunnel-sender/internal/ringbuf"

type decoderState int

const (
	stateIdle decoderState = iota
	stateAwaitTag
	stateAwaitTagEsc
	stateInFrame
	stateInFrameEsc
)

// Event is one fully decoded frame: its tag and payload. Payload is a fresh
// copy owned by the caller; later Feed calls do not modify it.
type Event struct {
	Tag     byte
	Payload []byte
}

// Deframer is the dual of Framer: a byte-at-a-time state machine that
// recovers (tag, payload) frames from a stuffed stream, resynchronizing on
// malformed input rather than losing the whole stream.
type Deframer struct {
	state   decoderState
	tag     byte
	payload *ringbuf.Buffer
}

// NewDeframer allocates a Deframer whose payload accumulator holds up to
// payloadCap bytes. A frame whose payload would exceed this capacity is a
// fatal protocol error (ErrFrameTooLong); see Feed.
func NewDeframer(payloadCap int) *Deframer {
	return &Deframer{payload: ringbuf.New(payloadCap)}
}

// Feed advances the decoder by one input byte. It returns (Event{}, false,
// nil) when no frame has completed yet, (ev, true, nil) when b closed a
// frame, and a non-nil error only for ErrFrameTooLong, at which point the
// tunnel connection must be closed — the decoder's internal state is no
// longer trustworthy.
func (d *Deframer) Feed(b byte) (Event, bool, error) {
	switch d.state {
	case stateIdle:
		if b == Flag {
			d.state = stateAwaitTag
		}
		return Event{}, false, nil

	case stateAwaitTag:
		switch b {
		case Esc:
			d.state = stateAwaitTagEsc
		case Flag:
			// Doubled Flag while awaiting a tag: resynchronize, stay put.
		default:
			d.beginFrame(b)
		}
		return Event{}, false, nil

	case stateAwaitTagEsc:
		d.beginFrame(b)
		return Event{}, false, nil

	case stateInFrame:
		switch b {
		case Esc:
			d.state = stateInFrameEsc
			return Event{}, false, nil
		case Flag:
			return d.endFrame(), true, nil
		default:
			if !d.payload.PutByte(b) {
				return Event{}, false, ErrFrameTooLong
			}
			return Event{}, false, nil
		}

	case stateInFrameEsc:
		if !d.payload.PutByte(b) {
			return Event{}, false, ErrFrameTooLong
		}
		d.state = stateInFrame
		return Event{}, false, nil
	}

	return Event{}, false, nil
}

func (d *Deframer) beginFrame(tag byte) {
	d.tag = tag
	d.payload.Clear()
	d.state = stateInFrame
}

func (d *Deframer) endFrame() Event {
	payload := make([]byte, d.payload.Len())
	d.payload.GetBytes(payload)
	d.state = stateIdle
	return Event{Tag: d.tag, Payload: payload}
}

// RecvFrom reads one chunk from fd via an internal scratch ring and feeds
// every byte through Feed, invoking onFrame for each completed frame. It
// returns the number of bytes read (0, nil means EOF) or a non-nil error,
// which may be ErrFrameTooLong if a frame overflowed the payload capacity.
func (d *Deframer) RecvFrom(fd int, scratch *ringbuf.Buffer, onFrame func(Event)) (int, error) {
	n, err := scratch.RecvFrom(fd)
	if err != nil || n == 0 {
		return n, err
	}
	for i := 0; i < n; i++ {
		c, ok := scratch.GetByte()
		if !ok {
			break
		}
		ev, delivered, ferr := d.Feed(c)
		if ferr != nil {
			return n, ferr
		}
		if delivered {
			onFrame(ev)
		}
	}
	return n, nil
}
