package wire

import "testing"

// FuzzDeframerFeed ensures arbitrary byte streams never panic the decoder:
// the input is fed byte by byte, and the only
// tolerated error is ErrFrameTooLong, which the caller is expected to treat
// as fatal for that Deframer (a fresh one is safe to keep fuzzing with).
func FuzzDeframerFeed(f *testing.F) {
	f.Add([]byte{Flag, 0x00, 'h', 'i', Flag})
	f.Add([]byte{Flag, Esc, Flag, 'x', Flag})
	f.Add([]byte{Esc, Esc, Flag, Flag})
	f.Fuzz(func(t *testing.T, data []byte) {
		d := NewDeframer(256)
		for _, b := range data {
			_, _, err := d.Feed(b)
			if err != nil && err != ErrFrameTooLong {
				t.Fatalf("unexpected error: %v", err)
			}
			if err == ErrFrameTooLong {
				return
			}
		}
	})
}

// FuzzEncapsulateRoundTrip checks that arbitrary payloads encoded onto one
// order survive a full Framer -> Deframer round trip unchanged.
func FuzzEncapsulateRoundTrip(f *testing.F) {
	f.Add(int8(0), []byte("hello\n"))
	f.Add(int8(-1), []byte{Flag, Esc, Flag})
	f.Add(int8(127), []byte{})
	f.Fuzz(func(t *testing.T, orderByte int8, payload []byte) {
		order := Order(uint8(orderByte))
		if order > MaxClientID {
			order = ControlTag
		}

		fr := NewFramer(8 * (len(payload) + 16))
		remaining := payload
		for len(remaining) > 0 {
			n := fr.Encapsulate(remaining, order)
			if n == 0 {
				t.Fatalf("encapsulate stalled with room reserved for full payload")
			}
			remaining = remaining[n:]
		}
		if len(payload) == 0 {
			fr.Encapsulate(nil, order)
		}
		if !fr.CloseFrame() {
			t.Fatalf("CloseFrame failed")
		}

		raw := make([]byte, 0, fr.Ring().Len())
		for !fr.Empty() {
			var scratch [64]byte
			n := fr.Ring().GetBytes(scratch[:])
			if n == 0 {
				break
			}
			raw = append(raw, scratch[:n]...)
		}

		d := NewDeframer(8 * (len(payload) + 16))
		var got []byte
		var gotTag byte
		sawFrame := false
		for _, b := range raw {
			ev, delivered, err := d.Feed(b)
			if err != nil {
				t.Fatalf("decode error: %v", err)
			}
			if delivered {
				sawFrame = true
				gotTag = ev.Tag
				got = append(got, ev.Payload...)
			}
		}

		if len(payload) == 0 {
			return
		}
		if !sawFrame {
			t.Fatalf("expected a decoded frame, got none")
		}
		if gotTag != byte(order) {
			t.Fatalf("tag mismatch: want %d got %d", byte(order), gotTag)
		}
		if string(got) != string(payload) {
			t.Fatalf("payload mismatch: want %q got %q", payload, got)
		}
	})
}
