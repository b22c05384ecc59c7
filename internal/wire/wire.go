// Package wire implements the tunnel's byte-stuffed, per-frame-tagged framing
// protocol: the Framer encodes multiple logical byte streams (and control
// lifecycle events) onto one transport stream, and the Deframer is its dual
// decoder.
//
// Wire format. 0x7E (Flag) and 0x7D (Esc) are reserved. A frame is:
//
//	Flag, Tag', Payload', Flag
//
// where Tag is one byte (0..254 = client ID, 255 = ControlTag), and Tag' /
// each byte of Payload' is the escaped transmission of the corresponding raw
// byte:
//
//   - Flag (0x7E)   -> Esc, 0x7E   (escape followed by the byte unmodified)
//   - Esc  (0x7D)   -> Esc, 0x7D
//   - any other b   -> b unchanged
//
// Two design choices documented here, matching the discretion the frame
// format leaves to implementers:
//
//  1. The escape transform is "Esc followed by the reserved byte verbatim",
//     not the stricter HDLC "Esc followed by byte XOR 0x20". The Deframer
//     below is written against this convention; it is internally consistent
//     (the escape-pending bit fully disambiguates an escaped Flag/Esc byte
//     from a real frame boundary) even though it is not bit-compatible with
//     strict HDLC.
//  2. "A frame is currently open" is derived entirely from
//     Framer.order != NoOrder; no separate boolean is tracked alongside it.
package wire

import "errors"

// Reserved wire bytes.
const (
	Flag byte = 0x7E
	Esc  byte = 0x7D
)

// Order identifies the logical stream a frame belongs to: a client ID in
// [0, MaxClientID], the reserved ControlTag, or NoOrder when no frame is
// currently open.
type Order int16

const (
	// NoOrder means no frame is currently open.
	NoOrder Order = -1
	// ControlTag is the reserved tag carrying ADD/REMOVE lifecycle events.
	ControlTag Order = 255
	// MaxClientID is the highest client ID the one-byte tag space allows.
	MaxClientID Order = 254
)

// Control frame opcodes (the two bytes of a CONTROL payload are (op, id)).
const (
	OpAdd    byte = 1
	OpRemove byte = 2
)

// ErrFrameTooLong is returned by Deframer.Feed when an in-progress frame's
// payload exceeds the decoder's fixed payload capacity — a fatal protocol
// error per spec: the tunnel must be closed.
var ErrFrameTooLong = errors.New("wire: frame exceeds decoder payload capacity")

func isReserved(b byte) bool { return b == Flag || b == Esc }

func escapedLen(b byte) int {
	if isReserved(b) {
		return 2
	}
	return 1
}
