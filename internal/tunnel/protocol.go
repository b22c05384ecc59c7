package tunnel

import (
	"fmt"

	"golang.org/x/sys/unix"

	"github.com/numimin/tunnel-sender/internal/metrics"
	"github.com/numimin/tunnel-sender/internal/wire"
)

// performProtocolIO fills the framer's outbound ring with as much control
// and client data as fits, then drains the ring to the tunnel socket if
// it's writable.
func (s *Server) performProtocolIO() error {
	s.fillMessage()

	if s.reg.Tunnel().Revents&unix.POLLOUT != 0 {
		n, err := s.framer.SendTo(int(s.reg.Tunnel().Fd))
		if err != nil {
			if !isTransient(err) {
				return fmt.Errorf("%w: %v", ErrTunnelIO, err)
			}
		} else if n > 0 {
			metrics.AddTunnelTx(n)
		}
	}
	return nil
}

// fillMessage emits pending control frames, then round-robins data frames
// from client buffers into the framer until either every client buffer is
// empty or the framer's ring has no more room — at which point the next
// iteration resumes exactly where this one left off. Because the framer is
// lazy-close (a frame's closing Flag is only written on a tag switch), the
// "every buffer is empty" exit also closes whatever frame is still open, so
// its payload is not left stranded until some unrelated later tag switch.
func (s *Server) fillMessage() {
	if !s.processEmptyRemoved() {
		return
	}
	if !s.processAdded() {
		return
	}

	for {
		if s.sendIndex == -1 || s.sendCount == 0 {
			s.sendIndex = s.nextMessageIndex(s.sendIndex)
			if s.sendIndex == -1 {
				s.framer.CloseFrame()
				return
			}
		}

		id := s.reg.IndexToID(s.sendIndex)
		buf := s.clientBuf[id]
		if s.sendCount == 0 {
			s.sendCount = buf.Len()
		}
		if s.sendCount == 0 {
			return
		}

		buf.Compact()
		data := buf.Data()
		if len(data) > s.sendCount {
			data = data[:s.sendCount]
		}

		consumed := s.framer.Encapsulate(data, wire.Order(id))
		s.sendCount -= consumed
		buf.Skip(consumed)

		if s.sendCount != 0 {
			if consumed == 0 {
				metrics.IncRingFull()
			}
			return
		}
	}
}

// nextMessageIndex walks the dense client array starting right after
// previous, returning the index of the first client with a non-empty
// inbound buffer, or -1 if a full cycle finds none.
func (s *Server) nextMessageIndex(previous int) int {
	count := s.reg.ClientCount()
	if count == 0 {
		return -1
	}
	start := 0
	if previous != -1 {
		start = (previous + 1) % count
	}
	end := start - 1
	if end < 0 {
		end = count - 1
	}

	i := start
	for {
		id := s.reg.IndexToID(i)
		if s.clientBuf[id] != nil && !s.clientBuf[id].Empty() {
			return i
		}
		if i == end {
			return -1
		}
		i = (i + 1) % count
	}
}

// processEmptyRemoved emits a REMOVE control frame for every client that
// has been marked removed and has fully drained its inbound buffer, then
// finalizes its removal from the registry. It returns false if the framer
// ran out of room mid-pass; the caller retries next iteration.
func (s *Server) processEmptyRemoved() bool {
	for i := 0; i < s.reg.ClientCount(); {
		id := s.reg.IndexToID(i)
		buf := s.clientBuf[id]
		if !s.removeFlag[id] || (buf != nil && !buf.Empty()) {
			i++
			continue
		}
		if !s.framer.PutControl(wire.OpRemove, wire.Order(id)) {
			return false
		}
		metrics.IncControlFrame()
		s.removeFlag[id] = false
		s.finalizeRemove(id)
		// Do not advance i: finalizeRemove swaps the last dense slot into i.
	}
	return true
}

// processAdded emits an ADD control frame for every client ID queued since
// the last successful drain. It returns false if the framer ran out of
// room; the add queue is left untouched for the next attempt.
func (s *Server) processAdded() bool {
	for {
		idByte, ok := s.addQueue.Peek()
		if !ok {
			return true
		}
		if !s.framer.PutControl(wire.OpAdd, wire.Order(idByte)) {
			return false
		}
		metrics.IncControlFrame()
		s.addQueue.Skip(1)
	}
}

// finalizeRemove removes id from the registry. Swap-to-last compaction can
// relocate any dense index, so the round-robin cursor is reset rather than
// patched up; the next fillMessage call re-derives it from scratch.
func (s *Server) finalizeRemove(id int) {
	s.sendIndex = -1
	s.sendCount = 0
	s.reg.Remove(id)
	s.clientBuf[id] = nil
	metrics.IncRemoved()
	metrics.SetConnected(s.reg.ClientCount())
}
