package tunnel

import (
	"fmt"
	"time"

	"golang.org/x/sys/unix"

	"github.com/numimin/tunnel-sender/internal/metrics"
	"github.com/numimin/tunnel-sender/internal/netio"
	"github.com/numimin/tunnel-sender/internal/ringbuf"
)

// iterate runs one pass of the event loop: block in poll(2), then an accept
// pass, a client I/O pass, and a protocol I/O pass.
func (s *Server) iterate() error {
	pfds := append(append([]unix.PollFd{}, s.reg.PollSlice()...), unix.PollFd{Fd: int32(s.wakeR), Events: unix.POLLIN})

	n, err := unix.Poll(pfds, -1)
	metrics.IncPollIteration()
	if err != nil {
		if err == unix.EINTR {
			return nil
		}
		return fmt.Errorf("%w: %v", ErrPoll, err)
	}

	copy(s.reg.PollSlice(), pfds[:len(pfds)-1])
	wake := pfds[len(pfds)-1]
	if wake.Revents&unix.POLLIN != 0 {
		var scratch [64]byte
		for {
			if _, err := unix.Read(s.wakeR, scratch[:]); err != nil {
				break
			}
		}
	}

	hasPending := s.reg.Listener().Revents&unix.POLLIN != 0
	if hasPending {
		s.acceptOne()
	}

	ioableBudget := n
	if hasPending {
		ioableBudget--
	}
	s.performClientIO(ioableBudget)

	if err := s.performProtocolIO(); err != nil {
		return err
	}

	s.reg.SetTunnelWriteable(!s.framer.Empty())
	return nil
}

func (s *Server) acceptOne() {
	if !s.acceptBlockedUntil.IsZero() && time.Now().Before(s.acceptBlockedUntil) {
		return
	}
	fd, err := netio.Accept(int(s.reg.Listener().Fd))
	if err != nil {
		if isTransient(err) {
			s.acceptBlockedUntil = time.Now().Add(s.acceptBackOff.NextBackOff())
			return
		}
		s.logger.Warn("accept_error", "error", err)
		metrics.IncError(metrics.ErrAccept)
		return
	}
	s.acceptBackOff.Reset()
	s.acceptBlockedUntil = time.Time{}

	if s.reg.IsFull() || s.reg.ClientCount() >= s.maxClients {
		metrics.IncRejected()
		_ = unix.Close(fd)
		return
	}

	id := s.reg.Add(fd)
	s.clientBuf[id] = ringbuf.New(s.bufferSize)
	s.removeFlag[id] = false
	s.addQueue.PutByte(byte(id))
	metrics.IncAccepted()
	metrics.SetConnected(s.reg.ClientCount())
	s.logger.Info("client_connected", "id", id)
}

// performClientIO services client sockets in dense order, stopping once
// ioableBudget readiness events (as reported by the preceding poll) have
// been accounted for.
func (s *Server) performClientIO(ioableBudget int) {
	processed := 0
	tunnel := s.reg.Tunnel()
	if tunnel.Revents&(unix.POLLIN|unix.POLLOUT|unix.POLLERR) != 0 {
		processed++
	}

	for i := 0; processed < ioableBudget && i < s.reg.ClientCount(); i++ {
		id := s.reg.IndexToID(i)
		client := s.reg.Client(id)
		if client == nil {
			continue
		}
		revents := client.Revents
		if revents&(unix.POLLIN|unix.POLLOUT|unix.POLLERR) != 0 {
			processed++
		}

		if revents&unix.POLLERR != 0 {
			s.markRemoved(id)
			continue
		}

		buf := s.clientBuf[id]
		if buf != nil && !buf.Full() && revents&unix.POLLIN != 0 {
			n, err := buf.RecvFrom(int(client.Fd))
			if err != nil {
				if !isTransient(err) {
					metrics.IncError(metrics.ErrClientIO)
					s.markRemoved(id)
				}
				continue
			}
			if n == 0 {
				s.markRemoved(id)
				continue
			}
			metrics.AddClientRx(n)
		}
	}
}

func (s *Server) markRemoved(id int) {
	s.reg.Disconnect(id)
	s.removeFlag[id] = true
}
