package tunnel

import (
	"errors"

	"github.com/numimin/tunnel-sender/internal/metrics"
	"golang.org/x/sys/unix"
)

// Sentinel errors. Wrap with fmt.Errorf("%w: %v", Err*, cause) at the call
// site so errors.Is still matches while the underlying syscall error is
// preserved in the message.
var (
	ErrListen   = errors.New("tunnel: listen setup failed")
	ErrConnect  = errors.New("tunnel: upstream tunnel connect failed")
	ErrAccept   = errors.New("tunnel: accept failed")
	ErrPoll     = errors.New("tunnel: poll failed")
	ErrClientIO = errors.New("tunnel: client io failed")
	ErrTunnelIO = errors.New("tunnel: tunnel io failed")
	ErrProtocol = errors.New("tunnel: protocol violation")
)

func mapErrToMetric(err error) string {
	switch {
	case errors.Is(err, ErrListen):
		return metrics.ErrListen
	case errors.Is(err, ErrConnect):
		return metrics.ErrConnect
	case errors.Is(err, ErrAccept):
		return metrics.ErrAccept
	case errors.Is(err, ErrPoll):
		return metrics.ErrPoll
	case errors.Is(err, ErrClientIO):
		return metrics.ErrClientIO
	case errors.Is(err, ErrTunnelIO):
		return metrics.ErrTunnelIO
	default:
		return metrics.ErrProtocol
	}
}

func isTransient(err error) bool {
	return errors.Is(err, unix.EAGAIN) || errors.Is(err, unix.EWOULDBLOCK) || errors.Is(err, unix.EINTR)
}
