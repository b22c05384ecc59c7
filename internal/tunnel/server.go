// Package tunnel implements the single-threaded, poll(2)-driven event loop
// that multiplexes many downstream TCP clients onto one upstream tunnel
// connection, using internal/registry for client bookkeeping and
// internal/wire for the framing protocol.
//
// The loop has exactly one suspension point (poll), matching the
// concurrency model this component is built against: no goroutine is
// spawned per connection, and no lock guards the registry, framer or client
// buffers because nothing but the loop itself ever touches them.
package tunnel

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/cenkalti/backoff"
	"golang.org/x/sys/unix"

	"github.com/numimin/tunnel-sender/internal/logging"
	"github.com/numimin/tunnel-sender/internal/metrics"
	"github.com/numimin/tunnel-sender/internal/netio"
	"github.com/numimin/tunnel-sender/internal/registry"
	"github.com/numimin/tunnel-sender/internal/ringbuf"
	"github.com/numimin/tunnel-sender/internal/wire"
)

const (
	defaultBufferSize     = 1024
	defaultRingHeadroom   = 3
	defaultConnectTimeout = 30 * time.Second
)

// Server runs the tunnel sender's event loop. Construct with NewServer,
// then call Serve.
type Server struct {
	listenPort     int
	tunnelHost     string
	tunnelPort     int
	bufferSize     int
	ringHeadroom   int
	backlog        int
	maxClients     int
	connectTimeout time.Duration
	logger         *slog.Logger

	reg      *registry.Registry
	framer   *wire.Framer
	addQueue *ringbuf.Buffer

	removeFlag [registry.MaxClients]bool
	clientBuf  [registry.MaxClients]*ringbuf.Buffer

	sendIndex int
	sendCount int

	acceptBackOff      *backoff.ExponentialBackOff
	acceptBlockedUntil time.Time

	wakeR, wakeW int
	stopCh       chan struct{}
	doneCh       chan struct{}
	stopOnce     sync.Once

	readyCh   chan struct{}
	readyOnce sync.Once
	errCh     chan error

	mu      sync.Mutex
	lastErr error
}

// ServerOption configures a Server built by NewServer.
type ServerOption func(*Server)

// WithListenPort sets the downstream-facing TCP port to accept clients on.
func WithListenPort(port int) ServerOption { return func(s *Server) { s.listenPort = port } }

// WithTunnelAddr sets the upstream tunnel endpoint to connect to.
func WithTunnelAddr(host string, port int) ServerOption {
	return func(s *Server) { s.tunnelHost = host; s.tunnelPort = port }
}

// WithBufferSize sets the per-client inbound buffer capacity; the framer's
// outbound ring is sized 2*bufferSize plus the ring headroom (3 by default,
// see WithRingHeadroom), large enough for one maximally escaped frame
// carrying a full buffer's worth of payload.
func WithBufferSize(n int) ServerOption { return func(s *Server) { s.bufferSize = n } }

// WithBacklog sets the listen(2) backlog.
func WithBacklog(n int) ServerOption { return func(s *Server) { s.backlog = n } }

// WithRingHeadroom adds n extra bytes to the outbound framer ring beyond its
// 2x-bufferSize default, giving escape-heavy traffic more room before a
// ring-full stall defers encapsulation to the next iteration.
func WithRingHeadroom(n int) ServerOption { return func(s *Server) { s.ringHeadroom = n } }

// WithMaxClients caps the number of simultaneously connected downstream
// clients at n. The default is registry.MaxClients-1, one below the
// registry's own capacity of registry.MaxClients.
func WithMaxClients(n int) ServerOption { return func(s *Server) { s.maxClients = n } }

// WithLogger overrides the package-default logger.
func WithLogger(l *slog.Logger) ServerOption { return func(s *Server) { s.logger = l } }

// WithConnectTimeout bounds how long NewServer's caller-invoked Serve will
// retry the initial upstream connect before giving up.
func WithConnectTimeout(d time.Duration) ServerOption {
	return func(s *Server) { s.connectTimeout = d }
}

// NewServer builds a Server. The registry, framer, and client buffers are
// allocated eagerly so Serve only needs to open sockets.
func NewServer(opts ...ServerOption) *Server {
	s := &Server{
		bufferSize:     defaultBufferSize,
		ringHeadroom:   defaultRingHeadroom,
		backlog:        registry.MaxClients,
		maxClients:     registry.MaxClients - 1,
		connectTimeout: defaultConnectTimeout,
		logger:         logging.L(),
		sendIndex:      -1,
		stopCh:         make(chan struct{}),
		doneCh:         make(chan struct{}),
		readyCh:        make(chan struct{}),
		errCh:          make(chan error, 8),
	}
	for _, opt := range opts {
		opt(s)
	}

	s.reg = registry.New()
	s.framer = wire.NewFramer(2*s.bufferSize + s.ringHeadroom)
	s.addQueue = ringbuf.New(registry.MaxClients)

	eb := backoff.NewExponentialBackOff()
	eb.InitialInterval = 5 * time.Millisecond
	eb.MaxInterval = 200 * time.Millisecond
	eb.MaxElapsedTime = 0
	s.acceptBackOff = eb

	return s
}

// Ready is closed once the listener is bound and the upstream tunnel
// connection is established.
func (s *Server) Ready() <-chan struct{} { return s.readyCh }

// Errors delivers fatal and setup errors as they occur; it is never closed.
func (s *Server) Errors() <-chan error { return s.errCh }

// ListenPort returns the port the downstream listener is actually bound to.
// Only meaningful after Ready() has closed; useful when WithListenPort(0)
// let the kernel choose one, e.g. in tests.
func (s *Server) ListenPort() (int, error) {
	return netio.LocalPort(int(s.reg.Listener().Fd))
}

func (s *Server) setError(err error) {
	metrics.IncError(mapErrToMetric(err))
	s.mu.Lock()
	s.lastErr = err
	s.mu.Unlock()
	select {
	case s.errCh <- err:
	default:
		s.logger.Warn("error_channel_full", "error", err)
	}
}

func (s *Server) markReady() {
	s.readyOnce.Do(func() { close(s.readyCh) })
}

// Serve opens the listener and upstream tunnel, then runs the event loop
// until Shutdown is called or a fatal error occurs. It returns nil on a
// clean shutdown.
func (s *Server) Serve(ctx context.Context) error {
	listenerFd, err := netio.Listen(s.listenPort, s.backlog)
	if err != nil {
		wrapped := fmt.Errorf("%w: %v", ErrListen, err)
		s.setError(wrapped)
		return wrapped
	}
	s.reg.SetListenerFd(listenerFd)

	tunnelFd, err := s.connectTunnel(ctx)
	if err != nil {
		_ = unix.Close(listenerFd)
		wrapped := fmt.Errorf("%w: %v", ErrConnect, err)
		s.setError(wrapped)
		return wrapped
	}
	s.reg.SetTunnelFd(tunnelFd)

	wakeFds, err := unixPipeNonblock()
	if err != nil {
		_ = unix.Close(listenerFd)
		_ = unix.Close(tunnelFd)
		wrapped := fmt.Errorf("%w: %v", ErrListen, err)
		s.setError(wrapped)
		return wrapped
	}
	s.wakeR, s.wakeW = wakeFds[0], wakeFds[1]

	s.markReady()
	metrics.SetReadinessFunc(func() bool { return true })
	s.logger.Info("tunnel_ready", "listen_port", s.listenPort, "tunnel", fmt.Sprintf("%s:%d", s.tunnelHost, s.tunnelPort))

	defer close(s.doneCh)
	defer s.cleanup()

	for {
		select {
		case <-s.stopCh:
			return nil
		case <-ctx.Done():
			return nil
		default:
		}

		if err := s.iterate(); err != nil {
			s.setError(err)
			return err
		}
	}
}

// Shutdown requests the event loop stop and blocks until it has, or ctx is
// done first. Idempotent; safe to call from any goroutine.
func (s *Server) Shutdown(ctx context.Context) error {
	s.stopOnce.Do(func() {
		close(s.stopCh)
		if s.wakeW != 0 {
			_, _ = unix.Write(s.wakeW, []byte{0})
		}
	})
	select {
	case <-s.doneCh:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (s *Server) cleanup() {
	if fd := s.reg.Listener(); fd != nil {
		_ = unix.Close(int(fd.Fd))
	}
	if fd := s.reg.Tunnel(); fd != nil {
		_ = unix.Close(int(fd.Fd))
	}
	for i := 0; i < s.reg.ClientCount(); i++ {
		id := s.reg.IndexToID(i)
		s.reg.Disconnect(id)
	}
	_ = unix.Close(s.wakeR)
	_ = unix.Close(s.wakeW)
	metrics.SetConnected(0)
	s.logger.Info("tunnel_shutdown_complete")
}

// connectTunnel dials the upstream tunnel, retrying with exponential
// backoff (bounded by s.connectTimeout) so a container whose upstream
// isn't accepting connections yet does not fail setup on the first try.
func (s *Server) connectTunnel(ctx context.Context) (int, error) {
	var fd int
	attempt := func() error {
		select {
		case <-ctx.Done():
			return backoff.Permanent(ctx.Err())
		default:
		}
		f, dialErr := netio.Dial(s.tunnelHost, s.tunnelPort)
		if dialErr != nil {
			return dialErr
		}
		pfds := []unix.PollFd{{Fd: int32(f), Events: unix.POLLOUT}}
		if _, perr := unix.Poll(pfds, 5000); perr != nil {
			_ = unix.Close(f)
			return perr
		}
		if cerr := netio.WaitConnected(f); cerr != nil {
			_ = unix.Close(f)
			return cerr
		}
		fd = f
		return nil
	}

	eb := backoff.NewExponentialBackOff()
	eb.MaxElapsedTime = s.connectTimeout
	err := backoff.Retry(func() error {
		err := attempt()
		if err != nil {
			s.logger.Warn("tunnel_connect_retry", "error", err)
		}
		return err
	}, eb)
	if err != nil {
		return -1, err
	}
	return fd, nil
}

func unixPipeNonblock() ([2]int, error) {
	var fds [2]int
	if err := unix.Pipe2(fds[:], unix.O_NONBLOCK); err != nil {
		return fds, fmt.Errorf("pipe2: %w", err)
	}
	return fds, nil
}
