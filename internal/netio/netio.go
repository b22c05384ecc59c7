// Package netio sets up the two raw, non-blocking sockets the event loop
// polls directly: the downstream listener and the upstream tunnel
// connection. It deliberately bypasses net.Listener/net.Conn — the event
// loop needs the bare file descriptor for poll(2), not a blocking-I/O
// abstraction around it.
package netio

import (
	"fmt"
	"net"
	"strconv"

	"golang.org/x/sys/unix"
)

// Listen creates a non-blocking, listening TCP socket bound to port on all
// interfaces, with the given listen(2) backlog.
func Listen(port int, backlog int) (fd int, err error) {
	addr, err := resolve("", port)
	if err != nil {
		return -1, fmt.Errorf("resolve listen address: %w", err)
	}
	fd, err = socket(addr)
	if err != nil {
		return -1, fmt.Errorf("socket: %w", err)
	}
	if err := unix.SetsockoptInt(fd, unix.SOL_SOCKET, unix.SO_REUSEADDR, 1); err != nil {
		_ = unix.Close(fd)
		return -1, fmt.Errorf("setsockopt(SO_REUSEADDR): %w", err)
	}
	if err := unix.Bind(fd, sockaddr(addr)); err != nil {
		_ = unix.Close(fd)
		return -1, fmt.Errorf("bind %s: %w", addr, err)
	}
	if err := unix.Listen(fd, backlog); err != nil {
		_ = unix.Close(fd)
		return -1, fmt.Errorf("listen %s: %w", addr, err)
	}
	if err := unix.SetNonblock(fd, true); err != nil {
		_ = unix.Close(fd)
		return -1, fmt.Errorf("set listener non-blocking: %w", err)
	}
	return fd, nil
}

// Accept accepts one pending connection on a non-blocking listener fd,
// returning the new connection's fd already set non-blocking. A nil error
// with fd == -1 never happens; on EAGAIN/EWOULDBLOCK the unix error is
// returned for the caller to check with errors.Is.
func Accept(listenerFd int) (int, error) {
	connFd, _, err := unix.Accept4(listenerFd, unix.SOCK_NONBLOCK)
	if err != nil {
		return -1, err
	}
	return connFd, nil
}

// Dial opens a non-blocking TCP connection to host:port. Because the
// socket is non-blocking, connect(2) typically returns EINPROGRESS; callers
// must poll for writability and then check SO_ERROR before treating the
// connection as established (see WaitConnected).
func Dial(host string, port int) (fd int, err error) {
	addr, err := resolve(host, port)
	if err != nil {
		return -1, fmt.Errorf("resolve tunnel address: %w", err)
	}
	fd, err = socket(addr)
	if err != nil {
		return -1, fmt.Errorf("socket: %w", err)
	}
	if err := unix.SetNonblock(fd, true); err != nil {
		_ = unix.Close(fd)
		return -1, fmt.Errorf("set tunnel non-blocking: %w", err)
	}
	err = unix.Connect(fd, sockaddr(addr))
	if err != nil && err != unix.EINPROGRESS {
		_ = unix.Close(fd)
		return -1, fmt.Errorf("connect %s: %w", addr, err)
	}
	return fd, nil
}

// WaitConnected checks SO_ERROR on a socket whose connect(2) returned
// EINPROGRESS, once poll() reports it writable. A nil return means the
// connection is established.
func WaitConnected(fd int) error {
	errno, err := unix.GetsockoptInt(fd, unix.SOL_SOCKET, unix.SO_ERROR)
	if err != nil {
		return fmt.Errorf("getsockopt(SO_ERROR): %w", err)
	}
	if errno != 0 {
		return unix.Errno(errno)
	}
	return nil
}

func resolve(host string, port int) (*net.TCPAddr, error) {
	return net.ResolveTCPAddr("tcp4", net.JoinHostPort(host, strconv.Itoa(port)))
}

func socket(addr *net.TCPAddr) (int, error) {
	return unix.Socket(unix.AF_INET, unix.SOCK_STREAM, 0)
}

func sockaddr(addr *net.TCPAddr) unix.Sockaddr {
	var ip [4]byte
	if addr.IP != nil {
		copy(ip[:], addr.IP.To4())
	}
	return &unix.SockaddrInet4{Port: addr.Port, Addr: ip}
}

// LocalPort returns the port a listening socket was actually bound to —
// useful after Listen(0, ...) let the kernel pick one.
func LocalPort(fd int) (int, error) {
	sa, err := unix.Getsockname(fd)
	if err != nil {
		return 0, fmt.Errorf("getsockname: %w", err)
	}
	switch a := sa.(type) {
	case *unix.SockaddrInet4:
		return a.Port, nil
	default:
		return 0, fmt.Errorf("unexpected sockaddr type %T", sa)
	}
}
