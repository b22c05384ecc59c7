package netio

import (
	"testing"
	"time"

	"golang.org/x/sys/unix"
)

func TestListenAcceptDialRoundTrip(t *testing.T) {
	listenerFd, err := Listen(0, 16)
	if err != nil {
		t.Fatalf("Listen: %v", err)
	}
	defer unix.Close(listenerFd)

	port, err := LocalPort(listenerFd)
	if err != nil {
		t.Fatalf("LocalPort: %v", err)
	}

	clientFd, err := Dial("127.0.0.1", port)
	if err != nil {
		t.Fatalf("Dial: %v", err)
	}
	defer unix.Close(clientFd)

	var serverFd int
	deadline := time.Now().Add(2 * time.Second)
	for {
		fd, acceptErr := Accept(listenerFd)
		if acceptErr == nil {
			serverFd = fd
			break
		}
		if acceptErr != unix.EAGAIN && acceptErr != unix.EWOULDBLOCK {
			t.Fatalf("Accept: %v", acceptErr)
		}
		if time.Now().After(deadline) {
			t.Fatalf("timed out waiting to accept")
		}
		time.Sleep(time.Millisecond)
	}
	defer unix.Close(serverFd)

	pfds := []unix.PollFd{{Fd: int32(clientFd), Events: unix.POLLOUT}}
	if _, err := unix.Poll(pfds, 2000); err != nil {
		t.Fatalf("poll for writability: %v", err)
	}
	if err := WaitConnected(clientFd); err != nil {
		t.Fatalf("WaitConnected: %v", err)
	}

	payload := []byte("ping")
	if _, err := unix.Write(clientFd, payload); err != nil {
		t.Fatalf("write: %v", err)
	}

	buf := make([]byte, 16)
	deadline = time.Now().Add(2 * time.Second)
	var n int
	for {
		n, err = unix.Read(serverFd, buf)
		if err == nil && n > 0 {
			break
		}
		if err != nil && err != unix.EAGAIN && err != unix.EWOULDBLOCK {
			t.Fatalf("read: %v", err)
		}
		if time.Now().After(deadline) {
			t.Fatalf("timed out waiting to read")
		}
		time.Sleep(time.Millisecond)
	}
	if string(buf[:n]) != "ping" {
		t.Fatalf("got %q, want %q", buf[:n], "ping")
	}
}
