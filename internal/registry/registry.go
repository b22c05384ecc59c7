// Package registry implements the tunnel sender's client table: a dense,
// pollable array of client sockets addressed indirectly through a stable
// client ID, so the event loop can poll() one contiguous array while the
// Framer and per-client buffers address clients by an ID that never changes
// across a removal elsewhere in the table.
package registry

import "golang.org/x/sys/unix"

// MaxClients is the registry's capacity: the one-byte tag space (0..255)
// minus the reserved CONTROL tag (255).
const MaxClients = 255

// NoID is the sentinel for "no client at this slot" in both directions of
// the id<->index bimap, and the sentinel Add returns when the registry is
// full.
const NoID = -1

// Poll array layout: the listener and tunnel each get a fixed slot ahead of
// the dense client region.
const (
	PollListenerIndex = 0
	PollTunnelIndex   = 1
	PollClientOffset  = 2
)

// Registry is the dense id<->index bimap plus the backing poll array. It is
// not safe for concurrent use; the event loop is single-threaded.
type Registry struct {
	polls       []unix.PollFd
	clientCount int
	idToIndex   [MaxClients]int
	indexToID   [MaxClients]int
}

// New allocates an empty Registry with the listener and tunnel poll slots
// uninitialized (set them with SetListenerFd/SetTunnelFd).
func New() *Registry {
	r := &Registry{polls: make([]unix.PollFd, MaxClients+PollClientOffset)}
	r.polls[PollListenerIndex].Fd = -1
	r.polls[PollTunnelIndex].Fd = -1
	for i := 0; i < MaxClients; i++ {
		r.polls[PollClientOffset+i].Fd = -1
		r.idToIndex[i] = NoID
		r.indexToID[i] = NoID
	}
	return r
}

// SetListenerFd installs the listening socket's fd, polled for readability.
func (r *Registry) SetListenerFd(fd int) {
	r.polls[PollListenerIndex].Fd = int32(fd)
	r.polls[PollListenerIndex].Events = unix.POLLIN
}

// SetTunnelFd installs the upstream tunnel socket's fd.
func (r *Registry) SetTunnelFd(fd int) {
	r.polls[PollTunnelIndex].Fd = int32(fd)
	r.polls[PollTunnelIndex].Events = unix.POLLIN | unix.POLLOUT
}

// Listener returns the listener's pollfd slot.
func (r *Registry) Listener() *unix.PollFd { return &r.polls[PollListenerIndex] }

// Tunnel returns the tunnel's pollfd slot.
func (r *Registry) Tunnel() *unix.PollFd { return &r.polls[PollTunnelIndex] }

// SetTunnelWriteable toggles POLLOUT on the tunnel's poll events, avoiding a
// busy-spin on writability once the framer's outbound ring has drained.
func (r *Registry) SetTunnelWriteable(writeable bool) {
	setPollable(r.Tunnel(), unix.POLLOUT, writeable)
}

func setPollable(p *unix.PollFd, flags int16, pollable bool) {
	if pollable {
		p.Events |= flags
	} else {
		p.Events &^= flags
	}
}

// IsFull reports whether the registry holds MaxClients live clients.
func (r *Registry) IsFull() bool { return r.clientCount == MaxClients }

// ClientCount returns the number of live clients.
func (r *Registry) ClientCount() int { return r.clientCount }

// PollCount returns the number of poll() entries in use: the listener and
// tunnel slots plus one per live client.
func (r *Registry) PollCount() int { return r.clientCount + PollClientOffset }

// PollSlice returns the in-use prefix of the poll array, ready to pass to
// poll(2). The slice aliases the Registry's storage.
func (r *Registry) PollSlice() []unix.PollFd { return r.polls[:r.PollCount()] }

// IndexToID returns the client ID occupying dense slot index, or NoID.
func (r *Registry) IndexToID(index int) int {
	if index < 0 || index >= MaxClients {
		return NoID
	}
	return r.indexToID[index]
}

// Client returns the pollfd slot for client id, or nil if id is not live.
func (r *Registry) Client(id int) *unix.PollFd {
	if id < 0 || id >= MaxClients || r.idToIndex[id] == NoID {
		return nil
	}
	return &r.polls[r.idToIndex[id]+PollClientOffset]
}

func (r *Registry) nextID() int {
	for i := 0; i < MaxClients; i++ {
		if r.idToIndex[i] == NoID {
			return i
		}
	}
	return NoID
}

// Add allocates the lowest free ID for fd, appending a dense slot polled for
// POLLIN only: the sender never writes to a client, so requesting POLLOUT
// would make poll(2) return immediately every call once the socket's send
// buffer has room, which is essentially always. It returns NoID if the
// registry is full.
func (r *Registry) Add(fd int) int {
	id := r.nextID()
	if id == NoID {
		return NoID
	}
	r.idToIndex[id] = r.clientCount
	r.indexToID[r.clientCount] = id
	slot := &r.polls[r.clientCount+PollClientOffset]
	slot.Fd = int32(fd)
	slot.Events = unix.POLLIN
	slot.Revents = 0
	r.clientCount++
	return id
}

// Disconnect closes id's socket but preserves its dense slot and any
// buffers addressed by id; it is idempotent. A later Remove finalizes the
// slot's removal from the dense array.
func (r *Registry) Disconnect(id int) {
	c := r.Client(id)
	if c == nil || c.Fd == -1 {
		return
	}
	_ = unix.Close(int(c.Fd))
	c.Fd = -1
}

// Remove closes id's socket if still open, then compacts the dense array by
// swapping the last live slot into id's vacated position. Safe to call on
// an already-removed id.
func (r *Registry) Remove(id int) {
	if r.Client(id) == nil {
		return
	}
	r.Disconnect(id)

	r.clientCount--
	if r.clientCount != 0 {
		lastID := r.indexToID[r.clientCount]
		swapPollFd(r.Client(id), r.Client(lastID))
		r.indexToID[r.idToIndex[id]] = lastID
		r.idToIndex[lastID] = r.idToIndex[id]
	}
	r.indexToID[r.clientCount] = NoID
	r.idToIndex[id] = NoID
}

func swapPollFd(a, b *unix.PollFd) { *a, *b = *b, *a }

// Readable reports whether id's last poll() wake set POLLIN.
func (r *Registry) Readable(id int) bool { return pollable(r.Client(id), unix.POLLIN) }

// Writable reports whether id's last poll() wake set POLLOUT.
func (r *Registry) Writable(id int) bool { return pollable(r.Client(id), unix.POLLOUT) }

// HasError reports whether id's last poll() wake set POLLERR.
func (r *Registry) HasError(id int) bool { return pollable(r.Client(id), unix.POLLERR) }

func pollable(p *unix.PollFd, mask int16) bool {
	if p == nil {
		return false
	}
	return p.Revents&mask != 0
}
