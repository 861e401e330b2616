// Package epoll wraps the Linux epoll facility behind the small
// poller surface the transport needs: attach a descriptor with an
// opaque attachment, wait with a timeout, and walk the ready set.
// Polls are level-triggered and blocking; the attachment map is safe
// for registration from outside the polling goroutine.
package epoll

import (
	"sync"

	"golang.org/x/sys/unix"
)

// Event readiness flags.
type Events uint32

const (
	Read  Events = unix.EPOLLIN
	Write Events = unix.EPOLLOUT
	Error Events = unix.EPOLLERR | unix.EPOLLHUP
)

// EventPoll is one epoll instance plus its ready-event scratch space.
// Poll and the Get accessors belong to a single owning goroutine;
// Attach/Modify/Detach may be called from any goroutine.
type EventPoll struct {
	epfd      int
	timeoutMs int
	ready     []unix.EpollEvent

	mu   sync.Mutex
	data map[int]any
}

// New creates a poller sized for up to size descriptors per wait, with
// the given blocking timeout in milliseconds.
func New(size, timeoutMs int) (*EventPoll, error) {
	if size < 1 {
		size = 1
	}
	epfd, err := unix.EpollCreate1(unix.EPOLL_CLOEXEC)
	if err != nil {
		return nil, err
	}
	return &EventPoll{
		epfd:      epfd,
		timeoutMs: timeoutMs,
		ready:     make([]unix.EpollEvent, size),
		data:      make(map[int]any),
	}, nil
}

// Attach registers fd for the given events with an opaque attachment.
func (p *EventPoll) Attach(fd int, ev Events, attachment any) error {
	p.mu.Lock()
	p.data[fd] = attachment
	p.mu.Unlock()
	err := unix.EpollCtl(p.epfd, unix.EPOLL_CTL_ADD, fd, &unix.EpollEvent{
		Events: uint32(ev),
		Fd:     int32(fd),
	})
	if err != nil {
		p.mu.Lock()
		delete(p.data, fd)
		p.mu.Unlock()
	}
	return err
}

// Modify changes the registered events (and attachment) of fd.
func (p *EventPoll) Modify(fd int, ev Events, attachment any) error {
	p.mu.Lock()
	p.data[fd] = attachment
	p.mu.Unlock()
	return unix.EpollCtl(p.epfd, unix.EPOLL_CTL_MOD, fd, &unix.EpollEvent{
		Events: uint32(ev),
		Fd:     int32(fd),
	})
}

// Detach removes fd from the poller and forgets its attachment.
func (p *EventPoll) Detach(fd int) error {
	p.mu.Lock()
	delete(p.data, fd)
	p.mu.Unlock()
	return unix.EpollCtl(p.epfd, unix.EPOLL_CTL_DEL, fd, nil)
}

// Poll blocks until readiness or timeout and returns the ready count.
// A zero count means the wait timed out. EINTR is surfaced to the
// caller, matching the loop structure of the users.
func (p *EventPoll) Poll() (int, error) {
	n, err := unix.EpollWait(p.epfd, p.ready, p.timeoutMs)
	if err != nil {
		return -1, err
	}
	return n, nil
}

// GetEvents returns the readiness flags of ready slot i.
func (p *EventPoll) GetEvents(i int) Events {
	return Events(p.ready[i].Events)
}

// GetData returns the attachment of ready slot i.
func (p *EventPoll) GetData(i int) any {
	fd := int(p.ready[i].Fd)
	p.mu.Lock()
	d := p.data[fd]
	p.mu.Unlock()
	return d
}

// Close releases the epoll descriptor.
func (p *EventPoll) Close() error {
	return unix.Close(p.epfd)
}
