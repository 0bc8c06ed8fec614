//go:build linux
// +build linux

package aio

import (
	"os"

	"github.com/fzft/go-nano-aio/log"
	"go.uber.org/zap"
	"golang.org/x/sys/unix"
)

const (
	readEvents  = unix.EPOLLPRI | unix.EPOLLIN
	writeEvents = unix.EPOLLOUT
)

// maxPollEvents bounds one epoll_wait batch. Anything beyond it is simply
// picked up by the next wait.
const maxPollEvents = 128

// Readiness is the event mask a Poller reports for a handle.
type Readiness uint8

const (
	EventIn Readiness = 1 << iota
	EventOut
	EventErr
)

// PollHandle is the poller-side identity of one descriptor. It lives
// inside the object that owns the descriptor (a USock, or the worker's
// wake channel) so that a readiness event can be routed back to its owner
// without any allocation.
type PollHandle struct {
	fd         int
	events     uint32 // interest currently armed
	registered bool
	owner      *USock // nil for the wake channel
}

// Poller wraps an epoll instance. It keeps track of the handles that are
// registered so a drained epoll event can be mapped back to its handle,
// and so events for a handle removed mid-drain are dropped on the floor.
// Not safe for concurrent use: the worker goroutine is the only caller.
type Poller struct {
	epfd    int
	handles map[int]*PollHandle

	// results of the last Wait, drained one handle at a time by Event
	events []unix.EpollEvent
	n      int
	next   int
}

func NewPoller() (*Poller, error) {
	epfd, err := unix.EpollCreate1(unix.EPOLL_CLOEXEC)
	if err != nil {
		log.Logger.Error("failed to create epoll", zap.Error(err))
		return nil, os.NewSyscallError("epoll_create1", err)
	}
	return &Poller{
		epfd:    epfd,
		handles: make(map[int]*PollHandle),
		events:  make([]unix.EpollEvent, maxPollEvents),
	}, nil
}

// Add registers fd with the poller. No interest is armed yet; the kernel
// still reports error and hangup conditions for registered descriptors.
func (p *Poller) Add(fd int, h *PollHandle) error {
	h.fd = fd
	h.events = 0
	h.registered = true
	p.handles[fd] = h
	return os.NewSyscallError("epoll_ctl add",
		unix.EpollCtl(p.epfd, unix.EPOLL_CTL_ADD, fd, &unix.EpollEvent{Fd: int32(fd)}))
}

// Remove detaches the handle. Readiness for it is never reported again,
// including events already sitting in the current drain batch. Removing a
// handle that is not registered is a no-op.
func (p *Poller) Remove(h *PollHandle) error {
	if !h.registered {
		return nil
	}
	h.registered = false
	delete(p.handles, h.fd)
	return os.NewSyscallError("epoll_ctl del",
		unix.EpollCtl(p.epfd, unix.EPOLL_CTL_DEL, h.fd, nil))
}

// SetIn arms read-readiness interest for the handle.
func (p *Poller) SetIn(h *PollHandle) error {
	if h.events&readEvents != 0 {
		return nil
	}
	return p.mod(h, h.events|readEvents)
}

// ResetIn disarms read-readiness interest.
func (p *Poller) ResetIn(h *PollHandle) error {
	if h.events&readEvents == 0 {
		return nil
	}
	return p.mod(h, h.events&^uint32(readEvents))
}

// SetOut arms write-readiness interest for the handle.
func (p *Poller) SetOut(h *PollHandle) error {
	if h.events&writeEvents != 0 {
		return nil
	}
	return p.mod(h, h.events|writeEvents)
}

// ResetOut disarms write-readiness interest.
func (p *Poller) ResetOut(h *PollHandle) error {
	if h.events&writeEvents == 0 {
		return nil
	}
	return p.mod(h, h.events&^uint32(writeEvents))
}

func (p *Poller) mod(h *PollHandle, events uint32) error {
	if !h.registered {
		return nil
	}
	h.events = events
	return os.NewSyscallError("epoll_ctl mod",
		unix.EpollCtl(p.epfd, unix.EPOLL_CTL_MOD, h.fd, &unix.EpollEvent{Fd: int32(h.fd), Events: events}))
}

// Wait blocks up to timeoutMs (forever when negative) until a registered
// descriptor becomes ready. A wait interrupted by a signal is restarted
// transparently; callers never observe EINTR.
func (p *Poller) Wait(timeoutMs int) error {
	for {
		n, err := unix.EpollWait(p.epfd, p.events, timeoutMs)
		if err == unix.EINTR {
			continue
		}
		if err != nil {
			log.Logger.Error("epoll wait error", zap.Error(err))
			return os.NewSyscallError("epoll_wait", err)
		}
		p.n, p.next = n, 0
		return nil
	}
}

// Event yields the next ready handle of the last Wait together with its
// readiness mask, or ok=false once the batch is drained.
func (p *Poller) Event() (Readiness, *PollHandle, bool) {
	for p.next < p.n {
		ev := &p.events[p.next]
		p.next++

		h, ok := p.handles[int(ev.Fd)]
		if !ok || !h.registered {
			continue
		}

		var r Readiness
		if ev.Events&(unix.EPOLLERR|unix.EPOLLHUP) != 0 {
			r |= EventErr
		}
		if ev.Events&readEvents != 0 {
			r |= EventIn
		}
		if ev.Events&writeEvents != 0 {
			r |= EventOut
		}
		if r == 0 {
			continue
		}
		return r, h, true
	}
	return 0, nil, false
}

// Close releases the epoll descriptor. Registered handles are the
// responsibility of their owners.
func (p *Poller) Close() error {
	return os.NewSyscallError("close", unix.Close(p.epfd))
}
