//go:build linux
// +build linux

package aio

import (
	"os"
	"unsafe"

	"github.com/fzft/go-nano-aio/log"
	"go.uber.org/zap"
	"golang.org/x/sys/unix"
)

// The eventfd counter is a host-order uint64; writing the value through
// its native representation keeps the increment at exactly 1 regardless
// of endianness.
var wakeIncrement uint64 = 1
var wakeToken = (*(*[8]byte)(unsafe.Pointer(&wakeIncrement)))[:]

// wakeFD is the cross-thread wake channel: an eventfd registered with the
// worker's poller for read readiness. Signals raised before the worker
// drains the counter coalesce into a single readiness event, so the
// channel carries "there is pending work", not a count.
type wakeFD struct {
	efd    int
	handle PollHandle
	buf    [8]byte
}

func newWakeFD() (*wakeFD, error) {
	efd, err := unix.Eventfd(0, unix.EFD_NONBLOCK|unix.EFD_CLOEXEC)
	if err != nil {
		log.Logger.Error("failed to create eventfd", zap.Error(err))
		return nil, os.NewSyscallError("eventfd", err)
	}
	return &wakeFD{efd: efd}, nil
}

// Signal makes the next (or current) poller wait return. Callable from
// any goroutine, any number of times; EAGAIN means the counter is already
// saturated, which is just a signal that cannot be lost.
func (w *wakeFD) Signal() {
	if _, err := unix.Write(w.efd, wakeToken); err != nil && err != unix.EAGAIN {
		log.Logger.Error("failed to write to eventfd", zap.Error(err))
	}
}

// Unsignal drains the pending signal. Worker goroutine only.
func (w *wakeFD) Unsignal() {
	if _, err := unix.Read(w.efd, w.buf[:]); err != nil && err != unix.EAGAIN {
		log.Logger.Error("failed to read from eventfd", zap.Error(err))
	}
}

func (w *wakeFD) Close() error {
	return os.NewSyscallError("close", unix.Close(w.efd))
}
