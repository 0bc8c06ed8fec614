// Package aio implements the asynchronous I/O engine underneath the
// messaging layers: one worker goroutine per completion port multiplexes
// readiness events for non-blocking stream sockets, timers and
// cross-thread signals, and dispatches completions to per-object sinks.
//
// Every poller and timer mutation happens on the worker goroutine. An
// operation initiated from any other goroutine is published onto a FIFO of
// pre-allocated request nodes and the worker is woken through an eventfd.
package aio

import "errors"

const (
	// BatchSize is the size of the per-socket receive staging buffer.
	// A larger buffer means fewer read syscalls at the cost of memory
	// per socket. The buffer is allocated on the first Recv, so
	// listening sockets never pay for it.
	BatchSize = 2048

	// MaxIovcnt is the maximum number of scatter/gather entries a
	// single Send accepts.
	MaxIovcnt = 3
)

// ErrConnReset is the normalized "connection reset" failure. Every
// peer-initiated teardown observed on a read (zero-byte read, ECONNRESET,
// ENOTCONN, ECONNREFUSED, ETIMEDOUT, EHOSTUNREACH) or on a write
// (ECONNRESET, ETIMEDOUT, EPIPE) surfaces through Sink.Err as this value.
var ErrConnReset = errors.New("connection reset by peer")

// errWouldBlock is internal: the operation made as much progress as the
// kernel allowed and the rest completes on a later readiness event.
var errWouldBlock = errors.New("operation would block")
