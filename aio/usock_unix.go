//go:build linux
// +build linux

package aio

import (
	"os"
	"syscall"

	"github.com/fzft/go-nano-aio/log"
	"go.uber.org/zap"
	"golang.org/x/sys/unix"
)

type inState int

const (
	inIdle inState = iota
	inReceiving
	inAccepting
)

type outState int

const (
	outIdle outState = iota
	outSending
	outConnecting
)

// USock is a non-blocking stream socket driven by a Worker. At most one
// inbound operation (Recv or Accept) and one outbound operation (Send or
// Connect) may be in progress at a time; violating that is a caller bug
// and panics. Completions arrive through the sink.
//
// Lifecycle: unregistered (descriptor exists) -> registered (in the
// poller) -> closing (REMOVE published, awaiting the worker) -> closed
// (after the Closed callback). The worker never frees a USock; the owner
// keeps it alive until Closed.
type USock struct {
	w    *Worker
	sink Sink

	fd     int
	domain int
	typ    int
	proto  int

	handle     PollHandle
	registered bool
	closing    bool
	closed     bool

	in struct {
		state inState
		// residual caller buffer of an in-progress Recv
		buf []byte
		// receive staging buffer, allocated on first Recv
		batch    []byte
		batchPos int
		batchLen int
	}

	out struct {
		state outState
		// pending scatter/gather list, cursor-advanced as bytes drain
		iov    [][]byte
		iovBuf [MaxIovcnt][]byte
	}

	// one pre-initialized queue node per opcode, so publishing an
	// operation request never allocates a node
	ops [4]opReq
}

// NewUSock creates a kernel stream socket owned by w. The descriptor is
// close-on-exec and non-blocking; sndbuf/rcvbuf are applied when
// non-negative, otherwise the kernel defaults stand. TCP sockets get
// Nagle and delayed acks disabled, IPv6 sockets run dual-stack.
func NewUSock(w *Worker, sink Sink, domain, typ, proto, sndbuf, rcvbuf int) (*USock, error) {
	fd, err := unix.Socket(domain, typ|unix.SOCK_NONBLOCK|unix.SOCK_CLOEXEC, proto)
	if err != nil {
		log.Logger.Error("failed to create socket", zap.Error(err))
		return nil, os.NewSyscallError("socket", err)
	}
	u := newUSock(w, sink, fd, domain, typ, proto)
	if err := u.tune(sndbuf, rcvbuf); err != nil {
		unix.Close(fd)
		return nil, err
	}
	return u, nil
}

// NewChildUSock wraps a descriptor handed out by Accepted into a socket
// of its own, inheriting the parent's family and type, and registers it
// with the parent's worker.
func NewChildUSock(parent *USock, sink Sink, fd int) (*USock, error) {
	if err := unix.SetNonblock(fd, true); err != nil {
		return nil, os.NewSyscallError("fcntl nonblock", err)
	}
	unix.CloseOnExec(fd)

	u := newUSock(parent.w, sink, fd, parent.domain, parent.typ, parent.proto)
	if err := u.tune(-1, -1); err != nil {
		unix.Close(fd)
		return nil, err
	}

	direct := u.w.enter()
	defer u.w.leave(direct)
	u.register(direct)
	return u, nil
}

func newUSock(w *Worker, sink Sink, fd, domain, typ, proto int) *USock {
	u := &USock{
		w:      w,
		sink:   sink,
		fd:     fd,
		domain: domain,
		typ:    typ,
		proto:  proto,
	}
	u.handle.owner = u
	for i := range u.ops {
		u.ops[i] = opReq{op: opcode(i), owner: u}
	}
	return u
}

func (u *USock) tune(sndbuf, rcvbuf int) error {
	if sndbuf >= 0 {
		if err := unix.SetsockoptInt(u.fd, unix.SOL_SOCKET, unix.SO_SNDBUF, sndbuf); err != nil {
			return os.NewSyscallError("setsockopt sndbuf", err)
		}
	}
	if rcvbuf >= 0 {
		if err := unix.SetsockoptInt(u.fd, unix.SOL_SOCKET, unix.SO_RCVBUF, rcvbuf); err != nil {
			return os.NewSyscallError("setsockopt rcvbuf", err)
		}
	}
	if u.typ == unix.SOCK_STREAM && (u.domain == unix.AF_INET || u.domain == unix.AF_INET6) {
		// Small control messages dominate the traffic; trade
		// throughput for latency.
		if err := unix.SetsockoptInt(u.fd, unix.IPPROTO_TCP, unix.TCP_NODELAY, 1); err != nil {
			log.Logger.Debug("failed to disable nagle", zap.Error(err))
		}
		if err := unix.SetsockoptInt(u.fd, unix.IPPROTO_TCP, unix.TCP_QUICKACK, 1); err != nil {
			log.Logger.Debug("failed to disable delayed ack", zap.Error(err))
		}
	}
	if u.domain == unix.AF_INET6 {
		if err := unix.SetsockoptInt(u.fd, unix.IPPROTO_IPV6, unix.IPV6_V6ONLY, 0); err != nil {
			log.Logger.Debug("failed to enable dual stack", zap.Error(err))
		}
	}
	return nil
}

// Fd exposes the kernel descriptor, mainly for diagnostics.
func (u *USock) Fd() int { return u.fd }

// Worker returns the completion port the socket is attached to.
func (u *USock) Worker() *Worker { return u.w }

// SetSink rebinds the completion sink. Owners use this when a
// higher-level state machine hands the socket to its successor.
func (u *USock) SetSink(sink Sink) {
	direct := u.w.enter()
	u.sink = sink
	u.w.leave(direct)
}

// Bind binds the socket to a local address. Address reuse is always
// enabled first so short-lived listeners can rebind immediately.
func (u *USock) Bind(sa unix.Sockaddr) error {
	if err := unix.SetsockoptInt(u.fd, unix.SOL_SOCKET, unix.SO_REUSEADDR, 1); err != nil {
		return os.NewSyscallError("setsockopt reuseaddr", err)
	}
	return os.NewSyscallError("bind", unix.Bind(u.fd, sa))
}

// Listen starts listening and registers the socket with the poller.
func (u *USock) Listen(backlog int) error {
	if err := unix.Listen(u.fd, backlog); err != nil {
		return os.NewSyscallError("listen", err)
	}
	direct := u.w.enter()
	defer u.w.leave(direct)
	u.register(direct)
	return nil
}

// Connect starts a non-blocking connect. An immediate success completes
// with Connected before Connect returns; an in-progress connect
// completes through the sink once the kernel reports the outcome; any
// other refusal completes with Err right away.
func (u *USock) Connect(sa unix.Sockaddr) {
	if u.closed || u.closing {
		panic("aio: connect on closed socket")
	}
	direct := u.w.enter()
	defer u.w.leave(direct)
	if u.out.state != outIdle {
		panic("aio: connect while outbound operation in progress")
	}

	switch err := unix.Connect(u.fd, sa); err {
	case nil:
		u.register(direct)
		u.sink.Connected(u)
	case unix.EINPROGRESS:
		u.out.state = outConnecting
		u.registered = true
		if direct {
			u.w.poller.Add(u.fd, &u.handle)
			u.w.poller.SetOut(&u.handle)
		} else {
			// One FIFO: the worker is guaranteed to process ADD
			// before SET-OUT.
			u.w.post(&u.ops[opAdd], &u.ops[opSetOut])
		}
	default:
		u.sink.Err(u, os.NewSyscallError("connect", err))
	}
}

// Accept starts accepting one connection; the descriptor arrives through
// Accepted. Transient accept failures are swallowed and the accept stays
// armed.
func (u *USock) Accept() {
	if u.closed || u.closing {
		panic("aio: accept on closed socket")
	}
	direct := u.w.enter()
	defer u.w.leave(direct)
	if u.in.state != inIdle {
		panic("aio: accept while inbound operation in progress")
	}
	u.in.state = inAccepting
	u.armIn(direct)
}

// Send queues the scatter/gather list for transmission. Zero-length
// entries are elided; at most MaxIovcnt entries are accepted. Exactly one
// of Sent or Err follows.
func (u *USock) Send(iov [][]byte) {
	if u.closed || u.closing {
		panic("aio: send on closed socket")
	}
	if len(iov) > MaxIovcnt {
		panic("aio: send iov list too long")
	}
	direct := u.w.enter()
	defer u.w.leave(direct)
	if u.out.state != outIdle {
		panic("aio: send while outbound operation in progress")
	}

	u.out.iov = u.out.iovBuf[:0]
	for _, b := range iov {
		if len(b) > 0 {
			u.out.iov = append(u.out.iov, b)
		}
	}

	switch err := u.sendRaw(); err {
	case nil:
		u.sink.Sent(u)
	case errWouldBlock:
		u.out.state = outSending
		u.armOut(direct)
	default:
		u.sink.Err(u, err)
	}
}

// Recv fills buf completely before completing. Bytes are served from the
// staging buffer first; a residual need larger than BatchSize reads
// straight into the caller's buffer, anything smaller refills the
// staging buffer to soak up future short reads. Exactly one of Received
// or Err follows.
func (u *USock) Recv(buf []byte) {
	if u.closed || u.closing {
		panic("aio: recv on closed socket")
	}
	direct := u.w.enter()
	defer u.w.leave(direct)
	if u.in.state != inIdle {
		panic("aio: recv while inbound operation in progress")
	}
	if u.in.batch == nil {
		u.in.batch = make([]byte, BatchSize)
	}
	u.in.buf = buf

	switch err := u.recvStep(); err {
	case nil:
		u.sink.Received(u)
	case errWouldBlock:
		u.in.state = inReceiving
		u.armIn(direct)
	default:
		u.sink.Err(u, err)
	}
}

// Close releases the socket. An unregistered socket is torn down on the
// spot; from the worker goroutine the poller detach is immediate; from
// anywhere else a REMOVE request is published and the worker finishes the
// job. Exactly one Closed callback ends the socket's life either way.
func (u *USock) Close() {
	if u.closed || u.closing {
		panic("aio: close of closed socket")
	}
	if u.w.onWorker() {
		if u.registered {
			u.w.poller.Remove(&u.handle)
		}
		u.teardown()
		return
	}
	u.w.sync.Lock()
	if !u.registered {
		u.teardown()
		u.w.sync.Unlock()
		return
	}
	u.closing = true
	u.w.sync.Unlock()
	u.w.post(&u.ops[opRemove])
}

// register is called with the worker lock held (or on the worker).
func (u *USock) register(direct bool) {
	u.registered = true
	if direct {
		u.w.poller.Add(u.fd, &u.handle)
	} else {
		u.w.post(&u.ops[opAdd])
	}
}

func (u *USock) armIn(direct bool) {
	if direct {
		u.w.poller.SetIn(&u.handle)
	} else {
		u.w.post(&u.ops[opSetIn])
	}
}

func (u *USock) armOut(direct bool) {
	if direct {
		u.w.poller.SetOut(&u.handle)
	} else {
		u.w.post(&u.ops[opSetOut])
	}
}

// teardown finishes the socket: descriptor closed, staging buffer
// released, the final Closed callback delivered. Worker lock held.
func (u *USock) teardown() {
	if u.fd >= 0 {
		if err := unix.Close(u.fd); err != nil {
			log.Logger.Debug("failed to close socket", zap.Int("fd", u.fd), zap.Error(err))
		}
		u.fd = -1
	}
	u.in.batch = nil
	u.in.state = inIdle
	u.out.state = outIdle
	u.registered = false
	u.closing = false
	u.closed = true
	u.sink.Closed(u)
}

// dispatch routes one readiness event. Worker goroutine, lock held.
func (u *USock) dispatch(r Readiness) {
	if r&EventErr != 0 {
		u.fail()
		return
	}
	if r&EventOut != 0 {
		u.onOut()
	}
	if r&EventIn != 0 {
		u.onIn()
	}
}

func (u *USock) onOut() {
	switch u.out.state {
	case outConnecting:
		u.w.poller.ResetOut(&u.handle)
		u.out.state = outIdle
		errno, err := unix.GetsockoptInt(u.fd, unix.SOL_SOCKET, unix.SO_ERROR)
		if err != nil {
			u.sink.Err(u, os.NewSyscallError("getsockopt so_error", err))
			return
		}
		if errno != 0 {
			u.sink.Err(u, normalizeErrno(syscall.Errno(errno)))
			return
		}
		u.sink.Connected(u)

	case outSending:
		switch err := u.sendRaw(); err {
		case errWouldBlock:
			// stay armed, more space will come
		case nil:
			u.w.poller.ResetOut(&u.handle)
			u.out.state = outIdle
			u.sink.Sent(u)
		default:
			u.w.poller.ResetOut(&u.handle)
			u.out.state = outIdle
			u.sink.Err(u, err)
		}

	default:
		// spurious wakeup, nothing in flight
	}
}

func (u *USock) onIn() {
	switch u.in.state {
	case inAccepting:
		fd, _, err := unix.Accept4(u.fd, unix.SOCK_NONBLOCK|unix.SOCK_CLOEXEC)
		if err != nil {
			if err == unix.EAGAIN || isAcceptTransient(err) {
				// The connection went away between readiness and
				// accept, or the system is out of resources right
				// now. Stay armed and take the next one.
				return
			}
			u.w.poller.ResetIn(&u.handle)
			u.in.state = inIdle
			u.sink.Err(u, os.NewSyscallError("accept", err))
			return
		}
		u.w.poller.ResetIn(&u.handle)
		u.in.state = inIdle
		u.sink.Accepted(u, fd)

	case inReceiving:
		switch err := u.recvStep(); err {
		case errWouldBlock:
			// stay armed
		case nil:
			u.w.poller.ResetIn(&u.handle)
			u.in.state = inIdle
			u.sink.Received(u)
		default:
			u.w.poller.ResetIn(&u.handle)
			u.in.state = inIdle
			u.sink.Err(u, err)
		}

	default:
		// spurious wakeup, nothing in flight
	}
}

// fail handles an error-level readiness event: detach from the poller so
// the condition cannot spin the dispatch loop, cancel whatever was in
// flight and deliver a single Err. The owner is expected to Close.
func (u *USock) fail() {
	u.w.poller.Remove(&u.handle)
	u.in.state = inIdle
	u.out.state = outIdle

	err := error(ErrConnReset)
	if errno, serr := unix.GetsockoptInt(u.fd, unix.SOL_SOCKET, unix.SO_ERROR); serr == nil && errno != 0 {
		err = normalizeErrno(syscall.Errno(errno))
	}
	u.sink.Err(u, err)
}

// sendRaw pushes the pending iov at the kernel once and advances the
// cursor. nil means fully drained, errWouldBlock means the rest waits
// for write readiness.
func (u *USock) sendRaw() error {
	if len(u.out.iov) == 0 {
		return nil
	}
	var n int
	for {
		var err error
		n, err = unix.SendmsgBuffers(u.fd, u.out.iov, nil, nil, unix.MSG_NOSIGNAL)
		if err == unix.EINTR {
			continue
		}
		switch err {
		case nil:
		case unix.EAGAIN:
			return errWouldBlock
		case unix.ECONNRESET, unix.ETIMEDOUT, unix.EPIPE:
			return ErrConnReset
		default:
			return os.NewSyscallError("sendmsg", err)
		}
		break
	}

	for n > 0 {
		if n >= len(u.out.iov[0]) {
			n -= len(u.out.iov[0])
			u.out.iov = u.out.iov[1:]
		} else {
			u.out.iov[0] = u.out.iov[0][n:]
			n = 0
		}
	}
	if len(u.out.iov) == 0 {
		return nil
	}
	return errWouldBlock
}

// recvStep makes as much progress on the pending Recv as the kernel
// allows: staged bytes first, then direct or staged reads depending on
// how much is still missing.
func (u *USock) recvStep() error {
	if u.in.batchPos < u.in.batchLen {
		n := copy(u.in.buf, u.in.batch[u.in.batchPos:u.in.batchLen])
		u.in.batchPos += n
		u.in.buf = u.in.buf[n:]
	}

	for len(u.in.buf) > 0 {
		if len(u.in.buf) > BatchSize {
			n, err := u.recvRaw(u.in.buf)
			if err != nil {
				return err
			}
			u.in.buf = u.in.buf[n:]
		} else {
			n, err := u.recvRaw(u.in.batch)
			if err != nil {
				return err
			}
			u.in.batchLen = n
			c := copy(u.in.buf, u.in.batch[:n])
			u.in.batchPos = c
			u.in.buf = u.in.buf[c:]
		}
	}
	return nil
}

// recvRaw is one read syscall with the error taxonomy applied: EAGAIN
// maps to errWouldBlock, the reset class and EOF map to ErrConnReset.
func (u *USock) recvRaw(buf []byte) (int, error) {
	for {
		n, err := unix.Read(u.fd, buf)
		switch {
		case err == unix.EINTR:
			continue
		case err == unix.EAGAIN:
			return 0, errWouldBlock
		case isResetOnRead(err):
			return 0, ErrConnReset
		case err != nil:
			return 0, os.NewSyscallError("read", err)
		case n == 0:
			// orderly shutdown by the peer, same terminal outcome
			return 0, ErrConnReset
		}
		return n, nil
	}
}

func isResetOnRead(err error) bool {
	switch err {
	case unix.ECONNRESET, unix.ENOTCONN, unix.ECONNREFUSED, unix.ETIMEDOUT, unix.EHOSTUNREACH:
		return true
	}
	return false
}

func isAcceptTransient(err error) bool {
	switch err {
	case unix.ECONNABORTED, unix.EPROTO, unix.ENOBUFS, unix.ENOMEM, unix.EMFILE, unix.ENFILE:
		return true
	}
	return false
}

func normalizeErrno(errno syscall.Errno) error {
	switch errno {
	case unix.ECONNRESET, unix.ENOTCONN, unix.ECONNREFUSED, unix.ETIMEDOUT, unix.EHOSTUNREACH, unix.EPIPE:
		return ErrConnReset
	}
	return errno
}
