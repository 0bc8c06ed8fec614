package aio

import (
	"bytes"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"golang.org/x/sys/unix"
)

// testSink records every completion on buffered channels so tests can
// wait for callbacks without ever blocking the worker goroutine.
type testSink struct {
	SinkBase
	connected chan struct{}
	sent      chan struct{}
	received  chan struct{}
	errs      chan error
	closed    chan struct{}
}

func newTestSink() *testSink {
	return &testSink{
		connected: make(chan struct{}, 1),
		sent:      make(chan struct{}, 16),
		received:  make(chan struct{}, 512),
		errs:      make(chan error, 4),
		closed:    make(chan struct{}, 1),
	}
}

func (s *testSink) Connected(u *USock)      { s.connected <- struct{}{} }
func (s *testSink) Sent(u *USock)           { s.sent <- struct{}{} }
func (s *testSink) Received(u *USock)       { s.received <- struct{}{} }
func (s *testSink) Err(u *USock, err error) { s.errs <- err }
func (s *testSink) Closed(u *USock)         { s.closed <- struct{}{} }

// acceptSink wraps every accepted descriptor with the configured child
// sink and hands the socket to the test.
type acceptSink struct {
	SinkBase
	child   Sink
	childCh chan *USock
}

func (s *acceptSink) Accepted(u *USock, fd int) {
	c, err := NewChildUSock(u, s.child, fd)
	if err != nil {
		unix.Close(fd)
		return
	}
	s.childCh <- c
}

func (s *acceptSink) Closed(u *USock) {}

func await[T any](t *testing.T, ch <-chan T, what string) T {
	t.Helper()
	select {
	case v := <-ch:
		return v
	case <-time.After(5 * time.Second):
		t.Fatalf("timed out waiting for %s", what)
		panic("unreachable")
	}
}

func newTestWorker(t *testing.T) *Worker {
	t.Helper()
	w, err := NewWorker()
	require.NoError(t, err)
	t.Cleanup(func() { w.Close() })
	return w
}

// tcpPair builds a connected loopback pair: the returned server socket is
// the accepted child. The listener is cleaned up with the test.
func tcpPair(t *testing.T, w *Worker, cs, ss Sink) (client, server *USock) {
	t.Helper()

	ls := &acceptSink{child: ss, childCh: make(chan *USock, 1)}
	ln, err := NewUSock(w, ls, unix.AF_INET, unix.SOCK_STREAM, 0, -1, -1)
	require.NoError(t, err)
	require.NoError(t, ln.Bind(&unix.SockaddrInet4{Addr: [4]byte{127, 0, 0, 1}}))
	require.NoError(t, ln.Listen(8))
	t.Cleanup(func() { ln.Close() })

	sa, err := unix.Getsockname(ln.Fd())
	require.NoError(t, err)
	ln.Accept()

	client, err = NewUSock(w, cs, unix.AF_INET, unix.SOCK_STREAM, 0, -1, -1)
	require.NoError(t, err)
	client.Connect(sa.(*unix.SockaddrInet4))

	server = await(t, ls.childCh, "accepted child")
	return client, server
}

func TestConnectAccept(t *testing.T) {
	w := newTestWorker(t)
	cs, ss := newTestSink(), newTestSink()

	client, server := tcpPair(t, w, cs, ss)
	await(t, cs.connected, "connected")

	client.Close()
	server.Close()
	await(t, cs.closed, "client closed")
	await(t, ss.closed, "server closed")
}

func TestSendRecvRoundTrip(t *testing.T) {
	w := newTestWorker(t)
	cs, ss := newTestSink(), newTestSink()
	client, server := tcpPair(t, w, cs, ss)
	await(t, cs.connected, "connected")

	iov := [][]byte{[]byte("alpha"), []byte("beta"), []byte("gamma")}
	want := bytes.Join(iov, nil)

	client.Send(iov)
	await(t, cs.sent, "sent")

	got := make([]byte, len(want))
	server.Recv(got)
	await(t, ss.received, "received")
	assert.Equal(t, want, got)

	client.Close()
	server.Close()
	await(t, cs.closed, "client closed")
	await(t, ss.closed, "server closed")
}

func TestBatchBufferServesSecondRecv(t *testing.T) {
	w := newTestWorker(t)
	cs, ss := newTestSink(), newTestSink()
	client, server := tcpPair(t, w, cs, ss)
	await(t, cs.connected, "connected")

	client.Send([][]byte{[]byte("0123456789")})
	await(t, cs.sent, "sent")

	// The first short recv drags all ten bytes into the staging
	// buffer; the second completes from it without touching the
	// kernel.
	head := make([]byte, 4)
	server.Recv(head)
	await(t, ss.received, "first chunk")

	tail := make([]byte, 6)
	server.Recv(tail)
	await(t, ss.received, "second chunk")

	assert.Equal(t, "0123", string(head))
	assert.Equal(t, "456789", string(tail))

	client.Close()
	server.Close()
	await(t, cs.closed, "client closed")
	await(t, ss.closed, "server closed")
}

func TestLargeStream(t *testing.T) {
	w := newTestWorker(t)
	cs, ss := newTestSink(), newTestSink()
	client, server := tcpPair(t, w, cs, ss)
	await(t, cs.connected, "connected")

	const total = 1 << 20
	const chunk = 4096
	payload := make([]byte, total)
	for i := range payload {
		payload[i] = byte(i * 31)
	}

	client.Send([][]byte{payload})

	var got bytes.Buffer
	buf := make([]byte, chunk)
	for got.Len() < total {
		server.Recv(buf)
		await(t, ss.received, "chunk")
		got.Write(buf)
	}
	await(t, cs.sent, "sent")

	assert.Equal(t, total/chunk, got.Len()/chunk)
	assert.True(t, bytes.Equal(payload, got.Bytes()), "stream corrupted in transit")

	client.Close()
	server.Close()
	await(t, cs.closed, "client closed")
	await(t, ss.closed, "server closed")
}

func TestSendAllEmptyIovecs(t *testing.T) {
	w := newTestWorker(t)
	cs, ss := newTestSink(), newTestSink()
	client, server := tcpPair(t, w, cs, ss)
	await(t, cs.connected, "connected")

	client.Send([][]byte{nil, {}, nil})
	await(t, cs.sent, "sent")

	client.Close()
	server.Close()
	await(t, cs.closed, "client closed")
	await(t, ss.closed, "server closed")
}

func TestRecvZeroLength(t *testing.T) {
	w := newTestWorker(t)
	cs, ss := newTestSink(), newTestSink()
	client, server := tcpPair(t, w, cs, ss)
	await(t, cs.connected, "connected")

	client.Recv(nil)
	await(t, cs.received, "received")

	client.Close()
	server.Close()
	await(t, cs.closed, "client closed")
	await(t, ss.closed, "server closed")
}

func TestSendIovListTooLong(t *testing.T) {
	w := newTestWorker(t)
	cs, ss := newTestSink(), newTestSink()
	client, server := tcpPair(t, w, cs, ss)
	await(t, cs.connected, "connected")

	atLimit := make([][]byte, MaxIovcnt)
	for i := range atLimit {
		atLimit[i] = []byte{byte(i)}
	}
	client.Send(atLimit)
	await(t, cs.sent, "sent")

	overLimit := make([][]byte, MaxIovcnt+1)
	for i := range overLimit {
		overLimit[i] = []byte{byte(i)}
	}
	assert.Panics(t, func() { client.Send(overLimit) })

	buf := make([]byte, MaxIovcnt)
	server.Recv(buf)
	await(t, ss.received, "received")

	client.Close()
	server.Close()
	await(t, cs.closed, "client closed")
	await(t, ss.closed, "server closed")
}

func TestDoubleRecvPanics(t *testing.T) {
	w := newTestWorker(t)
	cs, ss := newTestSink(), newTestSink()
	client, server := tcpPair(t, w, cs, ss)
	await(t, cs.connected, "connected")

	// no data inbound, so this recv stays pending
	client.Recv(make([]byte, 16))
	assert.Panics(t, func() { client.Recv(make([]byte, 16)) })

	client.Close()
	server.Close()
	await(t, cs.closed, "client closed")
	await(t, ss.closed, "server closed")
}

func TestPendingRecvFailsOnPeerClose(t *testing.T) {
	w := newTestWorker(t)
	cs, ss := newTestSink(), newTestSink()
	client, server := tcpPair(t, w, cs, ss)
	await(t, cs.connected, "connected")

	client.Recv(make([]byte, 64))
	server.Close()
	await(t, ss.closed, "server closed")

	err := await(t, cs.errs, "recv failure")
	assert.ErrorIs(t, err, ErrConnReset)

	client.Close()
	await(t, cs.closed, "client closed")
}

func TestSendAfterPeerReset(t *testing.T) {
	w := newTestWorker(t)
	cs, ss := newTestSink(), newTestSink()
	client, server := tcpPair(t, w, cs, ss)
	await(t, cs.connected, "connected")

	// Linger zero turns the close into a hard RST.
	require.NoError(t, unix.SetsockoptLinger(server.Fd(), unix.SOL_SOCKET, unix.SO_LINGER,
		&unix.Linger{Onoff: 1, Linger: 0}))
	server.Close()
	await(t, ss.closed, "server closed")
	time.Sleep(100 * time.Millisecond)

	client.Send([][]byte{[]byte("into the void")})
	err := await(t, cs.errs, "send failure")
	assert.ErrorIs(t, err, ErrConnReset)

	client.Close()
	await(t, cs.closed, "client closed")
}

func TestConnectRefused(t *testing.T) {
	w := newTestWorker(t)

	// Grab a free port, then close the listener so nothing answers.
	probe, err := unix.Socket(unix.AF_INET, unix.SOCK_STREAM, 0)
	require.NoError(t, err)
	require.NoError(t, unix.Bind(probe, &unix.SockaddrInet4{Addr: [4]byte{127, 0, 0, 1}}))
	sa, err := unix.Getsockname(probe)
	require.NoError(t, err)
	require.NoError(t, unix.Close(probe))

	cs := newTestSink()
	client, err := NewUSock(w, cs, unix.AF_INET, unix.SOCK_STREAM, 0, -1, -1)
	require.NoError(t, err)
	client.Connect(sa.(*unix.SockaddrInet4))

	err = await(t, cs.errs, "connect failure")
	assert.ErrorIs(t, err, ErrConnReset)

	client.Close()
	await(t, cs.closed, "client closed")
}

func TestCrossThreadClose(t *testing.T) {
	w := newTestWorker(t)
	cs, ss := newTestSink(), newTestSink()
	client, server := tcpPair(t, w, cs, ss)
	await(t, cs.connected, "connected")

	fd := client.Fd()
	client.Close()
	await(t, cs.closed, "client closed")

	// The descriptor must be gone once Closed has fired.
	_, err := unix.FcntlInt(uintptr(fd), unix.F_GETFD, 0)
	assert.ErrorIs(t, err, unix.EBADF)

	assert.Panics(t, func() { client.Close() })
	assert.Panics(t, func() { client.Send([][]byte{[]byte("x")}) })
	assert.Panics(t, func() { client.Recv(make([]byte, 1)) })

	server.Close()
	await(t, ss.closed, "server closed")
}

func TestSocketpairChildren(t *testing.T) {
	w := newTestWorker(t)

	ps := newTestSink()
	parent, err := NewUSock(w, ps, unix.AF_UNIX, unix.SOCK_STREAM, 0, -1, -1)
	require.NoError(t, err)

	fds, err := unix.Socketpair(unix.AF_UNIX, unix.SOCK_STREAM|unix.SOCK_NONBLOCK|unix.SOCK_CLOEXEC, 0)
	require.NoError(t, err)

	as, bs := newTestSink(), newTestSink()
	a, err := NewChildUSock(parent, as, fds[0])
	require.NoError(t, err)
	b, err := NewChildUSock(parent, bs, fds[1])
	require.NoError(t, err)

	a.Send([][]byte{[]byte("ping")})
	await(t, as.sent, "sent")

	buf := make([]byte, 4)
	b.Recv(buf)
	await(t, bs.received, "received")
	assert.Equal(t, "ping", string(buf))

	a.Close()
	b.Close()
	parent.Close()
	await(t, as.closed, "a closed")
	await(t, bs.closed, "b closed")
	await(t, ps.closed, "parent closed")
}
