//go:build linux
// +build linux

package cmd

import (
	"bufio"
	"encoding/binary"
	"fmt"
	"net"
	"os"
	"strings"

	"github.com/fzft/go-nano-aio/aio"
	"github.com/fzft/go-nano-aio/log"
	"github.com/mattn/go-isatty"
	"github.com/peterh/liner"
	"go.uber.org/zap"
	"golang.org/x/sys/unix"
)

const echoHistFile = ".aioecho_history"

// RunEcho stands up a loopback echo server on top of the AIO core and
// drives it from an interactive prompt: each line is framed, sent,
// echoed back by the server and printed. It exercises the socket side of
// the core (listen, accept, connect, send, recv) in one binary; timers and
// events are not used.
func RunEcho(addr string) error {
	sa, err := resolveInet4(addr)
	if err != nil {
		return err
	}

	worker, err := aio.NewWorker()
	if err != nil {
		return err
	}
	defer worker.Close()

	ln := &listenerSink{}
	lsock, err := aio.NewUSock(worker, ln, unix.AF_INET, unix.SOCK_STREAM, 0, -1, -1)
	if err != nil {
		return err
	}
	if err := lsock.Bind(sa); err != nil {
		return err
	}
	if err := lsock.Listen(128); err != nil {
		return err
	}
	lsock.Accept()

	cl := newClientSink()
	csock, err := aio.NewUSock(worker, cl, unix.AF_INET, unix.SOCK_STREAM, 0, -1, -1)
	if err != nil {
		return err
	}
	cl.sock = csock
	csock.Connect(sa)
	if err := <-cl.connected; err != nil {
		return err
	}

	log.Logger.Info("echo session up", zap.String("addr", addr))
	repl(cl)

	csock.Close()
	lsock.Close()
	return nil
}

// repl reads lines, round-trips each through the echo server and prints
// the reply. With a terminal on stdin it uses a liner prompt with
// history; piped input falls back to a plain scanner.
func repl(cl *clientSink) {
	if !isatty.IsTerminal(os.Stdin.Fd()) {
		sc := bufio.NewScanner(os.Stdin)
		for sc.Scan() {
			if !roundTrip(cl, sc.Text()) {
				return
			}
		}
		return
	}

	line := liner.NewLiner()
	defer line.Close()
	line.SetCtrlCAborts(true)

	if home, err := os.UserHomeDir(); err == nil {
		if f, err := os.Open(home + "/" + echoHistFile); err == nil {
			line.ReadHistory(f)
			f.Close()
		}
		defer func() {
			if f, err := os.Create(home + "/" + echoHistFile); err == nil {
				line.WriteHistory(f)
				f.Close()
			}
		}()
	}

	for {
		input, err := line.Prompt("aio> ")
		if err != nil {
			return
		}
		input = strings.TrimSpace(input)
		if input == "" {
			continue
		}
		line.AppendHistory(input)
		if input == "quit" || input == "exit" {
			return
		}
		if !roundTrip(cl, input) {
			return
		}
	}
}

func roundTrip(cl *clientSink, text string) bool {
	reply, err := cl.exchange([]byte(text))
	if err != nil {
		fmt.Fprintln(os.Stderr, "exchange failed:", err)
		return false
	}
	fmt.Println(string(reply))
	return true
}

// listenerSink accepts connections and hands each one to an echoSink.
type listenerSink struct {
	aio.SinkBase
}

func (s *listenerSink) Accepted(u *aio.USock, fd int) {
	child := &echoSink{}
	sock, err := aio.NewChildUSock(u, child, fd)
	if err != nil {
		log.Logger.Error("failed to wrap accepted connection", zap.Error(err))
		unix.Close(fd)
	} else {
		child.sock = sock
		child.readHeader()
	}
	u.Accept()
}

func (s *listenerSink) Err(u *aio.USock, err error) {
	log.Logger.Error("listener error", zap.Error(err))
}

func (s *listenerSink) Closed(u *aio.USock) {}

// echoSink runs one accepted connection: read a length-prefixed frame,
// send it straight back, repeat.
type echoSink struct {
	aio.SinkBase
	sock    *aio.USock
	header  [4]byte
	payload []byte
	inBody  bool
}

func (s *echoSink) readHeader() {
	s.inBody = false
	s.sock.Recv(s.header[:])
}

func (s *echoSink) Received(u *aio.USock) {
	if !s.inBody {
		s.inBody = true
		s.payload = make([]byte, binary.BigEndian.Uint32(s.header[:]))
		if len(s.payload) > 0 {
			u.Recv(s.payload)
			return
		}
	}
	u.Send([][]byte{s.header[:], s.payload})
}

func (s *echoSink) Sent(u *aio.USock) {
	s.readHeader()
}

func (s *echoSink) Err(u *aio.USock, err error) {
	// peer went away; reclaim the socket
	u.Close()
}

func (s *echoSink) Closed(u *aio.USock) {}

// clientSink is the REPL's side of the connection. Completions are
// relayed to the REPL goroutine over small buffered channels.
type clientSink struct {
	aio.SinkBase
	sock      *aio.USock
	connected chan error
	sent      chan error
	received  chan error
}

func newClientSink() *clientSink {
	return &clientSink{
		connected: make(chan error, 1),
		sent:      make(chan error, 1),
		received:  make(chan error, 1),
	}
}

func (s *clientSink) Connected(u *aio.USock) { s.connected <- nil }
func (s *clientSink) Sent(u *aio.USock)      { s.sent <- nil }
func (s *clientSink) Received(u *aio.USock)  { s.received <- nil }
func (s *clientSink) Closed(u *aio.USock)    {}

func (s *clientSink) Err(u *aio.USock, err error) {
	// whichever channel the REPL is blocked on gets the failure
	select {
	case s.connected <- err:
	default:
	}
	select {
	case s.sent <- err:
	default:
	}
	select {
	case s.received <- err:
	default:
	}
}

// exchange sends one framed payload and waits for the echoed frame.
func (s *clientSink) exchange(payload []byte) ([]byte, error) {
	var header [4]byte
	binary.BigEndian.PutUint32(header[:], uint32(len(payload)))
	s.sock.Send([][]byte{header[:], payload})
	if err := <-s.sent; err != nil {
		return nil, err
	}

	var replyHeader [4]byte
	s.sock.Recv(replyHeader[:])
	if err := <-s.received; err != nil {
		return nil, err
	}
	reply := make([]byte, binary.BigEndian.Uint32(replyHeader[:]))
	if len(reply) == 0 {
		return reply, nil
	}
	s.sock.Recv(reply)
	if err := <-s.received; err != nil {
		return nil, err
	}
	return reply, nil
}

func resolveInet4(addr string) (unix.Sockaddr, error) {
	host, port, err := net.SplitHostPort(addr)
	if err != nil {
		return nil, err
	}
	ip := net.ParseIP(host).To4()
	if ip == nil {
		return nil, fmt.Errorf("not an ipv4 address: %s", host)
	}
	p, err := net.LookupPort("tcp", port)
	if err != nil {
		return nil, err
	}
	sa := &unix.SockaddrInet4{Port: p}
	copy(sa.Addr[:], ip)
	return sa, nil
}
