package aio

import "fmt"

// Sink is the completion callback set the owner of a handle provides.
// All methods run on the owning worker goroutine with the worker lock
// held, except the synchronous completions of Connect/Send/Recv and the
// Closed of a socket closed before it was ever registered, which run on
// the calling goroutine under the same lock. Callbacks for a given
// handle never interleave.
type Sink interface {
	// Connected reports that a Connect finished successfully.
	Connected(u *USock)

	// Accepted hands over a freshly accepted descriptor. The sink is
	// expected to wrap it with NewChildUSock.
	Accepted(u *USock, fd int)

	// Sent reports that the whole iov of a Send hit the kernel.
	Sent(u *USock)

	// Received reports that a Recv filled the caller's buffer entirely.
	Received(u *USock)

	// Err terminates a pending operation with a failure, most commonly
	// ErrConnReset.
	Err(u *USock, err error)

	// TimerFired reports an expired timer.
	TimerFired(t *Timer)

	// EventFired delivers a cross-thread Event signal.
	EventFired(e *Event)

	// Closed is the final callback of a socket: the descriptor is gone
	// and no further callbacks will be made for it.
	Closed(u *USock)
}

// SinkBase panics on every callback. Owners embed it and override only
// the completions their handle can actually reach; a callback landing
// here means the owner drove the handle into a state it never expected,
// which is a programming error.
type SinkBase struct{}

func (SinkBase) Connected(u *USock)        { panic(unexpected("connected")) }
func (SinkBase) Accepted(u *USock, fd int) { panic(unexpected("accepted")) }
func (SinkBase) Sent(u *USock)             { panic(unexpected("sent")) }
func (SinkBase) Received(u *USock)         { panic(unexpected("received")) }
func (SinkBase) Err(u *USock, err error)   { panic(unexpected("err")) }
func (SinkBase) TimerFired(t *Timer)       { panic(unexpected("timer-fired")) }
func (SinkBase) EventFired(e *Event)       { panic(unexpected("event-fired")) }
func (SinkBase) Closed(u *USock)           { panic(unexpected("closed")) }

func unexpected(callback string) string {
	return fmt.Sprintf("aio: unhandled %s callback", callback)
}
