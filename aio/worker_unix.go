//go:build linux
// +build linux

package aio

import (
	"sync"
	"sync/atomic"
	"time"

	"github.com/eapache/queue"
	"github.com/fzft/go-nano-aio/log"
	"go.uber.org/zap"
)

// Worker is the completion port: it owns the readiness poller, the timer
// set, the wake channel, the operation and event FIFOs, and the single
// goroutine that drives them. Handles (USock, Timer, Event) attach to a
// worker at construction and are dispatched on its goroutine.
//
// Lock discipline: sync guards the stop flag, the timer set, all poller
// state and per-socket state. The worker holds sync for the whole of
// every dispatch cycle and releases it only while blocked in the poller.
// The two FIFOs have their own small mutexes so publishing a request
// never contends with a dispatch cycle in progress.
type Worker struct {
	sync   sync.Mutex
	poller *Poller
	timers timerSet
	wake   *wakeFD

	opsSync sync.Mutex
	ops     *queue.Queue

	eventsSync sync.Mutex
	events     *queue.Queue

	stopped bool
	done    chan struct{}
	goid    atomic.Int64
}

// NewWorker creates a completion port and starts its goroutine.
func NewWorker() (*Worker, error) {
	poller, err := NewPoller()
	if err != nil {
		return nil, err
	}
	wake, err := newWakeFD()
	if err != nil {
		poller.Close()
		return nil, err
	}

	w := &Worker{
		poller: poller,
		wake:   wake,
		ops:    queue.New(),
		events: queue.New(),
		done:   make(chan struct{}),
	}

	// The wake channel is polled for the whole lifetime of the port.
	if err := poller.Add(wake.efd, &wake.handle); err != nil {
		wake.Close()
		poller.Close()
		return nil, err
	}
	if err := poller.SetIn(&wake.handle); err != nil {
		wake.Close()
		poller.Close()
		return nil, err
	}

	go w.loop()
	return w, nil
}

// Close stops the worker and releases the port's resources: it sets the
// stop flag, wakes the goroutine, joins it, then closes the wake channel
// and the poller. All handles must have been closed by their owners.
func (w *Worker) Close() error {
	w.sync.Lock()
	w.stopped = true
	w.sync.Unlock()
	w.wake.Signal()
	<-w.done

	err := w.poller.Remove(&w.wake.handle)
	if cerr := w.wake.Close(); err == nil {
		err = cerr
	}
	if cerr := w.poller.Close(); err == nil {
		err = cerr
	}
	return err
}

// Lock takes the worker lock. Exposed so state machines layered on top
// can synchronize their own state with the dispatch cycle.
func (w *Worker) Lock() { w.sync.Lock() }

// Unlock releases the worker lock.
func (w *Worker) Unlock() { w.sync.Unlock() }

// onWorker reports whether the calling goroutine is the dispatch
// goroutine, i.e. whether the worker lock is already held and poller
// state may be touched directly.
func (w *Worker) onWorker() bool {
	return w.goid.Load() == goid()
}

// enter begins a handle operation: on the worker goroutine the lock is
// already held and the operation may talk to the poller directly; from
// anywhere else the lock is taken and poller mutation must go through
// post. The return value feeds leave.
func (w *Worker) enter() (direct bool) {
	if w.onWorker() {
		return true
	}
	w.sync.Lock()
	return false
}

func (w *Worker) leave(direct bool) {
	if !direct {
		w.sync.Unlock()
	}
}

// post publishes operation requests and wakes the worker. Non-worker
// goroutines only; the worker itself calls the poller directly.
func (w *Worker) post(reqs ...*opReq) {
	w.opsSync.Lock()
	for _, r := range reqs {
		if r.queued {
			w.opsSync.Unlock()
			panic("aio: operation request enqueued twice: " + r.op.String())
		}
		r.queued = true
		w.ops.Add(r)
	}
	w.opsSync.Unlock()
	w.wake.Signal()
}

func (w *Worker) popOp() (*opReq, bool) {
	w.opsSync.Lock()
	defer w.opsSync.Unlock()
	if w.ops.Length() == 0 {
		return nil, false
	}
	r := w.ops.Remove().(*opReq)
	r.queued = false
	return r, true
}

func (w *Worker) popEvent() (*Event, bool) {
	w.eventsSync.Lock()
	defer w.eventsSync.Unlock()
	if w.events.Length() == 0 {
		return nil, false
	}
	return w.events.Remove().(*Event), true
}

// loop is the dispatch cycle. The lock is held everywhere except inside
// the poller wait.
func (w *Worker) loop() {
	w.goid.Store(goid())

	w.sync.Lock()
	for {
		timeout := w.timers.timeout(time.Now())

		w.sync.Unlock()
		err := w.poller.Wait(timeout)
		w.sync.Lock()

		if w.stopped {
			break
		}
		if err != nil {
			// epoll itself failed; nothing sensible to dispatch.
			log.Logger.Error("poller wait failed", zap.Error(err))
			continue
		}

		// Published operation requests first, so a socket added from
		// another goroutine is registered before its readiness can
		// possibly be consumed.
		w.drainOps()

		// Expired timers.
		now := time.Now()
		for {
			t, ok := w.timers.event(now)
			if !ok {
				break
			}
			t.active = false
			t.sink.TimerFired(t)
		}

		// Readiness events.
		for {
			r, h, ok := w.poller.Event()
			if !ok {
				break
			}
			if h == &w.wake.handle {
				// Drain requests again after consuming the signal: a
				// request published between the drain above and this
				// unsignal had its wake-up eaten and would otherwise
				// sleep until the next unrelated readiness event.
				w.wake.Unsignal()
				w.drainOps()
				continue
			}
			h.owner.dispatch(r)
		}

		// User events last, once the cycle's I/O work is done.
		for {
			e, ok := w.popEvent()
			if !ok {
				break
			}
			e.sink.EventFired(e)
		}
	}
	w.sync.Unlock()
	close(w.done)
}

func (w *Worker) drainOps() {
	for {
		r, ok := w.popOp()
		if !ok {
			return
		}
		w.execute(r)
	}
}

func (w *Worker) execute(r *opReq) {
	u := r.owner
	if u.closed {
		// torn down on the worker while this request was in flight
		return
	}
	var err error
	switch r.op {
	case opSetIn:
		err = w.poller.SetIn(&u.handle)
	case opSetOut:
		err = w.poller.SetOut(&u.handle)
	case opAdd:
		err = w.poller.Add(u.fd, &u.handle)
	case opRemove:
		err = w.poller.Remove(&u.handle)
		u.teardown()
	}
	if err != nil {
		log.Logger.Error("failed to execute operation request",
			zap.String("op", r.op.String()), zap.Int("fd", u.fd), zap.Error(err))
	}
}
