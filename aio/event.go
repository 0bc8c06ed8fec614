package aio

// Event is a cross-thread signal delivered to its sink on the worker
// goroutine. Signals from one goroutine are delivered in the order they
// were raised; each Signal produces exactly one EventFired.
type Event struct {
	w    *Worker
	sink Sink
}

func NewEvent(w *Worker, sink Sink) *Event {
	return &Event{w: w, sink: sink}
}

// Signal queues the event for delivery. Callable from any goroutine
// including the worker itself, which picks it up at the end of the
// current dispatch cycle.
func (e *Event) Signal() {
	w := e.w
	w.eventsSync.Lock()
	w.events.Add(e)
	w.eventsSync.Unlock()
	if !w.onWorker() {
		w.wake.Signal()
	}
}

// Close releases the event handle and drops any deliveries still queued.
// Called on the worker or with the worker lock held, no EventFired for e
// runs after it returns; called otherwise, a delivery the worker has
// already dequeued may still run.
func (e *Event) Close() {
	w := e.w
	w.eventsSync.Lock()
	for n := w.events.Length(); n > 0; n-- {
		x := w.events.Remove().(*Event)
		if x != e {
			w.events.Add(x)
		}
	}
	w.eventsSync.Unlock()
}
