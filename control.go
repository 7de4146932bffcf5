package amqp

import "fmt"

// ControlEventKind identifies what a ControlEvent reports.
type ControlEventKind uint8

const (
	SenderLinkDetached ControlEventKind = iota + 1
	ReceiverLinkDetached
	SessionEnded
	ConnectionClosed
)

func (k ControlEventKind) String() string {
	switch k {
	case SenderLinkDetached:
		return "SenderLinkDetached"
	case ReceiverLinkDetached:
		return "ReceiverLinkDetached"
	case SessionEnded:
		return "SessionEnded"
	case ConnectionClosed:
		return "ConnectionClosed"
	}
	return fmt.Sprintf("ControlEventKind(%d)", uint8(k))
}

// ControlEvent notifies the application that a link, session or the
// connection went away for a reason other than its own Close call.
type ControlEvent struct {
	Kind ControlEventKind

	// Channel is the local channel of the session involved. It is zero
	// for ConnectionClosed.
	Channel uint16

	// Handle, LinkName and Address identify the link for the two link
	// kinds.
	Handle   uint32
	LinkName string
	Address  string

	// Reason is never nil.
	Reason error
}

func (e ControlEvent) String() string {
	switch e.Kind {
	case SenderLinkDetached, ReceiverLinkDetached:
		return fmt.Sprintf("%s{channel: %d, handle: %d, name: %s, address: %s, reason: %v}",
			e.Kind, e.Channel, e.Handle, e.LinkName, e.Address, e.Reason)
	case SessionEnded:
		return fmt.Sprintf("%s{channel: %d, reason: %v}", e.Kind, e.Channel, e.Reason)
	}
	return fmt.Sprintf("%s{reason: %v}", e.Kind, e.Reason)
}

// emit queues an event for the control channel. It never blocks the mux;
// events wait in pendingEvents until the application reads them.
func (c *Conn) emit(ev ControlEvent) {
	if ev.Reason == nil {
		ev.Reason = errorNew("amqp: no reason given")
	}
	c.log.Info().Str("event", ev.Kind.String()).Err(ev.Reason).Msg("control event")
	c.pendingEvents = append(c.pendingEvents, ev)
}

// flushEvents hands every pending event to the control channel and closes
// it. Events that do not fit in the buffer are delivered, in order, as the
// application reads, so none is lost.
func (c *Conn) flushEvents() {
	pending := c.pendingEvents
	c.pendingEvents = nil
	for len(pending) > 0 && trySend(c.control, pending[0]) {
		pending = pending[1:]
	}
	if len(pending) == 0 {
		close(c.control)
		return
	}

	c.log.Debug().Int("events", len(pending)).Msg("control channel full, waiting for reader")
	go func() {
		for _, ev := range pending {
			c.control <- ev
		}
		close(c.control)
	}()
}

func trySend(ch chan<- ControlEvent, ev ControlEvent) bool {
	select {
	case ch <- ev:
		return true
	default:
		return false
	}
}

// acceptQueue holds peer-initiated sessions or links until the
// application accepts them. Only the mux touches it.
type acceptQueue[T any] struct {
	items   []T
	waiters []chan T
	closed  bool
}

func (q *acceptQueue[T]) push(v T) {
	if len(q.waiters) > 0 {
		w := q.waiters[0]
		q.waiters = q.waiters[1:]
		w <- v
		return
	}
	q.items = append(q.items, v)
}

// wait returns a channel that yields the next item. The channel is closed
// without a value once the queue is closed.
func (q *acceptQueue[T]) wait() chan T {
	ch := make(chan T, 1)
	switch {
	case len(q.items) > 0:
		ch <- q.items[0]
		q.items = q.items[1:]
	case q.closed:
		close(ch)
	default:
		q.waiters = append(q.waiters, ch)
	}
	return ch
}

// cancel drops a waiter. It reports false if the waiter already holds an
// item.
func (q *acceptQueue[T]) cancel(ch chan T) bool {
	for i, w := range q.waiters {
		if w == ch {
			q.waiters = append(q.waiters[:i], q.waiters[i+1:]...)
			return true
		}
	}
	return false
}

func (q *acceptQueue[T]) close() []T {
	q.closed = true
	for _, w := range q.waiters {
		close(w)
	}
	q.waiters = nil
	items := q.items
	q.items = nil
	return items
}
