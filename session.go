package amqp

import (
	"context"
	"fmt"
	"math"

	"github.com/rs/zerolog"
)

// Default session options
const (
	DefaultIncomingWindow = 1000
	DefaultOutgoingWindow = 1000
)

type sessionState uint8

const (
	sessionUnmapped sessionState = iota
	sessionBeginSent
	sessionBeginReceived
	sessionMapped
	sessionEndSent
	sessionEndReceived
	sessionDiscarded
)

func (s sessionState) String() string {
	switch s {
	case sessionUnmapped:
		return "unmapped"
	case sessionBeginSent:
		return "begin-sent"
	case sessionBeginReceived:
		return "begin-received"
	case sessionMapped:
		return "mapped"
	case sessionEndSent:
		return "end-sent"
	case sessionEndReceived:
		return "end-received"
	case sessionDiscarded:
		return "discarded"
	}
	return fmt.Sprintf("sessionState(%d)", uint8(s))
}

// SessionOption is a function for configuring an AMQP session.
type SessionOption func(*Session) error

// SessionIncomingWindow sets how many transfer frames the peer may send
// before the session replenishes the window with a Flow.
func SessionIncomingWindow(window uint32) SessionOption {
	return func(s *Session) error {
		if window == 0 {
			return errorNew("amqp: incoming window must be at least 1")
		}
		s.incomingWindowSize = window
		return nil
	}
}

// SessionOutgoingWindow sets the outgoing window advertised to the peer.
func SessionOutgoingWindow(window uint32) SessionOption {
	return func(s *Session) error {
		s.outgoingWindow = window
		return nil
	}
}

// SessionMaxLinks sets the maximum number of links (Senders/Receivers)
// allowed on the session.
//
// n must be in the range 1 to 4294967296.
func SessionMaxLinks(n int) SessionOption {
	return func(s *Session) error {
		if n < 1 {
			return errorNew("max sessions link must be at least 1")
		}
		if int64(n) > 4294967296 {
			return errorNew("max sessions link cannot be greater than 4294967296")
		}
		s.handleMax = uint32(n - 1)
		return nil
	}
}

// Session is an AMQP session.
//
// A session multiplexes Receivers and Senders over a channel of the
// connection.
type Session struct {
	conn *Conn
	log  zerolog.Logger

	channel       uint16
	remoteChannel uint16
	state         sessionState

	// transfer-id space
	incomingWindowSize   uint32
	incomingWindow       uint32
	outgoingWindow       uint32
	nextOutgoingID       uint32
	nextIncomingID       uint32
	remoteIncomingWindow uint32
	remoteOutgoingWindow uint32

	handleMax       uint32
	remoteHandleMax uint32
	nextDeliveryID  uint32

	links         map[uint32]*link  // by local handle
	remoteHandles map[uint32]uint32 // remote handle -> local handle
	incomingLinks acceptQueue[*IncomingLink]

	// transfer frames waiting for the remote incoming window
	txTransfers []*performTransfer

	// outgoing deliveries waiting for the receiver's outcome
	unsettled map[uint32]*DeliveryHandle

	begun     chan error   // NewSession waiter
	abandoned bool         // NewSession gave up before the reply
	ended     []chan error // Close waiters
	err       error
}

func newSession(c *Conn, opts ...SessionOption) (*Session, error) {
	s := &Session{
		conn:               c,
		log:                c.log,
		incomingWindowSize: DefaultIncomingWindow,
		outgoingWindow:     DefaultOutgoingWindow,
		handleMax:          math.MaxUint32,
		remoteHandleMax:    math.MaxUint32,
		links:              make(map[uint32]*link),
		remoteHandles:      make(map[uint32]uint32),
		unsettled:          make(map[uint32]*DeliveryHandle),
	}
	for _, opt := range opts {
		if err := opt(s); err != nil {
			return nil, err
		}
	}
	s.incomingWindow = s.incomingWindowSize
	return s, nil
}

// Channel returns the local channel number of the session.
func (s *Session) Channel() uint16 {
	return s.channel
}

// Close ends the session and waits for the peer's End.
//
// Every link of the session is detached with a *SessionEndedError.
func (s *Session) Close(ctx context.Context) error {
	res := make(chan error, 1)
	err := s.conn.do(ctx, func() {
		switch s.state {
		case sessionMapped:
			s.end(nil, &SessionEndedError{})
			s.ended = append(s.ended, res)
		case sessionEndSent:
			s.ended = append(s.ended, res)
		default:
			res <- nil
		}
	})
	if err != nil {
		return err
	}
	return s.conn.wait(ctx, res, nil)
}

// NewSender opens a new sender link on the session.
func (s *Session) NewSender(ctx context.Context, opts ...LinkOption) (*Sender, error) {
	l, err := newLink(s, roleSender, opts...)
	if err != nil {
		return nil, err
	}
	if err := l.attach(ctx); err != nil {
		return nil, err
	}
	return &Sender{l: l}, nil
}

// NewReceiver opens a new receiver link on the session.
func (s *Session) NewReceiver(ctx context.Context, opts ...LinkOption) (*Receiver, error) {
	l, err := newLink(s, roleReceiver, opts...)
	if err != nil {
		return nil, err
	}
	if err := l.attach(ctx); err != nil {
		return nil, err
	}
	return &Receiver{l: l}, nil
}

// AcceptLink waits for the peer to attach a link. The link is not usable
// until it is accepted or rejected.
func (s *Session) AcceptLink(ctx context.Context) (*IncomingLink, error) {
	c := s.conn
	var (
		ch     chan *IncomingLink
		closed error
	)
	if !c.run(func() {
		if s.state != sessionMapped {
			closed = s.error()
			return
		}
		ch = s.incomingLinks.wait()
	}) {
		return nil, c.doneErr
	}
	if closed != nil {
		return nil, closed
	}

	select {
	case il, ok := <-ch:
		if !ok {
			return nil, s.errorFromMux()
		}
		return il, nil
	case <-ctx.Done():
	}

	var withdrawn bool
	c.run(func() { withdrawn = s.incomingLinks.cancel(ch) })
	if !withdrawn {
		if il, ok := <-ch; ok {
			return il, nil
		}
	}
	return nil, ctx.Err()
}

// errorFromMux reads the session error on the mux.
func (s *Session) errorFromMux() error {
	var err error
	if !s.conn.run(func() { err = s.error() }) {
		return s.conn.doneErr
	}
	return err
}

func (s *Session) error() error {
	if s.err != nil {
		return s.err
	}
	return &SessionEndedError{}
}

func (s *Session) send(body frameBody) error {
	return s.conn.sendFrame(frame{typ: frameTypeAMQP, channel: s.channel, body: body})
}

func (s *Session) beginFrame(remoteChannel *uint16) *performBegin {
	return &performBegin{
		RemoteChannel:  remoteChannel,
		NextOutgoingID: s.nextOutgoingID,
		IncomingWindow: s.incomingWindow,
		OutgoingWindow: s.outgoingWindow,
		HandleMax:      s.handleMax,
	}
}

func (s *Session) flowFrame() *performFlow {
	nextIncomingID := s.nextIncomingID
	return &performFlow{
		NextIncomingID: &nextIncomingID,
		IncomingWindow: s.incomingWindow,
		NextOutgoingID: s.nextOutgoingID,
		OutgoingWindow: s.outgoingWindow,
	}
}

func (s *Session) applyBegin(remoteChannel uint16, b *performBegin) {
	s.remoteChannel = remoteChannel
	s.nextIncomingID = b.NextOutgoingID
	s.remoteIncomingWindow = b.IncomingWindow
	s.remoteOutgoingWindow = b.OutgoingWindow
	s.remoteHandleMax = b.HandleMax
}

// onBeginReply completes a session this side began.
func (s *Session) onBeginReply(remoteChannel uint16, b *performBegin) {
	s.applyBegin(remoteChannel, b)
	s.state = sessionMapped
	s.log.Debug().Uint16("remote_channel", remoteChannel).Msg("session mapped")

	if s.abandoned {
		s.end(nil, &SessionEndedError{})
		return
	}
	if s.begun != nil {
		s.begun <- nil
		s.begun = nil
	}
}

// onBeginRequest answers a session the peer began.
func (s *Session) onBeginRequest(remoteChannel uint16, b *performBegin) {
	s.state = sessionBeginReceived
	s.applyBegin(remoteChannel, b)
	s.send(s.beginFrame(&remoteChannel))
	s.state = sessionMapped
	s.log.Debug().Uint16("remote_channel", remoteChannel).Msg("session accepted")
}

func (s *Session) handleFrame(body frameBody) {
	if s.state == sessionEndSent {
		// everything but the End reply is moot now
		if e, ok := body.(*performEnd); ok {
			s.onEnd(e)
		}
		return
	}

	switch body := body.(type) {
	case *performAttach:
		s.onAttach(body)

	case *performFlow:
		s.onFlow(body)

	case *performTransfer:
		s.onTransfer(body)

	case *performDisposition:
		s.onDisposition(body)

	case *performDetach:
		l, ok := s.linkByRemote(body.Handle)
		if !ok {
			s.unattached(body.Handle, body)
			return
		}
		l.onDetach(body)

	case *performEnd:
		s.onEnd(body)

	default:
		s.fail(NewError(ErrorNotAllowed, fmt.Sprintf("unexpected %s on a mapped session", frameTypeName(body))))
	}
}

func (s *Session) linkByRemote(handle uint32) (*link, bool) {
	local, ok := s.remoteHandles[handle]
	if !ok {
		return nil, false
	}
	l, ok := s.links[local]
	return l, ok
}

func (s *Session) unattached(handle uint32, body frameBody) {
	s.fail(NewError(ErrorUnattachedHandle,
		fmt.Sprintf("%s for unattached handle %d", frameTypeName(body), handle)))
}

func (s *Session) allocateHandle() (uint32, error) {
	max := s.handleMax
	if s.remoteHandleMax < max {
		max = s.remoteHandleMax
	}
	for h := uint32(0); ; h++ {
		if _, used := s.links[h]; !used {
			return h, nil
		}
		if h == max {
			break
		}
	}
	return 0, errorErrorf("amqp: all %d link handles are in use", uint64(max)+1)
}

func (s *Session) onAttach(a *performAttach) {
	if _, ok := s.remoteHandles[a.Handle]; ok {
		s.fail(NewError(ErrorHandleInUse, fmt.Sprintf("handle %d is already attached", a.Handle)))
		return
	}

	// the reply to an Attach of ours carries the same name and the
	// opposite role
	for _, l := range s.links {
		if l.state == linkAttachSent && !l.hasRemote && l.name == a.Name && l.role != a.Role {
			l.remoteHandle = a.Handle
			l.hasRemote = true
			s.remoteHandles[a.Handle] = l.handle
			l.onAttachReply(a)
			return
		}
	}

	h, err := s.allocateHandle()
	if err != nil {
		s.fail(NewError(ErrorResourceLimitExceeded, err.Error()))
		return
	}
	l := newIncomingLink(s, h, a)
	s.links[h] = l
	s.remoteHandles[a.Handle] = h
	s.log.Debug().Str("link", a.Name).Uint32("handle", h).Msg("peer attached link")
	s.incomingLinks.push(&IncomingLink{l: l})
}

func (s *Session) onFlow(fl *performFlow) {
	// a nil next-incoming-id means the peer has not seen our Begin, whose
	// next-outgoing-id is always 0
	var nextIncomingID uint32
	if fl.NextIncomingID != nil {
		nextIncomingID = *fl.NextIncomingID
	}
	s.remoteIncomingWindow = windowFrom(nextIncomingID, fl.IncomingWindow, s.nextOutgoingID)
	s.remoteOutgoingWindow = fl.OutgoingWindow

	if fl.Handle != nil {
		l, ok := s.linkByRemote(*fl.Handle)
		if !ok {
			s.unattached(*fl.Handle, fl)
			return
		}
		l.onFlow(fl)
	} else if fl.Echo {
		s.send(s.flowFrame())
	}

	s.flushTransfers()
}

// windowFrom computes base+window-next in serial number arithmetic,
// clamped at zero.
func windowFrom(base, window, next uint32) uint32 {
	avail := int64(int32(base-next)) + int64(window)
	switch {
	case avail < 0:
		return 0
	case avail > math.MaxUint32:
		return math.MaxUint32
	}
	return uint32(avail)
}

func (s *Session) onTransfer(t *performTransfer) {
	l, ok := s.linkByRemote(t.Handle)
	if !ok {
		s.unattached(t.Handle, t)
		return
	}
	if s.incomingWindow == 0 {
		s.fail(NewError(ErrorWindowViolation, "transfer received with incoming window 0"))
		return
	}
	s.incomingWindow--
	s.nextIncomingID++

	l.onTransfer(t)

	if s.state == sessionMapped &&
		(s.incomingWindow == 0 || s.incomingWindow < s.incomingWindowSize/2) {
		s.incomingWindow = s.incomingWindowSize
		s.send(s.flowFrame())
	}
}

func (s *Session) onDisposition(d *performDisposition) {
	if d.Role == roleSender {
		// the peer settles deliveries it sent us; nothing is held for them
		return
	}

	first, last := d.First, d.last()
	settleBack := false
	for id, h := range s.unsettled {
		if id-first > last-first {
			continue
		}
		if !d.Settled && !isTerminal(d.State) {
			continue
		}
		delete(s.unsettled, id)
		h.resolve(d.State, nil)
		if !d.Settled {
			settleBack = true
		}
	}

	// a receiver in second mode waits for the sender to settle
	if settleBack {
		s.send(&performDisposition{
			Role:    roleSender,
			First:   first,
			Last:    d.Last,
			Settled: true,
			State:   d.State,
		})
	}
}

func isTerminal(state DeliveryState) bool {
	switch state.(type) {
	case *StateAccepted, *StateRejected, *StateReleased, *StateModified:
		return true
	}
	return false
}

func (s *Session) onEnd(e *performEnd) {
	if s.state == sessionEndSent {
		var err error
		if e.Error != nil {
			err = &SessionEndedError{RemoteError: e.Error}
		}
		s.discard(err)
		return
	}

	s.state = sessionEndReceived
	err := &SessionEndedError{RemoteError: e.Error}
	s.log.Info().Err(errOrNil(e.Error)).Msg("peer ended session")
	s.send(&performEnd{})
	s.terminate(err)
	s.conn.emit(ControlEvent{Kind: SessionEnded, Channel: s.channel, Reason: err})
	s.discard(err)
}

// fail ends the session because of a protocol error.
func (s *Session) fail(e *Error) {
	if s.state != sessionMapped {
		return
	}
	s.log.Warn().Err(e).Msg("session error")
	err := &SessionEndedError{cause: e}
	s.end(e, err)
	s.conn.emit(ControlEvent{Kind: SessionEnded, Channel: s.channel, Reason: err})
}

// end sends End and detaches every link with err. The session stays on
// its channel until the peer answers.
func (s *Session) end(e *Error, err error) {
	if s.state != sessionMapped {
		return
	}
	s.state = sessionEndSent
	s.send(&performEnd{Error: e})
	s.terminate(err)
}

// terminate fails everything the session owns with err.
func (s *Session) terminate(err error) {
	if s.err == nil {
		s.err = err
	}
	if s.begun != nil {
		s.begun <- err
		s.begun = nil
	}
	for _, l := range s.links {
		l.state = linkDetached
		l.terminate(err)
	}
	for _, il := range s.incomingLinks.close() {
		il.l.terminate(err)
	}
	for id, h := range s.unsettled {
		h.resolve(nil, err)
		delete(s.unsettled, id)
	}
	s.txTransfers = nil
}

// discard removes the session from the connection.
func (s *Session) discard(err error) {
	s.state = sessionDiscarded
	c := s.conn
	if local, ok := c.remoteChannels[s.remoteChannel]; ok && local == s.channel {
		delete(c.remoteChannels, s.remoteChannel)
	}
	delete(c.sessions, s.channel)
	s.links = map[uint32]*link{}
	s.remoteHandles = map[uint32]uint32{}
	s.resolveEnded(err)
	s.log.Debug().Msg("session discarded")
}

func (s *Session) resolveEnded(err error) {
	for _, ch := range s.ended {
		ch <- err
	}
	s.ended = nil
}
