package amqp

import (
	"context"
	"encoding/binary"
	"fmt"

	"github.com/google/uuid"
)

// DefaultLinkCredit is the credit a Receiver keeps granted unless
// LinkCredit says otherwise.
const DefaultLinkCredit = 100

type linkState uint8

const (
	linkUnattached linkState = iota
	linkAttachSent
	linkAttachReceived
	linkAttached
	linkDetachSent
	linkDetachReceived
	linkDetached
)

func (s linkState) String() string {
	switch s {
	case linkUnattached:
		return "unattached"
	case linkAttachSent:
		return "attach-sent"
	case linkAttachReceived:
		return "attach-received"
	case linkAttached:
		return "attached"
	case linkDetachSent:
		return "detach-sent"
	case linkDetachReceived:
		return "detach-received"
	case linkDetached:
		return "detached"
	}
	return fmt.Sprintf("linkState(%d)", uint8(s))
}

// LinkOption is a function for configuring an AMQP link.
type LinkOption func(*link) error

// LinkName sets the name of the link. It defaults to a random UUID.
func LinkName(name string) LinkOption {
	return func(l *link) error {
		if name == "" {
			return errorNew("amqp: link name must not be empty")
		}
		l.name = name
		return nil
	}
}

// LinkSource sets the source address.
func LinkSource(address string) LinkOption {
	return func(l *link) error {
		if l.source == nil {
			l.source = new(source)
		}
		l.source.Address = address
		return nil
	}
}

// LinkTarget sets the target address.
func LinkTarget(address string) LinkOption {
	return func(l *link) error {
		if l.target == nil {
			l.target = new(target)
		}
		l.target.Address = address
		return nil
	}
}

// LinkCredit specifies the maximum number of unacknowledged messages
// the sender can transmit. Only used by receivers.
func LinkCredit(credit uint32) LinkOption {
	return func(l *link) error {
		if credit == 0 {
			return errorNew("amqp: link credit must be at least 1")
		}
		l.maxCredit = credit
		return nil
	}
}

// LinkSenderSettle sets the requested sender settlement mode.
func LinkSenderSettle(mode SenderSettleMode) LinkOption {
	return func(l *link) error {
		if mode > ModeMixed {
			return errorErrorf("invalid SenderSettlementMode %d", mode)
		}
		l.senderSettleMode = &mode
		return nil
	}
}

// LinkReceiverSettle sets the requested receiver settlement mode.
func LinkReceiverSettle(mode ReceiverSettleMode) LinkOption {
	return func(l *link) error {
		if mode > ModeSecond {
			return errorErrorf("invalid ReceiverSettlementMode %d", mode)
		}
		l.receiverSettleMode = &mode
		return nil
	}
}

// LinkMaxMessageSize sets the largest message a Receiver accepts.
// Zero means no limit.
func LinkMaxMessageSize(size uint64) LinkOption {
	return func(l *link) error {
		l.maxMessageSize = size
		return nil
	}
}

// link is the state shared by Sender and Receiver. It is owned by the
// connection mux.
type link struct {
	session *Session

	name         string
	handle       uint32
	remoteHandle uint32
	hasRemote    bool
	role         role // this side's role
	incoming     bool // attached by the peer
	state        linkState

	source             *source
	target             *target
	senderSettleMode   *SenderSettleMode
	receiverSettleMode *ReceiverSettleMode
	maxMessageSize     uint64 // limit this side enforces as receiver
	peerMaxMessageSize uint64

	deliveryCount uint32
	linkCredit    uint32

	// sender
	pending []*pendingSend
	nextTag uint64

	// receiver
	maxCredit     uint32
	deliveries    chan *Delivery
	reasm         *reassembler
	current       *Delivery // delivery being reassembled
	currentFrames int
	currentSize   int
	recvErr       error // written before deliveries is closed

	attached  chan error // attach waiter
	abandoned bool       // the attach waiter gave up
	detached  []chan error
	err       error
}

func newLink(s *Session, r role, opts ...LinkOption) (*link, error) {
	l := &link{
		session:   s,
		name:      uuid.NewString(),
		role:      r,
		maxCredit: DefaultLinkCredit,
	}
	for _, opt := range opts {
		if err := opt(l); err != nil {
			return nil, err
		}
	}
	return l, nil
}

// newIncomingLink builds the local end of a link the peer attached.
func newIncomingLink(s *Session, handle uint32, a *performAttach) *link {
	l := &link{
		session:            s,
		name:               a.Name,
		handle:             handle,
		remoteHandle:       a.Handle,
		hasRemote:          true,
		role:               !a.Role,
		incoming:           true,
		state:              linkAttachReceived,
		source:             a.Source,
		target:             a.Target,
		senderSettleMode:   a.SenderSettleMode,
		receiverSettleMode: a.ReceiverSettleMode,
		peerMaxMessageSize: a.MaxMessageSize,
		maxCredit:          DefaultLinkCredit,
	}
	if l.role == roleReceiver {
		l.deliveryCount = a.InitialDeliveryCount
	}
	return l
}

// address is the node the link talks to. For links this side attached it
// is the remote terminus: the target of a sender, the source of a
// receiver. For links the peer attached it is the terminus on this side.
func (l *link) address() string {
	useTarget := l.role == roleSender
	if l.incoming {
		useTarget = !useTarget
	}
	if useTarget {
		if l.target == nil {
			return ""
		}
		return l.target.Address
	}
	if l.source == nil {
		return ""
	}
	return l.source.Address
}

func (l *link) error() error {
	if l.err != nil {
		return l.err
	}
	return ErrLinkClosed
}

// prepare sets up receiver state once the options are final.
func (l *link) prepare() {
	if l.role == roleReceiver && l.deliveries == nil {
		l.deliveries = make(chan *Delivery, l.maxCredit)
		l.reasm = newReassembler(l.maxMessageSize)
	}
	if l.role == roleSender && l.target == nil {
		l.target = new(target)
	}
	if l.role == roleReceiver && l.source == nil {
		l.source = new(source)
	}
}

func (l *link) attachFrame() *performAttach {
	a := &performAttach{
		Name:               l.name,
		Handle:             l.handle,
		Role:               l.role,
		SenderSettleMode:   l.senderSettleMode,
		ReceiverSettleMode: l.receiverSettleMode,
		Source:             l.source,
		Target:             l.target,
	}
	if l.role == roleSender {
		a.InitialDeliveryCount = l.deliveryCount
	} else {
		a.MaxMessageSize = l.maxMessageSize
	}
	return a
}

func (l *link) flowFrame() *performFlow {
	f := l.session.flowFrame()
	handle, deliveryCount, linkCredit := l.handle, l.deliveryCount, l.linkCredit
	f.Handle = &handle
	f.DeliveryCount = &deliveryCount
	f.LinkCredit = &linkCredit
	return f
}

// attach sends the Attach and waits for the peer's.
func (l *link) attach(ctx context.Context) error {
	s := l.session
	l.prepare()

	res := make(chan error, 1)
	err := s.conn.do(ctx, func() {
		if s.state != sessionMapped {
			res <- s.error()
			return
		}
		h, err := s.allocateHandle()
		if err != nil {
			res <- err
			return
		}
		l.handle = h
		if err := s.send(l.attachFrame()); err != nil {
			res <- err
			return
		}
		s.links[h] = l
		l.state = linkAttachSent
		l.attached = res
	})
	if err != nil {
		return err
	}

	return s.conn.wait(ctx, res, func() {
		if l.state == linkAttachSent {
			l.attached = nil
			l.abandoned = true
		}
	})
}

func (l *link) resolveAttach(err error) {
	if l.attached != nil {
		l.attached <- err
		l.attached = nil
	}
}

func (l *link) onAttachReply(a *performAttach) {
	// a refusal leaves out this side's terminus; the Detach with the
	// reason follows
	if (l.role == roleSender && a.Target == nil) || (l.role == roleReceiver && a.Source == nil) {
		l.session.log.Debug().Str("link", l.name).Msg("peer refused link")
		return
	}

	l.peerMaxMessageSize = a.MaxMessageSize
	l.state = linkAttached
	if l.role == roleReceiver {
		l.deliveryCount = a.InitialDeliveryCount
		l.linkCredit = l.maxCredit
		l.session.send(l.flowFrame())
	}

	if l.abandoned {
		l.detach(nil)
		return
	}
	l.session.log.Debug().Str("link", l.name).Uint32("handle", l.handle).Str("role", l.role.String()).Msg("link attached")
	l.resolveAttach(nil)
}

// detach sends a closing Detach. A nil e is a clean close by the
// application; otherwise the link is failed with e and the application
// is told through the control channel.
func (l *link) detach(e *Error) {
	if l.state != linkAttached {
		return
	}
	l.state = linkDetachSent
	l.session.send(&performDetach{Handle: l.handle, Closed: true, Error: e})
	if e == nil {
		l.terminate(ErrLinkClosed)
		return
	}

	l.session.log.Warn().Str("link", l.name).Err(e).Msg("detaching link")
	err := &DetachError{cause: e}
	l.terminate(err)
	l.emit(err)
}

func (l *link) onDetach(d *performDetach) {
	switch l.state {
	case linkDetachSent:
		l.state = linkDetached
		l.remove()
		var err error
		if d.Error != nil {
			err = &DetachError{RemoteError: d.Error}
		}
		l.resolveDetached(err)

	case linkAttachSent, linkAttachReceived, linkAttached:
		wasAttached := l.state == linkAttached
		if l.state == linkAttachReceived {
			// the Detach reply needs an Attach before it
			a := l.attachFrame()
			a.Source, a.Target = nil, nil
			l.session.send(a)
		}
		l.state = linkDetachReceived
		l.session.send(&performDetach{Handle: l.handle, Closed: d.Closed})
		l.state = linkDetached

		err := &DetachError{RemoteError: d.Error}
		l.terminate(err)
		l.remove()
		if wasAttached {
			l.session.log.Info().Str("link", l.name).Err(errOrNil(d.Error)).Msg("peer detached link")
			l.emit(err)
		}
	}
}

func (l *link) emit(err error) {
	kind := SenderLinkDetached
	if l.role == roleReceiver {
		kind = ReceiverLinkDetached
	}
	l.session.conn.emit(ControlEvent{
		Kind:     kind,
		Channel:  l.session.channel,
		Handle:   l.handle,
		LinkName: l.name,
		Address:  l.address(),
		Reason:   err,
	})
}

// terminate fails pending work and wakes every waiter with err. It is safe
// to call more than once; the first error sticks.
func (l *link) terminate(err error) {
	if l.err == nil {
		l.err = err
	}

	for _, ps := range l.pending {
		ps.res <- l.err
	}
	l.pending = nil

	if l.deliveries != nil && l.recvErr == nil {
		l.recvErr = l.err
		if incomplete := l.reasm.abandon(l.err); len(incomplete) > 0 {
			l.session.log.Warn().Str("link", l.name).Int("deliveries", len(incomplete)).Msg("incomplete deliveries dropped")
			l.recvErr = incomplete[0]
		}
		l.current = nil
		close(l.deliveries)
	}

	l.resolveAttach(l.err)
	if l.state == linkDetached {
		l.resolveDetached(err)
	}
}

func (l *link) resolveDetached(err error) {
	for _, ch := range l.detached {
		ch <- err
	}
	l.detached = nil
}

// remove drops the link from both handle maps and the session's transfer
// queue.
func (l *link) remove() {
	s := l.session
	if local, ok := s.links[l.handle]; ok && local == l {
		delete(s.links, l.handle)
	}
	if l.hasRemote {
		if local, ok := s.remoteHandles[l.remoteHandle]; ok && local == l.handle {
			delete(s.remoteHandles, l.remoteHandle)
		}
	}
	s.dropTransfers(l.handle)
}

// close detaches the link and waits for the peer's Detach.
func (l *link) close(ctx context.Context) error {
	c := l.session.conn
	res := make(chan error, 1)
	err := c.do(ctx, func() {
		switch l.state {
		case linkAttached:
			l.detach(nil)
			l.detached = append(l.detached, res)
		case linkDetachSent:
			l.detached = append(l.detached, res)
		default:
			res <- nil
		}
	})
	if err != nil {
		return err
	}
	return c.wait(ctx, res, nil)
}

// Sender sends messages on a single AMQP link.
type Sender struct {
	l *link
}

// pendingSend is a Send parked until the link has credit.
type pendingSend struct {
	payload []byte
	settled bool
	res     chan error
	handle  *DeliveryHandle // set before res is sent a nil error
}

// Send encodes msg and queues it on the link. It returns once the link's
// credit admits the delivery and its transfer frames are handed to the
// session, or with an error if the link detaches first.
//
// If ctx ends while the delivery is still waiting for credit, it is
// withdrawn and ctx.Err() is returned.
func (s *Sender) Send(ctx context.Context, msg *Message) (*DeliveryHandle, error) {
	payload, err := msg.MarshalBinary()
	if err != nil {
		return nil, err
	}

	l := s.l
	ps := &pendingSend{
		payload: payload,
		settled: l.senderSettleMode != nil && *l.senderSettleMode == ModeSettled,
		res:     make(chan error, 1),
	}

	c := l.session.conn
	if err := c.do(ctx, func() { l.queueSend(ps) }); err != nil {
		return nil, err
	}
	if err := c.wait(ctx, ps.res, func() { l.cancelSend(ps) }); err != nil {
		return nil, err
	}
	return ps.handle, nil
}

// Address returns the address messages are sent to.
func (s *Sender) Address() string {
	return s.l.address()
}

// LinkName returns the name of the link.
func (s *Sender) LinkName() string {
	return s.l.name
}

// MaxMessageSize is the maximum size of a single message the peer
// accepts. Zero means no limit.
func (s *Sender) MaxMessageSize() uint64 {
	return s.l.peerMaxMessageSize
}

// Close detaches the link and waits for the peer to confirm. Pending
// sends fail with ErrLinkClosed.
func (s *Sender) Close(ctx context.Context) error {
	return s.l.close(ctx)
}

// DeliveryHandle tracks an outgoing delivery until the receiver settles
// it.
type DeliveryHandle struct {
	ID  uint32
	Tag []byte

	done  chan struct{}
	state DeliveryState
	err   error
}

func newDeliveryHandle(id uint32, tag []byte) *DeliveryHandle {
	return &DeliveryHandle{ID: id, Tag: tag, done: make(chan struct{})}
}

// Wait blocks until the receiver reports an outcome for the delivery.
//
// The state is one of *StateAccepted, *StateRejected, *StateReleased or
// *StateModified. Presettled deliveries return a nil state at once. An
// error means the link or connection went away first.
func (h *DeliveryHandle) Wait(ctx context.Context) (DeliveryState, error) {
	select {
	case <-h.done:
		return h.state, h.err
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

func (h *DeliveryHandle) resolve(state DeliveryState, err error) {
	select {
	case <-h.done:
		return
	default:
	}
	h.state, h.err = state, err
	close(h.done)
}

func (l *link) newTag() []byte {
	tag := make([]byte, 8)
	binary.BigEndian.PutUint64(tag, l.nextTag)
	l.nextTag++
	return tag
}

func (l *link) queueSend(ps *pendingSend) {
	if l.state != linkAttached {
		ps.res <- l.error()
		return
	}
	if l.peerMaxMessageSize != 0 && uint64(len(ps.payload)) > l.peerMaxMessageSize {
		ps.res <- NewError(ErrorMessageSizeExceeded,
			fmt.Sprintf("encoded message size %d exceeds max of %d", len(ps.payload), l.peerMaxMessageSize))
		return
	}

	l.pending = append(l.pending, ps)
	l.admit()
	if n := len(l.pending); n > 0 && l.pending[n-1] == ps {
		recordCreditStall()
	}
}

// cancelSend withdraws ps if it is still waiting for credit.
func (l *link) cancelSend(ps *pendingSend) {
	for i, p := range l.pending {
		if p == ps {
			l.pending = append(l.pending[:i], l.pending[i+1:]...)
			return
		}
	}
}

func (l *link) onFlow(fl *performFlow) {
	if l.role == roleReceiver {
		l.onReceiverFlow(fl)
		return
	}

	if fl.LinkCredit != nil {
		// a nil delivery-count means the receiver has not seen our Attach
		// yet and counts from our initial delivery-count of 0
		var deliveryCount uint32
		if fl.DeliveryCount != nil {
			deliveryCount = *fl.DeliveryCount
		}
		l.linkCredit = windowFrom(deliveryCount, *fl.LinkCredit, l.deliveryCount)
	}

	l.admit()

	switch {
	case fl.Drain && l.state == linkAttached:
		// nothing left to send: use up the credit and report back
		l.deliveryCount += l.linkCredit
		l.linkCredit = 0
		l.session.send(l.flowFrame())
	case fl.Echo && l.state == linkAttached:
		l.session.send(l.flowFrame())
	}
}

// Receiver receives messages on a single AMQP link.
type Receiver struct {
	l *link
}

// Receive returns the next delivery. Once the link detaches, deliveries
// already received are still returned, followed by the detach error.
func (r *Receiver) Receive(ctx context.Context) (*Delivery, error) {
	l := r.l
	select {
	case d, ok := <-l.deliveries:
		if !ok {
			return nil, l.recvErr
		}
		l.session.conn.submit(l.onConsumed)
		return d, nil
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

// Address returns the address messages are received from.
func (r *Receiver) Address() string {
	return r.l.address()
}

// LinkName returns the name of the link.
func (r *Receiver) LinkName() string {
	return r.l.name
}

// Close detaches the link and waits for the peer to confirm.
func (r *Receiver) Close(ctx context.Context) error {
	return r.l.close(ctx)
}

func (l *link) onReceiverFlow(fl *performFlow) {
	// the sender moves delivery-count forward when it drains credit
	if fl.DeliveryCount != nil {
		advanced := *fl.DeliveryCount - l.deliveryCount
		if advanced <= l.linkCredit {
			l.linkCredit -= advanced
			l.deliveryCount = *fl.DeliveryCount
		}
	}
	if l.state != linkAttached {
		return
	}
	if fl.Echo {
		l.session.send(l.flowFrame())
		return
	}
	l.replenish()
}

func (l *link) onConsumed() {
	if l.state == linkAttached {
		l.replenish()
	}
}

// replenish tops credit back up to maxCredit once it falls to half,
// counting deliveries the application has not taken yet.
func (l *link) replenish() {
	held := uint32(len(l.deliveries))
	if l.current != nil {
		held++
	}
	if l.linkCredit+held > l.maxCredit/2 || held >= l.maxCredit {
		return
	}
	l.linkCredit = l.maxCredit - held
	l.session.send(l.flowFrame())
}

// Delivery is a message received on a Receiver.
type Delivery struct {
	ID      uint32
	Tag     []byte
	Message *Message

	// Settled is true when the sender settled the delivery or after it
	// was disposed of locally.
	Settled bool

	link *link
}

// Accept notifies the sender that the message was processed.
func (d *Delivery) Accept(ctx context.Context) error {
	return d.dispose(ctx, &StateAccepted{})
}

// Reject notifies the sender that the message is invalid.
func (d *Delivery) Reject(ctx context.Context, e *Error) error {
	return d.dispose(ctx, &StateRejected{Error: e})
}

// Release returns the message to the sender unprocessed.
func (d *Delivery) Release(ctx context.Context) error {
	return d.dispose(ctx, &StateReleased{})
}

// Modify releases the message with changes for the sender to apply.
func (d *Delivery) Modify(ctx context.Context, deliveryFailed, undeliverableHere bool, annotations Annotations) error {
	return d.dispose(ctx, &StateModified{
		DeliveryFailed:     deliveryFailed,
		UndeliverableHere:  undeliverableHere,
		MessageAnnotations: annotations,
	})
}

// dispose sends a Disposition for the delivery. It is a no-op for
// deliveries that are already settled.
func (d *Delivery) dispose(ctx context.Context, state DeliveryState) error {
	if d.Settled {
		return nil
	}

	l := d.link
	s := l.session
	res := make(chan error, 1)
	err := s.conn.do(ctx, func() {
		if s.state != sessionMapped {
			res <- s.error()
			return
		}
		settled := l.receiverSettleMode == nil || *l.receiverSettleMode == ModeFirst
		res <- s.send(&performDisposition{
			Role:    roleReceiver,
			First:   d.ID,
			Settled: settled,
			State:   state,
		})
	})
	if err != nil {
		return err
	}
	if err := s.conn.wait(ctx, res, nil); err != nil {
		return err
	}
	d.Settled = true
	return nil
}

// IncomingLink is a link the peer attached. It must be accepted or
// rejected.
type IncomingLink struct {
	l *link
}

// Name returns the name the peer gave the link.
func (il *IncomingLink) Name() string {
	return il.l.name
}

// Address returns the node the peer addressed: the target when the peer
// sends and the source when it receives.
func (il *IncomingLink) Address() string {
	return il.l.address()
}

// IsSender reports whether the peer attached as the sender, in which case
// the link must be accepted with AcceptReceiver.
func (il *IncomingLink) IsSender() bool {
	return il.l.role == roleReceiver
}

// AcceptReceiver answers the peer's Attach and grants it credit.
func (il *IncomingLink) AcceptReceiver(ctx context.Context, opts ...LinkOption) (*Receiver, error) {
	if err := il.accept(ctx, roleReceiver, opts); err != nil {
		return nil, err
	}
	return &Receiver{l: il.l}, nil
}

// AcceptSender answers the peer's Attach. Sends wait for the peer to
// grant credit.
func (il *IncomingLink) AcceptSender(ctx context.Context, opts ...LinkOption) (*Sender, error) {
	if err := il.accept(ctx, roleSender, opts); err != nil {
		return nil, err
	}
	return &Sender{l: il.l}, nil
}

func (il *IncomingLink) accept(ctx context.Context, r role, opts []LinkOption) error {
	l := il.l
	if l.role != r {
		return errorErrorf("amqp: peer attached link %q as %s", l.name, l.role.String())
	}

	res := make(chan error, 1)
	err := l.session.conn.do(ctx, func() {
		if l.state != linkAttachReceived {
			res <- l.error()
			return
		}
		name := l.name
		for _, opt := range opts {
			if err := opt(l); err != nil {
				res <- err
				return
			}
		}
		l.name = name
		l.prepare()

		if err := l.session.send(l.attachFrame()); err != nil {
			res <- err
			return
		}
		l.state = linkAttached
		if l.role == roleReceiver {
			l.linkCredit = l.maxCredit
			l.session.send(l.flowFrame())
		} else {
			// the peer may have granted credit before we answered
			l.admit()
		}
		res <- nil
	})
	if err != nil {
		return err
	}
	return l.session.conn.wait(ctx, res, nil)
}

// Reject refuses the link: the engine answers the Attach without a
// terminus and detaches it with e.
func (il *IncomingLink) Reject(ctx context.Context, e *Error) error {
	l := il.l
	res := make(chan error, 1)
	err := l.session.conn.do(ctx, func() {
		if l.state != linkAttachReceived {
			res <- l.error()
			return
		}
		a := l.attachFrame()
		if l.role == roleReceiver {
			a.Target = nil
		} else {
			a.Source = nil
		}
		l.session.send(a)
		l.session.send(&performDetach{Handle: l.handle, Closed: true, Error: e})
		l.state = linkDetachSent
		l.terminate(&DetachError{cause: e})
		res <- nil
	})
	if err != nil {
		return err
	}
	return l.session.conn.wait(ctx, res, nil)
}
