package amqp

import (
	"fmt"
)

// splitTransfers cuts an encoded message into the transfer frames of one
// delivery, each of which encodes to at most maxFrameSize bytes.
//
// Only the first frame carries the delivery-id, tag and message-format.
// Every frame but the last has More set.
func splitTransfers(handle, deliveryID uint32, tag []byte, settled bool, payload []byte, maxFrameSize uint32) ([]*performTransfer, error) {
	var messageFormat uint32
	first := &performTransfer{
		Handle:        handle,
		DeliveryID:    &deliveryID,
		DeliveryTag:   tag,
		MessageFormat: &messageFormat,
		Settled:       settled,
		More:          true,
	}

	// the first frame carries the most fields; its overhead bounds the rest
	header, err := encodeFrame(frame{typ: frameTypeAMQP, body: first}, 0)
	if err != nil {
		return nil, err
	}
	budget := int64(maxFrameSize) - int64(len(header))
	if maxFrameSize == 0 {
		budget = int64(len(payload)) + 1
	}
	if budget <= 0 {
		return nil, errorWrapf(ErrFrameTooLarge,
			"transfer overhead of %d bytes leaves no room in a %d byte frame", len(header), maxFrameSize)
	}

	frags := splitPayload(payload, int(budget))
	transfers := make([]*performTransfer, len(frags))
	for i, frag := range frags {
		t := &performTransfer{
			Handle:  handle,
			Settled: settled,
			More:    i < len(frags)-1,
			Payload: frag,
		}
		if i == 0 {
			t.DeliveryID = first.DeliveryID
			t.DeliveryTag = tag
			t.MessageFormat = first.MessageFormat
		}
		transfers[i] = t
	}
	return transfers, nil
}

// admit turns pending sends into deliveries while the link has credit.
// Each admitted delivery consumes one credit however many frames it
// takes.
func (l *link) admit() {
	s := l.session
	for len(l.pending) > 0 && l.linkCredit > 0 && l.state == linkAttached {
		ps := l.pending[0]
		l.pending = l.pending[1:]

		id := s.nextDeliveryID
		tag := l.newTag()
		transfers, err := splitTransfers(l.handle, id, tag, ps.settled, ps.payload, s.conn.peerMaxFrameSize)
		if err != nil {
			ps.res <- err
			continue
		}
		s.nextDeliveryID++
		l.linkCredit--
		l.deliveryCount++

		h := newDeliveryHandle(id, tag)
		if ps.settled {
			h.resolve(nil, nil)
		} else {
			s.unsettled[id] = h
		}
		ps.handle = h

		recordDelivery("out", len(transfers), len(ps.payload))
		s.queueTransfers(transfers)
		ps.res <- nil
	}
}

// queueTransfers appends frames behind any already waiting for the
// remote incoming window, then sends what the window allows.
func (s *Session) queueTransfers(transfers []*performTransfer) {
	s.txTransfers = append(s.txTransfers, transfers...)
	s.flushTransfers()
}

// flushTransfers sends queued transfer frames while the peer's incoming
// window is open. Frames keep their queue order across links.
func (s *Session) flushTransfers() {
	for len(s.txTransfers) > 0 && s.remoteIncomingWindow > 0 && s.state == sessionMapped {
		t := s.txTransfers[0]
		s.txTransfers[0] = nil
		s.txTransfers = s.txTransfers[1:]

		if err := s.send(t); err != nil {
			s.fail(NewError(ErrorInternalError, err.Error()))
			return
		}
		s.nextOutgoingID++
		s.remoteIncomingWindow--
	}
}

// dropTransfers removes the queued frames of a link that went away.
func (s *Session) dropTransfers(handle uint32) {
	kept := s.txTransfers[:0]
	for _, t := range s.txTransfers {
		if t.Handle != handle {
			kept = append(kept, t)
		}
	}
	for i := len(kept); i < len(s.txTransfers); i++ {
		s.txTransfers[i] = nil
	}
	s.txTransfers = kept
}

// onTransfer feeds an incoming transfer frame to the receiver's
// reassembly.
func (l *link) onTransfer(t *performTransfer) {
	s := l.session
	if l.role == roleSender {
		s.fail(ErrorNotAllowedf("transfer received on sending link %q", l.name))
		return
	}
	if l.state != linkAttached {
		// in flight when this side detached
		return
	}

	if l.current == nil {
		if t.DeliveryID == nil {
			s.fail(ErrorNotAllowedf("first transfer of a delivery on link %q has no delivery-id", l.name))
			return
		}
		if l.linkCredit == 0 {
			l.detach(NewError(ErrorTransferLimitExceeded,
				fmt.Sprintf("delivery %d received with no link credit", *t.DeliveryID)))
			return
		}
		l.linkCredit--
		l.deliveryCount++
		l.current = &Delivery{
			ID:      *t.DeliveryID,
			Tag:     t.DeliveryTag,
			Settled: t.Settled,
			link:    l,
		}
		l.currentFrames, l.currentSize = 0, 0
	} else if t.DeliveryID != nil && *t.DeliveryID != l.current.ID {
		l.detach(ErrorNotAllowedf("delivery %d started before delivery %d completed",
			*t.DeliveryID, l.current.ID))
		return
	}

	d := l.current
	if t.Settled {
		d.Settled = true
	}

	if t.Aborted {
		l.reasm.discard(d.ID)
		l.current = nil
		l.session.log.Debug().Str("link", l.name).Uint32("delivery_id", d.ID).Msg("delivery aborted")
		l.replenish()
		return
	}

	l.currentFrames++
	l.currentSize += len(t.Payload)
	msg, err := l.reasm.add(d.ID, t.Payload, t.More)
	if err != nil {
		l.current = nil
		l.detach(remoteError(err))
		return
	}
	if msg == nil {
		return
	}

	l.current = nil
	d.Message = msg
	recordDelivery("in", l.currentFrames, l.currentSize)

	select {
	case l.deliveries <- d:
	default:
		// credit bounds the queue; a full queue means the sender
		// ignored it
		l.detach(NewError(ErrorTransferLimitExceeded, "receiver queue is full"))
	}
}
