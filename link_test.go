package amqp

import (
	"bytes"
	"context"
	"testing"

	"github.com/pkg/errors"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func transferFrames(t *testing.T, handle, deliveryID uint32, msg *Message, fragSize int) []*performTransfer {
	t.Helper()
	frags, err := msg.fragments(fragSize)
	require.NoError(t, err)

	ts := make([]*performTransfer, len(frags))
	for i, frag := range frags {
		ts[i] = &performTransfer{Handle: handle, More: i < len(frags)-1, Payload: frag}
	}
	ts[0].DeliveryID = &deliveryID
	ts[0].DeliveryTag = []byte{byte(deliveryID)}
	return ts
}

func TestReceiveReassembledDelivery(t *testing.T) {
	c, s := newTestSession(t)
	l := newTestLink(t, s, roleReceiver, 10, LinkCredit(10))

	msg := NewMessage(bytes.Repeat([]byte("r"), 700))
	frames := transferFrames(t, l.remoteHandle, 5, msg, 256)
	require.Greater(t, len(frames), 1)

	for _, tr := range frames {
		require.Empty(t, l.deliveries)
		s.handleFrame(tr)
	}

	require.Len(t, l.deliveries, 1)
	d := <-l.deliveries
	assert.Equal(t, uint32(5), d.ID)
	assert.Equal(t, []byte{5}, d.Tag)
	assert.True(t, testEqual(msg, d.Message), testDiff(msg, d.Message))
	assert.Equal(t, uint32(9), l.linkCredit, "one credit per delivery, not per frame")
	assert.Equal(t, uint32(1), l.deliveryCount)
	assert.Equal(t, uint32(len(frames)), s.nextIncomingID)
	assert.Nil(t, l.current)
	sent(t, c)
}

func TestTransferWithoutCredit(t *testing.T) {
	c, s := newTestSession(t)
	l := newTestLink(t, s, roleReceiver, 0)

	s.handleFrame(transferFrames(t, l.remoteHandle, 0, NewMessage([]byte("x")), 64)[0])

	bodies := sent(t, c)
	require.Len(t, bodies, 1)
	detach, ok := bodies[0].(*performDetach)
	require.True(t, ok, "got %T", bodies[0])
	assert.True(t, detach.Closed)
	require.NotNil(t, detach.Error)
	assert.Equal(t, ErrorTransferLimitExceeded, detach.Error.Condition)
	assert.Equal(t, linkDetachSent, l.state)

	r := &Receiver{l: l}
	_, err := r.Receive(context.Background())
	var de *DetachError
	require.True(t, errors.As(err, &de), "got %v", err)

	require.Len(t, c.pendingEvents, 1)
	assert.Equal(t, ReceiverLinkDetached, c.pendingEvents[0].Kind)
}

func TestAbortedDelivery(t *testing.T) {
	_, s := newTestSession(t)
	l := newTestLink(t, s, roleReceiver, 4, LinkCredit(4))

	frames := transferFrames(t, l.remoteHandle, 0, NewMessage(bytes.Repeat([]byte("a"), 200)), 64)
	s.handleFrame(frames[0])
	s.handleFrame(&performTransfer{Handle: l.remoteHandle, Aborted: true})

	assert.Nil(t, l.current)
	assert.False(t, l.reasm.inProgress(0))
	assert.Empty(t, l.deliveries)
	assert.Equal(t, uint32(1), l.deliveryCount, "an aborted delivery still used its credit")

	// the next delivery starts cleanly
	for _, tr := range transferFrames(t, l.remoteHandle, 1, NewMessage([]byte("next")), 64) {
		s.handleFrame(tr)
	}
	require.Len(t, l.deliveries, 1)
	assert.Equal(t, uint32(1), (<-l.deliveries).ID)
}

func TestInterleavedDeliveryOnLink(t *testing.T) {
	c, s := newTestSession(t)
	l := newTestLink(t, s, roleReceiver, 4)

	first := transferFrames(t, l.remoteHandle, 0, NewMessage(bytes.Repeat([]byte("a"), 200)), 64)
	second := transferFrames(t, l.remoteHandle, 1, NewMessage([]byte("b")), 64)
	s.handleFrame(first[0])
	s.handleFrame(second[0])

	bodies := sent(t, c)
	require.Len(t, bodies, 1)
	detach, ok := bodies[0].(*performDetach)
	require.True(t, ok, "got %T", bodies[0])
	assert.Equal(t, ErrorNotAllowed, detach.Error.Condition)

	// the partial delivery is reported to the application
	_, err := (&Receiver{l: l}).Receive(context.Background())
	var incomplete *IncompleteDeliveryError
	require.True(t, errors.As(err, &incomplete), "got %v", err)
	assert.Equal(t, uint32(0), incomplete.DeliveryID)
}

func TestReceiverReplenishesCredit(t *testing.T) {
	c, s := newTestSession(t)
	l := newTestLink(t, s, roleReceiver, 4, LinkCredit(4))

	for id := uint32(0); id < 3; id++ {
		for _, tr := range transferFrames(t, l.remoteHandle, id, NewMessage([]byte{byte(id)}), 64) {
			s.handleFrame(tr)
		}
	}
	assert.Empty(t, sent(t, c), "held deliveries count against the credit")
	assert.Equal(t, uint32(1), l.linkCredit)

	// the application takes all three
	for i := 0; i < 3; i++ {
		<-l.deliveries
		l.onConsumed()
	}

	var flows []*performFlow
	for _, b := range sent(t, c) {
		if fl, ok := b.(*performFlow); ok {
			flows = append(flows, fl)
		}
	}
	// topped up once two were taken: one is still held
	require.Len(t, flows, 1)
	assert.Equal(t, uint32(3), *flows[0].LinkCredit)
	assert.Equal(t, uint32(3), *flows[0].DeliveryCount)
	assert.Equal(t, uint32(3), l.linkCredit)
}

func TestPeerDetachesLink(t *testing.T) {
	c, s := newTestSession(t)
	l := newTestLink(t, s, roleSender, 0, LinkTarget("orders"))

	ps := newPendingSend(t, NewMessage([]byte("stuck")))
	l.queueSend(ps)
	noResult(t, ps.res)

	s.handleFrame(&performDetach{Handle: l.remoteHandle, Closed: true, Error: ErrorForceDetach("maintenance")})

	bodies := sent(t, c)
	require.Len(t, bodies, 1)
	reply, ok := bodies[0].(*performDetach)
	require.True(t, ok)
	assert.True(t, reply.Closed)
	assert.Nil(t, reply.Error)

	var de *DetachError
	require.True(t, errors.As(result(t, ps.res), &de))
	require.NotNil(t, de.RemoteError)
	assert.Equal(t, ErrorDetachForced, de.RemoteError.Condition)

	assert.Equal(t, linkDetached, l.state)
	assert.NotContains(t, s.links, l.handle)
	assert.NotContains(t, s.remoteHandles, l.remoteHandle)

	require.Len(t, c.pendingEvents, 1)
	ev := c.pendingEvents[0]
	assert.Equal(t, SenderLinkDetached, ev.Kind)
	assert.Equal(t, "orders", ev.Address)
	assert.Equal(t, l.name, ev.LinkName)
}

func TestLocalDetach(t *testing.T) {
	c, s := newTestSession(t)
	l := newTestLink(t, s, roleReceiver, 10)

	res := make(chan error, 1)
	l.detach(nil)
	l.detached = append(l.detached, res)

	bodies := sent(t, c)
	require.Len(t, bodies, 1)
	assert.IsType(t, &performDetach{}, bodies[0])
	assert.Equal(t, linkDetachSent, l.state)
	noResult(t, res)

	// frames in flight are dropped quietly
	s.handleFrame(transferFrames(t, l.remoteHandle, 0, NewMessage([]byte("late")), 64)[0])
	assert.Empty(t, sent(t, c))
	assert.Equal(t, sessionMapped, s.state)

	s.handleFrame(&performDetach{Handle: l.remoteHandle, Closed: true})
	assert.NoError(t, result(t, res))
	assert.Equal(t, linkDetached, l.state)
	assert.NotContains(t, s.links, l.handle)
	assert.Empty(t, c.pendingEvents, "a detach the application asked for is not a control event")

	_, err := (&Receiver{l: l}).Receive(context.Background())
	assert.Equal(t, ErrLinkClosed, err)
}

func TestLinkAddress(t *testing.T) {
	_, s := newTestSession(t)

	snd := newTestLink(t, s, roleSender, 0, LinkTarget("out"), LinkSource("me"))
	assert.Equal(t, "out", (&Sender{l: snd}).Address())

	rcv := newTestLink(t, s, roleReceiver, 0, LinkSource("in"))
	assert.Equal(t, "in", (&Receiver{l: rcv}).Address())

	// the peer sends to "inbox": locally this is a receiver on its target
	incoming := newIncomingLink(s, 9, &performAttach{
		Name:   "peer-link",
		Handle: 4,
		Role:   roleSender,
		Target: &target{Address: "inbox"},
	})
	il := &IncomingLink{l: incoming}
	assert.True(t, il.IsSender())
	assert.Equal(t, "inbox", il.Address())
	assert.Equal(t, "peer-link", il.Name())
}
