package amqp

import (
	"math"
	"testing"

	"github.com/pkg/errors"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestWindowFrom(t *testing.T) {
	tests := []struct {
		base, window, next uint32
		want               uint32
	}{
		{base: 0, window: 10, next: 0, want: 10},
		{base: 5, window: 10, next: 8, want: 7},
		{base: 5, window: 2, next: 9, want: 0},
		{base: 8, window: 5, next: 10, want: 3},
		// serial arithmetic across the wrap
		{base: math.MaxUint32 - 1, window: 10, next: 3, want: 5},
	}
	for _, tt := range tests {
		assert.Equal(t, tt.want, windowFrom(tt.base, tt.window, tt.next), "%+v", tt)
	}
}

func TestIncomingWindowViolation(t *testing.T) {
	c, s := newTestSession(t)
	l := newTestLink(t, s, roleReceiver, 10)
	s.incomingWindow = 0

	s.handleFrame(transferFrames(t, l.remoteHandle, 0, NewMessage([]byte("x")), 64)[0])

	bodies := sent(t, c)
	require.Len(t, bodies, 1)
	end, ok := bodies[0].(*performEnd)
	require.True(t, ok, "got %T", bodies[0])
	require.NotNil(t, end.Error)
	assert.Equal(t, ErrorWindowViolation, end.Error.Condition)
	assert.Equal(t, sessionEndSent, s.state)

	// links fail with the session
	var se *SessionEndedError
	require.True(t, errors.As(l.err, &se))
	assert.Equal(t, ErrorWindowViolation, remoteError(l.err).Condition)

	require.Len(t, c.pendingEvents, 1)
	assert.Equal(t, SessionEnded, c.pendingEvents[0].Kind)

	// the peer's End completes it
	s.handleFrame(&performEnd{})
	assert.Equal(t, sessionDiscarded, s.state)
	assert.NotContains(t, c.sessions, s.channel)
}

func TestIncomingWindowReplenished(t *testing.T) {
	c, s := newTestSession(t, SessionIncomingWindow(4))
	l := newTestLink(t, s, roleReceiver, 10, LinkCredit(10))

	for id := uint32(0); id < 3; id++ {
		s.handleFrame(transferFrames(t, l.remoteHandle, id, NewMessage([]byte{byte(id)}), 64)[0])
	}

	var flow *performFlow
	for _, b := range sent(t, c) {
		if fl, ok := b.(*performFlow); ok && fl.Handle == nil {
			flow = fl
		}
	}
	require.NotNil(t, flow, "the session window is reopened once it falls below half")
	assert.Equal(t, uint32(4), flow.IncomingWindow)
	assert.Equal(t, uint32(3), *flow.NextIncomingID)
	assert.Equal(t, sessionMapped, s.state)
}

func TestPeerEndsSession(t *testing.T) {
	c, s := newTestSession(t)
	snd := newTestLink(t, s, roleSender, 0)
	rcv := newTestLink(t, s, roleReceiver, 10)

	ps := newPendingSend(t, NewMessage([]byte("never sent")))
	snd.queueSend(ps)

	res := make(chan error, 1)
	s.ended = append(s.ended, res)
	s.handleFrame(&performEnd{Error: NewError(ErrorResourceDeleted, "gone")})

	bodies := sent(t, c)
	require.Len(t, bodies, 1)
	reply, ok := bodies[0].(*performEnd)
	require.True(t, ok)
	assert.Nil(t, reply.Error)

	var se *SessionEndedError
	require.True(t, errors.As(result(t, ps.res), &se))
	require.NotNil(t, se.RemoteError)
	assert.Equal(t, ErrorResourceDeleted, se.RemoteError.Condition)

	_, open := <-rcv.deliveries
	assert.False(t, open)
	assert.True(t, errors.As(rcv.recvErr, &se))

	assert.Equal(t, sessionDiscarded, s.state)
	assert.True(t, errors.As(result(t, res), &se))
	require.Len(t, c.pendingEvents, 1)
	assert.Equal(t, SessionEnded, c.pendingEvents[0].Kind)
}

func TestLocalEndFailsUnsettled(t *testing.T) {
	c, s := newTestSession(t)
	l := newTestLink(t, s, roleSender, 1)

	ps := newPendingSend(t, NewMessage([]byte("in doubt")))
	l.queueSend(ps)
	require.NoError(t, result(t, ps.res))
	sent(t, c)

	s.end(nil, &SessionEndedError{})
	bodies := sent(t, c)
	require.Len(t, bodies, 1)
	assert.IsType(t, &performEnd{}, bodies[0])

	select {
	case <-ps.handle.done:
		var se *SessionEndedError
		assert.True(t, errors.As(ps.handle.err, &se))
	default:
		t.Fatal("unsettled delivery was not resolved")
	}

	// anything but the End reply is ignored now
	s.handleFrame(&performFlow{IncomingWindow: 10})
	assert.Empty(t, sent(t, c))
	assert.Equal(t, sessionEndSent, s.state)
	assert.Empty(t, c.pendingEvents)
}

func TestUnattachedHandle(t *testing.T) {
	c, s := newTestSession(t)

	s.handleFrame(&performTransfer{Handle: 42, DeliveryID: uint32Ptr(0), Payload: []byte{0}})

	bodies := sent(t, c)
	require.Len(t, bodies, 1)
	end, ok := bodies[0].(*performEnd)
	require.True(t, ok, "got %T", bodies[0])
	assert.Equal(t, ErrorUnattachedHandle, end.Error.Condition)
}

func TestAttachHandleInUse(t *testing.T) {
	c, s := newTestSession(t)
	l := newTestLink(t, s, roleSender, 0)

	s.handleFrame(&performAttach{Name: "dup", Handle: l.remoteHandle, Role: roleReceiver, Source: &source{}})

	bodies := sent(t, c)
	require.Len(t, bodies, 1)
	end, ok := bodies[0].(*performEnd)
	require.True(t, ok, "got %T", bodies[0])
	assert.Equal(t, ErrorHandleInUse, end.Error.Condition)
}

func TestPeerAttachQueued(t *testing.T) {
	c, s := newTestSession(t)

	s.handleFrame(&performAttach{
		Name:                 "from-peer",
		Handle:               7,
		Role:                 roleSender,
		Target:               &target{Address: "inbox"},
		InitialDeliveryCount: 12,
	})
	assert.Empty(t, sent(t, c), "the application answers the Attach")

	require.Len(t, s.incomingLinks.items, 1)
	il := s.incomingLinks.items[0]
	assert.Equal(t, "inbox", il.Address())
	assert.Equal(t, linkAttachReceived, il.l.state)
	assert.Equal(t, uint32(12), il.l.deliveryCount)

	local, ok := s.remoteHandles[7]
	require.True(t, ok)
	assert.Same(t, il.l, s.links[local])

	// detached before it was accepted: an empty Attach goes out first
	s.handleFrame(&performDetach{Handle: 7, Closed: true})
	bodies := sent(t, c)
	require.Len(t, bodies, 2)
	a, ok := bodies[0].(*performAttach)
	require.True(t, ok, "got %T", bodies[0])
	assert.Nil(t, a.Source)
	assert.Nil(t, a.Target)
	assert.IsType(t, &performDetach{}, bodies[1])
	assert.Empty(t, c.pendingEvents)
}

func TestAllocateHandle(t *testing.T) {
	_, s := newTestSession(t, SessionMaxLinks(2))

	newTestLink(t, s, roleSender, 0)
	newTestLink(t, s, roleSender, 0)
	_, err := s.allocateHandle()
	assert.Error(t, err)

	// the peer's handle-max caps allocation too
	_, s = newTestSession(t)
	s.remoteHandleMax = 0
	newTestLink(t, s, roleSender, 0)
	_, err = s.allocateHandle()
	assert.Error(t, err)
}
