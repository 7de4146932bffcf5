package amqp

import (
	"bytes"
	"context"
	"io"
	"net"
	"sync"
	"testing"
	"time"

	"github.com/fortytw2/leaktest"
	"github.com/pkg/errors"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// openPair connects a client and a server over net.Pipe. The server's end
// of the pipe is returned so tests can cut the transport.
func openPair(t *testing.T, clientOpts, serverOpts []ConnOption) (client, server *Conn, serverNet net.Conn) {
	t.Helper()
	cn, sn := net.Pipe()
	client, server = openPairConn(t, cn, sn, clientOpts, serverOpts)
	return client, server, sn
}

func openPairConn(t *testing.T, cn, sn net.Conn, clientOpts, serverOpts []ConnOption) (client, server *Conn) {
	t.Helper()

	type result struct {
		c   *Conn
		err error
	}
	done := make(chan result, 1)
	go func() {
		c, err := Accept(sn, serverOpts...)
		done <- result{c, err}
	}()

	client, err := New(cn, clientOpts...)
	srv := <-done
	require.NoError(t, err)
	require.NoError(t, srv.err)
	return client, srv.c
}

// recordingConn keeps a copy of everything written to it.
type recordingConn struct {
	net.Conn
	mu      sync.Mutex
	written bytes.Buffer
}

func (c *recordingConn) Write(b []byte) (int, error) {
	n, err := c.Conn.Write(b)
	c.mu.Lock()
	c.written.Write(b[:n])
	c.mu.Unlock()
	return n, err
}

// frames parses the recorded AMQP frames following the protocol header.
func (c *recordingConn) frames(t *testing.T) []frame {
	t.Helper()
	c.mu.Lock()
	buf := append([]byte(nil), c.written.Bytes()...)
	c.mu.Unlock()

	require.GreaterOrEqual(t, len(buf), protoHeaderSize)
	buf = buf[protoHeaderSize:]
	var frames []frame
	for len(buf) > 0 {
		fr, n, err := parseFrame(buf, maxFrameSizeLimit)
		require.NoError(t, err)
		frames = append(frames, fr)
		buf = buf[n:]
	}
	return frames
}

// acceptLinks runs fn for every link the client attaches on its first
// session.
func acceptLinks(ctx context.Context, server *Conn, fn func(*Session, *IncomingLink)) {
	go func() {
		s, err := server.AcceptSession(ctx)
		if err != nil {
			return
		}
		for {
			il, err := s.AcceptLink(ctx)
			if err != nil {
				return
			}
			fn(s, il)
		}
	}()
}

func testContext(t *testing.T) (context.Context, context.CancelFunc) {
	return context.WithTimeout(context.Background(), 10*time.Second)
}

func TestHandshake(t *testing.T) {
	defer leaktest.Check(t)()

	var local, remote time.Duration
	client, server, _ := openPair(t,
		[]ConnOption{
			ConnContainerID("client"),
			ConnChannelMax(10),
			ConnIdleTimeout(time.Minute),
			ConnIdleTimeoutNotify(func(l, r time.Duration) { local, remote = l, r }),
		},
		[]ConnOption{
			ConnContainerID("server"),
			ConnMaxFrameSize(1024),
			ConnIdleTimeout(2 * time.Minute),
		},
	)

	assert.Equal(t, "server", client.PeerContainerID())
	assert.Equal(t, "client", server.PeerContainerID())
	assert.Equal(t, uint16(10), client.ChannelMax())
	assert.Equal(t, uint16(10), server.ChannelMax())
	assert.Equal(t, uint32(1024), client.MaxFrameSize())
	assert.Equal(t, uint32(DefaultMaxFrameSize), server.MaxFrameSize())
	assert.Equal(t, time.Minute, local)
	assert.Equal(t, 2*time.Minute, remote)

	assert.NoError(t, client.Close())
	<-server.Done()
}

func TestHandshakeTimeout(t *testing.T) {
	defer leaktest.Check(t)()

	// the peer answers the protocol header, then never sends Open
	cn, sn := net.Pipe()
	defer sn.Close()
	go func() {
		buf := make([]byte, protoHeaderSize)
		if _, err := io.ReadFull(sn, buf); err != nil {
			return
		}
		if _, err := sn.Write(buf); err != nil {
			return
		}
		io.Copy(io.Discard, sn)
	}()

	const timeout = 100 * time.Millisecond
	start := time.Now()
	c, err := New(cn, ConnHandshakeTimeout(timeout))
	elapsed := time.Since(start)

	assert.Nil(t, c)
	assert.Equal(t, ErrHandshakeTimeout, err)
	assert.GreaterOrEqual(t, elapsed, timeout)
	assert.Less(t, elapsed, 5*time.Second)
}

func TestHandshakeTimeoutOnWrite(t *testing.T) {
	defer leaktest.Check(t)()

	// nothing reads the pipe, so the protocol header write blocks
	cn, sn := net.Pipe()
	defer sn.Close()

	_, err := New(cn, ConnHandshakeTimeout(50*time.Millisecond))
	assert.Equal(t, ErrHandshakeTimeout, err)
}

func TestHandshakePeerRefusesOpen(t *testing.T) {
	defer leaktest.Check(t)()

	cn, sn := net.Pipe()
	defer sn.Close()
	go func() {
		buf := make([]byte, protoHeaderSize)
		if _, err := io.ReadFull(sn, buf); err != nil {
			return
		}
		sn.Write(buf)
		b, _ := encodeFrame(frame{typ: frameTypeAMQP, body: &performClose{
			Error: NewError(ErrorUnauthorizedAccess, "go away"),
		}}, 0)
		sn.Write(b)
		io.Copy(io.Discard, sn)
	}()

	_, err := New(cn)
	var closed *ConnClosedError
	require.True(t, errors.As(err, &closed), "got %v", err)
	assert.Equal(t, ErrorUnauthorizedAccess, closed.RemoteError.Condition)
}

func TestSendReceive(t *testing.T) {
	defer leaktest.Check(t)()
	ctx, cancel := testContext(t)
	defer cancel()

	// the server's small frames force the client to split deliveries
	cn, sn := net.Pipe()
	wire := &recordingConn{Conn: cn}
	client, server := openPairConn(t, wire, sn, nil, []ConnOption{ConnMaxFrameSize(minMaxFrameSize)})

	received := make(chan *Delivery, 10)
	acceptLinks(ctx, server, func(s *Session, il *IncomingLink) {
		if il.IsSender() {
			r, err := il.AcceptReceiver(ctx)
			if err != nil {
				return
			}
			go func() {
				for {
					d, err := r.Receive(ctx)
					if err != nil {
						return
					}
					received <- d
				}
			}()
			return
		}
		snd, err := il.AcceptSender(ctx)
		if err != nil {
			return
		}
		go func() {
			for _, body := range []string{"reply-1", "reply-2"} {
				if _, err := snd.Send(ctx, NewMessage([]byte(body))); err != nil {
					return
				}
			}
		}()
	})

	nextDelivery := func() *Delivery {
		t.Helper()
		select {
		case d := <-received:
			return d
		case <-ctx.Done():
			t.Fatal("delivery did not arrive")
			return nil
		}
	}

	session, err := client.NewSession(ctx)
	require.NoError(t, err)
	sender, err := session.NewSender(ctx, LinkTarget("queue"))
	require.NoError(t, err)
	assert.Equal(t, "queue", sender.Address())

	// 2000 bytes of data encode to 2008; 483 fit beside each 29 byte
	// transfer header in a 512 byte frame, so the delivery takes 5 frames
	msg := NewMessage(bytes.Repeat([]byte("d"), 2000))
	h, err := sender.Send(ctx, msg)
	require.NoError(t, err)
	assert.Equal(t, uint32(0), h.ID)

	d := nextDelivery()
	assert.True(t, testEqual(msg, d.Message), testDiff(msg, d.Message))
	assert.False(t, d.Settled)
	require.NoError(t, d.Accept(ctx))

	state, err := h.Wait(ctx)
	require.NoError(t, err)
	assert.IsType(t, &StateAccepted{}, state)

	var transfers []*performTransfer
	for _, fr := range wire.frames(t) {
		if tr, ok := fr.body.(*performTransfer); ok {
			transfers = append(transfers, tr)
		}
	}
	require.Len(t, transfers, 5)
	var payload int
	for i, tr := range transfers {
		assert.Equal(t, transfers[0].Handle, tr.Handle)
		assert.Equal(t, i < len(transfers)-1, tr.More, "frame %d", i)
		payload += len(tr.Payload)
	}
	assert.Equal(t, uint32(0), *transfers[0].DeliveryID)
	for _, tr := range transfers[1:] {
		// continuation frames inherit the first frame's delivery-id
		assert.True(t, tr.DeliveryID == nil || *tr.DeliveryID == 0)
	}
	assert.Equal(t, 2008, payload)

	// rejected and modified outcomes reach the sender intact
	rejected, err := sender.Send(ctx, NewMessage([]byte("bad")))
	require.NoError(t, err)
	rejectErr := NewError(ErrorDecodeError, "cannot parse body")
	require.NoError(t, nextDelivery().Reject(ctx, rejectErr))

	state, err = rejected.Wait(ctx)
	require.NoError(t, err)
	require.IsType(t, &StateRejected{}, state)
	assert.True(t, testEqual(rejectErr, state.(*StateRejected).Error), testDiff(rejectErr, state.(*StateRejected).Error))

	modified, err := sender.Send(ctx, NewMessage([]byte("later")))
	require.NoError(t, err)
	annotations := Annotations{symbol("x-retry"): int64(3)}
	require.NoError(t, nextDelivery().Modify(ctx, true, false, annotations))

	state, err = modified.Wait(ctx)
	require.NoError(t, err)
	want := &StateModified{DeliveryFailed: true, MessageAnnotations: annotations}
	assert.True(t, testEqual(want, state), testDiff(want, state))

	// the other direction
	receiver, err := session.NewReceiver(ctx, LinkSource("replies"), LinkCredit(5))
	require.NoError(t, err)
	for _, want := range []string{"reply-1", "reply-2"} {
		d, err := receiver.Receive(ctx)
		require.NoError(t, err)
		assert.Equal(t, want, string(d.Message.GetData()))
		require.NoError(t, d.Release(ctx))
	}

	require.NoError(t, receiver.Close(ctx))
	require.NoError(t, sender.Close(ctx))
	require.NoError(t, session.Close(ctx))
	assert.NoError(t, client.Close())
	<-server.Done()
}

func TestConnLostFailsPendingSends(t *testing.T) {
	defer leaktest.Check(t)()
	ctx, cancel := testContext(t)
	defer cancel()

	client, server, serverNet := openPair(t, nil, nil)
	acceptLinks(ctx, server, func(s *Session, il *IncomingLink) {
		// one credit, never replenished: nothing is received
		il.AcceptReceiver(ctx, LinkCredit(1))
	})

	session, err := client.NewSession(ctx)
	require.NoError(t, err)
	sender, err := session.NewSender(ctx)
	require.NoError(t, err)

	first, err := sender.Send(ctx, NewMessage([]byte("admitted")))
	require.NoError(t, err)

	errs := make(chan error, 3)
	for i := 0; i < 3; i++ {
		go func() {
			_, err := sender.Send(ctx, NewMessage([]byte("pending")))
			errs <- err
		}()
	}
	require.Eventually(t, func() bool {
		var n int
		client.run(func() { n = len(sender.l.pending) })
		return n == 3
	}, 5*time.Second, 10*time.Millisecond)

	serverNet.Close()

	for i := 0; i < 3; i++ {
		select {
		case err := <-errs:
			assert.Equal(t, ErrConnLost, err)
		case <-ctx.Done():
			t.Fatal("pending send was not failed")
		}
	}
	_, err = first.Wait(ctx)
	assert.Equal(t, ErrConnLost, err)

	<-client.Done()
	assert.Equal(t, ErrConnLost, client.Err())
	<-server.Done()

	_, err = session.NewSender(ctx)
	assert.Equal(t, ErrConnLost, err)
}

func TestConnClose(t *testing.T) {
	defer leaktest.Check(t)()

	client, server, _ := openPair(t, nil, nil)
	assert.Nil(t, client.Err())

	assert.NoError(t, client.Close())
	<-server.Done()

	var closed *ConnClosedError
	require.True(t, errors.As(server.Err(), &closed))
	assert.Nil(t, closed.RemoteError)

	// the side that closed gets no event
	_, ok := <-client.Control()
	assert.False(t, ok)

	ev, ok := <-server.Control()
	require.True(t, ok)
	assert.Equal(t, ConnectionClosed, ev.Kind)
	_, ok = <-server.Control()
	assert.False(t, ok)

	// closing again is harmless
	assert.NoError(t, client.Close())
}

func TestTooManyChannels(t *testing.T) {
	defer leaktest.Check(t)()
	ctx, cancel := testContext(t)
	defer cancel()

	client, server, _ := openPair(t, []ConnOption{ConnChannelMax(0)}, nil)

	_, err := client.NewSession(ctx)
	require.NoError(t, err)
	_, err = client.NewSession(ctx)
	assert.Equal(t, ErrTooManyChannels, errors.Cause(err))

	assert.NoError(t, client.Close())
	<-server.Done()
}

func TestRejectedLink(t *testing.T) {
	defer leaktest.Check(t)()
	ctx, cancel := testContext(t)
	defer cancel()

	client, server, _ := openPair(t, nil, nil)
	acceptLinks(ctx, server, func(s *Session, il *IncomingLink) {
		il.Reject(ctx, ErrorNotFoundf("no node %q", il.Address()))
	})

	session, err := client.NewSession(ctx)
	require.NoError(t, err)
	_, err = session.NewSender(ctx, LinkTarget("missing"))

	var de *DetachError
	require.True(t, errors.As(err, &de), "got %v", err)
	require.NotNil(t, de.RemoteError)
	assert.Equal(t, ErrorNotFound, de.RemoteError.Condition)

	// a link that never attached is not a control event
	select {
	case ev := <-client.Control():
		t.Fatalf("unexpected event %v", ev)
	default:
	}

	assert.NoError(t, client.Close())
	<-server.Done()
}

func TestControlEvents(t *testing.T) {
	defer leaktest.Check(t)()
	ctx, cancel := testContext(t)
	defer cancel()

	client, server, _ := openPair(t, nil, nil)

	detachNow := make(chan struct{})
	endNow := make(chan struct{})
	acceptLinks(ctx, server, func(s *Session, il *IncomingLink) {
		r, err := il.AcceptReceiver(ctx)
		if err != nil {
			return
		}
		go func() {
			<-detachNow
			r.Close(ctx)
			<-endNow
			s.Close(ctx)
		}()
	})

	session, err := client.NewSession(ctx)
	require.NoError(t, err)
	sender, err := session.NewSender(ctx, LinkTarget("events"))
	require.NoError(t, err)

	close(detachNow)
	ev := <-client.Control()
	assert.Equal(t, SenderLinkDetached, ev.Kind)
	assert.Equal(t, sender.LinkName(), ev.LinkName)
	assert.Equal(t, "events", ev.Address)
	assert.Equal(t, session.Channel(), ev.Channel)

	_, err = sender.Send(ctx, NewMessage([]byte("too late")))
	var de *DetachError
	assert.True(t, errors.As(err, &de), "got %v", err)

	close(endNow)
	ev = <-client.Control()
	assert.Equal(t, SessionEnded, ev.Kind)
	assert.Equal(t, session.Channel(), ev.Channel)

	// closing the session again reports nothing new
	assert.NoError(t, session.Close(ctx))

	assert.NoError(t, client.Close())
	<-server.Done()
}

func TestFramingErrorClosesConnection(t *testing.T) {
	defer leaktest.Check(t)()

	client, server, _ := openPair(t, nil, nil)

	// a frame with a data offset below 2
	client.submit(func() {
		client.txQueue = append(client.txQueue, []byte{0, 0, 0, 8, 1, 0, 0, 0})
	})

	<-server.Done()
	var malformed *MalformedFrameError
	assert.True(t, errors.As(server.Err(), &malformed), "got %v", server.Err())

	<-client.Done()
	var closed *ConnClosedError
	require.True(t, errors.As(client.Err(), &closed), "got %v", client.Err())
	require.NotNil(t, closed.RemoteError)
	assert.Equal(t, ErrorFramingError, closed.RemoteError.Condition)
}
