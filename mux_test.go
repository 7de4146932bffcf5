package amqp

import (
	"testing"

	"github.com/stretchr/testify/require"
)

// These helpers drive a session the way the mux would, without any
// goroutines: frames are fed to handleFrame and what the engine sends is
// read back from the connection's tx queue.

func newTestSession(t *testing.T, opts ...SessionOption) (*Conn, *Session) {
	t.Helper()
	c, err := newConn(nil, false)
	require.NoError(t, err)
	c.peerMaxFrameSize = DefaultMaxFrameSize

	s, err := newSession(c, opts...)
	require.NoError(t, err)
	s.state = sessionMapped
	s.remoteIncomingWindow = DefaultIncomingWindow
	s.remoteOutgoingWindow = DefaultOutgoingWindow
	c.sessions[s.channel] = s
	c.remoteChannels[s.remoteChannel] = s.channel
	return c, s
}

// newTestLink attaches a link with remote handle equal to its local one.
func newTestLink(t *testing.T, s *Session, r role, credit uint32, opts ...LinkOption) *link {
	t.Helper()
	l, err := newLink(s, r, opts...)
	require.NoError(t, err)
	l.prepare()

	h, err := s.allocateHandle()
	require.NoError(t, err)
	l.handle, l.remoteHandle, l.hasRemote = h, h, true
	s.links[h] = l
	s.remoteHandles[h] = h
	l.state = linkAttached
	l.linkCredit = credit
	return l
}

// sent decodes and clears everything queued for the writer.
func sent(t *testing.T, c *Conn) []frameBody {
	t.Helper()
	var bodies []frameBody
	for _, b := range c.txQueue {
		fr, n, err := parseFrame(b, maxFrameSizeLimit)
		require.NoError(t, err)
		require.Equal(t, len(b), n)
		bodies = append(bodies, fr.body)
	}
	c.txQueue = nil
	return bodies
}

func transfersOf(bodies []frameBody) []*performTransfer {
	var ts []*performTransfer
	for _, b := range bodies {
		if tr, ok := b.(*performTransfer); ok {
			ts = append(ts, tr)
		}
	}
	return ts
}

func newPendingSend(t *testing.T, msg *Message) *pendingSend {
	t.Helper()
	payload, err := msg.MarshalBinary()
	require.NoError(t, err)
	return &pendingSend{payload: payload, res: make(chan error, 1)}
}

// result returns the error sent on res, failing if nothing was sent.
func result(t *testing.T, res chan error) error {
	t.Helper()
	select {
	case err := <-res:
		return err
	default:
		t.Fatal("no result was sent")
		return nil
	}
}

func noResult(t *testing.T, res chan error) {
	t.Helper()
	select {
	case err := <-res:
		t.Fatalf("unexpected result %v", err)
	default:
	}
}
