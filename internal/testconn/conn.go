// Package testconn provides a net.Conn that plays back scripted peer
// bytes.
package testconn

import (
	"bytes"
	"io"
	"net"
	"sync"
	"time"
)

// Conn returns its script from Read, then blocks until Close. Writes are
// recorded and otherwise ignored.
type Conn struct {
	mu      sync.Mutex
	script  []byte
	written bytes.Buffer
	closed  chan struct{}
	once    sync.Once
}

// New returns a Conn that reads data.
func New(data []byte) *Conn {
	return &Conn{
		script: data,
		closed: make(chan struct{}),
	}
}

func (c *Conn) Read(b []byte) (int, error) {
	c.mu.Lock()
	if len(c.script) > 0 {
		n := copy(b, c.script)
		c.script = c.script[n:]
		c.mu.Unlock()
		return n, nil
	}
	c.mu.Unlock()

	<-c.closed
	return 0, io.EOF
}

func (c *Conn) Write(b []byte) (int, error) {
	select {
	case <-c.closed:
		return 0, io.ErrClosedPipe
	default:
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.written.Write(b)
}

// Written returns a copy of everything written so far.
func (c *Conn) Written() []byte {
	c.mu.Lock()
	defer c.mu.Unlock()
	return append([]byte(nil), c.written.Bytes()...)
}

func (c *Conn) Close() error {
	c.once.Do(func() { close(c.closed) })
	return nil
}

func (c *Conn) LocalAddr() net.Addr {
	return &net.TCPAddr{IP: net.IPv4(127, 0, 0, 1), Port: 5672}
}

func (c *Conn) RemoteAddr() net.Addr {
	return &net.TCPAddr{IP: net.IPv4(127, 0, 0, 1), Port: 45672}
}

func (c *Conn) SetDeadline(t time.Time) error      { return nil }
func (c *Conn) SetReadDeadline(t time.Time) error  { return nil }
func (c *Conn) SetWriteDeadline(t time.Time) error { return nil }
