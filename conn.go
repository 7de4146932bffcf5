package amqp

import (
	"bytes"
	"context"
	"crypto/tls"
	"fmt"
	"math"
	"net"
	"net/url"
	"time"

	"github.com/google/uuid"
	"github.com/pkg/errors"
	"github.com/rs/zerolog"
)

// Default connection options
const (
	DefaultMaxFrameSize     = 65536
	DefaultIdleTimeout      = 1 * time.Minute
	DefaultHandshakeTimeout = 30 * time.Second

	defaultChannelMax   = math.MaxUint16
	defaultCloseTimeout = 5 * time.Second
)

// ConnOption is a function for configuring an AMQP connection.
type ConnOption func(*Conn) error

// ConnServerHostname sets the hostname sent in the Open performative and
// used for TLS verification by Dial.
func ConnServerHostname(hostname string) ConnOption {
	return func(c *Conn) error {
		c.hostname = hostname
		return nil
	}
}

// ConnTLSConfig sets the TLS configuration used by Dial for amqps URLs.
func ConnTLSConfig(tc *tls.Config) ConnOption {
	return func(c *Conn) error {
		c.tlsConfig = tc
		return nil
	}
}

// ConnContainerID sets the container-id sent in the Open performative.
// It defaults to a random UUID.
func ConnContainerID(id string) ConnOption {
	return func(c *Conn) error {
		if id == "" {
			return errorNew("amqp: container id must not be empty")
		}
		c.containerID = id
		return nil
	}
}

// ConnMaxFrameSize sets the largest frame this side accepts.
//
// Must be 512 or greater.
func ConnMaxFrameSize(n uint32) ConnOption {
	return func(c *Conn) error {
		if n < minMaxFrameSize {
			return errorErrorf("amqp: max frame size %d is below the minimum of %d", n, minMaxFrameSize)
		}
		if n > maxFrameSizeLimit {
			n = maxFrameSizeLimit
		}
		c.maxFrameSize = n
		return nil
	}
}

// ConnChannelMax sets the highest channel number this side allows.
func ConnChannelMax(n uint16) ConnOption {
	return func(c *Conn) error {
		c.channelMax = n
		return nil
	}
}

// ConnIdleTimeout sets the idle timeout advertised to the peer. The peer
// should send a frame at least this often.
//
// Zero disables it.
func ConnIdleTimeout(d time.Duration) ConnOption {
	return func(c *Conn) error {
		if d < 0 {
			return errorNew("amqp: idle timeout cannot be negative")
		}
		c.idleTimeout = d
		return nil
	}
}

// ConnHandshakeTimeout bounds the protocol header, SASL and Open exchange.
// Zero disables it.
func ConnHandshakeTimeout(d time.Duration) ConnOption {
	return func(c *Conn) error {
		if d < 0 {
			return errorNew("amqp: handshake timeout cannot be negative")
		}
		c.handshakeTimeout = d
		return nil
	}
}

// ConnIdleTimeoutNotify registers fn to be called once the handshake has
// negotiated idle timeouts. local is the timeout this side advertised,
// remote the one the peer advertised. Enforcing them is up to the
// transport owner.
func ConnIdleTimeoutNotify(fn func(local, remote time.Duration)) ConnOption {
	return func(c *Conn) error {
		c.idleNotify = fn
		return nil
	}
}

// ConnProperty sets an entry in the connection properties map sent in the
// Open performative.
func ConnProperty(key, value string) ConnOption {
	return func(c *Conn) error {
		if key == "" {
			return errorNew("amqp: connection property key must not be empty")
		}
		if c.properties == nil {
			c.properties = make(map[symbol]interface{})
		}
		c.properties[symbol(key)] = value
		return nil
	}
}

// ConnLogger sets the logger for connection, session and link events.
func ConnLogger(log zerolog.Logger) ConnOption {
	return func(c *Conn) error {
		c.log = log
		return nil
	}
}

// ConnSessionOptions sets options applied to every session of the
// connection, including sessions the peer begins.
func ConnSessionOptions(opts ...SessionOption) ConnOption {
	return func(c *Conn) error {
		c.sessionOpts = append(c.sessionOpts, opts...)
		return nil
	}
}

type stateFunc func() stateFunc

// Conn is an AMQP connection.
//
// A single goroutine owns the connection's sessions and links. Methods on
// Conn, Session, Sender and Receiver hand work to it and wait for the
// result, so they are safe for concurrent use.
type Conn struct {
	net    net.Conn
	server bool
	log    zerolog.Logger

	// local configuration
	containerID      string
	hostname         string
	maxFrameSize     uint32
	channelMax       uint16 // negotiated down by the Open exchange
	idleTimeout      time.Duration
	handshakeTimeout time.Duration
	idleNotify       func(local, remote time.Duration)
	properties       map[symbol]interface{}
	sessionOpts      []SessionOption
	tlsConfig        *tls.Config

	// SASL
	saslHandlers     map[symbol]stateFunc // client mechanisms
	saslMaxFrameSize uint32
	saslComplete     bool
	saslAuth         Authenticator // server side

	// set by the Open exchange
	peerContainerID  string
	peerMaxFrameSize uint32
	peerIdleTimeout  time.Duration

	// handshake
	hsCtx context.Context
	err   error

	// reader and writer goroutines
	readLimit uint32
	rxProto   chan protoHeader
	rxFrame   chan frame
	rxErr     chan error
	txData    chan []byte
	txDone    chan error

	ops     chan func()
	done    chan struct{}
	doneErr error // written before done is closed

	// owned by mux
	sessions         map[uint16]*Session // by local channel
	remoteChannels   map[uint16]uint16   // remote channel -> local channel
	incomingSessions acceptQueue[*Session]
	txQueue          [][]byte
	writing          bool
	closeSent        bool
	closeReceived    bool
	closeLocal       bool
	closeErr         error
	closeTimer       *time.Timer
	stopping         bool
	lost             error
	control          chan ControlEvent
	pendingEvents    []ControlEvent
}

// Dial connects to an AMQP server.
//
// If the addr includes a scheme, it must be "amqp" or "amqps".
// If no port is provided, 5672 will be used for "amqp" and 5671 for "amqps".
//
// If username and password information is not empty it's used as SASL PLAIN
// credentials, equal to passing ConnSASLPlain option.
func Dial(addr string, opts ...ConnOption) (*Conn, error) {
	u, err := url.Parse(addr)
	if err != nil {
		return nil, err
	}
	host, port := u.Hostname(), u.Port()
	if port == "" {
		port = "5672"
		if u.Scheme == "amqps" {
			port = "5671"
		}
	}

	// prepend default options so user specified can overwrite
	defaultOpts := []ConnOption{ConnServerHostname(host)}
	if u.User != nil {
		pass, _ := u.User.Password()
		defaultOpts = append(defaultOpts, ConnSASLPlain(u.User.Username(), pass))
	}

	c, err := newConn(nil, false, append(defaultOpts, opts...)...)
	if err != nil {
		return nil, err
	}

	switch u.Scheme {
	case "amqp", "":
		c.net, err = net.Dial("tcp", net.JoinHostPort(host, port))
	case "amqps":
		tlsConfig := &tls.Config{}
		if c.tlsConfig != nil {
			tlsConfig = c.tlsConfig.Clone()
		}
		if tlsConfig.ServerName == "" {
			tlsConfig.ServerName = c.hostname
		}
		c.net, err = tls.Dial("tcp", net.JoinHostPort(host, port), tlsConfig)
	default:
		return nil, errorErrorf("unsupported scheme %q", u.Scheme)
	}
	if err != nil {
		return nil, err
	}

	if err := c.start(); err != nil {
		return nil, err
	}
	return c, nil
}

// New establishes an AMQP client connection over conn.
func New(conn net.Conn, opts ...ConnOption) (*Conn, error) {
	c, err := newConn(conn, false, opts...)
	if err != nil {
		return nil, err
	}
	if err := c.start(); err != nil {
		return nil, err
	}
	return c, nil
}

// Accept runs the server side of the handshake over conn.
func Accept(conn net.Conn, opts ...ConnOption) (*Conn, error) {
	c, err := newConn(conn, true, opts...)
	if err != nil {
		return nil, err
	}
	if err := c.start(); err != nil {
		return nil, err
	}
	return c, nil
}

func newConn(netConn net.Conn, server bool, opts ...ConnOption) (*Conn, error) {
	c := &Conn{
		net:              netConn,
		server:           server,
		log:              zerolog.Nop(),
		containerID:      uuid.NewString(),
		maxFrameSize:     DefaultMaxFrameSize,
		channelMax:       defaultChannelMax,
		idleTimeout:      DefaultIdleTimeout,
		handshakeTimeout: DefaultHandshakeTimeout,
		peerMaxFrameSize: minMaxFrameSize,
		rxProto:          make(chan protoHeader),
		rxFrame:          make(chan frame),
		rxErr:            make(chan error, 1),
		txData:           make(chan []byte),
		txDone:           make(chan error),
		ops:              make(chan func(), 64),
		done:             make(chan struct{}),
		sessions:         make(map[uint16]*Session),
		remoteChannels:   make(map[uint16]uint16),
		control:          make(chan ControlEvent, 32),
	}

	for _, opt := range opts {
		if err := opt(c); err != nil {
			return nil, err
		}
	}
	return c, nil
}

// start runs the handshake and, if it succeeds, the mux.
func (c *Conn) start() error {
	c.readLimit = c.maxFrameSize
	if c.saslMaxFrameSize > c.readLimit {
		c.readLimit = c.saslMaxFrameSize
	}
	c.log = c.log.With().Bool("server", c.server).Str("container", c.containerID).Logger()

	go c.connReader()
	go c.connWriter()

	ctx, cancel := context.Background(), context.CancelFunc(func() {})
	if c.handshakeTimeout > 0 {
		ctx, cancel = context.WithTimeout(ctx, c.handshakeTimeout)
	}
	c.hsCtx = ctx

	started := time.Now()
	state := c.negotiateProto
	if c.server {
		state = c.serverProto
	}
	for state != nil {
		state = state()
	}
	cancel()
	recordHandshake(c.server, time.Since(started), c.err)

	if c.err != nil {
		c.log.Warn().Err(c.err).Dur("elapsed", time.Since(started)).Msg("handshake failed")
		c.doneErr = c.err
		close(c.done)
		close(c.control)
		c.net.Close()
		return c.err
	}

	c.log = c.log.With().Str("peer", c.peerContainerID).Logger()
	c.log.Info().
		Uint32("max_frame_size", c.peerMaxFrameSize).
		Uint16("channel_max", c.channelMax).
		Dur("peer_idle_timeout", c.peerIdleTimeout).
		Msg("connection open")

	if c.idleNotify != nil {
		c.idleNotify(c.idleTimeout, c.peerIdleTimeout)
	}

	go c.mux()
	return nil
}

// Close sends a Close performative and waits for the peer's Close or for
// the transport to fail. A clean exchange returns nil.
func (c *Conn) Close() error {
	c.run(func() {
		if c.closeSent {
			return
		}
		c.closeLocal = true
		c.closeErr = &ConnClosedError{}
		c.beginClose(nil)
	})
	<-c.done

	var closed *ConnClosedError
	if errors.As(c.doneErr, &closed) && closed.RemoteError == nil {
		return nil
	}
	return c.doneErr
}

// Done is closed once the connection has shut down.
func (c *Conn) Done() <-chan struct{} {
	return c.done
}

// Err returns the reason the connection shut down, or nil while it is
// open.
func (c *Conn) Err() error {
	select {
	case <-c.done:
		return c.doneErr
	default:
		return nil
	}
}

// Control returns the channel of control events. It is closed after the
// ConnectionClosed event. Events are never dropped: read the channel until
// it is closed, or events queued at shutdown hold a goroutine.
func (c *Conn) Control() <-chan ControlEvent {
	return c.control
}

// MaxFrameSize returns the peer's max frame size, which bounds every frame
// this side sends.
func (c *Conn) MaxFrameSize() uint32 {
	return c.peerMaxFrameSize
}

// ChannelMax returns the negotiated channel max.
func (c *Conn) ChannelMax() uint16 {
	return c.channelMax
}

// IdleTimeout returns the idle timeouts advertised by this side and by
// the peer.
func (c *Conn) IdleTimeout() (local, remote time.Duration) {
	return c.idleTimeout, c.peerIdleTimeout
}

// ContainerID returns the local container-id.
func (c *Conn) ContainerID() string {
	return c.containerID
}

// PeerContainerID returns the container-id the peer sent in its Open.
func (c *Conn) PeerContainerID() string {
	return c.peerContainerID
}

// NewSession begins a new session on the smallest free channel.
func (c *Conn) NewSession(ctx context.Context, opts ...SessionOption) (*Session, error) {
	s, err := newSession(c, append(c.sessionOpts[:len(c.sessionOpts):len(c.sessionOpts)], opts...)...)
	if err != nil {
		return nil, err
	}

	res := make(chan error, 1)
	err = c.do(ctx, func() {
		if c.closeSent {
			res <- c.closeErr
			return
		}
		ch, err := c.allocateChannel()
		if err != nil {
			res <- err
			return
		}
		s.channel = ch
		s.log = c.log.With().Uint16("channel", ch).Logger()
		s.state = sessionBeginSent
		s.begun = res
		c.sessions[ch] = s
		s.send(s.beginFrame(nil))
	})
	if err != nil {
		return nil, err
	}

	err = c.wait(ctx, res, func() {
		if s.state == sessionBeginSent {
			s.begun = nil
			s.abandoned = true
		}
	})
	if err != nil {
		return nil, err
	}
	return s, nil
}

// AcceptSession waits for the peer to begin a session. The engine has
// already answered the Begin when it is returned.
func (c *Conn) AcceptSession(ctx context.Context) (*Session, error) {
	var ch chan *Session
	if !c.run(func() { ch = c.incomingSessions.wait() }) {
		return nil, c.doneErr
	}

	select {
	case s, ok := <-ch:
		if !ok {
			<-c.done
			return nil, c.doneErr
		}
		return s, nil
	case <-ctx.Done():
	}

	var withdrawn bool
	c.run(func() { withdrawn = c.incomingSessions.cancel(ch) })
	if !withdrawn {
		if s, ok := <-ch; ok {
			return s, nil
		}
	}
	return nil, ctx.Err()
}

// do hands fn to the mux. It does not wait for fn to run.
func (c *Conn) do(ctx context.Context, fn func()) error {
	select {
	case c.ops <- fn:
		return nil
	case <-c.done:
		return c.doneErr
	case <-ctx.Done():
		return ctx.Err()
	}
}

// submit is do without a context, for work that must not be dropped
// while the connection lives.
func (c *Conn) submit(fn func()) {
	select {
	case c.ops <- fn:
	case <-c.done:
	}
}

// run hands fn to the mux and waits for it to finish. It reports false if
// the connection shut down first.
func (c *Conn) run(fn func()) bool {
	ran := make(chan struct{})
	select {
	case c.ops <- func() { fn(); close(ran) }:
	case <-c.done:
		return false
	}
	select {
	case <-ran:
		return true
	case <-c.done:
		return false
	}
}

// wait returns the result the mux sends on res. If ctx ends first,
// withdraw runs on the mux; an operation it withdraws never sends a
// result and ctx.Err() is returned.
func (c *Conn) wait(ctx context.Context, res <-chan error, withdraw func()) error {
	select {
	case err := <-res:
		return err
	case <-c.done:
		select {
		case err := <-res:
			return err
		default:
			return c.doneErr
		}
	case <-ctx.Done():
	}

	if withdraw != nil {
		c.run(withdraw)
	}
	select {
	case err := <-res:
		return err
	default:
		return ctx.Err()
	}
}

func (c *Conn) allocateChannel() (uint16, error) {
	for ch := uint32(0); ch <= uint32(c.channelMax); ch++ {
		if _, used := c.sessions[uint16(ch)]; !used {
			return uint16(ch), nil
		}
	}
	return 0, errorWrapf(ErrTooManyChannels, "channel max %d", c.channelMax)
}

// connReader decodes frames and protocol headers from the transport.
func (c *Conn) connReader() {
	var (
		buf   bytes.Buffer
		chunk = make([]byte, 32*1024)
	)
	for {
		for buf.Len() >= frameHeaderSize {
			if isProtoHeader(buf.Bytes()) {
				p, err := parseProtoHeader(buf.Bytes())
				if err != nil {
					c.readerFailed(err)
					return
				}
				buf.Next(protoHeaderSize)
				select {
				case c.rxProto <- p:
				case <-c.done:
					return
				}
				continue
			}

			fr, n, err := parseFrame(buf.Bytes(), c.readLimit)
			if err == errNeedMoreData {
				break
			}
			if err != nil {
				c.readerFailed(err)
				return
			}
			buf.Next(n)
			select {
			case c.rxFrame <- fr:
			case <-c.done:
				return
			}
		}

		n, err := c.net.Read(chunk)
		buf.Write(chunk[:n])
		if err != nil && n == 0 {
			c.readerFailed(err)
			return
		}
	}
}

func (c *Conn) readerFailed(err error) {
	select {
	case c.rxErr <- err:
	default:
	}
}

// connWriter writes encoded frames handed over by the mux and reports
// each result back.
func (c *Conn) connWriter() {
	for {
		select {
		case b := <-c.txData:
			_, err := c.net.Write(b)
			select {
			case c.txDone <- err:
			case <-c.done:
				return
			}
		case <-c.done:
			return
		}
	}
}

var heartbeatFrame = func() []byte {
	b, err := encodeFrame(frame{typ: frameTypeAMQP}, minMaxFrameSize)
	if err != nil {
		panic(err)
	}
	return b
}()

func (c *Conn) mux() {
	var heartbeat <-chan time.Time
	if c.peerIdleTimeout > 0 {
		t := time.NewTicker(c.peerIdleTimeout / 2)
		defer t.Stop()
		heartbeat = t.C
	}

	for {
		var (
			txData       chan []byte
			next         []byte
			control      chan ControlEvent
			event        ControlEvent
			closeTimeout <-chan time.Time
		)
		if !c.writing && len(c.txQueue) > 0 {
			txData, next = c.txData, c.txQueue[0]
		}
		if len(c.pendingEvents) > 0 {
			control, event = c.control, c.pendingEvents[0]
		}
		if c.closeTimer != nil {
			closeTimeout = c.closeTimer.C
		}

		select {
		case txData <- next:
			c.txQueue[0] = nil
			c.txQueue = c.txQueue[1:]
			c.writing = true

		case err := <-c.txDone:
			c.writing = false
			if err != nil {
				c.transportFailed(err)
			}

		case fr := <-c.rxFrame:
			c.handleFrame(fr)

		case err := <-c.rxErr:
			c.readFailed(err)

		case fn := <-c.ops:
			fn()

		case <-heartbeat:
			if !c.writing && len(c.txQueue) == 0 {
				c.txQueue = append(c.txQueue, heartbeatFrame)
			}

		case control <- event:
			c.pendingEvents = c.pendingEvents[1:]

		case <-closeTimeout:
			c.transportFailed(errorNew("peer did not answer Close"))
		}

		if c.lost != nil || (c.stopping && !c.writing && len(c.txQueue) == 0) {
			c.shutdown()
			return
		}
	}
}

// sendFrame encodes fr and queues it for the writer.
func (c *Conn) sendFrame(fr frame) error {
	debugFrame(c.log, "tx", fr)
	b, err := encodeFrame(fr, c.peerMaxFrameSize)
	if err != nil {
		c.log.Error().Err(err).Str("type", frameTypeName(fr.body)).Msg("encoding frame")
		return err
	}
	recordFrame("tx", fr.body)
	c.txQueue = append(c.txQueue, b)
	return nil
}

func (c *Conn) handleFrame(fr frame) {
	debugFrame(c.log, "rx", fr)
	recordFrame("rx", fr.body)

	if fr.typ != frameTypeAMQP {
		c.connError(NewError(ErrorNotAllowed, "SASL frame after the handshake"))
		return
	}

	switch body := fr.body.(type) {
	case nil:
		// heartbeat

	case *performClose:
		c.onClose(body)

	case *performOpen:
		c.connError(NewError(ErrorNotAllowed, "unexpected Open"))

	case *performBegin:
		c.onBegin(fr.channel, body)

	default:
		if c.closeSent {
			return
		}
		local, ok := c.remoteChannels[fr.channel]
		if !ok {
			c.connError(NewError(ErrorNotAllowed,
				fmt.Sprintf("%s on unmapped channel %d", frameTypeName(body), fr.channel)))
			return
		}
		c.sessions[local].handleFrame(body)
	}
}

func (c *Conn) onBegin(channel uint16, b *performBegin) {
	if c.closeSent {
		return
	}
	if _, ok := c.remoteChannels[channel]; ok {
		c.connError(NewError(ErrorNotAllowed, fmt.Sprintf("Begin on mapped channel %d", channel)))
		return
	}

	// reply to a Begin of ours
	if b.RemoteChannel != nil {
		s, ok := c.sessions[*b.RemoteChannel]
		if !ok || s.state != sessionBeginSent {
			c.connError(NewError(ErrorNotAllowed,
				fmt.Sprintf("Begin answers channel %d, which has no pending session", *b.RemoteChannel)))
			return
		}
		c.remoteChannels[channel] = s.channel
		s.onBeginReply(channel, b)
		return
	}

	// peer-initiated
	if channel > c.channelMax {
		c.connError(NewError(ErrorResourceLimitExceeded,
			fmt.Sprintf("channel %d exceeds channel max %d", channel, c.channelMax)))
		return
	}
	local, err := c.allocateChannel()
	if err != nil {
		c.connError(remoteError(err))
		return
	}
	s, err := newSession(c, c.sessionOpts...)
	if err != nil {
		c.connError(NewError(ErrorInternalError, err.Error()))
		return
	}
	s.channel = local
	s.log = c.log.With().Uint16("channel", local).Logger()
	c.sessions[local] = s
	c.remoteChannels[channel] = local
	s.onBeginRequest(channel, b)
	c.incomingSessions.push(s)
}

func (c *Conn) onClose(cl *performClose) {
	c.closeReceived = true
	if !c.closeSent {
		c.log.Info().Err(errOrNil(cl.Error)).Msg("peer closed connection")
		c.closeErr = &ConnClosedError{RemoteError: cl.Error}
		c.beginClose(nil)
	} else if cl.Error != nil && c.closeLocal {
		c.closeErr = &ConnClosedError{RemoteError: cl.Error}
	}
	c.stopping = true
}

// connError closes the connection because of a protocol error. Sessions
// are torn down once the peer's Close arrives.
func (c *Conn) connError(e *Error) {
	if c.closeSent {
		return
	}
	c.log.Warn().Err(e).Msg("connection error")
	c.closeErr = e
	c.beginClose(e)
}

func (c *Conn) beginClose(e *Error) {
	if c.closeSent {
		return
	}
	c.closeSent = true
	c.sendFrame(frame{typ: frameTypeAMQP, body: &performClose{Error: e}})
	c.closeTimer = time.NewTimer(defaultCloseTimeout)
}

func (c *Conn) readFailed(err error) {
	var malformed *MalformedFrameError
	if errors.As(err, &malformed) && !c.closeSent {
		c.log.Warn().Err(err).Msg("framing error")
		c.closeErr = err
		c.beginClose(NewError(ErrorFramingError, malformed.Reason))
		// the reader has stopped; shut down once the Close is written
		c.stopping = true
		return
	}
	c.transportFailed(err)
}

func (c *Conn) transportFailed(err error) {
	if c.lost != nil {
		return
	}
	if c.closeSent && c.closeErr != nil {
		c.lost = c.closeErr
	} else {
		c.lost = ErrConnLost
	}
	c.log.Debug().Err(err).Msg("transport closed")
}

func (c *Conn) shutdown() {
	err := c.lost
	if err == nil {
		err = c.closeErr
	}
	if err == nil {
		err = ErrConnLost
	}
	if c.closeTimer != nil {
		c.closeTimer.Stop()
	}

	for _, s := range c.sessions {
		s.terminate(err)
		s.state = sessionDiscarded
		s.resolveEnded(err)
	}
	c.sessions = map[uint16]*Session{}
	c.remoteChannels = map[uint16]uint16{}
	c.incomingSessions.close()

	c.doneErr = err
	close(c.done)
	c.net.Close()

	if !c.closeLocal {
		c.emit(ControlEvent{Kind: ConnectionClosed, Reason: err})
	}
	c.flushEvents()
	recordConnClosed()
	c.log.Info().Err(err).Msg("connection closed")
}

// errOrNil keeps a nil *Error from becoming a non-nil error.
func errOrNil(e *Error) error {
	if e == nil {
		return nil
	}
	return e
}
