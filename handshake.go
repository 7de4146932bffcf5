package amqp

import (
	"bytes"
	"fmt"
)

// The handshake runs on the goroutine that called Dial, New or Accept,
// before the mux starts. It talks to the reader and writer goroutines
// directly and every step gives up once hsCtx ends.

func (c *Conn) hsWrite(b []byte) error {
	select {
	case c.txData <- b:
	case <-c.hsCtx.Done():
		return ErrHandshakeTimeout
	}
	select {
	case err := <-c.txDone:
		return err
	case <-c.hsCtx.Done():
		return ErrHandshakeTimeout
	}
}

func (c *Conn) hsWriteFrame(fr frame) error {
	limit := c.peerMaxFrameSize
	if fr.typ == frameTypeSASL && c.saslMaxFrameSize > limit {
		limit = c.saslMaxFrameSize
	}
	debugFrame(c.log, "tx", fr)
	b, err := encodeFrame(fr, limit)
	if err != nil {
		return err
	}
	recordFrame("tx", fr.body)
	return c.hsWrite(b)
}

func (c *Conn) hsWriteProto(id protoID) error {
	var buf bytes.Buffer
	writeProtoHeader(&buf, id)
	return c.hsWrite(buf.Bytes())
}

func (c *Conn) hsReadProto() (protoHeader, error) {
	select {
	case p := <-c.rxProto:
		return p, nil
	case fr := <-c.rxFrame:
		return protoHeader{}, errorErrorf("expected protocol header, got %s", frameTypeName(fr.body))
	case err := <-c.rxErr:
		return protoHeader{}, err
	case <-c.hsCtx.Done():
		return protoHeader{}, ErrHandshakeTimeout
	}
}

// hsReadFrame returns the next frame that is not a heartbeat.
func (c *Conn) hsReadFrame() (frame, error) {
	for {
		select {
		case fr := <-c.rxFrame:
			debugFrame(c.log, "rx", fr)
			recordFrame("rx", fr.body)
			if fr.body == nil {
				continue
			}
			return fr, nil
		case p := <-c.rxProto:
			return frame{}, errorErrorf("unexpected %s protocol header", p.ProtoID)
		case err := <-c.rxErr:
			return frame{}, err
		case <-c.hsCtx.Done():
			return frame{}, ErrHandshakeTimeout
		}
	}
}

// negotiateProto starts the client side: SASL first if a mechanism is
// configured, AMQP otherwise.
func (c *Conn) negotiateProto() stateFunc {
	if len(c.saslHandlers) > 0 && !c.saslComplete {
		return c.exchangeProtoHeader(protoSASL)
	}
	return c.exchangeProtoHeader(protoAMQP)
}

func (c *Conn) exchangeProtoHeader(id protoID) stateFunc {
	if c.err = c.hsWriteProto(id); c.err != nil {
		return nil
	}
	p, err := c.hsReadProto()
	if err != nil {
		c.err = err
		return nil
	}
	if p.ProtoID != id {
		c.err = errorErrorf("unexpected protocol header %#02x, expected %#02x", uint8(p.ProtoID), uint8(id))
		return nil
	}

	switch id {
	case protoSASL:
		return c.protoSASL
	default:
		return c.openAMQP
	}
}

// openAMQP sends this side's Open and waits for the peer's.
func (c *Conn) openAMQP() stateFunc {
	if c.err = c.hsWriteFrame(frame{typ: frameTypeAMQP, body: c.openFrame()}); c.err != nil {
		return nil
	}
	c.err = c.readOpen()
	return nil
}

func (c *Conn) readOpen() error {
	fr, err := c.hsReadFrame()
	if err != nil {
		return err
	}
	switch body := fr.body.(type) {
	case *performOpen:
		return c.applyOpen(body)
	case *performClose:
		return &ConnClosedError{RemoteError: body.Error}
	default:
		return errorErrorf("expected Open, got %s", frameTypeName(fr.body))
	}
}

func (c *Conn) openFrame() *performOpen {
	return &performOpen{
		ContainerID:  c.containerID,
		Hostname:     c.hostname,
		MaxFrameSize: c.maxFrameSize,
		ChannelMax:   c.channelMax,
		IdleTimeout:  c.idleTimeout,
		Properties:   c.properties,
	}
}

func (c *Conn) applyOpen(o *performOpen) error {
	if o.MaxFrameSize < minMaxFrameSize {
		return malformedf("peer max frame size %d is below the minimum of %d", o.MaxFrameSize, minMaxFrameSize)
	}
	c.peerContainerID = o.ContainerID
	c.peerMaxFrameSize = o.MaxFrameSize
	if c.peerMaxFrameSize > maxFrameSizeLimit {
		c.peerMaxFrameSize = maxFrameSizeLimit
	}
	if o.ChannelMax < c.channelMax {
		c.channelMax = o.ChannelMax
	}
	c.peerIdleTimeout = o.IdleTimeout
	return nil
}

// serverProto answers the client's protocol header. A client that asks
// for a layer this side cannot offer is told which one it can have before
// the connection fails.
func (c *Conn) serverProto() stateFunc {
	p, err := c.hsReadProto()
	if err != nil {
		c.err = err
		return nil
	}

	switch {
	case p.ProtoID == protoSASL && c.saslAuth != nil && !c.saslComplete:
		if c.err = c.hsWriteProto(protoSASL); c.err != nil {
			return nil
		}
		return c.serverSASL

	case p.ProtoID == protoSASL:
		c.hsWriteProto(protoAMQP)
		c.err = errorNew("client requested SASL, which is not configured")
		return nil

	case p.ProtoID == protoAMQP && c.saslAuth != nil && !c.saslComplete:
		c.hsWriteProto(protoSASL)
		c.err = errorNew("client skipped required SASL authentication")
		return nil

	case p.ProtoID == protoAMQP:
		if c.err = c.hsWriteProto(protoAMQP); c.err != nil {
			return nil
		}
		return c.serverOpen

	default:
		c.hsWriteProto(protoAMQP)
		c.err = errorErrorf("unsupported protocol header %#02x", uint8(p.ProtoID))
		return nil
	}
}

// serverOpen waits for the client's Open and answers it.
func (c *Conn) serverOpen() stateFunc {
	if c.err = c.readOpen(); c.err != nil {
		return nil
	}
	c.err = c.hsWriteFrame(frame{typ: frameTypeAMQP, body: c.openFrame()})
	return nil
}

func (c *Conn) String() string {
	return fmt.Sprintf("Conn{container: %s, peer: %s, server: %t}", c.containerID, c.peerContainerID, c.server)
}
