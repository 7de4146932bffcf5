package amqp

import (
	"bytes"
	"encoding/binary"
	"fmt"
	"io"
	"math"
)

// Frame structure:
//
//     header (8 bytes)
//       0-3: SIZE (total size, at least 8 bytes for header, uint32)
//       4:   DOFF (data offset, at least 2, count of 4 bytes words, uint8)
//       5:   TYPE (frame type)
//                0x0: AMQP
//                0x1: SASL
//       6-7: type dependent (channel for AMQP)
//     extended header (opt)
//     body (opt)

const (
	frameTypeAMQP = 0x0
	frameTypeSASL = 0x1

	frameHeaderSize = 8

	// minMaxFrameSize is the largest frame a peer must accept before the
	// Open exchange has negotiated anything bigger.
	minMaxFrameSize = 512

	// maxFrameSizeLimit caps the max frame size this engine will
	// advertise or honor.
	maxFrameSizeLimit = 1 << 30
)

// frame is the decoded representation of a frame
type frame struct {
	typ     uint8     // AMQP/SASL
	channel uint16    // channel this frame is for
	body    frameBody // nil for an empty (heartbeat) frame
}

func (f frame) String() string {
	if f.body == nil {
		return fmt.Sprintf("frame{type: %d, channel: %d, heartbeat}", f.typ, f.channel)
	}
	return fmt.Sprintf("frame{type: %d, channel: %d, body: %v}", f.typ, f.channel, f.body)
}

// parseFrame decodes the frame at the start of buf and returns it with
// the number of bytes it occupied.
//
// errNeedMoreData is returned, and nothing is consumed, when buf holds
// less than the header or less than the declared size. Any framing
// violation, including a declared size above maxFrameSize, is reported as
// *MalformedFrameError.
func parseFrame(buf []byte, maxFrameSize uint32) (frame, int, error) {
	if len(buf) < frameHeaderSize {
		return frame{}, 0, errNeedMoreData
	}

	size := binary.BigEndian.Uint32(buf[0:4])
	doff := buf[4]
	typ := buf[5]
	channel := binary.BigEndian.Uint16(buf[6:8])

	switch {
	case size < frameHeaderSize:
		return frame{}, 0, malformedf("frame size %d is smaller than the header", size)
	case doff < 2:
		return frame{}, 0, malformedf("data offset %d is less than 2", doff)
	case uint32(doff)*4 > size:
		return frame{}, 0, malformedf("data offset %d is beyond frame size %d", doff, size)
	case size > maxFrameSize:
		return frame{}, 0, malformedf("frame size %d exceeds max frame size %d", size, maxFrameSize)
	case typ != frameTypeAMQP && typ != frameTypeSASL:
		return frame{}, 0, malformedf("unknown frame type %#02x", typ)
	}

	if uint64(len(buf)) < uint64(size) {
		return frame{}, 0, errNeedMoreData
	}

	fr := frame{typ: typ, channel: channel}
	body := buf[int(doff)*4 : size]
	if len(body) == 0 {
		return fr, int(size), nil
	}

	b, err := parseFrameBody(bytes.NewBuffer(body), typ)
	if err != nil {
		return frame{}, 0, malformedf("%v", err)
	}
	fr.body = b
	return fr, int(size), nil
}

// parseFrameBody reads and unmarshals an AMQP or SASL frame body.
func parseFrameBody(r *bytes.Buffer, typ uint8) (frameBody, error) {
	pType, err := peekDescriptor(r)
	if err != nil {
		return nil, err
	}

	var b interface {
		frameBody
		unmarshaler
	}
	switch {
	case typ == frameTypeAMQP && pType == typeCodeOpen:
		b = new(performOpen)
	case typ == frameTypeAMQP && pType == typeCodeBegin:
		b = new(performBegin)
	case typ == frameTypeAMQP && pType == typeCodeAttach:
		b = new(performAttach)
	case typ == frameTypeAMQP && pType == typeCodeFlow:
		b = new(performFlow)
	case typ == frameTypeAMQP && pType == typeCodeTransfer:
		b = new(performTransfer)
	case typ == frameTypeAMQP && pType == typeCodeDisposition:
		b = new(performDisposition)
	case typ == frameTypeAMQP && pType == typeCodeDetach:
		b = new(performDetach)
	case typ == frameTypeAMQP && pType == typeCodeEnd:
		b = new(performEnd)
	case typ == frameTypeAMQP && pType == typeCodeClose:
		b = new(performClose)
	case typ == frameTypeSASL && pType == typeCodeSASLMechanism:
		b = new(saslMechanisms)
	case typ == frameTypeSASL && pType == typeCodeSASLInit:
		b = new(saslInit)
	case typ == frameTypeSASL && pType == typeCodeSASLChallenge:
		b = new(saslChallenge)
	case typ == frameTypeSASL && pType == typeCodeSASLResponse:
		b = new(saslResponse)
	case typ == frameTypeSASL && pType == typeCodeSASLOutcome:
		b = new(saslOutcome)
	default:
		return nil, errorErrorf("unknown performative type %#02x for frame type %d", pType, typ)
	}

	if err := b.unmarshal(r); err != nil {
		return nil, err
	}
	if r.Len() != 0 {
		return nil, errorErrorf("%d trailing bytes after %T", r.Len(), b)
	}
	return b, nil
}

// writeFrame encodes fr onto buf. Frames larger than maxFrameSize are
// rejected with ErrFrameTooLarge and leave buf unchanged.
func writeFrame(buf *bytes.Buffer, fr frame, maxFrameSize uint32) error {
	start := buf.Len()

	// size is back-patched once the body is encoded
	header := [frameHeaderSize]byte{4: 2, 5: fr.typ}
	binary.BigEndian.PutUint16(header[6:], fr.channel)
	buf.Write(header[:])

	if fr.body != nil {
		m, ok := fr.body.(marshaler)
		if !ok {
			buf.Truncate(start)
			return errorErrorf("frame body %T cannot be encoded", fr.body)
		}
		if err := m.marshal(buf); err != nil {
			buf.Truncate(start)
			return err
		}
	}

	size := buf.Len() - start
	if maxFrameSize == 0 {
		maxFrameSize = math.MaxUint32
	}
	if uint64(size) > uint64(maxFrameSize) {
		buf.Truncate(start)
		return errorWrapf(ErrFrameTooLarge, "%d byte frame, limit %d", size, maxFrameSize)
	}

	binary.BigEndian.PutUint32(buf.Bytes()[start:], uint32(size))
	return nil
}

// encodeFrame returns fr encoded into a new slice.
func encodeFrame(fr frame, maxFrameSize uint32) ([]byte, error) {
	buf := getBuffer()
	defer bufPool.Put(buf)

	if err := writeFrame(buf, fr, maxFrameSize); err != nil {
		return nil, err
	}
	return append([]byte(nil), buf.Bytes()...), nil
}

// protoID identifies the layer announced by a protocol header.
type protoID uint8

const (
	protoAMQP protoID = 0x0
	protoTLS  protoID = 0x2
	protoSASL protoID = 0x3
)

func (p protoID) String() string {
	switch p {
	case protoAMQP:
		return "AMQP"
	case protoTLS:
		return "TLS"
	case protoSASL:
		return "SASL"
	}
	return fmt.Sprintf("protoID(%d)", uint8(p))
}

const protoHeaderSize = 8

// protoHeader is the 8 byte header exchanged before any frames:
// "AMQP" followed by the protocol id and version 1.0.0.
type protoHeader struct {
	ProtoID  protoID
	Major    uint8
	Minor    uint8
	Revision uint8
}

// isProtoHeader reports whether buf starts like a protocol header rather
// than a frame. Read as a frame size, "AMQP" is over 1GiB, which is above
// maxFrameSizeLimit.
func isProtoHeader(buf []byte) bool {
	return len(buf) >= 4 && string(buf[:4]) == "AMQP"
}

// parseProtoHeader decodes the protocol header at the start of buf.
//
// An error is returned if the protocol is not "AMQP" or if the version is not 1.0.0.
func parseProtoHeader(buf []byte) (protoHeader, error) {
	if len(buf) < protoHeaderSize {
		return protoHeader{}, errNeedMoreData
	}
	if !isProtoHeader(buf) {
		return protoHeader{}, malformedf("unexpected protocol %q", buf[:4])
	}
	p := protoHeader{
		ProtoID:  protoID(buf[4]),
		Major:    buf[5],
		Minor:    buf[6],
		Revision: buf[7],
	}
	if p.Major != 1 || p.Minor != 0 || p.Revision != 0 {
		return p, malformedf("unexpected protocol version %d.%d.%d", p.Major, p.Minor, p.Revision)
	}
	return p, nil
}

func writeProtoHeader(w io.Writer, id protoID) error {
	_, err := w.Write([]byte{'A', 'M', 'Q', 'P', byte(id), 1, 0, 0})
	return err
}
