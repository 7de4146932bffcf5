package amqp

import (
	"bytes"
	"fmt"
	"time"
)

// Message is an AMQP message.
//
// Every section is optional. A nil pointer or an empty map means the
// section is absent and is never put on the wire, so a message with
// Header set to &MessageHeader{} differs from one with no header at all.
type Message struct {
	// The header section carries standard delivery details about the transfer
	// of a message through the AMQP network.
	Header *MessageHeader

	// The delivery-annotations section is used for delivery-specific non-standard
	// properties at the head of the message.
	DeliveryAnnotations Annotations

	// The message-annotations section is used for properties of the message which
	// are aimed at the infrastructure.
	Annotations Annotations

	// The properties section is used for a defined set of standard properties of
	// the message.
	Properties *MessageProperties

	// The application-properties section is a part of the bare message used for
	// structured application data.
	ApplicationProperties map[string]interface{}

	// The body is one or more data sections, one or more amqp-sequence
	// sections, or a single amqp-value section. Only one of Data, Sequence
	// and Value may be set.
	Data     [][]byte
	Sequence [][]interface{}
	Value    interface{}

	// The footer section is used for details about the message or delivery which
	// can only be calculated or evaluated once the whole bare message has been
	// constructed or seen.
	Footer Annotations
}

// NewMessage returns a Message with a single data section.
func NewMessage(data []byte) *Message {
	return &Message{Data: [][]byte{data}}
}

// GetData returns the first data section of the message, or nil.
func (m *Message) GetData() []byte {
	if len(m.Data) == 0 {
		return nil
	}
	return m.Data[0]
}

// MarshalBinary encodes the message sections in their wire order.
func (m *Message) MarshalBinary() ([]byte, error) {
	buf := getBuffer()
	defer bufPool.Put(buf)

	if err := m.marshal(buf); err != nil {
		return nil, err
	}
	return append([]byte(nil), buf.Bytes()...), nil
}

// UnmarshalBinary decodes a complete encoded message into m.
func (m *Message) UnmarshalBinary(data []byte) error {
	*m = Message{}
	return m.unmarshal(bytes.NewBuffer(data))
}

func (m *Message) marshal(wr writer) error {
	bodies := 0
	if len(m.Data) > 0 {
		bodies++
	}
	if len(m.Sequence) > 0 {
		bodies++
	}
	if m.Value != nil {
		bodies++
	}
	if bodies > 1 {
		return errorNew("message body must be one of Data, Sequence or Value")
	}

	if m.Header != nil {
		if err := m.Header.marshal(wr); err != nil {
			return err
		}
	}

	if len(m.DeliveryAnnotations) > 0 {
		if err := writeSection(wr, typeCodeDeliveryAnnotations, m.DeliveryAnnotations); err != nil {
			return err
		}
	}

	if len(m.Annotations) > 0 {
		if err := writeSection(wr, typeCodeMessageAnnotations, m.Annotations); err != nil {
			return err
		}
	}

	if m.Properties != nil {
		if err := m.Properties.marshal(wr); err != nil {
			return err
		}
	}

	if len(m.ApplicationProperties) > 0 {
		if err := writeSection(wr, typeCodeApplicationProperties, m.ApplicationProperties); err != nil {
			return err
		}
	}

	for _, data := range m.Data {
		if err := writeSection(wr, typeCodeApplicationData, data); err != nil {
			return err
		}
	}

	for _, seq := range m.Sequence {
		if err := writeSection(wr, typeCodeAMQPSequence, seq); err != nil {
			return err
		}
	}

	if m.Value != nil {
		if err := writeSection(wr, typeCodeAMQPValue, m.Value); err != nil {
			return err
		}
	}

	if len(m.Footer) > 0 {
		if err := writeSection(wr, typeCodeFooter, m.Footer); err != nil {
			return err
		}
	}

	return nil
}

func writeSection(wr writer, code amqpType, v interface{}) error {
	if err := writeDescriptor(wr, code); err != nil {
		return err
	}
	return marshal(wr, v)
}

func (m *Message) unmarshal(r reader) error {
	// loop, decoding sections until bytes have been consumed
	for r.Len() > 0 {
		typ, err := peekDescriptor(r)
		if err != nil {
			return err
		}

		var (
			section interface{}
			// the descriptor is consumed here for sections whose
			// value is not itself a composite
			discardHeader = true
		)
		switch typ {
		case typeCodeMessageHeader:
			discardHeader = false
			section = &m.Header

		case typeCodeDeliveryAnnotations:
			section = &m.DeliveryAnnotations

		case typeCodeMessageAnnotations:
			section = &m.Annotations

		case typeCodeMessageProperties:
			discardHeader = false
			section = &m.Properties

		case typeCodeApplicationProperties:
			section = &m.ApplicationProperties

		case typeCodeApplicationData:
			var data []byte
			if _, err := readCompositeDescriptor(r); err != nil {
				return err
			}
			if _, err := unmarshal(r, &data); err != nil {
				return err
			}
			m.Data = append(m.Data, data)
			continue

		case typeCodeAMQPSequence:
			var seq []interface{}
			if _, err := readCompositeDescriptor(r); err != nil {
				return err
			}
			if _, err := unmarshal(r, &seq); err != nil {
				return err
			}
			m.Sequence = append(m.Sequence, seq)
			continue

		case typeCodeAMQPValue:
			section = &m.Value

		case typeCodeFooter:
			section = &m.Footer

		default:
			return errorErrorf("unknown message section %#02x", typ)
		}

		if discardHeader {
			if _, err := readCompositeDescriptor(r); err != nil {
				return err
			}
		}

		if _, err := unmarshal(r, section); err != nil {
			return errorWrapf(err, "decoding message section %#02x", typ)
		}
	}
	return nil
}

// readCompositeDescriptor consumes the 0x00 constructor and descriptor of
// a described value.
func readCompositeDescriptor(r reader) (amqpType, error) {
	b, err := r.ReadByte()
	if err != nil {
		return 0, err
	}
	if b != 0 {
		return 0, errorErrorf("invalid described type header %#02x", b)
	}
	v, err := readUint(r)
	return amqpType(v), err
}

// fragments encodes the message and splits the bytes into consecutive
// fragments of at most size bytes. The last fragment may be shorter.
func (m *Message) fragments(size int) ([][]byte, error) {
	if size <= 0 {
		return nil, errorErrorf("invalid fragment size %d", size)
	}
	data, err := m.MarshalBinary()
	if err != nil {
		return nil, err
	}
	return splitPayload(data, size), nil
}

func splitPayload(data []byte, size int) [][]byte {
	if len(data) == 0 {
		return [][]byte{nil}
	}
	frags := make([][]byte, 0, (len(data)+size-1)/size)
	for len(data) > size {
		frags = append(frags, data[:size:size])
		data = data[size:]
	}
	return append(frags, data)
}

func (m *Message) String() string {
	return fmt.Sprintf("Message{Header: %v, Properties: %v, ApplicationProperties: %v, Data: %d sections, Value: %v}",
		m.Header, m.Properties, m.ApplicationProperties, len(m.Data), m.Value)
}

// Annotations keys are symbols or ulongs. String keys are encoded as
// symbols and come back as strings.
type Annotations map[interface{}]interface{}

func (a Annotations) marshal(wr writer) error {
	m := make(map[interface{}]interface{}, len(a))
	for k, v := range a {
		switch k := k.(type) {
		case string:
			m[symbol(k)] = v
		case symbol, uint64:
			m[k] = v
		case int:
			if k < 0 {
				return errorErrorf("annotation key %d is negative", k)
			}
			m[uint64(k)] = v
		default:
			return errorErrorf("unsupported annotation key type %T", k)
		}
	}
	return writeMap(wr, m)
}

func (a *Annotations) unmarshal(r reader) error {
	var m map[interface{}]interface{}
	if err := (*mapAnyAny)(&m).unmarshal(r); err != nil {
		return err
	}
	*a = Annotations(m)
	return nil
}

/*
<type name="header" class="composite" source="list" provides="section">
    <descriptor name="amqp:header:list" code="0x00000000:0x00000070"/>
    <field name="durable" type="boolean" default="false"/>
    <field name="priority" type="ubyte" default="4"/>
    <field name="ttl" type="milliseconds"/>
    <field name="first-acquirer" type="boolean" default="false"/>
    <field name="delivery-count" type="uint" default="0"/>
</type>
*/

// MessageHeader carries standard delivery details about the transfer
// of a message.
type MessageHeader struct {
	Durable       bool
	Priority      uint8
	TTL           time.Duration // from milliseconds
	FirstAcquirer bool
	DeliveryCount uint32
}

func (h *MessageHeader) marshal(wr writer) error {
	return marshalComposite(wr, typeCodeMessageHeader, []marshalField{
		{value: h.Durable, omit: !h.Durable},
		{value: h.Priority, omit: h.Priority == 4},
		{value: milliseconds(h.TTL), omit: h.TTL == 0},
		{value: h.FirstAcquirer, omit: !h.FirstAcquirer},
		{value: &h.DeliveryCount, omit: h.DeliveryCount == 0},
	}...)
}

func (h *MessageHeader) unmarshal(r reader) error {
	return unmarshalComposite(r, typeCodeMessageHeader, []unmarshalField{
		{field: &h.Durable},
		{field: &h.Priority, handleNull: defaultUint8(&h.Priority, 4)},
		{field: (*milliseconds)(&h.TTL)},
		{field: &h.FirstAcquirer},
		{field: &h.DeliveryCount},
	}...)
}

func (h *MessageHeader) String() string {
	if h == nil {
		return "<nil>"
	}
	return fmt.Sprintf("MessageHeader{Durable: %t, Priority: %d, TTL: %v, FirstAcquirer: %t, DeliveryCount: %d}",
		h.Durable, h.Priority, h.TTL, h.FirstAcquirer, h.DeliveryCount)
}

/*
<type name="properties" class="composite" source="list" provides="section">
    <descriptor name="amqp:properties:list" code="0x00000000:0x00000073"/>
    <field name="message-id" type="*" requires="message-id"/>
    <field name="user-id" type="binary"/>
    <field name="to" type="*" requires="address"/>
    <field name="subject" type="string"/>
    <field name="reply-to" type="*" requires="address"/>
    <field name="correlation-id" type="*" requires="message-id"/>
    <field name="content-type" type="symbol"/>
    <field name="content-encoding" type="symbol"/>
    <field name="absolute-expiry-time" type="timestamp"/>
    <field name="creation-time" type="timestamp"/>
    <field name="group-id" type="string"/>
    <field name="group-sequence" type="sequence-no"/>
    <field name="reply-to-group-id" type="string"/>
</type>
*/

// MessageProperties is the defined set of properties for AMQP messages.
type MessageProperties struct {
	MessageID          interface{} // uint64, UUID, []byte, or string
	UserID             []byte
	To                 string
	Subject            string
	ReplyTo            string
	CorrelationID      interface{} // uint64, UUID, []byte, or string
	ContentType        string
	ContentEncoding    string
	AbsoluteExpiryTime time.Time
	CreationTime       time.Time
	GroupID            string
	GroupSequence      uint32 // RFC-1982 sequence number
	ReplyToGroupID     string
}

func (p *MessageProperties) marshal(wr writer) error {
	return marshalComposite(wr, typeCodeMessageProperties, []marshalField{
		{value: p.MessageID, omit: p.MessageID == nil},
		{value: p.UserID, omit: len(p.UserID) == 0},
		{value: &p.To, omit: p.To == ""},
		{value: &p.Subject, omit: p.Subject == ""},
		{value: &p.ReplyTo, omit: p.ReplyTo == ""},
		{value: p.CorrelationID, omit: p.CorrelationID == nil},
		{value: symbol(p.ContentType), omit: p.ContentType == ""},
		{value: symbol(p.ContentEncoding), omit: p.ContentEncoding == ""},
		{value: p.AbsoluteExpiryTime, omit: p.AbsoluteExpiryTime.IsZero()},
		{value: p.CreationTime, omit: p.CreationTime.IsZero()},
		{value: &p.GroupID, omit: p.GroupID == ""},
		{value: &p.GroupSequence, omit: p.GroupSequence == 0},
		{value: &p.ReplyToGroupID, omit: p.ReplyToGroupID == ""},
	}...)
}

func (p *MessageProperties) unmarshal(r reader) error {
	return unmarshalComposite(r, typeCodeMessageProperties, []unmarshalField{
		{field: &p.MessageID},
		{field: &p.UserID},
		{field: &p.To},
		{field: &p.Subject},
		{field: &p.ReplyTo},
		{field: &p.CorrelationID},
		{field: &p.ContentType},
		{field: &p.ContentEncoding},
		{field: &p.AbsoluteExpiryTime},
		{field: &p.CreationTime},
		{field: &p.GroupID},
		{field: &p.GroupSequence},
		{field: &p.ReplyToGroupID},
	}...)
}

func (p *MessageProperties) String() string {
	if p == nil {
		return "<nil>"
	}
	return fmt.Sprintf("MessageProperties{MessageID: %v, To: %s, Subject: %s, ReplyTo: %s, CorrelationID: %v, ContentType: %s}",
		p.MessageID, p.To, p.Subject, p.ReplyTo, p.CorrelationID, p.ContentType)
}

// reassembler accumulates transfer payloads per delivery-id until the
// final fragment of a delivery arrives.
type reassembler struct {
	maxMessageSize uint64 // 0 is unlimited
	partial        map[uint32]*bytes.Buffer
}

func newReassembler(maxMessageSize uint64) *reassembler {
	return &reassembler{
		maxMessageSize: maxMessageSize,
		partial:        make(map[uint32]*bytes.Buffer),
	}
}

// add appends a fragment to the delivery. When more is false the
// accumulated payload is decoded and returned. A nil message with a nil
// error means more fragments are expected.
func (r *reassembler) add(deliveryID uint32, fragment []byte, more bool) (*Message, error) {
	buf, ok := r.partial[deliveryID]
	if !ok {
		if !more {
			// single frame delivery, nothing to accumulate
			return r.decode(deliveryID, fragment)
		}
		buf = new(bytes.Buffer)
		r.partial[deliveryID] = buf
	}

	buf.Write(fragment)
	if r.maxMessageSize != 0 && uint64(buf.Len()) > r.maxMessageSize {
		delete(r.partial, deliveryID)
		return nil, NewError(ErrorMessageSizeExceeded,
			fmt.Sprintf("delivery %d exceeds max message size %d", deliveryID, r.maxMessageSize))
	}
	if more {
		return nil, nil
	}

	delete(r.partial, deliveryID)
	return r.decode(deliveryID, buf.Bytes())
}

func (r *reassembler) decode(deliveryID uint32, payload []byte) (*Message, error) {
	if r.maxMessageSize != 0 && uint64(len(payload)) > r.maxMessageSize {
		return nil, NewError(ErrorMessageSizeExceeded,
			fmt.Sprintf("delivery %d exceeds max message size %d", deliveryID, r.maxMessageSize))
	}
	msg := new(Message)
	if err := msg.UnmarshalBinary(payload); err != nil {
		return nil, ErrorDecodef("delivery %d: %v", deliveryID, err)
	}
	return msg, nil
}

// discard drops the partial state of an aborted delivery.
func (r *reassembler) discard(deliveryID uint32) {
	delete(r.partial, deliveryID)
}

// inProgress reports whether deliveryID has fragments pending.
func (r *reassembler) inProgress(deliveryID uint32) bool {
	_, ok := r.partial[deliveryID]
	return ok
}

// abandon drops every partial delivery and reports each as incomplete.
func (r *reassembler) abandon(cause error) []*IncompleteDeliveryError {
	var errs []*IncompleteDeliveryError
	for id, buf := range r.partial {
		errs = append(errs, &IncompleteDeliveryError{DeliveryID: id, Received: buf.Len(), Cause: cause})
		delete(r.partial, id)
	}
	return errs
}
