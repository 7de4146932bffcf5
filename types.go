package amqp

import (
	"fmt"
	"time"

	"github.com/google/uuid"
)

type amqpType uint8

// Type codes
const (
	typeCodeNull amqpType = 0x40

	// Bool
	typeCodeBool      amqpType = 0x56 // boolean with the octet 0x00 being false and octet 0x01 being true
	typeCodeBoolTrue  amqpType = 0x41
	typeCodeBoolFalse amqpType = 0x42

	// Unsigned
	typeCodeUbyte      amqpType = 0x50 // 8-bit unsigned integer (1)
	typeCodeUshort     amqpType = 0x60 // 16-bit unsigned integer in network byte order (2)
	typeCodeUint       amqpType = 0x70 // 32-bit unsigned integer in network byte order (4)
	typeCodeSmallUint  amqpType = 0x52 // unsigned integer value in the range 0 to 255 inclusive (1)
	typeCodeUint0      amqpType = 0x43 // the uint value 0 (0)
	typeCodeUlong      amqpType = 0x80 // 64-bit unsigned integer in network byte order (8)
	typeCodeSmallUlong amqpType = 0x53 // unsigned long value in the range 0 to 255 inclusive (1)
	typeCodeUlong0     amqpType = 0x44 // the ulong value 0 (0)

	// Signed
	typeCodeByte      amqpType = 0x51 // 8-bit two's-complement integer (1)
	typeCodeShort     amqpType = 0x61 // 16-bit two's-complement integer in network byte order (2)
	typeCodeInt       amqpType = 0x71 // 32-bit two's-complement integer in network byte order (4)
	typeCodeSmallint  amqpType = 0x54 // 8-bit two's-complement integer (1)
	typeCodeLong      amqpType = 0x81 // 64-bit two's-complement integer in network byte order (8)
	typeCodeSmalllong amqpType = 0x55 // 8-bit two's-complement integer

	// Decimal
	typeCodeFloat      amqpType = 0x72 // IEEE 754-2008 binary32 (4)
	typeCodeDouble     amqpType = 0x82 // IEEE 754-2008 binary64 (8)
	typeCodeDecimal32  amqpType = 0x74 // IEEE 754-2008 decimal32 using the Binary Integer Decimal encoding (4)
	typeCodeDecimal64  amqpType = 0x84 // IEEE 754-2008 decimal64 using the Binary Integer Decimal encoding (8)
	typeCodeDecimal128 amqpType = 0x94 // IEEE 754-2008 decimal128 using the Binary Integer Decimal encoding (16)

	// Other
	typeCodeChar      amqpType = 0x73 // a UTF-32BE encoded Unicode character (4)
	typeCodeTimestamp amqpType = 0x83 // 64-bit two's-complement integer representing milliseconds since the unix epoch
	typeCodeUUID      amqpType = 0x98 // UUID as defined in section 4.1.2 of RFC-4122

	// Variable Length
	typeCodeVbin8  amqpType = 0xa0 // up to 2^8 - 1 octets of binary data (1 + variable)
	typeCodeVbin32 amqpType = 0xb0 // up to 2^32 - 1 octets of binary data (4 + variable)
	typeCodeStr8   amqpType = 0xa1 // up to 2^8 - 1 octets worth of UTF-8 Unicode (with no byte order mark) (1 + variable)
	typeCodeStr32  amqpType = 0xb1 // up to 2^32 - 1 octets worth of UTF-8 Unicode (with no byte order mark) (4 +variable)
	typeCodeSym8   amqpType = 0xa3 // up to 2^8 - 1 seven bit ASCII characters representing a symbolic value (1 + variable)
	typeCodeSym32  amqpType = 0xb3 // up to 2^32 - 1 seven bit ASCII characters representing a symbolic value (4 + variable)

	// Compound
	typeCodeList0   amqpType = 0x45 // the empty list (i.e. the list with no elements) (0)
	typeCodeList8   amqpType = 0xc0 // up to 2^8 - 1 list elements with total size less than 2^8 octets (1 + compound)
	typeCodeList32  amqpType = 0xd0 // up to 2^32 - 1 list elements with total size less than 2^32 octets (4 + compound)
	typeCodeMap8    amqpType = 0xc1 // up to 2^8 - 1 octets of encoded map data (1 + compound)
	typeCodeMap32   amqpType = 0xd1 // up to 2^32 - 1 octets of encoded map data (4 + compound)
	typeCodeArray8  amqpType = 0xe0 // up to 2^8 - 1 array elements with total size less than 2^8 octets (1 + array)
	typeCodeArray32 amqpType = 0xf0 // up to 2^32 - 1 array elements with total size less than 2^32 octets (4 + array)

	// Performatives
	typeCodeOpen        amqpType = 0x10
	typeCodeBegin       amqpType = 0x11
	typeCodeAttach      amqpType = 0x12
	typeCodeFlow        amqpType = 0x13
	typeCodeTransfer    amqpType = 0x14
	typeCodeDisposition amqpType = 0x15
	typeCodeDetach      amqpType = 0x16
	typeCodeEnd         amqpType = 0x17
	typeCodeClose       amqpType = 0x18

	typeCodeError  amqpType = 0x1d
	typeCodeSource amqpType = 0x28
	typeCodeTarget amqpType = 0x29

	// Message sections
	typeCodeMessageHeader         amqpType = 0x70
	typeCodeDeliveryAnnotations   amqpType = 0x71
	typeCodeMessageAnnotations    amqpType = 0x72
	typeCodeMessageProperties     amqpType = 0x73
	typeCodeApplicationProperties amqpType = 0x74
	typeCodeApplicationData       amqpType = 0x75
	typeCodeAMQPSequence          amqpType = 0x76
	typeCodeAMQPValue             amqpType = 0x77
	typeCodeFooter                amqpType = 0x78

	// Delivery states
	typeCodeStateReceived amqpType = 0x23
	typeCodeStateAccepted amqpType = 0x24
	typeCodeStateRejected amqpType = 0x25
	typeCodeStateReleased amqpType = 0x26
	typeCodeStateModified amqpType = 0x27

	// SASL
	typeCodeSASLMechanism amqpType = 0x40
	typeCodeSASLInit      amqpType = 0x41
	typeCodeSASLChallenge amqpType = 0x42
	typeCodeSASLResponse  amqpType = 0x43
	typeCodeSASLOutcome   amqpType = 0x44
)

// symbol is an AMQP symbolic string.
type symbol string

func (s symbol) marshal(wr writer) error {
	return writeSymbol(wr, s)
}

func (s *symbol) unmarshal(r reader) error {
	str, err := readString(r)
	*s = symbol(str)
	return err
}

// milliseconds is a duration encoded as a uint of milliseconds.
type milliseconds time.Duration

func (m milliseconds) marshal(wr writer) error {
	return writeUint32(wr, uint32(time.Duration(m)/time.Millisecond))
}

func (m *milliseconds) unmarshal(r reader) error {
	var n uint32
	if _, err := unmarshal(r, &n); err != nil {
		return err
	}
	*m = milliseconds(time.Duration(n) * time.Millisecond)
	return nil
}

// role is false for a sender and true for a receiver.
type role bool

const (
	roleSender   role = false
	roleReceiver role = true
)

func (rl role) String() string {
	if rl {
		return "receiver"
	}
	return "sender"
}

func (rl *role) unmarshal(r reader) error {
	b, err := readBool(r)
	*rl = role(b)
	return err
}

func (rl role) marshal(wr writer) error {
	return writeBool(wr, bool(rl))
}

// SenderSettleMode specifies how the sender will settle messages.
type SenderSettleMode uint8

const (
	// ModeUnsettled specifies the sender will send all deliveries initially
	// unsettled to the receiver.
	ModeUnsettled SenderSettleMode = 0

	// ModeSettled specifies the sender will send all deliveries settled
	// to the receiver.
	ModeSettled SenderSettleMode = 1

	// ModeMixed specifies the sender MAY send a mixture of settled and
	// unsettled deliveries to the receiver.
	ModeMixed SenderSettleMode = 2
)

func (m *SenderSettleMode) String() string {
	if m == nil {
		return "<nil>"
	}
	switch *m {
	case ModeUnsettled:
		return "unsettled"
	case ModeSettled:
		return "settled"
	case ModeMixed:
		return "mixed"
	default:
		return fmt.Sprintf("unknown sender mode %d", uint8(*m))
	}
}

func (m SenderSettleMode) marshal(wr writer) error {
	return marshal(wr, uint8(m))
}

func (m *SenderSettleMode) unmarshal(r reader) error {
	_, err := unmarshal(r, (*uint8)(m))
	return err
}

// ReceiverSettleMode specifies how the receiver will settle messages.
type ReceiverSettleMode uint8

const (
	// ModeFirst specifies the receiver will spontaneously settle all
	// incoming transfers.
	ModeFirst ReceiverSettleMode = 0

	// ModeSecond specifies the receiver will only settle after sending the
	// disposition to the sender and receiving a disposition indicating
	// settlement of the delivery from the sender.
	ModeSecond ReceiverSettleMode = 1
)

func (m *ReceiverSettleMode) String() string {
	if m == nil {
		return "<nil>"
	}
	switch *m {
	case ModeFirst:
		return "first"
	case ModeSecond:
		return "second"
	default:
		return fmt.Sprintf("unknown receiver mode %d", uint8(*m))
	}
}

func (m ReceiverSettleMode) marshal(wr writer) error {
	return marshal(wr, uint8(m))
}

func (m *ReceiverSettleMode) unmarshal(r reader) error {
	_, err := unmarshal(r, (*uint8)(m))
	return err
}

type mapAnyAny map[interface{}]interface{}

func (m *mapAnyAny) unmarshal(r reader) error {
	mr, err := newMapReader(r)
	if err != nil {
		return err
	}

	mm := make(mapAnyAny, mr.pairs())
	for mr.more() {
		var (
			key   interface{}
			value interface{}
		)
		if err := mr.next(&key, &value); err != nil {
			return err
		}
		// []byte keys are not hashable
		if b, ok := key.([]byte); ok {
			key = string(b)
		}
		if !isHashable(key) {
			return errorErrorf("unsupported map key type %T", key)
		}
		mm[key] = value
	}
	*m = mm
	return nil
}

func isHashable(v interface{}) bool {
	switch v.(type) {
	case []interface{}, map[interface{}]interface{}:
		return false
	}
	return true
}

type mapStringAny map[string]interface{}

func (m *mapStringAny) unmarshal(r reader) error {
	mr, err := newMapReader(r)
	if err != nil {
		return err
	}

	mm := make(mapStringAny, mr.pairs())
	for mr.more() {
		var (
			key   string
			value interface{}
		)
		if err := mr.next(&key, &value); err != nil {
			return err
		}
		mm[key] = value
	}
	*m = mm
	return nil
}

type mapSymbolAny map[symbol]interface{}

func (m *mapSymbolAny) unmarshal(r reader) error {
	mr, err := newMapReader(r)
	if err != nil {
		return err
	}

	mm := make(mapSymbolAny, mr.pairs())
	for mr.more() {
		var (
			key   symbol
			value interface{}
		)
		if err := mr.next(&key, &value); err != nil {
			return err
		}
		mm[key] = value
	}
	*m = mm
	return nil
}

// unsettled maps delivery tags to their last known delivery state.
type unsettled map[string]DeliveryState

func (u unsettled) marshal(wr writer) error {
	return writeMap(wr, u)
}

func (u *unsettled) unmarshal(r reader) error {
	mr, err := newMapReader(r)
	if err != nil {
		return err
	}

	m := make(unsettled, mr.pairs())
	for mr.more() {
		var (
			key   []byte
			value DeliveryState
		)
		if err := mr.next(&key, &value); err != nil {
			return err
		}
		m[string(key)] = value
	}
	*u = m
	return nil
}

// UUID is a 128 bit identifier as defined in RFC 4122.
type UUID [16]byte

// NewUUID returns a random (version 4) UUID.
func NewUUID() UUID {
	return UUID(uuid.New())
}

// String returns the hex encoded representation described in RFC 4122, Section 3.
func (u UUID) String() string {
	return uuid.UUID(u).String()
}

func (u UUID) marshal(wr writer) error {
	if err := wr.WriteByte(byte(typeCodeUUID)); err != nil {
		return err
	}
	_, err := wr.Write(u[:])
	return err
}

func (u *UUID) unmarshal(r reader) error {
	b, err := r.ReadByte()
	if err != nil {
		return err
	}
	if amqpType(b) != typeCodeUUID {
		return errorErrorf("type code %#02x is not a UUID", b)
	}
	buf, err := readN(r, 16)
	if err != nil {
		return err
	}
	copy(u[:], buf)
	return nil
}

// describedType is a value with a descriptor the codec has no dedicated
// type for.
type describedType struct {
	descriptor interface{}
	value      interface{}
}

func (t *describedType) marshal(wr writer) error {
	if err := wr.WriteByte(0x0); err != nil {
		return err
	}
	if err := marshal(wr, t.descriptor); err != nil {
		return err
	}
	return marshal(wr, t.value)
}

func (t *describedType) unmarshal(r reader) error {
	b, err := r.ReadByte()
	if err != nil {
		return err
	}
	if b != 0x0 {
		return errorErrorf("invalid described type header %#02x", b)
	}
	if _, err := unmarshal(r, &t.descriptor); err != nil {
		return err
	}
	_, err = unmarshal(r, &t.value)
	return err
}

func (t describedType) String() string {
	return fmt.Sprintf("describedType{descriptor: %v, value: %v}", t.descriptor, t.value)
}

/*
<type name="source" class="composite" source="list" provides="source">
    <descriptor name="amqp:source:list" code="0x00000000:0x00000028"/>
    <field name="address" type="*" requires="address"/>
    <field name="durable" type="terminus-durability" default="none"/>
    <field name="expiry-policy" type="terminus-expiry-policy" default="session-end"/>
    <field name="timeout" type="seconds" default="0"/>
    <field name="dynamic" type="boolean" default="false"/>
    <field name="dynamic-node-properties" type="node-properties"/>
    <field name="distribution-mode" type="symbol" requires="distribution-mode"/>
    <field name="filter" type="filter-set"/>
    <field name="default-outcome" type="*" requires="outcome"/>
    <field name="outcomes" type="symbol" multiple="true"/>
    <field name="capabilities" type="symbol" multiple="true"/>
</type>
*/
type source struct {
	Address               string
	Durable               uint32 // 0: none, 1: configuration, 2: unsettled-state
	ExpiryPolicy          symbol
	Timeout               uint32 // seconds
	Dynamic               bool
	DynamicNodeProperties map[symbol]interface{}
	DistributionMode      symbol
	Filter                map[symbol]interface{}
	DefaultOutcome        interface{}
	Outcomes              []symbol
	Capabilities          []symbol
}

func (s *source) marshal(wr writer) error {
	return marshalComposite(wr, typeCodeSource, []marshalField{
		{value: &s.Address, omit: s.Address == ""},
		{value: &s.Durable, omit: s.Durable == 0},
		{value: s.ExpiryPolicy, omit: s.ExpiryPolicy == "" || s.ExpiryPolicy == expirySessionEnd},
		{value: &s.Timeout, omit: s.Timeout == 0},
		{value: s.Dynamic, omit: !s.Dynamic},
		{value: s.DynamicNodeProperties, omit: len(s.DynamicNodeProperties) == 0},
		{value: s.DistributionMode, omit: s.DistributionMode == ""},
		{value: s.Filter, omit: len(s.Filter) == 0},
		{value: s.DefaultOutcome, omit: s.DefaultOutcome == nil},
		{value: s.Outcomes, omit: len(s.Outcomes) == 0},
		{value: s.Capabilities, omit: len(s.Capabilities) == 0},
	}...)
}

func (s *source) unmarshal(r reader) error {
	return unmarshalComposite(r, typeCodeSource, []unmarshalField{
		{field: &s.Address},
		{field: &s.Durable},
		{field: &s.ExpiryPolicy, handleNull: defaultSymbol(&s.ExpiryPolicy, expirySessionEnd)},
		{field: &s.Timeout},
		{field: &s.Dynamic},
		{field: &s.DynamicNodeProperties},
		{field: &s.DistributionMode},
		{field: &s.Filter},
		{field: &s.DefaultOutcome},
		{field: &s.Outcomes},
		{field: &s.Capabilities},
	}...)
}

func (s *source) String() string {
	if s == nil {
		return "<nil>"
	}
	return fmt.Sprintf("source{Address: %s, Durable: %d, ExpiryPolicy: %s, Dynamic: %t, Filter: %v}",
		s.Address, s.Durable, s.ExpiryPolicy, s.Dynamic, s.Filter)
}

const expirySessionEnd symbol = "session-end"

/*
<type name="target" class="composite" source="list" provides="target">
    <descriptor name="amqp:target:list" code="0x00000000:0x00000029"/>
    <field name="address" type="*" requires="address"/>
    <field name="durable" type="terminus-durability" default="none"/>
    <field name="expiry-policy" type="terminus-expiry-policy" default="session-end"/>
    <field name="timeout" type="seconds" default="0"/>
    <field name="dynamic" type="boolean" default="false"/>
    <field name="dynamic-node-properties" type="node-properties"/>
    <field name="capabilities" type="symbol" multiple="true"/>
</type>
*/
type target struct {
	Address               string
	Durable               uint32
	ExpiryPolicy          symbol
	Timeout               uint32
	Dynamic               bool
	DynamicNodeProperties map[symbol]interface{}
	Capabilities          []symbol
}

func (t *target) marshal(wr writer) error {
	return marshalComposite(wr, typeCodeTarget, []marshalField{
		{value: &t.Address, omit: t.Address == ""},
		{value: &t.Durable, omit: t.Durable == 0},
		{value: t.ExpiryPolicy, omit: t.ExpiryPolicy == "" || t.ExpiryPolicy == expirySessionEnd},
		{value: &t.Timeout, omit: t.Timeout == 0},
		{value: t.Dynamic, omit: !t.Dynamic},
		{value: t.DynamicNodeProperties, omit: len(t.DynamicNodeProperties) == 0},
		{value: t.Capabilities, omit: len(t.Capabilities) == 0},
	}...)
}

func (t *target) unmarshal(r reader) error {
	return unmarshalComposite(r, typeCodeTarget, []unmarshalField{
		{field: &t.Address},
		{field: &t.Durable},
		{field: &t.ExpiryPolicy, handleNull: defaultSymbol(&t.ExpiryPolicy, expirySessionEnd)},
		{field: &t.Timeout},
		{field: &t.Dynamic},
		{field: &t.DynamicNodeProperties},
		{field: &t.Capabilities},
	}...)
}

func (t *target) String() string {
	if t == nil {
		return "<nil>"
	}
	return fmt.Sprintf("target{Address: %s, Durable: %d, ExpiryPolicy: %s, Dynamic: %t}",
		t.Address, t.Durable, t.ExpiryPolicy, t.Dynamic)
}

// DeliveryState is the state of a delivery as reported in a Disposition
// or a resuming Transfer. The terminal states are *StateAccepted,
// *StateRejected, *StateReleased and *StateModified.
type DeliveryState interface {
	marshaler
	unmarshaler
	deliveryState()
}

/*
<type name="received" class="composite" source="list" provides="delivery-state">
    <descriptor name="amqp:received:list" code="0x00000000:0x00000023"/>
    <field name="section-number" type="uint" mandatory="true"/>
    <field name="section-offset" type="ulong" mandatory="true"/>
</type>
*/
type stateReceived struct {
	SectionNumber uint32
	SectionOffset uint64
}

func (*stateReceived) deliveryState() {}

func (sr *stateReceived) marshal(wr writer) error {
	return marshalComposite(wr, typeCodeStateReceived, []marshalField{
		{value: &sr.SectionNumber},
		{value: &sr.SectionOffset},
	}...)
}

func (sr *stateReceived) unmarshal(r reader) error {
	return unmarshalComposite(r, typeCodeStateReceived, []unmarshalField{
		{field: &sr.SectionNumber, handleNull: required("StateReceived.SectionNumber")},
		{field: &sr.SectionOffset, handleNull: required("StateReceived.SectionOffset")},
	}...)
}

// StateAccepted indicates the receiver processed the message successfully.
type StateAccepted struct{}

func (*StateAccepted) deliveryState() {}

func (sa *StateAccepted) marshal(wr writer) error {
	return marshalComposite(wr, typeCodeStateAccepted)
}

func (sa *StateAccepted) unmarshal(r reader) error {
	return unmarshalComposite(r, typeCodeStateAccepted)
}

func (sa *StateAccepted) String() string {
	return "Accepted"
}

// StateRejected indicates the message is invalid and cannot be processed.
type StateRejected struct {
	Error *Error
}

func (*StateRejected) deliveryState() {}

func (sr *StateRejected) marshal(wr writer) error {
	return marshalComposite(wr, typeCodeStateRejected, []marshalField{
		{value: sr.Error, omit: sr.Error == nil},
	}...)
}

func (sr *StateRejected) unmarshal(r reader) error {
	return unmarshalComposite(r, typeCodeStateRejected, []unmarshalField{
		{field: &sr.Error},
	}...)
}

func (sr *StateRejected) String() string {
	return fmt.Sprintf("Rejected{Error: %v}", sr.Error)
}

// StateReleased indicates the message was not and will not be processed.
type StateReleased struct{}

func (*StateReleased) deliveryState() {}

func (sr *StateReleased) marshal(wr writer) error {
	return marshalComposite(wr, typeCodeStateReleased)
}

func (sr *StateReleased) unmarshal(r reader) error {
	return unmarshalComposite(r, typeCodeStateReleased)
}

func (sr *StateReleased) String() string {
	return "Released"
}

/*
<type name="modified" class="composite" source="list" provides="delivery-state, outcome">
    <descriptor name="amqp:modified:list" code="0x00000000:0x00000027"/>
    <field name="delivery-failed" type="boolean"/>
    <field name="undeliverable-here" type="boolean"/>
    <field name="message-annotations" type="fields"/>
</type>
*/

// StateModified indicates the message was not processed and should be
// redelivered with the given modifications.
type StateModified struct {
	// count the transfer as an unsuccessful delivery attempt
	DeliveryFailed bool

	// prevent redelivery to this link endpoint
	UndeliverableHere bool

	// annotations merged into the message's annotations on redelivery
	MessageAnnotations Annotations
}

func (*StateModified) deliveryState() {}

func (sm *StateModified) marshal(wr writer) error {
	return marshalComposite(wr, typeCodeStateModified, []marshalField{
		{value: sm.DeliveryFailed, omit: !sm.DeliveryFailed},
		{value: sm.UndeliverableHere, omit: !sm.UndeliverableHere},
		{value: sm.MessageAnnotations, omit: len(sm.MessageAnnotations) == 0},
	}...)
}

func (sm *StateModified) unmarshal(r reader) error {
	return unmarshalComposite(r, typeCodeStateModified, []unmarshalField{
		{field: &sm.DeliveryFailed},
		{field: &sm.UndeliverableHere},
		{field: &sm.MessageAnnotations},
	}...)
}

func (sm *StateModified) String() string {
	return fmt.Sprintf("Modified{DeliveryFailed: %t, UndeliverableHere: %t}", sm.DeliveryFailed, sm.UndeliverableHere)
}
