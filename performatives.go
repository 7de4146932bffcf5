package amqp

import (
	"fmt"
	"math"
	"time"
)

// frameBody is the closed set of frame bodies: the nine AMQP performatives
// and the five SASL frames. Every layer matches it with a type switch.
type frameBody interface {
	// link returns the handle of the link the body addresses, if any.
	link() (handle uint32, ok bool)
}

/*
<type name="open" class="composite" source="list" provides="frame">
    <descriptor name="amqp:open:list" code="0x00000000:0x00000010"/>
    <field name="container-id" type="string" mandatory="true"/>
    <field name="hostname" type="string"/>
    <field name="max-frame-size" type="uint" default="4294967295"/>
    <field name="channel-max" type="ushort" default="65535"/>
    <field name="idle-time-out" type="milliseconds"/>
    <field name="outgoing-locales" type="ietf-language-tag" multiple="true"/>
    <field name="incoming-locales" type="ietf-language-tag" multiple="true"/>
    <field name="offered-capabilities" type="symbol" multiple="true"/>
    <field name="desired-capabilities" type="symbol" multiple="true"/>
    <field name="properties" type="fields"/>
</type>
*/
type performOpen struct {
	ContainerID         string // required
	Hostname            string
	MaxFrameSize        uint32        // default: 4294967295
	ChannelMax          uint16        // default: 65535
	IdleTimeout         time.Duration // from milliseconds
	OutgoingLocales     []symbol
	IncomingLocales     []symbol
	OfferedCapabilities []symbol
	DesiredCapabilities []symbol
	Properties          map[symbol]interface{}
}

func (o *performOpen) link() (uint32, bool) {
	return 0, false
}

func (o *performOpen) marshal(wr writer) error {
	return marshalComposite(wr, typeCodeOpen, []marshalField{
		{value: &o.ContainerID},
		{value: &o.Hostname, omit: o.Hostname == ""},
		{value: &o.MaxFrameSize, omit: o.MaxFrameSize == math.MaxUint32},
		{value: &o.ChannelMax, omit: o.ChannelMax == math.MaxUint16},
		{value: milliseconds(o.IdleTimeout), omit: o.IdleTimeout == 0},
		{value: o.OutgoingLocales, omit: len(o.OutgoingLocales) == 0},
		{value: o.IncomingLocales, omit: len(o.IncomingLocales) == 0},
		{value: o.OfferedCapabilities, omit: len(o.OfferedCapabilities) == 0},
		{value: o.DesiredCapabilities, omit: len(o.DesiredCapabilities) == 0},
		{value: o.Properties, omit: len(o.Properties) == 0},
	}...)
}

func (o *performOpen) unmarshal(r reader) error {
	return unmarshalComposite(r, typeCodeOpen, []unmarshalField{
		{field: &o.ContainerID, handleNull: required("Open.ContainerID")},
		{field: &o.Hostname},
		{field: &o.MaxFrameSize, handleNull: defaultUint32(&o.MaxFrameSize, math.MaxUint32)},
		{field: &o.ChannelMax, handleNull: defaultUint16(&o.ChannelMax, math.MaxUint16)},
		{field: (*milliseconds)(&o.IdleTimeout)},
		{field: &o.OutgoingLocales},
		{field: &o.IncomingLocales},
		{field: &o.OfferedCapabilities},
		{field: &o.DesiredCapabilities},
		{field: &o.Properties},
	}...)
}

func (o *performOpen) String() string {
	return fmt.Sprintf("Open{ContainerID: %s, Hostname: %s, MaxFrameSize: %d, ChannelMax: %d, IdleTimeout: %v}",
		o.ContainerID, o.Hostname, o.MaxFrameSize, o.ChannelMax, o.IdleTimeout)
}

/*
<type name="begin" class="composite" source="list" provides="frame">
    <descriptor name="amqp:begin:list" code="0x00000000:0x00000011"/>
    <field name="remote-channel" type="ushort"/>
    <field name="next-outgoing-id" type="transfer-number" mandatory="true"/>
    <field name="incoming-window" type="uint" mandatory="true"/>
    <field name="outgoing-window" type="uint" mandatory="true"/>
    <field name="handle-max" type="handle" default="4294967295"/>
    <field name="offered-capabilities" type="symbol" multiple="true"/>
    <field name="desired-capabilities" type="symbol" multiple="true"/>
    <field name="properties" type="fields"/>
</type>
*/
type performBegin struct {
	// nil when the Begin initiates a session; set to the initiator's
	// channel when answering one
	RemoteChannel *uint16

	NextOutgoingID uint32 // required, RFC-1982 sequence number
	IncomingWindow uint32 // required
	OutgoingWindow uint32 // required
	HandleMax      uint32 // default 4294967295

	OfferedCapabilities []symbol
	DesiredCapabilities []symbol
	Properties          map[symbol]interface{}
}

func (b *performBegin) link() (uint32, bool) {
	return 0, false
}

func (b *performBegin) marshal(wr writer) error {
	return marshalComposite(wr, typeCodeBegin, []marshalField{
		{value: b.RemoteChannel, omit: b.RemoteChannel == nil},
		{value: &b.NextOutgoingID},
		{value: &b.IncomingWindow},
		{value: &b.OutgoingWindow},
		{value: &b.HandleMax, omit: b.HandleMax == math.MaxUint32},
		{value: b.OfferedCapabilities, omit: len(b.OfferedCapabilities) == 0},
		{value: b.DesiredCapabilities, omit: len(b.DesiredCapabilities) == 0},
		{value: b.Properties, omit: len(b.Properties) == 0},
	}...)
}

func (b *performBegin) unmarshal(r reader) error {
	return unmarshalComposite(r, typeCodeBegin, []unmarshalField{
		{field: &b.RemoteChannel},
		{field: &b.NextOutgoingID, handleNull: required("Begin.NextOutgoingID")},
		{field: &b.IncomingWindow, handleNull: required("Begin.IncomingWindow")},
		{field: &b.OutgoingWindow, handleNull: required("Begin.OutgoingWindow")},
		{field: &b.HandleMax, handleNull: defaultUint32(&b.HandleMax, math.MaxUint32)},
		{field: &b.OfferedCapabilities},
		{field: &b.DesiredCapabilities},
		{field: &b.Properties},
	}...)
}

func (b *performBegin) String() string {
	return fmt.Sprintf("Begin{RemoteChannel: %v, NextOutgoingID: %d, IncomingWindow: %d, OutgoingWindow: %d, HandleMax: %d}",
		formatUint16Ptr(b.RemoteChannel), b.NextOutgoingID, b.IncomingWindow, b.OutgoingWindow, b.HandleMax)
}

/*
<type name="attach" class="composite" source="list" provides="frame">
    <descriptor name="amqp:attach:list" code="0x00000000:0x00000012"/>
    <field name="name" type="string" mandatory="true"/>
    <field name="handle" type="handle" mandatory="true"/>
    <field name="role" type="role" mandatory="true"/>
    <field name="snd-settle-mode" type="sender-settle-mode" default="mixed"/>
    <field name="rcv-settle-mode" type="receiver-settle-mode" default="first"/>
    <field name="source" type="*" requires="source"/>
    <field name="target" type="*" requires="target"/>
    <field name="unsettled" type="map"/>
    <field name="incomplete-unsettled" type="boolean" default="false"/>
    <field name="initial-delivery-count" type="sequence-no"/>
    <field name="max-message-size" type="ulong"/>
    <field name="offered-capabilities" type="symbol" multiple="true"/>
    <field name="desired-capabilities" type="symbol" multiple="true"/>
    <field name="properties" type="fields"/>
</type>
*/
type performAttach struct {
	Name   string // required
	Handle uint32 // required
	Role   role   // required

	SenderSettleMode   *SenderSettleMode
	ReceiverSettleMode *ReceiverSettleMode

	// A nil terminus on a reply Attach means the peer refused the link
	// and a Detach carrying the reason follows.
	Source *source
	Target *target

	Unsettled           unsettled
	IncompleteUnsettled bool

	// required when Role is sender
	InitialDeliveryCount uint32

	// 0 means no limit
	MaxMessageSize uint64

	OfferedCapabilities []symbol
	DesiredCapabilities []symbol
	Properties          map[symbol]interface{}
}

func (a *performAttach) link() (uint32, bool) {
	return a.Handle, true
}

func (a *performAttach) marshal(wr writer) error {
	return marshalComposite(wr, typeCodeAttach, []marshalField{
		{value: &a.Name},
		{value: &a.Handle},
		{value: a.Role},
		{value: a.SenderSettleMode, omit: a.SenderSettleMode == nil},
		{value: a.ReceiverSettleMode, omit: a.ReceiverSettleMode == nil},
		{value: a.Source, omit: a.Source == nil},
		{value: a.Target, omit: a.Target == nil},
		{value: a.Unsettled, omit: len(a.Unsettled) == 0},
		{value: a.IncompleteUnsettled, omit: !a.IncompleteUnsettled},
		{value: &a.InitialDeliveryCount, omit: a.Role == roleReceiver},
		{value: &a.MaxMessageSize, omit: a.MaxMessageSize == 0},
		{value: a.OfferedCapabilities, omit: len(a.OfferedCapabilities) == 0},
		{value: a.DesiredCapabilities, omit: len(a.DesiredCapabilities) == 0},
		{value: a.Properties, omit: len(a.Properties) == 0},
	}...)
}

func (a *performAttach) unmarshal(r reader) error {
	return unmarshalComposite(r, typeCodeAttach, []unmarshalField{
		{field: &a.Name, handleNull: required("Attach.Name")},
		{field: &a.Handle, handleNull: required("Attach.Handle")},
		{field: &a.Role, handleNull: required("Attach.Role")},
		{field: &a.SenderSettleMode},
		{field: &a.ReceiverSettleMode},
		{field: &a.Source},
		{field: &a.Target},
		{field: &a.Unsettled},
		{field: &a.IncompleteUnsettled},
		{field: &a.InitialDeliveryCount},
		{field: &a.MaxMessageSize},
		{field: &a.OfferedCapabilities},
		{field: &a.DesiredCapabilities},
		{field: &a.Properties},
	}...)
}

func (a *performAttach) String() string {
	return fmt.Sprintf("Attach{Name: %s, Handle: %d, Role: %s, SenderSettleMode: %s, ReceiverSettleMode: %s, "+
		"Source: %v, Target: %v, InitialDeliveryCount: %d, MaxMessageSize: %d}",
		a.Name, a.Handle, a.Role, a.SenderSettleMode, a.ReceiverSettleMode,
		a.Source, a.Target, a.InitialDeliveryCount, a.MaxMessageSize)
}

/*
<type name="flow" class="composite" source="list" provides="frame">
    <descriptor name="amqp:flow:list" code="0x00000000:0x00000013"/>
    <field name="next-incoming-id" type="transfer-number"/>
    <field name="incoming-window" type="uint" mandatory="true"/>
    <field name="next-outgoing-id" type="transfer-number" mandatory="true"/>
    <field name="outgoing-window" type="uint" mandatory="true"/>
    <field name="handle" type="handle"/>
    <field name="delivery-count" type="sequence-no"/>
    <field name="link-credit" type="uint"/>
    <field name="available" type="uint"/>
    <field name="drain" type="boolean" default="false"/>
    <field name="echo" type="boolean" default="false"/>
    <field name="properties" type="fields"/>
</type>
*/
type performFlow struct {
	NextIncomingID *uint32
	IncomingWindow uint32 // required
	NextOutgoingID uint32 // required
	OutgoingWindow uint32 // required

	// Handle is nil for a session-only Flow.
	Handle        *uint32
	DeliveryCount *uint32
	LinkCredit    *uint32
	Available     *uint32

	Drain bool
	Echo  bool

	Properties map[symbol]interface{}
}

func (f *performFlow) link() (uint32, bool) {
	if f.Handle == nil {
		return 0, false
	}
	return *f.Handle, true
}

func (f *performFlow) marshal(wr writer) error {
	return marshalComposite(wr, typeCodeFlow, []marshalField{
		{value: f.NextIncomingID, omit: f.NextIncomingID == nil},
		{value: &f.IncomingWindow},
		{value: &f.NextOutgoingID},
		{value: &f.OutgoingWindow},
		{value: f.Handle, omit: f.Handle == nil},
		{value: f.DeliveryCount, omit: f.DeliveryCount == nil},
		{value: f.LinkCredit, omit: f.LinkCredit == nil},
		{value: f.Available, omit: f.Available == nil},
		{value: f.Drain, omit: !f.Drain},
		{value: f.Echo, omit: !f.Echo},
		{value: f.Properties, omit: len(f.Properties) == 0},
	}...)
}

func (f *performFlow) unmarshal(r reader) error {
	return unmarshalComposite(r, typeCodeFlow, []unmarshalField{
		{field: &f.NextIncomingID},
		{field: &f.IncomingWindow, handleNull: required("Flow.IncomingWindow")},
		{field: &f.NextOutgoingID, handleNull: required("Flow.NextOutgoingID")},
		{field: &f.OutgoingWindow, handleNull: required("Flow.OutgoingWindow")},
		{field: &f.Handle},
		{field: &f.DeliveryCount},
		{field: &f.LinkCredit},
		{field: &f.Available},
		{field: &f.Drain},
		{field: &f.Echo},
		{field: &f.Properties},
	}...)
}

func (f *performFlow) String() string {
	return fmt.Sprintf("Flow{NextIncomingID: %s, IncomingWindow: %d, NextOutgoingID: %d, OutgoingWindow: %d, "+
		"Handle: %s, DeliveryCount: %s, LinkCredit: %s, Available: %s, Drain: %t, Echo: %t}",
		formatUint32Ptr(f.NextIncomingID), f.IncomingWindow, f.NextOutgoingID, f.OutgoingWindow,
		formatUint32Ptr(f.Handle), formatUint32Ptr(f.DeliveryCount), formatUint32Ptr(f.LinkCredit),
		formatUint32Ptr(f.Available), f.Drain, f.Echo)
}

func formatUint32Ptr(p *uint32) string {
	if p == nil {
		return "<nil>"
	}
	return fmt.Sprintf("%d", *p)
}

func formatUint16Ptr(p *uint16) string {
	if p == nil {
		return "<nil>"
	}
	return fmt.Sprintf("%d", *p)
}

/*
<type name="transfer" class="composite" source="list" provides="frame">
    <descriptor name="amqp:transfer:list" code="0x00000000:0x00000014"/>
    <field name="handle" type="handle" mandatory="true"/>
    <field name="delivery-id" type="delivery-number"/>
    <field name="delivery-tag" type="delivery-tag"/>
    <field name="message-format" type="message-format"/>
    <field name="settled" type="boolean"/>
    <field name="more" type="boolean" default="false"/>
    <field name="rcv-settle-mode" type="receiver-settle-mode"/>
    <field name="state" type="*" requires="delivery-state"/>
    <field name="resume" type="boolean" default="false"/>
    <field name="aborted" type="boolean" default="false"/>
    <field name="batchable" type="boolean" default="false"/>
</type>
*/
type performTransfer struct {
	Handle uint32 // required

	// required on the first frame of a delivery, optional on the rest
	DeliveryID    *uint32
	DeliveryTag   []byte
	MessageFormat *uint32

	Settled bool
	More    bool

	ReceiverSettleMode *ReceiverSettleMode
	State              DeliveryState

	Resume    bool
	Aborted   bool
	Batchable bool

	// Payload follows the performative in the frame body.
	Payload []byte
}

func (t *performTransfer) link() (uint32, bool) {
	return t.Handle, true
}

func (t *performTransfer) marshal(wr writer) error {
	err := marshalComposite(wr, typeCodeTransfer, []marshalField{
		{value: &t.Handle},
		{value: t.DeliveryID, omit: t.DeliveryID == nil},
		{value: t.DeliveryTag, omit: len(t.DeliveryTag) == 0},
		{value: t.MessageFormat, omit: t.MessageFormat == nil},
		{value: t.Settled, omit: !t.Settled},
		{value: t.More, omit: !t.More},
		{value: t.ReceiverSettleMode, omit: t.ReceiverSettleMode == nil},
		{value: t.State, omit: t.State == nil},
		{value: t.Resume, omit: !t.Resume},
		{value: t.Aborted, omit: !t.Aborted},
		{value: t.Batchable, omit: !t.Batchable},
	}...)
	if err != nil {
		return err
	}

	_, err = wr.Write(t.Payload)
	return err
}

func (t *performTransfer) unmarshal(r reader) error {
	err := unmarshalComposite(r, typeCodeTransfer, []unmarshalField{
		{field: &t.Handle, handleNull: required("Transfer.Handle")},
		{field: &t.DeliveryID},
		{field: &t.DeliveryTag},
		{field: &t.MessageFormat},
		{field: &t.Settled},
		{field: &t.More},
		{field: &t.ReceiverSettleMode},
		{field: &t.State},
		{field: &t.Resume},
		{field: &t.Aborted},
		{field: &t.Batchable},
	}...)
	if err != nil {
		return err
	}

	t.Payload = append([]byte(nil), r.Bytes()...)
	r.Next(r.Len())
	return nil
}

func (t *performTransfer) String() string {
	return fmt.Sprintf("Transfer{Handle: %d, DeliveryID: %s, DeliveryTag: %q, Settled: %t, More: %t, "+
		"State: %v, Aborted: %t, Payload [size]: %d}",
		t.Handle, formatUint32Ptr(t.DeliveryID), t.DeliveryTag, t.Settled, t.More,
		t.State, t.Aborted, len(t.Payload))
}

/*
<type name="disposition" class="composite" source="list" provides="frame">
    <descriptor name="amqp:disposition:list" code="0x00000000:0x00000015"/>
    <field name="role" type="role" mandatory="true"/>
    <field name="first" type="delivery-number" mandatory="true"/>
    <field name="last" type="delivery-number"/>
    <field name="settled" type="boolean" default="false"/>
    <field name="state" type="*" requires="delivery-state"/>
    <field name="batchable" type="boolean" default="false"/>
</type>
*/
type performDisposition struct {
	Role      role
	First     uint32  // required
	Last      *uint32 // nil means First
	Settled   bool
	State     DeliveryState
	Batchable bool
}

func (*performDisposition) link() (uint32, bool) {
	return 0, false
}

func (d *performDisposition) marshal(wr writer) error {
	return marshalComposite(wr, typeCodeDisposition, []marshalField{
		{value: d.Role},
		{value: &d.First},
		{value: d.Last, omit: d.Last == nil},
		{value: d.Settled, omit: !d.Settled},
		{value: d.State, omit: d.State == nil},
		{value: d.Batchable, omit: !d.Batchable},
	}...)
}

func (d *performDisposition) unmarshal(r reader) error {
	return unmarshalComposite(r, typeCodeDisposition, []unmarshalField{
		{field: &d.Role, handleNull: required("Disposition.Role")},
		{field: &d.First, handleNull: required("Disposition.First")},
		{field: &d.Last},
		{field: &d.Settled},
		{field: &d.State},
		{field: &d.Batchable},
	}...)
}

func (d *performDisposition) last() uint32 {
	if d.Last == nil {
		return d.First
	}
	return *d.Last
}

func (d *performDisposition) String() string {
	return fmt.Sprintf("Disposition{Role: %s, First: %d, Last: %s, Settled: %t, State: %v}",
		d.Role, d.First, formatUint32Ptr(d.Last), d.Settled, d.State)
}

/*
<type name="detach" class="composite" source="list" provides="frame">
    <descriptor name="amqp:detach:list" code="0x00000000:0x00000016"/>
    <field name="handle" type="handle" mandatory="true"/>
    <field name="closed" type="boolean" default="false"/>
    <field name="error" type="error"/>
</type>
*/
type performDetach struct {
	Handle uint32 // required
	Closed bool
	Error  *Error
}

func (d *performDetach) link() (uint32, bool) {
	return d.Handle, true
}

func (d *performDetach) marshal(wr writer) error {
	return marshalComposite(wr, typeCodeDetach, []marshalField{
		{value: &d.Handle},
		{value: d.Closed, omit: !d.Closed},
		{value: d.Error, omit: d.Error == nil},
	}...)
}

func (d *performDetach) unmarshal(r reader) error {
	return unmarshalComposite(r, typeCodeDetach, []unmarshalField{
		{field: &d.Handle, handleNull: required("Detach.Handle")},
		{field: &d.Closed},
		{field: &d.Error},
	}...)
}

func (d *performDetach) String() string {
	return fmt.Sprintf("Detach{Handle: %d, Closed: %t, Error: %v}", d.Handle, d.Closed, d.Error)
}

/*
<type name="end" class="composite" source="list" provides="frame">
    <descriptor name="amqp:end:list" code="0x00000000:0x00000017"/>
    <field name="error" type="error"/>
</type>
*/
type performEnd struct {
	Error *Error
}

func (*performEnd) link() (uint32, bool) {
	return 0, false
}

func (e *performEnd) marshal(wr writer) error {
	return marshalComposite(wr, typeCodeEnd, []marshalField{
		{value: e.Error, omit: e.Error == nil},
	}...)
}

func (e *performEnd) unmarshal(r reader) error {
	return unmarshalComposite(r, typeCodeEnd, []unmarshalField{
		{field: &e.Error},
	}...)
}

func (e *performEnd) String() string {
	return fmt.Sprintf("End{Error: %v}", e.Error)
}

/*
<type name="close" class="composite" source="list" provides="frame">
    <descriptor name="amqp:close:list" code="0x00000000:0x00000018"/>
    <field name="error" type="error"/>
</type>
*/
type performClose struct {
	Error *Error
}

func (*performClose) link() (uint32, bool) {
	return 0, false
}

func (c *performClose) marshal(wr writer) error {
	return marshalComposite(wr, typeCodeClose, []marshalField{
		{value: c.Error, omit: c.Error == nil},
	}...)
}

func (c *performClose) unmarshal(r reader) error {
	return unmarshalComposite(r, typeCodeClose, []unmarshalField{
		{field: &c.Error},
	}...)
}

func (c *performClose) String() string {
	return fmt.Sprintf("Close{Error: %v}", c.Error)
}

/*
<type name="sasl-mechanisms" class="composite" source="list" provides="sasl-frame">
    <descriptor name="amqp:sasl-mechanisms:list" code="0x00000000:0x00000040"/>
    <field name="sasl-server-mechanisms" type="symbol" multiple="true" mandatory="true"/>
</type>
*/
type saslMechanisms struct {
	Mechanisms []symbol
}

func (*saslMechanisms) link() (uint32, bool) {
	return 0, false
}

func (sm *saslMechanisms) marshal(wr writer) error {
	return marshalComposite(wr, typeCodeSASLMechanism, []marshalField{
		{value: sm.Mechanisms},
	}...)
}

func (sm *saslMechanisms) unmarshal(r reader) error {
	return unmarshalComposite(r, typeCodeSASLMechanism, []unmarshalField{
		{field: &sm.Mechanisms, handleNull: required("SASLMechanisms.Mechanisms")},
	}...)
}

/*
<type name="sasl-init" class="composite" source="list" provides="sasl-frame">
    <descriptor name="amqp:sasl-init:list" code="0x00000000:0x00000041"/>
    <field name="mechanism" type="symbol" mandatory="true"/>
    <field name="initial-response" type="binary"/>
    <field name="hostname" type="string"/>
</type>
*/
type saslInit struct {
	Mechanism       symbol
	InitialResponse []byte
	Hostname        string
}

func (*saslInit) link() (uint32, bool) {
	return 0, false
}

func (si *saslInit) marshal(wr writer) error {
	return marshalComposite(wr, typeCodeSASLInit, []marshalField{
		{value: si.Mechanism},
		{value: si.InitialResponse, omit: len(si.InitialResponse) == 0},
		{value: &si.Hostname, omit: si.Hostname == ""},
	}...)
}

func (si *saslInit) unmarshal(r reader) error {
	return unmarshalComposite(r, typeCodeSASLInit, []unmarshalField{
		{field: &si.Mechanism, handleNull: required("SASLInit.Mechanism")},
		{field: &si.InitialResponse},
		{field: &si.Hostname},
	}...)
}

/*
<type name="sasl-challenge" class="composite" source="list" provides="sasl-frame">
    <descriptor name="amqp:sasl-challenge:list" code="0x00000000:0x00000042"/>
    <field name="challenge" type="binary" mandatory="true"/>
</type>
*/
type saslChallenge struct {
	Challenge []byte
}

func (*saslChallenge) link() (uint32, bool) {
	return 0, false
}

func (sc *saslChallenge) marshal(wr writer) error {
	return marshalComposite(wr, typeCodeSASLChallenge, []marshalField{
		{value: sc.Challenge},
	}...)
}

func (sc *saslChallenge) unmarshal(r reader) error {
	return unmarshalComposite(r, typeCodeSASLChallenge, []unmarshalField{
		{field: &sc.Challenge, handleNull: required("SASLChallenge.Challenge")},
	}...)
}

/*
<type name="sasl-response" class="composite" source="list" provides="sasl-frame">
    <descriptor name="amqp:sasl-response:list" code="0x00000000:0x00000043"/>
    <field name="response" type="binary" mandatory="true"/>
</type>
*/
type saslResponse struct {
	Response []byte
}

func (*saslResponse) link() (uint32, bool) {
	return 0, false
}

func (sr *saslResponse) marshal(wr writer) error {
	return marshalComposite(wr, typeCodeSASLResponse, []marshalField{
		{value: sr.Response},
	}...)
}

func (sr *saslResponse) unmarshal(r reader) error {
	return unmarshalComposite(r, typeCodeSASLResponse, []unmarshalField{
		{field: &sr.Response, handleNull: required("SASLResponse.Response")},
	}...)
}

/*
<type name="sasl-outcome" class="composite" source="list" provides="sasl-frame">
    <descriptor name="amqp:sasl-outcome:list" code="0x00000000:0x00000044"/>
    <field name="code" type="sasl-code" mandatory="true"/>
    <field name="additional-data" type="binary"/>
</type>
*/
type saslOutcome struct {
	Code           saslCode
	AdditionalData []byte
}

func (*saslOutcome) link() (uint32, bool) {
	return 0, false
}

func (so *saslOutcome) marshal(wr writer) error {
	return marshalComposite(wr, typeCodeSASLOutcome, []marshalField{
		{value: uint8(so.Code)},
		{value: so.AdditionalData, omit: len(so.AdditionalData) == 0},
	}...)
}

func (so *saslOutcome) unmarshal(r reader) error {
	return unmarshalComposite(r, typeCodeSASLOutcome, []unmarshalField{
		{field: (*uint8)(&so.Code), handleNull: required("SASLOutcome.Code")},
		{field: &so.AdditionalData},
	}...)
}

// saslCode is the result of a SASL exchange.
type saslCode uint8

const (
	codeSASLOK      saslCode = iota // Connection authentication succeeded.
	codeSASLAuth                    // Connection authentication failed due to an unspecified problem with the supplied credentials.
	codeSASLSys                     // Connection authentication failed due to a system error.
	codeSASLSysPerm                 // Connection authentication failed due to a system error that is unlikely to be corrected without intervention.
	codeSASLSysTemp                 // Connection authentication failed due to a transient system error.
)
