package amqp

import (
	"fmt"

	"github.com/pkg/errors"
)

func errorNew(msg string) error {
	return errors.New(msg)
}

func errorErrorf(format string, v ...interface{}) error {
	return errors.Errorf(format, v...)
}

func errorWrapf(err error, format string, v ...interface{}) error {
	return errors.Wrapf(err, format, v...)
}

var (
	// ErrHandshakeTimeout is returned when the protocol header and Open
	// exchange do not complete within the configured handshake timeout.
	ErrHandshakeTimeout = errorNew("amqp: handshake timeout")

	// ErrConnLost is returned to every pending operation when the
	// transport fails underneath an established connection.
	ErrConnLost = errorNew("amqp: connection lost")

	// ErrTooManyChannels is returned when no channel below the
	// negotiated channel-max is free.
	ErrTooManyChannels = errorNew("amqp: too many channels")

	// ErrFrameTooLarge is returned when an encoded frame exceeds the
	// peer's advertised max-frame-size.
	ErrFrameTooLarge = errorNew("amqp: frame exceeds max frame size")

	// ErrLinkClosed is returned by operations on a link the application
	// closed itself.
	ErrLinkClosed = errorNew("amqp: link closed")

	errNeedMoreData  = errorNew("need more data")
	errInvalidLength = errorNew("length field is larger than frame")
	errNull          = errorNew("error is null")
)

// ErrorCondition is one of the error conditions defined by AMQP 1.0.
type ErrorCondition string

func (ec ErrorCondition) marshal(wr writer) error {
	return writeSymbol(wr, symbol(ec))
}

func (ec *ErrorCondition) unmarshal(r reader) error {
	s, err := readString(r)
	*ec = ErrorCondition(s)
	return err
}

// Error Conditions
const (
	// AMQP Errors
	ErrorInternalError         ErrorCondition = "amqp:internal-error"
	ErrorNotFound              ErrorCondition = "amqp:not-found"
	ErrorUnauthorizedAccess    ErrorCondition = "amqp:unauthorized-access"
	ErrorDecodeError           ErrorCondition = "amqp:decode-error"
	ErrorResourceLimitExceeded ErrorCondition = "amqp:resource-limit-exceeded"
	ErrorNotAllowed            ErrorCondition = "amqp:not-allowed"
	ErrorInvalidField          ErrorCondition = "amqp:invalid-field"
	ErrorNotImplemented        ErrorCondition = "amqp:not-implemented"
	ErrorResourceLocked        ErrorCondition = "amqp:resource-locked"
	ErrorPreconditionFailed    ErrorCondition = "amqp:precondition-failed"
	ErrorResourceDeleted       ErrorCondition = "amqp:resource-deleted"
	ErrorIllegalState          ErrorCondition = "amqp:illegal-state"
	ErrorFrameSizeTooSmall     ErrorCondition = "amqp:frame-size-too-small"

	// Connection Errors
	ErrorConnectionForced   ErrorCondition = "amqp:connection:forced"
	ErrorFramingError       ErrorCondition = "amqp:connection:framing-error"
	ErrorConnectionRedirect ErrorCondition = "amqp:connection:redirect"

	// Session Errors
	ErrorWindowViolation  ErrorCondition = "amqp:session:window-violation"
	ErrorErrantLink       ErrorCondition = "amqp:session:errant-link"
	ErrorHandleInUse      ErrorCondition = "amqp:session:handle-in-use"
	ErrorUnattachedHandle ErrorCondition = "amqp:session:unattached-handle"

	// Link Errors
	ErrorDetachForced          ErrorCondition = "amqp:link:detach-forced"
	ErrorTransferLimitExceeded ErrorCondition = "amqp:link:transfer-limit-exceeded"
	ErrorMessageSizeExceeded   ErrorCondition = "amqp:link:message-size-exceeded"
	ErrorLinkRedirect          ErrorCondition = "amqp:link:redirect"
	ErrorStolen                ErrorCondition = "amqp:link:stolen"
)

/*
<type name="error" class="composite" source="list">
    <descriptor name="amqp:error:list" code="0x00000000:0x0000001d"/>
    <field name="condition" type="symbol" requires="error-condition" mandatory="true"/>
    <field name="description" type="string"/>
    <field name="info" type="fields"/>
</type>
*/

// Error is an AMQP error carried by Detach, End, Close and Rejected.
type Error struct {
	// A symbolic value indicating the error condition.
	Condition ErrorCondition

	// descriptive text about the error condition
	Description string

	// map carrying information about the error condition
	Info map[string]interface{}
}

// NewError returns an Error with the given condition and description.
func NewError(cond ErrorCondition, description string) *Error {
	return &Error{Condition: cond, Description: description}
}

// ErrorNotFoundf returns an amqp:not-found error, typically used to
// reject an attach to an unknown address.
func ErrorNotFoundf(format string, v ...interface{}) *Error {
	return NewError(ErrorNotFound, fmt.Sprintf(format, v...))
}

// ErrorNotAllowedf returns an amqp:not-allowed error.
func ErrorNotAllowedf(format string, v ...interface{}) *Error {
	return NewError(ErrorNotAllowed, fmt.Sprintf(format, v...))
}

// ErrorDecodef returns an amqp:decode-error error.
func ErrorDecodef(format string, v ...interface{}) *Error {
	return NewError(ErrorDecodeError, fmt.Sprintf(format, v...))
}

// ErrorForceDetach returns an amqp:link:detach-forced error.
func ErrorForceDetach(description string) *Error {
	return NewError(ErrorDetachForced, description)
}

// ErrorRedirect returns an amqp:link:redirect error whose info carries
// the network host and address the peer should reattach to.
func ErrorRedirect(host, address string) *Error {
	e := NewError(ErrorLinkRedirect, "")
	e.Info = map[string]interface{}{
		"network-host": host,
		"address":      address,
	}
	return e
}

func (e *Error) marshal(wr writer) error {
	return marshalComposite(wr, typeCodeError, []marshalField{
		{value: &e.Condition, omit: false},
		{value: &e.Description, omit: e.Description == ""},
		{value: e.Info, omit: len(e.Info) == 0},
	}...)
}

func (e *Error) unmarshal(r reader) error {
	return unmarshalComposite(r, typeCodeError, []unmarshalField{
		{field: &e.Condition, handleNull: required("Error.Condition")},
		{field: &e.Description},
		{field: &e.Info},
	}...)
}

func (e *Error) String() string {
	if e == nil {
		return "*Error(nil)"
	}
	return fmt.Sprintf("*Error{Condition: %s, Description: %s, Info: %v}",
		e.Condition,
		e.Description,
		e.Info,
	)
}

func (e *Error) Error() string {
	if e.Description == "" {
		return string(e.Condition)
	}
	return string(e.Condition) + ": " + e.Description
}

// DetachError is returned by a link when it was detached. RemoteError is
// nil if the peer detached gracefully.
type DetachError struct {
	RemoteError *Error
	cause       error
}

func (e *DetachError) Error() string {
	if e.RemoteError == nil {
		if e.cause != nil {
			return "link detached: " + e.cause.Error()
		}
		return "link detached"
	}
	return "remote closed link: " + e.RemoteError.Error()
}

// Unwrap returns the local cause of a forced detach, if any.
func (e *DetachError) Unwrap() error {
	if e.cause != nil {
		return e.cause
	}
	if e.RemoteError != nil {
		return e.RemoteError
	}
	return nil
}

// SessionEndedError is returned by a session and its links once the
// session has ended.
type SessionEndedError struct {
	RemoteError *Error
	cause       error
}

func (e *SessionEndedError) Error() string {
	switch {
	case e.RemoteError != nil:
		return "session ended by peer: " + e.RemoteError.Error()
	case e.cause != nil:
		return "session ended: " + e.cause.Error()
	default:
		return "session ended"
	}
}

func (e *SessionEndedError) Unwrap() error {
	if e.cause != nil {
		return e.cause
	}
	if e.RemoteError != nil {
		return e.RemoteError
	}
	return nil
}

// ConnClosedError is returned once a Close exchange has finished.
type ConnClosedError struct {
	RemoteError *Error
}

func (e *ConnClosedError) Error() string {
	if e.RemoteError == nil {
		return "amqp: connection closed"
	}
	return "amqp: connection closed by peer: " + e.RemoteError.Error()
}

func (e *ConnClosedError) Unwrap() error {
	if e.RemoteError == nil {
		return nil
	}
	return e.RemoteError
}

// MalformedFrameError reports a frame that violates the framing rules.
// It is fatal to the connection.
type MalformedFrameError struct {
	Reason string
}

func (e *MalformedFrameError) Error() string {
	return "amqp: malformed frame: " + e.Reason
}

func malformedf(format string, v ...interface{}) error {
	return &MalformedFrameError{Reason: fmt.Sprintf(format, v...)}
}

// IncompleteDeliveryError is reported when a link goes away while a
// multi-frame delivery is still being reassembled.
type IncompleteDeliveryError struct {
	DeliveryID uint32
	Received   int // payload bytes received before the link went away
	Cause      error
}

func (e *IncompleteDeliveryError) Error() string {
	msg := fmt.Sprintf("amqp: incomplete delivery %d (%d bytes received)", e.DeliveryID, e.Received)
	if e.Cause != nil {
		msg += ": " + e.Cause.Error()
	}
	return msg
}

func (e *IncompleteDeliveryError) Unwrap() error {
	return e.Cause
}

// remoteError extracts the AMQP error to put on the wire for err.
func remoteError(err error) *Error {
	if err == nil {
		return nil
	}
	var amqpErr *Error
	if errors.As(err, &amqpErr) {
		return amqpErr
	}
	var mf *MalformedFrameError
	if errors.As(err, &mf) {
		return NewError(ErrorFramingError, mf.Reason)
	}
	switch errors.Cause(err) {
	case ErrTooManyChannels:
		return NewError(ErrorResourceLimitExceeded, err.Error())
	case ErrFrameTooLarge:
		return NewError(ErrorFrameSizeTooSmall, err.Error())
	}
	return NewError(ErrorInternalError, err.Error())
}
