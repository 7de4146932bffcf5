package amqp

import (
	"bytes"
	"fmt"
)

// SASL Mechanisms
const (
	saslMechanismPLAIN     symbol = "PLAIN"
	saslMechanismANONYMOUS symbol = "ANONYMOUS"
	saslMechanismXOAUTH2   symbol = "XOAUTH2"
)

// ConnSASLPlain enables SASL PLAIN authentication for the connection.
//
// SASL PLAIN transmits credentials in plain text and should only be used
// on TLS/SSL enabled connection.
func ConnSASLPlain(username, password string) ConnOption {
	return func(c *Conn) error {
		if c.saslHandlers == nil {
			c.saslHandlers = make(map[symbol]stateFunc)
		}
		c.saslHandlers[saslMechanismPLAIN] = (&saslHandlerPlain{
			c:        c,
			username: username,
			password: password,
		}).init
		return nil
	}
}

type saslHandlerPlain struct {
	c        *Conn
	username string
	password string
}

func (h *saslHandlerPlain) init() stateFunc {
	return h.c.saslInit(saslMechanismPLAIN, []byte("\x00"+h.username+"\x00"+h.password))
}

// ConnSASLAnonymous enables SASL ANONYMOUS authentication for the connection.
func ConnSASLAnonymous() ConnOption {
	return func(c *Conn) error {
		if c.saslHandlers == nil {
			c.saslHandlers = make(map[symbol]stateFunc)
		}
		c.saslHandlers[saslMechanismANONYMOUS] = func() stateFunc {
			return c.saslInit(saslMechanismANONYMOUS, []byte("anonymous"))
		}
		return nil
	}
}

// ConnSASLXOAUTH2 enables SASL XOAUTH2 authentication for the connection.
//
// The saslMaxFrameSizeOverride parameter allows the limit that governs the
// maximum frame size this client will allow itself to generate to be
// raised for the sasl-init frame only. Set this when the size of the size
// of the SASL XOAUTH2 initial client response (which contains the
// username and bearer token) would otherwise breach the 512 byte min-max
// frame size that the server is guaranteed to accept.
func ConnSASLXOAUTH2(username, bearer string, saslMaxFrameSizeOverride uint32) ConnOption {
	return func(c *Conn) error {
		response, err := saslXOAUTH2InitialResponse(username, bearer)
		if err != nil {
			return err
		}
		if c.saslHandlers == nil {
			c.saslHandlers = make(map[symbol]stateFunc)
		}
		c.saslHandlers[saslMechanismXOAUTH2] = (&saslHandlerXOAUTH2{
			c:               c,
			initialResponse: response,
		}).init
		c.saslMaxFrameSize = saslMaxFrameSizeOverride
		return nil
	}
}

type saslHandlerXOAUTH2 struct {
	c               *Conn
	initialResponse []byte
	errorResponse   []byte // the server's error challenge, if any
}

func (h *saslHandlerXOAUTH2) init() stateFunc {
	if h.c.err = h.c.hsWriteFrame(frame{
		typ:  frameTypeSASL,
		body: &saslInit{Mechanism: saslMechanismXOAUTH2, InitialResponse: h.initialResponse},
	}); h.c.err != nil {
		return nil
	}
	return h.step
}

// step handles the server's reply. A failed XOAUTH2 exchange sends an
// error challenge, which the client acknowledges with a single 0x01 before
// the server sends the outcome.
func (h *saslHandlerXOAUTH2) step() stateFunc {
	fr, err := h.c.hsReadFrame()
	if err != nil {
		h.c.err = err
		return nil
	}

	switch body := fr.body.(type) {
	case *saslOutcome:
		if body.Code != codeSASLOK {
			h.c.err = errorErrorf("SASL XOAUTH2 auth failed with code %#02x: %s %s",
				uint8(body.Code), body.AdditionalData, h.errorResponse)
			return nil
		}
		return h.c.saslSucceeded()

	case *saslChallenge:
		if h.errorResponse == nil {
			h.errorResponse = body.Challenge
			if h.c.err = h.c.hsWriteFrame(frame{
				typ:  frameTypeSASL,
				body: &saslResponse{Response: []byte{0x01}},
			}); h.c.err != nil {
				return nil
			}
			return h.step
		}
		h.c.err = errorErrorf("Initial error response: %s, additional response: %s",
			h.errorResponse, body.Challenge)
		return nil

	default:
		h.c.err = errorErrorf("unexpected frame during SASL negotiation: %s", frameTypeName(fr.body))
		return nil
	}
}

func saslXOAUTH2InitialResponse(username, bearer string) ([]byte, error) {
	if len(bearer) == 0 {
		return nil, errorNew("unacceptable bearer token")
	}
	for _, char := range bearer {
		if char < '\x20' || char > '\x7E' {
			return nil, errorNew("unacceptable bearer token")
		}
	}
	if bytes.ContainsRune([]byte(username), '\x01') {
		return nil, errorNew("unacceptable username")
	}
	return []byte("user=" + username + "\x01auth=Bearer " + bearer + "\x01\x01"), nil
}

// protoSASL picks the first mechanism the server offers that this side
// has credentials for.
func (c *Conn) protoSASL() stateFunc {
	fr, err := c.hsReadFrame()
	if err != nil {
		c.err = err
		return nil
	}
	sm, ok := fr.body.(*saslMechanisms)
	if !ok || fr.typ != frameTypeSASL {
		c.err = errorErrorf("unexpected frame type %T", fr.body)
		return nil
	}

	for _, mech := range sm.Mechanisms {
		if state, ok := c.saslHandlers[mech]; ok {
			return state
		}
	}

	c.err = errorErrorf("no supported auth mechanism (%v)", sm.Mechanisms)
	return nil
}

func (c *Conn) saslInit(mechanism symbol, response []byte) stateFunc {
	if c.err = c.hsWriteFrame(frame{
		typ:  frameTypeSASL,
		body: &saslInit{Mechanism: mechanism, InitialResponse: response},
	}); c.err != nil {
		return nil
	}
	return c.saslOutcome
}

func (c *Conn) saslOutcome() stateFunc {
	fr, err := c.hsReadFrame()
	if err != nil {
		c.err = err
		return nil
	}
	so, ok := fr.body.(*saslOutcome)
	if !ok {
		c.err = errorErrorf("unexpected frame type %T", fr.body)
		return nil
	}
	if so.Code != codeSASLOK {
		c.err = errorErrorf("SASL PLAIN auth failed with code %#02x: %s", uint8(so.Code), so.AdditionalData)
		return nil
	}
	return c.saslSucceeded()
}

// saslSucceeded restarts the protocol negotiation for AMQP.
func (c *Conn) saslSucceeded() stateFunc {
	c.saslComplete = true
	c.log.Debug().Msg("SASL authentication succeeded")
	return c.negotiateProto
}

// Authenticator verifies SASL credentials presented to a server.
type Authenticator interface {
	// Mechanisms lists the mechanisms offered, in order of preference.
	Mechanisms() []string

	// Authenticate checks the client's initial response for mechanism.
	// A nil error accepts the client.
	Authenticate(mechanism, hostname string, response []byte) error
}

// ConnSASLAuthenticator requires clients of a server connection to
// authenticate with a.
func ConnSASLAuthenticator(a Authenticator) ConnOption {
	return func(c *Conn) error {
		if len(a.Mechanisms()) == 0 {
			return errorNew("amqp: authenticator offers no mechanisms")
		}
		c.saslAuth = a
		return nil
	}
}

// SASLPlainAuthenticator accepts PLAIN credentials that Verify approves.
type SASLPlainAuthenticator struct {
	Verify func(authzid, username, password string) error
}

func (SASLPlainAuthenticator) Mechanisms() []string {
	return []string{string(saslMechanismPLAIN)}
}

func (a SASLPlainAuthenticator) Authenticate(mechanism, hostname string, response []byte) error {
	if symbol(mechanism) != saslMechanismPLAIN {
		return errorErrorf("unsupported mechanism %s", mechanism)
	}
	parts := bytes.SplitN(response, []byte{0}, 3)
	if len(parts) != 3 {
		return errorNew("malformed PLAIN response")
	}
	return a.Verify(string(parts[0]), string(parts[1]), string(parts[2]))
}

// SASLAnonymousAuthenticator accepts every ANONYMOUS client.
type SASLAnonymousAuthenticator struct{}

func (SASLAnonymousAuthenticator) Mechanisms() []string {
	return []string{string(saslMechanismANONYMOUS)}
}

func (SASLAnonymousAuthenticator) Authenticate(mechanism, hostname string, response []byte) error {
	if symbol(mechanism) != saslMechanismANONYMOUS {
		return errorErrorf("unsupported mechanism %s", mechanism)
	}
	return nil
}

// serverSASL offers the authenticator's mechanisms and checks the
// client's sasl-init.
func (c *Conn) serverSASL() stateFunc {
	mechs := c.saslAuth.Mechanisms()
	offered := make([]symbol, len(mechs))
	for i, m := range mechs {
		offered[i] = symbol(m)
	}
	if c.err = c.hsWriteFrame(frame{typ: frameTypeSASL, body: &saslMechanisms{Mechanisms: offered}}); c.err != nil {
		return nil
	}

	fr, err := c.hsReadFrame()
	if err != nil {
		c.err = err
		return nil
	}
	init, ok := fr.body.(*saslInit)
	if !ok {
		c.err = errorErrorf("expected sasl-init, got %s", frameTypeName(fr.body))
		return nil
	}

	if err := c.saslAuth.Authenticate(string(init.Mechanism), init.Hostname, init.InitialResponse); err != nil {
		c.hsWriteFrame(frame{typ: frameTypeSASL, body: &saslOutcome{Code: codeSASLAuth}})
		c.err = errorWrapf(err, "SASL %s authentication failed", init.Mechanism)
		return nil
	}
	if c.err = c.hsWriteFrame(frame{typ: frameTypeSASL, body: &saslOutcome{Code: codeSASLOK}}); c.err != nil {
		return nil
	}
	c.saslComplete = true
	c.log.Debug().Str("mechanism", string(init.Mechanism)).Msg("SASL client authenticated")
	return c.serverProto
}

func (code saslCode) String() string {
	switch code {
	case codeSASLOK:
		return "ok"
	case codeSASLAuth:
		return "auth"
	case codeSASLSys:
		return "sys"
	case codeSASLSysPerm:
		return "sys-perm"
	case codeSASLSysTemp:
		return "sys-temp"
	}
	return fmt.Sprintf("saslCode(%d)", uint8(code))
}
