package amqp

import (
	"bytes"
	"encoding/base64"
	"fmt"
	"net"
	"strings"
	"testing"
	"time"

	"github.com/fortytw2/leaktest"
	"github.com/pkg/errors"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/actix/actix-amqp/internal/testconn"
)

// Known good challenges/responses taken following specification:
// https://developers.google.com/gmail/imap/xoauth2-protocol#the_sasl_xoauth2_mechanism

func TestSaslXOAUTH2InitialResponse(t *testing.T) {
	wantedRespBase64 := "dXNlcj1zb21ldXNlckBleGFtcGxlLmNvbQFhdXRoPUJlYXJlciB5YTI5LnZGOWRmdDRxbVRjMk52YjNSbGNrQmhkSFJoZG1semRHRXVZMjl0Q2cBAQ=="
	wantedResp, err := base64.StdEncoding.DecodeString(wantedRespBase64)
	if err != nil {
		t.Fatal(err)
	}

	gotResp, err := saslXOAUTH2InitialResponse("someuser@example.com", testBearer)
	if err != nil {
		t.Fatal(err)
	}

	if !bytes.Equal(wantedResp, gotResp) {
		t.Errorf("Initial response does not match expected:\n %s", testDiff(gotResp, wantedResp))
	}
}

// RFC6749 defines the OAUTH2 as comprising VSCHAR elements (\x20-7E)
func TestSaslXOAUTH2InvalidBearer(t *testing.T) {
	tests := []struct {
		label   string
		illegal string
	}{
		{
			label:   "char outside range",
			illegal: "illegalChar\x00",
		},
		{
			label:   "empty bearer",
			illegal: "",
		},
	}

	for _, tt := range tests {
		t.Run(tt.label, func(t *testing.T) {
			_, err := saslXOAUTH2InitialResponse("someuser@example.com", tt.illegal)
			if err == nil {
				t.Errorf("Expected invalid bearer to be rejected")
			}
		})
	}
}

// Disallowing \x01 in the username keeps it from breaking up the response.
func TestSaslXOAUTH2InvalidUsername(t *testing.T) {
	_, err := saslXOAUTH2InitialResponse("illegalChar\x01Within", testBearer)
	if err == nil {
		t.Errorf("Expected invalid username to be rejected")
	}
}

func TestSaslXOAUTH2EmptyUsername(t *testing.T) {
	_, err := saslXOAUTH2InitialResponse("", testBearer)
	if err != nil {
		t.Errorf("Expected empty username to be accepted")
	}
}

func TestConnSASLXOAUTH2AuthSuccess(t *testing.T) {
	defer leaktest.Check(t)()

	buf, err := peerResponse(
		[]byte("AMQP\x03\x01\x00\x00"),
		frame{
			typ:  frameTypeSASL,
			body: &saslMechanisms{Mechanisms: []symbol{saslMechanismXOAUTH2}},
		},
		frame{
			typ:  frameTypeSASL,
			body: &saslOutcome{Code: codeSASLOK},
		},
		[]byte("AMQP\x00\x01\x00\x00"),
		frame{
			typ:  frameTypeAMQP,
			body: &performOpen{ContainerID: "peer", MaxFrameSize: DefaultMaxFrameSize, ChannelMax: 16},
		},
		frame{
			typ:  frameTypeAMQP,
			body: &performClose{},
		},
	)
	if err != nil {
		t.Fatal(err)
	}

	c := testconn.New(buf)
	client, err := New(c,
		ConnSASLXOAUTH2("someuser@example.com", testBearer, 512),
		ConnIdleTimeout(10*time.Minute))
	if err != nil {
		t.Fatal(err)
	}
	if got := client.PeerContainerID(); got != "peer" {
		t.Errorf("PeerContainerID() = %q, want %q", got, "peer")
	}
	if got := client.ChannelMax(); got != 16 {
		t.Errorf("ChannelMax() = %d, want 16", got)
	}
	if err := client.Close(); err != nil {
		t.Errorf("Close() = %v", err)
	}

	// the sasl-init carries the initial response
	written := c.Written()
	if !bytes.HasPrefix(written, []byte("AMQP\x03\x01\x00\x00")) {
		t.Fatalf("client did not start with the SASL header: %q", written)
	}
	fr, _, err := parseFrame(written[protoHeaderSize:], maxFrameSizeLimit)
	if err != nil {
		t.Fatalf("%+v", err)
	}
	init, ok := fr.body.(*saslInit)
	if !ok {
		t.Fatalf("first frame is %T, want *saslInit", fr.body)
	}
	if init.Mechanism != saslMechanismXOAUTH2 {
		t.Errorf("mechanism = %s", init.Mechanism)
	}
}

func TestConnSASLXOAUTH2AuthFail(t *testing.T) {
	defer leaktest.Check(t)()

	buf, err := peerResponse(
		[]byte("AMQP\x03\x01\x00\x00"),
		frame{
			typ:  frameTypeSASL,
			body: &saslMechanisms{Mechanisms: []symbol{saslMechanismXOAUTH2}},
		},
		frame{
			typ:  frameTypeSASL,
			body: &saslOutcome{Code: codeSASLAuth},
		},
	)
	if err != nil {
		t.Fatal(err)
	}

	c := testconn.New(buf)
	client, err := New(c,
		ConnSASLXOAUTH2("someuser@example.com", testBearer, 512),
		ConnIdleTimeout(10*time.Minute))
	if err == nil {
		client.Close()
	}
	switch {
	case err == nil:
		t.Errorf("authentication is expected to fail ")
	case !strings.Contains(err.Error(), fmt.Sprintf("code %#02x", uint8(codeSASLAuth))):
		t.Errorf("unexpected connection failure : %s", err)
	}
}

func TestConnSASLXOAUTH2AuthFailWithErrorResponse(t *testing.T) {
	defer leaktest.Check(t)()

	buf, err := peerResponse(
		[]byte("AMQP\x03\x01\x00\x00"),
		frame{
			typ:  frameTypeSASL,
			body: &saslMechanisms{Mechanisms: []symbol{saslMechanismXOAUTH2}},
		},
		frame{
			typ:  frameTypeSASL,
			body: &saslChallenge{Challenge: []byte("{ \"status\":\"401\", \"schemes\":\"bearer\", \"scope\":\"https://mail.google.com/\" }")},
		},
		frame{
			typ:  frameTypeSASL,
			body: &saslOutcome{Code: codeSASLAuth},
		},
	)
	if err != nil {
		t.Fatal(err)
	}

	c := testconn.New(buf)
	client, err := New(c,
		ConnSASLXOAUTH2("someuser@example.com", testBearer, 512),
		ConnIdleTimeout(10*time.Minute))
	if err == nil {
		client.Close()
	}
	switch {
	case err == nil:
		t.Errorf("authentication is expected to fail ")
	case !strings.Contains(err.Error(), fmt.Sprintf("code %#02x", uint8(codeSASLAuth))):
		t.Errorf("unexpected connection failure : %s", err)
	}

	// the error challenge is acknowledged with a single 0x01
	written := c.Written()[protoHeaderSize:]
	_, n, err := parseFrame(written, maxFrameSizeLimit)
	if err != nil {
		t.Fatalf("%+v", err)
	}
	fr, _, err := parseFrame(written[n:], maxFrameSizeLimit)
	if err != nil {
		t.Fatalf("%+v", err)
	}
	resp, ok := fr.body.(*saslResponse)
	if !ok || !bytes.Equal(resp.Response, []byte{0x01}) {
		t.Errorf("second frame = %v, want sasl-response 0x01", fr.body)
	}
}

func TestConnSASLXOAUTH2AuthFailsAdditionalErrorResponse(t *testing.T) {
	defer leaktest.Check(t)()

	buf, err := peerResponse(
		[]byte("AMQP\x03\x01\x00\x00"),
		frame{
			typ:  frameTypeSASL,
			body: &saslMechanisms{Mechanisms: []symbol{saslMechanismXOAUTH2}},
		},
		frame{
			typ:  frameTypeSASL,
			body: &saslChallenge{Challenge: []byte("fail1")},
		},
		frame{
			typ:  frameTypeSASL,
			body: &saslChallenge{Challenge: []byte("fail2")},
		},
	)
	if err != nil {
		t.Fatal(err)
	}

	c := testconn.New(buf)
	client, err := New(c,
		ConnSASLXOAUTH2("someuser@example.com", testBearer, 512),
		ConnIdleTimeout(10*time.Minute))
	if err == nil {
		client.Close()
	}
	switch {
	case err == nil:
		t.Errorf("authentication is expected to fail ")
	case !strings.Contains(err.Error(), "Initial error response: fail1, additional response: fail2"):
		t.Errorf("unexpected connection failure : %s", err)
	}
}

func TestConnSASLNoSupportedMechanism(t *testing.T) {
	defer leaktest.Check(t)()

	buf, err := peerResponse(
		[]byte("AMQP\x03\x01\x00\x00"),
		frame{
			typ:  frameTypeSASL,
			body: &saslMechanisms{Mechanisms: []symbol{"SCRAM-SHA-256"}},
		},
	)
	require.NoError(t, err)

	_, err = New(testconn.New(buf), ConnSASLPlain("user", "pass"))
	require.Error(t, err)
	assert.Contains(t, err.Error(), "no supported auth mechanism")
}

func TestSASLPlainServer(t *testing.T) {
	defer leaktest.Check(t)()

	var gotUser, gotPass string
	auth := SASLPlainAuthenticator{Verify: func(authzid, username, password string) error {
		gotUser, gotPass = username, password
		if password != "secret" {
			return errors.New("bad password")
		}
		return nil
	}}

	t.Run("accepted", func(t *testing.T) {
		client, server, err := pipeConns(
			[]ConnOption{ConnSASLPlain("alice", "secret"), ConnContainerID("client")},
			[]ConnOption{ConnSASLAuthenticator(auth), ConnContainerID("server")},
		)
		require.NoError(t, err)

		assert.Equal(t, "alice", gotUser)
		assert.Equal(t, "secret", gotPass)
		assert.Equal(t, "server", client.PeerContainerID())
		assert.Equal(t, "client", server.PeerContainerID())

		assert.NoError(t, client.Close())
		<-server.Done()
	})

	t.Run("rejected", func(t *testing.T) {
		_, _, err := pipeConns(
			[]ConnOption{ConnSASLPlain("alice", "wrong")},
			[]ConnOption{ConnSASLAuthenticator(auth)},
		)
		require.Error(t, err)
		assert.Contains(t, err.Error(), fmt.Sprintf("code %#02x", uint8(codeSASLAuth)))
	})

	t.Run("client skips SASL", func(t *testing.T) {
		_, _, err := pipeConns(nil, []ConnOption{ConnSASLAuthenticator(auth)})
		require.Error(t, err)
		assert.Contains(t, err.Error(), "unexpected protocol header 0x03")
	})
}

func TestSASLAnonymousServer(t *testing.T) {
	defer leaktest.Check(t)()

	client, server, err := pipeConns(
		[]ConnOption{ConnSASLAnonymous()},
		[]ConnOption{ConnSASLAuthenticator(SASLAnonymousAuthenticator{})},
	)
	require.NoError(t, err)
	assert.NoError(t, client.Close())
	<-server.Done()
}

// pipeConns runs a client and a server handshake over net.Pipe. The
// returned error is the client's; a failed server handshake closes the
// pipe, which fails the client too.
func pipeConns(clientOpts, serverOpts []ConnOption) (client, server *Conn, err error) {
	cn, sn := net.Pipe()

	type result struct {
		c   *Conn
		err error
	}
	done := make(chan result, 1)
	go func() {
		c, err := Accept(sn, serverOpts...)
		done <- result{c, err}
	}()

	client, err = New(cn, clientOpts...)
	srv := <-done
	if err != nil {
		if srv.c != nil {
			srv.c.Close()
		}
		return nil, nil, err
	}
	if srv.err != nil {
		client.Close()
		return nil, nil, srv.err
	}
	return client, srv.c, nil
}

const testBearer = "ya29.vF9dft4qmTc2Nvb3RlckBhdHRhdmlzdGEuY29tCg"

func peerResponse(items ...interface{}) ([]byte, error) {
	buf := make([]byte, 0)
	for _, item := range items {
		switch v := item.(type) {
		case frame:
			b, err := encodeFrame(v, 0)
			if err != nil {
				return buf, err
			}
			buf = append(buf, b...)
		case []byte:
			buf = append(buf, v...)
		default:
			return buf, fmt.Errorf("unrecongized type %T", item)
		}
	}
	return buf, nil
}
