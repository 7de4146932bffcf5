package amqp

import (
	"context"
	"net"
	"testing"
	"time"

	"github.com/fortytw2/leaktest"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestServerServe(t *testing.T) {
	defer leaktest.Check(t)()

	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	handled := make(chan string, 1)
	srv := &Server{Options: []ConnOption{ConnContainerID("server")}}
	served := make(chan error, 1)
	go func() {
		served <- srv.Serve(ctx, ln, func(ctx context.Context, c *Conn) error {
			handled <- c.PeerContainerID()
			<-ctx.Done()
			return nil
		})
	}()

	client, err := Dial("amqp://"+ln.Addr().String(), ConnContainerID("client"))
	require.NoError(t, err)
	assert.Equal(t, "server", client.PeerContainerID())

	select {
	case id := <-handled:
		assert.Equal(t, "client", id)
	case <-time.After(5 * time.Second):
		t.Fatal("handler was not called")
	}

	// stopping the server closes its connections
	cancel()
	assert.NoError(t, <-served)
	<-client.Done()
	client.Close()
}

func TestServerHandshakeFailure(t *testing.T) {
	defer leaktest.Check(t)()

	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	srv := &Server{Options: []ConnOption{
		ConnSASLAuthenticator(SASLAnonymousAuthenticator{}),
		ConnHandshakeTimeout(time.Second),
	}}
	served := make(chan error, 1)
	go func() {
		served <- srv.Serve(ctx, ln, func(ctx context.Context, c *Conn) error {
			t.Error("handler called for a client that skipped SASL")
			return nil
		})
	}()

	_, err = Dial("amqp://" + ln.Addr().String())
	assert.Error(t, err)

	cancel()
	assert.NoError(t, <-served)
}
