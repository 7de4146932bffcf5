package amqp

import (
	"context"
	"net"

	"github.com/rs/zerolog"
	"golang.org/x/sync/errgroup"
)

// Handler serves one accepted connection. The connection is closed when
// the handler returns.
type Handler func(ctx context.Context, c *Conn) error

// Server accepts AMQP connections from a listener.
type Server struct {
	// Options are applied to every accepted connection.
	Options []ConnOption
	Log     zerolog.Logger
}

// Serve accepts connections until ctx ends or the listener fails, running
// handler on each one that completes the handshake. It waits for every
// handler to return. A ctx cancellation is not reported as an error.
func (srv *Server) Serve(ctx context.Context, ln net.Listener, handler Handler) error {
	g, ctx := errgroup.WithContext(ctx)

	g.Go(func() error {
		<-ctx.Done()
		ln.Close()
		return nil
	})

	g.Go(func() error {
		for {
			nc, err := ln.Accept()
			if err != nil {
				if ctx.Err() != nil {
					return nil
				}
				return errorWrapf(err, "accept")
			}
			g.Go(func() error {
				srv.serveConn(ctx, nc, handler)
				return nil
			})
		}
	})

	return g.Wait()
}

func (srv *Server) serveConn(ctx context.Context, nc net.Conn, handler Handler) {
	log := srv.Log.With().Str("remote", nc.RemoteAddr().String()).Logger()
	opts := append([]ConnOption{ConnLogger(log)}, srv.Options...)

	c, err := Accept(nc, opts...)
	if err != nil {
		log.Warn().Err(err).Msg("handshake failed")
		return
	}

	// shut the connection down with the server
	stop := make(chan struct{})
	defer close(stop)
	go func() {
		select {
		case <-ctx.Done():
			c.Close()
		case <-stop:
		}
	}()

	if err := handler(ctx, c); err != nil {
		log.Warn().Err(err).Msg("handler failed")
	}
	if err := c.Close(); err != nil {
		log.Debug().Err(err).Msg("close")
	}
}
