// Command amqpd is a small AMQP 1.0 broker: messages sent to an address
// are stored and handed to receivers of the same address.
package main

import (
	"context"
	"flag"
	"fmt"
	"net"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rs/zerolog"
	"golang.org/x/sync/errgroup"

	amqp "github.com/actix/actix-amqp"
	"github.com/actix/actix-amqp/internal/queue"
)

const pollInterval = 50 * time.Millisecond

func main() {
	configPath := flag.String("config", "", "path to a TOML config file")
	flag.Parse()

	if err := run(*configPath); err != nil {
		fmt.Fprintf(os.Stderr, "amqpd: %v\n", err)
		os.Exit(1)
	}
}

func run(configPath string) error {
	cfg := amqp.DefaultConfig()
	if configPath != "" {
		var err error
		if cfg, err = amqp.LoadConfig(configPath); err != nil {
			return err
		}
	}
	log := amqp.NewLogger("amqpd", cfg.LogLevel)

	store, err := queue.Open(cfg.StorePath)
	if err != nil {
		return err
	}
	defer store.Close()

	ln, err := net.Listen("tcp", cfg.ListenAddr)
	if err != nil {
		return err
	}
	log.Info().Str("addr", ln.Addr().String()).Msg("listening")

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	g, ctx := errgroup.WithContext(ctx)

	if cfg.MetricsAddr != "" {
		reg := prometheus.NewRegistry()
		reg.MustRegister(collectors.NewGoCollector(), collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))
		if err := amqp.RegisterMetrics(reg); err != nil {
			return err
		}
		mux := http.NewServeMux()
		mux.Handle("/metrics", promhttp.HandlerFor(reg, promhttp.HandlerOpts{}))
		srv := &http.Server{Addr: cfg.MetricsAddr, Handler: mux}
		g.Go(func() error {
			log.Info().Str("addr", cfg.MetricsAddr).Msg("serving metrics")
			if err := srv.ListenAndServe(); err != http.ErrServerClosed {
				return err
			}
			return nil
		})
		g.Go(func() error {
			<-ctx.Done()
			return srv.Close()
		})
	}

	b := &broker{store: store, log: log, linkOpts: cfg.LinkOptions()}
	server := &amqp.Server{Options: cfg.ConnOptions(), Log: log}
	g.Go(func() error {
		return server.Serve(ctx, ln, b.serveConn)
	})

	return g.Wait()
}

type broker struct {
	store    *queue.Store
	log      zerolog.Logger
	linkOpts []amqp.LinkOption
}

func (b *broker) serveConn(ctx context.Context, c *amqp.Conn) error {
	go func() {
		for ev := range c.Control() {
			b.log.Info().Str("peer", c.PeerContainerID()).Msg(ev.String())
		}
	}()

	for {
		s, err := c.AcceptSession(ctx)
		if err != nil {
			if ctx.Err() != nil {
				return nil
			}
			return err
		}
		go b.serveSession(ctx, s)
	}
}

func (b *broker) serveSession(ctx context.Context, s *amqp.Session) {
	for {
		il, err := s.AcceptLink(ctx)
		if err != nil {
			return
		}
		if il.Address() == "" {
			il.Reject(ctx, amqp.ErrorNotFoundf("link %q has no address", il.Name()))
			continue
		}

		if il.IsSender() {
			r, err := il.AcceptReceiver(ctx, b.linkOpts...)
			if err != nil {
				b.log.Warn().Err(err).Str("link", il.Name()).Msg("accept receiver")
				continue
			}
			go b.collect(ctx, r)
			continue
		}

		snd, err := il.AcceptSender(ctx)
		if err != nil {
			b.log.Warn().Err(err).Str("link", il.Name()).Msg("accept sender")
			continue
		}
		go b.forward(ctx, snd)
	}
}

// collect moves messages from a client's sender into the queue.
func (b *broker) collect(ctx context.Context, r *amqp.Receiver) {
	for {
		d, err := r.Receive(ctx)
		if err != nil {
			b.log.Debug().Err(err).Str("link", r.LinkName()).Msg("receiver done")
			return
		}
		payload, err := d.Message.MarshalBinary()
		if err == nil {
			_, err = b.store.Push(r.Address(), payload)
		}
		if err != nil {
			b.log.Error().Err(err).Str("address", r.Address()).Msg("storing message")
			d.Release(ctx)
			continue
		}
		d.Accept(ctx)
	}
}

// forward moves messages from the queue to a client's receiver.
func (b *broker) forward(ctx context.Context, snd *amqp.Sender) {
	ticker := time.NewTicker(pollInterval)
	defer ticker.Stop()

	for {
		payload, err := b.store.Pop(snd.Address())
		if err == queue.ErrEmpty {
			select {
			case <-ticker.C:
				continue
			case <-ctx.Done():
				return
			}
		}
		if err != nil {
			b.log.Error().Err(err).Str("address", snd.Address()).Msg("reading queue")
			return
		}

		msg := new(amqp.Message)
		if err := msg.UnmarshalBinary(payload); err != nil {
			b.log.Error().Err(err).Msg("dropping undecodable message")
			continue
		}
		if _, err := snd.Send(ctx, msg); err != nil {
			// back in the queue for the next receiver; order is lost
			b.store.Push(snd.Address(), payload)
			b.log.Debug().Err(err).Str("link", snd.LinkName()).Msg("sender done")
			return
		}
	}
}
