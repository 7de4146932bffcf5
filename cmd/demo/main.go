// Command demo sends a few messages to an address and reads them back.
package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"time"

	amqp "github.com/actix/actix-amqp"
)

func main() {
	addr := flag.String("addr", "amqp://localhost:5672/", "broker URL")
	address := flag.String("address", "demo", "node to send to and receive from")
	count := flag.Int("n", 3, "number of messages")
	level := flag.String("log", "info", "log level")
	flag.Parse()

	if err := run(*addr, *address, *count, *level); err != nil {
		fmt.Fprintf(os.Stderr, "demo: %v\n", err)
		os.Exit(1)
	}
}

func run(addr, address string, count int, level string) error {
	log := amqp.NewLogger("demo", level)

	conn, err := amqp.Dial(addr, amqp.ConnLogger(log), amqp.ConnHandshakeTimeout(5*time.Second))
	if err != nil {
		return err
	}
	defer conn.Close()

	log.Info().
		Uint32("max_frame_size", conn.MaxFrameSize()).
		Uint16("channel_max", conn.ChannelMax()).
		Msg("connection established")

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	session, err := conn.NewSession(ctx)
	if err != nil {
		return err
	}

	sender, err := session.NewSender(ctx, amqp.LinkTarget(address))
	if err != nil {
		return err
	}
	for i := 0; i < count; i++ {
		h, err := sender.Send(ctx, amqp.NewMessage([]byte(fmt.Sprintf("message %d", i))))
		if err != nil {
			return err
		}
		state, err := h.Wait(ctx)
		if err != nil {
			return err
		}
		log.Info().Uint32("delivery_id", h.ID).Str("outcome", fmt.Sprint(state)).Msg("sent")
	}
	if err := sender.Close(ctx); err != nil {
		return err
	}

	receiver, err := session.NewReceiver(ctx, amqp.LinkSource(address), amqp.LinkCredit(10))
	if err != nil {
		return err
	}
	for i := 0; i < count; i++ {
		d, err := receiver.Receive(ctx)
		if err != nil {
			return err
		}
		log.Info().Str("body", string(d.Message.GetData())).Msg("received")
		if err := d.Accept(ctx); err != nil {
			return err
		}
	}
	if err := receiver.Close(ctx); err != nil {
		return err
	}

	return session.Close(ctx)
}
