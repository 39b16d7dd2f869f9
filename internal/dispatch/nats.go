package dispatch

import (
	"context"
	"crypto/tls"
	"fmt"
	"time"

	"github.com/nats-io/nats.go"
)

type NATSConfig struct {
	URL      string
	Subject  string
	Stream   string
	Username string
	Password string
	TLS      *tls.Config

	ConnectTimeout time.Duration
	AckTimeout     time.Duration
}

// NATS publishes through JetStream so every command is stored and
// acknowledged by the server. With the server's MQTT gateway enabled the
// subject garage.command is delivered to MQTT subscribers of garage/command.
type NATS struct {
	cfg NATSConfig
}

func NewNATS(cfg NATSConfig) *NATS {
	if cfg.ConnectTimeout <= 0 {
		cfg.ConnectTimeout = 5 * time.Second
	}
	if cfg.AckTimeout <= 0 {
		cfg.AckTimeout = 2 * time.Second
	}
	return &NATS{cfg: cfg}
}

func (n *NATS) options() []nats.Option {
	opts := []nats.Option{
		nats.Name("garage-gate"),
		nats.Timeout(n.cfg.ConnectTimeout),
		nats.NoReconnect(),
	}
	if n.cfg.Username != "" {
		opts = append(opts, nats.UserInfo(n.cfg.Username, n.cfg.Password))
	}
	if n.cfg.TLS != nil {
		opts = append(opts, nats.Secure(n.cfg.TLS))
	}
	return opts
}

func (n *NATS) connect() (*nats.Conn, error) {
	nc, err := nats.Connect(n.cfg.URL, n.options()...)
	if err != nil {
		return nil, fmt.Errorf("nats connect %s: %w", n.cfg.URL, err)
	}
	return nc, nil
}

func (n *NATS) Publish(ctx context.Context, payload []byte) error {
	nc, err := n.connect()
	if err != nil {
		return err
	}
	defer nc.Close()

	js, err := nc.JetStream()
	if err != nil {
		return fmt.Errorf("nats jetstream: %w", err)
	}

	ackCtx, cancel := context.WithTimeout(ctx, n.cfg.AckTimeout)
	defer cancel()

	pubOpts := []nats.PubOpt{nats.Context(ackCtx)}
	if n.cfg.Stream != "" {
		pubOpts = append(pubOpts, nats.ExpectStream(n.cfg.Stream))
	}
	if _, err := js.Publish(n.cfg.Subject, payload, pubOpts...); err != nil {
		return fmt.Errorf("nats publish %s: %w", n.cfg.Subject, err)
	}
	return nil
}

func (n *NATS) Probe(ctx context.Context) error {
	nc, err := n.connect()
	if err != nil {
		return err
	}
	defer nc.Close()
	return nc.FlushWithContext(ctx)
}

var _ Transport = (*NATS)(nil)
