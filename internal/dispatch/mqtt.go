package dispatch

import (
	"context"
	"crypto/tls"
	"fmt"
	"strings"
	"time"

	mqtt "github.com/eclipse/paho.mqtt.golang"
	"github.com/google/uuid"
)

type MQTTConfig struct {
	// Broker is a host name, or a full URL such as tcp://host:1883.
	Broker         string
	Port           int
	Topic          string
	ClientID       string
	Username       string
	Password       string
	TLS            *tls.Config
	ConnectTimeout time.Duration
	AckTimeout     time.Duration
}

// MQTT publishes at QoS 1 and treats the PUBACK as delivery confirmation.
type MQTT struct {
	cfg       MQTTConfig
	newClient func(*mqtt.ClientOptions) mqtt.Client
}

func NewMQTT(cfg MQTTConfig) *MQTT {
	if cfg.ConnectTimeout <= 0 {
		cfg.ConnectTimeout = 5 * time.Second
	}
	if cfg.AckTimeout <= 0 {
		cfg.AckTimeout = 2 * time.Second
	}
	return &MQTT{cfg: cfg, newClient: mqtt.NewClient}
}

func (m *MQTT) brokerURL() string {
	if strings.Contains(m.cfg.Broker, "://") {
		return m.cfg.Broker
	}
	scheme := "ssl"
	if m.cfg.TLS == nil {
		scheme = "tcp"
	}
	return fmt.Sprintf("%s://%s:%d", scheme, m.cfg.Broker, m.cfg.Port)
}

func (m *MQTT) options() *mqtt.ClientOptions {
	clientID := m.cfg.ClientID
	if clientID == "" {
		clientID = "garage-gate-" + uuid.NewString()[:8]
	}

	opts := mqtt.NewClientOptions().
		AddBroker(m.brokerURL()).
		SetClientID(clientID).
		SetCleanSession(true).
		SetKeepAlive(10 * time.Second).
		SetConnectTimeout(m.cfg.ConnectTimeout).
		SetAutoReconnect(false).
		SetConnectRetry(false)

	if m.cfg.Username != "" {
		opts.SetUsername(m.cfg.Username)
		opts.SetPassword(m.cfg.Password)
	}
	if m.cfg.TLS != nil {
		opts.SetTLSConfig(m.cfg.TLS)
	}
	return opts
}

func (m *MQTT) connect(ctx context.Context) (mqtt.Client, error) {
	client := m.newClient(m.options())
	if err := waitToken(ctx, client.Connect(), m.cfg.ConnectTimeout); err != nil {
		return nil, fmt.Errorf("mqtt connect %s: %w", m.brokerURL(), err)
	}
	return client, nil
}

func (m *MQTT) Publish(ctx context.Context, payload []byte) error {
	client, err := m.connect(ctx)
	if err != nil {
		return err
	}
	defer client.Disconnect(250)

	if err := waitToken(ctx, client.Publish(m.cfg.Topic, 1, false, payload), m.cfg.AckTimeout); err != nil {
		return fmt.Errorf("mqtt publish %s: %w", m.cfg.Topic, err)
	}
	return nil
}

func (m *MQTT) Probe(ctx context.Context) error {
	client, err := m.connect(ctx)
	if err != nil {
		return err
	}
	client.Disconnect(250)
	return nil
}

func waitToken(ctx context.Context, tok mqtt.Token, timeout time.Duration) error {
	timer := time.NewTimer(timeout)
	defer timer.Stop()

	select {
	case <-tok.Done():
		return tok.Error()
	case <-timer.C:
		return fmt.Errorf("%w after %s", ErrTimeout, timeout)
	case <-ctx.Done():
		return ctx.Err()
	}
}

var _ Transport = (*MQTT)(nil)
