package mqtt

import (
	"context"
	"crypto/tls"
	"fmt"
	"net/url"
	"time"

	paho "github.com/eclipse/paho.mqtt.golang"
	"github.com/rs/zerolog"

	perrors "github.com/p-blackswan/area/internal/errors"
)

// Publisher is the minimal broker surface the connector needs.
type Publisher interface {
	Publish(ctx context.Context, topic string, qos byte, retain bool, payload []byte) error
}

// ClientConfig holds broker connection settings.
type ClientConfig struct {
	BrokerURL string
	ClientID  string
	Username  string
	Password  string
}

// Client publishes to an MQTT broker through paho.
type Client struct {
	cli    paho.Client
	logger zerolog.Logger
}

// Dial connects to the broker. Supported schemes: mqtt, tcp, ssl, tls, ws, wss.
func Dial(ctx context.Context, cfg ClientConfig, logger zerolog.Logger) (*Client, error) {
	u, err := url.Parse(cfg.BrokerURL)
	if err != nil {
		return nil, fmt.Errorf("parsing broker url: %w", err)
	}
	logger = logger.With().Str("component", "mqtt").Logger()

	opts := paho.NewClientOptions()
	switch u.Scheme {
	case "mqtt", "tcp":
		opts.AddBroker("tcp://" + u.Host)
	case "ssl", "tls":
		opts.AddBroker("ssl://" + u.Host)
		opts.SetTLSConfig(&tls.Config{MinVersion: tls.VersionTLS12})
	case "ws", "wss":
		opts.AddBroker(u.Scheme + "://" + u.Host + u.Path)
	default:
		return nil, fmt.Errorf("unsupported broker scheme %q", u.Scheme)
	}
	opts.SetClientID(cfg.ClientID)
	opts.SetAutoReconnect(true)
	opts.SetConnectRetry(true)
	opts.OnConnect = func(paho.Client) { logger.Info().Str("broker", u.Host).Msg("mqtt connected") }
	opts.OnConnectionLost = func(_ paho.Client, err error) { logger.Error().Err(err).Msg("mqtt connection lost") }

	user, pass := cfg.Username, cfg.Password
	if u.User != nil && user == "" {
		user = u.User.Username()
		pass, _ = u.User.Password()
	}
	if user != "" {
		opts.SetUsername(user)
		opts.SetPassword(pass)
	}

	cli := paho.NewClient(opts)
	if err := wait(ctx, cli.Connect()); err != nil {
		return nil, fmt.Errorf("connecting to broker: %w", err)
	}
	return &Client{cli: cli, logger: logger}, nil
}

// Publish sends one message and waits for the broker acknowledgement the QoS requires.
func (c *Client) Publish(ctx context.Context, topic string, qos byte, retain bool, payload []byte) error {
	if !c.cli.IsConnectionOpen() {
		return fmt.Errorf("mqtt: %w: not connected", perrors.ErrUnavailable)
	}
	return wait(ctx, c.cli.Publish(topic, qos, retain, payload))
}

// Close disconnects, allowing in-flight work a short grace period.
func (c *Client) Close() {
	c.cli.Disconnect(250)
}

// Healthy reports whether the broker connection is up.
func (c *Client) Healthy() bool {
	return c.cli.IsConnectionOpen()
}

func wait(ctx context.Context, t paho.Token) error {
	select {
	case <-t.Done():
		return t.Error()
	case <-ctx.Done():
		return fmt.Errorf("mqtt: %w", perrors.ErrTimeout)
	case <-time.After(30 * time.Second):
		return fmt.Errorf("mqtt: %w", perrors.ErrTimeout)
	}
}
