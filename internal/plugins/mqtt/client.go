package mqtt

import (
	"context"
	"fmt"
	"net/url"
	"strings"
	"time"

	pahomqtt "github.com/eclipse/paho.mqtt.golang"
	"go.uber.org/zap"
)

const (
	connectTimeout       = 10 * time.Second
	keepAlive            = 60 * time.Second
	maxReconnectInterval = 30 * time.Second
	disconnectQuiesce    = 250 // milliseconds
	qos                  = 1
)

// Handler receives one message.
type Handler func(topic string, payload []byte)

// Client is the broker surface the bridge needs, so tests can run without
// a live broker.
type Client interface {
	Connect(ctx context.Context) error
	Disconnect()
	IsConnected() bool
	Publish(ctx context.Context, topic string, payload []byte) error
	Subscribe(ctx context.Context, topic string, h Handler) error
}

// Options configure the broker connection.
type Options struct {
	Broker   string
	ClientID string
	Username string
	Password string
}

// ClientFactory builds a client for the given options.
type ClientFactory func(opts Options, logger *zap.Logger) (Client, error)

// brokerURL normalizes mqtt:// and tls:// style addresses to what paho
// expects.
func brokerURL(raw string) (string, error) {
	u, err := url.Parse(strings.TrimSpace(raw))
	if err != nil {
		return "", fmt.Errorf("invalid broker url: %w", err)
	}
	if u.Host == "" {
		return "", fmt.Errorf("broker url %q has no host", raw)
	}
	switch u.Scheme {
	case "mqtt", "tcp":
		return "tcp://" + u.Host, nil
	case "mqtts", "ssl", "tls":
		return "ssl://" + u.Host, nil
	case "ws", "wss":
		return u.Scheme + "://" + u.Host + u.Path, nil
	default:
		return "", fmt.Errorf("unsupported broker scheme %q", u.Scheme)
	}
}

type pahoClient struct {
	cli    pahomqtt.Client
	logger *zap.Logger
}

// NewPahoClient is the default ClientFactory.
func NewPahoClient(opts Options, logger *zap.Logger) (Client, error) {
	broker, err := brokerURL(opts.Broker)
	if err != nil {
		return nil, err
	}

	o := pahomqtt.NewClientOptions()
	o.AddBroker(broker)
	o.SetClientID(opts.ClientID)
	if opts.Username != "" {
		o.SetUsername(opts.Username)
		o.SetPassword(opts.Password)
	}
	o.SetCleanSession(true)
	o.SetAutoReconnect(true)
	o.SetMaxReconnectInterval(maxReconnectInterval)
	o.SetConnectTimeout(connectTimeout)
	o.SetKeepAlive(keepAlive)
	o.OnConnect = func(pahomqtt.Client) {
		logger.Info("MQTT connected", zap.String("broker", broker))
	}
	o.OnConnectionLost = func(_ pahomqtt.Client, err error) {
		logger.Warn("MQTT connection lost", zap.Error(err))
	}

	return &pahoClient{cli: pahomqtt.NewClient(o), logger: logger}, nil
}

func wait(ctx context.Context, t pahomqtt.Token) error {
	select {
	case <-t.Done():
		return t.Error()
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (c *pahoClient) Connect(ctx context.Context) error {
	return wait(ctx, c.cli.Connect())
}

func (c *pahoClient) Disconnect() {
	c.cli.Disconnect(disconnectQuiesce)
}

func (c *pahoClient) IsConnected() bool {
	return c.cli.IsConnectionOpen()
}

func (c *pahoClient) Publish(ctx context.Context, topic string, payload []byte) error {
	return wait(ctx, c.cli.Publish(topic, qos, false, payload))
}

func (c *pahoClient) Subscribe(ctx context.Context, topic string, h Handler) error {
	err := wait(ctx, c.cli.Subscribe(topic, qos, func(_ pahomqtt.Client, m pahomqtt.Message) {
		h(m.Topic(), m.Payload())
	}))
	if err != nil {
		return err
	}
	c.logger.Debug("MQTT subscribed", zap.String("topic", topic))
	return nil
}
