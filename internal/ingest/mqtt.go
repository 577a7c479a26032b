package ingest

import (
	"context"
	"errors"
	"fmt"
	"time"

	pahomqtt "github.com/eclipse/paho.mqtt.golang"
	"go.uber.org/zap"
)

var errPublishTimeout = errors.New("mqtt publish timed out")

// MQTTConfig holds the broker settings for the MQTT transport.
type MQTTConfig struct {
	Broker   string        `mapstructure:"broker"`
	Topic    string        `mapstructure:"topic"`
	ClientID string        `mapstructure:"client_id"`
	Username string        `mapstructure:"username"`
	Password string        `mapstructure:"password"` //nolint:gosec // G101: config field name, not a credential
	QoS      byte          `mapstructure:"qos"`
	Timeout  time.Duration `mapstructure:"timeout"`
}

// MQTTTransport publishes each body as one message on a fixed topic.
type MQTTTransport struct {
	cfg    MQTTConfig
	client pahomqtt.Client
	logger *zap.Logger
}

// NewMQTTTransport connects to the broker. A failed first connection is not
// an error: paho keeps reconnecting in the background and sends fail until
// it succeeds.
func NewMQTTTransport(cfg MQTTConfig, logger *zap.Logger) (*MQTTTransport, error) {
	if cfg.Broker == "" {
		return nil, errors.New("mqtt transport: broker not configured")
	}
	if cfg.Topic == "" {
		return nil, errors.New("mqtt transport: topic not configured")
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = 2 * time.Second
	}

	opts := pahomqtt.NewClientOptions().
		AddBroker(cfg.Broker).
		SetClientID(cfg.ClientID).
		SetAutoReconnect(true).
		SetConnectRetry(true).
		SetConnectTimeout(cfg.Timeout)

	if cfg.Username != "" {
		opts.SetUsername(cfg.Username)
		opts.SetPassword(cfg.Password) //nolint:gosec // G101: config field
	}

	t := newMQTTTransport(cfg, pahomqtt.NewClient(opts), logger)
	token := t.client.Connect()

	switch {
	case !token.WaitTimeout(cfg.Timeout):
		logger.Warn("mqtt connection timed out; will reconnect in background")
	case token.Error() != nil:
		logger.Warn("mqtt connection failed; will reconnect in background",
			zap.Error(token.Error()),
		)
	default:
		logger.Info("mqtt connected to broker",
			zap.String("broker", cfg.Broker),
			zap.String("topic", cfg.Topic),
		)
	}
	return t, nil
}

func newMQTTTransport(cfg MQTTConfig, client pahomqtt.Client, logger *zap.Logger) *MQTTTransport {
	return &MQTTTransport{cfg: cfg, client: client, logger: logger}
}

func (t *MQTTTransport) Target() string { return t.cfg.Broker + "/" + t.cfg.Topic }

// Send publishes body and waits for the broker acknowledgement required by
// the configured QoS.
func (t *MQTTTransport) Send(ctx context.Context, body []byte) error {
	if !t.client.IsConnected() {
		return errors.New("mqtt not connected")
	}
	token := t.client.Publish(t.cfg.Topic, t.cfg.QoS, false, body)

	wait := t.cfg.Timeout
	if deadline, ok := ctx.Deadline(); ok {
		wait = min(wait, time.Until(deadline))
	}
	if !token.WaitTimeout(wait) {
		return errPublishTimeout
	}
	if err := token.Error(); err != nil {
		return fmt.Errorf("mqtt publish: %w", err)
	}
	return nil
}

// Close disconnects from the broker.
func (t *MQTTTransport) Close() {
	if t.client.IsConnected() {
		t.client.Disconnect(250)
		t.logger.Info("mqtt disconnected")
	}
}
