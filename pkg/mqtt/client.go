// Package mqtt wraps the paho MQTT client for publishing JSON envelopes.
package mqtt

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	mqtt "github.com/eclipse/paho.mqtt.golang"
	"go.uber.org/zap"
)

// ErrNotConnected is returned when publishing without a broker connection.
var ErrNotConnected = errors.New("mqtt: client not connected")

// Client wraps the paho client with logging and JSON publishing.
type Client struct {
	client mqtt.Client
	logger *zap.Logger
	config *Config
}

// Config holds MQTT client configuration.
type Config struct {
	// BrokerURL is the MQTT broker URL (e.g., "tcp://localhost:1883")
	BrokerURL string
	// ClientID is the unique identifier for this client
	ClientID string
	// Username for MQTT authentication (optional)
	Username string
	// Password for MQTT authentication (optional)
	Password string
	// KeepAlive interval
	KeepAlive time.Duration
	// ConnectTimeout bounds Connect and each publish acknowledgement
	ConnectTimeout time.Duration
	// AutoReconnect enables automatic reconnection
	AutoReconnect bool
	// MaxReconnectInterval is the maximum time between reconnection attempts
	MaxReconnectInterval time.Duration
}

// NewClient creates a client. It does not connect.
func NewClient(config *Config, logger *zap.Logger) (*Client, error) {
	if config == nil {
		return nil, fmt.Errorf("config cannot be nil")
	}
	if config.BrokerURL == "" {
		return nil, fmt.Errorf("broker URL is required")
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	if config.ConnectTimeout <= 0 {
		config.ConnectTimeout = 5 * time.Second
	}
	if config.KeepAlive <= 0 {
		config.KeepAlive = 30 * time.Second
	}
	logger = logger.With(zap.String("component", "mqtt"))

	opts := mqtt.NewClientOptions()
	opts.AddBroker(config.BrokerURL)
	opts.SetClientID(config.ClientID)
	if config.Username != "" {
		opts.SetUsername(config.Username)
	}
	if config.Password != "" {
		opts.SetPassword(config.Password)
	}
	opts.SetKeepAlive(config.KeepAlive)
	opts.SetConnectTimeout(config.ConnectTimeout)
	opts.SetAutoReconnect(config.AutoReconnect)
	if config.MaxReconnectInterval > 0 {
		opts.SetMaxReconnectInterval(config.MaxReconnectInterval)
	}

	opts.SetConnectionLostHandler(func(_ mqtt.Client, err error) {
		logger.Error("MQTT connection lost", zap.Error(err))
	})
	opts.SetOnConnectHandler(func(_ mqtt.Client) {
		logger.Info("MQTT connected", zap.String("broker", config.BrokerURL))
	})
	opts.SetReconnectingHandler(func(_ mqtt.Client, _ *mqtt.ClientOptions) {
		logger.Info("MQTT reconnecting...")
	})

	return &Client{
		client: mqtt.NewClient(opts),
		logger: logger,
		config: config,
	}, nil
}

// Connect establishes the broker connection.
func (c *Client) Connect() error {
	c.logger.Info("Connecting to MQTT broker", zap.String("broker", c.config.BrokerURL))

	token := c.client.Connect()
	if !token.WaitTimeout(c.config.ConnectTimeout) {
		return fmt.Errorf("connection timeout after %v", c.config.ConnectTimeout)
	}
	if err := token.Error(); err != nil {
		return fmt.Errorf("failed to connect: %w", err)
	}
	return nil
}

// Disconnect closes the broker connection.
func (c *Client) Disconnect() {
	c.logger.Info("Disconnecting from MQTT broker")
	c.client.Disconnect(250)
}

// IsConnected returns true if the client is connected to the broker.
func (c *Client) IsConnected() bool {
	return c.client.IsConnected()
}

// Publish sends payload to topic and waits for the broker acknowledgement,
// the connect timeout, or ctx, whichever comes first.
func (c *Client) Publish(ctx context.Context, topic string, qos byte, retained bool, payload []byte) error {
	if !c.IsConnected() {
		return ErrNotConnected
	}

	token := c.client.Publish(topic, qos, retained, payload)

	timer := time.NewTimer(c.config.ConnectTimeout)
	defer timer.Stop()
	select {
	case <-token.Done():
	case <-timer.C:
		return fmt.Errorf("publish to %s timed out", topic)
	case <-ctx.Done():
		return ctx.Err()
	}

	if err := token.Error(); err != nil {
		c.logger.Error("Failed to publish message", zap.String("topic", topic), zap.Error(err))
		return fmt.Errorf("publish failed: %w", err)
	}

	c.logger.Debug("Message published", zap.String("topic", topic), zap.Int("size", len(payload)))
	return nil
}

// PublishJSON serializes payload to JSON and publishes it.
func (c *Client) PublishJSON(ctx context.Context, topic string, qos byte, retained bool, payload interface{}) error {
	data, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("failed to marshal JSON: %w", err)
	}
	return c.Publish(ctx, topic, qos, retained, data)
}
