// Package mqtt mirrors entity states to an MQTT broker and accepts service
// calls from it.
package mqtt

import (
	"errors"
	"fmt"
	"sync"
	"time"

	pahomqtt "github.com/eclipse/paho.mqtt.golang"
	"github.com/rs/zerolog/log"

	"github.com/dokzlo13/scened/internal/config"
)

// MQTT client errors
var (
	ErrNotConnected    = errors.New("mqtt not connected")
	ErrPublishFailed   = errors.New("mqtt publish failed")
	ErrSubscribeFailed = errors.New("mqtt subscribe failed")
)

const (
	defaultOperationTimeout = 5 * time.Second
	defaultKeepAlive        = 60 * time.Second
	disconnectQuiesceMs     = 250
)

// MessageHandler receives messages of a subscription
type MessageHandler func(topic string, payload []byte)

// Client is a connected paho client that restores its subscriptions after
// reconnecting.
type Client struct {
	client      pahomqtt.Client
	statusTopic string
	qos         byte

	subMu         sync.RWMutex
	subscriptions map[string]MessageHandler
}

// Connect dials the broker. The status topic <prefix>/status carries "online",
// with "offline" as last will.
func Connect(cfg config.MQTTConfig) (*Client, error) {
	c := &Client{
		statusTopic:   cfg.TopicPrefix + "/status",
		qos:           byte(cfg.QoS),
		subscriptions: make(map[string]MessageHandler),
	}

	opts := pahomqtt.NewClientOptions()
	opts.AddBroker(cfg.Broker)
	opts.SetClientID(cfg.ClientID)
	if cfg.Username != "" {
		opts.SetUsername(cfg.Username)
		opts.SetPassword(cfg.Password)
	}
	opts.SetCleanSession(true)
	opts.SetAutoReconnect(true)
	opts.SetConnectRetry(true)
	opts.SetConnectTimeout(cfg.ConnectTimeout.Duration())
	opts.SetKeepAlive(defaultKeepAlive)
	opts.SetWill(c.statusTopic, "offline", c.qos, true)

	opts.SetOnConnectHandler(func(_ pahomqtt.Client) {
		log.Info().Str("broker", cfg.Broker).Msg("MQTT connected")
		c.restoreSubscriptions()
		c.client.Publish(c.statusTopic, c.qos, true, "online")
	})
	opts.SetConnectionLostHandler(func(_ pahomqtt.Client, err error) {
		log.Warn().Err(err).Str("broker", cfg.Broker).Msg("MQTT connection lost")
	})

	c.client = pahomqtt.NewClient(opts)
	token := c.client.Connect()
	if !token.WaitTimeout(cfg.ConnectTimeout.Duration()) {
		c.client.Disconnect(0)
		return nil, fmt.Errorf("mqtt connect to %s: timeout after %v", cfg.Broker, cfg.ConnectTimeout.Duration())
	}
	if err := token.Error(); err != nil {
		return nil, fmt.Errorf("mqtt connect to %s: %w", cfg.Broker, err)
	}

	return c, nil
}

// Publish sends payload to topic
func (c *Client) Publish(topic string, payload []byte, retained bool) error {
	if !c.client.IsConnectionOpen() {
		return ErrNotConnected
	}
	token := c.client.Publish(topic, c.qos, retained, payload)
	if !token.WaitTimeout(defaultOperationTimeout) {
		return fmt.Errorf("%w: timeout after %v", ErrPublishFailed, defaultOperationTimeout)
	}
	if err := token.Error(); err != nil {
		return fmt.Errorf("%w: %w", ErrPublishFailed, err)
	}
	return nil
}

// Subscribe registers handler for topic. Handlers run on paho goroutines and
// are protected against panics.
func (c *Client) Subscribe(topic string, handler MessageHandler) error {
	c.subMu.Lock()
	c.subscriptions[topic] = handler
	c.subMu.Unlock()

	token := c.client.Subscribe(topic, c.qos, wrap(handler))
	if !token.WaitTimeout(defaultOperationTimeout) {
		return fmt.Errorf("%w: timeout after %v", ErrSubscribeFailed, defaultOperationTimeout)
	}
	if err := token.Error(); err != nil {
		return fmt.Errorf("%w: %w", ErrSubscribeFailed, err)
	}
	return nil
}

// Close publishes "offline" and disconnects
func (c *Client) Close() {
	if c.client.IsConnectionOpen() {
		token := c.client.Publish(c.statusTopic, c.qos, true, "offline")
		token.WaitTimeout(defaultOperationTimeout)
	}
	c.client.Disconnect(disconnectQuiesceMs)
}

func (c *Client) restoreSubscriptions() {
	c.subMu.RLock()
	defer c.subMu.RUnlock()

	for topic, handler := range c.subscriptions {
		c.client.Subscribe(topic, c.qos, wrap(handler))
	}
}

func wrap(handler MessageHandler) pahomqtt.MessageHandler {
	return func(_ pahomqtt.Client, msg pahomqtt.Message) {
		defer func() {
			if rec := recover(); rec != nil {
				log.Error().Interface("panic", rec).Str("topic", msg.Topic()).Msg("MQTT handler panicked")
			}
		}()
		handler(msg.Topic(), msg.Payload())
	}
}
