package transport

import (
	"context"
	"crypto/tls"
	"fmt"
	"sync"
	"time"

	mqtt "github.com/eclipse/paho.mqtt.golang"
	logpkg "github.com/rzbill/relay/pkg/log"
)

// MQTTOptions configures the MQTT dialer.
type MQTTOptions struct {
	// Broker is a URL such as ssl://mqtt.ably.io:8883.
	Broker    string
	KeepAlive time.Duration
	TLS       bool
	// ConnectTimeout bounds the initial connect; defaults to 10s.
	ConnectTimeout time.Duration
}

// MQTT dials token-authenticated MQTT connections: the token is the username
// and the password is empty.
type MQTT struct {
	opts   MQTTOptions
	logger logpkg.Logger
}

func NewMQTT(opts MQTTOptions, logger logpkg.Logger) *MQTT {
	if opts.KeepAlive <= 0 {
		opts.KeepAlive = 15 * time.Second
	}
	if opts.ConnectTimeout <= 0 {
		opts.ConnectTimeout = 10 * time.Second
	}
	return &MQTT{opts: opts, logger: logger}
}

type mqttConn struct {
	client  mqtt.Client
	onFrame FrameHandler
	logger  logpkg.Logger

	mu     sync.Mutex
	topics map[string]struct{}
	closed bool
}

func (d *MQTT) Dial(ctx context.Context, creds Credentials, onFrame FrameHandler) (Conn, error) {
	c := &mqttConn{onFrame: onFrame, logger: d.logger, topics: make(map[string]struct{})}

	o := mqtt.NewClientOptions().
		AddBroker(d.opts.Broker).
		SetUsername(creds.Token).
		SetPassword("").
		SetKeepAlive(d.opts.KeepAlive).
		SetAutoReconnect(true).
		SetConnectTimeout(d.opts.ConnectTimeout).
		SetCleanSession(true)
	if creds.ClientID != "" {
		o.SetClientID(creds.ClientID)
	}
	if d.opts.TLS {
		o.SetTLSConfig(&tls.Config{MinVersion: tls.VersionTLS12})
	}
	o.SetOnConnectHandler(func(mqtt.Client) {
		d.logger.Info("transport.connected", logpkg.Str("broker", d.opts.Broker))
		c.resubscribe()
	})
	o.SetConnectionLostHandler(func(_ mqtt.Client, err error) {
		d.logger.Warn("transport.connection_lost", logpkg.Err(err))
	})

	c.client = mqtt.NewClient(o)
	tok := c.client.Connect()
	if err := waitToken(ctx, tok, d.opts.ConnectTimeout); err != nil {
		c.client.Disconnect(0)
		return nil, fmt.Errorf("transport: mqtt connect %s: %w", d.opts.Broker, err)
	}
	return c, nil
}

func (c *mqttConn) handler(_ mqtt.Client, m mqtt.Message) {
	c.onFrame(m.Topic(), m.Payload())
}

// resubscribe restores subscriptions after an automatic reconnect.
func (c *mqttConn) resubscribe() {
	c.mu.Lock()
	topics := make([]string, 0, len(c.topics))
	for t := range c.topics {
		topics = append(topics, t)
	}
	c.mu.Unlock()
	for _, t := range topics {
		tok := c.client.Subscribe(t, 1, c.handler)
		if !tok.WaitTimeout(10*time.Second) || tok.Error() != nil {
			c.logger.Warn("transport.resubscribe_failed", logpkg.Str("topic", t), logpkg.Err(tok.Error()))
		}
	}
}

func (c *mqttConn) Subscribe(ctx context.Context, topic string) error {
	c.mu.Lock()
	c.topics[topic] = struct{}{}
	c.mu.Unlock()
	if err := waitToken(ctx, c.client.Subscribe(topic, 1, c.handler), 10*time.Second); err != nil {
		return fmt.Errorf("transport: mqtt subscribe %s: %w", topic, err)
	}
	return nil
}

func (c *mqttConn) Publish(ctx context.Context, topic string, frame []byte) error {
	if !c.Connected() {
		return ErrNotConnected
	}
	if err := waitToken(ctx, c.client.Publish(topic, 1, false, frame), 10*time.Second); err != nil {
		return fmt.Errorf("transport: mqtt publish %s: %w", topic, err)
	}
	return nil
}

func (c *mqttConn) Connected() bool {
	c.mu.Lock()
	closed := c.closed
	c.mu.Unlock()
	return !closed && c.client.IsConnectionOpen()
}

func (c *mqttConn) Close() error {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return nil
	}
	c.closed = true
	c.mu.Unlock()
	c.client.Disconnect(250)
	return nil
}

// waitToken waits for tok, bounded by ctx and max.
func waitToken(ctx context.Context, tok mqtt.Token, max time.Duration) error {
	timer := time.NewTimer(max)
	defer timer.Stop()
	select {
	case <-tok.Done():
		return tok.Error()
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return fmt.Errorf("timed out after %s", max)
	}
}
