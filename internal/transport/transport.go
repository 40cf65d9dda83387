// Package transport connects the backend to the real-time message broker that
// carries client control messages in and notifications out. Connections are
// token-authenticated and topic based; the dispatcher owns reconnects.
package transport

import (
	"context"
	"errors"
	"fmt"

	cfgpkg "github.com/rzbill/relay/internal/config"
	logpkg "github.com/rzbill/relay/pkg/log"
)

// ErrNotConnected is returned by Publish on a connection that is down.
var ErrNotConnected = errors.New("transport: not connected")

// Credentials authenticate one connection.
type Credentials struct {
	// Token is the broker access token issued at registration.
	Token string
	// ClientID identifies the connection to the broker; empty lets the
	// implementation choose.
	ClientID string
}

// FrameHandler receives raw inbound payloads. It is called from transport
// goroutines and must not block.
type FrameHandler func(topic string, payload []byte)

// Dialer opens connections.
type Dialer interface {
	Dial(ctx context.Context, creds Credentials, onFrame FrameHandler) (Conn, error)
}

// Conn is one live broker connection.
type Conn interface {
	Subscribe(ctx context.Context, topic string) error
	Publish(ctx context.Context, topic string, frame []byte) error
	Connected() bool
	Close() error
}

// New builds the Dialer selected by cfg.
func New(cfg cfgpkg.TransportConfig, logger logpkg.Logger) (Dialer, error) {
	if logger == nil {
		logger = logpkg.NewLogger()
	}
	logger = logger.With(logpkg.Component("transport"), logpkg.Str("kind", cfg.Kind))
	switch cfg.Kind {
	case "mqtt":
		return NewMQTT(MQTTOptions{Broker: cfg.MQTTBroker, KeepAlive: cfg.MQTTKeepAlive.D(), TLS: cfg.TLS}, logger), nil
	case "kafka":
		return NewKafka(KafkaOptions{Brokers: cfg.KafkaBrokers, GroupID: cfg.KafkaGroupID, TLS: cfg.TLS}, logger), nil
	case "loopback", "":
		return NewLoopback(), nil
	default:
		return nil, fmt.Errorf("transport: unknown kind %q", cfg.Kind)
	}
}
