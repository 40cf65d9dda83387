package transport

import (
	"context"
	"crypto/tls"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	logpkg "github.com/rzbill/relay/pkg/log"
	kgo "github.com/segmentio/kafka-go"
	"github.com/segmentio/kafka-go/sasl/plain"
)

// KafkaOptions configures the Kafka dialer.
type KafkaOptions struct {
	Brokers []string
	GroupID string
	TLS     bool
	Timeout time.Duration
}

// Kafka maps channels onto Kafka topics. The broker token is presented as the
// SASL/PLAIN username.
type Kafka struct {
	opts   KafkaOptions
	logger logpkg.Logger
}

func NewKafka(opts KafkaOptions, logger logpkg.Logger) *Kafka {
	if opts.Timeout <= 0 {
		opts.Timeout = 3 * time.Second
	}
	if opts.GroupID == "" {
		opts.GroupID = "relay"
	}
	return &Kafka{opts: opts, logger: logger}
}

type kafkaConn struct {
	opts    KafkaOptions
	dialer  *kgo.Dialer
	writer  *kgo.Writer
	onFrame FrameHandler
	logger  logpkg.Logger

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup

	mu      sync.Mutex
	readers []*kgo.Reader
	healthy atomic.Bool
}

func (d *Kafka) Dial(ctx context.Context, creds Credentials, onFrame FrameHandler) (Conn, error) {
	if len(d.opts.Brokers) == 0 {
		return nil, errors.New("transport: kafka brokers are required")
	}
	var tlsCfg *tls.Config
	if d.opts.TLS {
		tlsCfg = &tls.Config{MinVersion: tls.VersionTLS12}
	}
	var mech plain.Mechanism
	if creds.Token != "" {
		mech = plain.Mechanism{Username: creds.Token, Password: ""}
	}
	dialer := &kgo.Dialer{Timeout: d.opts.Timeout, DualStack: true, TLS: tlsCfg, ClientID: creds.ClientID}
	kt := &kgo.Transport{TLS: tlsCfg, ClientID: creds.ClientID}
	if creds.Token != "" {
		dialer.SASLMechanism = mech
		kt.SASL = mech
	}

	probe, err := dialer.DialContext(ctx, "tcp", d.opts.Brokers[0])
	if err != nil {
		return nil, fmt.Errorf("transport: kafka dial %s: %w", d.opts.Brokers[0], err)
	}
	_ = probe.Close()

	cctx, cancel := context.WithCancel(context.Background())
	c := &kafkaConn{
		opts:   d.opts,
		dialer: dialer,
		writer: &kgo.Writer{
			Addr:         kgo.TCP(d.opts.Brokers...),
			Balancer:     &kgo.LeastBytes{},
			RequiredAcks: kgo.RequireOne,
			Transport:    kt,
		},
		onFrame: onFrame,
		logger:  d.logger,
		ctx:     cctx,
		cancel:  cancel,
	}
	c.healthy.Store(true)
	return c, nil
}

func (c *kafkaConn) Subscribe(_ context.Context, topic string) error {
	if c.ctx.Err() != nil {
		return ErrNotConnected
	}
	r := kgo.NewReader(kgo.ReaderConfig{
		Brokers:  c.opts.Brokers,
		Topic:    topic,
		GroupID:  c.opts.GroupID,
		Dialer:   c.dialer,
		MinBytes: 1,
		MaxBytes: 10e6,
	})
	c.mu.Lock()
	c.readers = append(c.readers, r)
	c.mu.Unlock()

	c.wg.Add(1)
	go func() {
		defer c.wg.Done()
		for {
			m, err := r.ReadMessage(c.ctx)
			if err != nil {
				if c.ctx.Err() != nil {
					return
				}
				c.healthy.Store(false)
				c.logger.Warn("transport.read_failed", logpkg.Str("topic", topic), logpkg.Err(err))
				time.Sleep(time.Second)
				continue
			}
			c.healthy.Store(true)
			c.onFrame(m.Topic, m.Value)
		}
	}()
	return nil
}

func (c *kafkaConn) Publish(ctx context.Context, topic string, frame []byte) error {
	if c.ctx.Err() != nil {
		return ErrNotConnected
	}
	cctx, cancel := context.WithTimeout(ctx, c.opts.Timeout)
	defer cancel()
	err := c.writer.WriteMessages(cctx, kgo.Message{Topic: topic, Value: frame, Time: time.Now()})
	if err != nil {
		c.healthy.Store(false)
		return fmt.Errorf("transport: kafka publish %s: %w", topic, err)
	}
	c.healthy.Store(true)
	return nil
}

func (c *kafkaConn) Connected() bool {
	return c.ctx.Err() == nil && c.healthy.Load()
}

func (c *kafkaConn) Close() error {
	if c.ctx.Err() != nil {
		return nil
	}
	c.cancel()
	c.wg.Wait()
	var errs []error
	c.mu.Lock()
	for _, r := range c.readers {
		errs = append(errs, r.Close())
	}
	c.readers = nil
	c.mu.Unlock()
	errs = append(errs, c.writer.Close())
	return errors.Join(errs...)
}
