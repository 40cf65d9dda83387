// Package dispatch batches outbound notifications per channel and owns the
// broker connection. Batches are sealed into {"messages":[...]} frames and
// queued on an ordered outbox that survives reconnects, so a lost connection
// delays delivery but never drops a frame.
package dispatch

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/rzbill/relay/internal/protocol"
	"github.com/rzbill/relay/internal/registration"
	"github.com/rzbill/relay/internal/transport"
	logpkg "github.com/rzbill/relay/pkg/log"
)

// Options tunes batching.
type Options struct {
	// MaxBatchBytes bounds the serialized payload of one batch.
	MaxBatchBytes int
	// MaxBatchAge flushes batches older than this on Iterate.
	MaxBatchAge time.Duration
	// PublishTimeout bounds a single frame publish.
	PublishTimeout time.Duration
	// InboundBuffer is the initial capacity of the inbound queue. The queue
	// grows past it; frame handlers never wait on the loop.
	InboundBuffer int
	Now           func() time.Time
}

func (o *Options) setDefaults() {
	if o.MaxBatchBytes <= 0 {
		o.MaxBatchBytes = 10000
	}
	if o.MaxBatchAge <= 0 {
		o.MaxBatchAge = 150 * time.Millisecond
	}
	if o.PublishTimeout <= 0 {
		o.PublishTimeout = 5 * time.Second
	}
	if o.InboundBuffer <= 0 {
		o.InboundBuffer = 1024
	}
	if o.Now == nil {
		o.Now = time.Now
	}
}

type channelBatch struct {
	messages  []json.RawMessage
	size      int
	lastFlush time.Time
}

type outFrame struct {
	topic    string
	payload  []byte
	messages int
}

// Stats is a point-in-time view for status endpoints.
type Stats struct {
	Connected      bool `json:"connected"`
	PendingBatches int  `json:"pendingBatches"`
	OutboxFrames   int  `json:"outboxFrames"`
}

// Dispatcher is driven by a single loop goroutine (Publish, Iterate,
// Reconnect, DrainInbound); Stats and Connected are safe from any goroutine.
type Dispatcher struct {
	dialer transport.Dialer
	opts   Options
	logger logpkg.Logger

	mu      sync.Mutex
	conn    transport.Conn
	retired *atomic.Bool
	batches map[string]*channelBatch
	order   []string
	outbox  []outFrame
	closed  bool

	inMu    sync.Mutex
	inbound []json.RawMessage

	// closing tracks previous connections being closed off the loop.
	closing sync.WaitGroup
}

func New(dialer transport.Dialer, opts Options) *Dispatcher {
	return NewWithLogger(dialer, opts, logpkg.NewLogger())
}

func NewWithLogger(dialer transport.Dialer, opts Options, logger logpkg.Logger) *Dispatcher {
	opts.setDefaults()
	return &Dispatcher{
		dialer:  dialer,
		opts:    opts,
		logger:  logger.With(logpkg.Component("dispatch")),
		batches: make(map[string]*channelBatch),
		inbound: make([]json.RawMessage, 0, opts.InboundBuffer),
	}
}

// DrainInbound returns, in arrival order, every message received on the
// subscribed topic since the previous call, with batched frames already split.
func (d *Dispatcher) DrainInbound() []json.RawMessage {
	d.inMu.Lock()
	defer d.inMu.Unlock()
	if len(d.inbound) == 0 {
		return nil
	}
	out := d.inbound
	d.inbound = make([]json.RawMessage, 0, d.opts.InboundBuffer)
	return out
}

// Publish queues msg on channel. When the batch already holds messages and
// msg would push it past the byte budget, the batch is sealed onto the outbox
// first. Frames are sent by Iterate, never from Publish.
func (d *Dispatcher) Publish(channel string, msg any) error {
	raw, err := json.Marshal(msg)
	if err != nil {
		return fmt.Errorf("dispatch: encode message: %w", err)
	}
	d.mu.Lock()
	b := d.batch(channel)
	if len(b.messages) > 0 && b.size+len(raw) > d.opts.MaxBatchBytes {
		d.sealLocked(channel, b)
	}
	b.messages = append(b.messages, raw)
	b.size += len(raw)
	d.mu.Unlock()
	return nil
}

// Iterate flushes batches idle longer than MaxBatchAge and retries the outbox.
func (d *Dispatcher) Iterate(ctx context.Context) {
	now := d.opts.Now()
	d.mu.Lock()
	for _, ch := range d.order {
		b := d.batches[ch]
		if now.Sub(b.lastFlush) > d.opts.MaxBatchAge {
			d.sealLocked(ch, b)
		}
	}
	d.mu.Unlock()
	d.drain(ctx)
}

// Flush seals every non-empty batch and drains the outbox.
func (d *Dispatcher) Flush(ctx context.Context) {
	d.mu.Lock()
	for _, ch := range d.order {
		if b := d.batches[ch]; len(b.messages) > 0 {
			d.sealLocked(ch, b)
		}
	}
	d.mu.Unlock()
	d.drain(ctx)
}

func (d *Dispatcher) batch(channel string) *channelBatch {
	b, ok := d.batches[channel]
	if !ok {
		b = &channelBatch{lastFlush: d.opts.Now()}
		d.batches[channel] = b
		d.order = append(d.order, channel)
	}
	return b
}

// sealLocked moves the batch into the outbox. The flush time is reset even
// for an empty batch.
func (d *Dispatcher) sealLocked(channel string, b *channelBatch) {
	b.lastFlush = d.opts.Now()
	if len(b.messages) == 0 {
		return
	}
	payload, err := protocol.EncodeFrame(b.messages)
	if err != nil {
		// RawMessages were produced by json.Marshal.
		panic(fmt.Sprintf("dispatch: encode frame: %v", err))
	}
	d.outbox = append(d.outbox, outFrame{topic: channel, payload: payload, messages: len(b.messages)})
	b.messages = nil
	b.size = 0
}

// drain publishes outbox frames in order, stopping at the first failure so
// ordering holds across retries.
func (d *Dispatcher) drain(ctx context.Context) {
	for {
		d.mu.Lock()
		if len(d.outbox) == 0 || d.conn == nil || !d.conn.Connected() {
			d.mu.Unlock()
			return
		}
		conn := d.conn
		f := d.outbox[0]
		d.mu.Unlock()

		pctx, cancel := context.WithTimeout(ctx, d.opts.PublishTimeout)
		err := conn.Publish(pctx, f.topic, f.payload)
		cancel()
		if err != nil {
			d.logger.Warn("dispatch.publish_failed",
				logpkg.Str("channel", f.topic), logpkg.Int("messages", f.messages), logpkg.Err(err))
			return
		}
		d.mu.Lock()
		if len(d.outbox) > 0 {
			d.outbox = d.outbox[1:]
		}
		d.mu.Unlock()
		d.logger.Debug("dispatch.flush", logpkg.Str("channel", f.topic), logpkg.Int("messages", f.messages), logpkg.Int("bytes", len(f.payload)))
	}
}

// Reconnect dials a new connection, subscribes the client channel, swaps it
// in and only then retires the previous one. Frames still arriving on a
// retired connection are dropped, and its Close runs on its own goroutine so
// a slow broker cannot stall the loop. On failure the previous connection
// stays active.
func (d *Dispatcher) Reconnect(ctx context.Context, reg registration.Registration) error {
	retired := new(atomic.Bool)
	onFrame := func(topic string, payload []byte) {
		if retired.Load() {
			return
		}
		d.onFrame(topic, payload)
	}
	conn, err := d.dialer.Dial(ctx, transport.Credentials{Token: reg.TokenDetails.Token}, onFrame)
	if err != nil {
		return fmt.Errorf("dispatch: dial: %w", err)
	}
	if err := conn.Subscribe(ctx, reg.ClientChannelName); err != nil {
		_ = conn.Close()
		return fmt.Errorf("dispatch: subscribe %s: %w", reg.ClientChannelName, err)
	}
	d.mu.Lock()
	if d.closed {
		d.mu.Unlock()
		_ = conn.Close()
		return errors.New("dispatch: closed")
	}
	old, oldRetired := d.conn, d.retired
	d.conn, d.retired = conn, retired
	d.mu.Unlock()
	if old != nil {
		oldRetired.Store(true)
		d.closing.Add(1)
		go func() {
			defer d.closing.Done()
			if err := old.Close(); err != nil {
				d.logger.Warn("dispatch.close_previous_failed", logpkg.Err(err))
			}
		}()
	}
	d.logger.Info("dispatch.connected", logpkg.Str("client_channel", reg.ClientChannelName))
	d.drain(ctx)
	return nil
}

func (d *Dispatcher) onFrame(topic string, payload []byte) {
	msgs, err := protocol.DecodeFrame(payload)
	if err != nil {
		d.logger.Warn("dispatch.malformed_frame", logpkg.Str("topic", topic), logpkg.Err(err))
		return
	}
	d.inMu.Lock()
	d.inbound = append(d.inbound, msgs...)
	d.inMu.Unlock()
}

// Connected reports whether the active connection is up.
func (d *Dispatcher) Connected() bool {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.conn != nil && d.conn.Connected()
}

func (d *Dispatcher) Stats() Stats {
	d.mu.Lock()
	defer d.mu.Unlock()
	s := Stats{Connected: d.conn != nil && d.conn.Connected(), OutboxFrames: len(d.outbox)}
	for _, b := range d.batches {
		if len(b.messages) > 0 {
			s.PendingBatches++
		}
	}
	return s
}

// Close closes the active connection and waits for retired ones. Unsent
// frames are discarded.
func (d *Dispatcher) Close() error {
	d.mu.Lock()
	if d.closed {
		d.mu.Unlock()
		return nil
	}
	d.closed = true
	conn, retired := d.conn, d.retired
	d.conn = nil
	if n := len(d.outbox); n > 0 {
		d.logger.Warn("dispatch.discard_outbox", logpkg.Int("frames", n))
	}
	d.mu.Unlock()
	var err error
	if conn != nil {
		retired.Store(true)
		err = conn.Close()
	}
	d.closing.Wait()
	return err
}
