package transport

import (
	"context"
	"sync"
)

// Loopback is an in-process broker. Publishing to a topic delivers the frame
// to every live connection subscribed to it, and every published frame is
// recorded so tests and the dev setup can inspect traffic.
type Loopback struct {
	mu          sync.Mutex
	conns       []*loopConn
	published   map[string][][]byte
	failDial    error
	failPublish error
	dials       int
}

func NewLoopback() *Loopback {
	return &Loopback{published: make(map[string][][]byte)}
}

type loopConn struct {
	broker  *Loopback
	onFrame FrameHandler
	creds   Credentials

	mu     sync.Mutex
	topics map[string]struct{}
	up     bool
}

func (b *Loopback) Dial(ctx context.Context, creds Credentials, onFrame FrameHandler) (Conn, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.failDial != nil {
		return nil, b.failDial
	}
	b.dials++
	c := &loopConn{broker: b, onFrame: onFrame, creds: creds, topics: make(map[string]struct{}), up: true}
	b.conns = append(b.conns, c)
	return c, nil
}

// Inject delivers payload to subscribers of topic without recording it, as a
// remote client would.
func (b *Loopback) Inject(topic string, payload []byte) {
	for _, c := range b.subscribers(topic) {
		c.onFrame(topic, append([]byte(nil), payload...))
	}
}

// Published returns the frames published to topic so far.
func (b *Loopback) Published(topic string) [][]byte {
	b.mu.Lock()
	defer b.mu.Unlock()
	return append([][]byte(nil), b.published[topic]...)
}

// Dials counts successful dials.
func (b *Loopback) Dials() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.dials
}

// SetFailDial makes following dials fail with err; nil restores them.
func (b *Loopback) SetFailDial(err error) {
	b.mu.Lock()
	b.failDial = err
	b.mu.Unlock()
}

// SetFailPublish makes following publishes fail with err; nil restores them.
func (b *Loopback) SetFailPublish(err error) {
	b.mu.Lock()
	b.failPublish = err
	b.mu.Unlock()
}

// DropAll marks every open connection as disconnected.
func (b *Loopback) DropAll() {
	b.mu.Lock()
	conns := append([]*loopConn(nil), b.conns...)
	b.mu.Unlock()
	for _, c := range conns {
		c.mu.Lock()
		c.up = false
		c.mu.Unlock()
	}
}

func (b *Loopback) subscribers(topic string) []*loopConn {
	b.mu.Lock()
	conns := append([]*loopConn(nil), b.conns...)
	b.mu.Unlock()
	var out []*loopConn
	for _, c := range conns {
		c.mu.Lock()
		_, ok := c.topics[topic]
		up := c.up
		c.mu.Unlock()
		if ok && up {
			out = append(out, c)
		}
	}
	return out
}

func (c *loopConn) Subscribe(_ context.Context, topic string) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if !c.up {
		return ErrNotConnected
	}
	c.topics[topic] = struct{}{}
	return nil
}

func (c *loopConn) Publish(ctx context.Context, topic string, frame []byte) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if !c.Connected() {
		return ErrNotConnected
	}
	b := c.broker
	b.mu.Lock()
	if b.failPublish != nil {
		err := b.failPublish
		b.mu.Unlock()
		return err
	}
	b.published[topic] = append(b.published[topic], append([]byte(nil), frame...))
	b.mu.Unlock()
	for _, sub := range b.subscribers(topic) {
		if sub != c {
			sub.onFrame(topic, append([]byte(nil), frame...))
		}
	}
	return nil
}

func (c *loopConn) Connected() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.up
}

func (c *loopConn) Close() error {
	c.mu.Lock()
	c.up = false
	c.mu.Unlock()
	b := c.broker
	b.mu.Lock()
	for i, x := range b.conns {
		if x == c {
			b.conns = append(b.conns[:i], b.conns[i+1:]...)
			break
		}
	}
	b.mu.Unlock()
	return nil
}
