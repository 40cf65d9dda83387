package dispatch

import (
	"context"
	"encoding/json"
	"errors"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/rzbill/relay/internal/protocol"
	"github.com/rzbill/relay/internal/registration"
	"github.com/rzbill/relay/internal/transport"
	logpkg "github.com/rzbill/relay/pkg/log"
)

type clock struct{ t time.Time }

func (c *clock) now() time.Time          { return c.t }
func (c *clock) advance(d time.Duration) { c.t = c.t.Add(d) }
func newClock() *clock                   { return &clock{t: time.Unix(1000, 0)} }
func reg(client, server string) registration.Registration {
	return registration.Registration{
		ClientChannelName: client,
		ServerChannelName: server,
		TokenDetails:      registration.TokenDetails{Token: "tok"},
	}
}

func newTestDispatcher(t *testing.T, c *clock) (*Dispatcher, *transport.Loopback) {
	t.Helper()
	lb := transport.NewLoopback()
	d := NewWithLogger(lb, Options{Now: c.now}, logpkg.NewLogger(logpkg.WithOutput(logpkg.NullOutput{})))
	t.Cleanup(func() { _ = d.Close() })
	if err := d.Reconnect(context.Background(), reg("client", "server")); err != nil {
		t.Fatalf("reconnect: %v", err)
	}
	return d, lb
}

func frames(t *testing.T, lb *transport.Loopback, topic string) [][]json.RawMessage {
	t.Helper()
	var out [][]json.RawMessage
	for _, p := range lb.Published(topic) {
		var f protocol.Frame
		if err := json.Unmarshal(p, &f); err != nil {
			t.Fatalf("frame: %v", err)
		}
		out = append(out, f.Messages)
	}
	return out
}

func TestFlushBeforeOverflow(t *testing.T) {
	c := newClock()
	d, lb := newTestDispatcher(t, c)

	big := strings.Repeat("x", 6000)
	if err := d.Publish("server", map[string]string{"a": big}); err != nil {
		t.Fatalf("publish: %v", err)
	}
	if n := len(lb.Published("server")); n != 0 {
		t.Fatalf("first message should stay batched, got %d frames", n)
	}
	if err := d.Publish("server", map[string]string{"b": big}); err != nil {
		t.Fatalf("publish: %v", err)
	}
	if n := len(lb.Published("server")); n != 0 {
		t.Fatalf("publish must not send, got %d frames", n)
	}
	if st := d.Stats(); st.OutboxFrames != 1 {
		t.Fatalf("first batch should be sealed onto the outbox: %+v", st)
	}
	d.Iterate(context.Background())
	got := frames(t, lb, "server")
	if len(got) != 1 || len(got[0]) != 1 {
		t.Fatalf("expected the first batch flushed alone, got %v", got)
	}
	if !strings.Contains(string(got[0][0]), `"a"`) {
		t.Fatalf("wrong message flushed: %s", got[0][0])
	}

	c.advance(151 * time.Millisecond)
	d.Iterate(context.Background())
	got = frames(t, lb, "server")
	if len(got) != 2 || !strings.Contains(string(got[1][0]), `"b"`) {
		t.Fatalf("expected second batch on age flush, got %d frames", len(got))
	}
}

func TestOversizedSingleMessageIsSent(t *testing.T) {
	c := newClock()
	d, lb := newTestDispatcher(t, c)
	huge := strings.Repeat("y", 20000)
	_ = d.Publish("server", huge)
	c.advance(time.Second)
	d.Iterate(context.Background())
	if got := frames(t, lb, "server"); len(got) != 1 || len(got[0]) != 1 {
		t.Fatalf("oversized message should go out alone: %d frames", len(got))
	}
}

func TestAgeFlush(t *testing.T) {
	c := newClock()
	d, lb := newTestDispatcher(t, c)
	_ = d.Publish("server", protocol.NewReportAlive())
	_ = d.Publish("server", protocol.NewReportAlive())

	c.advance(100 * time.Millisecond)
	d.Iterate(context.Background())
	if n := len(lb.Published("server")); n != 0 {
		t.Fatalf("flushed too early: %d", n)
	}
	c.advance(60 * time.Millisecond)
	d.Iterate(context.Background())
	got := frames(t, lb, "server")
	if len(got) != 1 || len(got[0]) != 2 {
		t.Fatalf("expected one frame of two messages, got %v", got)
	}
}

func TestChannelsBatchIndependently(t *testing.T) {
	c := newClock()
	d, lb := newTestDispatcher(t, c)
	_ = d.Publish("a", 1)
	_ = d.Publish("b", 2)
	c.advance(time.Second)
	d.Iterate(context.Background())
	if len(lb.Published("a")) != 1 || len(lb.Published("b")) != 1 {
		t.Fatalf("expected one frame per channel")
	}
}

func TestOutboxSurvivesConnectionLoss(t *testing.T) {
	c := newClock()
	d, lb := newTestDispatcher(t, c)

	lb.DropAll()
	if d.Connected() {
		t.Fatalf("expected disconnected")
	}
	_ = d.Publish("server", protocol.NewTaskStatusUpdate("h", "finished", ""))
	c.advance(time.Second)
	d.Iterate(context.Background())
	if st := d.Stats(); st.OutboxFrames != 1 {
		t.Fatalf("frame should wait in outbox: %+v", st)
	}

	if err := d.Reconnect(context.Background(), reg("client", "server")); err != nil {
		t.Fatalf("reconnect: %v", err)
	}
	if got := frames(t, lb, "server"); len(got) != 1 {
		t.Fatalf("frame should be delivered after reconnect, got %d", len(got))
	}
	if st := d.Stats(); st.OutboxFrames != 0 || !st.Connected {
		t.Fatalf("unexpected stats %+v", st)
	}
}

func TestPublishFailureRetriesInOrder(t *testing.T) {
	c := newClock()
	d, lb := newTestDispatcher(t, c)
	lb.SetFailPublish(errors.New("broker busy"))
	_ = d.Publish("server", "first")
	c.advance(time.Second)
	d.Iterate(context.Background())
	_ = d.Publish("server", "second")
	c.advance(time.Second)
	d.Iterate(context.Background())
	if st := d.Stats(); st.OutboxFrames != 2 {
		t.Fatalf("expected 2 queued frames, got %+v", st)
	}
	lb.SetFailPublish(nil)
	d.Iterate(context.Background())
	got := frames(t, lb, "server")
	if len(got) != 2 || string(got[0][0]) != `"first"` || string(got[1][0]) != `"second"` {
		t.Fatalf("unexpected delivery order: %v", got)
	}
}

func TestReconnectFailureKeepsConnection(t *testing.T) {
	c := newClock()
	d, lb := newTestDispatcher(t, c)
	lb.SetFailDial(errors.New("refused"))
	if err := d.Reconnect(context.Background(), reg("client", "server")); err == nil {
		t.Fatalf("expected error")
	}
	if !d.Connected() {
		t.Fatalf("previous connection should stay active")
	}
}

func TestInboundNormalization(t *testing.T) {
	c := newClock()
	d, lb := newTestDispatcher(t, c)

	lb.Inject("client", []byte(`{"messages":[{"type":"probe"},{"type":"getBackendInfo"}]}`))
	lb.Inject("client", []byte(`{"type":"keepAliveTask","taskHash":"h"}`))
	lb.Inject("client", []byte(`not json`))

	msgs := d.DrainInbound()
	if len(msgs) != 3 {
		t.Fatalf("expected 3 inbound messages, got %d", len(msgs))
	}
	want := []string{"probe", "getBackendInfo", "keepAliveTask"}
	for i, raw := range msgs {
		in, err := protocol.Decode(raw)
		if err != nil {
			t.Fatalf("decode: %v", err)
		}
		if in.Type != want[i] {
			t.Fatalf("message %d type=%s want %s", i, in.Type, want[i])
		}
	}
	if extra := d.DrainInbound(); len(extra) != 0 {
		t.Fatalf("unexpected extra messages %d", len(extra))
	}
}

func TestReconnectSwitchesSubscription(t *testing.T) {
	c := newClock()
	d, lb := newTestDispatcher(t, c)
	if err := d.Reconnect(context.Background(), reg("client-2", "server")); err != nil {
		t.Fatalf("reconnect: %v", err)
	}
	lb.Inject("client", []byte(`{"type":"probe"}`))
	lb.Inject("client-2", []byte(`{"type":"probe"}`))
	if n := len(d.DrainInbound()); n != 1 {
		t.Fatalf("expected only the new channel to deliver, got %d", n)
	}
	if lb.Dials() != 2 {
		t.Fatalf("dials=%d", lb.Dials())
	}
}

// readerConn delivers frames from its own goroutine and waits for it in
// Close, like the Kafka connection.
type readerConn struct {
	frames    chan []byte
	stop      chan struct{}
	wg        sync.WaitGroup
	delivered atomic.Int64
	once      sync.Once
}

func (c *readerConn) Subscribe(ctx context.Context, topic string) error { return nil }
func (c *readerConn) Publish(ctx context.Context, topic string, frame []byte) error {
	return nil
}
func (c *readerConn) Connected() bool { return true }
func (c *readerConn) Close() error {
	c.once.Do(func() { close(c.stop) })
	c.wg.Wait()
	return nil
}

type readerDialer struct {
	mu    sync.Mutex
	conns []*readerConn
}

func (rd *readerDialer) Dial(ctx context.Context, creds transport.Credentials, onFrame transport.FrameHandler) (transport.Conn, error) {
	c := &readerConn{frames: make(chan []byte), stop: make(chan struct{})}
	c.wg.Add(1)
	go func() {
		defer c.wg.Done()
		for {
			select {
			case f := <-c.frames:
				onFrame("client", f)
				c.delivered.Add(1)
			case <-c.stop:
				return
			}
		}
	}()
	rd.mu.Lock()
	rd.conns = append(rd.conns, c)
	rd.mu.Unlock()
	return c, nil
}

func TestReconnectWithUndrainedInbound(t *testing.T) {
	rd := &readerDialer{}
	d := NewWithLogger(rd, Options{InboundBuffer: 4}, logpkg.NewLogger(logpkg.WithOutput(logpkg.NullOutput{})))
	if err := d.Reconnect(context.Background(), reg("client", "server")); err != nil {
		t.Fatalf("reconnect: %v", err)
	}
	first := rd.conns[0]
	const sent = 10
	for i := 0; i < sent; i++ {
		select {
		case first.frames <- []byte(`{"type":"probe"}`):
		case <-time.After(2 * time.Second):
			t.Fatalf("reader stuck after %d frames", i)
		}
	}
	deadline := time.Now().Add(2 * time.Second)
	for first.delivered.Load() < sent && time.Now().Before(deadline) {
		time.Sleep(time.Millisecond)
	}
	if n := first.delivered.Load(); n != sent {
		t.Fatalf("delivered %d of %d frames", n, sent)
	}

	done := make(chan error, 1)
	go func() { done <- d.Reconnect(context.Background(), reg("client", "server")) }()
	select {
	case err := <-done:
		if err != nil {
			t.Fatalf("reconnect: %v", err)
		}
	case <-time.After(2 * time.Second):
		t.Fatalf("reconnect blocked with %d undrained messages", sent)
	}
	if n := len(d.DrainInbound()); n != sent {
		t.Fatalf("drained %d messages, want %d", n, sent)
	}

	closed := make(chan error, 1)
	go func() { closed <- d.Close() }()
	select {
	case <-closed:
	case <-time.After(2 * time.Second):
		t.Fatalf("close blocked")
	}
}

func TestReconnectedConnectionDelivers(t *testing.T) {
	rd := &readerDialer{}
	d := NewWithLogger(rd, Options{}, logpkg.NewLogger(logpkg.WithOutput(logpkg.NullOutput{})))
	t.Cleanup(func() { _ = d.Close() })
	if err := d.Reconnect(context.Background(), reg("client", "server")); err != nil {
		t.Fatalf("reconnect: %v", err)
	}
	if err := d.Reconnect(context.Background(), reg("client", "server")); err != nil {
		t.Fatalf("reconnect: %v", err)
	}
	second := rd.conns[1]
	second.frames <- []byte(`{"type":"probe"}`)
	deadline := time.Now().Add(2 * time.Second)
	for second.delivered.Load() < 1 && time.Now().Before(deadline) {
		time.Sleep(time.Millisecond)
	}
	if n := len(d.DrainInbound()); n != 1 {
		t.Fatalf("expected one message from the active connection, got %d", n)
	}
}
