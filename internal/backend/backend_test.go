package backend

import (
	"context"
	"encoding/json"
	"errors"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/rzbill/relay/internal/auth"
	cfgpkg "github.com/rzbill/relay/internal/config"
	"github.com/rzbill/relay/internal/feedlog"
	"github.com/rzbill/relay/internal/jobs"
	"github.com/rzbill/relay/internal/kv"
	"github.com/rzbill/relay/internal/objstore"
	"github.com/rzbill/relay/internal/permissions"
	"github.com/rzbill/relay/internal/protocol"
	"github.com/rzbill/relay/internal/registration"
	pebblestore "github.com/rzbill/relay/internal/storage/pebble"
	"github.com/rzbill/relay/internal/transport"
	logpkg "github.com/rzbill/relay/pkg/log"
)

const (
	clientChannel = "relay-lab-client"
	serverChannel = "relay-lab-server"
)

type harness struct {
	b       *Backend
	broker  *transport.Loopback
	objects *objstore.Memory
	feeds   *feedlog.Store
}

func quiet() logpkg.Logger { return logpkg.NewLogger(logpkg.WithOutput(logpkg.NullOutput{})) }

func newHarness(t *testing.T) *harness {
	t.Helper()
	return newHarnessWithLogger(t, quiet())
}

// recordingOutput keeps the message of every entry written.
type recordingOutput struct {
	mu       sync.Mutex
	messages []string
}

func (o *recordingOutput) Write(e *logpkg.Entry, _ []byte) error {
	o.mu.Lock()
	o.messages = append(o.messages, e.Message)
	o.mu.Unlock()
	return nil
}

func (o *recordingOutput) Close() error { return nil }

func (o *recordingOutput) count(msg string) int {
	o.mu.Lock()
	defer o.mu.Unlock()
	n := 0
	for _, m := range o.messages {
		if m == msg {
			n++
		}
	}
	return n
}

func newHarnessWithLogger(t *testing.T, logger logpkg.Logger) *harness {
	t.Helper()
	ctx := context.Background()
	db, err := pebblestore.Open(pebblestore.Options{DataDir: t.TempDir()})
	if err != nil {
		t.Fatalf("open pebble: %v", err)
	}
	t.Cleanup(func() { _ = db.Close() })
	store := kv.New(db)
	if _, err := permissions.Update(ctx, store, "alice", func(p *permissions.UserPermissions) {
		p.Feeds = map[string]permissions.FeedPermissions{"feed1": {Append: true}}
	}); err != nil {
		t.Fatalf("permissions: %v", err)
	}
	authz, err := permissions.New(ctx, store, "root", "", quiet())
	if err != nil {
		t.Fatalf("authorizer: %v", err)
	}
	engine := jobs.NewEngine(jobs.Builtins(), 2, 16, quiet())
	t.Cleanup(engine.Close)

	objects := objstore.NewMemory()
	broker := transport.NewLoopback()
	feeds := feedlog.NewStore(db)

	timing := cfgpkg.Default().Timing
	timing.Tick = cfgpkg.Duration(10 * time.Millisecond)
	timing.BatchMaxAge = cfgpkg.Duration(time.Millisecond)
	timing.WatchWait = cfgpkg.Duration(100 * time.Millisecond)
	timing.CompactionInterval = cfgpkg.Duration(20 * time.Millisecond)
	timing.RegistrationRetry = cfgpkg.Duration(time.Millisecond)
	timing.ReportAliveInterval = cfgpkg.Duration(time.Hour)

	b := NewWithLogger(Deps{
		Dialer:      broker,
		Registrar:   registration.NewWithLogger(registration.Options{Label: "lab", Objects: objects}, quiet()),
		Objects:     objects,
		Feeds:       feeds,
		Jobs:        engine,
		Permissions: authz,
		Verifier:    auth.Static{"tok-alice": "alice", "tok-root": "root", "tok-bob": "bob"},
	}, Options{Timing: timing, Version: "test"}, logger)
	t.Cleanup(func() { _ = b.Close() })
	return &harness{b: b, broker: broker, objects: objects, feeds: feeds}
}

// send delivers msg as a remote client would.
func (h *harness) send(t *testing.T, msg any) {
	t.Helper()
	raw, err := json.Marshal(msg)
	if err != nil {
		t.Fatalf("marshal: %v", err)
	}
	frame, err := protocol.EncodeFrame([]json.RawMessage{raw})
	if err != nil {
		t.Fatalf("frame: %v", err)
	}
	h.broker.Inject(clientChannel, frame)
}

// outbound decodes every message published on the server channel.
func (h *harness) outbound(t *testing.T) []map[string]any {
	t.Helper()
	var out []map[string]any
	for _, frame := range h.broker.Published(serverChannel) {
		msgs, err := protocol.DecodeFrame(frame)
		if err != nil {
			t.Fatalf("decode frame: %v", err)
		}
		for _, m := range msgs {
			var v map[string]any
			if err := json.Unmarshal(m, &v); err != nil {
				t.Fatalf("decode message: %v", err)
			}
			out = append(out, v)
		}
	}
	return out
}

func (h *harness) find(t *testing.T, match func(map[string]any) bool) (map[string]any, bool) {
	for _, m := range h.outbound(t) {
		if match(m) {
			return m, true
		}
	}
	return nil, false
}

// tickUntil iterates the loop until cond holds or the deadline passes.
func (h *harness) tickUntil(t *testing.T, what string, cond func() bool) {
	t.Helper()
	ctx := context.Background()
	deadline := time.Now().Add(3 * time.Second)
	for time.Now().Before(deadline) {
		h.b.Iterate(ctx)
		if cond() {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatalf("timed out waiting for %s", what)
}

func ofType(typ string) func(map[string]any) bool {
	return func(m map[string]any) bool { return m["type"] == typ }
}

func TestRegistersAndReportsAlive(t *testing.T) {
	h := newHarness(t)
	h.tickUntil(t, "reportAlive", func() bool {
		_, ok := h.find(t, ofType(protocol.TypeReportAlive))
		return ok
	})
	if h.broker.Dials() != 1 {
		t.Fatalf("expected one dial, got %d", h.broker.Dials())
	}
	st := h.b.Status()
	if !st.Registered || !st.Connected || st.ServerChannel != serverChannel {
		t.Fatalf("status: %+v", st)
	}
	var cfg registration.ConfigObject
	ok, err := objstore.GetJSON(context.Background(), h.objects, "relay-backends/lab.json", &cfg)
	if err != nil || !ok || cfg.Label != "lab" {
		t.Fatalf("config object: ok=%v err=%v cfg=%+v", ok, err, cfg)
	}
}

func TestPublishBeforeRegistration(t *testing.T) {
	h := newHarness(t)
	if err := h.b.Publish(protocol.NewReportAlive()); !errors.Is(err, ErrNotRegistered) {
		t.Fatalf("expected ErrNotRegistered, got %v", err)
	}
}

func TestInitiateTaskRunsToCompletion(t *testing.T) {
	h := newHarness(t)
	h.b.Iterate(context.Background())
	h.send(t, map[string]any{
		"type":     "initiateTask",
		"taskHash": "abcdef0123",
		"task":     map[string]any{"functionId": "return_42", "kwargs": map[string]any{"delay": 0}},
	})
	h.tickUntil(t, "finished status", func() bool {
		_, ok := h.find(t, func(m map[string]any) bool {
			return m["type"] == protocol.TypeTaskStatusUpdate && m["taskHash"] == "abcdef0123" && m["status"] == "finished"
		})
		return ok
	})
	var res map[string]any
	ok, err := objstore.GetJSON(context.Background(), h.objects, objstore.TaskResultPath("abcdef0123"), &res)
	if err != nil || !ok {
		t.Fatalf("result: ok=%v err=%v", ok, err)
	}
	if res["answer"] != float64(42) {
		t.Fatalf("result: %v", res)
	}
	h.tickUntil(t, "task removal", func() bool { return len(h.b.Status().Tasks) == 0 })
}

func TestUnknownFunctionPublishesError(t *testing.T) {
	h := newHarness(t)
	h.b.Iterate(context.Background())
	h.send(t, map[string]any{
		"type":     "initiateTask",
		"taskHash": "h1",
		"task":     map[string]any{"functionId": "nope", "kwargs": map[string]any{}},
	})
	h.tickUntil(t, "error status", func() bool {
		m, ok := h.find(t, ofType(protocol.TypeTaskStatusUpdate))
		return ok && m["status"] == "error" && m["error"] == "Unable to find task function: nope"
	})
}

func TestSubscribeAndAppend(t *testing.T) {
	h := newHarness(t)
	h.b.Iterate(context.Background())
	h.send(t, map[string]any{"type": "subscribeToSubfeed", "feedId": "feed1", "subfeedHash": "sub1"})
	h.send(t, map[string]any{
		"type": "appendMessagesToSubfeed", "idToken": "tok-alice",
		"feedId": "feed1", "subfeedHash": "sub1",
		"messages": []any{map[string]any{"n": 1}, map[string]any{"n": 2}, map[string]any{"n": 3}},
	})
	h.tickUntil(t, "subfeedUpdate 3", func() bool {
		m, ok := h.find(t, ofType(protocol.TypeSubfeedUpdate))
		return ok && m["messageCount"] == float64(3)
	})
	if pos, ok := h.b.subfeeds.Position("feed1", "sub1"); !ok || pos != 3 {
		t.Fatalf("position: %d %v", pos, ok)
	}

	h.send(t, map[string]any{
		"type": "appendMessagesToSubfeed", "idToken": "tok-alice",
		"feedId": "feed1", "subfeedHash": "sub1",
		"messages": []any{"d", "e"},
	})
	dir := objstore.SubfeedDir("feed1", "sub1")
	h.tickUntil(t, "compaction", func() bool {
		for _, p := range h.objects.List(dir) {
			if strings.HasSuffix(p, "/0-4") {
				return true
			}
		}
		return false
	})
	sum, ok, err := objstore.ReadSummary(context.Background(), h.objects, "feed1", "sub1")
	if err != nil || !ok || sum.ConsolidatedCount != 5 {
		t.Fatalf("summary: %+v ok=%v err=%v", sum, ok, err)
	}
}

func TestAppendDenied(t *testing.T) {
	tests := []struct {
		name  string
		token string
		feed  string
	}{
		{name: "anonymous", feed: "feed1"},
		{name: "invalid token", token: "forged", feed: "feed1"},
		{name: "other feed", token: "tok-alice", feed: "feed2"},
		{name: "no grants", token: "tok-bob", feed: "feed1"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			h := newHarness(t)
			h.b.Iterate(context.Background())
			h.send(t, map[string]any{
				"type": "appendMessagesToSubfeed", "idToken": tt.token,
				"feedId": tt.feed, "subfeedHash": "s", "messages": []any{1},
			})
			h.b.Iterate(context.Background())
			msgs, err := h.feeds.Messages(context.Background(), tt.feed, "s")
			if err != nil {
				t.Fatalf("messages: %v", err)
			}
			if len(msgs) != 0 {
				t.Fatalf("append should have been denied, log has %d", len(msgs))
			}
		})
	}
}

func TestGetUserPermissions(t *testing.T) {
	tests := []struct {
		name   string
		token  string
		target string
		want   bool
	}{
		{name: "self", token: "tok-alice", target: "alice", want: true},
		{name: "admin reads other", token: "tok-root", target: "alice", want: true},
		{name: "user reads other", token: "tok-bob", target: "alice", want: false},
		{name: "anonymous", target: "alice", want: false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			h := newHarness(t)
			h.b.Iterate(context.Background())
			h.send(t, map[string]any{"type": "getUserPermissions", "idToken": tt.token, "userId": tt.target})
			if !tt.want {
				for i := 0; i < 5; i++ {
					h.b.Iterate(context.Background())
					time.Sleep(2 * time.Millisecond)
				}
				if _, ok := h.find(t, ofType(protocol.TypeUserPermissions)); ok {
					t.Fatalf("permissions should not be disclosed")
				}
				return
			}
			h.tickUntil(t, "userPermissions", func() bool {
				m, ok := h.find(t, ofType(protocol.TypeUserPermissions))
				if !ok {
					return false
				}
				perms, _ := m["permissions"].(map[string]any)
				feeds, _ := perms["feeds"].(map[string]any)
				return m["userId"] == "alice" && feeds["feed1"] != nil
			})
		})
	}
}

func TestBackendInfoAndProbe(t *testing.T) {
	h := newHarness(t)
	h.b.Iterate(context.Background())
	before := len(h.outbound(t))
	h.send(t, map[string]any{"type": "getBackendInfo"})
	h.send(t, map[string]any{"type": "probe"})
	h.tickUntil(t, "backendInfo", func() bool {
		m, ok := h.find(t, ofType(protocol.TypeBackendInfo))
		return ok && m["projectVersion"] == "test"
	})
	h.tickUntil(t, "second reportAlive", func() bool {
		n := 0
		for _, m := range h.outbound(t)[before:] {
			if m["type"] == protocol.TypeReportAlive {
				n++
			}
		}
		return n >= 1
	})
}

func TestMalformedMessagesAreDropped(t *testing.T) {
	h := newHarness(t)
	h.b.Iterate(context.Background())
	h.broker.Inject(clientChannel, []byte(`not json`))
	h.send(t, map[string]any{"type": "teleport"})
	h.send(t, map[string]any{"type": "initiateTask"})
	h.b.Iterate(context.Background())
	if n := len(h.b.Status().Tasks); n != 0 {
		t.Fatalf("no task should be tracked, got %d", n)
	}
}

func TestUnknownTypeIsReportedAndSkipped(t *testing.T) {
	out := &recordingOutput{}
	h := newHarnessWithLogger(t, logpkg.NewLogger(logpkg.WithOutput(out)))
	h.b.Iterate(context.Background())
	h.send(t, map[string]any{"type": "teleport"})
	h.send(t, map[string]any{"type": "getBackendInfo"})
	h.tickUntil(t, "backendInfo after unknown type", func() bool {
		_, ok := h.find(t, ofType(protocol.TypeBackendInfo))
		return ok
	})
	if n := out.count("backend.unknown_type"); n != 1 {
		t.Fatalf("unknown_type logged %d times, want 1", n)
	}
	if n := out.count("backend.malformed"); n != 0 {
		t.Fatalf("a well-formed unknown type is not malformed, logged %d", n)
	}
}

func TestReconnectsAfterConnectionLoss(t *testing.T) {
	h := newHarness(t)
	h.tickUntil(t, "connected", func() bool { return h.b.Status().Connected })
	h.broker.DropAll()
	h.tickUntil(t, "reconnect", func() bool { return h.broker.Dials() >= 2 && h.b.Status().Connected })
}

func TestRunStopsOnCancel(t *testing.T) {
	h := newHarness(t)
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- h.b.Run(ctx) }()
	deadline := time.Now().Add(2 * time.Second)
	for !h.b.Running() && time.Now().Before(deadline) {
		time.Sleep(5 * time.Millisecond)
	}
	if !h.b.Running() {
		t.Fatalf("loop did not start")
	}
	cancel()
	select {
	case err := <-done:
		if err != nil {
			t.Fatalf("run: %v", err)
		}
	case <-time.After(3 * time.Second):
		t.Fatalf("run did not stop")
	}
	if h.b.Running() {
		t.Fatalf("running after stop")
	}
}
