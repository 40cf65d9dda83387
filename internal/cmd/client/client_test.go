package client

import (
	"bytes"
	"context"
	"encoding/json"
	"net"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	cfgpkg "github.com/rzbill/relay/internal/config"
	"github.com/rzbill/relay/internal/objstore"
	"github.com/rzbill/relay/internal/runtime"
	pebblestore "github.com/rzbill/relay/internal/storage/pebble"
	"github.com/spf13/cobra"
	"google.golang.org/grpc"
	"google.golang.org/grpc/health"
	healthpb "google.golang.org/grpc/health/grpc_health_v1"
)

func localOpener(t *testing.T) StoreOpener {
	dir := t.TempDir()
	return func() (*runtime.Runtime, error) {
		return runtime.Open(runtime.Options{DataDir: dir, Fsync: pebblestore.FsyncModeAlways, Config: cfgpkg.Default(), Objects: objstore.NewMemory()})
	}
}

func run(t *testing.T, cmd *cobra.Command, args ...string) string {
	t.Helper()
	buf := &bytes.Buffer{}
	cmd.SetOut(buf)
	cmd.SetErr(buf)
	cmd.SetArgs(args)
	if err := cmd.Execute(); err != nil {
		t.Fatalf("execute %v: %v (output %s)", args, err, buf.String())
	}
	return buf.String()
}

func TestPermissionsSetAndGet(t *testing.T) {
	open := localOpener(t)
	base := func() string { return "http://unused" }

	run(t, NewRoot(base, open), "permissions", "set", "--user", "alice", "--feed", "f1", "--append")
	run(t, NewRoot(base, open), "permissions", "set", "--user", "alice", "--admin")
	out := run(t, NewRoot(base, open), "permissions", "get", "--user", "alice")

	var got struct {
		UserID      string `json:"userId"`
		Permissions struct {
			Admin bool `json:"admin"`
			Feeds map[string]struct {
				Append bool `json:"append"`
			} `json:"feeds"`
		} `json:"permissions"`
	}
	if err := json.Unmarshal([]byte(out), &got); err != nil {
		t.Fatalf("decode %q: %v", out, err)
	}
	if got.UserID != "alice" || !got.Permissions.Admin || !got.Permissions.Feeds["f1"].Append {
		t.Fatalf("second set must keep the feed grant: %+v", got)
	}

	run(t, NewRoot(base, open), "permissions", "set", "--user", "alice", "--feed", "f1", "--append=false")
	out = run(t, NewRoot(base, open), "permissions", "get", "--user", "alice")
	if strings.Contains(out, `"append": true`) {
		t.Fatalf("append should be revoked: %s", out)
	}
}

func TestSubfeedAppendAndShow(t *testing.T) {
	open := localOpener(t)
	base := func() string { return "http://unused" }
	out := run(t, NewRoot(base, open), "subfeed", "append", "--feed", "f", "--subfeed", "s", "--message", `{"a":1}`, "--message", `2`)
	if !strings.Contains(out, "appended: 2 first: 0") {
		t.Fatalf("append output: %q", out)
	}
	out = run(t, NewRoot(base, open), "subfeed", "show", "--feed", "f", "--subfeed", "s")
	if out != "{\"a\":1}\n2\n" {
		t.Fatalf("show output: %q", out)
	}
}

func TestSubfeedAppendRejectsInvalidJSON(t *testing.T) {
	cmd := NewRoot(func() string { return "" }, localOpener(t))
	cmd.SetOut(&bytes.Buffer{})
	cmd.SetErr(&bytes.Buffer{})
	cmd.SetArgs([]string{"subfeed", "append", "--feed", "f", "--subfeed", "s", "--message", "{nope"})
	if err := cmd.Execute(); err == nil {
		t.Fatalf("expected invalid JSON error")
	}
}

func TestSubfeedShowRemote(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/v1/feeds/f/subfeeds/s/messages" {
			http.NotFound(w, r)
			return
		}
		_, _ = w.Write([]byte(`{"start":0,"messages":["x",{"y":2}]}`))
	}))
	defer srv.Close()
	out := run(t, NewRoot(func() string { return srv.URL }, localOpener(t)), "subfeed", "show", "--feed", "f", "--subfeed", "s", "--remote")
	if out != "\"x\"\n{\"y\":2}\n" {
		t.Fatalf("remote show output: %q", out)
	}
}

func TestStatusCommand(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/v1/status" {
			http.NotFound(w, r)
			return
		}
		_, _ = w.Write([]byte(`{"running":true,"backend":{"outboxFrames":3}}`))
	}))
	defer srv.Close()
	out := run(t, NewStatusCommand(func() string { return srv.URL }))
	if !strings.Contains(out, `"outboxFrames": 3`) {
		t.Fatalf("status output: %s", out)
	}
}

func TestHealthCommand(t *testing.T) {
	lis, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("listen: %v", err)
	}
	s := grpc.NewServer()
	hs := health.NewServer()
	hs.SetServingStatus("relay.Backend", healthpb.HealthCheckResponse_SERVING)
	healthpb.RegisterHealthServer(s, hs)
	go func() { _ = s.Serve(lis) }()
	defer s.Stop()
	t.Setenv("RELAY_GRPC", lis.Addr().String())

	cmd := NewHealthCommand()
	cmd.SetContext(context.Background())
	out := run(t, cmd)
	if !strings.Contains(out, "status: SERVING") {
		t.Fatalf("health output: %q", out)
	}
}
