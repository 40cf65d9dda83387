package log

import (
	"bytes"
	"encoding/json"
	"errors"
	"strings"
	"testing"
)

func newBufferLogger(level Level, f Formatter) (Logger, *bytes.Buffer) {
	var buf bytes.Buffer
	l := NewLogger(WithLevel(level), WithFormatter(f), WithOutput(NewWriterOutput(&buf)))
	return l, &buf
}

func TestLevelGate(t *testing.T) {
	l, buf := newBufferLogger(WarnLevel, &TextFormatter{})
	l.Info("hidden")
	l.Warn("shown")
	out := buf.String()
	if strings.Contains(out, "hidden") {
		t.Fatalf("info should be filtered: %q", out)
	}
	if !strings.Contains(out, "shown") {
		t.Fatalf("warn missing: %q", out)
	}
}

func TestChildSharesLevel(t *testing.T) {
	l, buf := newBufferLogger(InfoLevel, &TextFormatter{})
	child := l.With(Component("tasks"))
	l.SetLevel(ErrorLevel)
	child.Info("dropped")
	if buf.Len() != 0 {
		t.Fatalf("child should follow parent level, got %q", buf.String())
	}
}

func TestJSONFields(t *testing.T) {
	l, buf := newBufferLogger(DebugLevel, &JSONFormatter{})
	l.With(Component("dispatch")).Error("publish failed", Str("channel", "srv"), Int("n", 3), Err(errors.New("boom")))
	var m map[string]interface{}
	if err := json.Unmarshal(buf.Bytes(), &m); err != nil {
		t.Fatalf("decode: %v (%q)", err, buf.String())
	}
	if m["component"] != "dispatch" || m["channel"] != "srv" || m["error"] != "boom" || m["level"] != "error" {
		t.Fatalf("unexpected fields: %v", m)
	}
}

func TestApplyConfigRedacts(t *testing.T) {
	l, err := ApplyConfig(&Config{Level: "debug", Format: "json", Outputs: []string{"null"}, RedactKeys: []string{"token"}})
	if err != nil {
		t.Fatalf("apply: %v", err)
	}
	var buf bytes.Buffer
	bl := l.(*BaseLogger)
	bl.outputs = []Output{NewWriterOutput(&buf)}
	l.Info("registered", Str("token", "secret"))
	if strings.Contains(buf.String(), "secret") {
		t.Fatalf("token not redacted: %q", buf.String())
	}
}

func TestParseLevel(t *testing.T) {
	cases := map[string]Level{"debug": DebugLevel, "INFO": InfoLevel, "warning": WarnLevel, "error": ErrorLevel}
	for in, want := range cases {
		got, err := ParseLevel(in)
		if err != nil || got != want {
			t.Fatalf("ParseLevel(%q) = %v, %v", in, got, err)
		}
	}
	if _, err := ParseLevel("loud"); err == nil {
		t.Fatalf("expected error for unknown level")
	}
}

func TestSampler(t *testing.T) {
	s := newSampler(2, 3)
	var allowed int
	for i := 0; i < 8; i++ {
		if s.allow(0, "m") {
			allowed++
		}
	}
	// first 2, then every 3rd of the remaining 6 (indices 0 and 3)
	if allowed != 4 {
		t.Fatalf("allowed=%d", allowed)
	}
}

func TestEntityFields(t *testing.T) {
	l, buf := newBufferLogger(InfoLevel, &JSONFormatter{})
	l.Info("subfeeds.update", FeedID("f1"), SubfeedHash("s1"), TaskHash("abc"))
	var m map[string]interface{}
	if err := json.Unmarshal(buf.Bytes(), &m); err != nil {
		t.Fatalf("decode: %v (%q)", err, buf.String())
	}
	if m["feed_id"] != "f1" || m["subfeed_hash"] != "s1" || m["task_hash"] != "abc" {
		t.Fatalf("unexpected fields: %v", m)
	}
}
