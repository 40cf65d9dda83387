package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"
)

func TestDefault(t *testing.T) {
	cfg := Default()
	if cfg.Timing.BatchMaxBytes != 10000 {
		t.Fatalf("batch bytes default: %d", cfg.Timing.BatchMaxBytes)
	}
	if cfg.Timing.BatchMaxAge.D() != 150*time.Millisecond {
		t.Fatalf("batch age default: %v", cfg.Timing.BatchMaxAge.D())
	}
	if cfg.Timing.TaskKeepAliveTimeout.D() != 180*time.Second {
		t.Fatalf("keepalive default")
	}
	if cfg.Timing.TaskResultRetry.D() != 5*time.Second {
		t.Fatalf("result retry default: %v", cfg.Timing.TaskResultRetry.D())
	}
	if cfg.Timing.CompactionMinGap != 5 {
		t.Fatalf("compaction gap default")
	}
	if err := cfg.Validate(); err != nil {
		t.Fatalf("defaults should validate: %v", err)
	}
}

func TestLoadJSON(t *testing.T) {
	dir := t.TempDir()
	file := filepath.Join(dir, "relay.json")
	data := []byte(`{"label":"lab1","maxSubscriptions":64,"timing":{"watchWait":"2s","batchMaxAge":200},"objects":{"kind":"redis","redisAddr":"cache:6379"}}`)
	if err := os.WriteFile(file, data, 0644); err != nil {
		t.Fatalf("write: %v", err)
	}
	cfg, err := Load(file)
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if cfg.Label != "lab1" || cfg.MaxSubscriptions != 64 {
		t.Fatalf("unexpected cfg: %+v", cfg)
	}
	if cfg.Timing.WatchWait.D() != 2*time.Second {
		t.Fatalf("watchWait: %v", cfg.Timing.WatchWait.D())
	}
	if cfg.Timing.BatchMaxAge.D() != 200*time.Millisecond {
		t.Fatalf("integer milliseconds not honored: %v", cfg.Timing.BatchMaxAge.D())
	}
	if cfg.Timing.Tick.D() != 100*time.Millisecond {
		t.Fatalf("unset fields should keep defaults")
	}
	if cfg.Objects.Kind != "redis" || cfg.Objects.RedisAddr != "cache:6379" {
		t.Fatalf("objects: %+v", cfg.Objects)
	}
}

func TestFromEnv(t *testing.T) {
	cfg := Default()
	t.Setenv("RELAY_LABEL", "staging")
	t.Setenv("RELAY_BATCH_MAX_BYTES", "2048")
	t.Setenv("RELAY_WATCH_WAIT", "1500ms")
	t.Setenv("RELAY_KAFKA_BROKERS", "k1:9092, k2:9092")
	t.Setenv("RELAY_TRANSPORT_TLS", "false")
	t.Setenv("RELAY_AUTH_MODE", "static")
	t.Setenv("RELAY_HTTP_ADDR", ":9090")
	FromEnv(&cfg)
	if cfg.Auth.Mode != "static" || cfg.HTTPAddr != ":9090" {
		t.Fatalf("env override auth/http: %+v %s", cfg.Auth, cfg.HTTPAddr)
	}
	if cfg.Label != "staging" {
		t.Fatalf("env override label")
	}
	if cfg.Timing.BatchMaxBytes != 2048 {
		t.Fatalf("env override batch bytes")
	}
	if cfg.Timing.WatchWait.D() != 1500*time.Millisecond {
		t.Fatalf("env override watch wait")
	}
	if len(cfg.Transport.KafkaBrokers) != 2 || cfg.Transport.KafkaBrokers[1] != "k2:9092" {
		t.Fatalf("env override brokers: %v", cfg.Transport.KafkaBrokers)
	}
	if cfg.Transport.TLS {
		t.Fatalf("env override tls")
	}
}

func TestValidate(t *testing.T) {
	tests := []struct {
		name   string
		mutate func(*Config)
	}{
		{name: "dynamodb without table", mutate: func(c *Config) { c.Objects.Kind = "dynamodb" }},
		{name: "unknown transport", mutate: func(c *Config) { c.Transport.Kind = "carrier-pigeon" }},
		{name: "kafka without brokers", mutate: func(c *Config) { c.Transport.Kind = "kafka" }},
		{name: "negative subscriptions", mutate: func(c *Config) { c.MaxSubscriptions = -1 }},
		{name: "empty label", mutate: func(c *Config) { c.Label = "" }},
		{name: "unknown auth mode", mutate: func(c *Config) { c.Auth.Mode = "kerberos" }},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := Default()
			tt.mutate(&cfg)
			if err := cfg.Validate(); err == nil {
				t.Fatalf("expected validation error")
			}
		})
	}
}
