package config

import (
	"encoding/json"
	"errors"
	"os"
	"path/filepath"
	"time"
)

// Duration marshals as a Go duration string ("150ms") in JSON config files.
type Duration time.Duration

func (d Duration) D() time.Duration { return time.Duration(d) }

func (d Duration) MarshalJSON() ([]byte, error) {
	return json.Marshal(time.Duration(d).String())
}

func (d *Duration) UnmarshalJSON(b []byte) error {
	var s string
	if err := json.Unmarshal(b, &s); err == nil {
		v, err := time.ParseDuration(s)
		if err != nil {
			return err
		}
		*d = Duration(v)
		return nil
	}
	var ms int64
	if err := json.Unmarshal(b, &ms); err != nil {
		return errors.New("duration must be a string like \"150ms\" or integer milliseconds")
	}
	*d = Duration(time.Duration(ms) * time.Millisecond)
	return nil
}

// Config is the top-level configuration loaded from file/env.
type Config struct {
	// Label names this backend in registration and its config object.
	Label       string `json:"label"`
	AppURL      string `json:"appUrl"`
	AdminUserID string `json:"adminUserId"`
	// AppendPolicy is an optional CEL expression granting append access on top
	// of the stored per-user permissions.
	AppendPolicy string `json:"appendPolicy"`
	// MaxSubscriptions bounds tracked subfeed subscriptions; 0 keeps them all.
	MaxSubscriptions int `json:"maxSubscriptions"`

	HTTPAddr string `json:"httpAddr"`
	GRPCAddr string `json:"grpcAddr"`

	Timing    Timing          `json:"timing"`
	Objects   ObjectStore     `json:"objects"`
	Transport TransportConfig `json:"transport"`
	Auth      AuthConfig      `json:"auth"`
	Jobs      Jobs            `json:"jobs"`
}

// AuthConfig selects how inbound id tokens are verified.
type AuthConfig struct {
	// Mode is google or static.
	Mode string `json:"mode"`
	// Audience is the expected OAuth client id for google tokens.
	Audience string `json:"audience"`
	// Tokens maps fixed tokens to user ids in static mode.
	Tokens map[string]string `json:"tokens"`
}

// Timing holds every interval the coordination loop and its workers use.
type Timing struct {
	Tick                 Duration `json:"tick"`
	TaskKeepAliveTimeout Duration `json:"taskKeepAliveTimeout"`
	TaskResultRetry      Duration `json:"taskResultRetry"`
	BatchMaxBytes        int      `json:"batchMaxBytes"`
	BatchMaxAge          Duration `json:"batchMaxAge"`
	WatchWait            Duration `json:"watchWait"`
	CompactionInterval   Duration `json:"compactionInterval"`
	CompactionMinGap     int      `json:"compactionMinGap"`
	RegistrationMaxAge   Duration `json:"registrationMaxAge"`
	RegistrationRetry    Duration `json:"registrationRetry"`
	ReportAliveInterval  Duration `json:"reportAliveInterval"`
	PermissionsRefresh   Duration `json:"permissionsRefresh"`
}

// ObjectStore selects and configures the blob store for results and mirrored feeds.
type ObjectStore struct {
	// Kind is one of local, dynamodb, redis.
	Kind string `json:"kind"`
	// PublicURL is advertised in the backend config object.
	PublicURL string `json:"publicUrl"`

	DynamoTable    string `json:"dynamoTable"`
	DynamoRegion   string `json:"dynamoRegion"`
	DynamoEndpoint string `json:"dynamoEndpoint"`

	RedisAddr     string `json:"redisAddr"`
	RedisPassword string `json:"redisPassword"`
	RedisDB       int    `json:"redisDb"`
	RedisPrefix   string `json:"redisPrefix"`
}

// TransportConfig selects the real-time transport.
type TransportConfig struct {
	// Kind is one of mqtt, kafka, loopback.
	Kind          string   `json:"kind"`
	MQTTBroker    string   `json:"mqttBroker"`
	MQTTKeepAlive Duration `json:"mqttKeepAlive"`
	KafkaBrokers  []string `json:"kafkaBrokers"`
	KafkaGroupID  string   `json:"kafkaGroupId"`
	TLS           bool     `json:"tls"`
}

// Jobs configures the local job engine.
type Jobs struct {
	Workers   int `json:"workers"`
	QueueSize int `json:"queueSize"`
}

// Default returns built-in defaults.
func Default() Config {
	return Config{
		Label:    "default",
		HTTPAddr: ":8080",
		GRPCAddr: ":50051",
		Timing: Timing{
			Tick:                 Duration(100 * time.Millisecond),
			TaskKeepAliveTimeout: Duration(3 * time.Minute),
			TaskResultRetry:      Duration(5 * time.Second),
			BatchMaxBytes:        10000,
			BatchMaxAge:          Duration(150 * time.Millisecond),
			WatchWait:            Duration(6 * time.Second),
			CompactionInterval:   Duration(10 * time.Second),
			CompactionMinGap:     5,
			RegistrationMaxAge:   Duration(10 * time.Minute),
			RegistrationRetry:    Duration(15 * time.Second),
			ReportAliveInterval:  Duration(60 * time.Second),
			PermissionsRefresh:   Duration(20 * time.Second),
		},
		Objects: ObjectStore{
			Kind:         "local",
			DynamoRegion: "us-east-2",
			RedisAddr:    ":6379",
			RedisPrefix:  "relay",
		},
		Transport: TransportConfig{
			Kind:          "loopback",
			MQTTBroker:    "ssl://mqtt.ably.io:8883",
			MQTTKeepAlive: Duration(15 * time.Second),
			KafkaGroupID:  "relay",
			TLS:           true,
		},
		Auth: AuthConfig{Mode: "google"},
		Jobs: Jobs{Workers: 4, QueueSize: 100},
	}
}

// Load reads configuration from a JSON file. If path is empty, returns defaults.
func Load(path string) (Config, error) {
	if path == "" {
		return Default(), nil
	}
	b, err := os.ReadFile(path)
	if err != nil {
		return Config{}, err
	}
	cfg := Default()
	switch filepath.Ext(path) {
	case ".yaml", ".yml":
		return Config{}, errors.New("yaml config not supported; use JSON")
	default:
		if err := json.Unmarshal(b, &cfg); err != nil {
			return Config{}, err
		}
	}
	return cfg, nil
}

// Validate rejects configurations the backend cannot run with.
func (c Config) Validate() error {
	switch c.Objects.Kind {
	case "local", "redis":
	case "dynamodb":
		if c.Objects.DynamoTable == "" {
			return errors.New("config: objects.dynamoTable is required for dynamodb")
		}
	default:
		return errors.New("config: objects.kind must be local, dynamodb or redis")
	}
	switch c.Transport.Kind {
	case "loopback":
	case "mqtt":
		if c.Transport.MQTTBroker == "" {
			return errors.New("config: transport.mqttBroker is required for mqtt")
		}
	case "kafka":
		if len(c.Transport.KafkaBrokers) == 0 {
			return errors.New("config: transport.kafkaBrokers is required for kafka")
		}
	default:
		return errors.New("config: transport.kind must be mqtt, kafka or loopback")
	}
	switch c.Auth.Mode {
	case "google", "static":
	default:
		return errors.New("config: auth.mode must be google or static")
	}
	if c.Label == "" {
		return errors.New("config: label is required")
	}
	if c.Timing.Tick <= 0 {
		return errors.New("config: timing.tick must be positive")
	}
	if c.MaxSubscriptions < 0 {
		return errors.New("config: maxSubscriptions must be >= 0")
	}
	return nil
}
