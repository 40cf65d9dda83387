package config

import (
	"os"
	"strconv"
	"strings"
	"time"
)

// FromEnv overlays RELAY_* environment variables onto cfg.
func FromEnv(cfg *Config) {
	str := func(key string, dst *string) {
		if v := os.Getenv(key); v != "" {
			*dst = v
		}
	}
	num := func(key string, dst *int) {
		if v := os.Getenv(key); v != "" {
			if n, err := strconv.Atoi(v); err == nil {
				*dst = n
			}
		}
	}
	dur := func(key string, dst *Duration) {
		if v := os.Getenv(key); v != "" {
			if d, err := time.ParseDuration(v); err == nil {
				*dst = Duration(d)
			}
		}
	}

	str("RELAY_LABEL", &cfg.Label)
	str("RELAY_APP_URL", &cfg.AppURL)
	str("RELAY_ADMIN_USER_ID", &cfg.AdminUserID)
	str("RELAY_APPEND_POLICY", &cfg.AppendPolicy)
	num("RELAY_MAX_SUBSCRIPTIONS", &cfg.MaxSubscriptions)
	str("RELAY_HTTP_ADDR", &cfg.HTTPAddr)
	str("RELAY_GRPC_ADDR", &cfg.GRPCAddr)
	str("RELAY_AUTH_MODE", &cfg.Auth.Mode)
	str("RELAY_AUTH_AUDIENCE", &cfg.Auth.Audience)

	dur("RELAY_TICK", &cfg.Timing.Tick)
	dur("RELAY_TASK_KEEPALIVE_TIMEOUT", &cfg.Timing.TaskKeepAliveTimeout)
	dur("RELAY_TASK_RESULT_RETRY", &cfg.Timing.TaskResultRetry)
	num("RELAY_BATCH_MAX_BYTES", &cfg.Timing.BatchMaxBytes)
	dur("RELAY_BATCH_MAX_AGE", &cfg.Timing.BatchMaxAge)
	dur("RELAY_WATCH_WAIT", &cfg.Timing.WatchWait)
	dur("RELAY_COMPACTION_INTERVAL", &cfg.Timing.CompactionInterval)
	num("RELAY_COMPACTION_MIN_GAP", &cfg.Timing.CompactionMinGap)
	dur("RELAY_REGISTRATION_MAX_AGE", &cfg.Timing.RegistrationMaxAge)
	dur("RELAY_REGISTRATION_RETRY", &cfg.Timing.RegistrationRetry)
	dur("RELAY_REPORT_ALIVE_INTERVAL", &cfg.Timing.ReportAliveInterval)
	dur("RELAY_PERMISSIONS_REFRESH", &cfg.Timing.PermissionsRefresh)

	str("RELAY_OBJECTS_KIND", &cfg.Objects.Kind)
	str("RELAY_OBJECTS_PUBLIC_URL", &cfg.Objects.PublicURL)
	str("RELAY_DYNAMO_TABLE", &cfg.Objects.DynamoTable)
	str("RELAY_DYNAMO_REGION", &cfg.Objects.DynamoRegion)
	str("RELAY_DYNAMO_ENDPOINT", &cfg.Objects.DynamoEndpoint)
	str("RELAY_REDIS_ADDR", &cfg.Objects.RedisAddr)
	str("RELAY_REDIS_PASSWORD", &cfg.Objects.RedisPassword)
	num("RELAY_REDIS_DB", &cfg.Objects.RedisDB)
	str("RELAY_REDIS_PREFIX", &cfg.Objects.RedisPrefix)

	str("RELAY_TRANSPORT_KIND", &cfg.Transport.Kind)
	str("RELAY_MQTT_BROKER", &cfg.Transport.MQTTBroker)
	dur("RELAY_MQTT_KEEPALIVE", &cfg.Transport.MQTTKeepAlive)
	str("RELAY_KAFKA_GROUP_ID", &cfg.Transport.KafkaGroupID)
	if v := os.Getenv("RELAY_KAFKA_BROKERS"); v != "" {
		cfg.Transport.KafkaBrokers = splitCSV(v)
	}
	if v := os.Getenv("RELAY_TRANSPORT_TLS"); v != "" {
		if b, err := strconv.ParseBool(v); err == nil {
			cfg.Transport.TLS = b
		}
	}

	num("RELAY_JOB_WORKERS", &cfg.Jobs.Workers)
	num("RELAY_JOB_QUEUE_SIZE", &cfg.Jobs.QueueSize)
}

func splitCSV(s string) []string {
	parts := strings.Split(s, ",")
	out := make([]string, 0, len(parts))
	for _, p := range parts {
		p = strings.TrimSpace(p)
		if p != "" {
			out = append(out, p)
		}
	}
	return out
}
