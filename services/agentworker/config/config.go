package config

import (
	"time"

	"github.com/spf13/viper"
)

// Config holds typed configuration for the agent worker service.
type Config struct {
	LogLevel     string
	KafkaBrokers string
	RedisAddr    string
	MetricsAddr  string
	OTelEndpoint string

	WorkerID          string
	Capabilities      []string
	TaskTimeout       time.Duration
	HeartbeatInterval time.Duration
}

// Load reads all values from the given viper instance.
func Load(v *viper.Viper) Config {
	return Config{
		LogLevel:     v.GetString("log_level"),
		KafkaBrokers: v.GetString("kafka_brokers"),
		RedisAddr:    v.GetString("redis_addr"),
		MetricsAddr:  v.GetString("metrics_addr"),
		OTelEndpoint: v.GetString("otel_endpoint"),

		WorkerID:          v.GetString("worker_id"),
		Capabilities:      v.GetStringSlice("capabilities"),
		TaskTimeout:       v.GetDuration("task_timeout"),
		HeartbeatInterval: v.GetDuration("heartbeat_interval"),
	}
}
