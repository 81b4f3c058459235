package config

import (
	"time"

	"github.com/spf13/viper"
)

// Config holds typed configuration for the orchestrator service.
type Config struct {
	LogLevel     string
	KafkaBrokers string
	RedisAddr    string
	PostgresDSN  string
	MetricsAddr  string
	OTelEndpoint string

	HeartbeatInterval time.Duration
	MissedIntervals   int
	MaxAttempts       int
	StaleAfter        time.Duration
	RecoverySpec      string

	BreakerFailureThreshold int
	BreakerRecoveryTimeout  time.Duration
	RetryMaxAttempts        int
	RetryBackoffBase        time.Duration
	RetryBackoffCap         time.Duration

	StreamBufferCapacity  int
	StreamPolicy          string
	StreamReplayRetention time.Duration
	StreamReplayLimit     int
}

// Load reads all values from the given viper instance.
func Load(v *viper.Viper) Config {
	return Config{
		LogLevel:     v.GetString("log_level"),
		KafkaBrokers: v.GetString("kafka_brokers"),
		RedisAddr:    v.GetString("redis_addr"),
		PostgresDSN:  v.GetString("postgres_dsn"),
		MetricsAddr:  v.GetString("metrics_addr"),
		OTelEndpoint: v.GetString("otel_endpoint"),

		HeartbeatInterval: v.GetDuration("heartbeat_interval"),
		MissedIntervals:   v.GetInt("missed_intervals"),
		MaxAttempts:       v.GetInt("max_attempts"),
		StaleAfter:        v.GetDuration("stale_after"),
		RecoverySpec:      v.GetString("recovery_spec"),

		BreakerFailureThreshold: v.GetInt("breaker_failure_threshold"),
		BreakerRecoveryTimeout:  v.GetDuration("breaker_recovery_timeout"),
		RetryMaxAttempts:        v.GetInt("retry_max_attempts"),
		RetryBackoffBase:        v.GetDuration("retry_backoff_base"),
		RetryBackoffCap:         v.GetDuration("retry_backoff_cap"),

		StreamBufferCapacity:  v.GetInt("stream_buffer_capacity"),
		StreamPolicy:          v.GetString("stream_policy"),
		StreamReplayRetention: v.GetDuration("stream_replay_retention"),
		StreamReplayLimit:     v.GetInt("stream_replay_limit"),
	}
}
