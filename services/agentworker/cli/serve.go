package cli

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"strings"
	"syscall"

	"github.com/google/uuid"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"github.com/jayusctrojan/Empire-sub006/internal/executors"
	"github.com/jayusctrojan/Empire-sub006/internal/kafka"
	redisstore "github.com/jayusctrojan/Empire-sub006/internal/redis"
	"github.com/jayusctrojan/Empire-sub006/internal/resilience"
	"github.com/jayusctrojan/Empire-sub006/pkg/telemetry"
	"github.com/jayusctrojan/Empire-sub006/services/agentworker"
	"github.com/jayusctrojan/Empire-sub006/services/agentworker/config"
)

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Start the agent worker",
	RunE:  runServe,
}

func init() {
	serveCmd.Flags().String("kafka-brokers", "localhost:9092", "comma-separated Kafka broker addresses")
	serveCmd.Flags().String("redis-addr", "localhost:6379", "Redis address (host:port)")
	serveCmd.Flags().String("metrics-addr", ":9091", "Prometheus metrics server address")
	serveCmd.Flags().String("otel-endpoint", "", "OTLP HTTP endpoint for tracing (e.g. localhost:4318); empty disables tracing")
	serveCmd.Flags().String("worker-id", "", "stable worker identity (empty = generated UUID)")
	serveCmd.Flags().StringSlice("capabilities", []string{"echo", "webhook"}, "capabilities this worker serves")
	serveCmd.Flags().Duration("task-timeout", 0, "per-task execution timeout (0 = default 30s)")
	serveCmd.Flags().Duration("heartbeat-interval", 0, "heartbeat cadence (0 = default 10s)")

	bindFlag("kafka_brokers", serveCmd.Flags(), "kafka-brokers")
	bindFlag("redis_addr", serveCmd.Flags(), "redis-addr")
	bindFlag("metrics_addr", serveCmd.Flags(), "metrics-addr")
	bindFlag("otel_endpoint", serveCmd.Flags(), "otel-endpoint")
	bindFlag("worker_id", serveCmd.Flags(), "worker-id")
	bindFlag("capabilities", serveCmd.Flags(), "capabilities")
	bindFlag("task_timeout", serveCmd.Flags(), "task-timeout")
	bindFlag("heartbeat_interval", serveCmd.Flags(), "heartbeat-interval")
	_ = viper.BindEnv("otel_endpoint", "OTEL_EXPORTER_OTLP_ENDPOINT")
}

func runServe(_ *cobra.Command, _ []string) error {
	cfg := config.Load(viper.GetViper())
	logger := buildLogger(cfg.LogLevel, "agent-worker")

	workerID := cfg.WorkerID
	if workerID == "" {
		workerID = "worker-" + uuid.NewString()[:8]
	}
	logger = logger.With(slog.String("worker_id", workerID))

	if len(cfg.Capabilities) == 0 {
		return fmt.Errorf("at least one capability is required")
	}

	shutdownTracer, err := telemetry.InitTracer(context.Background(), "agent-worker", cfg.OTelEndpoint)
	if err != nil {
		return fmt.Errorf("tracer: %w", err)
	}
	defer shutdownTracer()

	brokers := strings.Split(cfg.KafkaBrokers, ",")

	producer := kafka.NewProducer(brokers)
	defer func() { _ = producer.Close() }()

	redisClient := redisstore.NewClient(cfg.RedisAddr)
	defer func() { _ = redisClient.Close() }()
	store := redisstore.NewStateStore(redisClient)

	res := resilience.NewManager(resilience.DefaultConfig(), logger)

	registry := executors.NewRegistry()
	for _, capability := range cfg.Capabilities {
		switch capability {
		case "echo":
			registry.Register(executors.NewEchoExecutor())
		case "webhook":
			registry.Register(executors.NewWebhookExecutor(res))
		default:
			return fmt.Errorf("no executor available for capability %q", capability)
		}
	}

	consumers := make(map[string]kafka.Consumer, len(cfg.Capabilities))
	for _, capability := range cfg.Capabilities {
		group := "workers-" + capability
		c := kafka.NewConsumer(brokers, kafka.DispatchTopic(capability), group, logger)
		defer func() { _ = c.Close() }()
		consumers[capability] = c
	}

	opts := []agentworker.Option{agentworker.WithLogger(logger)}
	if cfg.TaskTimeout > 0 {
		opts = append(opts, agentworker.WithTimeout(cfg.TaskTimeout))
	}
	if cfg.HeartbeatInterval > 0 {
		opts = append(opts, agentworker.WithHeartbeatEvery(cfg.HeartbeatInterval))
	}
	w := agentworker.NewWorker(workerID, consumers, producer, store, registry, opts...)

	ctx, cancel := context.WithCancel(context.Background())
	telemetry.StartMetricsServer(ctx, cfg.MetricsAddr, logger,
		func(ctx context.Context) error { return redisClient.Ping(ctx).Err() },
	)

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGTERM, syscall.SIGINT)
	go func() {
		<-quit
		logger.Info("shutting down...")
		cancel()
	}()

	logger.Info("agent worker starting",
		slog.Any("capabilities", cfg.Capabilities),
	)
	if err := w.Run(ctx); err != nil && ctx.Err() == nil {
		return fmt.Errorf("worker: %w", err)
	}
	logger.Info("stopped")
	return nil
}
