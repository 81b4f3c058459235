//go:build integration

package integration

import (
	"context"
	"fmt"
	"log"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"testing"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
	kafkago "github.com/segmentio/kafka-go"
	"github.com/testcontainers/testcontainers-go"
	tcKafka "github.com/testcontainers/testcontainers-go/modules/kafka"
	tcPostgres "github.com/testcontainers/testcontainers-go/modules/postgres"
	tcRedis "github.com/testcontainers/testcontainers-go/modules/redis"
	"github.com/testcontainers/testcontainers-go/wait"
)

// Shared backing services for the whole package, started once in TestMain.
var (
	testRedisAddr    string
	testPostgresDSN  string
	testKafkaBrokers []string
)

func TestMain(m *testing.M) {
	os.Exit(run(m))
}

func run(m *testing.M) int {
	ctx := context.Background()

	for _, start := range []func(context.Context) (func(), error){
		startRedis,
		startPostgres,
		startKafka,
	} {
		stop, err := start(ctx)
		if err != nil {
			log.Fatalf("test environment: %v", err)
		}
		defer stop()
	}

	return m.Run()
}

func startRedis(ctx context.Context) (func(), error) {
	ctr, err := tcRedis.Run(ctx, "redis:7-alpine")
	if err != nil {
		return nil, fmt.Errorf("redis container: %w", err)
	}
	connStr, err := ctr.ConnectionString(ctx)
	if err != nil {
		return nil, fmt.Errorf("redis connection string: %w", err)
	}
	// ConnectionString returns "redis://host:port"; go-redis wants a bare addr.
	testRedisAddr = strings.TrimPrefix(connStr, "redis://")
	return func() { _ = ctr.Terminate(ctx) }, nil
}

func startPostgres(ctx context.Context) (func(), error) {
	ctr, err := tcPostgres.Run(ctx, "postgres:15-alpine",
		tcPostgres.WithDatabase("empire"),
		tcPostgres.WithUsername("empire"),
		tcPostgres.WithPassword("empire"),
		testcontainers.WithWaitStrategy(
			wait.ForLog("database system is ready to accept connections").
				WithOccurrence(2).
				WithStartupTimeout(60*time.Second),
		),
	)
	if err != nil {
		return nil, fmt.Errorf("postgres container: %w", err)
	}
	dsn, err := ctr.ConnectionString(ctx, "sslmode=disable")
	if err != nil {
		return nil, fmt.Errorf("postgres connection string: %w", err)
	}
	testPostgresDSN = dsn
	if err := applyMigrations(ctx, dsn); err != nil {
		return nil, err
	}
	return func() { _ = ctr.Terminate(ctx) }, nil
}

func startKafka(ctx context.Context) (func(), error) {
	ctr, err := tcKafka.Run(ctx, "confluentinc/confluent-local:7.7.1",
		testcontainers.WithWaitStrategy(
			wait.ForLog("Kafka Server started").
				WithStartupTimeout(90*time.Second),
		),
	)
	if err != nil {
		return nil, fmt.Errorf("kafka container: %w", err)
	}
	brokers, err := ctr.Brokers(ctx)
	if err != nil {
		return nil, fmt.Errorf("kafka brokers: %w", err)
	}
	testKafkaBrokers = brokers
	return func() { _ = ctr.Terminate(ctx) }, nil
}

// createTopic creates a topic up front. Leaning on auto-creation is racy: the
// first publish can land before the topic exists and fail with
// UNKNOWN_TOPIC_OR_PARTITION.
func createTopic(t *testing.T, topic string) {
	t.Helper()
	conn, err := kafkago.DialContext(context.Background(), "tcp", testKafkaBrokers[0])
	if err != nil {
		t.Fatalf("kafka dial: %v", err)
	}
	defer conn.Close()

	err = conn.CreateTopics(kafkago.TopicConfig{
		Topic:             topic,
		NumPartitions:     1,
		ReplicationFactor: 1,
	})
	if err != nil {
		t.Fatalf("create topic %q: %v", topic, err)
	}
}

// applyMigrations runs every .sql file in the migrations directory in name
// order against the test database.
func applyMigrations(ctx context.Context, dsn string) error {
	pool, err := pgxpool.New(ctx, dsn)
	if err != nil {
		return fmt.Errorf("pgxpool: %w", err)
	}
	defer pool.Close()

	const dir = "../../internal/postgres/migrations"
	files, err := filepath.Glob(filepath.Join(dir, "*.sql"))
	if err != nil {
		return fmt.Errorf("list migrations: %w", err)
	}
	if len(files) == 0 {
		return fmt.Errorf("no migrations found in %s", dir)
	}
	sort.Strings(files)

	for _, f := range files {
		sql, err := os.ReadFile(f)
		if err != nil {
			return fmt.Errorf("read %s: %w", f, err)
		}
		if _, err := pool.Exec(ctx, string(sql)); err != nil {
			return fmt.Errorf("apply %s: %w", f, err)
		}
	}
	return nil
}
