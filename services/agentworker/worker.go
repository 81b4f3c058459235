package agentworker

import (
	"context"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
	"golang.org/x/sync/errgroup"

	"github.com/jayusctrojan/Empire-sub006/internal/domain"
	"github.com/jayusctrojan/Empire-sub006/internal/executors"
	"github.com/jayusctrojan/Empire-sub006/internal/kafka"
	redisstore "github.com/jayusctrojan/Empire-sub006/internal/redis"
	"github.com/jayusctrojan/Empire-sub006/internal/resilience"
	"github.com/jayusctrojan/Empire-sub006/pkg/telemetry"
)

const resultTTL = time.Hour

// Worker pulls dispatched tasks for its capabilities, executes them, and
// reports lifecycle events back to the orchestrator over the results topic.
type Worker struct {
	workerID  string
	consumers map[string]kafka.Consumer // capability → dispatch consumer
	producer  kafka.Producer
	store     redisstore.StateStore
	registry  *executors.Registry
	timeout   time.Duration
	heartbeat time.Duration
	logger    *slog.Logger

	wg       sync.WaitGroup
	inFlight atomic.Int64
	seq      atomic.Uint64
}

// Option configures a Worker.
type Option func(*Worker)

func WithTimeout(d time.Duration) Option        { return func(w *Worker) { w.timeout = d } }
func WithHeartbeatEvery(d time.Duration) Option { return func(w *Worker) { w.heartbeat = d } }
func WithLogger(l *slog.Logger) Option          { return func(w *Worker) { w.logger = l } }

// NewWorker constructs a Worker. consumers maps each capability the worker
// serves to a consumer on that capability's dispatch topic; the executor
// registry must cover the same capabilities.
func NewWorker(
	workerID string,
	consumers map[string]kafka.Consumer,
	producer kafka.Producer,
	store redisstore.StateStore,
	registry *executors.Registry,
	opts ...Option,
) *Worker {
	w := &Worker{
		workerID:  workerID,
		consumers: consumers,
		producer:  producer,
		store:     store,
		registry:  registry,
		timeout:   30 * time.Second,
		heartbeat: 10 * time.Second,
		logger:    slog.Default(),
	}
	for _, opt := range opts {
		opt(w)
	}
	return w
}

// Run consumes every dispatch topic and heartbeats until ctx is cancelled,
// then announces deregistration so the orchestrator frees the slot instead
// of waiting out the heartbeat timeout.
func (w *Worker) Run(ctx context.Context) error {
	g, ctx := errgroup.WithContext(ctx)
	for capability, consumer := range w.consumers {
		consumer := consumer
		w.logger.Info("consuming dispatch topic", slog.String("capability", capability))
		g.Go(func() error { return consumer.Subscribe(ctx, w.processDispatch) })
	}
	g.Go(func() error { return w.heartbeatLoop(ctx) })

	err := g.Wait()
	w.wg.Wait()
	w.deregister()
	return err
}

// heartbeatLoop publishes liveness on a fixed cadence. Seq is monotonic so
// the registry can discard heartbeats that arrive out of order.
func (w *Worker) heartbeatLoop(ctx context.Context) error {
	if err := w.publishHeartbeat(ctx); err != nil {
		w.logger.Warn("initial heartbeat failed", slog.Any("error", err))
	}
	ticker := time.NewTicker(w.heartbeat)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
			if err := w.publishHeartbeat(ctx); err != nil {
				w.logger.Warn("heartbeat publish failed", slog.Any("error", err))
			}
		}
	}
}

func (w *Worker) publishHeartbeat(ctx context.Context) error {
	return w.producer.PublishHeartbeat(ctx, domain.Heartbeat{
		WorkerID:     w.workerID,
		Seq:          w.seq.Add(1),
		Load:         int(w.inFlight.Load()),
		Capabilities: w.registry.Capabilities(),
	})
}

func (w *Worker) deregister() {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	err := w.producer.PublishHeartbeat(ctx, domain.Heartbeat{
		WorkerID:   w.workerID,
		Seq:        w.seq.Add(1),
		Deregister: true,
	})
	if err != nil {
		w.logger.Warn("deregister heartbeat failed", slog.Any("error", err))
	}
}

// processDispatch executes one dispatched task. Always returns nil: the
// outcome travels on the results topic, so the dispatch offset commits
// either way and the orchestrator's attempt budget governs re-execution.
func (w *Worker) processDispatch(consumerCtx context.Context, msg kafka.Message) error {
	var task domain.Task
	if err := msg.Decode(&task); err != nil {
		w.logger.Error("malformed dispatch, discarding",
			slog.Any("error", err),
			slog.String("raw", string(msg.Value)),
		)
		return nil
	}

	ctx, span := otel.Tracer("agentworker").Start(consumerCtx, "worker.execute_task")
	defer span.End()
	span.SetAttributes(
		attribute.String("task.id", task.ID),
		attribute.String("task.capability", task.Capability),
		attribute.String("worker.id", w.workerID),
	)

	log := w.logger.With(
		slog.String("task_id", task.ID),
		slog.String("capability", task.Capability),
	)

	// A requeue sweep may have re-dispatched a task whose first delivery
	// finished late. Skip anything already terminal.
	if st, err := w.store.GetTaskStatus(ctx, task.ID); err == nil && st.State.IsTerminal() {
		log.Info("task already terminal, skipping", slog.String("state", string(st.State)))
		return nil
	}

	exec, err := w.registry.Get(task.Capability)
	if err != nil {
		log.Error("no executor for capability", slog.Any("error", err))
		span.SetStatus(codes.Error, "no executor registered")
		w.reportFinished(ctx, &task, domain.OutcomeFatalFailure, err.Error(), 0)
		return nil
	}

	if err := w.producer.PublishTaskEvent(ctx, domain.TaskEvent{
		Kind:     domain.EventStarted,
		TaskID:   task.ID,
		WorkerID: w.workerID,
	}); err != nil {
		// Without the started event the orchestrator would treat a later
		// result as stale. Leave the offset uncommitted and retry delivery.
		log.Error("publish started event", slog.Any("error", err))
		return err
	}

	w.wg.Add(1)
	w.inFlight.Add(1)
	telemetry.WorkerTasksInFlight.WithLabelValues(task.Capability).Inc()
	defer func() {
		telemetry.WorkerTasksInFlight.WithLabelValues(task.Capability).Dec()
		w.inFlight.Add(-1)
		w.wg.Done()
	}()

	start := time.Now()
	// The timeout is independent of consumer shutdown but child spans stay
	// parented to the dispatch trace.
	execCtx, cancel := context.WithTimeout(trace.ContextWithSpan(context.Background(), span), w.timeout)
	result, execErr := exec.Execute(execCtx, &task)
	cancel()

	durationSec := time.Since(start).Seconds()
	durationMs := int64(durationSec * 1000)
	telemetry.WorkerTaskDurationSeconds.WithLabelValues(task.Capability).Observe(durationSec)

	if execErr == nil {
		if err := w.store.SetResult(ctx, task.ID, result, resultTTL); err != nil {
			log.Error("store result", slog.Any("error", err))
		}
		log.Info("task completed", slog.Int64("duration_ms", durationMs))
		w.reportFinished(ctx, &task, domain.OutcomeSuccess, "", durationMs)
		return nil
	}

	outcome := outcomeFor(execErr)
	log.Error("task failed",
		slog.String("outcome", string(outcome)),
		slog.String("class", resilience.Classify(execErr).String()),
		slog.Any("error", execErr),
		slog.Int64("duration_ms", durationMs),
	)
	span.RecordError(execErr)
	span.SetStatus(codes.Error, string(outcome))
	w.reportFinished(ctx, &task, outcome, execErr.Error(), durationMs)
	return nil
}

func (w *Worker) reportFinished(ctx context.Context, task *domain.Task, outcome domain.Outcome, reason string, durationMs int64) {
	telemetry.WorkerTasksExecuted.WithLabelValues(task.Capability, string(outcome)).Inc()
	err := w.producer.PublishTaskEvent(ctx, domain.TaskEvent{
		Kind:       domain.EventFinished,
		TaskID:     task.ID,
		WorkerID:   w.workerID,
		Outcome:    outcome,
		Reason:     reason,
		DurationMs: durationMs,
	})
	if err != nil {
		w.logger.Error("publish finished event",
			slog.String("task_id", task.ID),
			slog.Any("error", err),
		)
	}
}

// outcomeFor maps an execution error to the outcome reported upstream.
// Validation, authorization and not-found failures would fail identically on
// re-execution, so they are fatal. Everything else, including failures the
// classifier cannot place, is left to the task's attempt budget.
func outcomeFor(err error) domain.Outcome {
	switch resilience.Classify(err) {
	case resilience.ClassValidation, resilience.ClassUnauthorized, resilience.ClassNotFound:
		return domain.OutcomeFatalFailure
	default:
		return domain.OutcomeRetryableFailure
	}
}
