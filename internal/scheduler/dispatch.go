package scheduler

import (
	"context"
	"log/slog"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"

	"github.com/jayusctrojan/Empire-sub006/internal/domain"
	"github.com/jayusctrojan/Empire-sub006/internal/resilience"
)

// HealthView is the slice of the worker registry the dispatcher needs.
type HealthView interface {
	HasHealthyCapability(capability string) bool
}

// Publisher hands a dispatched task to the transport, normally a Kafka
// producer writing to the per-capability dispatch topic.
type Publisher interface {
	PublishDispatch(ctx context.Context, task *domain.Task) error
}

// DispatcherConfig tunes the dispatch loop.
type DispatcherConfig struct {
	// PollInterval bounds how long a ready task can wait when no ready
	// signal fires, e.g. after every eligible worker degraded.
	PollInterval time.Duration
}

// Dispatcher drains the ready queue into the transport, holding back tasks
// whose capability has no healthy worker.
type Dispatcher struct {
	cfg    DispatcherConfig
	sched  *Scheduler
	health HealthView
	pub    Publisher
	res    *resilience.Manager
	logger *slog.Logger
	tracer trace.Tracer
}

func NewDispatcher(cfg DispatcherConfig, sched *Scheduler, health HealthView, pub Publisher, res *resilience.Manager, logger *slog.Logger) *Dispatcher {
	if cfg.PollInterval <= 0 {
		cfg.PollInterval = 2 * time.Second
	}
	return &Dispatcher{
		cfg:    cfg,
		sched:  sched,
		health: health,
		pub:    pub,
		res:    res,
		logger: logger,
		tracer: otel.Tracer("dispatcher"),
	}
}

// Run drains ready tasks until ctx is cancelled.
func (d *Dispatcher) Run(ctx context.Context) error {
	ticker := time.NewTicker(d.cfg.PollInterval)
	defer ticker.Stop()

	for {
		d.drain(ctx)
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-d.sched.ReadyC():
		case <-ticker.C:
		}
	}
}

func (d *Dispatcher) drain(ctx context.Context) {
	for {
		if ctx.Err() != nil {
			return
		}
		task, ok := d.sched.NextReady(d.eligible)
		if !ok {
			return
		}
		d.publish(ctx, task)
	}
}

func (d *Dispatcher) eligible(capability string) bool {
	if d.health == nil {
		return true
	}
	return d.health.HasHealthyCapability(capability)
}

func (d *Dispatcher) publish(ctx context.Context, task *domain.Task) {
	ctx, span := d.tracer.Start(ctx, "dispatch.publish")
	defer span.End()
	span.SetAttributes(
		attribute.String("task.id", task.ID),
		attribute.String("task.capability", task.Capability),
		attribute.Int("task.effective_priority", task.EffectivePriority),
	)

	err := d.res.Call(ctx, "kafka", func(ctx context.Context) error {
		return d.pub.PublishDispatch(ctx, task)
	})
	if err == nil {
		d.logger.Info("task dispatched",
			slog.String("task_id", task.ID),
			slog.String("capability", task.Capability),
			slog.Int("effective_priority", task.EffectivePriority),
		)
		return
	}

	span.RecordError(err)
	d.logger.Error("dispatch publish failed, requeueing",
		slog.String("task_id", task.ID),
		slog.Any("error", err),
	)
	if rerr := d.sched.ReportOutcome(task.ID, domain.OutcomeRetryableFailure, "dispatch publish failed: "+err.Error()); rerr != nil {
		d.logger.Error("requeue after failed dispatch", slog.Any("error", rerr))
	}
}
