package orchestrator

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/robfig/cron/v3"
	"golang.org/x/sync/errgroup"

	"github.com/jayusctrojan/Empire-sub006/internal/bus"
	"github.com/jayusctrojan/Empire-sub006/internal/domain"
	"github.com/jayusctrojan/Empire-sub006/internal/health"
	"github.com/jayusctrojan/Empire-sub006/internal/kafka"
	"github.com/jayusctrojan/Empire-sub006/internal/postgres"
	redisstore "github.com/jayusctrojan/Empire-sub006/internal/redis"
	"github.com/jayusctrojan/Empire-sub006/internal/resilience"
	"github.com/jayusctrojan/Empire-sub006/internal/runtime"
	"github.com/jayusctrojan/Empire-sub006/internal/scheduler"
)

// AgentID is the orchestrator's address on the coordination bus. The gateway
// sends control messages (cancel, status requests) to it.
const AgentID = "orchestrator"

// controlPayload is the body of bus signal/request messages addressed to the
// orchestrator.
type controlPayload struct {
	Op     string `json:"op"` // "cancel" | "status" | "capabilities"
	TaskID string `json:"task_id"`
}

// Options bundles the orchestrator's tunables.
type Options struct {
	// StaleAfter is how long a dispatched or running task may go without a
	// lifecycle event before the recovery sweep requeues it.
	StaleAfter time.Duration
	// RecoverySpec is the cron spec driving the sweep.
	RecoverySpec string
}

func (o *Options) withDefaults() Options {
	out := *o
	if out.StaleAfter <= 0 {
		out.StaleAfter = 5 * time.Minute
	}
	if out.RecoverySpec == "" {
		out.RecoverySpec = "@every 1m"
	}
	return out
}

// Orchestrator owns the task graph and worker registry for the deployment.
// It consumes submissions, results and heartbeats from Kafka, dispatches
// ready tasks, and answers control messages on the coordination bus.
type Orchestrator struct {
	opts       Options
	logger     *slog.Logger
	sched      *scheduler.Scheduler
	dispatcher *scheduler.Dispatcher
	registry   *health.Registry
	bus        *bus.Bus
	res        *resilience.Manager
	producer   kafka.Producer
	store      redisstore.StateStore
	repo       postgres.TaskRepository
	mirror     *redisstore.Mirror

	pending    kafka.Consumer
	results    kafka.Consumer
	heartbeats kafka.Consumer
}

// Deps are the orchestrator's collaborators, constructed by the CLI.
type Deps struct {
	Runtime    *runtime.Runtime
	Dispatcher *scheduler.Dispatcher
	Producer   kafka.Producer
	Store      redisstore.StateStore
	Repo       postgres.TaskRepository
	Mirror     *redisstore.Mirror
	Pending    kafka.Consumer
	Results    kafka.Consumer
	Heartbeats kafka.Consumer
}

// New wires the orchestrator onto the runtime: evicted workers release their
// tasks back to the queue, and control traffic flows through the bus.
func New(opts Options, deps Deps, logger *slog.Logger) *Orchestrator {
	o := &Orchestrator{
		opts:       opts.withDefaults(),
		logger:     logger,
		sched:      deps.Runtime.Tasks,
		dispatcher: deps.Dispatcher,
		registry:   deps.Runtime.Workers,
		bus:        deps.Runtime.Bus,
		res:        deps.Runtime.Circuits,
		producer:   deps.Producer,
		store:      deps.Store,
		repo:       deps.Repo,
		mirror:     deps.Mirror,
		pending:    deps.Pending,
		results:    deps.Results,
		heartbeats: deps.Heartbeats,
	}

	o.registry.OnEvict(func(workerID string) {
		for _, taskID := range o.sched.EvictWorker(workerID) {
			o.persistState(context.Background(), taskID)
			o.logger.Warn("task requeued after worker eviction",
				slog.String("task_id", taskID),
				slog.String("worker_id", workerID),
			)
		}
	})
	if o.mirror != nil {
		o.bus.SetMirror(o.mirror)
	}
	return o
}

// Run blocks until ctx is cancelled or a component fails.
func (o *Orchestrator) Run(ctx context.Context) error {
	g, ctx := errgroup.WithContext(ctx)

	g.Go(func() error { return o.dispatcher.Run(ctx) })
	g.Go(func() error { return o.registry.Run(ctx) })
	g.Go(func() error { return o.pending.Subscribe(ctx, o.handleSubmission) })
	g.Go(func() error { return o.results.Subscribe(ctx, o.handleTaskEvent) })
	g.Go(func() error { return o.heartbeats.Subscribe(ctx, o.handleHeartbeat) })
	g.Go(func() error { return o.controlLoop(ctx) })
	if o.mirror != nil {
		g.Go(func() error { return o.mirror.Run(ctx, o.bus.Inject) })
	}

	c := cron.New()
	if _, err := c.AddFunc(o.opts.RecoverySpec, func() { o.recoverStale(ctx) }); err != nil {
		return fmt.Errorf("recovery cron spec %q: %w", o.opts.RecoverySpec, err)
	}
	c.Start()
	defer c.Stop()

	err := g.Wait()
	if errors.Is(err, context.Canceled) {
		return nil
	}
	return err
}

// handleSubmission enqueues one accepted submission. Malformed or invalid
// submissions go to the DLQ; the offset always commits so the pending topic
// never wedges.
func (o *Orchestrator) handleSubmission(ctx context.Context, msg kafka.Message) error {
	var sub domain.Submission
	if err := msg.Decode(&sub); err != nil {
		o.logger.Error("malformed submission, sending to DLQ", slog.Any("error", err))
		o.deadLetter(ctx, string(msg.Key), msg.Value, err.Error())
		return nil
	}

	id, err := o.sched.Enqueue(scheduler.TaskSpec{
		ID:          sub.TaskID,
		Capability:  sub.Capability,
		Payload:     sub.Payload,
		Priority:    sub.Priority,
		MaxAttempts: sub.MaxAttempts,
		DependsOn:   sub.DependsOn,
	})
	if err != nil {
		o.logger.Error("submission rejected",
			slog.String("task_id", sub.TaskID),
			slog.Any("error", err),
		)
		o.deadLetter(ctx, sub.TaskID, msg.Value, err.Error())
		if serr := o.store.SetTaskStatus(ctx, sub.TaskID, domain.StateFailed, err.Error()); serr != nil {
			o.logger.Error("persist rejection", slog.Any("error", serr))
		}
		return nil
	}

	if task, serr := o.sched.Status(id); serr == nil {
		if perr := o.repo.Create(ctx, task); perr != nil {
			// Redis and the in-memory graph carry the live flow.
			o.logger.Error("persist task", slog.String("task_id", id), slog.Any("error", perr))
		}
	}
	o.persistState(ctx, id)
	return nil
}

// handleTaskEvent applies worker lifecycle events to the graph.
func (o *Orchestrator) handleTaskEvent(ctx context.Context, msg kafka.Message) error {
	var ev domain.TaskEvent
	if err := msg.Decode(&ev); err != nil {
		o.logger.Error("malformed task event, sending to DLQ", slog.Any("error", err))
		o.deadLetter(ctx, string(msg.Key), msg.Value, err.Error())
		return nil
	}

	switch ev.Kind {
	case domain.EventStarted:
		if err := o.sched.MarkRunning(ev.TaskID, ev.WorkerID); err != nil {
			// Duplicate delivery or a task the sweep already requeued.
			o.logger.Warn("stale start event",
				slog.String("task_id", ev.TaskID),
				slog.Any("error", err),
			)
			return nil
		}
		if err := o.repo.AssignWorker(ctx, ev.TaskID, ev.WorkerID); err != nil {
			o.logger.Error("persist assignment", slog.Any("error", err))
		}
		o.persistState(ctx, ev.TaskID)

	case domain.EventFinished:
		before, _ := o.sched.Status(ev.TaskID)
		if err := o.sched.ReportOutcome(ev.TaskID, ev.Outcome, ev.Reason); err != nil {
			o.logger.Warn("outcome for unknown task",
				slog.String("task_id", ev.TaskID),
				slog.Any("error", err),
			)
			return nil
		}
		if before != nil {
			att := &domain.TaskAttempt{
				TaskID:     ev.TaskID,
				WorkerID:   ev.WorkerID,
				Attempt:    before.Attempts + 1,
				Outcome:    ev.Outcome,
				DurationMs: ev.DurationMs,
				Error:      ev.Reason,
			}
			if err := o.repo.RecordAttempt(ctx, att); err != nil {
				o.logger.Error("persist attempt", slog.Any("error", err))
			}
		}
		o.persistState(ctx, ev.TaskID)
		if task, err := o.sched.Status(ev.TaskID); err == nil && task.State.IsTerminal() {
			o.bus.CloseStream(ev.TaskID)
		}

	default:
		o.logger.Warn("unknown task event kind", slog.String("kind", string(ev.Kind)))
	}
	return nil
}

// handleHeartbeat feeds worker heartbeats into the registry.
func (o *Orchestrator) handleHeartbeat(ctx context.Context, msg kafka.Message) error {
	var hb domain.Heartbeat
	if err := msg.Decode(&hb); err != nil {
		o.logger.Warn("malformed heartbeat dropped", slog.Any("error", err))
		return nil
	}
	o.registry.Heartbeat(hb)
	if reg, ok := o.registry.Worker(hb.WorkerID); ok {
		if err := o.store.SetWorkerSnapshot(ctx, reg); err != nil {
			o.logger.Debug("persist worker snapshot", slog.Any("error", err))
		}
	}
	return nil
}

// controlLoop serves bus messages addressed to the orchestrator: task
// cancellation signals, status requests, and capability discovery.
func (o *Orchestrator) controlLoop(ctx context.Context) error {
	inbox := o.bus.Subscribe(AgentID)
	for {
		msg, err := inbox.Receive(ctx)
		if err != nil {
			if ctx.Err() != nil {
				return ctx.Err()
			}
			return err
		}

		var p controlPayload
		if err := json.Unmarshal(msg.Payload, &p); err != nil {
			o.logger.Warn("malformed control message", slog.String("message_id", msg.ID))
			continue
		}

		switch p.Op {
		case "cancel":
			if err := o.sched.Cancel(p.TaskID); err != nil {
				o.logger.Warn("cancel failed",
					slog.String("task_id", p.TaskID),
					slog.Any("error", err),
				)
				continue
			}
			o.persistState(ctx, p.TaskID)
			o.logger.Info("task cancelled via bus", slog.String("task_id", p.TaskID))

		case "status":
			if msg.Type != domain.MessageRequest {
				continue
			}
			task, err := o.sched.Status(p.TaskID)
			var body []byte
			if err != nil {
				body, _ = json.Marshal(map[string]string{"error": err.Error()})
			} else {
				body, _ = json.Marshal(task)
			}
			if err := o.bus.Respond(ctx, msg, body); err != nil {
				o.logger.Warn("status response", slog.Any("error", err))
			}

		case "capabilities":
			if msg.Type != domain.MessageRequest {
				continue
			}
			body, _ := json.Marshal(map[string][]string{
				"capabilities": o.registry.HealthyCapabilities(),
			})
			if err := o.bus.Respond(ctx, msg, body); err != nil {
				o.logger.Warn("capabilities response", slog.Any("error", err))
			}

		default:
			o.logger.Warn("unknown control op", slog.String("op", p.Op))
		}
	}
}

// recoverStale requeues tasks orphaned by workers that died mid-execution.
func (o *Orchestrator) recoverStale(ctx context.Context) {
	for _, taskID := range o.sched.RequeueStale(o.opts.StaleAfter) {
		o.persistState(ctx, taskID)
		o.logger.Warn("stale task requeued", slog.String("task_id", taskID))
	}
}

// persistState copies the scheduler's view of a task into Redis and
// Postgres. Both writes are best-effort; the graph stays authoritative.
func (o *Orchestrator) persistState(ctx context.Context, taskID string) {
	task, err := o.sched.Status(taskID)
	if err != nil {
		return
	}
	if err := o.store.SetTaskStatus(ctx, taskID, task.State, task.FailureReason); err != nil {
		o.logger.Error("persist status to redis", slog.String("task_id", taskID), slog.Any("error", err))
	}
	if err := o.store.SetTaskSnapshot(ctx, task); err != nil {
		o.logger.Debug("persist snapshot to redis", slog.Any("error", err))
	}
	if err := o.repo.UpdateState(ctx, taskID, task.State, task.FailureReason); err != nil {
		o.logger.Error("persist state to postgres", slog.String("task_id", taskID), slog.Any("error", err))
	}
}

// deadLetter parks an unprocessable payload, wrapped by the resilience
// manager so a broker outage does not drop it silently.
func (o *Orchestrator) deadLetter(ctx context.Context, key string, value []byte, reason string) {
	err := o.res.Call(ctx, "kafka", func(ctx context.Context) error {
		return o.producer.PublishDeadLetter(ctx, key, value, reason)
	})
	if err != nil {
		o.logger.Error("DLQ publish failed",
			slog.String("key", key),
			slog.Any("error", err),
		)
	}
}
