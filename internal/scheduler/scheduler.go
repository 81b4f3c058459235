package scheduler

import (
	"fmt"
	"log/slog"
	"sort"
	"strconv"
	"sync/atomic"
	"time"

	"github.com/google/uuid"

	"github.com/jayusctrojan/Empire-sub006/internal/domain"
	"github.com/jayusctrojan/Empire-sub006/pkg/telemetry"
)

// Config holds scheduler tuning knobs.
type Config struct {
	// DefaultMaxAttempts bounds retryable failures for tasks that do not set
	// their own limit.
	DefaultMaxAttempts int
}

// TaskSpec is the input to Enqueue.
type TaskSpec struct {
	ID          string
	Capability  string
	Payload     []byte
	Priority    int
	MaxAttempts int
	DependsOn   []domain.Dependency
}

// Scheduler owns the task graph and the priority-ordered ready queue.
//
// Locking: the graph mutex guards structure (nodes, edges), each node's
// mutex guards its execution state, and the ready queue has its own leaf
// lock. Priority-inheritance recomputation is the only operation touching
// several node locks at once; it acquires them in ascending arena order
// while holding the graph lock, so no cycle of waiters can form.
type Scheduler struct {
	cfg    Config
	logger *slog.Logger
	g      *graph
	ready  *readyQueue
	seq    atomic.Uint64
	now    func() time.Time

	readyCh chan struct{}
}

// New constructs an empty Scheduler.
func New(cfg Config, logger *slog.Logger) *Scheduler {
	if cfg.DefaultMaxAttempts <= 0 {
		cfg.DefaultMaxAttempts = 3
	}
	return &Scheduler{
		cfg:     cfg,
		logger:  logger,
		g:       newGraph(),
		ready:   newReadyQueue(),
		now:     time.Now,
		readyCh: make(chan struct{}, 1),
	}
}

// ReadyC is signaled whenever a task becomes ready for dispatch. Callers
// poll NextReady after each signal; the channel carries no payload.
func (s *Scheduler) ReadyC() <-chan struct{} { return s.readyCh }

// Notify wakes dispatch loops waiting on ReadyC, e.g. after a worker
// returns to healthy and previously stranded capabilities become
// dispatchable again.
func (s *Scheduler) Notify() {
	select {
	case s.readyCh <- struct{}{}:
	default:
	}
}

// Enqueue validates and registers a task, returning its ID. Priority must be
// within [1,10]; dependencies must exist and must not form a cycle. A task
// depending on an already-failed dependency (unless best-effort) registers
// and immediately fails fast, so it never sits queued with no path to run.
func (s *Scheduler) Enqueue(spec TaskSpec) (string, error) {
	if spec.Priority < domain.MinPriority || spec.Priority > domain.MaxPriority {
		return "", &domain.InvalidPriorityError{Priority: spec.Priority}
	}
	if spec.ID == "" {
		spec.ID = uuid.New().String()
	}
	if spec.MaxAttempts <= 0 {
		spec.MaxAttempts = s.cfg.DefaultMaxAttempts
	}

	s.g.mu.Lock()
	if _, exists := s.g.index[spec.ID]; exists {
		s.g.mu.Unlock()
		return "", fmt.Errorf("task %s already enqueued", spec.ID)
	}

	depIdx := make([]edge, 0, len(spec.DependsOn))
	var failedDep, failedDepReason string
	for _, d := range spec.DependsOn {
		if d.TaskID == spec.ID {
			s.g.mu.Unlock()
			return "", &domain.CyclicDependencyError{TaskID: spec.ID, DependencyID: d.TaskID}
		}
		i, ok := s.g.index[d.TaskID]
		if !ok {
			s.g.mu.Unlock()
			return "", &domain.TaskNotFoundError{TaskID: d.TaskID}
		}
		if !d.BestEffort && failedDep == "" {
			dn := s.g.nodes[i]
			dn.mu.Lock()
			if dn.state == domain.StateFailed {
				failedDep = dn.id
				failedDepReason = dn.failureReason
			}
			dn.mu.Unlock()
		}
		depIdx = append(depIdx, edge{to: i, bestEffort: d.BestEffort})
	}

	now := s.now()
	n := &node{
		idx:         len(s.g.nodes),
		id:          spec.ID,
		seq:         s.seq.Add(1),
		deps:        depIdx,
		capability:  spec.Capability,
		payload:     spec.Payload,
		state:       domain.StateQueued,
		priority:    spec.Priority,
		maxAttempts: spec.MaxAttempts,
		createdAt:   now,
		updatedAt:   now,
		heapIdx:     -1,
	}
	n.effective.Store(int32(spec.Priority))
	s.g.nodes = append(s.g.nodes, n)
	s.g.index[spec.ID] = n.idx
	for _, e := range depIdx {
		s.g.nodes[e.to].dependents = append(s.g.nodes[e.to].dependents, n.idx)
	}

	ready := s.depsSatisfiedGraphLocked(n)
	s.recomputeInheritanceGraphLocked(n)
	s.g.mu.Unlock()

	if failedDep != "" {
		telemetry.SchedulerTasksEnqueued.WithLabelValues(strconv.Itoa(spec.Priority)).Inc()
		s.failFast(n, fmt.Sprintf("dependency %s failed: %s", failedDep, failedDepReason))
		return spec.ID, nil
	}

	if ready {
		s.ready.push(n)
		s.Notify()
	}
	telemetry.SchedulerTasksEnqueued.WithLabelValues(strconv.Itoa(spec.Priority)).Inc()
	telemetry.SchedulerQueueDepth.Set(float64(s.ready.len()))
	s.logger.Info("task enqueued",
		slog.String("task_id", spec.ID),
		slog.String("capability", spec.Capability),
		slog.Int("priority", spec.Priority),
		slog.Int("dependencies", len(spec.DependsOn)),
	)
	return spec.ID, nil
}

// AddDependency links an additional dependency edge onto an existing queued
// task and recomputes inherited priorities. Adding an edge that would close
// a cycle is rejected; adding a non-best-effort edge onto an already-failed
// dependency fails the task fast.
func (s *Scheduler) AddDependency(taskID string, dep domain.Dependency) error {
	s.g.mu.Lock()
	ti, ok := s.g.index[taskID]
	if !ok {
		s.g.mu.Unlock()
		return &domain.TaskNotFoundError{TaskID: taskID}
	}
	di, ok := s.g.index[dep.TaskID]
	if !ok {
		s.g.mu.Unlock()
		return &domain.TaskNotFoundError{TaskID: dep.TaskID}
	}
	if s.g.reachableLocked(di, ti) {
		s.g.mu.Unlock()
		return &domain.CyclicDependencyError{TaskID: taskID, DependencyID: dep.TaskID}
	}

	n := s.g.nodes[ti]
	n.mu.Lock()
	state := n.state
	n.mu.Unlock()
	if state != domain.StateQueued && state != domain.StateRequeued {
		s.g.mu.Unlock()
		return fmt.Errorf("task %s is %s, dependencies can only be added before dispatch", taskID, state)
	}

	var failedDepReason string
	depFailed := false
	if !dep.BestEffort {
		dn := s.g.nodes[di]
		dn.mu.Lock()
		if dn.state == domain.StateFailed {
			depFailed = true
			failedDepReason = dn.failureReason
		}
		dn.mu.Unlock()
	}

	n.deps = append(n.deps, edge{to: di, bestEffort: dep.BestEffort})
	s.g.nodes[di].dependents = append(s.g.nodes[di].dependents, ti)
	stillReady := s.depsSatisfiedGraphLocked(n)
	s.recomputeInheritanceGraphLocked(n)
	s.g.mu.Unlock()

	if depFailed {
		s.failFast(n, fmt.Sprintf("dependency %s failed: %s", dep.TaskID, failedDepReason))
		return nil
	}
	if !stillReady {
		s.ready.remove(n)
		telemetry.SchedulerQueueDepth.Set(float64(s.ready.len()))
	}
	return nil
}

// NextReady pops the highest-effective-priority ready task whose capability
// passes eligible, marking it dispatched. It never blocks: callers poll or
// wait on ReadyC. A nil eligible accepts every capability.
func (s *Scheduler) NextReady(eligible func(capability string) bool) (*domain.Task, bool) {
	var skipped []*node
	defer func() {
		for _, n := range skipped {
			s.ready.push(n)
		}
		telemetry.SchedulerQueueDepth.Set(float64(s.ready.len()))
	}()

	for {
		n := s.ready.pop()
		if n == nil {
			return nil, false
		}

		n.mu.Lock()
		if n.state != domain.StateQueued && n.state != domain.StateRequeued {
			// Stale heap entry (task failed or was cancelled while queued).
			n.mu.Unlock()
			continue
		}
		if eligible != nil && !eligible(n.capability) {
			n.mu.Unlock()
			skipped = append(skipped, n)
			continue
		}
		now := s.now()
		n.state = domain.StateDispatched
		n.dispatchedAt = &now
		n.updatedAt = now
		task := n.snapshotLocked()
		n.mu.Unlock()

		telemetry.SchedulerTasksDispatched.WithLabelValues(task.Capability).Inc()
		return task, true
	}
}

// MarkRunning records the dispatched→running transition reported by workerID.
func (s *Scheduler) MarkRunning(taskID, workerID string) error {
	n, ok := s.g.get(taskID)
	if !ok {
		return &domain.TaskNotFoundError{TaskID: taskID}
	}
	n.mu.Lock()
	defer n.mu.Unlock()
	if n.state != domain.StateDispatched {
		return fmt.Errorf("task %s is %s, expected %s", taskID, n.state, domain.StateDispatched)
	}
	n.state = domain.StateRunning
	n.workerID = workerID
	n.updatedAt = s.now()
	return nil
}

// ReportOutcome feeds an execution result back into the graph.
//
// Success releases dependents whose dependencies are now all satisfied.
// A retryable failure requeues the task with an incremented attempt counter
// until MaxAttempts is exceeded, at which point it converts to a fatal
// failure. A fatal failure fails the task and, fail-fast, every transitive
// dependent not linked through a best-effort edge.
func (s *Scheduler) ReportOutcome(taskID string, outcome domain.Outcome, reason string) error {
	n, ok := s.g.get(taskID)
	if !ok {
		return &domain.TaskNotFoundError{TaskID: taskID}
	}

	switch outcome {
	case domain.OutcomeSuccess:
		s.completeSuccess(n)
	case domain.OutcomeRetryableFailure:
		s.requeueOrFail(n, reason)
	case domain.OutcomeFatalFailure:
		s.failFast(n, reason)
	default:
		return fmt.Errorf("unknown outcome %q for task %s", outcome, taskID)
	}
	return nil
}

func (s *Scheduler) completeSuccess(n *node) {
	now := s.now()
	n.mu.Lock()
	if n.state.IsTerminal() {
		n.mu.Unlock()
		return
	}
	n.state = domain.StateSucceeded
	n.completedAt = &now
	n.updatedAt = now
	n.mu.Unlock()

	telemetry.SchedulerTasksCompleted.WithLabelValues(string(domain.OutcomeSuccess)).Inc()
	s.logger.Info("task succeeded", slog.String("task_id", n.id))
	s.releaseDependents(n)
}

func (s *Scheduler) requeueOrFail(n *node, reason string) {
	n.mu.Lock()
	if n.state.IsTerminal() {
		n.mu.Unlock()
		return
	}
	n.attempts++
	exceeded := n.attempts >= n.maxAttempts
	if !exceeded {
		n.state = domain.StateRequeued
		n.failureReason = reason
		n.updatedAt = s.now()
	}
	attempts := n.attempts
	n.mu.Unlock()

	if exceeded {
		s.failFast(n, fmt.Sprintf("max attempts (%d) exceeded: %s", attempts, reason))
		return
	}

	s.ready.push(n)
	s.Notify()
	telemetry.SchedulerQueueDepth.Set(float64(s.ready.len()))
	s.logger.Warn("task requeued",
		slog.String("task_id", n.id),
		slog.Int("attempt", attempts),
		slog.String("reason", reason),
	)
}

func (s *Scheduler) failFast(n *node, reason string) {
	now := s.now()
	n.mu.Lock()
	if n.state.IsTerminal() {
		n.mu.Unlock()
		return
	}
	n.state = domain.StateFailed
	n.failureReason = reason
	n.completedAt = &now
	n.updatedAt = now
	n.mu.Unlock()
	s.ready.remove(n)

	telemetry.SchedulerTasksCompleted.WithLabelValues(string(domain.OutcomeFatalFailure)).Inc()
	s.logger.Error("task failed",
		slog.String("task_id", n.id),
		slog.String("reason", reason),
	)

	for _, di := range s.g.failClosure(n.idx) {
		d := s.g.node(di)
		d.mu.Lock()
		if d.state.IsTerminal() {
			d.mu.Unlock()
			continue
		}
		d.state = domain.StateFailed
		d.failureReason = fmt.Sprintf("dependency %s failed: %s", n.id, reason)
		d.completedAt = &now
		d.updatedAt = now
		d.mu.Unlock()
		s.ready.remove(d)
		telemetry.SchedulerTasksCompleted.WithLabelValues(string(domain.OutcomeFatalFailure)).Inc()
		s.logger.Error("task failed fast with dependency",
			slog.String("task_id", d.id),
			slog.String("dependency_id", n.id),
		)
	}
	telemetry.SchedulerQueueDepth.Set(float64(s.ready.len()))

	// A best-effort dependent of the failed task may have just become ready.
	s.releaseDependents(n)
}

// releaseDependents pushes every direct dependent whose dependencies are now
// all satisfied onto the ready queue.
func (s *Scheduler) releaseDependents(n *node) {
	released := false
	for _, di := range s.g.directDependents(n.idx) {
		d := s.g.node(di)
		d.mu.Lock()
		queued := d.state == domain.StateQueued || d.state == domain.StateRequeued
		d.mu.Unlock()
		if !queued || !s.depsSatisfied(d) {
			continue
		}
		s.ready.push(d)
		released = true
	}
	if released {
		s.Notify()
		telemetry.SchedulerQueueDepth.Set(float64(s.ready.len()))
	}
}

// depsSatisfied reports whether every dependency of n is satisfied: either
// succeeded, or failed behind a best-effort edge.
func (s *Scheduler) depsSatisfied(n *node) bool {
	s.g.mu.RLock()
	deps := make([]edge, len(n.deps))
	copy(deps, n.deps)
	nodes := s.g.nodes
	s.g.mu.RUnlock()

	for _, e := range deps {
		dep := nodes[e.to]
		dep.mu.Lock()
		state := dep.state
		dep.mu.Unlock()
		if state == domain.StateSucceeded {
			continue
		}
		if state == domain.StateFailed && e.bestEffort {
			continue
		}
		return false
	}
	return true
}

// depsSatisfiedGraphLocked is depsSatisfied for callers already holding the
// graph write lock.
func (s *Scheduler) depsSatisfiedGraphLocked(n *node) bool {
	for _, e := range n.deps {
		dep := s.g.nodes[e.to]
		dep.mu.Lock()
		state := dep.state
		dep.mu.Unlock()
		if state == domain.StateSucceeded {
			continue
		}
		if state == domain.StateFailed && e.bestEffort {
			continue
		}
		return false
	}
	return true
}

// recomputeInheritanceGraphLocked raises the effective priority of every
// transitive dependency of start to at least start's effective priority,
// relaxing further down the chain where the boost cascades. Only the
// affected subgraph is visited. Caller holds the graph write lock; node
// locks are taken in ascending arena order.
func (s *Scheduler) recomputeInheritanceGraphLocked(start *node) {
	affected := map[int]bool{}
	stack := []int{start.idx}
	for len(stack) > 0 {
		cur := stack[len(stack)-1]
		stack = stack[:len(stack)-1]
		for _, e := range s.g.nodes[cur].deps {
			if !affected[e.to] {
				affected[e.to] = true
				stack = append(stack, e.to)
			}
		}
	}
	if len(affected) == 0 {
		return
	}

	order := make([]int, 0, len(affected)+1)
	order = append(order, start.idx)
	for i := range affected {
		order = append(order, i)
	}
	sort.Ints(order)
	for _, i := range order {
		s.g.nodes[i].mu.Lock()
	}
	defer func() {
		for _, i := range order {
			s.g.nodes[i].mu.Unlock()
		}
	}()

	// Relax boosts outward from start. All involved locks are held, so the
	// walk sees a consistent view.
	work := []int{start.idx}
	for len(work) > 0 {
		cur := work[len(work)-1]
		work = work[:len(work)-1]
		cn := s.g.nodes[cur]
		eff := cn.effective.Load()
		for _, e := range cn.deps {
			dep := s.g.nodes[e.to]
			if dep.effective.Load() >= eff || dep.state.IsTerminal() {
				continue
			}
			dep.effective.Store(eff)
			telemetry.SchedulerInheritanceBoosts.Inc()
			s.ready.fix(dep)
			work = append(work, e.to)
		}
	}
}

// Cancel stops a task. Queued or dispatched tasks fail immediately and
// cancellation propagates to waiting dependents; running tasks are marked
// for cooperative cancellation and the owning worker is expected to honor
// it via CancelRequested.
func (s *Scheduler) Cancel(taskID string) error {
	n, ok := s.g.get(taskID)
	if !ok {
		return &domain.TaskNotFoundError{TaskID: taskID}
	}

	n.mu.Lock()
	switch n.state {
	case domain.StateSucceeded, domain.StateFailed:
		n.mu.Unlock()
		return nil // nothing to cancel
	case domain.StateRunning:
		n.cancelRequested = true
		n.updatedAt = s.now()
		n.mu.Unlock()
		s.logger.Info("cancellation requested for running task", slog.String("task_id", taskID))
		return nil
	default:
		n.mu.Unlock()
		cancelErr := &domain.TaskCancelledError{TaskID: taskID}
		s.failFast(n, cancelErr.Error())
		return nil
	}
}

// CancelRequested reports whether cooperative cancellation was requested.
func (s *Scheduler) CancelRequested(taskID string) bool {
	n, ok := s.g.get(taskID)
	if !ok {
		return false
	}
	n.mu.Lock()
	defer n.mu.Unlock()
	return n.cancelRequested
}

// Status returns the latest known state of a task.
func (s *Scheduler) Status(taskID string) (*domain.Task, error) {
	n, ok := s.g.get(taskID)
	if !ok {
		return nil, &domain.TaskNotFoundError{TaskID: taskID}
	}
	n.mu.Lock()
	defer n.mu.Unlock()
	return n.snapshotLocked(), nil
}

// RequeueStale requeues tasks stuck in dispatched or running longer than
// maxAge (worker crashed without reporting). Returns the requeued task IDs.
func (s *Scheduler) RequeueStale(maxAge time.Duration) []string {
	cutoff := s.now().Add(-maxAge)

	s.g.mu.RLock()
	nodes := make([]*node, len(s.g.nodes))
	copy(nodes, s.g.nodes)
	s.g.mu.RUnlock()

	var requeued []string
	for _, n := range nodes {
		n.mu.Lock()
		stale := (n.state == domain.StateDispatched || n.state == domain.StateRunning) &&
			n.dispatchedAt != nil && n.dispatchedAt.Before(cutoff)
		n.mu.Unlock()
		if !stale {
			continue
		}
		telemetry.SchedulerStaleRequeues.Inc()
		s.requeueOrFail(n, "stale execution recovered by sweep")
		requeued = append(requeued, n.id)
	}
	return requeued
}

// EvictWorker requeues every task assigned to workerID that has not
// finished, used when the health registry declares the worker unhealthy or
// it deregisters. Returns the affected task IDs.
func (s *Scheduler) EvictWorker(workerID string) []string {
	s.g.mu.RLock()
	nodes := make([]*node, len(s.g.nodes))
	copy(nodes, s.g.nodes)
	s.g.mu.RUnlock()

	var evicted []string
	for _, n := range nodes {
		n.mu.Lock()
		assigned := n.workerID == workerID &&
			(n.state == domain.StateDispatched || n.state == domain.StateRunning)
		n.mu.Unlock()
		if !assigned {
			continue
		}
		s.requeueOrFail(n, fmt.Sprintf("worker %s evicted", workerID))
		evicted = append(evicted, n.id)
	}
	return evicted
}

// QueueDepth returns the number of tasks currently ready for dispatch.
func (s *Scheduler) QueueDepth() int { return s.ready.len() }
