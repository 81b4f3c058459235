package health

import (
	"context"
	"log/slog"
	"sort"
	"sync"
	"time"

	"github.com/jayusctrojan/Empire-sub006/internal/domain"
	"github.com/jayusctrojan/Empire-sub006/pkg/telemetry"
)

// Config tunes the heartbeat monitor.
type Config struct {
	// HeartbeatInterval is how often workers are expected to heartbeat.
	// One missed interval marks a worker degraded.
	HeartbeatInterval time.Duration
	// MissedIntervalsForUnhealthy is the number of consecutive missed
	// intervals after which a degraded worker becomes unhealthy.
	MissedIntervalsForUnhealthy int
	// CheckInterval is the monitor sweep period.
	CheckInterval time.Duration
}

func (c *Config) withDefaults() Config {
	out := *c
	if out.HeartbeatInterval <= 0 {
		out.HeartbeatInterval = 10 * time.Second
	}
	if out.MissedIntervalsForUnhealthy <= 0 {
		out.MissedIntervalsForUnhealthy = 3
	}
	if out.CheckInterval <= 0 {
		out.CheckInterval = out.HeartbeatInterval / 2
	}
	return out
}

// entry wraps one worker's registration. Each worker has its own lock so
// heartbeat processing is serialized per worker without a registry-wide
// bottleneck.
type entry struct {
	mu  sync.Mutex
	reg domain.WorkerRegistration
}

// tombstone remembers a deregistered worker's last accepted heartbeat
// sequence for one heartbeat interval, so a delayed redelivery cannot
// resurrect the worker.
type tombstone struct {
	seq uint64
	at  time.Time
}

// Registry tracks worker liveness from heartbeats and answers dispatch
// eligibility queries. Status transitions move strictly
// healthy → degraded → unhealthy; a fresh heartbeat restores healthy from
// any state.
type Registry struct {
	cfg    Config
	logger *slog.Logger
	now    func() time.Time

	mu         sync.RWMutex
	workers    map[string]*entry
	tombstones map[string]tombstone

	// onEvict fires when a worker loses its in-flight assignments
	// (unhealthy transition or deregistration).
	onEvict func(workerID string)
	// onHealthy fires when a worker becomes eligible again, so held-back
	// tasks can be re-dispatched.
	onHealthy func()
}

func NewRegistry(cfg Config, logger *slog.Logger) *Registry {
	return &Registry{
		cfg:        cfg.withDefaults(),
		logger:     logger,
		now:        time.Now,
		workers:    make(map[string]*entry),
		tombstones: make(map[string]tombstone),
	}
}

// OnEvict registers the eviction callback. Must be called before Run.
func (r *Registry) OnEvict(fn func(workerID string)) { r.onEvict = fn }

// OnHealthy registers the back-to-healthy callback. Must be called before Run.
func (r *Registry) OnHealthy(fn func()) { r.onHealthy = fn }

// Register adds a worker, replacing any previous registration with the same ID.
func (r *Registry) Register(workerID string, capabilities []string) domain.WorkerRegistration {
	now := r.now()
	reg := domain.WorkerRegistration{
		WorkerID:      workerID,
		Capabilities:  append([]string(nil), capabilities...),
		Status:        domain.WorkerHealthy,
		RegisteredAt:  now,
		LastHeartbeat: now,
	}

	r.mu.Lock()
	r.workers[workerID] = &entry{reg: reg}
	delete(r.tombstones, workerID)
	r.mu.Unlock()

	r.logger.Info("worker registered",
		slog.String("worker_id", workerID),
		slog.Any("capabilities", capabilities),
	)
	r.publishGauges()
	r.notifyHealthy()
	return reg
}

// Heartbeat processes one heartbeat. The first heartbeat from an unknown
// worker registers it, unless the worker was recently deregistered and the
// heartbeat predates the deregistration. Heartbeats with a sequence number at
// or below the last accepted one are dropped so a delayed heartbeat cannot
// revert a later unhealthy determination.
func (r *Registry) Heartbeat(hb domain.Heartbeat) {
	if hb.Deregister {
		r.Deregister(hb.WorkerID)
		return
	}

	r.mu.RLock()
	e, ok := r.workers[hb.WorkerID]
	r.mu.RUnlock()
	if !ok {
		if r.staleAfterDeregister(hb) {
			telemetry.HealthStaleHeartbeats.Inc()
			r.logger.Debug("heartbeat for deregistered worker dropped",
				slog.String("worker_id", hb.WorkerID),
				slog.Uint64("seq", hb.Seq),
			)
			return
		}
		r.Register(hb.WorkerID, hb.Capabilities)
		r.mu.RLock()
		e = r.workers[hb.WorkerID]
		r.mu.RUnlock()
	}

	e.mu.Lock()
	if hb.Seq != 0 && hb.Seq <= e.reg.HeartbeatSeq {
		e.mu.Unlock()
		telemetry.HealthStaleHeartbeats.Inc()
		r.logger.Debug("stale heartbeat dropped",
			slog.String("worker_id", hb.WorkerID),
			slog.Uint64("seq", hb.Seq),
		)
		return
	}
	prev := e.reg.Status
	e.reg.HeartbeatSeq = hb.Seq
	e.reg.Load = hb.Load
	if len(hb.Capabilities) > 0 {
		e.reg.Capabilities = append([]string(nil), hb.Capabilities...)
	}
	e.reg.LastHeartbeat = r.now()
	e.reg.Status = domain.WorkerHealthy
	e.mu.Unlock()

	telemetry.HealthHeartbeatsTotal.Inc()
	if prev != domain.WorkerHealthy {
		r.logger.Info("worker recovered",
			slog.String("worker_id", hb.WorkerID),
			slog.String("previous_status", string(prev)),
		)
		r.publishGauges()
		r.notifyHealthy()
	}
}

// Deregister removes a worker. Its in-flight assignments are evicted, and a
// tombstone keeps the heartbeat-sequence high-water mark for one interval so
// a delayed redelivered heartbeat does not re-register the worker.
func (r *Registry) Deregister(workerID string) {
	r.mu.Lock()
	e, ok := r.workers[workerID]
	if ok {
		delete(r.workers, workerID)
		e.mu.Lock()
		e.reg.Status = domain.WorkerDeregistered
		r.tombstones[workerID] = tombstone{seq: e.reg.HeartbeatSeq, at: r.now()}
		e.mu.Unlock()
	}
	r.mu.Unlock()
	if !ok {
		return
	}

	r.logger.Info("worker deregistered", slog.String("worker_id", workerID))
	r.publishGauges()
	r.evict(workerID)
}

// staleAfterDeregister reports whether hb is a redelivery from before its
// worker deregistered. Expired tombstones are reaped on the way; a returning
// worker with a fresh sequence re-registers normally.
func (r *Registry) staleAfterDeregister(hb domain.Heartbeat) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	ts, ok := r.tombstones[hb.WorkerID]
	if !ok {
		return false
	}
	if r.now().After(ts.at.Add(r.cfg.HeartbeatInterval)) {
		delete(r.tombstones, hb.WorkerID)
		return false
	}
	if hb.Seq != 0 && hb.Seq <= ts.seq {
		return true
	}
	delete(r.tombstones, hb.WorkerID)
	return false
}

// Run sweeps for missed heartbeats until ctx is cancelled.
func (r *Registry) Run(ctx context.Context) error {
	ticker := time.NewTicker(r.cfg.CheckInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
			r.sweep()
		}
	}
}

// sweep demotes workers whose heartbeats stopped. A worker moves at most one
// step per sweep so the healthy → degraded → unhealthy order is never
// skipped, even after a long monitor stall.
func (r *Registry) sweep() {
	now := r.now()
	degradeAfter := r.cfg.HeartbeatInterval
	unhealthyAfter := time.Duration(r.cfg.MissedIntervalsForUnhealthy) * r.cfg.HeartbeatInterval

	r.mu.RLock()
	entries := make([]*entry, 0, len(r.workers))
	for _, e := range r.workers {
		entries = append(entries, e)
	}
	r.mu.RUnlock()

	var evicted []string
	changed := false
	for _, e := range entries {
		e.mu.Lock()
		silence := now.Sub(e.reg.LastHeartbeat)
		switch e.reg.Status {
		case domain.WorkerHealthy:
			if silence > degradeAfter {
				e.reg.Status = domain.WorkerDegraded
				changed = true
				r.logger.Warn("worker degraded",
					slog.String("worker_id", e.reg.WorkerID),
					slog.Duration("silence", silence),
				)
			}
		case domain.WorkerDegraded:
			if silence > unhealthyAfter {
				e.reg.Status = domain.WorkerUnhealthy
				changed = true
				evicted = append(evicted, e.reg.WorkerID)
				r.logger.Error("worker unhealthy",
					slog.String("worker_id", e.reg.WorkerID),
					slog.Duration("silence", silence),
				)
			}
		}
		e.mu.Unlock()
	}

	if changed {
		r.publishGauges()
	}
	for _, id := range evicted {
		r.evict(id)
	}
}

func (r *Registry) evict(workerID string) {
	telemetry.HealthEvictionsTotal.Inc()
	if r.onEvict != nil {
		r.onEvict(workerID)
	}
}

func (r *Registry) notifyHealthy() {
	if r.onHealthy != nil {
		r.onHealthy()
	}
}

// EligibleWorker returns the healthy worker with the given capability
// carrying the least load.
func (r *Registry) EligibleWorker(capability string) (domain.WorkerRegistration, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	var best *domain.WorkerRegistration
	for _, e := range r.workers {
		e.mu.Lock()
		reg := e.reg
		e.mu.Unlock()
		if !reg.Status.Eligible() || !reg.HasCapability(capability) {
			continue
		}
		if best == nil || reg.Load < best.Load {
			cp := reg
			best = &cp
		}
	}
	if best == nil {
		return domain.WorkerRegistration{}, &domain.WorkerUnavailableError{Capability: capability}
	}
	return *best, nil
}

// HasHealthyCapability reports whether any healthy worker declares the
// capability. Consulted before dispatch.
func (r *Registry) HasHealthyCapability(capability string) bool {
	_, err := r.EligibleWorker(capability)
	return err == nil
}

// HealthyCapabilities returns the sorted union of capabilities across
// healthy workers. It backs the capability discovery op on the control bus.
func (r *Registry) HealthyCapabilities() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()

	set := map[string]bool{}
	for _, e := range r.workers {
		e.mu.Lock()
		if e.reg.Status.Eligible() {
			for _, c := range e.reg.Capabilities {
				set[c] = true
			}
		}
		e.mu.Unlock()
	}
	out := make([]string, 0, len(set))
	for c := range set {
		out = append(out, c)
	}
	sort.Strings(out)
	return out
}

// Worker returns a copy of one worker's registration.
func (r *Registry) Worker(workerID string) (domain.WorkerRegistration, bool) {
	r.mu.RLock()
	e, ok := r.workers[workerID]
	r.mu.RUnlock()
	if !ok {
		return domain.WorkerRegistration{}, false
	}
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.reg, true
}

// Snapshot returns a copy of every registration, sorted by worker ID.
func (r *Registry) Snapshot() []domain.WorkerRegistration {
	r.mu.RLock()
	entries := make([]*entry, 0, len(r.workers))
	for _, e := range r.workers {
		entries = append(entries, e)
	}
	r.mu.RUnlock()

	out := make([]domain.WorkerRegistration, 0, len(entries))
	for _, e := range entries {
		e.mu.Lock()
		out = append(out, e.reg)
		e.mu.Unlock()
	}
	sort.Slice(out, func(i, j int) bool { return out[i].WorkerID < out[j].WorkerID })
	return out
}

func (r *Registry) publishGauges() {
	counts := map[domain.WorkerStatus]int{}
	r.mu.RLock()
	for _, e := range r.workers {
		e.mu.Lock()
		counts[e.reg.Status]++
		e.mu.Unlock()
	}
	r.mu.RUnlock()

	for _, st := range []domain.WorkerStatus{domain.WorkerHealthy, domain.WorkerDegraded, domain.WorkerUnhealthy} {
		telemetry.HealthWorkersByStatus.WithLabelValues(string(st)).Set(float64(counts[st]))
	}
}
