package health

import (
	"io"
	"log/slog"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/jayusctrojan/Empire-sub006/internal/domain"
)

func newTestRegistry(t *testing.T) (*Registry, *time.Time) {
	t.Helper()
	r := NewRegistry(Config{
		HeartbeatInterval:           10 * time.Second,
		MissedIntervalsForUnhealthy: 3,
	}, slog.New(slog.NewTextHandler(io.Discard, nil)))
	now := time.Now()
	r.now = func() time.Time { return now }
	return r, &now
}

func status(t *testing.T, r *Registry, id string) domain.WorkerStatus {
	t.Helper()
	reg, ok := r.Worker(id)
	require.True(t, ok)
	return reg.Status
}

func TestRegisterAndEligibility(t *testing.T) {
	r, _ := newTestRegistry(t)
	r.Register("w1", []string{"scan", "index"})
	r.Register("w2", []string{"index"})

	assert.True(t, r.HasHealthyCapability("scan"))
	assert.True(t, r.HasHealthyCapability("index"))
	assert.False(t, r.HasHealthyCapability("gpu"))
	assert.Equal(t, []string{"index", "scan"}, r.HealthyCapabilities())

	_, err := r.EligibleWorker("gpu")
	var uerr *domain.WorkerUnavailableError
	require.ErrorAs(t, err, &uerr)
	assert.Equal(t, "gpu", uerr.Capability)
}

func TestEligibleWorkerPrefersLeastLoaded(t *testing.T) {
	r, _ := newTestRegistry(t)
	r.Register("busy", []string{"scan"})
	r.Register("idle", []string{"scan"})
	r.Heartbeat(domain.Heartbeat{WorkerID: "busy", Seq: 1, Load: 8})
	r.Heartbeat(domain.Heartbeat{WorkerID: "idle", Seq: 1, Load: 1})

	reg, err := r.EligibleWorker("scan")
	require.NoError(t, err)
	assert.Equal(t, "idle", reg.WorkerID)
}

func TestHeartbeatFromUnknownWorkerRegisters(t *testing.T) {
	r, _ := newTestRegistry(t)
	r.Heartbeat(domain.Heartbeat{WorkerID: "w1", Seq: 1, Capabilities: []string{"scan"}})

	reg, ok := r.Worker("w1")
	require.True(t, ok)
	assert.Equal(t, domain.WorkerHealthy, reg.Status)
	assert.True(t, reg.HasCapability("scan"))
}

func TestMissedHeartbeatsDegradeThenUnhealthy(t *testing.T) {
	r, now := newTestRegistry(t)
	r.Register("w1", []string{"scan"})

	var evicted []string
	r.OnEvict(func(id string) { evicted = append(evicted, id) })

	// One missed interval: degraded, still registered, not dispatchable.
	*now = now.Add(15 * time.Second)
	r.sweep()
	assert.Equal(t, domain.WorkerDegraded, status(t, r, "w1"))
	assert.False(t, r.HasHealthyCapability("scan"))
	assert.Empty(t, evicted)

	// Under the unhealthy threshold: stays degraded.
	*now = now.Add(10 * time.Second)
	r.sweep()
	assert.Equal(t, domain.WorkerDegraded, status(t, r, "w1"))

	// Past N missed intervals: unhealthy, assignments evicted.
	*now = now.Add(10 * time.Second)
	r.sweep()
	assert.Equal(t, domain.WorkerUnhealthy, status(t, r, "w1"))
	assert.Equal(t, []string{"w1"}, evicted)
}

func TestDegradedIsNeverSkipped(t *testing.T) {
	r, now := newTestRegistry(t)
	r.Register("w1", []string{"scan"})

	// A long monitor stall: the silence already qualifies for unhealthy,
	// but the first sweep may only demote one step.
	*now = now.Add(10 * time.Minute)
	r.sweep()
	assert.Equal(t, domain.WorkerDegraded, status(t, r, "w1"))
	r.sweep()
	assert.Equal(t, domain.WorkerUnhealthy, status(t, r, "w1"))
}

func TestFreshHeartbeatRestoresHealthy(t *testing.T) {
	r, now := newTestRegistry(t)
	r.Register("w1", []string{"scan"})

	healthySignals := 0
	r.OnHealthy(func() { healthySignals++ })

	*now = now.Add(10 * time.Minute)
	r.sweep()
	r.sweep()
	require.Equal(t, domain.WorkerUnhealthy, status(t, r, "w1"))

	r.Heartbeat(domain.Heartbeat{WorkerID: "w1", Seq: 5, Load: 0})
	assert.Equal(t, domain.WorkerHealthy, status(t, r, "w1"))
	assert.True(t, r.HasHealthyCapability("scan"))
	assert.Equal(t, 1, healthySignals)
}

func TestStaleHeartbeatDoesNotRevertStatus(t *testing.T) {
	r, now := newTestRegistry(t)
	r.Register("w1", []string{"scan"})
	r.Heartbeat(domain.Heartbeat{WorkerID: "w1", Seq: 7, Load: 2})

	*now = now.Add(10 * time.Minute)
	r.sweep()
	r.sweep()
	require.Equal(t, domain.WorkerUnhealthy, status(t, r, "w1"))

	// A delayed heartbeat from before the outage must be ignored.
	r.Heartbeat(domain.Heartbeat{WorkerID: "w1", Seq: 6, Load: 2})
	assert.Equal(t, domain.WorkerUnhealthy, status(t, r, "w1"))

	// A genuinely new heartbeat recovers the worker.
	r.Heartbeat(domain.Heartbeat{WorkerID: "w1", Seq: 8, Load: 2})
	assert.Equal(t, domain.WorkerHealthy, status(t, r, "w1"))
}

func TestDeregisterRemovesWorkerAndEvicts(t *testing.T) {
	r, _ := newTestRegistry(t)
	r.Register("w1", []string{"scan"})

	var evicted []string
	r.OnEvict(func(id string) { evicted = append(evicted, id) })

	r.Heartbeat(domain.Heartbeat{WorkerID: "w1", Seq: 1, Deregister: true})

	_, ok := r.Worker("w1")
	assert.False(t, ok)
	assert.False(t, r.HasHealthyCapability("scan"))
	assert.Equal(t, []string{"w1"}, evicted)

	r.Deregister("w1") // unknown worker is a no-op
	assert.Equal(t, []string{"w1"}, evicted)
}

func TestDelayedHeartbeatAfterDeregisterDropped(t *testing.T) {
	r, _ := newTestRegistry(t)
	r.Register("w1", []string{"scan"})
	r.Heartbeat(domain.Heartbeat{WorkerID: "w1", Seq: 5})
	r.Deregister("w1")

	// A redelivery from before the deregistration must not resurrect the
	// worker.
	r.Heartbeat(domain.Heartbeat{WorkerID: "w1", Seq: 5, Capabilities: []string{"scan"}})
	_, ok := r.Worker("w1")
	assert.False(t, ok)
	assert.False(t, r.HasHealthyCapability("scan"))

	// A heartbeat with a fresh sequence is a genuine return.
	r.Heartbeat(domain.Heartbeat{WorkerID: "w1", Seq: 6, Capabilities: []string{"scan"}})
	reg, ok := r.Worker("w1")
	require.True(t, ok)
	assert.Equal(t, domain.WorkerHealthy, reg.Status)
}

func TestDeregisterTombstoneExpires(t *testing.T) {
	r, now := newTestRegistry(t)
	r.Register("w1", []string{"scan"})
	r.Heartbeat(domain.Heartbeat{WorkerID: "w1", Seq: 5})
	r.Deregister("w1")

	// Past one heartbeat interval the tombstone lapses; even an old
	// sequence registers the worker fresh.
	*now = now.Add(11 * time.Second)
	r.Heartbeat(domain.Heartbeat{WorkerID: "w1", Seq: 5, Capabilities: []string{"scan"}})
	reg, ok := r.Worker("w1")
	require.True(t, ok)
	assert.Equal(t, domain.WorkerHealthy, reg.Status)
}

func TestSnapshotSorted(t *testing.T) {
	r, _ := newTestRegistry(t)
	r.Register("zeta", []string{"a"})
	r.Register("alpha", []string{"b"})

	snap := r.Snapshot()
	require.Len(t, snap, 2)
	assert.Equal(t, "alpha", snap[0].WorkerID)
	assert.Equal(t, "zeta", snap[1].WorkerID)
}
