package domain

import "time"

// WorkerStatus is the health state derived from heartbeats.
type WorkerStatus string

const (
	WorkerHealthy      WorkerStatus = "healthy"
	WorkerDegraded     WorkerStatus = "degraded"
	WorkerUnhealthy    WorkerStatus = "unhealthy"
	WorkerDeregistered WorkerStatus = "deregistered"
)

// Eligible reports whether a worker in this status may receive dispatches.
func (s WorkerStatus) Eligible() bool { return s == WorkerHealthy }

// WorkerRegistration is the registry's record of one worker.
type WorkerRegistration struct {
	WorkerID      string       `json:"worker_id"`
	Capabilities  []string     `json:"capabilities"`
	Status        WorkerStatus `json:"status"`
	Load          int          `json:"load"`
	HeartbeatSeq  uint64       `json:"heartbeat_seq"`
	RegisteredAt  time.Time    `json:"registered_at"`
	LastHeartbeat time.Time    `json:"last_heartbeat"`
}

// HasCapability reports whether the worker declared the given capability.
func (w *WorkerRegistration) HasCapability(capability string) bool {
	for _, c := range w.Capabilities {
		if c == capability {
			return true
		}
	}
	return false
}

// Heartbeat is the wire envelope workers publish periodically. The first
// heartbeat from an unknown worker doubles as registration. Seq increases
// monotonically per worker so reordered heartbeats can be rejected.
type Heartbeat struct {
	WorkerID     string   `json:"worker_id"`
	Seq          uint64   `json:"seq"`
	Load         int      `json:"load"`
	Capabilities []string `json:"capabilities,omitempty"`
	Deregister   bool     `json:"deregister,omitempty"`
}
