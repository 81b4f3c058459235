package executors

import (
	"context"
	"sync"

	"github.com/jayusctrojan/Empire-sub006/internal/domain"
)

// Executor runs tasks of one capability and returns the result payload.
// Errors are classified by the resilience layer to decide between a
// retryable and a fatal outcome.
type Executor interface {
	Execute(ctx context.Context, task *domain.Task) ([]byte, error)
	Capability() string
}

// Registry maps capabilities to their executors.
type Registry struct {
	mu        sync.RWMutex
	executors map[string]Executor
}

// NewRegistry creates an empty Registry.
func NewRegistry() *Registry {
	return &Registry{executors: make(map[string]Executor)}
}

// Register adds an executor. Safe to call concurrently.
func (r *Registry) Register(e Executor) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.executors[e.Capability()] = e
}

// Get returns the executor for a capability, or InvalidCapabilityError.
func (r *Registry) Get(capability string) (Executor, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	e, ok := r.executors[capability]
	if !ok {
		return nil, &domain.InvalidCapabilityError{Capability: capability}
	}
	return e, nil
}

// Capabilities lists every registered capability.
func (r *Registry) Capabilities() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]string, 0, len(r.executors))
	for c := range r.executors {
		out = append(out, c)
	}
	return out
}
