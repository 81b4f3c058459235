package scheduler

import (
	"sort"
	"sync"
	"sync/atomic"
	"time"

	"github.com/jayusctrojan/Empire-sub006/internal/domain"
)

// edge points from a dependent task to one of its dependencies.
type edge struct {
	to         int
	bestEffort bool
}

// node is one task in the dependency arena. Structural fields (idx, deps,
// dependents, seq) are owned by the graph and immutable once linked except
// under the graph's write lock; the mutable execution fields are guarded by
// the node's own mutex.
type node struct {
	idx  int
	id   string
	seq  uint64
	deps []edge
	// dependents holds arena indexes of tasks that depend on this one.
	dependents []int

	// effective is the inherited priority. Atomic so the ready queue can
	// order the heap without taking node locks; writers additionally hold
	// the node lock to keep boosts consistent with state.
	effective atomic.Int32

	mu              sync.Mutex
	capability      string
	payload         []byte
	state           domain.TaskState
	priority        int
	attempts        int
	maxAttempts     int
	failureReason   string
	workerID        string
	cancelRequested bool
	createdAt       time.Time
	updatedAt       time.Time
	dispatchedAt    *time.Time
	completedAt     *time.Time

	// heapIdx is the node's position in the ready queue, -1 when absent.
	// Guarded by the ready queue's lock.
	heapIdx int
}

// snapshotLocked copies the node into a caller-owned Task. Caller holds n.mu.
func (n *node) snapshotLocked() *domain.Task {
	t := &domain.Task{
		ID:                n.id,
		Capability:        n.capability,
		Payload:           n.payload,
		State:             n.state,
		Priority:          n.priority,
		EffectivePriority: int(n.effective.Load()),
		Attempts:          n.attempts,
		MaxAttempts:       n.maxAttempts,
		FailureReason:     n.failureReason,
		WorkerID:          n.workerID,
		CreatedAt:         n.createdAt,
		UpdatedAt:         n.updatedAt,
	}
	if n.dispatchedAt != nil {
		d := *n.dispatchedAt
		t.DispatchedAt = &d
	}
	if n.completedAt != nil {
		c := *n.completedAt
		t.CompletedAt = &c
	}
	return t
}

// graph is the arena-indexed dependency graph. Nodes are appended, never
// removed; terminal tasks stay in the arena so late status queries and
// dependency checks remain O(1).
type graph struct {
	mu    sync.RWMutex
	nodes []*node
	index map[string]int
}

func newGraph() *graph {
	return &graph{index: make(map[string]int)}
}

func (g *graph) get(id string) (*node, bool) {
	g.mu.RLock()
	defer g.mu.RUnlock()
	i, ok := g.index[id]
	if !ok {
		return nil, false
	}
	return g.nodes[i], true
}

// reachable reports whether target can be reached from start by following
// dependency edges. Used for cycle detection before linking a new edge.
// Caller holds g.mu (read or write).
func (g *graph) reachableLocked(start, target int) bool {
	if start == target {
		return true
	}
	seen := map[int]bool{start: true}
	stack := []int{start}
	for len(stack) > 0 {
		cur := stack[len(stack)-1]
		stack = stack[:len(stack)-1]
		for _, e := range g.nodes[cur].deps {
			if e.to == target {
				return true
			}
			if !seen[e.to] {
				seen[e.to] = true
				stack = append(stack, e.to)
			}
		}
	}
	return false
}

// dependencyClosure returns the arena indexes of every transitive dependency
// of start (excluding start), sorted ascending so callers can lock the nodes
// in a fixed order.
func (g *graph) dependencyClosure(start int) []int {
	g.mu.RLock()
	defer g.mu.RUnlock()

	seen := map[int]bool{}
	stack := []int{start}
	for len(stack) > 0 {
		cur := stack[len(stack)-1]
		stack = stack[:len(stack)-1]
		for _, e := range g.nodes[cur].deps {
			if !seen[e.to] {
				seen[e.to] = true
				stack = append(stack, e.to)
			}
		}
	}

	out := make([]int, 0, len(seen))
	for i := range seen {
		out = append(out, i)
	}
	sort.Ints(out)
	return out
}

// failClosure returns the transitive dependents of start reached through
// non-best-effort edges only, sorted ascending. These are the tasks
// fail-fast propagation marks failed.
func (g *graph) failClosure(start int) []int {
	g.mu.RLock()
	defer g.mu.RUnlock()

	seen := map[int]bool{}
	stack := []int{start}
	for len(stack) > 0 {
		cur := stack[len(stack)-1]
		stack = stack[:len(stack)-1]
		for _, di := range g.nodes[cur].dependents {
			if seen[di] {
				continue
			}
			// The dependent survives if its edge to cur is best-effort.
			if g.edgeBestEffortLocked(di, cur) {
				continue
			}
			seen[di] = true
			stack = append(stack, di)
		}
	}

	out := make([]int, 0, len(seen))
	for i := range seen {
		out = append(out, i)
	}
	sort.Ints(out)
	return out
}

func (g *graph) edgeBestEffortLocked(dependent, dependency int) bool {
	for _, e := range g.nodes[dependent].deps {
		if e.to == dependency {
			return e.bestEffort
		}
	}
	return false
}

// dependents returns a copy of the direct dependent indexes of i.
func (g *graph) directDependents(i int) []int {
	g.mu.RLock()
	defer g.mu.RUnlock()
	out := make([]int, len(g.nodes[i].dependents))
	copy(out, g.nodes[i].dependents)
	return out
}

func (g *graph) node(i int) *node {
	g.mu.RLock()
	defer g.mu.RUnlock()
	return g.nodes[i]
}

func (g *graph) len() int {
	g.mu.RLock()
	defer g.mu.RUnlock()
	return len(g.nodes)
}
