package scheduler

import (
	"container/heap"
	"sync"
)

// nodeHeap orders ready tasks by effective priority (highest first), then by
// enqueue sequence (FIFO within a priority band). Boosted nodes are re-sifted
// through readyQueue.fix.
type nodeHeap []*node

func (h nodeHeap) Len() int { return len(h) }

func (h nodeHeap) Less(i, j int) bool {
	ei, ej := h[i].effective.Load(), h[j].effective.Load()
	if ei == ej {
		return h[i].seq < h[j].seq
	}
	return ei > ej
}

func (h nodeHeap) Swap(i, j int) {
	h[i], h[j] = h[j], h[i]
	h[i].heapIdx = i
	h[j].heapIdx = j
}

func (h *nodeHeap) Push(x any) {
	n := x.(*node)
	n.heapIdx = len(*h)
	*h = append(*h, n)
}

func (h *nodeHeap) Pop() any {
	old := *h
	last := len(old) - 1
	n := old[last]
	old[last] = nil
	n.heapIdx = -1
	*h = old[:last]
	return n
}

// readyQueue is the thread-safe ready set.
type readyQueue struct {
	mu sync.Mutex
	h  nodeHeap
}

func newReadyQueue() *readyQueue {
	return &readyQueue{}
}

func (q *readyQueue) push(n *node) {
	q.mu.Lock()
	defer q.mu.Unlock()
	if n.heapIdx >= 0 {
		return // already queued
	}
	heap.Push(&q.h, n)
}

func (q *readyQueue) pop() *node {
	q.mu.Lock()
	defer q.mu.Unlock()
	if len(q.h) == 0 {
		return nil
	}
	return heap.Pop(&q.h).(*node)
}

// remove takes n out of the queue if present.
func (q *readyQueue) remove(n *node) {
	q.mu.Lock()
	defer q.mu.Unlock()
	if n.heapIdx < 0 {
		return
	}
	heap.Remove(&q.h, n.heapIdx)
}

// fix restores heap order after n's effective priority changed.
func (q *readyQueue) fix(n *node) {
	q.mu.Lock()
	defer q.mu.Unlock()
	if n.heapIdx >= 0 {
		heap.Fix(&q.h, n.heapIdx)
	}
}

func (q *readyQueue) len() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.h)
}
