package domain

import (
	"fmt"
	"time"
)

// TaskNotFoundError is returned when a task ID does not exist.
type TaskNotFoundError struct {
	TaskID string
}

func (e *TaskNotFoundError) Error() string {
	return fmt.Sprintf("task not found: %s", e.TaskID)
}

// InvalidPriorityError is returned when a priority falls outside [1,10].
type InvalidPriorityError struct {
	Priority int
}

func (e *InvalidPriorityError) Error() string {
	return fmt.Sprintf("priority %d outside allowed range [%d,%d]", e.Priority, MinPriority, MaxPriority)
}

// CyclicDependencyError is returned when adding a dependency edge would
// create a cycle in the task graph.
type CyclicDependencyError struct {
	TaskID       string
	DependencyID string
}

func (e *CyclicDependencyError) Error() string {
	return fmt.Sprintf("dependency cycle: %s -> %s", e.TaskID, e.DependencyID)
}

// CircuitOpenError is returned without calling the downstream service while
// its circuit breaker is open. RetryAfter is the remaining recovery timeout.
type CircuitOpenError struct {
	Service    string
	RetryAfter time.Duration
}

func (e *CircuitOpenError) Error() string {
	return fmt.Sprintf("circuit breaker for %s is open, retry after %s", e.Service, e.RetryAfter.Round(time.Millisecond))
}

// RetryExhaustedError is surfaced after a transient failure survived every
// allowed retry attempt. The final downstream error is wrapped.
type RetryExhaustedError struct {
	Service  string
	Attempts int
	Err      error
}

func (e *RetryExhaustedError) Error() string {
	return fmt.Sprintf("retries exhausted for %s after %d attempts: %v", e.Service, e.Attempts, e.Err)
}

func (e *RetryExhaustedError) Unwrap() error { return e.Err }

// ResponseTimeoutError is returned when a request/response exchange on the
// coordination bus receives no correlated response within the timeout.
type ResponseTimeoutError struct {
	RequestID string
	Timeout   time.Duration
}

func (e *ResponseTimeoutError) Error() string {
	return fmt.Sprintf("no response to request %s within %s", e.RequestID, e.Timeout)
}

// WorkerUnavailableError is returned when no healthy worker advertises the
// required capability.
type WorkerUnavailableError struct {
	Capability string
}

func (e *WorkerUnavailableError) Error() string {
	return fmt.Sprintf("no healthy worker with capability %q", e.Capability)
}

// TaskCancelledError is returned for operations on a cancelled task.
type TaskCancelledError struct {
	TaskID string
}

func (e *TaskCancelledError) Error() string {
	return fmt.Sprintf("task %s was cancelled", e.TaskID)
}

// InvalidCapabilityError is returned when no executor is registered for a
// task's capability.
type InvalidCapabilityError struct {
	Capability string
}

func (e *InvalidCapabilityError) Error() string {
	return fmt.Sprintf("no executor registered for capability %q", e.Capability)
}
