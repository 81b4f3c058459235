package domain

import "time"

// TaskState represents the states a task moves through in the scheduler.
type TaskState string

const (
	StateQueued     TaskState = "QUEUED"
	StateDispatched TaskState = "DISPATCHED"
	StateRunning    TaskState = "RUNNING"
	StateSucceeded  TaskState = "SUCCEEDED"
	StateFailed     TaskState = "FAILED"
	StateRequeued   TaskState = "REQUEUED"
)

// IsTerminal returns true if no further state transitions are possible.
func (s TaskState) IsTerminal() bool {
	return s == StateSucceeded || s == StateFailed
}

// Priority bounds. Higher is more urgent.
const (
	MinPriority = 1
	MaxPriority = 10
)

// Outcome is the closed set of execution results a worker can report.
type Outcome string

const (
	OutcomeSuccess          Outcome = "success"
	OutcomeRetryableFailure Outcome = "retryable_failure"
	OutcomeFatalFailure     Outcome = "fatal_failure"
)

// Dependency is one edge in a task's dependency set. A best-effort edge
// means the dependent may still run after this dependency fails.
type Dependency struct {
	TaskID     string `json:"task_id"`
	BestEffort bool   `json:"best_effort,omitempty"`
}

// Task is the scheduler's unit of work.
//
// EffectivePriority is Priority plus any boost inherited from dependents and
// is always >= Priority. The scheduler recomputes it whenever a dependent is
// enqueued or a dependency edge is added.
type Task struct {
	ID                string       `json:"id"`
	Capability        string       `json:"capability"`
	Payload           []byte       `json:"payload"`
	State             TaskState    `json:"state"`
	Priority          int          `json:"priority"`
	EffectivePriority int          `json:"effective_priority"`
	Attempts          int          `json:"attempts"`
	MaxAttempts       int          `json:"max_attempts"`
	DependsOn         []Dependency `json:"depends_on,omitempty"`
	FailureReason     string       `json:"failure_reason,omitempty"`
	WorkerID          string       `json:"worker_id,omitempty"`
	CreatedAt         time.Time    `json:"created_at"`
	UpdatedAt         time.Time    `json:"updated_at"`
	DispatchedAt      *time.Time   `json:"dispatched_at,omitempty"`
	CompletedAt       *time.Time   `json:"completed_at,omitempty"`
}

// Submission is the wire envelope the gateway publishes for an accepted task
// before the orchestrator enqueues it.
type Submission struct {
	TaskID      string       `json:"task_id"`
	Capability  string       `json:"capability"`
	Payload     []byte       `json:"payload,omitempty"`
	Priority    int          `json:"priority"`
	MaxAttempts int          `json:"max_attempts,omitempty"`
	DependsOn   []Dependency `json:"depends_on,omitempty"`
	SubmittedAt time.Time    `json:"submitted_at"`
}

// TaskAttempt records a single execution attempt of a task.
type TaskAttempt struct {
	ID         string    `json:"id"`
	TaskID     string    `json:"task_id"`
	WorkerID   string    `json:"worker_id"`
	Attempt    int       `json:"attempt"`
	Outcome    Outcome   `json:"outcome"`
	DurationMs int64     `json:"duration_ms"`
	Error      string    `json:"error,omitempty"`
	ExecutedAt time.Time `json:"executed_at"`
}

// TaskEventKind distinguishes the lifecycle events workers publish.
type TaskEventKind string

const (
	// EventStarted marks the dispatched→running transition.
	EventStarted TaskEventKind = "started"
	// EventFinished carries the execution outcome.
	EventFinished TaskEventKind = "finished"
)

// TaskEvent is the wire envelope workers publish on the results topic.
type TaskEvent struct {
	Kind       TaskEventKind `json:"kind"`
	TaskID     string        `json:"task_id"`
	WorkerID   string        `json:"worker_id"`
	Outcome    Outcome       `json:"outcome,omitempty"`
	Reason     string        `json:"reason,omitempty"`
	DurationMs int64         `json:"duration_ms,omitempty"`
}
