package postgres

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/jayusctrojan/Empire-sub006/internal/domain"
)

// TaskRepository is the durable record of tasks and their attempts. Redis
// serves the hot status path; Postgres is the source of truth and the audit
// trail.
type TaskRepository interface {
	Create(ctx context.Context, task *domain.Task) error
	UpdateState(ctx context.Context, id string, state domain.TaskState, reason string) error
	AssignWorker(ctx context.Context, id, workerID string) error
	RecordAttempt(ctx context.Context, att *domain.TaskAttempt) error
	GetByID(ctx context.Context, id string) (*domain.Task, error)
	ListByState(ctx context.Context, state domain.TaskState, limit int) ([]*domain.Task, error)
	ListAttempts(ctx context.Context, taskID string) ([]*domain.TaskAttempt, error)
}

type repository struct {
	pool *pgxpool.Pool
}

// NewRepository wraps a pgxpool with the TaskRepository interface.
func NewRepository(pool *pgxpool.Pool) TaskRepository {
	return &repository{pool: pool}
}

// NewPool creates a pgxpool and verifies connectivity.
func NewPool(ctx context.Context, dsn string) (*pgxpool.Pool, error) {
	pool, err := pgxpool.New(ctx, dsn)
	if err != nil {
		return nil, fmt.Errorf("pgxpool.New: %w", err)
	}
	if err := pool.Ping(ctx); err != nil {
		return nil, fmt.Errorf("postgres ping: %w", err)
	}
	return pool, nil
}

func (r *repository) Create(ctx context.Context, task *domain.Task) error {
	deps, err := json.Marshal(task.DependsOn)
	if err != nil {
		return fmt.Errorf("marshal dependencies for task %s: %w", task.ID, err)
	}
	_, err = r.pool.Exec(ctx, `
		INSERT INTO tasks
			(id, capability, payload, state, priority, effective_priority,
			 attempts, max_attempts, depends_on, created_at, updated_at)
		VALUES
			($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11)
	`,
		task.ID, task.Capability, task.Payload, string(task.State),
		task.Priority, task.EffectivePriority,
		task.Attempts, task.MaxAttempts, deps,
		task.CreatedAt, task.UpdatedAt,
	)
	if err != nil {
		return fmt.Errorf("create task %s: %w", task.ID, err)
	}
	return nil
}

func (r *repository) UpdateState(ctx context.Context, id string, state domain.TaskState, reason string) error {
	now := time.Now().UTC()
	var completedAt *time.Time
	if state.IsTerminal() {
		t := now
		completedAt = &t
	}
	_, err := r.pool.Exec(ctx, `
		UPDATE tasks
		SET state = $1, failure_reason = NULLIF($2, ''), updated_at = $3, completed_at = $4
		WHERE id = $5
	`, string(state), reason, now, completedAt, id)
	if err != nil {
		return fmt.Errorf("update state for task %s: %w", id, err)
	}
	return nil
}

func (r *repository) AssignWorker(ctx context.Context, id, workerID string) error {
	_, err := r.pool.Exec(ctx, `
		UPDATE tasks
		SET worker_id = $1, updated_at = $2
		WHERE id = $3
	`, workerID, time.Now().UTC(), id)
	if err != nil {
		return fmt.Errorf("assign worker for task %s: %w", id, err)
	}
	return nil
}

func (r *repository) RecordAttempt(ctx context.Context, att *domain.TaskAttempt) error {
	if att.ID == "" {
		att.ID = uuid.New().String()
	}
	if att.ExecutedAt.IsZero() {
		att.ExecutedAt = time.Now().UTC()
	}
	_, err := r.pool.Exec(ctx, `
		INSERT INTO task_attempts
			(id, task_id, worker_id, attempt, outcome, duration_ms, error, executed_at)
		VALUES
			($1, $2, $3, $4, $5, $6, $7, $8)
	`,
		att.ID, att.TaskID, att.WorkerID, att.Attempt,
		string(att.Outcome), att.DurationMs, att.Error, att.ExecutedAt,
	)
	if err != nil {
		return fmt.Errorf("record attempt for task %s: %w", att.TaskID, err)
	}
	return nil
}

func (r *repository) GetByID(ctx context.Context, id string) (*domain.Task, error) {
	row := r.pool.QueryRow(ctx, `
		SELECT id, capability, payload, state, priority, effective_priority,
		       attempts, max_attempts, depends_on, failure_reason, worker_id,
		       created_at, updated_at, dispatched_at, completed_at
		FROM tasks
		WHERE id = $1
	`, id)
	task, err := scanTask(row)
	if err != nil {
		var nf *domain.TaskNotFoundError
		if errors.As(err, &nf) {
			return nil, &domain.TaskNotFoundError{TaskID: id}
		}
		return nil, err
	}
	return task, nil
}

func (r *repository) ListByState(ctx context.Context, state domain.TaskState, limit int) ([]*domain.Task, error) {
	rows, err := r.pool.Query(ctx, `
		SELECT id, capability, payload, state, priority, effective_priority,
		       attempts, max_attempts, depends_on, failure_reason, worker_id,
		       created_at, updated_at, dispatched_at, completed_at
		FROM tasks
		WHERE state = $1
		ORDER BY created_at DESC
		LIMIT $2
	`, string(state), limit)
	if err != nil {
		return nil, fmt.Errorf("list tasks by state %s: %w", state, err)
	}
	defer rows.Close()

	var tasks []*domain.Task
	for rows.Next() {
		task, err := scanTask(rows)
		if err != nil {
			return nil, err
		}
		tasks = append(tasks, task)
	}
	return tasks, rows.Err()
}

func (r *repository) ListAttempts(ctx context.Context, taskID string) ([]*domain.TaskAttempt, error) {
	rows, err := r.pool.Query(ctx, `
		SELECT id, task_id, worker_id, attempt, outcome, duration_ms, error, executed_at
		FROM task_attempts
		WHERE task_id = $1
		ORDER BY attempt ASC
	`, taskID)
	if err != nil {
		return nil, fmt.Errorf("list attempts for task %s: %w", taskID, err)
	}
	defer rows.Close()

	var attempts []*domain.TaskAttempt
	for rows.Next() {
		var att domain.TaskAttempt
		var outcome string
		var errText *string
		if err := rows.Scan(
			&att.ID, &att.TaskID, &att.WorkerID, &att.Attempt,
			&outcome, &att.DurationMs, &errText, &att.ExecutedAt,
		); err != nil {
			return nil, fmt.Errorf("scan attempt: %w", err)
		}
		att.Outcome = domain.Outcome(outcome)
		if errText != nil {
			att.Error = *errText
		}
		attempts = append(attempts, &att)
	}
	return attempts, rows.Err()
}

// scanTask reads one task row from any pgx row type.
func scanTask(row interface{ Scan(...any) error }) (*domain.Task, error) {
	var task domain.Task
	var state string
	var deps []byte
	var failureReason, workerID *string
	err := row.Scan(
		&task.ID, &task.Capability, &task.Payload, &state,
		&task.Priority, &task.EffectivePriority,
		&task.Attempts, &task.MaxAttempts, &deps, &failureReason, &workerID,
		&task.CreatedAt, &task.UpdatedAt, &task.DispatchedAt, &task.CompletedAt,
	)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, &domain.TaskNotFoundError{TaskID: "unknown"}
		}
		return nil, fmt.Errorf("scan task: %w", err)
	}
	task.State = domain.TaskState(state)
	if len(deps) > 0 {
		if err := json.Unmarshal(deps, &task.DependsOn); err != nil {
			return nil, fmt.Errorf("unmarshal dependencies: %w", err)
		}
	}
	if failureReason != nil {
		task.FailureReason = *failureReason
	}
	if workerID != nil {
		task.WorkerID = *workerID
	}
	return &task, nil
}
