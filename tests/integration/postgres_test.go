//go:build integration

package integration

import (
	"context"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/jayusctrojan/Empire-sub006/internal/domain"
	"github.com/jayusctrojan/Empire-sub006/internal/postgres"
)

func newRepo(t *testing.T) postgres.TaskRepository {
	t.Helper()
	pool, err := pgxpool.New(context.Background(), testPostgresDSN)
	require.NoError(t, err)
	t.Cleanup(func() {
		pool.Exec(context.Background(), "TRUNCATE task_attempts, tasks CASCADE") //nolint:errcheck
		pool.Close()
	})
	return postgres.NewRepository(pool)
}

func newDBTask(capability string, priority int) *domain.Task {
	now := time.Now().UTC()
	return &domain.Task{
		ID:                uuid.New().String(),
		Capability:        capability,
		Payload:           []byte(`{}`),
		State:             domain.StateQueued,
		Priority:          priority,
		EffectivePriority: priority,
		MaxAttempts:       3,
		CreatedAt:         now,
		UpdatedAt:         now,
	}
}

func TestPostgres_CreateAndGet(t *testing.T) {
	ctx := context.Background()
	repo := newRepo(t)

	task := newDBTask("echo", 5)
	task.DependsOn = []domain.Dependency{{TaskID: "dep-1", BestEffort: true}}
	require.NoError(t, repo.Create(ctx, task))

	got, err := repo.GetByID(ctx, task.ID)
	require.NoError(t, err)
	assert.Equal(t, "echo", got.Capability)
	assert.Equal(t, domain.StateQueued, got.State)
	require.Len(t, got.DependsOn, 1)
	assert.True(t, got.DependsOn[0].BestEffort)
}

func TestPostgres_GetMissingIsNotFound(t *testing.T) {
	repo := newRepo(t)

	_, err := repo.GetByID(context.Background(), uuid.New().String())
	var notFound *domain.TaskNotFoundError
	assert.ErrorAs(t, err, &notFound)
}

func TestPostgres_UpdateStateAndAssign(t *testing.T) {
	ctx := context.Background()
	repo := newRepo(t)

	task := newDBTask("webhook", 8)
	require.NoError(t, repo.Create(ctx, task))

	require.NoError(t, repo.AssignWorker(ctx, task.ID, "w1"))
	require.NoError(t, repo.UpdateState(ctx, task.ID, domain.StateRunning, ""))

	got, err := repo.GetByID(ctx, task.ID)
	require.NoError(t, err)
	assert.Equal(t, domain.StateRunning, got.State)
	assert.Equal(t, "w1", got.WorkerID)
	assert.Nil(t, got.CompletedAt)

	require.NoError(t, repo.UpdateState(ctx, task.ID, domain.StateFailed, "max attempts (3) exceeded: boom"))
	got, err = repo.GetByID(ctx, task.ID)
	require.NoError(t, err)
	assert.Equal(t, domain.StateFailed, got.State)
	assert.Contains(t, got.FailureReason, "max attempts")
	assert.NotNil(t, got.CompletedAt, "terminal states stamp completed_at")
}

func TestPostgres_AttemptAuditTrail(t *testing.T) {
	ctx := context.Background()
	repo := newRepo(t)

	task := newDBTask("echo", 5)
	require.NoError(t, repo.Create(ctx, task))

	require.NoError(t, repo.RecordAttempt(ctx, &domain.TaskAttempt{
		TaskID:     task.ID,
		WorkerID:   "w1",
		Attempt:    1,
		Outcome:    domain.OutcomeRetryableFailure,
		DurationMs: 120,
		Error:      "rate limited",
		ExecutedAt: time.Now().UTC(),
	}))
	require.NoError(t, repo.RecordAttempt(ctx, &domain.TaskAttempt{
		TaskID:     task.ID,
		WorkerID:   "w2",
		Attempt:    2,
		Outcome:    domain.OutcomeSuccess,
		DurationMs: 80,
		ExecutedAt: time.Now().UTC(),
	}))

	attempts, err := repo.ListAttempts(ctx, task.ID)
	require.NoError(t, err)
	require.Len(t, attempts, 2)
	assert.Equal(t, domain.OutcomeRetryableFailure, attempts[0].Outcome)
	assert.Equal(t, domain.OutcomeSuccess, attempts[1].Outcome)
	assert.Equal(t, "w2", attempts[1].WorkerID)
}

func TestPostgres_ListByState(t *testing.T) {
	ctx := context.Background()
	repo := newRepo(t)

	queued := newDBTask("echo", 5)
	require.NoError(t, repo.Create(ctx, queued))
	done := newDBTask("echo", 5)
	require.NoError(t, repo.Create(ctx, done))
	require.NoError(t, repo.UpdateState(ctx, done.ID, domain.StateSucceeded, ""))

	tasks, err := repo.ListByState(ctx, domain.StateQueued, 10)
	require.NoError(t, err)
	require.Len(t, tasks, 1)
	assert.Equal(t, queued.ID, tasks[0].ID)
}
