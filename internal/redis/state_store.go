package redis

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/jayusctrojan/Empire-sub006/internal/domain"
)

const (
	taskTTL   = 24 * time.Hour
	workerTTL = 5 * time.Minute
	resultTTL = time.Hour
)

func stateKey(taskID string) string    { return "agents:task:state:" + taskID }
func taskKey(taskID string) string     { return "agents:task:meta:" + taskID }
func resultKey(taskID string) string   { return "agents:task:result:" + taskID }
func workerKey(workerID string) string { return "agents:worker:" + workerID }

// TaskStatus is the fast-path status record served by the gateway without
// touching Postgres.
type TaskStatus struct {
	State         domain.TaskState `json:"state"`
	FailureReason string           `json:"failure_reason,omitempty"`
	UpdatedAt     time.Time        `json:"updated_at"`
}

// StateStore keeps live task and worker state in Redis so status queries
// stay off the database's hot path.
type StateStore interface {
	SetTaskStatus(ctx context.Context, taskID string, state domain.TaskState, reason string) error
	GetTaskStatus(ctx context.Context, taskID string) (TaskStatus, error)
	SetTaskSnapshot(ctx context.Context, task *domain.Task) error
	GetTaskSnapshot(ctx context.Context, taskID string) (*domain.Task, error)
	SetResult(ctx context.Context, taskID string, result []byte, ttl time.Duration) error
	GetResult(ctx context.Context, taskID string) ([]byte, error)
	SetWorkerSnapshot(ctx context.Context, reg domain.WorkerRegistration) error
	GetWorkerSnapshot(ctx context.Context, workerID string) (domain.WorkerRegistration, error)
}

type stateStore struct {
	client *redis.Client
}

// NewStateStore creates a Redis-backed StateStore.
func NewStateStore(client *redis.Client) StateStore {
	return &stateStore{client: client}
}

// NewClient creates a Redis client with the runtime's timeouts.
func NewClient(addr string) *redis.Client {
	return redis.NewClient(&redis.Options{
		Addr:         addr,
		DialTimeout:  2 * time.Second,
		ReadTimeout:  1 * time.Second,
		WriteTimeout: 1 * time.Second,
		PoolSize:     10,
	})
}

func (s *stateStore) SetTaskStatus(ctx context.Context, taskID string, state domain.TaskState, reason string) error {
	data, err := json.Marshal(TaskStatus{State: state, FailureReason: reason, UpdatedAt: time.Now().UTC()})
	if err != nil {
		return fmt.Errorf("marshal task status: %w", err)
	}
	if err := s.client.Set(ctx, stateKey(taskID), data, taskTTL).Err(); err != nil {
		return fmt.Errorf("redis set status for %s: %w", taskID, err)
	}
	return nil
}

func (s *stateStore) GetTaskStatus(ctx context.Context, taskID string) (TaskStatus, error) {
	data, err := s.client.Get(ctx, stateKey(taskID)).Bytes()
	if err != nil {
		if errors.Is(err, redis.Nil) {
			return TaskStatus{}, &domain.TaskNotFoundError{TaskID: taskID}
		}
		return TaskStatus{}, fmt.Errorf("redis get status for %s: %w", taskID, err)
	}
	var st TaskStatus
	if err := json.Unmarshal(data, &st); err != nil {
		return TaskStatus{}, fmt.Errorf("unmarshal task status: %w", err)
	}
	return st, nil
}

func (s *stateStore) SetTaskSnapshot(ctx context.Context, task *domain.Task) error {
	data, err := json.Marshal(task)
	if err != nil {
		return fmt.Errorf("marshal task snapshot: %w", err)
	}
	if err := s.client.Set(ctx, taskKey(task.ID), data, taskTTL).Err(); err != nil {
		return fmt.Errorf("redis set snapshot for %s: %w", task.ID, err)
	}
	return nil
}

func (s *stateStore) GetTaskSnapshot(ctx context.Context, taskID string) (*domain.Task, error) {
	data, err := s.client.Get(ctx, taskKey(taskID)).Bytes()
	if err != nil {
		if errors.Is(err, redis.Nil) {
			return nil, &domain.TaskNotFoundError{TaskID: taskID}
		}
		return nil, fmt.Errorf("redis get snapshot for %s: %w", taskID, err)
	}
	var task domain.Task
	if err := json.Unmarshal(data, &task); err != nil {
		return nil, fmt.Errorf("unmarshal task snapshot: %w", err)
	}
	return &task, nil
}

func (s *stateStore) SetResult(ctx context.Context, taskID string, result []byte, ttl time.Duration) error {
	if ttl == 0 {
		ttl = resultTTL
	}
	if err := s.client.Set(ctx, resultKey(taskID), result, ttl).Err(); err != nil {
		return fmt.Errorf("redis set result for %s: %w", taskID, err)
	}
	return nil
}

func (s *stateStore) GetResult(ctx context.Context, taskID string) ([]byte, error) {
	data, err := s.client.Get(ctx, resultKey(taskID)).Bytes()
	if err != nil {
		if errors.Is(err, redis.Nil) {
			return nil, &domain.TaskNotFoundError{TaskID: taskID}
		}
		return nil, fmt.Errorf("redis get result for %s: %w", taskID, err)
	}
	return data, nil
}

func (s *stateStore) SetWorkerSnapshot(ctx context.Context, reg domain.WorkerRegistration) error {
	data, err := json.Marshal(reg)
	if err != nil {
		return fmt.Errorf("marshal worker snapshot: %w", err)
	}
	if err := s.client.Set(ctx, workerKey(reg.WorkerID), data, workerTTL).Err(); err != nil {
		return fmt.Errorf("redis set worker %s: %w", reg.WorkerID, err)
	}
	return nil
}

func (s *stateStore) GetWorkerSnapshot(ctx context.Context, workerID string) (domain.WorkerRegistration, error) {
	data, err := s.client.Get(ctx, workerKey(workerID)).Bytes()
	if err != nil {
		if errors.Is(err, redis.Nil) {
			return domain.WorkerRegistration{}, fmt.Errorf("worker %s not found", workerID)
		}
		return domain.WorkerRegistration{}, fmt.Errorf("redis get worker %s: %w", workerID, err)
	}
	var reg domain.WorkerRegistration
	if err := json.Unmarshal(data, &reg); err != nil {
		return domain.WorkerRegistration{}, fmt.Errorf("unmarshal worker snapshot: %w", err)
	}
	return reg, nil
}
