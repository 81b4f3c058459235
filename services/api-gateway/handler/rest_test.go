package handler

import (
	"bytes"
	"context"
	"encoding/json"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/jayusctrojan/Empire-sub006/internal/bus"
	"github.com/jayusctrojan/Empire-sub006/internal/domain"
	redisstore "github.com/jayusctrojan/Empire-sub006/internal/redis"
)

type fakeProducer struct {
	mu          sync.Mutex
	submissions []domain.Submission
	fail        error
}

func (p *fakeProducer) PublishSubmission(_ context.Context, sub domain.Submission) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.fail != nil {
		return p.fail
	}
	p.submissions = append(p.submissions, sub)
	return nil
}

func (p *fakeProducer) PublishDispatch(context.Context, *domain.Task) error             { return nil }
func (p *fakeProducer) PublishTaskEvent(context.Context, domain.TaskEvent) error        { return nil }
func (p *fakeProducer) PublishHeartbeat(context.Context, domain.Heartbeat) error        { return nil }
func (p *fakeProducer) PublishDeadLetter(context.Context, string, []byte, string) error { return nil }
func (p *fakeProducer) Close() error                                                    { return nil }

type fakeStore struct {
	mu        sync.Mutex
	statuses  map[string]redisstore.TaskStatus
	snapshots map[string]*domain.Task
	results   map[string][]byte
	workers   map[string]domain.WorkerRegistration
}

func newFakeStore() *fakeStore {
	return &fakeStore{
		statuses:  make(map[string]redisstore.TaskStatus),
		snapshots: make(map[string]*domain.Task),
		results:   make(map[string][]byte),
		workers:   make(map[string]domain.WorkerRegistration),
	}
}

func (s *fakeStore) SetTaskStatus(_ context.Context, taskID string, state domain.TaskState, reason string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.statuses[taskID] = redisstore.TaskStatus{State: state, FailureReason: reason, UpdatedAt: time.Now()}
	return nil
}

func (s *fakeStore) GetTaskStatus(_ context.Context, taskID string) (redisstore.TaskStatus, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	st, ok := s.statuses[taskID]
	if !ok {
		return redisstore.TaskStatus{}, &domain.TaskNotFoundError{TaskID: taskID}
	}
	return st, nil
}

func (s *fakeStore) SetTaskSnapshot(_ context.Context, task *domain.Task) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.snapshots[task.ID] = task
	return nil
}

func (s *fakeStore) GetTaskSnapshot(_ context.Context, taskID string) (*domain.Task, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	task, ok := s.snapshots[taskID]
	if !ok {
		return nil, &domain.TaskNotFoundError{TaskID: taskID}
	}
	return task, nil
}

func (s *fakeStore) SetResult(_ context.Context, taskID string, result []byte, _ time.Duration) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.results[taskID] = result
	return nil
}

func (s *fakeStore) GetResult(_ context.Context, taskID string) ([]byte, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	result, ok := s.results[taskID]
	if !ok {
		return nil, &domain.TaskNotFoundError{TaskID: taskID}
	}
	return result, nil
}

func (s *fakeStore) SetWorkerSnapshot(_ context.Context, reg domain.WorkerRegistration) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.workers[reg.WorkerID] = reg
	return nil
}

func (s *fakeStore) GetWorkerSnapshot(_ context.Context, workerID string) (domain.WorkerRegistration, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	reg, ok := s.workers[workerID]
	if !ok {
		return domain.WorkerRegistration{}, &domain.TaskNotFoundError{TaskID: workerID}
	}
	return reg, nil
}

type fakeRepo struct {
	mu       sync.Mutex
	tasks    map[string]*domain.Task
	attempts map[string][]*domain.TaskAttempt
}

func newFakeRepo() *fakeRepo {
	return &fakeRepo{tasks: make(map[string]*domain.Task), attempts: make(map[string][]*domain.TaskAttempt)}
}

func (r *fakeRepo) Create(_ context.Context, task *domain.Task) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.tasks[task.ID] = task
	return nil
}

func (r *fakeRepo) UpdateState(context.Context, string, domain.TaskState, string) error { return nil }
func (r *fakeRepo) AssignWorker(context.Context, string, string) error                  { return nil }
func (r *fakeRepo) RecordAttempt(context.Context, *domain.TaskAttempt) error            { return nil }

func (r *fakeRepo) GetByID(_ context.Context, id string) (*domain.Task, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	task, ok := r.tasks[id]
	if !ok {
		return nil, &domain.TaskNotFoundError{TaskID: id}
	}
	return task, nil
}

func (r *fakeRepo) ListByState(context.Context, domain.TaskState, int) ([]*domain.Task, error) {
	return nil, nil
}

func (r *fakeRepo) ListAttempts(_ context.Context, taskID string) ([]*domain.TaskAttempt, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.attempts[taskID], nil
}

type recordingMirror struct {
	mu       sync.Mutex
	messages []domain.Message
}

func (m *recordingMirror) Publish(_ context.Context, msg domain.Message) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.messages = append(m.messages, msg)
	return nil
}

func (m *recordingMirror) all() []domain.Message {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]domain.Message(nil), m.messages...)
}

type stubLimiter struct{ allowed bool }

func (l *stubLimiter) Allow(context.Context, string) (bool, error) { return l.allowed, nil }
func (l *stubLimiter) Limit() int                                  { return 1 }

type testGateway struct {
	router   chi.Router
	producer *fakeProducer
	store    *fakeStore
	repo     *fakeRepo
	mirror   *recordingMirror
	limiter  *stubLimiter
	bus      *bus.Bus
}

func newTestGateway(t *testing.T) *testGateway {
	t.Helper()
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))

	producer := &fakeProducer{}
	store := newFakeStore()
	repo := newFakeRepo()
	mirror := &recordingMirror{}
	limiter := &stubLimiter{allowed: true}

	coordBus := bus.New(bus.Config{}, logger)
	coordBus.SetMirror(mirror)

	h := NewREST(producer, store, repo, coordBus, limiter, logger)

	r := chi.NewRouter()
	r.Get("/healthz", h.Healthz)
	r.Get("/readyz", h.Readyz)
	r.Route("/api/v1", func(r chi.Router) {
		r.Post("/tasks", h.SubmitTask)
		r.Get("/tasks/{id}", h.GetTaskStatus)
		r.Get("/tasks/{id}/result", h.GetTaskResult)
		r.Get("/tasks/{id}/attempts", h.ListTaskAttempts)
		r.Post("/tasks/{id}/cancel", h.CancelTask)
		r.Post("/messages", h.PublishMessage)
		r.Get("/workers/{id}", h.GetWorker)
		r.Get("/capabilities", h.ListCapabilities)
	})

	return &testGateway{router: r, producer: producer, store: store, repo: repo, mirror: mirror, limiter: limiter, bus: coordBus}
}

func (g *testGateway) do(t *testing.T, method, path string, body any) *httptest.ResponseRecorder {
	t.Helper()
	var buf bytes.Buffer
	if body != nil {
		require.NoError(t, json.NewEncoder(&buf).Encode(body))
	}
	req := httptest.NewRequest(method, path, &buf)
	rec := httptest.NewRecorder()
	g.router.ServeHTTP(rec, req)
	return rec
}

func TestSubmitTaskAccepted(t *testing.T) {
	g := newTestGateway(t)

	rec := g.do(t, http.MethodPost, "/api/v1/tasks", SubmitTaskRequest{
		Capability: "echo",
		Payload:    json.RawMessage(`{"message":"hi"}`),
	})
	require.Equal(t, http.StatusAccepted, rec.Code)

	var resp SubmitTaskResponse
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
	assert.NotEmpty(t, resp.TaskID)
	assert.Equal(t, string(domain.StateQueued), resp.State)

	require.Len(t, g.producer.submissions, 1)
	sub := g.producer.submissions[0]
	assert.Equal(t, resp.TaskID, sub.TaskID)
	assert.Equal(t, "echo", sub.Capability)
	assert.Equal(t, 5, sub.Priority, "omitted priority defaults to the middle band")

	st, err := g.store.GetTaskStatus(context.Background(), resp.TaskID)
	require.NoError(t, err)
	assert.Equal(t, domain.StateQueued, st.State)
}

func TestSubmitTaskValidation(t *testing.T) {
	g := newTestGateway(t)

	t.Run("missing capability", func(t *testing.T) {
		rec := g.do(t, http.MethodPost, "/api/v1/tasks", SubmitTaskRequest{Priority: 5})
		assert.Equal(t, http.StatusBadRequest, rec.Code)
	})
	t.Run("priority out of range", func(t *testing.T) {
		rec := g.do(t, http.MethodPost, "/api/v1/tasks", SubmitTaskRequest{Capability: "echo", Priority: 11})
		assert.Equal(t, http.StatusBadRequest, rec.Code)
	})
	t.Run("malformed body", func(t *testing.T) {
		req := httptest.NewRequest(http.MethodPost, "/api/v1/tasks", bytes.NewBufferString("{oops"))
		rec := httptest.NewRecorder()
		g.router.ServeHTTP(rec, req)
		assert.Equal(t, http.StatusBadRequest, rec.Code)
	})
	assert.Empty(t, g.producer.submissions)
}

func TestSubmitTaskRateLimited(t *testing.T) {
	g := newTestGateway(t)
	g.limiter.allowed = false

	rec := g.do(t, http.MethodPost, "/api/v1/tasks", SubmitTaskRequest{Capability: "echo"})
	assert.Equal(t, http.StatusTooManyRequests, rec.Code)
	assert.Empty(t, g.producer.submissions)
}

func TestGetTaskStatusFastPath(t *testing.T) {
	g := newTestGateway(t)
	ctx := context.Background()

	require.NoError(t, g.store.SetTaskSnapshot(ctx, &domain.Task{
		ID: "task-1", Capability: "echo", State: domain.StateDispatched,
		Priority: 5, EffectivePriority: 8,
	}))
	require.NoError(t, g.store.SetTaskStatus(ctx, "task-1", domain.StateRunning, ""))

	rec := g.do(t, http.MethodGet, "/api/v1/tasks/task-1", nil)
	require.Equal(t, http.StatusOK, rec.Code)

	var resp TaskStatusResponse
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
	assert.Equal(t, string(domain.StateRunning), resp.State, "live status wins over the snapshot")
	assert.Equal(t, 8, resp.EffectivePriority)
}

func TestGetTaskStatusFallsBackToPostgres(t *testing.T) {
	g := newTestGateway(t)

	require.NoError(t, g.repo.Create(context.Background(), &domain.Task{
		ID: "task-old", Capability: "webhook", State: domain.StateSucceeded, Priority: 3,
	}))

	rec := g.do(t, http.MethodGet, "/api/v1/tasks/task-old", nil)
	require.Equal(t, http.StatusOK, rec.Code)

	var resp TaskStatusResponse
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
	assert.Equal(t, string(domain.StateSucceeded), resp.State)
	assert.Equal(t, "webhook", resp.Capability)
}

func TestGetTaskStatusNotFound(t *testing.T) {
	g := newTestGateway(t)
	rec := g.do(t, http.MethodGet, "/api/v1/tasks/nope", nil)
	assert.Equal(t, http.StatusNotFound, rec.Code)
}

func TestGetTaskResult(t *testing.T) {
	g := newTestGateway(t)
	require.NoError(t, g.store.SetResult(context.Background(), "task-1", []byte(`{"echo":"hi"}`), time.Hour))

	rec := g.do(t, http.MethodGet, "/api/v1/tasks/task-1/result", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.JSONEq(t, `{"echo":"hi"}`, rec.Body.String())

	rec = g.do(t, http.MethodGet, "/api/v1/tasks/task-2/result", nil)
	assert.Equal(t, http.StatusNotFound, rec.Code)
}

func TestListTaskAttemptsEmpty(t *testing.T) {
	g := newTestGateway(t)

	rec := g.do(t, http.MethodGet, "/api/v1/tasks/task-1/attempts", nil)
	require.Equal(t, http.StatusOK, rec.Code)

	var resp struct {
		Attempts []*domain.TaskAttempt `json:"attempts"`
	}
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
	assert.NotNil(t, resp.Attempts)
	assert.Empty(t, resp.Attempts)
}

func TestCancelTaskSendsSignalToOrchestrator(t *testing.T) {
	g := newTestGateway(t)

	rec := g.do(t, http.MethodPost, "/api/v1/tasks/task-1/cancel", nil)
	require.Equal(t, http.StatusAccepted, rec.Code)

	msgs := g.mirror.all()
	require.Len(t, msgs, 1)
	assert.Equal(t, domain.MessageSignal, msgs[0].Type)
	assert.Equal(t, orchestratorAgent, msgs[0].Recipient)

	var payload map[string]string
	require.NoError(t, json.Unmarshal(msgs[0].Payload, &payload))
	assert.Equal(t, "cancel", payload["op"])
	assert.Equal(t, "task-1", payload["task_id"])
}

func TestPublishMessageRelaysToBus(t *testing.T) {
	g := newTestGateway(t)

	rec := g.do(t, http.MethodPost, "/api/v1/messages", PublishMessageRequest{
		Sender:    "agent-a",
		Recipient: "agent-b",
		Payload:   json.RawMessage(`{"note":"ping"}`),
		TTLMs:     5000,
	})
	require.Equal(t, http.StatusAccepted, rec.Code)

	msgs := g.mirror.all()
	require.Len(t, msgs, 1)
	assert.Equal(t, "agent-b", msgs[0].Recipient)
	assert.Equal(t, 5*time.Second, msgs[0].TTL)
}

func TestPublishMessageValidation(t *testing.T) {
	g := newTestGateway(t)
	rec := g.do(t, http.MethodPost, "/api/v1/messages", PublishMessageRequest{Sender: "a"})
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestGetWorker(t *testing.T) {
	g := newTestGateway(t)
	require.NoError(t, g.store.SetWorkerSnapshot(context.Background(), domain.WorkerRegistration{
		WorkerID: "w1", Status: domain.WorkerHealthy, Capabilities: []string{"echo"},
	}))

	rec := g.do(t, http.MethodGet, "/api/v1/workers/w1", nil)
	require.Equal(t, http.StatusOK, rec.Code)

	var reg domain.WorkerRegistration
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &reg))
	assert.Equal(t, domain.WorkerHealthy, reg.Status)

	rec = g.do(t, http.MethodGet, "/api/v1/workers/w2", nil)
	assert.Equal(t, http.StatusNotFound, rec.Code)
}

func TestListCapabilities(t *testing.T) {
	g := newTestGateway(t)

	// Answer capability requests the way the orchestrator's control loop does.
	inbox := g.bus.Subscribe(orchestratorAgent)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go func() {
		msg, err := inbox.Receive(ctx)
		if err != nil {
			return
		}
		body, _ := json.Marshal(map[string][]string{"capabilities": {"echo", "scan"}})
		_ = g.bus.Respond(ctx, msg, body)
	}()

	rec := g.do(t, http.MethodGet, "/api/v1/capabilities", nil)
	require.Equal(t, http.StatusOK, rec.Code)

	var resp map[string][]string
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
	assert.Equal(t, []string{"echo", "scan"}, resp["capabilities"])
}

func TestHealthz(t *testing.T) {
	g := newTestGateway(t)
	rec := g.do(t, http.MethodGet, "/healthz", nil)
	assert.Equal(t, http.StatusOK, rec.Code)
}
