package handler

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"

	"github.com/jayusctrojan/Empire-sub006/internal/bus"
	"github.com/jayusctrojan/Empire-sub006/internal/domain"
	"github.com/jayusctrojan/Empire-sub006/internal/kafka"
	"github.com/jayusctrojan/Empire-sub006/internal/postgres"
	redisstore "github.com/jayusctrojan/Empire-sub006/internal/redis"
	"github.com/jayusctrojan/Empire-sub006/pkg/telemetry"
)

// orchestratorAgent is the bus address control messages are sent to.
const orchestratorAgent = "orchestrator"

// gatewayAgent is this process's sender identity on the bus.
const gatewayAgent = "api-gateway"

// REST handles HTTP requests for the API gateway.
type REST struct {
	producer kafka.Producer
	store    redisstore.StateStore
	repo     postgres.TaskRepository
	bus      *bus.Bus
	limiter  redisstore.RateLimiter
	logger   *slog.Logger
}

// NewREST creates a new REST handler. limiter may be nil to disable
// submission rate limiting.
func NewREST(
	producer kafka.Producer,
	store redisstore.StateStore,
	repo postgres.TaskRepository,
	coordBus *bus.Bus,
	limiter redisstore.RateLimiter,
	logger *slog.Logger,
) *REST {
	return &REST{
		producer: producer,
		store:    store,
		repo:     repo,
		bus:      coordBus,
		limiter:  limiter,
		logger:   logger,
	}
}

// SubmitTaskRequest is the JSON body for POST /api/v1/tasks.
type SubmitTaskRequest struct {
	Capability  string              `json:"capability"`
	Payload     json.RawMessage     `json:"payload"`
	Priority    int                 `json:"priority"`
	MaxAttempts int                 `json:"max_attempts,omitempty"`
	DependsOn   []domain.Dependency `json:"depends_on,omitempty"`
}

// SubmitTaskResponse is the 202 response body.
type SubmitTaskResponse struct {
	TaskID      string    `json:"task_id"`
	State       string    `json:"state"`
	SubmittedAt time.Time `json:"submitted_at"`
}

// TaskStatusResponse is the GET /tasks/{id} response body.
type TaskStatusResponse struct {
	TaskID            string     `json:"task_id"`
	Capability        string     `json:"capability,omitempty"`
	State             string     `json:"state"`
	Priority          int        `json:"priority,omitempty"`
	EffectivePriority int        `json:"effective_priority,omitempty"`
	Attempts          int        `json:"attempts,omitempty"`
	FailureReason     string     `json:"failure_reason,omitempty"`
	WorkerID          string     `json:"worker_id,omitempty"`
	CreatedAt         *time.Time `json:"created_at,omitempty"`
	CompletedAt       *time.Time `json:"completed_at,omitempty"`
}

// SubmitTask handles POST /api/v1/tasks.
func (h *REST) SubmitTask(w http.ResponseWriter, r *http.Request) {
	ctx, span := otel.Tracer("api-gateway").Start(r.Context(), "api_gateway.submit_task")
	defer span.End()
	r = r.WithContext(ctx)

	var req SubmitTaskRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body")
		return
	}

	if strings.TrimSpace(req.Capability) == "" {
		writeError(w, http.StatusBadRequest, "field 'capability' is required")
		return
	}
	if req.Priority == 0 {
		req.Priority = 5
	}
	if req.Priority < domain.MinPriority || req.Priority > domain.MaxPriority {
		writeError(w, http.StatusBadRequest, "field 'priority' must be between 1 and 10")
		return
	}

	if h.limiter != nil {
		allowed, err := h.limiter.Allow(ctx, req.Capability)
		if err != nil {
			// Redis trouble should not take submissions down with it.
			h.logger.Warn("rate limiter unavailable, admitting", slog.Any("error", err))
		} else if !allowed {
			telemetry.APIRateLimitedTotal.Inc()
			writeError(w, http.StatusTooManyRequests, "submission rate limit exceeded for capability")
			return
		}
	}

	taskID := uuid.New().String()
	now := time.Now().UTC()

	span.SetAttributes(
		attribute.String("task.id", taskID),
		attribute.String("task.capability", req.Capability),
	)

	// Record the status before publishing so a poll racing the submission
	// sees QUEUED rather than 404.
	if err := h.store.SetTaskStatus(ctx, taskID, domain.StateQueued, ""); err != nil {
		h.logger.Error("failed to set task status", slog.String("task_id", taskID), slog.Any("error", err))
		writeError(w, http.StatusInternalServerError, "failed to create task")
		return
	}

	sub := domain.Submission{
		TaskID:      taskID,
		Capability:  req.Capability,
		Payload:     req.Payload,
		Priority:    req.Priority,
		MaxAttempts: req.MaxAttempts,
		DependsOn:   req.DependsOn,
		SubmittedAt: now,
	}
	if err := h.producer.PublishSubmission(ctx, sub); err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, "kafka publish failed")
		h.logger.Error("failed to publish submission", slog.String("task_id", taskID), slog.Any("error", err))
		writeError(w, http.StatusInternalServerError, "failed to enqueue task")
		return
	}

	telemetry.APITasksSubmitted.WithLabelValues(req.Capability).Inc()
	h.logger.Info("task submitted",
		slog.String("task_id", taskID),
		slog.String("capability", req.Capability),
		slog.Int("priority", req.Priority),
	)

	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusAccepted)
	json.NewEncoder(w).Encode(SubmitTaskResponse{
		TaskID:      taskID,
		State:       string(domain.StateQueued),
		SubmittedAt: now,
	})
}

// GetTaskStatus handles GET /api/v1/tasks/{id}.
func (h *REST) GetTaskStatus(w http.ResponseWriter, r *http.Request) {
	taskID := chi.URLParam(r, "id")
	if taskID == "" {
		writeError(w, http.StatusBadRequest, "task ID is required")
		return
	}

	ctx := r.Context()
	var notFound *domain.TaskNotFoundError

	// Fast path: Redis snapshot plus live status.
	if task, err := h.store.GetTaskSnapshot(ctx, taskID); err == nil {
		resp := statusResponse(task)
		if st, err := h.store.GetTaskStatus(ctx, taskID); err == nil {
			resp.State = string(st.State)
			resp.FailureReason = st.FailureReason
		}
		writeJSON(w, http.StatusOK, resp)
		return
	}

	// The status record outlives the snapshot for freshly submitted tasks.
	if st, err := h.store.GetTaskStatus(ctx, taskID); err == nil {
		writeJSON(w, http.StatusOK, TaskStatusResponse{
			TaskID:        taskID,
			State:         string(st.State),
			FailureReason: st.FailureReason,
		})
		return
	} else if !errors.As(err, &notFound) {
		h.logger.Error("redis error", slog.String("task_id", taskID), slog.Any("error", err))
	}

	// Slow path: Postgres fallback (Redis TTL expired or cache miss).
	task, err := h.repo.GetByID(ctx, taskID)
	if err != nil {
		if errors.As(err, &notFound) {
			writeError(w, http.StatusNotFound, "task not found")
			return
		}
		h.logger.Error("postgres error", slog.String("task_id", taskID), slog.Any("error", err))
		writeError(w, http.StatusInternalServerError, "failed to retrieve task")
		return
	}
	writeJSON(w, http.StatusOK, statusResponse(task))
}

// GetTaskResult handles GET /api/v1/tasks/{id}/result.
func (h *REST) GetTaskResult(w http.ResponseWriter, r *http.Request) {
	taskID := chi.URLParam(r, "id")
	result, err := h.store.GetResult(r.Context(), taskID)
	if err != nil {
		var notFound *domain.TaskNotFoundError
		if errors.As(err, &notFound) {
			writeError(w, http.StatusNotFound, "result not available")
			return
		}
		h.logger.Error("redis error", slog.String("task_id", taskID), slog.Any("error", err))
		writeError(w, http.StatusInternalServerError, "failed to retrieve result")
		return
	}
	if len(result) == 0 {
		writeError(w, http.StatusNotFound, "result not available")
		return
	}
	w.Header().Set("Content-Type", "application/json")
	w.Write(result)
}

// ListTaskAttempts handles GET /api/v1/tasks/{id}/attempts.
func (h *REST) ListTaskAttempts(w http.ResponseWriter, r *http.Request) {
	taskID := chi.URLParam(r, "id")
	attempts, err := h.repo.ListAttempts(r.Context(), taskID)
	if err != nil {
		h.logger.Error("postgres error", slog.String("task_id", taskID), slog.Any("error", err))
		writeError(w, http.StatusInternalServerError, "failed to list attempts")
		return
	}
	if attempts == nil {
		attempts = []*domain.TaskAttempt{}
	}
	writeJSON(w, http.StatusOK, map[string]any{"task_id": taskID, "attempts": attempts})
}

// CancelTask handles POST /api/v1/tasks/{id}/cancel. The cancel signal
// travels to the orchestrator over the coordination bus; the gateway only
// acknowledges that it was sent.
func (h *REST) CancelTask(w http.ResponseWriter, r *http.Request) {
	taskID := chi.URLParam(r, "id")
	if taskID == "" {
		writeError(w, http.StatusBadRequest, "task ID is required")
		return
	}

	payload, _ := json.Marshal(map[string]string{"op": "cancel", "task_id": taskID})
	err := h.bus.Publish(r.Context(), domain.Message{
		Type:      domain.MessageSignal,
		Sender:    gatewayAgent,
		Recipient: orchestratorAgent,
		Payload:   payload,
	})
	if err != nil {
		h.logger.Error("cancel signal failed", slog.String("task_id", taskID), slog.Any("error", err))
		writeError(w, http.StatusInternalServerError, "failed to send cancel signal")
		return
	}

	h.logger.Info("cancel requested", slog.String("task_id", taskID))
	writeJSON(w, http.StatusAccepted, map[string]string{"task_id": taskID, "status": "cancel_requested"})
}

// PublishMessageRequest is the JSON body for POST /api/v1/messages.
type PublishMessageRequest struct {
	Type      string          `json:"type,omitempty"`
	Sender    string          `json:"sender"`
	Recipient string          `json:"recipient"`
	Payload   json.RawMessage `json:"payload"`
	TTLMs     int64           `json:"ttl_ms,omitempty"`
}

// PublishMessage handles POST /api/v1/messages, relaying one coordination
// message onto the bus on behalf of an external agent.
func (h *REST) PublishMessage(w http.ResponseWriter, r *http.Request) {
	var req PublishMessageRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body")
		return
	}
	if req.Sender == "" || req.Recipient == "" {
		writeError(w, http.StatusBadRequest, "fields 'sender' and 'recipient' are required")
		return
	}

	msg := domain.Message{
		Type:      domain.MessageType(req.Type),
		Sender:    req.Sender,
		Recipient: req.Recipient,
		Payload:   req.Payload,
		TTL:       time.Duration(req.TTLMs) * time.Millisecond,
	}
	if err := h.bus.Publish(r.Context(), msg); err != nil {
		h.logger.Error("bus publish failed", slog.Any("error", err))
		writeError(w, http.StatusBadGateway, "failed to deliver message")
		return
	}
	writeJSON(w, http.StatusAccepted, map[string]string{"status": "published"})
}

// ListCapabilities handles GET /api/v1/capabilities, asking the orchestrator
// over the coordination bus which capabilities currently have a healthy
// worker. Clients use it to discover what the deployment can run right now.
func (h *REST) ListCapabilities(w http.ResponseWriter, r *http.Request) {
	payload, _ := json.Marshal(map[string]string{"op": "capabilities"})
	resp, err := h.bus.Request(r.Context(), domain.Message{
		Sender:    gatewayAgent,
		Recipient: orchestratorAgent,
		Payload:   payload,
	}, 2*time.Second)
	if err != nil {
		h.logger.Error("capabilities request failed", slog.Any("error", err))
		writeError(w, http.StatusBadGateway, "orchestrator unavailable")
		return
	}
	w.Header().Set("Content-Type", "application/json")
	w.Write(resp.Payload)
}

// GetWorker handles GET /api/v1/workers/{id}, served from the registry
// snapshots the orchestrator maintains in Redis.
func (h *REST) GetWorker(w http.ResponseWriter, r *http.Request) {
	workerID := chi.URLParam(r, "id")
	reg, err := h.store.GetWorkerSnapshot(r.Context(), workerID)
	if err != nil {
		writeError(w, http.StatusNotFound, "worker not found")
		return
	}
	writeJSON(w, http.StatusOK, reg)
}

// Healthz handles GET /healthz.
func (h *REST) Healthz(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusOK)
	w.Write([]byte(`{"status":"ok"}`))
}

// Readyz handles GET /readyz — checks Redis connectivity.
func (h *REST) Readyz(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := context.WithTimeout(r.Context(), 2*time.Second)
	defer cancel()

	if _, err := h.store.GetTaskStatus(ctx, "__readyz__"); err != nil {
		var notFound *domain.TaskNotFoundError
		if !errors.As(err, &notFound) {
			writeError(w, http.StatusServiceUnavailable, "redis not ready")
			return
		}
	}

	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusOK)
	w.Write([]byte(`{"status":"ready"}`))
}

func statusResponse(task *domain.Task) TaskStatusResponse {
	resp := TaskStatusResponse{
		TaskID:            task.ID,
		Capability:        task.Capability,
		State:             string(task.State),
		Priority:          task.Priority,
		EffectivePriority: task.EffectivePriority,
		Attempts:          task.Attempts,
		FailureReason:     task.FailureReason,
		WorkerID:          task.WorkerID,
		CompletedAt:       task.CompletedAt,
	}
	if !task.CreatedAt.IsZero() {
		created := task.CreatedAt
		resp.CreatedAt = &created
	}
	return resp
}

func writeJSON(w http.ResponseWriter, code int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, code int, msg string) {
	writeJSON(w, code, map[string]string{"error": msg})
}
