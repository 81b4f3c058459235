package executors

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/codes"

	"github.com/jayusctrojan/Empire-sub006/internal/domain"
	"github.com/jayusctrojan/Empire-sub006/internal/resilience"
)

// echoPayload drives the echo executor: the message comes back as the
// result after an optional delay. Used for smoke tests and capacity drills.
type echoPayload struct {
	Message string `json:"message"`
	DelayMs int    `json:"delay_ms,omitempty"`
	Fail    string `json:"fail,omitempty"` // "retryable" or "fatal" forces an outcome
}

// EchoExecutor reflects the task payload back as its result.
type EchoExecutor struct{}

func NewEchoExecutor() *EchoExecutor { return &EchoExecutor{} }

func (e *EchoExecutor) Capability() string { return "echo" }

func (e *EchoExecutor) Execute(ctx context.Context, task *domain.Task) ([]byte, error) {
	ctx, span := otel.Tracer("agent-worker").Start(ctx, "executor.echo")
	defer span.End()

	var p echoPayload
	if err := json.Unmarshal(task.Payload, &p); err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, "invalid payload")
		return nil, fmt.Errorf("echo payload: %w: %w", resilience.ErrValidation, err)
	}

	if p.DelayMs > 0 {
		select {
		case <-time.After(time.Duration(p.DelayMs) * time.Millisecond):
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}

	switch p.Fail {
	case "retryable":
		return nil, fmt.Errorf("echo forced failure: %w", resilience.ErrRateLimited)
	case "fatal":
		return nil, fmt.Errorf("echo forced failure: %w", resilience.ErrValidation)
	}

	out, err := json.Marshal(map[string]string{"echo": p.Message})
	if err != nil {
		return nil, fmt.Errorf("encode echo result: %w", err)
	}
	return out, nil
}
