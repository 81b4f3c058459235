package executors

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"

	"github.com/jayusctrojan/Empire-sub006/internal/domain"
	"github.com/jayusctrojan/Empire-sub006/internal/resilience"
)

// webhookPayload is the expected JSON structure in task.Payload.
type webhookPayload struct {
	URL     string            `json:"url"`
	Method  string            `json:"method"`
	Headers map[string]string `json:"headers"`
	Body    string            `json:"body"`
}

// WebhookExecutor performs an outbound HTTP call. Calls run through the
// resilience manager keyed by target host, so a flapping endpoint trips its
// own breaker without affecting other hosts. HTTP status codes map onto the
// failure classes the retry policy understands.
type WebhookExecutor struct {
	client *http.Client
	res    *resilience.Manager
}

// NewWebhookExecutor creates a WebhookExecutor calling through res.
func NewWebhookExecutor(res *resilience.Manager) *WebhookExecutor {
	return &WebhookExecutor{
		client: &http.Client{Timeout: 15 * time.Second},
		res:    res,
	}
}

func (e *WebhookExecutor) Capability() string { return "webhook" }

func (e *WebhookExecutor) Execute(ctx context.Context, task *domain.Task) ([]byte, error) {
	ctx, span := otel.Tracer("agent-worker").Start(ctx, "executor.webhook")
	defer span.End()

	var p webhookPayload
	if err := json.Unmarshal(task.Payload, &p); err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, "invalid payload")
		return nil, fmt.Errorf("webhook payload: %w: %w", resilience.ErrValidation, err)
	}
	if p.URL == "" {
		err := fmt.Errorf("webhook payload missing required field 'url': %w", resilience.ErrValidation)
		span.RecordError(err)
		span.SetStatus(codes.Error, "missing 'url' field")
		return nil, err
	}
	target, err := url.Parse(p.URL)
	if err != nil {
		return nil, fmt.Errorf("webhook url %q: %w: %w", p.URL, resilience.ErrValidation, err)
	}
	if p.Method == "" {
		p.Method = http.MethodPost
	}

	span.SetAttributes(
		attribute.String("webhook.url", p.URL),
		attribute.String("webhook.method", p.Method),
	)

	var body []byte
	err = e.res.Call(ctx, "webhook:"+target.Host, func(ctx context.Context) error {
		var callErr error
		body, callErr = e.call(ctx, p)
		return callErr
	})
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, "webhook call failed")
		return nil, err
	}
	return body, nil
}

func (e *WebhookExecutor) call(ctx context.Context, p webhookPayload) ([]byte, error) {
	var bodyReader io.Reader
	if p.Body != "" {
		bodyReader = strings.NewReader(p.Body)
	}
	req, err := http.NewRequestWithContext(ctx, p.Method, p.URL, bodyReader)
	if err != nil {
		return nil, fmt.Errorf("build webhook request: %w: %w", resilience.ErrValidation, err)
	}
	for k, v := range p.Headers {
		req.Header.Set(k, v)
	}

	resp, err := e.client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("webhook call to %s: %w", p.URL, err)
	}
	defer resp.Body.Close()

	if err := classifyStatus(p.URL, resp.StatusCode); err != nil {
		return nil, err
	}
	out, err := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	if err != nil {
		return nil, fmt.Errorf("read webhook response from %s: %w", p.URL, err)
	}
	return out, nil
}

// classifyStatus folds an HTTP status into the failure taxonomy.
func classifyStatus(target string, status int) error {
	switch {
	case status < http.StatusBadRequest:
		return nil
	case status == http.StatusTooManyRequests:
		return fmt.Errorf("webhook %s: status %d: %w", target, status, resilience.ErrRateLimited)
	case status == http.StatusUnauthorized || status == http.StatusForbidden:
		return fmt.Errorf("webhook %s: status %d: %w", target, status, resilience.ErrUnauthorized)
	case status == http.StatusNotFound:
		return fmt.Errorf("webhook %s: status %d: %w", target, status, resilience.ErrNotFound)
	case status == http.StatusRequestTimeout || status == http.StatusGatewayTimeout:
		return fmt.Errorf("webhook %s: status %d: %w", target, status, context.DeadlineExceeded)
	case status >= http.StatusInternalServerError:
		// 5xx is neither a transient class nor a caller bug; the in-call
		// retry loop leaves it alone and the scheduler's task-level
		// attempt budget decides whether to run the task again.
		return fmt.Errorf("webhook %s: status %d: %w", target, status, errServerSide)
	default:
		return fmt.Errorf("webhook %s: status %d: %w", target, status, resilience.ErrValidation)
	}
}

var errServerSide = errors.New("server-side failure")
