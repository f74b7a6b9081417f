// Package worker dispatches agent task attempts to registered worker
// targets over HTTP, with a per-target circuit breaker in front of the wire.
package worker

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"net"
	"net/http"
	"time"

	"github.com/droverhq/drover/internal/store"
	"github.com/droverhq/drover/pkg/schema"
)

const userAgent = "drover-engine/1.0"

// TaskRequest is the payload POSTed to a worker endpoint for one attempt.
type TaskRequest struct {
	ExecutionID string    `json:"execution_id"`
	StepID      string    `json:"step_id"`
	Attempt     int       `json:"attempt"`
	Message     string    `json:"message"`
	Deadline    time.Time `json:"deadline"`
}

// TaskResult is the worker's reply: success with an optional output payload,
// or a structured business error.
type TaskResult struct {
	Success bool            `json:"success"`
	Output  json.RawMessage `json:"output,omitempty"`
	Error   *TaskError      `json:"error,omitempty"`
}

// TaskError is a failure the worker itself reported, as opposed to
// transport trouble reaching it.
type TaskError struct {
	Code    string `json:"code"`
	Message string `json:"message"`
}

// Client calls a worker target with one task attempt. Failures carry one of
// three codes: BUSINESS_ERROR (the worker said no), TRANSPORT_ERROR (the
// exchange could not complete) or TIMEOUT_ERROR (the deadline passed).
type Client interface {
	Invoke(ctx context.Context, target *store.Worker, req *TaskRequest) (any, error)
}

// HTTPClient is the production Client over net/http.
type HTTPClient struct {
	httpClient *http.Client
	timeout    time.Duration
	logger     *slog.Logger
}

var _ Client = (*HTTPClient)(nil)

// NewHTTPClient builds a client whose calls give up after timeout unless the
// per-call context imposes a tighter deadline.
func NewHTTPClient(timeout time.Duration, logger *slog.Logger) *HTTPClient {
	return &HTTPClient{
		httpClient: &http.Client{Timeout: timeout},
		timeout:    timeout,
		logger:     logger,
	}
}

// Invoke POSTs the attempt to the target's endpoint and decodes the reply.
// The wire deadline mirrors the context deadline so workers can self-limit.
func (c *HTTPClient) Invoke(ctx context.Context, target *store.Worker, req *TaskRequest) (any, error) {
	if req.Deadline.IsZero() {
		if dl, ok := ctx.Deadline(); ok {
			req.Deadline = dl
		} else {
			req.Deadline = time.Now().Add(c.timeout)
		}
	}

	body, err := json.Marshal(req)
	if err != nil {
		return nil, schema.NewErrorf(schema.ErrCodeTransport,
			"marshaling task request for worker %q: %s", target.Name, err).WithCause(err)
	}

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, target.Endpoint, bytes.NewReader(body))
	if err != nil {
		return nil, schema.NewErrorf(schema.ErrCodeTransport,
			"building request for worker %q: %s", target.Name, err).WithCause(err)
	}
	httpReq.Header.Set("Content-Type", "application/json")
	httpReq.Header.Set("Accept", "application/json")
	httpReq.Header.Set("User-Agent", userAgent)

	start := time.Now()
	resp, err := c.httpClient.Do(httpReq)
	if err != nil {
		code := classifyTransport(err)
		c.logger.Warn("worker call failed",
			slog.String("worker", target.Name),
			slog.String("step_id", req.StepID),
			slog.Duration("duration", time.Since(start)),
			slog.String("error", err.Error()))
		return nil, schema.NewErrorf(code,
			"calling worker %q: %s", target.Name, err).WithCause(err)
	}
	defer func() { _ = resp.Body.Close() }()

	respBody, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, schema.NewErrorf(classifyTransport(err),
			"reading reply from worker %q: %s", target.Name, err).WithCause(err)
	}

	if resp.StatusCode != http.StatusOK {
		c.logger.Warn("worker returned http error",
			slog.String("worker", target.Name),
			slog.String("step_id", req.StepID),
			slog.Int("status", resp.StatusCode))
		return nil, schema.NewErrorf(schema.ErrCodeTransport,
			"worker %q returned HTTP %d", target.Name, resp.StatusCode).
			WithDetails(map[string]any{"status": resp.StatusCode})
	}

	var result TaskResult
	if err := json.Unmarshal(respBody, &result); err != nil {
		return nil, schema.NewErrorf(schema.ErrCodeTransport,
			"worker %q returned an unparseable reply: %s", target.Name, err).WithCause(err)
	}

	if !result.Success {
		if result.Error == nil {
			return nil, schema.NewErrorf(schema.ErrCodeBusiness,
				"worker %q reported failure without detail", target.Name)
		}
		return nil, schema.NewErrorf(schema.ErrCodeBusiness,
			"worker %q: %s", target.Name, result.Error.Message).
			WithDetails(map[string]any{"worker_code": result.Error.Code})
	}

	if len(result.Output) == 0 {
		return nil, nil
	}
	var output any
	if err := json.Unmarshal(result.Output, &output); err != nil {
		return nil, schema.NewErrorf(schema.ErrCodeTransport,
			"worker %q output does not parse: %s", target.Name, err).WithCause(err)
	}
	return output, nil
}

// classifyTransport separates deadline and cancellation failures from plain
// transport trouble.
func classifyTransport(err error) string {
	switch {
	case errors.Is(err, context.Canceled):
		return schema.ErrCodeCancelled
	case errors.Is(err, context.DeadlineExceeded):
		return schema.ErrCodeTimeout
	}
	var netErr net.Error
	if errors.As(err, &netErr) && netErr.Timeout() {
		return schema.ErrCodeTimeout
	}
	return schema.ErrCodeTransport
}
