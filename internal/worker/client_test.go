package worker

import (
	"context"
	"encoding/json"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/droverhq/drover/internal/store"
	"github.com/droverhq/drover/pkg/schema"
)

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func testTarget(url string) *store.Worker {
	return &store.Worker{ID: "w-1", Name: "billing", Endpoint: url}
}

func taskRequest() *TaskRequest {
	return &TaskRequest{
		ExecutionID: "exec-1",
		StepID:      "reserve",
		Attempt:     1,
		Message:     "Reserve stock for order 41",
	}
}

func jsonHandler(t *testing.T, body string) http.HandlerFunc {
	t.Helper()
	return func(w http.ResponseWriter, _ *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write([]byte(body))
	}
}

func TestHTTPClient_Success(t *testing.T) {
	var received TaskRequest
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, http.MethodPost, r.Method)
		assert.Equal(t, "application/json", r.Header.Get("Content-Type"))
		assert.Equal(t, "drover-engine/1.0", r.Header.Get("User-Agent"))
		require.NoError(t, json.NewDecoder(r.Body).Decode(&received))

		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write([]byte(`{"success": true, "output": {"reserved": 3}}`))
	}))
	defer server.Close()

	c := NewHTTPClient(5*time.Second, testLogger())
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()

	out, err := c.Invoke(ctx, testTarget(server.URL), taskRequest())
	require.NoError(t, err)
	assert.Equal(t, map[string]any{"reserved": float64(3)}, out)

	assert.Equal(t, "exec-1", received.ExecutionID)
	assert.Equal(t, "reserve", received.StepID)
	assert.Equal(t, 1, received.Attempt)
	assert.Equal(t, "Reserve stock for order 41", received.Message)
	// The wire deadline mirrors the context deadline.
	assert.WithinDuration(t, time.Now().Add(2*time.Second), received.Deadline, time.Second)
}

func TestHTTPClient_ScalarOutput(t *testing.T) {
	server := httptest.NewServer(jsonHandler(t, `{"success": true, "output": "done"}`))
	defer server.Close()

	c := NewHTTPClient(5*time.Second, testLogger())
	out, err := c.Invoke(context.Background(), testTarget(server.URL), taskRequest())
	require.NoError(t, err)
	assert.Equal(t, "done", out)
}

func TestHTTPClient_EmptyOutput(t *testing.T) {
	server := httptest.NewServer(jsonHandler(t, `{"success": true}`))
	defer server.Close()

	c := NewHTTPClient(5*time.Second, testLogger())
	out, err := c.Invoke(context.Background(), testTarget(server.URL), taskRequest())
	require.NoError(t, err)
	assert.Nil(t, out)
}

func TestHTTPClient_BusinessError(t *testing.T) {
	server := httptest.NewServer(jsonHandler(t,
		`{"success": false, "error": {"code": "OUT_OF_STOCK", "message": "sku 41 exhausted"}}`))
	defer server.Close()

	c := NewHTTPClient(5*time.Second, testLogger())
	_, err := c.Invoke(context.Background(), testTarget(server.URL), taskRequest())

	var de *schema.DroverError
	require.ErrorAs(t, err, &de)
	assert.Equal(t, schema.ErrCodeBusiness, de.Code)
	assert.Contains(t, de.Message, "sku 41 exhausted")
	assert.Equal(t, "OUT_OF_STOCK", de.Details["worker_code"])
}

func TestHTTPClient_FailureWithoutDetail(t *testing.T) {
	server := httptest.NewServer(jsonHandler(t, `{"success": false}`))
	defer server.Close()

	c := NewHTTPClient(5*time.Second, testLogger())
	_, err := c.Invoke(context.Background(), testTarget(server.URL), taskRequest())

	require.Error(t, err)
	assert.Equal(t, schema.ErrCodeBusiness, schema.CodeOf(err))
	assert.Contains(t, err.Error(), "without detail")
}

func TestHTTPClient_HTTPError(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusInternalServerError)
		_, _ = w.Write([]byte("boom"))
	}))
	defer server.Close()

	c := NewHTTPClient(5*time.Second, testLogger())
	_, err := c.Invoke(context.Background(), testTarget(server.URL), taskRequest())

	var de *schema.DroverError
	require.ErrorAs(t, err, &de)
	assert.Equal(t, schema.ErrCodeTransport, de.Code)
	assert.Equal(t, http.StatusInternalServerError, de.Details["status"])
}

func TestHTTPClient_UnparseableReply(t *testing.T) {
	server := httptest.NewServer(jsonHandler(t, `not json`))
	defer server.Close()

	c := NewHTTPClient(5*time.Second, testLogger())
	_, err := c.Invoke(context.Background(), testTarget(server.URL), taskRequest())

	require.Error(t, err)
	assert.Equal(t, schema.ErrCodeTransport, schema.CodeOf(err))
}

func TestHTTPClient_ContextDeadline(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		time.Sleep(200 * time.Millisecond)
		_, _ = w.Write([]byte(`{"success": true}`))
	}))
	defer server.Close()

	c := NewHTTPClient(5*time.Second, testLogger())
	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()

	_, err := c.Invoke(ctx, testTarget(server.URL), taskRequest())
	require.Error(t, err)
	assert.Equal(t, schema.ErrCodeTimeout, schema.CodeOf(err))
}

func TestHTTPClient_ClientTimeout(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		time.Sleep(200 * time.Millisecond)
		_, _ = w.Write([]byte(`{"success": true}`))
	}))
	defer server.Close()

	c := NewHTTPClient(50*time.Millisecond, testLogger())
	_, err := c.Invoke(context.Background(), testTarget(server.URL), taskRequest())

	require.Error(t, err)
	assert.Equal(t, schema.ErrCodeTimeout, schema.CodeOf(err))
}

func TestHTTPClient_ConnectionRefused(t *testing.T) {
	server := httptest.NewServer(jsonHandler(t, `{"success": true}`))
	url := server.URL
	server.Close()

	c := NewHTTPClient(time.Second, testLogger())
	_, err := c.Invoke(context.Background(), testTarget(url), taskRequest())

	require.Error(t, err)
	assert.Equal(t, schema.ErrCodeTransport, schema.CodeOf(err))
}

func TestHTTPClient_Cancelled(t *testing.T) {
	server := httptest.NewServer(jsonHandler(t, `{"success": true}`))
	defer server.Close()

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	c := NewHTTPClient(time.Second, testLogger())
	_, err := c.Invoke(ctx, testTarget(server.URL), taskRequest())

	require.Error(t, err)
	assert.Equal(t, schema.ErrCodeCancelled, schema.CodeOf(err))
	assert.ErrorIs(t, err, context.Canceled)
}
