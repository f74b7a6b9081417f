package engine

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"

	"github.com/droverhq/drover/pkg/schema"
)

func TestRetryable(t *testing.T) {
	optIn := &schema.RetryPolicy{MaxAttempts: 3, RetryOnBusiness: true}

	tests := []struct {
		name   string
		err    error
		policy *schema.RetryPolicy
		want   bool
	}{
		{"nil error", nil, nil, false},
		{"transport", schema.NewError(schema.ErrCodeTransport, "connection refused"), nil, true},
		{"timeout", schema.NewError(schema.ErrCodeTimeout, "deadline exceeded"), nil, true},
		{"open circuit", schema.NewError(schema.ErrCodeCircuitOpen, "agent billing unavailable"), nil, true},
		{"business", schema.NewError(schema.ErrCodeBusiness, "card declined"), nil, false},
		{"business with opt-in", schema.NewError(schema.ErrCodeBusiness, "card declined"), optIn, true},
		{"validation", schema.NewError(schema.ErrCodeValidation, "bad payload"), optIn, false},
		{"cancelled", schema.NewError(schema.ErrCodeCancelled, "stop"), optIn, false},
		{"context cancellation", context.Canceled, optIn, false},
		{"uncoded deadline", context.DeadlineExceeded, nil, true},
		{"uncoded plain error", errors.New("boom"), optIn, false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, Retryable(tt.err, tt.policy))
		})
	}
}

func TestBackoff_Linear(t *testing.T) {
	policy := &schema.RetryPolicy{
		MaxAttempts: 4,
		Delay:       schema.Duration(100 * time.Millisecond),
		Backoff:     schema.BackoffLinear,
	}
	for attempt := 1; attempt <= 4; attempt++ {
		assert.Equal(t, 100*time.Millisecond, Backoff(policy, attempt, 0))
	}
}

func TestBackoff_Exponential(t *testing.T) {
	policy := &schema.RetryPolicy{
		MaxAttempts: 5,
		Delay:       schema.Duration(100 * time.Millisecond),
		Backoff:     schema.BackoffExponential,
	}

	assert.Equal(t, 100*time.Millisecond, Backoff(policy, 1, 0))
	assert.Equal(t, 200*time.Millisecond, Backoff(policy, 2, 0))
	assert.Equal(t, 400*time.Millisecond, Backoff(policy, 3, 0))
	assert.Equal(t, 800*time.Millisecond, Backoff(policy, 4, 0))
}

func TestBackoff_CappedAtMaxDelay(t *testing.T) {
	policy := &schema.RetryPolicy{
		MaxAttempts: 10,
		Delay:       schema.Duration(100 * time.Millisecond),
		Backoff:     schema.BackoffExponential,
	}

	assert.Equal(t, 250*time.Millisecond, Backoff(policy, 3, 250*time.Millisecond))
	assert.Equal(t, 250*time.Millisecond, Backoff(policy, 9, 250*time.Millisecond))

	linear := &schema.RetryPolicy{Delay: schema.Duration(time.Minute), Backoff: schema.BackoffLinear}
	assert.Equal(t, 30*time.Second, Backoff(linear, 1, 30*time.Second))
}

func TestBackoff_NoDelayConfigured(t *testing.T) {
	assert.Zero(t, Backoff(nil, 1, time.Minute))
	assert.Zero(t, Backoff(&schema.RetryPolicy{MaxAttempts: 3}, 2, time.Minute))
}

func TestWaitBackoff(t *testing.T) {
	assert.NoError(t, WaitBackoff(context.Background(), 0))
	assert.NoError(t, WaitBackoff(context.Background(), time.Millisecond))

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	err := WaitBackoff(ctx, time.Minute)
	assert.ErrorIs(t, err, context.Canceled)
}
