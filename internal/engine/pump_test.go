package engine

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/droverhq/drover/pkg/schema"
)

func startPump(t *testing.T, te *testEnv) *Pump {
	t.Helper()
	pump := NewPump(te.engine, te.store, 10*time.Millisecond, 0, testLogger())
	require.NoError(t, pump.Start(context.Background()))
	t.Cleanup(func() { _ = pump.Stop() })
	return pump
}

func TestPump_WakesDueTimer(t *testing.T) {
	def := schema.ProcessDefinition{
		Name:    "drip",
		Version: "1.0.0",
		Steps: []schema.StepDefinition{
			{ID: "cooldown", Type: schema.StepTypeTimer, Duration: schema.Duration(30 * time.Millisecond)},
			{ID: "send", Type: schema.StepTypeAgentTask, Agent: "mailer", Message: "Send", DependsOn: []string{"cooldown"}},
		},
	}

	te := newTestEnv(t, nil)
	exec := te.createExecution(t, def, nil)
	te.advance(t, exec.ID)
	require.Equal(t, schema.ExecutionStatusRunning, te.exec(t, exec.ID).Status)

	startPump(t, te)

	assert.Eventually(t, func() bool {
		return te.exec(t, exec.ID).Status == schema.ExecutionStatusCompleted
	}, 2*time.Second, 10*time.Millisecond)
	assert.Equal(t, []string{"send/1"}, te.disp.log())
}

func TestPump_ExpiresDecisionTimeout(t *testing.T) {
	def := schema.ProcessDefinition{
		Name:    "deploys",
		Version: "1.0.0",
		Steps: []schema.StepDefinition{
			{ID: "signoff", Type: schema.StepTypeHumanApproval, Title: "Optional review",
				Timeout: schema.Duration(30 * time.Millisecond), TimeoutAction: schema.TimeoutApprove},
		},
	}

	te := newTestEnv(t, nil)
	exec := te.createExecution(t, def, nil)
	te.advance(t, exec.ID)
	require.Equal(t, schema.ExecutionStatusPaused, te.exec(t, exec.ID).Status)

	startPump(t, te)

	assert.Eventually(t, func() bool {
		return te.exec(t, exec.ID).Status == schema.ExecutionStatusCompleted
	}, 2*time.Second, 10*time.Millisecond)

	signoff := te.run(t, exec.ID, "signoff")
	assert.Equal(t, schema.StepStatusCompleted, signoff.Status)
	assert.JSONEq(t, `{"approved": true, "resolved_by": "timeout"}`, string(signoff.Output))
}

func TestPump_StartTwiceFails(t *testing.T) {
	te := newTestEnv(t, nil)
	pump := NewPump(te.engine, te.store, 10*time.Millisecond, 0, testLogger())

	require.NoError(t, pump.Start(context.Background()))
	assert.Error(t, pump.Start(context.Background()))

	require.NoError(t, pump.Stop())
	// Stop is safe to call again once the loop is gone.
	require.NoError(t, pump.Stop())

	// A stopped pump can be started fresh.
	require.NoError(t, pump.Start(context.Background()))
	require.NoError(t, pump.Stop())
}
