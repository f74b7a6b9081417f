package store

import (
	"context"
	"encoding/json"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/droverhq/drover/pkg/schema"
)

func newTestStore(t *testing.T) *LibSQLStore {
	t.Helper()
	dir := t.TempDir()
	dbPath := filepath.Join(dir, "test.db")
	s, err := NewLibSQLStore("file:" + dbPath)
	require.NoError(t, err)
	require.NoError(t, s.Migrate(context.Background()))
	t.Cleanup(func() {
		_ = s.Close()
		_ = os.RemoveAll(dir)
	})
	return s
}

func testDefinition() schema.ProcessDefinition {
	return schema.ProcessDefinition{
		Name:    "order-fulfillment",
		Version: "1.0.0",
		Steps: []schema.StepDefinition{
			{ID: "reserve", Type: schema.StepTypeAgentTask, Agent: "inventory", Message: "reserve stock"},
			{ID: "ship", Type: schema.StepTypeAgentTask, Agent: "logistics", Message: "ship order", DependsOn: []string{"reserve"}},
		},
	}
}

func seedExecution(t *testing.T, s Store) *Execution {
	t.Helper()
	exec := &Execution{
		ID:             uuid.New().String(),
		ProcessName:    "order-fulfillment",
		ProcessVersion: "1.0.0",
		Definition:     testDefinition(),
		Status:         schema.ExecutionStatusPending,
		Input:          map[string]any{"order_id": "ord-42"},
	}
	require.NoError(t, s.CreateExecution(context.Background(), exec, 0))
	return exec
}

// --- Definition Tests ---

func TestPutAndGetDefinition(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	def := &Definition{
		Name:        "order-fulfillment",
		Version:     "1.0.0",
		Description: "reserve then ship",
		Document:    testDefinition(),
	}
	require.NoError(t, s.PutDefinition(ctx, def))

	got, err := s.GetDefinition(ctx, "order-fulfillment", "1.0.0")
	require.NoError(t, err)
	assert.Equal(t, "order-fulfillment", got.Name)
	assert.Equal(t, "reserve then ship", got.Description)
	assert.Len(t, got.Document.Steps, 2)
}

func TestPutDefinition_Immutable(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	def := &Definition{Name: "p", Version: "1.0.0", Document: testDefinition()}
	require.NoError(t, s.PutDefinition(ctx, def))

	err := s.PutDefinition(ctx, &Definition{Name: "p", Version: "1.0.0", Document: testDefinition()})
	require.Error(t, err)
	assert.True(t, schema.IsCode(err, schema.ErrCodeConflict))
}

func TestGetDefinition_LatestVersion(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	t0 := time.Now().UTC().Add(-time.Hour)

	require.NoError(t, s.PutDefinition(ctx, &Definition{
		Name: "p", Version: "1.0.0", Document: testDefinition(), CreatedAt: t0,
	}))
	require.NoError(t, s.PutDefinition(ctx, &Definition{
		Name: "p", Version: "2.0.0", Document: testDefinition(), CreatedAt: t0.Add(time.Minute),
	}))

	got, err := s.GetDefinition(ctx, "p", "")
	require.NoError(t, err)
	assert.Equal(t, "2.0.0", got.Version)

	got, err = s.GetDefinition(ctx, "p", "1.0.0")
	require.NoError(t, err)
	assert.Equal(t, "1.0.0", got.Version)
}

func TestGetDefinition_NotFound(t *testing.T) {
	s := newTestStore(t)
	_, err := s.GetDefinition(context.Background(), "nonexistent", "")
	require.Error(t, err)
	drr, ok := err.(*schema.DroverError)
	require.True(t, ok)
	assert.Equal(t, schema.ErrCodeNotFound, drr.Code)
}

// --- Execution Tests ---

func TestCreateAndGetExecution(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	exec := seedExecution(t, s)

	got, err := s.GetExecution(ctx, exec.ID)
	require.NoError(t, err)
	assert.Equal(t, exec.ID, got.ID)
	assert.Equal(t, "order-fulfillment", got.ProcessName)
	assert.Equal(t, schema.ExecutionStatusPending, got.Status)
	assert.Equal(t, int64(0), got.Revision)
	assert.Equal(t, "ord-42", got.Input["order_id"])
	assert.Len(t, got.Definition.Steps, 2)
}

func TestCreateExecution_CapacityCeiling(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	admit := func() error {
		exec := &Execution{
			ID:             uuid.New().String(),
			ProcessName:    "p",
			ProcessVersion: "1.0.0",
			Definition:     testDefinition(),
			Status:         schema.ExecutionStatusPending,
		}
		return s.CreateExecution(ctx, exec, 2)
	}

	require.NoError(t, admit())
	require.NoError(t, admit())

	err := admit()
	require.Error(t, err)
	assert.True(t, schema.IsCode(err, schema.ErrCodeCapacity))

	// A terminal execution frees its slot.
	execs, err := s.ListExecutions(ctx, ExecutionFilter{Limit: 1})
	require.NoError(t, err)
	require.Len(t, execs, 1)
	done := execs[0]
	done.Status = schema.ExecutionStatusCompleted
	require.NoError(t, s.UpdateExecution(ctx, done, done.Revision))

	require.NoError(t, admit())
}

func TestUpdateExecution_RevisionConflict(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	exec := seedExecution(t, s)

	now := time.Now().UTC()
	exec.Status = schema.ExecutionStatusRunning
	exec.StartedAt = &now
	require.NoError(t, s.UpdateExecution(ctx, exec, 0))
	assert.Equal(t, int64(1), exec.Revision)

	// A stale writer loses.
	stale := *exec
	stale.Status = schema.ExecutionStatusFailed
	err := s.UpdateExecution(ctx, &stale, 0)
	require.Error(t, err)
	assert.True(t, schema.IsCode(err, schema.ErrCodeConflict))

	got, err := s.GetExecution(ctx, exec.ID)
	require.NoError(t, err)
	assert.Equal(t, schema.ExecutionStatusRunning, got.Status)
	assert.Equal(t, int64(1), got.Revision)
	assert.NotNil(t, got.StartedAt)
}

func TestUpdateExecution_NotFound(t *testing.T) {
	s := newTestStore(t)
	err := s.UpdateExecution(context.Background(), &Execution{ID: "ghost", Status: schema.ExecutionStatusRunning}, 0)
	require.Error(t, err)
	assert.True(t, schema.IsCode(err, schema.ErrCodeNotFound))
}

func TestListExecutions_Filters(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	for i := 0; i < 3; i++ {
		seedExecution(t, s)
	}
	done := seedExecution(t, s)
	done.Status = schema.ExecutionStatusCompleted
	require.NoError(t, s.UpdateExecution(ctx, done, 0))

	list, err := s.ListExecutions(ctx, ExecutionFilter{})
	require.NoError(t, err)
	assert.Len(t, list, 4)

	list, err = s.ListExecutions(ctx, ExecutionFilter{
		Statuses: []schema.ExecutionStatus{schema.ExecutionStatusPending},
	})
	require.NoError(t, err)
	assert.Len(t, list, 3)

	list, err = s.ListExecutions(ctx, ExecutionFilter{Limit: 2})
	require.NoError(t, err)
	assert.Len(t, list, 2)

	list, err = s.ListExecutions(ctx, ExecutionFilter{ProcessName: "other"})
	require.NoError(t, err)
	assert.Len(t, list, 0)
}

func TestCountActiveExecutions(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	seedExecution(t, s)
	done := seedExecution(t, s)
	done.Status = schema.ExecutionStatusCancelled
	require.NoError(t, s.UpdateExecution(ctx, done, 0))

	count, err := s.CountActiveExecutions(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, count)
}

// --- Step Run Tests ---

func TestUpsertAndGetStepRun(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	exec := seedExecution(t, s)

	run := &StepRun{
		ExecutionID: exec.ID,
		StepID:      "reserve",
		Status:      schema.StepStatusPending,
	}
	require.NoError(t, s.UpsertStepRun(ctx, run))

	got, err := s.GetStepRun(ctx, exec.ID, "reserve")
	require.NoError(t, err)
	assert.Equal(t, schema.StepStatusPending, got.Status)
	assert.Equal(t, 0, got.Attempts)

	// Update in place.
	now := time.Now().UTC()
	resumeAt := now.Add(time.Minute)
	run.Status = schema.StepStatusRunning
	run.Attempts = 1
	run.StartedAt = &now
	run.ResumeAt = &resumeAt
	run.Output = json.RawMessage(`{"reserved":true}`)
	require.NoError(t, s.UpsertStepRun(ctx, run))

	got, err = s.GetStepRun(ctx, exec.ID, "reserve")
	require.NoError(t, err)
	assert.Equal(t, schema.StepStatusRunning, got.Status)
	assert.Equal(t, 1, got.Attempts)
	assert.NotNil(t, got.StartedAt)
	assert.NotNil(t, got.ResumeAt)
	assert.JSONEq(t, `{"reserved":true}`, string(got.Output))
}

func TestListStepRuns(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	exec := seedExecution(t, s)

	require.NoError(t, s.UpsertStepRun(ctx, &StepRun{ExecutionID: exec.ID, StepID: "reserve", Status: schema.StepStatusCompleted}))
	require.NoError(t, s.UpsertStepRun(ctx, &StepRun{
		ExecutionID: exec.ID, StepID: "ship", Status: schema.StepStatusSkipped, SkipReason: schema.SkipConditionFalse,
	}))

	runs, err := s.ListStepRuns(ctx, exec.ID)
	require.NoError(t, err)
	require.Len(t, runs, 2)
	assert.Equal(t, "reserve", runs[0].StepID)
	assert.Equal(t, schema.SkipConditionFalse, runs[1].SkipReason)
}

func TestListDueExecutionIDs(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	now := time.Now().UTC()

	timerExec := seedExecution(t, s)
	past := now.Add(-time.Minute)
	require.NoError(t, s.UpsertStepRun(ctx, &StepRun{
		ExecutionID: timerExec.ID, StepID: "wait", Status: schema.StepStatusRunning, ResumeAt: &past,
	}))

	approvalExec := seedExecution(t, s)
	require.NoError(t, s.CreateDecision(ctx, &Decision{
		ID:          uuid.New().String(),
		ExecutionID: approvalExec.ID,
		StepID:      "approve",
		Status:      schema.DecisionPending,
		TimeoutAt:   &past,
	}))

	// Not yet due.
	futureExec := seedExecution(t, s)
	future := now.Add(time.Hour)
	require.NoError(t, s.UpsertStepRun(ctx, &StepRun{
		ExecutionID: futureExec.ID, StepID: "wait", Status: schema.StepStatusRunning, ResumeAt: &future,
	}))

	ids, err := s.ListDueExecutionIDs(ctx, now, 0)
	require.NoError(t, err)
	assert.ElementsMatch(t, []string{timerExec.ID, approvalExec.ID}, ids)
}

// --- Decision Tests ---

func TestCreateAndResolveDecision(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	exec := seedExecution(t, s)

	timeoutAt := time.Now().UTC().Add(time.Hour)
	dec := &Decision{
		ID:            uuid.New().String(),
		ExecutionID:   exec.ID,
		StepID:        "approve",
		Title:         "Approve shipment",
		Status:        schema.DecisionPending,
		TimeoutAt:     &timeoutAt,
		TimeoutAction: schema.TimeoutReject,
	}
	require.NoError(t, s.CreateDecision(ctx, dec))

	pending, err := s.ListDecisions(ctx, DecisionFilter{ExecutionID: exec.ID, Status: schema.DecisionPending})
	require.NoError(t, err)
	assert.Len(t, pending, 1)

	require.NoError(t, s.ResolveDecision(ctx, dec.ID, &Resolution{
		Status:    string(schema.DecisionApproved),
		DecidedBy: "ops@example.com",
		Comment:   "looks good",
	}))

	got, err := s.GetDecision(ctx, dec.ID)
	require.NoError(t, err)
	assert.Equal(t, schema.DecisionApproved, got.Status)
	assert.Equal(t, "ops@example.com", got.DecidedBy)
	assert.NotNil(t, got.DecidedAt)

	// Resolving twice fails.
	err = s.ResolveDecision(ctx, dec.ID, &Resolution{Status: string(schema.DecisionRejected)})
	require.Error(t, err)
	assert.True(t, schema.IsCode(err, schema.ErrCodeConflict))
}

func TestListDecisions_ExpiringBefore(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	exec := seedExecution(t, s)
	now := time.Now().UTC()

	past := now.Add(-time.Minute)
	future := now.Add(time.Hour)
	require.NoError(t, s.CreateDecision(ctx, &Decision{
		ID: "expired", ExecutionID: exec.ID, StepID: "a", Status: schema.DecisionPending, TimeoutAt: &past,
	}))
	require.NoError(t, s.CreateDecision(ctx, &Decision{
		ID: "alive", ExecutionID: exec.ID, StepID: "b", Status: schema.DecisionPending, TimeoutAt: &future,
	}))

	due, err := s.ListDecisions(ctx, DecisionFilter{Status: schema.DecisionPending, ExpiringBefore: &now})
	require.NoError(t, err)
	require.Len(t, due, 1)
	assert.Equal(t, "expired", due[0].ID)
}

// --- Schedule Tests ---

func TestScheduleLifecycle(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	next := time.Now().UTC().Add(time.Hour)
	sched := &Schedule{
		ID:             uuid.New().String(),
		ProcessName:    "order-fulfillment",
		CronExpression: "0 9 * * *",
		Timezone:       "Europe/Madrid",
		Input:          map[string]any{"source": "cron"},
		Enabled:        true,
		NextFireAt:     &next,
	}
	require.NoError(t, s.CreateSchedule(ctx, sched))

	got, err := s.GetSchedule(ctx, sched.ID)
	require.NoError(t, err)
	assert.Equal(t, "0 9 * * *", got.CronExpression)
	assert.Equal(t, "Europe/Madrid", got.Timezone)
	assert.True(t, got.Enabled)
	assert.NotNil(t, got.NextFireAt)

	disabled := false
	execID := "exec-1"
	fired := time.Now().UTC()
	require.NoError(t, s.UpdateSchedule(ctx, sched.ID, ScheduleUpdate{
		Enabled:         &disabled,
		LastFireAt:      &fired,
		LastExecutionID: &execID,
	}))

	got, err = s.GetSchedule(ctx, sched.ID)
	require.NoError(t, err)
	assert.False(t, got.Enabled)
	assert.Equal(t, "exec-1", got.LastExecutionID)
	assert.NotNil(t, got.LastFireAt)

	require.NoError(t, s.DeleteSchedule(ctx, sched.ID))
	_, err = s.GetSchedule(ctx, sched.ID)
	require.Error(t, err)
}

func TestListSchedules_Due(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	now := time.Now().UTC()

	past := now.Add(-time.Minute)
	future := now.Add(time.Hour)
	require.NoError(t, s.CreateSchedule(ctx, &Schedule{
		ID: "due", ProcessName: "p", CronExpression: "* * * * *", Enabled: true, NextFireAt: &past,
	}))
	require.NoError(t, s.CreateSchedule(ctx, &Schedule{
		ID: "later", ProcessName: "p", CronExpression: "* * * * *", Enabled: true, NextFireAt: &future,
	}))

	enabled := true
	due, err := s.ListSchedules(ctx, ScheduleFilter{Enabled: &enabled, DueBefore: &now})
	require.NoError(t, err)
	require.Len(t, due, 1)
	assert.Equal(t, "due", due[0].ID)
}

// --- Worker Tests ---

func TestRegisterWorker_UpsertByName(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	w := &Worker{ID: uuid.New().String(), Name: "inventory", Endpoint: "http://inventory:8080"}
	require.NoError(t, s.RegisterWorker(ctx, w))

	// Re-registering the same name updates the endpoint.
	w2 := &Worker{ID: uuid.New().String(), Name: "inventory", Endpoint: "http://inventory:9090"}
	require.NoError(t, s.RegisterWorker(ctx, w2))

	got, err := s.GetWorkerByName(ctx, "inventory")
	require.NoError(t, err)
	assert.Equal(t, w.ID, got.ID)
	assert.Equal(t, "http://inventory:9090", got.Endpoint)
	assert.NotNil(t, got.LastSeenAt)

	list, err := s.ListWorkers(ctx)
	require.NoError(t, err)
	assert.Len(t, list, 1)
}

// --- History Tests ---

func TestAppendAndListEvents(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	exec := seedExecution(t, s)

	for _, typ := range []string{schema.EventExecutionStarted, schema.EventStepReady, schema.EventStepStarted} {
		e := &ExecutionEvent{
			ExecutionID: exec.ID,
			StepID:      "reserve",
			Type:        typ,
			Payload:     json.RawMessage(`{"k":"v"}`),
		}
		require.NoError(t, s.AppendEvent(ctx, e))
	}

	events, err := s.ListEvents(ctx, exec.ID, 0)
	require.NoError(t, err)
	require.Len(t, events, 3)
	assert.Equal(t, int64(1), events[0].Sequence)
	assert.Equal(t, int64(3), events[2].Sequence)

	events, err = s.ListEvents(ctx, exec.ID, 2)
	require.NoError(t, err)
	require.Len(t, events, 1)
	assert.Equal(t, schema.EventStepStarted, events[0].Type)
}

func TestAppendEvent_SequencePerExecution(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	a := seedExecution(t, s)
	b := seedExecution(t, s)

	e1 := &ExecutionEvent{ExecutionID: a.ID, Type: schema.EventExecutionStarted}
	require.NoError(t, s.AppendEvent(ctx, e1))
	e2 := &ExecutionEvent{ExecutionID: b.ID, Type: schema.EventExecutionStarted}
	require.NoError(t, s.AppendEvent(ctx, e2))

	assert.Equal(t, int64(1), e1.Sequence)
	assert.Equal(t, int64(1), e2.Sequence)
}

// --- Migration Tests ---

func TestMigrateIdempotent(t *testing.T) {
	s := newTestStore(t)
	// Migrate was already called in newTestStore; calling again should be a no-op.
	require.NoError(t, s.Migrate(context.Background()))
}

func TestVacuum(t *testing.T) {
	s := newTestStore(t)
	require.NoError(t, s.Vacuum(context.Background()))
}
