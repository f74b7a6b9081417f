package expressions

import (
	"encoding/json"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/droverhq/drover/pkg/schema"
)

func TestScopeBuilder_Build(t *testing.T) {
	sb := NewScopeBuilder(
		map[string]any{"order_id": "ord-42"},
		map[string]any{"id": "exec-1"},
	)
	require.NoError(t, sb.AddStepResult("reserve", schema.StepStatusCompleted, json.RawMessage(`{"warehouse":"north"}`)))
	require.NoError(t, sb.AddStepResult("ship", schema.StepStatusPending, nil))

	scope := sb.Build()
	assert.Equal(t, "ord-42", scope.Input["order_id"])
	assert.Equal(t, "exec-1", scope.Execution["id"])

	reserve := scope.Steps["reserve"].(map[string]any)
	assert.Equal(t, "completed", reserve["status"])
	assert.Equal(t, "north", reserve["output"].(map[string]any)["warehouse"])

	ship := scope.Steps["ship"].(map[string]any)
	assert.Equal(t, "pending", ship["status"])
	_, hasOutput := ship["output"]
	assert.False(t, hasOutput)
}

func TestScopeBuilder_StatusUpdates(t *testing.T) {
	sb := NewScopeBuilder(nil, nil)
	require.NoError(t, sb.AddStepResult("a", schema.StepStatusRunning, nil))
	require.NoError(t, sb.AddStepResult("a", schema.StepStatusCompleted, json.RawMessage(`{"ok":true}`)))

	scope := sb.Build()
	view := scope.Steps["a"].(map[string]any)
	assert.Equal(t, "completed", view["status"])
	assert.Equal(t, true, view["output"].(map[string]any)["ok"])
}

func TestScopeBuilder_OutputImmutable(t *testing.T) {
	sb := NewScopeBuilder(nil, nil)
	require.NoError(t, sb.AddStepResult("a", schema.StepStatusCompleted, json.RawMessage(`{"v":1}`)))

	err := sb.AddStepResult("a", schema.StepStatusCompleted, json.RawMessage(`{"v":2}`))
	require.Error(t, err)
	assert.Contains(t, err.Error(), "immutable")

	scope := sb.Build()
	view := scope.Steps["a"].(map[string]any)
	assert.Equal(t, float64(1), view["output"].(map[string]any)["v"])
}

func TestScopeBuilder_InvalidOutput(t *testing.T) {
	sb := NewScopeBuilder(nil, nil)
	err := sb.AddStepResult("a", schema.StepStatusCompleted, json.RawMessage(`{not json`))
	require.Error(t, err)
	assert.True(t, schema.IsCode(err, schema.ErrCodeExpression))
}

func TestScopeBuilder_InputFrozen(t *testing.T) {
	input := map[string]any{"k": "original"}
	sb := NewScopeBuilder(input, nil)

	// Mutating the source map after init must not affect the scope.
	input["k"] = "mutated"

	scope := sb.Build()
	assert.Equal(t, "original", scope.Input["k"])
}

func TestScopeBuilder_SnapshotIsolation(t *testing.T) {
	sb := NewScopeBuilder(nil, nil)
	require.NoError(t, sb.AddStepResult("a", schema.StepStatusCompleted, json.RawMessage(`{"nested":{"v":1}}`)))

	scope := sb.Build()
	view := scope.Steps["a"].(map[string]any)
	view["output"].(map[string]any)["nested"].(map[string]any)["v"] = float64(99)

	// A fresh snapshot still sees the frozen value.
	fresh := sb.Build()
	freshView := fresh.Steps["a"].(map[string]any)
	assert.Equal(t, float64(1), freshView["output"].(map[string]any)["nested"].(map[string]any)["v"])
}

func TestScope_Data(t *testing.T) {
	scope := &Scope{Input: map[string]any{"x": 1}}
	data := scope.Data()

	assert.Equal(t, map[string]any{"x": 1}, data["input"])
	assert.Equal(t, map[string]any{}, data["steps"])
	assert.Equal(t, map[string]any{}, data["execution"])
}
