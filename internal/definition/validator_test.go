package definition

import (
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/droverhq/drover/internal/expressions"
	"github.com/droverhq/drover/pkg/schema"
)

func TestEvaluatorImplementsExpressionChecker(t *testing.T) {
	var _ ExpressionChecker = (*expressions.Evaluator)(nil)
}

func newPipeline(t *testing.T) *Validator {
	t.Helper()
	ev, err := expressions.NewEvaluator()
	require.NoError(t, err)
	v, err := NewValidator(ev)
	require.NoError(t, err)
	return v
}

// --- Full pipeline ---

func TestValidator_FullDocument(t *testing.T) {
	v := newPipeline(t)

	def, result := v.ParseAndValidate([]byte(orderProcessYAML))
	require.NotNil(t, def)
	assert.True(t, result.Valid(), "unexpected errors: %+v", result.Errors)
	assert.Empty(t, result.Warnings, "unexpected warnings: %+v", result.Warnings)
}

func TestValidator_NilDefinition(t *testing.T) {
	v := newPipeline(t)

	result := v.Validate(nil)
	require.Len(t, result.Errors, 1)
	assert.Contains(t, result.Errors[0].Message, "nil")
}

func TestValidator_ParseFailure(t *testing.T) {
	v := newPipeline(t)

	def, result := v.ParseAndValidate([]byte("{broken"))
	assert.Nil(t, def)
	require.False(t, result.Valid())
	assert.Equal(t, "/", result.Errors[0].Path)
}

// --- Stage short-circuits ---

func TestValidator_StructuralFailShortCircuits(t *testing.T) {
	v := newPipeline(t)

	// No steps at all. Semantic and graph never run, so no per-step issues.
	def := &schema.ProcessDefinition{Name: "empty", Version: "1"}
	result := v.Validate(def)
	require.False(t, result.Valid())
	for _, e := range result.Errors {
		assert.NotContains(t, e.Path, "steps[", "semantic stage should be skipped")
	}
}

func TestValidator_SemanticErrorsSkipGraph(t *testing.T) {
	v := newPipeline(t)

	// Dangling reference plus a cycle. Only the dangling ref reports; the
	// graph stage is skipped while references are unresolvable.
	def := &schema.ProcessDefinition{
		Name: "broken", Version: "1",
		Steps: []schema.StepDefinition{
			agentStep("a", "b", "ghost"),
			agentStep("b", "a"),
		},
	}
	result := v.Validate(def)
	require.False(t, result.Valid())
	for _, e := range result.Errors {
		assert.NotEqual(t, schema.ErrCodeCycleDetected, e.Code,
			"graph stage should be skipped when semantic has errors")
	}
}

func TestValidator_CycleDetected(t *testing.T) {
	v := newPipeline(t)

	def := &schema.ProcessDefinition{
		Name: "cyclic", Version: "1",
		Steps: []schema.StepDefinition{
			agentStep("a", "b"),
			agentStep("b", "a"),
		},
	}
	result := v.Validate(def)
	require.False(t, result.Valid())

	hasCycle := false
	for _, e := range result.Errors {
		if e.Code == schema.ErrCodeCycleDetected {
			hasCycle = true
		}
	}
	assert.True(t, hasCycle, "should detect cycle")
}

// --- Real expression engines ---

func TestValidator_BadConditionRejected(t *testing.T) {
	v := newPipeline(t)

	def := shipProcess()
	def.Steps[1].Condition = `input.priority ==`
	result := v.Validate(def)
	require.False(t, result.Valid())
	assert.Equal(t, "steps[1].condition", result.Errors[0].Path)
	assert.Equal(t, schema.ErrCodeValidation, result.Errors[0].Code)
}

func TestValidator_BadGatewayExpressionRejected(t *testing.T) {
	v := newPipeline(t)

	def := gatewayProcess()
	def.Steps[1].Conditions[0].Expression = `input.priority = "high"`
	result := v.Validate(def)
	require.False(t, result.Valid())
	assert.Equal(t, "steps[1].conditions[0].expression", result.Errors[0].Path)
}

func TestValidator_BadOutputRejected(t *testing.T) {
	v := newPipeline(t)

	def := shipProcess()
	def.Outputs = []schema.OutputMapping{{Name: "n", Value: "jq: .["}}
	result := v.Validate(def)
	require.False(t, result.Valid())
	assert.Equal(t, "outputs[0].value", result.Errors[0].Path)
}

// --- ValidateDefinition ---

func TestValidator_ValidateDefinition(t *testing.T) {
	v := newPipeline(t)

	assert.NoError(t, v.ValidateDefinition(shipProcess()))

	def := shipProcess()
	def.Steps[1].DependsOn = []string{"ghost"}
	err := v.ValidateDefinition(def)
	require.Error(t, err)

	var de *schema.DroverError
	require.ErrorAs(t, err, &de)
	assert.Equal(t, schema.ErrCodeValidation, de.Code)
	assert.Equal(t, 1, de.Details["error_count"])
}

// --- Concurrency ---

func TestValidator_Concurrent(t *testing.T) {
	v := newPipeline(t)
	def := gatewayProcess()

	var wg sync.WaitGroup
	for i := 0; i < 50; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			result := v.Validate(def)
			assert.True(t, result.Valid())
		}()
	}
	wg.Wait()
}
