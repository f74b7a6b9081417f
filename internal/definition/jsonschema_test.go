package definition

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/droverhq/drover/pkg/schema"
)

func newStructural(t *testing.T) *structuralValidator {
	t.Helper()
	sv, err := newStructuralValidator()
	require.NoError(t, err)
	return sv
}

func hasErrorAt(result *schema.ValidationResult, path string) bool {
	for _, e := range result.Errors {
		if e.Path == path {
			return true
		}
	}
	return false
}

func TestStructural_Valid(t *testing.T) {
	sv := newStructural(t)
	result := sv.validate(shipProcess())
	assert.True(t, result.Valid(), "unexpected errors: %+v", result.Errors)
}

func TestStructural_NamePattern(t *testing.T) {
	sv := newStructural(t)

	for _, name := range []string{"", "Orders", "order_fulfillment", "1order"} {
		def := shipProcess()
		def.Name = name
		result := sv.validate(def)
		require.False(t, result.Valid(), "name %q should be rejected", name)
		assert.True(t, hasErrorAt(result, "/name"))
	}
}

func TestStructural_VersionRequired(t *testing.T) {
	sv := newStructural(t)
	def := shipProcess()
	def.Version = ""

	result := sv.validate(def)
	require.False(t, result.Valid())
	assert.True(t, hasErrorAt(result, "/version"))
}

func TestStructural_StepsRequired(t *testing.T) {
	sv := newStructural(t)

	def := shipProcess()
	def.Steps = nil
	result := sv.validate(def)
	require.False(t, result.Valid())
	assert.True(t, hasErrorAt(result, "/steps"))

	def = shipProcess()
	def.Steps = []schema.StepDefinition{}
	result = sv.validate(def)
	require.False(t, result.Valid())
	assert.True(t, hasErrorAt(result, "/steps"))
}

func TestStructural_StepIDPattern(t *testing.T) {
	sv := newStructural(t)

	for _, id := range []string{"", "Reserve", "reserve_stock", "steps.x", "-lead"} {
		def := shipProcess()
		def.Steps[0].ID = id
		result := sv.validate(def)
		require.False(t, result.Valid(), "id %q should be rejected", id)
		assert.True(t, hasErrorAt(result, "/steps/0/id"))
	}
}

func TestStructural_StepTypeEnum(t *testing.T) {
	sv := newStructural(t)

	def := shipProcess()
	def.Steps[0].Type = "fetch"
	result := sv.validate(def)
	require.False(t, result.Valid())
	assert.True(t, hasErrorAt(result, "/steps/0/type"))

	def = shipProcess()
	def.Steps[0].Type = ""
	result = sv.validate(def)
	require.False(t, result.Valid())
	assert.True(t, hasErrorAt(result, "/steps/0/type"))
}

func TestStructural_TimeoutActionEnum(t *testing.T) {
	sv := newStructural(t)
	def := shipProcess()
	def.Steps[0].TimeoutAction = "ignore"

	result := sv.validate(def)
	require.False(t, result.Valid())
	assert.True(t, hasErrorAt(result, "/steps/0/timeout_action"))
}

func TestStructural_DependencyPolicyEnum(t *testing.T) {
	sv := newStructural(t)
	def := shipProcess()
	def.Steps[1].OnDependencyFailure = "retry"

	result := sv.validate(def)
	require.False(t, result.Valid())
	assert.True(t, hasErrorAt(result, "/steps/1/on_dependency_failure"))
}

func TestStructural_RetryMinAttempts(t *testing.T) {
	sv := newStructural(t)
	def := shipProcess()
	def.Steps[0].Retry = &schema.RetryPolicy{MaxAttempts: 0}

	result := sv.validate(def)
	require.False(t, result.Valid())
	assert.True(t, hasErrorAt(result, "/steps/0/retry/max_attempts"))
}

func TestStructural_BackoffEnum(t *testing.T) {
	sv := newStructural(t)
	def := shipProcess()
	def.Steps[0].Retry = &schema.RetryPolicy{MaxAttempts: 2, Backoff: "fibonacci"}

	result := sv.validate(def)
	require.False(t, result.Valid())
	assert.True(t, hasErrorAt(result, "/steps/0/retry/backoff"))
}

func TestStructural_TriggerTypeEnum(t *testing.T) {
	sv := newStructural(t)
	def := shipProcess()
	def.Triggers = []schema.TriggerDefinition{{Type: "webhook"}}

	result := sv.validate(def)
	require.False(t, result.Valid())
	assert.True(t, hasErrorAt(result, "/triggers/0/type"))
}

func TestStructural_GatewayArmNextRequired(t *testing.T) {
	sv := newStructural(t)
	def := shipProcess()
	def.Steps[0].Conditions = []schema.GatewayCondition{{Expression: "true"}}

	result := sv.validate(def)
	require.False(t, result.Valid())
	assert.True(t, hasErrorAt(result, "/steps/0/conditions/0/next"))
}

func TestStructural_OutputNameRequired(t *testing.T) {
	sv := newStructural(t)
	def := shipProcess()
	def.Outputs = []schema.OutputMapping{{Name: "", Value: "{{input.x}}"}}

	result := sv.validate(def)
	require.False(t, result.Valid())
	assert.True(t, hasErrorAt(result, "/outputs/0/name"))
}

func TestStructural_MultipleViolationsCollected(t *testing.T) {
	sv := newStructural(t)
	def := shipProcess()
	def.Name = "Bad Name"
	def.Steps[0].Type = "nope"

	result := sv.validate(def)
	require.False(t, result.Valid())
	assert.GreaterOrEqual(t, len(result.Errors), 2)
}
