package expressions

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/droverhq/drover/pkg/schema"
)

func testScope(input map[string]any, steps map[string]any) *Scope {
	return &Scope{
		Input:     input,
		Steps:     steps,
		Execution: map[string]any{"id": "exec-1", "process": "order-fulfillment", "version": "1.0.0"},
	}
}

func stepView(status string, output any) map[string]any {
	view := map[string]any{"status": status}
	if output != nil {
		view["output"] = output
	}
	return view
}

func TestRenderString_NoTemplate(t *testing.T) {
	out, err := RenderString("plain message", testScope(nil, nil))
	require.NoError(t, err)
	assert.Equal(t, "plain message", out)
}

func TestRenderString_InputReference(t *testing.T) {
	scope := testScope(map[string]any{"order_id": "ord-42", "total": float64(99.5)}, nil)

	out, err := RenderString("handle order {{input.order_id}} totalling {{input.total}}", scope)
	require.NoError(t, err)
	assert.Equal(t, "handle order ord-42 totalling 99.5", out)
}

func TestRenderString_StepOutput(t *testing.T) {
	scope := testScope(nil, map[string]any{
		"reserve": stepView("completed", map[string]any{"warehouse": "north", "sku": "A-1"}),
	})

	out, err := RenderString("ship from {{steps.reserve.output.warehouse}}", scope)
	require.NoError(t, err)
	assert.Equal(t, "ship from north", out)
}

func TestRenderString_StepStatus(t *testing.T) {
	scope := testScope(nil, map[string]any{
		"reserve": stepView("skipped", nil),
	})

	out, err := RenderString("reserve is {{steps.reserve.status}}", scope)
	require.NoError(t, err)
	assert.Equal(t, "reserve is skipped", out)
}

func TestRenderString_ExecutionMetadata(t *testing.T) {
	out, err := RenderString("run {{execution.id}} of {{execution.process}}", testScope(nil, nil))
	require.NoError(t, err)
	assert.Equal(t, "run exec-1 of order-fulfillment", out)
}

func TestRenderString_WholeOutputInline(t *testing.T) {
	scope := testScope(nil, map[string]any{
		"fetch": stepView("completed", map[string]any{"items": []any{"a", "b"}}),
	})

	out, err := RenderString("payload: {{steps.fetch.output}}", scope)
	require.NoError(t, err)
	assert.Contains(t, out, `"items"`)
	assert.Contains(t, out, `["a","b"]`)
}

func TestRenderString_UnknownNamespace(t *testing.T) {
	_, err := RenderString("{{secrets.key}}", testScope(nil, nil))
	require.Error(t, err)
	assert.True(t, schema.IsCode(err, schema.ErrCodeExpression))
	assert.Contains(t, err.Error(), "unknown namespace")
}

func TestRenderString_MissingStep(t *testing.T) {
	scope := testScope(nil, map[string]any{"reserve": stepView("completed", nil)})

	_, err := RenderString("{{steps.ship.output}}", scope)
	require.Error(t, err)
	assert.Contains(t, err.Error(), `step "ship" not found`)
	assert.Contains(t, err.Error(), "reserve")
}

func TestRenderString_OutputNotYetAvailable(t *testing.T) {
	scope := testScope(nil, map[string]any{"reserve": stepView("running", nil)})

	_, err := RenderString("{{steps.reserve.output}}", scope)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "no output yet")
}

func TestRenderString_MissingField(t *testing.T) {
	scope := testScope(map[string]any{"a": 1}, nil)

	_, err := RenderString("{{input.b}}", scope)
	require.Error(t, err)
	assert.Contains(t, err.Error(), `field "b" not found`)
}

func TestRenderString_Unclosed(t *testing.T) {
	_, err := RenderString("broken {{input.x", testScope(nil, nil))
	require.Error(t, err)
	assert.Contains(t, err.Error(), "unclosed")
}

func TestRenderString_Nested(t *testing.T) {
	_, err := RenderString("{{input.{{input.x}}}}", testScope(map[string]any{"x": "y"}, nil))
	require.Error(t, err)
	assert.Contains(t, err.Error(), "nested")
}

func TestRenderString_Empty(t *testing.T) {
	_, err := RenderString("{{  }}", testScope(nil, nil))
	require.Error(t, err)
	assert.Contains(t, err.Error(), "empty reference")
}

func TestRenderValue_WholeReferenceKeepsType(t *testing.T) {
	scope := testScope(map[string]any{"count": float64(3), "tags": []any{"x", "y"}}, nil)

	out, err := RenderValue("{{input.count}}", scope)
	require.NoError(t, err)
	assert.Equal(t, float64(3), out)

	out, err = RenderValue("{{input.tags}}", scope)
	require.NoError(t, err)
	assert.Equal(t, []any{"x", "y"}, out)
}

func TestRenderValue_WalksDocuments(t *testing.T) {
	scope := testScope(map[string]any{"region": "eu"}, map[string]any{
		"reserve": stepView("completed", map[string]any{"sku": "A-1"}),
	})

	doc := map[string]any{
		"region": "{{input.region}}",
		"note":   "sku is {{steps.reserve.output.sku}}",
		"list":   []any{"{{input.region}}", float64(1)},
		"fixed":  true,
	}
	out, err := RenderValue(doc, scope)
	require.NoError(t, err)

	rendered := out.(map[string]any)
	assert.Equal(t, "eu", rendered["region"])
	assert.Equal(t, "sku is A-1", rendered["note"])
	assert.Equal(t, []any{"eu", float64(1)}, rendered["list"])
	assert.Equal(t, true, rendered["fixed"])
}

func TestResolvePath_StatusHasNoFields(t *testing.T) {
	scope := testScope(nil, map[string]any{"a": stepView("completed", nil)})

	_, err := ResolvePath("steps.a.status.x", scope)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "status has no fields")
}

func TestHasTemplate(t *testing.T) {
	assert.True(t, HasTemplate("{{input.x}}"))
	assert.True(t, HasTemplate("prefix {{steps.a.output}}"))
	assert.False(t, HasTemplate("no references here"))
	assert.False(t, HasTemplate("single } brace {"))
}

func TestTemplateRefs(t *testing.T) {
	refs, err := TemplateRefs("order {{input.order_id}} via {{steps.route.output.carrier}}")
	require.NoError(t, err)
	assert.Equal(t, []string{"input.order_id", "steps.route.output.carrier"}, refs)
}

func TestTemplateRefs_None(t *testing.T) {
	refs, err := TemplateRefs("plain text")
	require.NoError(t, err)
	assert.Empty(t, refs)
}

func TestTemplateRefs_Unclosed(t *testing.T) {
	_, err := TemplateRefs("{{input.x")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "unclosed")
}

func TestCheckTemplate(t *testing.T) {
	valid := []string{
		"no references",
		"{{input.order_id}}",
		"{{steps.reserve.output}}",
		"{{steps.reserve.output.warehouse.zone}}",
		"{{steps.reserve.status}}",
		"{{execution.id}}",
	}
	for _, tpl := range valid {
		assert.NoError(t, CheckTemplate(tpl), tpl)
	}
}

func TestCheckTemplate_Invalid(t *testing.T) {
	tests := []struct {
		tpl  string
		want string
	}{
		{"{{input.x", "unclosed"},
		{"{{ }}", "empty reference"},
		{"{{secrets.key}}", "unknown namespace"},
		{"{{input}}", "expected input.<path>"},
		{"{{steps.reserve}}", "expected steps.<id>.output"},
		{"{{steps.reserve.result}}", "only 'output' and 'status'"},
		{"{{steps.reserve.status.x}}", "status has no fields"},
	}
	for _, tt := range tests {
		err := CheckTemplate(tt.tpl)
		require.Error(t, err, tt.tpl)
		assert.Contains(t, err.Error(), tt.want)
	}
}
