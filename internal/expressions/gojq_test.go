package expressions

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/droverhq/drover/pkg/schema"
)

func TestGoJQ_Reshape(t *testing.T) {
	e := NewGoJQEngine()
	data := map[string]any{
		"steps": map[string]any{
			"fetch": map[string]any{
				"output": map[string]any{
					"items": []any{
						map[string]any{"sku": "A", "qty": 2},
						map[string]any{"sku": "B", "qty": 5},
					},
				},
			},
		},
	}

	out, err := e.Evaluate(context.Background(), `[.steps.fetch.output.items[].sku]`, data)
	require.NoError(t, err)
	assert.Equal(t, []any{"A", "B"}, out)
}

func TestGoJQ_Aggregate(t *testing.T) {
	e := NewGoJQEngine()
	data := map[string]any{
		"input": map[string]any{"values": []any{1, 2, 3}},
	}

	out, err := e.Evaluate(context.Background(), `.input.values | add`, data)
	require.NoError(t, err)
	assert.Equal(t, float64(6), out)
}

func TestGoJQ_MultipleOutputs(t *testing.T) {
	e := NewGoJQEngine()
	data := map[string]any{"input": map[string]any{"xs": []any{"a", "b"}}}

	out, err := e.Evaluate(context.Background(), `.input.xs[]`, data)
	require.NoError(t, err)
	assert.Equal(t, []any{"a", "b"}, out)
}

func TestGoJQ_ParseError(t *testing.T) {
	e := NewGoJQEngine()

	_, err := e.Evaluate(context.Background(), `.[unclosed`, nil)
	require.Error(t, err)
	assert.True(t, schema.IsCode(err, schema.ErrCodeValidation))
}

func TestGoJQ_EnvBlocked(t *testing.T) {
	e := NewGoJQEngine()

	out, err := e.Evaluate(context.Background(), `env.HOME`, map[string]any{})
	require.NoError(t, err)
	assert.Nil(t, out)
}

func TestGoJQ_EmptyExpression(t *testing.T) {
	e := NewGoJQEngine()
	_, err := e.Evaluate(context.Background(), "", nil)
	require.Error(t, err)
}
