package definition

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/droverhq/drover/pkg/schema"
)

const orderProcessYAML = `
name: order-fulfillment
version: 1.0.0
description: Reserve, approve and ship an order.
triggers:
  - type: schedule
    cron: "0 8 * * *"
    timezone: UTC
    input:
      source: nightly
  - type: manual
steps:
  - id: reserve
    type: agent_task
    agent: inventory
    message: "reserve stock for order {{input.order_id}}"
    timeout: 30s
    retry:
      max_attempts: 3
      delay: 2s
      backoff: exponential
  - id: approve
    type: human_approval
    depends_on: [reserve]
    title: Approve shipment
    timeout: 1d
    timeout_action: skip
  - id: route
    type: gateway
    depends_on: [approve]
    conditions:
      - expression: 'input.priority == "high"'
        next: express
      - default: true
        next: standard
  - id: express
    type: agent_task
    depends_on: [route]
    agent: logistics
    message: "express ship {{steps.reserve.output.reservation_id}}"
  - id: standard
    type: agent_task
    depends_on: [route]
    agent: logistics
    message: "standard ship {{steps.reserve.output.reservation_id}}"
  - id: settle
    type: timer
    depends_on: [express, standard]
    duration: 1h30m
outputs:
  - name: reservation
    value: "{{steps.reserve.output.reservation_id}}"
  - name: lane
    value: "{{steps.route.output.selected}}"
`

func TestParse_YAML(t *testing.T) {
	def, err := Parse([]byte(orderProcessYAML))
	require.NoError(t, err)

	assert.Equal(t, "order-fulfillment", def.Name)
	assert.Equal(t, "1.0.0", def.Version)
	require.Len(t, def.Steps, 6)
	require.Len(t, def.Triggers, 2)
	require.Len(t, def.Outputs, 2)

	reserve := def.Step("reserve")
	require.NotNil(t, reserve)
	assert.Equal(t, schema.StepTypeAgentTask, reserve.Type)
	assert.Equal(t, 30*time.Second, reserve.Timeout.Std())
	require.NotNil(t, reserve.Retry)
	assert.Equal(t, 3, reserve.Retry.MaxAttempts)
	assert.Equal(t, 2*time.Second, reserve.Retry.Delay.Std())
	assert.Equal(t, schema.BackoffExponential, reserve.Retry.Backoff)

	approve := def.Step("approve")
	require.NotNil(t, approve)
	assert.Equal(t, 24*time.Hour, approve.Timeout.Std())
	assert.Equal(t, schema.TimeoutSkip, approve.TimeoutAction)

	route := def.Step("route")
	require.NotNil(t, route)
	require.Len(t, route.Conditions, 2)
	assert.Equal(t, "express", route.Conditions[0].Next)
	assert.True(t, route.Conditions[1].Default)

	settle := def.Step("settle")
	require.NotNil(t, settle)
	assert.Equal(t, 90*time.Minute, settle.Duration.Std())

	assert.Equal(t, schema.TriggerSchedule, def.Triggers[0].Type)
	assert.Equal(t, "0 8 * * *", def.Triggers[0].Cron)
	assert.Equal(t, map[string]any{"source": "nightly"}, def.Triggers[0].Input)
}

func TestParse_JSON(t *testing.T) {
	doc := `{
		"name": "ping",
		"version": "1",
		"steps": [
			{"id": "ping", "type": "agent_task", "agent": "echo", "message": "ping"}
		]
	}`

	def, err := Parse([]byte(doc))
	require.NoError(t, err)
	assert.Equal(t, "ping", def.Name)
	require.Len(t, def.Steps, 1)
	assert.Equal(t, "echo", def.Steps[0].Agent)
}

func TestParse_UnknownField(t *testing.T) {
	doc := `
name: typo
version: "1"
steps:
  - id: a
    type: timer
    durration: 5s
`
	_, err := Parse([]byte(doc))
	require.Error(t, err)
	assert.True(t, schema.IsCode(err, schema.ErrCodeValidation))
	assert.Contains(t, err.Error(), "durration")
}

func TestParse_Empty(t *testing.T) {
	for _, doc := range []string{"", "   ", "\n\n"} {
		_, err := Parse([]byte(doc))
		require.Error(t, err)
		assert.Contains(t, err.Error(), "empty definition document")
	}
}

func TestParse_BadDuration(t *testing.T) {
	doc := `
name: bad
version: "1"
steps:
  - id: wait
    type: timer
    duration: five minutes
`
	_, err := Parse([]byte(doc))
	require.Error(t, err)
	assert.True(t, schema.IsCode(err, schema.ErrCodeValidation))
}

func TestParse_NotYAML(t *testing.T) {
	_, err := Parse([]byte("{not valid"))
	require.Error(t, err)
	assert.True(t, schema.IsCode(err, schema.ErrCodeValidation))
}
