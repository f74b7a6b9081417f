package engine

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/droverhq/drover/pkg/schema"
)

func agentStep(id string, deps ...string) schema.StepDefinition {
	return schema.StepDefinition{
		ID:        id,
		Type:      schema.StepTypeAgentTask,
		Agent:     "worker",
		Message:   "run " + id,
		DependsOn: deps,
	}
}

func TestBuildGraph_DiamondOrder(t *testing.T) {
	def := schema.ProcessDefinition{
		Name:    "diamond",
		Version: "1.0.0",
		Steps: []schema.StepDefinition{
			agentStep("publish", "score", "tag"),
			agentStep("tag", "fetch"),
			agentStep("fetch"),
			agentStep("score", "fetch"),
		},
	}

	g, err := BuildGraph(&def)
	require.NoError(t, err)

	// Ties break by step ID, so the order is stable across passes.
	assert.Equal(t, []string{"fetch", "score", "tag", "publish"}, g.Order)
	assert.Equal(t, []string{"score", "tag"}, g.Dependents["fetch"])
	assert.Equal(t, []string{"score", "tag"}, g.Deps["publish"])
	assert.Empty(t, g.Deps["fetch"])
}

func TestBuildGraph_RejectsCycle(t *testing.T) {
	def := schema.ProcessDefinition{
		Name:    "loop",
		Version: "1.0.0",
		Steps: []schema.StepDefinition{
			agentStep("a", "c"),
			agentStep("b", "a"),
			agentStep("c", "b"),
		},
	}

	_, err := BuildGraph(&def)
	require.Error(t, err)
	assert.Equal(t, schema.ErrCodeCycleDetected, schema.CodeOf(err))
}

func TestBuildGraph_RejectsSelfDependency(t *testing.T) {
	def := schema.ProcessDefinition{
		Name:    "selfie",
		Version: "1.0.0",
		Steps:   []schema.StepDefinition{agentStep("a", "a")},
	}

	_, err := BuildGraph(&def)
	require.Error(t, err)
	assert.Equal(t, schema.ErrCodeCycleDetected, schema.CodeOf(err))
}

func TestBuildGraph_RejectsUnknownDependency(t *testing.T) {
	def := schema.ProcessDefinition{
		Name:    "dangling",
		Version: "1.0.0",
		Steps:   []schema.StepDefinition{agentStep("a", "ghost")},
	}

	_, err := BuildGraph(&def)
	require.Error(t, err)
	assert.Equal(t, schema.ErrCodeValidation, schema.CodeOf(err))
	assert.Contains(t, err.Error(), "ghost")
}

func TestBuildGraph_RejectsDuplicateStepID(t *testing.T) {
	def := schema.ProcessDefinition{
		Name:    "dupes",
		Version: "1.0.0",
		Steps:   []schema.StepDefinition{agentStep("a"), agentStep("a")},
	}

	_, err := BuildGraph(&def)
	require.Error(t, err)
	assert.Equal(t, schema.ErrCodeValidation, schema.CodeOf(err))
}

func TestBuildGraph_RejectsEmptyDefinition(t *testing.T) {
	_, err := BuildGraph(nil)
	assert.Equal(t, schema.ErrCodeValidation, schema.CodeOf(err))

	_, err = BuildGraph(&schema.ProcessDefinition{Name: "empty", Version: "1.0.0"})
	assert.Equal(t, schema.ErrCodeValidation, schema.CodeOf(err))
}

func TestGraph_TransitiveDependents(t *testing.T) {
	def := schema.ProcessDefinition{
		Name:    "tree",
		Version: "1.0.0",
		Steps: []schema.StepDefinition{
			agentStep("root"),
			agentStep("left", "root"),
			agentStep("right", "root"),
			agentStep("leaf", "left"),
			agentStep("lone"),
		},
	}

	g, err := BuildGraph(&def)
	require.NoError(t, err)

	assert.Equal(t, []string{"leaf", "left", "right"}, g.TransitiveDependents("root"))
	assert.Equal(t, []string{"leaf"}, g.TransitiveDependents("left"))
	assert.Empty(t, g.TransitiveDependents("leaf"))
	assert.Empty(t, g.TransitiveDependents("lone"))
}
