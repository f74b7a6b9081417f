package definition

import (
	"fmt"
	"sort"

	"github.com/droverhq/drover/pkg/schema"
)

// validateGraph runs cycle detection over the dependency edges and lints
// template references against the dependency closure. Reference errors are
// caught by the semantic pass; unresolvable refs are skipped here.
func validateGraph(def *schema.ProcessDefinition) *schema.ValidationResult {
	result := &schema.ValidationResult{}

	stepIDs := make(map[string]bool, len(def.Steps))
	for _, s := range def.Steps {
		stepIDs[s.ID] = true
	}

	// edges: step -> its dependencies; dependents: step -> steps waiting on it.
	edges := make(map[string][]string, len(def.Steps))
	dependents := make(map[string][]string, len(def.Steps))
	for _, s := range def.Steps {
		for _, dep := range s.DependsOn {
			if !stepIDs[dep] || dep == s.ID {
				continue
			}
			edges[s.ID] = append(edges[s.ID], dep)
			dependents[dep] = append(dependents[dep], s.ID)
		}
	}

	if !acyclic(def, edges, dependents) {
		result.AddError("steps", schema.ErrCodeCycleDetected,
			"process contains a dependency cycle")
		// A cycle makes closure analysis meaningless.
		return result
	}

	lintClosureRefs(def, edges, result)

	return result
}

// acyclic runs Kahn's algorithm over the dependency graph.
func acyclic(def *schema.ProcessDefinition, edges, dependents map[string][]string) bool {
	inDegree := make(map[string]int, len(def.Steps))
	for _, s := range def.Steps {
		inDegree[s.ID] = len(edges[s.ID])
	}

	var queue []string
	for _, s := range def.Steps {
		if inDegree[s.ID] == 0 {
			queue = append(queue, s.ID)
		}
	}
	sort.Strings(queue) // deterministic processing order

	processed := 0
	for len(queue) > 0 {
		id := queue[0]
		queue = queue[1:]
		processed++

		for _, dependent := range dependents[id] {
			inDegree[dependent]--
			if inDegree[dependent] == 0 {
				queue = append(queue, dependent)
			}
		}
	}

	return processed == len(def.Steps)
}

// lintClosureRefs warns when a message template references a step outside
// the step's transitive dependencies: nothing guarantees that step is
// terminal when the message renders, so the reference may fail at dispatch.
func lintClosureRefs(def *schema.ProcessDefinition, edges map[string][]string, result *schema.ValidationResult) {
	closures := make(map[string]map[string]bool, len(def.Steps))
	var closure func(id string) map[string]bool
	closure = func(id string) map[string]bool {
		if c, ok := closures[id]; ok {
			return c
		}
		c := make(map[string]bool)
		for _, dep := range edges[id] {
			c[dep] = true
			for ancestor := range closure(dep) {
				c[ancestor] = true
			}
		}
		closures[id] = c
		return c
	}

	for i := range def.Steps {
		step := &def.Steps[i]
		if step.Message == "" {
			continue
		}
		reachable := closure(step.ID)
		for _, id := range referencedStepIDs(step.Message) {
			if id == step.ID || reachable[id] {
				continue
			}
			result.AddWarning(fmt.Sprintf("steps[%d].message", i), schema.ErrCodeValidation,
				fmt.Sprintf("references step %q outside this step's dependencies; its output may be unavailable at dispatch", id))
		}
	}
}
