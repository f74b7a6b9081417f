package engine

import (
	"sort"

	"github.com/droverhq/drover/pkg/schema"
)

// Graph is the runtime dependency view of a definition snapshot: step lookup
// by ID, forward and reverse adjacency, and a deterministic topological
// order. Validation rejects broken graphs at publish time; the engine still
// rebuilds and re-checks the snapshot on every pass because it only trusts
// what is persisted.
type Graph struct {
	Steps      map[string]*schema.StepDefinition
	Deps       map[string][]string // step -> its dependencies
	Dependents map[string][]string // step -> steps waiting on it
	Order      []string            // topological, ties broken by step ID
}

// BuildGraph constructs the runtime graph from a definition snapshot.
func BuildGraph(def *schema.ProcessDefinition) (*Graph, error) {
	if def == nil || len(def.Steps) == 0 {
		return nil, schema.NewError(schema.ErrCodeValidation, "definition has no steps")
	}

	g := &Graph{
		Steps:      make(map[string]*schema.StepDefinition, len(def.Steps)),
		Deps:       make(map[string][]string, len(def.Steps)),
		Dependents: make(map[string][]string, len(def.Steps)),
	}

	for i := range def.Steps {
		step := &def.Steps[i]
		if _, ok := g.Steps[step.ID]; ok {
			return nil, schema.NewErrorf(schema.ErrCodeValidation, "duplicate step id %q", step.ID)
		}
		g.Steps[step.ID] = step
	}

	for id, step := range g.Steps {
		for _, dep := range step.DependsOn {
			if _, ok := g.Steps[dep]; !ok {
				return nil, schema.NewErrorf(schema.ErrCodeValidation,
					"step %q depends on unknown step %q", id, dep).WithStep(id)
			}
			if dep == id {
				return nil, schema.NewErrorf(schema.ErrCodeCycleDetected,
					"step %q depends on itself", id).WithStep(id)
			}
			g.Deps[id] = append(g.Deps[id], dep)
			g.Dependents[dep] = append(g.Dependents[dep], id)
		}
	}
	for id := range g.Deps {
		sort.Strings(g.Deps[id])
	}
	for id := range g.Dependents {
		sort.Strings(g.Dependents[id])
	}

	order, err := g.topoSort()
	if err != nil {
		return nil, err
	}
	g.Order = order
	return g, nil
}

// topoSort runs Kahn's algorithm. Steps with equal depth process in ID order
// so every pass over the same snapshot visits steps identically.
func (g *Graph) topoSort() ([]string, error) {
	inDegree := make(map[string]int, len(g.Steps))
	for id := range g.Steps {
		inDegree[id] = len(g.Deps[id])
	}

	var queue []string
	for id, deg := range inDegree {
		if deg == 0 {
			queue = append(queue, id)
		}
	}
	sort.Strings(queue)

	order := make([]string, 0, len(g.Steps))
	for len(queue) > 0 {
		id := queue[0]
		queue = queue[1:]
		order = append(order, id)

		ready := make([]string, 0, len(g.Dependents[id]))
		for _, dependent := range g.Dependents[id] {
			inDegree[dependent]--
			if inDegree[dependent] == 0 {
				ready = append(ready, dependent)
			}
		}
		sort.Strings(ready)
		queue = append(queue, ready...)
	}

	if len(order) != len(g.Steps) {
		return nil, schema.NewError(schema.ErrCodeCycleDetected, "definition contains a dependency cycle")
	}
	return order, nil
}

// TransitiveDependents returns every step downstream of the given step,
// sorted by ID.
func (g *Graph) TransitiveDependents(stepID string) []string {
	seen := make(map[string]bool)
	frontier := []string{stepID}
	for len(frontier) > 0 {
		id := frontier[0]
		frontier = frontier[1:]
		for _, dependent := range g.Dependents[id] {
			if seen[dependent] {
				continue
			}
			seen[dependent] = true
			frontier = append(frontier, dependent)
		}
	}

	out := make([]string, 0, len(seen))
	for id := range seen {
		out = append(out, id)
	}
	sort.Strings(out)
	return out
}
