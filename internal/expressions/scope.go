package expressions

import (
	"encoding/json"
	"sync"

	"github.com/droverhq/drover/pkg/schema"
)

// ScopeBuilder accumulates the evaluation context of one advance pass.
// It enforces:
//   - Step outputs are immutable once recorded (frozen on insert).
//   - Statuses may be updated as steps move through their lifecycle.
//   - Execution input and metadata are immutable after init.
type ScopeBuilder struct {
	mu        sync.RWMutex
	input     map[string]any
	execution map[string]any
	steps     map[string]*stepEntry
}

type stepEntry struct {
	status string
	output any
	hasOut bool
}

// NewScopeBuilder creates a ScopeBuilder seeded with the execution input and
// metadata. Both maps are deep-copied to prevent external mutation.
func NewScopeBuilder(input, execution map[string]any) *ScopeBuilder {
	return &ScopeBuilder{
		input:     deepCopyMap(input),
		execution: deepCopyMap(execution),
		steps:     make(map[string]*stepEntry),
	}
}

// AddStepResult records a step's current status and, when present, its
// output. The output is frozen (deep-copied) at first insertion; recording a
// different output for the same step is rejected.
func (sb *ScopeBuilder) AddStepResult(stepID string, status schema.StepStatus, output json.RawMessage) error {
	sb.mu.Lock()
	defer sb.mu.Unlock()

	entry, ok := sb.steps[stepID]
	if !ok {
		entry = &stepEntry{}
		sb.steps[stepID] = entry
	}
	entry.status = string(status)

	if len(output) == 0 {
		return nil
	}
	if entry.hasOut {
		return schema.NewErrorf(schema.ErrCodeExpression,
			"step %q output already recorded; step outputs are immutable", stepID)
	}

	var parsed any
	if err := json.Unmarshal(output, &parsed); err != nil {
		return schema.NewErrorf(schema.ErrCodeExpression,
			"cannot parse step %q output: %s", stepID, err.Error())
	}
	entry.output = deepCopyAny(parsed)
	entry.hasOut = true
	return nil
}

// Build creates a Scope snapshot safe for concurrent use (all data copied).
func (sb *ScopeBuilder) Build() *Scope {
	sb.mu.RLock()
	defer sb.mu.RUnlock()

	steps := make(map[string]any, len(sb.steps))
	for id, entry := range sb.steps {
		view := map[string]any{"status": entry.status}
		if entry.hasOut {
			view["output"] = deepCopyAny(entry.output)
		}
		steps[id] = view
	}

	return &Scope{
		Input:     sb.input,
		Execution: sb.execution,
		Steps:     steps,
	}
}

// Scope is the read-only context templates and expressions evaluate against.
type Scope struct {
	Input     map[string]any // execution input document
	Execution map[string]any // execution metadata (id, process, version)
	Steps     map[string]any // step ID -> {status, output}
}

// Data shapes the scope for the expression engines: one top-level variable
// per namespace.
func (s *Scope) Data() map[string]any {
	return map[string]any{
		"input":     orEmpty(s.Input),
		"execution": orEmpty(s.Execution),
		"steps":     orEmpty(s.Steps),
	}
}

func orEmpty(m map[string]any) map[string]any {
	if m == nil {
		return map[string]any{}
	}
	return m
}

// --- Deep copy utilities ---

// deepCopyMap creates a deep copy of a map[string]any.
func deepCopyMap(m map[string]any) map[string]any {
	if m == nil {
		return nil
	}
	cp := make(map[string]any, len(m))
	for k, v := range m {
		cp[k] = deepCopyAny(v)
	}
	return cp
}

// deepCopyAny recursively deep-copies a value.
// Handles maps, slices, and primitives (which are inherently immutable).
func deepCopyAny(v any) any {
	switch val := v.(type) {
	case map[string]any:
		return deepCopyMap(val)
	case []any:
		cp := make([]any, len(val))
		for i, item := range val {
			cp[i] = deepCopyAny(item)
		}
		return cp
	case json.RawMessage:
		if val == nil {
			return nil
		}
		cp := make(json.RawMessage, len(val))
		copy(cp, val)
		return cp
	default:
		return v
	}
}
