package expressions

import (
	"encoding/json"
	"fmt"
	"strings"

	"github.com/droverhq/drover/pkg/schema"
)

// Template resolution for {{...}} references in agent messages, output
// mappings, and trigger inputs. References are plain read-only paths, not
// expressions:
//
//	{{input.<path>}}
//	{{steps.<id>.output[.<path>]}}
//	{{steps.<id>.status}}
//	{{execution.<field>}}
//
// Anything needing logic goes through the CEL, expr, or jq engines instead.

// HasTemplate reports whether s contains a {{...}} reference.
func HasTemplate(s string) bool {
	return strings.Contains(s, "{{")
}

// RenderString resolves every {{...}} reference in tpl, stringifying values
// inline. Used for agent message templates.
func RenderString(tpl string, scope *Scope) (string, error) {
	var result strings.Builder
	result.Grow(len(tpl))

	err := scanTemplate(tpl,
		func(literal string) { result.WriteString(literal) },
		func(ref string) error {
			val, err := ResolvePath(ref, scope)
			if err != nil {
				return err
			}
			result.WriteString(stringifyInline(val))
			return nil
		})
	if err != nil {
		return "", err
	}

	return result.String(), nil
}

// TemplateRefs extracts every {{...}} reference from s, validating brace
// syntax without resolving anything.
func TemplateRefs(s string) ([]string, error) {
	var refs []string
	err := scanTemplate(s,
		func(string) {},
		func(ref string) error {
			refs = append(refs, ref)
			return nil
		})
	if err != nil {
		return nil, err
	}
	return refs, nil
}

// CheckTemplate verifies {{...}} reference syntax: balanced braces, non-empty
// references, known namespaces, well-formed paths. It never touches data, so
// definitions can be checked at publish time.
func CheckTemplate(s string) error {
	refs, err := TemplateRefs(s)
	if err != nil {
		return err
	}
	for _, ref := range refs {
		if err := checkReference(ref); err != nil {
			return err
		}
	}
	return nil
}

// scanTemplate walks tpl, calling literal for text outside references and
// onRef for each trimmed {{...}} reference.
func scanTemplate(tpl string, literal func(string), onRef func(string) error) error {
	i := 0
	for i < len(tpl) {
		idx := strings.Index(tpl[i:], "{{")
		if idx == -1 {
			literal(tpl[i:])
			return nil
		}

		literal(tpl[i : i+idx])
		start := i + idx + 2

		end := strings.Index(tpl[start:], "}}")
		if end == -1 {
			return schema.NewError(schema.ErrCodeExpression, "unclosed {{ reference")
		}
		end += start

		ref := strings.TrimSpace(tpl[start:end])
		if ref == "" {
			return schema.NewError(schema.ErrCodeExpression, "empty reference: {{ }}")
		}
		if strings.Contains(ref, "{{") {
			return schema.NewError(schema.ErrCodeExpression,
				"nested references not allowed: {{...}} cannot contain {{")
		}

		if err := onRef(ref); err != nil {
			return err
		}

		i = end + 2
	}
	return nil
}

// checkReference validates the shape of a single reference without a scope.
func checkReference(ref string) error {
	parts := strings.Split(ref, ".")
	switch parts[0] {
	case "input", "execution":
		if len(parts) < 2 || parts[1] == "" {
			return schema.NewErrorf(schema.ErrCodeExpression,
				"invalid reference %q: expected %s.<path>", ref, parts[0]).
				WithDetails(map[string]any{"reference": ref})
		}
	case "steps":
		if len(parts) < 3 || parts[1] == "" {
			return schema.NewErrorf(schema.ErrCodeExpression,
				"invalid step reference %q: expected steps.<id>.output or steps.<id>.status", ref).
				WithDetails(map[string]any{"reference": ref})
		}
		switch parts[2] {
		case "output":
		case "status":
			if len(parts) > 3 {
				return schema.NewErrorf(schema.ErrCodeExpression,
					"invalid step reference %q: status has no fields", ref).
					WithDetails(map[string]any{"reference": ref})
			}
		default:
			return schema.NewErrorf(schema.ErrCodeExpression,
				"invalid step reference %q: only 'output' and 'status' are supported (got %q)", ref, parts[2]).
				WithDetails(map[string]any{"reference": ref})
		}
	default:
		available := []string{"input", "steps", "execution"}
		return schema.NewErrorf(schema.ErrCodeExpression,
			"unknown namespace %q in {{%s}}; available: %s", parts[0], ref, strings.Join(available, ", ")).
			WithDetails(map[string]any{"reference": ref, "available_namespaces": available})
	}
	return nil
}

// RenderValue resolves templates inside an arbitrary document. A string that
// is exactly one {{...}} reference keeps the resolved value's type; strings
// with embedded references render like RenderString; maps and slices are
// walked recursively. Non-string scalars pass through.
func RenderValue(v any, scope *Scope) (any, error) {
	switch val := v.(type) {
	case string:
		if ref, ok := wholeReference(val); ok {
			return ResolvePath(ref, scope)
		}
		return RenderString(val, scope)
	case map[string]any:
		out := make(map[string]any, len(val))
		for k, item := range val {
			rendered, err := RenderValue(item, scope)
			if err != nil {
				return nil, err
			}
			out[k] = rendered
		}
		return out, nil
	case []any:
		out := make([]any, len(val))
		for i, item := range val {
			rendered, err := RenderValue(item, scope)
			if err != nil {
				return nil, err
			}
			out[i] = rendered
		}
		return out, nil
	default:
		return v, nil
	}
}

// wholeReference reports whether s is exactly one {{...}} token and returns
// the inner path.
func wholeReference(s string) (string, bool) {
	trimmed := strings.TrimSpace(s)
	if !strings.HasPrefix(trimmed, "{{") || !strings.HasSuffix(trimmed, "}}") {
		return "", false
	}
	inner := trimmed[2 : len(trimmed)-2]
	if strings.Contains(inner, "{{") || strings.Contains(inner, "}}") {
		return "", false
	}
	return strings.TrimSpace(inner), true
}

// ResolvePath resolves a single dotted reference against the scope.
func ResolvePath(ref string, scope *Scope) (any, error) {
	parts := strings.SplitN(ref, ".", 2)
	namespace := parts[0]

	switch namespace {
	case "input":
		return resolveInput(ref, scope)
	case "steps":
		return resolveSteps(ref, scope)
	case "execution":
		return resolveExecution(ref, scope)
	default:
		available := []string{"input", "steps", "execution"}
		return nil, schema.NewErrorf(schema.ErrCodeExpression,
			"unknown namespace %q in {{%s}}; available: %s", namespace, ref, strings.Join(available, ", ")).
			WithDetails(map[string]any{"reference": ref, "available_namespaces": available})
	}
}

// resolveInput resolves input.<path> references.
func resolveInput(ref string, scope *Scope) (any, error) {
	parts := strings.SplitN(ref, ".", 2)
	if len(parts) < 2 || parts[1] == "" {
		return nil, schema.NewErrorf(schema.ErrCodeExpression,
			"invalid input reference %q: expected input.<path>", ref).
			WithDetails(map[string]any{"reference": ref})
	}
	return resolveFromMap(scope.Input, parts[1], ref, "input")
}

// resolveSteps resolves steps.<id>.output[.<path>] and steps.<id>.status.
func resolveSteps(ref string, scope *Scope) (any, error) {
	parts := strings.SplitN(ref, ".", 4) // [steps, id, output|status, rest...]
	if len(parts) < 3 {
		return nil, schema.NewErrorf(schema.ErrCodeExpression,
			"invalid step reference %q: expected steps.<id>.output or steps.<id>.status", ref).
			WithDetails(map[string]any{"reference": ref})
	}

	stepID := parts[1]
	entry, ok := scope.Steps[stepID]
	if !ok {
		available := mapKeys(scope.Steps)
		return nil, schema.NewErrorf(schema.ErrCodeExpression,
			"step %q not found in {{%s}}; available steps: [%s]", stepID, ref, strings.Join(available, ", ")).
			WithDetails(map[string]any{"reference": ref, "available_steps": available})
	}
	view, _ := entry.(map[string]any)

	switch parts[2] {
	case "status":
		if len(parts) > 3 {
			return nil, schema.NewErrorf(schema.ErrCodeExpression,
				"invalid step reference %q: status has no fields", ref).
				WithDetails(map[string]any{"reference": ref})
		}
		return view["status"], nil
	case "output":
		output, ok := view["output"]
		if !ok {
			return nil, schema.NewErrorf(schema.ErrCodeExpression,
				"step %q has no output yet in {{%s}}", stepID, ref).
				WithDetails(map[string]any{"reference": ref, "step_status": view["status"]})
		}
		if len(parts) == 3 {
			return output, nil
		}
		return traversePath(output, parts[3], ref)
	default:
		return nil, schema.NewErrorf(schema.ErrCodeExpression,
			"invalid step reference %q: only 'output' and 'status' are supported (got %q)", ref, parts[2]).
			WithDetails(map[string]any{"reference": ref})
	}
}

// resolveExecution resolves execution.<field> references.
func resolveExecution(ref string, scope *Scope) (any, error) {
	parts := strings.SplitN(ref, ".", 2)
	if len(parts) < 2 || parts[1] == "" {
		return nil, schema.NewErrorf(schema.ErrCodeExpression,
			"invalid execution reference %q: expected execution.<field>", ref).
			WithDetails(map[string]any{"reference": ref})
	}
	return resolveFromMap(scope.Execution, parts[1], ref, "execution")
}

// resolveFromMap resolves a dot-delimited field path from a map.
func resolveFromMap(data map[string]any, fieldPath, ref, namespace string) (any, error) {
	if data == nil {
		return nil, schema.NewErrorf(schema.ErrCodeExpression,
			"cannot resolve %q: %s scope is empty", ref, namespace).
			WithDetails(map[string]any{"reference": ref})
	}

	// Direct key lookup first (supports keys with dots).
	if val, ok := data[fieldPath]; ok {
		return val, nil
	}

	return traversePath(data, fieldPath, ref)
}

// traversePath navigates into nested maps using a dot-delimited path.
func traversePath(root any, path, ref string) (any, error) {
	segments := strings.Split(path, ".")
	current := root

	for i, seg := range segments {
		if seg == "" {
			return nil, schema.NewErrorf(schema.ErrCodeExpression,
				"empty segment in path %q at position %d", ref, i).
				WithDetails(map[string]any{"reference": ref})
		}

		switch v := current.(type) {
		case map[string]any:
			val, ok := v[seg]
			if !ok {
				availableKeys := mapKeys(v)
				return nil, schema.NewErrorf(schema.ErrCodeExpression,
					"field %q not found in %q; available: [%s]", seg, ref, strings.Join(availableKeys, ", ")).
					WithDetails(map[string]any{"reference": ref, "available_fields": availableKeys})
			}
			current = val
		default:
			return nil, schema.NewErrorf(schema.ErrCodeExpression,
				"cannot traverse into non-object at %q in %q (type: %T)", seg, ref, current).
				WithDetails(map[string]any{"reference": ref})
		}
	}

	return current, nil
}

// stringifyInline converts a resolved value into its inline string form.
// Strings embed without quotes; complex types JSON-encode.
func stringifyInline(val any) string {
	switch v := val.(type) {
	case string:
		return v
	case nil:
		return "null"
	case bool:
		if v {
			return "true"
		}
		return "false"
	case float64:
		return fmt.Sprintf("%v", v)
	case int:
		return fmt.Sprintf("%d", v)
	case int64:
		return fmt.Sprintf("%d", v)
	case json.RawMessage:
		return string(v)
	default:
		b, err := json.Marshal(v)
		if err != nil {
			return fmt.Sprintf("%v", v)
		}
		return string(b)
	}
}

// mapKeys returns sorted keys from a map[string]any.
func mapKeys(m map[string]any) []string {
	if m == nil {
		return nil
	}
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	// Simple insertion sort for small slices.
	for i := 1; i < len(keys); i++ {
		key := keys[i]
		j := i - 1
		for j >= 0 && keys[j] > key {
			keys[j+1] = keys[j]
			j--
		}
		keys[j+1] = key
	}
	return keys
}
