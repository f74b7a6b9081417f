package expressions

import (
	"context"
	"strings"

	"github.com/droverhq/drover/pkg/schema"
)

// Output mapping values may select a transform engine with a prefix; plain
// values are {{...}} templates.
const (
	jqPrefix   = "jq:"
	exprPrefix = "expr:"
)

// Evaluator bundles the expression engines behind the three operations the
// engine needs at runtime: boolean conditions, message templates, and output
// mappings. Every operation is a pure read of the scope, so re-evaluation
// after a crash produces the same answer.
type Evaluator struct {
	cel  *CELEngine
	expr *ExprEngine
	jq   *GoJQEngine
}

// NewEvaluator creates an Evaluator with all three engines ready.
func NewEvaluator() (*Evaluator, error) {
	celEngine, err := NewCELEngine()
	if err != nil {
		return nil, err
	}
	return &Evaluator{
		cel:  celEngine,
		expr: NewExprEngine(),
		jq:   NewGoJQEngine(),
	}, nil
}

// Condition evaluates a CEL expression that must produce a boolean. Step
// conditions and gateway arms both come through here.
func (ev *Evaluator) Condition(ctx context.Context, expression string, scope *Scope) (bool, error) {
	return ev.cel.EvaluateBool(ctx, expression, scope.Data())
}

// Message renders an agent message template against the scope.
func (ev *Evaluator) Message(tpl string, scope *Scope) (string, error) {
	return RenderString(tpl, scope)
}

// Output resolves one output mapping value. "jq:" routes to the jq engine,
// "expr:" to the expr engine; anything else renders as a template, with
// whole-token references keeping their resolved type.
func (ev *Evaluator) Output(ctx context.Context, value string, scope *Scope) (any, error) {
	switch {
	case strings.HasPrefix(value, jqPrefix):
		return ev.jq.Evaluate(ctx, strings.TrimSpace(strings.TrimPrefix(value, jqPrefix)), scope.Data())
	case strings.HasPrefix(value, exprPrefix):
		return ev.expr.Evaluate(ctx, strings.TrimSpace(strings.TrimPrefix(value, exprPrefix)), scope.Data())
	default:
		return RenderValue(value, scope)
	}
}

// CheckCondition compiles a CEL expression without evaluating it, so
// definitions with broken conditions are rejected at publish time.
func (ev *Evaluator) CheckCondition(expression string) error {
	if expression == "" {
		return schema.NewError(schema.ErrCodeValidation, "empty CEL expression")
	}
	_, err := ev.cel.getOrCompile(expression)
	return err
}

// CheckOutput verifies that an output mapping value parses under its engine
// without evaluating it.
func (ev *Evaluator) CheckOutput(value string) error {
	switch {
	case strings.HasPrefix(value, jqPrefix):
		expression := strings.TrimSpace(strings.TrimPrefix(value, jqPrefix))
		if expression == "" {
			return schema.NewError(schema.ErrCodeValidation, "empty jq expression")
		}
		_, err := ev.jq.getOrCompile(expression)
		return err
	case strings.HasPrefix(value, exprPrefix):
		expression := strings.TrimSpace(strings.TrimPrefix(value, exprPrefix))
		if expression == "" {
			return schema.NewError(schema.ErrCodeValidation, "empty expr expression")
		}
		_, err := ev.expr.getOrCompile(expression, nil)
		return err
	default:
		return CheckTemplate(value)
	}
}
