package expressions

import "context"

// Engine evaluates expressions against the execution scope.
// Three implementations: CEL (conditions, gateways), GoJQ (transforms),
// Expr (logic-heavy output mappings).
type Engine interface {
	Name() string
	Evaluate(ctx context.Context, expression string, data map[string]any) (any, error)
}
