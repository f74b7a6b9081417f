package definition

import "github.com/droverhq/drover/pkg/schema"

// ExpressionChecker compiles condition and output expressions without
// evaluating them. May be nil to skip expression checks.
type ExpressionChecker interface {
	CheckCondition(expression string) error
	CheckOutput(value string) error
}

// Validator runs the three-stage validation pipeline over a process
// definition:
// 1. Structural (JSON Schema over the document shape)
// 2. Semantic (ids, references, kind payloads, expressions, triggers)
// 3. Graph (dependency cycles, closure lints)
// A definition with errors is never published and never reaches the engine.
type Validator struct {
	structural *structuralValidator
	checker    ExpressionChecker
}

// NewValidator creates a Validator. checker may be nil to skip expression
// compilation checks.
func NewValidator(checker ExpressionChecker) (*Validator, error) {
	sv, err := newStructuralValidator()
	if err != nil {
		return nil, err
	}
	return &Validator{structural: sv, checker: checker}, nil
}

// Validate runs the full pipeline and returns an aggregated result.
// Structural errors short-circuit: semantic and graph stages are skipped.
// Semantic errors skip the graph stage, which assumes resolvable references.
func (v *Validator) Validate(def *schema.ProcessDefinition) *schema.ValidationResult {
	if def == nil {
		r := &schema.ValidationResult{}
		r.AddError("/", schema.ErrCodeValidation, "process definition is nil")
		return r
	}

	result := v.structural.validate(def)
	if !result.Valid() {
		return result
	}

	result.Merge(validateSemantic(def, v.checker))

	if result.Valid() {
		result.Merge(validateGraph(def))
	}

	return result
}

// ValidateDefinition returns the pipeline outcome as a single error, nil
// when the definition is publishable.
func (v *Validator) ValidateDefinition(def *schema.ProcessDefinition) error {
	return v.Validate(def).ToError()
}

// ParseAndValidate decodes a document and runs the pipeline over it. Parse
// failures come back as a single-issue result.
func (v *Validator) ParseAndValidate(data []byte) (*schema.ProcessDefinition, *schema.ValidationResult) {
	def, err := Parse(data)
	if err != nil {
		r := &schema.ValidationResult{}
		de := schema.AsDrover(err, schema.ErrCodeValidation)
		r.AddError("/", de.Code, de.Message)
		return nil, r
	}
	return def, v.Validate(def)
}
