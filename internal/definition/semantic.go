package definition

import (
	"fmt"
	"strings"
	"time"

	"github.com/robfig/cron/v3"

	"github.com/droverhq/drover/internal/expressions"
	"github.com/droverhq/drover/pkg/schema"
)

// validateSemantic checks everything the document schema cannot express:
// duplicate ids, reference integrity, kind payloads, trigger cadence, output
// mappings, and expression compilation.
func validateSemantic(def *schema.ProcessDefinition, checker ExpressionChecker) *schema.ValidationResult {
	result := &schema.ValidationResult{}

	stepIDs := make(map[string]bool, len(def.Steps))
	for i, s := range def.Steps {
		if stepIDs[s.ID] {
			result.AddError(fmt.Sprintf("steps[%d].id", i), schema.ErrCodeValidation,
				fmt.Sprintf("duplicate step id %q", s.ID))
		}
		stepIDs[s.ID] = true
	}

	for i := range def.Steps {
		path := fmt.Sprintf("steps[%d]", i)
		validateStepSemantic(def, &def.Steps[i], path, stepIDs, checker, result)
	}

	for i := range def.Triggers {
		validateTrigger(&def.Triggers[i], fmt.Sprintf("triggers[%d]", i), result)
	}

	validateOutputs(def, stepIDs, checker, result)

	return result
}

// validateStepSemantic checks a single step: dependency references, the skip
// condition, the kind payload, and retry sanity.
func validateStepSemantic(def *schema.ProcessDefinition, step *schema.StepDefinition, path string, stepIDs map[string]bool, checker ExpressionChecker, result *schema.ValidationResult) {
	seen := make(map[string]bool, len(step.DependsOn))
	for j, dep := range step.DependsOn {
		depPath := fmt.Sprintf("%s.depends_on[%d]", path, j)
		switch {
		case dep == step.ID:
			result.AddError(depPath, schema.ErrCodeValidation, "step cannot depend on itself")
		case !stepIDs[dep]:
			result.AddError(depPath, schema.ErrCodeValidation,
				fmt.Sprintf("references non-existent step %q", dep))
		case seen[dep]:
			result.AddWarning(depPath, schema.ErrCodeValidation,
				fmt.Sprintf("duplicate dependency %q", dep))
		}
		seen[dep] = true
	}

	if step.Condition != "" && checker != nil {
		if err := checker.CheckCondition(step.Condition); err != nil {
			addIssue(result, path+".condition", err)
		}
	}

	checkForeignFields(step, path, result)

	switch step.Type {
	case schema.StepTypeAgentTask:
		validateAgentTask(step, path, stepIDs, result)
	case schema.StepTypeHumanApproval:
		validateHumanApproval(step, path, result)
	case schema.StepTypeGateway:
		validateGateway(def, step, path, stepIDs, checker, result)
	case schema.StepTypeTimer:
		validateTimer(step, path, result)
	}

	if step.Retry != nil {
		validateRetry(step, path, result)
	}
}

// checkForeignFields rejects kind-specific fields on steps of another kind.
// The document format flattens kind payloads into the step object, so this
// is the only place mixing is caught.
func checkForeignFields(step *schema.StepDefinition, path string, result *schema.ValidationResult) {
	fields := []struct {
		name  string
		set   bool
		owner schema.StepType
	}{
		{"agent", step.Agent != "", schema.StepTypeAgentTask},
		{"message", step.Message != "", schema.StepTypeAgentTask},
		{"title", step.Title != "", schema.StepTypeHumanApproval},
		{"timeout_action", step.TimeoutAction != "", schema.StepTypeHumanApproval},
		{"conditions", len(step.Conditions) > 0, schema.StepTypeGateway},
		{"duration", !step.Duration.IsZero(), schema.StepTypeTimer},
	}
	for _, f := range fields {
		if f.set && step.Type != f.owner {
			result.AddError(path+"."+f.name, schema.ErrCodeValidation,
				fmt.Sprintf("%s is a %s field (step type is %s)", f.name, f.owner, step.Type))
		}
	}
}

func validateAgentTask(step *schema.StepDefinition, path string, stepIDs map[string]bool, result *schema.ValidationResult) {
	if step.Agent == "" {
		result.AddError(path+".agent", schema.ErrCodeValidation, "agent_task requires an agent")
	}
	if step.Message == "" {
		result.AddError(path+".message", schema.ErrCodeValidation, "agent_task requires a message")
		return
	}

	if err := expressions.CheckTemplate(step.Message); err != nil {
		addIssue(result, path+".message", err)
		return
	}
	for _, id := range referencedStepIDs(step.Message) {
		switch {
		case id == step.ID:
			result.AddError(path+".message", schema.ErrCodeValidation,
				"message cannot reference the step's own output")
		case !stepIDs[id]:
			result.AddError(path+".message", schema.ErrCodeValidation,
				fmt.Sprintf("message references unknown step %q", id))
		}
	}
}

func validateHumanApproval(step *schema.StepDefinition, path string, result *schema.ValidationResult) {
	if step.Title == "" {
		result.AddError(path+".title", schema.ErrCodeValidation, "human_approval requires a title")
	}
	if step.TimeoutAction != "" && step.Timeout.IsZero() {
		result.AddWarning(path+".timeout_action", schema.ErrCodeValidation,
			"timeout_action never fires without a timeout")
	}
}

func validateGateway(def *schema.ProcessDefinition, step *schema.StepDefinition, path string, stepIDs map[string]bool, checker ExpressionChecker, result *schema.ValidationResult) {
	if len(step.Conditions) == 0 {
		result.AddError(path+".conditions", schema.ErrCodeValidation,
			"gateway requires at least one routing condition")
		return
	}

	if step.Condition != "" {
		result.AddWarning(path+".condition", schema.ErrCodeValidation,
			"a false condition skips the gateway as satisfied, so every routing target proceeds")
	}

	defaults := 0
	targets := make(map[string]bool, len(step.Conditions))
	for j := range step.Conditions {
		arm := &step.Conditions[j]
		armPath := fmt.Sprintf("%s.conditions[%d]", path, j)

		switch {
		case arm.Default && arm.Expression != "":
			result.AddError(armPath, schema.ErrCodeValidation,
				"routing arm cannot set both expression and default")
		case !arm.Default && arm.Expression == "":
			result.AddError(armPath, schema.ErrCodeValidation,
				"routing arm requires an expression or default: true")
		}

		if arm.Default {
			defaults++
			if defaults > 1 {
				result.AddError(armPath, schema.ErrCodeValidation,
					"gateway allows only one default arm")
			}
		}

		if arm.Expression != "" && checker != nil {
			if err := checker.CheckCondition(arm.Expression); err != nil {
				addIssue(result, armPath+".expression", err)
			}
		}

		if arm.Next == step.ID {
			result.AddError(armPath+".next", schema.ErrCodeValidation,
				"gateway cannot route to itself")
			continue
		}
		if !stepIDs[arm.Next] {
			result.AddError(armPath+".next", schema.ErrCodeValidation,
				fmt.Sprintf("references non-existent step %q", arm.Next))
			continue
		}
		if targets[arm.Next] {
			result.AddWarning(armPath+".next", schema.ErrCodeValidation,
				fmt.Sprintf("duplicate routing target %q", arm.Next))
		}
		targets[arm.Next] = true

		target := def.Step(arm.Next)
		if target != nil && !dependsOn(target, step.ID) {
			result.AddError(armPath+".next", schema.ErrCodeValidation,
				fmt.Sprintf("routing target %q must declare %q in depends_on", arm.Next, step.ID))
		}
	}
}

func validateTimer(step *schema.StepDefinition, path string, result *schema.ValidationResult) {
	if step.Duration.IsZero() {
		result.AddError(path+".duration", schema.ErrCodeValidation, "timer requires a duration")
	}
	if !step.Timeout.IsZero() {
		result.AddWarning(path+".timeout", schema.ErrCodeValidation,
			"timeout has no effect on timer steps")
	}
}

func validateRetry(step *schema.StepDefinition, path string, result *schema.ValidationResult) {
	if step.Type != schema.StepTypeAgentTask {
		result.AddWarning(path+".retry", schema.ErrCodeValidation,
			fmt.Sprintf("retry has no effect on %s steps", step.Type))
		return
	}
	if step.Retry.MaxAttempts > 10 {
		result.AddWarning(path+".retry.max_attempts", schema.ErrCodeValidation,
			fmt.Sprintf("high retry count (%d) may cause excessive delays", step.Retry.MaxAttempts))
	}
	if step.Retry.Backoff != "" && step.Retry.Delay.IsZero() {
		result.AddWarning(path+".retry.backoff", schema.ErrCodeValidation,
			"backoff has no effect without a delay")
	}
}

func validateTrigger(trigger *schema.TriggerDefinition, path string, result *schema.ValidationResult) {
	switch trigger.Type {
	case schema.TriggerSchedule:
		if trigger.Cron == "" {
			result.AddError(path+".cron", schema.ErrCodeValidation,
				"schedule trigger requires a cron expression")
		} else if _, err := cron.ParseStandard(trigger.Cron); err != nil {
			result.AddError(path+".cron", schema.ErrCodeValidation,
				fmt.Sprintf("invalid cron expression %q: %s", trigger.Cron, err.Error()))
		}
		if trigger.Timezone != "" {
			if _, err := time.LoadLocation(trigger.Timezone); err != nil {
				result.AddError(path+".timezone", schema.ErrCodeValidation,
					fmt.Sprintf("unknown timezone %q", trigger.Timezone))
			}
		}
	case schema.TriggerManual:
		if trigger.Cron != "" {
			result.AddError(path+".cron", schema.ErrCodeValidation,
				"cron is a schedule trigger field (trigger type is manual)")
		}
		if trigger.Timezone != "" {
			result.AddError(path+".timezone", schema.ErrCodeValidation,
				"timezone is a schedule trigger field (trigger type is manual)")
		}
	}
}

func validateOutputs(def *schema.ProcessDefinition, stepIDs map[string]bool, checker ExpressionChecker, result *schema.ValidationResult) {
	names := make(map[string]bool, len(def.Outputs))
	for i := range def.Outputs {
		out := &def.Outputs[i]
		path := fmt.Sprintf("outputs[%d]", i)

		if names[out.Name] {
			result.AddError(path+".name", schema.ErrCodeValidation,
				fmt.Sprintf("duplicate output name %q", out.Name))
		}
		names[out.Name] = true

		if checker != nil {
			if err := checker.CheckOutput(out.Value); err != nil {
				addIssue(result, path+".value", err)
				continue
			}
		}
		for _, id := range referencedStepIDs(out.Value) {
			if !stepIDs[id] {
				result.AddError(path+".value", schema.ErrCodeValidation,
					fmt.Sprintf("value references unknown step %q", id))
			}
		}
	}
}

// referencedStepIDs extracts step ids from {{steps.<id>...}} references.
// Unparseable templates yield nothing; syntax errors are reported elsewhere.
func referencedStepIDs(s string) []string {
	refs, err := expressions.TemplateRefs(s)
	if err != nil {
		return nil
	}
	var ids []string
	for _, ref := range refs {
		parts := strings.SplitN(ref, ".", 3)
		if len(parts) >= 2 && parts[0] == "steps" && parts[1] != "" {
			ids = append(ids, parts[1])
		}
	}
	return ids
}

// dependsOn reports whether step lists dep among its dependencies.
func dependsOn(step *schema.StepDefinition, dep string) bool {
	for _, d := range step.DependsOn {
		if d == dep {
			return true
		}
	}
	return false
}

// addIssue appends a checker error to the result, keeping the error's own
// code so expression and validation failures stay distinguishable.
func addIssue(result *schema.ValidationResult, path string, err error) {
	de := schema.AsDrover(err, schema.ErrCodeValidation)
	result.AddError(path, de.Code, de.Message)
}
