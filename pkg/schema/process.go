package schema

// ProcessDefinition is the declarative, versioned description of a process
// graph. Definitions are immutable once published; the engine executes a
// snapshot captured at admission time, so a later version never changes a
// running execution.
type ProcessDefinition struct {
	Name        string              `yaml:"name" json:"name"`
	Version     string              `yaml:"version" json:"version"`
	Description string              `yaml:"description,omitempty" json:"description,omitempty"`
	Triggers    []TriggerDefinition `yaml:"triggers,omitempty" json:"triggers,omitempty"`
	Steps       []StepDefinition    `yaml:"steps" json:"steps"`
	Outputs     []OutputMapping     `yaml:"outputs,omitempty" json:"outputs,omitempty"`
}

// Step returns the step with the given id, or nil.
func (d *ProcessDefinition) Step(id string) *StepDefinition {
	for i := range d.Steps {
		if d.Steps[i].ID == id {
			return &d.Steps[i]
		}
	}
	return nil
}

// StepDefinition describes a single step in a process. The kind set is
// closed: agent_task, human_approval, gateway, timer. Kind-specific fields
// are flattened into the step object the way the document format writes
// them; validation enforces that only the matching fields are set.
type StepDefinition struct {
	ID        string   `yaml:"id" json:"id"`
	Name      string   `yaml:"name,omitempty" json:"name,omitempty"`
	Type      StepType `yaml:"type" json:"type"`
	DependsOn []string `yaml:"depends_on,omitempty" json:"depends_on,omitempty"`

	// Condition skips the step when it evaluates false (CEL).
	Condition string `yaml:"condition,omitempty" json:"condition,omitempty"`

	// OnDependencyFailure decides what happens to this step when one of its
	// dependencies fails: fail (default), proceed, or skip.
	OnDependencyFailure DependencyFailurePolicy `yaml:"on_dependency_failure,omitempty" json:"on_dependency_failure,omitempty"`

	Retry   *RetryPolicy `yaml:"retry,omitempty" json:"retry,omitempty"`
	Timeout Duration     `yaml:"timeout,omitempty" json:"timeout,omitempty"`

	// agent_task: target worker and the message template rendered against
	// the execution context before dispatch.
	Agent   string `yaml:"agent,omitempty" json:"agent,omitempty"`
	Message string `yaml:"message,omitempty" json:"message,omitempty"`

	// human_approval
	Title         string        `yaml:"title,omitempty" json:"title,omitempty"`
	Description   string        `yaml:"description,omitempty" json:"description,omitempty"`
	TimeoutAction TimeoutAction `yaml:"timeout_action,omitempty" json:"timeout_action,omitempty"`

	// gateway: ordered condition list, first true wins, optional default.
	Conditions []GatewayCondition `yaml:"conditions,omitempty" json:"conditions,omitempty"`

	// timer
	Duration Duration `yaml:"duration,omitempty" json:"duration,omitempty"`
}

// StepType enumerates the step kinds.
type StepType string

const (
	StepTypeAgentTask     StepType = "agent_task"
	StepTypeHumanApproval StepType = "human_approval"
	StepTypeGateway       StepType = "gateway"
	StepTypeTimer         StepType = "timer"
)

// Valid reports whether t is one of the defined step kinds.
func (t StepType) Valid() bool {
	switch t {
	case StepTypeAgentTask, StepTypeHumanApproval, StepTypeGateway, StepTypeTimer:
		return true
	}
	return false
}

// GatewayCondition is one routing arm of a gateway step. Exactly one of
// Expression or Default is set; Next names the target step, which must
// declare the gateway among its dependencies.
type GatewayCondition struct {
	Expression string `yaml:"expression,omitempty" json:"expression,omitempty"`
	Default    bool   `yaml:"default,omitempty" json:"default,omitempty"`
	Next       string `yaml:"next" json:"next"`
}

// TriggerDefinition describes how executions of this process originate.
type TriggerDefinition struct {
	Type     TriggerType    `yaml:"type" json:"type"`
	Cron     string         `yaml:"cron,omitempty" json:"cron,omitempty"`
	Timezone string         `yaml:"timezone,omitempty" json:"timezone,omitempty"`
	Input    map[string]any `yaml:"input,omitempty" json:"input,omitempty"`
}

// TriggerType enumerates trigger kinds.
type TriggerType string

const (
	TriggerSchedule TriggerType = "schedule"
	TriggerManual   TriggerType = "manual"
)

// OutputMapping binds a named process output to an expression evaluated
// against the final execution context. Plain values are `{{...}}` templates;
// a "jq:" or "expr:" prefix selects the corresponding transform engine.
type OutputMapping struct {
	Name  string `yaml:"name" json:"name"`
	Value string `yaml:"value" json:"value"`
}

// RetryPolicy configures retry behavior around a failing step.
type RetryPolicy struct {
	MaxAttempts int         `yaml:"max_attempts" json:"max_attempts"`
	Delay       Duration    `yaml:"delay,omitempty" json:"delay,omitempty"`
	Backoff     BackoffMode `yaml:"backoff,omitempty" json:"backoff,omitempty"`

	// RetryOnBusiness extends retries to structured worker errors, which
	// are otherwise terminal on first failure.
	RetryOnBusiness bool `yaml:"retry_on_business,omitempty" json:"retry_on_business,omitempty"`
}

// BackoffMode selects the delay progression between attempts.
type BackoffMode string

const (
	BackoffLinear      BackoffMode = "linear"
	BackoffExponential BackoffMode = "exponential"
)

// TimeoutAction is what an unanswered human_approval resolves to.
type TimeoutAction string

const (
	TimeoutApprove TimeoutAction = "approve"
	TimeoutReject  TimeoutAction = "reject"
	TimeoutSkip    TimeoutAction = "skip"
)

// DependencyFailurePolicy is a step's stance toward a failed dependency.
type DependencyFailurePolicy string

const (
	// DependencyFail marks the step failed with a dependency error. Default.
	DependencyFail DependencyFailurePolicy = "fail"
	// DependencyProceed treats the failed dependency as satisfied.
	DependencyProceed DependencyFailurePolicy = "proceed"
	// DependencySkip skips the step; the skip satisfies its own dependents.
	DependencySkip DependencyFailurePolicy = "skip"
)
