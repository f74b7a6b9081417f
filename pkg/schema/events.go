package schema

// Event type constants for the per-execution history log and the event bus.
const (
	EventExecutionCreated   = "execution_created"
	EventExecutionStarted   = "execution_started"
	EventExecutionCompleted = "execution_completed"
	EventExecutionFailed    = "execution_failed"
	EventExecutionCancelled = "execution_cancelled"
	EventExecutionPaused    = "execution_paused"
	EventExecutionResumed   = "execution_resumed"

	EventStepReady     = "step_ready"
	EventStepStarted   = "step_started"
	EventStepCompleted = "step_completed"
	EventStepFailed    = "step_failed"
	EventStepSkipped   = "step_skipped"
	EventStepRetrying  = "step_retrying"
	EventStepCancelled = "step_cancelled"

	EventTimerScheduled = "timer_scheduled"

	EventApprovalRequested = "approval_requested"
	EventApprovalResolved  = "approval_resolved"

	EventScheduleFired   = "schedule_fired"
	EventScheduleSkipped = "schedule_skipped"
)
