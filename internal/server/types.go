package server

import "github.com/droverhq/drover/pkg/schema"

// CreateExecutionRequest starts one execution of a published process. An
// empty version resolves to the latest published definition.
type CreateExecutionRequest struct {
	Process string         `json:"process" validate:"required"`
	Version string         `json:"version,omitempty"`
	Input   map[string]any `json:"input,omitempty"`
}

// CancelExecutionRequest carries the optional operator-supplied reason.
type CancelExecutionRequest struct {
	Reason string `json:"reason,omitempty"`
}

// CreateScheduleRequest registers a cron-cadenced origin for a process.
type CreateScheduleRequest struct {
	Process  string         `json:"process"  validate:"required"`
	Version  string         `json:"version,omitempty"`
	Cron     string         `json:"cron"     validate:"required"`
	Timezone string         `json:"timezone,omitempty"`
	Input    map[string]any `json:"input,omitempty"`
	Enabled  *bool          `json:"enabled,omitempty"`
}

// UpdateScheduleRequest patches a schedule. All fields are optional to
// support partial updates.
type UpdateScheduleRequest struct {
	Cron     *string         `json:"cron,omitempty"`
	Timezone *string         `json:"timezone,omitempty"`
	Input    *map[string]any `json:"input,omitempty"`
	Enabled  *bool           `json:"enabled,omitempty"`
}

// DecideRequest resolves a pending approval.
type DecideRequest struct {
	DecidedBy string `json:"decided_by" validate:"required"`
	Comment   string `json:"comment,omitempty"`
}

// RegisterWorkerRequest announces an agent worker endpoint.
type RegisterWorkerRequest struct {
	Name        string `json:"name"     validate:"required,min=1"`
	Endpoint    string `json:"endpoint" validate:"required,url"`
	Description string `json:"description,omitempty"`
}

// PublishResponse confirms a published definition, including warnings the
// validation pipeline raised and any schedules its triggers materialized.
type PublishResponse struct {
	Name        string                   `json:"name"`
	Version     string                   `json:"version"`
	Warnings    []schema.ValidationIssue `json:"warnings,omitempty"`
	ScheduleIDs []string                 `json:"schedule_ids,omitempty"`
}
