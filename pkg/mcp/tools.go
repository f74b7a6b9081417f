package mcp

import (
	"context"
	"encoding/json"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/mark3labs/mcp-go/mcp"
	"github.com/mark3labs/mcp-go/server"

	"github.com/droverhq/drover/internal/admission"
	"github.com/droverhq/drover/internal/store"
	"github.com/droverhq/drover/pkg/schema"
)

// handleDefine publishes a process definition document.
func (s *DroverServer) handleDefine(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	doc, err := req.RequireString("document")
	if err != nil {
		return mcp.NewToolResultError("document is required"), nil
	}

	def, result := s.definitions.ParseAndValidate([]byte(doc))
	if def == nil || !result.Valid() {
		return mcp.NewToolResultError("definition failed validation: " + formatIssues(result.Errors)), nil
	}

	snapshot := &store.Definition{
		Name:        def.Name,
		Version:     def.Version,
		Description: def.Description,
		Document:    *def,
	}
	if putErr := s.store.PutDefinition(ctx, snapshot); putErr != nil {
		return toolError(putErr), nil
	}

	resp := map[string]any{
		"name":    def.Name,
		"version": def.Version,
	}
	if len(result.Warnings) > 0 {
		resp["warnings"] = result.Warnings
	}

	schedules, matErr := s.scheduler.MaterializeTriggers(ctx, snapshot)
	if matErr != nil {
		// Already durably published; the trigger schedules can be created
		// by hand via drover.query and the schedule API.
		s.logger.Error("materialize triggers",
			"process", def.Name,
			"version", def.Version,
			"error", matErr.Error(),
		)
	}
	if len(schedules) > 0 {
		ids := make([]string, 0, len(schedules))
		for _, sched := range schedules {
			ids = append(ids, sched.ID)
		}
		resp["schedule_ids"] = ids
	}

	return marshalResult(resp)
}

// handleExecute admits one execution and advances it off the tool-call
// path. The caller's session receives lifecycle notifications as the
// execution progresses.
func (s *DroverServer) handleExecute(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	process, err := req.RequireString("process")
	if err != nil {
		return mcp.NewToolResultError("process is required"), nil
	}
	version := req.GetString("version", "")
	input := mcp.ParseStringMap(req, "input", nil)

	exec, admitErr := s.admission.TryAdmit(ctx, admission.Request{
		ProcessName:    process,
		ProcessVersion: version,
		Input:          input,
	})
	if admitErr != nil {
		return toolError(admitErr), nil
	}

	s.captureSession(ctx, exec.ID)
	s.advanceAsync(exec.ID)

	return marshalResult(map[string]any{
		"execution_id": exec.ID,
		"process":      exec.ProcessName,
		"version":      exec.ProcessVersion,
		"status":       exec.Status,
	})
}

// handleStatus returns one execution with its step runs.
func (s *DroverServer) handleStatus(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	executionID, err := req.RequireString("execution_id")
	if err != nil {
		return mcp.NewToolResultError("execution_id is required"), nil
	}

	exec, getErr := s.store.GetExecution(ctx, executionID)
	if getErr != nil {
		return toolError(getErr), nil
	}
	runs, runsErr := s.store.ListStepRuns(ctx, executionID)
	if runsErr != nil {
		return toolError(runsErr), nil
	}

	return marshalResult(map[string]any{
		"execution": exec,
		"steps":     runs,
	})
}

// handleDecide resolves a pending approval and nudges the waiting
// execution.
func (s *DroverServer) handleDecide(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	decisionID, err := req.RequireString("decision_id")
	if err != nil {
		return mcp.NewToolResultError("decision_id is required"), nil
	}
	outcome, err := req.RequireString("outcome")
	if err != nil {
		return mcp.NewToolResultError("outcome is required"), nil
	}
	decidedBy, err := req.RequireString("decided_by")
	if err != nil {
		return mcp.NewToolResultError("decided_by is required"), nil
	}

	status := schema.DecisionApproved
	switch outcome {
	case "approve":
	case "reject":
		status = schema.DecisionRejected
	default:
		return mcp.NewToolResultError("outcome must be approve or reject"), nil
	}

	now := time.Now().UTC()
	if resErr := s.store.ResolveDecision(ctx, decisionID, &store.Resolution{
		Status:    string(status),
		DecidedBy: decidedBy,
		Comment:   req.GetString("comment", ""),
		DecidedAt: &now,
	}); resErr != nil {
		return toolError(resErr), nil
	}

	dec, getErr := s.store.GetDecision(ctx, decisionID)
	if getErr != nil {
		return toolError(getErr), nil
	}

	s.captureSession(ctx, dec.ExecutionID)
	s.advanceAsync(dec.ExecutionID)
	return marshalResult(dec)
}

// handleQuery lists resources with optional filters.
func (s *DroverServer) handleQuery(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	resource, err := req.RequireString("resource")
	if err != nil {
		return mcp.NewToolResultError("resource is required"), nil
	}

	filter := mcp.ParseStringMap(req, "filter", nil)

	switch resource {
	case "definitions":
		return s.queryDefinitions(ctx, filter)
	case "executions":
		return s.queryExecutions(ctx, filter)
	case "schedules":
		return s.querySchedules(ctx, filter)
	case "approvals":
		return s.queryApprovals(ctx, filter)
	case "workers":
		return s.queryWorkers(ctx)
	default:
		return mcp.NewToolResultError(fmt.Sprintf("unknown resource type: %s", resource)), nil
	}
}

// --- Query helpers ---

func (s *DroverServer) queryDefinitions(ctx context.Context, filter map[string]any) (*mcp.CallToolResult, error) {
	defs, err := s.store.ListDefinitions(ctx, store.DefinitionFilter{
		Name:  extractString(filter, "name"),
		Limit: extractInt(filter, "limit", 50),
	})
	if err != nil {
		return toolError(err), nil
	}
	return marshalResult(map[string]any{"definitions": defs})
}

func (s *DroverServer) queryExecutions(ctx context.Context, filter map[string]any) (*mcp.CallToolResult, error) {
	f := store.ExecutionFilter{
		ProcessName: extractString(filter, "process"),
		ScheduleID:  extractString(filter, "schedule_id"),
		Limit:       extractInt(filter, "limit", 50),
	}
	if status := extractString(filter, "status"); status != "" {
		for _, part := range strings.Split(status, ",") {
			if part = strings.TrimSpace(part); part != "" {
				f.Statuses = append(f.Statuses, schema.ExecutionStatus(part))
			}
		}
	}
	if since := extractString(filter, "since"); since != "" {
		if t, perr := time.Parse(time.RFC3339, since); perr == nil {
			f.Since = &t
		}
	}

	execs, err := s.store.ListExecutions(ctx, f)
	if err != nil {
		return toolError(err), nil
	}
	return marshalResult(map[string]any{"executions": execs})
}

func (s *DroverServer) querySchedules(ctx context.Context, filter map[string]any) (*mcp.CallToolResult, error) {
	f := store.ScheduleFilter{
		Limit: extractInt(filter, "limit", 50),
	}
	if enabled, ok := extractBool(filter, "enabled"); ok {
		f.Enabled = &enabled
	}

	schedules, err := s.store.ListSchedules(ctx, f)
	if err != nil {
		return toolError(err), nil
	}
	return marshalResult(map[string]any{"schedules": schedules})
}

func (s *DroverServer) queryApprovals(ctx context.Context, filter map[string]any) (*mcp.CallToolResult, error) {
	status := extractString(filter, "status")
	if status == "" {
		status = string(schema.DecisionPending)
	}

	decisions, err := s.store.ListDecisions(ctx, store.DecisionFilter{
		ExecutionID: extractString(filter, "execution_id"),
		Status:      schema.DecisionStatus(status),
		Limit:       extractInt(filter, "limit", 50),
	})
	if err != nil {
		return toolError(err), nil
	}
	return marshalResult(map[string]any{"approvals": decisions})
}

func (s *DroverServer) queryWorkers(ctx context.Context) (*mcp.CallToolResult, error) {
	workers, err := s.store.ListWorkers(ctx)
	if err != nil {
		return toolError(err), nil
	}
	return marshalResult(map[string]any{"workers": workers})
}

// --- Internal helpers ---

// captureSession maps the execution to the calling MCP session so the
// notifier can push lifecycle events back to it.
func (s *DroverServer) captureSession(ctx context.Context, executionID string) {
	if session := server.ClientSessionFromContext(ctx); session != nil {
		s.sessions.Register(executionID, session.SessionID())
	}
}

// toolError renders a structured error as a tool failure the agent can
// branch on by code.
func toolError(err error) *mcp.CallToolResult {
	derr := schema.AsDrover(err, schema.ErrCodeExecution)
	return mcp.NewToolResultError(fmt.Sprintf("%s: %s", derr.Code, derr.Message))
}

// formatIssues flattens validation issues into one line per issue.
func formatIssues(issues []schema.ValidationIssue) string {
	parts := make([]string, 0, len(issues))
	for _, issue := range issues {
		parts = append(parts, fmt.Sprintf("%s: %s", issue.Path, issue.Message))
	}
	return strings.Join(parts, "; ")
}

// extractString safely extracts a string from a filter map.
func extractString(filter map[string]any, key string) string {
	if filter == nil {
		return ""
	}
	if v, ok := filter[key].(string); ok {
		return v
	}
	return ""
}

// extractBool safely extracts a boolean from a filter map.
func extractBool(filter map[string]any, key string) (bool, bool) {
	if filter == nil {
		return false, false
	}
	switch v := filter[key].(type) {
	case bool:
		return v, true
	case string:
		if b, err := strconv.ParseBool(v); err == nil {
			return b, true
		}
	}
	return false, false
}

// extractInt safely extracts an integer from a filter map.
func extractInt(filter map[string]any, key string, defaultVal int) int {
	if filter == nil {
		return defaultVal
	}
	v, ok := filter[key]
	if !ok {
		return defaultVal
	}
	switch val := v.(type) {
	case float64:
		return int(val)
	case int:
		return val
	case string:
		if n, err := strconv.Atoi(val); err == nil {
			return n
		}
	}
	return defaultVal
}

// marshalResult converts a value to a JSON tool result.
func marshalResult(v any) (*mcp.CallToolResult, error) {
	data, err := json.Marshal(v)
	if err != nil {
		return mcp.NewToolResultError(fmt.Sprintf("failed to marshal result: %v", err)), nil
	}
	return mcp.NewToolResultJSON(json.RawMessage(data))
}
