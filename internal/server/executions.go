package server

import (
	"strconv"
	"strings"
	"time"

	"github.com/gofiber/fiber/v3"

	"github.com/droverhq/drover/internal/admission"
	"github.com/droverhq/drover/internal/store"
	"github.com/droverhq/drover/pkg/schema"
)

// createExecution admits one execution and nudges the engine off the
// request path. At capacity the admission controller answers 429; there is
// no queue.
func (s *Server) createExecution(c fiber.Ctx) error {
	var req CreateExecutionRequest
	if err := c.Bind().JSON(&req); err != nil {
		return badRequest(c, "invalid request body: "+err.Error())
	}
	if err := s.validate.Struct(req); err != nil {
		return badRequest(c, err.Error())
	}

	exec, err := s.admission.TryAdmit(c.Context(), admission.Request{
		ProcessName:    req.Process,
		ProcessVersion: req.Version,
		Input:          req.Input,
	})
	if err != nil {
		return s.problem(c, err)
	}

	s.advanceAsync(exec.ID)
	return c.Status(fiber.StatusCreated).JSON(exec)
}

func (s *Server) listExecutions(c fiber.Ctx) error {
	filter := store.ExecutionFilter{
		ProcessName: c.Query("process"),
		ScheduleID:  c.Query("schedule_id"),
	}
	for _, status := range statusesQuery(c) {
		filter.Statuses = append(filter.Statuses, schema.ExecutionStatus(status))
	}
	if since := c.Query("since"); since != "" {
		ts, err := time.Parse(time.RFC3339, since)
		if err != nil {
			return badRequest(c, "since must be an RFC 3339 timestamp")
		}
		filter.Since = &ts
	}
	if limit := c.Query("limit"); limit != "" {
		n, err := strconv.Atoi(limit)
		if err != nil {
			return badRequest(c, "limit must be an integer")
		}
		filter.Limit = n
	}
	if offset := c.Query("offset"); offset != "" {
		n, err := strconv.Atoi(offset)
		if err != nil {
			return badRequest(c, "offset must be an integer")
		}
		filter.Offset = n
	}

	execs, err := s.store.ListExecutions(c.Context(), filter)
	if err != nil {
		return s.problem(c, err)
	}
	return c.JSON(fiber.Map{"executions": execs, "count": len(execs)})
}

// statusesQuery reads the comma-separated status filter.
func statusesQuery(c fiber.Ctx) []string {
	raw := c.Query("status")
	if raw == "" {
		return nil
	}
	var out []string
	for _, part := range strings.Split(raw, ",") {
		if part = strings.TrimSpace(part); part != "" {
			out = append(out, part)
		}
	}
	return out
}

func (s *Server) getExecution(c fiber.Ctx) error {
	exec, err := s.store.GetExecution(c.Context(), c.Params("id"))
	if err != nil {
		return s.problem(c, err)
	}
	return c.JSON(exec)
}

func (s *Server) listExecutionSteps(c fiber.Ctx) error {
	id := c.Params("id")
	if _, err := s.store.GetExecution(c.Context(), id); err != nil {
		return s.problem(c, err)
	}
	runs, err := s.store.ListStepRuns(c.Context(), id)
	if err != nil {
		return s.problem(c, err)
	}
	return c.JSON(fiber.Map{"execution_id": id, "steps": runs})
}

func (s *Server) listExecutionHistory(c fiber.Ctx) error {
	id := c.Params("id")
	if _, err := s.store.GetExecution(c.Context(), id); err != nil {
		return s.problem(c, err)
	}

	var since int64
	if raw := c.Query("since_sequence"); raw != "" {
		n, err := strconv.ParseInt(raw, 10, 64)
		if err != nil {
			return badRequest(c, "since_sequence must be an integer")
		}
		since = n
	}
	evts, err := s.store.ListEvents(c.Context(), id, since)
	if err != nil {
		return s.problem(c, err)
	}
	return c.JSON(fiber.Map{"execution_id": id, "events": evts})
}

// cancelExecution runs the cancellation cascade synchronously; it only
// touches persisted state and is quick.
func (s *Server) cancelExecution(c fiber.Ctx) error {
	var req CancelExecutionRequest
	if len(c.Body()) > 0 {
		if err := c.Bind().JSON(&req); err != nil {
			return badRequest(c, "invalid request body: "+err.Error())
		}
	}

	id := c.Params("id")
	if err := s.engine.Cancel(c.Context(), id, req.Reason); err != nil {
		return s.problem(c, err)
	}

	exec, err := s.store.GetExecution(c.Context(), id)
	if err != nil {
		return s.problem(c, err)
	}
	return c.JSON(exec)
}
