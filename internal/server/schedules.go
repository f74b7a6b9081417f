package server

import (
	"strconv"

	"github.com/gofiber/fiber/v3"

	"github.com/droverhq/drover/internal/store"
)

func (s *Server) createSchedule(c fiber.Ctx) error {
	var req CreateScheduleRequest
	if err := c.Bind().JSON(&req); err != nil {
		return badRequest(c, "invalid request body: "+err.Error())
	}
	if err := s.validate.Struct(req); err != nil {
		return badRequest(c, err.Error())
	}

	enabled := true
	if req.Enabled != nil {
		enabled = *req.Enabled
	}
	sched := &store.Schedule{
		ProcessName:    req.Process,
		ProcessVersion: req.Version,
		CronExpression: req.Cron,
		Timezone:       req.Timezone,
		Input:          req.Input,
		Enabled:        enabled,
	}
	if err := s.scheduler.Create(c.Context(), sched); err != nil {
		return s.problem(c, err)
	}
	return c.Status(fiber.StatusCreated).JSON(sched)
}

func (s *Server) listSchedules(c fiber.Ctx) error {
	var filter store.ScheduleFilter
	if raw := c.Query("enabled"); raw != "" {
		enabled, err := strconv.ParseBool(raw)
		if err != nil {
			return badRequest(c, "enabled must be a boolean")
		}
		filter.Enabled = &enabled
	}
	if limit := c.Query("limit"); limit != "" {
		n, err := strconv.Atoi(limit)
		if err != nil {
			return badRequest(c, "limit must be an integer")
		}
		filter.Limit = n
	}

	schedules, err := s.store.ListSchedules(c.Context(), filter)
	if err != nil {
		return s.problem(c, err)
	}
	return c.JSON(fiber.Map{"schedules": schedules, "count": len(schedules)})
}

func (s *Server) getSchedule(c fiber.Ctx) error {
	sched, err := s.store.GetSchedule(c.Context(), c.Params("id"))
	if err != nil {
		return s.problem(c, err)
	}
	return c.JSON(sched)
}

func (s *Server) updateSchedule(c fiber.Ctx) error {
	var req UpdateScheduleRequest
	if err := c.Bind().JSON(&req); err != nil {
		return badRequest(c, "invalid request body: "+err.Error())
	}

	sched, err := s.scheduler.Update(c.Context(), c.Params("id"), store.ScheduleUpdate{
		CronExpression: req.Cron,
		Timezone:       req.Timezone,
		Input:          req.Input,
		Enabled:        req.Enabled,
	})
	if err != nil {
		return s.problem(c, err)
	}
	return c.JSON(sched)
}

func (s *Server) deleteSchedule(c fiber.Ctx) error {
	if err := s.scheduler.Delete(c.Context(), c.Params("id")); err != nil {
		return s.problem(c, err)
	}
	return c.SendStatus(fiber.StatusNoContent)
}

func (s *Server) pauseSchedule(c fiber.Ctx) error {
	sched, err := s.scheduler.Pause(c.Context(), c.Params("id"))
	if err != nil {
		return s.problem(c, err)
	}
	return c.JSON(sched)
}

func (s *Server) resumeSchedule(c fiber.Ctx) error {
	sched, err := s.scheduler.Resume(c.Context(), c.Params("id"))
	if err != nil {
		return s.problem(c, err)
	}
	return c.JSON(sched)
}
