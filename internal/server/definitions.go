package server

import (
	"strconv"

	"github.com/gofiber/fiber/v3"

	"github.com/droverhq/drover/internal/store"
)

// publishDefinition accepts a process document (YAML or JSON), runs the
// validation pipeline, and stores the immutable snapshot. Schedule triggers
// materialize as schedule rows; earlier versions' trigger schedules pause.
func (s *Server) publishDefinition(c fiber.Ctx) error {
	body := c.Body()
	if len(body) == 0 {
		return badRequest(c, "request body must be a process definition document")
	}

	def, result := s.definitions.ParseAndValidate(body)
	if def == nil || !result.Valid() {
		return unprocessable(c, result)
	}

	snapshot := &store.Definition{
		Name:        def.Name,
		Version:     def.Version,
		Description: def.Description,
		Document:    *def,
	}
	if err := s.store.PutDefinition(c.Context(), snapshot); err != nil {
		return s.problem(c, err)
	}

	resp := PublishResponse{
		Name:     def.Name,
		Version:  def.Version,
		Warnings: result.Warnings,
	}
	schedules, err := s.scheduler.MaterializeTriggers(c.Context(), snapshot)
	if err != nil {
		// The definition is durably published at this point; the scheduler
		// can still be pointed at it by hand.
		s.logger.Error("materialize triggers",
			"process", def.Name,
			"version", def.Version,
			"error", err.Error(),
		)
	}
	for _, sched := range schedules {
		resp.ScheduleIDs = append(resp.ScheduleIDs, sched.ID)
	}

	return c.Status(fiber.StatusCreated).JSON(resp)
}

func (s *Server) listDefinitions(c fiber.Ctx) error {
	filter := store.DefinitionFilter{Name: c.Query("name")}
	if limit := c.Query("limit"); limit != "" {
		n, err := strconv.Atoi(limit)
		if err != nil {
			return badRequest(c, "limit must be an integer")
		}
		filter.Limit = n
	}

	defs, err := s.store.ListDefinitions(c.Context(), filter)
	if err != nil {
		return s.problem(c, err)
	}
	return c.JSON(fiber.Map{"definitions": defs, "count": len(defs)})
}

func (s *Server) listDefinitionVersions(c fiber.Ctx) error {
	defs, err := s.store.ListDefinitions(c.Context(), store.DefinitionFilter{Name: c.Params("name")})
	if err != nil {
		return s.problem(c, err)
	}
	if len(defs) == 0 {
		return s.problem(c, notFoundErr("process", c.Params("name")))
	}
	return c.JSON(fiber.Map{"definitions": defs, "count": len(defs)})
}

func (s *Server) getDefinition(c fiber.Ctx) error {
	def, err := s.store.GetDefinition(c.Context(), c.Params("name"), c.Params("version"))
	if err != nil {
		return s.problem(c, err)
	}
	return c.JSON(def)
}
