package server

import (
	"github.com/gofiber/fiber/v3"

	"github.com/droverhq/drover/internal/store"
)

// registerWorker upserts an agent worker by name, so re-announcing a moved
// endpoint is not an error.
func (s *Server) registerWorker(c fiber.Ctx) error {
	var req RegisterWorkerRequest
	if err := c.Bind().JSON(&req); err != nil {
		return badRequest(c, "invalid request body: "+err.Error())
	}
	if err := s.validate.Struct(req); err != nil {
		return badRequest(c, err.Error())
	}

	registered, err := s.registry.Register(c.Context(), &store.Worker{
		Name:        req.Name,
		Endpoint:    req.Endpoint,
		Description: req.Description,
	})
	if err != nil {
		return s.problem(c, err)
	}
	return c.Status(fiber.StatusCreated).JSON(registered)
}

func (s *Server) listWorkers(c fiber.Ctx) error {
	workers, err := s.registry.List(c.Context())
	if err != nil {
		return s.problem(c, err)
	}
	return c.JSON(fiber.Map{"workers": workers, "count": len(workers)})
}
