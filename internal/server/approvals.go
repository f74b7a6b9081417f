package server

import (
	"strconv"
	"time"

	"github.com/gofiber/fiber/v3"

	"github.com/droverhq/drover/internal/store"
	"github.com/droverhq/drover/pkg/schema"
)

func (s *Server) listApprovals(c fiber.Ctx) error {
	filter := store.DecisionFilter{
		ExecutionID: c.Query("execution_id"),
		Status:      schema.DecisionStatus(c.Query("status", string(schema.DecisionPending))),
	}
	if limit := c.Query("limit"); limit != "" {
		n, err := strconv.Atoi(limit)
		if err != nil {
			return badRequest(c, "limit must be an integer")
		}
		filter.Limit = n
	}

	decisions, err := s.store.ListDecisions(c.Context(), filter)
	if err != nil {
		return s.problem(c, err)
	}
	return c.JSON(fiber.Map{"approvals": decisions, "count": len(decisions)})
}

func (s *Server) approveDecision(c fiber.Ctx) error {
	return s.decide(c, schema.DecisionApproved)
}

func (s *Server) rejectDecision(c fiber.Ctx) error {
	return s.decide(c, schema.DecisionRejected)
}

// decide resolves a pending decision and nudges the waiting execution. A
// decision already resolved (including by timeout expiry) answers 409.
func (s *Server) decide(c fiber.Ctx, outcome schema.DecisionStatus) error {
	var req DecideRequest
	if err := c.Bind().JSON(&req); err != nil {
		return badRequest(c, "invalid request body: "+err.Error())
	}
	if err := s.validate.Struct(req); err != nil {
		return badRequest(c, err.Error())
	}

	id := c.Params("id")
	now := time.Now().UTC()
	if err := s.store.ResolveDecision(c.Context(), id, &store.Resolution{
		Status:    string(outcome),
		DecidedBy: req.DecidedBy,
		Comment:   req.Comment,
		DecidedAt: &now,
	}); err != nil {
		return s.problem(c, err)
	}

	dec, err := s.store.GetDecision(c.Context(), id)
	if err != nil {
		return s.problem(c, err)
	}

	s.advanceAsync(dec.ExecutionID)
	return c.JSON(dec)
}
