package server

import (
	"net/http"
	"strings"

	"github.com/gofiber/fiber/v3"
	"github.com/moogar0880/problems"

	"github.com/droverhq/drover/pkg/schema"
)

// statusForCode maps structured error codes onto HTTP statuses. Everything
// unlisted is a server fault.
func statusForCode(code string) int {
	switch code {
	case schema.ErrCodeValidation, schema.ErrCodeCycleDetected:
		return http.StatusBadRequest
	case schema.ErrCodeNotFound:
		return http.StatusNotFound
	case schema.ErrCodeConflict, schema.ErrCodeInvalidTransition:
		return http.StatusConflict
	case schema.ErrCodeCapacity:
		return http.StatusTooManyRequests
	default:
		return http.StatusInternalServerError
	}
}

// problem renders err as an RFC 7807 response.
func (s *Server) problem(c fiber.Ctx, err error) error {
	derr := schema.AsDrover(err, schema.ErrCodeExecution)
	status := statusForCode(derr.Code)
	if status == http.StatusInternalServerError {
		s.logger.Error("request failed",
			"path", c.Path(),
			"code", derr.Code,
			"error", derr.Message,
		)
	}

	p := problems.NewStatusProblem(status).
		WithInstance(c.Path()).
		WithType(strings.ToLower(derr.Code)).
		WithDetail(derr.Message)

	return c.Status(status).JSON(p, problems.ProblemMediaType)
}

func notFoundErr(resource, id string) error {
	return schema.NewErrorf(schema.ErrCodeNotFound, "%s %q not found", resource, id)
}

func badRequest(c fiber.Ctx, detail string) error {
	p := problems.NewStatusProblem(http.StatusBadRequest).
		WithInstance(c.Path()).
		WithType("validation_error").
		WithDetail(detail)

	return c.Status(fiber.StatusBadRequest).JSON(p, problems.ProblemMediaType)
}

// validationProblem carries the validation pipeline's issues as RFC 7807
// extension members.
type validationProblem struct {
	problems.DefaultProblem
	Errors   []schema.ValidationIssue `json:"errors,omitempty"`
	Warnings []schema.ValidationIssue `json:"warnings,omitempty"`
}

// unprocessable renders a failed definition validation with every issue
// attached.
func unprocessable(c fiber.Ctx, result *schema.ValidationResult) error {
	p := problems.NewStatusProblem(http.StatusUnprocessableEntity).
		WithInstance(c.Path()).
		WithType("validation_error").
		WithDetail("process definition failed validation")

	body := validationProblem{
		DefaultProblem: *p,
		Errors:         result.Errors,
		Warnings:       result.Warnings,
	}
	return c.Status(http.StatusUnprocessableEntity).JSON(body, problems.ProblemMediaType)
}
