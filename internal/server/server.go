// Package server is the HTTP control surface: definitions, executions,
// schedules, approvals and workers, plus a live event stream. Handlers
// mutate state through the same collaborators every other origin uses and
// then nudge the engine; they never drive executions inline, so a slow
// graph cannot hold a request open and a dropped client cannot strand one
// mid-pass.
package server

import (
	"context"
	"log/slog"
	"sync"

	"github.com/go-playground/validator/v10"
	"github.com/gofiber/fiber/v3"
	"github.com/gofiber/fiber/v3/middleware/cors"
	"github.com/gofiber/fiber/v3/middleware/healthcheck"
	"github.com/gofiber/fiber/v3/middleware/logger"

	"github.com/droverhq/drover/internal/admission"
	"github.com/droverhq/drover/internal/definition"
	"github.com/droverhq/drover/internal/events"
	"github.com/droverhq/drover/internal/scheduler"
	"github.com/droverhq/drover/internal/store"
	"github.com/droverhq/drover/internal/worker"
	"github.com/droverhq/drover/pkg/schema"
)

// Engine drives and cancels executions. Satisfied by *engine.Engine.
type Engine interface {
	Advance(ctx context.Context, executionID string) error
	Cancel(ctx context.Context, executionID, reason string) error
}

// Deps are the collaborators the server fronts.
type Deps struct {
	Store       store.Store
	Admission   *admission.Controller
	Engine      Engine
	Scheduler   *scheduler.Scheduler
	Registry    *worker.Registry
	Definitions *definition.Validator
	Bus         events.Subscriber
	Logger      *slog.Logger
}

// Server owns the fiber app and the handler state.
type Server struct {
	store       store.Store
	admission   *admission.Controller
	engine      Engine
	scheduler   *scheduler.Scheduler
	registry    *worker.Registry
	definitions *definition.Validator
	bus         events.Subscriber
	validate    *validator.Validate
	logger      *slog.Logger
	app         *fiber.App

	// baseCtx outlives individual requests; post-response advances and
	// event subscriptions hang off it so a client disconnect cannot strand
	// an execution mid-pass.
	baseCtx    context.Context
	cancelBase context.CancelFunc
	advances   sync.WaitGroup
}

// New assembles the server and its routes.
func New(deps Deps) *Server {
	logger := deps.Logger
	if logger == nil {
		logger = slog.Default()
	}
	baseCtx, cancel := context.WithCancel(context.Background())

	s := &Server{
		store:       deps.Store,
		admission:   deps.Admission,
		engine:      deps.Engine,
		scheduler:   deps.Scheduler,
		registry:    deps.Registry,
		definitions: deps.Definitions,
		bus:         deps.Bus,
		validate:    validator.New(validator.WithRequiredStructEnabled()),
		logger:      logger,
		baseCtx:     baseCtx,
		cancelBase:  cancel,
	}
	s.app = s.buildApp()
	return s
}

func (s *Server) buildApp() *fiber.App {
	app := fiber.New()
	app.Use(cors.New())
	app.Use(logger.New(logger.Config{
		DisableColors: true,
	}))

	app.Get("/healthz", healthcheck.NewHealthChecker())
	app.Get(healthcheck.DefaultLivenessEndpoint, healthcheck.NewHealthChecker())
	app.Get(healthcheck.DefaultReadinessEndpoint, healthcheck.NewHealthChecker())

	app.Get("/", func(c fiber.Ctx) error {
		return c.SendString("drover control plane")
	})

	api := app.Group("/api/v1")

	api.Post("/definitions", s.publishDefinition)
	api.Get("/definitions", s.listDefinitions)
	api.Get("/definitions/:name", s.listDefinitionVersions)
	api.Get("/definitions/:name/:version", s.getDefinition)

	api.Post("/executions", s.createExecution)
	api.Get("/executions", s.listExecutions)
	api.Get("/executions/:id", s.getExecution)
	api.Get("/executions/:id/steps", s.listExecutionSteps)
	api.Get("/executions/:id/history", s.listExecutionHistory)
	api.Get("/executions/:id/events", s.streamExecutionEvents)
	api.Post("/executions/:id/cancel", s.cancelExecution)

	api.Post("/schedules", s.createSchedule)
	api.Get("/schedules", s.listSchedules)
	api.Get("/schedules/:id", s.getSchedule)
	api.Patch("/schedules/:id", s.updateSchedule)
	api.Delete("/schedules/:id", s.deleteSchedule)
	api.Post("/schedules/:id/pause", s.pauseSchedule)
	api.Post("/schedules/:id/resume", s.resumeSchedule)

	api.Get("/approvals", s.listApprovals)
	api.Post("/approvals/:id/approve", s.approveDecision)
	api.Post("/approvals/:id/reject", s.rejectDecision)

	api.Post("/workers", s.registerWorker)
	api.Get("/workers", s.listWorkers)

	return app
}

// App exposes the fiber app for tests.
func (s *Server) App() *fiber.App {
	return s.app
}

// Start blocks serving HTTP until Shutdown.
func (s *Server) Start(addr string) error {
	s.logger.Info("http server listening", slog.String("addr", addr))
	return s.app.Listen(addr)
}

// Shutdown drains connections, stops background advances, and waits for
// them to settle.
func (s *Server) Shutdown(ctx context.Context) error {
	err := s.app.ShutdownWithContext(ctx)
	s.cancelBase()
	s.advances.Wait()
	return err
}

// advanceAsync runs one advance pass off the request path. Errors land in
// the log; the execution record stays authoritative either way.
func (s *Server) advanceAsync(executionID string) {
	s.advances.Add(1)
	go func() {
		defer s.advances.Done()
		if err := s.engine.Advance(s.baseCtx, executionID); err != nil && !schema.IsCode(err, schema.ErrCodeCancelled) {
			s.logger.Error("advance execution",
				slog.String("execution_id", executionID),
				slog.String("error", err.Error()),
			)
		}
	}()
}
