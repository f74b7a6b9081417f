// Package mcp exposes the control plane to agent callers over the Model
// Context Protocol. Tools mirror the HTTP surface: publish definitions,
// start executions, inspect status, resolve approvals, query resources.
// Lifecycle events flow back to the originating session as notifications.
package mcp

import (
	"context"
	"errors"
	"log/slog"
	"os"
	"sync"

	"github.com/mark3labs/mcp-go/mcp"
	"github.com/mark3labs/mcp-go/server"

	"github.com/droverhq/drover/internal/admission"
	"github.com/droverhq/drover/internal/definition"
	"github.com/droverhq/drover/internal/events"
	"github.com/droverhq/drover/internal/scheduler"
	"github.com/droverhq/drover/internal/store"
	"github.com/droverhq/drover/pkg/schema"
)

// Advancer drives executions forward. Satisfied by *engine.Engine.
type Advancer interface {
	Advance(ctx context.Context, executionID string) error
}

// DroverServerDeps holds the dependencies for creating a DroverServer.
type DroverServerDeps struct {
	Store       store.Store
	Admission   *admission.Controller
	Engine      Advancer
	Scheduler   *scheduler.Scheduler
	Definitions *definition.Validator
	Bus         events.Subscriber
	Sessions    *SessionRegistry
	Logger      *slog.Logger
}

// DroverServer wraps an MCP server with drover-specific tool handlers.
type DroverServer struct {
	store       store.Store
	admission   *admission.Controller
	engine      Advancer
	scheduler   *scheduler.Scheduler
	definitions *definition.Validator
	bus         events.Subscriber
	sessions    *SessionRegistry
	logger      *slog.Logger
	mcpServer   *server.MCPServer

	// baseCtx outlives individual tool calls; post-response advances hang
	// off it so a dropped session cannot strand an execution mid-pass.
	baseCtx    context.Context
	cancelBase context.CancelFunc
	advances   sync.WaitGroup
}

// NewDroverServer creates a DroverServer with all 5 tools registered.
func NewDroverServer(deps DroverServerDeps) *DroverServer {
	logger := deps.Logger
	if logger == nil {
		logger = slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: slog.LevelInfo}))
	}
	sessions := deps.Sessions
	if sessions == nil {
		sessions = NewSessionRegistry()
	}
	baseCtx, cancel := context.WithCancel(context.Background())

	s := &DroverServer{
		store:       deps.Store,
		admission:   deps.Admission,
		engine:      deps.Engine,
		scheduler:   deps.Scheduler,
		definitions: deps.Definitions,
		bus:         deps.Bus,
		sessions:    sessions,
		logger:      logger,
		baseCtx:     baseCtx,
		cancelBase:  cancel,
	}

	mcpSrv := server.NewMCPServer(
		"drover",
		"1.0.0",
		server.WithToolCapabilities(false),
		server.WithRecovery(),
		server.WithInstructions("Drover is a workflow orchestration control plane. Use drover.define to publish process definitions, drover.execute to start an execution, drover.status to inspect its progress, drover.decide to resolve pending human approvals, and drover.query to list definitions, executions, schedules, approvals and workers."),
	)

	mcpSrv.AddTools(s.tools()...)
	s.mcpServer = mcpSrv
	return s
}

// Serve starts the stdio transport and blocks until ctx is cancelled or
// stdin closes. Event notifications run for the duration of the transport.
func (s *DroverServer) Serve(ctx context.Context) error {
	if s.bus != nil {
		notifier := NewNotifier(s.mcpServer, s.sessions, s.bus, s.logger)
		nctx, stop := context.WithCancel(ctx)
		defer stop()
		go func() {
			if err := notifier.Run(nctx); err != nil && !errors.Is(err, context.Canceled) {
				s.logger.Error("notifier stopped", slog.String("error", err.Error()))
			}
		}()
	}

	stdio := server.NewStdioServer(s.mcpServer)
	err := stdio.Listen(ctx, os.Stdin, os.Stdout)
	s.Close()
	return err
}

// Close stops background advances and waits for them to settle.
func (s *DroverServer) Close() {
	s.cancelBase()
	s.advances.Wait()
}

// MCPServer returns the underlying MCPServer for testing or custom
// transports.
func (s *DroverServer) MCPServer() *server.MCPServer {
	return s.mcpServer
}

// advanceAsync runs one advance pass off the tool-call path.
func (s *DroverServer) advanceAsync(executionID string) {
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

// tools returns the 5 registered MCP tools as ServerTool entries.
func (s *DroverServer) tools() []server.ServerTool {
	return []server.ServerTool{
		{Tool: defineTool(), Handler: s.handleDefine},
		{Tool: executeTool(), Handler: s.handleExecute},
		{Tool: statusTool(), Handler: s.handleStatus},
		{Tool: decideTool(), Handler: s.handleDecide},
		{Tool: queryTool(), Handler: s.handleQuery},
	}
}

// --- Tool definitions ---

func defineTool() mcp.Tool {
	return mcp.NewTool("drover.define",
		mcp.WithDescription("Publish an immutable process definition version"),
		mcp.WithString("document", mcp.Required(), mcp.Description("Process definition document, YAML or JSON")),
	)
}

func executeTool() mcp.Tool {
	return mcp.NewTool("drover.execute",
		mcp.WithDescription("Start one execution of a published process"),
		mcp.WithString("process", mcp.Required(), mcp.Description("Name of the process to execute")),
		mcp.WithString("version", mcp.Description("Process version (default: latest)")),
		mcp.WithObject("input", mcp.Description("Input payload for the execution")),
	)
}

func statusTool() mcp.Tool {
	return mcp.NewTool("drover.status",
		mcp.WithDescription("Get execution status with per-step detail"),
		mcp.WithString("execution_id", mcp.Required(), mcp.Description("ID of the execution to inspect")),
	)
}

func decideTool() mcp.Tool {
	return mcp.NewTool("drover.decide",
		mcp.WithDescription("Resolve a pending human approval"),
		mcp.WithString("decision_id", mcp.Required(), mcp.Description("ID of the pending decision")),
		mcp.WithString("outcome", mcp.Required(),
			mcp.Enum("approve", "reject"),
			mcp.Description("Resolution outcome"),
		),
		mcp.WithString("decided_by", mcp.Required(), mcp.Description("Identity recorded as the decider")),
		mcp.WithString("comment", mcp.Description("Optional comment recorded on the decision")),
	)
}

func queryTool() mcp.Tool {
	return mcp.NewTool("drover.query",
		mcp.WithDescription("Query definitions, executions, schedules, approvals or workers"),
		mcp.WithString("resource", mcp.Required(),
			mcp.Enum("definitions", "executions", "schedules", "approvals", "workers"),
			mcp.Description("Type of resource to query"),
		),
		mcp.WithObject("filter", mcp.Description("Filter criteria (name, process, status, execution_id, schedule_id, enabled, since, limit)")),
	)
}
