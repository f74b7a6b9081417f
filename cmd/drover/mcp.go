package main

import (
	"context"
	"os"
	"os/signal"
	"syscall"
	"time"

	cli "github.com/urfave/cli/v3"

	"github.com/droverhq/drover/internal/config"
	"github.com/droverhq/drover/internal/logging"
	"github.com/droverhq/drover/pkg/mcp"
)

func mcpCommand() *cli.Command {
	return &cli.Command{
		Name:   "mcp",
		Usage:  "Run the control plane as an MCP server on stdio",
		Flags:  commonFlags(),
		Action: runMCP,
	}
}

// runMCP wires the same runtime as serve but exposes it over stdio instead
// of HTTP. Logs must stay off stdout, which the wire protocol owns.
func runMCP(ctx context.Context, cmd *cli.Command) error {
	cfg := config.Load()
	applyFlags(cmd, &cfg)
	if !cmd.IsSet("log-level") && os.Getenv("DROVER_LOG_LEVEL") == "" {
		cfg.LogLevel = "error"
	}
	logger := logging.Setup(cfg.LogLevel, cfg.LogFormat)

	ctx, stop := signal.NotifyContext(ctx, os.Interrupt, syscall.SIGTERM)
	defer stop()

	rt, err := buildRuntime(ctx, &cfg, logger)
	if err != nil {
		return err
	}
	if err := rt.start(ctx); err != nil {
		rt.shutdown(context.Background())
		return err
	}

	srv := mcp.NewDroverServer(mcp.DroverServerDeps{
		Store:       rt.store,
		Admission:   rt.admission,
		Engine:      rt.engine,
		Scheduler:   rt.scheduler,
		Definitions: rt.defs,
		Bus:         rt.bus,
		Logger:      logging.WithComponent(logger, "mcp"),
	})

	serveErr := srv.Serve(ctx)

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer cancel()
	rt.shutdown(shutdownCtx)

	if serveErr != nil && ctx.Err() == nil {
		return serveErr
	}
	return nil
}
