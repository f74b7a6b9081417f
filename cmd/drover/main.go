package main

import (
	"context"
	"fmt"
	"os"

	cli "github.com/urfave/cli/v3"
)

func main() {
	root := &cli.Command{
		Name:                  "drover",
		Usage:                 "Workflow orchestration control plane",
		EnableShellCompletion: true,
		Commands: []*cli.Command{
			serveCommand(),
			mcpCommand(),
			validateCommand(),
			versionCommand(),
		},
	}

	if err := root.Run(context.Background(), os.Args); err != nil {
		fmt.Fprintln(os.Stderr, "Error:", err)
		os.Exit(1)
	}
}
