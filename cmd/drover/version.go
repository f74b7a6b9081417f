package main

import (
	"context"
	"fmt"

	cli "github.com/urfave/cli/v3"
)

// version is set at build time via ldflags:
//
//	go build -ldflags "-X main.version=v1.0.0" ./cmd/drover/
var version = "dev"

func versionCommand() *cli.Command {
	return &cli.Command{
		Name:  "version",
		Usage: "Print the drover version",
		Action: func(context.Context, *cli.Command) error {
			fmt.Println(version)
			return nil
		},
	}
}
