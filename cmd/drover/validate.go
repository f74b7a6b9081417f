package main

import (
	"context"
	"fmt"
	"os"

	cli "github.com/urfave/cli/v3"

	"github.com/droverhq/drover/internal/definition"
	"github.com/droverhq/drover/internal/expressions"
)

func validateCommand() *cli.Command {
	return &cli.Command{
		Name:      "validate",
		Usage:     "Validate process definition documents without publishing them",
		ArgsUsage: "FILE [FILE...]",
		Action:    runValidate,
	}
}

func runValidate(_ context.Context, cmd *cli.Command) error {
	paths := cmd.Args().Slice()
	if len(paths) == 0 {
		return cli.Exit("validate requires at least one definition file", 2)
	}

	eval, err := expressions.NewEvaluator()
	if err != nil {
		return err
	}
	validator, err := definition.NewValidator(eval)
	if err != nil {
		return err
	}

	failed := 0
	for _, path := range paths {
		data, err := os.ReadFile(path)
		if err != nil {
			fmt.Fprintf(os.Stdout, "%s: %v\n", path, err)
			failed++
			continue
		}

		def, result := validator.ParseAndValidate(data)
		for _, issue := range result.Errors {
			fmt.Fprintf(os.Stdout, "%s: ERROR %s: %s\n", path, issue.Path, issue.Message)
		}
		for _, issue := range result.Warnings {
			fmt.Fprintf(os.Stdout, "%s: WARN %s: %s\n", path, issue.Path, issue.Message)
		}
		if !result.Valid() {
			failed++
			continue
		}
		fmt.Fprintf(os.Stdout, "%s: OK %s@%s (%d steps)\n", path, def.Name, def.Version, len(def.Steps))
	}

	if failed > 0 {
		return cli.Exit(fmt.Sprintf("%d of %d files failed validation", failed, len(paths)), 1)
	}
	return nil
}
