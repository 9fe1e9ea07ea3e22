package local

import (
	"context"
	"fmt"

	"github.com/urfave/cli/v3"
	"tangled.org/loom/workflow"
)

func CheckCommand() *cli.Command {
	return &cli.Command{
		Name:      "check",
		Usage:     "parse and analyze pipeline files without running them",
		ArgsUsage: "[dir]",
		Action:    check,
	}
}

func check(ctx context.Context, cmd *cli.Command) error {
	dir := cmd.Args().First()
	if dir == "" {
		dir = ".loom/pipelines"
	}

	raw, err := ReadPipelineDir(dir)
	if err != nil {
		return err
	}

	// manual triggers match every constraint, so nothing is skipped
	// during validation
	compiler := workflow.Compiler{
		Trigger: workflow.Trigger{
			Kind:   workflow.TriggerKindManual,
			Manual: &workflow.ManualTriggerData{},
			Repo:   &workflow.TriggerRepo{Owner: "local", Name: "local"},
		},
	}
	compiled := compiler.Compile(compiler.Parse(raw))

	for _, w := range compiler.Diagnostics.Warnings {
		fmt.Println(w.String())
	}
	for _, e := range compiler.Diagnostics.Errors {
		fmt.Println(e.String())
	}

	if compiler.Diagnostics.IsErr() {
		return cli.Exit("pipeline files have errors", 1)
	}

	fmt.Printf("ok: %d jobs across %d files\n", len(compiled.Jobs), len(raw))
	return nil
}
