package main

import (
	"context"
	"os"

	"github.com/carlmjohnson/versioninfo"
	"github.com/urfave/cli/v3"
	"tangled.org/loom/local"
	"tangled.org/loom/log"
	"tangled.org/loom/server"
)

func main() {
	cmd := &cli.Command{
		Name:    "loom",
		Usage:   "a small CI pipeline service",
		Version: versioninfo.Short(),
		Commands: []*cli.Command{
			server.Command(),
			local.RunCommand(),
			local.CheckCommand(),
		},
	}

	ctx := context.Background()
	logger := log.New("loom", false)
	ctx = log.IntoContext(ctx, logger)

	if err := cmd.Run(ctx, os.Args); err != nil {
		logger.Error(err.Error())
		os.Exit(-1)
	}
}
