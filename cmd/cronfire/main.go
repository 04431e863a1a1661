package main

import (
	"context"
	"os"

	"github.com/urfave/cli/v3"

	"github.com/cronfire/cronfire/internal/pkg/logs"
)

func main() {
	cmd := &cli.Command{
		Name:  "cronfire",
		Usage: "Persistent cron scheduler for HTTP callout jobs",
		Commands: []*cli.Command{
			serveHwd.cmd(),
			jobsHwd.cmd(),
		},
	}

	if err := cmd.Run(context.Background(), os.Args); err != nil {
		logs.Error("Command execution failed: %v", err)
		os.Exit(1)
	}
}
