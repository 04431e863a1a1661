package main

import (
	"context"
	"fmt"
	"os"
	"text/tabwriter"

	"github.com/urfave/cli/v3"

	"github.com/cronfire/cronfire/internal/config"
	"github.com/cronfire/cronfire/internal/job"
)

var jobsHwd = &JobsRunner{}

type JobsRunner struct{}

func (r *JobsRunner) cmd() *cli.Command {
	return &cli.Command{
		Name:  "jobs",
		Usage: "Inspect persisted jobs without a running scheduler",
		Commands: []*cli.Command{
			{
				Name:  "list",
				Usage: "List an organization's jobs",
				Flags: []cli.Flag{
					&cli.StringFlag{
						Name:    "config",
						Aliases: []string{"c"},
						Usage:   "Path to the YAML config file",
						Value:   "cronfire.yaml",
					},
					&cli.StringFlag{
						Name:     "org",
						Usage:    "Organization whose jobs to list",
						Required: true,
					},
				},
				Action: r.list,
			},
		},
	}
}

func (r *JobsRunner) list(_ context.Context, cmd *cli.Command) error {
	cfg, err := config.Load(cmd.String("config"))
	if err != nil {
		return fmt.Errorf("loading config error: %w", err)
	}

	store, err := job.OpenStore(cfg.Database)
	if err != nil {
		return fmt.Errorf("open database: %w", err)
	}
	defer store.Close()

	jobs, err := store.ListJobs(cmd.String("org"), job.ListFilter{})
	if err != nil {
		return fmt.Errorf("list jobs: %w", err)
	}

	w := tabwriter.NewWriter(os.Stdout, 0, 4, 2, ' ', 0)
	fmt.Fprintln(w, "ID\tNAME\tTYPE\tSTATUS\tNEXT RUN\tRUNS\tFAILS")
	for _, j := range jobs {
		nextRun := "-"
		if j.NextRunAt != nil {
			nextRun = j.NextRunAt.UTC().Format("2006-01-02 15:04")
		}
		fmt.Fprintf(w, "%s\t%s\t%s\t%s\t%s\t%d\t%d\n",
			j.ID, j.Name, j.Schedule.Type, j.Status, nextRun, j.ExecutionCount, j.ConsecutiveFailures)
	}
	return w.Flush()
}
