package local

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"time"

	"github.com/dustin/go-humanize"
	"github.com/urfave/cli/v3"
	"tangled.org/loom/config"
	"tangled.org/loom/db"
	"tangled.org/loom/engine"
	"tangled.org/loom/engines/host"
	"tangled.org/loom/models"
	"tangled.org/loom/notifier"
	"tangled.org/loom/workflow"
)

func RunCommand() *cli.Command {
	return &cli.Command{
		Name:      "run",
		Usage:     "run pipeline files once, directly on this host",
		ArgsUsage: "[dir]",
		Flags: []cli.Flag{
			&cli.StringFlag{
				Name:  "timeout",
				Usage: "per-job timeout",
				Value: "10m",
			},
			&cli.StringFlag{
				Name:  "log-dir",
				Usage: "directory for job logs (default: a temp dir)",
			},
		},
		Action: run,
	}
}

func run(ctx context.Context, cmd *cli.Command) error {
	dir := cmd.Args().First()
	if dir == "" {
		dir = ".loom/pipelines"
	}

	raw, err := ReadPipelineDir(dir)
	if err != nil {
		return err
	}

	logDir := cmd.String("log-dir")
	if logDir == "" {
		logDir, err = os.MkdirTemp("", "loom-logs-*")
		if err != nil {
			return err
		}
	}

	cwd, err := os.Getwd()
	if err != nil {
		return err
	}

	trigger := workflow.Trigger{
		Kind:   workflow.TriggerKindManual,
		Manual: &workflow.ManualTriggerData{},
		Repo: &workflow.TriggerRepo{
			Owner:         "local",
			Name:          "local",
			CloneURL:      cwd,
			DefaultBranch: "HEAD",
		},
	}

	compiler := workflow.Compiler{Trigger: trigger}
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
	if len(compiled.Jobs) == 0 {
		return cli.Exit("no jobs to run", 1)
	}

	cfg := &config.Config{
		Pipelines: config.Pipelines{
			Runners:    map[string]string{"default": engine.TargetHost},
			JobTimeout: cmd.String("timeout"),
			LogDir:     logDir,
		},
	}

	// one-shot runs keep their bookkeeping in memory
	d, err := db.Make(":memory:")
	if err != nil {
		return err
	}

	n := notifier.New()

	hostEngine, err := host.New(ctx, cfg)
	if err != nil {
		return err
	}

	eng, err := engine.New(ctx, d, &n, cfg, nil, map[string]models.Engine{
		engine.TargetHost: hostEngine,
	})
	if err != nil {
		return err
	}

	id := models.NewPipelineId()
	if err := d.CreatePipeline(id, trigger, &n); err != nil {
		return err
	}
	for _, cj := range compiled.Jobs {
		jid := models.JobId{PipelineId: id, Name: cj.Key()}
		if err := d.StatusPending(jid, &n); err != nil {
			return err
		}
	}

	start := time.Now()
	if err := eng.StartJobs(ctx, compiled, id); err != nil {
		return err
	}

	statuses, err := d.GetPipelineStatuses(id)
	if err != nil {
		return err
	}

	failed := false
	for _, status := range statuses {
		jid := models.JobId{PipelineId: id, Name: status.Job}
		printJobLog(logDir, jid)

		line := fmt.Sprintf("%s: %s", status.Job, status.Status)
		if status.Error != nil {
			line += fmt.Sprintf(" (%s)", *status.Error)
		}
		fmt.Println(line)

		if status.Status != string(models.StatusKindSuccess) {
			failed = true
		}
	}

	fmt.Printf("pipeline finished, started %s\n", humanize.Time(start))

	if failed {
		return cli.Exit("pipeline failed", 1)
	}
	return nil
}

// printJobLog replays a job's log file onto stdout.
func printJobLog(logDir string, jid models.JobId) {
	file, err := os.Open(models.LogFilePath(logDir, jid))
	if err != nil {
		return
	}
	defer file.Close()

	decoder := json.NewDecoder(file)
	for {
		var line models.LogLine
		if err := decoder.Decode(&line); err != nil {
			return
		}

		switch line.Kind {
		case "control":
			fmt.Printf("[%s] --- %s: %s\n", jid.Name, line.Step, line.Status)
		case "data":
			fmt.Printf("[%s] %s\n", jid.Name, line.Content)
		}
	}
}
