package engine

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"

	"golang.org/x/sync/errgroup"
	"tangled.org/loom/config"
	"tangled.org/loom/db"
	"tangled.org/loom/log"
	"tangled.org/loom/models"
	"tangled.org/loom/notifier"
	"tangled.org/loom/secrets"
	"tangled.org/loom/workflow"
)

// execution targets a runs-on label can resolve to
const (
	TargetHost   = "host"
	TargetDocker = "docker"
)

// Engine dispatches a compiled pipeline: jobs fan out in parallel, steps
// within a job run serially, and the first failing step fails its job
// without affecting sibling jobs.
type Engine struct {
	l       *slog.Logger
	db      *db.DB
	n       *notifier.Notifier
	cfg     *config.Config
	sm      secrets.Manager
	engines map[string]models.Engine
}

// New builds the orchestrator. sm may be nil, in which case jobs run
// without repo secrets.
func New(ctx context.Context, d *db.DB, n *notifier.Notifier, cfg *config.Config, sm secrets.Manager, engines map[string]models.Engine) (*Engine, error) {
	if err := os.MkdirAll(cfg.Pipelines.LogDir, 0755); err != nil {
		return nil, fmt.Errorf("creating log dir: %w", err)
	}

	l := log.Component(ctx, "engine")

	return &Engine{
		l:       l,
		db:      d,
		n:       n,
		cfg:     cfg,
		sm:      sm,
		engines: engines,
	}, nil
}

// engineFor resolves a job's runs-on label to an execution engine via the
// configured runner map.
func (e *Engine) engineFor(label string) (models.Engine, error) {
	target, ok := e.cfg.Pipelines.Runners[label]
	if !ok {
		target, ok = e.cfg.Pipelines.Runners["default"]
	}
	if !ok {
		return nil, fmt.Errorf("no runner for label %q", label)
	}

	kind := TargetDocker
	if target == TargetHost {
		kind = TargetHost
	}

	eng, ok := e.engines[kind]
	if !ok {
		return nil, fmt.Errorf("runner %q wants %s execution, but no %s engine is configured", label, kind, kind)
	}
	return eng, nil
}

// StartJobs runs all jobs of a compiled pipeline in parallel. Job failures
// are recorded as status events and do not propagate; only bookkeeping
// errors are returned.
func (e *Engine) StartJobs(ctx context.Context, cp workflow.Compiled, id models.PipelineId) error {
	e.l.Info("starting all jobs in parallel", "pipeline", id, "jobs", len(cp.Jobs))

	g := errgroup.Group{}
	for _, cj := range cp.Jobs {
		jid := models.JobId{PipelineId: id, Name: cj.Key()}

		g.Go(func() error {
			return e.runJob(ctx, jid, cj, cp.Trigger)
		})
	}

	if err := g.Wait(); err != nil {
		return err
	}

	e.l.Info("pipeline finished", "pipeline", id)
	return nil
}

func (e *Engine) runJob(ctx context.Context, jid models.JobId, cj workflow.CompiledJob, trigger workflow.Trigger) error {
	l := e.l.With("job", jid.Name, "pipeline", jid.PipelineId)

	eng, err := e.engineFor(cj.RunsOn)
	if err != nil {
		l.Error("no engine for job", "error", err)
		return e.db.StatusFailed(jid, err.Error(), -1, e.n)
	}

	job, err := eng.InitJob(cj, trigger)
	if err != nil {
		l.Error("failed to init job", "error", err)
		return e.db.StatusFailed(jid, err.Error(), -1, e.n)
	}

	jobLogger, err := models.NewJobLogger(e.cfg.Pipelines.LogDir, jid)
	if err != nil {
		l.Error("failed to create job logger", "error", err)
		return e.db.StatusFailed(jid, err.Error(), -1, e.n)
	}
	defer jobLogger.Close()

	if err := e.db.StatusRunning(jid, e.n); err != nil {
		return err
	}

	unlocked, err := e.repoSecrets(ctx, trigger)
	if err != nil {
		l.Error("failed to fetch repo secrets", "error", err)
		return e.db.StatusFailed(jid, err.Error(), -1, e.n)
	}

	if err := eng.SetupJob(ctx, jid, job); err != nil {
		l.Error("failed to set up job", "error", err)
		// setup may have created resources before failing; tear them down
		if derr := eng.DestroyJob(context.WithoutCancel(ctx), jid); derr != nil {
			l.Error("failed to destroy job", "error", derr)
		}
		return e.db.StatusFailed(jid, err.Error(), -1, e.n)
	}
	defer func() {
		// cleanup runs even when the job context has expired
		if err := eng.DestroyJob(context.WithoutCancel(ctx), jid); err != nil {
			l.Error("failed to destroy job", "error", err)
		}
	}()

	jctx, cancel := context.WithTimeout(ctx, eng.JobTimeout())
	defer cancel()

	for idx, step := range job.Steps {
		jobLogger.ControlWriter(idx, step, models.StepStarted).Write(nil)
		l.Info("running step", "step", step.Name(), "idx", idx)

		err := eng.RunStep(jctx, jid, job, idx, unlocked, jobLogger)
		if err != nil {
			jobLogger.ControlWriter(idx, step, models.StepFailed).Write(nil)

			// a failing step aborts the remainder of this job; sibling
			// jobs are unaffected
			if errors.Is(err, ErrTimedOut) || errors.Is(jctx.Err(), context.DeadlineExceeded) {
				l.Error("job timed out", "step", step.Name())
				return e.db.StatusTimeout(jid, e.n)
			}

			exitCode := int64(-1)
			var exitErr *ExitError
			if errors.As(err, &exitErr) {
				exitCode = exitErr.Code
			}

			l.Error("job failed", "step", step.Name(), "error", err, "exit_code", exitCode)
			return e.db.StatusFailed(jid, err.Error(), exitCode, e.n)
		}

		jobLogger.ControlWriter(idx, step, models.StepSucceeded).Write(nil)
	}

	l.Info("job succeeded")
	return e.db.StatusSuccess(jid, e.n)
}

// repoSecrets fetches the secrets configured for the triggering repo, in
// plaintext, for injection into step environments.
func (e *Engine) repoSecrets(ctx context.Context, trigger workflow.Trigger) ([]secrets.UnlockedSecret, error) {
	if e.sm == nil || trigger.Repo == nil {
		return nil, nil
	}

	repo := secrets.RepoPath(trigger.Repo.Owner + "/" + trigger.Repo.Name)
	return e.sm.GetSecretsUnlocked(ctx, repo)
}
