package host

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"os/exec"
	"sync"
	"time"

	"tangled.org/loom/config"
	"tangled.org/loom/engine"
	"tangled.org/loom/log"
	"tangled.org/loom/models"
	"tangled.org/loom/secrets"
	"tangled.org/loom/workflow"
)

// Engine runs steps directly on the host, for runner labels whose
// toolchain is assumed preinstalled. Each job gets a throwaway workspace
// directory; steps share it and run under sh -c.
type Engine struct {
	l   *slog.Logger
	cfg *config.Config

	mu         sync.Mutex
	workspaces map[string]string
}

type Step struct {
	name        string
	kind        models.StepKind
	command     string
	environment map[string]string
}

func (s Step) Name() string {
	return s.name
}

func (s Step) Command() string {
	return s.command
}

func (s Step) Kind() models.StepKind {
	return s.kind
}

type addlFields struct {
	env map[string]string
}

func New(ctx context.Context, cfg *config.Config) (*Engine, error) {
	l := log.Component(ctx, "host-engine")

	return &Engine{
		l:          l,
		cfg:        cfg,
		workspaces: make(map[string]string),
	}, nil
}

func (e *Engine) InitJob(cj workflow.CompiledJob, trigger workflow.Trigger) (*models.Job, error) {
	job := &models.Job{
		Name:   cj.Key(),
		RunsOn: cj.RunsOn,
		Data:   addlFields{env: cj.Environment},
	}

	for _, dstep := range cj.Steps {
		if dstep.Uses == workflow.ActionCheckout {
			job.Steps = append(job.Steps, models.BuildCloneStep(dstep, trigger))
			continue
		}

		job.Steps = append(job.Steps, Step{
			name:        stepName(dstep),
			kind:        models.StepKindUser,
			command:     dstep.Command,
			environment: dstep.Environment,
		})
	}

	return job, nil
}

func stepName(s workflow.Step) string {
	if s.Name != "" {
		return s.Name
	}
	return s.Command
}

func (e *Engine) SetupJob(ctx context.Context, jid models.JobId, job *models.Job) error {
	dir, err := os.MkdirTemp("", "loom-workspace-*")
	if err != nil {
		return fmt.Errorf("creating workspace: %w", err)
	}

	e.mu.Lock()
	e.workspaces[jid.String()] = dir
	e.mu.Unlock()

	e.l.Info("set up workspace", "job", jid, "dir", dir)
	return nil
}

func (e *Engine) JobTimeout() time.Duration {
	jobTimeoutStr := e.cfg.Pipelines.JobTimeout
	jobTimeout, err := time.ParseDuration(jobTimeoutStr)
	if err != nil {
		e.l.Error("failed to parse job timeout", "error", err, "timeout", jobTimeoutStr)
		jobTimeout = 5 * time.Minute
	}

	return jobTimeout
}

func (e *Engine) RunStep(ctx context.Context, jid models.JobId, job *models.Job, idx int, secrets []secrets.UnlockedSecret, jobLogger *models.JobLogger) error {
	step := job.Steps[idx]

	select {
	case <-ctx.Done():
		return ctx.Err()
	default:
	}

	e.mu.Lock()
	workspace := e.workspaces[jid.String()]
	e.mu.Unlock()
	if workspace == "" {
		return fmt.Errorf("no workspace for job %s", jid)
	}

	envs := engine.EnvVars(os.Environ())
	if addl, ok := job.Data.(addlFields); ok {
		envs = append(envs, engine.ConstructEnvs(addl.env)...)
	}
	for _, s := range secrets {
		envs.AddEnv(s.Key, s.Value)
	}
	if hs, ok := step.(Step); ok {
		envs = append(envs, engine.ConstructEnvs(hs.environment)...)
	}
	envs.AddEnv("HOME", workspace)

	cmd := exec.CommandContext(ctx, "sh", "-c", step.Command())
	cmd.Dir = workspace
	cmd.Env = envs.Slice()
	cmd.WaitDelay = time.Second

	stdout, err := cmd.StdoutPipe()
	if err != nil {
		return err
	}
	stderr, err := cmd.StderrPipe()
	if err != nil {
		return err
	}

	if err := cmd.Start(); err != nil {
		return fmt.Errorf("starting step: %w", err)
	}
	e.l.Info("started step process", "step", step.Name(), "pid", cmd.Process.Pid)

	wg := sync.WaitGroup{}
	wg.Add(2)
	go func() {
		defer wg.Done()
		pipeLines(stdout, jobLogger.DataWriter(idx, "stdout"))
	}()
	go func() {
		defer wg.Done()
		pipeLines(stderr, jobLogger.DataWriter(idx, "stderr"))
	}()

	// wait until all output is piped
	wg.Wait()

	err = cmd.Wait()
	if errors.Is(ctx.Err(), context.DeadlineExceeded) {
		return engine.ErrTimedOut
	}
	if err != nil {
		var exitErr *exec.ExitError
		if errors.As(err, &exitErr) {
			return &engine.ExitError{Code: int64(exitErr.ExitCode())}
		}
		return err
	}

	return nil
}

func (e *Engine) DestroyJob(ctx context.Context, jid models.JobId) error {
	e.mu.Lock()
	dir := e.workspaces[jid.String()]
	delete(e.workspaces, jid.String())
	e.mu.Unlock()

	if dir == "" {
		return nil
	}
	return os.RemoveAll(dir)
}

// pipeLines copies r into w line by line, so downstream writers always
// receive whole lines.
func pipeLines(r io.Reader, w io.Writer) {
	scanner := bufio.NewScanner(r)
	scanner.Buffer(make([]byte, 64*1024), 1024*1024)
	for scanner.Scan() {
		fmt.Fprintln(w, scanner.Text())
	}
}
