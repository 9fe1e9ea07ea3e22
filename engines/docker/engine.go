package docker

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"strings"
	"sync"
	"time"

	"github.com/avast/retry-go/v4"
	"github.com/docker/docker/api/types/container"
	"github.com/docker/docker/api/types/image"
	"github.com/docker/docker/api/types/mount"
	"github.com/docker/docker/api/types/network"
	"github.com/docker/docker/api/types/volume"
	"github.com/docker/docker/client"
	"github.com/docker/docker/pkg/stdcopy"
	"tangled.org/loom/config"
	"tangled.org/loom/engine"
	"tangled.org/loom/log"
	"tangled.org/loom/models"
	"tangled.org/loom/secrets"
	"tangled.org/loom/workflow"
)

const (
	workspaceDir = "/loom/workspace"
)

type cleanupFunc func(context.Context) error

// Engine runs each step in a fresh container off the runner label's
// configured image. The workspace volume and network persist across the
// steps of one job and are destroyed with the job.
type Engine struct {
	docker client.APIClient
	l      *slog.Logger
	cfg    *config.Config

	cleanupMu sync.Mutex
	cleanup   map[string][]cleanupFunc
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
	image string
	env   map[string]string
}

func New(ctx context.Context, cfg *config.Config) (*Engine, error) {
	dcli, err := client.NewClientWithOpts(client.FromEnv, client.WithAPIVersionNegotiation())
	if err != nil {
		return nil, err
	}

	l := log.Component(ctx, "docker-engine")

	e := &Engine{
		docker: dcli,
		l:      l,
		cfg:    cfg,
	}

	e.cleanup = make(map[string][]cleanupFunc)

	return e, nil
}

func (e *Engine) InitJob(cj workflow.CompiledJob, trigger workflow.Trigger) (*models.Job, error) {
	img, err := e.jobImage(cj.RunsOn)
	if err != nil {
		return nil, err
	}

	job := &models.Job{
		Name:   cj.Key(),
		RunsOn: cj.RunsOn,
		Data: addlFields{
			image: img,
			env:   cj.Environment,
		},
	}

	for _, dstep := range cj.Steps {
		if dstep.Uses == workflow.ActionCheckout {
			job.Steps = append(job.Steps, models.BuildCloneStep(dstep, trigger))
			continue
		}

		name := dstep.Name
		if name == "" {
			name = dstep.Command
		}

		job.Steps = append(job.Steps, Step{
			name:        name,
			kind:        models.StepKindUser,
			command:     dstep.Command,
			environment: dstep.Environment,
		})
	}

	return job, nil
}

// jobImage resolves a runs-on label to a container image via the runner
// map. Labels mapped to host execution are not ours to run.
func (e *Engine) jobImage(label string) (string, error) {
	target, ok := e.cfg.Pipelines.Runners[label]
	if !ok {
		target, ok = e.cfg.Pipelines.Runners["default"]
	}
	if !ok {
		return "", fmt.Errorf("no runner for label %q", label)
	}
	if target == engine.TargetHost {
		return "", fmt.Errorf("runner %q is not container-backed", label)
	}
	return target, nil
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

// SetupJob sets up a new network for the job and a volume for the
// workspace. These are persisted across steps and are destroyed at the
// end of the job.
func (e *Engine) SetupJob(ctx context.Context, jid models.JobId, job *models.Job) error {
	e.l.Info("setting up job", "job", jid)

	_, err := e.docker.VolumeCreate(ctx, volume.CreateOptions{
		Name:   workspaceVolume(jid),
		Driver: "local",
	})
	if err != nil {
		return err
	}
	e.registerCleanup(jid, func(ctx context.Context) error {
		return e.docker.VolumeRemove(ctx, workspaceVolume(jid), true)
	})

	_, err = e.docker.NetworkCreate(ctx, networkName(jid), network.CreateOptions{
		Driver: "bridge",
	})
	if err != nil {
		return err
	}
	e.registerCleanup(jid, func(ctx context.Context) error {
		return e.docker.NetworkRemove(ctx, networkName(jid))
	})

	addl := job.Data.(addlFields)

	// registries flake; retry pulls with backoff before giving up
	err = retry.Do(
		func() error {
			reader, err := e.docker.ImagePull(ctx, addl.image, image.PullOptions{})
			if err != nil {
				return err
			}
			defer reader.Close()
			_, err = io.Copy(os.Stdout, reader)
			return err
		},
		retry.Attempts(3),
		retry.DelayType(retry.BackOffDelay),
		retry.Delay(time.Second),
		retry.Context(ctx),
		retry.OnRetry(func(n uint, err error) {
			e.l.Info("retrying image pull", "image", addl.image, "attempt", n+1, "error", err)
		}),
	)
	if err != nil {
		e.l.Error("job image pull failed!", "image", addl.image, "job", jid, "error", err.Error())

		return fmt.Errorf("pulling image: %w", err)
	}

	return nil
}

func (e *Engine) RunStep(ctx context.Context, jid models.JobId, job *models.Job, idx int, secrets []secrets.UnlockedSecret, jobLogger *models.JobLogger) error {
	addl := job.Data.(addlFields)
	jobEnvs := ConstructEnvs(addl.env)
	for _, s := range secrets {
		jobEnvs.AddEnv(s.Key, s.Value)
	}

	step := job.Steps[idx]

	select {
	case <-ctx.Done():
		return ctx.Err()
	default:
	}

	envs := append(EnvVars(nil), jobEnvs...)
	if ds, ok := step.(Step); ok {
		for k, v := range ds.environment {
			envs.AddEnv(k, v)
		}
	}
	envs.AddEnv("HOME", workspaceDir)
	e.l.Debug("envs for step", "step", step.Name(), "envs", envs.Slice())

	hostConfig := hostConfig(jid)
	resp, err := e.docker.ContainerCreate(ctx, &container.Config{
		Image:      addl.image,
		Cmd:        []string{"sh", "-c", step.Command()},
		WorkingDir: workspaceDir,
		Tty:        false,
		Hostname:   "loom",
		Env:        envs.Slice(),
	}, hostConfig, nil, nil, "")
	defer e.DestroyStep(ctx, resp.ID)
	if err != nil {
		return fmt.Errorf("creating container: %w", err)
	}

	err = e.docker.NetworkConnect(ctx, networkName(jid), resp.ID, nil)
	if err != nil {
		return fmt.Errorf("connecting network: %w", err)
	}

	err = e.docker.ContainerStart(ctx, resp.ID, container.StartOptions{})
	if err != nil {
		return err
	}
	e.l.Info("started container", "name", resp.ID, "step", step.Name())

	// start tailing logs in background
	tailDone := make(chan error, 1)
	go func() {
		tailDone <- e.tailStep(ctx, jobLogger, resp.ID, idx)
	}()

	// wait for container completion or timeout
	waitDone := make(chan struct{})
	var state *container.State
	var waitErr error

	go func() {
		defer close(waitDone)
		state, waitErr = e.WaitStep(ctx, resp.ID)
	}()

	select {
	case <-waitDone:

		// wait for tailing to complete
		<-tailDone

	case <-ctx.Done():
		e.l.Warn("step timed out; killing container", "container", resp.ID, "step", step.Name())
		err = e.DestroyStep(context.WithoutCancel(ctx), resp.ID)
		if err != nil {
			e.l.Error("failed to destroy step", "container", resp.ID, "error", err)
		}

		// wait for both goroutines to finish
		<-waitDone
		<-tailDone

		return engine.ErrTimedOut
	}

	select {
	case <-ctx.Done():
		return ctx.Err()
	default:
	}

	if waitErr != nil {
		return waitErr
	}

	err = e.DestroyStep(ctx, resp.ID)
	if err != nil {
		return err
	}

	if state.ExitCode != 0 {
		e.l.Error("job failed!", "job", jid.String(), "error", state.Error, "exit_code", state.ExitCode, "oom_killed", state.OOMKilled)
		if state.OOMKilled {
			return engine.ErrOOMKilled
		}
		return &engine.ExitError{Code: int64(state.ExitCode)}
	}

	return nil
}

func (e *Engine) WaitStep(ctx context.Context, containerID string) (*container.State, error) {
	wait, errCh := e.docker.ContainerWait(ctx, containerID, container.WaitConditionNotRunning)
	select {
	case err := <-errCh:
		if err != nil {
			return nil, err
		}
	case <-wait:
	}

	e.l.Info("waited for container", "name", containerID)

	info, err := e.docker.ContainerInspect(ctx, containerID)
	if err != nil {
		return nil, err
	}

	return info.State, nil
}

func (e *Engine) tailStep(ctx context.Context, jobLogger *models.JobLogger, containerID string, stepIdx int) error {
	if jobLogger == nil {
		return nil
	}

	logs, err := e.docker.ContainerLogs(ctx, containerID, container.LogsOptions{
		Follow:     true,
		ShowStdout: true,
		ShowStderr: true,
		Details:    false,
		Timestamps: false,
	})
	if err != nil {
		return err
	}

	_, err = stdcopy.StdCopy(
		&ansiStrippingWriter{jobLogger.DataWriter(stepIdx, "stdout")},
		&ansiStrippingWriter{jobLogger.DataWriter(stepIdx, "stderr")},
		logs,
	)
	if err != nil && err != io.EOF && !errors.Is(err, context.DeadlineExceeded) {
		return fmt.Errorf("failed to copy logs: %w", err)
	}

	return nil
}

func (e *Engine) DestroyStep(ctx context.Context, containerID string) error {
	err := e.docker.ContainerKill(ctx, containerID, "9") // SIGKILL
	if err != nil && !isErrContainerNotFoundOrNotRunning(err) {
		return err
	}

	if err := e.docker.ContainerRemove(ctx, containerID, container.RemoveOptions{
		RemoveVolumes: true,
		RemoveLinks:   false,
		Force:         false,
	}); err != nil && !isErrContainerNotFoundOrNotRunning(err) {
		return err
	}

	return nil
}

func (e *Engine) DestroyJob(ctx context.Context, jid models.JobId) error {
	e.cleanupMu.Lock()
	key := jid.String()

	fns := e.cleanup[key]
	delete(e.cleanup, key)
	e.cleanupMu.Unlock()

	for _, fn := range fns {
		if err := fn(ctx); err != nil {
			e.l.Error("failed to cleanup job resource", "job", jid, "error", err)
		}
	}
	return nil
}

func (e *Engine) registerCleanup(jid models.JobId, fn cleanupFunc) {
	e.cleanupMu.Lock()
	defer e.cleanupMu.Unlock()

	key := jid.String()
	e.cleanup[key] = append(e.cleanup[key], fn)
}

// thanks woodpecker
func isErrContainerNotFoundOrNotRunning(err error) bool {
	// Error response from daemon: Cannot kill container: ...: No such container: ...
	// Error response from daemon: Cannot kill container: ...: Container ... is not running"
	// Error response from podman daemon: can only kill running containers. ... is in state exited
	// Error: No such container: ...
	return err != nil && (strings.Contains(err.Error(), "No such container") || strings.Contains(err.Error(), "is not running") || strings.Contains(err.Error(), "can only kill running containers"))
}

func workspaceVolume(jid models.JobId) string {
	return fmt.Sprintf("workspace-%s", jid)
}

func networkName(jid models.JobId) string {
	return fmt.Sprintf("job-%s", jid)
}

func hostConfig(jid models.JobId) *container.HostConfig {
	hostConfig := &container.HostConfig{
		Mounts: []mount.Mount{
			{
				Type:   mount.TypeVolume,
				Source: workspaceVolume(jid),
				Target: workspaceDir,
			},
		},
		ReadonlyRootfs: true,
		CapDrop:        []string{"ALL"},
		SecurityOpt:    []string{"no-new-privileges"},
	}

	return hostConfig
}
