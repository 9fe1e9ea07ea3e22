package host

import (
	"bufio"
	"context"
	"encoding/json"
	"errors"
	"os"
	"testing"
	"time"

	"tangled.org/loom/config"
	"tangled.org/loom/engine"
	"tangled.org/loom/models"
	"tangled.org/loom/secrets"
	"tangled.org/loom/workflow"
)

func testConfig() *config.Config {
	return &config.Config{
		Pipelines: config.Pipelines{
			Runners:    map[string]string{"default": "host"},
			JobTimeout: "1m",
		},
	}
}

func setupJob(t *testing.T, e *Engine, cj workflow.CompiledJob) (models.JobId, *models.Job) {
	t.Helper()

	jid := models.JobId{PipelineId: models.NewPipelineId(), Name: cj.Key()}

	job, err := e.InitJob(cj, workflow.Trigger{
		Kind:   workflow.TriggerKindManual,
		Manual: &workflow.ManualTriggerData{},
	})
	if err != nil {
		t.Fatal(err)
	}

	if err := e.SetupJob(context.Background(), jid, job); err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { e.DestroyJob(context.Background(), jid) })

	return jid, job
}

func jobLogLines(t *testing.T, logDir string, jid models.JobId) []models.LogLine {
	t.Helper()

	f, err := os.Open(models.LogFilePath(logDir, jid))
	if err != nil {
		t.Fatal(err)
	}
	defer f.Close()

	var lines []models.LogLine
	scanner := bufio.NewScanner(f)
	for scanner.Scan() {
		var line models.LogLine
		if err := json.Unmarshal(scanner.Bytes(), &line); err != nil {
			t.Fatal(err)
		}
		lines = append(lines, line)
	}
	if err := scanner.Err(); err != nil {
		t.Fatal(err)
	}
	return lines
}

func TestRunStepOutput(t *testing.T) {
	e, err := New(context.Background(), testConfig())
	if err != nil {
		t.Fatal(err)
	}

	cj := workflow.CompiledJob{
		File: "ci.yml",
		Job: workflow.Job{
			Name:   "build",
			RunsOn: "ubuntu",
			Steps: []workflow.Step{
				{Command: "echo hello; echo oops >&2"},
			},
		},
	}

	jid, job := setupJob(t, e, cj)

	logDir := t.TempDir()
	jobLogger, err := models.NewJobLogger(logDir, jid)
	if err != nil {
		t.Fatal(err)
	}

	if err := e.RunStep(context.Background(), jid, job, 0, nil, jobLogger); err != nil {
		t.Fatal(err)
	}
	jobLogger.Close()

	var stdout, stderr string
	for _, line := range jobLogLines(t, logDir, jid) {
		switch line.Stream {
		case "stdout":
			stdout = line.Content
		case "stderr":
			stderr = line.Content
		}
	}
	if stdout != "hello" {
		t.Errorf("stdout: expected %q, got %q", "hello", stdout)
	}
	if stderr != "oops" {
		t.Errorf("stderr: expected %q, got %q", "oops", stderr)
	}
}

func TestRunStepExitCode(t *testing.T) {
	e, err := New(context.Background(), testConfig())
	if err != nil {
		t.Fatal(err)
	}

	cj := workflow.CompiledJob{
		File: "ci.yml",
		Job: workflow.Job{
			Name:   "build",
			RunsOn: "ubuntu",
			Steps: []workflow.Step{
				{Command: "exit 3"},
			},
		},
	}

	jid, job := setupJob(t, e, cj)

	jobLogger, err := models.NewJobLogger(t.TempDir(), jid)
	if err != nil {
		t.Fatal(err)
	}
	defer jobLogger.Close()

	err = e.RunStep(context.Background(), jid, job, 0, nil, jobLogger)

	var exitErr *engine.ExitError
	if !errors.As(err, &exitErr) {
		t.Fatalf("expected ExitError, got %v", err)
	}
	if exitErr.Code != 3 {
		t.Errorf("expected exit code 3, got %d", exitErr.Code)
	}
	if !errors.Is(err, engine.ErrJobFailed) {
		t.Error("ExitError should unwrap to ErrJobFailed")
	}
}

func TestRunStepEnvironment(t *testing.T) {
	e, err := New(context.Background(), testConfig())
	if err != nil {
		t.Fatal(err)
	}

	cj := workflow.CompiledJob{
		File: "ci.yml",
		Job: workflow.Job{
			Name:        "build",
			RunsOn:      "ubuntu",
			Environment: map[string]string{"CARGO_TERM_COLOR": "always"},
			Steps: []workflow.Step{
				{
					Command:     `echo "$CARGO_TERM_COLOR/$RUST_LOG"`,
					Environment: map[string]string{"RUST_LOG": "debug"},
				},
			},
		},
	}

	jid, job := setupJob(t, e, cj)

	logDir := t.TempDir()
	jobLogger, err := models.NewJobLogger(logDir, jid)
	if err != nil {
		t.Fatal(err)
	}

	if err := e.RunStep(context.Background(), jid, job, 0, nil, jobLogger); err != nil {
		t.Fatal(err)
	}
	jobLogger.Close()

	lines := jobLogLines(t, logDir, jid)
	if len(lines) != 1 || lines[0].Content != "always/debug" {
		t.Errorf("job and step environment not visible to step, got %v", lines)
	}
}

func TestRunStepSecrets(t *testing.T) {
	e, err := New(context.Background(), testConfig())
	if err != nil {
		t.Fatal(err)
	}

	cj := workflow.CompiledJob{
		File: "ci.yml",
		Job: workflow.Job{
			Name:   "build",
			RunsOn: "ubuntu",
			Steps: []workflow.Step{
				{Command: `echo "$CARGO_TOKEN"`},
			},
		},
	}

	jid, job := setupJob(t, e, cj)

	logDir := t.TempDir()
	jobLogger, err := models.NewJobLogger(logDir, jid)
	if err != nil {
		t.Fatal(err)
	}

	unlocked := []secrets.UnlockedSecret{
		{Repo: "icy/engine", Key: "CARGO_TOKEN", Value: "hunter2"},
	}
	if err := e.RunStep(context.Background(), jid, job, 0, unlocked, jobLogger); err != nil {
		t.Fatal(err)
	}
	jobLogger.Close()

	lines := jobLogLines(t, logDir, jid)
	if len(lines) != 1 || lines[0].Content != "hunter2" {
		t.Errorf("secret not visible to step, got %v", lines)
	}
}

func TestStepsShareWorkspace(t *testing.T) {
	e, err := New(context.Background(), testConfig())
	if err != nil {
		t.Fatal(err)
	}

	cj := workflow.CompiledJob{
		File: "ci.yml",
		Job: workflow.Job{
			Name:   "build",
			RunsOn: "ubuntu",
			Steps: []workflow.Step{
				{Command: "echo data > state.txt"},
				{Command: "cat state.txt"},
			},
		},
	}

	jid, job := setupJob(t, e, cj)

	logDir := t.TempDir()
	jobLogger, err := models.NewJobLogger(logDir, jid)
	if err != nil {
		t.Fatal(err)
	}

	for idx := range job.Steps {
		if err := e.RunStep(context.Background(), jid, job, idx, nil, jobLogger); err != nil {
			t.Fatal(err)
		}
	}
	jobLogger.Close()

	lines := jobLogLines(t, logDir, jid)
	if len(lines) != 1 || lines[0].Content != "data" {
		t.Errorf("second step should read what the first wrote, got %v", lines)
	}
}

func TestRunStepTimeout(t *testing.T) {
	e, err := New(context.Background(), testConfig())
	if err != nil {
		t.Fatal(err)
	}

	cj := workflow.CompiledJob{
		File: "ci.yml",
		Job: workflow.Job{
			Name:   "build",
			RunsOn: "ubuntu",
			Steps: []workflow.Step{
				{Command: "sleep 10"},
			},
		},
	}

	jid, job := setupJob(t, e, cj)

	jobLogger, err := models.NewJobLogger(t.TempDir(), jid)
	if err != nil {
		t.Fatal(err)
	}
	defer jobLogger.Close()

	ctx, cancel := context.WithTimeout(context.Background(), 100*time.Millisecond)
	defer cancel()

	err = e.RunStep(ctx, jid, job, 0, nil, jobLogger)
	if !errors.Is(err, engine.ErrTimedOut) {
		t.Fatalf("expected ErrTimedOut, got %v", err)
	}
}

func TestDestroyJobRemovesWorkspace(t *testing.T) {
	e, err := New(context.Background(), testConfig())
	if err != nil {
		t.Fatal(err)
	}

	cj := workflow.CompiledJob{
		File: "ci.yml",
		Job: workflow.Job{
			Name:   "build",
			RunsOn: "ubuntu",
			Steps:  []workflow.Step{{Command: "true"}},
		},
	}

	jid, _ := setupJob(t, e, cj)

	e.mu.Lock()
	dir := e.workspaces[jid.String()]
	e.mu.Unlock()
	if dir == "" {
		t.Fatal("no workspace after setup")
	}

	if err := e.DestroyJob(context.Background(), jid); err != nil {
		t.Fatal(err)
	}
	if _, err := os.Stat(dir); !os.IsNotExist(err) {
		t.Errorf("workspace %s still exists", dir)
	}
}

func TestInitJobExpandsCheckout(t *testing.T) {
	e, err := New(context.Background(), testConfig())
	if err != nil {
		t.Fatal(err)
	}

	cj := workflow.CompiledJob{
		File: "ci.yml",
		Job: workflow.Job{
			Name:   "build",
			RunsOn: "ubuntu",
			Steps: []workflow.Step{
				{Uses: workflow.ActionCheckout},
				{Name: "Build", Command: "cargo build"},
			},
		},
	}

	job, err := e.InitJob(cj, workflow.Trigger{
		Kind: workflow.TriggerKindManual,
		Repo: &workflow.TriggerRepo{
			Owner:         "icy",
			Name:          "engine",
			CloneURL:      "https://example.com/icy/engine",
			DefaultBranch: "main",
		},
		Manual: &workflow.ManualTriggerData{},
	})
	if err != nil {
		t.Fatal(err)
	}

	if len(job.Steps) != 2 {
		t.Fatalf("expected 2 steps, got %d", len(job.Steps))
	}
	if job.Steps[0].Kind() != models.StepKindSystem {
		t.Error("checkout should expand to a system step")
	}
	if job.Steps[1].Kind() != models.StepKindUser {
		t.Error("command steps stay user steps")
	}
	if job.Steps[1].Name() != "Build" {
		t.Errorf("expected step name Build, got %q", job.Steps[1].Name())
	}
}
