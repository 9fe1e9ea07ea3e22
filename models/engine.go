package models

import (
	"context"
	"time"

	"tangled.org/loom/secrets"
	"tangled.org/loom/workflow"
)

type Engine interface {
	InitJob(cj workflow.CompiledJob, trigger workflow.Trigger) (*Job, error)
	SetupJob(ctx context.Context, jid JobId, job *Job) error
	JobTimeout() time.Duration
	DestroyJob(ctx context.Context, jid JobId) error
	RunStep(ctx context.Context, jid JobId, job *Job, idx int, secrets []secrets.UnlockedSecret, jobLogger *JobLogger) error
}
