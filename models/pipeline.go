package models

type Pipeline struct {
	RepoOwner string
	RepoName  string
	Jobs      []Job
}

type Step interface {
	Name() string
	Command() string
	Kind() StepKind
}

type StepKind int

const (
	// steps injected by the CI runner
	StepKindSystem StepKind = iota
	// steps defined by the user in the original pipeline file
	StepKindUser
)

// Job is the runtime form of one declared job: user steps prefixed with
// whatever system steps the engine injected, plus engine-private data.
type Job struct {
	Steps  []Step
	Name   string
	RunsOn string
	Data   any
}

type StatusKind string

const (
	StatusKindPending StatusKind = "pending"
	StatusKindRunning StatusKind = "running"
	StatusKindFailed  StatusKind = "failed"
	StatusKindTimeout StatusKind = "timeout"
	StatusKindSuccess StatusKind = "success"
)

type StepStatus string

const (
	StepStarted   StepStatus = "started"
	StepSucceeded StepStatus = "succeeded"
	StepFailed    StepStatus = "failed"
)
