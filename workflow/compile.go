package workflow

import (
	"errors"
	"fmt"
)

type RawFile struct {
	Name     string
	Contents []byte
}

type RawPipeline = []RawFile

// Compiler turns a repository's pipeline files into a set of runnable jobs
// for a given trigger, collecting diagnostics along the way.
type Compiler struct {
	Trigger     Trigger
	Diagnostics Diagnostics
}

// Compiled is a fully checked pipeline that runners accept: every job in it
// matched the trigger and passed structural analysis.
type Compiled struct {
	Trigger Trigger
	Jobs    []CompiledJob
}

type CompiledJob struct {
	File string
	Job
}

// Key identifies a job uniquely within its pipeline.
func (cj CompiledJob) Key() string {
	return cj.File + "/" + cj.Name
}

type Diagnostics struct {
	Errors   []Error
	Warnings []Warning
}

func (d *Diagnostics) IsEmpty() bool {
	return len(d.Errors) == 0 && len(d.Warnings) == 0
}

func (d *Diagnostics) Combine(o Diagnostics) {
	d.Errors = append(d.Errors, o.Errors...)
	d.Warnings = append(d.Warnings, o.Warnings...)
}

func (d *Diagnostics) AddWarning(path string, kind WarningKind, reason string) {
	d.Warnings = append(d.Warnings, Warning{path, kind, reason})
}

func (d *Diagnostics) AddError(path string, err error) {
	d.Errors = append(d.Errors, Error{path, err})
}

func (d Diagnostics) IsErr() bool {
	return len(d.Errors) != 0
}

type Error struct {
	Path  string
	Error error
}

func (e Error) String() string {
	return fmt.Sprintf("error: %s: %s", e.Path, e.Error.Error())
}

type Warning struct {
	Path   string
	Type   WarningKind
	Reason string
}

func (w Warning) String() string {
	return fmt.Sprintf("warning: %s: %s: %s", w.Path, w.Type, w.Reason)
}

var (
	MissingRunner = errors.New("missing runs-on")
	MissingSteps  = errors.New("job has no steps")
	AmbiguousStep = errors.New("step declares both command and uses")
	EmptyStep     = errors.New("step declares neither command nor uses")
)

type WarningKind string

var (
	JobSkipped           WarningKind = "job skipped"
	InvalidConfiguration WarningKind = "invalid configuration"
	SuspiciousOrdering   WarningKind = "suspicious ordering"
)

func (compiler *Compiler) Parse(p RawPipeline) []Pipeline {
	var pp []Pipeline

	for _, f := range p {
		pipeline, err := FromFile(f.Name, f.Contents)
		if err != nil {
			compiler.Diagnostics.AddError(f.Name, err)
			continue
		}

		pp = append(pp, pipeline)
	}

	return pp
}

// Compile converts parsed pipeline files into a fully compiled pipeline
// that runners accept. Files whose constraints do not match the trigger
// contribute no jobs.
func (compiler *Compiler) Compile(pipelines []Pipeline) Compiled {
	cp := Compiled{
		Trigger: compiler.Trigger,
	}

	for _, p := range pipelines {
		if !p.Match(compiler.Trigger) {
			for _, job := range p.Jobs {
				compiler.Diagnostics.AddWarning(
					p.File,
					JobSkipped,
					fmt.Sprintf("%s did not match trigger %s", job.Name, compiler.Trigger.Kind),
				)
			}
			continue
		}

		for _, job := range p.Jobs {
			cj := compiler.compileJob(p.File, job)
			if cj == nil {
				continue
			}
			cp.Jobs = append(cp.Jobs, *cj)
		}
	}

	return cp
}

func (compiler *Compiler) compileJob(file string, job Job) *CompiledJob {
	path := file + "/" + job.Name

	if job.RunsOn == "" {
		compiler.Diagnostics.AddError(path, MissingRunner)
		return nil
	}

	if len(job.Steps) == 0 {
		compiler.Diagnostics.AddError(path, MissingSteps)
		return nil
	}

	ok := true
	for idx, step := range job.Steps {
		if !compiler.analyzeStep(path, idx, step) {
			ok = false
		}
	}
	if !ok {
		return nil
	}

	compiler.analyzeOrdering(path, job)

	return &CompiledJob{
		File: file,
		Job:  job,
	}
}

func (compiler *Compiler) analyzeStep(path string, idx int, step Step) bool {
	at := fmt.Sprintf("%s (step %d)", path, idx+1)

	switch {
	case step.Command != "" && step.Uses != "":
		compiler.Diagnostics.AddError(at, AmbiguousStep)
		return false
	case step.Command == "" && step.Uses == "":
		compiler.Diagnostics.AddError(at, EmptyStep)
		return false
	case step.Uses != "" && !KnownAction(step.Uses):
		compiler.Diagnostics.AddError(at, fmt.Errorf("unknown action %q", step.Uses))
		return false
	}

	if step.Command != "" && len(step.With) > 0 {
		compiler.Diagnostics.AddWarning(
			at,
			InvalidConfiguration,
			"`with` has no effect on command steps",
		)
	}

	return true
}

// analyzeOrdering flags a checkout in final position: the fetched sources
// are never used by a later step.
func (compiler *Compiler) analyzeOrdering(path string, job Job) {
	last := job.Steps[len(job.Steps)-1]
	if last.Uses == ActionCheckout {
		compiler.Diagnostics.AddWarning(
			path,
			SuspiciousOrdering,
			"checkout is the last step, nothing uses the sources",
		)
	}
}
