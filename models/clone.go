package models

import (
	"fmt"
	"strconv"
	"strings"

	"tangled.org/loom/workflow"
)

type CloneStep struct {
	name     string
	kind     StepKind
	commands []string
}

func (s CloneStep) Name() string {
	return s.name
}

func (s CloneStep) Commands() []string {
	return s.commands
}

func (s CloneStep) Command() string {
	return strings.Join(s.commands, "\n")
}

func (s CloneStep) Kind() StepKind {
	return s.kind
}

// BuildCloneStep generates the git commands backing a `uses: checkout` step.
// The caller must ensure the current working directory is set to the desired
// workspace directory before executing these commands.
//
// The generated commands are:
// - git init
// - git remote add origin <url>
// - git fetch --depth=<d> --recurse-submodules=<yes|no> <target>
// - git checkout FETCH_HEAD
//
// Supports all trigger types (push, PR, manual) and checkout options.
func BuildCloneStep(step workflow.Step, trigger workflow.Trigger) CloneStep {
	target, err := fetchTarget(trigger)
	if err != nil {
		return CloneStep{
			kind:     StepKindSystem,
			name:     "Checkout repository (error)",
			commands: []string{fmt.Sprintf("echo 'Failed to get checkout info: %s' && exit 1", err.Error())},
		}
	}

	repoURL := trigger.Repo.CloneURL

	// default fetch depth is 1
	depth := 1
	if d, err := strconv.Atoi(step.With["depth"]); err == nil && d > 1 {
		depth = d
	}

	submodules := "no"
	if step.With["submodules"] == "true" {
		submodules = "yes"
	}

	fetchCmd := fmt.Sprintf(
		"git fetch --depth=%d --recurse-submodules=%s origin %s",
		depth,
		submodules,
		target,
	)

	return CloneStep{
		kind: StepKindSystem,
		name: "Checkout " + target,
		commands: []string{
			"git init",
			"git config advice.detachedHead false",
			"git remote add origin " + repoURL,
			fetchCmd,
			"git checkout --progress --force FETCH_HEAD",
		},
	}
}

// fetchTarget picks the commit or ref a checkout should land on for the
// given trigger.
func fetchTarget(trigger workflow.Trigger) (string, error) {
	if trigger.Repo == nil || trigger.Repo.CloneURL == "" {
		return "", fmt.Errorf("trigger carries no clone url")
	}

	if sha := trigger.TargetSha(); sha != "" {
		return sha, nil
	}

	switch trigger.Kind {
	case workflow.TriggerKindPush:
		if trigger.Push != nil && trigger.Push.Ref != "" {
			return trigger.Push.Ref, nil
		}
	case workflow.TriggerKindPullRequest:
		if trigger.PullRequest != nil && trigger.PullRequest.SourceBranch != "" {
			return trigger.PullRequest.SourceBranch, nil
		}
	case workflow.TriggerKindManual:
		if trigger.Repo.DefaultBranch != "" {
			return trigger.Repo.DefaultBranch, nil
		}
	}

	return "", fmt.Errorf("no checkout target for %s trigger", trigger.Kind)
}
