package workflow

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestUnmarshalPipeline(t *testing.T) {
	yamlData := `
when:
  - event: ["push", "pull_request"]
    branch: ["main", "develop"]

jobs:
  build:
    runs-on: ubuntu
    steps:
      - uses: checkout
      - name: Build
        command: make all`

	p, err := FromFile("test.yml", []byte(yamlData))
	assert.NoError(t, err, "YAML should unmarshal without error")

	assert.Len(t, p.When, 1, "Should have one constraint")
	assert.ElementsMatch(t, []string{"main", "develop"}, p.When[0].Branch)
	assert.ElementsMatch(t, []string{"push", "pull_request"}, p.When[0].Event)

	require.Len(t, p.Jobs, 1)
	job := p.Jobs[0]
	assert.Equal(t, "build", job.Name)
	assert.Equal(t, "ubuntu", job.RunsOn)
	require.Len(t, job.Steps, 2)
	assert.Equal(t, ActionCheckout, job.Steps[0].Uses)
	assert.Equal(t, "make all", job.Steps[1].Command)
}

func TestUnmarshalScalarEvent(t *testing.T) {
	yamlData := `
when:
  - event: pull_request

jobs:
  build:
    runs-on: ubuntu
    steps:
      - command: true
`

	p, err := FromFile("test.yml", []byte(yamlData))
	assert.NoError(t, err)

	assert.ElementsMatch(t, []string{"pull_request"}, p.When[0].Event)
}

func TestUnmarshalJobOrder(t *testing.T) {
	yamlData := `
jobs:
  linux:
    runs-on: ubuntu
    steps: [{command: "true"}]
  windows:
    runs-on: windows
    steps: [{command: "true"}]
  macos:
    runs-on: macos
    steps: [{command: "true"}]
  quality:
    runs-on: ubuntu
    steps: [{command: "true"}]
`

	p, err := FromFile("test.yml", []byte(yamlData))
	require.NoError(t, err)

	var names []string
	for _, job := range p.Jobs {
		names = append(names, job.Name)
	}

	// document order, not lexical order
	assert.Equal(t, []string{"linux", "windows", "macos", "quality"}, names)
}

func TestUnmarshalDuplicateJob(t *testing.T) {
	yamlData := `
jobs:
  build:
    runs-on: ubuntu
    steps: [{command: "true"}]
  build:
    runs-on: windows
    steps: [{command: "true"}]
`

	_, err := FromFile("test.yml", []byte(yamlData))
	assert.Error(t, err)
	assert.Contains(t, err.Error(), "duplicate job")
}

func TestUnmarshalJobsNotMapping(t *testing.T) {
	yamlData := `
jobs:
  - runs-on: ubuntu
`

	_, err := FromFile("test.yml", []byte(yamlData))
	assert.Error(t, err)
}

func TestRoundTrip(t *testing.T) {
	yamlData := `
name: ci
when:
  - event: [pull_request]
    branch: [main]

jobs:
  linux:
    runs-on: ubuntu
    environment:
      CARGO_TERM_COLOR: always
    steps:
      - uses: checkout
        with:
          depth: "1"
      - name: Install native dependencies
        command: apt-get install -y libxrandr-dev
      - name: Build
        command: cargo build
  quality:
    runs-on: ubuntu
    steps:
      - uses: checkout
      - command: rustup component add rustfmt
      - command: cargo fmt -- --check
`

	first, err := FromFile("ci.yml", []byte(yamlData))
	require.NoError(t, err)

	out1, err := first.Marshal()
	require.NoError(t, err)

	second, err := FromFile("ci.yml", out1)
	require.NoError(t, err)

	// re-parsing a serialized pipeline loses no information
	assert.Equal(t, first, second)

	out2, err := second.Marshal()
	require.NoError(t, err)

	// and serialization is stable
	assert.Equal(t, string(out1), string(out2))
}

func TestMatchPullRequest(t *testing.T) {
	p := Pipeline{
		When: []Constraint{
			{Event: StringList{"pull_request"}, Branch: StringList{"main"}},
		},
	}

	trigger := Trigger{
		Kind: TriggerKindPullRequest,
		PullRequest: &PullRequestTriggerData{
			SourceBranch: "feature",
			TargetBranch: "main",
		},
	}
	assert.True(t, p.Match(trigger))

	trigger.PullRequest.TargetBranch = "develop"
	assert.False(t, p.Match(trigger))

	trigger.Kind = TriggerKindPush
	trigger.PullRequest = nil
	trigger.Push = &PushTriggerData{Ref: "refs/heads/main"}
	assert.False(t, p.Match(trigger), "push should not match a pull_request-only constraint")
}

func TestMatchPushRef(t *testing.T) {
	p := Pipeline{
		When: []Constraint{
			{Event: StringList{"push"}, Branch: StringList{"main"}},
		},
	}

	trigger := Trigger{
		Kind: TriggerKindPush,
		Push: &PushTriggerData{Ref: "refs/heads/main"},
	}
	assert.True(t, p.Match(trigger))

	trigger.Push.Ref = "refs/heads/feature"
	assert.False(t, p.Match(trigger))

	trigger.Push.Ref = "refs/tags/v1.0.0"
	assert.False(t, p.Match(trigger), "tags are not branches")
}

func TestMatchManualAlwaysRuns(t *testing.T) {
	p := Pipeline{
		When: []Constraint{
			{Event: StringList{"push"}, Branch: StringList{"main"}},
		},
	}

	trigger := Trigger{
		Kind:   TriggerKindManual,
		Manual: &ManualTriggerData{},
	}
	assert.True(t, p.Match(trigger))
}

func TestMatchNoConstraints(t *testing.T) {
	p := Pipeline{}

	trigger := Trigger{
		Kind: TriggerKindPush,
		Push: &PushTriggerData{Ref: "refs/heads/anything"},
	}
	assert.True(t, p.Match(trigger), "no constraints means always run")
}
