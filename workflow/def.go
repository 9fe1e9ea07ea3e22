package workflow

import (
	"errors"
	"fmt"
	"slices"

	"github.com/go-git/go-git/v5/plumbing"
	"gopkg.in/yaml.v3"
)

// - when a repo sees a pull-request, push or manual event, a "Pipeline" is triggered
// - a repo could consist of several pipeline files
//   * .loom/pipelines/ci.yml
//   * .loom/pipelines/release.yml
// - each file declares a set of jobs, and all runnable jobs across all files
//   execute in parallel
// - each job consists of some execution steps, these execute serially

type (
	// Pipeline is simply a structural representation of one pipeline file.
	Pipeline struct {
		Name string       `yaml:"name,omitempty"`
		File string       `yaml:"-"` // name of the pipeline file
		When []Constraint `yaml:"when,omitempty"`
		Jobs Jobs         `yaml:"jobs"`
	}

	Constraint struct {
		Event  StringList `yaml:"event"`
		Branch StringList `yaml:"branch,omitempty"` // this is optional, and only applied on "push" and "pull_request" events
	}

	// Jobs is an ordered list of jobs. Pipeline files declare jobs as a
	// yaml mapping; document order is preserved so that serializing a
	// parsed pipeline loses no information.
	Jobs []Job

	Job struct {
		Name        string            `yaml:"-"` // mapping key in the pipeline file
		RunsOn      string            `yaml:"runs-on"`
		Environment map[string]string `yaml:"environment,omitempty"`
		Steps       []Step            `yaml:"steps"`
	}

	// Step runs either a shell command or a built-in action, never both.
	Step struct {
		Name        string            `yaml:"name,omitempty"`
		Command     string            `yaml:"command,omitempty"`
		Uses        string            `yaml:"uses,omitempty"`
		With        map[string]string `yaml:"with,omitempty"`
		Environment map[string]string `yaml:"environment,omitempty"`
	}

	StringList []string
)

// built-in actions referable from a step's `uses` field
const (
	ActionCheckout = "checkout"
)

func KnownAction(name string) bool {
	switch name {
	case ActionCheckout:
		return true
	}
	return false
}

func FromFile(name string, contents []byte) (Pipeline, error) {
	var p Pipeline

	err := yaml.Unmarshal(contents, &p)
	if err != nil {
		return p, err
	}

	p.File = name

	return p, nil
}

// Marshal serializes a pipeline back to yaml. Parsing the result yields
// an equal pipeline; marshalling is stable across round-trips.
func (p Pipeline) Marshal() ([]byte, error) {
	return yaml.Marshal(p)
}

// if any of the constraints on a pipeline is true, return true
func (p *Pipeline) Match(trigger Trigger) bool {
	// manual triggers always run the pipeline
	if trigger.Manual != nil {
		return true
	}

	// if not manual, run through the constraint list and see if any one matches
	for _, c := range p.When {
		if c.Match(trigger) {
			return true
		}
	}

	// no constraints, always run this pipeline
	if len(p.When) == 0 {
		return true
	}

	return false
}

func (c *Constraint) Match(trigger Trigger) bool {
	match := true

	// manual triggers always pass this constraint
	if trigger.Manual != nil {
		return true
	}

	// apply event constraints
	match = match && c.MatchEvent(string(trigger.Kind))

	// apply branch constraints for PRs
	if trigger.PullRequest != nil {
		match = match && c.MatchBranch(trigger.PullRequest.TargetBranch)
	}

	// apply ref constraints for pushes
	if trigger.Push != nil {
		match = match && c.MatchRef(trigger.Push.Ref)
	}

	return match
}

func (c *Constraint) MatchBranch(branch string) bool {
	if len(c.Branch) == 0 {
		return true
	}
	return slices.Contains(c.Branch, branch)
}

func (c *Constraint) MatchRef(ref string) bool {
	if len(c.Branch) == 0 {
		return true
	}
	refName := plumbing.ReferenceName(ref)
	if refName.IsBranch() {
		return slices.Contains(c.Branch, refName.Short())
	}
	return false
}

func (c *Constraint) MatchEvent(event string) bool {
	return slices.Contains(c.Event, event)
}

// Custom unmarshaller for Jobs: jobs are declared as a yaml mapping, and
// mappings in yaml.v3 decode into Go maps, which forget document order.
// Walk the mapping node by hand instead.
func (j *Jobs) UnmarshalYAML(value *yaml.Node) error {
	if value.Kind != yaml.MappingNode {
		return fmt.Errorf("line %d: jobs must be a mapping", value.Line)
	}

	seen := make(map[string]struct{})
	for i := 0; i+1 < len(value.Content); i += 2 {
		keyNode := value.Content[i]
		valNode := value.Content[i+1]

		var job Job
		if err := valNode.Decode(&job); err != nil {
			return err
		}
		job.Name = keyNode.Value

		if _, ok := seen[job.Name]; ok {
			return fmt.Errorf("line %d: duplicate job %q", keyNode.Line, job.Name)
		}
		seen[job.Name] = struct{}{}

		*j = append(*j, job)
	}

	return nil
}

func (j Jobs) MarshalYAML() (any, error) {
	node := &yaml.Node{Kind: yaml.MappingNode}

	for _, job := range j {
		keyNode := &yaml.Node{}
		keyNode.SetString(job.Name)

		valNode := &yaml.Node{}
		if err := valNode.Encode(job); err != nil {
			return nil, err
		}

		node.Content = append(node.Content, keyNode, valNode)
	}

	return node, nil
}

// Get returns the job with the given name, if declared.
func (j Jobs) Get(name string) (Job, bool) {
	for _, job := range j {
		if job.Name == name {
			return job, true
		}
	}
	return Job{}, false
}

// Custom unmarshaller for StringList
func (s *StringList) UnmarshalYAML(unmarshal func(any) error) error {
	var stringType string
	if err := unmarshal(&stringType); err == nil {
		*s = []string{stringType}
		return nil
	}

	var sliceType []any
	if err := unmarshal(&sliceType); err == nil {

		if sliceType == nil {
			*s = nil
			return nil
		}

		parts := make([]string, len(sliceType))
		for k, v := range sliceType {
			if sv, ok := v.(string); ok {
				parts[k] = sv
			} else {
				return fmt.Errorf("cannot unmarshal '%v' of type %T into a string value", v, v)
			}
		}

		*s = parts
		return nil
	}

	return errors.New("failed to unmarshal StringOrSlice")
}
