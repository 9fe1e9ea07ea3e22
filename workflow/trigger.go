package workflow

import "fmt"

type TriggerKind string

const (
	TriggerKindPush        TriggerKind = "push"
	TriggerKindPullRequest TriggerKind = "pull_request"
	TriggerKindManual      TriggerKind = "manual"
)

// Trigger is the event that caused a pipeline to be scheduled. Exactly one
// of Push, PullRequest or Manual is set, in accordance with Kind.
type Trigger struct {
	Kind TriggerKind  `json:"kind"`
	Repo *TriggerRepo `json:"repo"`

	Push        *PushTriggerData        `json:"push,omitempty"`
	PullRequest *PullRequestTriggerData `json:"pull_request,omitempty"`
	Manual      *ManualTriggerData      `json:"manual,omitempty"`
}

type TriggerRepo struct {
	Owner         string `json:"owner"`
	Name          string `json:"name"`
	CloneURL      string `json:"clone_url"`
	DefaultBranch string `json:"default_branch"`
}

type PushTriggerData struct {
	Ref    string `json:"ref"`
	OldSha string `json:"old_sha"`
	NewSha string `json:"new_sha"`
}

type PullRequestTriggerData struct {
	SourceBranch string `json:"source_branch"`
	TargetBranch string `json:"target_branch"`
	SourceSha    string `json:"source_sha"`
}

type ManualTriggerData struct{}

func (t Trigger) Validate() error {
	switch t.Kind {
	case TriggerKindPush:
		if t.Push == nil {
			return fmt.Errorf("%s trigger without push data", t.Kind)
		}
	case TriggerKindPullRequest:
		if t.PullRequest == nil {
			return fmt.Errorf("%s trigger without pull_request data", t.Kind)
		}
	case TriggerKindManual:
		if t.Manual == nil {
			return fmt.Errorf("%s trigger without manual data", t.Kind)
		}
	default:
		return fmt.Errorf("unknown trigger kind %q", t.Kind)
	}

	if t.Repo == nil {
		return fmt.Errorf("trigger without repo data")
	}

	return nil
}

// TargetSha is the commit a pipeline run should check out for this trigger,
// if one can be determined.
func (t Trigger) TargetSha() string {
	switch t.Kind {
	case TriggerKindPush:
		if t.Push != nil {
			return t.Push.NewSha
		}
	case TriggerKindPullRequest:
		if t.PullRequest != nil {
			return t.PullRequest.SourceSha
		}
	}
	return ""
}
