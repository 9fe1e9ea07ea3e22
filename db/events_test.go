package db

import (
	"testing"

	"tangled.org/loom/models"
	"tangled.org/loom/notifier"
	"tangled.org/loom/workflow"
)

func testDB(t *testing.T) (*DB, *notifier.Notifier) {
	t.Helper()

	d, err := Make(":memory:")
	if err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { d.Close() })

	n := notifier.New()
	return d, &n
}

func TestStatusLatestWins(t *testing.T) {
	d, n := testDB(t)

	jid := models.JobId{PipelineId: "p1", Name: "ci.yml/build"}

	if err := d.StatusPending(jid, n); err != nil {
		t.Fatal(err)
	}
	if err := d.StatusRunning(jid, n); err != nil {
		t.Fatal(err)
	}
	if err := d.StatusFailed(jid, "step failed", 2, n); err != nil {
		t.Fatal(err)
	}

	status, err := d.GetStatus(jid)
	if err != nil {
		t.Fatal(err)
	}
	if status.Status != string(models.StatusKindFailed) {
		t.Errorf("expected failed, got %s", status.Status)
	}
	if status.Error == nil || *status.Error != "step failed" {
		t.Errorf("expected error message, got %v", status.Error)
	}
	if status.ExitCode == nil || *status.ExitCode != 2 {
		t.Errorf("expected exit code 2, got %v", status.ExitCode)
	}
}

func TestPipelineStatusesOnePerJob(t *testing.T) {
	d, n := testDB(t)

	id := models.PipelineId("p1")
	jobs := []string{"ci.yml/build-linux", "ci.yml/quality"}
	for _, job := range jobs {
		jid := models.JobId{PipelineId: id, Name: job}
		if err := d.StatusPending(jid, n); err != nil {
			t.Fatal(err)
		}
		if err := d.StatusRunning(jid, n); err != nil {
			t.Fatal(err)
		}
	}
	if err := d.StatusSuccess(models.JobId{PipelineId: id, Name: jobs[0]}, n); err != nil {
		t.Fatal(err)
	}

	// unrelated pipeline must not leak in
	other := models.JobId{PipelineId: "p2", Name: "ci.yml/build-linux"}
	if err := d.StatusPending(other, n); err != nil {
		t.Fatal(err)
	}

	statuses, err := d.GetPipelineStatuses(id)
	if err != nil {
		t.Fatal(err)
	}
	if len(statuses) != 2 {
		t.Fatalf("expected 2 statuses, got %d", len(statuses))
	}

	byJob := make(map[string]string)
	for _, s := range statuses {
		byJob[s.Job] = s.Status
	}
	if byJob["ci.yml/build-linux"] != string(models.StatusKindSuccess) {
		t.Errorf("build-linux: expected success, got %s", byJob["ci.yml/build-linux"])
	}
	if byJob["ci.yml/quality"] != string(models.StatusKindRunning) {
		t.Errorf("quality: expected running, got %s", byJob["ci.yml/quality"])
	}
}

func TestGetEventsCursor(t *testing.T) {
	d, n := testDB(t)

	jid := models.JobId{PipelineId: "p1", Name: "ci.yml/build"}
	if err := d.StatusPending(jid, n); err != nil {
		t.Fatal(err)
	}
	if err := d.StatusRunning(jid, n); err != nil {
		t.Fatal(err)
	}
	if err := d.StatusSuccess(jid, n); err != nil {
		t.Fatal(err)
	}

	all, err := d.GetEvents(0)
	if err != nil {
		t.Fatal(err)
	}
	if len(all) != 3 {
		t.Fatalf("expected 3 events, got %d", len(all))
	}
	for i := 1; i < len(all); i++ {
		if all[i].Id <= all[i-1].Id {
			t.Fatal("events must be ordered by id")
		}
	}

	tail, err := d.GetEvents(all[0].Id)
	if err != nil {
		t.Fatal(err)
	}
	if len(tail) != 2 {
		t.Fatalf("expected 2 events after cursor, got %d", len(tail))
	}
	if tail[0].Id != all[1].Id {
		t.Errorf("cursor should resume after event %d", all[0].Id)
	}
}

func TestEventNotifiesSubscribers(t *testing.T) {
	d, n := testDB(t)

	ch := n.Subscribe()
	defer n.Unsubscribe(ch)

	jid := models.JobId{PipelineId: "p1", Name: "ci.yml/build"}
	if err := d.StatusPending(jid, n); err != nil {
		t.Fatal(err)
	}

	select {
	case <-ch:
	default:
		t.Error("expected a notification after inserting an event")
	}
}

func TestCreateGetPipeline(t *testing.T) {
	d, n := testDB(t)

	trigger := workflow.Trigger{
		Kind: workflow.TriggerKindPullRequest,
		Repo: &workflow.TriggerRepo{
			Owner:         "icy",
			Name:          "engine",
			CloneURL:      "https://example.com/icy/engine",
			DefaultBranch: "main",
		},
		PullRequest: &workflow.PullRequestTriggerData{
			SourceBranch: "feature",
			TargetBranch: "main",
			SourceSha:    "deadbeef",
		},
	}

	id := models.NewPipelineId()
	if err := d.CreatePipeline(id, trigger, n); err != nil {
		t.Fatal(err)
	}

	p, err := d.GetPipeline(id)
	if err != nil {
		t.Fatal(err)
	}
	if p.Id != id {
		t.Errorf("expected id %s, got %s", id, p.Id)
	}
	if p.RepoOwner != "icy" || p.RepoName != "engine" {
		t.Errorf("repo mismatch: %s/%s", p.RepoOwner, p.RepoName)
	}
	if p.Trigger.Kind != workflow.TriggerKindPullRequest {
		t.Errorf("expected pull_request trigger, got %s", p.Trigger.Kind)
	}
	if p.Trigger.PullRequest == nil || p.Trigger.PullRequest.SourceSha != "deadbeef" {
		t.Error("trigger data did not round-trip")
	}
	if p.Created.IsZero() {
		t.Error("created timestamp missing")
	}
}
