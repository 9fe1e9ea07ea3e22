package db

import (
	"encoding/json"
	"fmt"
	"time"

	"tangled.org/loom/models"
	"tangled.org/loom/notifier"
	"tangled.org/loom/workflow"
)

type Pipeline struct {
	Id        models.PipelineId `json:"id"`
	RepoOwner string            `json:"repo_owner"`
	RepoName  string            `json:"repo_name"`
	Trigger   workflow.Trigger  `json:"trigger"`
	Created   time.Time         `json:"created"`
}

func (d *DB) CreatePipeline(id models.PipelineId, trigger workflow.Trigger, n *notifier.Notifier) error {
	triggerJson, err := json.Marshal(trigger)
	if err != nil {
		return err
	}

	var owner, name string
	if trigger.Repo != nil {
		owner = trigger.Repo.Owner
		name = trigger.Repo.Name
	}

	_, err = d.Exec(`
		insert into pipelines (id, repo_owner, repo_name, trigger)
		values (?, ?, ?, ?)
	`, string(id), owner, name, string(triggerJson))

	if err != nil {
		return err
	}
	n.NotifyAll()
	return nil
}

func (d *DB) GetPipeline(id models.PipelineId) (Pipeline, error) {
	var p Pipeline
	var triggerJson, created string

	err := d.QueryRow(`
		select id, repo_owner, repo_name, trigger, created
		from pipelines
		where id = ?
	`, string(id)).Scan(&p.Id, &p.RepoOwner, &p.RepoName, &triggerJson, &created)
	if err != nil {
		return p, err
	}

	if err := json.Unmarshal([]byte(triggerJson), &p.Trigger); err != nil {
		return p, err
	}

	p.Created, err = time.Parse(time.RFC3339, created)
	if err != nil {
		return p, fmt.Errorf("parsing created time: %w", err)
	}

	return p, nil
}

func (d *DB) GetPipelines(cursor string) ([]Pipeline, error) {
	whereClause := ""
	args := []any{}
	if cursor != "" {
		whereClause = "where created > (select created from pipelines where id = ?)"
		args = append(args, cursor)
	}

	query := fmt.Sprintf(`
		select id, repo_owner, repo_name, trigger, created
		from pipelines
		%s
		order by created asc
		limit 100
	`, whereClause)

	rows, err := d.Query(query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var pipelines []Pipeline
	for rows.Next() {
		var p Pipeline
		var triggerJson, created string
		if err := rows.Scan(&p.Id, &p.RepoOwner, &p.RepoName, &triggerJson, &created); err != nil {
			return nil, err
		}
		if err := json.Unmarshal([]byte(triggerJson), &p.Trigger); err != nil {
			return nil, err
		}
		if p.Created, err = time.Parse(time.RFC3339, created); err != nil {
			return nil, err
		}
		pipelines = append(pipelines, p)
	}

	if err := rows.Err(); err != nil {
		return nil, err
	}

	return pipelines, nil
}
