package db

import (
	"encoding/json"
	"fmt"
	"time"

	"tangled.org/loom/models"
	"tangled.org/loom/notifier"
)

type Event struct {
	Id        int64  `json:"id"`
	Pipeline  string `json:"pipeline"`
	Job       string `json:"job"`
	Created   int64  `json:"created"`
	EventJson string `json:"event"`
}

// JobStatus is the user-visible status record for one job, reported
// against its pipeline. The latest event for a job wins.
type JobStatus struct {
	Pipeline  string  `json:"pipeline"`
	Job       string  `json:"job"`
	Status    string  `json:"status"`
	Error     *string `json:"error,omitempty"`
	ExitCode  *int64  `json:"exit_code,omitempty"`
	CreatedAt string  `json:"created_at"`
}

func (d *DB) InsertEvent(event Event, n *notifier.Notifier) error {
	_, err := d.Exec(
		`insert into events (pipeline_id, job, event, created) values (?, ?, ?, ?)`,
		event.Pipeline,
		event.Job,
		event.EventJson,
		time.Now().UnixNano(),
	)

	n.NotifyAll()

	return err
}

func (d *DB) GetEvents(cursor int64) ([]Event, error) {
	whereClause := ""
	args := []any{}
	if cursor > 0 {
		whereClause = "where id > ?"
		args = append(args, cursor)
	}

	query := fmt.Sprintf(`
		select id, pipeline_id, job, event, created
		from events
		%s
		order by id asc
		limit 100
	`, whereClause)

	rows, err := d.Query(query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var evts []Event
	for rows.Next() {
		var ev Event
		if err := rows.Scan(&ev.Id, &ev.Pipeline, &ev.Job, &ev.EventJson, &ev.Created); err != nil {
			return nil, err
		}
		evts = append(evts, ev)
	}

	if err := rows.Err(); err != nil {
		return nil, err
	}

	return evts, nil
}

func (d *DB) createStatusEvent(
	jid models.JobId,
	statusKind models.StatusKind,
	jobError *string,
	exitCode *int64,
	n *notifier.Notifier,
) error {
	now := time.Now()
	s := JobStatus{
		CreatedAt: now.Format(time.RFC3339),
		Error:     jobError,
		ExitCode:  exitCode,
		Pipeline:  string(jid.PipelineId),
		Job:       jid.Name,
		Status:    string(statusKind),
	}

	eventJson, err := json.Marshal(s)
	if err != nil {
		return err
	}

	event := Event{
		Pipeline:  string(jid.PipelineId),
		Job:       jid.Name,
		Created:   now.UnixNano(),
		EventJson: string(eventJson),
	}

	return d.InsertEvent(event, n)
}

func (d *DB) GetStatus(jid models.JobId) (*JobStatus, error) {
	var eventJson string
	err := d.QueryRow(
		`
		select
			event from events
		where
			pipeline_id = ?
			and job = ?
		order by
			id desc
		limit
			1
		`,
		string(jid.PipelineId),
		jid.Name,
	).Scan(&eventJson)

	if err != nil {
		return nil, err
	}

	var status JobStatus
	if err := json.Unmarshal([]byte(eventJson), &status); err != nil {
		return nil, err
	}

	return &status, nil
}

// GetPipelineStatuses returns the latest status per job for one pipeline.
func (d *DB) GetPipelineStatuses(id models.PipelineId) ([]JobStatus, error) {
	rows, err := d.Query(
		`
		select event from events
		where id in (
			select max(id) from events
			where pipeline_id = ?
			group by job
		)
		order by job asc
		`,
		string(id),
	)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var statuses []JobStatus
	for rows.Next() {
		var eventJson string
		if err := rows.Scan(&eventJson); err != nil {
			return nil, err
		}
		var status JobStatus
		if err := json.Unmarshal([]byte(eventJson), &status); err != nil {
			return nil, err
		}
		statuses = append(statuses, status)
	}

	if err := rows.Err(); err != nil {
		return nil, err
	}

	return statuses, nil
}

func (d *DB) StatusPending(jid models.JobId, n *notifier.Notifier) error {
	return d.createStatusEvent(jid, models.StatusKindPending, nil, nil, n)
}

func (d *DB) StatusRunning(jid models.JobId, n *notifier.Notifier) error {
	return d.createStatusEvent(jid, models.StatusKindRunning, nil, nil, n)
}

func (d *DB) StatusFailed(jid models.JobId, jobError string, exitCode int64, n *notifier.Notifier) error {
	return d.createStatusEvent(jid, models.StatusKindFailed, &jobError, &exitCode, n)
}

func (d *DB) StatusSuccess(jid models.JobId, n *notifier.Notifier) error {
	return d.createStatusEvent(jid, models.StatusKindSuccess, nil, nil, n)
}

func (d *DB) StatusTimeout(jid models.JobId, n *notifier.Notifier) error {
	return d.createStatusEvent(jid, models.StatusKindTimeout, nil, nil, n)
}
