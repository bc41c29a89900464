package db

import (
	"database/sql"
	"fmt"
	"time"

	"conveyor.sh/core/engine"
	"conveyor.sh/core/graph"
	"conveyor.sh/core/notifier"
)

type Run struct {
	ID     string       `json:"id"`
	Name   string       `json:"name"`
	Status graph.Status `json:"status"`
	Error  string       `json:"error,omitempty"`

	StartedAt  time.Time  `json:"started_at"`
	UpdatedAt  time.Time  `json:"updated_at"`
	FinishedAt *time.Time `json:"finished_at,omitempty"`
}

func (db *DB) CreateRun(id, name string, n *notifier.Notifier) error {
	_, err := db.Exec(`
		insert into runs (id, name, status)
		values (?, ?, ?)
	`, id, name, graph.StatusPending)

	if err != nil {
		return err
	}
	n.NotifyAll()
	return nil
}

func (db *DB) MarkRunRunning(id string, n *notifier.Notifier) error {
	_, err := db.Exec(`
		update runs
		set status = ?, updated_at = strftime('%Y-%m-%dT%H:%M:%SZ', 'now')
		where id = ?
	`, graph.StatusRunning, id)

	if err != nil {
		return err
	}
	n.NotifyAll()
	return nil
}

// MarkRunFinished records the terminal status from a report.
func (db *DB) MarkRunFinished(id string, status graph.Status, errorMsg string, n *notifier.Notifier) error {
	_, err := db.Exec(`
		update runs
		set status = ?,
		    error = ?,
		    updated_at = strftime('%Y-%m-%dT%H:%M:%SZ', 'now'),
		    finished_at = strftime('%Y-%m-%dT%H:%M:%SZ', 'now')
		where id = ?
	`, status, errorMsg, id)
	if err != nil {
		return err
	}
	n.NotifyAll()
	return nil
}

// SaveStageOutcome upserts one stage outcome transition.
func (db *DB) SaveStageOutcome(runID string, o engine.Outcome, n *notifier.Notifier) error {
	var started, finished any
	if !o.StartedAt.IsZero() {
		started = o.StartedAt.UTC().Format(time.RFC3339)
	}
	if !o.FinishedAt.IsZero() {
		finished = o.FinishedAt.UTC().Format(time.RFC3339)
	}

	_, err := db.Exec(`
		insert into stage_outcomes (run_id, stage_id, status, attempt, error_detail, started_at, finished_at)
		values (?, ?, ?, ?, ?, ?, ?)
		on conflict (run_id, stage_id) do update set
			status = excluded.status,
			attempt = excluded.attempt,
			error_detail = excluded.error_detail,
			started_at = excluded.started_at,
			finished_at = excluded.finished_at
	`, runID, o.StageID, o.Status, o.Attempt, o.ErrorDetail, started, finished)
	if err != nil {
		return err
	}
	n.NotifyAll()
	return nil
}

func (db *DB) GetRun(id string) (Run, error) {
	var r Run
	var started, updated string
	var finished sql.NullString
	err := db.QueryRow(`
		select id, name, status, error, started_at, updated_at, finished_at
		from runs
		where id = ?
	`, id).Scan(&r.ID, &r.Name, &r.Status, &r.Error, &started, &updated, &finished)
	if err != nil {
		return r, err
	}
	if r.StartedAt, err = time.Parse(time.RFC3339, started); err != nil {
		return r, fmt.Errorf("parsing started_at: %w", err)
	}
	if r.UpdatedAt, err = time.Parse(time.RFC3339, updated); err != nil {
		return r, fmt.Errorf("parsing updated_at: %w", err)
	}
	if finished.Valid {
		t, err := time.Parse(time.RFC3339, finished.String)
		if err != nil {
			return r, fmt.Errorf("parsing finished_at: %w", err)
		}
		r.FinishedAt = &t
	}
	return r, nil
}

func (db *DB) GetRuns(cursor string) ([]Run, error) {
	whereClause := ""
	args := []any{}
	if cursor != "" {
		whereClause = "where id > ?"
		args = append(args, cursor)
	}

	query := fmt.Sprintf(`
		select id, name, status, error, started_at, updated_at
		from runs
		%s
		order by id asc
		limit 100
	`, whereClause)

	rows, err := db.Query(query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var runs []Run
	for rows.Next() {
		var r Run
		var started, updated string
		if err := rows.Scan(&r.ID, &r.Name, &r.Status, &r.Error, &started, &updated); err != nil {
			return nil, err
		}
		if r.StartedAt, err = time.Parse(time.RFC3339, started); err != nil {
			return nil, fmt.Errorf("parsing started_at: %w", err)
		}
		if r.UpdatedAt, err = time.Parse(time.RFC3339, updated); err != nil {
			return nil, fmt.Errorf("parsing updated_at: %w", err)
		}
		runs = append(runs, r)
	}

	if err := rows.Err(); err != nil {
		return nil, err
	}

	return runs, nil
}

// GetStageOutcomes returns stage rows of a run keyed by stage id.
func (db *DB) GetStageOutcomes(runID string) ([]engine.Outcome, error) {
	rows, err := db.Query(`
		select stage_id, status, attempt, error_detail, started_at, finished_at
		from stage_outcomes
		where run_id = ?
		order by stage_id asc
	`, runID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var outcomes []engine.Outcome
	for rows.Next() {
		var o engine.Outcome
		var started, finished sql.NullString
		if err := rows.Scan(&o.StageID, &o.Status, &o.Attempt, &o.ErrorDetail, &started, &finished); err != nil {
			return nil, err
		}
		if started.Valid {
			if o.StartedAt, err = time.Parse(time.RFC3339, started.String); err != nil {
				return nil, fmt.Errorf("parsing started_at: %w", err)
			}
		}
		if finished.Valid {
			if o.FinishedAt, err = time.Parse(time.RFC3339, finished.String); err != nil {
				return nil, fmt.Errorf("parsing finished_at: %w", err)
			}
		}
		outcomes = append(outcomes, o)
	}

	if err := rows.Err(); err != nil {
		return nil, err
	}

	return outcomes, nil
}
