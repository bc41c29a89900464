package db

import (
	"encoding/json"
	"fmt"
	"time"

	"conveyor.sh/core/engine"
	"conveyor.sh/core/notifier"
)

type Event struct {
	ID      int64  `json:"id"`
	RunID   string `json:"run_id"`
	Created int64  `json:"created"`
	Event   string `json:"event"`
}

func (d *DB) InsertEvent(runID string, payload any, n *notifier.Notifier) error {
	eventJson, err := json.Marshal(payload)
	if err != nil {
		return err
	}

	_, err = d.Exec(
		`insert into events (run_id, event, created) values (?, ?, ?)`,
		runID,
		string(eventJson),
		time.Now().UnixNano(),
	)
	if err != nil {
		return err
	}

	n.NotifyAll()
	return nil
}

// InsertStageEvent records one stage transition as a stream event.
func (d *DB) InsertStageEvent(runID string, o engine.Outcome, n *notifier.Notifier) error {
	return d.InsertEvent(runID, o, n)
}

func (d *DB) GetEvents(cursor int64) ([]Event, error) {
	whereClause := ""
	args := []any{}
	if cursor > 0 {
		whereClause = "where id > ?"
		args = append(args, cursor)
	}

	query := fmt.Sprintf(`
		select id, run_id, event, created
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
		if err := rows.Scan(&ev.ID, &ev.RunID, &ev.Event, &ev.Created); err != nil {
			return nil, err
		}
		evts = append(evts, ev)
	}

	if err := rows.Err(); err != nil {
		return nil, err
	}

	return evts, nil
}
