package db

import (
	"database/sql"
	"strings"

	_ "github.com/mattn/go-sqlite3"
)

type DB struct {
	*sql.DB
}

func Make(dbPath string) (*DB, error) {
	// https://github.com/mattn/go-sqlite3#connection-string
	opts := []string{
		"_foreign_keys=1",
		"_journal_mode=WAL",
		"_synchronous=NORMAL",
		"_auto_vacuum=incremental",
	}

	db, err := sql.Open("sqlite3", dbPath+"?"+strings.Join(opts, "&"))
	if err != nil {
		return nil, err
	}

	_, err = db.Exec(`
		create table if not exists runs (
			id text primary key,
			name text not null,
			status text not null,
			error text not null default '',

			started_at text not null default (strftime('%Y-%m-%dT%H:%M:%SZ', 'now')),
			updated_at text not null default (strftime('%Y-%m-%dT%H:%M:%SZ', 'now')),
			finished_at text
		);

		create table if not exists stage_outcomes (
			run_id text not null,
			stage_id text not null,
			status text not null,
			attempt integer not null default 0,
			error_detail text not null default '',

			started_at text,
			finished_at text,

			unique (run_id, stage_id),
			foreign key (run_id) references runs(id)
		);

		-- status events streamed to /events subscribers
		create table if not exists events (
			id integer primary key autoincrement,
			run_id text not null,
			event text not null, -- json
			created integer not null -- unix nanos
		);
	`)
	if err != nil {
		return nil, err
	}

	return &DB{db}, nil
}
