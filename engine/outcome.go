package engine

import (
	"time"

	"conveyor.sh/core/graph"
)

// Outcome tracks one stage across a run. It is mutated only by the
// engine's scheduling loop and becomes immutable once Status is
// terminal.
type Outcome struct {
	StageID     string            `json:"stage_id"`
	Status      graph.Status      `json:"status"`
	Attempt     int               `json:"attempt"`
	StartedAt   time.Time         `json:"started_at,omitzero"`
	FinishedAt  time.Time         `json:"finished_at,omitzero"`
	ErrorDetail string            `json:"error_detail,omitempty"`
	Output      map[string]string `json:"output,omitempty"`
}

// Report is the immutable snapshot of a finished run, handed to
// notifiers and persisted for audit.
type Report struct {
	RunID      string       `json:"run_id"`
	Status     graph.Status `json:"status"`
	StartedAt  time.Time    `json:"started_at"`
	FinishedAt time.Time    `json:"finished_at"`
	Stages     []Outcome    `json:"stages"`
}

// Stage returns the outcome for a stage id.
func (r *Report) Stage(id string) (Outcome, bool) {
	for _, o := range r.Stages {
		if o.StageID == id {
			return o, true
		}
	}
	return Outcome{}, false
}

// Failed returns the outcomes of permanently failed stages.
func (r *Report) Failed() []Outcome {
	var out []Outcome
	for _, o := range r.Stages {
		if o.Status == graph.StatusFailed {
			out = append(out, o)
		}
	}
	return out
}

// overall status is Succeeded iff no stage is Failed. Cancelled or
// cascade-skipped stages do not fail the run on their own.
func overallStatus(stages []Outcome) graph.Status {
	for _, o := range stages {
		if o.Status == graph.StatusFailed {
			return graph.StatusFailed
		}
	}
	return graph.StatusSucceeded
}
