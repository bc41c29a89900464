// Package engine drives a pipeline run to completion. A single
// scheduling loop owns all outcome state; stage executions run
// concurrently in a bounded worker pool and report back over a
// completion channel, so updates are serialized without locking.
package engine

import (
	"context"
	"errors"
	"log/slog"
	"time"

	"github.com/avast/retry-go/v4"
	"conveyor.sh/core/adapter"
	"conveyor.sh/core/graph"
	"conveyor.sh/core/log"
)

const defaultConcurrency = 4

// ErrTimeout marks an attempt cut short by the stage timeout. It is
// retried like any other stage failure.
var ErrTimeout = errors.New("timeout")

type Engine struct {
	registry    *adapter.Registry
	concurrency int
	retryDelay  time.Duration
	onUpdate    func(Outcome)
}

type Option func(*Engine)

// WithConcurrency bounds the number of stages executing at once.
func WithConcurrency(n int) Option {
	return func(e *Engine) {
		if n > 0 {
			e.concurrency = n
		}
	}
}

// WithRetryDelay sets the base delay between attempts of a failed
// stage. Backoff doubles it per attempt.
func WithRetryDelay(d time.Duration) Option {
	return func(e *Engine) {
		e.retryDelay = d
	}
}

// WithOnUpdate registers a callback invoked with a copy of every
// outcome transition. Used to persist and stream run progress.
func WithOnUpdate(fn func(Outcome)) Option {
	return func(e *Engine) {
		e.onUpdate = fn
	}
}

func New(registry *adapter.Registry, opts ...Option) *Engine {
	e := &Engine{
		registry:    registry,
		concurrency: defaultConcurrency,
		retryDelay:  time.Second,
	}
	for _, o := range opts {
		o(e)
	}
	return e
}

type completion struct {
	id      string
	result  adapter.Result
	err     error
	attempt int
}

// Run executes every stage of the graph respecting dependency order,
// retry policy and the concurrency bound. It only errors before any
// stage has started (unregistered adapter kind); once execution
// begins, failures are contained in the report.
func (e *Engine) Run(ctx context.Context, g *graph.Graph, runID string, base adapter.Params) (*Report, error) {
	if err := e.registry.Covers(g); err != nil {
		return nil, err
	}

	l := log.FromContext(ctx).With("run", runID)
	startedAt := time.Now()

	outcomes := make(map[string]*Outcome, g.Len())
	for _, id := range g.Order() {
		outcomes[id] = &Outcome{StageID: id, Status: graph.StatusPending}
		e.update(outcomes[id])
	}

	statuses := func() map[string]graph.Status {
		m := make(map[string]graph.Status, len(outcomes))
		for id, o := range outcomes {
			m[id] = o.Status
		}
		return m
	}

	sem := make(chan struct{}, e.concurrency)
	done := make(chan completion)
	ctxDone := ctx.Done()
	running := 0
	cancelled := false

	skipPending := func(detail string) {
		for _, id := range g.Order() {
			o := outcomes[id]
			if o.Status == graph.StatusPending {
				o.Status = graph.StatusSkipped
				o.ErrorDetail = detail
				o.FinishedAt = time.Now()
				e.update(o)
			}
		}
	}

	for {
		if cancelled {
			skipPending("cancelled")
		} else {
			for _, d := range g.Ready(statuses()) {
				o := outcomes[d.ID]
				o.Status = graph.StatusRunning
				o.StartedAt = time.Now()
				e.update(o)
				running++

				params := e.stageParams(g, d, base, outcomes)
				go e.execute(ctx, d, params, sem, done)
			}
		}

		if running == 0 {
			break
		}

		select {
		case c := <-done:
			running--
			e.finalize(ctx, g, outcomes, c, l)
		case <-ctxDone:
			// disarm so the loop drains in-flight completions
			// instead of spinning on the closed channel
			ctxDone = nil
			cancelled = true
			l.Info("run cancelled, skipping pending stages")
		}
	}

	if ctx.Err() != nil {
		skipPending("cancelled")
	}

	report := &Report{
		RunID:      runID,
		StartedAt:  startedAt,
		FinishedAt: time.Now(),
	}
	for _, id := range g.Order() {
		report.Stages = append(report.Stages, *outcomes[id])
	}
	report.Status = overallStatus(report.Stages)

	l.Info("run finished", "status", report.Status)
	return report, nil
}

// finalize applies one completion to the outcome table and
// cascade-skips the dependents of a permanently failed stage.
func (e *Engine) finalize(ctx context.Context, g *graph.Graph, outcomes map[string]*Outcome, c completion, l *slog.Logger) {
	o := outcomes[c.id]
	o.Attempt = c.attempt
	o.FinishedAt = time.Now()

	switch {
	case c.err == nil:
		o.Status = graph.StatusSucceeded
		o.Output = c.result.Output
		l.Info("stage succeeded", "stage", c.id, "attempt", c.attempt)
	case ctx.Err() != nil && (errors.Is(c.err, context.Canceled) || errors.Is(c.err, context.DeadlineExceeded)):
		o.Status = graph.StatusSkipped
		o.ErrorDetail = "cancelled"
		l.Info("stage cancelled", "stage", c.id)
	default:
		o.Status = graph.StatusFailed
		o.ErrorDetail = c.err.Error()
		if c.result.Detail != "" {
			o.ErrorDetail = c.result.Detail
		}
		l.Error("stage failed", "stage", c.id, "attempt", c.attempt, "error", o.ErrorDetail)

		for _, dep := range g.Dependents(c.id) {
			do := outcomes[dep]
			if do.Status.Terminal() || do.Status == graph.StatusRunning {
				continue
			}
			do.Status = graph.StatusSkipped
			do.ErrorDetail = "dependency " + c.id + " failed"
			do.FinishedAt = time.Now()
			e.update(do)
		}
	}

	e.update(o)
}

// execute runs one stage through its retry policy. Each attempt gets
// its own deadline derived from the stage timeout; exceeding it
// counts as a failed attempt, not a cancellation.
func (e *Engine) execute(ctx context.Context, d graph.StageDef, params adapter.Params, sem chan struct{}, done chan<- completion) {
	select {
	case sem <- struct{}{}:
		defer func() { <-sem }()
	case <-ctx.Done():
		done <- completion{id: d.ID, err: ctx.Err()}
		return
	}

	a, err := e.registry.Get(d.Uses)
	if err != nil {
		done <- completion{id: d.ID, err: err}
		return
	}

	var attempt int
	var last adapter.Result

	err = retry.Do(
		func() error {
			attempt++

			attemptCtx := ctx
			if d.Timeout > 0 {
				var cancel context.CancelFunc
				attemptCtx, cancel = context.WithTimeout(ctx, d.Timeout)
				defer cancel()
			}

			res, err := a.Run(attemptCtx, params)
			if attemptCtx.Err() != nil && ctx.Err() == nil {
				return ErrTimeout
			}
			if err != nil {
				return err
			}
			last = res
			if !res.OK {
				if res.Detail == "" {
					return errors.New("adapter reported failure")
				}
				return errors.New(res.Detail)
			}
			return nil
		},
		retry.Attempts(uint(d.MaxRetries)+1),
		retry.Context(ctx),
		retry.LastErrorOnly(true),
		retry.Delay(e.retryDelay),
		retry.DelayType(retry.BackOffDelay),
	)

	done <- completion{id: d.ID, result: last, err: err, attempt: attempt}
}

// stageParams merges base run parameters, outputs of the stage's
// dependencies, and the stage's own parameters, in that order of
// precedence (lowest first).
func (e *Engine) stageParams(g *graph.Graph, d graph.StageDef, base adapter.Params, outcomes map[string]*Outcome) adapter.Params {
	params := adapter.Params{}.Merge(base)
	for _, dep := range d.Needs {
		if o := outcomes[dep]; o != nil && o.Output != nil {
			params = params.Merge(o.Output)
		}
	}
	return params.Merge(d.Params)
}

func (e *Engine) update(o *Outcome) {
	if e.onUpdate != nil {
		e.onUpdate(*o)
	}
}
