// Package notify delivers finished run reports to external sinks.
// Delivery is fire-and-forget from the engine's point of view: a
// failing notifier is logged and never fails the run.
package notify

import (
	"context"
	"strings"

	"golang.org/x/sync/errgroup"
	"conveyor.sh/core/engine"
	"conveyor.sh/core/log"
)

type Notifier interface {
	Notify(ctx context.Context, report *engine.Report) error
}

// Multi fans a report out to several notifiers in parallel. Every
// sink runs to completion; one failing sink does not stop the others.
type Multi []Notifier

func (m Multi) Notify(ctx context.Context, report *engine.Report) error {
	eg := errgroup.Group{}
	for _, n := range m {
		eg.Go(func() error {
			return n.Notify(ctx, report)
		})
	}
	return eg.Wait()
}

// Log writes a one-line summary to the context logger. Always
// registered so every run leaves a trace even with no external sinks
// configured.
type Log struct{}

func (Log) Notify(ctx context.Context, report *engine.Report) error {
	l := log.FromContext(ctx)

	failed := report.Failed()
	if len(failed) == 0 {
		l.Info("pipeline succeeded", "run", report.RunID, "stages", len(report.Stages),
			"duration", report.FinishedAt.Sub(report.StartedAt))
		return nil
	}

	var ids []string
	for _, o := range failed {
		ids = append(ids, o.StageID)
	}
	l.Error("pipeline failed", "run", report.RunID, "failed_stages", strings.Join(ids, ","),
		"duration", report.FinishedAt.Sub(report.StartedAt))
	return nil
}

// Dispatch sends the report through n, logging instead of
// propagating any delivery failure.
func Dispatch(ctx context.Context, n Notifier, report *engine.Report) {
	if n == nil {
		return
	}
	if err := n.Notify(ctx, report); err != nil {
		log.FromContext(ctx).Error("failed to deliver report", "run", report.RunID, "error", err)
	}
}
