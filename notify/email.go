package notify

import (
	"context"
	"fmt"
	"strings"

	"github.com/resend/resend-go/v2"
	"conveyor.sh/core/engine"
	"conveyor.sh/core/graph"
)

// Email sends a plain-text run summary through the Resend API.
type Email struct {
	APIKey string
	From   string
	To     string
}

func (e *Email) Notify(ctx context.Context, report *engine.Report) error {
	client := resend.NewClient(e.APIKey)
	_, err := client.Emails.SendWithContext(ctx, &resend.SendEmailRequest{
		From:    e.From,
		To:      []string{e.To},
		Subject: subject(report),
		Text:    body(report),
	})
	if err != nil {
		return fmt.Errorf("error sending email: %w", err)
	}
	return nil
}

func subject(report *engine.Report) string {
	if report.Status == graph.StatusSucceeded {
		return fmt.Sprintf("pipeline %s succeeded", report.RunID)
	}
	return fmt.Sprintf("pipeline %s failed", report.RunID)
}

func body(report *engine.Report) string {
	var b strings.Builder
	fmt.Fprintf(&b, "run %s finished with status %s in %s\n\n",
		report.RunID, report.Status, report.FinishedAt.Sub(report.StartedAt))

	for _, o := range report.Stages {
		fmt.Fprintf(&b, "  %-12s %s", o.StageID, o.Status)
		if o.Attempt > 1 {
			fmt.Fprintf(&b, " (attempt %d)", o.Attempt)
		}
		if o.ErrorDetail != "" {
			fmt.Fprintf(&b, ": %s", o.ErrorDetail)
		}
		b.WriteString("\n")
	}
	return b.String()
}
