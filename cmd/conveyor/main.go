package main

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"os"
	"time"

	"github.com/dustin/go-humanize"
	"github.com/google/uuid"
	"github.com/urfave/cli/v3"
	"conveyor.sh/core/adapter"
	"conveyor.sh/core/conveyor"
	"conveyor.sh/core/conveyor/config"
	"conveyor.sh/core/engine"
	"conveyor.sh/core/graph"
	"conveyor.sh/core/log"
	"conveyor.sh/core/workflow"
)

func main() {
	cmd := &cli.Command{
		Name:  "conveyor",
		Usage: "pipeline administration and operation tool",
		Commands: []*cli.Command{
			validateCommand(),
			runCommand(),
			submitCommand(),
			statusCommand(),
			runsCommand(),
		},
	}

	ctx := context.Background()
	logger := log.New("conveyor")
	ctx = log.IntoContext(ctx, logger.With("command", cmd.Name))

	if err := cmd.Run(ctx, os.Args); err != nil {
		logger.Error(err.Error())
		os.Exit(-1)
	}
}

func serverFlag() *cli.StringFlag {
	return &cli.StringFlag{
		Name:    "server",
		Aliases: []string{"s"},
		Usage:   "conveyor server address",
		Value:   "http://localhost:6180",
		Sources: cli.EnvVars("CONVEYOR_SERVER"),
	}
}

func validateCommand() *cli.Command {
	return &cli.Command{
		Name:      "validate",
		Usage:     "check a pipeline file without running it",
		ArgsUsage: "<file>",
		Action: func(ctx context.Context, cmd *cli.Command) error {
			path := cmd.Args().First()
			if path == "" {
				return fmt.Errorf("usage: conveyor validate <file>")
			}

			contents, err := os.ReadFile(path)
			if err != nil {
				return err
			}

			compiler := workflow.Compiler{
				Trigger:        workflow.Trigger{Kind: workflow.TriggerKindManual},
				DefaultTimeout: 5 * time.Minute,
			}
			defs := compiler.Parse([]workflow.RawFile{{Name: path, Contents: contents}})
			compiler.Compile(defs)

			for _, w := range compiler.Diagnostics.Warnings {
				fmt.Println(w.String())
			}
			if compiler.Diagnostics.IsErr() {
				for _, e := range compiler.Diagnostics.Errors {
					fmt.Println(e.String())
				}
				return fmt.Errorf("%s: validation failed", path)
			}

			fmt.Printf("%s: ok\n", path)
			return nil
		},
	}
}

func runCommand() *cli.Command {
	return &cli.Command{
		Name:      "run",
		Usage:     "execute a pipeline file locally with live progress",
		ArgsUsage: "<file>",
		Action: func(ctx context.Context, cmd *cli.Command) error {
			path := cmd.Args().First()
			if path == "" {
				return fmt.Errorf("usage: conveyor run <file>")
			}

			contents, err := os.ReadFile(path)
			if err != nil {
				return err
			}

			cfg, err := config.Load(ctx)
			if err != nil {
				return err
			}

			compiler := workflow.Compiler{
				Trigger:        workflow.Trigger{Kind: workflow.TriggerKindManual},
				DefaultTimeout: cfg.Pipelines.DefaultTimeout,
			}
			defs := compiler.Parse([]workflow.RawFile{{Name: path, Contents: contents}})
			compiled := compiler.Compile(defs)

			for _, w := range compiler.Diagnostics.Warnings {
				fmt.Println(w.String())
			}
			if compiler.Diagnostics.IsErr() {
				for _, e := range compiler.Diagnostics.Errors {
					fmt.Println(e.String())
				}
				return fmt.Errorf("%s: validation failed", path)
			}
			if len(compiled) == 0 {
				return fmt.Errorf("%s: nothing to run", path)
			}

			reg, err := conveyor.BuildRegistry(cfg)
			if err != nil {
				return err
			}

			runID := uuid.NewString()
			eng := engine.New(reg,
				engine.WithConcurrency(cfg.Pipelines.Concurrency),
				engine.WithRetryDelay(cfg.Pipelines.RetryDelay),
				engine.WithOnUpdate(func(o engine.Outcome) {
					if o.Status == graph.StatusPending {
						return
					}
					fmt.Printf("%-12s %-10s", o.StageID, o.Status)
					if o.Attempt > 1 {
						fmt.Printf(" attempt %d", o.Attempt)
					}
					if o.ErrorDetail != "" {
						fmt.Printf("  %s", o.ErrorDetail)
					}
					fmt.Println()
				}),
			)

			params := adapter.Params{"run": runID}.Merge(compiled[0].Definition.Environment)
			report, err := eng.Run(ctx, compiled[0].Graph, runID, params)
			if err != nil {
				return err
			}

			fmt.Printf("\nrun %s: %s in %s\n", runID, report.Status,
				report.FinishedAt.Sub(report.StartedAt).Round(time.Millisecond))
			if failed := report.Failed(); len(failed) > 0 {
				return fmt.Errorf("stage %s: %s", failed[0].StageID, failed[0].ErrorDetail)
			}
			return nil
		},
	}
}

func submitCommand() *cli.Command {
	return &cli.Command{
		Name:      "submit",
		Usage:     "submit a pipeline file for execution",
		ArgsUsage: "<file>",
		Flags: []cli.Flag{
			serverFlag(),
			&cli.StringFlag{
				Name:  "event",
				Usage: "trigger event (manual, push, pull_request)",
				Value: "manual",
			},
			&cli.StringFlag{
				Name:  "branch",
				Usage: "branch name for push events",
			},
		},
		Action: func(ctx context.Context, cmd *cli.Command) error {
			path := cmd.Args().First()
			if path == "" {
				return fmt.Errorf("usage: conveyor submit <file>")
			}

			contents, err := os.ReadFile(path)
			if err != nil {
				return err
			}

			q := url.Values{}
			q.Set("name", path)
			q.Set("event", cmd.String("event"))
			if branch := cmd.String("branch"); branch != "" {
				q.Set("branch", branch)
			}

			u := fmt.Sprintf("%s/pipelines?%s", cmd.String("server"), q.Encode())
			req, err := http.NewRequestWithContext(ctx, http.MethodPost, u, bytes.NewReader(contents))
			if err != nil {
				return err
			}

			resp, err := http.DefaultClient.Do(req)
			if err != nil {
				return err
			}
			defer resp.Body.Close()

			var submitted struct {
				RunID    string   `json:"run_id"`
				Skipped  bool     `json:"skipped"`
				Warnings []string `json:"warnings"`
				Errors   []string `json:"errors"`
			}
			if err := json.NewDecoder(resp.Body).Decode(&submitted); err != nil {
				return fmt.Errorf("decoding response: %w", err)
			}

			for _, w := range submitted.Warnings {
				fmt.Println(w)
			}
			for _, e := range submitted.Errors {
				fmt.Println(e)
			}
			if resp.StatusCode != http.StatusAccepted && resp.StatusCode != http.StatusOK {
				return fmt.Errorf("server rejected pipeline: %s", resp.Status)
			}
			if submitted.Skipped {
				fmt.Println("pipeline skipped: trigger did not match")
				return nil
			}

			fmt.Printf("run %s enqueued\n", submitted.RunID)
			return nil
		},
	}
}

type runView struct {
	ID         string     `json:"id"`
	Name       string     `json:"name"`
	Status     string     `json:"status"`
	Error      string     `json:"error"`
	StartedAt  time.Time  `json:"started_at"`
	FinishedAt *time.Time `json:"finished_at"`
	Stages     []struct {
		StageID     string    `json:"stage_id"`
		Status      string    `json:"status"`
		Attempt     int       `json:"attempt"`
		ErrorDetail string    `json:"error_detail"`
		StartedAt   time.Time `json:"started_at"`
	} `json:"stages"`
}

func statusCommand() *cli.Command {
	return &cli.Command{
		Name:      "status",
		Usage:     "show the state of a run and its stages",
		ArgsUsage: "<run-id>",
		Flags:     []cli.Flag{serverFlag()},
		Action: func(ctx context.Context, cmd *cli.Command) error {
			id := cmd.Args().First()
			if id == "" {
				return fmt.Errorf("usage: conveyor status <run-id>")
			}

			var run runView
			if err := getJSON(ctx, fmt.Sprintf("%s/pipelines/%s", cmd.String("server"), url.PathEscape(id)), &run); err != nil {
				return err
			}

			fmt.Printf("%s  %s  %s  started %s\n", run.ID, run.Name, run.Status, humanize.Time(run.StartedAt))
			if run.Error != "" {
				fmt.Printf("  error: %s\n", run.Error)
			}
			for _, s := range run.Stages {
				fmt.Printf("  %-12s %-10s", s.StageID, s.Status)
				if s.Attempt > 1 {
					fmt.Printf(" attempt %d", s.Attempt)
				}
				if s.ErrorDetail != "" {
					fmt.Printf("  %s", s.ErrorDetail)
				}
				fmt.Println()
			}
			return nil
		},
	}
}

func runsCommand() *cli.Command {
	return &cli.Command{
		Name:  "runs",
		Usage: "list recent runs",
		Flags: []cli.Flag{
			serverFlag(),
			&cli.StringFlag{
				Name:  "cursor",
				Usage: "resume listing after this run id",
			},
		},
		Action: func(ctx context.Context, cmd *cli.Command) error {
			u := fmt.Sprintf("%s/pipelines", cmd.String("server"))
			if cursor := cmd.String("cursor"); cursor != "" {
				u = fmt.Sprintf("%s?cursor=%s", u, url.QueryEscape(cursor))
			}

			var runs []runView
			if err := getJSON(ctx, u, &runs); err != nil {
				return err
			}

			for _, r := range runs {
				fmt.Printf("%s  %-10s %-20s %s\n", r.ID, r.Status, r.Name, humanize.Time(r.StartedAt))
			}
			return nil
		},
	}
}

func getJSON(ctx context.Context, u string, v any) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, u, nil)
	if err != nil {
		return err
	}

	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		body, _ := io.ReadAll(io.LimitReader(resp.Body, 1024))
		return fmt.Errorf("%s: %s", resp.Status, bytes.TrimSpace(body))
	}
	return json.NewDecoder(resp.Body).Decode(v)
}
