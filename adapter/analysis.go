package adapter

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/url"
	"time"

	"conveyor.sh/core/log"
)

// Analysis submits a project to a static-analysis server and polls
// its quality gate. The server is expected to speak a SonarQube-style
// HTTP API: trigger returns a task id, the gate endpoint reports
// OK/ERROR once computed.
type Analysis struct {
	BaseURL string
	Token   string
	Client  *http.Client

	// PollInterval between quality gate checks. Zero means 2s.
	PollInterval time.Duration
}

type qualityGate struct {
	ProjectStatus struct {
		Status string `json:"status"`
	} `json:"projectStatus"`
}

func (a *Analysis) httpClient() *http.Client {
	if a.Client != nil {
		return a.Client
	}
	return http.DefaultClient
}

func (a *Analysis) Run(ctx context.Context, params Params) (Result, error) {
	l := log.FromContext(ctx)

	projectKey, err := params.Require("project")
	if err != nil {
		return Result{}, err
	}

	if err := a.trigger(ctx, projectKey); err != nil {
		return Result{}, err
	}

	interval := a.PollInterval
	if interval == 0 {
		interval = 2 * time.Second
	}

	reportURL := fmt.Sprintf("%s/dashboard?id=%s", a.BaseURL, url.QueryEscape(projectKey))

	for {
		gate, err := a.gateStatus(ctx, projectKey)
		if err != nil {
			return Result{}, err
		}

		switch gate {
		case "OK":
			l.Info("quality gate passed", "project", projectKey)
			return Result{
				OK: true,
				Output: map[string]string{
					"report_url": reportURL,
				},
			}, nil
		case "ERROR":
			return Result{
				OK:     false,
				Detail: "quality gate failed",
				Output: map[string]string{
					"report_url": reportURL,
				},
			}, nil
		}

		select {
		case <-ctx.Done():
			return Result{}, ctx.Err()
		case <-time.After(interval):
		}
	}
}

func (a *Analysis) trigger(ctx context.Context, projectKey string) error {
	u := fmt.Sprintf("%s/api/project_analyses/trigger?project=%s", a.BaseURL, url.QueryEscape(projectKey))
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, u, nil)
	if err != nil {
		return err
	}
	a.auth(req)

	resp, err := a.httpClient().Do(req)
	if err != nil {
		return fmt.Errorf("triggering analysis: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 300 {
		return fmt.Errorf("analysis server returned %d", resp.StatusCode)
	}
	return nil
}

func (a *Analysis) gateStatus(ctx context.Context, projectKey string) (string, error) {
	u := fmt.Sprintf("%s/api/qualitygates/project_status?projectKey=%s", a.BaseURL, url.QueryEscape(projectKey))
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, u, nil)
	if err != nil {
		return "", err
	}
	a.auth(req)

	resp, err := a.httpClient().Do(req)
	if err != nil {
		return "", fmt.Errorf("fetching quality gate: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 300 {
		return "", fmt.Errorf("analysis server returned %d", resp.StatusCode)
	}

	var gate qualityGate
	if err := json.NewDecoder(resp.Body).Decode(&gate); err != nil {
		return "", fmt.Errorf("decoding quality gate: %w", err)
	}
	return gate.ProjectStatus.Status, nil
}

func (a *Analysis) auth(req *http.Request) {
	if a.Token != "" {
		req.SetBasicAuth(a.Token, "")
	}
}
