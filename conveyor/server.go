package conveyor

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"
	"conveyor.sh/core/adapter"
	"conveyor.sh/core/conveyor/config"
	"conveyor.sh/core/conveyor/db"
	"conveyor.sh/core/conveyor/queue"
	"conveyor.sh/core/engine"
	"conveyor.sh/core/graph"
	"conveyor.sh/core/log"
	"conveyor.sh/core/notifier"
	"conveyor.sh/core/notify"
	"conveyor.sh/core/secrets"
	"conveyor.sh/core/workflow"
)

type Conveyor struct {
	cfg *config.Config
	db  *db.DB
	l   *slog.Logger
	n   *notifier.Notifier
	reg *adapter.Registry
	jq  *queue.Queue
	sm  secrets.Manager
	nt  notify.Notifier
}

func Run(ctx context.Context) error {
	logger := log.FromContext(ctx)

	cfg, err := config.Load(ctx)
	if err != nil {
		return fmt.Errorf("failed to load config: %w", err)
	}

	d, err := db.Make(cfg.Server.DBPath)
	if err != nil {
		return fmt.Errorf("failed to setup db: %w", err)
	}

	n := notifier.New()

	reg, err := BuildRegistry(cfg)
	if err != nil {
		return fmt.Errorf("failed to setup adapters: %w", err)
	}

	sm, err := buildSecretsManager(cfg, logger)
	if err != nil {
		return fmt.Errorf("failed to setup secrets manager: %w", err)
	}

	jq := queue.NewQueue(cfg.Pipelines.QueueSize, cfg.Pipelines.QueueWorkers)

	c := Conveyor{
		cfg: cfg,
		db:  d,
		l:   logger,
		n:   &n,
		reg: reg,
		jq:  jq,
		sm:  sm,
		nt:  buildNotifiers(cfg),
	}

	// starts the job queue runners in the background
	jq.Start()
	defer jq.Stop()

	if stopper, ok := sm.(secrets.Stopper); ok {
		defer stopper.Stop()
	}

	logger.Info("starting conveyor server", "address", cfg.Server.ListenAddr)
	logger.Error("server error", "error", http.ListenAndServe(cfg.Server.ListenAddr, c.Router()))

	return nil
}

// BuildRegistry constructs the adapter set for every stage kind from
// tool configuration. Shared with the CLI's local runner.
func BuildRegistry(cfg *config.Config) (*adapter.Registry, error) {
	build, err := adapter.NewBuild()
	if err != nil {
		return nil, err
	}
	push, err := adapter.NewPush(cfg.Tools.RegistryUser, cfg.Tools.RegistryToken)
	if err != nil {
		return nil, err
	}

	reg := adapter.NewRegistry()
	reg.Register(graph.KindCheckout, &adapter.Checkout{WorkspaceRoot: cfg.Pipelines.WorkspaceRoot})
	reg.Register(graph.KindAnalysis, &adapter.Analysis{BaseURL: cfg.Tools.AnalysisURL, Token: cfg.Tools.AnalysisToken})
	reg.Register(graph.KindBuild, build)
	reg.Register(graph.KindScan, &adapter.Scan{Binary: cfg.Tools.ScanBinary, Threshold: cfg.Tools.ScanThreshold})
	reg.Register(graph.KindPush, push)
	reg.Register(graph.KindDeploy, &adapter.Deploy{Kubeconfig: cfg.Tools.Kubeconfig})
	return reg, nil
}

func buildSecretsManager(cfg *config.Config, logger *slog.Logger) (secrets.Manager, error) {
	switch cfg.Secrets.Provider {
	case "openbao":
		return secrets.NewOpenBaoManager(
			cfg.Secrets.OpenBao.Addr,
			cfg.Secrets.OpenBao.RoleID,
			cfg.Secrets.OpenBao.SecretID,
			logger,
			secrets.WithMountPath(cfg.Secrets.OpenBao.Mount),
		)
	default:
		return secrets.NewSQLiteManager(cfg.Server.DBPath)
	}
}

func buildNotifiers(cfg *config.Config) notify.Notifier {
	sinks := notify.Multi{notify.Log{}}
	if cfg.Notify.WebhookURL != "" {
		sinks = append(sinks, &notify.Webhook{URL: cfg.Notify.WebhookURL})
	}
	if cfg.Notify.ResendKey != "" && cfg.Notify.EmailTo != "" {
		sinks = append(sinks, &notify.Email{
			APIKey: cfg.Notify.ResendKey,
			From:   cfg.Notify.EmailFrom,
			To:     cfg.Notify.EmailTo,
		})
	}
	return sinks
}

func (c *Conveyor) Router() http.Handler {
	mux := chi.NewRouter()
	mux.Use(c.RequestLogger)

	mux.Post("/pipelines", c.SubmitPipeline)
	mux.Get("/pipelines", c.ListRuns)
	mux.Get("/pipelines/{id}", c.GetRun)
	mux.HandleFunc("/events", c.Events)
	mux.Get("/health", func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte("ok"))
	})
	return mux
}

type submitResponse struct {
	RunID    string   `json:"run_id,omitempty"`
	Skipped  bool     `json:"skipped,omitempty"`
	Warnings []string `json:"warnings,omitempty"`
	Errors   []string `json:"errors,omitempty"`
}

// SubmitPipeline accepts one pipeline definition file, compiles it
// against the trigger described in query parameters, and enqueues a
// run for it.
func (c *Conveyor) SubmitPipeline(w http.ResponseWriter, r *http.Request) {
	body, err := io.ReadAll(io.LimitReader(r.Body, 1<<20))
	if err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}

	trigger := workflow.Trigger{
		Kind:   r.URL.Query().Get("event"),
		Branch: r.URL.Query().Get("branch"),
	}
	if trigger.Kind == "" {
		trigger.Kind = workflow.TriggerKindManual
	}

	name := r.URL.Query().Get("name")
	if name == "" {
		name = "pipeline"
	}

	compiler := workflow.Compiler{
		Trigger:        trigger,
		DefaultTimeout: c.cfg.Pipelines.DefaultTimeout,
	}
	defs := compiler.Parse([]workflow.RawFile{{Name: name, Contents: body}})
	compiled := compiler.Compile(defs)

	resp := submitResponse{}
	for _, warning := range compiler.Diagnostics.Warnings {
		resp.Warnings = append(resp.Warnings, warning.String())
	}

	if compiler.Diagnostics.IsErr() {
		for _, e := range compiler.Diagnostics.Errors {
			resp.Errors = append(resp.Errors, e.String())
		}
		writeJSON(w, http.StatusBadRequest, resp)
		return
	}

	if len(compiled) == 0 {
		resp.Skipped = true
		writeJSON(w, http.StatusOK, resp)
		return
	}

	runID := uuid.NewString()
	if err := c.db.CreateRun(runID, compiled[0].Definition.Name, c.n); err != nil {
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}

	ok := c.jq.Enqueue(queue.Job{
		Run: func() error {
			return c.executeRun(log.IntoContext(context.Background(), c.l), runID, compiled[0])
		},
		OnFail: func(jobError error) {
			c.l.Error("pipeline run failed", "run", runID, "error", jobError)
		},
	})
	if !ok {
		c.l.Error("failed to enqueue pipeline: queue is full")
		http.Error(w, "queue is full", http.StatusServiceUnavailable)
		return
	}

	c.l.Info("pipeline enqueued", "run", runID, "name", compiled[0].Definition.Name)
	resp.RunID = runID
	writeJSON(w, http.StatusAccepted, resp)
}

// executeRun drives one compiled pipeline through the engine,
// persisting stage transitions and dispatching the final report.
func (c *Conveyor) executeRun(ctx context.Context, runID string, compiled workflow.Compiled) error {
	if err := c.db.MarkRunRunning(runID, c.n); err != nil {
		return err
	}

	eng := engine.New(c.reg,
		engine.WithConcurrency(c.cfg.Pipelines.Concurrency),
		engine.WithRetryDelay(c.cfg.Pipelines.RetryDelay),
		engine.WithOnUpdate(func(o engine.Outcome) {
			if err := c.db.SaveStageOutcome(runID, o, c.n); err != nil {
				c.l.Error("failed to persist stage outcome", "run", runID, "stage", o.StageID, "error", err)
			}
			if o.Status.Terminal() {
				if err := c.db.InsertStageEvent(runID, o, c.n); err != nil {
					c.l.Error("failed to record stage event", "run", runID, "stage", o.StageID, "error", err)
				}
			}
		}),
	)

	params, err := c.baseParams(ctx, runID, compiled.Definition)
	if err != nil {
		c.db.MarkRunFinished(runID, graph.StatusFailed, err.Error(), c.n)
		return err
	}

	report, err := eng.Run(ctx, compiled.Graph, runID, params)
	if err != nil {
		c.db.MarkRunFinished(runID, graph.StatusFailed, err.Error(), c.n)
		return err
	}

	errMsg := ""
	if failed := report.Failed(); len(failed) > 0 {
		errMsg = fmt.Sprintf("stage %s: %s", failed[0].StageID, failed[0].ErrorDetail)
	}
	if err := c.db.MarkRunFinished(runID, report.Status, errMsg, c.n); err != nil {
		return err
	}
	if err := c.db.InsertEvent(runID, report, c.n); err != nil {
		c.l.Error("failed to record report event", "run", runID, "error", err)
	}

	notify.Dispatch(ctx, c.nt, report)
	return nil
}

// baseParams assembles run-scoped parameters: the run id, the
// pipeline's environment block, and its unlocked secrets.
func (c *Conveyor) baseParams(ctx context.Context, runID string, def workflow.Definition) (adapter.Params, error) {
	params := adapter.Params{"run": runID}
	params = params.Merge(def.Environment)

	unlocked, err := c.sm.GetSecretsUnlocked(ctx, secrets.Scope(def.Name))
	if err != nil {
		return nil, fmt.Errorf("fetching secrets: %w", err)
	}
	for _, s := range unlocked {
		params[s.Key] = s.Value
	}
	return params, nil
}

type runResponse struct {
	db.Run
	Stages []engine.Outcome `json:"stages"`
}

func (c *Conveyor) GetRun(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")

	run, err := c.db.GetRun(id)
	if err != nil {
		http.Error(w, "run not found", http.StatusNotFound)
		return
	}

	stages, err := c.db.GetStageOutcomes(id)
	if err != nil {
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}

	writeJSON(w, http.StatusOK, runResponse{Run: run, Stages: stages})
}

func (c *Conveyor) ListRuns(w http.ResponseWriter, r *http.Request) {
	runs, err := c.db.GetRuns(r.URL.Query().Get("cursor"))
	if err != nil {
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}
	writeJSON(w, http.StatusOK, runs)
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}
