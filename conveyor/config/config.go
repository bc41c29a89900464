package config

import (
	"context"
	"time"

	"github.com/sethvargo/go-envconfig"
)

type Server struct {
	ListenAddr string `env:"LISTEN_ADDR, default=0.0.0.0:6180"`
	DBPath     string `env:"DB_PATH, default=conveyor.db"`
	Dev        bool   `env:"DEV, default=false"`
}

type Pipelines struct {
	WorkspaceRoot  string        `env:"WORKSPACE_ROOT, default=/var/lib/conveyor/workspaces"`
	Concurrency    int           `env:"CONCURRENCY, default=4"`
	QueueSize      int           `env:"QUEUE_SIZE, default=100"`
	QueueWorkers   int           `env:"QUEUE_WORKERS, default=2"`
	DefaultTimeout time.Duration `env:"DEFAULT_TIMEOUT, default=5m"`
	RetryDelay     time.Duration `env:"RETRY_DELAY, default=2s"`
}

type Tools struct {
	AnalysisURL   string `env:"ANALYSIS_URL"`
	AnalysisToken string `env:"ANALYSIS_TOKEN"`
	ScanBinary    string `env:"SCAN_BINARY, default=trivy"`
	ScanThreshold string `env:"SCAN_THRESHOLD, default=HIGH"`
	RegistryUser  string `env:"REGISTRY_USER"`
	RegistryToken string `env:"REGISTRY_TOKEN"`
	Kubeconfig    string `env:"KUBECONFIG"`
}

type Notify struct {
	WebhookURL string `env:"WEBHOOK_URL"`
	EmailFrom  string `env:"EMAIL_FROM"`
	EmailTo    string `env:"EMAIL_TO"`
	ResendKey  string `env:"RESEND_KEY"`
}

type Secrets struct {
	Provider string        `env:"PROVIDER, default=sqlite"`
	OpenBao  OpenBaoConfig `env:",prefix=OPENBAO_"`
}

type OpenBaoConfig struct {
	Addr     string `env:"ADDR"`
	RoleID   string `env:"ROLE_ID"`
	SecretID string `env:"SECRET_ID"`
	Mount    string `env:"MOUNT, default=conveyor"`
}

type Config struct {
	Server    Server    `env:",prefix=CONVEYOR_SERVER_"`
	Pipelines Pipelines `env:",prefix=CONVEYOR_PIPELINES_"`
	Tools     Tools     `env:",prefix=CONVEYOR_TOOLS_"`
	Notify    Notify    `env:",prefix=CONVEYOR_NOTIFY_"`
	Secrets   Secrets   `env:",prefix=CONVEYOR_SECRETS_"`
}

func Load(ctx context.Context) (*Config, error) {
	var cfg Config
	err := envconfig.Process(ctx, &cfg)
	if err != nil {
		return nil, err
	}

	return &cfg, nil
}
