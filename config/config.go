package config

import (
	"context"

	"github.com/sethvargo/go-envconfig"
)

type Server struct {
	ListenAddr string `env:"LISTEN_ADDR, default=0.0.0.0:6885"`
	DBPath     string `env:"DB_PATH, default=loom.db"`
	Hostname   string `env:"HOSTNAME, default=localhost"`
	Dev        bool   `env:"DEV, default=false"`
	// Secret shared with whoever delivers trigger events; empty
	// disables verification.
	WebhookSecret string  `env:"WEBHOOK_SECRET"`
	Secrets       Secrets `env:",prefix=SECRETS_"`
}

type Secrets struct {
	Provider string      `env:"PROVIDER, default=sqlite"`
	Vault    VaultConfig `env:",prefix=VAULT_"`
}

type VaultConfig struct {
	Addr     string `env:"ADDR"`
	RoleID   string `env:"ROLE_ID"`
	SecretID string `env:"SECRET_ID"`
	Mount    string `env:"MOUNT, default=loom"`
}

type Pipelines struct {
	// Runners maps a job's runs-on label to an execution target: either
	// a container image ("ubuntu=docker.io/library/ubuntu:24.04") or the
	// literal string "host" for direct execution.
	Runners    map[string]string `env:"RUNNERS, default=default:host"`
	JobTimeout string            `env:"JOB_TIMEOUT, default=5m"`
	LogDir     string            `env:"LOG_DIR, default=/var/log/loom"`
	// Queue depth for pending pipelines; triggers past this are dropped.
	QueueSize int `env:"QUEUE_SIZE, default=100"`
}

type Config struct {
	Server    Server    `env:",prefix=LOOM_SERVER_"`
	Pipelines Pipelines `env:",prefix=LOOM_PIPELINES_"`
}

func Load(ctx context.Context) (*Config, error) {
	var cfg Config
	err := envconfig.Process(ctx, &cfg)
	if err != nil {
		return nil, err
	}

	return &cfg, nil
}
