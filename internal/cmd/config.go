package main

import (
	"fmt"
	"os"

	"github.com/caarlos0/env/v11"
	"github.com/trillionclues/chronicle-backend/internal/session"
	"gopkg.in/yaml.v3"
)

// Config holds process configuration, parsed from the environment.
type Config struct {
	Port      string `env:"PORT" envDefault:"8080"`
	LogPretty bool   `env:"LOG_PRETTY" envDefault:"false"`

	// Empty NATS_URL keeps broadcast node-local.
	NATSURL string `env:"NATS_URL"`

	// Empty DB_HOST selects the in-memory repository (single-node dev).
	Database DatabaseConfig `envPrefix:"DB_"`

	// Optional YAML file with game policy toggles.
	PolicyFile string `env:"POLICY_FILE"`
}

// DatabaseConfig holds Postgres connection settings.
type DatabaseConfig struct {
	Host     string `env:"HOST"`
	Port     int    `env:"PORT" envDefault:"5432"`
	User     string `env:"USER" envDefault:"postgres"`
	Password string `env:"PASSWORD" envDefault:"postgres"`
	Database string `env:"NAME" envDefault:"chronicle"`
	SSLMode  string `env:"SSLMODE" envDefault:"disable"`
}

// DSN returns the Postgres connection URL.
func (c DatabaseConfig) DSN() string {
	return fmt.Sprintf(
		"postgres://%s:%s@%s:%d/%s?sslmode=%s",
		c.User, c.Password, c.Host, c.Port, c.Database, c.SSLMode,
	)
}

func loadConfig() (*Config, error) {
	var cfg Config
	if err := env.Parse(&cfg); err != nil {
		return nil, fmt.Errorf("parse environment: %w", err)
	}
	return &cfg, nil
}

// policyFile is the on-disk shape of the policy toggles.
type policyFile struct {
	Session session.Policy `yaml:"session"`
}

func loadPolicy(path string) (session.Policy, error) {
	policy := session.DefaultPolicy()
	if path == "" {
		return policy, nil
	}

	data, err := os.ReadFile(path)
	if err != nil {
		return policy, fmt.Errorf("read policy file: %w", err)
	}
	file := policyFile{Session: policy}
	if err := yaml.Unmarshal(data, &file); err != nil {
		return policy, fmt.Errorf("parse policy file: %w", err)
	}
	return file.Session, nil
}
