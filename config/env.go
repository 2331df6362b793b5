package config

import (
	"fmt"
	"log/slog"

	"github.com/aluiziolira/leanpub-report/models"
	"github.com/caarlos0/env/v11"
	"github.com/joho/godotenv"
)

// credentials mirrors the environment variables holding the author's login.
type credentials struct {
	Username string `env:"LEANPUB_EMAIL,notEmpty"`
	Password string `env:"LEANPUB_PASSWORD,notEmpty"`
}

// LoadDotEnv loads variables from the given files, defaulting to .env.
// A missing file is not an error: the variables may come from the process environment.
func LoadDotEnv(files ...string) {
	if err := godotenv.Load(files...); err != nil {
		slog.Debug("no .env file loaded, using process environment", slog.Any("error", err))
	}
}

// Load returns DefaultConfig overridden by any LEANPUB_* / REDIS_* variables set.
func Load() (*Config, error) {
	cfg := DefaultConfig()
	if err := env.Parse(cfg); err != nil {
		return nil, fmt.Errorf("parse environment: %w", err)
	}
	return cfg, nil
}

// LoadCredentials reads LEANPUB_EMAIL and LEANPUB_PASSWORD.
func LoadCredentials() (models.Credentials, error) {
	var c credentials
	if err := env.Parse(&c); err != nil {
		return models.Credentials{}, fmt.Errorf("load credentials: %w", err)
	}
	return models.Credentials{Username: c.Username, Password: c.Password}, nil
}
