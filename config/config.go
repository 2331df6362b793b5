package config

import (
	"fmt"
	"net/url"
	"time"
)

// Config holds scraper configuration.
type Config struct {
	BaseURL           string        `env:"LEANPUB_BASE_URL"`
	MaxPages          int           `env:"LEANPUB_MAX_PAGES"`
	Parallelism       int           `env:"LEANPUB_PARALLEL"`
	Delay             time.Duration `env:"LEANPUB_DELAY"`
	RandomDelay       time.Duration `env:"LEANPUB_RANDOM_DELAY"`
	Timeout           time.Duration `env:"LEANPUB_TIMEOUT"`
	MaxRetries        int           `env:"LEANPUB_MAX_RETRIES"`
	RetryBackoff      time.Duration `env:"LEANPUB_RETRY_BACKOFF"`
	RetryBackoffMax   time.Duration `env:"LEANPUB_RETRY_BACKOFF_MAX"`
	SessionMaxAge     time.Duration `env:"LEANPUB_SESSION_MAX_AGE"`
	SessionCookieName string        `env:"LEANPUB_SESSION_COOKIE"`
	LoginUserField    string        `env:"LEANPUB_LOGIN_USER_FIELD"`
	LoginPassField    string        `env:"LEANPUB_LOGIN_PASSWORD_FIELD"`
	FetchLoginToken   bool          `env:"LEANPUB_FETCH_LOGIN_TOKEN"`
	SessionFile       string        `env:"LEANPUB_SESSION_FILE"`
	RedisAddr         string        `env:"REDIS_ADDR"`
	RedisPassword     string        `env:"REDIS_PASSWORD"`
	RedisDB           int           `env:"REDIS_DB"`
	RedisKey          string        `env:"REDIS_SESSION_KEY"`
	OutputFile        string        `env:"LEANPUB_OUTPUT"`
	OutputFormat      string        `env:"LEANPUB_FORMAT"` // csv, json, dual or sqlite
	UserAgent         string        `env:"LEANPUB_USER_AGENT"`
	MetricsAddr       string        `env:"LEANPUB_METRICS_ADDR"`
	Verbose           bool          `env:"LEANPUB_VERBOSE"`
}

// DefaultConfig returns conservative defaults for leanpub.com.
func DefaultConfig() *Config {
	return &Config{
		BaseURL:           "https://leanpub.com",
		MaxPages:          20,
		Parallelism:       4,
		Delay:             250 * time.Millisecond,
		RandomDelay:       250 * time.Millisecond,
		Timeout:           20 * time.Second,
		MaxRetries:        2,
		RetryBackoff:      500 * time.Millisecond,
		RetryBackoffMax:   5 * time.Second,
		SessionMaxAge:     6 * time.Hour,
		SessionCookieName: "_leanpub_session",
		LoginUserField:    "session[email]",
		LoginPassField:    "session[password]",
		FetchLoginToken:   true,
		SessionFile:       ".leanpub-session.json",
		RedisKey:          "leanpub:session",
		OutputFile:        "output/report.csv",
		OutputFormat:      "csv",
		UserAgent:         "Mozilla/5.0 (X11; Linux x86_64) AppleWebKit/537.36 (KHTML, like Gecko) Chrome/117.0.0.0 Safari/537.36",
		Verbose:           false,
	}
}

// Validate ensures all configuration values are coherent.
func (c *Config) Validate() error {
	if c.BaseURL == "" {
		return fmt.Errorf("base URL cannot be empty")
	}

	parsedURL, err := url.Parse(c.BaseURL)
	if err != nil {
		return fmt.Errorf("invalid base URL: %w", err)
	}
	if parsedURL.Host == "" {
		return fmt.Errorf("base URL must include a host")
	}

	if c.MaxPages <= 0 {
		return fmt.Errorf("max pages must be positive")
	}
	if c.Parallelism <= 0 {
		return fmt.Errorf("parallelism must be positive")
	}
	if c.Delay < 0 {
		return fmt.Errorf("delay cannot be negative")
	}
	if c.RandomDelay < 0 {
		return fmt.Errorf("random delay cannot be negative")
	}
	if c.Timeout <= 0 {
		return fmt.Errorf("timeout must be positive")
	}
	if c.MaxRetries < 0 {
		return fmt.Errorf("max retries cannot be negative")
	}
	if c.RetryBackoff < 0 {
		return fmt.Errorf("retry backoff cannot be negative")
	}
	if c.RetryBackoffMax < 0 {
		return fmt.Errorf("retry backoff max cannot be negative")
	}
	if c.RetryBackoffMax > 0 && c.RetryBackoff > c.RetryBackoffMax {
		return fmt.Errorf("retry backoff (%s) cannot exceed retry backoff max (%s)", c.RetryBackoff, c.RetryBackoffMax)
	}
	if c.SessionMaxAge < 0 {
		return fmt.Errorf("session max age cannot be negative")
	}
	if c.SessionCookieName == "" {
		return fmt.Errorf("session cookie name cannot be empty")
	}
	if c.LoginUserField == "" || c.LoginPassField == "" {
		return fmt.Errorf("login form field names cannot be empty")
	}
	if c.OutputFile == "" {
		return fmt.Errorf("output file cannot be empty")
	}
	switch c.OutputFormat {
	case "csv", "json", "dual", "sqlite":
	default:
		return fmt.Errorf("output format must be csv, json, dual, or sqlite")
	}
	if c.UserAgent == "" {
		return fmt.Errorf("user agent cannot be empty")
	}

	return nil
}
