// Package config holds the runtime settings of a watch run. Values come from
// defaults, then the environment, then command-line flags.
package config

import (
	"errors"
	"fmt"
	"os"
	"strconv"
	"time"

	"github.com/spf13/pflag"
)

const (
	SourceNVD  = "nvd"
	SourceGHSA = "ghsa"
)

var (
	ErrMissingWebhook = errors.New("webhook URL is required")
	ErrUnknownSource  = errors.New("unknown advisory source")
	ErrUnknownOutput  = errors.New("unknown output format")
	ErrBadHoursBack   = errors.New("hours-back must be positive")
)

type Config struct {
	WatchlistPath string
	StateDir      string
	HoursBack     int
	RetentionDays int
	Source        string
	WebhookURL    string
	NVDAPIKey     string
	GitHubToken   string
	DryRun        bool
	Output        string
	Timeout       time.Duration
	LogLevel      string
}

func Default() *Config {
	return &Config{
		WatchlistPath: "watchlist.yml",
		StateDir:      "posted",
		HoursBack:     24,
		RetentionDays: 30,
		Source:        SourceNVD,
		Output:        "table",
		Timeout:       10 * time.Minute,
		LogLevel:      "info",
	}
}

// FromEnv applies the environment on top of the defaults. The variable names
// are the ones the cron workflow already exports.
func FromEnv() *Config {
	cfg := Default()
	if v := os.Getenv("WATCHLIST_PATH"); v != "" {
		cfg.WatchlistPath = v
	}
	if v := os.Getenv("POSTED_DIR"); v != "" {
		cfg.StateDir = v
	}
	if n, err := strconv.Atoi(os.Getenv("HOURS_BACK")); err == nil && n > 0 {
		cfg.HoursBack = n
	}
	if n, err := strconv.Atoi(os.Getenv("RETENTION_DAYS")); err == nil && n >= 0 {
		cfg.RetentionDays = n
	}
	if v := os.Getenv("ADVISORY_SOURCE"); v != "" {
		cfg.Source = v
	}
	cfg.WebhookURL = os.Getenv("SLACK_WEBHOOK_URL")
	cfg.NVDAPIKey = os.Getenv("NVD_API_KEY")
	cfg.GitHubToken = os.Getenv("GITHUB_TOKEN")
	if v := os.Getenv("LOG_LEVEL"); v != "" {
		cfg.LogLevel = v
	}
	return cfg
}

// MergeFlags overlays set flags onto cfg. Flag defaults are declared from an
// env-loaded config, so unset flags hand the env value straight back.
func MergeFlags(cfg *Config, flags *pflag.FlagSet) *Config {
	if v, err := flags.GetString("watchlist"); err == nil && v != "" {
		cfg.WatchlistPath = v
	}
	if v, err := flags.GetString("state-dir"); err == nil && v != "" {
		cfg.StateDir = v
	}
	if v, err := flags.GetInt("hours-back"); err == nil && v > 0 {
		cfg.HoursBack = v
	}
	if v, err := flags.GetInt("retention-days"); err == nil && v >= 0 {
		cfg.RetentionDays = v
	}
	if v, err := flags.GetString("source"); err == nil && v != "" {
		cfg.Source = v
	}
	if v, err := flags.GetString("webhook-url"); err == nil && v != "" {
		cfg.WebhookURL = v
	}
	if v, err := flags.GetBool("dry-run"); err == nil {
		cfg.DryRun = v
	}
	if v, err := flags.GetString("output"); err == nil && v != "" {
		cfg.Output = v
	}
	if v, err := flags.GetDuration("timeout"); err == nil && v > 0 {
		cfg.Timeout = v
	}
	if v, err := flags.GetString("log-level"); err == nil && v != "" {
		cfg.LogLevel = v
	}
	return cfg
}

// Validate checks the merged configuration before the run starts.
func (c *Config) Validate() error {
	if !c.DryRun && c.WebhookURL == "" {
		return ErrMissingWebhook
	}
	switch c.Source {
	case SourceNVD, SourceGHSA:
	default:
		return fmt.Errorf("%w: %q", ErrUnknownSource, c.Source)
	}
	switch c.Output {
	case "table", "json":
	default:
		return fmt.Errorf("%w: %q", ErrUnknownOutput, c.Output)
	}
	if c.HoursBack <= 0 {
		return ErrBadHoursBack
	}
	return nil
}
