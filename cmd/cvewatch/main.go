package main

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"strings"

	"github.com/cve-watch/pkg/advisory"
	"github.com/cve-watch/pkg/config"
	"github.com/cve-watch/pkg/logging"
	"github.com/cve-watch/pkg/notify"
	"github.com/cve-watch/pkg/reporter"
	"github.com/cve-watch/pkg/state"
	"github.com/cve-watch/pkg/watch"
	"github.com/cve-watch/pkg/watchlist"
	"github.com/spf13/cobra"
)

var (
	version = "dev"
	commit  = "none"
)

// exitDegraded signals a run that finished but lost some work, so the
// calling workflow can flag it without treating it as a hard failure.
const exitDegraded = 3

var exitCode int

func main() {
	env := config.FromEnv()

	rootCmd := &cobra.Command{
		Use:     "cvewatch",
		Short:   "Watch for new high-severity advisories and post them to Slack",
		Long:    `Fetches recent HIGH and CRITICAL severity advisories matching a watchlist of search terms, drops the ones already posted, and delivers the rest to a Slack webhook, one message each. Delivered ids are recorded in dated state files meant to be committed back by the calling workflow.`,
		Version: fmt.Sprintf("%s (commit %s)", version, commit),
		RunE:    run,
	}

	rootCmd.Flags().String("watchlist", env.WatchlistPath, "Path to the watchlist YAML")
	rootCmd.Flags().String("state-dir", env.StateDir, "Directory holding posted-*.json state files")
	rootCmd.Flags().Int("hours-back", env.HoursBack, "Publication window in hours")
	rootCmd.Flags().Int("retention-days", env.RetentionDays, "Days of state files to load (0 = all)")
	rootCmd.Flags().String("source", env.Source, "Advisory source: nvd | ghsa")
	rootCmd.Flags().String("webhook-url", env.WebhookURL, "Slack incoming webhook URL")
	rootCmd.Flags().Bool("dry-run", false, "Print findings without delivering or writing state")
	rootCmd.Flags().String("output", env.Output, "Dry-run output format: table | json")
	rootCmd.Flags().Duration("timeout", env.Timeout, "Overall run deadline")
	rootCmd.Flags().String("log-level", env.LogLevel, "Log level: debug | info | warn | error")

	if err := rootCmd.Execute(); err != nil {
		os.Exit(2)
	}
	os.Exit(exitCode)
}

func run(cmd *cobra.Command, args []string) error {
	cfg := config.MergeFlags(config.FromEnv(), cmd.Flags())
	if err := cfg.Validate(); err != nil {
		return err
	}

	log := logging.New(cfg.LogLevel)

	wl, err := watchlist.Load(cfg.WatchlistPath)
	if err != nil {
		return err
	}

	source, err := buildSource(cfg, log)
	if err != nil {
		return err
	}

	store := state.New(cfg.StateDir, cfg.RetentionDays, log)
	notifier := notify.NewSlackNotifier(notify.SlackConfig{WebhookURL: cfg.WebhookURL}, log)

	runner := watch.NewRunner(wl, source, store, notifier, watch.Config{
		HoursBack: cfg.HoursBack,
		DryRun:    cfg.DryRun,
	}, log)

	ctx, cancel := context.WithTimeout(cmd.Context(), cfg.Timeout)
	defer cancel()

	report, err := runner.Run(ctx)
	if err != nil {
		return err
	}

	if cfg.DryRun {
		if err := reporter.New(cfg.Output, os.Stdout).Report(report.Pending); err != nil {
			return err
		}
	} else {
		printSummary(report)
	}

	if report.Degraded {
		exitCode = exitDegraded
	}
	return nil
}

func buildSource(cfg *config.Config, log *slog.Logger) (advisory.Source, error) {
	switch cfg.Source {
	case config.SourceGHSA:
		return advisory.NewGHSAClient(advisory.GHSAConfig{Token: cfg.GitHubToken}, log), nil
	case config.SourceNVD:
		return advisory.NewNVDClient(advisory.NVDConfig{
			APIKey:    cfg.NVDAPIKey,
			UserAgent: "cvewatch/" + version,
		}, log), nil
	default:
		return nil, fmt.Errorf("unknown advisory source %q", cfg.Source)
	}
}

func printSummary(r watch.Report) {
	if r.Delivered == 0 && !r.Degraded && r.Skipped == 0 && r.Merged == 0 {
		fmt.Println("No new advisories.")
		return
	}
	fmt.Printf("fetched %d, merged %d, skipped %d, delivered %d\n",
		r.Fetched, r.Merged, r.Skipped, r.Delivered)
	if len(r.FailedQueries) > 0 {
		fmt.Printf("failed queries: %s\n", strings.Join(r.FailedQueries, ", "))
	}
	if len(r.DeliveryFailures) > 0 {
		fmt.Printf("failed deliveries: %s\n", strings.Join(r.DeliveryFailures, ", "))
	}
	if r.Degraded {
		fmt.Println("run degraded: some queries or deliveries failed, see log")
	}
}
