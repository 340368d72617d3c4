// Package watch orchestrates one watch run: fetch advisories for every
// watchlist query, merge them, drop the already-notified ones, deliver the
// rest and record each delivery durably before moving on.
package watch

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/cve-watch/pkg/advisory"
	"github.com/cve-watch/pkg/notify"
	"github.com/cve-watch/pkg/watchlist"
	"github.com/google/uuid"
)

// StateStore is the notified-state dependency of the runner.
type StateStore interface {
	Load() error
	IsNotified(id string) bool
	MarkNotified(id string, at time.Time) error
	Persist() error
}

// Config holds the per-run settings.
type Config struct {
	// HoursBack sets the publication window: [now-HoursBack, now].
	HoursBack int
	// Severities are the tiers fetched per query.
	Severities []advisory.Severity
	// DryRun stops the pipeline after filtering; nothing is delivered and
	// no state is written.
	DryRun bool
}

// Report summarizes one run. Degraded means the run finished but lost some
// work: failed queries, failed deliveries or failed state writes.
type Report struct {
	RunID            string
	Fetched          int
	Merged           int
	Skipped          int
	Delivered        int
	FailedQueries    []string
	DeliveryFailures []string
	Degraded         bool
	// Pending holds the would-be-delivered findings of a dry run.
	Pending []advisory.Finding
}

type Runner struct {
	watchlist *watchlist.Watchlist
	source    advisory.Source
	store     StateStore
	notifier  notify.Notifier
	cfg       Config
	log       *slog.Logger
	now       func() time.Time
}

func NewRunner(wl *watchlist.Watchlist, source advisory.Source, store StateStore, notifier notify.Notifier, cfg Config, log *slog.Logger) *Runner {
	if cfg.HoursBack <= 0 {
		cfg.HoursBack = 24
	}
	if len(cfg.Severities) == 0 {
		cfg.Severities = advisory.DefaultSeverities()
	}
	if log == nil {
		log = slog.Default()
	}
	return &Runner{
		watchlist: wl,
		source:    source,
		store:     store,
		notifier:  notifier,
		cfg:       cfg,
		log:       log,
		now:       time.Now,
	}
}

// Run executes one watch cycle. The returned error is reserved for fatal
// failures before any network call; everything after that degrades the
// report instead of aborting.
func (r *Runner) Run(ctx context.Context) (Report, error) {
	report := Report{RunID: uuid.New().String()}
	log := r.log.With("run_id", report.RunID)

	log.Info("run starting",
		"queries", len(r.watchlist.Queries),
		"hours_back", r.cfg.HoursBack,
		"dry_run", r.cfg.DryRun)

	if err := r.store.Load(); err != nil {
		return report, fmt.Errorf("loading notified state: %w", err)
	}

	now := r.now().UTC()
	window := advisory.Window{
		Start: now.Add(-time.Duration(r.cfg.HoursBack) * time.Hour),
		End:   now,
	}

	log.Info("fetching advisories",
		"window_start", window.Start.Format(time.RFC3339),
		"window_end", window.End.Format(time.RFC3339))
	outcomes := make([]advisory.QueryOutcome, 0, len(r.watchlist.Queries))
	for _, query := range r.watchlist.Queries {
		outcome := r.source.Fetch(ctx, query, window, r.cfg.Severities)
		report.Fetched += len(outcome.Advisories)
		outcomes = append(outcomes, outcome)
	}

	findings, failed := Merge(outcomes, r.watchlist.TagRules, log)
	report.FailedQueries = failed
	report.Merged = len(findings)
	log.Info("merged findings", "fetched", report.Fetched, "merged", report.Merged, "failed_queries", len(failed))

	fresh := make([]advisory.Finding, 0, len(findings))
	for _, f := range findings {
		if r.store.IsNotified(f.ID) {
			report.Skipped++
			continue
		}
		fresh = append(fresh, f)
	}
	log.Info("filtered findings", "skipped", report.Skipped, "to_deliver", len(fresh))

	if r.cfg.DryRun {
		report.Pending = fresh
		report.Degraded = len(report.FailedQueries) > 0
		log.Info("dry run complete", "pending", len(fresh), "degraded", report.Degraded)
		return report, nil
	}

	deadlineHit := false
	markFailed := false
	for _, f := range fresh {
		if ctx.Err() != nil {
			log.Warn("run deadline reached, skipping remaining deliveries",
				"delivered", report.Delivered,
				"remaining", len(fresh)-report.Delivered-len(report.DeliveryFailures))
			deadlineHit = true
			break
		}
		if err := r.notifier.Deliver(ctx, f); err != nil {
			log.Warn("delivery failed", "id", f.ID, "error", err)
			report.DeliveryFailures = append(report.DeliveryFailures, f.ID)
			continue
		}
		report.Delivered++
		if err := r.store.MarkNotified(f.ID, r.now()); err != nil {
			// Delivered but not recorded; the finding may repeat next run.
			log.Warn("state write failed after delivery", "id", f.ID, "error", err)
			markFailed = true
		}
	}

	persistFailed := false
	if err := r.store.Persist(); err != nil {
		log.Warn("persisting state failed", "error", err)
		persistFailed = true
	}

	report.Degraded = len(report.FailedQueries) > 0 ||
		len(report.DeliveryFailures) > 0 ||
		deadlineHit ||
		markFailed ||
		persistFailed

	log.Info("run complete",
		"fetched", report.Fetched,
		"merged", report.Merged,
		"skipped", report.Skipped,
		"delivered", report.Delivered,
		"degraded", report.Degraded)
	return report, nil
}
