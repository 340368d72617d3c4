package advisory

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"

	"github.com/cve-watch/pkg/retry"
	"github.com/google/go-github/v60/github"
	"golang.org/x/time/rate"
)

const ghsaDateLayout = "2006-01-02"

// GHSAConfig configures the GitHub global security advisory client.
type GHSAConfig struct {
	Token     string
	Retry     retry.Policy
	RateLimit RateLimit
}

// GHSAClient reads GitHub's reviewed advisory database. It is an alternative
// Source for ecosystems where GHSA coverage is faster than NVD.
type GHSAClient struct {
	client  *github.Client
	retry   retry.Policy
	limiter *rate.Limiter
	log     *slog.Logger
}

func NewGHSAClient(cfg GHSAConfig, log *slog.Logger) *GHSAClient {
	if cfg.Retry.MaxAttempts == 0 {
		cfg.Retry = retry.DefaultPolicy()
	}
	if cfg.RateLimit.RequestsPerSecond == 0 {
		cfg.RateLimit = ghsaRateLimit()
	}
	if log == nil {
		log = slog.Default()
	}
	client := github.NewClient(nil)
	if cfg.Token != "" {
		client = client.WithAuthToken(cfg.Token)
	}
	return &GHSAClient{
		client:  client,
		retry:   cfg.Retry,
		limiter: newLimiter(cfg.RateLimit),
		log:     log.With("source", "ghsa"),
	}
}

// Fetch implements Source. The advisories endpoint accepts a single severity
// per request, so the requested tiers are queried in turn.
func (c *GHSAClient) Fetch(ctx context.Context, query string, window Window, severities []Severity) QueryOutcome {
	out := QueryOutcome{Query: query}
	for _, severity := range severities {
		advisories, err := c.fetchSeverity(ctx, query, window, severity)
		if err != nil {
			return QueryOutcome{Query: query, Err: fmt.Errorf("fetching %q (%s): %w", query, severity, err)}
		}
		out.Advisories = append(out.Advisories, advisories...)
	}
	return out
}

func (c *GHSAClient) fetchSeverity(ctx context.Context, query string, window Window, severity Severity) ([]RawAdvisory, error) {
	published := fmt.Sprintf("%s..%s",
		window.Start.UTC().Format(ghsaDateLayout),
		window.End.UTC().Format(ghsaDateLayout))
	opts := &github.ListGlobalSecurityAdvisoriesOptions{
		Type:      github.String("reviewed"),
		Affects:   github.String(query),
		Severity:  github.String(strings.ToLower(string(severity))),
		Published: github.String(published),
	}

	var out []RawAdvisory
	for {
		var (
			advisories []*github.GlobalSecurityAdvisory
			resp       *github.Response
		)
		err := retry.Do(ctx, c.retry, func() error {
			if err := c.limiter.Wait(ctx); err != nil {
				return retry.Permanent(err)
			}
			var err error
			advisories, resp, err = c.client.SecurityAdvisories.ListGlobalSecurityAdvisories(ctx, opts)
			if err != nil {
				if ghsaPermanent(err) {
					return retry.Permanent(fmt.Errorf("github advisories: %w", err))
				}
				return fmt.Errorf("github advisories: %w", err)
			}
			return nil
		})
		if err != nil {
			return nil, err
		}
		for _, adv := range advisories {
			raw, ok := convertGHSA(adv)
			if !ok {
				c.log.Warn("dropping advisory record without id", "query", query)
				continue
			}
			out = append(out, raw)
		}
		if resp == nil || resp.After == "" {
			break
		}
		opts.ListCursorOptions.After = resp.After
	}
	return out, nil
}

// ghsaPermanent reports whether the API error is not worth retrying.
// Rate limit errors are separate types in go-github and stay retryable.
func ghsaPermanent(err error) bool {
	var ghErr *github.ErrorResponse
	if errors.As(err, &ghErr) && ghErr.Response != nil {
		return !isRetryableStatus(ghErr.Response.StatusCode)
	}
	return false
}

func convertGHSA(adv *github.GlobalSecurityAdvisory) (RawAdvisory, bool) {
	if adv == nil {
		return RawAdvisory{}, false
	}
	id := adv.GetCVEID()
	if id == "" {
		id = adv.GetGHSAID()
	}
	if id == "" {
		return RawAdvisory{}, false
	}

	raw := RawAdvisory{
		ID:        id,
		Published: adv.GetPublishedAt().Time.UTC(),
	}
	description := adv.GetDescription()
	if description == "" {
		description = adv.GetSummary()
	}
	if description != "" {
		raw.Descriptions = []Description{{Lang: "en", Value: description}}
	}
	if cvss := adv.GetCVSS(); cvss != nil {
		// GetScore returns *float64, unlike most go-github getters. A null
		// score with a non-empty vector string still counts as a metric.
		score := cvss.GetScore()
		if (score != nil && *score > 0) || cvss.GetVectorString() != "" {
			metric := Metric{
				Version:  cvssVersionFromVector(cvss.GetVectorString()),
				Severity: strings.ToUpper(adv.GetSeverity()),
			}
			if score != nil {
				metric.BaseScore = *score
			}
			raw.Metrics = []Metric{metric}
		}
	}
	raw.References = append(raw.References, adv.References...)
	for _, vuln := range adv.Vulnerabilities {
		if name := vuln.GetPackage().GetName(); name != "" {
			raw.Products = append(raw.Products, name)
		}
	}
	return raw, true
}

// cvssVersionFromVector extracts "3.1" from a vector like "CVSS:3.1/AV:N/...".
func cvssVersionFromVector(vector string) string {
	vector = strings.TrimPrefix(vector, "CVSS:")
	if i := strings.Index(vector, "/"); i > 0 {
		return vector[:i]
	}
	return ""
}
