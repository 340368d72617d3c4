package advisory

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"strconv"
	"time"

	"github.com/cve-watch/pkg/retry"
	"golang.org/x/time/rate"
)

const (
	nvdBaseURL = "https://services.nvd.nist.gov/rest/json/cves/2.0"

	// nvdTimeLayout is the request timestamp format NVD expects. Values are
	// always rendered in UTC, the trailing Z is literal.
	nvdTimeLayout = "2006-01-02T15:04:05.000Z"

	// nvdPublishedLayout is how NVD writes timestamps in responses, without
	// a zone designator. They are UTC.
	nvdPublishedLayout = "2006-01-02T15:04:05.000"

	defaultUserAgent = "cvewatch/0.1"
)

// NVDConfig configures the NVD client. Zero values fall back to defaults.
type NVDConfig struct {
	APIKey    string
	UserAgent string
	Timeout   time.Duration
	Retry     retry.Policy
	RateLimit RateLimit
	// PageSize overrides resultsPerPage; 0 leaves the server default.
	PageSize int
}

type NVDClient struct {
	httpClient *http.Client
	baseURL    string
	apiKey     string
	userAgent  string
	retry      retry.Policy
	limiter    *rate.Limiter
	pageSize   int
	log        *slog.Logger
}

func NewNVDClient(cfg NVDConfig, log *slog.Logger) *NVDClient {
	if cfg.Timeout <= 0 {
		cfg.Timeout = 20 * time.Second
	}
	if cfg.UserAgent == "" {
		cfg.UserAgent = defaultUserAgent
	}
	if cfg.Retry.MaxAttempts == 0 {
		cfg.Retry = retry.DefaultPolicy()
	}
	if cfg.RateLimit.RequestsPerSecond == 0 {
		cfg.RateLimit = nvdRateLimit(cfg.APIKey != "")
	}
	if log == nil {
		log = slog.Default()
	}
	return &NVDClient{
		httpClient: &http.Client{Timeout: cfg.Timeout},
		baseURL:    nvdBaseURL,
		apiKey:     cfg.APIKey,
		userAgent:  cfg.UserAgent,
		retry:      cfg.Retry,
		limiter:    newLimiter(cfg.RateLimit),
		pageSize:   cfg.PageSize,
		log:        log.With("source", "nvd"),
	}
}

// Fetch implements Source. The NVD API accepts a single cvssV3Severity value
// per request, so the requested tiers are queried in turn and the pages
// concatenated. A failure in any tier fails the whole query.
func (c *NVDClient) Fetch(ctx context.Context, query string, window Window, severities []Severity) QueryOutcome {
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

func (c *NVDClient) fetchSeverity(ctx context.Context, query string, window Window, severity Severity) ([]RawAdvisory, error) {
	var out []RawAdvisory
	startIndex := 0
	for {
		page, err := c.fetchPage(ctx, query, window, severity, startIndex)
		if err != nil {
			return nil, err
		}
		for _, v := range page.Vulnerabilities {
			if v.CVE.ID == "" {
				c.log.Warn("dropping advisory record without id", "query", query)
				continue
			}
			out = append(out, convertNVDVuln(v.CVE))
		}
		startIndex += page.ResultsPerPage
		if page.ResultsPerPage == 0 || startIndex >= page.TotalResults {
			break
		}
	}
	return out, nil
}

func (c *NVDClient) fetchPage(ctx context.Context, query string, window Window, severity Severity, startIndex int) (*nvdResponse, error) {
	params := url.Values{}
	params.Set("keywordSearch", query)
	params.Set("pubStartDate", window.Start.UTC().Format(nvdTimeLayout))
	params.Set("pubEndDate", window.End.UTC().Format(nvdTimeLayout))
	params.Set("cvssV3Severity", string(severity))
	params.Set("startIndex", strconv.Itoa(startIndex))
	if c.pageSize > 0 {
		params.Set("resultsPerPage", strconv.Itoa(c.pageSize))
	}

	var page *nvdResponse
	err := retry.Do(ctx, c.retry, func() error {
		if err := c.limiter.Wait(ctx); err != nil {
			return retry.Permanent(err)
		}
		req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.baseURL+"?"+params.Encode(), nil)
		if err != nil {
			return retry.Permanent(fmt.Errorf("build nvd request: %w", err))
		}
		req.Header.Set("User-Agent", c.userAgent)
		if c.apiKey != "" {
			req.Header.Set("apiKey", c.apiKey)
		}

		resp, err := c.httpClient.Do(req)
		if err != nil {
			return fmt.Errorf("nvd request: %w", err)
		}
		defer resp.Body.Close()

		if isRetryableStatus(resp.StatusCode) {
			return fmt.Errorf("nvd returned %d", resp.StatusCode)
		}
		if resp.StatusCode != http.StatusOK {
			respBody, _ := io.ReadAll(resp.Body)
			return retry.Permanent(fmt.Errorf("nvd returned %d: %s", resp.StatusCode, string(respBody)))
		}
		var decoded nvdResponse
		if err := json.NewDecoder(resp.Body).Decode(&decoded); err != nil {
			return retry.Permanent(fmt.Errorf("decode nvd response: %w", err))
		}
		page = &decoded
		return nil
	})
	if err != nil {
		return nil, err
	}
	return page, nil
}

func isRetryableStatus(code int) bool {
	return code == http.StatusRequestTimeout ||
		code == http.StatusTooManyRequests ||
		code >= 500
}

func convertNVDVuln(cve nvdCVE) RawAdvisory {
	raw := RawAdvisory{
		ID:        cve.ID,
		Published: parseNVDTime(cve.Published, cve.LastModified),
	}
	for _, d := range cve.Descriptions {
		raw.Descriptions = append(raw.Descriptions, Description{Lang: d.Lang, Value: d.Value})
	}
	raw.Metrics = convertNVDMetrics(cve.Metrics)
	for _, ref := range cve.References {
		if ref.URL != "" {
			raw.References = append(raw.References, ref.URL)
		}
	}
	for _, cfg := range cve.Configurations {
		for _, node := range cfg.Nodes {
			for _, match := range node.CpeMatch {
				if match.Criteria != "" {
					raw.Products = append(raw.Products, match.Criteria)
				}
			}
		}
	}
	return raw
}

// convertNVDMetrics keeps one metric per CVSS version, best version first.
// V2 entries carry baseSeverity outside cvssData.
func convertNVDMetrics(m nvdMetrics) []Metric {
	var out []Metric
	add := func(entries []nvdCvssMetric, version string) {
		if len(entries) == 0 {
			return
		}
		entry := entries[0]
		severity := entry.CvssData.BaseSeverity
		if severity == "" {
			severity = entry.BaseSeverity
		}
		v := entry.CvssData.Version
		if v == "" {
			v = version
		}
		out = append(out, Metric{Version: v, BaseScore: entry.CvssData.BaseScore, Severity: severity})
	}
	add(m.CvssMetricV31, "3.1")
	add(m.CvssMetricV30, "3.0")
	add(m.CvssMetricV2, "2.0")
	return out
}

func parseNVDTime(published, lastModified string) time.Time {
	value := published
	if value == "" {
		value = lastModified
	}
	if value == "" {
		return time.Time{}
	}
	if ts, err := time.Parse(nvdPublishedLayout, value); err == nil {
		return ts.UTC()
	}
	if ts, err := time.Parse(time.RFC3339, value); err == nil {
		return ts.UTC()
	}
	return time.Time{}
}

// NVD API response types

type nvdResponse struct {
	ResultsPerPage  int                `json:"resultsPerPage"`
	StartIndex      int                `json:"startIndex"`
	TotalResults    int                `json:"totalResults"`
	Vulnerabilities []nvdVulnerability `json:"vulnerabilities"`
}

type nvdVulnerability struct {
	CVE nvdCVE `json:"cve"`
}

type nvdCVE struct {
	ID             string             `json:"id"`
	Published      string             `json:"published"`
	LastModified   string             `json:"lastModified"`
	Descriptions   []nvdDescription   `json:"descriptions"`
	Metrics        nvdMetrics         `json:"metrics"`
	References     []nvdReference     `json:"references"`
	Configurations []nvdConfiguration `json:"configurations"`
}

type nvdDescription struct {
	Lang  string `json:"lang"`
	Value string `json:"value"`
}

type nvdMetrics struct {
	CvssMetricV31 []nvdCvssMetric `json:"cvssMetricV31"`
	CvssMetricV30 []nvdCvssMetric `json:"cvssMetricV30"`
	CvssMetricV2  []nvdCvssMetric `json:"cvssMetricV2"`
}

type nvdCvssMetric struct {
	CvssData     nvdCvssData `json:"cvssData"`
	BaseSeverity string      `json:"baseSeverity"`
}

type nvdCvssData struct {
	Version      string  `json:"version"`
	BaseScore    float64 `json:"baseScore"`
	BaseSeverity string  `json:"baseSeverity"`
}

type nvdReference struct {
	URL string `json:"url"`
}

type nvdConfiguration struct {
	Nodes []nvdNode `json:"nodes"`
}

type nvdNode struct {
	CpeMatch []nvdCpeMatch `json:"cpeMatch"`
}

type nvdCpeMatch struct {
	Criteria string `json:"criteria"`
}
