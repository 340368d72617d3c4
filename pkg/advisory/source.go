package advisory

import (
	"context"
	"time"
)

// Severity is a CVSS severity tier, spelled the way NVD spells it.
type Severity string

const (
	SeverityLow      Severity = "LOW"
	SeverityMedium   Severity = "MEDIUM"
	SeverityHigh     Severity = "HIGH"
	SeverityCritical Severity = "CRITICAL"
)

// DefaultSeverities returns the tiers a watch run asks for.
func DefaultSeverities() []Severity {
	return []Severity{SeverityHigh, SeverityCritical}
}

// Window is the publication interval a query covers. Start precedes End.
type Window struct {
	Start time.Time
	End   time.Time
}

// QueryOutcome is the result of fetching one watchlist query. Err is set
// when the query failed after retries; the advisories slice is then empty.
type QueryOutcome struct {
	Query      string
	Advisories []RawAdvisory
	Err        error
}

// Failed reports whether the query produced no usable result.
func (o QueryOutcome) Failed() bool { return o.Err != nil }

type Source interface {
	// Fetch returns advisories published inside window that match the query
	// term at one of the given severities. Transient upstream failures are
	// retried internally; exhaustion is reported through the outcome's Err
	// field, never as a panic or a run-level error.
	Fetch(ctx context.Context, query string, window Window, severities []Severity) QueryOutcome
}
