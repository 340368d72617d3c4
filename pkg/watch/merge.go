package watch

import (
	"log/slog"
	"sort"

	"github.com/cve-watch/pkg/advisory"
)

// Merge normalizes every record from the successful outcomes and collapses
// duplicates by id, first occurrence wins. Findings come back sorted newest
// first, ties broken by ascending id; the second result lists the query
// terms that failed.
func Merge(outcomes []advisory.QueryOutcome, rules map[string][]string, log *slog.Logger) ([]advisory.Finding, []string) {
	if log == nil {
		log = slog.Default()
	}

	var (
		findings []advisory.Finding
		failed   []string
	)
	seen := make(map[string]struct{})

	for _, outcome := range outcomes {
		if outcome.Failed() {
			failed = append(failed, outcome.Query)
			log.Warn("query failed", "query", outcome.Query, "error", outcome.Err)
			continue
		}
		for _, raw := range outcome.Advisories {
			f, err := advisory.Normalize(raw, rules)
			if err != nil {
				log.Warn("dropping malformed record", "query", outcome.Query, "error", err)
				continue
			}
			if _, dup := seen[f.ID]; dup {
				continue
			}
			seen[f.ID] = struct{}{}
			findings = append(findings, f)
		}
	}

	sort.SliceStable(findings, func(i, j int) bool {
		if findings[i].Published.Equal(findings[j].Published) {
			return findings[i].ID < findings[j].ID
		}
		return findings[i].Published.After(findings[j].Published)
	})
	return findings, failed
}
