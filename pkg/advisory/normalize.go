package advisory

import (
	"errors"
	"sort"
	"strings"
	"unicode"
)

const (
	maxSummaryRunes  = 280
	maxReferences    = 3
	truncationMarker = "…"
)

// ErrMissingID marks a source record without an identifier.
var ErrMissingID = errors.New("advisory record has no id")

// cvssPreference orders metric versions from most to least wanted.
var cvssPreference = []string{"3.1", "3.0", "2.0"}

// Normalize converts one raw source record into a canonical Finding. It is
// pure; records without an id are rejected with ErrMissingID so the caller
// can drop them.
func Normalize(raw RawAdvisory, rules map[string][]string) (Finding, error) {
	if raw.ID == "" {
		return Finding{}, ErrMissingID
	}
	description := pickDescription(raw.Descriptions)
	f := Finding{
		ID:        raw.ID,
		Published: raw.Published.UTC(),
		CVSS:      pickCVSS(raw.Metrics),
		Summary:   truncateSummary(description),
		Tags:      matchTags(description, raw.References, raw.Products, rules),
		DetailURL: DetailURL(raw.ID),
	}
	if len(raw.References) > 0 {
		n := len(raw.References)
		if n > maxReferences {
			n = maxReferences
		}
		f.References = append([]string(nil), raw.References[:n]...)
	}
	return f, nil
}

// DetailURL returns the canonical human-facing page for an advisory id.
func DetailURL(id string) string {
	if strings.HasPrefix(id, "GHSA-") {
		return "https://github.com/advisories/" + id
	}
	return "https://nvd.nist.gov/vuln/detail/" + id
}

func pickDescription(descs []Description) string {
	for _, d := range descs {
		if d.Lang == "en" && strings.TrimSpace(d.Value) != "" {
			return strings.TrimSpace(d.Value)
		}
	}
	if len(descs) > 0 {
		return strings.TrimSpace(descs[0].Value)
	}
	return ""
}

// pickCVSS selects the first metric whose version appears in cvssPreference.
// Metrics carrying any other version are ignored, so a record with only those
// ends up without a CVSS.
func pickCVSS(metrics []Metric) *CVSS {
	for _, version := range cvssPreference {
		for _, m := range metrics {
			if m.Version == version {
				return &CVSS{
					Version:   m.Version,
					BaseScore: m.BaseScore,
					Severity:  m.Severity,
				}
			}
		}
	}
	return nil
}

// truncateSummary bounds the text to maxSummaryRunes including the marker,
// cutting at a whitespace boundary unless a single token exceeds the bound.
func truncateSummary(s string) string {
	s = strings.TrimSpace(s)
	runes := []rune(s)
	if len(runes) <= maxSummaryRunes {
		return s
	}
	budget := maxSummaryRunes - 1
	cut := budget
	if !unicode.IsSpace(runes[budget]) {
		for i := budget - 1; i > 0; i-- {
			if unicode.IsSpace(runes[i]) {
				cut = i
				break
			}
		}
	}
	text := strings.TrimRightFunc(string(runes[:cut]), unicode.IsSpace)
	return text + truncationMarker
}

func matchTags(description string, references, products []string, rules map[string][]string) []string {
	if len(rules) == 0 {
		return nil
	}
	parts := make([]string, 0, 1+len(references)+len(products))
	parts = append(parts, description)
	parts = append(parts, references...)
	parts = append(parts, products...)
	corpus := strings.ToLower(strings.Join(parts, " "))

	names := make([]string, 0, len(rules))
	for name := range rules {
		names = append(names, name)
	}
	sort.Strings(names)

	var tags []string
	for _, name := range names {
		for _, keyword := range rules[name] {
			if keyword == "" {
				continue
			}
			if strings.Contains(corpus, strings.ToLower(keyword)) {
				tags = append(tags, name)
				break
			}
		}
	}
	return tags
}
