// Package watchlist loads the YAML file describing which search terms to
// watch and how to tag the findings.
package watchlist

import (
	"errors"
	"fmt"
	"os"
	"strings"

	"gopkg.in/yaml.v3"
)

// ErrNoQueries is returned when the watchlist contains no usable queries.
var ErrNoQueries = errors.New("watchlist has no queries")

// Watchlist is the parsed watch configuration.
type Watchlist struct {
	// Queries are the search terms sent to the advisory source.
	Queries []string `yaml:"queries"`
	// TagRules maps a tag name to the substrings that trigger it.
	// Matching is case-insensitive over a finding's text fields.
	TagRules map[string][]string `yaml:"tag_rules"`
}

// Load reads and validates a watchlist file.
func Load(path string) (*Watchlist, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("reading watchlist: %w", err)
	}
	var wl Watchlist
	if err := yaml.Unmarshal(data, &wl); err != nil {
		return nil, fmt.Errorf("parsing watchlist %s: %w", path, err)
	}
	wl.normalize()
	if len(wl.Queries) == 0 {
		return nil, fmt.Errorf("%s: %w", path, ErrNoQueries)
	}
	return &wl, nil
}

func (w *Watchlist) normalize() {
	queries := make([]string, 0, len(w.Queries))
	for _, q := range w.Queries {
		q = strings.TrimSpace(q)
		if q != "" {
			queries = append(queries, q)
		}
	}
	w.Queries = queries

	for tag, patterns := range w.TagRules {
		kept := make([]string, 0, len(patterns))
		for _, p := range patterns {
			p = strings.TrimSpace(p)
			if p != "" {
				kept = append(kept, p)
			}
		}
		if len(kept) == 0 {
			delete(w.TagRules, tag)
			continue
		}
		w.TagRules[tag] = kept
	}
}
