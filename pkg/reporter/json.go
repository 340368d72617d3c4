package reporter

import (
	"encoding/json"
	"io"

	"github.com/cve-watch/pkg/advisory"
)

type JSONReporter struct {
	w io.Writer
}

func (r *JSONReporter) Report(findings []advisory.Finding) error {
	enc := json.NewEncoder(r.w)
	enc.SetIndent("", "  ")

	type output struct {
		Count    int                `json:"count"`
		Findings []advisory.Finding `json:"findings"`
	}

	return enc.Encode(output{
		Count:    len(findings),
		Findings: findings,
	})
}
