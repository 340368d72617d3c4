// Package reporter renders findings for the terminal, used by dry runs to
// preview what would be delivered.
package reporter

import (
	"io"

	"github.com/cve-watch/pkg/advisory"
)

type Reporter interface {
	Report(findings []advisory.Finding) error
}

func New(format string, w io.Writer) Reporter {
	switch format {
	case "json":
		return &JSONReporter{w: w}
	default:
		return &TableReporter{w: w}
	}
}
