package reporter

import (
	"fmt"
	"io"
	"strings"
	"text/tabwriter"

	"github.com/cve-watch/pkg/advisory"
)

type TableReporter struct {
	w io.Writer
}

func (r *TableReporter) Report(findings []advisory.Finding) error {
	if len(findings) == 0 {
		fmt.Fprintln(r.w, "No new advisories.")
		return nil
	}

	w := tabwriter.NewWriter(r.w, 0, 0, 2, ' ', 0)
	fmt.Fprintln(w, "ADVISORY\tPUBLISHED\tCVSS\tTAGS\tDETAILS")
	fmt.Fprintln(w, "--------\t---------\t----\t----\t-------")

	for _, f := range findings {
		published := "unknown"
		if !f.Published.IsZero() {
			published = f.Published.UTC().Format("2006-01-02 15:04")
		}
		tags := "none"
		if len(f.Tags) > 0 {
			tags = strings.Join(f.Tags, ", ")
		}

		fmt.Fprintf(w, "%s\t%s\t%s\t%s\t%s\n",
			f.ID,
			published,
			formatCVSS(f.CVSS),
			tags,
			f.DetailURL,
		)
	}
	return w.Flush()
}

func formatCVSS(c *advisory.CVSS) string {
	if c == nil {
		return "N/A"
	}
	if c.Severity == "" {
		return fmt.Sprintf("%.1f", c.BaseScore)
	}
	return fmt.Sprintf("%.1f (%s)", c.BaseScore, c.Severity)
}
