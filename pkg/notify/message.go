package notify

import (
	"bytes"
	"fmt"
	"strings"
	"text/template"
	"time"

	"github.com/cve-watch/pkg/advisory"
)

var messageTmpl = template.Must(template.New("slack_message").Parse(`*{{ .ID }}*
Published: {{ .Published }}
CVSS: {{ .CVSS }}
Tags: {{ .Tags }}
Summary: {{ .Summary }}
Details: {{ .DetailURL }}
{{- if .References }}
References: {{ .References }}
{{- end }}`))

type messageData struct {
	ID         string
	Published  string
	CVSS       string
	Tags       string
	Summary    string
	DetailURL  string
	References string
}

// RenderMessage formats one finding as the message text posted to the
// endpoint.
func RenderMessage(f advisory.Finding) string {
	data := messageData{
		ID:        f.ID,
		Published: formatPublished(f.Published),
		CVSS:      formatCVSS(f.CVSS),
		Tags:      "none",
		Summary:   f.Summary,
		DetailURL: f.DetailURL,
	}
	if len(f.Tags) > 0 {
		data.Tags = strings.Join(f.Tags, ", ")
	}
	if len(f.References) > 0 {
		data.References = strings.Join(f.References, ", ")
	}

	var buf bytes.Buffer
	if err := messageTmpl.Execute(&buf, data); err != nil {
		return fmt.Sprintf("Error rendering message template: %v", err)
	}
	return buf.String()
}

func formatPublished(t time.Time) string {
	if t.IsZero() {
		return "unknown"
	}
	return t.UTC().Format(time.RFC3339)
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
