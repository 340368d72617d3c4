package advisory

import "time"

// RawAdvisory is one record as returned by a source client, before
// normalization. It is consumed only by Normalize.
type RawAdvisory struct {
	ID           string
	Published    time.Time
	Descriptions []Description
	Metrics      []Metric
	References   []string
	// Products holds affected product identifiers (CPE criteria for NVD,
	// package names for GHSA). Used by tag matching only.
	Products []string
}

type Description struct {
	Lang  string
	Value string
}

// Metric is one CVSS measurement. Version is "3.1", "3.0" or "2.0".
type Metric struct {
	Version   string
	BaseScore float64
	Severity  string
}

type CVSS struct {
	Version   string
	BaseScore float64
	Severity  string
}

// Finding is the canonical advisory record flowing through the pipeline.
// ID uniquely determines all other fields for a given source snapshot.
type Finding struct {
	ID         string
	Published  time.Time
	CVSS       *CVSS // nil when no metric was available
	Summary    string
	Tags       []string
	References []string
	DetailURL  string
}
