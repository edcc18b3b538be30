package scan

import (
	"time"

	"github.com/dockpeek/scand/pkg/scanner"
)

// Status is the scan state of an image, as shown to the dashboard.
type Status string

const (
	NotScanned Status = "not_scanned"
	Pending    Status = "pending"
	Scanned    Status = "scanned"
	// Failed means the scan ran out of time.
	Failed Status = "failed"
	// Errored means the scanner could not produce a result.
	Errored Status = "error"
	// Skipped is reported for every image when scanning is disabled,
	// and for images excluded from scanning.
	Skipped Status = "skipped"
)

// Terminal is true of the states a scan ends in.
func (s Status) Terminal() bool {
	switch s {
	case Scanned, Failed, Errored:
		return true
	}
	return false
}

// ReasonTimeout is the error reason recorded for a scan that timed
// out.
const ReasonTimeout = "scan_timeout"

// Record is the scan state kept for one image. Records are only ever
// replaced whole.
type Record struct {
	Image       string          `json:"image_ref"`
	Status      Status          `json:"status"`
	Counts      *scanner.Counts `json:"counts,omitempty"`
	Digest      string          `json:"image_digest,omitempty"`
	ErrorReason string          `json:"error_reason,omitempty"`
	// Claim names the process that queued a pending scan.
	Claim string `json:"claim,omitempty"`

	QueuedAt  *time.Time `json:"queued_at,omitempty"`
	StartedAt *time.Time `json:"started_at,omitempty"`
	ScannedAt *time.Time `json:"scanned_at,omitempty"`
	// ExpiresAt is filled in from the cache on read.
	ExpiresAt *time.Time `json:"expires_at,omitempty"`

	ResultTTLSeconds    float64 `json:"result_ttl_seconds,omitempty"`
	ScanDurationSeconds float64 `json:"scan_duration_seconds,omitempty"`
	Attempt             int     `json:"attempt,omitempty"`

	Vulnerabilities []scanner.Vulnerability `json:"vulnerabilities,omitempty"`
	// NewVulnerabilities are those that the previous scan of the image
	// did not find.
	NewVulnerabilities []Finding `json:"new_vulnerabilities,omitempty"`
}

// Summary is a copy of the record without the vulnerability list, for
// listings.
func (r Record) Summary() Record {
	r.Vulnerabilities = nil
	return r
}

// Outcome is what a worker learned from one scan attempt.
type Outcome struct {
	Status  Status
	Report  scanner.Report
	Reason  string
	Attempt int
}

func Succeeded(report scanner.Report) Outcome {
	return Outcome{Status: Scanned, Report: report}
}

func TimedOut() Outcome {
	return Outcome{Status: Failed, Reason: ReasonTimeout}
}

func Erred(reason string) Outcome {
	return Outcome{Status: Errored, Reason: reason}
}
