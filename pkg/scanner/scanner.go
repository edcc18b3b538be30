// Package scanner is the boundary to the vulnerability scanner. The
// rest of scand only sees a Report, or an error saying why there
// isn't one.
package scanner

import (
	"context"
	"fmt"
	"strings"
	"time"
	"unicode/utf8"

	"github.com/pkg/errors"
)

// ErrTimeout is the cause of any scan that ran out of time, whether
// our deadline or the scanner's own fired first.
var ErrTimeout = errors.New("scan timed out")

// Scanner scans one image. Implementations must honour ctx
// cancellation and deadlines.
type Scanner interface {
	Scan(ctx context.Context, ref string) (Report, error)
}

// Func adapts an ordinary function to a Scanner.
type Func func(ctx context.Context, ref string) (Report, error)

func (f Func) Scan(ctx context.Context, ref string) (Report, error) {
	return f(ctx, ref)
}

// ExitError is returned when the scanner process exits non-zero.
type ExitError struct {
	Code   int
	Stderr string
}

func (e *ExitError) Error() string {
	msg := strings.TrimSpace(e.Stderr)
	if msg == "" {
		msg = "no output"
	}
	return fmt.Sprintf("scanner exited with code %d: %s", e.Code, msg)
}

// Truncate trims s and cuts it to at most n bytes, backing up so as
// not to split a character.
func Truncate(s string, n int) string {
	s = strings.TrimSpace(s)
	if len(s) <= n {
		return s
	}
	for n > 0 && !utf8.RuneStart(s[n]) {
		n--
	}
	return s[:n]
}

// Severity names, as the scanner reports them.
const (
	SeverityCritical = "CRITICAL"
	SeverityHigh     = "HIGH"
	SeverityMedium   = "MEDIUM"
	SeverityLow      = "LOW"
	SeverityUnknown  = "UNKNOWN"
)

// Counts is the number of findings in each severity bucket.
type Counts struct {
	Critical int `json:"critical"`
	High     int `json:"high"`
	Medium   int `json:"medium"`
	Low      int `json:"low"`
	Unknown  int `json:"unknown"`
}

func (c Counts) Total() int {
	return c.Critical + c.High + c.Medium + c.Low + c.Unknown
}

// Add counts one finding of the given severity; anything unrecognised
// is counted as unknown.
func (c *Counts) Add(severity string) {
	switch strings.ToUpper(severity) {
	case SeverityCritical:
		c.Critical++
	case SeverityHigh:
		c.High++
	case SeverityMedium:
		c.Medium++
	case SeverityLow:
		c.Low++
	default:
		c.Unknown++
	}
}

type Vulnerability struct {
	ID               string  `json:"vulnerability_id"`
	Severity         string  `json:"severity"`
	Title            string  `json:"title,omitempty"`
	Description      string  `json:"description,omitempty"`
	Package          string  `json:"pkg_name"`
	InstalledVersion string  `json:"installed_version"`
	FixedVersion     string  `json:"fixed_version,omitempty"`
	CVSSScore        float64 `json:"cvss_score,omitempty"`
	CVSSVector       string  `json:"cvss_vector,omitempty"`
}

// Fingerprint identifies a finding across scans of the same image: the
// same vulnerability in the same version of the same package.
func (v Vulnerability) Fingerprint() string {
	return strings.Join([]string{v.ID, v.Package, v.InstalledVersion}, "|")
}

// Report is the normalised result of a successful scan.
type Report struct {
	Image           string
	Digest          string
	Duration        time.Duration
	Counts          Counts
	Vulnerabilities []Vulnerability
}
