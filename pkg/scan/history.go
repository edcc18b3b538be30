package scan

import (
	"encoding/json"
	"strings"
	"time"

	"github.com/go-kit/kit/log"
	"github.com/pkg/errors"

	"github.com/dockpeek/scand/pkg/cache"
	scanerr "github.com/dockpeek/scand/pkg/errors"
	"github.com/dockpeek/scand/pkg/image"
	"github.com/dockpeek/scand/pkg/scanner"
)

// Trend directions, comparing the last two successful scans.
const (
	TrendImproving = "improving"
	TrendDegrading = "degrading"
	TrendStable    = "stable"
	TrendUnknown   = "unknown"
)

const (
	DefaultHistoryLimit     = 20
	DefaultHistoryRetention = 30 * 24 * time.Hour

	maxFindings = 1000
)

type HistoryConfig struct {
	Cache cache.Client
	// Limit is the number of scans kept for each image.
	Limit int
	// Retention is how long scans and new findings are kept.
	Retention time.Duration

	Logger log.Logger
	Now    func() time.Time
}

// Entry is one finished scan in the history of an image.
type Entry struct {
	ScannedAt           time.Time       `json:"scanned_at"`
	Digest              string          `json:"image_digest,omitempty"`
	Status              Status          `json:"status"`
	Counts              *scanner.Counts `json:"counts,omitempty"`
	ScanDurationSeconds float64         `json:"scan_duration_seconds,omitempty"`
	ErrorReason         string          `json:"error_reason,omitempty"`
}

// Finding is a vulnerability that a scan found and no earlier scan of
// the same image had.
type Finding struct {
	Image       string    `json:"image_ref"`
	Digest      string    `json:"image_digest,omitempty"`
	ID          string    `json:"vulnerability_id"`
	Severity    string    `json:"severity"`
	Package     string    `json:"pkg_name"`
	Fingerprint string    `json:"fingerprint"`
	FirstSeenAt time.Time `json:"first_seen_at"`
}

type Trend struct {
	Direction     string `json:"direction"`
	PreviousTotal int    `json:"previous_total"`
	CurrentTotal  int    `json:"current_total"`
	DeltaCritical int    `json:"delta_critical"`
	DeltaHigh     int    `json:"delta_high"`
	ScanCount     int    `json:"scan_count"`
}

// imageHistory is what is kept per image. Entries are newest first;
// Seen maps the fingerprints of the latest successful scan to when
// each was first seen.
type imageHistory struct {
	Entries []Entry              `json:"entries"`
	Seen    map[string]time.Time `json:"seen,omitempty"`
}

// History keeps a bounded record of past scans of each image in a
// shared cache, and notes the vulnerabilities each scan newly finds.
type History struct {
	cache     cache.Client
	limit     int
	retention time.Duration
	logger    log.Logger
	now       func() time.Time
}

func NewHistory(config HistoryConfig) (*History, error) {
	if config.Cache == nil {
		return nil, errors.New("scan history needs a cache")
	}
	h := &History{
		cache:     config.Cache,
		limit:     config.Limit,
		retention: config.Retention,
		logger:    config.Logger,
		now:       config.Now,
	}
	if h.limit <= 0 {
		h.limit = DefaultHistoryLimit
	}
	if h.retention <= 0 {
		h.retention = DefaultHistoryRetention
	}
	if h.logger == nil {
		h.logger = log.NewNopLogger()
	}
	if h.now == nil {
		h.now = time.Now
	}
	return h, nil
}

// Record adds a finished scan to the history of ref, and returns the
// vulnerabilities it found that the previous successful scan did not
// have. The first successful scan of an image is the baseline, and
// finds nothing new.
func (h *History) Record(ref image.CanonicalRef, rec Record) ([]Finding, error) {
	if !rec.Status.Terminal() {
		return nil, errors.Errorf("cannot record status %q in scan history", rec.Status)
	}
	now := h.now().UTC()
	scannedAt := now
	if rec.ScannedAt != nil {
		scannedAt = rec.ScannedAt.UTC()
	}
	entry := Entry{
		ScannedAt:           scannedAt,
		Digest:              rec.Digest,
		Status:              rec.Status,
		Counts:              rec.Counts,
		ScanDurationSeconds: rec.ScanDurationSeconds,
		ErrorReason:         rec.ErrorReason,
	}

	var found []Finding
	err := h.cache.UpdateKey(cache.NewHistoryKey(ref), func(current []byte, ok bool) ([]byte, time.Duration, error) {
		var hist imageHistory
		if ok {
			if err := json.Unmarshal(current, &hist); err != nil {
				h.logger.Log("warning", "discarding unreadable scan history", "image", ref.String(), "err", err)
				hist = imageHistory{}
			}
		}
		baseline := len(successful(hist.Entries)) > 0

		found = nil
		if rec.Status == Scanned {
			seen := make(map[string]time.Time, len(rec.Vulnerabilities))
			for _, v := range rec.Vulnerabilities {
				fp := v.Fingerprint()
				if _, dup := seen[fp]; dup {
					continue
				}
				if first, ok := hist.Seen[fp]; ok {
					seen[fp] = first
					continue
				}
				seen[fp] = scannedAt
				if baseline {
					found = append(found, Finding{
						Image:       ref.String(),
						Digest:      rec.Digest,
						ID:          v.ID,
						Severity:    strings.ToUpper(v.Severity),
						Package:     v.Package,
						Fingerprint: fp,
						FirstSeenAt: scannedAt,
					})
				}
			}
			hist.Seen = seen
		}

		hist.Entries = prune(append([]Entry{entry}, hist.Entries...), h.limit, now.Add(-h.retention))
		b, err := json.Marshal(hist)
		if err != nil {
			return nil, 0, err
		}
		return b, h.retention, nil
	})
	if err != nil {
		return nil, errors.Wrapf(err, "recording scan history of %s", ref.String())
	}
	if len(found) > 0 {
		if err := h.addFindings(found); err != nil {
			return found, err
		}
	}
	return found, nil
}

func (h *History) addFindings(found []Finding) error {
	cutoff := h.now().UTC().Add(-h.retention)
	err := h.cache.UpdateKey(cache.NewFindingsKey(), func(current []byte, ok bool) ([]byte, time.Duration, error) {
		var all []Finding
		if ok {
			if err := json.Unmarshal(current, &all); err != nil {
				all = nil
			}
		}
		all = append(append([]Finding{}, found...), all...)
		kept := all[:0]
		for _, f := range all {
			if f.FirstSeenAt.After(cutoff) {
				kept = append(kept, f)
			}
		}
		if len(kept) > maxFindings {
			kept = kept[:maxFindings]
		}
		b, err := json.Marshal(kept)
		if err != nil {
			return nil, 0, err
		}
		return b, h.retention, nil
	})
	return errors.Wrap(err, "recording new vulnerabilities")
}

// Get returns up to limit of the latest scans of ref, newest first,
// with the trend of its last two successful scans. An image never
// scanned has an empty history.
func (h *History) Get(ref image.CanonicalRef, limit int) ([]Entry, Trend, error) {
	var hist imageHistory
	_, err := cache.GetJSON(h.cache, cache.NewHistoryKey(ref), &hist)
	switch {
	case scanerr.IsMissing(err):
		return []Entry{}, Trend{Direction: TrendUnknown}, nil
	case err != nil:
		return nil, Trend{}, err
	}
	trend := CalculateTrend(hist.Entries)
	entries := hist.Entries
	if limit > 0 && len(entries) > limit {
		entries = entries[:limit]
	}
	return entries, trend, nil
}

// NewSince lists the vulnerabilities newly found since a time, newest
// first, optionally only those of one severity.
func (h *History) NewSince(since time.Time, severity string) ([]Finding, error) {
	var all []Finding
	_, err := cache.GetJSON(h.cache, cache.NewFindingsKey(), &all)
	switch {
	case scanerr.IsMissing(err):
		return []Finding{}, nil
	case err != nil:
		return nil, err
	}
	out := []Finding{}
	for _, f := range all {
		if f.FirstSeenAt.Before(since) {
			continue
		}
		if severity != "" && !strings.EqualFold(f.Severity, severity) {
			continue
		}
		out = append(out, f)
	}
	return out, nil
}

// CalculateTrend compares the latest two successful scans among
// entries, which are newest first.
func CalculateTrend(entries []Entry) Trend {
	ok := successful(entries)
	switch len(ok) {
	case 0:
		return Trend{Direction: TrendUnknown}
	case 1:
		return Trend{Direction: TrendUnknown, CurrentTotal: ok[0].Counts.Total(), ScanCount: 1}
	}
	cur, prev := ok[0].Counts, ok[1].Counts
	t := Trend{
		PreviousTotal: prev.Total(),
		CurrentTotal:  cur.Total(),
		DeltaCritical: cur.Critical - prev.Critical,
		DeltaHigh:     cur.High - prev.High,
		ScanCount:     len(ok),
	}
	switch delta := t.CurrentTotal - t.PreviousTotal; {
	case delta < 0:
		t.Direction = TrendImproving
	case delta > 0:
		t.Direction = TrendDegrading
	default:
		t.Direction = TrendStable
	}
	return t
}

func successful(entries []Entry) []Entry {
	var out []Entry
	for _, e := range entries {
		if e.Status == Scanned && e.Counts != nil {
			out = append(out, e)
		}
	}
	return out
}

func prune(entries []Entry, limit int, cutoff time.Time) []Entry {
	kept := entries[:0]
	for _, e := range entries {
		if len(kept) == limit {
			break
		}
		if e.ScannedAt.After(cutoff) {
			kept = append(kept, e)
		}
	}
	return kept
}
