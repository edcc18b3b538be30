package scan

import (
	"path/filepath"
	"testing"
	"time"

	"github.com/go-kit/kit/log"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/dockpeek/scand/pkg/scanner"
)

func newHistory(t *testing.T, clock *fakeClock, limit int) *History {
	h, err := NewHistory(HistoryConfig{
		Cache:  newFileCache(t, filepath.Join(t.TempDir(), "history.json"), clock),
		Limit:  limit,
		Logger: log.NewNopLogger(),
		Now:    clock.Now,
	})
	require.NoError(t, err)
	return h
}

func vuln(id, severity, pkg string) scanner.Vulnerability {
	return scanner.Vulnerability{ID: id, Severity: severity, Package: pkg, InstalledVersion: "1.0"}
}

func report(vulns ...scanner.Vulnerability) scanner.Report {
	r := scanner.Report{Digest: "sha256:1", Vulnerabilities: vulns}
	for _, v := range vulns {
		r.Counts.Add(v.Severity)
	}
	return r
}

func TestHistoryFindsNewVulnerabilities(t *testing.T) {
	clock := &fakeClock{t: time.Date(2024, 3, 1, 12, 0, 0, 0, time.UTC)}
	path := filepath.Join(t.TempDir(), "trivy_cache.json")
	h := newHistory(t, clock, 0)
	s, err := NewStore(Config{
		Cache:      newFileCache(t, path, clock),
		Enabled:    true,
		ResultTTL:  resultTTL,
		FailureTTL: failureTTL,
		PendingTTL: pendingTTL,
		History:    h,
		Logger:     log.NewNopLogger(),
		Now:        clock.Now,
	})
	require.NoError(t, err)
	r := ref(t, "nginx:1.25")

	rec, err := s.MarkResult(r, Succeeded(report(vuln("CVE-1", "HIGH", "openssl"))))
	require.NoError(t, err)
	assert.Empty(t, rec.NewVulnerabilities, "the first scan is the baseline")

	clock.Advance(time.Hour)
	rec, err = s.MarkResult(r, Succeeded(report(
		vuln("CVE-1", "HIGH", "openssl"),
		vuln("CVE-2", "critical", "zlib"),
		vuln("CVE-2", "critical", "zlib"),
	)))
	require.NoError(t, err)
	require.Len(t, rec.NewVulnerabilities, 1)
	found := rec.NewVulnerabilities[0]
	assert.Equal(t, "CVE-2", found.ID)
	assert.Equal(t, "CRITICAL", found.Severity)
	assert.Equal(t, r.String(), found.Image)
	assert.Equal(t, clock.Now(), found.FirstSeenAt)
	assert.Len(t, s.GetStatus(r).NewVulnerabilities, 1)

	clock.Advance(time.Hour)
	rec, err = s.MarkResult(r, Succeeded(report(vuln("CVE-2", "CRITICAL", "zlib"))))
	require.NoError(t, err)
	assert.Empty(t, rec.NewVulnerabilities)

	all, err := h.NewSince(clock.Now().Add(-24*time.Hour), "")
	require.NoError(t, err)
	assert.Len(t, all, 1)
	critical, err := h.NewSince(clock.Now().Add(-24*time.Hour), "critical")
	require.NoError(t, err)
	assert.Len(t, critical, 1)
	high, err := h.NewSince(clock.Now().Add(-24*time.Hour), "HIGH")
	require.NoError(t, err)
	assert.Empty(t, high)
	recent, err := h.NewSince(clock.Now().Add(-time.Minute), "")
	require.NoError(t, err)
	assert.Empty(t, recent)
}

func TestHistoryTrendAndLimit(t *testing.T) {
	clock := &fakeClock{t: time.Date(2024, 3, 1, 12, 0, 0, 0, time.UTC)}
	h := newHistory(t, clock, 3)
	r := ref(t, "ghcr.io/acme/api:2")

	entries, trend, err := h.Get(r, 5)
	require.NoError(t, err)
	assert.Empty(t, entries)
	assert.Equal(t, TrendUnknown, trend.Direction)

	record := func(rec Record) {
		at := clock.Now()
		rec.ScannedAt = &at
		_, err := h.Record(r, rec)
		require.NoError(t, err)
		clock.Advance(time.Minute)
	}
	record(Record{Status: Scanned, Counts: &scanner.Counts{Critical: 2, High: 3, Low: 5}})
	_, trend, err = h.Get(r, 5)
	require.NoError(t, err)
	assert.Equal(t, Trend{Direction: TrendUnknown, CurrentTotal: 10, ScanCount: 1}, trend)

	record(Record{Status: Errored, ErrorReason: "unable to pull image"})
	record(Record{Status: Scanned, Counts: &scanner.Counts{Critical: 1, High: 3, Low: 2}})
	entries, trend, err = h.Get(r, 5)
	require.NoError(t, err)
	require.Len(t, entries, 3)
	assert.Equal(t, Scanned, entries[0].Status)
	assert.Equal(t, Errored, entries[1].Status)
	assert.Equal(t, Trend{
		Direction:     TrendImproving,
		PreviousTotal: 10,
		CurrentTotal:  6,
		DeltaCritical: -1,
		ScanCount:     2,
	}, trend)

	record(Record{Status: Scanned, Counts: &scanner.Counts{Critical: 1, High: 4, Low: 2}})
	entries, trend, err = h.Get(r, 2)
	require.NoError(t, err)
	assert.Len(t, entries, 2)
	assert.Equal(t, TrendDegrading, trend.Direction)
	assert.Equal(t, 1, trend.DeltaHigh)

	entries, _, err = h.Get(r, 0)
	require.NoError(t, err)
	assert.Len(t, entries, 3, "history is bounded")
}

func TestHistoryForgetsOldScans(t *testing.T) {
	clock := &fakeClock{t: time.Date(2024, 3, 1, 12, 0, 0, 0, time.UTC)}
	h := newHistory(t, clock, 0)
	r := ref(t, "redis:7")

	_, err := h.Record(r, Record{Status: Scanned, Counts: &scanner.Counts{Low: 1}})
	require.NoError(t, err)
	clock.Advance(DefaultHistoryRetention - time.Hour)
	_, err = h.Record(r, Record{Status: Scanned, Counts: &scanner.Counts{Low: 1}})
	require.NoError(t, err)
	clock.Advance(2 * time.Hour)
	_, err = h.Record(r, Record{Status: Scanned, Counts: &scanner.Counts{Low: 1}})
	require.NoError(t, err)

	entries, trend, err := h.Get(r, 0)
	require.NoError(t, err)
	assert.Len(t, entries, 2)
	assert.Equal(t, TrendStable, trend.Direction)
}

func TestHistoryRejectsPending(t *testing.T) {
	h := newHistory(t, &fakeClock{t: time.Now()}, 0)
	_, err := h.Record(ref(t, "nginx"), Record{Status: Pending})
	assert.Error(t, err)
}
