package scanner

import (
	"context"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"runtime"
	"strings"
	"sync/atomic"
	"testing"
	"time"
	"unicode/utf8"

	"github.com/go-kit/kit/log"
	"github.com/pkg/errors"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const trivyJSON = `{
  "ArtifactName": "priv.registry.example/app:1.0",
  "Metadata": {"RepoDigests": ["priv.registry.example/app@sha256:feed"]},
  "Results": [
    {"Target": "debian", "Vulnerabilities": [
      {"VulnerabilityID": "CVE-2024-0001", "PkgName": "openssl", "InstalledVersion": "3.0.1", "FixedVersion": "3.0.2",
       "Severity": "CRITICAL", "Title": "bad", "CVSS": {"nvd": {"V3Score": 9.8, "V3Vector": "CVSS:3.1/AV:N"}}},
      {"VulnerabilityID": "CVE-2024-0002", "PkgName": "zlib", "InstalledVersion": "1.2", "Severity": "high",
       "CVSS": {"redhat": {"V2Score": 7.1, "V2Vector": "AV:N/AC:L"}}},
      {"VulnerabilityID": "CVE-2024-0003", "PkgName": "bash", "InstalledVersion": "5", "Severity": "MEDIUM"}
    ]},
    {"Target": "app", "Vulnerabilities": null},
    {"Target": "node", "Vulnerabilities": [
      {"VulnerabilityID": "GHSA-xxxx", "PkgName": "left-pad", "InstalledVersion": "1.0", "Severity": "LOW",
       "CVSS": {"nvd": {}, "ghsa": {"V3Score": 3.1}}},
      {"PkgName": "mystery", "InstalledVersion": "0.1", "Severity": ""}
    ]}
  ]
}`

func TestParse(t *testing.T) {
	report, err := Parse([]byte(trivyJSON))
	require.NoError(t, err)

	assert.Equal(t, "sha256:feed", report.Digest)
	assert.Equal(t, Counts{Critical: 1, High: 1, Medium: 1, Low: 1, Unknown: 1}, report.Counts)
	assert.Equal(t, 5, report.Counts.Total())
	require.Len(t, report.Vulnerabilities, 5)

	crit := report.Vulnerabilities[0]
	assert.Equal(t, "CVE-2024-0001", crit.ID)
	assert.Equal(t, 9.8, crit.CVSSScore)
	assert.Equal(t, "CVSS:3.1/AV:N", crit.CVSSVector)
	assert.Equal(t, "3.0.2", crit.FixedVersion)

	high := report.Vulnerabilities[1]
	assert.Equal(t, SeverityHigh, high.Severity)
	assert.Equal(t, 7.1, high.CVSSScore)
	assert.Equal(t, "AV:N/AC:L", high.CVSSVector)

	assert.Equal(t, 3.1, report.Vulnerabilities[3].CVSSScore)
	assert.Equal(t, "UNKNOWN", report.Vulnerabilities[4].ID)
	assert.Equal(t, SeverityUnknown, report.Vulnerabilities[4].Severity)
}

func TestParseEmptyAndInvalid(t *testing.T) {
	report, err := Parse(nil)
	require.NoError(t, err)
	assert.Zero(t, report.Counts.Total())

	_, err = Parse([]byte(`{"Results": [`))
	assert.Error(t, err)
}

func TestArgs(t *testing.T) {
	tr, err := NewTrivy(TrivyConfig{Container: "trivy-server", Timeout: 2 * time.Minute})
	require.NoError(t, err)
	assert.Equal(t, []string{
		"exec", "trivy-server", "trivy", "image",
		"--server", "http://localhost:4954",
		"--format", "json", "--quiet",
		"--timeout", "120s",
		"nginx:1.25",
	}, tr.Args("nginx:1.25"))
}

// fakeDocker writes a shell script standing in for the docker CLI.
func fakeDocker(t *testing.T, body string) string {
	t.Helper()
	if runtime.GOOS == "windows" {
		t.Skip("needs a POSIX shell")
	}
	path := filepath.Join(t.TempDir(), "docker")
	require.NoError(t, os.WriteFile(path, []byte("#!/bin/sh\n"+body+"\n"), 0o755))
	return path
}

func newTestTrivy(t *testing.T, docker string, timeout time.Duration) *Trivy {
	tr, err := NewTrivy(TrivyConfig{
		Container: "trivy-server",
		Timeout:   timeout,
		Docker:    docker,
		Logger:    log.NewNopLogger(),
	})
	require.NoError(t, err)
	return tr
}

func TestScanSuccess(t *testing.T) {
	dir := t.TempDir()
	fixture := filepath.Join(dir, "out.json")
	argsFile := filepath.Join(dir, "args")
	require.NoError(t, os.WriteFile(fixture, []byte(trivyJSON), 0o644))
	docker := fakeDocker(t, `printf '%s\n' "$@" > `+argsFile+`
exec cat `+fixture)

	tr := newTestTrivy(t, docker, time.Minute)
	report, err := tr.Scan(context.Background(), "priv.registry.example/app:1.0")
	require.NoError(t, err)
	assert.Equal(t, "priv.registry.example/app:1.0", report.Image)
	assert.Equal(t, 1, report.Counts.Critical)
	assert.True(t, report.Duration > 0)

	args, err := os.ReadFile(argsFile)
	require.NoError(t, err)
	assert.Equal(t, strings.Join(tr.Args("priv.registry.example/app:1.0"), "\n")+"\n", string(args))
}

func TestScanNonZeroExit(t *testing.T) {
	docker := fakeDocker(t, `echo "FATAL: unable to find the specified image" >&2
exit 3`)
	tr := newTestTrivy(t, docker, time.Minute)

	_, err := tr.Scan(context.Background(), "nginx:1.25")
	var exitErr *ExitError
	require.True(t, errors.As(err, &exitErr), "got %v", err)
	assert.Equal(t, 3, exitErr.Code)
	assert.Contains(t, exitErr.Stderr, "unable to find")
}

func TestScanDeadline(t *testing.T) {
	docker := fakeDocker(t, `exec sleep 5`)
	tr := newTestTrivy(t, docker, time.Minute)

	ctx, cancel := context.WithTimeout(context.Background(), 100*time.Millisecond)
	defer cancel()
	start := time.Now()
	_, err := tr.Scan(ctx, "priv.registry.example/app:1.0")
	assert.Equal(t, ErrTimeout, errors.Cause(err))
	assert.True(t, time.Since(start) < 3*time.Second)
}

func TestScanScannerOwnTimeout(t *testing.T) {
	docker := fakeDocker(t, `echo "image scan error: context deadline exceeded" >&2
exit 1`)
	tr := newTestTrivy(t, docker, time.Minute)

	_, err := tr.Scan(context.Background(), "nginx:1.25")
	assert.Equal(t, ErrTimeout, errors.Cause(err))
}

func TestScanRejectsUnsafeReference(t *testing.T) {
	dir := t.TempDir()
	marker := filepath.Join(dir, "ran")
	docker := fakeDocker(t, `touch `+marker)
	tr := newTestTrivy(t, docker, time.Minute)

	_, err := tr.Scan(context.Background(), "nginx;touch /tmp/pwned")
	assert.Error(t, err)
	_, statErr := os.Stat(marker)
	assert.True(t, os.IsNotExist(statErr))
}

func TestHealthyIsRemembered(t *testing.T) {
	var hits int32
	status := int32(http.StatusOK)
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/healthz", r.URL.Path)
		atomic.AddInt32(&hits, 1)
		w.WriteHeader(int(atomic.LoadInt32(&status)))
	}))
	defer srv.Close()

	tr, err := NewTrivy(TrivyConfig{
		ServerURL: srv.URL + "/",
		Container: "trivy-server",
		Timeout:   time.Minute,
		HealthTTL: time.Hour,
	})
	require.NoError(t, err)

	assert.True(t, tr.Healthy(context.Background()))
	atomic.StoreInt32(&status, http.StatusServiceUnavailable)
	assert.True(t, tr.Healthy(context.Background()))
	assert.Equal(t, int32(1), atomic.LoadInt32(&hits))

	tr.config.HealthTTL = time.Nanosecond
	time.Sleep(time.Millisecond)
	assert.False(t, tr.Healthy(context.Background()))
	assert.Equal(t, int32(2), atomic.LoadInt32(&hits))
}

func TestHealthyWithoutServer(t *testing.T) {
	tr, err := NewTrivy(TrivyConfig{Container: "trivy-server", Timeout: time.Minute})
	require.NoError(t, err)
	assert.False(t, tr.Healthy(context.Background()))
}

func TestTruncateKeepsCharactersWhole(t *testing.T) {
	s := strings.Repeat("x", 499) + "é" + "tail"
	got := Truncate(s, 500)
	assert.True(t, utf8.ValidString(got))
	assert.Equal(t, strings.Repeat("x", 499), got)

	assert.Equal(t, "short", Truncate("  short\n", 500))
	assert.Equal(t, "xé", Truncate("xé", 3))
}
