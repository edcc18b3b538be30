package scanner

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"os/exec"
	"strings"
	"sync"
	"time"

	"github.com/go-kit/kit/log"
	"github.com/go-kit/kit/metrics/prometheus"
	"github.com/pkg/errors"
	stdprometheus "github.com/prometheus/client_golang/prometheus"

	"github.com/dockpeek/scand/pkg/image"
	scanmetrics "github.com/dockpeek/scand/pkg/metrics"
)

const (
	defaultDocker     = "docker"
	defaultExecServer = "http://localhost:4954"
	defaultHealthTTL  = 30 * time.Second
	healthProbeLimit  = 5 * time.Second
	maxStderr         = 500
)

var serverHealthy = prometheus.NewGaugeFrom(stdprometheus.GaugeOpts{
	Namespace: scanmetrics.Namespace,
	Subsystem: "trivy",
	Name:      "healthy",
	Help:      "Whether the Trivy server answered its last health check (1) or not (0).",
}, []string{})

// Order in which CVSS vendors are consulted for a score.
var cvssVendors = []string{"nvd", "redhat", "ghsa", "amazon", "oracle"}

type TrivyConfig struct {
	// ServerURL is where the Trivy server is reachable from here; it
	// is only used for health checks.
	ServerURL string
	// Container is the name of the container running the Trivy
	// server, in which the client is executed.
	Container string
	// ExecServer is the server address as seen from inside Container.
	ExecServer string
	// Timeout is handed to trivy as its own --timeout.
	Timeout time.Duration
	// Docker is the docker CLI binary.
	Docker string

	HealthTTL  time.Duration
	HTTPClient *http.Client
	Logger     log.Logger
}

// Trivy scans images by running the trivy client inside the Trivy
// server container with `docker exec`.
type Trivy struct {
	config TrivyConfig
	logger log.Logger

	healthMu  sync.Mutex
	healthy   bool
	checkedAt time.Time
}

func NewTrivy(config TrivyConfig) (*Trivy, error) {
	if config.Container == "" {
		return nil, errors.New("Trivy container name not supplied")
	}
	if config.Timeout <= 0 {
		return nil, errors.New("scan timeout must be positive")
	}
	if config.ExecServer == "" {
		config.ExecServer = defaultExecServer
	}
	if config.Docker == "" {
		config.Docker = defaultDocker
	}
	if config.HealthTTL <= 0 {
		config.HealthTTL = defaultHealthTTL
	}
	if config.HTTPClient == nil {
		config.HTTPClient = &http.Client{Timeout: healthProbeLimit}
	}
	if config.Logger == nil {
		config.Logger = log.NewNopLogger()
	}
	return &Trivy{
		config: config,
		logger: log.With(config.Logger, "component", "trivy"),
	}, nil
}

// Args is the argument list given to the docker CLI to scan ref.
func (t *Trivy) Args(ref string) []string {
	return []string{
		"exec", t.config.Container,
		"trivy", "image",
		"--server", t.config.ExecServer,
		"--format", "json",
		"--quiet",
		"--timeout", fmt.Sprintf("%ds", int(t.config.Timeout.Seconds())),
		ref,
	}
}

func (t *Trivy) Scan(ctx context.Context, ref string) (Report, error) {
	if err := image.Validate(ref); err != nil {
		return Report{}, err
	}

	start := time.Now()
	var stdout, stderr bytes.Buffer
	cmd := exec.CommandContext(ctx, t.config.Docker, t.Args(ref)...)
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr
	cmd.WaitDelay = time.Second
	err := cmd.Run()
	took := time.Since(start)

	switch {
	case ctx.Err() == context.DeadlineExceeded:
		return Report{}, errors.Wrapf(ErrTimeout, "scanning %s after %s", ref, took.Round(time.Millisecond))
	case ctx.Err() != nil:
		return Report{}, errors.Wrapf(ctx.Err(), "scanning %s", ref)
	case err != nil:
		var exitErr *exec.ExitError
		if errors.As(err, &exitErr) {
			msg := Truncate(stderr.String(), maxStderr)
			if reportsTimeout(msg) {
				return Report{}, errors.Wrapf(ErrTimeout, "scanning %s: %s", ref, msg)
			}
			return Report{}, &ExitError{Code: exitErr.ExitCode(), Stderr: msg}
		}
		return Report{}, errors.Wrapf(err, "running %s", t.config.Docker)
	}

	report, err := Parse(stdout.Bytes())
	if err != nil {
		return Report{}, errors.Wrapf(err, "scanning %s", ref)
	}
	report.Image = ref
	report.Duration = took
	t.logger.Log("image", ref, "critical", report.Counts.Critical, "high", report.Counts.High,
		"medium", report.Counts.Medium, "low", report.Counts.Low, "took", took.Round(100*time.Millisecond))
	return report, nil
}

// Healthy reports whether the Trivy server answers its health check.
// The answer is remembered for HealthTTL.
func (t *Trivy) Healthy(ctx context.Context) bool {
	t.healthMu.Lock()
	if !t.checkedAt.IsZero() && time.Since(t.checkedAt) < t.config.HealthTTL {
		healthy := t.healthy
		t.healthMu.Unlock()
		return healthy
	}
	t.healthMu.Unlock()

	healthy := t.ping(ctx)

	t.healthMu.Lock()
	t.healthy = healthy
	t.checkedAt = time.Now()
	t.healthMu.Unlock()
	if healthy {
		serverHealthy.Set(1)
	} else {
		serverHealthy.Set(0)
	}
	return healthy
}

func (t *Trivy) ping(ctx context.Context) bool {
	if t.config.ServerURL == "" {
		return false
	}
	ctx, cancel := context.WithTimeout(ctx, healthProbeLimit)
	defer cancel()
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, strings.TrimRight(t.config.ServerURL, "/")+"/healthz", nil)
	if err != nil {
		t.logger.Log("err", errors.Wrap(err, "building health check request"))
		return false
	}
	resp, err := t.config.HTTPClient.Do(req)
	if err != nil {
		t.logger.Log("warning", "Trivy server health check failed", "err", err)
		return false
	}
	resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		t.logger.Log("warning", "Trivy server unhealthy", "status", resp.StatusCode)
		return false
	}
	return true
}

type trivyOutput struct {
	ArtifactName string `json:"ArtifactName"`
	Metadata     struct {
		ImageID     string   `json:"ImageID"`
		RepoDigests []string `json:"RepoDigests"`
	} `json:"Metadata"`
	Results []struct {
		Target          string `json:"Target"`
		Vulnerabilities []struct {
			VulnerabilityID  string `json:"VulnerabilityID"`
			PkgName          string `json:"PkgName"`
			InstalledVersion string `json:"InstalledVersion"`
			FixedVersion     string `json:"FixedVersion"`
			Title            string `json:"Title"`
			Description      string `json:"Description"`
			Severity         string `json:"Severity"`
			CVSS             map[string]struct {
				V2Score  float64 `json:"V2Score"`
				V3Score  float64 `json:"V3Score"`
				V2Vector string  `json:"V2Vector"`
				V3Vector string  `json:"V3Vector"`
			} `json:"CVSS"`
		} `json:"Vulnerabilities"`
	} `json:"Results"`
}

// Parse normalises trivy's JSON output. Empty output is a clean scan.
func Parse(b []byte) (Report, error) {
	var report Report
	if len(bytes.TrimSpace(b)) == 0 {
		return report, nil
	}
	var out trivyOutput
	if err := json.Unmarshal(b, &out); err != nil {
		return report, errors.Wrap(err, "parsing scanner output")
	}

	report.Image = out.ArtifactName
	if len(out.Metadata.RepoDigests) > 0 {
		report.Digest = out.Metadata.RepoDigests[0]
		if at := strings.Index(report.Digest, "@"); at >= 0 {
			report.Digest = report.Digest[at+1:]
		}
	} else {
		report.Digest = out.Metadata.ImageID
	}

	for _, result := range out.Results {
		for _, v := range result.Vulnerabilities {
			severity := strings.ToUpper(v.Severity)
			if severity == "" {
				severity = SeverityUnknown
			}
			vuln := Vulnerability{
				ID:               v.VulnerabilityID,
				Severity:         severity,
				Title:            v.Title,
				Description:      v.Description,
				Package:          v.PkgName,
				InstalledVersion: v.InstalledVersion,
				FixedVersion:     v.FixedVersion,
			}
			if vuln.ID == "" {
				vuln.ID = "UNKNOWN"
			}
			for _, vendor := range cvssVendors {
				score, ok := v.CVSS[vendor]
				if !ok {
					continue
				}
				vuln.CVSSScore, vuln.CVSSVector = score.V3Score, score.V3Vector
				if vuln.CVSSScore == 0 {
					vuln.CVSSScore = score.V2Score
				}
				if vuln.CVSSVector == "" {
					vuln.CVSSVector = score.V2Vector
				}
				if vuln.CVSSScore != 0 {
					break
				}
			}
			report.Counts.Add(severity)
			report.Vulnerabilities = append(report.Vulnerabilities, vuln)
		}
	}
	return report, nil
}

// trivy exits non-zero when its own --timeout fires.
func reportsTimeout(stderr string) bool {
	s := strings.ToLower(stderr)
	return strings.Contains(s, "context deadline exceeded") || strings.Contains(s, "timeout exceeded")
}
