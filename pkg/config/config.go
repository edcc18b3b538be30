// config is the package containing configuration for scand, shared so
// that the defaults and validation are the same whether values come
// from flags, the environment or a config file.
package config

import (
	"fmt"
	"reflect"
	"strconv"
	"strings"
	"time"

	"github.com/mitchellh/mapstructure"
	"github.com/pkg/errors"
)

type Config struct {
	LogFormat string `mapstructure:"logFormat"`
	Listen    string `mapstructure:"listen"`

	TrivyServerURL     string        `mapstructure:"trivyServerUrl"`
	TrivyEnabled       bool          `mapstructure:"trivyEnabled"`
	TrivyContainerName string        `mapstructure:"trivyContainerName"`
	TrivyExecServer    string        `mapstructure:"trivyExecServer"`
	DockerBinary       string        `mapstructure:"dockerBinary"`
	ScanTimeout        time.Duration `mapstructure:"scanTimeout"`

	ResultTTL  time.Duration `mapstructure:"resultTtl"`
	FailureTTL time.Duration `mapstructure:"failureTtl"`
	// PendingTTL of zero means twice the scan timeout.
	PendingTTL time.Duration `mapstructure:"pendingTtl"`

	Workers       int           `mapstructure:"workers"`
	QueueSize     int           `mapstructure:"queueSize"`
	ShutdownGrace time.Duration `mapstructure:"shutdownGrace"`

	ScanCachePath    string        `mapstructure:"scanCache"`
	VersionCachePath string        `mapstructure:"versionCache"`
	UpdateCachePath  string        `mapstructure:"updateCache"`
	LockAttempts     int           `mapstructure:"lockAttempts"`
	LockBackoff      time.Duration `mapstructure:"lockBackoff"`

	HistoryEnabled   bool          `mapstructure:"historyEnabled"`
	HistoryPath      string        `mapstructure:"historyFile"`
	HistoryLimit     int           `mapstructure:"historyLimit"`
	HistoryRetention time.Duration `mapstructure:"historyRetention"`

	LeasePath     string        `mapstructure:"leaseFile"`
	LeaseDuration time.Duration `mapstructure:"leaseDuration"`
	// RenewInterval of zero means a third of the lease duration.
	RenewInterval time.Duration `mapstructure:"renewInterval"`

	BackgroundEnabled   bool          `mapstructure:"backgroundRefresh"`
	RefreshInterval     time.Duration `mapstructure:"refreshInterval"`
	RefreshInitialDelay time.Duration `mapstructure:"refreshInitialDelay"`
	VersionInterval     time.Duration `mapstructure:"versionInterval"`
	VersionInitialDelay time.Duration `mapstructure:"versionInitialDelay"`
	VersionConcurrency  int           `mapstructure:"versionConcurrency"`
	VersionTTL          time.Duration `mapstructure:"versionTtl"`
	UpdateTTL           time.Duration `mapstructure:"updateTtl"`

	RegistryRPS          float64  `mapstructure:"registryRps"`
	RegistryBurst        int      `mapstructure:"registryBurst"`
	RegistryInsecureHost []string `mapstructure:"registryInsecureHost"`

	Images       []string `mapstructure:"images"`
	ExcludeImage []string `mapstructure:"excludeImage"`
}

// Default returns the configuration used for anything not set.
func Default() Config {
	return Config{
		LogFormat: "fmt",
		Listen:    ":8080",

		TrivyEnabled:       true,
		TrivyContainerName: "trivy",
		TrivyExecServer:    "http://localhost:4954",
		DockerBinary:       "docker",
		ScanTimeout:        120 * time.Second,

		ResultTTL:  time.Hour,
		FailureTTL: time.Hour,

		Workers:       3,
		QueueSize:     256,
		ShutdownGrace: 30 * time.Second,

		ScanCachePath:    "/tmp/dockpeek_trivy_cache.json",
		VersionCachePath: "/tmp/dockpeek_version_cache.json",
		UpdateCachePath:  "/tmp/dockpeek_update_cache.json",
		LockAttempts:     8,
		LockBackoff:      10 * time.Millisecond,

		HistoryEnabled:   true,
		HistoryPath:      "/tmp/dockpeek_scan_history.json",
		HistoryLimit:     20,
		HistoryRetention: 30 * 24 * time.Hour,

		LeasePath:     "/tmp/dockpeek_scheduler.lock",
		LeaseDuration: 90 * time.Second,

		BackgroundEnabled:   true,
		RefreshInterval:     300 * time.Second,
		RefreshInitialDelay: 30 * time.Second,
		VersionInterval:     time.Hour,
		VersionInitialDelay: 5 * time.Second,
		VersionConcurrency:  4,
		VersionTTL:          time.Hour,
		UpdateTTL:           120 * time.Second,

		RegistryRPS:   10,
		RegistryBurst: 5,
	}
}

// ScanningEnabled is false when there is no scanner to talk to.
func (c Config) ScanningEnabled() bool {
	return c.TrivyEnabled && c.TrivyServerURL != ""
}

// Complete fills in the values that are derived from others.
func (c *Config) Complete() {
	if c.PendingTTL == 0 {
		c.PendingTTL = 2 * c.ScanTimeout
	}
	if c.RenewInterval == 0 {
		c.RenewInterval = c.LeaseDuration / 3
	}
}

func (c Config) Validate() error {
	var problems []string
	positive := func(name string, d time.Duration) {
		if d <= 0 {
			problems = append(problems, fmt.Sprintf("%s must be positive, got %s", name, d))
		}
	}
	positive("scan timeout", c.ScanTimeout)
	positive("result TTL", c.ResultTTL)
	positive("failure TTL", c.FailureTTL)
	positive("pending TTL", c.PendingTTL)
	positive("lease duration", c.LeaseDuration)
	positive("renew interval", c.RenewInterval)
	positive("refresh interval", c.RefreshInterval)
	positive("version interval", c.VersionInterval)
	positive("version cache TTL", c.VersionTTL)
	positive("update cache TTL", c.UpdateTTL)

	if c.Workers < 1 {
		problems = append(problems, fmt.Sprintf("workers must be at least 1, got %d", c.Workers))
	}
	if c.QueueSize < 1 {
		problems = append(problems, fmt.Sprintf("queue size must be at least 1, got %d", c.QueueSize))
	}
	if c.ShutdownGrace < 0 {
		problems = append(problems, "shutdown grace must not be negative")
	}
	if c.RenewInterval >= c.LeaseDuration && c.LeaseDuration > 0 {
		problems = append(problems, fmt.Sprintf("renew interval %s must be shorter than the lease duration %s", c.RenewInterval, c.LeaseDuration))
	}
	if c.PendingTTL > 0 && c.PendingTTL <= c.ScanTimeout {
		problems = append(problems, fmt.Sprintf("pending TTL %s must be longer than the scan timeout %s", c.PendingTTL, c.ScanTimeout))
	}
	if c.HistoryEnabled {
		positive("history retention", c.HistoryRetention)
		if c.HistoryLimit < 1 {
			problems = append(problems, fmt.Sprintf("history limit must be at least 1, got %d", c.HistoryLimit))
		}
	}
	if c.RegistryRPS <= 0 || c.RegistryBurst < 1 {
		problems = append(problems, "registry rate limit needs a positive rps and a burst of at least 1")
	}
	switch c.LogFormat {
	case "fmt", "json":
	default:
		problems = append(problems, fmt.Sprintf("log format must be fmt or json, got %q", c.LogFormat))
	}

	if len(problems) > 0 {
		return errors.New("invalid configuration: " + strings.Join(problems, "; "))
	}
	return nil
}

// SecondsHook decodes bare numbers into durations as seconds, so that
// both TRIVY_SCAN_TIMEOUT=120 and TRIVY_SCAN_TIMEOUT=2m work.
func SecondsHook() mapstructure.DecodeHookFuncType {
	return func(from reflect.Type, to reflect.Type, data interface{}) (interface{}, error) {
		if to != reflect.TypeOf(time.Duration(0)) {
			return data, nil
		}
		switch v := data.(type) {
		case string:
			s := strings.TrimSpace(v)
			if secs, err := strconv.ParseFloat(s, 64); err == nil {
				return time.Duration(secs * float64(time.Second)), nil
			}
			return time.ParseDuration(s)
		case int:
			return time.Duration(v) * time.Second, nil
		case int64:
			return time.Duration(v) * time.Second, nil
		case float64:
			return time.Duration(v * float64(time.Second)), nil
		}
		return data, nil
	}
}
