package main

import (
	"fmt"
	"reflect"
	"strings"
	"time"

	"github.com/mitchellh/mapstructure"
	"github.com/spf13/pflag"
	"github.com/spf13/viper"

	"github.com/dockpeek/scand/pkg/config"
)

// envNames maps config fields to the environment variables dockpeek
// deployments already set.
var envNames = map[string]string{
	"LogFormat":            "LOG_FORMAT",
	"Listen":               "SCAND_LISTEN",
	"TrivyServerURL":       "TRIVY_SERVER_URL",
	"TrivyEnabled":         "TRIVY_ENABLED",
	"TrivyContainerName":   "TRIVY_CONTAINER_NAME",
	"TrivyExecServer":      "TRIVY_EXEC_SERVER",
	"DockerBinary":         "DOCKER_BINARY",
	"ScanTimeout":          "TRIVY_SCAN_TIMEOUT",
	"ResultTTL":            "TRIVY_CACHE_DURATION",
	"FailureTTL":           "TRIVY_FAILURE_CACHE_DURATION",
	"PendingTTL":           "SCAN_PENDING_TIMEOUT",
	"Workers":              "SCAN_WORKERS",
	"QueueSize":            "SCAN_QUEUE_SIZE",
	"ShutdownGrace":        "SCAN_SHUTDOWN_GRACE",
	"ScanCachePath":        "DOCKPEEK_TRIVY_CACHE",
	"VersionCachePath":     "DOCKPEEK_VERSION_CACHE",
	"UpdateCachePath":      "DOCKPEEK_UPDATE_CACHE",
	"HistoryEnabled":       "TRIVY_HISTORY_ENABLED",
	"HistoryPath":          "TRIVY_HISTORY_DB",
	"HistoryRetention":     "TRIVY_HISTORY_RETENTION",
	"LeasePath":            "DOCKPEEK_SCHEDULER_LOCK",
	"LeaseDuration":        "SCHEDULER_LEASE_DURATION",
	"RenewInterval":        "SCHEDULER_RENEW_INTERVAL",
	"BackgroundEnabled":    "BACKGROUND_REFRESH_ENABLED",
	"RefreshInterval":      "BACKGROUND_REFRESH_INTERVAL",
	"RefreshInitialDelay":  "BACKGROUND_REFRESH_DELAY",
	"VersionInterval":      "VERSION_CHECK_INTERVAL",
	"VersionInitialDelay":  "VERSION_CHECK_DELAY",
	"VersionTTL":           "VERSION_CACHE_DURATION",
	"UpdateTTL":            "UPDATE_CACHE_DURATION",
	"RegistryRPS":          "REGISTRY_RPS",
	"RegistryBurst":        "REGISTRY_BURST",
	"RegistryInsecureHost": "REGISTRY_INSECURE_HOSTS",
	"Images":               "SCAN_IMAGES",
	"ExcludeImage":         "SCAN_EXCLUDE_IMAGES",
}

// mappedName is the name viper knows a config field by: its
// mapstructure tag, or the field name if there is none.
func mappedName(fieldName string) (string, error) {
	field, ok := reflect.TypeOf(config.Config{}).FieldByName(fieldName)
	if !ok {
		return "", fmt.Errorf("attempt to bind a flag to a field not present in config.Config, %q", fieldName)
	}
	name := field.Name
	if tagName := strings.Split(field.Tag.Get("mapstructure"), ",")[0]; tagName != "" {
		if tagName == "-" {
			return "", fmt.Errorf(`attempt to bind a flag to a config field tagged as ignored, %q`, field.Name)
		}
		name = tagName
	}
	return name, nil
}

// defineConfigFlags defines the flags that can also be set in a
// config file or the environment, and binds all three to the same
// config field in v.
func defineConfigFlags(fs *pflag.FlagSet, v *viper.Viper, bail func(error)) {
	def := config.Default()

	bindOrBail := func(fieldName, flagName string) {
		name, err := mappedName(fieldName)
		if err == nil {
			err = v.BindPFlag(name, fs.Lookup(flagName))
		}
		if err == nil {
			if env, ok := envNames[fieldName]; ok {
				err = v.BindEnv(name, env)
			}
		}
		if err != nil {
			bail(err)
		}
	}

	defineString := func(fieldName, flagName, def, desc string) {
		fs.String(flagName, def, desc)
		bindOrBail(fieldName, flagName)
	}

	defineStringSlice := func(fieldName, flagName string, def []string, desc string) {
		fs.StringSlice(flagName, def, desc)
		bindOrBail(fieldName, flagName)
	}

	defineBool := func(fieldName, flagName string, def bool, desc string) {
		fs.Bool(flagName, def, desc)
		bindOrBail(fieldName, flagName)
	}

	defineDuration := func(fieldName, flagName string, def time.Duration, desc string) {
		fs.Duration(flagName, def, desc)
		bindOrBail(fieldName, flagName)
	}

	defineInt := func(fieldName, flagName string, def int, desc string) {
		fs.Int(flagName, def, desc)
		bindOrBail(fieldName, flagName)
	}

	defineFloat64 := func(fieldName, flagName string, def float64, desc string) {
		fs.Float64(flagName, def, desc)
		bindOrBail(fieldName, flagName)
	}

	defineString("LogFormat", "log-format", def.LogFormat, "change the log format (fmt or json)")
	defineString("Listen", "listen", def.Listen, "listen address where /metrics and the API will be served")

	// scanner
	defineString("TrivyServerURL", "trivy-server-url", def.TrivyServerURL, "URL of the Trivy server, for health checks; scanning is disabled if empty")
	defineBool("TrivyEnabled", "trivy-enabled", def.TrivyEnabled, "set to false to disable vulnerability scanning")
	defineString("TrivyContainerName", "trivy-container", def.TrivyContainerName, "name of the container running the Trivy server, in which scans are executed")
	defineString("TrivyExecServer", "trivy-exec-server", def.TrivyExecServer, "Trivy server address as seen from inside its own container")
	defineString("DockerBinary", "docker-binary", def.DockerBinary, "docker CLI used to execute scans")
	defineDuration("ScanTimeout", "scan-timeout", def.ScanTimeout, "duration after which a scan is abandoned and recorded as timed out")

	// scan state
	defineDuration("ResultTTL", "result-ttl", def.ResultTTL, "how long a successful scan result is kept")
	defineDuration("FailureTTL", "failure-ttl", def.FailureTTL, "how long a failed or errored scan is kept before the image is scanned again")
	defineDuration("PendingTTL", "pending-ttl", def.PendingTTL, "how long an image may stay queued before it can be queued again; defaults to twice the scan timeout")

	// dispatcher
	defineInt("Workers", "workers", def.Workers, "number of scans run concurrently in this process")
	defineInt("QueueSize", "queue-size", def.QueueSize, "number of scans that may wait for a worker")
	defineDuration("ShutdownGrace", "shutdown-grace", def.ShutdownGrace, "time running scans are given to finish on shutdown")

	// caches
	defineString("ScanCachePath", "scan-cache", def.ScanCachePath, "file in which scan results are shared between processes")
	defineString("VersionCachePath", "version-cache", def.VersionCachePath, "file in which version checks are shared between processes")
	defineString("UpdateCachePath", "update-cache", def.UpdateCachePath, "file in which pull comparisons are shared between processes")
	defineInt("LockAttempts", "cache-lock-attempts", def.LockAttempts, "attempts at locking a cache file before giving up")
	defineDuration("LockBackoff", "cache-lock-backoff", def.LockBackoff, "initial wait between attempts at locking a cache file")

	// history
	defineBool("HistoryEnabled", "history", def.HistoryEnabled, "keep a history of scans, to report trends and newly found vulnerabilities")
	defineString("HistoryPath", "history-file", def.HistoryPath, "file in which scan history is shared between processes")
	defineInt("HistoryLimit", "history-limit", def.HistoryLimit, "number of scans kept in the history of each image")
	defineDuration("HistoryRetention", "history-retention", def.HistoryRetention, "how long scans and newly found vulnerabilities stay in the history")

	// scheduling
	defineString("LeasePath", "lease-file", def.LeasePath, "file holding the scheduler lease shared by all processes")
	defineDuration("LeaseDuration", "lease-duration", def.LeaseDuration, "how long the scheduler lease lasts without renewal")
	defineDuration("RenewInterval", "renew-interval", def.RenewInterval, "how often the leader renews its lease; defaults to a third of the lease duration")
	defineBool("BackgroundEnabled", "background-refresh", def.BackgroundEnabled, "queue scans and refresh version checks in the background")
	defineDuration("RefreshInterval", "refresh-interval", def.RefreshInterval, "period at which images without a scan are queued")
	defineDuration("RefreshInitialDelay", "refresh-delay", def.RefreshInitialDelay, "delay before the first background scan refresh")
	defineDuration("VersionInterval", "version-interval", def.VersionInterval, "period at which version checks are refreshed")
	defineDuration("VersionInitialDelay", "version-delay", def.VersionInitialDelay, "delay before the first version check refresh")
	defineInt("VersionConcurrency", "version-concurrency", def.VersionConcurrency, "number of images whose versions are checked at once")
	defineDuration("VersionTTL", "version-ttl", def.VersionTTL, "how long a version check is kept")
	defineDuration("UpdateTTL", "update-ttl", def.UpdateTTL, "how long a pull comparison is kept")

	// registry
	defineFloat64("RegistryRPS", "registry-rps", def.RegistryRPS, "maximum registry requests per second per host")
	defineInt("RegistryBurst", "registry-burst", def.RegistryBurst, "maximum burst of registry requests per host")
	defineStringSlice("RegistryInsecureHost", "registry-insecure-host", def.RegistryInsecureHost, "let these registry hosts be reached over plain HTTP")

	defineStringSlice("Images", "images", def.Images, "images to keep scanned; prefix an image with ! to never scan it")
	defineStringSlice("ExcludeImage", "exclude-image", def.ExcludeImage, "do not scan images whose canonical reference matches these glob expressions, e.g., 'ghcr.io/acme/*'")
}

// loadConfig decodes everything bound in v into a complete, valid
// config.
func loadConfig(v *viper.Viper) (config.Config, error) {
	var c config.Config
	hook := viper.DecodeHook(mapstructure.ComposeDecodeHookFunc(
		config.SecondsHook(),
		mapstructure.StringToSliceHookFunc(","),
	))
	if err := v.Unmarshal(&c, hook); err != nil {
		return c, err
	}
	c.Complete()
	return c, c.Validate()
}
