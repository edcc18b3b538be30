package main

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"sync"
	"syscall"
	"time"

	"github.com/go-kit/kit/log"
	"github.com/google/go-containerregistry/pkg/authn"
	"github.com/pkg/errors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"github.com/dockpeek/scand/pkg/cache"
	"github.com/dockpeek/scand/pkg/cache/file"
	"github.com/dockpeek/scand/pkg/config"
	"github.com/dockpeek/scand/pkg/daemon"
	"github.com/dockpeek/scand/pkg/dispatch"
	httpdaemon "github.com/dockpeek/scand/pkg/http/daemon"
	"github.com/dockpeek/scand/pkg/leader"
	"github.com/dockpeek/scand/pkg/registry"
	"github.com/dockpeek/scand/pkg/registry/middleware"
	"github.com/dockpeek/scand/pkg/scan"
	"github.com/dockpeek/scand/pkg/scanner"
)

var version = "unversioned"

func main() {
	if err := newRootCommand().Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "scand: %s\n", err)
		os.Exit(1)
	}
}

func newRootCommand() *cobra.Command {
	v := viper.New()
	var configFile string
	cmd := &cobra.Command{
		Use:           "scand",
		Short:         "scan container images for CVEs, sharing results between every worker on the host",
		Version:       version,
		SilenceUsage:  true,
		SilenceErrors: true,
		Args:          cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			if configFile != "" {
				v.SetConfigFile(configFile)
				if err := v.ReadInConfig(); err != nil {
					return errors.Wrapf(err, "reading config file %s", configFile)
				}
			}
			cfg, err := loadConfig(v)
			if err != nil {
				return err
			}
			return run(cfg, newLogger(cfg.LogFormat))
		},
	}
	fs := cmd.Flags()
	fs.StringVar(&configFile, "config", "", "path of a YAML config file; flags and environment variables take precedence")
	defineConfigFlags(fs, v, func(err error) {
		fmt.Fprintf(os.Stderr, "scand: %s\n", err)
		os.Exit(1)
	})
	return cmd
}

func newLogger(format string) log.Logger {
	var logger log.Logger
	switch format {
	case "json":
		logger = log.NewJSONLogger(log.NewSyncWriter(os.Stderr))
	default:
		logger = log.NewLogfmtLogger(log.NewSyncWriter(os.Stderr))
	}
	logger = log.With(logger, "ts", log.DefaultTimestampUTC)
	logger = log.With(logger, "caller", log.DefaultCaller)
	return logger
}

func newFileCache(path string, cfg config.Config, logger log.Logger) (*file.Cache, error) {
	return file.New(file.Config{
		Path:         path,
		Logger:       logger,
		LockAttempts: cfg.LockAttempts,
		LockBackoff:  cfg.LockBackoff,
	})
}

func run(cfg config.Config, logger log.Logger) error {
	logger.Log("started", true, "version", version)

	// Shared state
	var (
		scanCache, versionCache, updateCache *file.Cache
		err                                  error
	)
	for _, c := range []struct {
		name string
		path string
		into **file.Cache
	}{
		{"scan", cfg.ScanCachePath, &scanCache},
		{"version", cfg.VersionCachePath, &versionCache},
		{"update", cfg.UpdateCachePath, &updateCache},
	} {
		if *c.into, err = newFileCache(c.path, cfg, log.With(logger, "component", "cache", "cache", c.name)); err != nil {
			logger.Log("cache", c.name, "err", err)
			return err
		}
	}

	caches := map[string]daemon.CacheFile{
		"scan":    scanCache,
		"version": versionCache,
		"update":  updateCache,
	}

	var history *scan.History
	if cfg.HistoryEnabled && cfg.ScanningEnabled() {
		historyCache, err := newFileCache(cfg.HistoryPath, cfg, log.With(logger, "component", "cache", "cache", "history"))
		if err != nil {
			logger.Log("cache", "history", "err", err)
			return err
		}
		caches["history"] = historyCache
		history, err = scan.NewHistory(scan.HistoryConfig{
			Cache:     cache.InstrumentClient("history", historyCache),
			Limit:     cfg.HistoryLimit,
			Retention: cfg.HistoryRetention,
			Logger:    log.With(logger, "component", "history"),
		})
		if err != nil {
			logger.Log("err", err)
			return err
		}
	}

	store, err := scan.NewStore(scan.Config{
		Cache:      cache.InstrumentClient("scan", scanCache),
		Enabled:    cfg.ScanningEnabled(),
		ResultTTL:  cfg.ResultTTL,
		FailureTTL: cfg.FailureTTL,
		PendingTTL: cfg.PendingTTL,
		History:    history,
		Logger:     log.With(logger, "component", "scan-state"),
	})
	if err != nil {
		logger.Log("err", err)
		return err
	}

	// Scanner
	var (
		s      scanner.Scanner
		health daemon.HealthChecker
	)
	if cfg.ScanningEnabled() {
		trivy, err := scanner.NewTrivy(scanner.TrivyConfig{
			ServerURL:  cfg.TrivyServerURL,
			Container:  cfg.TrivyContainerName,
			ExecServer: cfg.TrivyExecServer,
			Timeout:    cfg.ScanTimeout,
			Docker:     cfg.DockerBinary,
			Logger:     logger,
		})
		if err != nil {
			logger.Log("component", "trivy", "err", err)
			return err
		}
		s, health = trivy, trivy
		logger.Log("scanning", "enabled", "server", cfg.TrivyServerURL, "container", cfg.TrivyContainerName)
	} else {
		s = scanner.Func(func(context.Context, string) (scanner.Report, error) {
			return scanner.Report{}, errors.New("scanning is not enabled")
		})
		logger.Log("scanning", "disabled")
	}

	dispatcher, err := dispatch.New(s, store, dispatch.Config{
		Workers:       cfg.Workers,
		QueueSize:     cfg.QueueSize,
		ScanTimeout:   cfg.ScanTimeout,
		ShutdownGrace: cfg.ShutdownGrace,
		Logger:        log.With(logger, "component", "dispatch"),
		Notify: func(rec scan.Record) {
			if rec.Counts != nil && rec.Counts.Critical > 0 {
				logger.Log("component", "notify", "image", rec.Image, "critical", rec.Counts.Critical)
			}
			for _, f := range rec.NewVulnerabilities {
				logger.Log("component", "notify", "image", rec.Image, "new", f.ID, "severity", f.Severity, "package", f.Package)
			}
		},
	})
	if err != nil {
		logger.Log("err", err)
		return err
	}

	// Registry
	client := &registry.Client{
		Limiters: &middleware.RateLimiters{
			RPS:    cfg.RegistryRPS,
			Burst:  cfg.RegistryBurst,
			Logger: log.With(logger, "component", "ratelimiter"),
		},
		Keychain:      authn.DefaultKeychain,
		InsecureHosts: cfg.RegistryInsecureHost,
	}
	versions := &registry.CachedVersionChecker{
		Cache:   cache.InstrumentClient("version", versionCache),
		Checker: registry.NewInstrumentedVersionChecker(&registry.RemoteVersionChecker{Client: client}),
		TTL:     cfg.VersionTTL,
		Logger:  log.With(logger, "component", "versions"),
	}
	updates := &registry.CachedUpdateChecker{
		Cache:   cache.InstrumentClient("update", updateCache),
		Checker: registry.NewInstrumentedUpdateChecker(&registry.RemoteDigestChecker{Client: client}),
		TTL:     cfg.UpdateTTL,
		Logger:  log.With(logger, "component", "updates"),
	}

	// Scheduling
	guard, err := leader.NewGuard(leader.Config{
		Path:     cfg.LeasePath,
		Duration: cfg.LeaseDuration,
		Logger:   log.With(logger, "component", "leader"),
	})
	if err != nil {
		logger.Log("err", err)
		return err
	}
	logger.Log("component", "leader", "holder", guard.ID())

	loop := &daemon.Loop{
		Source:    daemon.ParseTargets(cfg.Images),
		Submitter: dispatcher,
		Status:    store,
		Lease:     guard,
		Versions:  versions,
		Health:    health,
		Caches:    caches,
		Exclude:   cfg.ExcludeImage,
		Logger:    log.With(logger, "component", "loop"),
		LoopVars: &daemon.LoopVars{
			RefreshInterval:     cfg.RefreshInterval,
			RefreshInitialDelay: cfg.RefreshInitialDelay,
			VersionInterval:     cfg.VersionInterval,
			VersionInitialDelay: cfg.VersionInitialDelay,
			RenewInterval:       cfg.RenewInterval,
			VersionConcurrency:  cfg.VersionConcurrency,
		},
	}

	shutdown := make(chan struct{})
	shutdownWg := &sync.WaitGroup{}

	shutdownWg.Add(1)
	go dispatcher.Run(shutdown, shutdownWg)
	if cfg.BackgroundEnabled {
		shutdownWg.Add(1)
		go loop.Run(shutdown, shutdownWg)
	} else {
		logger.Log("background-refresh", "disabled")
	}

	errc := make(chan error, 2)
	go func() {
		c := make(chan os.Signal, 1)
		signal.Notify(c, syscall.SIGINT, syscall.SIGTERM)
		errc <- fmt.Errorf("%s", <-c)
	}()

	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.Handler())
	api := &httpdaemon.Server{
		Scans:      store,
		Dispatcher: dispatcher,
		Versions:   versions,
		Updates:    updates,
		Leadership: guard,
	}
	if history != nil {
		api.History = history
	}
	mux.Handle("/", httpdaemon.NewHandler(api, httpdaemon.NewRouter()))
	srv := &http.Server{Addr: cfg.Listen, Handler: mux}
	go func() {
		logger.Log("addr", cfg.Listen, "transport", "HTTP")
		errc <- srv.ListenAndServe()
	}()

	logger.Log("exiting", <-errc)
	close(shutdown)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := srv.Shutdown(ctx); err != nil {
		logger.Log("transport", "HTTP", "err", err)
	}
	shutdownWg.Wait()
	if err := guard.Release(); err != nil {
		logger.Log("component", "leader", "err", err)
	}
	return nil
}
