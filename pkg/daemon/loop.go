// Package daemon runs the periodic background work: queueing scans of
// images that have none, and refreshing version checks. Every process
// runs the loop, but only the holder of the scheduler lease does the
// work on any tick.
package daemon

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/go-kit/kit/log"
	"github.com/pkg/errors"
	"golang.org/x/sync/errgroup"

	"github.com/dockpeek/scand/pkg/cache/file"
	scanerr "github.com/dockpeek/scand/pkg/errors"
	"github.com/dockpeek/scand/pkg/image"
	"github.com/dockpeek/scand/pkg/leader"
	scanmetrics "github.com/dockpeek/scand/pkg/metrics"
	"github.com/dockpeek/scand/pkg/registry"
)

type Submitter interface {
	Submit(ref image.CanonicalRef) (bool, error)
}

type StatusReader interface {
	Eligible(ref image.CanonicalRef) bool
}

type Leaser interface {
	TryAcquire() (bool, leader.Lease, error)
}

type HealthChecker interface {
	Healthy(ctx context.Context) bool
}

// CacheFile is a cache kept in a file, whose stats are logged and
// whose expired entries are pruned by the leader.
type CacheFile interface {
	Stats() (file.Stats, error)
	Prune() (int, error)
}

const defaultRenewInterval = 30 * time.Second

type LoopVars struct {
	RefreshInterval     time.Duration
	RefreshInitialDelay time.Duration
	VersionInterval     time.Duration
	VersionInitialDelay time.Duration
	// RenewInterval is how often the lease is renewed between ticks.
	RenewInterval      time.Duration
	VersionConcurrency int

	initOnce    sync.Once
	refreshSoon chan struct{}
}

func (loop *LoopVars) ensureInit() {
	loop.initOnce.Do(func() {
		loop.refreshSoon = make(chan struct{}, 1)
	})
}

// Loop does the background work. Source, Submitter, Status and Lease
// are required; with no Versions, version checks are skipped, and
// with no Health check the scanner is assumed to be up.
type Loop struct {
	Source    ImageSource
	Submitter Submitter
	Status    StatusReader
	Lease     Leaser
	Versions  registry.VersionChecker
	Health    HealthChecker
	Caches    map[string]CacheFile
	// Exclude holds glob patterns of images never scanned in the
	// background.
	Exclude []string
	Logger  log.Logger

	*LoopVars
}

func (l *Loop) Run(stop <-chan struct{}, wg *sync.WaitGroup) {
	defer wg.Done()
	l.ensureInit()
	logger := l.Logger
	if logger == nil {
		logger = log.NewNopLogger()
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go func() {
		<-stop
		cancel()
	}()

	renewEvery := l.RenewInterval
	if renewEvery <= 0 {
		renewEvery = defaultRenewInterval
	}
	renew := time.NewTicker(renewEvery)
	defer renew.Stop()
	refreshTimer := time.NewTimer(l.RefreshInitialDelay)
	versionTimer := time.NewTimer(l.VersionInitialDelay)
	if l.Versions == nil {
		versionTimer.Stop()
		logger.Log("info", "no version checker; version refresh disabled")
	}

	l.lead(logger)
	for {
		select {
		case <-stop:
			logger.Log("stopping", "true")
			return
		case <-renew.C:
			l.lead(logger)
		case <-l.refreshSoon:
			if !refreshTimer.Stop() {
				select {
				case <-refreshTimer.C:
				default:
				}
			}
			l.refreshScansTick(ctx, logger)
			refreshTimer.Reset(l.RefreshInterval)
		case <-refreshTimer.C:
			l.refreshScansTick(ctx, logger)
			refreshTimer.Reset(l.RefreshInterval)
		case <-versionTimer.C:
			l.refreshVersionsTick(ctx, logger)
			versionTimer.Reset(l.VersionInterval)
		}
	}
}

// AskForRefresh asks for a scan refresh now, or if there's one
// waiting, lets that happen.
func (loop *LoopVars) AskForRefresh() {
	loop.ensureInit()
	select {
	case loop.refreshSoon <- struct{}{}:
	default:
	}
}

// lead takes or renews the lease, and says whether this process may
// do the work.
func (l *Loop) lead(logger log.Logger) bool {
	ok, _, err := l.Lease.TryAcquire()
	if err != nil {
		logger.Log("warning", "could not acquire scheduler lease", "err", err)
		ok = false
	}
	if ok {
		isLeader.Set(1)
	} else {
		isLeader.Set(0)
	}
	return ok
}

func (l *Loop) refreshScansTick(ctx context.Context, logger log.Logger) bool {
	if !l.lead(logger) {
		return false
	}
	started := time.Now()
	n, err := l.RefreshScans(ctx)
	refreshDuration.With(
		scanmetrics.LabelJob, "scans",
		scanmetrics.LabelSuccess, fmt.Sprint(err == nil),
	).Observe(time.Since(started).Seconds())
	if err != nil {
		logger.Log("job", "scans", "err", err)
	} else if n > 0 {
		logger.Log("job", "scans", "queued", n, "took", time.Since(started).Round(time.Millisecond))
	}
	l.housekeeping(logger)
	return true
}

func (l *Loop) refreshVersionsTick(ctx context.Context, logger log.Logger) bool {
	if !l.lead(logger) {
		return false
	}
	started := time.Now()
	n, err := l.RefreshVersions(ctx)
	refreshDuration.With(
		scanmetrics.LabelJob, "versions",
		scanmetrics.LabelSuccess, fmt.Sprint(err == nil),
	).Observe(time.Since(started).Seconds())
	if err != nil {
		logger.Log("job", "versions", "err", err)
		return true
	}
	logger.Log("job", "versions", "updates", n, "took", time.Since(started).Round(time.Millisecond))
	return true
}

// RefreshScans queues a scan of every image in use that has none,
// pending or finished. Images flagged to be skipped or matching an
// Exclude pattern are left alone, and nothing is queued while the
// scanner is unhealthy. It returns the number of scans queued.
func (l *Loop) RefreshScans(ctx context.Context) (int, error) {
	logger := l.logger()
	if l.Health != nil && !l.Health.Healthy(ctx) {
		logger.Log("warning", "scanner unhealthy; not queueing scans")
		return 0, nil
	}
	targets, err := l.Source.Images(ctx)
	if err != nil {
		return 0, errors.Wrap(err, "listing images in use")
	}

	seen := map[string]bool{}
	var queued int
	for _, target := range targets {
		if target.Skip {
			continue
		}
		ref, err := image.Normalize(target.Ref)
		if err != nil {
			logger.Log("warning", "not scanning invalid image reference", "image", target.Ref, "err", err)
			continue
		}
		if seen[ref.String()] || Excluded(l.Exclude, ref) {
			continue
		}
		seen[ref.String()] = true
		if !l.Status.Eligible(ref) {
			continue
		}
		ok, err := l.Submitter.Submit(ref)
		switch {
		case err != nil && scanerr.IsTransient(err):
			// The queue is full; the rest wait for the next tick.
			logger.Log("warning", "stopped queueing scans", "queued", queued, "err", err)
			return queued, nil
		case err != nil:
			return queued, err
		case ok:
			queued++
			autoQueued.Add(1)
		}
	}
	return queued, nil
}

// RefreshVersions checks every image in use for newer versions, a
// few at a time. Failed checks are logged and skipped. It returns the
// number of images with a newer version.
func (l *Loop) RefreshVersions(ctx context.Context) (int, error) {
	if l.Versions == nil {
		return 0, nil
	}
	logger := l.logger()
	targets, err := l.Source.Images(ctx)
	if err != nil {
		return 0, errors.Wrap(err, "listing images in use")
	}

	var (
		mu      sync.Mutex
		updates int
		seen    = map[string]bool{}
	)
	g, ctx := errgroup.WithContext(ctx)
	limit := l.VersionConcurrency
	if limit < 1 {
		limit = 1
	}
	g.SetLimit(limit)
	for _, target := range targets {
		ref, err := image.Normalize(target.Ref)
		if err != nil || seen[ref.String()] {
			continue
		}
		seen[ref.String()] = true
		g.Go(func() error {
			info, err := l.Versions.Check(ctx, ref)
			if err != nil {
				logger.Log("warning", "version check failed", "image", ref.String(), "err", err)
				return nil
			}
			if info != nil && info.IsNewer {
				logger.Log("info", "newer version available", "image", ref.String(), "tag", info.Tag)
				mu.Lock()
				updates++
				mu.Unlock()
			}
			return nil
		})
	}
	err = g.Wait()
	return updates, err
}

func (l *Loop) housekeeping(logger log.Logger) {
	for name, c := range l.Caches {
		pruned, err := c.Prune()
		if err != nil {
			logger.Log("cache", name, "err", err)
			continue
		}
		stats, err := c.Stats()
		if err != nil {
			logger.Log("cache", name, "err", err)
			continue
		}
		logger.Log("cache", name, "pruned", pruned, "stats", stats.String())
	}
}

func (l *Loop) logger() log.Logger {
	if l.Logger == nil {
		return log.NewNopLogger()
	}
	return l.Logger
}
