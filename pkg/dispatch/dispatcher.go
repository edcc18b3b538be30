// Package dispatch runs image scans on a fixed pool of workers fed
// from a bounded queue.
package dispatch

import (
	"context"
	"sync"
	"sync/atomic"
	"time"

	"github.com/go-kit/kit/log"
	"github.com/pkg/errors"

	scanerr "github.com/dockpeek/scand/pkg/errors"
	"github.com/dockpeek/scand/pkg/image"
	scanmetrics "github.com/dockpeek/scand/pkg/metrics"
	"github.com/dockpeek/scand/pkg/scan"
	"github.com/dockpeek/scand/pkg/scanner"
)

const maxReason = 500

var (
	ErrQueueFull = &scanerr.Error{
		Type: scanerr.Transient,
		Err:  errors.New("scan queue is full"),
		Help: `The scan queue is full

Too many scans are waiting. The image will be picked up by a later
request or by the background refresh.
`,
	}

	ErrStopped = &scanerr.Error{
		Type: scanerr.Server,
		Err:  errors.New("scan dispatcher stopped"),
		Help: `Scanning has been shut down in this process.`,
	}
)

// Job is a queued request to scan one image.
type Job struct {
	Ref         image.CanonicalRef
	SubmittedAt time.Time
	Attempt     int
}

type Config struct {
	// Workers is the number of scans that may run at once.
	Workers int
	// QueueSize bounds the number of scans waiting for a worker.
	QueueSize int
	// ScanTimeout bounds each scan.
	ScanTimeout time.Duration
	// ShutdownGrace is how long running scans may take to finish once
	// stopping, before they are cancelled.
	ShutdownGrace time.Duration
	// PendingRefresh is how often the pending marks of queued scans
	// are renewed. Zero means a third of the store's pending TTL.
	PendingRefresh time.Duration

	Logger log.Logger
	// Notify, if set, is called with the record of every completed
	// scan, from the worker that ran it.
	Notify func(scan.Record)
}

// Dispatcher accepts scan submissions and runs them on its workers,
// recording outcomes in the store.
type Dispatcher struct {
	scanner scanner.Scanner
	store   *scan.Store
	config  Config
	logger  log.Logger

	queue    chan Job
	stopping chan struct{}
	ctx      context.Context
	cancel   context.CancelFunc
	running  int64
	skipped  int64

	mu       sync.Mutex
	inflight map[string]struct{}
	queued   map[string]image.CanonicalRef
	closed   bool
}

func New(s scanner.Scanner, store *scan.Store, config Config) (*Dispatcher, error) {
	if s == nil || store == nil {
		return nil, errors.New("dispatcher needs a scanner and a store")
	}
	if config.Workers < 1 {
		return nil, errors.Errorf("worker count must be at least 1, got %d", config.Workers)
	}
	if config.QueueSize < 1 {
		return nil, errors.Errorf("queue size must be at least 1, got %d", config.QueueSize)
	}
	if config.ScanTimeout <= 0 {
		return nil, errors.New("scan timeout must be positive")
	}
	if config.Logger == nil {
		config.Logger = log.NewNopLogger()
	}
	if config.PendingRefresh <= 0 {
		config.PendingRefresh = store.PendingTTL() / 3
	}
	ctx, cancel := context.WithCancel(context.Background())
	return &Dispatcher{
		scanner:  s,
		store:    store,
		config:   config,
		logger:   log.With(config.Logger, "component", "dispatcher"),
		queue:    make(chan Job, config.QueueSize),
		stopping: make(chan struct{}),
		ctx:      ctx,
		cancel:   cancel,
		inflight: map[string]struct{}{},
		queued:   map[string]image.CanonicalRef{},
	}, nil
}

// Submit queues a scan of ref. It reports whether a scan was queued;
// (false, nil) means there was nothing to do, because scanning is
// disabled, or the image is already queued or running here, already
// pending in another process, or has a result that has not expired.
func (d *Dispatcher) Submit(ref image.CanonicalRef) (bool, error) {
	if !d.store.Enabled() {
		submissions.With(scanmetrics.LabelResult, "disabled").Add(1)
		return false, nil
	}
	key := ref.String()

	d.mu.Lock()
	if d.closed {
		d.mu.Unlock()
		submissions.With(scanmetrics.LabelResult, "stopped").Add(1)
		return false, ErrStopped
	}
	if _, ok := d.inflight[key]; ok {
		d.mu.Unlock()
		submissions.With(scanmetrics.LabelResult, "duplicate").Add(1)
		return false, nil
	}
	d.inflight[key] = struct{}{}
	d.mu.Unlock()

	marked, err := d.store.MarkPending(ref)
	switch {
	case err != nil:
		// The shared state is unavailable; queue anyway, since this
		// process at least won't duplicate it.
		d.logger.Log("warning", "could not mark image pending", "image", key, "err", err)
	case !marked:
		d.release(key)
		submissions.With(scanmetrics.LabelResult, "duplicate").Add(1)
		return false, nil
	}

	d.mu.Lock()
	d.queued[key] = ref
	d.mu.Unlock()

	select {
	case d.queue <- Job{Ref: ref, SubmittedAt: time.Now(), Attempt: 1}:
		queueLength.Set(float64(len(d.queue)))
		submissions.With(scanmetrics.LabelResult, "queued").Add(1)
		return true, nil
	default:
		d.dequeued(key)
		d.release(key)
		if marked {
			if err := d.store.Forget(ref); err != nil {
				d.logger.Log("warning", "could not clear pending mark", "image", key, "err", err)
			}
		}
		submissions.With(scanmetrics.LabelResult, "queue_full").Add(1)
		return false, ErrQueueFull
	}
}

// Run starts the workers, and stops them when stop is closed. Scans
// already running get ShutdownGrace to finish; after that they are
// cancelled and their images left pending, to be picked up again once
// the pending mark expires. Queued scans are dropped the same way.
func (d *Dispatcher) Run(stop <-chan struct{}, wg *sync.WaitGroup) {
	defer wg.Done()

	var workers sync.WaitGroup
	for i := 0; i < d.config.Workers; i++ {
		workers.Add(1)
		go d.work(&workers)
	}
	if d.config.PendingRefresh > 0 {
		workers.Add(1)
		go d.keepPending(&workers)
	}
	d.logger.Log("info", "scan workers started", "workers", d.config.Workers, "queue", d.config.QueueSize)

	<-stop
	d.mu.Lock()
	d.closed = true
	d.mu.Unlock()
	close(d.stopping)

	done := make(chan struct{})
	go func() {
		workers.Wait()
		close(done)
	}()
	select {
	case <-done:
	case <-time.After(d.config.ShutdownGrace):
		d.logger.Log("warning", "scans still running after grace period; cancelling", "running", atomic.LoadInt64(&d.running))
		d.cancel()
		<-done
	}
	d.cancel()

	var dropped int
	for {
		select {
		case job := <-d.queue:
			d.dequeued(job.Ref.String())
			d.release(job.Ref.String())
			dropped++
			continue
		default:
		}
		break
	}
	queueLength.Set(0)
	d.logger.Log("stopping", "true", "dropped", dropped)
}

func (d *Dispatcher) work(wg *sync.WaitGroup) {
	defer wg.Done()
	for {
		// Prefer stopping over picking up more work.
		select {
		case <-d.stopping:
			return
		default:
		}
		select {
		case <-d.stopping:
			return
		case job := <-d.queue:
			queueLength.Set(float64(len(d.queue)))
			d.execute(job)
		}
	}
}

// keepPending renews the pending marks of queued scans until
// stopping, so that a long queue does not let them lapse and other
// processes queue the same images.
func (d *Dispatcher) keepPending(wg *sync.WaitGroup) {
	defer wg.Done()
	ticker := time.NewTicker(d.config.PendingRefresh)
	defer ticker.Stop()
	for {
		select {
		case <-d.stopping:
			return
		case <-ticker.C:
			d.renewQueued()
		}
	}
}

func (d *Dispatcher) renewQueued() {
	d.mu.Lock()
	refs := make([]image.CanonicalRef, 0, len(d.queued))
	for _, ref := range d.queued {
		refs = append(refs, ref)
	}
	d.mu.Unlock()

	for _, ref := range refs {
		ours, err := d.store.RenewPending(ref)
		switch {
		case err != nil:
			d.logger.Log("warning", "could not renew pending mark", "image", ref.String(), "err", err)
		case !ours:
			// The worker will find this out too, and skip it.
			d.logger.Log("info", "queued image claimed elsewhere", "image", ref.String())
		}
	}
}

func (d *Dispatcher) dequeued(key string) {
	d.mu.Lock()
	delete(d.queued, key)
	d.mu.Unlock()
}

func (d *Dispatcher) execute(job Job) {
	key := job.Ref.String()
	d.dequeued(key)
	defer d.release(key)
	logger := log.With(d.logger, "image", key)

	run, err := d.store.MarkRunning(job.Ref, job.Attempt)
	switch {
	case err != nil:
		logger.Log("warning", "could not mark scan running", "err", err)
	case !run:
		atomic.AddInt64(&d.skipped, 1)
		skips.Add(1)
		logger.Log("state", "skipped", "reason", "claimed or scanned by another process")
		return
	}

	atomic.AddInt64(&d.running, 1)
	scansInFlight.Add(1)
	started := time.Now()
	ctx, cancel := context.WithTimeout(d.ctx, d.config.ScanTimeout)
	report, err := d.scanner.Scan(ctx, key)
	cancel()
	took := time.Since(started)
	scansInFlight.Add(-1)
	atomic.AddInt64(&d.running, -1)

	if err != nil && d.ctx.Err() != nil {
		logger.Log("info", "scan abandoned at shutdown", "err", err)
		return
	}

	outcome := Classify(report, err)
	outcome.Attempt = job.Attempt
	scanDuration.With(scanmetrics.LabelOutcome, string(outcome.Status)).Observe(took.Seconds())

	rec, err := d.store.MarkResult(job.Ref, outcome)
	if err != nil {
		logger.Log("warning", "scan result not cached", "err", err)
	}
	switch outcome.Status {
	case scan.Scanned:
		logger.Log("state", "done", "status", outcome.Status, "total", outcome.Report.Counts.Total(),
			"waited", started.Sub(job.SubmittedAt).Round(time.Millisecond), "took", took.Round(time.Millisecond))
	default:
		logger.Log("state", "done", "status", outcome.Status, "reason", outcome.Reason, "took", took.Round(time.Millisecond))
	}
	if d.config.Notify != nil {
		d.config.Notify(rec)
	}
}

// Classify turns the result of a scan into an outcome: a report is a
// success, running out of time is a failure, anything else an error.
func Classify(report scanner.Report, err error) scan.Outcome {
	switch {
	case err == nil:
		return scan.Succeeded(report)
	case errors.Is(err, scanner.ErrTimeout), errors.Is(err, context.DeadlineExceeded):
		return scan.TimedOut()
	}
	return scan.Erred(scanner.Truncate(err.Error(), maxReason))
}

func (d *Dispatcher) release(key string) {
	d.mu.Lock()
	delete(d.inflight, key)
	d.mu.Unlock()
}

// Stats describes the dispatcher's current load.
type Stats struct {
	Workers  int  `json:"workers"`
	Capacity int  `json:"queue_capacity"`
	Queued   int  `json:"queued"`
	Running  int  `json:"running"`
	Skipped  int  `json:"skipped"`
	Stopped  bool `json:"stopped"`
}

func (d *Dispatcher) Stats() Stats {
	d.mu.Lock()
	closed := d.closed
	d.mu.Unlock()
	return Stats{
		Workers:  d.config.Workers,
		Capacity: cap(d.queue),
		Queued:   len(d.queue),
		Running:  int(atomic.LoadInt64(&d.running)),
		Skipped:  int(atomic.LoadInt64(&d.skipped)),
		Stopped:  closed,
	}
}
