package dispatch

import (
	"context"
	"fmt"
	"path/filepath"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"
	"unicode/utf8"

	"github.com/go-kit/kit/log"
	"github.com/pkg/errors"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/dockpeek/scand/pkg/cache/file"
	"github.com/dockpeek/scand/pkg/image"
	"github.com/dockpeek/scand/pkg/scan"
	"github.com/dockpeek/scand/pkg/scanner"
)

type clock struct {
	mu sync.Mutex
	t  time.Time
}

func (c *clock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.t
}

func (c *clock) Advance(d time.Duration) {
	c.mu.Lock()
	c.t = c.t.Add(d)
	c.mu.Unlock()
}

func mustRef(t *testing.T, s string) image.CanonicalRef {
	r, err := image.Normalize(s)
	require.NoError(t, err)
	return r
}

func newStore(t *testing.T, now func() time.Time) *scan.Store {
	return newStoreAt(t, filepath.Join(t.TempDir(), "trivy_cache.json"), now)
}

func newStoreAt(t *testing.T, path string, now func() time.Time) *scan.Store {
	c, err := file.New(file.Config{
		Path:         path,
		LockAttempts: 200,
		LockBackoff:  time.Millisecond,
		Now:          now,
	})
	require.NoError(t, err)
	s, err := scan.NewStore(scan.Config{
		Cache:      c,
		Enabled:    true,
		ResultTTL:  24 * time.Hour,
		FailureTTL: time.Hour,
		PendingTTL: 4 * time.Minute,
		Logger:     log.NewNopLogger(),
		Now:        now,
	})
	require.NoError(t, err)
	return s
}

type harness struct {
	d     *Dispatcher
	store *scan.Store
	stop  chan struct{}
	wg    *sync.WaitGroup
}

func start(t *testing.T, s scanner.Scanner, store *scan.Store, config Config) *harness {
	config.Logger = log.NewNopLogger()
	if config.ScanTimeout == 0 {
		config.ScanTimeout = 5 * time.Second
	}
	if config.ShutdownGrace == 0 {
		config.ShutdownGrace = time.Second
	}
	d, err := New(s, store, config)
	require.NoError(t, err)
	h := &harness{d: d, store: store, stop: make(chan struct{}), wg: &sync.WaitGroup{}}
	h.wg.Add(1)
	go d.Run(h.stop, h.wg)
	return h
}

func (h *harness) shutdown() {
	select {
	case <-h.stop:
	default:
		close(h.stop)
	}
	h.wg.Wait()
}

func (h *harness) waitFor(t *testing.T, ref image.CanonicalRef, status scan.Status) {
	assert.Eventually(t, func() bool {
		return h.store.GetStatus(ref).Status == status
	}, 5*time.Second, 5*time.Millisecond, "waiting for %s to be %s", ref, status)
}

func TestNeverMoreThanWorkersConcurrent(t *testing.T) {
	var current, max int64
	slow := scanner.Func(func(ctx context.Context, ref string) (scanner.Report, error) {
		n := atomic.AddInt64(&current, 1)
		for {
			m := atomic.LoadInt64(&max)
			if n <= m || atomic.CompareAndSwapInt64(&max, m, n) {
				break
			}
		}
		time.Sleep(20 * time.Millisecond)
		atomic.AddInt64(&current, -1)
		return scanner.Report{Image: ref, Counts: scanner.Counts{Low: 1}}, nil
	})

	h := start(t, slow, newStore(t, time.Now), Config{Workers: 3, QueueSize: 64})
	defer h.shutdown()

	var refs []image.CanonicalRef
	for i := 0; i < 50; i++ {
		r := mustRef(t, fmt.Sprintf("registry.example/app%d:1.0", i))
		queued, err := h.d.Submit(r)
		require.NoError(t, err)
		require.True(t, queued)
		refs = append(refs, r)
	}

	for _, r := range refs {
		h.waitFor(t, r, scan.Scanned)
	}
	assert.Equal(t, int64(3), atomic.LoadInt64(&max))
	assert.Zero(t, h.d.Stats().Running)
}

func TestDuplicateSubmissions(t *testing.T) {
	gate := make(chan struct{})
	var calls int64
	blocked := scanner.Func(func(ctx context.Context, ref string) (scanner.Report, error) {
		atomic.AddInt64(&calls, 1)
		<-gate
		return scanner.Report{Image: ref}, nil
	})

	h := start(t, blocked, newStore(t, time.Now), Config{Workers: 2, QueueSize: 8})
	defer h.shutdown()
	r := mustRef(t, "nginx:1.25")

	queued, err := h.d.Submit(r)
	require.NoError(t, err)
	assert.True(t, queued)
	queued, err = h.d.Submit(r)
	require.NoError(t, err)
	assert.False(t, queued)

	close(gate)
	h.waitFor(t, r, scan.Scanned)

	queued, err = h.d.Submit(r)
	require.NoError(t, err)
	assert.False(t, queued, "an unexpired result must not be rescanned")
	assert.Equal(t, int64(1), atomic.LoadInt64(&calls))
}

// gatedScanner blocks scans of one image until its gate is opened,
// and counts the scans of every image.
type gatedScanner struct {
	blocked string
	started chan struct{}
	gate    chan struct{}

	mu    sync.Mutex
	calls map[string]int
}

func newGatedScanner(blocked image.CanonicalRef) *gatedScanner {
	return &gatedScanner{
		blocked: blocked.String(),
		started: make(chan struct{}, 1),
		gate:    make(chan struct{}),
		calls:   map[string]int{},
	}
}

func (g *gatedScanner) Scan(ctx context.Context, ref string) (scanner.Report, error) {
	g.mu.Lock()
	g.calls[ref]++
	g.mu.Unlock()
	if ref == g.blocked {
		g.started <- struct{}{}
		<-g.gate
	}
	return scanner.Report{Image: ref}, nil
}

func (g *gatedScanner) Calls(ref image.CanonicalRef) int {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.calls[ref.String()]
}

// Two stores over one cache file stand in for two processes.
func TestQueuedScanSkippedWhenScannedElsewhere(t *testing.T) {
	c := &clock{t: time.Date(2024, 3, 1, 12, 0, 0, 0, time.UTC)}
	path := filepath.Join(t.TempDir(), "trivy_cache.json")
	here, there := newStoreAt(t, path, c.Now), newStoreAt(t, path, c.Now)
	first, second := mustRef(t, "first:1"), mustRef(t, "second:1")

	gated := newGatedScanner(first)
	h := start(t, gated, here, Config{Workers: 1, QueueSize: 4, PendingRefresh: time.Hour})
	defer h.shutdown()

	_, err := h.d.Submit(first)
	require.NoError(t, err)
	<-gated.started
	queued, err := h.d.Submit(second)
	require.NoError(t, err)
	require.True(t, queued)

	// The queue outlasts the pending mark, and the other process
	// scans the image meanwhile.
	c.Advance(5 * time.Minute)
	require.True(t, there.Eligible(second))
	_, err = there.MarkResult(second, scan.Succeeded(scanner.Report{Counts: scanner.Counts{Low: 1}}))
	require.NoError(t, err)

	close(gated.gate)
	h.waitFor(t, first, scan.Scanned)
	assert.Eventually(t, func() bool { return h.d.Stats().Skipped == 1 }, 5*time.Second, 5*time.Millisecond)
	assert.Equal(t, 1, gated.Calls(first))
	assert.Equal(t, 0, gated.Calls(second))
	rec := here.GetStatus(second)
	assert.Equal(t, scan.Scanned, rec.Status)
	require.NotNil(t, rec.Counts)
	assert.Equal(t, 1, rec.Counts.Low)
}

func TestQueuedScansKeepTheirPendingMark(t *testing.T) {
	c := &clock{t: time.Date(2024, 3, 1, 12, 0, 0, 0, time.UTC)}
	path := filepath.Join(t.TempDir(), "trivy_cache.json")
	here, there := newStoreAt(t, path, c.Now), newStoreAt(t, path, c.Now)
	first, second := mustRef(t, "first:1"), mustRef(t, "second:1")

	gated := newGatedScanner(first)
	h := start(t, gated, here, Config{Workers: 1, QueueSize: 4, PendingRefresh: 10 * time.Millisecond})
	defer h.shutdown()
	defer close(gated.gate)

	_, err := h.d.Submit(first)
	require.NoError(t, err)
	<-gated.started
	_, err = h.d.Submit(second)
	require.NoError(t, err)

	c.Advance(3 * time.Minute)
	assert.Eventually(t, func() bool {
		rec := there.GetStatus(second)
		return rec.Status == scan.Pending && rec.ExpiresAt != nil && rec.ExpiresAt.After(c.Now().Add(time.Minute))
	}, 5*time.Second, 5*time.Millisecond, "pending mark of a queued scan was not renewed")

	c.Advance(3 * time.Minute)
	assert.False(t, there.Eligible(second))
	queued, err := there.MarkPending(second)
	require.NoError(t, err)
	assert.False(t, queued)
}

func TestTimeoutIsRecordedAsFailedAndNotRetriedEarly(t *testing.T) {
	c := &clock{t: time.Date(2024, 3, 1, 12, 0, 0, 0, time.UTC)}
	var calls int64
	hang := scanner.Func(func(ctx context.Context, ref string) (scanner.Report, error) {
		atomic.AddInt64(&calls, 1)
		<-ctx.Done()
		return scanner.Report{}, errors.Wrap(scanner.ErrTimeout, ctx.Err().Error())
	})

	h := start(t, hang, newStore(t, c.Now), Config{Workers: 1, QueueSize: 4, ScanTimeout: 50 * time.Millisecond})
	defer h.shutdown()
	r := mustRef(t, "priv.registry.example/app:1.0")

	queued, err := h.d.Submit(r)
	require.NoError(t, err)
	require.True(t, queued)
	h.waitFor(t, r, scan.Failed)

	rec := h.store.GetStatus(r)
	assert.Equal(t, scan.ReasonTimeout, rec.ErrorReason)
	assert.Nil(t, rec.Counts)

	c.Advance(5 * time.Minute)
	assert.False(t, h.store.Eligible(r))
	queued, err = h.d.Submit(r)
	require.NoError(t, err)
	assert.False(t, queued)

	c.Advance(time.Hour)
	assert.True(t, h.store.Eligible(r))
	queued, err = h.d.Submit(r)
	require.NoError(t, err)
	assert.True(t, queued)
	assert.Eventually(t, func() bool { return atomic.LoadInt64(&calls) == 2 }, 5*time.Second, 5*time.Millisecond)
}

func TestScannerErrorIsRecorded(t *testing.T) {
	broken := scanner.Func(func(ctx context.Context, ref string) (scanner.Report, error) {
		return scanner.Report{}, &scanner.ExitError{Code: 1, Stderr: "unable to pull image"}
	})
	var notified []scan.Record
	var mu sync.Mutex
	h := start(t, broken, newStore(t, time.Now), Config{
		Workers:   1,
		QueueSize: 4,
		Notify: func(rec scan.Record) {
			mu.Lock()
			notified = append(notified, rec)
			mu.Unlock()
		},
	})
	defer h.shutdown()
	r := mustRef(t, "ghcr.io/acme/tool:2")

	_, err := h.d.Submit(r)
	require.NoError(t, err)
	h.waitFor(t, r, scan.Errored)

	assert.Contains(t, h.store.GetStatus(r).ErrorReason, "unable to pull image")
	assert.Eventually(t, func() bool {
		mu.Lock()
		defer mu.Unlock()
		return len(notified) == 1
	}, time.Second, 5*time.Millisecond)
}

func TestClassify(t *testing.T) {
	report := scanner.Report{Counts: scanner.Counts{High: 1}}
	assert.Equal(t, scan.Scanned, Classify(report, nil).Status)
	assert.Equal(t, scan.Failed, Classify(scanner.Report{}, errors.Wrap(context.DeadlineExceeded, "exec")).Status)
	assert.Equal(t, scan.Failed, Classify(scanner.Report{}, scanner.ErrTimeout).Status)

	long := make([]byte, 2000)
	for i := range long {
		long[i] = 'x'
	}
	out := Classify(scanner.Report{}, errors.New(string(long)))
	assert.Equal(t, scan.Errored, out.Status)
	assert.Len(t, out.Reason, maxReason)

	out = Classify(scanner.Report{}, errors.New(strings.Repeat("x", maxReason-1)+"ü and more"))
	assert.True(t, utf8.ValidString(out.Reason))
	assert.Len(t, out.Reason, maxReason-1)
}

func TestQueueFullRollsBack(t *testing.T) {
	started := make(chan struct{}, 1)
	gate := make(chan struct{})
	blocked := scanner.Func(func(ctx context.Context, ref string) (scanner.Report, error) {
		started <- struct{}{}
		<-gate
		return scanner.Report{Image: ref}, nil
	})
	h := start(t, blocked, newStore(t, time.Now), Config{Workers: 1, QueueSize: 1})
	defer h.shutdown()
	defer close(gate)

	a, b, c := mustRef(t, "a:1"), mustRef(t, "b:1"), mustRef(t, "c:1")
	_, err := h.d.Submit(a)
	require.NoError(t, err)
	<-started

	queued, err := h.d.Submit(b)
	require.NoError(t, err)
	assert.True(t, queued)

	queued, err = h.d.Submit(c)
	assert.Equal(t, ErrQueueFull, err)
	assert.False(t, queued)
	assert.Equal(t, scan.NotScanned, h.store.GetStatus(c).Status)

	stats := h.d.Stats()
	assert.Equal(t, 1, stats.Queued)
	assert.Equal(t, 1, stats.Running)
}

func TestShutdownCancelsAfterGrace(t *testing.T) {
	started := make(chan struct{}, 1)
	hang := scanner.Func(func(ctx context.Context, ref string) (scanner.Report, error) {
		started <- struct{}{}
		<-ctx.Done()
		return scanner.Report{}, ctx.Err()
	})
	h := start(t, hang, newStore(t, time.Now), Config{
		Workers:       1,
		QueueSize:     4,
		ScanTimeout:   time.Minute,
		ShutdownGrace: 20 * time.Millisecond,
	})
	r := mustRef(t, "nginx")
	_, err := h.d.Submit(r)
	require.NoError(t, err)
	<-started

	done := make(chan struct{})
	go func() {
		h.shutdown()
		close(done)
	}()
	select {
	case <-done:
	case <-time.After(5 * time.Second):
		t.Fatal("dispatcher did not stop")
	}

	// An abandoned scan leaves the pending mark to expire.
	assert.Equal(t, scan.Pending, h.store.GetStatus(r).Status)
	_, err = h.d.Submit(mustRef(t, "redis"))
	assert.Equal(t, ErrStopped, err)
	assert.True(t, h.d.Stats().Stopped)
}

func TestShutdownLetsRunningScansFinish(t *testing.T) {
	started := make(chan struct{}, 1)
	quick := scanner.Func(func(ctx context.Context, ref string) (scanner.Report, error) {
		started <- struct{}{}
		time.Sleep(30 * time.Millisecond)
		return scanner.Report{Image: ref}, nil
	})
	h := start(t, quick, newStore(t, time.Now), Config{Workers: 1, QueueSize: 4, ShutdownGrace: 5 * time.Second})
	r := mustRef(t, "nginx")
	_, err := h.d.Submit(r)
	require.NoError(t, err)
	<-started

	h.shutdown()
	assert.Equal(t, scan.Scanned, h.store.GetStatus(r).Status)
}

func TestDisabledSubmitsNothing(t *testing.T) {
	store, err := scan.NewStore(scan.Config{Enabled: false})
	require.NoError(t, err)
	h := start(t, scanner.Func(func(ctx context.Context, ref string) (scanner.Report, error) {
		t.Error("scanner must not run when scanning is disabled")
		return scanner.Report{}, nil
	}), store, Config{Workers: 1, QueueSize: 1})
	defer h.shutdown()

	queued, err := h.d.Submit(mustRef(t, "nginx"))
	assert.NoError(t, err)
	assert.False(t, queued)
	assert.Equal(t, scan.Skipped, store.GetStatus(mustRef(t, "nginx")).Status)
}
