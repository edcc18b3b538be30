package scan

import (
	"encoding/json"
	"sort"
	"sync"
	"time"

	"github.com/go-kit/kit/log"
	"github.com/google/uuid"
	"github.com/pkg/errors"

	"github.com/dockpeek/scand/pkg/cache"
	scanerr "github.com/dockpeek/scand/pkg/errors"
	"github.com/dockpeek/scand/pkg/image"
)

type Config struct {
	Cache cache.Client
	// Enabled is false when no scanner is configured; every image then
	// reads as skipped.
	Enabled bool

	// ResultTTL is how long a successful scan stands.
	ResultTTL time.Duration
	// FailureTTL is how long a timed out or errored scan stands
	// before the image is tried again.
	FailureTTL time.Duration
	// PendingTTL is how long an image may stay pending before it is
	// considered abandoned and can be queued again.
	PendingTTL time.Duration

	// ID tells this process's pending marks from those of others. It
	// defaults to a random ID.
	ID string

	// History, if set, is given every scan result.
	History *History

	Logger log.Logger
	Now    func() time.Time
}

// Store keeps per-image scan state in a shared cache, so that every
// process sees the same state. It also remembers what this process
// last saw of each image, to answer from when the cache is busy.
type Store struct {
	cache      cache.Client
	enabled    bool
	resultTTL  time.Duration
	failureTTL time.Duration
	pendingTTL time.Duration
	id         string
	history    *History
	logger     log.Logger
	now        func() time.Time

	mu    sync.RWMutex
	index map[string]indexed
}

type indexed struct {
	record  Record
	expires time.Time
}

func NewStore(config Config) (*Store, error) {
	if config.Enabled {
		if config.Cache == nil {
			return nil, errors.New("scan state store needs a cache")
		}
		if config.ResultTTL <= 0 || config.FailureTTL <= 0 || config.PendingTTL <= 0 {
			return nil, errors.New("scan result, failure and pending TTLs must all be positive")
		}
	}
	s := &Store{
		cache:      config.Cache,
		enabled:    config.Enabled,
		resultTTL:  config.ResultTTL,
		failureTTL: config.FailureTTL,
		pendingTTL: config.PendingTTL,
		id:         config.ID,
		history:    config.History,
		logger:     config.Logger,
		now:        config.Now,
		index:      map[string]indexed{},
	}
	if s.logger == nil {
		s.logger = log.NewNopLogger()
	}
	if s.now == nil {
		s.now = time.Now
	}
	if s.id == "" {
		s.id = uuid.New().String()
	}
	return s, nil
}

func (s *Store) Enabled() bool {
	return s.enabled
}

func (s *Store) PendingTTL() time.Duration {
	return s.pendingTTL
}

// GetStatus returns the current record for an image. It never fails:
// an image with no record, or whose record has expired, is
// not_scanned, and nothing is written.
func (s *Store) GetStatus(ref image.CanonicalRef) Record {
	if !s.enabled {
		return Record{Image: ref.String(), Status: Skipped}
	}

	var rec Record
	expiry, err := cache.GetJSON(s.cache, cache.NewScanKey(ref), &rec)
	switch {
	case err == nil:
		rec.ExpiresAt = &expiry
		s.remember(rec, expiry)
		return rec
	case scanerr.IsMissing(err):
		s.drop(ref)
		return Record{Image: ref.String(), Status: NotScanned}
	}

	s.logger.Log("warning", "scan state unavailable; answering from local view", "image", ref.String(), "err", err)
	if rec, ok := s.recall(ref); ok {
		return rec
	}
	return Record{Image: ref.String(), Status: NotScanned}
}

// Eligible says whether the background refresh should queue ref. Only
// not_scanned images are: anything pending, skipped, or with an
// unexpired result (good or bad) is left alone.
func (s *Store) Eligible(ref image.CanonicalRef) bool {
	return s.GetStatus(ref).Status == NotScanned
}

// MarkPending records that ref has been queued. It reports false, and
// changes nothing, if the image is already pending or has an
// unexpired result, in this process or any other.
func (s *Store) MarkPending(ref image.CanonicalRef) (bool, error) {
	if !s.enabled {
		return false, nil
	}

	var (
		rec    Record
		marked bool
		now    = s.now().UTC()
	)
	err := s.cache.UpdateKey(cache.NewScanKey(ref), func(current []byte, found bool) ([]byte, time.Duration, error) {
		if found {
			var existing Record
			if err := json.Unmarshal(current, &existing); err == nil && existing.Status != NotScanned {
				rec = existing
				return nil, 0, cache.ErrNoUpdate
			}
		}
		rec = Record{Image: ref.String(), Status: Pending, QueuedAt: &now, Claim: s.id}
		b, err := json.Marshal(rec)
		if err != nil {
			return nil, 0, err
		}
		marked = true
		return b, s.pendingTTL, nil
	})
	if err != nil {
		return false, errors.Wrapf(err, "marking %s pending", ref.String())
	}
	if marked {
		s.remember(rec, now.Add(s.pendingTTL))
	}
	return marked, nil
}

// RenewPending restamps this process's pending mark on a queued
// image, so that it does not lapse while the image waits for a
// worker. If the mark has already lapsed and nothing has replaced it,
// it is claimed again. It reports false when the image now belongs to
// another process, or has a result.
func (s *Store) RenewPending(ref image.CanonicalRef) (bool, error) {
	if !s.enabled {
		return false, nil
	}
	var (
		rec  Record
		ours bool
		now  = s.now().UTC()
	)
	err := s.cache.UpdateKey(cache.NewScanKey(ref), func(current []byte, found bool) ([]byte, time.Duration, error) {
		rec = Record{Image: ref.String(), Status: Pending, QueuedAt: &now, Claim: s.id}
		if found {
			var existing Record
			if err := json.Unmarshal(current, &existing); err == nil && existing.Status != NotScanned {
				if existing.Status != Pending || existing.Claim != s.id {
					return nil, 0, cache.ErrNoUpdate
				}
				rec = existing
			}
		}
		b, err := json.Marshal(rec)
		if err != nil {
			return nil, 0, err
		}
		ours = true
		return b, s.pendingTTL, nil
	})
	if err != nil {
		return false, errors.Wrapf(err, "renewing pending mark of %s", ref.String())
	}
	if ours {
		s.remember(rec, now.Add(s.pendingTTL))
	}
	return ours, nil
}

// MarkRunning restamps the pending record when a worker starts on
// ref, so the pending window runs from the start of the scan. It
// reports false, and changes nothing, if the scan should not run
// after all: another process has since recorded a result that has not
// expired, or has queued the image itself.
func (s *Store) MarkRunning(ref image.CanonicalRef, attempt int) (bool, error) {
	if !s.enabled {
		return false, nil
	}
	var (
		rec Record
		run bool
		now = s.now().UTC()
	)
	err := s.cache.UpdateKey(cache.NewScanKey(ref), func(current []byte, found bool) ([]byte, time.Duration, error) {
		rec = Record{Image: ref.String(), Status: Pending, StartedAt: &now, Attempt: attempt, Claim: s.id}
		if found {
			var existing Record
			if err := json.Unmarshal(current, &existing); err == nil {
				switch {
				case existing.Status.Terminal():
					rec = existing
					return nil, 0, cache.ErrNoUpdate
				case existing.Status == Pending && existing.Claim != "" && existing.Claim != s.id:
					rec = existing
					return nil, 0, cache.ErrNoUpdate
				case existing.Status == Pending:
					rec.QueuedAt = existing.QueuedAt
				}
			}
		}
		b, err := json.Marshal(rec)
		if err != nil {
			return nil, 0, err
		}
		run = true
		return b, s.pendingTTL, nil
	})
	if err != nil {
		// Without the shared state, run the scan rather than lose it.
		rec = Record{Image: ref.String(), Status: Pending, StartedAt: &now, Attempt: attempt, Claim: s.id}
		if prev, ok := s.recall(ref); ok && prev.Status == Pending {
			rec.QueuedAt = prev.QueuedAt
		}
		s.remember(rec, now.Add(s.pendingTTL))
		return true, errors.Wrapf(err, "marking %s running", ref.String())
	}
	if run {
		s.remember(rec, now.Add(s.pendingTTL))
	}
	return run, nil
}

// MarkResult records the outcome of a scan. Successful scans stand
// for the result TTL; failures and errors for the failure TTL. The
// record is kept locally even if it cannot be written to the cache.
func (s *Store) MarkResult(ref image.CanonicalRef, outcome Outcome) (Record, error) {
	now := s.now().UTC()
	rec := Record{
		Image:     ref.String(),
		Status:    outcome.Status,
		ScannedAt: &now,
		Attempt:   outcome.Attempt,
	}

	var ttl time.Duration
	switch outcome.Status {
	case Scanned:
		counts := outcome.Report.Counts
		rec.Counts = &counts
		rec.Digest = outcome.Report.Digest
		rec.Vulnerabilities = outcome.Report.Vulnerabilities
		rec.ScanDurationSeconds = outcome.Report.Duration.Seconds()
		ttl = s.resultTTL
	case Failed, Errored:
		rec.ErrorReason = outcome.Reason
		ttl = s.failureTTL
	default:
		return Record{}, errors.Errorf("cannot record status %q as a scan result", outcome.Status)
	}
	if !s.enabled {
		return rec, nil
	}
	rec.ResultTTLSeconds = ttl.Seconds()
	if s.history != nil {
		found, err := s.history.Record(ref, rec)
		if err != nil {
			s.logger.Log("warning", "scan history not recorded", "image", ref.String(), "err", err)
		}
		rec.NewVulnerabilities = found
	}
	expires := now.Add(ttl)
	rec.ExpiresAt = &expires

	s.remember(rec, expires)
	stored := rec
	stored.ExpiresAt = nil
	if err := cache.SetJSON(s.cache, cache.NewScanKey(ref), ttl, stored); err != nil {
		return rec, errors.Wrapf(err, "recording scan result for %s", ref.String())
	}
	return rec, nil
}

// Forget removes any record of ref.
func (s *Store) Forget(ref image.CanonicalRef) error {
	s.drop(ref)
	if !s.enabled {
		return nil
	}
	return s.cache.DeleteKey(cache.NewScanKey(ref))
}

// Snapshot lists the unexpired records this process knows of, without
// their vulnerability lists.
func (s *Store) Snapshot() []Record {
	now := s.now()
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]Record, 0, len(s.index))
	for _, ix := range s.index {
		if now.Before(ix.expires) {
			out = append(out, ix.record.Summary())
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Image < out[j].Image })
	return out
}

func (s *Store) remember(rec Record, expires time.Time) {
	s.mu.Lock()
	s.index[rec.Image] = indexed{record: rec, expires: expires}
	s.mu.Unlock()
}

func (s *Store) recall(ref image.CanonicalRef) (Record, bool) {
	s.mu.RLock()
	ix, ok := s.index[ref.String()]
	s.mu.RUnlock()
	if !ok || !s.now().Before(ix.expires) {
		return Record{}, false
	}
	return ix.record, true
}

func (s *Store) drop(ref image.CanonicalRef) {
	s.mu.Lock()
	delete(s.index, ref.String())
	s.mu.Unlock()
}
