package file

import (
	"bytes"
	"encoding/json"
	"io"
	"os"
	"path/filepath"
	"sort"
	"sync"
	"time"

	"github.com/dustin/go-humanize"
	"github.com/go-kit/kit/log"
	"github.com/pkg/errors"

	"github.com/dockpeek/scand/pkg/cache"
	scanerr "github.com/dockpeek/scand/pkg/errors"
)

// Config holds the settings for a file-backed cache.
type Config struct {
	// Path of the JSON document. A sidecar `<Path>.lock` is used for
	// the advisory lock, since the document itself is replaced on
	// every write.
	Path   string
	Logger log.Logger

	// Lock acquisition gives up (with a transient error) after
	// LockAttempts tries, sleeping LockBackoff, doubled each time up
	// to MaxLockBackoff, in between.
	LockAttempts   int
	LockBackoff    time.Duration
	MaxLockBackoff time.Duration

	Now func() time.Time
}

// Cache is a cache.Client kept in a single JSON file, safe for use
// by any number of goroutines and processes on one host.
type Cache struct {
	path, lockPath string
	logger         log.Logger
	attempts       int
	backoff        time.Duration
	maxBackoff     time.Duration
	now            func() time.Time

	// mu orders this process's goroutines; the file lock orders
	// processes.
	mu sync.RWMutex

	memoMu sync.Mutex
	memo   *snapshot
}

// entry is the on-disk form of a single cached value.
type entry struct {
	Value      json.RawMessage `json:"value"`
	StoredAt   time.Time       `json:"stored_at"`
	TTLSeconds float64         `json:"ttl_seconds"`
}

func (e entry) expiry() time.Time {
	return e.StoredAt.Add(time.Duration(e.TTLSeconds * float64(time.Second)))
}

func (e entry) expired(now time.Time) bool {
	return !now.Before(e.expiry())
}

type document map[string]entry

// snapshot remembers the last document parsed, and the file it came
// from, so that unchanged files are not parsed again.
type snapshot struct {
	info os.FileInfo
	doc  document
}

func (s *snapshot) matches(info os.FileInfo) bool {
	return s != nil &&
		os.SameFile(s.info, info) &&
		s.info.Size() == info.Size() &&
		s.info.ModTime().Equal(info.ModTime())
}

var _ cache.Client = &Cache{}

// New returns a Cache for the file at config.Path, creating the
// containing directory if necessary.
func New(config Config) (*Cache, error) {
	if config.Path == "" {
		return nil, errors.New("cache file path not supplied")
	}
	if err := os.MkdirAll(filepath.Dir(config.Path), 0o755); err != nil {
		return nil, errors.Wrapf(err, "creating directory for %s", config.Path)
	}
	c := &Cache{
		path:       config.Path,
		lockPath:   config.Path + ".lock",
		logger:     config.Logger,
		attempts:   config.LockAttempts,
		backoff:    config.LockBackoff,
		maxBackoff: config.MaxLockBackoff,
		now:        config.Now,
	}
	if c.logger == nil {
		c.logger = log.NewNopLogger()
	}
	c.logger = log.With(c.logger, "cache", filepath.Base(c.path))
	if c.attempts <= 0 {
		c.attempts = defaultLockAttempts
	}
	if c.backoff <= 0 {
		c.backoff = defaultLockBackoff
	}
	if c.maxBackoff < c.backoff {
		c.maxBackoff = defaultMaxLockBackoff
		if c.maxBackoff < c.backoff {
			c.maxBackoff = c.backoff
		}
	}
	if c.now == nil {
		c.now = time.Now
	}
	return c, nil
}

// Path returns the location of the cache document.
func (c *Cache) Path() string {
	return c.path
}

func (c *Cache) GetKey(k cache.Keyer) ([]byte, time.Time, error) {
	doc, err := c.load()
	if err != nil {
		return nil, time.Time{}, err
	}
	e, ok := doc[k.Key()]
	if !ok || e.expired(c.now()) {
		return nil, time.Time{}, cache.ErrNotCached
	}
	return []byte(e.Value), e.expiry(), nil
}

func (c *Cache) SetKey(k cache.Keyer, ttl time.Duration, v []byte) error {
	if ttl <= 0 {
		return errors.Errorf("non-positive time-to-live %s for %s", ttl, k.Key())
	}
	if !json.Valid(v) {
		return errors.Errorf("value for %s is not valid JSON", k.Key())
	}
	return c.rewrite(func(doc document, now time.Time) bool {
		doc[k.Key()] = entry{Value: v, StoredAt: now.UTC(), TTLSeconds: ttl.Seconds()}
		return true
	})
}

func (c *Cache) DeleteKey(k cache.Keyer) error {
	return c.rewrite(func(doc document, now time.Time) bool {
		if _, ok := doc[k.Key()]; !ok {
			return false
		}
		delete(doc, k.Key())
		return true
	})
}

// UpdateKey calls fn with the current value under the exclusive
// lock, and stores what it returns. If fn returns cache.ErrNoUpdate
// nothing is stored and UpdateKey returns nil. fn must not call back
// into the cache.
func (c *Cache) UpdateKey(k cache.Keyer, fn cache.UpdateFunc) error {
	var fnErr error
	err := c.rewrite(func(doc document, now time.Time) bool {
		var current []byte
		e, found := doc[k.Key()]
		if found {
			current = []byte(e.Value)
		}
		v, ttl, err := fn(current, found)
		switch {
		case err == cache.ErrNoUpdate:
			return false
		case err != nil:
			fnErr = err
			return false
		case ttl <= 0:
			fnErr = errors.Errorf("non-positive time-to-live %s for %s", ttl, k.Key())
			return false
		case !json.Valid(v):
			fnErr = errors.Errorf("value for %s is not valid JSON", k.Key())
			return false
		}
		doc[k.Key()] = entry{Value: v, StoredAt: now.UTC(), TTLSeconds: ttl.Seconds()}
		return true
	})
	if err != nil {
		return err
	}
	return fnErr
}

// Keys lists the unexpired keys, in order.
func (c *Cache) Keys() ([]string, error) {
	doc, err := c.load()
	if err != nil {
		return nil, err
	}
	now := c.now()
	var keys []string
	for k, e := range doc {
		if !e.expired(now) {
			keys = append(keys, k)
		}
	}
	sort.Strings(keys)
	return keys, nil
}

// Prune drops expired entries from the file, returning how many were
// removed. Writes prune anyway; this is for compacting a file that is
// only being read.
func (c *Cache) Prune() (int, error) {
	var removed int
	err := c.rewriteWith(func(current document) {
		now := c.now()
		for _, e := range current {
			if e.expired(now) {
				removed++
			}
		}
	}, func(document, time.Time) bool { return false })
	if err != nil {
		return 0, err
	}
	return removed, nil
}

// Clear removes every entry.
func (c *Cache) Clear() error {
	return c.rewrite(func(doc document, now time.Time) bool {
		for k := range doc {
			delete(doc, k)
		}
		return true
	})
}

// Stats describes the contents of a cache file.
type Stats struct {
	Path    string `json:"path"`
	Total   int    `json:"total_entries"`
	Valid   int    `json:"valid_entries"`
	Expired int    `json:"expired_entries"`
	Bytes   int64  `json:"size_bytes"`
}

func (s Stats) String() string {
	return humanize.Comma(int64(s.Valid)) + " valid / " +
		humanize.Comma(int64(s.Total)) + " entries, " +
		humanize.Bytes(uint64(s.Bytes))
}

func (c *Cache) Stats() (Stats, error) {
	stats := Stats{Path: c.path}
	doc, err := c.load()
	if err != nil {
		return stats, err
	}
	now := c.now()
	for _, e := range doc {
		stats.Total++
		if e.expired(now) {
			stats.Expired++
		} else {
			stats.Valid++
		}
	}
	if info, err := os.Stat(c.path); err == nil {
		stats.Bytes = info.Size()
	}
	return stats, nil
}

// load returns the current document under a shared lock. The result
// must not be modified.
func (c *Cache) load() (document, error) {
	c.mu.RLock()
	defer c.mu.RUnlock()

	var doc document
	err := c.withLock(true, func() error {
		var err error
		doc, err = c.read(true)
		return err
	})
	return doc, err
}

// read parses the document from disk. A missing file is an empty
// document; so is one that cannot be parsed, which is logged. When
// useMemo is set, a file identical to the one last parsed is not read
// again.
func (c *Cache) read(useMemo bool) (document, error) {
	f, err := os.Open(c.path)
	if os.IsNotExist(err) {
		return document{}, nil
	}
	if err != nil {
		return nil, scanerr.TransientError(errors.Wrapf(err, "opening %s", c.path), "The cache file could not be read.")
	}
	defer f.Close()

	info, err := f.Stat()
	if err != nil {
		return nil, scanerr.TransientError(errors.Wrapf(err, "stat %s", c.path), "The cache file could not be read.")
	}
	if useMemo {
		c.memoMu.Lock()
		memo := c.memo
		c.memoMu.Unlock()
		if memo.matches(info) {
			return memo.doc, nil
		}
	}

	b, err := io.ReadAll(f)
	if err != nil {
		return nil, scanerr.TransientError(errors.Wrapf(err, "reading %s", c.path), "The cache file could not be read.")
	}
	doc := document{}
	if len(bytes.TrimSpace(b)) > 0 {
		if err := json.Unmarshal(b, &doc); err != nil {
			c.logger.Log("warning", "cache file is corrupt; treating as empty", "path", c.path, "err", err)
			doc = document{}
		}
	}

	c.memoMu.Lock()
	c.memo = &snapshot{info: info, doc: doc}
	c.memoMu.Unlock()
	return doc, nil
}

func (c *Cache) rewrite(mutate func(doc document, now time.Time) bool) error {
	return c.rewriteWith(nil, mutate)
}

// rewriteWith is the single write path. Under the exclusive lock it
// re-reads the file, drops expired entries, applies mutate, and
// replaces the file if anything changed.
func (c *Cache) rewriteWith(inspect func(current document), mutate func(doc document, now time.Time) bool) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	return c.withLock(false, func() error {
		current, err := c.read(false)
		if err != nil {
			return err
		}
		if inspect != nil {
			inspect(current)
		}
		now := c.now()
		next := make(document, len(current)+1)
		for k, e := range current {
			if !e.expired(now) {
				next[k] = e
			}
		}
		pruned := len(next) != len(current)
		if !mutate(next, now) && !pruned {
			return nil
		}
		return c.write(next)
	})
}

// write replaces the document atomically: readers see either the old
// file or the new one, never a partial write.
func (c *Cache) write(doc document) error {
	b, err := json.Marshal(doc)
	if err != nil {
		return errors.Wrap(err, "encoding cache document")
	}

	tmp, err := os.CreateTemp(filepath.Dir(c.path), filepath.Base(c.path)+".tmp-*")
	if err != nil {
		return scanerr.TransientError(errors.Wrap(err, "creating temporary cache file"), "The cache file could not be written.")
	}
	cleanup := func(err error) error {
		tmp.Close()
		os.Remove(tmp.Name())
		return scanerr.TransientError(err, "The cache file could not be written.")
	}
	if _, err := tmp.Write(b); err != nil {
		return cleanup(errors.Wrapf(err, "writing %s", tmp.Name()))
	}
	if err := tmp.Chmod(0o644); err != nil {
		return cleanup(errors.Wrapf(err, "chmod %s", tmp.Name()))
	}
	if err := tmp.Sync(); err != nil {
		return cleanup(errors.Wrapf(err, "syncing %s", tmp.Name()))
	}
	if err := tmp.Close(); err != nil {
		os.Remove(tmp.Name())
		return scanerr.TransientError(errors.Wrapf(err, "closing %s", tmp.Name()), "The cache file could not be written.")
	}
	if err := os.Rename(tmp.Name(), c.path); err != nil {
		os.Remove(tmp.Name())
		return scanerr.TransientError(errors.Wrapf(err, "replacing %s", c.path), "The cache file could not be written.")
	}

	if info, err := os.Stat(c.path); err == nil {
		c.memoMu.Lock()
		c.memo = &snapshot{info: info, doc: doc}
		c.memoMu.Unlock()
	}
	return nil
}
