package file

import (
	"time"

	"github.com/danjacques/gofslock/fslock"
	"github.com/pkg/errors"

	scanerr "github.com/dockpeek/scand/pkg/errors"
)

const (
	defaultLockAttempts   = 8
	defaultLockBackoff    = 10 * time.Millisecond
	defaultMaxLockBackoff = 500 * time.Millisecond
)

var errLockTimeout = errors.New("timed out waiting for cache lock")

// blocker returns an fslock.Blocker that sleeps between attempts,
// doubling the delay each time up to maxBackoff, and gives up after
// attempts tries.
func blocker(attempts int, backoff, maxBackoff time.Duration) fslock.Blocker {
	tried := 1
	delay := backoff
	return func() error {
		if tried >= attempts {
			return errLockTimeout
		}
		tried++
		time.Sleep(delay)
		if delay *= 2; delay > maxBackoff {
			delay = maxBackoff
		}
		return nil
	}
}

// withLock runs fn holding the sidecar lock, shared or exclusive.
// Failing to get the lock, for whatever reason, is reported as a
// transient error; errors from fn are returned as they are.
func (c *Cache) withLock(shared bool, fn func() error) error {
	b := blocker(c.attempts, c.backoff, c.maxBackoff)

	var ran bool
	locked := func() error {
		ran = true
		return fn()
	}

	var err error
	if shared {
		err = fslock.WithSharedBlocking(c.lockPath, b, locked)
	} else {
		err = fslock.WithBlocking(c.lockPath, b, locked)
	}
	if err == nil || ran {
		return err
	}
	return scanerr.TransientError(
		errors.Wrapf(err, "locking %s", c.lockPath),
		"The cache is busy; the operation will be retried on the next request.",
	)
}
