package leader

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/go-kit/kit/log"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"golang.org/x/sync/errgroup"
)

const leaseDuration = 90 * time.Second

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

func newGuard(t *testing.T, path, id string, c *clock) *Guard {
	g, err := NewGuard(Config{
		Path:     path,
		Duration: leaseDuration,
		HolderID: id,
		Logger:   log.NewNopLogger(),
		Now:      c.Now,
	})
	require.NoError(t, err)
	return g
}

func setup(t *testing.T) (string, *clock) {
	return filepath.Join(t.TempDir(), "scheduler.lock"), &clock{t: time.Date(2024, 3, 1, 12, 0, 0, 0, time.UTC)}
}

func TestFirstComerLeads(t *testing.T) {
	path, c := setup(t)
	a, b := newGuard(t, path, "a", c), newGuard(t, path, "b", c)

	ok, lease, err := a.TryAcquire()
	require.NoError(t, err)
	assert.True(t, ok)
	assert.Equal(t, "a", lease.HolderID)
	assert.Equal(t, c.Now().Add(leaseDuration), lease.RenewDeadline)

	ok, lease, err = b.TryAcquire()
	require.NoError(t, err)
	assert.False(t, ok)
	assert.Equal(t, "a", lease.HolderID)

	assert.True(t, a.IsLeader())
	assert.False(t, b.IsLeader())
	assert.Equal(t, "a", b.Current().HolderID)
}

func TestRenewalKeepsAcquiredAt(t *testing.T) {
	path, c := setup(t)
	a := newGuard(t, path, "a", c)

	_, first, err := a.TryAcquire()
	require.NoError(t, err)
	c.Advance(leaseDuration / 3)
	ok, renewed, err := a.TryAcquire()
	require.NoError(t, err)
	assert.True(t, ok)
	assert.Equal(t, first.AcquiredAt, renewed.AcquiredAt)
	assert.True(t, renewed.RenewDeadline.After(first.RenewDeadline))
}

func TestExpiredLeaseIsTakenOver(t *testing.T) {
	path, c := setup(t)
	a, b := newGuard(t, path, "a", c), newGuard(t, path, "b", c)

	ok, _, err := a.TryAcquire()
	require.NoError(t, err)
	require.True(t, ok)

	c.Advance(leaseDuration - time.Second)
	ok, _, _ = b.TryAcquire()
	assert.False(t, ok)

	c.Advance(time.Second)
	assert.False(t, a.IsLeader())
	ok, lease, err := b.TryAcquire()
	require.NoError(t, err)
	assert.True(t, ok)
	assert.Equal(t, c.Now(), lease.AcquiredAt)

	ok, _, err = a.TryAcquire()
	require.NoError(t, err)
	assert.False(t, ok)
}

func TestReleaseHandsOver(t *testing.T) {
	path, c := setup(t)
	a, b := newGuard(t, path, "a", c), newGuard(t, path, "b", c)

	ok, _, err := a.TryAcquire()
	require.NoError(t, err)
	require.True(t, ok)
	require.NoError(t, a.Release())
	assert.False(t, a.IsLeader())

	ok, _, err = b.TryAcquire()
	require.NoError(t, err)
	assert.True(t, ok)

	// Releasing a lease one does not hold changes nothing.
	require.NoError(t, a.Release())
	assert.Equal(t, "b", a.Current().HolderID)
	assert.True(t, b.IsLeader())
}

func TestCorruptLeaseIsFree(t *testing.T) {
	path, c := setup(t)
	require.NoError(t, os.WriteFile(path, []byte("{not json"), 0o644))

	a := newGuard(t, path, "a", c)
	ok, _, err := a.TryAcquire()
	require.NoError(t, err)
	assert.True(t, ok)
	assert.Equal(t, "a", a.Current().HolderID)
}

// Guards over one file stand in for worker processes; whatever the
// interleaving, no two may hold an unexpired lease at once.
func TestAtMostOneLeader(t *testing.T) {
	path, c := setup(t)
	var guards []*Guard
	for i := 0; i < 5; i++ {
		guards = append(guards, newGuard(t, path, fmt.Sprintf("worker-%d", i), c))
	}

	for round := 0; round < 30; round++ {
		var (
			mu      sync.Mutex
			winners []string
		)
		var g errgroup.Group
		for _, guard := range guards {
			guard := guard
			g.Go(func() error {
				ok, _, err := guard.TryAcquire()
				if ok {
					mu.Lock()
					winners = append(winners, guard.ID())
					mu.Unlock()
				}
				return err
			})
		}
		require.NoError(t, g.Wait())
		assert.LessOrEqual(t, len(winners), 1, "round %d: %v", round, winners)

		var leaders int
		for _, guard := range guards {
			if guard.IsLeader() {
				leaders++
			}
		}
		assert.LessOrEqual(t, leaders, 1, "round %d", round)

		// Every few rounds let the lease lapse entirely.
		if round%5 == 4 {
			c.Advance(leaseDuration)
		} else {
			c.Advance(leaseDuration / 3)
		}
	}
}

func TestHolderID(t *testing.T) {
	a, b := HolderID(), HolderID()
	assert.NotEqual(t, a, b)
	assert.True(t, strings.Contains(a, fmt.Sprintf("-%d-", os.Getpid())))
}
