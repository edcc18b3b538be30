// Package leader elects, among the processes sharing a host, the one
// that runs periodic background work. Election is by a lease kept in
// a file: whoever holds an unexpired lease is the leader, and keeps
// the lease by renewing it before it runs out.
package leader

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/danjacques/gofslock/fslock"
	"github.com/go-kit/kit/log"
	"github.com/google/uuid"
	"github.com/pkg/errors"
)

// Lease is the content of the lease file.
type Lease struct {
	HolderID      string    `json:"holder_id"`
	AcquiredAt    time.Time `json:"acquired_at"`
	RenewDeadline time.Time `json:"renew_deadline"`
}

// Valid is true if the lease is held by someone at time now.
func (l Lease) Valid(now time.Time) bool {
	return l.HolderID != "" && now.Before(l.RenewDeadline)
}

type Config struct {
	// Path of the lease file. `<Path>.lock` guards changes to it.
	Path string
	// Duration is how long a lease lasts without renewal.
	Duration time.Duration
	// HolderID identifies this process; by default, see HolderID.
	HolderID string
	Logger   log.Logger
	Now      func() time.Time
}

// Guard takes and renews the lease on behalf of one process.
type Guard struct {
	path, lockPath string
	duration       time.Duration
	id             string
	logger         log.Logger
	now            func() time.Time

	mu    sync.Mutex
	lease Lease
}

func NewGuard(config Config) (*Guard, error) {
	if config.Path == "" {
		return nil, errors.New("lease file path not supplied")
	}
	if config.Duration <= 0 {
		return nil, errors.New("lease duration must be positive")
	}
	if err := os.MkdirAll(filepath.Dir(config.Path), 0o755); err != nil {
		return nil, errors.Wrapf(err, "creating directory for %s", config.Path)
	}
	g := &Guard{
		path:     config.Path,
		lockPath: config.Path + ".lock",
		duration: config.Duration,
		id:       config.HolderID,
		logger:   config.Logger,
		now:      config.Now,
	}
	if g.id == "" {
		g.id = HolderID()
	}
	if g.logger == nil {
		g.logger = log.NewNopLogger()
	}
	g.logger = log.With(g.logger, "component", "leader", "holder", g.id)
	if g.now == nil {
		g.now = time.Now
	}
	return g, nil
}

// HolderID makes an identity for this process that is unique across
// restarts and across hosts sharing the lease file.
func HolderID() string {
	host, err := os.Hostname()
	if err != nil || host == "" {
		host = "unknown"
	}
	return fmt.Sprintf("%s-%d-%s", host, os.Getpid(), uuid.New().String()[:8])
}

func (g *Guard) ID() string {
	return g.id
}

// TryAcquire takes the lease if it is free or expired, or renews it
// if this process already holds it. It never waits: if another
// process is busy with the lease file, this process is leader only if
// its own lease is still good.
func (g *Guard) TryAcquire() (bool, Lease, error) {
	g.mu.Lock()
	defer g.mu.Unlock()

	var (
		lease    Lease
		acquired bool
	)
	err := fslock.With(g.lockPath, func() error {
		now := g.now().UTC()
		current, ok := g.read()
		if ok && current.Valid(now) && current.HolderID != g.id {
			lease = current
			return nil
		}
		lease = Lease{HolderID: g.id, AcquiredAt: now, RenewDeadline: now.Add(g.duration)}
		if ok && current.Valid(now) {
			lease.AcquiredAt = current.AcquiredAt
		}
		if err := g.write(lease); err != nil {
			return err
		}
		acquired = true
		return nil
	})
	switch {
	case err == fslock.ErrLockHeld:
		held := g.lease.HolderID == g.id && g.lease.Valid(g.now())
		return held, g.lease, nil
	case err != nil:
		g.lease = Lease{}
		return false, Lease{}, errors.Wrapf(err, "acquiring lease %s", g.path)
	}

	wasLeader := g.lease.HolderID == g.id
	switch {
	case acquired && !wasLeader:
		g.logger.Log("info", "acquired scheduler lease", "until", lease.RenewDeadline)
	case !acquired && wasLeader:
		g.logger.Log("info", "lost scheduler lease", "to", lease.HolderID)
	}
	g.lease = lease
	return acquired, lease, nil
}

// IsLeader reports whether this process last saw itself holding a
// lease that has not yet expired.
func (g *Guard) IsLeader() bool {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.lease.HolderID == g.id && g.lease.Valid(g.now())
}

// Current reads the lease file as it stands. It returns the zero
// Lease if there is no readable lease.
func (g *Guard) Current() Lease {
	lease, _ := g.read()
	return lease
}

// Release gives up the lease, if held, by expiring it, so that
// another process can take over straight away.
func (g *Guard) Release() error {
	g.mu.Lock()
	defer g.mu.Unlock()
	if g.lease.HolderID != g.id {
		return nil
	}

	tries := 0
	err := fslock.WithBlocking(g.lockPath, func() error {
		if tries++; tries > 20 {
			return fslock.ErrLockHeld
		}
		time.Sleep(10 * time.Millisecond)
		return nil
	}, func() error {
		current, ok := g.read()
		if !ok || current.HolderID != g.id {
			return nil
		}
		current.RenewDeadline = g.now().UTC()
		return g.write(current)
	})
	g.lease = Lease{}
	if err != nil {
		return errors.Wrapf(err, "releasing lease %s", g.path)
	}
	g.logger.Log("info", "released scheduler lease")
	return nil
}

// read returns the lease in the file, and false if there is none. An
// unreadable lease counts as none.
func (g *Guard) read() (Lease, bool) {
	b, err := os.ReadFile(g.path)
	if err != nil {
		if !os.IsNotExist(err) {
			g.logger.Log("warning", "cannot read lease file", "err", err)
		}
		return Lease{}, false
	}
	var lease Lease
	if err := json.Unmarshal(b, &lease); err != nil {
		g.logger.Log("warning", "lease file is corrupt; treating as free", "err", err)
		return Lease{}, false
	}
	return lease, true
}

func (g *Guard) write(lease Lease) error {
	b, err := json.Marshal(lease)
	if err != nil {
		return err
	}
	tmp, err := os.CreateTemp(filepath.Dir(g.path), filepath.Base(g.path)+".tmp-*")
	if err != nil {
		return errors.Wrap(err, "creating temporary lease file")
	}
	if _, err = tmp.Write(b); err == nil {
		err = tmp.Chmod(0o644)
	}
	if cerr := tmp.Close(); err == nil {
		err = cerr
	}
	if err == nil {
		err = os.Rename(tmp.Name(), g.path)
	}
	if err != nil {
		os.Remove(tmp.Name())
		return errors.Wrapf(err, "writing %s", g.path)
	}
	return nil
}
