package registry

import (
	"context"
	"time"

	"github.com/go-kit/kit/log"
	"github.com/google/go-containerregistry/pkg/v1/remote"
	"github.com/pkg/errors"

	"github.com/dockpeek/scand/pkg/cache"
	scanerr "github.com/dockpeek/scand/pkg/errors"
	"github.com/dockpeek/scand/pkg/image"
)

// VersionInfo describes a newer release of an image than the one in
// use.
type VersionInfo struct {
	Image     string    `json:"image"`
	Current   string    `json:"current_tag"`
	Tag       string    `json:"tag"`
	IsNewer   bool      `json:"is_newer"`
	IsStable  bool      `json:"is_stable"`
	CheckedAt time.Time `json:"checked_at"`
}

// VersionChecker finds a newer release of an image. A nil result with
// a nil error means there is none.
type VersionChecker interface {
	Check(ctx context.Context, ref image.CanonicalRef) (*VersionInfo, error)
}

// RemoteVersionChecker lists the tags of an image's repository and
// picks the newest release from them.
type RemoteVersionChecker struct {
	Client *Client
	Now    func() time.Time
}

func (c *RemoteVersionChecker) Check(ctx context.Context, ref image.CanonicalRef) (*VersionInfo, error) {
	if _, ok := ParseTag(ref.Tag); !ok {
		return nil, nil
	}
	repo, err := c.Client.repository(ref)
	if err != nil {
		return nil, errors.Wrapf(err, "parsing repository of %s", ref.String())
	}
	start := time.Now()
	tags, err := remote.List(repo, c.Client.options(ctx)...)
	observeRemote(RequestKindTags, err, start)
	if err != nil {
		return nil, errors.Wrapf(err, "listing tags of %s", repo.Name())
	}

	newest, ok := Newest(ref.Tag, tags)
	if !ok {
		return nil, nil
	}
	now := time.Now
	if c.Now != nil {
		now = c.Now
	}
	return &VersionInfo{
		Image:     ref.String(),
		Current:   ref.Tag,
		Tag:       newest.Name,
		IsNewer:   true,
		IsStable:  !newest.Unstable(),
		CheckedAt: now().UTC(),
	}, nil
}

// versionEntry is what is cached per image; a nil Info records that
// no newer version was found.
type versionEntry struct {
	Info *VersionInfo `json:"info"`
}

// CachedVersionChecker answers from the version cache, and asks its
// Checker only on a miss. Both outcomes of a check are cached,
// including finding nothing, so that repositories are not listed on
// every request.
type CachedVersionChecker struct {
	Cache   cache.Client
	Checker VersionChecker
	TTL     time.Duration
	Logger  log.Logger
}

func (c *CachedVersionChecker) Check(ctx context.Context, ref image.CanonicalRef) (*VersionInfo, error) {
	if info, ok := c.Cached(ref); ok {
		return info, nil
	}
	info, err := c.Checker.Check(ctx, ref)
	if err != nil {
		// Not cached, so the next refresh tries again.
		return nil, err
	}
	if err := cache.SetJSON(c.Cache, cache.NewVersionKey(ref), c.TTL, versionEntry{Info: info}); err != nil && c.Logger != nil {
		c.Logger.Log("warning", "version check not cached", "image", ref.String(), "err", err)
	}
	return info, nil
}

// Cached returns what is known about ref without going to the
// registry. The bool is false if nothing is cached.
func (c *CachedVersionChecker) Cached(ref image.CanonicalRef) (*VersionInfo, bool) {
	var entry versionEntry
	_, err := cache.GetJSON(c.Cache, cache.NewVersionKey(ref), &entry)
	if err != nil {
		if !scanerr.IsMissing(err) && c.Logger != nil {
			c.Logger.Log("warning", "version cache unavailable", "image", ref.String(), "err", err)
		}
		return nil, false
	}
	return entry.Info, true
}
