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

// PullComparison says whether pulling an image's tag again would get
// something other than what is running.
type PullComparison struct {
	Image           string    `json:"image"`
	LocalDigest     string    `json:"local_digest"`
	RemoteDigest    string    `json:"remote_digest"`
	UpdateAvailable bool      `json:"update_available"`
	CheckedAt       time.Time `json:"checked_at"`
}

type UpdateChecker interface {
	Compare(ctx context.Context, ref image.CanonicalRef, localDigest string) (PullComparison, error)
}

// RemoteDigestChecker asks the registry for the digest the tag
// currently points at, without fetching the manifest body.
type RemoteDigestChecker struct {
	Client *Client
	Now    func() time.Time
}

func (c *RemoteDigestChecker) Compare(ctx context.Context, ref image.CanonicalRef, localDigest string) (PullComparison, error) {
	tag, err := c.Client.tag(ref)
	if err != nil {
		return PullComparison{}, errors.Wrapf(err, "parsing %s", ref.String())
	}
	start := time.Now()
	desc, err := remote.Head(tag, c.Client.options(ctx)...)
	observeRemote(RequestKindDigest, err, start)
	if err != nil {
		return PullComparison{}, errors.Wrapf(err, "fetching digest of %s", ref.String())
	}
	now := time.Now
	if c.Now != nil {
		now = c.Now
	}
	remoteDigest := desc.Digest.String()
	return PullComparison{
		Image:           ref.String(),
		LocalDigest:     localDigest,
		RemoteDigest:    remoteDigest,
		UpdateAvailable: localDigest != "" && remoteDigest != localDigest,
		CheckedAt:       now().UTC(),
	}, nil
}

// CachedUpdateChecker keeps comparisons in the update cache, keyed
// by image and local digest, so a new local image is compared afresh.
type CachedUpdateChecker struct {
	Cache   cache.Client
	Checker UpdateChecker
	TTL     time.Duration
	Logger  log.Logger
}

func (c *CachedUpdateChecker) Compare(ctx context.Context, ref image.CanonicalRef, localDigest string) (PullComparison, error) {
	key := cache.NewPullKey(ref, localDigest)
	var cmp PullComparison
	_, err := cache.GetJSON(c.Cache, key, &cmp)
	switch {
	case err == nil:
		return cmp, nil
	case !scanerr.IsMissing(err) && c.Logger != nil:
		c.Logger.Log("warning", "update cache unavailable", "image", ref.String(), "err", err)
	}

	cmp, err = c.Checker.Compare(ctx, ref, localDigest)
	if err != nil {
		return PullComparison{}, err
	}
	if err := cache.SetJSON(c.Cache, key, c.TTL, cmp); err != nil && c.Logger != nil {
		c.Logger.Log("warning", "update check not cached", "image", ref.String(), "err", err)
	}
	return cmp, nil
}
