// Package registry checks image registries for newer releases of an
// image, and for changes to the image a tag points at, keeping the
// answers in shared caches.
package registry

import (
	"context"
	"net/http"

	"github.com/google/go-containerregistry/pkg/authn"
	"github.com/google/go-containerregistry/pkg/name"
	"github.com/google/go-containerregistry/pkg/v1/remote"
	"github.com/pkg/errors"

	"github.com/dockpeek/scand/pkg/image"
	"github.com/dockpeek/scand/pkg/registry/middleware"
)

// Client holds what is needed to talk to registries.
type Client struct {
	// Transport defaults to remote.DefaultTransport.
	Transport http.RoundTripper
	// Limiters, if set, rate limit requests per registry host.
	Limiters *middleware.RateLimiters
	// Keychain defaults to authn.DefaultKeychain, i.e., the
	// credentials `docker login` left behind.
	Keychain authn.Keychain
	// InsecureHosts may be reached over plain HTTP.
	InsecureHosts []string
}

func (c *Client) nameOptions(ref image.CanonicalRef) []name.Option {
	if c == nil {
		return nil
	}
	for _, h := range c.InsecureHosts {
		if h == ref.Domain {
			return []name.Option{name.Insecure}
		}
	}
	return nil
}

func (c *Client) options(ctx context.Context) []remote.Option {
	transport := http.RoundTripper(remote.DefaultTransport)
	var keychain authn.Keychain = authn.DefaultKeychain
	if c != nil {
		if c.Transport != nil {
			transport = c.Transport
		}
		if c.Limiters != nil {
			transport = c.Limiters.Transport(transport)
		}
		if c.Keychain != nil {
			keychain = c.Keychain
		}
	}
	return []remote.Option{
		remote.WithContext(ctx),
		remote.WithTransport(transport),
		remote.WithAuthFromKeychain(keychain),
	}
}

func (c *Client) repository(ref image.CanonicalRef) (name.Repository, error) {
	return name.NewRepository(ref.Name.String(), c.nameOptions(ref)...)
}

// tag is the tag a ref follows; a ref pinned only by digest follows
// none, and so has nothing to compare against.
func (c *Client) tag(ref image.CanonicalRef) (name.Tag, error) {
	tagged := ref.Tagged()
	if tagged == "" {
		return name.Tag{}, errors.Errorf("%s is pinned by digest and has no tag", ref.String())
	}
	return name.NewTag(tagged, c.nameOptions(ref)...)
}
