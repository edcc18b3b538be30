package daemon

import (
	"context"
	"strings"

	"github.com/ryanuber/go-glob"

	"github.com/dockpeek/scand/pkg/image"
)

// Target is an image in use by some container.
type Target struct {
	Ref string `json:"image"`
	// Skip is set for containers excluded from security scanning.
	Skip bool `json:"security_skip"`
}

// ImageSource lists the images currently in use. The same image may
// appear more than once.
type ImageSource interface {
	Images(ctx context.Context) ([]Target, error)
}

// ImageSourceFunc adapts a function to ImageSource.
type ImageSourceFunc func(ctx context.Context) ([]Target, error)

func (f ImageSourceFunc) Images(ctx context.Context) ([]Target, error) {
	return f(ctx)
}

// StaticSource is a fixed list of images.
type StaticSource []Target

func (s StaticSource) Images(context.Context) ([]Target, error) {
	return s, nil
}

// ParseTargets reads a list of image references. A reference with a
// leading `!` is kept, but marked to be skipped.
func ParseTargets(refs []string) StaticSource {
	var out StaticSource
	for _, r := range refs {
		r = strings.TrimSpace(r)
		if r == "" {
			continue
		}
		if strings.HasPrefix(r, "!") {
			out = append(out, Target{Ref: strings.TrimSpace(r[1:]), Skip: true})
			continue
		}
		out = append(out, Target{Ref: r})
	}
	return out
}

// Excluded is true if the canonical form of ref matches any of the
// glob patterns, e.g., `ghcr.io/acme/*`.
func Excluded(patterns []string, ref image.CanonicalRef) bool {
	for _, exp := range patterns {
		if glob.Glob(exp, ref.String()) {
			return true
		}
	}
	return false
}
