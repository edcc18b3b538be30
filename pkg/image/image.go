package image

import (
	_ "crypto/sha256" // digest.Parse only accepts algorithms that are linked in
	"encoding/json"
	"fmt"
	"regexp"
	"strings"

	"github.com/opencontainers/go-digest"
	"github.com/pkg/errors"
)

const (
	dockerHubHost = "index.docker.io"

	oldDockerHubHost = "docker.io"

	// DefaultTag is what the container runtime assumes when a
	// reference carries no tag.
	DefaultTag = "latest"

	// MaxRefLength bounds the length of a reference we are prepared
	// to hand to the scanner.
	MaxRefLength = 256
)

var (
	ErrInvalidImageID   = errors.New("invalid image ID")
	ErrBlankImageID     = errors.Wrap(ErrInvalidImageID, "blank image name")
	ErrMalformedImageID = errors.Wrap(ErrInvalidImageID, `expected image name as either <image>:<tag> or just <image>`)
	ErrUnsafeImageID    = errors.Wrap(ErrInvalidImageID, "image name contains characters that are not allowed")
	ErrImageIDTooLong   = errors.Wrap(ErrInvalidImageID, fmt.Sprintf("image name longer than %d characters", MaxRefLength))
	ErrBadDigest        = errors.Wrap(ErrInvalidImageID, "malformed digest")
)

// Characters that must never reach a shell or an exec argument list
// unquoted; the scanner is invoked through `docker exec`.
const unsafeChars = "$`|;&><\\\n\r\x00 '\"(){}*?!#"

var refCharset = regexp.MustCompile(`^[a-zA-Z0-9][a-zA-Z0-9._/:@-]*$`)

// Name represents an unversioned (i.e., untagged) image a.k.a.,
// an image repo. These sometimes include a domain, e.g., quay.io, and
// always include a path with at least one element. By convention,
// images at DockerHub may have the domain omitted; and, if they only
// have single path element, the prefix `library` is implied.
//
// Examples (stringified):
//   - alpine
//   - library/alpine
//   - docker.io/dockpeek/dockpeek
//   - localhost:5000/arbitrary/path/to/repo
type Name struct {
	Domain, Image string
}

// CanonicalName is an image name with none of the fields left to be
// implied by convention.
type CanonicalName struct {
	Name
}

func (i Name) String() string {
	if i.Image == "" {
		return ""
	}
	var host string
	if i.Domain != "" {
		host = i.Domain + "/"
	}
	return host + i.Image
}

// Repository returns the canonicalised path part of a Name.
func (i Name) Repository() string {
	switch i.Domain {
	case "", oldDockerHubHost, dockerHubHost:
		if !strings.Contains(i.Image, "/") {
			return "library/" + i.Image
		}
	}
	return i.Image
}

// Registry returns the domain name of the registry hosting the
// image.
func (i Name) Registry() string {
	switch i.Domain {
	case "", oldDockerHubHost:
		return dockerHubHost
	default:
		return i.Domain
	}
}

// CanonicalName returns the canonicalised registry host and image
// parts of the name.
func (i Name) CanonicalName() CanonicalName {
	return CanonicalName{
		Name: Name{
			Domain: i.Registry(),
			Image:  i.Repository(),
		},
	}
}

func (i Name) ToRef(tag string) Ref {
	return Ref{
		Name: i,
		Tag:  tag,
	}
}

// Ref represents a versioned (i.e., tagged) image. The tag is
// allowed to be empty; Normalize fills in DefaultTag in that case,
// unless the reference is pinned by digest.
//
// Examples (stringified):
//   - alpine:3.5
//   - library/alpine:3.5
//   - priv.registry.example/app:1.0
//   - localhost:5000/arbitrary/path/to/repo:revision-sha1
//   - ghcr.io/org/app@sha256:4f0b...
type Ref struct {
	Name
	Tag    string
	Digest string
}

// CanonicalRef is an image ref with none of the fields left to be
// implied by convention. Its string form, `registry/repo:tag` with
// `@digest` appended when pinned, is both what the scanner is given
// and the key under which scan state is kept.
type CanonicalRef struct {
	Ref
}

// String returns the Ref as a string (i.e., unparsed) without
// canonicalising it.
func (i Ref) String() string {
	s := i.Name.String()
	if i.Tag != "" {
		s += ":" + i.Tag
	}
	if i.Digest != "" {
		s += "@" + i.Digest
	}
	return s
}

// Tagged is the ref without its digest, or "" if it has no tag.
func (i Ref) Tagged() string {
	if i.Tag == "" {
		return ""
	}
	return i.Name.String() + ":" + i.Tag
}

// Validate rejects references that are empty, too long, or that carry
// characters outside the reference grammar.
func Validate(s string) error {
	switch {
	case s == "":
		return ErrBlankImageID
	case len(s) > MaxRefLength:
		return errors.Wrapf(ErrImageIDTooLong, "validating %.32q...", s)
	case strings.ContainsAny(s, unsafeChars):
		return errors.Wrapf(ErrUnsafeImageID, "validating %q", s)
	case !refCharset.MatchString(s):
		return errors.Wrapf(ErrMalformedImageID, "validating %q", s)
	}
	return nil
}

// ParseRef parses a string representation of an image id into a
// Ref value. The grammar is shown here:
// https://github.com/docker/distribution/blob/master/reference/reference.go
// (but we do not care about all the productions.)
func ParseRef(s string) (Ref, error) {
	var id Ref
	if s == "" {
		return id, errors.Wrapf(ErrBlankImageID, "parsing %q", s)
	}
	if strings.HasPrefix(s, "/") || strings.HasSuffix(s, "/") {
		return id, errors.Wrapf(ErrMalformedImageID, "parsing %q", s)
	}

	if at := strings.Index(s, "@"); at >= 0 {
		d, err := digest.Parse(s[at+1:])
		if err != nil {
			return id, errors.Wrapf(ErrBadDigest, "parsing %q: %s", s, err)
		}
		id.Digest = d.String()
		s = s[:at]
		if s == "" {
			return id, errors.Wrapf(ErrMalformedImageID, "parsing %q", s)
		}
	}

	elements := strings.Split(s, "/")
	switch len(elements) {
	case 1: // no slashes, e.g., "alpine:1.5"; treat as library image
		id.Image = s
	case 2: // may have a domain e.g., "localhost/foo", or not e.g., "dockpeek/dockpeek"
		if domainRegexp.MatchString(elements[0]) {
			id.Domain = elements[0]
			id.Image = elements[1]
		} else {
			id.Image = s
		}
	default: // cannot be a library image, so the first element is assumed to be a domain
		id.Domain = elements[0]
		id.Image = strings.Join(elements[1:], "/")
	}

	imageParts := strings.Split(id.Image, ":")
	switch len(imageParts) {
	case 1:
	case 2:
		if imageParts[0] == "" || imageParts[1] == "" {
			return id, errors.Wrapf(ErrMalformedImageID, "parsing %q", s)
		}
		id.Image = imageParts[0]
		id.Tag = imageParts[1]
	default:
		return id, errors.Wrapf(ErrMalformedImageID, "parsing %q", s)
	}

	return id, nil
}

var (
	domainComponent = `([a-zA-Z0-9]|[a-zA-Z0-9][a-zA-Z0-9-]*[a-zA-Z0-9])`
	domain          = fmt.Sprintf(`^(localhost|(%s([.]%s)+))(:[0-9]+)?$`, domainComponent, domainComponent)
	domainRegexp    = regexp.MustCompile(domain)
)

// Normalize validates a user or runtime supplied reference and
// returns its canonical form, with the registry, the full repository
// path and a tag all made explicit.
func Normalize(s string) (CanonicalRef, error) {
	s = strings.TrimSpace(s)
	if err := Validate(s); err != nil {
		return CanonicalRef{}, err
	}
	ref, err := ParseRef(s)
	if err != nil {
		return CanonicalRef{}, err
	}
	if ref.Tag == "" && ref.Digest == "" {
		ref.Tag = DefaultTag
	}
	return ref.CanonicalRef(), nil
}

// MarshalJSON serialises a Ref as its string form.
func (i Ref) MarshalJSON() ([]byte, error) {
	return json.Marshal(i.String())
}

// UnmarshalJSON is the companion to MarshalJSON.
func (i *Ref) UnmarshalJSON(data []byte) (err error) {
	var str string
	if err := json.Unmarshal(data, &str); err != nil {
		return err
	}
	*i, err = ParseRef(str)
	return err
}

// CanonicalRef returns the canonicalised reference including the tag
// if present.
func (i Ref) CanonicalRef() CanonicalRef {
	name := i.CanonicalName()
	return CanonicalRef{
		Ref: Ref{
			Name:   name.Name,
			Tag:    i.Tag,
			Digest: i.Digest,
		},
	}
}

func (i Ref) Components() (domain, repo, tag string) {
	return i.Domain, i.Image, i.Tag
}

// WithNewTag makes a new copy of a Ref with a new tag, and no
// digest, since the digest belonged to the old tag.
func (i Ref) WithNewTag(t string) Ref {
	img := i
	img.Tag = t
	img.Digest = ""
	return img
}
