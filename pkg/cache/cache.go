package cache

import (
	"encoding/json"
	"strings"
	"time"

	"github.com/pkg/errors"

	scanerr "github.com/dockpeek/scand/pkg/errors"
	"github.com/dockpeek/scand/pkg/image"
)

var (
	ErrNotCached = &scanerr.Error{
		Type: scanerr.Missing,
		Err:  errors.New("item not in cache"),
		Help: `Item not in cache

The entry has either never been stored or its time-to-live has
elapsed. It will be filled in again by the next scan or check.
`,
	}

	// ErrNoUpdate is returned from an UpdateFunc to leave the stored
	// value untouched.
	ErrNoUpdate = errors.New("no update")
)

type Reader interface {
	// GetKey gets the value at a key, along with the time it expires
	GetKey(k Keyer) ([]byte, time.Time, error)
}

type Writer interface {
	// SetKey stores the value at a key for the given time-to-live
	SetKey(k Keyer, ttl time.Duration, v []byte) error
	// DeleteKey removes a key; deleting an absent key is not an error
	DeleteKey(k Keyer) error
}

// UpdateFunc is given the current unexpired value for a key, if
// there is one, and returns the value to store with its time-to-live.
type UpdateFunc func(current []byte, found bool) ([]byte, time.Duration, error)

type Updater interface {
	// UpdateKey reads and rewrites a key as one step, with no other
	// writer able to intervene
	UpdateKey(k Keyer, fn UpdateFunc) error
}

type Client interface {
	Reader
	Writer
	Updater
}

// An interface to provide the key under which to store the data.
// Keys use the full canonical image reference, since the same
// repository path can exist in more than one registry.
type Keyer interface {
	Key() string
}

type scanKey struct {
	ref string
}

func NewScanKey(ref image.CanonicalRef) Keyer {
	return &scanKey{ref.String()}
}

func (k *scanKey) Key() string {
	return strings.Join([]string{
		"scanv1", // Bump the version number if the cache format changes
		k.ref,
	}, "|")
}

type versionKey struct {
	ref string
}

func NewVersionKey(ref image.CanonicalRef) Keyer {
	return &versionKey{ref.String()}
}

func (k *versionKey) Key() string {
	return strings.Join([]string{
		"versionv1", // Bump the version number if the cache format changes
		k.ref,
	}, "|")
}

type pullKey struct {
	ref, localDigest string
}

// NewPullKey keys a pull comparison by both the image reference and
// the digest of the image present locally, so a fresh pull misses.
func NewPullKey(ref image.CanonicalRef, localDigest string) Keyer {
	return &pullKey{ref.String(), localDigest}
}

func (k *pullKey) Key() string {
	return strings.Join([]string{
		"pullv1", // Bump the version number if the cache format changes
		k.ref,
		k.localDigest,
	}, "|")
}

type historyKey struct {
	ref string
}

// NewHistoryKey keys the scan history of an image.
func NewHistoryKey(ref image.CanonicalRef) Keyer {
	return &historyKey{ref.String()}
}

func (k *historyKey) Key() string {
	return strings.Join([]string{
		"historyv1", // Bump the version number if the cache format changes
		k.ref,
	}, "|")
}

type findingsKey struct{}

// NewFindingsKey keys the list of vulnerabilities recently found to
// be new, across all images.
func NewFindingsKey() Keyer {
	return findingsKey{}
}

func (findingsKey) Key() string {
	return "findingsv1" // Bump the version number if the cache format changes
}

// GetJSON reads a key and decodes it into v.
func GetJSON(r Reader, k Keyer, v interface{}) (time.Time, error) {
	b, expiry, err := r.GetKey(k)
	if err != nil {
		return time.Time{}, err
	}
	if err := json.Unmarshal(b, v); err != nil {
		return time.Time{}, errors.Wrapf(err, "decoding cached value for %s", k.Key())
	}
	return expiry, nil
}

// SetJSON encodes v and stores it at a key.
func SetJSON(w Writer, k Keyer, ttl time.Duration, v interface{}) error {
	b, err := json.Marshal(v)
	if err != nil {
		return errors.Wrapf(err, "encoding value for %s", k.Key())
	}
	return w.SetKey(k, ttl, b)
}
