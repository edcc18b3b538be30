package registry

import (
	"regexp"
	"strings"

	"github.com/Masterminds/semver/v3"
)

// Tags that name a moving target rather than a release.
var floatingTags = map[string]bool{
	"latest": true, "stable": true, "edge": true, "dev": true,
	"nightly": true, "master": true, "main": true,
}

var platformSuffixes = []string{
	"-windowsservercore", "-nanoserver", "-windows",
	"-linux", "-alpine", "-slim", "-buster", "-bullseye", "-bookworm",
	"-arm64", "-amd64", "-armhf", "-arm32v7", "-arm64v8",
	"-ltsc2019", "-ltsc2022", "-1809",
}

var unstableWords = map[string]bool{
	"develop": true, "dev": true, "beta": true, "alpha": true, "rc": true,
	"nightly": true, "unstable": true, "test": true, "snapshot": true,
	"canary": true, "preview": true, "pre": true, "edge": true,
	"experimental": true, "trunk": true, "master": true, "main": true,
	"next": true, "tip": true, "draft": true, "staging": true, "ci": true,
	"build": true, "hotfix": true,
}

var (
	tagSeparators   = regexp.MustCompile(`[-._]`)
	embeddedVersion = regexp.MustCompile(`\d+\.\d+\.\d+`)
)

// Tag is an image tag read as a version.
type Tag struct {
	Name    string
	Version *semver.Version
	// Dated is set for calendar versions (YYYY.MM.DD), which are
	// ordered before any non-dated version.
	Dated bool
}

// ParseTag reads a tag as a version. Floating tags, and tags that
// are not at least <major>.<minor>, are not versions.
func ParseTag(name string) (Tag, bool) {
	if floatingTags[name] {
		return Tag{}, false
	}
	numeric := strings.SplitN(strings.TrimPrefix(name, "v"), "-", 2)[0]
	if !strings.Contains(numeric, ".") {
		return Tag{}, false
	}
	v, err := semver.NewVersion(name)
	if err != nil {
		return Tag{}, false
	}
	dated := v.Major() >= 2019 && v.Major() <= 2099 &&
		v.Minor() >= 1 && v.Minor() <= 12 &&
		v.Patch() >= 1 && v.Patch() <= 31
	return Tag{Name: name, Version: v, Dated: dated}, true
}

// Unstable is true of development and pre-release tags.
func (t Tag) Unstable() bool {
	return unstable(t.Name)
}

func unstable(name string) bool {
	for _, part := range tagSeparators.Split(strings.ToLower(name), -1) {
		if unstableWords[part] {
			return true
		}
	}
	return false
}

// PlatformSpecific is true of tags built for one OS, base or
// architecture.
func (t Tag) PlatformSpecific() bool {
	lower := strings.ToLower(t.Name)
	for _, s := range platformSuffixes {
		if strings.Contains(lower, s) {
			return true
		}
	}
	return false
}

func (t Tag) segments() int {
	numeric := strings.SplitN(strings.TrimPrefix(t.Name, "v"), "-", 2)[0]
	return strings.Count(numeric, ".") + 1
}

// Less orders tags oldest first. Projects move from calendar versions
// to semantic versions, never back, so any dated tag is older than
// any undated one.
func (t Tag) Less(o Tag) bool {
	if t.Dated != o.Dated {
		return t.Dated
	}
	return t.Version.LessThan(o.Version)
}

// Newest picks, from tags, the newest release that an image tagged
// current could reasonably move to. A development or platform
// specific tag is only considered when current is one too; a tag
// with fewer version segments than current, or with another version
// embedded in its suffix, is never considered.
func Newest(current string, tags []string) (Tag, bool) {
	cur, ok := ParseTag(current)
	if !ok {
		return Tag{}, false
	}

	var best Tag
	var found bool
	for _, name := range tags {
		t, ok := ParseTag(name)
		if !ok || !cur.Less(t) {
			continue
		}
		if t.Unstable() && !cur.Unstable() {
			continue
		}
		if t.PlatformSpecific() && !cur.PlatformSpecific() {
			continue
		}
		if embeddedVersion.MatchString(t.Version.Prerelease()) {
			continue
		}
		if t.segments() < cur.segments() {
			continue
		}
		if !found || better(t, best) {
			best, found = t, true
		}
	}
	return best, found
}

// better prefers stable over unstable, generic over platform
// specific, and then newer over older.
func better(a, b Tag) bool {
	if a.Unstable() != b.Unstable() {
		return !a.Unstable()
	}
	if a.PlatformSpecific() != b.PlatformSpecific() {
		return !a.PlatformSpecific()
	}
	return b.Less(a)
}
