// Package archive keeps an immutable copy of every released survey version
// outside the transactional store.
package archive

import (
	"errors"
	"sort"
	"strconv"
	"strings"
	"time"
)

// ErrNotArchived is returned when no snapshot exists for a version.
var ErrNotArchived = errors.New("release not archived")

// Release is one released survey version. Document is the JSON rendering of
// the full survey tree at release time.
type Release struct {
	SurveyID   string
	NameID     string
	Version    int
	Title      string
	ReleasedAt time.Time
	Document   []byte
}

// Tag is the git tag or object name under which the version is stored.
func (r Release) Tag() string {
	return versionTag(r.Version)
}

func versionTag(version int) string {
	return "v" + strconv.Itoa(version)
}

// parseVersionTag is the inverse of versionTag.
func parseVersionTag(tag string) (int, bool) {
	rest, ok := strings.CutPrefix(tag, "v")
	if !ok {
		return 0, false
	}
	version, err := strconv.Atoi(rest)
	if err != nil || version < 1 {
		return 0, false
	}
	return version, true
}

func sortedVersions(versions []int) []int {
	if versions == nil {
		return []int{}
	}
	sort.Ints(versions)
	return versions
}
