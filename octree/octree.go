// Package octree implements the geometry model of a disk-resident point-cloud octree:
// the static tree shape (nodes, bounding boxes, child masks, attribute schema) plus the
// per-node lifecycle state the streaming engine and format loaders mutate as payloads
// are fetched, decoded, and evicted.
package octree

import (
	"math"
	"strconv"

	"github.com/pkg/errors"
)

// Version identifies the wire-format generation of a point cloud. It governs how node
// URLs are suffixed and how point counts are derived during decode.
type Version struct {
	raw   string
	value float64
}

// NewVersion parses a version string such as "1.3" or "1.7".
func NewVersion(s string) (Version, error) {
	v, err := strconv.ParseFloat(s, 64)
	if err != nil {
		return Version{}, errors.Wrapf(err, "invalid format version %q", s)
	}
	return Version{raw: s, value: v}, nil
}

func (v Version) String() string {
	return v.raw
}

// UpTo reports whether this version is at or below the given version literal.
func (v Version) UpTo(other string) bool {
	return v.value <= versionValue(other)
}

// EqualOrHigher reports whether this version is at or above the given version literal.
func (v Version) EqualOrHigher(other string) bool {
	return v.value >= versionValue(other)
}

func versionValue(s string) float64 {
	v, err := strconv.ParseFloat(s, 64)
	if err != nil {
		// comparisons against a malformed literal are always false
		return math.NaN()
	}
	return v
}
