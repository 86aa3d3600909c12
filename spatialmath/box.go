// Package spatialmath defines the bounding volume and visibility math used by the
// octree streaming engine: axis-aligned boxes keyed by min/max corners, view frustums
// extracted from camera matrices, and projected screen-size estimation.
package spatialmath

import (
	"math"

	"github.com/golang/geo/r3"
	"github.com/pkg/errors"
)

// BoundingBox is an axis-aligned box defined by its min and max corners.
type BoundingBox struct {
	Min r3.Vector
	Max r3.Vector
}

// NewBoundingBox creates a box from min/max corners, validating that the box is not
// inverted on any axis.
func NewBoundingBox(min, max r3.Vector) (BoundingBox, error) {
	if max.X < min.X || max.Y < min.Y || max.Z < min.Z {
		return BoundingBox{}, errors.Errorf("invalid bounding box, min %v exceeds max %v", min, max)
	}
	return BoundingBox{Min: min, Max: max}, nil
}

// Center returns the midpoint of the box.
func (b BoundingBox) Center() r3.Vector {
	return b.Min.Add(b.Max).Mul(0.5)
}

// Size returns the per-axis extent of the box.
func (b BoundingBox) Size() r3.Vector {
	return b.Max.Sub(b.Min)
}

// Radius returns the radius of the box's bounding sphere.
func (b BoundingBox) Radius() float64 {
	return b.Size().Norm() / 2
}

// Contains reports whether the point lies inside the box, boundary inclusive.
func (b BoundingBox) Contains(p r3.Vector) bool {
	return p.X >= b.Min.X && p.X <= b.Max.X &&
		p.Y >= b.Min.Y && p.Y <= b.Max.Y &&
		p.Z >= b.Min.Z && p.Z <= b.Max.Z
}

// ContainsBox reports whether the other box lies entirely inside this one.
func (b BoundingBox) ContainsBox(other BoundingBox) bool {
	return b.Contains(other.Min) && b.Contains(other.Max)
}

// Octant returns the child cube for octant index 0-7. Bit 2 selects the upper X half,
// bit 1 the upper Y half and bit 0 the upper Z half.
func (b BoundingBox) Octant(index int) BoundingBox {
	half := b.Size().Mul(0.5)
	min := b.Min
	if index&4 != 0 {
		min.X += half.X
	}
	if index&2 != 0 {
		min.Y += half.Y
	}
	if index&1 != 0 {
		min.Z += half.Z
	}
	return BoundingBox{Min: min, Max: min.Add(half)}
}

// Merge returns the smallest box containing both boxes.
func (b BoundingBox) Merge(other BoundingBox) BoundingBox {
	return BoundingBox{
		Min: r3.Vector{
			X: math.Min(b.Min.X, other.Min.X),
			Y: math.Min(b.Min.Y, other.Min.Y),
			Z: math.Min(b.Min.Z, other.Min.Z),
		},
		Max: r3.Vector{
			X: math.Max(b.Max.X, other.Max.X),
			Y: math.Max(b.Max.Y, other.Max.Y),
			Z: math.Max(b.Max.Z, other.Max.Z),
		},
	}
}
