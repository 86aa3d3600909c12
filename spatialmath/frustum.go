package spatialmath

import (
	"math"

	"github.com/go-gl/mathgl/mgl64"
	"github.com/golang/geo/r3"
)

// Plane is a half-space boundary in Hessian normal form; a point p is on the inside
// when Normal.Dot(p) + Offset >= 0.
type Plane struct {
	Normal r3.Vector
	Offset float64
}

// DistanceTo returns the signed distance from the point to the plane.
func (p Plane) DistanceTo(v r3.Vector) float64 {
	return p.Normal.Dot(v) + p.Offset
}

// Frustum is a camera view volume as six inward-facing planes, in the order
// left, right, bottom, top, near, far.
type Frustum [6]Plane

// FrustumFromMatrix extracts the view volume of a combined projection*view matrix
// using the row-combination method. Planes are normalized so DistanceTo yields true
// distances.
func FrustumFromMatrix(m mgl64.Mat4) Frustum {
	r0 := m.Row(0)
	r1 := m.Row(1)
	r2 := m.Row(2)
	r3v := m.Row(3)

	planes := [6]mgl64.Vec4{
		r3v.Add(r0),      // left
		r3v.Sub(r0),      // right
		r3v.Add(r1),      // bottom
		r3v.Sub(r1),      // top
		r3v.Add(r2),      // near
		r3v.Sub(r2),      // far
	}

	var f Frustum
	for i, p := range planes {
		n := r3.Vector{X: p.X(), Y: p.Y(), Z: p.Z()}
		length := n.Norm()
		if length == 0 {
			length = 1
		}
		f[i] = Plane{Normal: n.Mul(1 / length), Offset: p.W() / length}
	}
	return f
}

// ContainsPoint reports whether the point is inside all six planes.
func (f Frustum) ContainsPoint(p r3.Vector) bool {
	for _, plane := range f {
		if plane.DistanceTo(p) < 0 {
			return false
		}
	}
	return true
}

// IntersectsSphere reports whether a sphere overlaps the view volume.
func (f Frustum) IntersectsSphere(center r3.Vector, radius float64) bool {
	for _, plane := range f {
		if plane.DistanceTo(center) < -radius {
			return false
		}
	}
	return true
}

// IntersectsBox reports whether the box overlaps the view volume, using the
// positive-vertex test per plane. A subtree whose box fails this test is entirely
// outside the frustum.
func (f Frustum) IntersectsBox(b BoundingBox) bool {
	for _, plane := range f {
		p := b.Min
		if plane.Normal.X >= 0 {
			p.X = b.Max.X
		}
		if plane.Normal.Y >= 0 {
			p.Y = b.Max.Y
		}
		if plane.Normal.Z >= 0 {
			p.Z = b.Max.Z
		}
		if plane.DistanceTo(p) < 0 {
			return false
		}
	}
	return true
}

// ScreenPixelRadius estimates the projected on-screen radius in pixels of a sphere at
// the given distance. projectionFactor is screenHeight / (2 * tan(fov/2)).
func ScreenPixelRadius(radius, distance, projectionFactor float64) float64 {
	if distance <= 0 {
		return math.Inf(1)
	}
	return radius * projectionFactor / distance
}
