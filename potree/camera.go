package potree

import (
	"math"

	"github.com/go-gl/mathgl/mgl64"
	"github.com/golang/geo/r3"

	"github.com/virtuocityvr/three-loader/spatialmath"
)

// Camera is the per-frame view input the engine consumes. The engine never produces
// camera state; frustum and projection math are derived from what the caller supplies.
type Camera struct {
	// Position is the eye point in world coordinates.
	Position r3.Vector
	// View and Projection are the camera's matrices.
	View       mgl64.Mat4
	Projection mgl64.Mat4
	// FOV is the vertical field of view in radians.
	FOV float64
	// ScreenHeight is the viewport height in pixels, used for projected-size
	// priority estimation.
	ScreenHeight float64
}

// Frustum extracts the camera's view volume.
func (c Camera) Frustum() spatialmath.Frustum {
	return spatialmath.FrustumFromMatrix(c.Projection.Mul4(c.View))
}

// ProjectionFactor converts a world-space radius at distance d into an on-screen
// pixel radius when divided by d.
func (c Camera) ProjectionFactor() float64 {
	return c.ScreenHeight / (2 * math.Tan(c.FOV/2))
}
