package octree

import (
	"github.com/edaniels/golog"
	"github.com/golang/geo/r3"
	"github.com/pkg/errors"
	"go.uber.org/atomic"

	"github.com/virtuocityvr/three-loader/spatialmath"
)

// GeometryConfig carries the already-parsed contents of a cloud description file.
type GeometryConfig struct {
	// Version is the wire-format version string, e.g. "1.3" or "1.7".
	Version string
	// BoundingBox is the nominal cube of the root node.
	BoundingBox spatialmath.BoundingBox
	// Offset and Scale map encoded integer coordinates to world units.
	Offset r3.Vector
	Scale  float64
	// Spacing is the nominal point separation at the root level.
	Spacing float64
	// HierarchyStepSize is the tree depth between hierarchy files; nodes at multiples
	// of this depth own a .hrc file describing their subtree shape.
	HierarchyStepSize int
	// PointAttributes is the ordered schema of the packed point records.
	PointAttributes PointAttributes
	// OctreeDir is the directory fragment node files live under, e.g. "data".
	OctreeDir string
	// URLResolver maps a relative node path to an absolute URL. Nil means the path is
	// used as-is.
	URLResolver func(string) string
	// RootNumPoints is the estimated point count of the root node, when known.
	RootNumPoints int
}

// Geometry is the static shape of one point-cloud octree plus its tree-scoped load
// accounting. The shape only ever grows as hierarchy files are expanded; what is
// transient is each node's loaded payload.
type Geometry struct {
	logger            golog.Logger
	version           Version
	boundingBox       spatialmath.BoundingBox
	offset            r3.Vector
	scale             float64
	spacing           float64
	hierarchyStepSize int
	pointAttributes   PointAttributes
	octreeDir         string
	urlResolver       func(string) string
	root              *Node

	numNodesLoading atomic.Int32
	dirty           atomic.Bool
	disposed        atomic.Bool
}

// NewGeometry creates the geometry model for one point cloud and its root node shell.
func NewGeometry(cfg GeometryConfig, logger golog.Logger) (*Geometry, error) {
	version, err := NewVersion(cfg.Version)
	if err != nil {
		return nil, err
	}
	if cfg.Scale <= 0 {
		return nil, errors.Errorf("invalid coordinate scale %f", cfg.Scale)
	}
	if cfg.Spacing <= 0 {
		return nil, errors.Errorf("invalid root spacing %f", cfg.Spacing)
	}
	if cfg.HierarchyStepSize < 0 {
		return nil, errors.Errorf("invalid hierarchy step size %d", cfg.HierarchyStepSize)
	}
	if len(cfg.PointAttributes.Attributes) == 0 {
		return nil, errors.New("geometry requires a point attribute schema")
	}

	g := &Geometry{
		logger:            logger,
		version:           version,
		boundingBox:       cfg.BoundingBox,
		offset:            cfg.Offset,
		scale:             cfg.Scale,
		spacing:           cfg.Spacing,
		hierarchyStepSize: cfg.HierarchyStepSize,
		pointAttributes:   cfg.PointAttributes,
		octreeDir:         cfg.OctreeDir,
		urlResolver:       cfg.URLResolver,
	}
	g.root = &Node{
		geometry:    g,
		name:        "r",
		boundingBox: cfg.BoundingBox,
		spacing:     cfg.Spacing,
		numPoints:   cfg.RootNumPoints,
	}
	return g, nil
}

// Root returns the root node of the tree.
func (g *Geometry) Root() *Node {
	return g.root
}

// Version returns the wire-format version of the cloud.
func (g *Geometry) Version() Version {
	return g.version
}

// BoundingBox returns the nominal cube of the whole tree.
func (g *Geometry) BoundingBox() spatialmath.BoundingBox {
	return g.boundingBox
}

// Offset returns the coordinate offset applied uniformly to all nodes.
func (g *Geometry) Offset() r3.Vector {
	return g.offset
}

// Scale returns the encoded-to-world coordinate scale.
func (g *Geometry) Scale() float64 {
	return g.scale
}

// Spacing returns the nominal point separation at the root level.
func (g *Geometry) Spacing() float64 {
	return g.spacing
}

// HierarchyStepSize returns the tree depth between hierarchy files.
func (g *Geometry) HierarchyStepSize() int {
	return g.hierarchyStepSize
}

// PointAttributes returns the global point record schema.
func (g *Geometry) PointAttributes() PointAttributes {
	return g.pointAttributes
}

// OctreeDir returns the directory fragment node files live under.
func (g *Geometry) OctreeDir() string {
	return g.octreeDir
}

// ResolveURL maps a relative node path to an absolute URL via the injected resolver.
func (g *Geometry) ResolveURL(relative string) string {
	if g.urlResolver == nil {
		return relative
	}
	return g.urlResolver(relative)
}

// NumNodesLoading returns how many of this tree's nodes are mid-load.
func (g *Geometry) NumNodesLoading() int {
	return int(g.numNodesLoading.Load())
}

// MarkDirty flags that a load completed and the visible set deserves re-evaluation.
func (g *Geometry) MarkDirty() {
	g.dirty.Store(true)
}

// ConsumeDirty returns whether the tree was marked dirty since the last call, and
// clears the flag.
func (g *Geometry) ConsumeDirty() bool {
	return g.dirty.Swap(false)
}

// Dispose terminally retires the tree. Decode results that arrive afterwards are
// discarded without mutating node state.
func (g *Geometry) Dispose() {
	g.disposed.Store(true)
}

// Disposed reports whether the tree has been disposed.
func (g *Geometry) Disposed() bool {
	return g.disposed.Load()
}
