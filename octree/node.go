package octree

import (
	"strconv"
	"strings"
	"sync"

	"github.com/golang/geo/r3"
	"github.com/pkg/errors"

	"github.com/virtuocityvr/three-loader/spatialmath"
)

// Node is one octree cell, the unit of load/evict granularity. Its shape fields (name,
// box, level, spacing) are immutable after creation; its lifecycle fields (loaded,
// loading, buffers, tight box, mean) are mutated by the format loaders and the
// streaming engine under the node's lock.
type Node struct {
	geometry *Geometry
	parent   *Node

	name        string
	level       int
	boundingBox spatialmath.BoundingBox
	spacing     float64

	mu              sync.Mutex
	childMask       byte
	children        [8]*Node
	hierarchyLoaded bool
	numPoints       int
	loaded          bool
	loading         bool
	buffers         *AttributeBuffers
	tightBox        spatialmath.BoundingBox
	hasTightBox     bool
	mean            r3.Vector
}

// Name returns the node's path-in-tree name, e.g. "r024".
func (n *Node) Name() string {
	return n.name
}

// Level returns the node's depth; the root is level 0.
func (n *Node) Level() int {
	return n.level
}

// BoundingBox returns the node's nominal cube.
func (n *Node) BoundingBox() spatialmath.BoundingBox {
	return n.boundingBox
}

// Spacing returns the nominal point separation at this node's level.
func (n *Node) Spacing() float64 {
	return n.spacing
}

// Geometry returns the owning tree's global metadata.
func (n *Node) Geometry() *Geometry {
	return n.geometry
}

// Parent returns the parent node, nil for the root.
func (n *Node) Parent() *Node {
	return n.parent
}

// AddChild creates the child shell for the given octant index. The child inherits the
// octant's cube, half this node's spacing, and starts unloaded.
func (n *Node) AddChild(index, numPoints int) (*Node, error) {
	if index < 0 || index > 7 {
		return nil, errors.Errorf("invalid octant index %d", index)
	}
	n.mu.Lock()
	defer n.mu.Unlock()
	if n.children[index] != nil {
		return nil, errors.Errorf("node %s already has child %d", n.name, index)
	}
	child := &Node{
		geometry:    n.geometry,
		parent:      n,
		name:        n.name + strconv.Itoa(index),
		level:       n.level + 1,
		boundingBox: n.boundingBox.Octant(index),
		spacing:     n.spacing / 2,
		numPoints:   numPoints,
	}
	n.children[index] = child
	n.childMask |= 1 << uint(index)
	return child, nil
}

// Child returns the child at the given octant index, nil if not discovered.
func (n *Node) Child(index int) *Node {
	n.mu.Lock()
	defer n.mu.Unlock()
	return n.children[index]
}

// Children returns a snapshot of the discovered children in octant order.
func (n *Node) Children() []*Node {
	n.mu.Lock()
	defer n.mu.Unlock()
	out := make([]*Node, 0, 8)
	for _, c := range n.children {
		if c != nil {
			out = append(out, c)
		}
	}
	return out
}

// ChildMask returns the child-presence bitmask.
func (n *Node) ChildMask() byte {
	n.mu.Lock()
	defer n.mu.Unlock()
	return n.childMask
}

// NumPoints returns the node's point count: authoritative once loaded, an estimate
// from the tree shape otherwise.
func (n *Node) NumPoints() int {
	n.mu.Lock()
	defer n.mu.Unlock()
	return n.numPoints
}

// SetNumPoints records an estimated point count for a not-yet-loaded node.
func (n *Node) SetNumPoints(count int) {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.numPoints = count
}

// IsLoaded reports whether the node's payload is resident.
func (n *Node) IsLoaded() bool {
	n.mu.Lock()
	defer n.mu.Unlock()
	return n.loaded
}

// IsLoading reports whether a load is in flight for this node.
func (n *Node) IsLoading() bool {
	n.mu.Lock()
	defer n.mu.Unlock()
	return n.loading
}

// BeginLoad transitions the node to loading and counts it against the tree's in-flight
// total. It returns false, without transitioning, when the node is already loaded,
// already loading, or the tree has been disposed.
func (n *Node) BeginLoad() bool {
	if n.geometry.Disposed() {
		return false
	}
	n.mu.Lock()
	defer n.mu.Unlock()
	if n.loaded || n.loading {
		return false
	}
	n.loading = true
	n.geometry.numNodesLoading.Inc()
	return true
}

// FinishLoad attaches decoded buffers and transitions the node to loaded. tightBox
// must be normalized so its min is the origin and its max the decoded extent; mean is
// the centroid of the decoded positions. The result is discarded untouched when the
// tree was disposed while the decode was in flight.
func (n *Node) FinishLoad(buffers *AttributeBuffers, numPoints int, tightBox spatialmath.BoundingBox, mean r3.Vector) {
	if n.geometry.Disposed() {
		n.CancelLoad()
		return
	}
	n.mu.Lock()
	n.buffers = buffers
	n.numPoints = numPoints
	n.tightBox = tightBox
	n.hasTightBox = true
	n.mean = mean
	n.loaded = true
	n.loading = false
	n.mu.Unlock()

	n.geometry.numNodesLoading.Dec()
	n.geometry.MarkDirty()
}

// FailLoad returns a mid-load node to the unloaded state so a later traversal pass can
// re-select it, and reports the failure to the tree's error sink.
func (n *Node) FailLoad(err error) {
	n.CancelLoad()
	if n.geometry.Disposed() {
		return
	}
	n.geometry.logger.Warnw("node load failed", "node", n.name, "error", err)
}

// CancelLoad quietly returns a mid-load node to the unloaded state without reporting,
// used when a decode result arrives after its loader or tree was disposed.
func (n *Node) CancelLoad() {
	n.mu.Lock()
	wasLoading := n.loading
	n.loading = false
	n.mu.Unlock()

	if wasLoading {
		n.geometry.numNodesLoading.Dec()
	}
}

// Evict releases the node's buffers and returns it to the unloaded state. The
// authoritative point count is retained as the estimate for future budget passes.
func (n *Node) Evict() {
	n.mu.Lock()
	defer n.mu.Unlock()
	if !n.loaded {
		return
	}
	n.buffers = nil
	n.loaded = false
}

// Buffers returns the node's attribute buffers; the second return is false unless the
// node is loaded.
func (n *Node) Buffers() (*AttributeBuffers, bool) {
	n.mu.Lock()
	defer n.mu.Unlock()
	if !n.loaded {
		return nil, false
	}
	return n.buffers, true
}

// TightBoundingBox returns the bounding box of the actually-decoded coordinates,
// normalized to a zero min corner. The second return is false until a first decode
// has computed it.
func (n *Node) TightBoundingBox() (spatialmath.BoundingBox, bool) {
	n.mu.Lock()
	defer n.mu.Unlock()
	return n.tightBox, n.hasTightBox
}

// Mean returns the centroid of the decoded positions, in the same node-local frame as
// the position buffer.
func (n *Node) Mean() r3.Vector {
	n.mu.Lock()
	defer n.mu.Unlock()
	return n.mean
}

// HierarchyLoaded reports whether this node's subtree shape has been expanded from its
// hierarchy file.
func (n *Node) HierarchyLoaded() bool {
	n.mu.Lock()
	defer n.mu.Unlock()
	return n.hierarchyLoaded
}

// HierarchyPath returns the directory fragment a node's files live under, grouping
// the octant digits into hierarchy-step-sized segments, e.g. "r/024/" for step size 3
// and a node whose name starts with "r024".
func (n *Node) HierarchyPath() string {
	step := n.geometry.hierarchyStepSize
	if step <= 0 {
		return "r/"
	}
	var path strings.Builder
	path.WriteString("r/")
	indices := n.name[1:]
	for len(indices) >= step {
		path.WriteString(indices[:step] + "/")
		indices = indices[step:]
	}
	return path.String()
}
