package loader

import (
	"context"

	"github.com/edaniels/golog"
	"go.uber.org/atomic"

	"github.com/virtuocityvr/three-loader/octree"
)

// BinaryLoader loads nodes stored in the compact custom binary format: one flat,
// tightly packed sequence of fixed-size point records per node file.
type BinaryLoader struct {
	logger  golog.Logger
	fetcher Fetcher
	pool    *Pool

	disposed atomic.Bool
}

// NewBinaryLoader creates a loader for the custom binary format, decoding through its
// own worker pool.
func NewBinaryLoader(fetcher Fetcher, logger golog.Logger) *BinaryLoader {
	return &BinaryLoader{
		logger:  logger,
		fetcher: fetcher,
		pool:    NewPool(logger),
	}
}

// Pool exposes the loader's decode worker pool.
func (l *BinaryLoader) Pool() *Pool {
	return l.pool
}

// Dispose terminates the pooled workers and marks the loader disposed. Late decode
// results are discarded without mutating node state.
func (l *BinaryLoader) Dispose() {
	if l.disposed.Swap(true) {
		return
	}
	l.pool.Dispose()
}

// NodeURL returns the resolved URL of a node's payload. Node files carry the .bin
// suffix only from format version 1.4 on.
func (l *BinaryLoader) NodeURL(node *octree.Node) string {
	g := node.Geometry()
	path := g.OctreeDir() + "/" + node.HierarchyPath() + node.Name()
	if g.Version().EqualOrHigher("1.4") {
		path += ".bin"
	}
	return g.ResolveURL(path)
}

// Load fetches, decodes and attaches one node's payload. It is a no-op for loaded
// nodes, nodes already mid-load, and disposed loaders or trees. On failure the node
// returns to the unloaded state and is naturally re-selected by a later traversal.
func (l *BinaryLoader) Load(ctx context.Context, node *octree.Node) error {
	if l.disposed.Load() || node.IsLoaded() {
		return nil
	}
	if !node.BeginLoad() {
		return nil
	}

	if err := l.loadHierarchy(ctx, node); err != nil {
		node.FailLoad(err)
		return err
	}

	data, err := l.fetcher.Fetch(ctx, l.NodeURL(node))
	if err != nil {
		node.FailLoad(err)
		return err
	}

	g := node.Geometry()
	attrs := g.PointAttributes()
	// Hierarchies from the 1.5-and-earlier era under-report counts; the byte length
	// is authoritative there. Newer formats trust the tree shape.
	numPoints := node.NumPoints()
	if g.Version().UpTo("1.5") || numPoints*attrs.ByteSize > len(data) {
		numPoints = len(data) / attrs.ByteSize
	}

	worker, err := l.pool.Acquire()
	if err != nil {
		node.FailLoad(err)
		return err
	}
	outcome := <-worker.Decode(func() (*DecodedChunk, error) {
		return decodeBinary(data, attrs, numPoints, g.Scale())
	})
	l.pool.Release(worker)

	if outcome.err != nil {
		node.FailLoad(outcome.err)
		return outcome.err
	}
	if l.disposed.Load() {
		// result arrived after disposal; discard it
		node.CancelLoad()
		return nil
	}
	chunk := outcome.chunk
	node.FinishLoad(&chunk.Buffers, chunk.NumPoints, normalizeTight(chunk.Min, chunk.Max), chunk.Mean)
	return nil
}

// loadHierarchy expands the subtree shape for nodes that own a hierarchy file: depths
// at multiples of the tree's hierarchy step, for format versions that split the shape
// out of the root description.
func (l *BinaryLoader) loadHierarchy(ctx context.Context, node *octree.Node) error {
	g := node.Geometry()
	step := g.HierarchyStepSize()
	if step <= 0 || !g.Version().EqualOrHigher("1.5") {
		return nil
	}
	if node.Level()%step != 0 || node.HierarchyLoaded() {
		return nil
	}
	url := g.ResolveURL(g.OctreeDir() + "/" + node.HierarchyPath() + node.Name() + ".hrc")
	data, err := l.fetcher.Fetch(ctx, url)
	if err != nil {
		return err
	}
	return node.ExpandHierarchy(data)
}
