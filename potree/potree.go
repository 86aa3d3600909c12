// Package potree implements the octree streaming engine: once per render frame it
// projects node bounding volumes through the supplied camera, prioritizes every
// candidate node by projected screen footprint, admits the highest-priority prefix
// that fits the configured point budget, dispatches asynchronous loads for admitted
// nodes that are not resident, and synchronously evicts loaded nodes that fell out of
// the admitted set.
package potree

import (
	"context"
	"math"
	"sync"

	"github.com/edaniels/golog"
	"go.uber.org/atomic"
	"go.viam.com/utils"
	"golang.org/x/time/rate"

	"github.com/virtuocityvr/three-loader/loader"
	"github.com/virtuocityvr/three-loader/octree"
)

// DefaultPointBudget caps resident points when no budget is configured.
const DefaultPointBudget = 1_000_000

// DefaultMaxInFlight caps simultaneous node loads when not configured, keeping the
// network and the decode pools from being saturated by one deep zoom.
const DefaultMaxInFlight = 16

// Config tunes the streaming engine.
type Config struct {
	// PointBudget is the maximum total resident point count across all clouds.
	PointBudget int64
	// MaxInFlight caps simultaneous in-flight node loads across all clouds.
	MaxInFlight int
	// MinNodePixelSize skips nodes whose projected radius falls below this many
	// pixels; 0 disables the cutoff.
	MinNodePixelSize float64
	// LoadLimiter optionally paces load dispatch; nil leaves dispatch bounded by
	// MaxInFlight alone.
	LoadLimiter *rate.Limiter
}

type managedCloud struct {
	geometry *octree.Geometry
	loader   loader.Loader
}

// Potree orchestrates one or more point-cloud octrees against a shared point budget.
type Potree struct {
	logger           golog.Logger
	maxInFlight      int
	minNodePixelSize float64
	limiter          *rate.Limiter

	pointBudget atomic.Int64
	// inFlight counts dispatched loads from the moment of dispatch until their Load
	// call returns, so back-to-back frames cannot overshoot the cap while a
	// goroutine has not yet reached the node's lifecycle transition.
	inFlight atomic.Int32

	mu     sync.Mutex
	clouds []managedCloud
}

// New creates a streaming engine.
func New(cfg Config, logger golog.Logger) *Potree {
	budget := cfg.PointBudget
	if budget <= 0 {
		budget = DefaultPointBudget
	}
	maxInFlight := cfg.MaxInFlight
	if maxInFlight <= 0 {
		maxInFlight = DefaultMaxInFlight
	}
	p := &Potree{
		logger:           logger,
		maxInFlight:      maxInFlight,
		minNodePixelSize: cfg.MinNodePixelSize,
		limiter:          cfg.LoadLimiter,
	}
	p.pointBudget.Store(budget)
	return p
}

// AddPointCloud registers a cloud and the loader that serves its nodes.
func (p *Potree) AddPointCloud(geometry *octree.Geometry, ldr loader.Loader) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.clouds = append(p.clouds, managedCloud{geometry: geometry, loader: ldr})
}

// SetPointBudget changes the maximum resident point count; it takes effect on the
// next frame's budget walk.
func (p *Potree) SetPointBudget(budget int64) {
	p.pointBudget.Store(budget)
}

// PointBudget returns the configured maximum resident point count.
func (p *Potree) PointBudget() int64 {
	return p.pointBudget.Load()
}

// Dispose terminally retires every managed cloud and its loader. In-flight decode
// results arriving afterwards are discarded.
func (p *Potree) Dispose() {
	p.mu.Lock()
	defer p.mu.Unlock()
	for _, c := range p.clouds {
		c.geometry.Dispose()
		c.loader.Dispose()
	}
	p.clouds = nil
}

// UpdateResult is the per-frame diagnostic summary.
type UpdateResult struct {
	// VisibleNodes is how many nodes were admitted to the resident set.
	VisibleNodes int
	// ResidentPoints is the budget-accounted point total of the admitted set.
	ResidentPoints int64
	// LoadsIssued is how many node loads this frame dispatched.
	LoadsIssued int
	// Evicted is how many loaded nodes released their buffers this frame.
	Evicted int
	// NumNodesLoading is the in-flight load count across all clouds after dispatch.
	NumNodesLoading int
	// Dirty reports that at least one load completed since the previous frame, so a
	// re-render is warranted.
	Dirty bool
}

// UpdateVisibility runs one frame: cull, prioritize, budget-walk, dispatch loads and
// evictions. For a fixed camera and resident set the pass is deterministic. Loads are
// fire-and-forget; their completions surface through node state and the Dirty flag on
// later frames.
func (p *Potree) UpdateVisibility(ctx context.Context, cam Camera) UpdateResult {
	p.mu.Lock()
	clouds := make([]managedCloud, len(p.clouds))
	copy(clouds, p.clouds)
	p.mu.Unlock()

	frustum := cam.Frustum()
	projFactor := cam.ProjectionFactor()
	budget := p.pointBudget.Load()

	// consume completion signals up front so loads finishing mid-frame report on
	// the next frame instead of being swallowed
	var result UpdateResult
	for _, c := range clouds {
		if c.geometry.ConsumeDirty() {
			result.Dirty = true
		}
	}

	queue := newVisQueue()
	for _, c := range clouds {
		if c.geometry.Disposed() {
			continue
		}
		root := c.geometry.Root()
		queue.push(&visNode{
			node:     root,
			loader:   c.loader,
			weight:   math.Inf(1),
			distance: root.BoundingBox().Center().Sub(cam.Position).Norm(),
		})
	}

	var total int64
	admitting := true
	admitted := map[*octree.Node]struct{}{}
	var toLoad []*visNode

	for queue.Len() > 0 {
		vn := queue.pop()
		node := vn.node

		// subtrees outside the frustum are neither visited nor budgeted
		if !frustum.IntersectsBox(node.BoundingBox()) {
			continue
		}
		if p.minNodePixelSize > 0 && vn.weight < p.minNodePixelSize {
			continue
		}

		count := int64(node.NumPoints())
		if admitting && total+count > budget {
			// the admitted set is a strict priority prefix: the first rejection
			// closes admission for the rest of the frame
			admitting = false
		}
		if !admitting {
			continue
		}

		total += count
		admitted[node] = struct{}{}
		result.VisibleNodes++
		if !node.IsLoaded() && !node.IsLoading() {
			toLoad = append(toLoad, vn)
		}

		for _, child := range node.Children() {
			weight, distance := nodePriority(child, cam, projFactor)
			queue.push(&visNode{node: child, loader: vn.loader, weight: weight, distance: distance})
		}
	}
	result.ResidentPoints = total

	// synchronous eviction: every loaded node that fell out of the admitted set,
	// whether below the cut line or culled, releases its buffers now
	for _, c := range clouds {
		result.Evicted += evictOutside(c.geometry.Root(), admitted)
	}

	// asynchronous dispatch, highest priority first, capped by in-flight loads
	inFlight := int(p.inFlight.Load())
	for _, vn := range toLoad {
		if inFlight >= p.maxInFlight {
			break
		}
		if p.limiter != nil && !p.limiter.Allow() {
			break
		}
		node, ldr := vn.node, vn.loader
		p.inFlight.Inc()
		utils.PanicCapturingGo(func() {
			defer p.inFlight.Dec()
			if err := ldr.Load(ctx, node); err != nil {
				p.logger.Debugw("node load failed, will retry on re-selection",
					"node", node.Name(), "error", err)
			}
		})
		inFlight++
		result.LoadsIssued++
	}

	for _, c := range clouds {
		result.NumNodesLoading += c.geometry.NumNodesLoading()
	}
	return result
}

// nodePriority scores a candidate by its projected screen footprint. A camera inside
// the node's bounding sphere pins the node to the front of the queue; otherwise
// larger projected radii (bigger nodes, shallower levels, shorter distances) rank
// higher. Distance is carried for tie-breaking toward the closer node.
func nodePriority(node *octree.Node, cam Camera, projFactor float64) (float64, float64) {
	box := node.BoundingBox()
	center := box.Center()
	radius := box.Radius()
	distance := center.Sub(cam.Position).Norm()

	if distance <= radius {
		return math.Inf(1), distance
	}
	return radius * projFactor / distance, distance
}

func evictOutside(node *octree.Node, admitted map[*octree.Node]struct{}) int {
	evicted := 0
	if _, ok := admitted[node]; !ok && node.IsLoaded() {
		node.Evict()
		evicted++
	}
	for _, child := range node.Children() {
		evicted += evictOutside(child, admitted)
	}
	return evicted
}
