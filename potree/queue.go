package potree

import (
	"container/heap"

	"github.com/virtuocityvr/three-loader/loader"
	"github.com/virtuocityvr/three-loader/octree"
)

// visNode is one traversal candidate: a node, the loader of its cloud, and its
// priority. Higher weight ranks first; equal weights break toward the node closer to
// the camera.
type visNode struct {
	node     *octree.Node
	loader   loader.Loader
	weight   float64
	distance float64
}

type visQueue []*visNode

func (q visQueue) Len() int { return len(q) }

func (q visQueue) Less(i, j int) bool {
	if q[i].weight != q[j].weight {
		return q[i].weight > q[j].weight
	}
	return q[i].distance < q[j].distance
}

func (q visQueue) Swap(i, j int) { q[i], q[j] = q[j], q[i] }

func (q *visQueue) Push(x any) { *q = append(*q, x.(*visNode)) }

func (q *visQueue) Pop() any {
	old := *q
	n := len(old)
	item := old[n-1]
	old[n-1] = nil
	*q = old[:n-1]
	return item
}

func newVisQueue() *visQueue {
	q := make(visQueue, 0, 64)
	heap.Init(&q)
	return &q
}

func (q *visQueue) push(v *visNode) { heap.Push(q, v) }

func (q *visQueue) pop() *visNode { return heap.Pop(q).(*visNode) }
