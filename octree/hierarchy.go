package octree

import (
	"encoding/binary"

	"github.com/pkg/errors"
)

// hierarchyRecordSize is the packed size of one hierarchy record: a child-presence
// mask byte followed by a little-endian uint32 point count.
const hierarchyRecordSize = 5

// ExpandHierarchy grows the tree shape below this node from the contents of its
// hierarchy (.hrc) file: one record per node, breadth first, the node's own record
// first. Existing children are left untouched, so expansion is idempotent. No node is
// ever removed; only loaded payloads are transient.
func (n *Node) ExpandHierarchy(data []byte) error {
	if len(data) < hierarchyRecordSize {
		return errors.Errorf("hierarchy data for %s too short (%d bytes)", n.name, len(data))
	}

	mask := data[0]
	count := int(binary.LittleEndian.Uint32(data[1:5]))
	n.mu.Lock()
	n.childMask |= mask
	if !n.loaded && count > 0 {
		n.numPoints = count
	}
	n.hierarchyLoaded = true
	n.mu.Unlock()

	type pending struct {
		node *Node
		mask byte
	}
	queue := []pending{{node: n, mask: mask}}
	offset := hierarchyRecordSize

	for len(queue) > 0 {
		cur := queue[0]
		queue = queue[1:]
		for i := 0; i < 8; i++ {
			if cur.mask&(1<<uint(i)) == 0 {
				continue
			}
			if offset+hierarchyRecordSize > len(data) {
				return errors.Errorf("hierarchy data for %s truncated at offset %d", n.name, offset)
			}
			childMask := data[offset]
			childCount := int(binary.LittleEndian.Uint32(data[offset+1 : offset+5]))
			offset += hierarchyRecordSize

			child := cur.node.Child(i)
			if child == nil {
				var err error
				child, err = cur.node.AddChild(i, childCount)
				if err != nil {
					return err
				}
			}
			child.mu.Lock()
			child.childMask |= childMask
			if !child.loaded && childCount > 0 {
				child.numPoints = childCount
			}
			child.mu.Unlock()

			queue = append(queue, pending{node: child, mask: childMask})
		}
	}
	return nil
}
