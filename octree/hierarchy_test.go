package octree

import (
	"encoding/binary"
	"testing"

	"go.viam.com/test"
)

func hrcRecord(mask byte, numPoints uint32) []byte {
	buf := make([]byte, hierarchyRecordSize)
	buf[0] = mask
	binary.LittleEndian.PutUint32(buf[1:], numPoints)
	return buf
}

func TestExpandHierarchy(t *testing.T) {
	g := testGeometry(t, "1.7")
	root := g.Root()

	// root has children 0 and 2; child 0 has a child 0 of its own
	var data []byte
	data = append(data, hrcRecord(0b101, 100)...) // r
	data = append(data, hrcRecord(0b001, 50)...)  // r0
	data = append(data, hrcRecord(0, 25)...)      // r2
	data = append(data, hrcRecord(0, 10)...)      // r00

	test.That(t, root.ExpandHierarchy(data), test.ShouldBeNil)
	test.That(t, root.HierarchyLoaded(), test.ShouldBeTrue)
	test.That(t, root.NumPoints(), test.ShouldEqual, 100)

	r0 := root.Child(0)
	r2 := root.Child(2)
	test.That(t, r0, test.ShouldNotBeNil)
	test.That(t, r2, test.ShouldNotBeNil)
	test.That(t, root.Child(1), test.ShouldBeNil)
	test.That(t, r0.NumPoints(), test.ShouldEqual, 50)
	test.That(t, r2.NumPoints(), test.ShouldEqual, 25)

	r00 := r0.Child(0)
	test.That(t, r00, test.ShouldNotBeNil)
	test.That(t, r00.Name(), test.ShouldEqual, "r00")
	test.That(t, r00.NumPoints(), test.ShouldEqual, 10)
	test.That(t, r00.Level(), test.ShouldEqual, 2)

	// expansion is idempotent: re-expanding leaves the shape intact
	test.That(t, root.ExpandHierarchy(data), test.ShouldBeNil)
	test.That(t, len(root.Children()), test.ShouldEqual, 2)
}

func TestExpandHierarchyTruncated(t *testing.T) {
	g := testGeometry(t, "1.7")
	root := g.Root()

	test.That(t, root.ExpandHierarchy(nil), test.ShouldNotBeNil)

	// root claims a child but the record for it is missing
	err := root.ExpandHierarchy(hrcRecord(0b1, 100))
	test.That(t, err, test.ShouldNotBeNil)
	test.That(t, err.Error(), test.ShouldContainSubstring, "truncated")
}
