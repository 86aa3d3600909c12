package loader

import (
	"context"
	"encoding/binary"
	"math"
	"sync"
	"testing"

	"github.com/edaniels/golog"
	"github.com/golang/geo/r3"
	"github.com/pkg/errors"
	"go.viam.com/test"

	"github.com/virtuocityvr/three-loader/octree"
	"github.com/virtuocityvr/three-loader/spatialmath"
)

type fakeFetcher struct {
	mu    sync.Mutex
	data  map[string][]byte
	calls map[string]int
	gate  chan struct{}
}

func newFakeFetcher() *fakeFetcher {
	return &fakeFetcher{data: map[string][]byte{}, calls: map[string]int{}}
}

func (f *fakeFetcher) Fetch(_ context.Context, url string) ([]byte, error) {
	if f.gate != nil {
		<-f.gate
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls[url]++
	d, ok := f.data[url]
	if !ok {
		return nil, errors.Errorf("no payload for %s", url)
	}
	return d, nil
}

func (f *fakeFetcher) callCount(url string) int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.calls[url]
}

func binaryGeometry(t *testing.T, version string, names []string) *octree.Geometry {
	t.Helper()
	attrs, err := octree.NewPointAttributes(names)
	test.That(t, err, test.ShouldBeNil)
	g, err := octree.NewGeometry(octree.GeometryConfig{
		Version:           version,
		BoundingBox:       spatialmath.BoundingBox{Max: r3.Vector{X: 8, Y: 8, Z: 8}},
		Scale:             0.5,
		Spacing:           1,
		HierarchyStepSize: 5,
		PointAttributes:   attrs,
		OctreeDir:         "data",
	}, golog.NewTestLogger(t))
	test.That(t, err, test.ShouldBeNil)
	return g
}

// three packed records: position (3x uint32), packed color, intensity, classification
func binaryPayload(points [][3]uint32) []byte {
	var buf []byte
	for i, p := range points {
		var rec [19]byte
		binary.LittleEndian.PutUint32(rec[0:], p[0])
		binary.LittleEndian.PutUint32(rec[4:], p[1])
		binary.LittleEndian.PutUint32(rec[8:], p[2])
		rec[12], rec[13], rec[14], rec[15] = byte(10*i), byte(10*i+1), byte(10*i+2), 255
		binary.LittleEndian.PutUint16(rec[16:], uint16(100+i))
		rec[18] = byte(i)
		buf = append(buf, rec[:]...)
	}
	return buf
}

func hrcRecord(mask byte, numPoints uint32) []byte {
	buf := make([]byte, 5)
	buf[0] = mask
	binary.LittleEndian.PutUint32(buf[1:], numPoints)
	return buf
}

func fullBinarySchema() []string {
	return []string{
		octree.AttrPositionCartesian, octree.AttrColorPacked,
		octree.AttrIntensity, octree.AttrClassification,
	}
}

func TestBinaryNodeURLVersionGating(t *testing.T) {
	fetcher := newFakeFetcher()
	logger := golog.NewTestLogger(t)

	old := NewBinaryLoader(fetcher, logger)
	test.That(t, old.NodeURL(binaryGeometry(t, "1.3", fullBinarySchema()).Root()),
		test.ShouldEqual, "data/r/r")

	loader := NewBinaryLoader(fetcher, logger)
	test.That(t, loader.NodeURL(binaryGeometry(t, "1.4", fullBinarySchema()).Root()),
		test.ShouldEqual, "data/r/r.bin")
	test.That(t, loader.NodeURL(binaryGeometry(t, "1.7", fullBinarySchema()).Root()),
		test.ShouldEqual, "data/r/r.bin")
}

func TestBinaryLoadDecodesBuffers(t *testing.T) {
	g := binaryGeometry(t, "1.4", fullBinarySchema())
	node := g.Root()
	node.SetNumPoints(3)

	fetcher := newFakeFetcher()
	fetcher.data["data/r/r.bin"] = binaryPayload([][3]uint32{{0, 0, 0}, {2, 4, 6}, {4, 2, 8}})

	loader := NewBinaryLoader(fetcher, golog.NewTestLogger(t))
	defer loader.Dispose()
	test.That(t, loader.Load(context.Background(), node), test.ShouldBeNil)

	test.That(t, node.IsLoaded(), test.ShouldBeTrue)
	test.That(t, node.IsLoading(), test.ShouldBeFalse)
	test.That(t, node.NumPoints(), test.ShouldEqual, 3)

	buffers, ok := node.Buffers()
	test.That(t, ok, test.ShouldBeTrue)
	// scale 0.5 applied to encoded integer coordinates
	test.That(t, buffers.Positions, test.ShouldResemble, []float32{0, 0, 0, 1, 2, 3, 2, 1, 4})
	test.That(t, buffers.Colors[:4], test.ShouldResemble, []uint8{0, 1, 2, 255})
	test.That(t, buffers.Intensities, test.ShouldResemble, []uint16{100, 101, 102})
	test.That(t, buffers.Classifications, test.ShouldResemble, []uint8{0, 1, 2})
	// schema has no normals: a zero-filled buffer is synthesized
	test.That(t, buffers.Normals, test.ShouldResemble, make([]float32, 9))
	test.That(t, binary.LittleEndian.Uint32(buffers.Indices[4:8]), test.ShouldEqual, uint32(1))

	tight, ok := node.TightBoundingBox()
	test.That(t, ok, test.ShouldBeTrue)
	test.That(t, tight.Min, test.ShouldResemble, r3.Vector{})
	test.That(t, tight.Max, test.ShouldResemble, r3.Vector{X: 2, Y: 2, Z: 4})

	mean := node.Mean()
	test.That(t, mean.X, test.ShouldAlmostEqual, 1, 1e-9)
	test.That(t, mean.Y, test.ShouldAlmostEqual, 1, 1e-9)
	test.That(t, mean.Z, test.ShouldAlmostEqual, 7.0/3, 1e-9)

	m := PositionMatrix(buffers)
	r, c := m.Dims()
	test.That(t, r, test.ShouldEqual, 3)
	test.That(t, c, test.ShouldEqual, 3)
	test.That(t, m.At(1, 2), test.ShouldAlmostEqual, 3, 1e-9)

	// idempotence: a second load performs no fetch
	test.That(t, fetcher.callCount("data/r/r.bin"), test.ShouldEqual, 1)
	test.That(t, loader.Load(context.Background(), node), test.ShouldBeNil)
	test.That(t, fetcher.callCount("data/r/r.bin"), test.ShouldEqual, 1)
}

func TestBinaryLoadLegacyPointCount(t *testing.T) {
	g := binaryGeometry(t, "1.3", fullBinarySchema())
	node := g.Root()
	// the old-era hierarchy estimate lies; byte length is authoritative
	node.SetNumPoints(99)

	fetcher := newFakeFetcher()
	fetcher.data["data/r/r"] = binaryPayload([][3]uint32{{0, 0, 0}, {2, 2, 2}})

	loader := NewBinaryLoader(fetcher, golog.NewTestLogger(t))
	defer loader.Dispose()
	test.That(t, loader.Load(context.Background(), node), test.ShouldBeNil)
	test.That(t, node.IsLoaded(), test.ShouldBeTrue)
	test.That(t, node.NumPoints(), test.ShouldEqual, 2)
}

func TestBinaryLoadHierarchyExpansion(t *testing.T) {
	g := binaryGeometry(t, "1.7", fullBinarySchema())
	node := g.Root()

	fetcher := newFakeFetcher()
	var hrc []byte
	hrc = append(hrc, hrcRecord(0b1, 2)...) // r has child 0
	hrc = append(hrc, hrcRecord(0, 1)...)   // r0
	fetcher.data["data/r/r.hrc"] = hrc
	fetcher.data["data/r/r.bin"] = binaryPayload([][3]uint32{{0, 0, 0}, {2, 2, 2}})

	loader := NewBinaryLoader(fetcher, golog.NewTestLogger(t))
	defer loader.Dispose()
	test.That(t, loader.Load(context.Background(), node), test.ShouldBeNil)

	test.That(t, node.IsLoaded(), test.ShouldBeTrue)
	r0 := node.Child(0)
	test.That(t, r0, test.ShouldNotBeNil)
	test.That(t, r0.NumPoints(), test.ShouldEqual, 1)
	test.That(t, r0.IsLoaded(), test.ShouldBeFalse)
}

func TestBinaryLoadFailureIsRetryable(t *testing.T) {
	g := binaryGeometry(t, "1.4", fullBinarySchema())
	node := g.Root()

	fetcher := newFakeFetcher()
	loader := NewBinaryLoader(fetcher, golog.NewTestLogger(t))
	defer loader.Dispose()

	err := loader.Load(context.Background(), node)
	test.That(t, err, test.ShouldNotBeNil)
	test.That(t, node.IsLoaded(), test.ShouldBeFalse)
	test.That(t, node.IsLoading(), test.ShouldBeFalse)
	test.That(t, g.NumNodesLoading(), test.ShouldEqual, 0)

	// the next traversal pass can re-request it
	fetcher.mu.Lock()
	fetcher.data["data/r/r.bin"] = binaryPayload([][3]uint32{{2, 2, 2}})
	fetcher.mu.Unlock()
	test.That(t, loader.Load(context.Background(), node), test.ShouldBeNil)
	test.That(t, node.IsLoaded(), test.ShouldBeTrue)
}

func TestBinaryLoaderDisposeMidLoad(t *testing.T) {
	g := binaryGeometry(t, "1.4", fullBinarySchema())
	node := g.Root()

	fetcher := newFakeFetcher()
	fetcher.data["data/r/r.bin"] = binaryPayload([][3]uint32{{2, 2, 2}})
	fetcher.gate = make(chan struct{})

	loader := NewBinaryLoader(fetcher, golog.NewTestLogger(t))

	done := make(chan error, 1)
	go func() {
		done <- loader.Load(context.Background(), node)
	}()

	loader.Dispose()
	close(fetcher.gate)
	<-done

	// the in-flight load's completion must not have altered node state
	test.That(t, node.IsLoaded(), test.ShouldBeFalse)
	test.That(t, node.IsLoading(), test.ShouldBeFalse)
	_, ok := node.Buffers()
	test.That(t, ok, test.ShouldBeFalse)

	// loading through a disposed loader resolves immediately
	test.That(t, loader.Load(context.Background(), node), test.ShouldBeNil)
	test.That(t, node.IsLoaded(), test.ShouldBeFalse)
}

func TestDecodeBinaryNormals(t *testing.T) {
	attrs, err := octree.NewPointAttributes([]string{
		octree.AttrPositionCartesian, octree.AttrNormal,
	})
	test.That(t, err, test.ShouldBeNil)

	var rec [24]byte
	binary.LittleEndian.PutUint32(rec[0:], 2)
	binary.LittleEndian.PutUint32(rec[4:], 4)
	binary.LittleEndian.PutUint32(rec[8:], 6)
	binary.LittleEndian.PutUint32(rec[12:], math.Float32bits(0))
	binary.LittleEndian.PutUint32(rec[16:], math.Float32bits(0))
	binary.LittleEndian.PutUint32(rec[20:], math.Float32bits(1))

	chunk, err := decodeBinary(rec[:], attrs, 1, 1)
	test.That(t, err, test.ShouldBeNil)
	test.That(t, chunk.Buffers.Normals, test.ShouldResemble, []float32{0, 0, 1})
	test.That(t, chunk.Buffers.Positions, test.ShouldResemble, []float32{2, 4, 6})

	// payload shorter than the claimed point count is a decode failure
	_, err = decodeBinary(rec[:10], attrs, 1, 1)
	test.That(t, err, test.ShouldNotBeNil)
}

func TestDecodeNormalEncodings(t *testing.T) {
	// sphere-mapped encoding of the +Z axis round-trips to (0,0,1)
	x, y, z := decodeSphereMappedNormal(127, 127)
	test.That(t, x, test.ShouldAlmostEqual, 0, 1e-2)
	test.That(t, y, test.ShouldAlmostEqual, 0, 1e-2)
	test.That(t, z, test.ShouldAlmostEqual, 1, 1e-2)

	// oct16 encoding of the +Z axis: u=0, v=0
	x, y, z = decodeOct16Normal(128, 128)
	test.That(t, x, test.ShouldAlmostEqual, 0, 1e-9)
	test.That(t, y, test.ShouldAlmostEqual, 0, 1e-9)
	test.That(t, z, test.ShouldAlmostEqual, 1, 1e-9)

	// all decoded normals are finite and unit length, including the octahedron-seam
	// encodings where one component is exactly zero
	for _, enc := range [][2]byte{{0, 0}, {255, 255}, {200, 40}, {60, 70}, {128, 0}, {0, 128}, {128, 255}, {255, 128}} {
		x, y, z = decodeOct16Normal(enc[0], enc[1])
		test.That(t, math.IsNaN(x) || math.IsNaN(y) || math.IsNaN(z), test.ShouldBeFalse)
		test.That(t, math.Sqrt(x*x+y*y+z*z), test.ShouldAlmostEqual, 1, 1e-9)
	}
}
