package loader

import (
	"encoding/binary"
	"math"

	"github.com/golang/geo/r3"
	"github.com/pkg/errors"

	"github.com/virtuocityvr/three-loader/octree"
)

// decodeBinary decodes a flat sequence of packed point records into per-attribute
// buffers. Positions are node-local: encoded integer coordinates times the tree scale.
// Runs on a pool worker.
func decodeBinary(data []byte, attrs octree.PointAttributes, numPoints int, scale float64) (*DecodedChunk, error) {
	if numPoints < 0 || numPoints*attrs.ByteSize > len(data) {
		return nil, errors.Errorf("binary payload too short: %d bytes for %d points of %d bytes",
			len(data), numPoints, attrs.ByteSize)
	}

	chunk := &DecodedChunk{NumPoints: numPoints}
	b := &chunk.Buffers
	stride := attrs.ByteSize

	min := r3.Vector{X: math.Inf(1), Y: math.Inf(1), Z: math.Inf(1)}
	max := r3.Vector{X: math.Inf(-1), Y: math.Inf(-1), Z: math.Inf(-1)}
	var sum r3.Vector
	hasNormals := false

	attrOffset := 0
	for _, attr := range attrs.Attributes {
		switch attr.Name {
		case octree.AttrPositionCartesian:
			b.Positions = make([]float32, 3*numPoints)
			for j := 0; j < numPoints; j++ {
				off := j*stride + attrOffset
				x := float64(binary.LittleEndian.Uint32(data[off:])) * scale
				y := float64(binary.LittleEndian.Uint32(data[off+4:])) * scale
				z := float64(binary.LittleEndian.Uint32(data[off+8:])) * scale
				b.Positions[3*j] = float32(x)
				b.Positions[3*j+1] = float32(y)
				b.Positions[3*j+2] = float32(z)

				min.X = math.Min(min.X, x)
				min.Y = math.Min(min.Y, y)
				min.Z = math.Min(min.Z, z)
				max.X = math.Max(max.X, x)
				max.Y = math.Max(max.Y, y)
				max.Z = math.Max(max.Z, z)
				sum = sum.Add(r3.Vector{X: x, Y: y, Z: z})
			}
		case octree.AttrColorPacked:
			b.Colors = make([]uint8, 4*numPoints)
			for j := 0; j < numPoints; j++ {
				off := j*stride + attrOffset
				copy(b.Colors[4*j:4*j+4], data[off:off+4])
			}
		case octree.AttrIntensity:
			b.Intensities = make([]uint16, numPoints)
			for j := 0; j < numPoints; j++ {
				b.Intensities[j] = binary.LittleEndian.Uint16(data[j*stride+attrOffset:])
			}
		case octree.AttrClassification:
			b.Classifications = make([]uint8, numPoints)
			for j := 0; j < numPoints; j++ {
				b.Classifications[j] = data[j*stride+attrOffset]
			}
		case octree.AttrNormalSphereMapped:
			hasNormals = true
			b.Normals = make([]float32, 3*numPoints)
			for j := 0; j < numPoints; j++ {
				off := j*stride + attrOffset
				nx, ny, nz := decodeSphereMappedNormal(data[off], data[off+1])
				b.Normals[3*j] = float32(nx)
				b.Normals[3*j+1] = float32(ny)
				b.Normals[3*j+2] = float32(nz)
			}
		case octree.AttrNormalOct16:
			hasNormals = true
			b.Normals = make([]float32, 3*numPoints)
			for j := 0; j < numPoints; j++ {
				off := j*stride + attrOffset
				nx, ny, nz := decodeOct16Normal(data[off], data[off+1])
				b.Normals[3*j] = float32(nx)
				b.Normals[3*j+1] = float32(ny)
				b.Normals[3*j+2] = float32(nz)
			}
		case octree.AttrNormal:
			hasNormals = true
			b.Normals = make([]float32, 3*numPoints)
			for j := 0; j < numPoints; j++ {
				off := j*stride + attrOffset
				b.Normals[3*j] = math.Float32frombits(binary.LittleEndian.Uint32(data[off:]))
				b.Normals[3*j+1] = math.Float32frombits(binary.LittleEndian.Uint32(data[off+4:]))
				b.Normals[3*j+2] = math.Float32frombits(binary.LittleEndian.Uint32(data[off+8:]))
			}
		default:
			// channels this format does not carry are skipped; the record stride
			// still accounts for them
		}
		attrOffset += attr.ByteSize
	}

	if !hasNormals {
		b.Normals = make([]float32, 3*numPoints)
	}
	b.Indices = make([]byte, 4*numPoints)
	for j := 0; j < numPoints; j++ {
		binary.LittleEndian.PutUint32(b.Indices[4*j:], uint32(j))
	}

	if numPoints > 0 {
		chunk.Min = min
		chunk.Max = max
		chunk.Mean = sum.Mul(1 / float64(numPoints))
	}
	return chunk, nil
}

// decodeSphereMappedNormal reverses the two-byte sphere-mapped normal encoding.
func decodeSphereMappedNormal(bx, by byte) (float64, float64, float64) {
	ex := float64(bx) / 255
	ey := float64(by) / 255

	nx := ex*2 - 1
	ny := ey*2 - 1
	l := nx*-nx + ny*-ny + 1
	s := math.Sqrt(math.Max(l, 0))

	return nx * s * 2, ny * s * 2, l*2 - 1
}

// decodeOct16Normal reverses the two-byte octahedral normal encoding.
func decodeOct16Normal(bx, by byte) (float64, float64, float64) {
	u := float64(int(bx)-128) / 127
	v := float64(int(by)-128) / 127
	z := 1 - math.Abs(u) - math.Abs(v)

	var x, y float64
	if z >= 0 {
		x, y = u, v
	} else {
		x = (1 - math.Abs(v)) * signNonZero(u)
		y = (1 - math.Abs(u)) * signNonZero(v)
	}

	length := math.Sqrt(x*x + y*y + z*z)
	if length == 0 {
		return 0, 0, 0
	}
	return x / length, y / length, z / length
}

// signNonZero treats zero as positive so the lower-hemisphere unwrap never divides
// a component away entirely; encodings on the octahedron seams stay finite.
func signNonZero(v float64) float64 {
	if v < 0 {
		return -1
	}
	return 1
}
