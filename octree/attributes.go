package octree

import (
	"github.com/pkg/errors"
)

// Well-known point attribute names as they appear in a cloud description.
const (
	AttrPositionCartesian  = "POSITION_CARTESIAN"
	AttrColorPacked        = "COLOR_PACKED"
	AttrIntensity          = "INTENSITY"
	AttrClassification     = "CLASSIFICATION"
	AttrNormalSphereMapped = "NORMAL_SPHEREMAPPED"
	AttrNormalOct16        = "NORMAL_OCT16"
	AttrNormal             = "NORMAL"
	AttrReturnNumber       = "RETURN_NUMBER"
	AttrNumberOfReturns    = "NUMBER_OF_RETURNS"
	AttrSourceID           = "SOURCE_ID"
)

// PointAttribute describes one semantic channel of a point record: its name, element
// count and total encoded byte size within the packed record.
type PointAttribute struct {
	Name        string
	NumElements int
	ByteSize    int
}

var knownAttributes = map[string]PointAttribute{
	AttrPositionCartesian:  {Name: AttrPositionCartesian, NumElements: 3, ByteSize: 12},
	AttrColorPacked:        {Name: AttrColorPacked, NumElements: 4, ByteSize: 4},
	AttrIntensity:          {Name: AttrIntensity, NumElements: 1, ByteSize: 2},
	AttrClassification:     {Name: AttrClassification, NumElements: 1, ByteSize: 1},
	AttrNormalSphereMapped: {Name: AttrNormalSphereMapped, NumElements: 2, ByteSize: 2},
	AttrNormalOct16:        {Name: AttrNormalOct16, NumElements: 2, ByteSize: 2},
	AttrNormal:             {Name: AttrNormal, NumElements: 3, ByteSize: 12},
	AttrReturnNumber:       {Name: AttrReturnNumber, NumElements: 1, ByteSize: 1},
	AttrNumberOfReturns:    {Name: AttrNumberOfReturns, NumElements: 1, ByteSize: 1},
	AttrSourceID:           {Name: AttrSourceID, NumElements: 1, ByteSize: 2},
}

// PointAttributes is the ordered schema of a point record; ByteSize is the packed size
// of one full record.
type PointAttributes struct {
	Attributes []PointAttribute
	ByteSize   int
}

// NewPointAttributes builds a schema from the ordered attribute names of a cloud
// description.
func NewPointAttributes(names []string) (PointAttributes, error) {
	attrs := PointAttributes{}
	for _, name := range names {
		attr, ok := knownAttributes[name]
		if !ok {
			return PointAttributes{}, errors.Errorf("unknown point attribute %q", name)
		}
		attrs.Attributes = append(attrs.Attributes, attr)
		attrs.ByteSize += attr.ByteSize
	}
	if attrs.ByteSize == 0 {
		return PointAttributes{}, errors.New("point attribute schema is empty")
	}
	return attrs, nil
}

// Has reports whether the schema contains the named attribute.
func (a PointAttributes) Has(name string) bool {
	for _, attr := range a.Attributes {
		if attr.Name == name {
			return true
		}
	}
	return false
}

// AttributeBuffers holds the typed per-channel buffers produced by a decode, one
// contiguous buffer per semantic channel. A node owns its buffers from the moment a
// decode attaches them until eviction releases them.
type AttributeBuffers struct {
	// Positions holds 3 float32 components per point, relative to the node's tight
	// bounding box origin.
	Positions []float32

	// Colors holds 4 uint8 components (RGBA) per point.
	Colors []uint8

	Intensities     []uint16
	Classifications []uint8
	ReturnNumbers   []uint8
	NumberOfReturns []uint8
	SourceIDs       []uint16

	// Normals holds 3 float32 components per point; zero-filled when the source
	// format carries no normals.
	Normals []float32

	// Indices holds 4 bytes per point, the little-endian ordinal of each point,
	// used downstream for point-scale animation and visibility marking.
	Indices []byte
}
