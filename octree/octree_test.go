package octree

import (
	"testing"

	"go.viam.com/test"
)

func TestVersionComparisons(t *testing.T) {
	_, err := NewVersion("not-a-version")
	test.That(t, err, test.ShouldNotBeNil)

	v13, err := NewVersion("1.3")
	test.That(t, err, test.ShouldBeNil)
	test.That(t, v13.String(), test.ShouldEqual, "1.3")
	test.That(t, v13.UpTo("1.5"), test.ShouldBeTrue)
	test.That(t, v13.UpTo("1.3"), test.ShouldBeTrue)
	test.That(t, v13.UpTo("1.2"), test.ShouldBeFalse)
	test.That(t, v13.EqualOrHigher("1.4"), test.ShouldBeFalse)
	test.That(t, v13.EqualOrHigher("1.3"), test.ShouldBeTrue)

	v17, err := NewVersion("1.7")
	test.That(t, err, test.ShouldBeNil)
	test.That(t, v17.EqualOrHigher("1.4"), test.ShouldBeTrue)
	test.That(t, v17.UpTo("1.5"), test.ShouldBeFalse)
}

func TestPointAttributesSchema(t *testing.T) {
	attrs, err := NewPointAttributes([]string{AttrPositionCartesian, AttrColorPacked, AttrIntensity})
	test.That(t, err, test.ShouldBeNil)
	test.That(t, attrs.ByteSize, test.ShouldEqual, 18)
	test.That(t, attrs.Has(AttrColorPacked), test.ShouldBeTrue)
	test.That(t, attrs.Has(AttrNormal), test.ShouldBeFalse)

	_, err = NewPointAttributes([]string{"GARBAGE"})
	test.That(t, err, test.ShouldNotBeNil)

	_, err = NewPointAttributes(nil)
	test.That(t, err, test.ShouldNotBeNil)
}
