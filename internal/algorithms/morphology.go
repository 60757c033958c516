// Morphological cleanup of binary masks
package algorithms

import (
	"image"

	"gocv.io/x/gocv"
)

// MaskCleaner removes isolated speckles from a binary mask with a morphological opening.
// The structuring element is built once and reused.
type MaskCleaner struct {
	radius int
	kernel gocv.Mat
}

// NewMaskCleaner creates a cleaner; a radius of zero disables it
func NewMaskCleaner(radius int) *MaskCleaner {
	mc := &MaskCleaner{radius: radius}
	if radius > 0 {
		size := 2*radius + 1
		mc.kernel = gocv.GetStructuringElement(gocv.MorphEllipse, image.Pt(size, size))
	}
	return mc
}

func (mc *MaskCleaner) Enabled() bool {
	return mc != nil && mc.radius > 0
}

// Apply opens the mask in place
func (mc *MaskCleaner) Apply(mask *gocv.Mat) {
	if !mc.Enabled() || mask.Empty() {
		return
	}
	gocv.MorphologyEx(*mask, mask, gocv.MorphOpen, mc.kernel)
}

func (mc *MaskCleaner) Close() {
	if mc.Enabled() {
		mc.kernel.Close()
	}
}
