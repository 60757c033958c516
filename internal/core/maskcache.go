// Mask cache holding the most recently completed segmentation mask
package core

import (
	"fmt"
	"image"
	"time"

	"gocv.io/x/gocv"

	"virtual-background/internal/algorithms"
)

// MaskCache owns the live mask (8UC1, 255 = subject) and its alpha image (8UC4, RGB fixed to
// white, alpha = mask). Buffers are overwritten in place while the size stays the same and
// reallocated only when it changes.
//
// The cache is not safe for concurrent use: it is written and read by the tick goroutine only.
// Inference completions reach it through the scheduler's inbox.
type MaskCache struct {
	mask    gocv.Mat
	alpha   gocv.Mat
	white   gocv.Mat
	binary  gocv.Mat // binarized result at inference resolution
	scratch gocv.Mat // float threshold output for confidence masks
	planes  []gocv.Mat

	threshold float32
	cleaner   *algorithms.MaskCleaner

	updatedAt   time.Time
	updates     uint64
	allocations int
}

// NewMaskCache creates an empty cache. threshold applies to confidence masks, cleanupRadius to
// the optional morphological opening (0 disables it).
func NewMaskCache(threshold float32, cleanupRadius int) *MaskCache {
	if threshold <= 0 || threshold >= 1 {
		threshold = algorithms.DefaultConfidenceThreshold
	}
	return &MaskCache{
		mask:      gocv.NewMat(),
		alpha:     gocv.NewMat(),
		white:     gocv.NewMat(),
		binary:    gocv.NewMat(),
		scratch:   gocv.NewMat(),
		threshold: threshold,
		cleaner:   algorithms.NewMaskCleaner(cleanupRadius),
	}
}

// Update converts result into the cached mask at size (the resolution of the frame the request
// was issued for). Nothing visible to the compositor changes when an error is returned.
func (c *MaskCache) Update(result *SegmentationResult, size image.Point, now time.Time) error {
	if result == nil || result.Mask.Empty() {
		return fmt.Errorf("empty segmentation result")
	}
	if size.X <= 0 || size.Y <= 0 {
		return fmt.Errorf("invalid mask dimensions: %dx%d", size.X, size.Y)
	}

	rs := result.Size()
	c.ensure(&c.binary, rs, gocv.MatTypeCV8UC1)

	var err error
	switch result.Kind {
	case CategoryMask:
		err = algorithms.BinarizeCategories(result.Mask, &c.binary)
	case ConfidenceMask:
		c.ensure(&c.scratch, rs, gocv.MatTypeCV32FC1)
		err = algorithms.BinarizeConfidence(result.Mask, &c.scratch, &c.binary, c.threshold)
	default:
		err = fmt.Errorf("unsupported result kind: %d", result.Kind)
	}
	if err != nil {
		return err
	}

	c.cleaner.Apply(&c.binary)

	// Everything above only touched scratch buffers; from here on the live mask is rewritten.
	if c.ensure(&c.mask, size, gocv.MatTypeCV8UC1) {
		c.ensure(&c.alpha, size, gocv.MatTypeCV8UC4)
	}
	if c.ensure(&c.white, size, gocv.MatTypeCV8UC1) {
		c.white.SetTo(gocv.NewScalar(255, 255, 255, 255))
	}

	if rs == size {
		c.binary.CopyTo(&c.mask)
	} else {
		gocv.Resize(c.binary, &c.mask, size, 0, 0, gocv.InterpolationNearestNeighbor)
	}

	c.planes = append(c.planes[:0], c.white, c.white, c.white, c.mask)
	gocv.Merge(c.planes, &c.alpha)

	c.updatedAt = now
	c.updates++
	return nil
}

// ensure (re)allocates m when its size or type differs and reports whether it did
func (c *MaskCache) ensure(m *gocv.Mat, size image.Point, mt gocv.MatType) bool {
	if !m.Empty() && m.Cols() == size.X && m.Rows() == size.Y && m.Type() == mt {
		return false
	}
	m.Close()
	*m = gocv.NewMatWithSize(size.Y, size.X, mt)
	c.allocations++
	return true
}

// Empty reports whether no inference has completed yet
func (c *MaskCache) Empty() bool {
	return c.updates == 0
}

// Mask returns the live single-channel mask. The Mat stays owned by the cache.
func (c *MaskCache) Mask() gocv.Mat {
	return c.mask
}

// Alpha returns the RGBA alpha image used as a texture. The Mat stays owned by the cache.
func (c *MaskCache) Alpha() gocv.Mat {
	return c.alpha
}

// Size of the cached mask; zero while empty
func (c *MaskCache) Size() image.Point {
	if c.Empty() {
		return image.Point{}
	}
	return image.Pt(c.mask.Cols(), c.mask.Rows())
}

func (c *MaskCache) UpdatedAt() time.Time {
	return c.updatedAt
}

// Age of the cached mask at now; zero while empty
func (c *MaskCache) Age(now time.Time) time.Duration {
	if c.Empty() {
		return 0
	}
	return now.Sub(c.updatedAt)
}

// Updates counts successful updates
func (c *MaskCache) Updates() uint64 {
	return c.updates
}

// Allocations counts buffer (re)allocations. It stays constant once the frame and inference
// resolutions are stable.
func (c *MaskCache) Allocations() int {
	return c.allocations
}

// Close releases all buffers
func (c *MaskCache) Close() {
	c.mask.Close()
	c.alpha.Close()
	c.white.Close()
	c.binary.Close()
	c.scratch.Close()
	c.cleaner.Close()
	c.planes = nil
}
