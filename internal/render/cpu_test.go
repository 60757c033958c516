package render

import (
	"image"
	"testing"
	"time"

	"github.com/sirupsen/logrus"
	"github.com/sirupsen/logrus/hooks/test"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gocv.io/x/gocv"

	"virtual-background/internal/core"
)

func quietLogger() *logrus.Logger {
	logger, _ := test.NewNullLogger()
	return logger
}

func solidFrame(width, height int, b, g, r float64) gocv.Mat {
	m := gocv.NewMatWithSize(height, width, gocv.MatTypeCV8UC3)
	m.SetTo(gocv.NewScalar(b, g, r, 0))
	return m
}

// gradientFrame varies along both axes and across channels so flips, swaps and blending show up
func gradientFrame(width, height int, seed int) gocv.Mat {
	m := gocv.NewMatWithSize(height, width, gocv.MatTypeCV8UC3)
	for y := 0; y < height; y++ {
		for x := 0; x < width; x++ {
			m.SetUCharAt(y, x*3, uint8((x*4+seed)%256))
			m.SetUCharAt(y, x*3+1, uint8((y*5+seed)%256))
			m.SetUCharAt(y, x*3+2, uint8((x+y+seed*3)%256))
		}
	}
	return m
}

// filledMask returns a cache whose mask is label (0 = subject everywhere, 1 = background)
func filledMask(t *testing.T, width, height int, subject bool) *core.MaskCache {
	t.Helper()
	label := 1.0
	if subject {
		label = 0
	}
	labels := gocv.NewMatWithSize(height, width, gocv.MatTypeCV8UC1)
	labels.SetTo(gocv.NewScalar(label, 0, 0, 0))
	result := &core.SegmentationResult{Kind: core.CategoryMask, Mask: labels}
	defer result.Close()

	cache := core.NewMaskCache(0.5, 0)
	require.NoError(t, cache.Update(result, image.Pt(width, height), time.Now()))
	return cache
}

func maxDiff(t *testing.T, a, b gocv.Mat) float64 {
	t.Helper()
	require.Equal(t, a.Cols(), b.Cols())
	require.Equal(t, a.Rows(), b.Rows())
	require.Equal(t, a.Type(), b.Type())
	return gocv.NormWithMats(a, b, gocv.NormInf)
}

func newTestCPU() *CPUCompositor {
	return NewCPUCompositor(DefaultParams(), quietLogger())
}

func TestCPUNoneIsExactPassThrough(t *testing.T) {
	c := newTestCPU()
	defer c.Close()
	frame := gradientFrame(640, 480, 3)
	defer frame.Close()
	mask := filledMask(t, 640, 480, false)
	defer mask.Close()
	dst := gocv.NewMat()
	defer dst.Close()

	require.NoError(t, c.Render(core.EffectNone, frame, mask, gocv.NewMat(), &dst))
	assert.Equal(t, 0.0, maxDiff(t, frame, dst))
}

func TestCPUWithoutMaskPassesThrough(t *testing.T) {
	c := newTestCPU()
	defer c.Close()
	frame := solidFrame(64, 48, 10, 20, 30)
	defer frame.Close()
	empty := core.NewMaskCache(0.5, 0)
	defer empty.Close()
	dst := gocv.NewMat()
	defer dst.Close()

	require.NoError(t, c.Render(core.EffectBlur, frame, empty, gocv.NewMat(), &dst))
	assert.Equal(t, 0.0, maxDiff(t, frame, dst))
	require.NoError(t, c.Render(core.EffectBlur, frame, nil, gocv.NewMat(), &dst))
	assert.Equal(t, 0.0, maxDiff(t, frame, dst))
}

// TestCPUStaticFullSubject verifies an all-subject mask shows the camera frame exactly
func TestCPUStaticFullSubject(t *testing.T) {
	c := newTestCPU()
	defer c.Close()
	frame := gradientFrame(64, 48, 7)
	defer frame.Close()
	background := gradientFrame(64, 48, 101)
	defer background.Close()
	mask := filledMask(t, 64, 48, true)
	defer mask.Close()
	dst := gocv.NewMat()
	defer dst.Close()

	require.NoError(t, c.Render(core.EffectStatic, frame, mask, background, &dst))
	assert.Equal(t, 0.0, maxDiff(t, frame, dst))
}

// TestCPUStaticNoSubject verifies an empty subject shows exactly the background resized to
// the frame
func TestCPUStaticNoSubject(t *testing.T) {
	c := newTestCPU()
	defer c.Close()
	frame := gradientFrame(64, 48, 7)
	defer frame.Close()
	background := gradientFrame(160, 120, 101)
	defer background.Close()
	mask := filledMask(t, 64, 48, false)
	defer mask.Close()
	dst := gocv.NewMat()
	defer dst.Close()

	require.NoError(t, c.Render(core.EffectStatic, frame, mask, background, &dst))

	expected := gocv.NewMat()
	defer expected.Close()
	gocv.Resize(background, &expected, image.Pt(64, 48), 0, 0, gocv.InterpolationLinear)
	assert.Equal(t, 0.0, maxDiff(t, expected, dst))

	same := gradientFrame(64, 48, 55)
	defer same.Close()
	require.NoError(t, c.Render(core.EffectStatic, frame, mask, same, &dst))
	assert.Equal(t, 0.0, maxDiff(t, same, dst))
}

func TestCPUStaticWithoutBackgroundPassesThrough(t *testing.T) {
	c := newTestCPU()
	defer c.Close()
	frame := solidFrame(64, 48, 200, 100, 50)
	defer frame.Close()
	mask := filledMask(t, 64, 48, false)
	defer mask.Close()
	dst := gocv.NewMat()
	defer dst.Close()
	none := gocv.NewMat()
	defer none.Close()

	require.NoError(t, c.Render(core.EffectStatic, frame, mask, none, &dst))
	assert.Equal(t, 0.0, maxDiff(t, frame, dst))
}

// TestCPUBlurUniformFrame verifies blurring a uniform frame leaves it unchanged whatever the mask
func TestCPUBlurUniformFrame(t *testing.T) {
	c := newTestCPU()
	defer c.Close()
	frame := solidFrame(64, 48, 90, 90, 90)
	defer frame.Close()
	mask := filledMask(t, 64, 48, false)
	defer mask.Close()
	dst := gocv.NewMat()
	defer dst.Close()

	require.NoError(t, c.Render(core.EffectBlur, frame, mask, gocv.NewMat(), &dst))
	assert.LessOrEqual(t, maxDiff(t, frame, dst), 1.0)
}

// TestCPUBlurSoftensBackground verifies background detail is blurred away
func TestCPUBlurSoftensBackground(t *testing.T) {
	c := newTestCPU()
	defer c.Close()

	// vertical stripes, 2 pixels wide
	frame := solidFrame(128, 96, 0, 0, 0)
	defer frame.Close()
	for x := 0; x < 128; x += 4 {
		stripe := frame.Region(image.Rect(x, 0, x+2, 96))
		stripe.SetTo(gocv.NewScalar(255, 255, 255, 0))
		stripe.Close()
	}
	mask := filledMask(t, 128, 96, false)
	defer mask.Close()
	dst := gocv.NewMat()
	defer dst.Close()

	require.NoError(t, c.Render(core.EffectBlur, frame, mask, gocv.NewMat(), &dst))
	gray := grayOf(dst)
	defer gray.Close()
	_, maxVal, _, _ := gocv.MinMaxLoc(gray)
	assert.Less(t, maxVal, float32(200))
}

func grayOf(m gocv.Mat) gocv.Mat {
	gray := gocv.NewMat()
	gocv.CvtColor(m, &gray, gocv.ColorBGRToGray)
	return gray
}

// TestCPUSurfacesPersist verifies surfaces are allocated once per frame size
func TestCPUSurfacesPersist(t *testing.T) {
	c := newTestCPU()
	defer c.Close()
	frame := solidFrame(64, 48, 200, 100, 50)
	defer frame.Close()
	background := solidFrame(64, 48, 0, 255, 0)
	defer background.Close()
	mask := filledMask(t, 64, 48, true)
	defer mask.Close()
	dst := gocv.NewMat()
	defer dst.Close()

	require.NoError(t, c.Render(core.EffectStatic, frame, mask, background, &dst))
	allocations := c.Allocations()
	for i := 0; i < 10; i++ {
		require.NoError(t, c.Render(core.EffectStatic, frame, mask, background, &dst))
		require.NoError(t, c.Render(core.EffectBlur, frame, mask, background, &dst))
	}
	assert.Equal(t, allocations, c.Allocations())

	larger := solidFrame(128, 96, 200, 100, 50)
	defer larger.Close()
	require.NoError(t, c.Render(core.EffectStatic, larger, mask, background, &dst))
	assert.Greater(t, c.Allocations(), allocations)
	assert.Equal(t, 128, dst.Cols())
}

func TestCPURejectsNonBGRFrame(t *testing.T) {
	c := newTestCPU()
	defer c.Close()
	gray := gocv.NewMatWithSize(48, 64, gocv.MatTypeCV8UC1)
	defer gray.Close()
	mask := filledMask(t, 64, 48, true)
	defer mask.Close()
	dst := gocv.NewMat()
	defer dst.Close()

	assert.Error(t, c.Render(core.EffectBlur, gray, mask, gocv.NewMat(), &dst))

	empty := gocv.NewMat()
	defer empty.Close()
	assert.Error(t, c.Render(core.EffectNone, empty, mask, gocv.NewMat(), &dst))
}
