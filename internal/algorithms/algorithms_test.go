package algorithms

import (
	"image"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gocv.io/x/gocv"
)

func TestBinarizeCategories(t *testing.T) {
	labels := gocv.NewMatWithSize(2, 3, gocv.MatTypeCV8UC1)
	defer labels.Close()
	for c, v := range []uint8{0, 1, 2} {
		labels.SetUCharAt(0, c, v)
		labels.SetUCharAt(1, c, v)
	}
	dst := gocv.NewMat()
	defer dst.Close()

	require.NoError(t, BinarizeCategories(labels, &dst))
	assert.Equal(t, uint8(255), dst.GetUCharAt(0, 0))
	assert.Equal(t, uint8(0), dst.GetUCharAt(0, 1))
	assert.Equal(t, uint8(0), dst.GetUCharAt(1, 2))

	float := gocv.NewMatWithSize(2, 2, gocv.MatTypeCV32FC1)
	defer float.Close()
	assert.Error(t, BinarizeCategories(float, &dst))
	empty := gocv.NewMat()
	defer empty.Close()
	assert.Error(t, BinarizeCategories(empty, &dst))
}

func TestBinarizeConfidence(t *testing.T) {
	conf := gocv.NewMatWithSize(1, 3, gocv.MatTypeCV32FC1)
	defer conf.Close()
	conf.SetFloatAt(0, 0, 0.2)
	conf.SetFloatAt(0, 1, 0.5)
	conf.SetFloatAt(0, 2, 0.9)
	scratch := gocv.NewMat()
	defer scratch.Close()
	dst := gocv.NewMat()
	defer dst.Close()

	require.NoError(t, BinarizeConfidence(conf, &scratch, &dst, 0.5))
	assert.Equal(t, gocv.MatTypeCV8UC1, dst.Type())
	assert.Equal(t, uint8(0), dst.GetUCharAt(0, 0))
	assert.Equal(t, uint8(0), dst.GetUCharAt(0, 1), "the threshold itself is background")
	assert.Equal(t, uint8(255), dst.GetUCharAt(0, 2))

	assert.Error(t, BinarizeConfidence(conf, &scratch, &dst, 0))
	assert.Error(t, BinarizeConfidence(conf, &scratch, &dst, 1))
}

func TestGaussianFilter(t *testing.T) {
	g := NewGaussianFilter(2)
	assert.Equal(t, 13, g.KernelSize())
	assert.NoError(t, g.Validate())
	assert.Error(t, NewGaussianFilter(100).Validate())
	assert.Equal(t, 1, NewGaussianFilter(0).KernelSize())

	// a single bright pixel spreads out
	input := gocv.NewMatWithSize(21, 21, gocv.MatTypeCV8UC1)
	defer input.Close()
	input.SetTo(gocv.NewScalar(0, 0, 0, 0))
	input.SetUCharAt(10, 10, 255)
	out := gocv.NewMat()
	defer out.Close()

	require.NoError(t, g.Apply(input, &out))
	assert.Less(t, out.GetUCharAt(10, 10), uint8(255))
	assert.Greater(t, out.GetUCharAt(10, 12), uint8(0))

	empty := gocv.NewMat()
	defer empty.Close()
	assert.Error(t, g.Apply(empty, &out))
}

func TestZeroSigmaCopies(t *testing.T) {
	input := gocv.NewMatWithSize(4, 4, gocv.MatTypeCV8UC1)
	defer input.Close()
	input.SetTo(gocv.NewScalar(7, 0, 0, 0))
	out := gocv.NewMat()
	defer out.Close()

	require.NoError(t, NewFeatherFilter(0).Apply(input, &out))
	assert.Equal(t, uint8(7), out.GetUCharAt(3, 3))
	require.NoError(t, NewFeatherFilter(0).Apply(input, &input))
}

// TestFeatherKeepsOpaqueEdges verifies a fully opaque mask stays opaque at the frame border
func TestFeatherKeepsOpaqueEdges(t *testing.T) {
	mask := gocv.NewMatWithSize(16, 16, gocv.MatTypeCV8UC1)
	defer mask.Close()
	mask.SetTo(gocv.NewScalar(255, 0, 0, 0))

	require.NoError(t, NewFeatherFilter(3).Apply(mask, &mask))
	assert.Equal(t, uint8(255), mask.GetUCharAt(0, 0))
	assert.Equal(t, uint8(255), mask.GetUCharAt(15, 8))
}

func TestMaskCleanerRemovesSpeckles(t *testing.T) {
	mask := gocv.NewMatWithSize(20, 20, gocv.MatTypeCV8UC1)
	defer mask.Close()
	mask.SetTo(gocv.NewScalar(0, 0, 0, 0))
	block := mask.Region(image.Rect(5, 5, 15, 15))
	block.SetTo(gocv.NewScalar(255, 0, 0, 0))
	block.Close()
	mask.SetUCharAt(1, 1, 255)

	mc := NewMaskCleaner(1)
	defer mc.Close()
	require.True(t, mc.Enabled())
	mc.Apply(&mask)

	assert.Equal(t, uint8(0), mask.GetUCharAt(1, 1))
	assert.Equal(t, uint8(255), mask.GetUCharAt(10, 10))

	disabled := NewMaskCleaner(0)
	assert.False(t, disabled.Enabled())
	disabled.Apply(&mask)
	disabled.Close()
}
