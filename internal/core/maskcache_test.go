package core

import (
	"image"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gocv.io/x/gocv"
)

func categoryResult(width, height int, label uint8) *SegmentationResult {
	mask := gocv.NewMatWithSize(height, width, gocv.MatTypeCV8UC1)
	mask.SetTo(gocv.NewScalar(float64(label), 0, 0, 0))
	return &SegmentationResult{Kind: CategoryMask, Mask: mask}
}

func confidenceResult(width, height int, value float32) *SegmentationResult {
	mask := gocv.NewMatWithSize(height, width, gocv.MatTypeCV32FC1)
	mask.SetTo(gocv.NewScalar(float64(value), 0, 0, 0))
	return &SegmentationResult{Kind: ConfidenceMask, Mask: mask}
}

func TestMaskCacheStartsEmpty(t *testing.T) {
	cache := NewMaskCache(0.5, 0)
	defer cache.Close()

	assert.True(t, cache.Empty())
	assert.Equal(t, image.Point{}, cache.Size())
	assert.Equal(t, time.Duration(0), cache.Age(time.Now()))
}

func TestMaskCacheCategoryMask(t *testing.T) {
	cache := NewMaskCache(0.5, 0)
	defer cache.Close()

	// left half label 0 (subject), right half label 1
	result := categoryResult(8, 4, 1)
	defer result.Close()
	subject := result.Mask.Region(image.Rect(0, 0, 4, 4))
	subject.SetTo(gocv.NewScalar(0, 0, 0, 0))
	subject.Close()

	now := time.Now()
	require.NoError(t, cache.Update(result, image.Pt(8, 4), now))

	mask := cache.Mask()
	assert.Equal(t, uint8(255), mask.GetUCharAt(2, 1))
	assert.Equal(t, uint8(0), mask.GetUCharAt(2, 6))
	assert.Equal(t, now, cache.UpdatedAt())
	assert.Equal(t, 50*time.Millisecond, cache.Age(now.Add(50*time.Millisecond)))

	alpha := cache.Alpha()
	assert.Equal(t, gocv.MatTypeCV8UC4, alpha.Type())
	assert.Equal(t, uint8(255), alpha.GetVecbAt(2, 6)[0])
	assert.Equal(t, uint8(255), alpha.GetVecbAt(2, 1)[3])
	assert.Equal(t, uint8(0), alpha.GetVecbAt(2, 6)[3])
}

func TestMaskCacheConfidenceThreshold(t *testing.T) {
	cache := NewMaskCache(0.5, 0)
	defer cache.Close()

	above := confidenceResult(4, 4, 0.8)
	defer above.Close()
	require.NoError(t, cache.Update(above, image.Pt(4, 4), time.Now()))
	mask := cache.Mask()
	assert.Equal(t, uint8(255), mask.GetUCharAt(0, 0))

	below := confidenceResult(4, 4, 0.2)
	defer below.Close()
	require.NoError(t, cache.Update(below, image.Pt(4, 4), time.Now()))
	mask = cache.Mask()
	assert.Equal(t, uint8(0), mask.GetUCharAt(0, 0))
}

// TestMaskCacheReusesBuffers verifies updates at a stable size allocate nothing
func TestMaskCacheReusesBuffers(t *testing.T) {
	cache := NewMaskCache(0.5, 1)
	defer cache.Close()

	result := categoryResult(32, 24, 0)
	defer result.Close()
	size := image.Pt(64, 48)

	require.NoError(t, cache.Update(result, size, time.Now()))
	allocations := cache.Allocations()
	mask := cache.Mask()
	before, err := mask.DataPtrUint8()
	require.NoError(t, err)

	for i := 0; i < 20; i++ {
		require.NoError(t, cache.Update(result, size, time.Now()))
	}
	assert.Equal(t, allocations, cache.Allocations())
	assert.Equal(t, uint64(21), cache.Updates())
	mask = cache.Mask()
	after, err := mask.DataPtrUint8()
	require.NoError(t, err)
	assert.True(t, &before[0] == &after[0], "mask buffer was reallocated")

	// a new frame size reallocates once
	require.NoError(t, cache.Update(result, image.Pt(32, 24), time.Now()))
	resized := cache.Allocations()
	assert.Greater(t, resized, allocations)
	require.NoError(t, cache.Update(result, image.Pt(32, 24), time.Now()))
	assert.Equal(t, resized, cache.Allocations())
	assert.Equal(t, image.Pt(32, 24), cache.Size())
}

func TestMaskCacheRejectsInvalidResult(t *testing.T) {
	cache := NewMaskCache(0.5, 0)
	defer cache.Close()

	assert.Error(t, cache.Update(nil, image.Pt(4, 4), time.Now()))

	wrongType := &SegmentationResult{Kind: CategoryMask, Mask: gocv.NewMatWithSize(4, 4, gocv.MatTypeCV32FC1)}
	defer wrongType.Close()
	assert.Error(t, cache.Update(wrongType, image.Pt(4, 4), time.Now()))

	ok := categoryResult(4, 4, 0)
	defer ok.Close()
	assert.Error(t, cache.Update(ok, image.Pt(0, 4), time.Now()))

	assert.True(t, cache.Empty())
}

// TestMaskCacheKeepsMaskOnError verifies a rejected result leaves the previous mask visible
func TestMaskCacheKeepsMaskOnError(t *testing.T) {
	cache := NewMaskCache(0.5, 0)
	defer cache.Close()

	good := categoryResult(4, 4, 0)
	defer good.Close()
	require.NoError(t, cache.Update(good, image.Pt(4, 4), time.Now()))

	bad := &SegmentationResult{Kind: ConfidenceMask, Mask: gocv.NewMatWithSize(4, 4, gocv.MatTypeCV8UC1)}
	defer bad.Close()
	require.Error(t, cache.Update(bad, image.Pt(4, 4), time.Now()))

	assert.Equal(t, uint64(1), cache.Updates())
	mask := cache.Mask()
	assert.Equal(t, uint8(255), mask.GetUCharAt(1, 1))
}
