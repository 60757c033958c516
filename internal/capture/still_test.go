package capture

import (
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gocv.io/x/gocv"
)

func TestStillServesCopies(t *testing.T) {
	frame := gocv.NewMatWithSize(4, 6, gocv.MatTypeCV8UC3)
	frame.SetTo(gocv.NewScalar(1, 2, 3, 0))
	still := NewStill(frame)
	frame.Close()
	defer still.Close()

	dst := gocv.NewMat()
	defer dst.Close()
	require.True(t, still.Latest(&dst))
	assert.Equal(t, 6, dst.Cols())
	assert.Equal(t, uint8(3), dst.GetVecbAt(0, 0)[2])

	// writes to the copy do not reach the source
	dst.SetTo(gocv.NewScalar(0, 0, 0, 0))
	again := gocv.NewMat()
	defer again.Close()
	require.True(t, still.Latest(&again))
	assert.Equal(t, uint8(3), again.GetVecbAt(0, 0)[2])
	assert.Equal(t, uint64(2), still.Reads())

	replacement := gocv.NewMatWithSize(8, 8, gocv.MatTypeCV8UC3)
	defer replacement.Close()
	still.Replace(replacement)
	require.True(t, still.Latest(&again))
	assert.Equal(t, 8, again.Cols())
}

func TestEmptyStill(t *testing.T) {
	empty := gocv.NewMat()
	defer empty.Close()
	still := NewStill(empty)
	defer still.Close()

	dst := gocv.NewMat()
	defer dst.Close()
	assert.False(t, still.Latest(&dst))
}

func TestLoadStillMissing(t *testing.T) {
	_, err := LoadStill(filepath.Join(t.TempDir(), "missing.png"))
	assert.Error(t, err)
}
