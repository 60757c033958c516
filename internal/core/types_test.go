package core

import (
	"errors"
	"fmt"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gocv.io/x/gocv"
)

func TestParseEffect(t *testing.T) {
	tests := []struct {
		input string
		want  Effect
	}{
		{"none", EffectNone},
		{"", EffectNone},
		{"Blur", EffectBlur},
		{" static ", EffectStatic},
		{"replace", EffectStatic},
	}
	for _, tt := range tests {
		got, err := ParseEffect(tt.input)
		require.NoError(t, err, tt.input)
		assert.Equal(t, tt.want, got, tt.input)
	}

	_, err := ParseEffect("sepia")
	assert.Error(t, err)

	for _, e := range []Effect{EffectNone, EffectBlur, EffectStatic} {
		parsed, err := ParseEffect(e.String())
		require.NoError(t, err)
		assert.Equal(t, e, parsed)
	}
}

func TestInferenceErrorMatching(t *testing.T) {
	cause := errors.New("tensor shape mismatch")
	err := fmt.Errorf("tick: %w", &InferenceError{Backend: "dnn", At: time.Now(), Err: cause})

	assert.ErrorIs(t, err, ErrInference)
	assert.ErrorIs(t, err, cause)
	assert.NotErrorIs(t, err, ErrModelLoad)
	assert.Contains(t, err.Error(), "dnn")
	assert.Contains(t, err.Error(), "tensor shape mismatch")
}

func TestBackgroundVersions(t *testing.T) {
	bg := NewBackground()
	defer bg.Close()
	assert.False(t, bg.HasImage())
	assert.Equal(t, uint64(0), bg.Version())

	img := newTestFrame(8, 6, 50)
	defer img.Close()
	require.NoError(t, bg.Set(img, "/tmp/Office.JPG"))
	assert.Equal(t, uint64(1), bg.Version())
	assert.Equal(t, "jpg", bg.Metadata().Format)

	// the holder keeps its own copy
	img.SetTo(gocv.NewScalar(0, 0, 0, 0))
	dst := gocv.NewMat()
	defer dst.Close()
	assert.Equal(t, uint64(1), bg.CopyTo(&dst))
	assert.Equal(t, uint8(50), dst.GetVecbAt(0, 0)[0])

	bg.Clear()
	assert.False(t, bg.HasImage())
	assert.Equal(t, uint64(2), bg.CopyTo(&dst))
	assert.True(t, dst.Empty())

	gray := gocv.NewMatWithSize(4, 4, gocv.MatTypeCV8UC1)
	defer gray.Close()
	assert.Error(t, bg.Set(gray, "gray.png"))
	empty := gocv.NewMat()
	defer empty.Close()
	assert.Error(t, bg.Set(empty, "empty.png"))
	assert.Equal(t, uint64(2), bg.Version())
}

func TestPassThrough(t *testing.T) {
	frame := newTestFrame(640, 480, 77)
	defer frame.Close()
	dst := gocv.NewMat()
	defer dst.Close()

	PassThrough(frame, &dst)
	assert.Equal(t, 0.0, gocv.NormWithMats(frame, dst, gocv.NormInf))
	assert.Equal(t, "running", StateRunning.String())
	assert.Equal(t, "idle", StateIdle.String())
}
