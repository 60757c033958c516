// Core types shared by the segmentation scheduler, the compositor and the frame loop
package core

import (
	"context"
	"fmt"
	"image"
	"strings"
	"time"

	"gocv.io/x/gocv"
)

// Effect selects the compositing policy for a tick
type Effect int

const (
	EffectNone Effect = iota
	EffectBlur
	EffectStatic
)

func (e Effect) String() string {
	switch e {
	case EffectBlur:
		return "blur"
	case EffectStatic:
		return "static"
	default:
		return "none"
	}
}

// ParseEffect accepts "none", "blur" and "static" (case-insensitive)
func ParseEffect(s string) (Effect, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "", "none":
		return EffectNone, nil
	case "blur":
		return EffectBlur, nil
	case "static", "replace":
		return EffectStatic, nil
	default:
		return EffectNone, fmt.Errorf("unknown effect: %s", s)
	}
}

// ResultKind describes how the values of a SegmentationResult are encoded
type ResultKind int

const (
	// CategoryMask is an 8UC1 label map: 0 marks the subject, any other label is background.
	CategoryMask ResultKind = iota
	// ConfidenceMask is a 32FC1 map of subject probability in [0,1].
	ConfidenceMask
)

func (k ResultKind) String() string {
	if k == ConfidenceMask {
		return "confidence"
	}
	return "category"
}

// SegmentationResult is the output of one inference call. It is owned by the caller of
// Segment and must be closed once converted into a mask.
type SegmentationResult struct {
	Kind      ResultKind
	Mask      gocv.Mat
	Timestamp time.Time
}

// Size returns the result resolution, which may differ from the frame resolution
func (r *SegmentationResult) Size() image.Point {
	return image.Pt(r.Mask.Cols(), r.Mask.Rows())
}

// Close releases the underlying Mat
func (r *SegmentationResult) Close() error {
	if r == nil || r.Mask.Ptr() == nil {
		return nil
	}
	return r.Mask.Close()
}

// Segmenter is the inference capability consumed by the pipeline. Implementations live in
// internal/segment; the pipeline never calls Segment concurrently with itself.
type Segmenter interface {
	Name() string
	LoadModel(ctx context.Context) error
	Loaded() bool
	Segment(ctx context.Context, frame gocv.Mat, ts time.Time) (*SegmentationResult, error)
	Close() error
}

// FrameSource supplies the current video frame. Latest copies (or swaps) the most recent
// frame into dst and reports whether one was available.
type FrameSource interface {
	Latest(dst *gocv.Mat) bool
}

// Compositor produces the displayed image for one tick
type Compositor interface {
	Render(effect Effect, frame gocv.Mat, mask *MaskCache, background gocv.Mat, dst *gocv.Mat) error
	Close() error
}

// Display receives the composite once per tick. The Mat is only valid during the call.
type Display interface {
	Present(frame gocv.Mat)
}

// threadBound is implemented by compositors holding resources tied to the tick goroutine's
// OS thread (a GL context). Detach is called on that thread before the loop exits.
type threadBound interface {
	Detach()
}

// State of the frame loop
type State int

const (
	StateIdle State = iota
	StateRunning
)

func (s State) String() string {
	if s == StateRunning {
		return "running"
	}
	return "idle"
}

// PassThrough copies the frame verbatim into dst
func PassThrough(frame gocv.Mat, dst *gocv.Mat) {
	frame.CopyTo(dst)
}
