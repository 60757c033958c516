package core

import (
	"errors"
	"fmt"
	"time"
)

var (
	// ErrModelLoad is fatal to starting a session and is never retried automatically.
	ErrModelLoad = errors.New("segmentation model load failed")
	// ErrInference marks a recoverable inference failure; the last good mask stays in place.
	ErrInference = errors.New("segmentation failed")
	// ErrRenderSetup is reported once when the GPU compositor cannot be initialised.
	ErrRenderSetup = errors.New("render setup failed")

	ErrAlreadyRunning = errors.New("pipeline already running")
	ErrNoSegmenter    = errors.New("no segmenter configured")
	ErrNoFrameSource  = errors.New("no frame source configured")
	ErrNoCompositor   = errors.New("no compositor configured")
)

// InferenceError wraps a failed Segment call with the time the failure was observed
type InferenceError struct {
	Backend string
	At      time.Time
	Err     error
}

func (e *InferenceError) Error() string {
	return fmt.Sprintf("%s: %s at %s: %v", ErrInference, e.Backend, e.At.Format("15:04:05.000"), e.Err)
}

func (e *InferenceError) Unwrap() error {
	return e.Err
}

func (e *InferenceError) Is(target error) bool {
	return target == ErrInference
}
