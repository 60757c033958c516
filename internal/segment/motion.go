package segment

import (
	"context"
	"fmt"
	"image"
	"sync"
	"time"

	"github.com/sirupsen/logrus"
	"gocv.io/x/gocv"

	"virtual-background/internal/core"
)

func init() {
	Register("motion", func(cfg Config, logger logrus.FieldLogger) (core.Segmenter, error) {
		return NewMotion(cfg, logger), nil
	})
}

// Motion separates a moving subject from a static scene with a MOG2 background model. It needs
// no model file and learns the scene during the first frames. Shadows (127 in the MOG2 output)
// map to a confidence just below 0.5 and count as background.
type Motion struct {
	cfg    Config
	logger logrus.FieldLogger

	mu         sync.Mutex
	subtractor gocv.BackgroundSubtractorMOG2
	loaded     bool
	small      gocv.Mat
	foreground gocv.Mat
	smoothed   gocv.Mat
	frames     uint64
}

func NewMotion(cfg Config, logger logrus.FieldLogger) *Motion {
	def := DefaultConfig()
	if cfg.History <= 0 {
		cfg.History = def.History
	}
	if cfg.VarThreshold <= 0 {
		cfg.VarThreshold = def.VarThreshold
	}
	if cfg.SmoothingSize > 0 && cfg.SmoothingSize%2 == 0 {
		cfg.SmoothingSize++
	}
	return &Motion{
		cfg:    cfg,
		logger: logger.WithField("component", "segmenter-motion"),
	}
}

func (m *Motion) Name() string {
	return "motion"
}

func (m *Motion) LoadModel(ctx context.Context) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.loaded {
		return nil
	}
	if err := ctx.Err(); err != nil {
		return err
	}
	m.subtractor = gocv.NewBackgroundSubtractorMOG2WithParams(m.cfg.History, m.cfg.VarThreshold, true)
	m.small = gocv.NewMat()
	m.foreground = gocv.NewMat()
	m.smoothed = gocv.NewMat()
	m.frames = 0
	m.loaded = true
	m.logger.WithFields(logrus.Fields{
		"history":       m.cfg.History,
		"var_threshold": m.cfg.VarThreshold,
		"work_width":    m.cfg.WorkWidth,
	}).Info("Background model ready")
	return nil
}

func (m *Motion) Loaded() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.loaded
}

// Segment updates the background model with frame and returns the foreground probability at
// the working resolution
func (m *Motion) Segment(ctx context.Context, frame gocv.Mat, ts time.Time) (*core.SegmentationResult, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	if frame.Empty() {
		return nil, fmt.Errorf("empty frame")
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	if !m.loaded {
		return nil, fmt.Errorf("model not loaded")
	}

	input := frame
	if w := m.cfg.WorkWidth; w > 0 && frame.Cols() > w {
		h := frame.Rows() * w / frame.Cols()
		gocv.Resize(frame, &m.small, image.Pt(w, h), 0, 0, gocv.InterpolationArea)
		input = m.small
	}

	m.subtractor.Apply(input, &m.foreground)
	fg := m.foreground
	if m.cfg.SmoothingSize > 1 {
		gocv.MedianBlur(m.foreground, &m.smoothed, m.cfg.SmoothingSize)
		fg = m.smoothed
	}
	m.frames++

	conf := gocv.NewMat()
	fg.ConvertToWithParams(&conf, gocv.MatTypeCV32F, 1.0/255.0, 0)
	return &core.SegmentationResult{
		Kind:      core.ConfidenceMask,
		Mask:      conf,
		Timestamp: ts,
	}, nil
}

// Frames counts the frames the background model has seen
func (m *Motion) Frames() uint64 {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.frames
}

func (m *Motion) Close() error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if !m.loaded {
		return nil
	}
	m.loaded = false
	m.small.Close()
	m.foreground.Close()
	m.smoothed.Close()
	return m.subtractor.Close()
}
