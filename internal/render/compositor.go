// Compositors blending the live frame, the cached mask and a background
package render

import (
	"fmt"
	"image"
	"strings"

	"github.com/sirupsen/logrus"
	"gocv.io/x/gocv"

	"virtual-background/internal/algorithms"
	"virtual-background/internal/core"
)

// Kind selects a compositor implementation
type Kind string

const (
	KindCPU  Kind = "cpu"
	KindGL   Kind = "gl"
	KindAuto Kind = "auto"
)

// ParseKind accepts "cpu", "gl" and "auto"
func ParseKind(s string) (Kind, error) {
	switch k := Kind(strings.ToLower(strings.TrimSpace(s))); k {
	case KindCPU, KindGL, KindAuto:
		return k, nil
	case "":
		return KindAuto, nil
	default:
		return "", fmt.Errorf("unknown compositor: %s", s)
	}
}

// Params are the fixed blend parameters
type Params struct {
	// BlurStrength is the Gaussian sigma of the blurred background, in pixels
	BlurStrength float64 `yaml:"blur_strength"`
	// EdgeBlur feathers the mask edge for the blur effect, in pixels
	EdgeBlur float64 `yaml:"edge_blur"`
	// Opacity of the subject over the background
	Opacity float64 `yaml:"opacity"`
}

func DefaultParams() Params {
	return Params{
		BlurStrength: 12,
		EdgeBlur:     2,
		Opacity:      1.0,
	}
}

func (p Params) Validate() error {
	if err := algorithms.NewGaussianFilter(p.BlurStrength).Validate(); err != nil {
		return fmt.Errorf("blur strength: %w", err)
	}
	if err := algorithms.NewFeatherFilter(p.EdgeBlur).Validate(); err != nil {
		return fmt.Errorf("edge blur: %w", err)
	}
	if p.EdgeBlur > 32 {
		return fmt.Errorf("edge blur must be between 0 and 32, got %.2f", p.EdgeBlur)
	}
	if p.Opacity < 0 || p.Opacity > 1 {
		return fmt.Errorf("opacity must be between 0 and 1, got %.2f", p.Opacity)
	}
	return nil
}

// Options configures New
type Options struct {
	Kind   Kind
	Params Params
	Logger logrus.FieldLogger
	// MainThread runs glfw calls on the process main thread. Without it the GL path is
	// unavailable: KindGL renders pass-through and KindAuto uses the CPU compositor.
	MainThread func(func())
}

// New creates a compositor. KindGL renders pass-through after a setup failure; KindAuto falls
// back to the CPU compositor instead. GL setup is deferred to the first Render call so that it
// happens on the frame loop's thread.
func New(opts Options) (core.Compositor, error) {
	if opts.Logger == nil {
		opts.Logger = logrus.StandardLogger()
	}
	if err := opts.Params.Validate(); err != nil {
		return nil, err
	}

	switch opts.Kind {
	case KindCPU:
		return NewCPUCompositor(opts.Params, opts.Logger), nil
	case KindGL:
		return NewGLCompositor(opts.Params, opts.Logger, opts.MainThread, nil), nil
	case KindAuto, "":
		return NewGLCompositor(opts.Params, opts.Logger, opts.MainThread, NewCPUCompositor(opts.Params, opts.Logger)), nil
	default:
		return nil, fmt.Errorf("unknown compositor: %s", opts.Kind)
	}
}

func matSize(m gocv.Mat) image.Point {
	return image.Pt(m.Cols(), m.Rows())
}

// ensure (re)allocates m when its size or type differs and reports whether it did
func ensure(m *gocv.Mat, size image.Point, mt gocv.MatType) bool {
	if !m.Empty() && m.Cols() == size.X && m.Rows() == size.Y && m.Type() == mt {
		return false
	}
	m.Close()
	*m = gocv.NewMatWithSize(size.Y, size.X, mt)
	return true
}

// warnOnce logs a missing background the first time it is seen in a run of Static ticks
type warnOnce struct {
	warned bool
}

func (w *warnOnce) missingBackground(logger logrus.FieldLogger) {
	if w.warned {
		return
	}
	w.warned = true
	logger.Warn("Static effect without a background image, rendering pass-through")
}

func (w *warnOnce) reset() {
	w.warned = false
}
