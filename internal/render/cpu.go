package render

import (
	"fmt"
	"image"

	"github.com/sirupsen/logrus"
	"gocv.io/x/gocv"

	"virtual-background/internal/algorithms"
	"virtual-background/internal/core"
)

// CPUCompositor blends on off-screen surfaces: the background is drawn to one surface, the
// frame multiplied by the mask alpha to a second, and the result is fg + bg*(1-alpha).
// Surfaces persist across ticks and are reallocated only when the frame size changes.
type CPUCompositor struct {
	params  Params
	logger  logrus.FieldLogger
	blur    *algorithms.GaussianFilter
	feather *algorithms.GaussianFilter
	warn    warnOnce

	size       image.Point
	background gocv.Mat // 8UC3
	alpha      gocv.Mat // 8UC1 mask at frame size
	alphaF     gocv.Mat // 32FC1 in [0,1]
	alpha3     gocv.Mat // 32FC3
	inverse3   gocv.Mat // 32FC3, 1-alpha
	frameF     gocv.Mat // 32FC3
	backF      gocv.Mat // 32FC3
	foreground gocv.Mat // 32FC3, frame*alpha
	out        gocv.Mat // 32FC3
	planes     []gocv.Mat

	allocations int
}

func NewCPUCompositor(params Params, logger logrus.FieldLogger) *CPUCompositor {
	return &CPUCompositor{
		params:     params,
		logger:     logger.WithField("component", "compositor-cpu"),
		blur:       algorithms.NewGaussianFilter(params.BlurStrength),
		feather:    algorithms.NewFeatherFilter(params.EdgeBlur),
		background: gocv.NewMat(),
		alpha:      gocv.NewMat(),
		alphaF:     gocv.NewMat(),
		alpha3:     gocv.NewMat(),
		inverse3:   gocv.NewMat(),
		frameF:     gocv.NewMat(),
		backF:      gocv.NewMat(),
		foreground: gocv.NewMat(),
		out:        gocv.NewMat(),
	}
}

// Render implements core.Compositor
func (c *CPUCompositor) Render(effect core.Effect, frame gocv.Mat, mask *core.MaskCache, background gocv.Mat, dst *gocv.Mat) error {
	if frame.Empty() {
		return fmt.Errorf("empty frame")
	}
	if effect != core.EffectStatic {
		c.warn.reset()
	}
	if effect == core.EffectNone || mask == nil || mask.Empty() {
		core.PassThrough(frame, dst)
		return nil
	}
	if effect == core.EffectStatic && background.Empty() {
		c.warn.missingBackground(c.logger)
		core.PassThrough(frame, dst)
		return nil
	}
	if frame.Type() != gocv.MatTypeCV8UC3 {
		return fmt.Errorf("frame must be 8UC3, got type %d", int(frame.Type()))
	}

	c.resize(matSize(frame))

	switch effect {
	case core.EffectBlur:
		if err := c.blur.Apply(frame, &c.background); err != nil {
			return fmt.Errorf("blur background: %w", err)
		}
	case core.EffectStatic:
		if matSize(background) == c.size {
			background.CopyTo(&c.background)
		} else {
			gocv.Resize(background, &c.background, c.size, 0, 0, gocv.InterpolationLinear)
		}
	}

	// A mask from an older frame size is stretched for this tick.
	if m := mask.Mask(); matSize(m) == c.size {
		m.CopyTo(&c.alpha)
	} else {
		gocv.Resize(m, &c.alpha, c.size, 0, 0, gocv.InterpolationLinear)
	}
	if effect == core.EffectBlur {
		if err := c.feather.Apply(c.alpha, &c.alpha); err != nil {
			return fmt.Errorf("feather mask: %w", err)
		}
	}

	c.alpha.ConvertToWithParams(&c.alphaF, gocv.MatTypeCV32F, float32(c.params.Opacity/255.0), 0)
	c.planes = append(c.planes[:0], c.alphaF, c.alphaF, c.alphaF)
	gocv.Merge(c.planes, &c.alpha3)
	c.alpha3.ConvertToWithParams(&c.inverse3, gocv.MatTypeCV32F, -1, 1)

	frame.ConvertTo(&c.frameF, gocv.MatTypeCV32F)
	c.background.ConvertTo(&c.backF, gocv.MatTypeCV32F)

	gocv.Multiply(c.frameF, c.alpha3, &c.foreground)
	gocv.Multiply(c.backF, c.inverse3, &c.backF)
	gocv.Add(c.foreground, c.backF, &c.out)
	c.out.ConvertTo(dst, gocv.MatTypeCV8U)
	return nil
}

// resize reallocates every surface when the frame size changes
func (c *CPUCompositor) resize(size image.Point) {
	if size == c.size {
		return
	}
	c.size = size
	for _, s := range []struct {
		m  *gocv.Mat
		mt gocv.MatType
	}{
		{&c.background, gocv.MatTypeCV8UC3},
		{&c.alpha, gocv.MatTypeCV8UC1},
		{&c.alphaF, gocv.MatTypeCV32FC1},
		{&c.alpha3, gocv.MatTypeCV32FC3},
		{&c.inverse3, gocv.MatTypeCV32FC3},
		{&c.frameF, gocv.MatTypeCV32FC3},
		{&c.backF, gocv.MatTypeCV32FC3},
		{&c.foreground, gocv.MatTypeCV32FC3},
		{&c.out, gocv.MatTypeCV32FC3},
	} {
		if ensure(s.m, size, s.mt) {
			c.allocations++
		}
	}
	c.logger.WithFields(logrus.Fields{
		"width":  size.X,
		"height": size.Y,
	}).Debug("Compositor surfaces resized")
}

// Allocations counts surface (re)allocations
func (c *CPUCompositor) Allocations() int {
	return c.allocations
}

func (c *CPUCompositor) Close() error {
	for _, m := range []*gocv.Mat{
		&c.background, &c.alpha, &c.alphaF, &c.alpha3, &c.inverse3,
		&c.frameF, &c.backF, &c.foreground, &c.out,
	} {
		m.Close()
	}
	c.planes = nil
	return nil
}
