// Filters for the blurred background and for softening mask edges
package algorithms

import (
	"fmt"
	"image"
	"math"

	"gocv.io/x/gocv"
)

const maxSigma = 64.0

// GaussianFilter implements Gaussian blur with a kernel derived from sigma
type GaussianFilter struct {
	sigma  float64
	border gocv.BorderType
}

// NewGaussianFilter creates a blur used for the background (strength in pixels)
func NewGaussianFilter(sigma float64) *GaussianFilter {
	return &GaussianFilter{
		sigma:  sigma,
		border: gocv.BorderDefault,
	}
}

// NewFeatherFilter creates a blur for mask edges. Replicated borders keep a fully opaque mask
// opaque at the frame edges.
func NewFeatherFilter(radius float64) *GaussianFilter {
	return &GaussianFilter{
		sigma:  radius,
		border: gocv.BorderReplicate,
	}
}

// Apply writes the blurred input into output. A zero sigma copies the input.
// output may alias input.
func (g *GaussianFilter) Apply(input gocv.Mat, output *gocv.Mat) error {
	if input.Empty() {
		return fmt.Errorf("input image is empty")
	}

	if g.sigma <= 0 {
		if input.Ptr() != output.Ptr() {
			input.CopyTo(output)
		}
		return nil
	}

	k := g.KernelSize()
	gocv.GaussianBlur(input, output, image.Pt(k, k), g.sigma, g.sigma, g.border)
	return nil
}

// KernelSize covers three standard deviations on each side; always odd
func (g *GaussianFilter) KernelSize() int {
	if g.sigma <= 0 {
		return 1
	}
	return int(math.Ceil(g.sigma*3))*2 + 1
}

func (g *GaussianFilter) Sigma() float64 {
	return g.sigma
}

func (g *GaussianFilter) Validate() error {
	if g.sigma < 0 || g.sigma > maxSigma {
		return fmt.Errorf("sigma must be between 0 and %.0f, got %.2f", maxSigma, g.sigma)
	}
	return nil
}
