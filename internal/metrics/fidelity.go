// Image and mask fidelity metrics
package metrics

import (
	"fmt"
	"math"
	"sort"

	"gocv.io/x/gocv"
)

// Metric compares a reference image against a produced one
type Metric interface {
	Calculate(reference, produced gocv.Mat) (float64, error)
	GetName() string
	IsHigherBetter() bool
}

// Evaluator manages and calculates multiple metrics
type Evaluator struct {
	metrics map[string]Metric
}

// NewEvaluator creates an evaluator with the default metrics registered
func NewEvaluator() *Evaluator {
	e := &Evaluator{metrics: make(map[string]Metric)}
	e.Register("mse", NewMSE())
	e.Register("psnr", NewPSNR())
	e.Register("mask_iou", NewMaskIoU())
	e.Register("mask_f_measure", NewMaskFMeasure())
	return e
}

func (e *Evaluator) Register(name string, metric Metric) {
	e.metrics[name] = metric
}

// Names returns the registered metric names in sorted order
func (e *Evaluator) Names() []string {
	names := make([]string, 0, len(e.metrics))
	for name := range e.metrics {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// Calculate calculates a specific metric
func (e *Evaluator) Calculate(name string, reference, produced gocv.Mat) (float64, error) {
	metric, exists := e.metrics[name]
	if !exists {
		return 0, fmt.Errorf("metric not found: %s", name)
	}
	return metric.Calculate(reference, produced)
}

// CalculateAll calculates every registered metric that applies to the inputs
func (e *Evaluator) CalculateAll(reference, produced gocv.Mat) map[string]float64 {
	results := make(map[string]float64)
	for name, metric := range e.metrics {
		if value, err := metric.Calculate(reference, produced); err == nil {
			results[name] = value
		}
	}
	return results
}

func checkPair(reference, produced gocv.Mat) error {
	if reference.Empty() || produced.Empty() {
		return fmt.Errorf("empty images")
	}
	if reference.Rows() != produced.Rows() || reference.Cols() != produced.Cols() {
		return fmt.Errorf("dimension mismatch: %dx%d vs %dx%d",
			reference.Cols(), reference.Rows(), produced.Cols(), produced.Rows())
	}
	if reference.Type() != produced.Type() {
		return fmt.Errorf("type mismatch: %v vs %v", reference.Type(), produced.Type())
	}
	return nil
}

// MSE is the mean squared error over all channels
type MSE struct{}

func NewMSE() *MSE { return &MSE{} }

func (m *MSE) Calculate(reference, produced gocv.Mat) (float64, error) {
	if err := checkPair(reference, produced); err != nil {
		return 0, err
	}
	l2 := gocv.NormWithMats(reference, produced, gocv.NormL2)
	samples := float64(reference.Rows() * reference.Cols() * reference.Channels())
	return l2 * l2 / samples, nil
}

func (m *MSE) GetName() string      { return "MSE" }
func (m *MSE) IsHigherBetter() bool { return false }

// PSNR is the peak signal-to-noise ratio for 8-bit images, capped at 100 for identical inputs
type PSNR struct {
	mse *MSE
}

func NewPSNR() *PSNR { return &PSNR{mse: NewMSE()} }

func (p *PSNR) Calculate(reference, produced gocv.Mat) (float64, error) {
	mse, err := p.mse.Calculate(reference, produced)
	if err != nil {
		return 0, err
	}
	if mse == 0 {
		return 100.0, nil
	}
	return math.Min(100.0, 20*math.Log10(255.0/math.Sqrt(mse))), nil
}

func (p *PSNR) GetName() string      { return "PSNR" }
func (p *PSNR) IsHigherBetter() bool { return true }

// confusion counts subject pixels (value > 127) of two single-channel masks
func confusion(reference, produced gocv.Mat) (tp, fp, fn float64, err error) {
	if err = checkPair(reference, produced); err != nil {
		return 0, 0, 0, err
	}
	if reference.Channels() != 1 {
		return 0, 0, 0, fmt.Errorf("masks must be single channel, got %d", reference.Channels())
	}

	for y := 0; y < reference.Rows(); y++ {
		for x := 0; x < reference.Cols(); x++ {
			refSubject := reference.GetUCharAt(y, x) > 127
			prodSubject := produced.GetUCharAt(y, x) > 127

			switch {
			case refSubject && prodSubject:
				tp++
			case !refSubject && prodSubject:
				fp++
			case refSubject && !prodSubject:
				fn++
			}
		}
	}
	return tp, fp, fn, nil
}

// MaskIoU is the intersection over union of the subject regions of two masks. Two empty masks
// agree perfectly.
type MaskIoU struct{}

func NewMaskIoU() *MaskIoU { return &MaskIoU{} }

func (m *MaskIoU) Calculate(reference, produced gocv.Mat) (float64, error) {
	tp, fp, fn, err := confusion(reference, produced)
	if err != nil {
		return 0, err
	}
	union := tp + fp + fn
	if union == 0 {
		return 1, nil
	}
	return tp / union, nil
}

func (m *MaskIoU) GetName() string      { return "Mask IoU" }
func (m *MaskIoU) IsHigherBetter() bool { return true }

// MaskFMeasure is the harmonic mean of subject precision and recall
type MaskFMeasure struct{}

func NewMaskFMeasure() *MaskFMeasure { return &MaskFMeasure{} }

func (f *MaskFMeasure) Calculate(reference, produced gocv.Mat) (float64, error) {
	tp, fp, fn, err := confusion(reference, produced)
	if err != nil {
		return 0, err
	}
	if tp+fp+fn == 0 {
		return 1, nil
	}

	precision := 0.0
	if tp+fp > 0 {
		precision = tp / (tp + fp)
	}
	recall := 0.0
	if tp+fn > 0 {
		recall = tp / (tp + fn)
	}
	if precision+recall == 0 {
		return 0, nil
	}
	return 2 * (precision * recall) / (precision + recall), nil
}

func (f *MaskFMeasure) GetName() string      { return "Mask F-measure" }
func (f *MaskFMeasure) IsHigherBetter() bool { return true }
