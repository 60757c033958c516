// Mask binarization for segmentation outputs
package algorithms

import (
	"fmt"

	"gocv.io/x/gocv"
)

const (
	maskForeground             = 255
	DefaultConfidenceThreshold = 0.5
)

// BinarizeCategories turns a category label map into a mask: label 0 (the subject) becomes 255,
// every other label becomes 0.
func BinarizeCategories(labels gocv.Mat, dst *gocv.Mat) error {
	if labels.Empty() {
		return fmt.Errorf("category mask is empty")
	}
	if labels.Type() != gocv.MatTypeCV8UC1 {
		return fmt.Errorf("category mask must be 8UC1, got type %d", int(labels.Type()))
	}

	gocv.Threshold(labels, dst, 0, maskForeground, gocv.ThresholdBinaryInv)
	return nil
}

// BinarizeConfidence turns a subject probability map into a mask: values above threshold become
// 255. scratch holds the float intermediate and is reused across calls.
func BinarizeConfidence(confidence gocv.Mat, scratch, dst *gocv.Mat, threshold float32) error {
	if confidence.Empty() {
		return fmt.Errorf("confidence mask is empty")
	}
	if confidence.Type() != gocv.MatTypeCV32FC1 {
		return fmt.Errorf("confidence mask must be 32FC1, got type %d", int(confidence.Type()))
	}
	if threshold <= 0 || threshold >= 1 {
		return fmt.Errorf("confidence threshold must be in (0,1), got %.3f", threshold)
	}

	gocv.Threshold(confidence, scratch, threshold, maskForeground, gocv.ThresholdBinary)
	scratch.ConvertTo(dst, gocv.MatTypeCV8U)
	return nil
}
