package main

import (
	"context"
	"fmt"
	"image"
	"time"

	"github.com/sirupsen/logrus"
	"gocv.io/x/gocv"

	"virtual-background/internal/config"
	"virtual-background/internal/core"
	"virtual-background/internal/io"
	"virtual-background/internal/metrics"
	"virtual-background/internal/render"
	"virtual-background/internal/segment"
)

// runEvaluate segments the still image once, compares the mask with a reference mask and
// writes the composite of the configured effect to the snapshot directory.
func runEvaluate(ctx context.Context, cfg *config.Config, referencePath string, logger *logrus.Logger) error {
	if cfg.Source.Image == "" {
		return fmt.Errorf("evaluation needs a still image (-image)")
	}

	loader := io.NewImageLoader(logger)
	frame, err := loader.LoadImage(cfg.Source.Image)
	if err != nil {
		return err
	}
	defer frame.Close()

	reference := gocv.IMRead(referencePath, gocv.IMReadGrayScale)
	if reference.Empty() {
		reference.Close()
		return fmt.Errorf("failed to load reference mask: %s", referencePath)
	}
	defer reference.Close()
	size := image.Pt(frame.Cols(), frame.Rows())
	if reference.Cols() != size.X || reference.Rows() != size.Y {
		gocv.Resize(reference, &reference, size, 0, 0, gocv.InterpolationNearestNeighbor)
	}

	seg, err := segment.New(cfg.Segmenter, cfg.Segment, logger)
	if err != nil {
		return err
	}
	defer seg.Close()
	if err := seg.LoadModel(ctx); err != nil {
		return fmt.Errorf("%w: %s: %v", core.ErrModelLoad, seg.Name(), err)
	}

	start := time.Now()
	result, err := seg.Segment(ctx, frame, start)
	if err == nil && result == nil {
		err = fmt.Errorf("backend returned no result")
	}
	if err != nil {
		return &core.InferenceError{Backend: seg.Name(), At: start, Err: err}
	}
	latency := time.Since(start)

	cache := core.NewMaskCache(cfg.Threshold, cfg.MaskCleanup)
	defer cache.Close()
	err = cache.Update(result, size, time.Now())
	result.Close()
	if err != nil {
		return err
	}

	evaluator := metrics.NewEvaluator()
	fields := logrus.Fields{
		"backend":      seg.Name(),
		"inference_ms": latency.Milliseconds(),
	}
	for _, name := range []string{"mask_iou", "mask_f_measure"} {
		value, err := evaluator.Calculate(name, reference, cache.Mask())
		if err != nil {
			return fmt.Errorf("%s: %w", name, err)
		}
		fields[name] = fmt.Sprintf("%.4f", value)
	}

	compositor := render.NewCPUCompositor(cfg.Render, logger)
	defer compositor.Close()

	background := core.NewBackground()
	defer background.Close()
	if cfg.Background != "" {
		if err := loader.LoadBackground(cfg.Background, background); err != nil {
			return err
		}
	}
	bg := gocv.NewMat()
	defer bg.Close()
	background.CopyTo(&bg)

	composite := gocv.NewMat()
	defer composite.Close()
	if err := compositor.Render(cfg.EffectValue(), frame, cache, bg, &composite); err != nil {
		return err
	}
	if psnr, err := evaluator.Calculate("psnr", frame, composite); err == nil {
		fields["composite_psnr"] = fmt.Sprintf("%.2f", psnr)
	}

	path := io.SnapshotPath(cfg.SnapshotDir, time.Now())
	if err := loader.SaveImage(composite, path); err != nil {
		return err
	}
	fields["composite"] = path
	logger.WithFields(fields).Info("Evaluation complete")
	return nil
}
