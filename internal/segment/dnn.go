package segment

import (
	"context"
	"fmt"
	"image"
	"os"
	"sync"
	"time"

	"github.com/sirupsen/logrus"
	"gocv.io/x/gocv"

	"virtual-background/internal/core"
)

func init() {
	Register("dnn", func(cfg Config, logger logrus.FieldLogger) (core.Segmenter, error) {
		return NewDNN(cfg, logger)
	})
}

// DNN runs a person segmentation network (ONNX, TensorFlow, Caffe, ... as read by OpenCV) and
// returns its subject probability map as a confidence mask. Outputs shaped NCHW or NHWC with one
// channel (subject probability) or two channels (background, subject) are accepted.
type DNN struct {
	cfg    Config
	logger logrus.FieldLogger

	mu     sync.Mutex
	net    gocv.Net
	loaded bool
}

func NewDNN(cfg Config, logger logrus.FieldLogger) (*DNN, error) {
	if cfg.ModelPath == "" {
		return nil, fmt.Errorf("dnn segmenter requires a model path")
	}
	if cfg.InputSize <= 0 {
		cfg.InputSize = DefaultConfig().InputSize
	}
	return &DNN{
		cfg:    cfg,
		logger: logger.WithField("component", "segmenter-dnn"),
	}, nil
}

func (d *DNN) Name() string {
	return "dnn"
}

// LoadModel reads the network once; later calls are no-ops
func (d *DNN) LoadModel(ctx context.Context) error {
	d.mu.Lock()
	defer d.mu.Unlock()

	if d.loaded {
		return nil
	}
	if err := ctx.Err(); err != nil {
		return err
	}
	if _, err := os.Stat(d.cfg.ModelPath); err != nil {
		return fmt.Errorf("model file: %w", err)
	}

	net := gocv.ReadNet(d.cfg.ModelPath, d.cfg.ConfigPath)
	if net.Empty() {
		net.Close()
		return fmt.Errorf("cannot read network from %s", d.cfg.ModelPath)
	}
	net.SetPreferableBackend(gocv.ParseNetBackend(d.cfg.Backend))
	net.SetPreferableTarget(gocv.ParseNetTarget(d.cfg.Target))

	d.net = net
	d.loaded = true
	d.logger.WithFields(logrus.Fields{
		"model":      d.cfg.ModelPath,
		"backend":    d.cfg.Backend,
		"target":     d.cfg.Target,
		"input_size": d.cfg.InputSize,
	}).Info("Segmentation network loaded")
	return nil
}

func (d *DNN) Loaded() bool {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.loaded
}

// Segment runs one forward pass. The result is at the network's output resolution.
func (d *DNN) Segment(ctx context.Context, frame gocv.Mat, ts time.Time) (*core.SegmentationResult, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	if frame.Empty() {
		return nil, fmt.Errorf("empty frame")
	}

	d.mu.Lock()
	defer d.mu.Unlock()
	if !d.loaded {
		return nil, fmt.Errorf("model not loaded")
	}

	size := image.Pt(d.cfg.InputSize, d.cfg.InputSize)
	blob := gocv.BlobFromImage(frame, 1.0/255.0, size, gocv.NewScalar(0, 0, 0, 0), d.cfg.SwapRB, false)
	defer blob.Close()

	d.net.SetInput(blob, "")
	out := d.net.Forward("")
	defer out.Close()

	conf, err := confidenceFromOutput(out)
	if err != nil {
		return nil, err
	}
	return &core.SegmentationResult{
		Kind:      core.ConfidenceMask,
		Mask:      conf,
		Timestamp: ts,
	}, nil
}

// confidenceFromOutput copies the subject plane of a network output into a 32FC1 Mat
func confidenceFromOutput(out gocv.Mat) (gocv.Mat, error) {
	dims := out.Size()
	data, err := out.DataPtrFloat32()
	if err != nil {
		return gocv.NewMat(), fmt.Errorf("network output: %w", err)
	}

	var h, w, channels int
	nhwc := false
	switch len(dims) {
	case 4:
		switch {
		case dims[1] <= 2:
			channels, h, w = dims[1], dims[2], dims[3]
		case dims[3] <= 2:
			h, w, channels = dims[1], dims[2], dims[3]
			nhwc = true
		default:
			return gocv.NewMat(), fmt.Errorf("unsupported output shape %v", dims)
		}
	case 3:
		channels, h, w = 1, dims[1], dims[2]
	case 2:
		channels, h, w = 1, dims[0], dims[1]
	default:
		return gocv.NewMat(), fmt.Errorf("unsupported output shape %v", dims)
	}
	if h <= 0 || w <= 0 || len(data) < h*w*channels {
		return gocv.NewMat(), fmt.Errorf("output shape %v does not match %d values", dims, len(data))
	}

	conf := gocv.NewMatWithSize(h, w, gocv.MatTypeCV32FC1)
	dst, err := conf.DataPtrFloat32()
	if err != nil {
		conf.Close()
		return gocv.NewMat(), err
	}

	// The subject is the last channel: the only one, or the second of (background, subject).
	subject := channels - 1
	if nhwc {
		for i := 0; i < h*w; i++ {
			dst[i] = data[i*channels+subject]
		}
	} else {
		copy(dst, data[subject*h*w:(subject+1)*h*w])
	}
	return conf, nil
}

func (d *DNN) Close() error {
	d.mu.Lock()
	defer d.mu.Unlock()
	if !d.loaded {
		return nil
	}
	d.loaded = false
	return d.net.Close()
}
