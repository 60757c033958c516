// Frame sources backed by OpenCV capture devices, video files and still images
package capture

import (
	"context"
	"fmt"
	"image"
	"strconv"
	"sync"
	"sync/atomic"
	"time"

	"github.com/sirupsen/logrus"
	"gocv.io/x/gocv"
)

// CameraOptions configures a Camera
type CameraOptions struct {
	// Device is a camera index ("0") or a video file / stream URL
	Device string
	// Width and Height are requested from the device; the driver may pick another mode
	Width  int
	Height int
	FPS    float64
	// Loop rewinds video files at the end instead of stopping
	Loop bool
}

func DefaultCameraOptions() CameraOptions {
	return CameraOptions{
		Device: "0",
		Width:  640,
		Height: 480,
		FPS:    30,
	}
}

// videoReader is the part of gocv.VideoCapture the read loop uses
type videoReader interface {
	Read(m *gocv.Mat) bool
	Set(prop gocv.VideoCaptureProperties, param float64)
	Get(prop gocv.VideoCaptureProperties) float64
	Close() error
}

// Camera reads frames on its own goroutine into a one-slot mailbox. A new frame replaces the
// previous one whether or not it was consumed, so the frame loop always sees the most recent
// frame and never waits for the device.
type Camera struct {
	opts   CameraOptions
	logger logrus.FieldLogger

	started      bool
	cancel       context.CancelFunc
	done         chan struct{}
	closeTimeout time.Duration

	mu       sync.Mutex
	closed   bool
	latest   gocv.Mat
	seq      uint64
	consumed uint64
	size     image.Point

	read      atomic.Uint64
	overwrite atomic.Uint64
	failures  atomic.Uint64
	connected atomic.Bool
}

func NewCamera(opts CameraOptions, logger logrus.FieldLogger) *Camera {
	if logger == nil {
		logger = logrus.StandardLogger()
	}
	return &Camera{
		opts:         opts,
		logger:       logger.WithField("component", "camera"),
		closeTimeout: time.Second,
		latest:       gocv.NewMat(),
	}
}

// Start opens the device and begins capturing until ctx is done or Close is called
func (c *Camera) Start(ctx context.Context) error {
	if c.started {
		return fmt.Errorf("camera already started")
	}

	var device interface{} = c.opts.Device
	if id, err := strconv.Atoi(c.opts.Device); err == nil {
		device = id
	}
	vc, err := gocv.OpenVideoCapture(device)
	if err != nil {
		return fmt.Errorf("open capture device %q: %w", c.opts.Device, err)
	}
	if !vc.IsOpened() {
		vc.Close()
		return fmt.Errorf("capture device %q is not available", c.opts.Device)
	}
	if c.opts.Width > 0 && c.opts.Height > 0 {
		vc.Set(gocv.VideoCaptureFrameWidth, float64(c.opts.Width))
		vc.Set(gocv.VideoCaptureFrameHeight, float64(c.opts.Height))
	}
	if c.opts.FPS > 0 {
		vc.Set(gocv.VideoCaptureFPS, c.opts.FPS)
	}

	c.logger.WithFields(logrus.Fields{
		"device": c.opts.Device,
		"width":  vc.Get(gocv.VideoCaptureFrameWidth),
		"height": vc.Get(gocv.VideoCaptureFrameHeight),
		"fps":    vc.Get(gocv.VideoCaptureFPS),
	}).Info("Capture device opened")

	c.startReading(ctx, vc)
	return nil
}

// startReading hands vc to the read loop, which owns it from then on and releases it on exit
func (c *Camera) startReading(ctx context.Context, vc videoReader) {
	loopCtx, cancel := context.WithCancel(ctx)
	c.started = true
	c.cancel = cancel
	c.done = make(chan struct{})
	c.connected.Store(true)
	go c.readLoop(loopCtx, vc)
}

func (c *Camera) readLoop(ctx context.Context, vc videoReader) {
	frame := gocv.NewMat()
	defer func() {
		frame.Close()
		if err := vc.Close(); err != nil {
			c.logger.WithError(err).Warn("Failed to release capture device")
		}
		c.connected.Store(false)
		close(c.done)
	}()

	for {
		select {
		case <-ctx.Done():
			return
		default:
		}

		if ok := vc.Read(&frame); !ok || frame.Empty() {
			if ctx.Err() != nil {
				return
			}
			if c.opts.Loop && c.rewind(vc) {
				continue
			}
			c.failures.Add(1)
			c.logger.Warn("Capture device returned no frame, stopping capture")
			return
		}
		c.read.Add(1)
		c.publish(&frame)
	}
}

// rewind restarts a video file
func (c *Camera) rewind(vc videoReader) bool {
	vc.Set(gocv.VideoCapturePosFrames, 0)
	c.logger.Debug("Rewinding video source")
	return vc.Get(gocv.VideoCapturePosFrames) == 0
}

// publish swaps frame into the mailbox; the previous mailbox Mat becomes the next read buffer.
// Frames arriving after Close are dropped.
func (c *Camera) publish(frame *gocv.Mat) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.closed {
		return
	}
	if c.seq > c.consumed {
		c.overwrite.Add(1)
	}
	c.latest, *frame = *frame, c.latest
	c.seq++
	c.size = image.Pt(c.latest.Cols(), c.latest.Rows())
}

// Latest copies the most recent frame into dst. It reports false until the first frame arrives.
func (c *Camera) Latest(dst *gocv.Mat) bool {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.closed || c.seq == 0 || c.latest.Empty() {
		return false
	}
	c.latest.CopyTo(dst)
	c.consumed = c.seq
	return true
}

// Size of the last captured frame
func (c *Camera) Size() image.Point {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.size
}

func (c *Camera) Connected() bool {
	return c.connected.Load()
}

// CameraStats counts frames seen by the capture goroutine
type CameraStats struct {
	Read        uint64
	Overwritten uint64
	Failures    uint64
}

func (c *Camera) Stats() CameraStats {
	return CameraStats{
		Read:        c.read.Load(),
		Overwritten: c.overwrite.Load(),
		Failures:    c.failures.Load(),
	}
}

// Close stops capturing and releases the mailbox. It waits at most closeTimeout for the read
// loop, which may be blocked in the driver; the loop releases the device itself when the read
// returns. Close is idempotent.
func (c *Camera) Close() error {
	if c.cancel != nil {
		c.cancel()
		select {
		case <-c.done:
		case <-time.After(c.closeTimeout):
			c.logger.Warn("Capture loop did not exit in time, device is released when the read returns")
		}
		c.cancel = nil
	}

	c.mu.Lock()
	defer c.mu.Unlock()
	if !c.closed {
		c.closed = true
		c.latest.Close()
	}
	return nil
}
