package core

import (
	"context"
	"errors"
	"image"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/sirupsen/logrus"
	"github.com/sirupsen/logrus/hooks/test"
	"gocv.io/x/gocv"
)

// fakeSegmenter returns an all-subject category mask. With block set, Segment waits until the
// channel is closed, starting with call number blockFrom when that is set; with honorCancel it
// also returns early when the call is cancelled.
type fakeSegmenter struct {
	name        string
	resultSize  image.Point
	block       chan struct{}
	blockFrom   int32
	honorCancel bool
	loadErr     error

	mu       sync.Mutex
	failWith error
	panicMsg string
	loaded   bool
	closed   bool

	calls     atomic.Int32
	active    atomic.Int32
	maxActive atomic.Int32
	started   chan struct{}
}

func newFakeSegmenter() *fakeSegmenter {
	return &fakeSegmenter{name: "fake", started: make(chan struct{}, 64)}
}

func (f *fakeSegmenter) Name() string { return f.name }

func (f *fakeSegmenter) LoadModel(ctx context.Context) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.loadErr != nil {
		return f.loadErr
	}
	f.loaded = true
	return nil
}

func (f *fakeSegmenter) Loaded() bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.loaded
}

func (f *fakeSegmenter) setFailure(err error) {
	f.mu.Lock()
	f.failWith = err
	f.mu.Unlock()
}

func (f *fakeSegmenter) setPanic(msg string) {
	f.mu.Lock()
	f.panicMsg = msg
	f.mu.Unlock()
}

func (f *fakeSegmenter) Segment(ctx context.Context, frame gocv.Mat, ts time.Time) (*SegmentationResult, error) {
	call := f.calls.Add(1)
	n := f.active.Add(1)
	defer f.active.Add(-1)
	for {
		prev := f.maxActive.Load()
		if n <= prev || f.maxActive.CompareAndSwap(prev, n) {
			break
		}
	}
	select {
	case f.started <- struct{}{}:
	default:
	}

	if f.block != nil && call >= f.blockFrom {
		if f.honorCancel {
			select {
			case <-f.block:
			case <-ctx.Done():
				return nil, ctx.Err()
			}
		} else {
			<-f.block
		}
	}

	f.mu.Lock()
	failWith, panicMsg := f.failWith, f.panicMsg
	f.mu.Unlock()
	if panicMsg != "" {
		panic(panicMsg)
	}
	if failWith != nil {
		return nil, failWith
	}

	size := f.resultSize
	if size == (image.Point{}) {
		size = image.Pt(frame.Cols(), frame.Rows())
	}
	// label 0 everywhere: the whole frame is the subject
	mask := gocv.NewMatWithSize(size.Y, size.X, gocv.MatTypeCV8UC1)
	mask.SetTo(gocv.NewScalar(0, 0, 0, 0))
	return &SegmentationResult{Kind: CategoryMask, Mask: mask, Timestamp: ts}, nil
}

func (f *fakeSegmenter) Close() error {
	f.mu.Lock()
	f.closed = true
	f.mu.Unlock()
	return nil
}

// waitStarted waits for the next Segment call to begin
func (f *fakeSegmenter) waitStarted(t *testing.T) {
	t.Helper()
	select {
	case <-f.started:
	case <-time.After(2 * time.Second):
		t.Fatal("Timeout waiting for Segment call")
	}
}

// fakeClock is a manually advanced clock safe for use from inference goroutines
type fakeClock struct {
	mu  sync.Mutex
	now time.Time
}

func newFakeClock() *fakeClock {
	return &fakeClock{now: time.Date(2024, 1, 1, 12, 0, 0, 0, time.UTC)}
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *fakeClock) Advance(d time.Duration) time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = c.now.Add(d)
	return c.now
}

// fakeSource serves a copy of one frame
type fakeSource struct {
	mu    sync.Mutex
	frame gocv.Mat
	reads int
}

func newFakeSource(width, height int, value float64) *fakeSource {
	frame := gocv.NewMatWithSize(height, width, gocv.MatTypeCV8UC3)
	frame.SetTo(gocv.NewScalar(value, value, value, 0))
	return &fakeSource{frame: frame}
}

func (s *fakeSource) Latest(dst *gocv.Mat) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.frame.Empty() {
		return false
	}
	s.frame.CopyTo(dst)
	s.reads++
	return true
}

func (s *fakeSource) Close() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.frame.Close()
}

// fakeCompositor passes the frame through, or fails when failWith is set. With block set,
// Render waits until the channel is closed. It records the mask generation it was given.
type fakeCompositor struct {
	mu          sync.Mutex
	failWith    error
	block       chan struct{}
	renders     int
	effects     []Effect
	maskUpdates []uint64
	maskTimes   []time.Time
	closed      bool

	active    atomic.Int32
	maxActive atomic.Int32
	entered   chan struct{}
}

func (c *fakeCompositor) Render(effect Effect, frame gocv.Mat, mask *MaskCache, background gocv.Mat, dst *gocv.Mat) error {
	n := c.active.Add(1)
	defer c.active.Add(-1)
	for {
		prev := c.maxActive.Load()
		if n <= prev || c.maxActive.CompareAndSwap(prev, n) {
			break
		}
	}

	c.mu.Lock()
	c.renders++
	c.effects = append(c.effects, effect)
	c.maskUpdates = append(c.maskUpdates, mask.Updates())
	c.maskTimes = append(c.maskTimes, mask.UpdatedAt())
	failWith, block, entered := c.failWith, c.block, c.entered
	c.mu.Unlock()

	if entered != nil {
		select {
		case entered <- struct{}{}:
		default:
		}
	}
	if block != nil {
		<-block
	}
	if failWith != nil {
		return failWith
	}
	PassThrough(frame, dst)
	return nil
}

func (c *fakeCompositor) Close() error {
	c.mu.Lock()
	c.closed = true
	c.mu.Unlock()
	return nil
}

func (c *fakeCompositor) renderCount() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.renders
}

// recordingDisplay keeps a copy of the last presented frame
type recordingDisplay struct {
	mu     sync.Mutex
	last   gocv.Mat
	count  int
	notify chan struct{}
}

func newRecordingDisplay() *recordingDisplay {
	return &recordingDisplay{last: gocv.NewMat(), notify: make(chan struct{}, 1)}
}

func (d *recordingDisplay) Present(frame gocv.Mat) {
	d.mu.Lock()
	frame.CopyTo(&d.last)
	d.count++
	d.mu.Unlock()
	select {
	case d.notify <- struct{}{}:
	default:
	}
}

func (d *recordingDisplay) presented() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.count
}

func (d *recordingDisplay) Close() {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.last.Close()
}

func quietLogger() *logrus.Logger {
	logger, _ := test.NewNullLogger()
	return logger
}

// drainWithin calls Drain until a completion is applied
func drainWithin(t *testing.T, s *SegmentationScheduler, timeout time.Duration) {
	t.Helper()
	deadline := time.Now().Add(timeout)
	for time.Now().Before(deadline) {
		if s.Drain() {
			return
		}
		time.Sleep(time.Millisecond)
	}
	t.Fatal("Timeout waiting for segmentation completion")
}

func newTestFrame(width, height int, value float64) gocv.Mat {
	frame := gocv.NewMatWithSize(height, width, gocv.MatTypeCV8UC3)
	frame.SetTo(gocv.NewScalar(value, value, value, 0))
	return frame
}

var errBackend = errors.New("backend exploded")
