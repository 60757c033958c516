// Throttled, non-blocking segmentation scheduling
package core

import (
	"context"
	"fmt"
	"image"
	"sync"
	"time"

	"github.com/sirupsen/logrus"
	"gocv.io/x/gocv"

	"virtual-background/internal/metrics"
)

// DefaultMinInterval is the minimum time between the end of one inference call and the start of
// the next one.
const DefaultMinInterval = 100 * time.Millisecond

// completion is the message an inference goroutine leaves in the scheduler inbox
type completion struct {
	result *SegmentationResult
	err    error
	at     time.Time
	size   image.Point
}

// SegmentationScheduler keeps a MaskCache fresh without overlapping inference calls and without
// blocking the tick. Requests run in their own goroutine; their outcome is posted to a one-slot
// inbox and applied by Drain on the tick goroutine, which is the only writer of the cache.
type SegmentationScheduler struct {
	segmenter   Segmenter
	cache       *MaskCache
	minInterval time.Duration
	clock       func() time.Time
	logger      logrus.FieldLogger
	stats       *metrics.Recorder
	onError     func(error)

	ctx    context.Context
	cancel context.CancelFunc
	inbox  chan completion

	// guards closed against the inference goroutine posting to the inbox
	mu     sync.Mutex
	closed bool

	// tick goroutine state
	request        gocv.Mat
	inFlight       bool
	issuedAt       time.Time
	lastCompletion time.Time
}

// SchedulerOptions configures a SegmentationScheduler
type SchedulerOptions struct {
	MinInterval time.Duration
	Clock       func() time.Time
	Logger      logrus.FieldLogger
	Stats       *metrics.Recorder
	OnError     func(error)
}

// NewSegmentationScheduler creates a scheduler for one session. A new one is built for every
// session so no timer or flag survives a stop/start cycle.
func NewSegmentationScheduler(segmenter Segmenter, cache *MaskCache, opts SchedulerOptions) *SegmentationScheduler {
	if opts.MinInterval <= 0 {
		opts.MinInterval = DefaultMinInterval
	}
	if opts.Clock == nil {
		opts.Clock = time.Now
	}
	if opts.Logger == nil {
		opts.Logger = logrus.StandardLogger()
	}
	if opts.Stats == nil {
		opts.Stats = metrics.NewRecorder()
	}

	ctx, cancel := context.WithCancel(context.Background())
	return &SegmentationScheduler{
		segmenter:   segmenter,
		cache:       cache,
		minInterval: opts.MinInterval,
		clock:       opts.Clock,
		logger:      opts.Logger.WithField("component", "segmentation"),
		stats:       opts.Stats,
		onError:     opts.OnError,
		ctx:         ctx,
		cancel:      cancel,
		inbox:       make(chan completion, 1),
		request:     gocv.NewMat(),
	}
}

// MaybeRequestUpdate issues an asynchronous Segment call iff none is in flight and at least
// MinInterval has passed since the last completion. It never blocks and reports whether a
// request was issued.
func (s *SegmentationScheduler) MaybeRequestUpdate(frame gocv.Mat, now time.Time) bool {
	if s.isClosed() || s.inFlight || frame.Empty() {
		return false
	}
	if !s.lastCompletion.IsZero() && now.Sub(s.lastCompletion) < s.minInterval {
		return false
	}

	// The in-flight call reads its own copy; the caller's frame is reused on the next tick.
	frame.CopyTo(&s.request)
	size := image.Pt(s.request.Cols(), s.request.Rows())

	s.inFlight = true
	s.issuedAt = now
	s.stats.RequestIssued()
	s.logger.WithFields(logrus.Fields{
		"backend": s.segmenter.Name(),
		"size":    fmt.Sprintf("%dx%d", size.X, size.Y),
	}).Debug("Segmentation request issued")

	go s.run(s.request, size, now)
	return true
}

// run executes one inference call and posts its outcome
func (s *SegmentationScheduler) run(req gocv.Mat, size image.Point, ts time.Time) {
	var (
		result *SegmentationResult
		err    error
	)
	func() {
		defer func() {
			if r := recover(); r != nil {
				err = fmt.Errorf("panic in segmenter: %v", r)
			}
		}()
		result, err = s.segmenter.Segment(s.ctx, req, ts)
	}()
	if err == nil && result == nil {
		err = fmt.Errorf("segmenter returned no result")
	}

	c := completion{result: result, err: err, at: s.clock(), size: size}

	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		// Late result after stop: the scheduler no longer owns the request buffer.
		c.result.Close()
		req.Close()
		s.stats.ResultDiscarded()
		return
	}
	// Never blocks: at most one call is in flight, so the slot is empty.
	s.inbox <- c
}

// Drain applies a pending completion, if any, to the cache. It must be called on the tick
// goroutine before compositing and reports whether a completion was applied.
func (s *SegmentationScheduler) Drain() bool {
	select {
	case c := <-s.inbox:
		s.apply(c)
		return true
	default:
		return false
	}
}

func (s *SegmentationScheduler) apply(c completion) {
	s.inFlight = false
	s.lastCompletion = c.at
	if s.lastCompletion.Before(s.issuedAt) {
		s.lastCompletion = s.issuedAt
	}
	latency := c.at.Sub(s.issuedAt)

	if c.err != nil {
		c.result.Close()
		s.fail(c.err, c.at)
		return
	}

	err := s.cache.Update(c.result, c.size, c.at)
	kind := c.result.Kind
	resultSize := c.result.Size()
	c.result.Close()
	if err != nil {
		s.fail(fmt.Errorf("convert result: %w", err), c.at)
		return
	}

	s.stats.RequestCompleted(latency)
	s.logger.WithFields(logrus.Fields{
		"latency_ms":  latency.Milliseconds(),
		"kind":        kind.String(),
		"result_size": fmt.Sprintf("%dx%d", resultSize.X, resultSize.Y),
		"allocations": s.cache.Allocations(),
	}).Debug("Segmentation mask updated")
}

// fail reports a recoverable inference failure; the cache keeps its last good mask
func (s *SegmentationScheduler) fail(err error, at time.Time) {
	ierr := &InferenceError{Backend: s.segmenter.Name(), At: at, Err: err}
	s.stats.RequestFailed(err)
	s.logger.WithError(err).WithField("backend", s.segmenter.Name()).Warn("Segmentation failed, keeping last mask")
	if s.onError != nil {
		s.onError(ierr)
	}
}

// InFlight reports whether an inference call is outstanding
func (s *SegmentationScheduler) InFlight() bool {
	return s.inFlight
}

// LastCompletion returns the time the last call completed or failed
func (s *SegmentationScheduler) LastCompletion() time.Time {
	return s.lastCompletion
}

func (s *SegmentationScheduler) isClosed() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.closed
}

// Close stops accepting completions. An in-flight call is cancelled through its context but not
// waited for; its result is discarded when it returns. Close is idempotent.
func (s *SegmentationScheduler) Close() {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return
	}
	s.closed = true
	s.mu.Unlock()

	s.cancel()

	select {
	case c := <-s.inbox:
		// Completed but never drained: the goroutine is gone, the buffer is ours again.
		c.result.Close()
		s.stats.ResultDiscarded()
		s.request.Close()
	default:
		if !s.inFlight {
			s.request.Close()
		}
		// otherwise the inference goroutine closes the request buffer when it returns
	}
	s.inFlight = false
}
