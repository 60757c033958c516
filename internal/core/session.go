// Frame loop driving segmentation and compositing at a fixed cadence
package core

import (
	"context"
	"fmt"
	"image"
	"runtime"
	"sync"
	"sync/atomic"
	"time"

	"github.com/sirupsen/logrus"
	"gocv.io/x/gocv"

	"virtual-background/internal/metrics"
)

// DefaultFrameBudget targets 25 frames per second
const DefaultFrameBudget = 40 * time.Millisecond

// SessionOptions configures a Session. Source, Segmenter and Compositor are required.
type SessionOptions struct {
	Source     FrameSource
	Segmenter  Segmenter
	Compositor Compositor
	Display    Display
	Background *Background
	Effect     Effect

	FrameBudget time.Duration
	MinInterval time.Duration
	// Threshold applies to confidence masks
	Threshold float32
	// MaskCleanup is the radius of the morphological opening applied to new masks, 0 disables it
	MaskCleanup int

	Clock   func() time.Time
	Logger  logrus.FieldLogger
	OnError func(error)
}

// Session is the per-tick driver. Start moves it from Idle to Running and spawns the loop
// goroutine; Stop cancels the pending tick, waits for the loop to exit and returns to Idle.
// Every Start builds a fresh scheduler and mask cache.
type Session struct {
	mu sync.Mutex

	source     FrameSource
	segmenter  Segmenter
	compositor Compositor
	display    Display
	background *Background

	budget      time.Duration
	minInterval time.Duration
	threshold   float32
	cleanup     int
	clock       func() time.Time
	logger      logrus.FieldLogger
	onError     func(error)

	effect atomic.Int32

	state  State
	cancel context.CancelFunc
	done   chan struct{}
	// exiting is closed once the last started loop has released its resources. It outlives
	// the Running state while a stopped loop finishes its final tick.
	exiting chan struct{}
	stats   *metrics.Recorder
}

func NewSession(opts SessionOptions) (*Session, error) {
	if opts.Source == nil {
		return nil, ErrNoFrameSource
	}
	if opts.Segmenter == nil {
		return nil, ErrNoSegmenter
	}
	if opts.Compositor == nil {
		return nil, ErrNoCompositor
	}
	if opts.FrameBudget <= 0 {
		opts.FrameBudget = DefaultFrameBudget
	}
	if opts.MinInterval <= 0 {
		opts.MinInterval = DefaultMinInterval
	}
	if opts.Clock == nil {
		opts.Clock = time.Now
	}
	if opts.Logger == nil {
		opts.Logger = logrus.StandardLogger()
	}
	if opts.Background == nil {
		opts.Background = NewBackground()
	}

	s := &Session{
		source:      opts.Source,
		segmenter:   opts.Segmenter,
		compositor:  opts.Compositor,
		display:     opts.Display,
		background:  opts.Background,
		budget:      opts.FrameBudget,
		minInterval: opts.MinInterval,
		threshold:   opts.Threshold,
		cleanup:     opts.MaskCleanup,
		clock:       opts.Clock,
		logger:      opts.Logger.WithField("component", "session"),
		onError:     opts.OnError,
		stats:       metrics.NewRecorder(),
	}
	s.effect.Store(int32(opts.Effect))
	return s, nil
}

// Start loads the model if needed and starts the frame loop. A model load failure is returned
// wrapped in ErrModelLoad and leaves the session Idle.
func (s *Session) Start(ctx context.Context) error {
	s.lockSettled()
	defer s.mu.Unlock()

	if s.state == StateRunning {
		return ErrAlreadyRunning
	}

	if !s.segmenter.Loaded() {
		start := time.Now()
		s.logger.WithField("backend", s.segmenter.Name()).Info("Loading segmentation model")
		if err := s.segmenter.LoadModel(ctx); err != nil {
			s.logger.WithError(err).WithField("backend", s.segmenter.Name()).Error("Model load failed")
			return fmt.Errorf("%w: %s: %v", ErrModelLoad, s.segmenter.Name(), err)
		}
		s.logger.WithFields(logrus.Fields{
			"backend":     s.segmenter.Name(),
			"duration_ms": time.Since(start).Milliseconds(),
		}).Info("Segmentation model loaded")
	}

	stats := metrics.NewRecorder()
	stats.Start(s.clock())
	cache := NewMaskCache(s.threshold, s.cleanup)
	l := &loop{
		session: s,
		stats:   stats,
		cache:   cache,
		scheduler: NewSegmentationScheduler(s.segmenter, cache, SchedulerOptions{
			MinInterval: s.minInterval,
			Clock:       s.clock,
			Logger:      s.logger,
			Stats:       stats,
			OnError:     s.report,
		}),
		frame:      gocv.NewMat(),
		output:     gocv.NewMat(),
		background: gocv.NewMat(),
	}

	loopCtx, cancel := context.WithCancel(ctx)
	done := make(chan struct{})
	s.state = StateRunning
	s.cancel = cancel
	s.done = done
	s.exiting = done
	s.stats = stats

	go s.run(loopCtx, l, done)

	s.logger.WithFields(logrus.Fields{
		"backend":   s.segmenter.Name(),
		"effect":    s.Effect().String(),
		"budget_ms": s.budget.Milliseconds(),
	}).Info("Session started")
	return nil
}

func (s *Session) run(ctx context.Context, l *loop, done chan struct{}) {
	defer close(done)

	// The GL compositor's context is bound to this thread.
	runtime.LockOSThread()
	defer runtime.UnlockOSThread()

	l.run(ctx)
	l.close()

	s.mu.Lock()
	if s.exiting == done {
		s.exiting = nil
	}
	// The parent context ended the loop without Stop.
	if s.done == done {
		s.state = StateIdle
		s.cancel = nil
		s.done = nil
		s.logger.Info("Session ended by context")
	}
	s.mu.Unlock()
}

// Stop cancels the pending tick and waits for the loop to exit. An in-flight inference call is
// abandoned and its result discarded. Stop is idempotent; concurrent callers all return once
// the loop has exited. It must not be called from the Display.
func (s *Session) Stop() {
	s.mu.Lock()
	if s.state == StateIdle {
		exiting := s.exiting
		s.mu.Unlock()
		if exiting != nil {
			<-exiting
		}
		return
	}
	cancel, done := s.cancel, s.done
	s.state = StateIdle
	s.cancel = nil
	s.done = nil
	s.mu.Unlock()

	cancel()
	<-done

	stats := s.Stats()
	s.logger.WithFields(logrus.Fields{
		"ticks":       stats.Ticks,
		"presented":   stats.FramesPresented,
		"requests":    stats.Requests,
		"completions": stats.Completions,
		"failures":    stats.Failures,
	}).Info("Session stopped")
}

// lockSettled acquires s.mu once no stopped loop is still running its last tick. The caller
// then sees either a live Running session or an Idle one whose loop has fully exited.
func (s *Session) lockSettled() {
	for {
		s.mu.Lock()
		if s.state == StateRunning || s.exiting == nil {
			return
		}
		exiting := s.exiting
		s.mu.Unlock()
		<-exiting
	}
}

// Close stops the session and releases the compositor and the segmenter
func (s *Session) Close() error {
	s.Stop()
	s.lockSettled()
	defer s.mu.Unlock()

	var firstErr error
	if err := s.compositor.Close(); err != nil {
		firstErr = err
	}
	if err := s.segmenter.Close(); err != nil && firstErr == nil {
		firstErr = err
	}
	return firstErr
}

// SetEffect changes the effect; it takes effect on the next tick
func (s *Session) SetEffect(e Effect) {
	if old := Effect(s.effect.Swap(int32(e))); old != e {
		s.logger.WithFields(logrus.Fields{
			"old": old.String(),
			"new": e.String(),
		}).Info("Effect changed")
	}
}

func (s *Session) Effect() Effect {
	return Effect(s.effect.Load())
}

// SetBackground replaces the static background; it is picked up between ticks
func (s *Session) SetBackground(mat gocv.Mat, source string) error {
	if err := s.background.Set(mat, source); err != nil {
		return err
	}
	s.logger.WithFields(logrus.Fields{
		"source": source,
		"width":  mat.Cols(),
		"height": mat.Rows(),
	}).Info("Background updated")
	return nil
}

// SetSegmenter switches the inference backend. The session must be idle.
func (s *Session) SetSegmenter(seg Segmenter) error {
	if seg == nil {
		return ErrNoSegmenter
	}
	s.lockSettled()
	defer s.mu.Unlock()
	if s.state == StateRunning {
		return ErrAlreadyRunning
	}
	s.segmenter = seg
	s.logger.WithField("backend", seg.Name()).Info("Segmenter selected")
	return nil
}

// SetDisplay replaces the display. The session must be idle.
func (s *Session) SetDisplay(d Display) error {
	s.lockSettled()
	defer s.mu.Unlock()
	if s.state == StateRunning {
		return ErrAlreadyRunning
	}
	s.display = d
	return nil
}

func (s *Session) Segmenter() Segmenter {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.segmenter
}

func (s *Session) State() State {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state
}

// Stats returns the counters of the current or last session
func (s *Session) Stats() metrics.Stats {
	s.mu.Lock()
	stats := s.stats
	s.mu.Unlock()
	return stats.Snapshot()
}

func (s *Session) report(err error) {
	if s.onError != nil {
		s.onError(err)
	}
}

// loop holds the state owned by the tick goroutine for one session
type loop struct {
	session   *Session
	stats     *metrics.Recorder
	scheduler *SegmentationScheduler
	cache     *MaskCache

	frame      gocv.Mat
	output     gocv.Mat
	background gocv.Mat
	bgVersion  uint64
	frameSize  image.Point
}

func (l *loop) run(ctx context.Context) {
	s := l.session
	timer := time.NewTimer(0)
	defer timer.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-timer.C:
		}

		start := time.Now()
		l.tick(s.clock())
		elapsed := time.Since(start)
		l.stats.Tick(elapsed)

		wait := s.budget - elapsed
		if wait < 0 {
			wait = 0
		}
		timer.Reset(wait)
	}
}

// tick runs one iteration. Panics from components are recovered here so the loop keeps running.
func (l *loop) tick(now time.Time) {
	s := l.session
	defer func() {
		if r := recover(); r != nil {
			err := fmt.Errorf("tick panic: %v", r)
			l.stats.TickPanicked()
			s.logger.WithError(err).Error("Recovered from panic in frame loop")
			s.report(err)
		}
	}()

	if !s.source.Latest(&l.frame) || l.frame.Empty() {
		l.stats.FrameMissing()
		return
	}

	if size := image.Pt(l.frame.Cols(), l.frame.Rows()); size != l.frameSize {
		s.logger.WithFields(logrus.Fields{
			"old": fmt.Sprintf("%dx%d", l.frameSize.X, l.frameSize.Y),
			"new": fmt.Sprintf("%dx%d", size.X, size.Y),
		}).Info("Frame size changed")
		l.frameSize = size
	}

	// Completions are applied here and nowhere else, before compositing.
	l.scheduler.Drain()
	l.scheduler.MaybeRequestUpdate(l.frame, now)

	if v := s.background.Version(); v != l.bgVersion {
		l.bgVersion = s.background.CopyTo(&l.background)
	}

	effect := s.Effect()
	if err := s.compositor.Render(effect, l.frame, l.cache, l.background, &l.output); err != nil {
		l.stats.RenderFailed()
		s.logger.WithError(err).WithField("effect", effect.String()).Warn("Render failed, showing plain video")
		s.report(err)
		PassThrough(l.frame, &l.output)
	}

	l.stats.Presented(l.cache.Age(now))
	if s.display != nil {
		s.display.Present(l.output)
	}
}

func (l *loop) close() {
	l.scheduler.Close()
	if tb, ok := l.session.compositor.(threadBound); ok {
		tb.Detach()
	}
	l.cache.Close()
	l.frame.Close()
	l.output.Close()
	l.background.Close()
}
