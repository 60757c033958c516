// Session statistics for the frame loop and the segmentation scheduler
package metrics

import (
	"sync"
	"sync/atomic"
	"time"
)

// Stats is a snapshot of session counters. It is a copy and never changes after Snapshot returns.
type Stats struct {
	Ticks            uint64        `json:"ticks"`
	FramesPresented  uint64        `json:"frames_presented"`
	FramesMissing    uint64        `json:"frames_missing"`
	RenderErrors     uint64        `json:"render_errors"`
	TickPanics       uint64        `json:"tick_panics"`
	Requests         uint64        `json:"requests"`
	Completions      uint64        `json:"completions"`
	Failures         uint64        `json:"failures"`
	Discarded        uint64        `json:"discarded"`
	LastTick         time.Duration `json:"last_tick"`
	AvgTick          time.Duration `json:"avg_tick"`
	MaxTick          time.Duration `json:"max_tick"`
	LastInference    time.Duration `json:"last_inference"`
	MaxInference     time.Duration `json:"max_inference"`
	MaskAge          time.Duration `json:"mask_age"`
	MaxMaskAge       time.Duration `json:"max_mask_age"`
	StartedAt        time.Time     `json:"started_at"`
	LastInferenceErr string        `json:"last_inference_error,omitempty"`
}

// FPS is the average presented frame rate since StartedAt
func (s Stats) FPS(now time.Time) float64 {
	if s.StartedAt.IsZero() {
		return 0
	}
	elapsed := now.Sub(s.StartedAt).Seconds()
	if elapsed <= 0 {
		return 0
	}
	return float64(s.FramesPresented) / elapsed
}

// Recorder accumulates session counters. Counters are atomic; durations share one mutex since
// they are updated once per tick at most.
type Recorder struct {
	ticks       atomic.Uint64
	presented   atomic.Uint64
	missing     atomic.Uint64
	renderErrs  atomic.Uint64
	panics      atomic.Uint64
	requests    atomic.Uint64
	completions atomic.Uint64
	failures    atomic.Uint64
	discarded   atomic.Uint64

	mu            sync.Mutex
	startedAt     time.Time
	lastTick      time.Duration
	totalTick     time.Duration
	maxTick       time.Duration
	lastInference time.Duration
	maxInference  time.Duration
	maskAge       time.Duration
	maxMaskAge    time.Duration
	lastErr       string
}

func NewRecorder() *Recorder {
	return &Recorder{}
}

// Start marks the beginning of a session
func (r *Recorder) Start(now time.Time) {
	r.mu.Lock()
	r.startedAt = now
	r.mu.Unlock()
}

// Tick records one loop iteration and the time its synchronous work took
func (r *Recorder) Tick(elapsed time.Duration) {
	r.ticks.Add(1)
	r.mu.Lock()
	r.lastTick = elapsed
	r.totalTick += elapsed
	if elapsed > r.maxTick {
		r.maxTick = elapsed
	}
	r.mu.Unlock()
}

// Presented records a composite handed to the display with the age of the mask it used
func (r *Recorder) Presented(maskAge time.Duration) {
	r.presented.Add(1)
	r.mu.Lock()
	r.maskAge = maskAge
	if maskAge > r.maxMaskAge {
		r.maxMaskAge = maskAge
	}
	r.mu.Unlock()
}

func (r *Recorder) FrameMissing()    { r.missing.Add(1) }
func (r *Recorder) RenderFailed()    { r.renderErrs.Add(1) }
func (r *Recorder) TickPanicked()    { r.panics.Add(1) }
func (r *Recorder) RequestIssued()   { r.requests.Add(1) }
func (r *Recorder) ResultDiscarded() { r.discarded.Add(1) }

// RequestCompleted records a successful inference and its latency
func (r *Recorder) RequestCompleted(latency time.Duration) {
	r.completions.Add(1)
	r.mu.Lock()
	r.lastInference = latency
	if latency > r.maxInference {
		r.maxInference = latency
	}
	r.mu.Unlock()
}

// RequestFailed records a failed inference
func (r *Recorder) RequestFailed(err error) {
	r.failures.Add(1)
	if err == nil {
		return
	}
	r.mu.Lock()
	r.lastErr = err.Error()
	r.mu.Unlock()
}

// Snapshot returns a consistent copy of the counters
func (r *Recorder) Snapshot() Stats {
	r.mu.Lock()
	defer r.mu.Unlock()

	s := Stats{
		Ticks:            r.ticks.Load(),
		FramesPresented:  r.presented.Load(),
		FramesMissing:    r.missing.Load(),
		RenderErrors:     r.renderErrs.Load(),
		TickPanics:       r.panics.Load(),
		Requests:         r.requests.Load(),
		Completions:      r.completions.Load(),
		Failures:         r.failures.Load(),
		Discarded:        r.discarded.Load(),
		LastTick:         r.lastTick,
		MaxTick:          r.maxTick,
		LastInference:    r.lastInference,
		MaxInference:     r.maxInference,
		MaskAge:          r.maskAge,
		MaxMaskAge:       r.maxMaskAge,
		StartedAt:        r.startedAt,
		LastInferenceErr: r.lastErr,
	}
	if s.Ticks > 0 {
		s.AvgTick = r.totalTick / time.Duration(s.Ticks)
	}
	return s
}
