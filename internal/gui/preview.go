// Preview window with effect, backend and background controls
package gui

import (
	"context"
	"fmt"
	"image"
	"image/color"
	"sync"
	"sync/atomic"
	"time"

	"fyne.io/fyne/v2"
	"fyne.io/fyne/v2/canvas"
	"fyne.io/fyne/v2/container"
	"fyne.io/fyne/v2/dialog"
	"fyne.io/fyne/v2/storage"
	"fyne.io/fyne/v2/widget"
	"github.com/sirupsen/logrus"
	"gocv.io/x/gocv"

	"virtual-background/internal/core"
	"virtual-background/internal/io"
	"virtual-background/internal/metrics"
)

// Controller is the part of the session the preview window drives
type Controller interface {
	Start(ctx context.Context) error
	Stop()
	State() core.State
	SetEffect(e core.Effect)
	Effect() core.Effect
	SetSegmenter(seg core.Segmenter) error
	Segmenter() core.Segmenter
	Stats() metrics.Stats
}

// SegmenterFactory builds a backend by name when the user switches backends
type SegmenterFactory func(name string) (core.Segmenter, error)

// Preview shows the composite in a fyne window. Present is called from the frame loop; the
// image is converted there and handed to the UI goroutine with fyne.Do. A frame arriving while
// the previous one is still waiting for the UI is dropped.
type Preview struct {
	app    fyne.App
	window fyne.Window
	logger logrus.FieldLogger

	session    Controller
	background *core.Background
	loader     *io.ImageLoader
	segmenters SegmenterFactory
	backends   []string
	snapshots  string

	image      *canvas.Image
	status     *widget.Label
	effects    *widget.RadioGroup
	backend    *widget.Select
	startStop  *widget.Button
	statsLabel *widget.Label

	pending atomic.Bool
	dropped atomic.Uint64

	mu   sync.Mutex
	last gocv.Mat

	ctx    context.Context
	cancel context.CancelFunc
}

// PreviewOptions configures NewPreview
type PreviewOptions struct {
	Session     Controller
	Background  *core.Background
	Loader      *io.ImageLoader
	Segmenters  SegmenterFactory
	Backends    []string
	SnapshotDir string
	Logger      logrus.FieldLogger
}

func NewPreview(app fyne.App, opts PreviewOptions) *Preview {
	if opts.Logger == nil {
		opts.Logger = logrus.StandardLogger()
	}
	window := app.NewWindow("Virtual Background")
	window.Resize(fyne.NewSize(960, 640))
	window.CenterOnScreen()

	ctx, cancel := context.WithCancel(context.Background())
	p := &Preview{
		app:        app,
		window:     window,
		logger:     opts.Logger.WithField("component", "preview"),
		session:    opts.Session,
		background: opts.Background,
		loader:     opts.Loader,
		segmenters: opts.Segmenters,
		backends:   opts.Backends,
		snapshots:  opts.SnapshotDir,
		last:       gocv.NewMat(),
		ctx:        ctx,
		cancel:     cancel,
	}
	p.initializeUI()
	return p
}

func (p *Preview) initializeUI() {
	placeholder := image.NewRGBA(image.Rect(0, 0, 640, 480))
	for y := 0; y < 480; y++ {
		for x := 0; x < 640; x++ {
			placeholder.Set(x, y, color.RGBA{32, 32, 32, 255})
		}
	}
	p.image = canvas.NewImageFromImage(placeholder)
	p.image.FillMode = canvas.ImageFillContain
	p.image.ScaleMode = canvas.ImageScaleFastest
	p.image.SetMinSize(fyne.NewSize(640, 480))

	p.effects = widget.NewRadioGroup([]string{
		core.EffectNone.String(),
		core.EffectBlur.String(),
		core.EffectStatic.String(),
	}, func(selected string) {
		effect, err := core.ParseEffect(selected)
		if err != nil {
			return
		}
		p.session.SetEffect(effect)
	})
	p.effects.Horizontal = true
	p.effects.SetSelected(p.session.Effect().String())

	p.backend = widget.NewSelect(p.backends, func(name string) {
		p.switchBackend(name)
	})
	if seg := p.session.Segmenter(); seg != nil {
		p.backend.SetSelected(seg.Name())
	}

	p.startStop = widget.NewButton("Start", p.toggle)
	p.status = widget.NewLabel("Idle")
	p.statsLabel = widget.NewLabel("")

	openBackground := widget.NewButton("Background...", p.chooseBackground)
	snapshot := widget.NewButton("Snapshot", p.snapshot)

	controls := container.NewVBox(
		widget.NewCard("Effect", "", p.effects),
		widget.NewCard("Backend", "", p.backend),
		widget.NewCard("Session", "", container.NewVBox(p.startStop, openBackground, snapshot)),
		widget.NewCard("Status", "", container.NewVBox(p.status, p.statsLabel)),
	)

	split := container.NewHSplit(container.NewPadded(p.image), container.NewVScroll(controls))
	split.SetOffset(0.75)
	p.window.SetContent(split)
}

// Present implements core.Display
func (p *Preview) Present(frame gocv.Mat) {
	p.mu.Lock()
	frame.CopyTo(&p.last)
	p.mu.Unlock()

	if !p.pending.CompareAndSwap(false, true) {
		p.dropped.Add(1)
		return
	}
	img, err := frame.ToImage()
	if err != nil {
		p.pending.Store(false)
		p.logger.WithError(err).Debug("Failed to convert composite")
		return
	}
	fyne.Do(func() {
		p.image.Image = img
		p.image.Refresh()
		p.pending.Store(false)
	})
}

func (p *Preview) toggle() {
	if p.session.State() == core.StateRunning {
		p.session.Stop()
		p.setStatus("Idle")
		p.startStop.SetText("Start")
		return
	}
	p.start()
}

func (p *Preview) start() {
	p.setStatus("Loading model...")
	p.startStop.Disable()
	go func() {
		err := p.session.Start(p.ctx)
		fyne.Do(func() {
			p.startStop.Enable()
			if err != nil {
				p.setStatus("Idle")
				p.showError("Cannot start", err)
				return
			}
			p.setStatus("Running")
			p.startStop.SetText("Stop")
		})
	}()
}

// switchBackend stops the running effect, swaps the segmenter and releases the old one
func (p *Preview) switchBackend(name string) {
	current := p.session.Segmenter()
	if current != nil && current.Name() == name {
		return
	}
	seg, err := p.segmenters(name)
	if err != nil {
		p.showError("Backend unavailable", err)
		return
	}

	if p.session.State() == core.StateRunning {
		p.session.Stop()
		p.startStop.SetText("Start")
		p.setStatus("Idle")
	}
	if err := p.session.SetSegmenter(seg); err != nil {
		seg.Close()
		p.showError("Cannot switch backend", err)
		return
	}
	if current != nil {
		if err := current.Close(); err != nil {
			p.logger.WithError(err).Warn("Failed to release previous backend")
		}
	}
	p.logger.WithField("backend", name).Info("Backend switched")
}

func (p *Preview) chooseBackground() {
	open := dialog.NewFileOpen(func(reader fyne.URIReadCloser, err error) {
		if err != nil {
			p.showError("Background", err)
			return
		}
		if reader == nil {
			return
		}
		path := reader.URI().Path()
		reader.Close()

		if err := p.loader.LoadBackground(path, p.background); err != nil {
			p.showError("Background", err)
			return
		}
		p.setStatus(fmt.Sprintf("Background: %s", path))
	}, p.window)
	open.SetFilter(storage.NewExtensionFileFilter(io.GetSupportedFormats()))
	open.Show()
}

func (p *Preview) snapshot() {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.last.Empty() {
		p.showError("Snapshot", fmt.Errorf("no composite yet"))
		return
	}
	path := io.SnapshotPath(p.snapshots, time.Now())
	if err := p.loader.SaveImage(p.last, path); err != nil {
		p.showError("Snapshot", err)
		return
	}
	p.setStatus(fmt.Sprintf("Saved %s", path))
}

// ShowError reports an asynchronous error (inference, render) in the status line
func (p *Preview) ShowError(err error) {
	fyne.Do(func() {
		p.setStatus(fmt.Sprintf("Error: %v", err))
	})
}

func (p *Preview) refreshStats() {
	stats := p.session.Stats()
	text := fmt.Sprintf("%.1f fps, %d inferences (%d failed), mask age %s, tick %s, %d dropped",
		stats.FPS(time.Now()), stats.Completions, stats.Failures,
		stats.MaskAge.Round(time.Millisecond), stats.AvgTick.Round(100*time.Microsecond), p.dropped.Load())
	fyne.Do(func() {
		p.statsLabel.SetText(text)
	})
}

func (p *Preview) setStatus(message string) {
	p.status.SetText(message)
}

func (p *Preview) showError(title string, err error) {
	p.logger.WithError(err).Error(title)
	dialog.ShowError(err, p.window)
	p.setStatus(fmt.Sprintf("Error: %s", err.Error()))
}

// ShowAndRun starts the session if autoStart is set and blocks until the window is closed
func (p *Preview) ShowAndRun(autoStart bool) {
	p.logger.Info("Showing preview window")

	go func() {
		ticker := time.NewTicker(time.Second)
		defer ticker.Stop()
		for {
			select {
			case <-p.ctx.Done():
				return
			case <-ticker.C:
				p.refreshStats()
			}
		}
	}()

	p.window.SetCloseIntercept(func() {
		p.cleanup()
		p.app.Quit()
	})
	if autoStart {
		p.start()
	}
	p.window.ShowAndRun()
}

func (p *Preview) cleanup() {
	p.logger.Info("Cleaning up preview resources")
	p.cancel()
	p.session.Stop()
	p.mu.Lock()
	p.last.Close()
	p.mu.Unlock()
}
