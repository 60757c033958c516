// Virtual background: live person segmentation with background blur or replacement

package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"strings"
	"sync"
	"syscall"
	"time"

	"fyne.io/fyne/v2"
	"fyne.io/fyne/v2/app"
	"fyne.io/fyne/v2/theme"
	"github.com/faiface/mainthread"
	"github.com/sirupsen/logrus"

	"virtual-background/internal/capture"
	"virtual-background/internal/config"
	"virtual-background/internal/core"
	"virtual-background/internal/gui"
	"virtual-background/internal/io"
	"virtual-background/internal/render"
	"virtual-background/internal/segment"
)

const (
	AppName    = "Virtual Background"
	AppID      = "com.example.virtual-background"
	AppVersion = "1.0.0"
)

func main() {
	configPath := flag.String("config", "", "YAML configuration file, watched for changes")
	reference := flag.String("evaluate", "", "reference mask: segment -image once, report fidelity and exit")
	config.RegisterFlags(flag.CommandLine)
	flag.Parse()

	cfg, err := config.Load(*configPath)
	if err == nil {
		err = cfg.ApplyFlags(flag.CommandLine)
	}
	if err != nil {
		fmt.Fprintf(os.Stderr, "configuration error: %v\n", err)
		os.Exit(2)
	}

	logger := initLogger(cfg.Debug, cfg.LogLevel)
	logger.WithFields(logrus.Fields{
		"version":    AppVersion,
		"segmenter":  cfg.Segmenter,
		"effect":     cfg.Effect,
		"compositor": cfg.Compositor,
		"display":    cfg.Display,
	}).Info("Starting " + AppName)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	switch {
	case *reference != "":
		err = runEvaluate(ctx, cfg, *reference, logger)
	case cfg.Display == "preview":
		// fyne owns the main thread; the preview composites on the CPU
		err = run(ctx, cfg, *configPath, nil, logger)
	default:
		// glfw must be driven from the main thread, so the pipeline runs beside it
		mainthread.Run(func() {
			err = run(ctx, cfg, *configPath, mainthread.Call, logger)
		})
	}
	if err != nil {
		logger.WithError(err).Error("Application failed")
		os.Exit(1)
	}
	logger.Info("Application shutting down gracefully")
}

// initLogger initializes the logger with appropriate level
func initLogger(debugMode bool, level string) *logrus.Logger {
	logger := logrus.New()
	logger.SetOutput(os.Stdout)

	if debugMode {
		logger.SetLevel(logrus.DebugLevel)
		logger.SetFormatter(&logrus.TextFormatter{
			FullTimestamp: true,
			ForceColors:   true,
		})
		logger.Debug("Debug logging enabled")
		return logger
	}

	lvl, err := logrus.ParseLevel(level)
	if err != nil {
		lvl = logrus.InfoLevel
	}
	logger.SetLevel(lvl)
	logger.SetFormatter(&logrus.JSONFormatter{
		TimestampFormat: "2006-01-02 15:04:05",
	})
	return logger
}

// frameSource is a core.FrameSource that must be released
type frameSource interface {
	core.FrameSource
	Close() error
}

func openSource(ctx context.Context, cfg *config.Config, logger logrus.FieldLogger) (frameSource, error) {
	if cfg.Source.Image != "" {
		still, err := capture.LoadStill(cfg.Source.Image)
		if err != nil {
			return nil, err
		}
		logger.WithField("image", cfg.Source.Image).Info("Using still image as frame source")
		return still, nil
	}

	cam := capture.NewCamera(capture.CameraOptions{
		Device: cfg.Source.Device,
		Width:  cfg.Source.Width,
		Height: cfg.Source.Height,
		FPS:    cfg.Source.FPS,
		Loop:   cfg.Source.Loop,
	}, logger)
	if err := cam.Start(ctx); err != nil {
		return nil, err
	}
	return cam, nil
}

func run(ctx context.Context, cfg *config.Config, configPath string, mainThread func(func()), logger *logrus.Logger) error {
	source, err := openSource(ctx, cfg, logger)
	if err != nil {
		return fmt.Errorf("frame source: %w", err)
	}
	defer source.Close()

	newSegmenter := func(name string) (core.Segmenter, error) {
		return segment.New(name, cfg.Segment, logger)
	}
	seg, err := newSegmenter(cfg.Segmenter)
	if err != nil {
		return err
	}

	kind := cfg.CompositorKind()
	if cfg.Display == "preview" && kind != render.KindCPU {
		// fyne owns the GL context of the UI thread
		logger.WithField("requested", kind).Info("Preview window uses the CPU compositor")
		kind = render.KindCPU
	}
	compositor, err := render.New(render.Options{
		Kind:       kind,
		Params:     cfg.Render,
		Logger:     logger,
		MainThread: mainThread,
	})
	if err != nil {
		seg.Close()
		return err
	}

	loader := io.NewImageLoader(logger)
	background := core.NewBackground()
	defer background.Close()
	if cfg.Background != "" {
		if err := loader.LoadBackground(cfg.Background, background); err != nil {
			logger.WithError(err).Warn("Background not loaded, static effect will show plain video")
		}
	}

	var errorSink func(error)
	session, err := core.NewSession(core.SessionOptions{
		Source:      source,
		Segmenter:   seg,
		Compositor:  compositor,
		Background:  background,
		Effect:      cfg.EffectValue(),
		FrameBudget: cfg.FrameBudget,
		MinInterval: cfg.MinInterval,
		Threshold:   cfg.Threshold,
		MaskCleanup: cfg.MaskCleanup,
		Logger:      logger,
		OnError: func(err error) {
			if errorSink != nil {
				errorSink(err)
			}
		},
	})
	if err != nil {
		seg.Close()
		compositor.Close()
		return err
	}
	defer session.Close()

	if configPath != "" {
		go watchConfig(ctx, configPath, session, loader, background, logger)
	}
	if cfg.StatsInterval > 0 {
		go logStats(ctx, session, cfg.StatsInterval, logger)
	}

	switch cfg.Display {
	case "preview":
		return runPreview(ctx, cfg, session, background, loader, newSegmenter, &errorSink, logger)
	case "window":
		ctx, cancel := context.WithCancel(ctx)
		defer cancel()
		window := gui.NewWindow(AppName, logger, keyHandler(session, cancel))
		defer window.Close()
		if err := session.SetDisplay(window); err != nil {
			return err
		}
		return runHeadless(ctx, session, logger)
	default:
		return runHeadless(ctx, session, logger)
	}
}

// keyHandler maps window keys to effects; q or Esc ends the program. It runs on the frame loop
// and must not block.
func keyHandler(session *core.Session, quit context.CancelFunc) func(int) {
	return func(key int) {
		switch key {
		case 'n':
			session.SetEffect(core.EffectNone)
		case 'b':
			session.SetEffect(core.EffectBlur)
		case 's':
			session.SetEffect(core.EffectStatic)
		case 'q', 27:
			quit()
		}
	}
}

func runHeadless(ctx context.Context, session *core.Session, logger logrus.FieldLogger) error {
	if err := session.Start(ctx); err != nil {
		return err
	}
	<-ctx.Done()
	logger.Info("Stopping session")
	session.Stop()
	return nil
}

func runPreview(ctx context.Context, cfg *config.Config, session *core.Session, background *core.Background,
	loader *io.ImageLoader, newSegmenter gui.SegmenterFactory, errorSink *func(error), logger *logrus.Logger) error {

	fyneApp := app.NewWithID(AppID)
	fyneApp.SetIcon(theme.MediaVideoIcon())
	fyneApp.Settings().SetTheme(theme.DefaultTheme())

	preview := gui.NewPreview(fyneApp, gui.PreviewOptions{
		Session:     session,
		Background:  background,
		Loader:      loader,
		Segmenters:  newSegmenter,
		Backends:    segment.Names(),
		SnapshotDir: cfg.SnapshotDir,
		Logger:      logger,
	})
	if err := session.SetDisplay(preview); err != nil {
		return err
	}
	*errorSink = preview.ShowError

	go func() {
		<-ctx.Done()
		fyne.Do(fyneApp.Quit)
	}()

	preview.ShowAndRun(true)
	session.Stop()
	return nil
}

// watchConfig applies effect and background changes from the configuration file while running
func watchConfig(ctx context.Context, path string, session *core.Session, loader *io.ImageLoader,
	background *core.Background, logger logrus.FieldLogger) {

	var (
		mu      sync.Mutex
		current = background.Metadata().Source
	)
	err := config.Watch(ctx, path, flag.CommandLine, logger, func(cfg *config.Config) {
		session.SetEffect(cfg.EffectValue())

		mu.Lock()
		defer mu.Unlock()
		if cfg.Background == current {
			return
		}
		if cfg.Background == "" {
			background.Clear()
		} else if err := loader.LoadBackground(cfg.Background, background); err != nil {
			logger.WithError(err).Warn("Background change ignored")
			return
		}
		current = cfg.Background
	})
	if err != nil && !errors.Is(err, context.Canceled) {
		logger.WithError(err).Warn("Configuration watcher stopped")
	}
}

func logStats(ctx context.Context, session *core.Session, interval time.Duration, logger logrus.FieldLogger) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case now := <-ticker.C:
			if session.State() != core.StateRunning {
				continue
			}
			stats := session.Stats()
			fields := logrus.Fields{
				"fps":            fmt.Sprintf("%.1f", stats.FPS(now)),
				"ticks":          stats.Ticks,
				"requests":       stats.Requests,
				"completions":    stats.Completions,
				"failures":       stats.Failures,
				"render_errors":  stats.RenderErrors,
				"avg_tick_ms":    stats.AvgTick.Milliseconds(),
				"mask_age_ms":    stats.MaskAge.Milliseconds(),
				"inference_ms":   stats.LastInference.Milliseconds(),
				"frames_missing": stats.FramesMissing,
				"effect":         session.Effect().String(),
			}
			if stats.LastInferenceErr != "" {
				fields["last_error"] = strings.TrimSpace(stats.LastInferenceErr)
			}
			logger.WithFields(fields).Info("Session statistics")
		}
	}
}
