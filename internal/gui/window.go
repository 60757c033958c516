package gui

import (
	"sync"

	"github.com/sirupsen/logrus"
	"gocv.io/x/gocv"
)

// Window shows the composite in an OpenCV highgui window. It is created lazily by the first
// Present call, so it lives on the frame loop's thread, where its events are pumped as well.
type Window struct {
	title  string
	logger logrus.FieldLogger
	onKey  func(key int)

	window *gocv.Window
	mu     sync.Mutex
	closed bool
}

// NewWindow creates a highgui display. onKey receives every key pressed in the window.
func NewWindow(title string, logger logrus.FieldLogger, onKey func(key int)) *Window {
	if logger == nil {
		logger = logrus.StandardLogger()
	}
	return &Window{
		title:  title,
		logger: logger.WithField("component", "window"),
		onKey:  onKey,
	}
}

// Present implements core.Display
func (w *Window) Present(frame gocv.Mat) {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.closed {
		return
	}
	if w.window == nil {
		w.window = gocv.NewWindow(w.title)
		w.logger.WithField("title", w.title).Info("Display window opened")
	}

	w.window.IMShow(frame)
	if key := w.window.WaitKey(1); key >= 0 && w.onKey != nil {
		w.onKey(key)
	}
}

func (w *Window) Close() error {
	w.mu.Lock()
	defer w.mu.Unlock()
	w.closed = true
	if w.window == nil {
		return nil
	}
	err := w.window.Close()
	w.window = nil
	return err
}
