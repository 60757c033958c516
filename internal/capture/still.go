package capture

import (
	"fmt"
	"sync"

	"gocv.io/x/gocv"
)

// Still serves the same image on every tick. It backs the single-image mode of the command and
// deterministic tests.
type Still struct {
	mu    sync.Mutex
	frame gocv.Mat
	reads uint64
}

// NewStill copies frame; an empty frame yields a source that never has a frame
func NewStill(frame gocv.Mat) *Still {
	s := &Still{frame: gocv.NewMat()}
	if !frame.Empty() {
		frame.CopyTo(&s.frame)
	}
	return s
}

// LoadStill reads an image file as a frame source
func LoadStill(path string) (*Still, error) {
	img := gocv.IMRead(path, gocv.IMReadColor)
	if img.Empty() {
		return nil, fmt.Errorf("failed to read image: %s", path)
	}
	defer img.Close()
	return NewStill(img), nil
}

func (s *Still) Latest(dst *gocv.Mat) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.frame.Empty() {
		return false
	}
	s.frame.CopyTo(dst)
	s.reads++
	return true
}

// Replace swaps the served image
func (s *Still) Replace(frame gocv.Mat) {
	s.mu.Lock()
	defer s.mu.Unlock()
	frame.CopyTo(&s.frame)
}

// Reads counts successful Latest calls
func (s *Still) Reads() uint64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.reads
}

func (s *Still) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.frame.Close()
}
