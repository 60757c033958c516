// Thread-safe holder for the replacement background image
package core

import (
	"fmt"
	"path/filepath"
	"strings"
	"sync"

	"gocv.io/x/gocv"
)

// BackgroundMetadata describes the loaded background
type BackgroundMetadata struct {
	Width    int
	Height   int
	Channels int
	Source   string
	Format   string
}

// Background holds the static replacement image. It is set by the caller (UI, config watcher)
// and read by the frame loop, which takes a private copy whenever the version changes.
type Background struct {
	mu       sync.RWMutex
	image    gocv.Mat
	metadata BackgroundMetadata
	version  uint64
}

func NewBackground() *Background {
	return &Background{image: gocv.NewMat()}
}

// Set replaces the background with a copy of mat. The image must be 8-bit BGR.
func (b *Background) Set(mat gocv.Mat, source string) error {
	if err := ValidateBackground(mat); err != nil {
		return err
	}

	b.mu.Lock()
	defer b.mu.Unlock()

	b.image.Close()
	b.image = mat.Clone()
	b.metadata = BackgroundMetadata{
		Width:    mat.Cols(),
		Height:   mat.Rows(),
		Channels: mat.Channels(),
		Source:   source,
		Format:   formatFromPath(source),
	}
	b.version++
	return nil
}

// Clear removes the background; the Static effect then renders pass-through
func (b *Background) Clear() {
	b.mu.Lock()
	defer b.mu.Unlock()

	b.image.Close()
	b.image = gocv.NewMat()
	b.metadata = BackgroundMetadata{}
	b.version++
}

// Version increases on every Set or Clear
func (b *Background) Version() uint64 {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return b.version
}

// CopyTo copies the current image into dst and returns the version copied. An empty
// background leaves dst empty.
func (b *Background) CopyTo(dst *gocv.Mat) uint64 {
	b.mu.RLock()
	defer b.mu.RUnlock()

	if b.image.Empty() {
		dst.Close()
		*dst = gocv.NewMat()
	} else {
		b.image.CopyTo(dst)
	}
	return b.version
}

func (b *Background) HasImage() bool {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return !b.image.Empty()
}

func (b *Background) Metadata() BackgroundMetadata {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return b.metadata
}

func (b *Background) Close() {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.image.Close()
}

// ValidateBackground checks that mat can be blended with camera frames
func ValidateBackground(mat gocv.Mat) error {
	if mat.Empty() {
		return fmt.Errorf("cannot set empty background")
	}
	if mat.Cols() <= 0 || mat.Rows() <= 0 {
		return fmt.Errorf("invalid background dimensions: %dx%d", mat.Cols(), mat.Rows())
	}
	if mat.Type() != gocv.MatTypeCV8UC3 {
		return fmt.Errorf("background must be 8-bit BGR, got %d channels of type %d", mat.Channels(), int(mat.Type()))
	}
	return nil
}

func formatFromPath(path string) string {
	if path == "" {
		return ""
	}
	return strings.TrimPrefix(strings.ToLower(filepath.Ext(path)), ".")
}
