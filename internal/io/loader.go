// Background image loading and composite snapshots
package io

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/sirupsen/logrus"
	"gocv.io/x/gocv"

	"virtual-background/internal/core"
)

var supportedFormats = []string{".jpg", ".jpeg", ".png", ".tiff", ".tif", ".bmp", ".webp"}

// ImageLoader handles image file operations
type ImageLoader struct {
	logger logrus.FieldLogger
}

func NewImageLoader(logger logrus.FieldLogger) *ImageLoader {
	if logger == nil {
		logger = logrus.StandardLogger()
	}
	return &ImageLoader{
		logger: logger.WithField("component", "io"),
	}
}

// LoadImage reads an image as 8-bit BGR
func (il *ImageLoader) LoadImage(path string) (gocv.Mat, error) {
	il.logger.WithField("path", path).Debug("Loading image")

	if !IsSupportedImageFormat(path) {
		return gocv.NewMat(), fmt.Errorf("unsupported image format: %s", path)
	}
	if _, err := os.Stat(path); err != nil {
		return gocv.NewMat(), fmt.Errorf("load image: %w", err)
	}

	mat := gocv.IMRead(path, gocv.IMReadColor)
	if mat.Empty() {
		return gocv.NewMat(), fmt.Errorf("failed to load image: %s", path)
	}

	il.logger.WithFields(logrus.Fields{
		"path":     path,
		"width":    mat.Cols(),
		"height":   mat.Rows(),
		"channels": mat.Channels(),
	}).Info("Image loaded successfully")
	return mat, nil
}

// LoadBackground reads path into the shared background holder. The image is loaded once and
// only read afterwards.
func (il *ImageLoader) LoadBackground(path string, bg *core.Background) error {
	mat, err := il.LoadImage(path)
	if err != nil {
		return err
	}
	defer mat.Close()

	if err := bg.Set(mat, path); err != nil {
		return fmt.Errorf("background %s: %w", path, err)
	}
	return nil
}

// SaveImage writes mat to path; the format follows the extension
func (il *ImageLoader) SaveImage(mat gocv.Mat, path string) error {
	il.logger.WithField("path", path).Debug("Saving image")

	if mat.Empty() {
		return fmt.Errorf("cannot save empty image")
	}
	if !IsSupportedImageFormat(path) {
		return fmt.Errorf("unsupported image format: %s", path)
	}
	if dir := filepath.Dir(path); dir != "." {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return fmt.Errorf("create snapshot directory: %w", err)
		}
	}

	if ok := gocv.IMWrite(path, mat); !ok {
		return fmt.Errorf("failed to save image: %s", path)
	}

	il.logger.WithFields(logrus.Fields{
		"path":   path,
		"width":  mat.Cols(),
		"height": mat.Rows(),
	}).Info("Image saved successfully")
	return nil
}

// SnapshotPath names a composite snapshot taken at t inside dir
func SnapshotPath(dir string, t time.Time) string {
	return filepath.Join(dir, fmt.Sprintf("composite-%s.png", t.Format("20060102-150405.000")))
}

func IsSupportedImageFormat(path string) bool {
	ext := strings.ToLower(filepath.Ext(path))
	for _, format := range supportedFormats {
		if ext == format {
			return true
		}
	}
	return false
}

// GetSupportedFormats returns the accepted file extensions, lower case with the leading dot
func GetSupportedFormats() []string {
	return append([]string(nil), supportedFormats...)
}
