package frame

import (
	"errors"
	"fmt"
	"image"
	"os"
	"strings"

	"github.com/menta2k/field-capture/pkg/processing"
)

// ErrImageTooSmall is returned by ValidateImage
var ErrImageTooSmall = errors.New("image too small")

// Loader reads still images chosen through the native camera intent
type Loader struct {
	config    Config
	processor *processing.Processor
}

// Config holds configuration for the loader
type Config struct {
	SupportedFormats []string
	MinImageSize     int
}

// NewLoader creates a new Loader with default configuration
func NewLoader() *Loader {
	return NewLoaderWithConfig(Config{
		SupportedFormats: []string{"jpg", "jpeg", "png", "webp"},
		MinImageSize:     100,
	})
}

// NewLoaderWithConfig creates a new Loader with custom configuration
func NewLoaderWithConfig(config Config) *Loader {
	return &Loader{config: config, processor: processing.NewProcessor()}
}

// LoadImage loads an image from file
func (l *Loader) LoadImage(path string) (image.Image, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to open image file: %w", err)
	}
	return l.LoadBytes(data)
}

// LoadBytes decodes an image already held in memory
func (l *Loader) LoadBytes(data []byte) (image.Image, error) {
	img, format, err := l.processor.Decode(data)
	if err != nil {
		return nil, fmt.Errorf("failed to decode image: %w", err)
	}

	if !l.isFormatSupported(format) {
		return nil, fmt.Errorf("unsupported image format: %s", format)
	}

	return img, nil
}

func (l *Loader) isFormatSupported(format string) bool {
	for _, supported := range l.config.SupportedFormats {
		if strings.EqualFold(format, supported) {
			return true
		}
	}
	return false
}

// ValidateImage rejects images too small to hold a readable document
func (l *Loader) ValidateImage(img image.Image) error {
	w, h := img.Bounds().Dx(), img.Bounds().Dy()
	if w < l.config.MinImageSize || h < l.config.MinImageSize {
		return fmt.Errorf("%dx%d is below %dpx: %w", w, h, l.config.MinImageSize, ErrImageTooSmall)
	}
	return nil
}
