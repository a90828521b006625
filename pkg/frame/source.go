// Package frame abstracts where camera frames come from. Geometry and
// quality code depend only on Source, never on a display or video API.
package frame

import (
	"context"
	"errors"
	"image"
	"sync"
	"time"

	"github.com/menta2k/field-capture/pkg/types"
)

// ErrNoFrame is returned when a source has nothing to hand out yet
var ErrNoFrame = errors.New("no frame available")

// Source yields the current frame as an immutable buffer
type Source interface {
	Frame(ctx context.Context) (types.FrameBuffer, error)
}

// StaticSource always returns the same buffer
type StaticSource struct {
	buf types.FrameBuffer
}

// NewStaticSource wraps an already decoded image
func NewStaticSource(img image.Image) *StaticSource {
	return &StaticSource{buf: types.NewFrameBuffer(img)}
}

func (s *StaticSource) Frame(ctx context.Context) (types.FrameBuffer, error) {
	if s.buf.Empty() {
		return types.FrameBuffer{}, ErrNoFrame
	}
	return s.buf, nil
}

// FileSource decodes an image file each time a frame is requested
type FileSource struct {
	Path   string
	loader *Loader
}

// NewFileSource creates a source reading path with the given loader
func NewFileSource(path string, loader *Loader) *FileSource {
	if loader == nil {
		loader = NewLoader()
	}
	return &FileSource{Path: path, loader: loader}
}

func (s *FileSource) Frame(ctx context.Context) (types.FrameBuffer, error) {
	if err := ctx.Err(); err != nil {
		return types.FrameBuffer{}, err
	}
	img, err := s.loader.LoadImage(s.Path)
	if err != nil {
		return types.FrameBuffer{}, errors.Join(ErrNoFrame, err)
	}
	return types.NewFrameBuffer(img), nil
}

// LatestSource holds the most recent frame pushed by a live stream.
// Publish and Frame may be called from different goroutines.
type LatestSource struct {
	mu       sync.RWMutex
	buf      types.FrameBuffer
	received time.Time
	maxAge   time.Duration
}

// NewLatestSource creates an empty live source. Frames older than maxAge are
// treated as missing; zero disables the check.
func NewLatestSource(maxAge time.Duration) *LatestSource {
	return &LatestSource{maxAge: maxAge}
}

// Publish replaces the current frame
func (s *LatestSource) Publish(img image.Image) {
	buf := types.NewFrameBuffer(img)
	s.mu.Lock()
	s.buf = buf
	s.received = time.Now()
	s.mu.Unlock()
}

func (s *LatestSource) Frame(ctx context.Context) (types.FrameBuffer, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	if s.buf.Empty() {
		return types.FrameBuffer{}, ErrNoFrame
	}
	if s.maxAge > 0 && time.Since(s.received) > s.maxAge {
		return types.FrameBuffer{}, ErrNoFrame
	}
	return s.buf, nil
}
