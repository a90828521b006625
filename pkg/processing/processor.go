package processing

import (
	"bytes"
	"encoding/base64"
	"fmt"
	"image"
	"image/jpeg"
	"image/png"
	"os"
	"strings"

	"github.com/chai2010/webp"
	"github.com/disintegration/imaging"
	_ "golang.org/x/image/webp"
)

// Options controls how captured images are encoded
type Options struct {
	MaxWidth    int
	Format      string
	Quality     int
	MinFileSize int
}

// DefaultOptions mirrors the capture defaults: 1600px wide JPEG at quality 80
func DefaultOptions() Options {
	return Options{
		MaxWidth:    1600,
		Format:      "jpg",
		Quality:     80,
		MinFileSize: 80 * 1024,
	}
}

// Processor handles image decoding, resizing and encoding
type Processor struct {
	opts Options
}

// NewProcessor creates a new image processor with default options
func NewProcessor() *Processor {
	return &Processor{opts: DefaultOptions()}
}

// NewProcessorWithOptions creates a processor with custom options
func NewProcessorWithOptions(opts Options) *Processor {
	if opts.Format == "" {
		opts.Format = "jpg"
	}
	if opts.Quality <= 0 {
		opts.Quality = 80
	}
	return &Processor{opts: opts}
}

// Decode decodes image bytes, returning the detected format name
func (p *Processor) Decode(data []byte) (image.Image, string, error) {
	if img, format, err := image.Decode(bytes.NewReader(data)); err == nil {
		return img, format, nil
	}

	if img, err := webp.Decode(bytes.NewReader(data)); err == nil {
		return img, "webp", nil
	}

	return nil, "", fmt.Errorf("image: unknown or unsupported format")
}

// LoadImage loads an image from a file path with WebP support
func (p *Processor) LoadImage(path string) (image.Image, error) {
	if img, err := imaging.Open(path); err == nil {
		return img, nil
	}

	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	img, _, err := p.Decode(data)
	if err != nil {
		return nil, fmt.Errorf("image: unknown format for %s", path)
	}
	return img, nil
}

// FitWidth downsizes img to the configured maximum width, keeping the
// aspect ratio. Images already narrow enough are returned unchanged.
func (p *Processor) FitWidth(img image.Image) image.Image {
	w := img.Bounds().Dx()
	if p.opts.MaxWidth <= 0 || w <= p.opts.MaxWidth {
		return img
	}
	return imaging.Resize(img, p.opts.MaxWidth, 0, imaging.Lanczos)
}

// Encode encodes img with the configured format and quality
func (p *Processor) Encode(img image.Image) ([]byte, error) {
	return p.EncodeAs(img, p.opts.Format, p.opts.Quality)
}

// EncodeAs encodes img as jpg, png or webp
func (p *Processor) EncodeAs(img image.Image, format string, quality int) ([]byte, error) {
	var buf bytes.Buffer
	switch strings.ToLower(format) {
	case "png":
		enc := png.Encoder{CompressionLevel: png.BestCompression}
		if err := enc.Encode(&buf, img); err != nil {
			return nil, err
		}
	case "webp":
		if err := webp.Encode(&buf, img, &webp.Options{Quality: float32(quality)}); err != nil {
			return nil, err
		}
	case "jpg", "jpeg":
		if err := jpeg.Encode(&buf, img, &jpeg.Options{Quality: quality}); err != nil {
			return nil, err
		}
	default:
		return nil, fmt.Errorf("unsupported output format: %s", format)
	}
	return buf.Bytes(), nil
}

// Extension returns the file extension for the configured format
func (p *Processor) Extension() string {
	switch strings.ToLower(p.opts.Format) {
	case "png":
		return "png"
	case "webp":
		return "webp"
	default:
		return "jpg"
	}
}

// EncodeBase64 returns the portable text form of encoded image bytes
func EncodeBase64(data []byte) string {
	return base64.StdEncoding.EncodeToString(data)
}

// DecodeBase64 reverses EncodeBase64. A data URL prefix such as
// "data:image/jpeg;base64," is accepted and dropped.
func DecodeBase64(s string) ([]byte, error) {
	if strings.HasPrefix(s, "data:") {
		if i := strings.IndexByte(s, ','); i >= 0 {
			s = s[i+1:]
		}
	}
	data, err := base64.StdEncoding.DecodeString(strings.TrimSpace(s))
	if err != nil {
		return nil, fmt.Errorf("failed to decode base64 image: %w", err)
	}
	return data, nil
}

// LooksBlank applies the encoded-size heuristic: very small JPEGs are
// usually blurred or dark. Advisory only.
func (p *Processor) LooksBlank(encodedSize int) bool {
	return p.opts.MinFileSize > 0 && encodedSize < p.opts.MinFileSize
}
