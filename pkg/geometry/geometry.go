package geometry

import (
	"fmt"
	"image"
	"math"

	"github.com/disintegration/imaging"

	"github.com/menta2k/field-capture/internal/logger"
	"github.com/menta2k/field-capture/pkg/types"
)

// FitMode describes how the source buffer is rendered inside its container
type FitMode int

const (
	// FitContain scales the buffer down until it fits, letterboxed
	FitContain FitMode = iota
	// FitCover scales the buffer up until it fills, overflowing the container
	FitCover
)

func (m FitMode) String() string {
	if m == FitCover {
		return "cover"
	}
	return "contain"
}

// ParseFitMode converts a config value into a FitMode
func ParseFitMode(s string) (FitMode, error) {
	switch s {
	case "contain":
		return FitContain, nil
	case "cover":
		return FitCover, nil
	}
	return FitContain, fmt.Errorf("unknown fit mode %q", s)
}

// Strategy selects how the capture rectangle is derived
type Strategy int

const (
	// StrategyFullFrame keeps the whole source buffer
	StrategyFullFrame Strategy = iota
	// StrategyCenterCrop keeps a centered fraction of the source
	StrategyCenterCrop
	// StrategyGuideRelative maps the on-screen guide back into the source
	StrategyGuideRelative
	// StrategyManualZoom keeps the full frame narrowed by the zoom factor
	StrategyManualZoom
)

var strategyNames = map[Strategy]string{
	StrategyFullFrame:     "full_frame",
	StrategyCenterCrop:    "center_crop",
	StrategyGuideRelative: "guide_relative",
	StrategyManualZoom:    "manual_zoom",
}

func (s Strategy) String() string {
	if name, ok := strategyNames[s]; ok {
		return name
	}
	return fmt.Sprintf("strategy(%d)", int(s))
}

// ParseStrategy converts a config value into a Strategy
func ParseStrategy(name string) (Strategy, error) {
	for s, n := range strategyNames {
		if n == name {
			return s, nil
		}
	}
	return StrategyFullFrame, fmt.Errorf("unknown geometry strategy %q", name)
}

// Config holds configuration for crop computation
type Config struct {
	Strategy       Strategy
	FitMode        FitMode
	SafetyMargin   float64
	CenterFraction float64
}

// Engine computes capture rectangles and draws the final image
type Engine struct {
	config Config
	log    *logger.Logger
}

// New creates an Engine mapping the guide over a cover-fitted preview
func New() *Engine {
	return &Engine{
		config: Config{
			Strategy:       StrategyGuideRelative,
			FitMode:        FitCover,
			SafetyMargin:   0.1,
			CenterFraction: 0.8,
		},
	}
}

// NewWithConfig creates an Engine with custom configuration
func NewWithConfig(config Config, log *logger.Logger) *Engine {
	if config.CenterFraction <= 0 || config.CenterFraction > 1 {
		config.CenterFraction = 1
	}
	if config.SafetyMargin < 0 {
		config.SafetyMargin = 0
	}
	return &Engine{config: config, log: log}
}

// rect is a floating point rectangle in source coordinates
type rect struct {
	x, y, w, h float64
}

func (r rect) center() (float64, float64) {
	return r.x + r.w/2, r.y + r.h/2
}

// Fit returns the scale factor and centering offsets of a source rendered
// inside a container with the given mode.
func Fit(source, container types.Size, mode FitMode) (scale, offsetX, offsetY float64) {
	if source.Width <= 0 || source.Height <= 0 || container.Width <= 0 || container.Height <= 0 {
		return 1, 0, 0
	}
	sx := container.Width / source.Width
	sy := container.Height / source.Height
	if mode == FitCover {
		scale = math.Max(sx, sy)
	} else {
		scale = math.Min(sx, sy)
	}
	offsetX = (container.Width - source.Width*scale) / 2
	offsetY = (container.Height - source.Height*scale) / 2
	return scale, offsetX, offsetY
}

// ComputeCrop derives the source rectangle to extract. The rectangle always
// lies inside the source with positive size; when clipping would collapse it
// the full buffer is returned and the result is marked Degraded.
func (e *Engine) ComputeCrop(spec types.GeometrySpec, rotateForPortrait bool) types.CropResult {
	sw, sh := spec.Source.Width, spec.Source.Height
	result := types.CropResult{
		Rotate: rotateForPortrait && spec.Orientation == types.Portrait && sw > sh,
	}

	if sw < 1 || sh < 1 {
		result.Degraded = true
		result.Diagnostic = fmt.Sprintf("source buffer has no area (%gx%g)", sw, sh)
		e.log.Warning("geometry: %s", result.Diagnostic)
		return result
	}

	full := rect{0, 0, sw, sh}
	zoom := spec.Zoom
	if zoom < 1 {
		zoom = 1
	}

	var r rect
	applyZoom := e.config.FitMode != FitCover
	switch e.config.Strategy {
	case StrategyCenterCrop:
		f := e.config.CenterFraction
		r = rect{sw * (1 - f) / 2, sh * (1 - f) / 2, sw * f, sh * f}
	case StrategyGuideRelative:
		r = e.mapGuide(spec)
	case StrategyManualZoom:
		r = full
		applyZoom = true
	default:
		r = full
	}

	if applyZoom && zoom > 1 {
		cx, cy := r.center()
		r.w /= zoom
		r.h /= zoom
		r.x = cx - r.w/2
		r.y = cy - r.h/2
	}

	crop, ok := clip(r, sw, sh)
	if !ok {
		result.Degraded = true
		result.Diagnostic = fmt.Sprintf("%s crop collapsed to zero area, using full frame", e.config.Strategy)
		e.log.Warning("geometry: %s", result.Diagnostic)
		crop, _ = clip(full, sw, sh)
	}
	result.Rect = crop
	return result
}

// mapGuide inverts the preview scale to place the guide in source coordinates
func (e *Engine) mapGuide(spec types.GeometrySpec) rect {
	container := spec.Container
	if container.Width <= 0 || container.Height <= 0 {
		container = spec.Source
	}
	scale, offX, offY := Fit(spec.Source, container, e.config.FitMode)

	g := spec.Guide
	r := rect{
		x: (g.X - offX) / scale,
		y: (g.Y - offY) / scale,
		w: g.Width / scale,
		h: g.Height / scale,
	}

	if m := e.config.SafetyMargin; m > 0 && r.w > 0 && r.h > 0 {
		r.x -= r.w * m / 2
		r.y -= r.h * m / 2
		r.w *= 1 + m
		r.h *= 1 + m
	}
	return r
}

// clip intersects r with the source bounds and snaps it to whole pixels.
// ok is false when the intersection has no area.
func clip(r rect, sw, sh float64) (types.CropRect, bool) {
	if !(r.w > 0 && r.h > 0) || math.IsNaN(r.x) || math.IsNaN(r.y) {
		return types.CropRect{}, false
	}
	maxW, maxH := int(math.Floor(sw)), int(math.Floor(sh))

	// snap with a small tolerance so float noise never adds a pixel
	const eps = 1e-6
	x0 := snap(math.Floor(r.x+eps), maxW)
	y0 := snap(math.Floor(r.y+eps), maxH)
	x1 := snap(math.Ceil(r.x+r.w-eps), maxW)
	y1 := snap(math.Ceil(r.y+r.h-eps), maxH)

	if x1 <= x0 || y1 <= y0 {
		return types.CropRect{}, false
	}
	return types.CropRect{X: x0, Y: y0, Width: x1 - x0, Height: y1 - y0}, true
}

// snap clamps v to [0, hi] before converting, so huge values cannot overflow
func snap(v float64, hi int) int {
	if v < 0 {
		return 0
	}
	if v > float64(hi) {
		return hi
	}
	return int(v)
}

// Draw extracts the crop from img and, when requested, rotates it 90°
// clockwise so a landscape sensor frame matches a portrait viewport.
func (e *Engine) Draw(img image.Image, result types.CropResult) image.Image {
	bounds := img.Bounds()
	r := result.Rect.Rectangle().Add(bounds.Min).Intersect(bounds)
	if r.Empty() {
		r = bounds
	}

	out := imaging.Crop(img, r)
	if result.Rotate {
		out = imaging.Rotate270(out)
	}
	return out
}

// Capture computes the crop for buf and draws it in one step
func (e *Engine) Capture(buf types.FrameBuffer, spec types.GeometrySpec, rotateForPortrait bool) (image.Image, types.CropResult) {
	spec.Source = types.Size{Width: float64(buf.Width), Height: float64(buf.Height)}
	result := e.ComputeCrop(spec, rotateForPortrait)
	return e.Draw(buf.Image(), result), result
}
