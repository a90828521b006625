package geometry

import (
	"bytes"
	"image"
	"image/color"
	"math/rand"
	"strings"
	"testing"

	"github.com/menta2k/field-capture/internal/logger"
	"github.com/menta2k/field-capture/pkg/types"
)

// createTestImage creates a simple test image
func createTestImage(width, height int) image.Image {
	img := image.NewRGBA(image.Rect(0, 0, width, height))

	for y := 0; y < height; y++ {
		for x := 0; x < width; x++ {
			if x > width/3 && x < 2*width/3 && y > height/3 && y < 2*height/3 {
				img.Set(x, y, color.RGBA{255, 255, 255, 255})
			} else {
				img.Set(x, y, color.RGBA{64, 64, 64, 255})
			}
		}
	}

	return img
}

func square(n float64) types.Size {
	return types.Size{Width: n, Height: n}
}

func assertInside(t *testing.T, r types.CropRect, sw, sh int) {
	t.Helper()
	if r.X < 0 || r.Y < 0 || r.Width <= 0 || r.Height <= 0 || r.X+r.Width > sw || r.Y+r.Height > sh {
		t.Fatalf("crop %+v violates bounds of %dx%d source", r, sw, sh)
	}
}

func TestNew(t *testing.T) {
	e := New()
	if e.config.Strategy != StrategyGuideRelative {
		t.Errorf("Expected guide_relative by default, got %s", e.config.Strategy)
	}
	if e.config.FitMode != FitCover {
		t.Errorf("Expected cover fit by default, got %s", e.config.FitMode)
	}
}

func TestParseStrategy(t *testing.T) {
	for s, name := range strategyNames {
		got, err := ParseStrategy(name)
		if err != nil || got != s {
			t.Errorf("ParseStrategy(%q) = %v, %v", name, got, err)
		}
	}
	if _, err := ParseStrategy("smart"); err == nil {
		t.Error("Expected error for unknown strategy")
	}
	if _, err := ParseFitMode("stretch"); err == nil {
		t.Error("Expected error for unknown fit mode")
	}
}

func TestFit(t *testing.T) {
	scale, offX, offY := Fit(types.Size{Width: 2000, Height: 1000}, square(1000), FitContain)
	if scale != 0.5 || offX != 0 || offY != 250 {
		t.Errorf("contain: got scale=%f off=(%f,%f)", scale, offX, offY)
	}

	scale, offX, offY = Fit(types.Size{Width: 2000, Height: 1000}, square(1000), FitCover)
	if scale != 1 || offX != -500 || offY != 0 {
		t.Errorf("cover: got scale=%f off=(%f,%f)", scale, offX, offY)
	}
}

func TestZoomHalvesFullFrame(t *testing.T) {
	for _, strategy := range []Strategy{StrategyManualZoom, StrategyGuideRelative} {
		e := NewWithConfig(Config{Strategy: strategy, FitMode: FitContain}, nil)
		res := e.ComputeCrop(types.GeometrySpec{
			Guide:     types.Rect{Width: 1000, Height: 1000},
			Container: square(1000),
			Source:    square(1000),
			Zoom:      2,
		}, false)

		want := types.CropRect{X: 250, Y: 250, Width: 500, Height: 500}
		if res.Rect != want {
			t.Errorf("%s: expected %+v, got %+v", strategy, want, res.Rect)
		}
		if res.Degraded {
			t.Errorf("%s: unexpected degraded result", strategy)
		}
	}
}

func TestInvalidZoomClampsToOne(t *testing.T) {
	e := NewWithConfig(Config{Strategy: StrategyManualZoom, FitMode: FitContain}, nil)
	for _, zoom := range []float64{0, -3, 0.5} {
		res := e.ComputeCrop(types.GeometrySpec{Source: square(800), Zoom: zoom}, false)
		if res.Rect != (types.CropRect{Width: 800, Height: 800}) {
			t.Errorf("zoom %f: expected full frame, got %+v", zoom, res.Rect)
		}
	}
}

func TestGuideMappingContain(t *testing.T) {
	e := NewWithConfig(Config{Strategy: StrategyGuideRelative, FitMode: FitContain}, nil)
	res := e.ComputeCrop(types.GeometrySpec{
		Guide:     types.Rect{X: 100, Y: 350, Width: 800, Height: 300},
		Container: square(1000),
		Source:    types.Size{Width: 2000, Height: 1000},
		Zoom:      1,
	}, false)

	want := types.CropRect{X: 200, Y: 200, Width: 1600, Height: 600}
	if res.Rect != want {
		t.Errorf("Expected %+v, got %+v", want, res.Rect)
	}
}

func TestGuideMappingCoverWithMargin(t *testing.T) {
	spec := types.GeometrySpec{
		Guide:     types.Rect{X: 100, Y: 100, Width: 800, Height: 800},
		Container: square(1000),
		Source:    types.Size{Width: 2000, Height: 1000},
		Zoom:      3, // ignored for cover flows
	}

	e := NewWithConfig(Config{Strategy: StrategyGuideRelative, FitMode: FitCover}, nil)
	if got, want := e.ComputeCrop(spec, false).Rect, (types.CropRect{X: 600, Y: 100, Width: 800, Height: 800}); got != want {
		t.Errorf("no margin: expected %+v, got %+v", want, got)
	}

	e = NewWithConfig(Config{Strategy: StrategyGuideRelative, FitMode: FitCover, SafetyMargin: 0.1}, nil)
	if got, want := e.ComputeCrop(spec, false).Rect, (types.CropRect{X: 560, Y: 60, Width: 880, Height: 880}); got != want {
		t.Errorf("10%% margin: expected %+v, got %+v", want, got)
	}
}

func TestGuideLargerThanBufferYieldsFullFrame(t *testing.T) {
	e := NewWithConfig(Config{Strategy: StrategyGuideRelative, FitMode: FitContain, SafetyMargin: 0.1}, nil)
	res := e.ComputeCrop(types.GeometrySpec{
		Guide:     types.Rect{X: -50, Y: -50, Width: 1100, Height: 1100},
		Container: square(1000),
		Source:    types.Size{Width: 1280, Height: 720},
	}, false)

	if res.Rect != (types.CropRect{Width: 1280, Height: 720}) {
		t.Errorf("Expected full frame, got %+v", res.Rect)
	}
	if res.Degraded {
		t.Error("oversized guide is not a degraded condition")
	}
}

func TestCollapsedCropFallsBackToFullFrame(t *testing.T) {
	var buf bytes.Buffer
	e := NewWithConfig(Config{Strategy: StrategyGuideRelative, FitMode: FitContain}, logger.NewWriter(&buf))

	res := e.ComputeCrop(types.GeometrySpec{
		Guide:     types.Rect{X: 5000, Y: 5000, Width: 100, Height: 100},
		Container: square(1000),
		Source:    square(1000),
	}, false)

	if !res.Degraded || res.Diagnostic == "" {
		t.Errorf("Expected degraded result with diagnostic, got %+v", res)
	}
	if res.Rect != (types.CropRect{Width: 1000, Height: 1000}) {
		t.Errorf("Expected full frame fallback, got %+v", res.Rect)
	}
	if !strings.Contains(buf.String(), "WARNING") {
		t.Error("Expected degraded geometry to be logged as a warning")
	}

	res = e.ComputeCrop(types.GeometrySpec{Container: square(1000), Source: square(1000)}, false)
	if !res.Degraded {
		t.Error("Expected empty guide to be degraded")
	}
}

func TestCenterCrop(t *testing.T) {
	e := NewWithConfig(Config{Strategy: StrategyCenterCrop, FitMode: FitContain, CenterFraction: 0.5}, nil)
	res := e.ComputeCrop(types.GeometrySpec{Source: types.Size{Width: 1000, Height: 800}}, false)
	if want := (types.CropRect{X: 250, Y: 200, Width: 500, Height: 400}); res.Rect != want {
		t.Errorf("Expected %+v, got %+v", want, res.Rect)
	}
}

func TestCropAlwaysInsideSource(t *testing.T) {
	rng := rand.New(rand.NewSource(7))
	strategies := []Strategy{StrategyFullFrame, StrategyCenterCrop, StrategyGuideRelative, StrategyManualZoom}
	modes := []FitMode{FitContain, FitCover}

	for i := 0; i < 2000; i++ {
		e := NewWithConfig(Config{
			Strategy:       strategies[rng.Intn(len(strategies))],
			FitMode:        modes[rng.Intn(len(modes))],
			SafetyMargin:   rng.Float64() * 0.5,
			CenterFraction: 0.1 + rng.Float64()*0.9,
		}, nil)

		sw, sh := 1+rng.Intn(4000), 1+rng.Intn(4000)
		spec := types.GeometrySpec{
			Guide: types.Rect{
				X:      rng.Float64()*1200 - 200,
				Y:      rng.Float64()*1200 - 200,
				Width:  rng.Float64() * 1200,
				Height: rng.Float64() * 1200,
			},
			Container:   types.Size{Width: 1 + rng.Float64()*1000, Height: 1 + rng.Float64()*1000},
			Source:      types.Size{Width: float64(sw), Height: float64(sh)},
			Zoom:        rng.Float64()*6 - 1,
			Orientation: types.Orientation(rng.Intn(2)),
		}

		res := e.ComputeCrop(spec, true)
		assertInside(t, res.Rect, sw, sh)
	}
}

func TestRotationFlag(t *testing.T) {
	e := NewWithConfig(Config{Strategy: StrategyFullFrame}, nil)
	landscape := types.Size{Width: 1920, Height: 1080}

	tests := []struct {
		orientation types.Orientation
		source      types.Size
		rotate      bool
		want        bool
	}{
		{types.Portrait, landscape, true, true},
		{types.Portrait, landscape, false, false},
		{types.Landscape, landscape, true, false},
		{types.Portrait, types.Size{Width: 1080, Height: 1920}, true, false},
	}

	for _, tt := range tests {
		res := e.ComputeCrop(types.GeometrySpec{Source: tt.source, Orientation: tt.orientation}, tt.rotate)
		if res.Rotate != tt.want {
			t.Errorf("orientation=%s source=%v rotate=%v: got %v", tt.orientation, tt.source, tt.rotate, res.Rotate)
		}
		// rectangle stays in source coordinates regardless of rotation
		if res.Rect.Width != int(tt.source.Width) {
			t.Errorf("rotation must not alter crop math, got %+v", res.Rect)
		}
	}
}

func TestDrawRotatesPortrait(t *testing.T) {
	e := NewWithConfig(Config{Strategy: StrategyCenterCrop, CenterFraction: 0.5}, nil)
	img := createTestImage(400, 200)
	buf := types.NewFrameBuffer(img)

	out, res := e.Capture(buf, types.GeometrySpec{Orientation: types.Portrait}, true)
	if !res.Rotate {
		t.Fatal("Expected rotation for portrait view of landscape source")
	}
	if out.Bounds().Dx() != 100 || out.Bounds().Dy() != 200 {
		t.Errorf("Expected rotated 100x200 output, got %dx%d", out.Bounds().Dx(), out.Bounds().Dy())
	}

	out, res = e.Capture(buf, types.GeometrySpec{Orientation: types.Landscape}, true)
	if res.Rotate || out.Bounds().Dx() != 200 || out.Bounds().Dy() != 100 {
		t.Errorf("Expected unrotated 200x100 output, got %dx%d", out.Bounds().Dx(), out.Bounds().Dy())
	}
}

func TestDrawPixelsMatchSource(t *testing.T) {
	e := New()
	img := createTestImage(300, 300)
	res := types.CropResult{Rect: types.CropRect{X: 100, Y: 100, Width: 100, Height: 100}}

	out := e.Draw(img, res)
	r1, g1, b1, _ := out.At(10, 10).RGBA()
	r2, g2, b2, _ := img.At(110, 110).RGBA()
	if r1 != r2 || g1 != g2 || b1 != b2 {
		t.Error("Cropped pixel should match original image pixel")
	}
}

func BenchmarkComputeCrop(b *testing.B) {
	e := New()
	spec := types.GeometrySpec{
		Guide:     types.Rect{X: 40, Y: 200, Width: 320, Height: 200},
		Container: types.Size{Width: 400, Height: 800},
		Source:    types.Size{Width: 1920, Height: 1080},
		Zoom:      1,
	}

	b.ResetTimer()
	for i := 0; i < b.N; i++ {
		e.ComputeCrop(spec, true)
	}
}

func BenchmarkDraw(b *testing.B) {
	e := New()
	img := createTestImage(1920, 1080)
	res := types.CropResult{Rect: types.CropRect{X: 200, Y: 100, Width: 1200, Height: 800}, Rotate: true}

	b.ResetTimer()
	for i := 0; i < b.N; i++ {
		e.Draw(img, res)
	}
}
