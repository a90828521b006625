package quality

import (
	"context"
	"math"
	"sync"
	"time"

	"github.com/menta2k/field-capture/internal/logger"
	"github.com/menta2k/field-capture/pkg/frame"
	"github.com/menta2k/field-capture/pkg/types"
)

// Messages reported by the checks
const (
	MsgResolutionOK = "Resolution OK"
	MsgMoveCloser   = "Move closer to the document"
	MsgTooDark      = "Too dark - find more light"
	MsgTooBright    = "Too bright - avoid glare"
	MsgLightingOK   = "Lighting OK"
	MsgFocusOK      = "Focus OK"
	MsgHoldSteady   = "Hold the phone steady"
	MsgReady        = "Ready to capture"
)

// Report statuses
const (
	StatusReady   = "ready"
	StatusWarning = "warning"
)

const (
	defaultBrightStr = 10
	defaultSharpStr  = 5
)

// Validator scores frames with cheap resolution, brightness and sharpness
// heuristics. Results are advisory and never block a capture.
type Validator struct {
	config Config
	log    *logger.Logger
	now    func() time.Time
}

// Config holds the quality thresholds
type Config struct {
	MinResolution    int
	MinBrightness    float64
	MaxBrightness    float64
	MinSharpness     float64
	BrightnessStride int // sample every Nth pixel
	SharpnessStride  int // evaluate every Nth column
}

// New creates a new Validator with default thresholds
func New() *Validator {
	return NewWithConfig(Config{
		MinResolution:    640,
		MinBrightness:    40,
		MaxBrightness:    250,
		MinSharpness:     10,
		BrightnessStride: defaultBrightStr,
		SharpnessStride:  defaultSharpStr,
	}, nil)
}

// NewWithConfig creates a new Validator with custom thresholds
func NewWithConfig(config Config, log *logger.Logger) *Validator {
	if config.BrightnessStride < 1 {
		config.BrightnessStride = defaultBrightStr
	}
	if config.SharpnessStride < 1 {
		config.SharpnessStride = defaultSharpStr
	}
	return &Validator{config: config, log: log, now: time.Now}
}

// Evaluate scores a single frame
func (v *Validator) Evaluate(buf types.FrameBuffer) types.QualityReport {
	report := types.QualityReport{
		Resolution: v.checkResolution(buf),
		CheckedAt:  v.now(),
	}
	if buf.Empty() {
		report.Brightness = types.Check{Valid: false, Value: 0, Message: MsgTooDark}
		report.Sharpness = types.Check{Valid: false, Value: 0, Message: MsgHoldSteady}
	} else {
		report.Brightness = v.checkBrightness(buf)
		report.Sharpness = v.checkSharpness(buf)
	}

	report.Valid = report.Resolution.Valid && report.Brightness.Valid && report.Sharpness.Valid
	report.Message = MsgReady
	report.Status = StatusReady
	for _, c := range []types.Check{report.Resolution, report.Brightness, report.Sharpness} {
		if !c.Valid {
			report.Message = c.Message
			report.Status = StatusWarning
			break
		}
	}
	return report
}

func (v *Validator) checkResolution(buf types.FrameBuffer) types.Check {
	valid := buf.Width >= v.config.MinResolution
	msg := MsgResolutionOK
	if !valid {
		msg = MsgMoveCloser
	}
	return types.Check{Valid: valid, Value: float64(buf.Width), Message: msg}
}

// checkBrightness averages the per-pixel RGB mean over a strided sample
func (v *Validator) checkBrightness(buf types.FrameBuffer) types.Check {
	var sum float64
	count := 0
	pixels := buf.Width * buf.Height
	for p := 0; p < pixels; p += v.config.BrightnessStride {
		i := p * 4
		sum += (float64(buf.Pix[i]) + float64(buf.Pix[i+1]) + float64(buf.Pix[i+2])) / 3
		count++
	}

	avg := sum / float64(count)
	check := types.Check{Value: avg}
	switch {
	case avg < v.config.MinBrightness:
		check.Message = MsgTooDark
	case avg > v.config.MaxBrightness:
		check.Message = MsgTooBright
	default:
		check.Valid = true
		check.Message = MsgLightingOK
	}
	return check
}

// checkSharpness uses the mean absolute Laplacian response as a blur proxy
func (v *Validator) checkSharpness(buf types.FrameBuffer) types.Check {
	variance := laplacianResponse(grayscale(buf), buf.Width, buf.Height, v.config.SharpnessStride)
	valid := variance > v.config.MinSharpness
	msg := MsgFocusOK
	if !valid {
		msg = MsgHoldSteady
	}
	return types.Check{Valid: valid, Value: variance, Message: msg}
}

func grayscale(buf types.FrameBuffer) []float64 {
	gray := make([]float64, buf.Width*buf.Height)
	for p := range gray {
		i := p * 4
		gray[p] = math.Floor((float64(buf.Pix[i]) + float64(buf.Pix[i+1]) + float64(buf.Pix[i+2])) / 3)
	}
	return gray
}

// laplacianResponse applies the kernel -4*center + 4 orthogonal neighbours
// over interior pixels, visiting every stride-th column.
func laplacianResponse(gray []float64, width, height, stride int) float64 {
	var sum float64
	count := 0
	for y := 1; y < height-1; y++ {
		for x := 1; x < width-1; x += stride {
			i := y*width + x
			lap := -4*gray[i] + gray[i-1] + gray[i+1] + gray[i-width] + gray[i+width]
			sum += math.Abs(lap)
			count++
		}
	}
	if count == 0 {
		return 0
	}
	return sum / float64(count)
}

// Handle controls a running continuous validation loop
type Handle struct {
	stop chan struct{}
	done chan struct{}
	once sync.Once
}

// Stop halts the loop and waits for it to exit. Safe to call repeatedly.
func (h *Handle) Stop() {
	if h == nil {
		return
	}
	h.once.Do(func() { close(h.stop) })
	<-h.done
}

// Done is closed once the loop has exited
func (h *Handle) Done() <-chan struct{} {
	return h.done
}

// StartContinuous evaluates a fresh frame from src every interval and hands
// the report to callback. Frame errors skip the tick. The loop ends when
// ctx is cancelled or the handle is stopped.
func (v *Validator) StartContinuous(ctx context.Context, src frame.Source, interval time.Duration, callback func(types.QualityReport)) *Handle {
	h := &Handle{stop: make(chan struct{}), done: make(chan struct{})}
	if interval <= 0 {
		interval = 500 * time.Millisecond
	}

	go func() {
		defer close(h.done)
		ticker := time.NewTicker(interval)
		defer ticker.Stop()

		for {
			select {
			case <-ctx.Done():
				return
			case <-h.stop:
				return
			case <-ticker.C:
				v.tick(ctx, src, callback)
			}
		}
	}()

	return h
}

func (v *Validator) tick(ctx context.Context, src frame.Source, callback func(types.QualityReport)) {
	defer func() {
		if r := recover(); r != nil {
			v.log.Error("quality: validation tick panicked: %v", r)
		}
	}()

	buf, err := src.Frame(ctx)
	if err != nil {
		v.log.Info("quality: skipping tick: %v", err)
		return
	}
	callback(v.Evaluate(buf))
}
