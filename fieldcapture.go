// Package fieldcapture provides guided document capture for field work:
// crop geometry that matches what the operator framed, advisory quality
// scoring, a durable offline queue for uploads and CURP extraction from
// recognized text.
//
// Example usage:
//
//	import "github.com/menta2k/field-capture"
//
//	// Build every component from the saved configuration
//	cfg, _ := config.Load(config.GetConfigPath())
//	app, err := fieldcapture.New(cfg, logger.New())
//	if err != nil {
//		log.Fatal(err)
//	}
//	defer app.Close()
//
//	// Tag the next capture and deliver a photo
//	app.Session().Batch().Add(types.QueueEntry{Product: "Urea", Dose: "5kg"})
//	outcome, err := app.CaptureFile(ctx, "photo.jpg")
//
//	// Later, when the connection is back
//	result := app.Sync(ctx)
package fieldcapture

import (
	"context"
	"errors"
	"fmt"
	"io"
	"time"

	"github.com/menta2k/field-capture/internal/config"
	"github.com/menta2k/field-capture/internal/logger"
	"github.com/menta2k/field-capture/internal/server"
	"github.com/menta2k/field-capture/pkg/capture"
	"github.com/menta2k/field-capture/pkg/extract"
	"github.com/menta2k/field-capture/pkg/frame"
	"github.com/menta2k/field-capture/pkg/geometry"
	"github.com/menta2k/field-capture/pkg/offline"
	"github.com/menta2k/field-capture/pkg/processing"
	"github.com/menta2k/field-capture/pkg/quality"
	"github.com/menta2k/field-capture/pkg/recognizer"
	"github.com/menta2k/field-capture/pkg/types"
	"github.com/menta2k/field-capture/pkg/upload"
)

// Version of the fieldcapture library
const Version = "1.0.0"

// frameMaxAge bounds how stale a streamed preview frame may be
const frameMaxAge = 5 * time.Second

// ErrNoRecognizer is returned by ExtractFromImage when no recognizer is configured
var ErrNoRecognizer = errors.New("no text recognizer configured")

// App wires the capture pipeline from a Config
type App struct {
	config     *config.Config
	log        *logger.Logger
	geometry   *geometry.Engine
	validator  *quality.Validator
	processor  *processing.Processor
	store      offline.Store
	queue      *offline.Manager
	uploader   *upload.Client
	session    *capture.Session
	extractor  *extract.Extractor
	recognizer recognizer.TextRecognizer
	frames     *frame.LatestSource
}

// New builds every component described by cfg. A nil cfg uses the defaults.
func New(cfg *config.Config, log *logger.Logger) (*App, error) {
	if cfg == nil {
		cfg = config.Default()
	}
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}

	engine, err := newGeometry(cfg, log)
	if err != nil {
		return nil, err
	}

	store, err := newStore(cfg.Offline)
	if err != nil {
		return nil, err
	}
	queue, err := offline.NewManager(store, log)
	if err != nil {
		closeStore(store)
		return nil, fmt.Errorf("failed to open offline queue: %w", err)
	}

	app := &App{
		config:   cfg,
		log:      log,
		geometry: engine,
		validator: quality.NewWithConfig(quality.Config{
			MinResolution:    cfg.Quality.MinResolution,
			MinBrightness:    cfg.Quality.MinBrightness,
			MaxBrightness:    cfg.Quality.MaxBrightness,
			MinSharpness:     cfg.Quality.MinSharpness,
			BrightnessStride: cfg.Quality.BrightnessStride,
			SharpnessStride:  cfg.Quality.SharpnessStride,
		}, log),
		processor: processing.NewProcessorWithOptions(processing.Options{
			MaxWidth:    cfg.Processing.MaxWidth,
			Format:      cfg.Processing.Format,
			Quality:     cfg.Processing.Quality,
			MinFileSize: cfg.Processing.MinFileSize,
		}),
		store:     store,
		queue:     queue,
		uploader:  upload.NewClient(cfg.Upload.ProxyURL, cfg.UploadTimeout()),
		extractor: extract.New(log),
		frames:    frame.NewLatestSource(frameMaxAge),
	}

	if app.uploader.Configured() {
		queue.SetConnectivity(app.uploader.Ping)
	}

	if cfg.Recognizer.URL != "" {
		rec, err := recognizer.New(recognizer.Config{
			Backend: cfg.Recognizer.Backend,
			URL:     cfg.Recognizer.URL,
			Model:   cfg.Recognizer.Model,
		})
		if err != nil {
			// extraction from typed text still works without a recognizer
			log.Warning("text recognizer disabled: %v", err)
		} else {
			app.recognizer = rec
		}
	}

	sessionCfg := capture.Config{
		Source:            app.frames,
		Geometry:          app.geometry,
		Validator:         app.validator,
		Processor:         app.processor,
		Queue:             queue,
		RotateForPortrait: cfg.Geometry.RotateForPortrait,
		Log:               log,
	}
	if app.uploader.Configured() {
		sessionCfg.Uploader = app.uploader
	}
	app.session, err = capture.New(sessionCfg)
	if err != nil {
		app.Close()
		return nil, err
	}

	return app, nil
}

func newGeometry(cfg *config.Config, log *logger.Logger) (*geometry.Engine, error) {
	strategy, err := geometry.ParseStrategy(cfg.Geometry.Strategy)
	if err != nil {
		return nil, err
	}
	fit, err := geometry.ParseFitMode(cfg.Geometry.FitMode)
	if err != nil {
		return nil, err
	}
	return geometry.NewWithConfig(geometry.Config{
		Strategy:       strategy,
		FitMode:        fit,
		SafetyMargin:   cfg.Geometry.SafetyMargin,
		CenterFraction: cfg.Geometry.CenterFraction,
	}, log), nil
}

func newStore(cfg config.OfflineConfig) (offline.Store, error) {
	switch cfg.Backend {
	case "sqlite":
		store, err := offline.NewSQLiteStore(cfg.Path, cfg.StorageKey)
		if err != nil {
			return nil, fmt.Errorf("failed to open offline database: %w", err)
		}
		return store, nil
	default:
		return offline.NewFileStore(cfg.Path), nil
	}
}

func closeStore(store offline.Store) error {
	if c, ok := store.(io.Closer); ok {
		return c.Close()
	}
	return nil
}

// Session returns the capture session
func (a *App) Session() *capture.Session {
	return a.session
}

// Queue returns the offline queue
func (a *App) Queue() *offline.Manager {
	return a.queue
}

// Frames returns the sink that live preview frames are published to
func (a *App) Frames() *frame.LatestSource {
	return a.frames
}

// Capture crops and delivers the latest preview frame. A zero zoom uses the
// configured default.
func (a *App) Capture(ctx context.Context, spec types.GeometrySpec) (capture.Outcome, error) {
	if spec.Zoom == 0 {
		spec.Zoom = a.config.Geometry.DefaultZoom
	}
	return a.session.Capture(ctx, spec)
}

// CaptureFile delivers an image file with the current batch
func (a *App) CaptureFile(ctx context.Context, path string) (capture.Outcome, error) {
	return a.session.CaptureFile(ctx, path)
}

// Sync uploads every pending offline capture
func (a *App) Sync(ctx context.Context) offline.SyncResult {
	if !a.uploader.Configured() {
		a.log.Warning("sync skipped: %v", upload.ErrNotConfigured)
		return offline.SyncResult{Failed: a.queue.PendingCount()}
	}
	return a.queue.SyncAll(ctx, func(ctx context.Context, rec types.OfflineCaptureRecord) error {
		_, err := a.uploader.Send(ctx, rec.ImageBase64, rec.Filename, rec.Metadata)
		return err
	})
}

// Export writes the pending captures as a zip archive into the configured
// export directory and returns its path.
func (a *App) Export() (string, int, error) {
	return a.queue.ExportArchiveFile(a.config.Offline.ExportDir)
}

// Extract finds the first CURP in text
func (a *App) Extract(text string) types.CurpRecord {
	return a.extractor.Extract(text)
}

// ExtractDocument reads the CURP, repairing OCR confusions, along with the
// holder name. Without a code it falls back to a printed birth date or age.
func (a *App) ExtractDocument(text string) extract.Document {
	return a.extractor.ExtractDocument(text)
}

// ExtractFromImage recognizes text in a base64 image and extracts the CURP
func (a *App) ExtractFromImage(ctx context.Context, imageBase64 string) (types.CurpRecord, recognizer.Text, error) {
	if a.recognizer == nil {
		return types.CurpRecord{}, recognizer.Text{}, ErrNoRecognizer
	}
	return a.extractor.FromImage(ctx, a.recognizer, imageBase64)
}

// ExtractFromFile loads an image, re-encodes it for the model and extracts the CURP
func (a *App) ExtractFromFile(ctx context.Context, path string) (types.CurpRecord, recognizer.Text, error) {
	img, err := a.processor.LoadImage(path)
	if err != nil {
		return types.CurpRecord{}, recognizer.Text{}, err
	}
	data, err := a.processor.Encode(a.processor.FitWidth(img))
	if err != nil {
		return types.CurpRecord{}, recognizer.Text{}, err
	}
	return a.ExtractFromImage(ctx, processing.EncodeBase64(data))
}

// Server builds the HTTP control surface for this app
func (a *App) Server() *server.Server {
	return server.New(a.config.Server.Addr, server.Deps{
		Session:         a.session,
		Queue:           a.queue,
		Sync:            a.Sync,
		Extractor:       a.extractor,
		Processor:       a.processor,
		Frames:          a.frames,
		Validator:       a.validator,
		QualityInterval: a.config.QualityInterval(),
		Log:             a.log,
	})
}

// Serve runs the HTTP server until ctx is cancelled
func (a *App) Serve(ctx context.Context) error {
	return a.Server().Run(ctx)
}

// Close releases the offline store
func (a *App) Close() error {
	return closeStore(a.store)
}

// GetVersion returns the library version
func GetVersion() string {
	return Version
}
