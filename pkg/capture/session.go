// Package capture runs the capture pipeline: grab a frame, crop it to what
// the operator framed, encode it and deliver it online or to the offline
// queue.
package capture

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/menta2k/field-capture/internal/logger"
	"github.com/menta2k/field-capture/internal/utils"
	"github.com/menta2k/field-capture/pkg/batch"
	"github.com/menta2k/field-capture/pkg/frame"
	"github.com/menta2k/field-capture/pkg/geometry"
	"github.com/menta2k/field-capture/pkg/processing"
	"github.com/menta2k/field-capture/pkg/quality"
	"github.com/menta2k/field-capture/pkg/types"
)

var (
	// ErrCaptureInProgress is returned when another capture is still running
	ErrCaptureInProgress = errors.New("a capture is already in progress")
	// ErrNoQueue is returned by New without an offline queue
	ErrNoQueue = errors.New("capture session needs an offline queue")
)

// Uploader sends a capture to the remote proxy
type Uploader interface {
	Upload(ctx context.Context, req types.UploadRequest) (types.UploadResponse, error)
}

// Queue stores captures that could not be uploaded
type Queue interface {
	Add(imageBase64 string, metadata types.Metadata, filename string) (int64, error)
}

// Outcome describes where a capture ended up
type Outcome struct {
	Filename    string               `json:"filename"`
	Uploaded    bool                 `json:"uploaded"`
	Queued      bool                 `json:"queued"`
	OfflineID   int64                `json:"offlineId,omitempty"`
	Response    types.UploadResponse `json:"response"`
	UploadError string               `json:"uploadError,omitempty"`
	Size        int                  `json:"size"`
	LooksBlank  bool                 `json:"looksBlank"`
	Quality     *types.QualityReport `json:"quality,omitempty"`
	Crop        *types.CropResult    `json:"crop,omitempty"`
}

// Config wires a Session. Only Queue is required.
type Config struct {
	Source            frame.Source
	Geometry          *geometry.Engine
	Validator         *quality.Validator
	Processor         *processing.Processor
	Loader            *frame.Loader
	Batch             *batch.Batch
	Uploader          Uploader
	Queue             Queue
	Online            func(ctx context.Context) bool
	RotateForPortrait bool
	Log               *logger.Logger
}

// Session is one operator's capture flow
type Session struct {
	source    frame.Source
	geometry  *geometry.Engine
	validator *quality.Validator
	processor *processing.Processor
	loader    *frame.Loader
	batch     *batch.Batch
	uploader  Uploader
	queue     Queue
	online    func(ctx context.Context) bool
	rotate    bool
	log       *logger.Logger
	now       func() time.Time

	capturing sync.Mutex
}

// New creates a Session, filling unset components with defaults
func New(cfg Config) (*Session, error) {
	if cfg.Queue == nil {
		return nil, ErrNoQueue
	}
	if cfg.Geometry == nil {
		cfg.Geometry = geometry.New()
	}
	if cfg.Validator == nil {
		cfg.Validator = quality.New()
	}
	if cfg.Processor == nil {
		cfg.Processor = processing.NewProcessor()
	}
	if cfg.Loader == nil {
		cfg.Loader = frame.NewLoader()
	}
	if cfg.Batch == nil {
		cfg.Batch = batch.New()
	}

	return &Session{
		source:    cfg.Source,
		geometry:  cfg.Geometry,
		validator: cfg.Validator,
		processor: cfg.Processor,
		loader:    cfg.Loader,
		batch:     cfg.Batch,
		uploader:  cfg.Uploader,
		queue:     cfg.Queue,
		online:    cfg.Online,
		rotate:    cfg.RotateForPortrait,
		log:       cfg.Log,
		now:       time.Now,
	}, nil
}

// Batch returns the entries that will tag the next capture
func (s *Session) Batch() *batch.Batch {
	return s.batch
}

// Capture grabs a frame, crops it to what the operator framed and delivers
// it with the current batch. The quality report is attached but never blocks
// delivery.
func (s *Session) Capture(ctx context.Context, spec types.GeometrySpec) (Outcome, error) {
	if !s.capturing.TryLock() {
		return Outcome{}, ErrCaptureInProgress
	}
	defer s.capturing.Unlock()

	if s.source == nil {
		return Outcome{}, fmt.Errorf("capture: %w", frame.ErrNoFrame)
	}
	buf, err := s.source.Frame(ctx)
	if err != nil {
		return Outcome{}, fmt.Errorf("failed to acquire frame: %w", err)
	}

	img, crop := s.geometry.Capture(buf, spec, s.rotate)
	if crop.Degraded {
		s.log.Warning("capture: degraded geometry: %s", crop.Diagnostic)
	}
	img = s.processor.FitWidth(img)

	report := s.validator.Evaluate(types.NewFrameBuffer(img))
	if !report.Valid {
		s.log.Info("capture: quality advisory: %s", report.Message)
	}

	data, err := s.processor.Encode(img)
	if err != nil {
		return Outcome{}, fmt.Errorf("failed to encode capture: %w", err)
	}

	outcome, err := s.deliverBatch(ctx, data)
	if err != nil {
		return outcome, err
	}
	outcome.Quality = &report
	outcome.Crop = &crop
	return outcome, nil
}

// CaptureFile delivers an image chosen outside the live preview, such as a
// photo returned by the native camera app.
func (s *Session) CaptureFile(ctx context.Context, path string) (Outcome, error) {
	if !s.capturing.TryLock() {
		return Outcome{}, ErrCaptureInProgress
	}
	defer s.capturing.Unlock()

	img, err := s.loader.LoadImage(path)
	if err != nil {
		return Outcome{}, fmt.Errorf("failed to load %s: %w", path, err)
	}
	if err := s.loader.ValidateImage(img); err != nil {
		return Outcome{}, fmt.Errorf("rejected %s: %w", path, err)
	}
	img = s.processor.FitWidth(img)

	report := s.validator.Evaluate(types.NewFrameBuffer(img))
	data, err := s.processor.Encode(img)
	if err != nil {
		return Outcome{}, fmt.Errorf("failed to encode capture: %w", err)
	}

	outcome, err := s.deliverBatch(ctx, data)
	if err != nil {
		return outcome, err
	}
	outcome.Quality = &report
	return outcome, nil
}

func (s *Session) deliverBatch(ctx context.Context, data []byte) (Outcome, error) {
	filename := utils.CaptureFilename(s.now(), s.processor.Extension())
	md := s.batch.Metadata()
	outcome, err := s.Deliver(ctx, processing.EncodeBase64(data), md, filename)
	if err != nil {
		return outcome, err
	}
	outcome.Size = len(data)
	outcome.LooksBlank = s.processor.LooksBlank(len(data))
	if outcome.LooksBlank {
		s.log.Warning("capture: %s is only %s, it may be blurred or dark", filename, utils.FormatFileSize(int64(len(data))))
	}
	s.batch.Discard(md.Queue)
	return outcome, nil
}

// Deliver uploads when online and falls back to the offline queue on any
// upload failure. Only a failure to queue is returned as an error.
func (s *Session) Deliver(ctx context.Context, imageBase64 string, md types.Metadata, filename string) (Outcome, error) {
	outcome := Outcome{Filename: filename}

	if s.uploader != nil && s.isOnline(ctx) {
		resp, err := s.uploader.Upload(ctx, types.UploadRequest{
			Image:    imageBase64,
			Filename: filename,
			Metadata: md.Payload(),
		})
		if err == nil {
			outcome.Uploaded = true
			outcome.Response = resp
			s.log.Info("capture: uploaded %s", filename)
			return outcome, nil
		}
		outcome.UploadError = err.Error()
		s.log.Warning("capture: upload of %s failed, queueing offline: %v", filename, err)
	}

	id, err := s.queue.Add(imageBase64, md, filename)
	if err != nil {
		s.log.Error("capture: %s could not be saved offline: %v", filename, err)
		return outcome, fmt.Errorf("capture %s was not uploaded and could not be saved offline: %w", filename, err)
	}
	outcome.Queued = true
	outcome.OfflineID = id
	return outcome, nil
}

func (s *Session) isOnline(ctx context.Context) bool {
	if s.online == nil {
		return true
	}
	return s.online(ctx)
}
