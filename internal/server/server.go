// Package server exposes the capture pipeline over HTTP and websockets.
package server

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/gorilla/mux"
	"github.com/gorilla/websocket"

	"github.com/menta2k/field-capture/internal/logger"
	"github.com/menta2k/field-capture/internal/utils"
	"github.com/menta2k/field-capture/pkg/batch"
	"github.com/menta2k/field-capture/pkg/capture"
	"github.com/menta2k/field-capture/pkg/extract"
	"github.com/menta2k/field-capture/pkg/frame"
	"github.com/menta2k/field-capture/pkg/offline"
	"github.com/menta2k/field-capture/pkg/processing"
	"github.com/menta2k/field-capture/pkg/quality"
	"github.com/menta2k/field-capture/pkg/types"
)

const (
	maxUploadSize   = 32 << 20
	maxFrameSize    = 16 << 20
	readDeadline    = 60 * time.Second
	shutdownTimeout = 10 * time.Second
)

var upgrader = websocket.Upgrader{
	CheckOrigin: func(r *http.Request) bool { return true },
}

// Deps are the components served over HTTP
type Deps struct {
	Session         *capture.Session
	Queue           *offline.Manager
	Sync            func(ctx context.Context) offline.SyncResult
	Extractor       *extract.Extractor
	Processor       *processing.Processor
	Frames          *frame.LatestSource
	Validator       *quality.Validator
	QualityInterval time.Duration
	Log             *logger.Logger
}

// Server is the HTTP control surface
type Server struct {
	addr   string
	deps   Deps
	hub    *Hub
	router *mux.Router
	log    *logger.Logger

	readTimeout time.Duration
}

// New builds the router for deps
func New(addr string, deps Deps) *Server {
	if deps.Processor == nil {
		deps.Processor = processing.NewProcessor()
	}
	if deps.Extractor == nil {
		deps.Extractor = extract.New(deps.Log)
	}
	s := &Server{
		addr: addr,
		deps: deps,
		hub:  NewHub(deps.Log),
		log:  deps.Log,

		readTimeout: readDeadline,
	}
	s.router = s.routes()
	return s
}

func (s *Server) routes() *mux.Router {
	r := mux.NewRouter()
	r.HandleFunc("/health", s.handleHealth).Methods("GET")
	r.HandleFunc("/queue", s.handleQueue).Methods("GET")
	r.HandleFunc("/queue/sync", s.handleSync).Methods("POST")
	r.HandleFunc("/queue/export", s.handleExport).Methods("GET")
	r.HandleFunc("/captures", s.handleCapture).Methods("POST")
	r.HandleFunc("/extract", s.handleExtract).Methods("POST")
	r.HandleFunc("/ws/camera", s.handleCameraSocket).Methods("GET")
	r.HandleFunc("/ws/quality", s.handleQualitySocket).Methods("GET")
	return r
}

// Handler returns the HTTP handler
func (s *Server) Handler() http.Handler {
	return s.router
}

// Hub returns the quality report hub
func (s *Server) Hub() *Hub {
	return s.hub
}

// Run serves until ctx is cancelled, streaming quality reports for the
// published camera frames to websocket viewers.
func (s *Server) Run(ctx context.Context) error {
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	s.hub.Start(ctx)
	if s.deps.Frames != nil && s.deps.Validator != nil {
		h := s.deps.Validator.StartContinuous(ctx, s.deps.Frames, s.deps.QualityInterval, s.publishReport)
		defer h.Stop()
	}

	srv := &http.Server{
		Addr:              s.addr,
		Handler:           s.router,
		ReadHeaderTimeout: 10 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		s.log.Info("HTTP server listening on %s", s.addr)
		errCh <- srv.ListenAndServe()
	}()

	select {
	case err := <-errCh:
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return err
	case <-ctx.Done():
		shutdownCtx, cancelShutdown := context.WithTimeout(context.Background(), shutdownTimeout)
		defer cancelShutdown()
		return srv.Shutdown(shutdownCtx)
	}
}

func (s *Server) publishReport(report types.QualityReport) {
	data, err := json.Marshal(report)
	if err != nil {
		s.log.Error("failed to encode quality report: %v", err)
		return
	}
	s.hub.Broadcast(data)
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, status int, err error) {
	writeJSON(w, status, map[string]any{"success": false, "error": err.Error()})
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	fmt.Fprintln(w, "OK")
}

type queueItem struct {
	ID        int64          `json:"id"`
	Timestamp string         `json:"timestamp"`
	Filename  string         `json:"filename"`
	Metadata  types.Metadata `json:"metadata"`
}

func (s *Server) handleQueue(w http.ResponseWriter, r *http.Request) {
	pending := s.deps.Queue.Pending()
	items := make([]queueItem, 0, len(pending))
	for _, rec := range pending {
		items = append(items, queueItem{ID: rec.ID, Timestamp: rec.CreatedAt, Filename: rec.Filename, Metadata: rec.Metadata})
	}
	writeJSON(w, http.StatusOK, map[string]any{"pending": len(items), "records": items})
}

func (s *Server) handleSync(w http.ResponseWriter, r *http.Request) {
	if s.deps.Sync == nil {
		writeError(w, http.StatusServiceUnavailable, errors.New("sync is not configured"))
		return
	}
	result := s.deps.Sync(r.Context())
	writeJSON(w, http.StatusOK, result)
}

func (s *Server) handleExport(w http.ResponseWriter, r *http.Request) {
	if s.deps.Queue.PendingCount() == 0 {
		writeError(w, http.StatusNotFound, offline.ErrEmptyQueue)
		return
	}

	w.Header().Set("Content-Type", "application/zip")
	w.Header().Set("Content-Disposition", fmt.Sprintf("attachment; filename=%q", utils.ArchiveName(time.Now())))
	count, err := s.deps.Queue.ExportArchive(w)
	if errors.Is(err, offline.ErrEmptyQueue) {
		writeError(w, http.StatusNotFound, err)
		return
	}
	if err != nil {
		// headers are already sent; the client sees a truncated archive
		s.log.Error("export failed: %v", err)
		return
	}
	s.log.Info("exported %d captures over HTTP", count)
}

// handleCapture accepts a multipart photo with repeated product/dose fields
func (s *Server) handleCapture(w http.ResponseWriter, r *http.Request) {
	r.Body = http.MaxBytesReader(w, r.Body, maxUploadSize)
	if err := r.ParseMultipartForm(maxUploadSize); err != nil {
		writeError(w, http.StatusBadRequest, fmt.Errorf("invalid multipart form: %w", err))
		return
	}

	file, _, err := r.FormFile("file")
	if err != nil {
		writeError(w, http.StatusBadRequest, fmt.Errorf("missing file: %w", err))
		return
	}
	defer file.Close()

	data, err := io.ReadAll(file)
	if err != nil {
		writeError(w, http.StatusBadRequest, err)
		return
	}

	b := batch.New()
	products, doses := r.MultipartForm.Value["product"], r.MultipartForm.Value["dose"]
	clients := r.MultipartForm.Value["clientId"]
	if len(products) != len(doses) {
		writeError(w, http.StatusBadRequest, batch.ErrIncompleteEntry)
		return
	}
	for i := range products {
		entry := types.QueueEntry{Product: products[i], Dose: doses[i]}
		if i < len(clients) {
			entry.ClientID = clients[i]
		}
		if err := b.Add(entry); err != nil {
			writeError(w, http.StatusBadRequest, err)
			return
		}
	}

	img, _, err := s.deps.Processor.Decode(data)
	if err != nil {
		writeError(w, http.StatusBadRequest, err)
		return
	}
	encoded, err := s.deps.Processor.Encode(s.deps.Processor.FitWidth(img))
	if err != nil {
		writeError(w, http.StatusInternalServerError, err)
		return
	}

	filename := utils.CaptureFilename(time.Now(), s.deps.Processor.Extension())
	outcome, err := s.deps.Session.Deliver(r.Context(), processing.EncodeBase64(encoded), b.Metadata(), filename)
	if err != nil {
		writeError(w, http.StatusInternalServerError, err)
		return
	}
	outcome.Size = len(encoded)
	outcome.LooksBlank = s.deps.Processor.LooksBlank(len(encoded))

	status := http.StatusCreated
	if outcome.Queued {
		status = http.StatusAccepted
	}
	writeJSON(w, status, outcome)
}

func (s *Server) handleExtract(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Text  string `json:"text"`
		Fuzzy bool   `json:"fuzzy"`
	}
	if err := json.NewDecoder(io.LimitReader(r.Body, 1<<20)).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, fmt.Errorf("invalid JSON: %w", err))
		return
	}

	if req.Fuzzy {
		doc := s.deps.Extractor.ExtractDocument(req.Text)
		writeJSON(w, http.StatusOK, map[string]any{"found": !doc.Record.IsEmpty(), "record": doc.Record, "document": doc})
		return
	}
	rec := s.deps.Extractor.Extract(req.Text)
	writeJSON(w, http.StatusOK, map[string]any{"found": !rec.IsEmpty(), "record": rec})
}

// handleCameraSocket receives encoded frames from a capture device and makes
// the latest one available to the quality loop.
func (s *Server) handleCameraSocket(w http.ResponseWriter, r *http.Request) {
	if s.deps.Frames == nil {
		writeError(w, http.StatusServiceUnavailable, errors.New("no frame sink configured"))
		return
	}

	connection, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		s.log.Error("WebSocket upgrade error: %v", err)
		return
	}
	defer connection.Close()

	connection.SetReadLimit(maxFrameSize)
	s.extendOnPong(connection)

	s.log.Info("Camera connected: %s", r.RemoteAddr)
	for {
		_, msg, err := connection.ReadMessage()
		if err != nil {
			s.log.Info("Camera disconnected: %v", err)
			return
		}
		connection.SetReadDeadline(time.Now().Add(s.readTimeout))

		img, _, err := s.deps.Processor.Decode(msg)
		if err != nil {
			s.log.Warning("dropping undecodable frame: %v", err)
			continue
		}
		s.deps.Frames.Publish(img)
	}
}

func (s *Server) extendOnPong(connection *websocket.Conn) {
	connection.SetReadDeadline(time.Now().Add(s.readTimeout))
	connection.SetPongHandler(func(appData string) error {
		connection.SetReadDeadline(time.Now().Add(s.readTimeout))
		return nil
	})
}

func (s *Server) handleQualitySocket(w http.ResponseWriter, r *http.Request) {
	connection, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		s.log.Error("WebSocket upgrade error: %v", err)
		return
	}
	connection.SetReadLimit(512)
	s.extendOnPong(connection)

	// the hub pings viewers; their pongs keep the read deadline moving
	if !s.hub.Register(r.Context(), connection) {
		connection.Close()
		return
	}
	defer s.hub.Unregister(connection)

	for {
		if _, _, err := connection.ReadMessage(); err != nil {
			return
		}
	}
}
