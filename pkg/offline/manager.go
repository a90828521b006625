// Package offline keeps captures that could not be uploaded in a durable
// queue until they are synced or exported.
package offline

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/menta2k/field-capture/internal/logger"
	"github.com/menta2k/field-capture/pkg/types"
)

// DefaultStorageKey names the slot holding the queue
const DefaultStorageKey = "offline_queue"

// timestampLayout renders creation times as UTC ISO-8601 with milliseconds
const timestampLayout = "2006-01-02T15:04:05.000Z07:00"

var (
	// ErrPersist is returned when the durable store rejects a write
	ErrPersist = errors.New("failed to persist offline queue")
	// ErrEmptyQueue is returned when exporting with nothing pending
	ErrEmptyQueue = errors.New("no pending captures to export")
	// ErrEmptyImage is returned when adding a record without image data
	ErrEmptyImage = errors.New("capture has no image data")
	// ErrNotFound is returned when removing an unknown record
	ErrNotFound = errors.New("capture not found in offline queue")
)

// UploadFunc delivers one queued record. A nil error means the server
// accepted it.
type UploadFunc func(ctx context.Context, record types.OfflineCaptureRecord) error

// SyncResult summarizes a SyncAll pass
type SyncResult struct {
	Success bool `json:"success"`
	Synced  int  `json:"synced"`
	Failed  int  `json:"failed"`
	Offline bool `json:"offline,omitempty"`
}

// Manager owns the offline queue. Every mutation rewrites the whole list in
// the store before the in-memory copy is updated.
type Manager struct {
	mu      sync.Mutex
	syncMu  sync.Mutex
	store   Store
	records []types.OfflineCaptureRecord
	lastID  int64
	log     *logger.Logger

	now          func() time.Time
	connectivity func(ctx context.Context) bool
}

// NewManager loads the persisted queue from store
func NewManager(store Store, log *logger.Logger) (*Manager, error) {
	records, err := store.Load()
	if err != nil {
		return nil, fmt.Errorf("failed to load offline queue: %w", err)
	}

	m := &Manager{
		store:   store,
		records: records,
		log:     log,
		now:     time.Now,
	}
	for _, r := range records {
		if r.ID > m.lastID {
			m.lastID = r.ID
		}
	}
	if len(records) > 0 {
		log.Info("offline: loaded %d pending captures", len(records))
	}
	return m, nil
}

// SetConnectivity installs a check run before syncing. When it reports
// offline, SyncAll returns without attempting any upload.
func (m *Manager) SetConnectivity(online func(ctx context.Context) bool) {
	m.mu.Lock()
	m.connectivity = online
	m.mu.Unlock()
}

// Add appends a capture and persists the queue before returning its ID.
// IDs are creation times in Unix milliseconds, bumped to stay unique.
func (m *Manager) Add(imageBase64 string, metadata types.Metadata, filename string) (int64, error) {
	if strings.TrimSpace(imageBase64) == "" {
		return 0, ErrEmptyImage
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	now := m.now()
	id := now.UnixMilli()
	if id <= m.lastID {
		id = m.lastID + 1
	}

	record := types.OfflineCaptureRecord{
		ID:          id,
		CreatedAt:   now.UTC().Format(timestampLayout),
		Filename:    filename,
		ImageBase64: imageBase64,
		Metadata:    types.Metadata{Queue: append([]types.QueueEntry(nil), metadata.Queue...)},
	}

	next := make([]types.OfflineCaptureRecord, len(m.records), len(m.records)+1)
	copy(next, m.records)
	next = append(next, record)

	if err := m.store.Save(next); err != nil {
		m.log.Error("offline: failed to save capture %s: %v", filename, err)
		return 0, fmt.Errorf("%w: %w", ErrPersist, err)
	}

	m.records = next
	m.lastID = id
	m.log.Info("offline: queued %s (id %d, %d pending)", filename, id, len(next))
	return id, nil
}

// Remove deletes the record with the given ID
func (m *Manager) Remove(id int64) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	idx := -1
	for i, r := range m.records {
		if r.ID == id {
			idx = i
			break
		}
	}
	if idx < 0 {
		return fmt.Errorf("%d: %w", id, ErrNotFound)
	}

	next := make([]types.OfflineCaptureRecord, 0, len(m.records)-1)
	next = append(next, m.records[:idx]...)
	next = append(next, m.records[idx+1:]...)

	if err := m.store.Save(next); err != nil {
		return fmt.Errorf("%w: %w", ErrPersist, err)
	}
	m.records = next
	return nil
}

// Clear empties the queue
func (m *Manager) Clear() error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if err := m.store.Save(nil); err != nil {
		return fmt.Errorf("%w: %w", ErrPersist, err)
	}
	m.records = nil
	return nil
}

// PendingCount returns the number of queued captures
func (m *Manager) PendingCount() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.records)
}

// Pending returns a snapshot of the queue in insertion order
func (m *Manager) Pending() []types.OfflineCaptureRecord {
	m.mu.Lock()
	defer m.mu.Unlock()

	out := make([]types.OfflineCaptureRecord, len(m.records))
	for i, r := range m.records {
		r.Metadata.Queue = append([]types.QueueEntry(nil), r.Metadata.Queue...)
		out[i] = r
	}
	return out
}

// SyncAll uploads a snapshot of the queue. Each accepted record is removed
// and persisted immediately; failures stay queued and the pass continues.
// Records added while a pass runs wait for the next one.
func (m *Manager) SyncAll(ctx context.Context, upload UploadFunc) SyncResult {
	m.syncMu.Lock()
	defer m.syncMu.Unlock()

	m.mu.Lock()
	online := m.connectivity
	m.mu.Unlock()
	if online != nil && !online(ctx) {
		m.log.Info("offline: sync skipped, no connectivity")
		return SyncResult{Success: false, Offline: true}
	}

	var result SyncResult
	for _, record := range m.Pending() {
		if err := ctx.Err(); err != nil {
			result.Failed++
			continue
		}

		if err := m.uploadOne(ctx, upload, record); err != nil {
			m.log.Warning("offline: sync of %s failed: %v", record.Filename, err)
			result.Failed++
			continue
		}

		if err := m.Remove(record.ID); err != nil && !errors.Is(err, ErrNotFound) {
			// uploaded but still queued, so it will be sent again
			m.log.Error("offline: %s uploaded but could not be dequeued: %v", record.Filename, err)
			result.Failed++
			continue
		}
		result.Synced++
	}

	result.Success = result.Failed == 0
	if result.Synced > 0 || result.Failed > 0 {
		m.log.Info("offline: sync finished, %d synced, %d failed", result.Synced, result.Failed)
	}
	return result
}

func (m *Manager) uploadOne(ctx context.Context, upload UploadFunc, record types.OfflineCaptureRecord) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("upload panicked: %v", r)
		}
	}()
	return upload(ctx, record)
}
