package offline

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"sync"

	"github.com/menta2k/field-capture/internal/utils"
	"github.com/menta2k/field-capture/pkg/types"
)

// Store persists the whole queue as a single JSON array under one key
type Store interface {
	Load() ([]types.OfflineCaptureRecord, error)
	Save(records []types.OfflineCaptureRecord) error
}

func decodeRecords(data []byte) ([]types.OfflineCaptureRecord, error) {
	if len(data) == 0 {
		return nil, nil
	}
	var records []types.OfflineCaptureRecord
	if err := json.Unmarshal(data, &records); err != nil {
		return nil, fmt.Errorf("failed to decode queue: %w", err)
	}
	return records, nil
}

func encodeRecords(records []types.OfflineCaptureRecord) ([]byte, error) {
	if records == nil {
		records = []types.OfflineCaptureRecord{}
	}
	return json.Marshal(records)
}

// FileStore keeps the queue in a JSON file replaced atomically on every save
type FileStore struct {
	path string
}

// NewFileStore creates a store backed by the file at path
func NewFileStore(path string) *FileStore {
	return &FileStore{path: path}
}

// Path returns the backing file
func (s *FileStore) Path() string {
	return s.path
}

// Load reads the queue; a missing file is an empty queue
func (s *FileStore) Load() ([]types.OfflineCaptureRecord, error) {
	data, err := os.ReadFile(s.path)
	if errors.Is(err, os.ErrNotExist) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to read queue file: %w", err)
	}
	return decodeRecords(data)
}

// Save replaces the queue file
func (s *FileStore) Save(records []types.OfflineCaptureRecord) error {
	data, err := encodeRecords(records)
	if err != nil {
		return fmt.Errorf("failed to encode queue: %w", err)
	}
	if err := utils.WriteFileAtomic(s.path, data, 0600); err != nil {
		return fmt.Errorf("failed to write queue file: %w", err)
	}
	return nil
}

// MemoryStore keeps the serialized queue in memory
type MemoryStore struct {
	mu   sync.Mutex
	data []byte
	// FailSave makes every Save return this error when set
	FailSave error
}

// NewMemoryStore creates an empty in-memory store
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{}
}

// Load decodes the last saved queue
func (s *MemoryStore) Load() ([]types.OfflineCaptureRecord, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return decodeRecords(s.data)
}

// Save serializes the queue
func (s *MemoryStore) Save(records []types.OfflineCaptureRecord) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.FailSave != nil {
		return s.FailSave
	}
	data, err := encodeRecords(records)
	if err != nil {
		return err
	}
	s.data = data
	return nil
}
