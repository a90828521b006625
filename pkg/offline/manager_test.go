package offline

import (
	"archive/zip"
	"bytes"
	"context"
	"encoding/base64"
	"encoding/csv"
	"errors"
	"io"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/menta2k/field-capture/pkg/types"
)

var testImage = base64.StdEncoding.EncodeToString([]byte("\xff\xd8\xff fake jpeg bytes"))

func metadata(pairs ...string) types.Metadata {
	var md types.Metadata
	for i := 0; i+1 < len(pairs); i += 2 {
		md.Queue = append(md.Queue, types.QueueEntry{Product: pairs[i], Dose: pairs[i+1]})
	}
	return md
}

func newTestManager(t *testing.T, store Store) *Manager {
	t.Helper()
	m, err := NewManager(store, nil)
	if err != nil {
		t.Fatalf("NewManager failed: %v", err)
	}
	clock := time.Date(2024, 5, 1, 12, 0, 0, 0, time.UTC)
	m.now = func() time.Time { return clock }
	return m
}

func TestAddPersistsBeforeReturning(t *testing.T) {
	store := NewMemoryStore()
	m := newTestManager(t, store)

	id, err := m.Add(testImage, metadata("Urea", "5kg"), "captura_1.jpg")
	if err != nil {
		t.Fatalf("Add failed: %v", err)
	}
	if m.PendingCount() != 1 {
		t.Errorf("Expected 1 pending, got %d", m.PendingCount())
	}

	persisted, _ := store.Load()
	if len(persisted) != 1 || persisted[0].ID != id {
		t.Fatalf("record not persisted: %+v", persisted)
	}
	if persisted[0].CreatedAt != "2024-05-01T12:00:00.000Z" {
		t.Errorf("unexpected timestamp %s", persisted[0].CreatedAt)
	}
	if persisted[0].Metadata.Queue[0].Product != "Urea" {
		t.Errorf("metadata lost: %+v", persisted[0].Metadata)
	}
}

func TestAddAssignsUniqueIDs(t *testing.T) {
	m := newTestManager(t, NewMemoryStore())

	seen := map[int64]bool{}
	for i := 0; i < 5; i++ {
		id, err := m.Add(testImage, metadata("A", "1"), "same_instant.jpg")
		if err != nil {
			t.Fatal(err)
		}
		if seen[id] {
			t.Fatalf("duplicate id %d", id)
		}
		seen[id] = true
	}
}

func TestAddRejectsEmptyImage(t *testing.T) {
	m := newTestManager(t, NewMemoryStore())
	if _, err := m.Add("  ", metadata("A", "1"), "x.jpg"); !errors.Is(err, ErrEmptyImage) {
		t.Errorf("Expected ErrEmptyImage, got %v", err)
	}
}

func TestAddSaveFailureIsReported(t *testing.T) {
	store := NewMemoryStore()
	m := newTestManager(t, store)
	store.FailSave = errors.New("quota exceeded")

	if _, err := m.Add(testImage, metadata("A", "1"), "x.jpg"); !errors.Is(err, ErrPersist) {
		t.Fatalf("Expected ErrPersist, got %v", err)
	}
	if m.PendingCount() != 0 {
		t.Error("failed save must not leave the record queued in memory")
	}
}

func TestSyncAllRemovesAccepted(t *testing.T) {
	store := NewMemoryStore()
	m := newTestManager(t, store)
	m.Add(testImage, metadata("A", "1"), "a.jpg")

	result := m.SyncAll(context.Background(), func(ctx context.Context, r types.OfflineCaptureRecord) error {
		return nil
	})

	if !result.Success || result.Synced != 1 || result.Failed != 0 {
		t.Errorf("unexpected result %+v", result)
	}
	if m.PendingCount() != 0 {
		t.Errorf("Expected empty queue, got %d", m.PendingCount())
	}
	if persisted, _ := store.Load(); len(persisted) != 0 {
		t.Errorf("removal not persisted: %+v", persisted)
	}
}

func TestSyncAllKeepsFailures(t *testing.T) {
	for _, failFirst := range []bool{true, false} {
		m := newTestManager(t, NewMemoryStore())
		if failFirst {
			m.Add(testImage, metadata("A", "1"), "a.jpg")
			m.Add(testImage, metadata("B", "2"), "b.jpg")
		} else {
			m.Add(testImage, metadata("B", "2"), "b.jpg")
			m.Add(testImage, metadata("A", "1"), "a.jpg")
		}

		result := m.SyncAll(context.Background(), func(ctx context.Context, r types.OfflineCaptureRecord) error {
			if r.Filename == "a.jpg" {
				return errors.New("server error")
			}
			return nil
		})

		if result.Success || result.Synced != 1 || result.Failed != 1 {
			t.Errorf("failFirst=%v: unexpected result %+v", failFirst, result)
		}
		pending := m.Pending()
		if len(pending) != 1 || pending[0].Filename != "a.jpg" {
			t.Errorf("failFirst=%v: Expected only a.jpg pending, got %+v", failFirst, pending)
		}
	}
}

func TestSyncAllIsIdempotent(t *testing.T) {
	m := newTestManager(t, NewMemoryStore())
	m.Add(testImage, metadata("A", "1"), "a.jpg")

	calls := 0
	upload := func(ctx context.Context, r types.OfflineCaptureRecord) error {
		calls++
		return nil
	}
	m.SyncAll(context.Background(), upload)
	second := m.SyncAll(context.Background(), upload)

	if calls != 1 {
		t.Errorf("Expected a single upload, got %d", calls)
	}
	if !second.Success || second.Synced != 0 || second.Failed != 0 {
		t.Errorf("second pass should be a no-op, got %+v", second)
	}
}

func TestSyncAllOffline(t *testing.T) {
	m := newTestManager(t, NewMemoryStore())
	m.Add(testImage, metadata("A", "1"), "a.jpg")
	m.SetConnectivity(func(ctx context.Context) bool { return false })

	result := m.SyncAll(context.Background(), func(ctx context.Context, r types.OfflineCaptureRecord) error {
		t.Error("upload must not be attempted while offline")
		return nil
	})
	if result.Success || !result.Offline || result.Synced != 0 || result.Failed != 0 {
		t.Errorf("unexpected offline result %+v", result)
	}
	if m.PendingCount() != 1 {
		t.Error("queue must be untouched while offline")
	}
}

func TestAddDuringSyncWaitsForNextPass(t *testing.T) {
	m := newTestManager(t, NewMemoryStore())
	m.Add(testImage, metadata("A", "1"), "a.jpg")

	var once sync.Once
	result := m.SyncAll(context.Background(), func(ctx context.Context, r types.OfflineCaptureRecord) error {
		once.Do(func() {
			if _, err := m.Add(testImage, metadata("B", "2"), "b.jpg"); err != nil {
				t.Errorf("Add during sync failed: %v", err)
			}
		})
		return nil
	})

	if result.Synced != 1 {
		t.Errorf("Expected only the snapshot to sync, got %+v", result)
	}
	pending := m.Pending()
	if len(pending) != 1 || pending[0].Filename != "b.jpg" {
		t.Errorf("Expected b.jpg to remain, got %+v", pending)
	}
}

func TestSyncAllCancelledContext(t *testing.T) {
	m := newTestManager(t, NewMemoryStore())
	m.Add(testImage, metadata("A", "1"), "a.jpg")
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	result := m.SyncAll(ctx, func(ctx context.Context, r types.OfflineCaptureRecord) error { return nil })
	if result.Success || result.Failed != 1 {
		t.Errorf("Expected cancelled pass to fail, got %+v", result)
	}
}

func TestRemoveAndClear(t *testing.T) {
	m := newTestManager(t, NewMemoryStore())
	id, _ := m.Add(testImage, metadata("A", "1"), "a.jpg")
	m.Add(testImage, metadata("B", "2"), "b.jpg")

	if err := m.Remove(id); err != nil {
		t.Fatal(err)
	}
	if err := m.Remove(id); !errors.Is(err, ErrNotFound) {
		t.Errorf("Expected ErrNotFound, got %v", err)
	}
	if err := m.Clear(); err != nil {
		t.Fatal(err)
	}
	if m.PendingCount() != 0 {
		t.Error("Clear should empty the queue")
	}
}

func TestPersistenceAcrossRestarts(t *testing.T) {
	path := filepath.Join(t.TempDir(), "queue.json")

	first := newTestManager(t, NewFileStore(path))
	first.Add(testImage, metadata("A", "1"), "a.jpg")
	first.Add(testImage, metadata("B", "2"), "b.jpg")

	second := newTestManager(t, NewFileStore(path))
	if second.PendingCount() != 2 {
		t.Fatalf("Expected 2 records after reload, got %d", second.PendingCount())
	}
	id, _ := second.Add(testImage, metadata("C", "3"), "c.jpg")
	for _, r := range second.Pending()[:2] {
		if r.ID >= id {
			t.Errorf("new id %d should follow reloaded id %d", id, r.ID)
		}
	}
}

func TestFileStoreMissingFile(t *testing.T) {
	records, err := NewFileStore(filepath.Join(t.TempDir(), "none.json")).Load()
	if err != nil || len(records) != 0 {
		t.Errorf("Expected empty queue, got %v, %v", records, err)
	}
}

func TestFileStoreCorruptFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "queue.json")
	os.WriteFile(path, []byte("{not json"), 0600)

	if _, err := NewManager(NewFileStore(path), nil); err == nil {
		t.Error("Expected corrupt queue to fail loading")
	}
}

func TestSQLiteStore(t *testing.T) {
	dbPath := filepath.Join(t.TempDir(), "queue.db")
	store, err := NewSQLiteStore(dbPath, "")
	if err != nil {
		t.Fatalf("NewSQLiteStore failed: %v", err)
	}

	m := newTestManager(t, store)
	m.Add(testImage, metadata("A", "1"), "a.jpg")
	m.Add(testImage, metadata("B", "2"), "b.jpg")
	store.Close()

	reopened, err := NewSQLiteStore(dbPath, DefaultStorageKey)
	if err != nil {
		t.Fatal(err)
	}
	defer reopened.Close()

	records, err := reopened.Load()
	if err != nil {
		t.Fatal(err)
	}
	if len(records) != 2 || records[1].Filename != "b.jpg" {
		t.Errorf("unexpected records after reopen: %+v", records)
	}

	other, _ := NewSQLiteStore(dbPath+"-other", "another_key")
	defer other.Close()
	if recs, _ := other.Load(); len(recs) != 0 {
		t.Errorf("Expected empty slot, got %d records", len(recs))
	}
}

func readArchive(t *testing.T, data []byte) map[string][]byte {
	t.Helper()
	zr, err := zip.NewReader(bytes.NewReader(data), int64(len(data)))
	if err != nil {
		t.Fatalf("invalid zip: %v", err)
	}
	files := map[string][]byte{}
	for _, f := range zr.File {
		rc, err := f.Open()
		if err != nil {
			t.Fatal(err)
		}
		b, _ := io.ReadAll(rc)
		rc.Close()
		files[f.Name] = b
	}
	return files
}

func TestExportArchive(t *testing.T) {
	m := newTestManager(t, NewMemoryStore())
	m.Add(testImage, metadata("Urea", "5kg", "Glifosato", "2L"), "a.jpg")
	m.Add(testImage, metadata("Cal", "1t"), "b.jpg")

	var buf bytes.Buffer
	count, err := m.ExportArchive(&buf)
	if err != nil {
		t.Fatalf("ExportArchive failed: %v", err)
	}
	if count != 2 {
		t.Errorf("Expected 2 exported, got %d", count)
	}
	if m.PendingCount() != 2 {
		t.Error("export must not mutate the queue")
	}

	files := readArchive(t, buf.Bytes())
	if len(files) != 3 {
		t.Errorf("Expected 2 images and a manifest, got %d files", len(files))
	}
	if !bytes.HasPrefix(files["a.jpg"], []byte("\xff\xd8\xff")) {
		t.Error("image bytes were not decoded")
	}

	rows, err := csv.NewReader(bytes.NewReader(files[ManifestName])).ReadAll()
	if err != nil {
		t.Fatalf("manifest is not valid CSV: %v", err)
	}
	if len(rows) != 3 {
		t.Fatalf("Expected header and 2 rows, got %d", len(rows))
	}
	if strings.Join(rows[0], ",") != "FECHA,ARCHIVO,PRODUCTOS" {
		t.Errorf("unexpected header %v", rows[0])
	}
	if rows[1][2] != "Urea(5kg); Glifosato(2L)" {
		t.Errorf("unexpected products column %q", rows[1][2])
	}
}

func TestExportArchiveEmpty(t *testing.T) {
	m := newTestManager(t, NewMemoryStore())
	if _, err := m.ExportArchive(io.Discard); !errors.Is(err, ErrEmptyQueue) {
		t.Errorf("Expected ErrEmptyQueue, got %v", err)
	}
	if _, _, err := m.ExportArchiveFile(t.TempDir()); !errors.Is(err, ErrEmptyQueue) {
		t.Errorf("Expected ErrEmptyQueue, got %v", err)
	}
}

func TestExportArchiveDuplicateNames(t *testing.T) {
	m := newTestManager(t, NewMemoryStore())
	m.Add(testImage, metadata("A", "1"), "same.jpg")
	m.Add(testImage, metadata("B", "2"), "same.jpg")

	var buf bytes.Buffer
	if _, err := m.ExportArchive(&buf); err != nil {
		t.Fatal(err)
	}
	if files := readArchive(t, buf.Bytes()); len(files) != 3 {
		t.Errorf("Expected both images to be kept, got %d files", len(files))
	}
}

func TestExportArchiveMarksMissingImages(t *testing.T) {
	m := newTestManager(t, NewMemoryStore())
	m.Add(testImage, metadata("A", "1"), "good.jpg")
	m.Add("not base64!", metadata("B", "2"), "broken.jpg")

	var buf bytes.Buffer
	count, err := m.ExportArchive(&buf)
	if err != nil {
		t.Fatal(err)
	}
	if count != 1 {
		t.Errorf("Expected only the decodable image to be counted, got %d", count)
	}

	files := readArchive(t, buf.Bytes())
	if _, ok := files["broken.jpg"]; ok {
		t.Error("undecodable image must not be in the archive")
	}
	rows, err := csv.NewReader(bytes.NewReader(files[ManifestName])).ReadAll()
	if err != nil {
		t.Fatal(err)
	}
	if len(rows) != 3 {
		t.Fatalf("Expected header and 2 rows, got %d", len(rows))
	}
	if rows[1][1] != "good.jpg" {
		t.Errorf("unexpected row for good image %q", rows[1][1])
	}
	if rows[2][1] != "broken.jpg [FALTA_IMAGEN]" {
		t.Errorf("Expected missing image to be marked, got %q", rows[2][1])
	}
}

func TestExportArchiveFile(t *testing.T) {
	m := newTestManager(t, NewMemoryStore())
	m.Add(testImage, metadata("A", "1"), "a.jpg")

	dir := filepath.Join(t.TempDir(), "exports")
	path, count, err := m.ExportArchiveFile(dir)
	if err != nil {
		t.Fatalf("ExportArchiveFile failed: %v", err)
	}
	if count != 1 {
		t.Errorf("Expected 1 exported, got %d", count)
	}
	if filepath.Base(path) != "capturas_offline_2024-05-01.zip" {
		t.Errorf("unexpected archive name %s", path)
	}
	data, err := os.ReadFile(path)
	if err != nil {
		t.Fatal(err)
	}
	if _, ok := readArchive(t, data)[ManifestName]; !ok {
		t.Error("manifest missing from archive")
	}
}

func BenchmarkAdd(b *testing.B) {
	m, _ := NewManager(NewMemoryStore(), nil)
	md := metadata("A", "1")

	b.ResetTimer()
	for i := 0; i < b.N; i++ {
		m.Add(testImage, md, "bench.jpg")
	}
}
