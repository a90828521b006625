package offline

import (
	"archive/zip"
	"encoding/csv"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"

	"github.com/menta2k/field-capture/internal/utils"
	"github.com/menta2k/field-capture/pkg/processing"
	"github.com/menta2k/field-capture/pkg/types"
)

// ManifestName is the CSV listing written into every export archive
const ManifestName = "registro.csv"

// MissingImageMark tags manifest rows whose image could not be decoded
const MissingImageMark = "FALTA_IMAGEN"

var manifestHeader = []string{"FECHA", "ARCHIVO", "PRODUCTOS"}

// ExportArchive writes every pending capture into a ZIP archive with a CSV
// manifest. The queue is left untouched. It returns the number of images
// written; records whose image cannot be decoded only get a manifest row
// marked MissingImageMark.
func (m *Manager) ExportArchive(w io.Writer) (int, error) {
	records := m.Pending()
	if len(records) == 0 {
		return 0, ErrEmptyQueue
	}

	zw := zip.NewWriter(w)
	var manifest strings.Builder
	cw := csv.NewWriter(&manifest)
	if err := cw.Write(manifestHeader); err != nil {
		return 0, err
	}

	exported := 0
	used := make(map[string]bool, len(records)+1)
	used[ManifestName] = true

	for _, r := range records {
		name := entryName(r, used)
		used[name] = true

		listed := name
		data, err := processing.DecodeBase64(r.ImageBase64)
		if err != nil {
			m.log.Warning("offline: skipping image for %s in export: %v", r.Filename, err)
			listed = fmt.Sprintf("%s [%s]", name, MissingImageMark)
		} else {
			fw, err := zw.Create(name)
			if err != nil {
				return 0, fmt.Errorf("failed to add %s to archive: %w", name, err)
			}
			if _, err := fw.Write(data); err != nil {
				return 0, fmt.Errorf("failed to write %s to archive: %w", name, err)
			}
			exported++
		}

		if err := cw.Write([]string{r.CreatedAt, listed, products(r.Metadata)}); err != nil {
			return 0, err
		}
	}

	cw.Flush()
	if err := cw.Error(); err != nil {
		return 0, fmt.Errorf("failed to write manifest: %w", err)
	}
	fw, err := zw.Create(ManifestName)
	if err != nil {
		return 0, fmt.Errorf("failed to add manifest: %w", err)
	}
	if _, err := io.WriteString(fw, manifest.String()); err != nil {
		return 0, fmt.Errorf("failed to write manifest: %w", err)
	}

	if err := zw.Close(); err != nil {
		return 0, fmt.Errorf("failed to finalize archive: %w", err)
	}
	return exported, nil
}

// ExportArchiveFile writes the archive into dir as
// capturas_offline_YYYY-MM-DD.zip and returns its path.
func (m *Manager) ExportArchiveFile(dir string) (string, int, error) {
	if m.PendingCount() == 0 {
		return "", 0, ErrEmptyQueue
	}
	if err := utils.EnsureDir(dir); err != nil {
		return "", 0, fmt.Errorf("failed to create export directory: %w", err)
	}

	path := filepath.Join(dir, utils.ArchiveName(m.now()))
	f, err := os.CreateTemp(dir, ".export-*.zip")
	if err != nil {
		return "", 0, fmt.Errorf("failed to create archive: %w", err)
	}
	tmpName := f.Name()
	defer os.Remove(tmpName)

	count, err := m.ExportArchive(f)
	if cerr := f.Close(); err == nil {
		err = cerr
	}
	if err != nil {
		return "", 0, err
	}
	if err := os.Rename(tmpName, path); err != nil {
		return "", 0, fmt.Errorf("failed to move archive into place: %w", err)
	}

	m.log.Info("offline: exported %d captures to %s", count, path)
	return path, count, nil
}

// entryName picks a unique, safe archive name for a record
func entryName(r types.OfflineCaptureRecord, used map[string]bool) string {
	name := utils.SanitizeFilename(filepath.Base(r.Filename))
	if name == "" {
		name = fmt.Sprintf("captura_%d.jpg", r.ID)
	}
	if used[name] {
		name = fmt.Sprintf("%d_%s", r.ID, name)
	}
	return name
}

// products renders "product(dose); product(dose)"
func products(md types.Metadata) string {
	parts := make([]string, 0, len(md.Queue))
	for _, e := range md.Queue {
		parts = append(parts, fmt.Sprintf("%s(%s)", e.Product, e.Dose))
	}
	return strings.Join(parts, "; ")
}
