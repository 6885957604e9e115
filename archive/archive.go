// Package archive owns the on-disk layout of the newsletter archive: one folder
// per identity holding index.html, metadata.json and the localized images.
package archive

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"time"

	"github.com/dhcgn/newsletter-archive/identity"
	"github.com/dhcgn/newsletter-archive/model"
)

const (
	IndexFile    = "index.html"
	MetadataFile = "metadata.json"

	// ImagePrefix names localized images: img_<ordinal><ext>.
	ImagePrefix = "img_"
)

// ErrNotCommitted is returned when a record has no metadata document.
var ErrNotCommitted = errors.New("archive record not committed")

// Writer persists archive records under a root directory.
type Writer struct {
	root   string
	logger *slog.Logger
	now    func() time.Time
}

// NewWriter creates root if needed.
func NewWriter(root string, logger *slog.Logger) (*Writer, error) {
	if strings.TrimSpace(root) == "" {
		return nil, fmt.Errorf("archive directory is empty")
	}
	if err := os.MkdirAll(root, 0o755); err != nil {
		return nil, fmt.Errorf("create archive directory: %w", err)
	}
	return &Writer{root: filepath.Clean(root), logger: logger, now: time.Now}, nil
}

// Root returns the archive directory.
func (w *Writer) Root() string {
	return w.root
}

// Dir returns the folder of id.
func (w *Writer) Dir(id model.Identity) string {
	return filepath.Join(w.root, string(id))
}

// Committed reports whether the record of id was fully written.
func (w *Writer) Committed(id model.Identity) bool {
	info, err := os.Stat(filepath.Join(w.Dir(id), MetadataFile))
	return err == nil && info.Mode().IsRegular()
}

// Begin prepares the folder of id for writing and returns it. Under force the
// commit marker is removed first, so an interrupted refresh leaves the record
// absent instead of stale-but-present, and the localized images of the previous
// edition are cleared so none of them is reused.
func (w *Writer) Begin(id model.Identity, force bool) (string, error) {
	dir := w.Dir(id)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return "", fmt.Errorf("create record %s: %w", id, err)
	}
	if !force {
		return dir, nil
	}

	if err := os.Remove(filepath.Join(dir, MetadataFile)); err != nil && !errors.Is(err, os.ErrNotExist) {
		return "", fmt.Errorf("reset record %s: %w", id, err)
	}
	images, err := filepath.Glob(filepath.Join(dir, ImagePrefix+"*"))
	if err != nil {
		return "", fmt.Errorf("list images %s: %w", id, err)
	}
	for _, path := range images {
		if err := os.Remove(path); err != nil && !errors.Is(err, os.ErrNotExist) {
			return "", fmt.Errorf("reset record %s: %w", id, err)
		}
	}
	if w.logger != nil && len(images) > 0 {
		w.logger.Debug("cleared images for forced refresh", "id", id, "images", len(images))
	}
	return dir, nil
}

// Commit writes index.html and then metadata.json. Only the second write makes
// the record visible to later runs.
func (w *Writer) Commit(id model.Identity, html string, meta model.Metadata) error {
	dir := w.Dir(id)
	meta.ID = id
	if meta.ArchivedAt.IsZero() {
		meta.ArchivedAt = w.now().UTC()
	}
	normalize(&meta)

	if err := WriteFileAtomic(filepath.Join(dir, IndexFile), []byte(html)); err != nil {
		return fmt.Errorf("write %s: %w", IndexFile, err)
	}

	data, err := encode(meta)
	if err != nil {
		return fmt.Errorf("encode metadata %s: %w", id, err)
	}
	if err := WriteFileAtomic(filepath.Join(dir, MetadataFile), data); err != nil {
		return fmt.Errorf("write %s: %w", MetadataFile, err)
	}

	if w.logger != nil {
		w.logger.Debug("record committed", "identity", id, "dir", dir, "links", len(meta.Links), "pixels", len(meta.Pixels))
	}
	return nil
}

// Remove deletes the whole folder of id.
func (w *Writer) Remove(id model.Identity) error {
	if !identity.Valid(string(id)) {
		return fmt.Errorf("refusing to remove %q: not an identity", id)
	}
	if err := os.RemoveAll(w.Dir(id)); err != nil {
		return fmt.Errorf("remove record %s: %w", id, err)
	}
	return nil
}

// Load reads the metadata document of the record in dir.
func Load(dir string) (model.Metadata, error) {
	data, err := os.ReadFile(filepath.Join(dir, MetadataFile))
	if errors.Is(err, os.ErrNotExist) {
		return model.Metadata{}, ErrNotCommitted
	}
	if err != nil {
		return model.Metadata{}, fmt.Errorf("read metadata: %w", err)
	}
	var meta model.Metadata
	if err := json.Unmarshal(data, &meta); err != nil {
		return model.Metadata{}, fmt.Errorf("decode metadata %s: %w", dir, err)
	}
	return meta, nil
}

// LoadAll reads every committed record, newest first.
func (w *Writer) LoadAll() ([]model.Metadata, error) {
	entries, err := os.ReadDir(w.root)
	if err != nil {
		return nil, fmt.Errorf("read archive directory: %w", err)
	}

	var out []model.Metadata
	for _, e := range entries {
		if !e.IsDir() || !identity.Valid(e.Name()) {
			continue
		}
		meta, err := Load(filepath.Join(w.root, e.Name()))
		if errors.Is(err, ErrNotCommitted) {
			continue
		}
		if err != nil {
			if w.logger != nil {
				w.logger.Warn("skipping unreadable record", "identity", e.Name(), "err", err)
			}
			continue
		}
		out = append(out, meta)
	}

	sort.SliceStable(out, func(i, j int) bool {
		if !out[i].ReceivedAt.Equal(out[j].ReceivedAt) {
			return out[i].ReceivedAt.After(out[j].ReceivedAt)
		}
		return out[i].ID < out[j].ID
	})
	return out, nil
}

// Size returns the total bytes stored below the archive root.
func (w *Writer) Size() (int64, error) {
	var total int64
	err := filepath.WalkDir(w.root, func(_ string, d os.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if d.Type().IsRegular() {
			info, err := d.Info()
			if err != nil {
				return err
			}
			total += info.Size()
		}
		return nil
	})
	if err != nil {
		return 0, fmt.Errorf("measure archive: %w", err)
	}
	return total, nil
}

// normalize replaces nil slices so the document always carries arrays.
func normalize(m *model.Metadata) {
	if m.Pixels == nil {
		m.Pixels = []model.PixelEntry{}
	}
	if m.Links == nil {
		m.Links = []model.LinkEntry{}
	}
	for i := range m.Links {
		if m.Links[i].RedirectChain == nil {
			m.Links[i].RedirectChain = []model.Hop{}
		}
	}
	if m.Assets == nil {
		m.Assets = []string{}
	}
	if m.Platform == "" {
		m.Platform = model.PlatformUnknown
	}
}

func encode(meta model.Metadata) ([]byte, error) {
	var buf bytes.Buffer
	enc := json.NewEncoder(&buf)
	enc.SetEscapeHTML(false)
	enc.SetIndent("", "  ")
	if err := enc.Encode(meta); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}

// WriteFileAtomic writes data to a temporary file next to path and renames it into
// place, so readers never observe a partially written file.
func WriteFileAtomic(path string, data []byte) error {
	tmp, err := os.CreateTemp(filepath.Dir(path), ".tmp-"+filepath.Base(path)+"-*")
	if err != nil {
		return fmt.Errorf("create temp file: %w", err)
	}
	tmpName := tmp.Name()
	cleanup := func() { _ = os.Remove(tmpName) }

	if _, err := tmp.Write(data); err != nil {
		_ = tmp.Close()
		cleanup()
		return fmt.Errorf("write temp file: %w", err)
	}
	if err := tmp.Chmod(0o644); err != nil {
		_ = tmp.Close()
		cleanup()
		return fmt.Errorf("chmod temp file: %w", err)
	}
	if err := tmp.Close(); err != nil {
		cleanup()
		return fmt.Errorf("close temp file: %w", err)
	}
	if err := os.Rename(tmpName, path); err != nil {
		cleanup()
		return fmt.Errorf("rename temp file: %w", err)
	}
	return nil
}
