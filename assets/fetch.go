package assets

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"mime"
	"net/http"
	"os"
	"path/filepath"
	"sort"
	"strconv"
	"strings"
	"sync"

	"golang.org/x/sync/errgroup"

	"github.com/dhcgn/newsletter-archive/archive"
	"github.com/dhcgn/newsletter-archive/webclient"
)

// DefaultWorkers is the size of the download pool.
const DefaultWorkers = 5

// FilePrefix names localized images: img_<ordinal><ext>.
const FilePrefix = archive.ImagePrefix

// maxImageBytes caps a single download.
const maxImageBytes = 20 << 20

var (
	// ErrMissingAttachment is reported for a cid: reference without a matching part.
	ErrMissingAttachment = errors.New("inline attachment not found")
	// ErrNotImage is reported when a download is neither labeled nor shaped as an image.
	ErrNotImage = errors.New("response is not an image")
)

// reuseExtensions are checked before downloading so repeated runs never re-fetch.
var reuseExtensions = []string{".jpg", ".png", ".gif", ".jpeg", ".webp", ".svg", ".avif", ".bmp", ".ico", ".bin"}

var contentTypeExtensions = map[string]string{
	"image/jpeg":               ".jpg",
	"image/jpg":                ".jpg",
	"image/pjpeg":              ".jpg",
	"image/png":                ".png",
	"image/gif":                ".gif",
	"image/webp":               ".webp",
	"image/svg+xml":            ".svg",
	"image/avif":               ".avif",
	"image/bmp":                ".bmp",
	"image/x-icon":             ".ico",
	"image/vnd.microsoft.icon": ".ico",
}

// Result is the outcome of materializing one reference.
type Result struct {
	Ordinal int
	File    string
	Reused  bool
	Err     error
}

// Fetcher downloads references into a folder with a bounded worker pool.
type Fetcher struct {
	client  *webclient.Client
	workers int
	logger  *slog.Logger
}

// NewFetcher builds a Fetcher. workers <= 0 selects DefaultWorkers.
func NewFetcher(client *webclient.Client, workers int, logger *slog.Logger) *Fetcher {
	if workers <= 0 {
		workers = DefaultWorkers
	}
	return &Fetcher{client: client, workers: workers, logger: logger}
}

// Fetch materializes every reference into dir. Failures are reported per result
// and never stop the other downloads.
func (f *Fetcher) Fetch(ctx context.Context, dir string, refs []*Ref, attachments map[string][]byte) ([]Result, error) {
	if len(refs) == 0 {
		return nil, nil
	}
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("create asset dir: %w", err)
	}

	var (
		mu      sync.Mutex
		results = make([]Result, 0, len(refs))
	)

	g := new(errgroup.Group)
	g.SetLimit(f.workers)
	for _, ref := range refs {
		g.Go(func() error {
			res := f.materialize(ctx, dir, ref, attachments)
			if res.Err != nil && f.logger != nil {
				f.logger.Debug("asset not localized", "ordinal", ref.Ordinal, "url", ref.Source, "err", res.Err)
			}
			mu.Lock()
			results = append(results, res)
			mu.Unlock()
			return nil
		})
	}
	_ = g.Wait()

	sort.Slice(results, func(i, j int) bool { return results[i].Ordinal < results[j].Ordinal })
	return results, nil
}

func (f *Fetcher) materialize(ctx context.Context, dir string, ref *Ref, attachments map[string][]byte) Result {
	res := Result{Ordinal: ref.Ordinal}

	if name, ok := existing(dir, ref.Ordinal); ok {
		res.File = name
		res.Reused = true
		return res
	}

	var (
		data []byte
		ext  string
	)
	switch ref.Kind {
	case KindInline:
		b, ok := attachments[ref.ContentID]
		if !ok || len(b) == 0 {
			res.Err = fmt.Errorf("%w: %s", ErrMissingAttachment, ref.ContentID)
			return res
		}
		data = b
		ext = SniffExtension(b)
		if ext == "" {
			ext = extensionFromContentType(http.DetectContentType(b))
		}
		if ext == "" {
			ext = ".bin"
		}
	default:
		b, contentType, err := f.download(ctx, ref.FetchURL)
		if err != nil {
			res.Err = err
			return res
		}
		data = b
		ext = imageExtension(contentType, b)
		if ext == "" {
			res.Err = fmt.Errorf("%w: %s (%s)", ErrNotImage, ref.FetchURL, contentType)
			return res
		}
	}

	name := FilePrefix + strconv.Itoa(ref.Ordinal) + ext
	if err := archive.WriteFileAtomic(filepath.Join(dir, name), data); err != nil {
		res.Err = err
		return res
	}
	res.File = name
	return res
}

func (f *Fetcher) download(ctx context.Context, rawURL string) ([]byte, string, error) {
	if f.client == nil {
		return nil, "", fmt.Errorf("no http client configured")
	}
	resp, err := f.client.Get(ctx, rawURL)
	if err != nil {
		return nil, "", fmt.Errorf("get %s: %w", rawURL, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return nil, "", fmt.Errorf("get %s: unexpected status %d", rawURL, resp.StatusCode)
	}

	data, err := io.ReadAll(io.LimitReader(resp.Body, maxImageBytes))
	if err != nil {
		return nil, "", fmt.Errorf("read %s: %w", rawURL, err)
	}
	if len(data) == 0 {
		return nil, "", fmt.Errorf("get %s: empty body", rawURL)
	}
	return data, resp.Header.Get("Content-Type"), nil
}

func existing(dir string, ordinal int) (string, bool) {
	for _, ext := range reuseExtensions {
		name := FilePrefix + strconv.Itoa(ordinal) + ext
		if info, err := os.Stat(filepath.Join(dir, name)); err == nil && info.Mode().IsRegular() && info.Size() > 0 {
			return name, true
		}
	}
	return "", false
}

func extensionFromContentType(contentType string) string {
	mediaType, _, err := mime.ParseMediaType(contentType)
	if err != nil {
		return ""
	}
	return contentTypeExtensions[mediaType]
}

// imageExtension picks the file extension of a downloaded image from its
// Content-Type, then its magic bytes. An image/* type without a known extension
// is stored as .bin. Anything else is not an image and yields "".
func imageExtension(contentType string, b []byte) string {
	if ext := extensionFromContentType(contentType); ext != "" {
		return ext
	}
	if ext := SniffExtension(b); ext != "" {
		return ext
	}
	if mediaType, _, err := mime.ParseMediaType(contentType); err == nil && strings.HasPrefix(mediaType, "image/") {
		return ".bin"
	}
	return ""
}

// SniffExtension identifies PNG, GIF, JPEG and WEBP data by magic bytes.
func SniffExtension(b []byte) string {
	switch {
	case bytes.HasPrefix(b, []byte("\x89PNG\r\n\x1a\n")):
		return ".png"
	case bytes.HasPrefix(b, []byte("GIF87a")), bytes.HasPrefix(b, []byte("GIF89a")):
		return ".gif"
	case bytes.HasPrefix(b, []byte{0xFF, 0xD8, 0xFF}):
		return ".jpg"
	case len(b) >= 12 && bytes.Equal(b[0:4], []byte("RIFF")) && bytes.Equal(b[8:12], []byte("WEBP")):
		return ".webp"
	}
	return ""
}
